package station

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/n0remac/station-webrtc/relay"
	"github.com/pion/logging"
)

// Reload delays after a reload message, per role.
const (
	StationReloadDelay = 100 * time.Millisecond
	ViewerReloadDelay  = time.Second
)

// Participant is one role instance driven by Run.
type Participant interface {
	Start(ctx context.Context) error
	Handle(relay.Message)
	Close() error
}

// Builder creates a fresh participant each time Run (re)starts one.
type Builder func() (Participant, error)

type RunConfig struct {
	Relay       relay.Relay
	Build       Builder
	ReloadDelay time.Duration
	// OnStart is called with every participant after it started.
	OnStart       func(Participant)
	LoggerFactory logging.LoggerFactory
}

// Run feeds relay messages to a participant until ctx is done. A reload
// message tears the participant down and builds a new one after the
// reload delay.
func Run(ctx context.Context, cfg RunConfig) error {
	if cfg.Relay == nil || cfg.Build == nil {
		return errors.New("station: relay and builder required")
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	log := cfg.LoggerFactory.NewLogger("station")

	var (
		mu      sync.Mutex
		current Participant
	)
	reload := make(chan struct{}, 1)
	cfg.Relay.OnMessage(func(msg relay.Message) {
		if msg.Subject == relay.SubjectReload {
			select {
			case reload <- struct{}{}:
			default:
			}
			return
		}
		mu.Lock()
		p := current
		mu.Unlock()
		if p != nil {
			p.Handle(msg)
		}
	})
	defer cfg.Relay.OnMessage(nil)

	swap := func(p Participant) Participant {
		mu.Lock()
		defer mu.Unlock()
		old := current
		current = p
		return old
	}

	for {
		p, err := cfg.Build()
		if err != nil {
			return err
		}
		swap(p)
		if err := p.Start(ctx); err != nil {
			swap(nil)
			_ = p.Close()
			return err
		}
		if cfg.OnStart != nil {
			cfg.OnStart(p)
		}

		select {
		case <-ctx.Done():
			_ = swap(nil).Close()
			return nil
		case <-reload:
		}
		log.Infof("reload requested; restarting in %s", cfg.ReloadDelay)
		_ = swap(nil).Close()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.ReloadDelay):
		}
	}
}
