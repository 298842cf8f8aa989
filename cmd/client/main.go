package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/n0remac/station-webrtc/config"
	"github.com/n0remac/station-webrtc/journal"
	"github.com/n0remac/station-webrtc/media"
	"github.com/n0remac/station-webrtc/relay"
	"github.com/n0remac/station-webrtc/station"
	rtc "github.com/n0remac/station-webrtc/webrtc"
	"github.com/pion/logging"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lf := cfg.LoggerFactory()
	identity := station.NewIdentity(cfg.ID, cfg.Role == config.RoleStation)
	log.Printf("My ID: %s (%s)", identity.ID, cfg.Role)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := dialRelay(ctx, cfg, identity.ID, lf)
	if err != nil {
		log.Fatalf("relay: %v", err)
	}
	defer r.Close()

	j, err := journal.Open(cfg.JournalDSN, lf)
	if err != nil {
		log.Fatalf("journal: %v", err)
	}
	defer j.Close()

	factory, err := station.NewPionFactory(station.PionConfig{
		ICEServers:    cfg.WebRTCICEServers(),
		LoggerFactory: lf,
	})
	if err != nil {
		log.Fatalf("webrtc: %v", err)
	}

	negotiation := station.NegotiationOptions{
		AnswerTimeout: cfg.Negotiation.AnswerTimeout,
		Restart: rtc.RestartPolicy{
			MaxRestarts:     cfg.Negotiation.MaxRestarts,
			InitialInterval: cfg.Negotiation.RestartInterval,
			MaxInterval:     cfg.Negotiation.MaxInterval,
			GiveUpAfter:     cfg.Negotiation.GiveUpAfter,
		},
	}
	onError := func(err error) { log.Printf("[ERROR] %v", err) }

	var (
		build station.Builder
		delay time.Duration
	)
	switch cfg.Role {
	case config.RoleStation:
		var provider media.Provider
		if cfg.Media.Source == "rtp" {
			provider = &media.RTPProvider{Config: cfg.RTP(lf)}
		} else {
			provider = media.NewFFmpegProvider(cfg.FFmpeg(lf))
		}
		delay = station.StationReloadDelay
		device := cfg.Media.Device
		var last *station.Broadcaster
		build = func() (station.Participant, error) {
			// Keep the camera chosen at runtime across reloads.
			if last != nil && last.DeviceID() != "" {
				device = last.DeviceID()
			}
			b, err := station.NewBroadcaster(station.BroadcasterConfig{
				Identity:      identity,
				Room:          cfg.Relay.Room,
				Relay:         r,
				Provider:      provider,
				Factory:       factory,
				DeviceID:      device,
				Negotiation:   negotiation,
				Journal:       j,
				LoggerFactory: lf,
				OnError:       onError,
			})
			if err != nil {
				return nil, err
			}
			last = b
			return b, nil
		}

	case config.RoleViewer:
		sink, err := media.NewSink(media.SinkConfig{
			VideoAddr:     cfg.Sink.VideoAddr,
			AudioAddr:     cfg.Sink.AudioAddr,
			LoggerFactory: lf,
		})
		if err != nil {
			log.Fatalf("sink: %v", err)
		}
		defer sink.Close()
		delay = station.ViewerReloadDelay
		build = func() (station.Participant, error) {
			v, err := station.NewViewer(station.ViewerConfig{
				Identity: identity,
				Relay:    r,
				Factory:  factory,
				OnTrack: func(peerID string, kind media.Kind, rd media.RTPReader) {
					if err := sink.Consume(kind, rd); err != nil && !errors.Is(err, media.ErrStopped) {
						log.Printf("%s track from %s ended: %v", kind, peerID, err)
					}
				},
				Negotiation:   negotiation,
				Journal:       j,
				LoggerFactory: lf,
				OnError:       onError,
			})
			if err != nil {
				return nil, err
			}
			return v, nil
		}
	}

	var (
		mu      sync.Mutex
		current station.Participant
	)
	if cfg.StatusAddr != "" {
		handle := station.NewStatusHandle(identity, func() station.Participant {
			mu.Lock()
			defer mu.Unlock()
			return current
		})
		srv := &http.Server{Addr: cfg.StatusAddr, Handler: station.NewStatusRouter(handle, j)}
		go func() {
			log.Println("Status server listening on", cfg.StatusAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("status server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	err = station.Run(ctx, station.RunConfig{
		Relay:       r,
		Build:       build,
		ReloadDelay: delay,
		OnStart: func(p station.Participant) {
			mu.Lock()
			current = p
			mu.Unlock()
		},
		LoggerFactory: lf,
	})
	if err != nil {
		log.Printf("run: %v", err)
	}
	log.Println("Shutting down")
}

func dialRelay(ctx context.Context, cfg *config.Config, id string, lf logging.LoggerFactory) (relay.Relay, error) {
	if cfg.Relay.Kind == config.RelayRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Relay.RedisAddr,
			Password: cfg.Relay.RedisPassword,
			DB:       cfg.Relay.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		rr, err := relay.NewRedisRelay(ctx, relay.RedisConfig{
			Client:        client,
			Room:          cfg.Relay.Room,
			ID:            id,
			LoggerFactory: lf,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return rr, nil
	}
	wr, err := relay.DialWebsocket(relay.WebsocketConfig{
		URL:           cfg.Relay.URL,
		Room:          cfg.Relay.Room,
		ID:            id,
		Token:         cfg.Relay.Token,
		LoggerFactory: lf,
	})
	if err != nil {
		return nil, err
	}
	return wr, nil
}
