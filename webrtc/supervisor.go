package webrtc

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// RestartPolicy bounds connection recovery for a session.
type RestartPolicy struct {
	// Drive makes this side issue ICE restarts. The other side only waits
	// for the driver's restart offer.
	Drive bool

	MaxRestarts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// GiveUpAfter is how long a non-driving side waits for recovery before
	// tearing the session down.
	GiveUpAfter time.Duration
}

func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxRestarts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		GiveUpAfter:     30 * time.Second,
	}
}

func (p RestartPolicy) withDefaults() RestartPolicy {
	d := DefaultRestartPolicy()
	if p.MaxRestarts <= 0 {
		p.MaxRestarts = d.MaxRestarts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.GiveUpAfter <= 0 {
		p.GiveUpAfter = d.GiveUpAfter
	}
	return p
}

// supervisor watches aggregate and ICE connection state and turns failures
// into at most one outstanding ICE restart at a time.
type supervisor struct {
	peerID  string
	policy  RestartPolicy
	log     logging.LeveledLogger
	restart func()
	kick    func()
	giveUp  func(error)
	record  func(kind, detail string)

	mu          sync.Mutex
	backoff     *backoff.ExponentialBackOff
	attempts    int
	outstanding bool
	timer       *time.Timer
	stopped     bool
}

func newSupervisor(peerID string, policy RestartPolicy, log logging.LeveledLogger) *supervisor {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return &supervisor{
		peerID:  peerID,
		policy:  policy,
		log:     log,
		backoff: b,
		restart: func() {},
		kick:    func() {},
		giveUp:  func(error) {},
		record:  func(string, string) {},
	}
}

func (sv *supervisor) connectionState(st webrtc.PeerConnectionState) {
	sv.log.Debugf("[%s] connection %s", sv.peerID, st)
	switch st {
	case webrtc.PeerConnectionStateConnected:
		sv.recovered()
	case webrtc.PeerConnectionStateFailed:
		sv.failed("connection")
		sv.kick()
	}
}

func (sv *supervisor) iceState(st webrtc.ICEConnectionState) {
	sv.log.Debugf("[%s] ICE %s", sv.peerID, st)
	switch st {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		sv.recovered()
	case webrtc.ICEConnectionStateChecking:
		sv.checking()
	case webrtc.ICEConnectionStateFailed:
		sv.failed("ice")
	}
}

func (sv *supervisor) failed(source string) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.stopped {
		return
	}
	if sv.outstanding {
		sv.log.Debugf("[%s] %s failure while recovery is pending, ignoring", sv.peerID, source)
		return
	}
	sv.outstanding = true

	if !sv.policy.Drive {
		sv.log.Infof("[%s] %s failed, waiting %s for remote restart", sv.peerID, source, sv.policy.GiveUpAfter)
		sv.timer = time.AfterFunc(sv.policy.GiveUpAfter, sv.exhausted)
		return
	}

	if sv.attempts >= sv.policy.MaxRestarts {
		sv.timer = time.AfterFunc(0, sv.exhausted)
		return
	}
	var delay time.Duration
	if sv.attempts > 0 {
		delay = sv.backoff.NextBackOff()
	}
	sv.attempts++
	sv.log.Infof("[%s] %s failed, ICE restart %d/%d in %s", sv.peerID, source, sv.attempts, sv.policy.MaxRestarts, delay)
	sv.record("restart", fmt.Sprintf("%s failed, attempt %d", source, sv.attempts))
	sv.timer = time.AfterFunc(delay, sv.restart)
}

// checking marks a restart as taken up by ICE, so the next failure counts
// as a new one.
func (sv *supervisor) checking() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.policy.Drive {
		sv.outstanding = false
	}
}

// restartFailed releases the outstanding restart after the offer could not
// be produced and charges another attempt.
func (sv *supervisor) restartFailed() {
	sv.mu.Lock()
	sv.outstanding = false
	sv.mu.Unlock()
	sv.failed("restart")
}

func (sv *supervisor) recovered() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.timer != nil {
		sv.timer.Stop()
		sv.timer = nil
	}
	if sv.attempts > 0 || sv.outstanding {
		sv.log.Infof("[%s] connection recovered", sv.peerID)
	}
	sv.attempts = 0
	sv.outstanding = false
	sv.backoff.Reset()
}

func (sv *supervisor) exhausted() {
	sv.mu.Lock()
	if sv.stopped {
		sv.mu.Unlock()
		return
	}
	sv.stopped = true
	attempts := sv.attempts
	sv.mu.Unlock()

	sv.log.Warnf("[%s] recovery exhausted after %d restarts", sv.peerID, attempts)
	sv.record("exhausted", fmt.Sprintf("%d restarts", attempts))
	sv.giveUp(ErrRecoveryExhausted)
}

func (sv *supervisor) restarts() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.attempts
}

func (sv *supervisor) stop() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.stopped = true
	if sv.timer != nil {
		sv.timer.Stop()
		sv.timer = nil
	}
}
