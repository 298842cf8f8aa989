package webrtc

import (
	"strconv"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
)

// CandidateKey identifies a candidate by (candidate, sdpMid, sdpMLineIndex).
type CandidateKey string

func KeyOf(c webrtc.ICECandidateInit) CandidateKey {
	mid := ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	idx := "-"
	if c.SDPMLineIndex != nil {
		idx = strconv.Itoa(int(*c.SDPMLineIndex))
	}
	return CandidateKey(strings.Join([]string{c.Candidate, mid, idx}, "\n"))
}

// remoteKey extends KeyOf with the username fragment so candidates from a
// restarted ICE generation are not mistaken for re-deliveries.
func remoteKey(c webrtc.ICECandidateInit) CandidateKey {
	if c.UsernameFragment == nil {
		return KeyOf(c)
	}
	return KeyOf(c) + CandidateKey("\n"+*c.UsernameFragment)
}

// endOfCandidates reports whether c is the empty end-of-candidates marker.
func endOfCandidates(c webrtc.ICECandidateInit) bool {
	return c.Candidate == ""
}

/* ------------------------------- candidate set ------------------------------ */

// candidateSet remembers candidate keys. Sessions keep one for candidates
// sent to the peer and one for candidates applied from the peer.

type candidateSet struct {
	mu   sync.Mutex
	keys map[CandidateKey]struct{}
}

func newCandidateSet() *candidateSet {
	return &candidateSet{keys: make(map[CandidateKey]struct{})}
}

// record returns false if c was already recorded. The end-of-candidates
// marker is never recorded so every gathering cycle can announce it.
func (s *candidateSet) record(c webrtc.ICECandidateInit) bool {
	if endOfCandidates(c) {
		return true
	}
	return s.recordKey(KeyOf(c))
}

func (s *candidateSet) recordKey(k CandidateKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k]; ok {
		return false
	}
	s.keys[k] = struct{}{}
	return true
}

func (s *candidateSet) forget(k CandidateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, k)
}

func (s *candidateSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

/* ---------------------------- staged candidates ----------------------------- */

// candidateBuffer holds remote candidates received before a remote
// description was applied, in arrival order.
type candidateBuffer struct {
	mu      sync.Mutex
	max     int
	pending []webrtc.ICECandidateInit
}

func newCandidateBuffer(max int) *candidateBuffer {
	return &candidateBuffer{max: max}
}

// stage returns false when the buffer is full and c was dropped.
func (b *candidateBuffer) stage(c webrtc.ICECandidateInit) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.pending) >= b.max {
		return false
	}
	b.pending = append(b.pending, c)
	return true
}

// take empties the buffer and returns what it held.
func (b *candidateBuffer) take() []webrtc.ICECandidateInit {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

func (b *candidateBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
