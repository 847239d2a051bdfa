// Package timers is the Dispatch Core's C12 component: keyed, cancellable
// deadlines for the acknowledgement timeout and the auto-resolution
// window. There is no third-party scheduling library anywhere in the
// example corpus (see DESIGN.md), so this is built directly on
// stdlib time.AfterFunc with one service-wide mutex guarding re-arm races;
// callbacks for the same key are serialized by construction, since
// re-arming always stops the prior timer before starting a new one.
package timers

import (
	"sync"
	"time"
)

// Kind distinguishes the two deadline types this service manages, so the
// same key (e.g. a faultId reused later as a vehicleId-shaped string)
// never collides across kinds.
type Kind string

const (
	KindAckDeadline   Kind = "ack"
	KindAutoResolve   Kind = "auto-resolve"
)

type timerKey struct {
	kind Kind
	id   string
}

// Service owns every live deadline timer, keyed by (kind, id).
type Service struct {
	mu     sync.Mutex
	timers map[timerKey]*time.Timer
}

// New builds an empty timer Service.
func New() *Service {
	return &Service{timers: make(map[timerKey]*time.Timer)}
}

// Arm schedules fn to run after d, under (kind, id). If a timer already
// exists for that key, it is cancelled first: re-arming always replaces,
// never stacks.
func (s *Service) Arm(kind Kind, id string, d time.Duration, fn func()) {
	key := timerKey{kind: kind, id: id}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[key]; ok {
		existing.Stop()
	}

	s.timers[key] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
}

// Cancel stops the timer for (kind, id), if any. Returns true if a live
// timer was found and stopped.
func (s *Service) Cancel(kind Kind, id string) bool {
	key := timerKey{kind: kind, id: id}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.timers[key]
	if !ok {
		return false
	}
	existing.Stop()
	delete(s.timers, key)
	return true
}

// Armed reports whether a live timer exists for (kind, id).
func (s *Service) Armed(kind Kind, id string) bool {
	key := timerKey{kind: kind, id: id}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Len reports the number of live timers, for diagnostics and tests.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
