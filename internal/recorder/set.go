package recorder

import (
	"fmt"
	"sync"

	"microscope-core/internal/coreerr"
)

// Set enforces recorder mutual exclusion: at most one of the main and
// motion-gated recorders may be active at a time.
type Set struct {
	mu     sync.Mutex
	active string // "", "main", or "motion"
}

// TryAcquire claims name ("main" or "motion") if no recorder is
// active, returning an error tagged ResourceBusy otherwise.
func (s *Set) TryAcquire(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != "" {
		return coreerr.Tag(fmt.Errorf("recorder: %s already recording", s.active), coreerr.KindResourceBusy)
	}
	s.active = name
	return nil
}

// Release clears the active recorder, if it matches name.
func (s *Set) Release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == name {
		s.active = ""
	}
}

// Active reports which recorder (if any) currently holds the set.
func (s *Set) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
