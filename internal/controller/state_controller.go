package controller

import (
	"fmt"
	"sync"
)

// StateController remembers the latest published rate so it can be served
// to whoever polls for it.
type StateController struct {
	mu    sync.RWMutex
	rate  float64
	valid bool
}

func NewStateController() *StateController {
	return &StateController{}
}

func (s *StateController) Publish(rate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rate = rate
	s.valid = true
	return nil
}

func (s *StateController) Rate() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.rate, s.valid
}

func (s *StateController) String() string {
	rate, ok := s.Rate()
	if !ok {
		return "max rate: unbounded\n"
	}

	return fmt.Sprintf("max rate: %.2f elements/s\n", rate)
}
