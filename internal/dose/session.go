package dose

import (
	"sync"

	"carbsmart/internal/models"
)

// Session holds results that were analysed but not yet confirmed. It is
// emptied by Drain when the caregiver confirms, or by Discard on abort.
type Session struct {
	mu    sync.Mutex
	items []models.CalculationResult
}

func NewSession() *Session {
	return &Session{}
}

func (s *Session) Add(result models.CalculationResult) Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, result)
	return Aggregate(s.items)
}

// Items returns a copy of the pending results in capture order.
func (s *Session) Items() []models.CalculationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CalculationResult(nil), s.items...)
}

func (s *Session) Totals() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Aggregate(s.items)
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Drain empties the session and returns what it held.
func (s *Session) Drain() []models.CalculationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.items
	s.items = nil
	return items
}

// Restore puts items back at the front of the session, used when persisting
// drained items failed.
func (s *Session) Restore(items []models.CalculationResult) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(append([]models.CalculationResult(nil), items...), s.items...)
}

func (s *Session) Discard() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.items)
	s.items = nil
	return n
}
