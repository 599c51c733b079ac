package artifact

import (
	"log/slog"
	"sync"
	"time"
)

// Scheduler deletes artifacts after a delay. Pending deletions are keyed by
// artifact name, so scheduling the same ref twice keeps only the later timer.
type Scheduler struct {
	store  Store
	logger *slog.Logger

	// OnError is called for every failed deletion. Optional.
	OnError func(ref Ref, err error)

	mu      sync.Mutex
	pending map[string]pendingDelete
	closed  bool
	wg      sync.WaitGroup
}

type pendingDelete struct {
	ref   Ref
	timer *time.Timer
}

// NewScheduler creates a scheduler that deletes through store.
func NewScheduler(store Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   store,
		logger:  logger.With("component", "artifact.scheduler"),
		pending: make(map[string]pendingDelete),
	}
}

// Schedule deletes ref after delay. After Close the ref is deleted at once.
func (s *Scheduler) Schedule(ref Ref, delay time.Duration) {
	if ref.IsZero() {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.delete(ref)
		return
	}
	if p, ok := s.pending[ref.Name]; ok && p.timer.Stop() {
		s.wg.Done()
	}

	s.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()

		s.mu.Lock()
		if s.pending[ref.Name].timer != timer {
			s.mu.Unlock()
			return
		}
		delete(s.pending, ref.Name)
		s.mu.Unlock()

		s.delete(ref)
	})
	s.pending[ref.Name] = pendingDelete{ref: ref, timer: timer}
	s.mu.Unlock()
}

// Cancel drops a pending deletion. It reports whether one was pending.
func (s *Scheduler) Cancel(ref Ref) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[ref.Name]
	if !ok {
		return false
	}
	delete(s.pending, ref.Name)
	if p.timer.Stop() {
		s.wg.Done()
		return true
	}
	// Timer already fired; its callback will see it is no longer pending.
	return false
}

// Pending returns the number of scheduled deletions.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close deletes every pending artifact now and waits for running deletions.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	var flush []Ref
	for name, p := range s.pending {
		// A timer that already fired finds its entry gone and leaves the
		// deletion to the flush below.
		if p.timer.Stop() {
			s.wg.Done()
		}
		flush = append(flush, p.ref)
		delete(s.pending, name)
	}
	s.mu.Unlock()

	for _, ref := range flush {
		s.delete(ref)
	}
	s.wg.Wait()
}

func (s *Scheduler) delete(ref Ref) {
	if err := s.store.Delete(ref); err != nil {
		s.logger.Warn("artifact cleanup failed", "artifact", ref.Name, "error", err)
		if s.OnError != nil {
			s.OnError(ref, err)
		}
		return
	}
	s.logger.Debug("artifact deleted", "artifact", ref.Name)
}
