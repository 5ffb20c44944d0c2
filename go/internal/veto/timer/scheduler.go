// Package timer arms one deadline per active veto session.
//
// The scheduler never touches session state. When a deadline passes it
// emits a TurnTimedOut carrying the turn index it was armed for; the
// receiver decides whether that signal is still current.
package timer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Clock is the subset of clockwork.Clock the scheduler needs.
// In production use clockwork.NewRealClock(); in tests a FakeClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) clockwork.Timer
}

// TurnTimedOut is raised when a turn's deadline passes.
type TurnTimedOut struct {
	SessionID uuid.UUID
	TurnIndex int
	Deadline  time.Time
}

type armedTimer struct {
	timer     clockwork.Timer
	turnIndex int
	deadline  time.Time
	cancel    chan struct{}
}

// Scheduler keeps at most one armed timer per session.
type Scheduler struct {
	clock Clock
	out   chan TurnTimedOut

	activeTimers   map[uuid.UUID]*armedTimer
	activeTimersMu sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a scheduler whose signals are buffered up to buffer entries.
func NewScheduler(clock Clock, buffer int) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		clock:        clock,
		out:          make(chan TurnTimedOut, buffer),
		activeTimers: make(map[uuid.UUID]*armedTimer),
		done:         make(chan struct{}),
	}
}

// C delivers expired turns.
func (s *Scheduler) C() <-chan TurnTimedOut {
	return s.out
}

// Arm replaces any timer for sessionID with one that fires at deadline.
// A deadline already in the past fires immediately.
func (s *Scheduler) Arm(sessionID uuid.UUID, turnIndex int, deadline time.Time) {
	d := deadline.Sub(s.clock.Now())
	at := &armedTimer{
		timer:     s.clock.NewTimer(d),
		turnIndex: turnIndex,
		deadline:  deadline,
		cancel:    make(chan struct{}),
	}
	s.replaceTimer(sessionID, at)

	go s.wait(sessionID, at)

	log.Debug().
		Str("session_id", sessionID.String()).
		Int("turn_index", turnIndex).
		Time("deadline", deadline).
		Dur("duration", d).
		Msg("armed turn timer")
}

func (s *Scheduler) wait(sessionID uuid.UUID, at *armedTimer) {
	select {
	case <-at.timer.Chan():
		if !s.removeTimer(sessionID, at) {
			// replaced or cancelled between expiry and removal
			return
		}
		signal := TurnTimedOut{SessionID: sessionID, TurnIndex: at.turnIndex, Deadline: at.deadline}
		select {
		case s.out <- signal:
			log.Debug().
				Str("session_id", sessionID.String()).
				Int("turn_index", at.turnIndex).
				Msg("turn timer fired")
		case <-s.done:
		}
	case <-at.cancel:
	case <-s.done:
	}
}

// Cancel stops the timer for sessionID, if any.
func (s *Scheduler) Cancel(sessionID uuid.UUID) {
	s.activeTimersMu.Lock()
	defer s.activeTimersMu.Unlock()

	if at, ok := s.activeTimers[sessionID]; ok {
		stopAndDrainTimer(at)
		delete(s.activeTimers, sessionID)
		log.Debug().Str("session_id", sessionID.String()).Msg("cancelled turn timer")
	}
}

// Armed reports the turn index the session's timer is armed for.
func (s *Scheduler) Armed(sessionID uuid.UUID) (int, bool) {
	s.activeTimersMu.Lock()
	defer s.activeTimersMu.Unlock()
	at, ok := s.activeTimers[sessionID]
	if !ok {
		return 0, false
	}
	return at.turnIndex, true
}

// Len returns the number of armed timers.
func (s *Scheduler) Len() int {
	s.activeTimersMu.Lock()
	defer s.activeTimersMu.Unlock()
	return len(s.activeTimers)
}

// Stop cancels every timer and releases goroutines blocked on delivery.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.activeTimersMu.Lock()
		for id, at := range s.activeTimers {
			stopAndDrainTimer(at)
			delete(s.activeTimers, id)
		}
		s.activeTimersMu.Unlock()
	})
}

func (s *Scheduler) replaceTimer(sessionID uuid.UUID, at *armedTimer) {
	s.activeTimersMu.Lock()
	defer s.activeTimersMu.Unlock()

	if existing, ok := s.activeTimers[sessionID]; ok {
		stopAndDrainTimer(existing)
	}
	s.activeTimers[sessionID] = at
}

// removeTimer deletes at only if it is still the armed timer for sessionID.
func (s *Scheduler) removeTimer(sessionID uuid.UUID, at *armedTimer) bool {
	s.activeTimersMu.Lock()
	defer s.activeTimersMu.Unlock()
	if s.activeTimers[sessionID] != at {
		return false
	}
	delete(s.activeTimers, sessionID)
	return true
}

// stopAndDrainTimer stops the timer, drains a pending tick and wakes its waiter.
func stopAndDrainTimer(at *armedTimer) {
	if !at.timer.Stop() {
		select {
		case <-at.timer.Chan():
		default:
		}
	}
	close(at.cancel)
}
