// Package timer schedules delayed ride callbacks and cancels them by id.
package timer

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatcher/internal/models"
)

// Timer kinds.
const (
	KindPingTimeout = "DRIVER_TIMEOUT"
	KindArriving    = "ARRIVING"
	KindOnTrip      = "ON_TRIP"
	KindComplete    = "COMPLETED"
)

// Scheduler is what the dispatch and lifecycle code needs from a timer backend.
type Scheduler interface {
	Schedule(rideID, kind string, delay time.Duration, task func()) string
	Clear(timerID string)
	// ClearOwner cancels every pending timer scheduled for rideID, recorded
	// on the ride or not.
	ClearOwner(rideID string)
}

// Manager runs callbacks on at most workers goroutines at a time. Clearing a
// timer stops it if it has not fired; a callback already running is not
// interrupted, so callbacks must re-check ride state before acting.
type Manager struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	slots   chan struct{}
	stopped bool
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewManager(workers int, logger *slog.Logger) *Manager {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		timers: make(map[string]*time.Timer),
		slots:  make(chan struct{}, workers),
		logger: logger,
	}
}

func (m *Manager) Schedule(rideID, kind string, delay time.Duration, task func()) string {
	id := fmt.Sprintf("%s:%s:%s", rideID, kind, uuid.NewString())

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return id
	}
	m.wg.Add(1)
	m.timers[id] = time.AfterFunc(delay, func() {
		defer m.wg.Done()
		m.mu.Lock()
		_, live := m.timers[id]
		delete(m.timers, id)
		m.mu.Unlock()
		if !live {
			return
		}
		m.run(id, task)
	})
	return id
}

func (m *Manager) run(id string, task func()) {
	m.slots <- struct{}{}
	defer func() { <-m.slots }()
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("timer callback panicked", "timer_id", id, "error", rec)
		}
	}()
	task()
}

func (m *Manager) Clear(timerID string) {
	m.mu.Lock()
	t, ok := m.timers[timerID]
	delete(m.timers, timerID)
	m.mu.Unlock()
	if ok && t.Stop() {
		m.wg.Done()
	}
}

func (m *Manager) ClearOwner(rideID string) {
	prefix := rideID + ":"
	m.mu.Lock()
	var stopped int
	for id, t := range m.timers {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		delete(m.timers, id)
		if t.Stop() {
			stopped++
		}
	}
	m.mu.Unlock()
	for ; stopped > 0; stopped-- {
		m.wg.Done()
	}
}

// Pending returns the number of armed timers that have not fired.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Stop cancels every pending timer and waits for running callbacks.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	for id, t := range m.timers {
		if t.Stop() {
			m.wg.Done()
		}
		delete(m.timers, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// ClearRide cancels every timer owned by the ride, including lock-miss
// retries that could not be recorded on it. The caller must hold the ride
// lock.
func ClearRide(s Scheduler, r *models.Ride) {
	for _, id := range r.Timers {
		s.Clear(id)
	}
	s.ClearOwner(r.ID)
	r.Timers = nil
}

// Arm schedules task and records the timer on the ride. The caller must hold
// the ride lock.
func Arm(s Scheduler, r *models.Ride, kind string, delay time.Duration, task func()) string {
	id := s.Schedule(r.ID, kind, delay, task)
	r.Timers = append(r.Timers, id)
	return id
}
