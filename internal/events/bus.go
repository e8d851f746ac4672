// Package events fans ride status changes out to external sinks without
// blocking the dispatch engine.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatcher/internal/models"
	"github.com/example/ride-dispatcher/internal/observability"
)

type Emitter interface {
	Emit(ev models.RideEvent)
}

type Sink interface {
	Name() string
	Publish(ctx context.Context, ev models.RideEvent) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(models.RideEvent) {}

type Bus struct {
	mu      sync.RWMutex
	closed  bool
	ch      chan models.RideEvent
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
	done    chan struct{}
}

func NewBus(buffer int, logger *slog.Logger, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	b := &Bus{
		ch:      make(chan models.RideEvent, buffer),
		sinks:   sinks,
		timeout: 3 * time.Second,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go b.loop()
	return b
}

// Emit enqueues ev; when the buffer is full the event is dropped.
func (b *Bus) Emit(ev models.RideEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed || len(b.sinks) == 0 {
		return
	}
	select {
	case b.ch <- ev:
	default:
		observability.EventsDropped.Inc()
		b.logger.Warn("ride event dropped", "ride_id", ev.RideID, "to", ev.To)
	}
}

func (b *Bus) loop() {
	defer close(b.done)
	for ev := range b.ch {
		for _, s := range b.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
			if err := s.Publish(ctx, ev); err != nil {
				observability.EventSinkErrors.WithLabelValues(s.Name()).Inc()
				b.logger.Error("ride event publish failed", "sink", s.Name(), "ride_id", ev.RideID, "error", err)
			}
			cancel()
		}
	}
}

// Close stops accepting events and waits until the queued ones are delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.ch)
	b.mu.Unlock()
	<-b.done
}

// Transition describes the change the ride just went through. The caller
// must hold the ride lock.
func Transition(r *models.Ride, driverID string, from models.RideStatus) models.RideEvent {
	return models.RideEvent{
		RideID:               r.ID,
		DriverID:             driverID,
		From:                 from,
		To:                   r.Status,
		CancelledAfterAccept: r.CancelledAfterAccept,
		At:                   r.UpdatedAt,
	}
}
