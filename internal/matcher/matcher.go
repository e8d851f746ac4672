// Package matcher finds the nearest free driver for a ride and pings them.
package matcher

import (
	"context"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/ride-dispatcher/internal/dispatch"
	"github.com/example/ride-dispatcher/internal/eta"
	"github.com/example/ride-dispatcher/internal/events"
	"github.com/example/ride-dispatcher/internal/geo"
	"github.com/example/ride-dispatcher/internal/models"
	"github.com/example/ride-dispatcher/internal/observability"
	"github.com/example/ride-dispatcher/internal/state"
	"github.com/example/ride-dispatcher/internal/storage"
	"github.com/example/ride-dispatcher/internal/timer"
)

const (
	DefaultMaxRings    = 30
	DefaultLockTimeout = 200 * time.Millisecond
	DefaultPingTimeout = 15 * time.Second
)

// Service is the dispatch engine. Lock order is always ride, then driver.
type Service struct {
	Geo      geo.Geo
	Store    storage.Store
	Timers   timer.Scheduler
	Notifier dispatch.Notifier // optional
	ETA      *eta.Estimator    // optional
	Events   events.Emitter    // optional
	Logger   *slog.Logger

	LockTimeout time.Duration
	PingTimeout time.Duration
	MaxRings    int
}

type candidate struct {
	driver *models.Driver
	dist   float64
	ring   int
}

// Dispatch pings the nearest eligible driver for ride. It gives up silently
// when the ride lock is busy, the ride is past pinging, or nobody is free;
// the ride then stays REQUESTED for a later attempt.
func (s *Service) Dispatch(ride *models.Ride) (models.PingOffer, bool) {
	start := time.Now()
	defer func() { observability.DispatchLatency.Observe(time.Since(start).Seconds()) }()
	_, span := observability.Tracer().Start(context.Background(), "matcher.Dispatch")
	span.SetAttributes(attribute.String("ride.id", ride.ID))
	defer span.End()

	if !ride.TryLock(s.lockTimeout()) {
		observability.LockContention.WithLabelValues("ride", "dispatch").Inc()
		s.outcome(ride.ID, "lock_timeout")
		return models.PingOffer{}, false
	}
	offer, ok := s.pingNearest(ride)
	ride.Unlock()

	if ok {
		offer = s.deliver(offer)
		span.SetAttributes(attribute.String("driver.id", offer.DriverID))
	}
	span.SetAttributes(attribute.Bool("pinged", ok))
	return offer, ok
}

// pingNearest runs with the ride lock held.
func (s *Service) pingNearest(ride *models.Ride) (models.PingOffer, bool) {
	if ride.Status != models.RideRequested && ride.Status != models.RideDriverPinged {
		s.outcome(ride.ID, "not_dispatchable")
		return models.PingOffer{}, false
	}

	best, found := s.nearest(ride)
	if !found {
		// A REQUESTED ride stays in the pool; a DRIVER_PINGED ride keeps its
		// live ping and timer.
		s.outcome(ride.ID, "no_driver")
		return models.PingOffer{}, false
	}
	driver := best.driver

	if !driver.TryLock(s.lockTimeout()) {
		observability.LockContention.WithLabelValues("driver", "dispatch").Inc()
		s.outcome(ride.ID, "lock_timeout")
		return models.PingOffer{}, false
	}
	defer driver.Unlock()

	// The search read the driver without its lock.
	if driver.Status() != models.DriverOnline || driver.AssignedRideID() != "" {
		s.outcome(ride.ID, "driver_busy")
		return models.PingOffer{}, false
	}
	from, err := state.Transition(ride, models.RideDriverPinged)
	if err != nil {
		s.logger().Warn("dispatch rejected by state machine", "ride_id", ride.ID, "error", err)
		s.outcome(ride.ID, "invalid_transition")
		return models.PingOffer{}, false
	}
	ride.PingedDrivers[driver.ID()] = struct{}{}
	ride.PingedDriverID = driver.ID()
	s.Store.SetPingExpired(ride.ID, driver.ID(), false)

	rideID, driverID := ride.ID, driver.ID()
	timer.ClearRide(s.Timers, ride)
	timer.Arm(s.Timers, ride, timer.KindPingTimeout, s.pingTimeout(), func() {
		s.OnTimeout(rideID, driverID)
	})
	s.emit(ride, driverID, from)

	observability.DispatchRings.Observe(float64(best.ring))
	s.outcome(ride.ID, "pinged")
	s.logger().Info("driver pinged", "ride_id", ride.ID, "driver_id", driverID, "ring", best.ring, "distance_m", best.dist)

	var drop *models.Location
	if ride.Drop != nil {
		d := *ride.Drop
		drop = &d
	}
	return models.PingOffer{
		RideID:       ride.ID,
		DriverID:     driverID,
		Pickup:       ride.Pickup,
		Drop:         drop,
		DistanceM:    best.dist,
		ExpiresInSec: int(s.pingTimeout().Seconds()),
	}, true
}

// nearest expands rings around the pickup cell and returns the closest
// candidate of the first ring that has any. Closer drivers in later rings
// are not considered.
func (s *Service) nearest(ride *models.Ride) (candidate, bool) {
	maxRings := s.MaxRings
	if maxRings <= 0 {
		maxRings = DefaultMaxRings
	}
	rings := geo.NewRings(geo.Encode(ride.Pickup))
	for {
		ring, cells := rings.Next()
		if ring > maxRings {
			return candidate{}, false
		}
		if len(cells) == 0 {
			continue
		}
		found, err := s.Geo.Find(cells)
		if err != nil {
			s.logger().Error("geo lookup failed", "ride_id", ride.ID, "ring", ring, "error", err)
			return candidate{}, false
		}
		best := candidate{dist: math.MaxFloat64, ring: ring}
		for _, gd := range found {
			d, ok := s.Store.Driver(gd.DriverID)
			if !ok || d.Status() != models.DriverOnline || ride.WasPinged(gd.DriverID) {
				continue
			}
			dist := geo.Haversine(gd.Lat, gd.Lng, ride.Pickup.Lat, ride.Pickup.Lng)
			if dist < best.dist {
				best.driver = d
				best.dist = dist
			}
		}
		if best.driver != nil {
			return best, true
		}
	}
}

// OnTimeout fires when a pinged driver did not answer in time.
func (s *Service) OnTimeout(rideID, driverID string) {
	ride, ok := s.Store.Ride(rideID)
	if !ok {
		return
	}
	driver, ok := s.Store.Driver(driverID)
	if !ok {
		return
	}
	if !s.expirePing(ride, driver) {
		return
	}
	observability.PingTimeouts.Inc()
	s.logger().Info("ping timed out", "ride_id", rideID, "driver_id", driverID)
	s.Dispatch(ride)
}

func (s *Service) expirePing(ride *models.Ride, driver *models.Driver) bool {
	if !ride.TryLock(s.lockTimeout()) {
		observability.LockContention.WithLabelValues("ride", "timeout").Inc()
		return false
	}
	defer ride.Unlock()
	if !driver.TryLock(s.lockTimeout()) {
		observability.LockContention.WithLabelValues("driver", "timeout").Inc()
		return false
	}
	defer driver.Unlock()

	if ride.Status != models.RideDriverPinged || ride.PingedDriverID != driver.ID() {
		observability.StaleTimerFires.WithLabelValues(timer.KindPingTimeout).Inc()
		return false
	}
	from, err := state.Transition(ride, models.RideRequested)
	if err != nil {
		return false
	}
	driver.RecordTimeout()
	s.Store.SetPingExpired(ride.ID, driver.ID(), true)
	ride.PingedDriverID = ""
	timer.ClearRide(s.Timers, ride)
	s.emit(ride, driver.ID(), from)
	return true
}

func (s *Service) deliver(offer models.PingOffer) models.PingOffer {
	if s.ETA != nil {
		if d, ok := s.Store.Driver(offer.DriverID); ok {
			offer.ETASeconds = s.ETA.PickupSeconds(d.Location(), offer.Pickup)
		}
	}
	if s.Notifier == nil {
		return offer
	}
	if err := s.Notifier.Offer(offer); err != nil {
		s.logger().Warn("ping delivery failed", "ride_id", offer.RideID, "driver_id", offer.DriverID, "error", err)
	}
	return offer
}

func (s *Service) emit(ride *models.Ride, driverID string, from models.RideStatus) {
	if s.Events == nil {
		return
	}
	s.Events.Emit(events.Transition(ride, driverID, from))
}

func (s *Service) outcome(rideID, outcome string) {
	observability.DispatchAttempts.WithLabelValues(outcome).Inc()
	s.logger().Debug("dispatch attempt", "ride_id", rideID, "outcome", outcome)
}

func (s *Service) lockTimeout() time.Duration {
	if s.LockTimeout <= 0 {
		return DefaultLockTimeout
	}
	return s.LockTimeout
}

func (s *Service) pingTimeout() time.Duration {
	if s.PingTimeout <= 0 {
		return DefaultPingTimeout
	}
	return s.PingTimeout
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
