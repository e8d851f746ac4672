package rides

import (
	"time"

	"github.com/example/ride-dispatcher/internal/events"
	"github.com/example/ride-dispatcher/internal/models"
	"github.com/example/ride-dispatcher/internal/observability"
	"github.com/example/ride-dispatcher/internal/state"
	"github.com/example/ride-dispatcher/internal/timer"
)

// Every lifecycle step carries the id of the driver whose acceptance started
// the sequence. A driver is pinged at most once per ride, so the pair
// (ride, driver) names one assignment; a step from an earlier assignment
// that outlived a cancellation finds a different driver and does nothing.

// armStage schedules the next lifecycle step once the ride has settled in
// expect under driverID. A ride that moved on in the meantime is left alone.
func (s *Service) armStage(rideID, driverID string, expect models.RideStatus, kind string, delay time.Duration, next func(rideID, driverID string)) {
	ride, ok := s.Store.Ride(rideID)
	if !ok {
		return
	}
	if !ride.TryLock(s.lockTimeout()) {
		observability.LockContention.WithLabelValues("ride", "arm").Inc()
		s.logger().Warn("ride busy, retrying stage arm", "ride_id", rideID, "driver_id", driverID, "kind", kind)
		s.retry(rideID, kind, func() { s.armStage(rideID, driverID, expect, kind, delay, next) })
		return
	}
	defer ride.Unlock()
	if ride.Status != expect || ride.AssignedDriverID != driverID {
		observability.StaleTimerFires.WithLabelValues(kind).Inc()
		return
	}
	timer.ClearRide(s.Timers, ride)
	timer.Arm(s.Timers, ride, kind, delay, func() { next(rideID, driverID) })
}

func (s *Service) toArriving(rideID, driverID string) {
	s.advance(rideID, driverID, timer.KindArriving, models.RideAccepted, models.RideArriving)
}

func (s *Service) toOnTrip(rideID, driverID string) {
	s.advance(rideID, driverID, timer.KindOnTrip, models.RideArriving, models.RideOnTrip)
}

// advance moves the ride one step along the pickup sequence and arms the
// step after it.
func (s *Service) advance(rideID, driverID, kind string, expect, to models.RideStatus) {
	ride, ok := s.Store.Ride(rideID)
	if !ok {
		return
	}
	if !ride.TryLock(s.lockTimeout()) {
		observability.LockContention.WithLabelValues("ride", "advance").Inc()
		s.retry(rideID, kind, func() { s.advance(rideID, driverID, kind, expect, to) })
		return
	}
	defer ride.Unlock()

	if ride.Status != expect || ride.AssignedDriverID != driverID {
		observability.StaleTimerFires.WithLabelValues(kind).Inc()
		return
	}
	from, err := state.Transition(ride, to)
	if err != nil {
		s.logger().Error("lifecycle step rejected", "ride_id", rideID, "error", err)
		return
	}
	timer.ClearRide(s.Timers, ride)
	s.emit(events.Transition(ride, driverID, from))
	s.logger().Info("ride advanced", "ride_id", rideID, "driver_id", driverID, "from", from, "to", to)

	switch to {
	case models.RideArriving:
		timer.Arm(s.Timers, ride, timer.KindOnTrip, s.Stages.OnTrip, func() { s.toOnTrip(rideID, driverID) })
	case models.RideOnTrip:
		timer.Arm(s.Timers, ride, timer.KindComplete, s.Stages.Complete, func() { s.complete(rideID, driverID) })
	}
}

// complete finishes the trip and frees the driver. The ride keeps its
// AssignedDriverID as a record of who drove it.
func (s *Service) complete(rideID, driverID string) {
	ride, ok := s.Store.Ride(rideID)
	if !ok {
		return
	}
	if !ride.TryLock(s.lockTimeout()) {
		observability.LockContention.WithLabelValues("ride", "complete").Inc()
		s.retry(rideID, timer.KindComplete, func() { s.complete(rideID, driverID) })
		return
	}
	defer ride.Unlock()

	if ride.Status != models.RideOnTrip || ride.AssignedDriverID != driverID {
		observability.StaleTimerFires.WithLabelValues(timer.KindComplete).Inc()
		return
	}
	var driver *models.Driver
	if d, ok := s.Store.Driver(driverID); ok {
		if !d.TryLock(s.lockTimeout()) {
			observability.LockContention.WithLabelValues("driver", "complete").Inc()
			timer.ClearRide(s.Timers, ride)
			timer.Arm(s.Timers, ride, timer.KindComplete, s.lockTimeout(), func() { s.complete(rideID, driverID) })
			return
		}
		defer d.Unlock()
		driver = d
	}

	from, err := state.Transition(ride, models.RideCompleted)
	if err != nil {
		s.logger().Error("completion rejected", "ride_id", rideID, "error", err)
		return
	}
	timer.ClearRide(s.Timers, ride)
	if driver != nil && driver.AssignedRideID() == rideID {
		driver.Release()
	}
	s.emit(events.Transition(ride, driverID, from))
	s.logger().Info("ride completed", "ride_id", rideID, "driver_id", driverID)
}

// retry re-runs a step whose ride lock was busy. It cannot be recorded on the
// ride without that lock; ClearRide still cancels it through the scheduler's
// per-ride clear, and the step re-checks status and driver when it runs.
func (s *Service) retry(rideID, kind string, step func()) {
	s.Timers.Schedule(rideID, kind, s.lockTimeout(), step)
}
