// Package rides drives a ride from request to completion: accept, cancel,
// and the timed ARRIVING -> ON_TRIP -> COMPLETED progression.
package rides

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatcher/internal/events"
	"github.com/example/ride-dispatcher/internal/models"
	"github.com/example/ride-dispatcher/internal/observability"
	"github.com/example/ride-dispatcher/internal/state"
	"github.com/example/ride-dispatcher/internal/storage"
	"github.com/example/ride-dispatcher/internal/timer"
)

// Dispatcher is the part of the matcher the lifecycle needs.
type Dispatcher interface {
	Dispatch(ride *models.Ride) (models.PingOffer, bool)
}

// Stages are the delays between lifecycle steps after accept.
type Stages struct {
	Arriving time.Duration
	OnTrip   time.Duration
	Complete time.Duration
}

func DefaultStages() Stages {
	return Stages{Arriving: 5 * time.Second, OnTrip: 5 * time.Second, Complete: 10 * time.Second}
}

type Service struct {
	Store   storage.Store
	Matcher Dispatcher
	Timers  timer.Scheduler
	Events  events.Emitter // optional
	Logger  *slog.Logger

	Stages              Stages
	LockTimeout         time.Duration
	ValidateCoordinates bool
}

// Create stores a new ride and dispatches it before returning.
func (s *Service) Create(pickup, drop *models.Location) (models.RideView, error) {
	if pickup == nil {
		return models.RideView{}, fmt.Errorf("%w: pickup location is required", models.ErrInvalidInput)
	}
	if s.ValidateCoordinates {
		if err := pickup.Validate(); err != nil {
			return models.RideView{}, err
		}
		if drop != nil {
			if err := drop.Validate(); err != nil {
				return models.RideView{}, err
			}
		}
	}
	ride := models.NewRide(*pickup, drop)
	s.Store.PutRide(ride)
	observability.RidesCreated.Inc()
	s.emit(events.Transition(ride, "", ""))
	s.logger().Info("ride created", "ride_id", ride.ID)

	s.Matcher.Dispatch(ride)
	return s.view(ride)
}

func (s *Service) Get(rideID string) (models.RideView, error) {
	ride, err := s.ride(rideID)
	if err != nil {
		return models.RideView{}, err
	}
	return s.view(ride)
}

// List skips rides whose lock could not be taken in time.
func (s *Service) List() []models.RideView {
	all := s.Store.Rides()
	out := make([]models.RideView, 0, len(all))
	for _, r := range all {
		v, err := s.view(r)
		if err != nil {
			s.logger().Warn("skipping ride in listing", "ride_id", r.ID, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out
}

// Accept commits driverID to the ride it is currently pinged for. The first
// accept wins; a driver already bound to another ride is refused.
func (s *Service) Accept(rideID, driverID string) (models.PingStatus, error) {
	ride, err := s.ride(rideID)
	if err != nil {
		return models.PingStatus{}, err
	}
	driver, err := s.driver(driverID)
	if err != nil {
		return models.PingStatus{}, err
	}

	if !ride.TryLock(s.lockTimeout()) {
		return models.PingStatus{}, s.contended("ride", "accept", rideID)
	}
	if ride.Status != models.RideDriverPinged || !ride.WasPinged(driverID) || ride.PingedDriverID != driverID {
		status := ride.Status
		ride.Unlock()
		return models.PingStatus{}, fmt.Errorf("%w: driver %s not pinged for ride %s (status %s)", models.ErrInvalidState, driverID, rideID, status)
	}
	if !driver.TryLock(s.lockTimeout()) {
		ride.Unlock()
		return models.PingStatus{}, s.contended("driver", "accept", driverID)
	}
	if assigned := driver.AssignedRideID(); assigned != "" && assigned != rideID {
		driver.Unlock()
		ride.Unlock()
		return models.PingStatus{}, fmt.Errorf("%w: driver %s already assigned to ride %s", models.ErrInvalidState, driverID, assigned)
	}
	from, err := state.Transition(ride, models.RideAccepted)
	if err != nil {
		driver.Unlock()
		ride.Unlock()
		return models.PingStatus{}, err
	}
	timer.ClearRide(s.Timers, ride)
	ride.AssignedDriverID = driverID
	ride.PingedDriverID = ""
	driver.AssignRide(rideID)
	s.emit(events.Transition(ride, driverID, from))
	res := s.pingStatus(ride, driverID)
	driver.Unlock()
	ride.Unlock()

	s.logger().Info("ride accepted", "ride_id", rideID, "driver_id", driverID)
	s.armStage(rideID, driverID, models.RideAccepted, timer.KindArriving, s.Stages.Arriving, s.toArriving)
	return res, nil
}

// RiderCancel ends the ride in CANCELLED from any non-final status and frees
// the assigned driver.
func (s *Service) RiderCancel(rideID string) error {
	ride, err := s.ride(rideID)
	if err != nil {
		return err
	}
	if !ride.TryLock(s.lockTimeout()) {
		return s.contended("ride", "rider_cancel", rideID)
	}
	defer ride.Unlock()

	if ride.Status.Finalized() {
		return fmt.Errorf("%w: ride %s already finalized: %s", models.ErrInvalidState, rideID, ride.Status)
	}
	// An outstanding ping is withdrawn first; the table has no direct edge.
	path := []models.RideStatus{models.RideCancelled}
	if ride.Status == models.RideDriverPinged {
		path = []models.RideStatus{models.RideRequested, models.RideCancelled}
	}
	if err := validatePath(ride.Status, path); err != nil {
		return err
	}

	var driver *models.Driver
	if ride.AssignedDriverID != "" {
		if d, ok := s.Store.Driver(ride.AssignedDriverID); ok {
			if !d.TryLock(s.lockTimeout()) {
				return s.contended("driver", "rider_cancel", d.ID())
			}
			defer d.Unlock()
			driver = d
		}
	}

	timer.ClearRide(s.Timers, ride)
	if driver != nil && driver.AssignedRideID() == rideID {
		driver.Release()
	}
	if ride.Status == models.RideAccepted {
		ride.CancelledAfterAccept = true
	}
	driverID := ride.AssignedDriverID
	if driverID == "" {
		driverID = ride.PingedDriverID
	}
	ride.AssignedDriverID = ""
	ride.PingedDriverID = ""
	for _, to := range path {
		from, _ := state.Transition(ride, to)
		s.emit(events.Transition(ride, driverID, from))
	}
	s.logger().Info("ride cancelled by rider", "ride_id", rideID, "cancelled_after_accept", ride.CancelledAfterAccept)
	return nil
}

// DriverCancel lets the pinged or assigned driver back out before pickup
// progress begins. The ride goes back to REQUESTED and is dispatched again.
func (s *Service) DriverCancel(rideID, driverID string) error {
	ride, err := s.ride(rideID)
	if err != nil {
		return err
	}
	driver, err := s.driver(driverID)
	if err != nil {
		return err
	}
	if !ride.TryLock(s.lockTimeout()) {
		return s.contended("ride", "driver_cancel", rideID)
	}
	if err := s.releaseByDriver(ride, driver); err != nil {
		ride.Unlock()
		return err
	}
	ride.Unlock()

	s.logger().Info("ride cancelled by driver", "ride_id", rideID, "driver_id", driverID)
	s.Matcher.Dispatch(ride)
	return nil
}

// releaseByDriver runs with the ride lock held.
func (s *Service) releaseByDriver(ride *models.Ride, driver *models.Driver) error {
	prior := ride.Status
	switch {
	case prior.Finalized():
		return fmt.Errorf("%w: ride %s already finalized: %s", models.ErrInvalidState, ride.ID, prior)
	case prior == models.RideArriving || prior == models.RideOnTrip:
		return fmt.Errorf("%w: ride %s is %s, too late for the driver to cancel", models.ErrInvalidState, ride.ID, prior)
	case prior == models.RideDriverPinged && ride.PingedDriverID != driver.ID():
		return fmt.Errorf("%w: driver %s not pinged for ride %s", models.ErrInvalidState, driver.ID(), ride.ID)
	case prior == models.RideAccepted && ride.AssignedDriverID != driver.ID():
		return fmt.Errorf("%w: driver %s not assigned to ride %s", models.ErrInvalidState, driver.ID(), ride.ID)
	case prior == models.RideRequested:
		return fmt.Errorf("%w: ride %s has no driver to cancel", models.ErrInvalidState, ride.ID)
	}
	if err := state.Validate(prior, models.RideRequested); err != nil {
		return err
	}
	if !driver.TryLock(s.lockTimeout()) {
		return s.contended("driver", "driver_cancel", driver.ID())
	}
	defer driver.Unlock()

	timer.ClearRide(s.Timers, ride)
	if prior == models.RideDriverPinged {
		driver.RecordReject()
	}
	if driver.AssignedRideID() == ride.ID {
		driver.Release()
	}
	ride.AssignedDriverID = ""
	ride.PingedDriverID = ""
	from, err := state.Transition(ride, models.RideRequested)
	if err != nil {
		return err
	}
	s.emit(events.Transition(ride, driver.ID(), from))
	return nil
}

// PingStatus reports how driverID relates to the ride.
func (s *Service) PingStatus(rideID, driverID string) (models.PingStatus, error) {
	ride, err := s.ride(rideID)
	if err != nil {
		return models.PingStatus{}, err
	}
	if _, err := s.driver(driverID); err != nil {
		return models.PingStatus{}, err
	}
	if !ride.TryLock(s.lockTimeout()) {
		return models.PingStatus{}, s.contended("ride", "ping_status", rideID)
	}
	defer ride.Unlock()
	return s.pingStatus(ride, driverID), nil
}

// ForDriver lists every ride the driver was pinged for or is assigned to.
func (s *Service) ForDriver(driverID string) ([]models.PingStatus, error) {
	if _, err := s.driver(driverID); err != nil {
		return nil, err
	}
	out := make([]models.PingStatus, 0)
	for _, ride := range s.Store.Rides() {
		if !ride.TryLock(s.lockTimeout()) {
			s.logger().Warn("skipping ride in driver listing", "ride_id", ride.ID, "driver_id", driverID)
			continue
		}
		if ride.WasPinged(driverID) || ride.AssignedDriverID == driverID {
			ps := s.pingStatus(ride, driverID)
			pickup := ride.Pickup
			ps.Pickup = &pickup
			if ride.Drop != nil {
				drop := *ride.Drop
				ps.Drop = &drop
			}
			out = append(out, ps)
		}
		ride.Unlock()
	}
	return out, nil
}

// pingStatus runs with the ride lock held.
func (s *Service) pingStatus(ride *models.Ride, driverID string) models.PingStatus {
	return models.PingStatus{
		RideID:            ride.ID,
		DriverID:          driverID,
		Pinged:            ride.WasPinged(driverID),
		CurrentlyAssigned: ride.AssignedDriverID == driverID,
		RideStatus:        ride.Status,
		Expired:           s.Store.PingExpired(ride.ID, driverID),
	}
}

func (s *Service) view(ride *models.Ride) (models.RideView, error) {
	if !ride.TryLock(s.lockTimeout()) {
		return models.RideView{}, s.contended("ride", "view", ride.ID)
	}
	defer ride.Unlock()
	return ride.View(), nil
}

func (s *Service) ride(id string) (*models.Ride, error) {
	r, ok := s.Store.Ride(id)
	if !ok {
		return nil, fmt.Errorf("%w: ride %s", models.ErrNotFound, id)
	}
	return r, nil
}

func (s *Service) driver(id string) (*models.Driver, error) {
	d, ok := s.Store.Driver(id)
	if !ok {
		return nil, fmt.Errorf("%w: driver %s", models.ErrNotFound, id)
	}
	return d, nil
}

func (s *Service) contended(entity, op, id string) error {
	observability.LockContention.WithLabelValues(entity, op).Inc()
	return fmt.Errorf("%w: could not lock %s %s", models.ErrInvalidState, entity, id)
}

func (s *Service) emit(ev models.RideEvent) {
	if s.Events != nil {
		s.Events.Emit(ev)
	}
}

func (s *Service) lockTimeout() time.Duration {
	if s.LockTimeout <= 0 {
		return 200 * time.Millisecond
	}
	return s.LockTimeout
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func validatePath(from models.RideStatus, path []models.RideStatus) error {
	for _, to := range path {
		if err := state.Validate(from, to); err != nil {
			return err
		}
		from = to
	}
	return nil
}
