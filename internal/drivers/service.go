// Package drivers manages driver registration, availability and position.
package drivers

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatcher/internal/geo"
	"github.com/example/ride-dispatcher/internal/models"
	"github.com/example/ride-dispatcher/internal/observability"
	"github.com/example/ride-dispatcher/internal/storage"
)

type Service struct {
	Store  storage.Store
	Geo    geo.Geo
	Logger *slog.Logger

	LockTimeout         time.Duration
	ValidateCoordinates bool
}

// Register creates an OFFLINE driver at loc and indexes it by geohash.
func (s *Service) Register(loc *models.Location) (models.DriverView, error) {
	if loc == nil {
		return models.DriverView{}, fmt.Errorf("%w: location is required", models.ErrInvalidInput)
	}
	if err := s.validate(*loc); err != nil {
		return models.DriverView{}, err
	}
	d := models.NewDriver()
	d.UpdateLocation(*loc, geo.Encode(*loc))
	if err := s.Geo.Upsert(d); err != nil {
		return models.DriverView{}, fmt.Errorf("index driver %s: %w", d.ID(), err)
	}
	s.Store.PutDriver(d)
	s.logger().Info("driver registered", "driver_id", d.ID(), "lat", loc.Lat, "lng", loc.Lng)
	return d.View(), nil
}

func (s *Service) SetOnline(id string) (models.DriverView, error) {
	return s.setAvailability(id, models.DriverOnline)
}

func (s *Service) SetOffline(id string) (models.DriverView, error) {
	return s.setAvailability(id, models.DriverOffline)
}

// setAvailability refuses to touch a driver bound to a ride; its status is
// owned by the ride lifecycle until the ride ends.
func (s *Service) setAvailability(id string, status models.DriverStatus) (models.DriverView, error) {
	d, err := s.driver(id)
	if err != nil {
		return models.DriverView{}, err
	}
	if !d.TryLock(s.lockTimeout()) {
		observability.LockContention.WithLabelValues("driver", "availability").Inc()
		return models.DriverView{}, fmt.Errorf("%w: could not lock driver %s", models.ErrInvalidState, id)
	}
	defer d.Unlock()

	if ride := d.AssignedRideID(); ride != "" {
		return models.DriverView{}, fmt.Errorf("%w: driver %s is assigned to ride %s", models.ErrInvalidState, id, ride)
	}
	d.SetStatus(status)
	s.logger().Info("driver availability changed", "driver_id", id, "status", status)
	return d.View(), nil
}

// UpdateLocation moves the driver and re-indexes it.
func (s *Service) UpdateLocation(id string, loc models.Location) (models.DriverView, error) {
	if err := s.validate(loc); err != nil {
		observability.LocationUpdates.WithLabelValues("invalid").Inc()
		return models.DriverView{}, err
	}
	d, err := s.driver(id)
	if err != nil {
		observability.LocationUpdates.WithLabelValues("unknown_driver").Inc()
		return models.DriverView{}, err
	}
	if !d.TryLock(s.lockTimeout()) {
		observability.LockContention.WithLabelValues("driver", "location").Inc()
		return models.DriverView{}, fmt.Errorf("%w: could not lock driver %s", models.ErrInvalidState, id)
	}
	defer d.Unlock()

	d.UpdateLocation(loc, geo.Encode(loc))
	if err := s.Geo.Upsert(d); err != nil {
		observability.LocationUpdates.WithLabelValues("index_error").Inc()
		return models.DriverView{}, fmt.Errorf("index driver %s: %w", id, err)
	}
	observability.LocationUpdates.WithLabelValues("ok").Inc()
	return d.View(), nil
}

func (s *Service) Get(id string) (models.DriverView, error) {
	d, err := s.driver(id)
	if err != nil {
		return models.DriverView{}, err
	}
	return d.View(), nil
}

func (s *Service) List() []models.DriverView {
	all := s.Store.Drivers()
	out := make([]models.DriverView, 0, len(all))
	for _, d := range all {
		out = append(out, d.View())
	}
	return out
}

// CountOnline counts drivers that are online and not on a trip.
func (s *Service) CountOnline() int {
	n := 0
	for _, d := range s.Store.Drivers() {
		if d.Status() == models.DriverOnline {
			n++
		}
	}
	return n
}

func (s *Service) validate(loc models.Location) error {
	if !s.ValidateCoordinates {
		return nil
	}
	return loc.Validate()
}

func (s *Service) driver(id string) (*models.Driver, error) {
	d, ok := s.Store.Driver(id)
	if !ok {
		return nil, fmt.Errorf("%w: driver %s", models.ErrNotFound, id)
	}
	return d, nil
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
