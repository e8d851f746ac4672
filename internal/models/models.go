package models

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate rejects coordinates outside the WGS84 range.
func (l Location) Validate() error {
	if l.Lat < -90 || l.Lat > 90 {
		return fmt.Errorf("%w: latitude %f out of range", ErrInvalidInput, l.Lat)
	}
	if l.Lng < -180 || l.Lng > 180 {
		return fmt.Errorf("%w: longitude %f out of range", ErrInvalidInput, l.Lng)
	}
	return nil
}

type DriverStatus string

const (
	DriverOffline DriverStatus = "OFFLINE"
	DriverOnline  DriverStatus = "ONLINE"
	DriverOnTrip  DriverStatus = "ON_TRIP"
)

type RideStatus string

const (
	RideRequested    RideStatus = "REQUESTED"
	RideDriverPinged RideStatus = "DRIVER_PINGED"
	RideAccepted     RideStatus = "ACCEPTED"
	RideArriving     RideStatus = "ARRIVING"
	RideOnTrip       RideStatus = "ON_TRIP"
	RideCompleted    RideStatus = "COMPLETED"
	RideCancelled    RideStatus = "CANCELLED"
)

// Finalized reports whether the status is terminal.
func (s RideStatus) Finalized() bool {
	return s == RideCompleted || s == RideCancelled
}

var (
	driverSeq atomic.Int64
	rideSeq   atomic.Int64
)

// Driver is the authoritative driver record. Its fields are guarded by mu so
// the dispatcher can read status and position of candidates it does not lock;
// Lock orders whole operations against other writers.
type Driver struct {
	id   string
	lock *TimedLock

	mu             sync.RWMutex
	location       Location
	geoHash        string
	status         DriverStatus
	rejectCount    int
	timeoutCount   int
	assignedRideID string
	lastStateAt    time.Time
}

func NewDriver() *Driver {
	return &Driver{
		id:          fmt.Sprintf("D-%d", driverSeq.Add(1)),
		lock:        NewTimedLock(),
		status:      DriverOffline,
		lastStateAt: time.Now(),
	}
}

func (d *Driver) ID() string { return d.id }

func (d *Driver) TryLock(timeout time.Duration) bool { return d.lock.TryLock(timeout) }
func (d *Driver) Unlock()                            { d.lock.Unlock() }

// UpdateLocation sets the location and its geohash together.
func (d *Driver) UpdateLocation(loc Location, geoHash string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.location = loc
	d.geoHash = geoHash
}

// Position returns the location and geohash as one consistent pair.
func (d *Driver) Position() (Location, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.location, d.geoHash
}

func (d *Driver) Location() Location {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.location
}

func (d *Driver) Status() DriverStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// SetStatus bumps the state-change timestamp only when the status changes.
func (d *Driver) SetStatus(s DriverStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != s {
		d.status = s
		d.lastStateAt = time.Now()
	}
}

func (d *Driver) LastStateChange() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastStateAt
}

func (d *Driver) RecordReject() {
	d.mu.Lock()
	d.rejectCount++
	d.mu.Unlock()
}

func (d *Driver) RecordTimeout() {
	d.mu.Lock()
	d.timeoutCount++
	d.mu.Unlock()
}

func (d *Driver) TimeoutCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.timeoutCount
}

func (d *Driver) RejectCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rejectCount
}

func (d *Driver) AssignedRideID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.assignedRideID
}

// AssignRide binds the driver to a ride and marks it busy.
func (d *Driver) AssignRide(rideID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assignedRideID = rideID
	if d.status != DriverOnTrip {
		d.status = DriverOnTrip
		d.lastStateAt = time.Now()
	}
}

// Release clears the ride back-reference and puts the driver back online.
func (d *Driver) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assignedRideID = ""
	if d.status != DriverOnline {
		d.status = DriverOnline
		d.lastStateAt = time.Now()
	}
}

type DriverView struct {
	ID             string       `json:"id"`
	Location       Location     `json:"location"`
	GeoHash        string       `json:"geo_hash"`
	Status         DriverStatus `json:"status"`
	RejectCount    int          `json:"reject_count"`
	TimeoutCount   int          `json:"timeout_count"`
	AssignedRideID string       `json:"assigned_ride_id,omitempty"`
	LastStateAt    time.Time    `json:"last_state_change_at"`
}

func (d *Driver) View() DriverView {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return DriverView{
		ID:             d.id,
		Location:       d.location,
		GeoHash:        d.geoHash,
		Status:         d.status,
		RejectCount:    d.rejectCount,
		TimeoutCount:   d.timeoutCount,
		AssignedRideID: d.assignedRideID,
		LastStateAt:    d.lastStateAt,
	}
}

// Ride fields are only read or written while holding the ride lock.
type Ride struct {
	ID                   string
	Pickup               Location
	Drop                 *Location
	Status               RideStatus
	AssignedDriverID     string
	PingedDriverID       string
	PingedDrivers        map[string]struct{}
	CancelledAfterAccept bool
	Timers               []string
	CreatedAt            time.Time
	UpdatedAt            time.Time

	lock *TimedLock
}

func NewRide(pickup Location, drop *Location) *Ride {
	now := time.Now()
	return &Ride{
		ID:            fmt.Sprintf("R-%d", rideSeq.Add(1)),
		Pickup:        pickup,
		Drop:          drop,
		Status:        RideRequested,
		PingedDrivers: make(map[string]struct{}),
		CreatedAt:     now,
		UpdatedAt:     now,
		lock:          NewTimedLock(),
	}
}

func (r *Ride) TryLock(timeout time.Duration) bool { return r.lock.TryLock(timeout) }
func (r *Ride) Unlock()                            { r.lock.Unlock() }

func (r *Ride) WasPinged(driverID string) bool {
	_, ok := r.PingedDrivers[driverID]
	return ok
}

type RideView struct {
	ID                   string     `json:"id"`
	Pickup               Location   `json:"pickup"`
	Drop                 *Location  `json:"drop,omitempty"`
	Status               RideStatus `json:"status"`
	AssignedDriverID     string     `json:"assigned_driver_id,omitempty"`
	PingedDriverID       string     `json:"pinged_driver_id,omitempty"`
	PingedDrivers        []string   `json:"pinged_drivers"`
	CancelledAfterAccept bool       `json:"cancelled_after_accept"`
	Timers               []string   `json:"timers"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// View copies the ride. The caller must hold the ride lock.
func (r *Ride) View() RideView {
	pinged := make([]string, 0, len(r.PingedDrivers))
	for id := range r.PingedDrivers {
		pinged = append(pinged, id)
	}
	timers := make([]string, len(r.Timers))
	copy(timers, r.Timers)
	var drop *Location
	if r.Drop != nil {
		d := *r.Drop
		drop = &d
	}
	return RideView{
		ID:                   r.ID,
		Pickup:               r.Pickup,
		Drop:                 drop,
		Status:               r.Status,
		AssignedDriverID:     r.AssignedDriverID,
		PingedDriverID:       r.PingedDriverID,
		PingedDrivers:        pinged,
		CancelledAfterAccept: r.CancelledAfterAccept,
		Timers:               timers,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

// GeoDriver is the geo index projection of a driver.
type GeoDriver struct {
	DriverID string  `json:"driver_id"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

type PingStatus struct {
	RideID            string     `json:"ride_id"`
	DriverID          string     `json:"driver_id"`
	Pinged            bool       `json:"pinged"`
	CurrentlyAssigned bool       `json:"currently_assigned"`
	RideStatus        RideStatus `json:"ride_status"`
	Expired           bool       `json:"expired"`
	Pickup            *Location  `json:"pickup,omitempty"`
	Drop              *Location  `json:"drop,omitempty"`
}

// PingOffer is what a driver receives when a ride is offered to them.
type PingOffer struct {
	RideID       string    `json:"ride_id"`
	DriverID     string    `json:"driver_id"`
	Pickup       Location  `json:"pickup"`
	Drop         *Location `json:"drop,omitempty"`
	DistanceM    float64   `json:"distance_m"`
	ETASeconds   float64   `json:"eta_seconds"`
	ExpiresInSec int       `json:"expires_in_sec"`
}

type RideEvent struct {
	RideID               string     `json:"ride_id"`
	DriverID             string     `json:"driver_id,omitempty"`
	From                 RideStatus `json:"from"`
	To                   RideStatus `json:"to"`
	CancelledAfterAccept bool       `json:"cancelled_after_accept"`
	At                   time.Time  `json:"at"`
}
