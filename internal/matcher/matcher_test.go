package matcher

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatcher/internal/geo"
	"github.com/example/ride-dispatcher/internal/logging"
	"github.com/example/ride-dispatcher/internal/models"
	"github.com/example/ride-dispatcher/internal/storage"
)

// fakeTimers never fires on its own; tests fire timers explicitly.
type fakeTimers struct {
	mu    sync.Mutex
	seq   int
	tasks map[string]func()
}

func newFakeTimers() *fakeTimers { return &fakeTimers{tasks: make(map[string]func())} }

func (f *fakeTimers) Schedule(rideID, kind string, _ time.Duration, task func()) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("%s:%s:%d", rideID, kind, f.seq)
	f.tasks[id] = task
	return id
}

func (f *fakeTimers) Clear(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
}

func (f *fakeTimers) ClearOwner(rideID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.tasks {
		if strings.HasPrefix(id, rideID+":") {
			delete(f.tasks, id)
		}
	}
}

func (f *fakeTimers) fire(t *testing.T, id string) {
	t.Helper()
	f.mu.Lock()
	task, ok := f.tasks[id]
	delete(f.tasks, id)
	f.mu.Unlock()
	if !ok {
		t.Fatalf("timer %s is not armed", id)
	}
	task()
}

func (f *fakeTimers) armed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type recordingNotifier struct {
	mu     sync.Mutex
	offers []models.PingOffer
}

func (r *recordingNotifier) Offer(o models.PingOffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers = append(r.offers, o)
	return nil
}

type env struct {
	svc    *Service
	store  *storage.MemoryStore
	index  *geo.Index
	timers *fakeTimers
	notes  *recordingNotifier
}

func newEnv() *env {
	e := &env{
		store:  storage.NewMemoryStore(),
		index:  geo.NewIndex(),
		timers: newFakeTimers(),
		notes:  &recordingNotifier{},
	}
	e.svc = &Service{
		Geo:         e.index,
		Store:       e.store,
		Timers:      e.timers,
		Notifier:    e.notes,
		Logger:      logging.Discard(),
		LockTimeout: 50 * time.Millisecond,
		PingTimeout: time.Minute,
	}
	return e
}

func (e *env) driver(t *testing.T, lat, lng float64, online bool) *models.Driver {
	t.Helper()
	d := models.NewDriver()
	loc := models.Location{Lat: lat, Lng: lng}
	d.UpdateLocation(loc, geo.Encode(loc))
	if online {
		d.SetStatus(models.DriverOnline)
	}
	if err := e.index.Upsert(d); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	e.store.PutDriver(d)
	return d
}

func (e *env) ride(lat, lng float64) *models.Ride {
	r := models.NewRide(models.Location{Lat: lat, Lng: lng}, nil)
	e.store.PutRide(r)
	return r
}

func view(r *models.Ride) models.RideView {
	r.TryLock(time.Second)
	defer r.Unlock()
	return r.View()
}

func TestDispatchPingsNearestDriver(t *testing.T) {
	e := newEnv()
	near := e.driver(t, 28.6315, 77.2167, true)
	e.driver(t, 28.6517, 77.1900, true)
	ride := e.ride(28.6320, 77.2170)

	offer, ok := e.svc.Dispatch(ride)
	if !ok {
		t.Fatal("expected a driver to be pinged")
	}
	if offer.DriverID != near.ID() {
		t.Fatalf("expected %s, got %s", near.ID(), offer.DriverID)
	}
	v := view(ride)
	if v.Status != models.RideDriverPinged || v.PingedDriverID != near.ID() {
		t.Fatalf("unexpected ride state %+v", v)
	}
	if v.AssignedDriverID != "" {
		t.Fatalf("ping must not assign the driver, got %s", v.AssignedDriverID)
	}
	if len(v.Timers) != 1 || e.timers.armed() != 1 {
		t.Fatalf("expected exactly one ping timer, ride has %v", v.Timers)
	}
	if len(e.notes.offers) != 1 || e.notes.offers[0].RideID != ride.ID {
		t.Fatalf("expected the offer to be delivered, got %+v", e.notes.offers)
	}
	if near.Status() != models.DriverOnline {
		t.Fatalf("pinged driver should stay ONLINE, got %s", near.Status())
	}
}

func TestDispatchPrefersCloserDriverInSameDirection(t *testing.T) {
	e := newEnv()
	far := e.driver(t, 28.6323, 77.2170, true)
	nearer := e.driver(t, 28.6321, 77.2170, true)
	ride := e.ride(28.6320, 77.2170)

	offer, ok := e.svc.Dispatch(ride)
	if !ok || offer.DriverID != nearer.ID() {
		t.Fatalf("expected %s over %s, got %+v", nearer.ID(), far.ID(), offer)
	}
}

// The search stops at the first ring holding a free driver, even when a
// closer driver sits just across the cell boundary in the next ring.
func TestDispatchFirstRingWinsOverCloserNeighbour(t *testing.T) {
	e := newEnv()
	pickup := models.Location{Lat: 28.6330, Lng: 77.2227} // near the east edge of its cell
	sameCell := e.driver(t, 28.6330, 77.2125, true)       // ~1 km west, same cell
	acrossEdge := e.driver(t, 28.6330, 77.2232, true)     // ~50 m east, neighbouring cell

	if geo.Encode(sameCell.Location()) != geo.Encode(pickup) || geo.Encode(acrossEdge.Location()) == geo.Encode(pickup) {
		t.Fatal("fixture drivers are not placed in the intended cells")
	}
	if geo.Distance(pickup, acrossEdge.Location()) >= geo.Distance(pickup, sameCell.Location()) {
		t.Fatal("fixture expects the ring-1 driver to be closer")
	}

	ride := e.ride(pickup.Lat, pickup.Lng)
	offer, ok := e.svc.Dispatch(ride)
	if !ok || offer.DriverID != sameCell.ID() {
		t.Fatalf("expected ring-0 driver %s, got %+v", sameCell.ID(), offer)
	}
}

func TestDispatchExpandsToFirstNonEmptyRingAndStops(t *testing.T) {
	e := newEnv()
	pickup := models.Location{Lat: 28.6330, Lng: 77.2227}
	ring1 := e.driver(t, 28.6330, 77.2070, true) // west neighbour, ~1.5 km
	ring2 := e.driver(t, 28.6330, 77.2342, true) // two cells east, ~1.1 km

	if geo.Distance(pickup, ring2.Location()) >= geo.Distance(pickup, ring1.Location()) {
		t.Fatal("fixture expects the ring-2 driver to be closer")
	}

	ride := e.ride(pickup.Lat, pickup.Lng)
	offer, ok := e.svc.Dispatch(ride)
	if !ok || offer.DriverID != ring1.ID() {
		t.Fatalf("expected ring-1 driver %s, got %+v", ring1.ID(), offer)
	}
}

func TestDispatchWithoutDriversLeavesRideRequested(t *testing.T) {
	e := newEnv()
	e.svc.MaxRings = 3
	ride := e.ride(28.6320, 77.2170)

	if _, ok := e.svc.Dispatch(ride); ok {
		t.Fatal("expected no ping")
	}
	v := view(ride)
	if v.Status != models.RideRequested || v.AssignedDriverID != "" || len(v.Timers) != 0 {
		t.Fatalf("unexpected ride state %+v", v)
	}
}

func TestDispatchIgnoresOfflineDrivers(t *testing.T) {
	e := newEnv()
	e.svc.MaxRings = 3
	e.driver(t, 28.6315, 77.2167, false)
	ride := e.ride(28.6320, 77.2170)

	if _, ok := e.svc.Dispatch(ride); ok {
		t.Fatal("offline driver must not be pinged")
	}
}

func TestDispatchSkipsDriverAlreadyPinged(t *testing.T) {
	e := newEnv()
	e.svc.MaxRings = 3
	d := e.driver(t, 28.6315, 77.2167, true)
	ride := e.ride(28.6320, 77.2170)
	ride.PingedDrivers[d.ID()] = struct{}{}

	if _, ok := e.svc.Dispatch(ride); ok {
		t.Fatal("driver must not be pinged twice for the same ride")
	}
}

func TestDispatchOnPingedRideIsNoop(t *testing.T) {
	e := newEnv()
	e.driver(t, 28.6315, 77.2167, true)
	e.driver(t, 28.6317, 77.2169, true)
	ride := e.ride(28.6320, 77.2170)
	first, ok := e.svc.Dispatch(ride)
	if !ok {
		t.Fatal("expected first ping")
	}
	if _, ok := e.svc.Dispatch(ride); ok {
		t.Fatal("second dispatch must not replace the outstanding ping")
	}
	if v := view(ride); v.PingedDriverID != first.DriverID || len(v.PingedDrivers) != 1 {
		t.Fatalf("unexpected ride state %+v", v)
	}
}

func TestDispatchWithNoFurtherCandidateKeepsLivePing(t *testing.T) {
	e := newEnv()
	e.svc.MaxRings = 3
	d := e.driver(t, 28.6315, 77.2167, true)
	ride := e.ride(28.6320, 77.2170)
	if _, ok := e.svc.Dispatch(ride); !ok {
		t.Fatal("expected first ping")
	}
	if _, ok := e.svc.Dispatch(ride); ok {
		t.Fatal("no other driver exists to ping")
	}
	v := view(ride)
	if v.Status != models.RideDriverPinged || v.PingedDriverID != d.ID() || len(v.Timers) != 1 || e.timers.armed() != 1 {
		t.Fatalf("expected the outstanding ping to survive, got %+v", v)
	}
}

func TestTimeoutRevertsAndPingsNextDriver(t *testing.T) {
	e := newEnv()
	d1 := e.driver(t, 28.6315, 77.2167, true)
	d2 := e.driver(t, 28.6517, 77.1900, true)
	ride := e.ride(28.6320, 77.2170)
	if _, ok := e.svc.Dispatch(ride); !ok {
		t.Fatal("expected first ping")
	}
	pingTimer := view(ride).Timers[0]

	e.timers.fire(t, pingTimer)

	if d1.TimeoutCount() != 1 {
		t.Fatalf("expected timeout count 1, got %d", d1.TimeoutCount())
	}
	if !e.store.PingExpired(ride.ID, d1.ID()) {
		t.Fatal("expected the first ping to be marked expired")
	}
	v := view(ride)
	if v.Status != models.RideDriverPinged || v.PingedDriverID != d2.ID() {
		t.Fatalf("expected re-ping of %s, got %+v", d2.ID(), v)
	}
	if len(v.Timers) != 1 || v.Timers[0] == pingTimer {
		t.Fatalf("expected a fresh ping timer, got %v", v.Timers)
	}
	if e.store.PingExpired(ride.ID, d2.ID()) {
		t.Fatal("new ping must not be expired")
	}
}

func TestTimeoutWithNoOtherDriverLeavesRequested(t *testing.T) {
	e := newEnv()
	e.svc.MaxRings = 3
	d := e.driver(t, 28.6315, 77.2167, true)
	ride := e.ride(28.6320, 77.2170)
	e.svc.Dispatch(ride)

	e.timers.fire(t, view(ride).Timers[0])

	v := view(ride)
	if v.Status != models.RideRequested || v.PingedDriverID != "" || len(v.Timers) != 0 {
		t.Fatalf("unexpected ride state %+v", v)
	}
	if d.Status() != models.DriverOnline {
		t.Fatalf("driver should stay ONLINE, got %s", d.Status())
	}
}

func TestStaleTimeoutIsNoop(t *testing.T) {
	e := newEnv()
	d1 := e.driver(t, 28.6315, 77.2167, true)
	d2 := e.driver(t, 28.6517, 77.1900, true)
	ride := e.ride(28.6320, 77.2170)
	e.svc.Dispatch(ride)

	// d2 was never pinged for this ride.
	e.svc.OnTimeout(ride.ID, d2.ID())

	v := view(ride)
	if v.Status != models.RideDriverPinged || v.PingedDriverID != d1.ID() {
		t.Fatalf("stale timeout changed the ride: %+v", v)
	}
	if d2.TimeoutCount() != 0 || d1.TimeoutCount() != 0 {
		t.Fatal("stale timeout must not count against drivers")
	}
}

func TestDispatchGivesUpWhenRideLocked(t *testing.T) {
	e := newEnv()
	e.driver(t, 28.6315, 77.2167, true)
	ride := e.ride(28.6320, 77.2170)
	ride.TryLock(time.Second)
	defer ride.Unlock()

	if _, ok := e.svc.Dispatch(ride); ok {
		t.Fatal("dispatch must give up on a busy ride")
	}
}

func TestRetryRequestedPicksUpWaitingRides(t *testing.T) {
	e := newEnv()
	e.svc.MaxRings = 3
	ride := e.ride(28.6320, 77.2170)
	if _, ok := e.svc.Dispatch(ride); ok {
		t.Fatal("expected no ping without drivers")
	}
	e.driver(t, 28.6315, 77.2167, true)

	if n := e.svc.RetryRequested(); n != 1 {
		t.Fatalf("expected 1 ride pinged, got %d", n)
	}
	if n := e.svc.RetryRequested(); n != 0 {
		t.Fatalf("pinged ride must not be retried, got %d", n)
	}
}
