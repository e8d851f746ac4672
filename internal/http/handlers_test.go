package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatcher/internal/dispatch"
	"github.com/example/ride-dispatcher/internal/drivers"
	"github.com/example/ride-dispatcher/internal/geo"
	"github.com/example/ride-dispatcher/internal/logging"
	"github.com/example/ride-dispatcher/internal/matcher"
	"github.com/example/ride-dispatcher/internal/models"
	"github.com/example/ride-dispatcher/internal/rides"
	"github.com/example/ride-dispatcher/internal/storage"
	"github.com/example/ride-dispatcher/internal/timer"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := storage.NewMemoryStore()
	index := geo.NewIndex()
	timers := timer.NewManager(2, logging.Discard())
	t.Cleanup(timers.Stop)
	ws := dispatch.NewWSRegistry()

	m := &matcher.Service{
		Geo:         index,
		Store:       store,
		Timers:      timers,
		Notifier:    ws,
		Logger:      logging.Discard(),
		PingTimeout: time.Minute,
		MaxRings:    3,
	}
	r := &rides.Service{
		Store:               store,
		Matcher:             m,
		Timers:              timers,
		Logger:              logging.Discard(),
		Stages:              rides.Stages{Arriving: time.Hour, OnTrip: time.Hour, Complete: time.Hour},
		ValidateCoordinates: true,
	}
	d := &drivers.Service{Store: store, Geo: index, Logger: logging.Discard(), ValidateCoordinates: true}
	return NewServer(r, d, ws, logging.Discard())
}

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	var resp apiResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func registerOnline(t *testing.T, s *Server, lat, lng float64) string {
	t.Helper()
	body, _ := json.Marshal(driverRequest{Location: &models.Location{Lat: lat, Lng: lng}})
	rec, resp := do(t, s, http.MethodPost, "/drivers", string(body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body)
	}
	var d models.DriverView
	if err := json.Unmarshal(resp.Data, &d); err != nil {
		t.Fatalf("decode driver: %v", err)
	}
	if rec, _ := do(t, s, http.MethodPatch, "/drivers/"+d.ID+"/online", ""); rec.Code != http.StatusOK {
		t.Fatalf("online: %d %s", rec.Code, rec.Body)
	}
	return d.ID
}

func TestRideFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	driverID := registerOnline(t, s, 28.6315, 77.2167)

	rec, resp := do(t, s, http.MethodPost, "/rides", `{"pickup":{"lat":28.6320,"lng":77.2170},"drop":{"lat":28.6448,"lng":77.2167}}`)
	if rec.Code != http.StatusCreated || !resp.Success {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	var ride models.RideView
	json.Unmarshal(resp.Data, &ride)
	if ride.Status != models.RideDriverPinged || ride.PingedDriverID != driverID {
		t.Fatalf("unexpected ride %+v", ride)
	}

	rec, resp = do(t, s, http.MethodGet, "/rides/"+ride.ID+"/drivers/"+driverID+"/ping-status", "")
	var ps models.PingStatus
	json.Unmarshal(resp.Data, &ps)
	if rec.Code != http.StatusOK || !ps.Pinged || ps.CurrentlyAssigned {
		t.Fatalf("ping status: %d %+v", rec.Code, ps)
	}

	rec, resp = do(t, s, http.MethodPost, "/rides/"+ride.ID+"/accept/driver/"+driverID, "")
	json.Unmarshal(resp.Data, &ps)
	if rec.Code != http.StatusOK || !ps.CurrentlyAssigned || ps.RideStatus != models.RideAccepted {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body)
	}

	rec, _ = do(t, s, http.MethodPatch, "/drivers/"+driverID+"/offline", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 going offline mid-ride, got %d", rec.Code)
	}

	rec, resp = do(t, s, http.MethodPost, "/rides/"+ride.ID+"/cancel", "")
	if rec.Code != http.StatusOK || resp.Message != "Ride has been cancelled" {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body)
	}
	rec, _ = do(t, s, http.MethodPost, "/rides/"+ride.ID+"/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second cancel, got %d", rec.Code)
	}

	rec, resp = do(t, s, http.MethodGet, "/drivers/"+driverID+"/rides", "")
	var mine []models.PingStatus
	json.Unmarshal(resp.Data, &mine)
	if rec.Code != http.StatusOK || len(mine) != 1 || mine[0].RideStatus != models.RideCancelled {
		t.Fatalf("driver rides: %d %s", rec.Code, rec.Body)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/rides", `{"drop":{"lat":1,"lng":1}}`, http.StatusBadRequest},
		{http.MethodPost, "/rides", `{nope`, http.StatusBadRequest},
		{http.MethodPost, "/drivers", `{"location":{"lat":95,"lng":0}}`, http.StatusBadRequest},
		{http.MethodGet, "/rides/R-404", "", http.StatusNotFound},
		{http.MethodPatch, "/drivers/D-404/online", "", http.StatusNotFound},
		{http.MethodPost, "/rides/R-404/accept/driver/D-404", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		rec, _ := do(t, s, tc.method, tc.path, tc.body)
		if rec.Code != tc.want {
			t.Fatalf("%s %s: expected %d, got %d (%s)", tc.method, tc.path, tc.want, rec.Code, rec.Body)
		}
		var body errorBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Status != tc.want || body.Timestamp == 0 {
			t.Fatalf("%s %s: unexpected error body %s", tc.method, tc.path, rec.Body)
		}
	}
}

func TestStatusForInternalErrors(t *testing.T) {
	if got := statusFor(errors.New("boom")); got != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", got)
	}
	if got := statusFor(models.ErrInvalidTransition); got != http.StatusConflict {
		t.Fatalf("expected 409, got %d", got)
	}
}

func TestReadinessChecks(t *testing.T) {
	s := newTestServer(t)
	if rec, _ := do(t, s, http.MethodGet, "/ready", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}
	s.AddReadinessCheck("redis", func(context.Context) error { return errors.New("down") })
	if rec, _ := do(t, s, http.MethodGet, "/ready", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-ID") != "abc" {
		t.Fatalf("request id not echoed: %v", rec.Header())
	}
}

func TestWebsocketReceivesPing(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()
	driverID := registerOnline(t, s, 28.6315, 77.2167)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/drivers/" + driverID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for !s.WSReg.Connected(driverID) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	body := bytes.NewBufferString(`{"pickup":{"lat":28.6320,"lng":77.2170}}`)
	resp, err := http.Post(srv.URL+"/rides", "application/json", body)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var offer models.PingOffer
	if err := conn.ReadJSON(&offer); err != nil {
		t.Fatalf("read offer: %v", err)
	}
	if offer.DriverID != driverID || offer.ExpiresInSec != 60 {
		t.Fatalf("unexpected offer %+v", offer)
	}
}

type fakeHistory struct{ evs []models.RideEvent }

func (f *fakeHistory) History(_ context.Context, rideID string) ([]models.RideEvent, error) {
	return f.evs, nil
}

func TestRideEventsEndpoint(t *testing.T) {
	s := newTestServer(t)
	_, resp := do(t, s, http.MethodPost, "/rides", `{"pickup":{"lat":28.6320,"lng":77.2170}}`)
	var ride models.RideView
	json.Unmarshal(resp.Data, &ride)

	if rec, _ := do(t, s, http.MethodGet, "/rides/"+ride.ID+"/events", ""); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 without a journal, got %d", rec.Code)
	}

	s.History = &fakeHistory{evs: []models.RideEvent{{RideID: ride.ID, To: models.RideRequested}}}
	rec, resp := do(t, s, http.MethodGet, "/rides/"+ride.ID+"/events", "")
	var evs []models.RideEvent
	json.Unmarshal(resp.Data, &evs)
	if rec.Code != http.StatusOK || len(evs) != 1 || evs[0].RideID != ride.ID {
		t.Fatalf("events: %d %s", rec.Code, rec.Body)
	}
	if rec, _ := do(t, s, http.MethodGet, "/rides/R-404/events", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown ride, got %d", rec.Code)
	}
}

func TestAccessLogNamesRouteEntities(t *testing.T) {
	s := newTestServer(t)
	var buf bytes.Buffer
	s.logger = slog.New(slog.NewJSONHandler(&buf, nil))

	do(t, s, http.MethodGet, "/rides/R-404/drivers/D-7/ping-status", "")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["ride_id"] != "R-404" || line["driver_id"] != "D-7" {
		t.Fatalf("expected ride and driver ids in %v", line)
	}
	if line["level"] != "WARN" || line["route"] != "/rides/{id}/drivers/{driverId}/ping-status" {
		t.Fatalf("expected a warn line for the 404 on the route template, got %v", line)
	}
}

func TestEntityIDsByRoute(t *testing.T) {
	s := newTestServer(t)
	var buf bytes.Buffer
	s.logger = slog.New(slog.NewJSONHandler(&buf, nil))

	do(t, s, http.MethodPatch, "/drivers/D-404/online", "")
	var line map[string]any
	json.Unmarshal(buf.Bytes(), &line)
	if line["driver_id"] != "D-404" || line["ride_id"] != nil {
		t.Fatalf("driver route must log driver_id only, got %v", line)
	}
}
