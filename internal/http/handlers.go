package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatcher/internal/dispatch"
	"github.com/example/ride-dispatcher/internal/drivers"
	"github.com/example/ride-dispatcher/internal/models"
	"github.com/example/ride-dispatcher/internal/rides"
)

// EventHistory reads back the journaled transitions of a ride.
type EventHistory interface {
	History(ctx context.Context, rideID string) ([]models.RideEvent, error)
}

type Server struct {
	Rides   *rides.Service
	Drivers *drivers.Service
	WSReg   *dispatch.WSRegistry
	History EventHistory // optional

	checks map[string]func(context.Context) error
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(r *rides.Service, d *drivers.Service, ws *dispatch.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Rides:   r,
		Drivers: d,
		WSReg:   ws,
		checks:  make(map[string]func(context.Context) error),
		logger:  logger,
		mux:     mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// AddReadinessCheck registers a dependency checked by /ready.
func (s *Server) AddReadinessCheck(name string, check func(context.Context) error) {
	s.checks[name] = check
}

func (s *Server) routes() {
	s.mux.HandleFunc("/drivers", s.handleRegisterDriver).Methods(http.MethodPost)
	s.mux.HandleFunc("/drivers", s.handleListDrivers).Methods(http.MethodGet)
	s.mux.HandleFunc("/drivers/{id}/online", s.handleDriverOnline).Methods(http.MethodPatch)
	s.mux.HandleFunc("/drivers/{id}/offline", s.handleDriverOffline).Methods(http.MethodPatch)
	s.mux.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods(http.MethodPut)
	s.mux.HandleFunc("/drivers/{id}/rides", s.handleDriverRides).Methods(http.MethodGet)

	s.mux.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/rides", s.handleListRides).Methods(http.MethodGet)
	s.mux.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	s.mux.HandleFunc("/rides/{id}/accept/driver/{driverId}", s.handleAccept).Methods(http.MethodPost)
	s.mux.HandleFunc("/rides/{id}/cancel", s.handleRiderCancel).Methods(http.MethodPost)
	s.mux.HandleFunc("/rides/{id}/cancel/driver/{driverId}", s.handleDriverCancel).Methods(http.MethodPost)
	s.mux.HandleFunc("/rides/{id}/drivers/{driverId}/ping-status", s.handlePingStatus).Methods(http.MethodGet)
	s.mux.HandleFunc("/rides/{id}/events", s.handleRideEvents).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws/drivers/{id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

type errorBody struct {
	Status    int    `json:"status"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type driverRequest struct {
	Location *models.Location `json:"location"`
}

type rideRequest struct {
	Pickup *models.Location `json:"pickup"`
	Drop   *models.Location `json:"drop"`
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var req driverRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.Drivers.Register(req.Location)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Message: "Driver added successfully", Data: d})
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Drivers fetched successfully", Data: s.Drivers.List()})
}

func (s *Server) handleDriverOnline(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Drivers.SetOnline(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Driver is now online"})
}

func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Drivers.SetOffline(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Driver is now offline"})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.Location
	if err := decodeJSON(r, &loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.Drivers.UpdateLocation(mux.Vars(r)["id"], loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Driver location updated", Data: d})
}

func (s *Server) handleDriverRides(w http.ResponseWriter, r *http.Request) {
	out, err := s.Rides.ForDriver(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Driver rides fetched successfully", Data: out})
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req rideRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.Rides.Create(req.Pickup, req.Drop)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Message: "Ride created successfully", Data: ride})
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "All rides fetched", Data: s.Rides.List()})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Ride fetched", Data: ride})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := s.Rides.Accept(vars["id"], vars["driverId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Ride accepted", Data: res})
}

func (s *Server) handleRiderCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.Rides.RiderCancel(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	const msg = "Ride has been cancelled"
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: msg, Data: msg})
}

func (s *Server) handleDriverCancel(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.Rides.DriverCancel(vars["id"], vars["driverId"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	const msg = "Driver cancelled, ride is being reassigned"
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: msg, Data: msg})
}

func (s *Server) handlePingStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := s.Rides.PingStatus(vars["id"], vars["driverId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Ping status fetched", Data: res})
}

func (s *Server) handleRideEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Rides.Get(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.History == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{
			Status:    http.StatusNotImplemented,
			Error:     http.StatusText(http.StatusNotImplemented),
			Message:   "ride event journal is not configured",
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}
	evs, err := s.History.History(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Ride events fetched", Data: evs})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", "check", name, "error", err)
			http.Error(w, name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

// handleWS keeps the driver's ping channel open until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Drivers.Get(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "driver_id", id, "error", err)
		return
	}
	s.WSReg.Add(id, conn)
	s.logger.Info("driver connected", "driver_id", id)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.WSReg.Remove(id, conn)
	s.logger.Info("driver disconnected", "driver_id", id)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", models.ErrInvalidInput, err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{
		Status:    status,
		Error:     http.StatusText(status),
		Message:   msg,
		Timestamp: time.Now().UnixMilli(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
