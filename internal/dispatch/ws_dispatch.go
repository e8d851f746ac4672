package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatcher/internal/models"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 2 * time.Second

// wsConn is the part of *websocket.Conn the registry uses.
type wsConn interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v interface{}) error
	Close() error
}

// WSSession represents a connected driver session
type WSSession struct {
	conn wsConn
	mu   sync.Mutex
}

func (s *WSSession) Send(offer models.PingOffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(offer)
}

// WSRegistry holds driver sessions
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for driverID, closing any session it replaces.
func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.add(driverID, conn)
}

func (r *WSRegistry) add(driverID string, conn wsConn) {
	r.mu.Lock()
	prev := r.sessions[driverID]
	r.sessions[driverID] = &WSSession{conn: conn}
	r.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	}
}

// Remove drops the session if it still belongs to conn.
func (r *WSRegistry) Remove(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok && s.conn == wsConn(conn) {
		delete(r.sessions, driverID)
	}
}

func (r *WSRegistry) Connected(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}

func (r *WSRegistry) Offer(offer models.PingOffer) error {
	r.mu.RLock()
	s, ok := r.sessions[offer.DriverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(offer); err != nil {
		r.mu.Lock()
		if r.sessions[offer.DriverID] == s {
			delete(r.sessions, offer.DriverID)
		}
		r.mu.Unlock()
		_ = s.conn.Close()
		return err
	}
	return nil
}
