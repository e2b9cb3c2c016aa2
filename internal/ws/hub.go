// Package ws owns the client sessions: the global connection cap, the
// per-session command loop, and the write pump that delivers both
// command replies and fanned-out sample frames.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/yartinzz/DTICU-Ventilator/internal/activity"
	"github.com/yartinzz/DTICU-Ventilator/internal/analysis"
	"github.com/yartinzz/DTICU-Ventilator/internal/registry"
	"github.com/yartinzz/DTICU-Ventilator/internal/repository"
)

// CloseServerOverloaded is the close code sent to clients rejected by
// the connection cap.
const CloseServerOverloaded = 4000

// Store is the slice of the snapshot store the session loop uses.
type Store interface {
	ListPatients(ctx context.Context) ([]repository.PatientSummary, error)
	UpsertVitalSnapshot(ctx context.Context, snap repository.VitalSnapshot) error
	PeepHistory(ctx context.Context, patientID string) ([]repository.PeepPoint, error)
}

// Analyzer runs one deltaPEEP analysis and returns the assembled rows.
type Analyzer interface {
	Analyze(ctx context.Context, pressure, flow, deltaPEEP []float64) ([]analysis.Result, error)
}

// Chatter answers one free-form prompt.
type Chatter interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Hub accepts websocket clients, assigns session ids and enforces the
// connection cap. Analyzer and Chatter may be nil when the deployment
// has no engine pool or chat key; the affected commands then answer
// with failure frames.
type Hub struct {
	registry *registry.Registry
	tracker  *activity.Tracker
	store    Store
	analyzer Analyzer
	chatter  Chatter
	logger   *zap.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	nextID   int64
	active   int
	maxConns int
}

func NewHub(reg *registry.Registry, tracker *activity.Tracker, store Store, analyzer Analyzer, chatter Chatter, maxConns int, logger *zap.Logger) *Hub {
	return &Hub{
		registry: reg,
		tracker:  tracker,
		store:    store,
		analyzer: analyzer,
		chatter:  chatter,
		logger:   logger,
		maxConns: maxConns,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin checks are a gateway concern; the server accepts
			// any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handle upgrades the request and runs the session until the client
// disconnects. Registered on GET /ws.
func (h *Hub) Handle(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return nil
	}

	id, ok := h.acquire()
	if !ok {
		h.logger.Warn("connection cap reached, rejecting client",
			zap.Int("max_connections", h.maxConns))
		msg := websocket.FormatCloseMessage(CloseServerOverloaded, "Server overloaded")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return nil
	}

	s := newSession(h, id, conn)
	s.logger.Info("session connected")
	go s.writePump()
	s.readLoop()
	return nil
}

// ActiveSessions reports how many sessions currently hold a slot.
func (h *Hub) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *Hub) acquire() (int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active >= h.maxConns {
		return 0, false
	}
	h.active++
	h.nextID++
	return h.nextID, true
}

func (h *Hub) release() {
	h.mu.Lock()
	h.active--
	h.mu.Unlock()
}
