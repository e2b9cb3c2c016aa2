package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yartinzz/DTICU-Ventilator/internal/protocol"
	"github.com/yartinzz/DTICU-Ventilator/internal/vitals"
)

const (
	// outboundDepth bounds the per-session frame buffer. A client that
	// falls this far behind is closed rather than allowed to stall the
	// dispatch pool.
	outboundDepth = 256

	writeWait  = 5 * time.Second
	pingPeriod = 3 * time.Second
	pongWait   = 2 * pingPeriod

	// maxInboundBytes caps one command frame. Analysis requests carry
	// two 2501-sample waveforms and stay well under this.
	maxInboundBytes = 1 << 20
)

// session is one connected client. The read loop runs on the accepting
// goroutine; the write pump is the connection's only writer. Frames
// reach the pump through the out channel, from the read loop, from
// spawned command goroutines and from dispatch workers alike.
type session struct {
	id   int64
	hub  *Hub
	conn *websocket.Conn
	out  chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu   sync.Mutex
	subs map[vitals.PatientID][]vitals.ParamType

	logger *zap.Logger
}

func newSession(h *Hub, id int64, conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:     id,
		hub:    h,
		conn:   conn,
		out:    make(chan []byte, outboundDepth),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[vitals.PatientID][]vitals.ParamType),
		logger: h.logger.With(zap.Int64("session_id", id)),
	}
}

// ID implements registry.Subscriber.
func (s *session) ID() int64 { return s.id }

// TrySend implements registry.Subscriber. It never blocks: a session
// whose buffer is full is treated as dead and closed.
func (s *session) TrySend(frame []byte) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.out <- frame:
		return true
	default:
		s.logger.Warn("outbound buffer full, closing session")
		s.close("outbound overflow")
		return false
	}
}

// send queues a command reply, waiting if the buffer is momentarily
// full. It gives up once the session starts closing.
func (s *session) send(frame []byte) bool {
	select {
	case s.out <- frame:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) sendControl(frame protocol.ControlFrame) {
	frame.Timestamp = protocol.Now()
	raw, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("marshal control frame",
			zap.String("type", frame.Type), zap.Error(err))
		return
	}
	s.send(raw)
}

// readLoop handles inbound commands until the connection errors or the
// client goes away, then tears the session down.
func (s *session) readLoop() {
	defer s.close("connection closed")

	s.conn.SetReadLimit(maxInboundBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("session read failed", zap.Error(err))
			}
			return
		}
		s.handleMessage(raw)
	}
}

// writePump drains the outbound buffer and keeps the client alive with
// pings. It exits when the session context is cancelled or a write
// fails; either way the read loop notices through the closed conn.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.close("write failed")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close("ping failed")
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// close tears the session down exactly once: cancel in-flight work,
// remove every subscription, release the connection slot. Cancellation
// must precede the registry sweep so nothing re-delivers afterwards.
func (s *session) close(reason string) {
	s.once.Do(func() {
		s.cancel()
		s.hub.registry.UnsubscribeAll(s)
		s.conn.Close()
		s.hub.release()
		s.logger.Info("session closed", zap.String("reason", reason))
	})
}

func (s *session) rememberSubscription(patient vitals.PatientID, params []vitals.ParamType) {
	s.mu.Lock()
	s.subs[patient] = params
	s.mu.Unlock()
}

// takeSubscriptions empties and returns the session-local subscription
// book, used by the stop command.
func (s *session) takeSubscriptions() map[vitals.PatientID][]vitals.ParamType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.subs
	s.subs = make(map[vitals.PatientID][]vitals.ParamType)
	return out
}
