// Package gateway owns the WebSocket surface: the HTTP upgrade endpoint,
// the per-connection session with its read and write pumps, and the
// dispatch of inbound frames to the lifecycle manager.
package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatline-io/chatline/internal/wire"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	// If the write does not complete within this window the connection is
	// closed — this prevents a stalled client from blocking the writePump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for traffic before declaring
	// the transport dead. Reset on every pong and on every inbound frame.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server sends a transport-level ping.
	// Must be less than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames. Chat messages are short; a
	// frame this large is a misbehaving client.
	maxMessageSize = 64 * 1024

	// sendBufferSize is the capacity of the per-session outbound channel.
	// A full buffer means the client cannot keep up; further pushes are
	// dropped rather than letting one slow reader stall the fan-out.
	sendBufferSize = 64
)

// upgrader performs the HTTP → WebSocket protocol upgrade.
// CheckOrigin always returns true — origin validation is the responsibility
// of the reverse proxy in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Session is one connected WebSocket peer. Each session runs two goroutines:
// readPump (decodes inbound frames and hands them to the dispatcher) and
// writePump (serialises outbound frames onto the wire).
//
// Push and Kick may be called from any goroutine; writePump is the only
// goroutine that writes to conn.
type Session struct {
	id   string
	conn *websocket.Conn

	// send is the outbound frame buffer. Push writes here; writePump reads.
	send chan wire.Frame

	// done closes exactly once when the session is told to stop. writePump
	// drains whatever is already in send, writes a close frame, and exits.
	done     chan struct{}
	stopOnce sync.Once

	logger *zap.Logger
}

// newSession wraps an upgraded connection.
func newSession(conn *websocket.Conn, logger *zap.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		conn:   conn,
		send:   make(chan wire.Frame, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("session", id)),
	}
}

// ID returns the process-unique session handle.
func (s *Session) ID() string { return s.id }

// Push enqueues an outbound frame. It never blocks; it reports false when
// the session is stopping or its buffer is full.
func (s *Session) Push(frame wire.Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Kick enqueues a terminal kicked frame and stops the session. Frames
// already buffered ahead of it are still delivered.
func (s *Session) Kick(message string) {
	select {
	case s.send <- wire.Frame{Type: wire.TypeKicked, Message: message}:
	default:
	}
	s.stop()
}

// Close severs the transport without a farewell frame.
func (s *Session) Close() {
	s.stop()
}

// Established reports whether the session is still writable.
func (s *Session) Established() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// readPump reads inbound frames and hands each to dispatch. It exits when
// the connection errors, the deadline expires, or the session is stopped;
// the caller runs cleanup after it returns.
func (s *Session) readPump(dispatch func(wire.Inbound)) {
	defer func() {
		s.stop()
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var in wire.Inbound
		if err := s.conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}

		// Inbound traffic counts as liveness just like a pong does.
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}

		select {
		case <-s.done:
			return
		default:
		}
		dispatch(in)
	}
}

// writePump forwards frames from the send channel to the wire and sends
// periodic transport pings. When the session stops it drains the frames
// that were enqueued before the stop, writes a close frame, and exits.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			if !s.writeFrame(frame) {
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ws: ping error", zap.Error(err))
				return
			}

		case <-s.done:
			// Drain what was enqueued before the stop, then say goodbye.
			for {
				select {
				case frame := <-s.send:
					if !s.writeFrame(frame) {
						return
					}
				default:
					_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = s.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (s *Session) writeFrame(frame wire.Frame) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := s.conn.WriteJSON(frame); err != nil {
		s.logger.Warn("ws: write error", zap.Error(err))
		return false
	}
	return true
}
