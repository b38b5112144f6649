// Package relay implements the WebSocket surface of the sync server: the
// Hub that authenticates and upgrades connections, and the Session that
// speaks the binary sync protocol with one client.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/logging"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/metrics"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/protocol"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/rooms"
)

// writeWait bounds how long a single WebSocket write may take.
const writeWait = 10 * time.Second

// wsConnection defines the interface for WebSocket connection operations.
// Satisfied by *websocket.Conn in production; tests use mocks.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Session is one client's connection to a room. It owns the two pumps on
// the socket; the room it attaches to owns the shared document state.
type Session struct {
	conn     wsConnection
	roomID   string
	clientID string
	attach   *rooms.Attach

	// awarenessClients are the awareness client ids this connection has
	// announced. Their presence entries are cleared when the socket goes
	// away.
	awarenessClients set.Set[uint64]

	mu     sync.Mutex
	closed bool
	once   sync.Once

	send chan []byte
}

func newSession(conn wsConnection, roomID, clientID string) *Session {
	return &Session{
		conn:             conn,
		roomID:           roomID,
		clientID:         clientID,
		awarenessClients: set.New[uint64](),
		send:             make(chan []byte, 256),
	}
}

// Send queues a frame for delivery. It never blocks; a full buffer or a
// closed session drops the frame and reports false. Satisfies rooms.Sender.
func (s *Session) Send(frame []byte) (ok bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	// The session can close between the check above and the send below.
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// start attaches the session to its room, sends the opening handshake, and
// launches the socket pumps.
func (s *Session) start(attach *rooms.Attach) {
	s.attach = attach

	// Server speaks first: its state vector, then the current presence
	// snapshot if anyone is here.
	s.Send(protocol.EncodeSyncStep1(attach.Doc().EncodeStateVector()))
	if len(attach.Awareness().States()) > 0 {
		s.Send(protocol.EncodeAwareness(attach.Awareness().Encode(nil)))
	}

	go s.writePump()
	go s.readPump()
}

// disconnect closes the send channel exactly once, which lets writePump
// drain, send a close frame, and close the socket.
func (s *Session) disconnect() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.send)
	})
}

// readPump consumes frames from the socket until it closes or a frame is
// malformed. A malformed frame terminates only this session; the room and
// its document are untouched.
func (s *Session) readPump() {
	defer func() {
		s.attach.ClearAwareness(s.awarenessClients.UnsortedList())
		s.attach.Leave()
		s.disconnect()
		metrics.ActiveConnections.Dec()
	}()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		if err := s.handleFrame(data); err != nil {
			logging.Warn(context.Background(), "Closing session on malformed frame",
				zap.String("roomId", s.roomID),
				zap.String("clientId", s.clientID),
				zap.Error(err))
			return
		}
	}
}

// handleFrame dispatches one inbound wire frame.
func (s *Session) handleFrame(data []byte) error {
	dec := protocol.NewDecoder(data)
	msgType, err := dec.ReadVarUint()
	if err != nil {
		metrics.Frames.WithLabelValues("unknown", "malformed").Inc()
		return fmt.Errorf("frame type: %w", err)
	}

	name := protocol.MessageTypeName(msgType)
	timer := time.Now()
	err = s.dispatch(msgType, dec)
	metrics.FrameHandlingDuration.WithLabelValues(name).Observe(time.Since(timer).Seconds())
	if err != nil {
		metrics.Frames.WithLabelValues(name, "malformed").Inc()
		return err
	}
	metrics.Frames.WithLabelValues(name, "ok").Inc()
	return nil
}

func (s *Session) dispatch(msgType uint64, dec *protocol.Decoder) error {
	switch msgType {
	case protocol.MessageSync:
		reply, err := s.attach.HandleSync(dec)
		if err != nil {
			return err
		}
		if reply != nil {
			s.Send(reply)
		}
		return nil

	case protocol.MessageAwareness:
		update, err := dec.ReadVarBytes()
		if err != nil {
			return fmt.Errorf("awareness payload: %w", err)
		}
		for _, id := range awarenessClientIDs(update) {
			s.awarenessClients.Insert(id)
		}
		return s.attach.HandleAwareness(update)

	case protocol.MessageQueryAwareness:
		s.Send(protocol.EncodeAwareness(s.attach.Awareness().Encode(nil)))
		return nil

	case protocol.MessageSyncStatus:
		// Echo the client's version back. The echo is what tells the
		// client both "your writes up to this version are durable here"
		// and "this server speaks the extension".
		version, err := protocol.DecodeSyncStatus(dec)
		if err != nil {
			return err
		}
		s.Send(protocol.EncodeSyncStatus(version))
		return nil

	default:
		// Unknown message types are tolerated for forward compatibility.
		logging.Debug(context.Background(), "Ignoring unknown message type",
			zap.Uint64("type", msgType), zap.String("roomId", s.roomID))
		return nil
	}
}

func (s *Session) writePump() {
	defer s.conn.Close()

	for message := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
			logging.Error(context.Background(), "error writing frame",
				zap.String("roomId", s.roomID), zap.Error(err))
			return
		}
	}
	_ = sendCloseFrame(s.conn)
}

func sendCloseFrame(conn wsConnection) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// awarenessClientIDs lists the client ids an awareness update mentions.
// Malformed updates yield the ids read so far; full validation happens when
// the update is applied.
func awarenessClientIDs(update []byte) []uint64 {
	dec := protocol.NewDecoder(update)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil
	}
	var ids []uint64
	for i := uint64(0); i < n; i++ {
		client, err := dec.ReadVarUint()
		if err != nil {
			return ids
		}
		if _, err := dec.ReadVarUint(); err != nil {
			return ids
		}
		if _, err := dec.ReadVarBytes(); err != nil {
			return ids
		}
		ids = append(ids, client)
	}
	return ids
}
