// Package rooms manages the relay's room registry: one replicated document
// and one awareness instance per room id, fan-out of document updates to the
// room's connections, cross-instance replication over the bus, and eviction
// of rooms that stay empty past a grace period.
package rooms

import (
	"context"
	"sync"
	"time"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/logging"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/metrics"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/protocol"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/y"
	"go.uber.org/zap"
)

// Sender delivers one encoded frame to a connection. Implementations must
// not block; they report false when the frame was dropped.
type Sender interface {
	Send(frame []byte) bool
}

// BusService defines the interface for distributed pub/sub messaging.
// When nil, the manager operates in single-instance mode.
type BusService interface {
	Publish(ctx context.Context, roomID string, frame []byte) error
	Subscribe(ctx context.Context, roomID string, handler func(frame []byte)) (unsubscribe func())
}

// DocProvider supplies the document for a room id. A relay embedded in a
// host application uses this to serve only the documents the host has
// registered; returning false rejects the room.
type DocProvider func(roomID string) (*y.Doc, bool)

// busOrigin marks updates that arrived over the bus so the fan-out handler
// does not publish them back.
type busOrigin struct{}

// Manager is the registry of active rooms. Rooms are created on first join
// and evicted after staying empty for the eviction timeout.
type Manager struct {
	mu               sync.Mutex
	rooms            map[string]*Room
	pendingEvictions map[string]*time.Timer

	evictionTimeout time.Duration
	bus             BusService
	provider        DocProvider

	onCreated func(roomID string, doc *y.Doc)
	onEvicted func(roomID string, doc *y.Doc)
}

// NewManager creates a Manager. bus may be nil for single-instance mode.
func NewManager(evictionTimeout time.Duration, bus BusService) *Manager {
	return &Manager{
		rooms:            make(map[string]*Room),
		pendingEvictions: make(map[string]*time.Timer),
		evictionTimeout:  evictionTimeout,
		bus:              bus,
	}
}

// SetDocProvider switches the manager into integrated mode: joins for rooms
// the provider does not recognize are rejected. Must be called before the
// manager starts serving joins.
func (m *Manager) SetDocProvider(p DocProvider) {
	m.provider = p
}

// OnRoomCreated registers a callback invoked after a room is created with a
// manager-owned doc. Rooms whose doc came from the doc provider do not fire
// it; the host already owns that document.
func (m *Manager) OnRoomCreated(fn func(roomID string, doc *y.Doc)) {
	m.onCreated = fn
}

// OnRoomEvicted registers a callback invoked after a room is evicted. It
// does not fire for rooms cleared by Shutdown.
func (m *Manager) OnRoomEvicted(fn func(roomID string, doc *y.Doc)) {
	m.onEvicted = fn
}

// Join adds a connection to the room, creating the room on first join and
// cancelling any pending eviction. It returns nil when the room is rejected
// by the doc provider.
func (m *Manager) Join(roomID string, s Sender) *Attach {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		r = m.createRoomLocked(roomID)
		if r == nil {
			m.mu.Unlock()
			logging.Warn(context.Background(), "Rejected join for unknown room", zap.String("roomId", roomID))
			return nil
		}
	}
	if timer, pending := m.pendingEvictions[roomID]; pending {
		// Stop may report that the timer already fired; its callback is
		// then blocked on m.mu and must observe the new member below.
		timer.Stop()
		delete(m.pendingEvictions, roomID)
		logging.Debug(context.Background(), "Cancelled pending room eviction", zap.String("roomId", roomID))
	}
	// Register while m.mu is held so a fired eviction callback never sees
	// an empty room between the timer check and the attach.
	a := r.join(s)
	m.mu.Unlock()

	return a
}

// createRoomLocked builds the room and installs its fan-out. Caller holds
// m.mu. Returns nil when the doc provider rejects the room id.
func (m *Manager) createRoomLocked(roomID string) *Room {
	var doc *y.Doc
	ownsDoc := true
	if m.provider != nil {
		d, ok := m.provider(roomID)
		if !ok {
			return nil
		}
		doc = d
		ownsDoc = false
	} else {
		doc = y.NewDoc(roomID)
	}

	r := &Room{
		id:        roomID,
		manager:   m,
		doc:       doc,
		ownsDoc:   ownsDoc,
		awareness: y.NewAwareness(doc.ClientID()),
		members:   make(map[*Attach]struct{}),
	}

	// Every committed update, local or applied from a connection, becomes a
	// sync update frame for the other members. Updates that came in over
	// the bus are not published back.
	r.stopFanout = doc.OnUpdate(func(update []byte, origin any) {
		frame := protocol.EncodeSyncUpdate(update)
		r.broadcast(frame, origin)
		if m.bus != nil && origin != (busOrigin{}) {
			if err := m.bus.Publish(context.Background(), roomID, frame); err != nil {
				logging.Warn(context.Background(), "Bus publish failed", zap.String("roomId", roomID), zap.Error(err))
			}
		}
	})

	if m.bus != nil {
		r.stopBus = m.bus.Subscribe(context.Background(), roomID, r.handleBusFrame)
	}

	m.rooms[roomID] = r
	metrics.ActiveRooms.Inc()
	logging.Info(context.Background(), "Room created", zap.String("roomId", roomID))
	if m.onCreated != nil && ownsDoc {
		m.onCreated(roomID, doc)
	}
	return r
}

// scheduleEviction starts the empty-room grace timer for roomID.
func (m *Manager) scheduleEviction(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if timer, exists := m.pendingEvictions[roomID]; exists {
		timer.Stop()
	}
	m.pendingEvictions[roomID] = time.AfterFunc(m.evictionTimeout, func() {
		m.mu.Lock()
		delete(m.pendingEvictions, roomID)
		r, ok := m.rooms[roomID]
		if !ok || !r.empty() {
			m.mu.Unlock()
			return
		}
		delete(m.rooms, roomID)
		m.mu.Unlock()

		r.close()
		metrics.ActiveRooms.Dec()
		metrics.RoomsEvicted.Inc()
		metrics.RoomMembers.DeleteLabelValues(roomID)
		logging.Info(context.Background(), "Room evicted", zap.String("roomId", roomID))
		if m.onEvicted != nil {
			m.onEvicted(roomID, r.doc)
		}
	})
}

// Broadcast sends frame to every member of the room except sender. It is a
// no-op for unknown room ids.
func (m *Manager) Broadcast(roomID string, frame []byte, sender Sender) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return
	}
	r.broadcastFromSender(frame, sender)
}

// Rooms returns the ids of the currently active rooms.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Room returns the active room with the given id, if any.
func (m *Manager) Room(roomID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

// Shutdown stops all timers and closes every room.
func (m *Manager) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down room manager")

	m.mu.Lock()
	for roomID, timer := range m.pendingEvictions {
		timer.Stop()
		delete(m.pendingEvictions, roomID)
	}
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	for _, r := range rooms {
		r.close()
		metrics.ActiveRooms.Dec()
		metrics.RoomMembers.DeleteLabelValues(r.id)
	}
	logging.Info(ctx, "All rooms closed", zap.Int("count", len(rooms)))
	return nil
}
