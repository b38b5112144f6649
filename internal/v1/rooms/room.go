package rooms

import (
	"context"
	"fmt"
	"sync"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/logging"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/metrics"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/protocol"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/y"
	"go.uber.org/zap"
)

// Room is one active room: a document, its awareness, and the connections
// attached to it. A room outlives individual connections; the document state
// survives everyone leaving until the eviction timer fires.
type Room struct {
	id      string
	manager *Manager

	doc       *y.Doc
	ownsDoc   bool
	awareness *y.Awareness

	mu      sync.Mutex
	members map[*Attach]struct{}

	stopFanout func()
	stopBus    func()
}

// ID returns the room id.
func (r *Room) ID() string {
	return r.id
}

// Doc returns the room's document.
func (r *Room) Doc() *y.Doc {
	return r.doc
}

// Awareness returns the room's awareness instance.
func (r *Room) Awareness() *y.Awareness {
	return r.awareness
}

// Len returns the number of attached connections.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Room) empty() bool {
	return r.Len() == 0
}

func (r *Room) join(s Sender) *Attach {
	a := &Attach{room: r, sender: s}
	r.mu.Lock()
	r.members[a] = struct{}{}
	n := len(r.members)
	r.mu.Unlock()

	metrics.RoomMembers.WithLabelValues(r.id).Set(float64(n))
	return a
}

func (r *Room) leave(a *Attach) {
	r.mu.Lock()
	if _, ok := r.members[a]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.members, a)
	n := len(r.members)
	r.mu.Unlock()

	metrics.RoomMembers.WithLabelValues(r.id).Set(float64(n))
	if n == 0 {
		r.manager.scheduleEviction(r.id)
	}
}

// broadcast delivers frame to every member except the one matching origin.
// Delivery is best effort; slow connections drop frames rather than stall
// the room.
func (r *Room) broadcast(frame []byte, origin any) {
	r.mu.Lock()
	targets := make([]*Attach, 0, len(r.members))
	for a := range r.members {
		if a == origin {
			continue
		}
		targets = append(targets, a)
	}
	r.mu.Unlock()

	for _, a := range targets {
		if !a.sender.Send(frame) {
			logging.Debug(context.Background(), "Dropped frame for slow connection", zap.String("roomId", r.id))
		}
	}
}

// applyAwareness merges an awareness update and relays the frame to the
// other members and, for locally produced updates, to the bus.
func (r *Room) applyAwareness(update []byte, origin any) error {
	if err := r.awareness.ApplyUpdate(update, origin); err != nil {
		return err
	}
	frame := protocol.EncodeAwareness(update)
	r.broadcast(frame, origin)
	if r.manager.bus != nil && origin != (busOrigin{}) {
		if err := r.manager.bus.Publish(context.Background(), r.id, frame); err != nil {
			logging.Warn(context.Background(), "Bus publish failed", zap.String("roomId", r.id), zap.Error(err))
		}
	}
	return nil
}

// broadcastFromSender delivers frame to every member whose sender is not
// the given one.
func (r *Room) broadcastFromSender(frame []byte, sender Sender) {
	r.mu.Lock()
	targets := make([]*Attach, 0, len(r.members))
	for a := range r.members {
		if sender != nil && a.sender == sender {
			continue
		}
		targets = append(targets, a)
	}
	r.mu.Unlock()

	for _, a := range targets {
		a.sender.Send(frame)
	}
}

// clearAwareness removes presence entries for clients whose connection went
// away and relays the removal.
func (r *Room) clearAwareness(ids []uint64, origin any) {
	if len(ids) == 0 {
		return
	}
	r.awareness.RemoveStates(ids, origin)
	frame := protocol.EncodeAwareness(r.awareness.Encode(ids))
	r.broadcast(frame, origin)
	if r.manager.bus != nil && origin != (busOrigin{}) {
		if err := r.manager.bus.Publish(context.Background(), r.id, frame); err != nil {
			logging.Warn(context.Background(), "Bus publish failed", zap.String("roomId", r.id), zap.Error(err))
		}
	}
}

// handleBusFrame applies a frame replicated from another relay instance.
func (r *Room) handleBusFrame(frame []byte) {
	dec := protocol.NewDecoder(frame)
	msgType, err := dec.ReadVarUint()
	if err != nil {
		return
	}
	switch msgType {
	case protocol.MessageSync:
		if _, _, err := protocol.ReadSyncMessage(dec, r.doc, busOrigin{}); err != nil {
			logging.Warn(context.Background(), "Bad sync frame from bus", zap.String("roomId", r.id), zap.Error(err))
		}
	case protocol.MessageAwareness:
		update, err := dec.ReadVarBytes()
		if err != nil {
			return
		}
		if err := r.applyAwareness(update, busOrigin{}); err != nil {
			logging.Warn(context.Background(), "Bad awareness frame from bus", zap.String("roomId", r.id), zap.Error(err))
		}
	}
}

func (r *Room) close() {
	if r.stopBus != nil {
		r.stopBus()
	}
	if r.stopFanout != nil {
		r.stopFanout()
	}
	if r.ownsDoc {
		r.doc.Destroy()
	}
}

// Attach is one connection's membership in a room. It carries the identity
// the room uses to exclude the writer from its own fan-out.
type Attach struct {
	room   *Room
	sender Sender
}

// RoomID returns the id of the attached room.
func (a *Attach) RoomID() string {
	return a.room.id
}

// Doc returns the attached room's document.
func (a *Attach) Doc() *y.Doc {
	return a.room.doc
}

// Awareness returns the attached room's awareness.
func (a *Attach) Awareness() *y.Awareness {
	return a.room.awareness
}

// HandleSync processes the body of a sync frame from this connection and
// returns the reply frame to send back, if any.
func (a *Attach) HandleSync(dec *protocol.Decoder) ([]byte, error) {
	_, reply, err := protocol.ReadSyncMessage(dec, a.room.doc, a)
	if err != nil {
		return nil, fmt.Errorf("sync message: %w", err)
	}
	return reply, nil
}

// HandleAwareness merges an awareness update from this connection and relays
// it to the rest of the room.
func (a *Attach) HandleAwareness(update []byte) error {
	return a.room.applyAwareness(update, a)
}

// ClearAwareness drops the presence entries this connection announced and
// relays the removal to the rest of the room.
func (a *Attach) ClearAwareness(ids []uint64) {
	a.room.clearAwareness(ids, a)
}

// Broadcast relays a frame from this connection to the other members.
func (a *Attach) Broadcast(frame []byte) {
	a.room.broadcast(frame, a)
}

// Leave detaches the connection. The last leave arms the room's eviction
// timer.
func (a *Attach) Leave() {
	a.room.leave(a)
}
