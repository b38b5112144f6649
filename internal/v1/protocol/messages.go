package protocol

import "fmt"

// Top-level message types. Each frame starts with one of these as a varuint.
const (
	MessageSync           uint64 = 0
	MessageAwareness      uint64 = 1
	MessageQueryAwareness uint64 = 3
	// MessageSyncStatus is the heartbeat + ack extension. Servers that do
	// not understand it simply never echo it; clients latch support on the
	// first echo.
	MessageSyncStatus uint64 = 102
)

// Sync sub-message types, nested inside a MessageSync frame.
const (
	SyncStep1  uint64 = 0
	SyncStep2  uint64 = 1
	SyncUpdate uint64 = 2
)

// Doc is the surface of a CRDT document the sync protocol needs. Satisfied
// by *y.Doc.
type Doc interface {
	EncodeStateVector() []byte
	EncodeStateAsUpdate(stateVector []byte) ([]byte, error)
	ApplyUpdate(update []byte, origin any) error
}

// MessageTypeName returns a short label for metrics and logs.
func MessageTypeName(t uint64) string {
	switch t {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	case MessageQueryAwareness:
		return "query_awareness"
	case MessageSyncStatus:
		return "sync_status"
	default:
		return "unknown"
	}
}

// EncodeSyncStep1 frames the document's state vector as the opening
// handshake message.
func EncodeSyncStep1(stateVector []byte) []byte {
	enc := NewEncoder()
	enc.WriteVarUint(MessageSync)
	enc.WriteVarUint(SyncStep1)
	enc.WriteVarBytes(stateVector)
	return enc.Bytes()
}

// EncodeSyncStep2 frames the update that answers a SyncStep1.
func EncodeSyncStep2(update []byte) []byte {
	enc := NewEncoder()
	enc.WriteVarUint(MessageSync)
	enc.WriteVarUint(SyncStep2)
	enc.WriteVarBytes(update)
	return enc.Bytes()
}

// EncodeSyncUpdate frames an incremental document update.
func EncodeSyncUpdate(update []byte) []byte {
	enc := NewEncoder()
	enc.WriteVarUint(MessageSync)
	enc.WriteVarUint(SyncUpdate)
	enc.WriteVarBytes(update)
	return enc.Bytes()
}

// EncodeAwareness frames an awareness update.
func EncodeAwareness(update []byte) []byte {
	enc := NewEncoder()
	enc.WriteVarUint(MessageAwareness)
	enc.WriteVarBytes(update)
	return enc.Bytes()
}

// EncodeQueryAwareness frames a request for a full awareness snapshot.
func EncodeQueryAwareness() []byte {
	enc := NewEncoder()
	enc.WriteVarUint(MessageQueryAwareness)
	return enc.Bytes()
}

// EncodeSyncStatus frames a heartbeat/ack carrying a client local version.
// The inner payload is length-prefixed so servers unaware of the extension
// could skip it if they ever parsed past the tag.
func EncodeSyncStatus(localVersion uint64) []byte {
	inner := NewEncoder()
	inner.WriteVarUint(localVersion)

	enc := NewEncoder()
	enc.WriteVarUint(MessageSyncStatus)
	enc.WriteVarBytes(inner.Bytes())
	return enc.Bytes()
}

// DecodeSyncStatus reads the payload of a MessageSyncStatus frame. The
// decoder must be positioned just past the message type tag.
func DecodeSyncStatus(dec *Decoder) (uint64, error) {
	inner, err := dec.ReadVarBytes()
	if err != nil {
		return 0, fmt.Errorf("sync status payload: %w", err)
	}
	version, err := NewDecoder(inner).ReadVarUint()
	if err != nil {
		return 0, fmt.Errorf("sync status version: %w", err)
	}
	return version, nil
}

// ReadSyncMessage consumes one sync sub-message from dec (positioned just
// past the MessageSync tag), applies it to doc, and returns the sub-message
// type plus a reply frame to send back on the same socket, or nil when no
// reply is required.
//
// Remote updates are applied with the supplied origin so downstream update
// handlers can tell them apart from local edits.
func ReadSyncMessage(dec *Decoder, doc Doc, origin any) (uint64, []byte, error) {
	subType, err := dec.ReadVarUint()
	if err != nil {
		return 0, nil, fmt.Errorf("sync submessage type: %w", err)
	}

	switch subType {
	case SyncStep1:
		sv, err := dec.ReadVarBytes()
		if err != nil {
			return subType, nil, fmt.Errorf("sync step1 state vector: %w", err)
		}
		update, err := doc.EncodeStateAsUpdate(sv)
		if err != nil {
			return subType, nil, fmt.Errorf("sync step1 diff: %w", err)
		}
		return subType, EncodeSyncStep2(update), nil

	case SyncStep2, SyncUpdate:
		update, err := dec.ReadVarBytes()
		if err != nil {
			return subType, nil, fmt.Errorf("sync update payload: %w", err)
		}
		if err := doc.ApplyUpdate(update, origin); err != nil {
			return subType, nil, fmt.Errorf("apply update: %w", err)
		}
		return subType, nil, nil

	default:
		return subType, nil, fmt.Errorf("unknown sync submessage type %d", subType)
	}
}
