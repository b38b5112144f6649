package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/protocol"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/y"
)

// fakeSocket is a scripted connection: frames queued on in are what the
// provider reads, frames it writes land on out.
type fakeSocket struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, errors.New("socket closed")
	}
}

func (f *fakeSocket) WriteMessage(data []byte) error {
	select {
	case <-f.closed:
		return errors.New("socket closed")
	case f.out <- data:
		return nil
	}
}

func (f *fakeSocket) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) expectFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-f.out:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outgoing frame")
		return nil
	}
}

func frameType(t *testing.T, frame []byte) uint64 {
	t.Helper()
	msgType, err := protocol.NewDecoder(frame).ReadVarUint()
	require.NoError(t, err)
	return msgType
}

// completeHandshake drains the opening frames and answers the client's
// SyncStep1 the way the server would.
func completeHandshake(t *testing.T, sock *fakeSocket, serverDoc *y.Doc, clientDoc *y.Doc) {
	t.Helper()
	step1 := sock.expectFrame(t)
	require.Equal(t, protocol.MessageSync, frameType(t, step1))
	status := sock.expectFrame(t)
	require.Equal(t, protocol.MessageSyncStatus, frameType(t, status))

	diff, err := serverDoc.EncodeStateAsUpdate(clientDoc.EncodeStateVector())
	require.NoError(t, err)
	sock.in <- protocol.EncodeSyncStep2(diff)
}

func newTestProvider(t *testing.T, doc *y.Doc, dialer Dialer, opts func(*Options)) *Provider {
	t.Helper()
	o := Options{
		URL:    "ws://relay.test/rooms/w1",
		Doc:    doc,
		Dialer: dialer,
	}
	if opts != nil {
		opts(&o)
	}
	p, err := New(o)
	require.NoError(t, err)
	t.Cleanup(p.Destroy)
	return p
}

func waitForStatus(t *testing.T, ch <-chan Status, want Status) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %q", want)
		}
	}
}

func TestConnectRunsHandshakeToConnected(t *testing.T) {
	doc := y.NewDoc("w1")
	serverDoc := y.NewDoc("w1")
	sock := newFakeSocket()
	p := newTestProvider(t, doc, func(ctx context.Context, url string) (Socket, error) {
		return sock, nil
	}, nil)

	statuses := make(chan Status, 16)
	p.OnStatusChange(func(s Status) { statuses <- s })

	p.Connect()
	waitForStatus(t, statuses, StatusHandshaking)
	completeHandshake(t, sock, serverDoc, doc)
	waitForStatus(t, statuses, StatusConnected)
}

func TestServerStep1IsAnsweredWithStep2(t *testing.T) {
	doc := y.NewDoc("w1")
	doc.Transact(nil, func(tx *y.Txn) {
		doc.Map("kv").Set(tx, "theme", []byte(`"dark"`))
	})

	sock := newFakeSocket()
	p := newTestProvider(t, doc, func(ctx context.Context, url string) (Socket, error) {
		return sock, nil
	}, nil)
	p.Connect()

	sock.expectFrame(t) // step1
	sock.expectFrame(t) // sync status

	serverDoc := y.NewDoc("w1")
	sock.in <- protocol.EncodeSyncStep1(serverDoc.EncodeStateVector())

	reply := sock.expectFrame(t)
	dec := protocol.NewDecoder(reply)
	msgType, err := dec.ReadVarUint()
	require.NoError(t, err)
	require.Equal(t, protocol.MessageSync, msgType)
	subType, _, err := protocol.ReadSyncMessage(dec, serverDoc, "server")
	require.NoError(t, err)
	require.Equal(t, protocol.SyncStep2, subType)

	v, ok := serverDoc.Map("kv").Get("theme")
	require.True(t, ok)
	assert.JSONEq(t, `"dark"`, string(v))
}

func TestAckDrivesDirtyBitTransitions(t *testing.T) {
	doc := y.NewDoc("w1")
	serverDoc := y.NewDoc("w1")
	sock := newFakeSocket()
	p := newTestProvider(t, doc, func(ctx context.Context, url string) (Socket, error) {
		return sock, nil
	}, nil)

	transitions := make(chan bool, 16)
	p.OnLocalChanges(func(dirty bool) { transitions <- dirty })

	statuses := make(chan Status, 16)
	p.OnStatusChange(func(s Status) { statuses <- s })

	p.Connect()
	completeHandshake(t, sock, serverDoc, doc)
	waitForStatus(t, statuses, StatusConnected)
	require.False(t, p.HasLocalChanges())

	doc.Transact(nil, func(tx *y.Txn) {
		doc.Map("kv").Set(tx, "k", []byte(`1`))
	})

	select {
	case dirty := <-transitions:
		assert.True(t, dirty)
	case <-time.After(2 * time.Second):
		t.Fatal("dirty transition not observed")
	}
	require.True(t, p.HasLocalChanges())

	// The local edit goes out as an update frame; the server responds by
	// echoing the version it has seen.
	update := sock.expectFrame(t)
	require.Equal(t, protocol.MessageSync, frameType(t, update))
	sock.in <- protocol.EncodeSyncStatus(1)

	select {
	case dirty := <-transitions:
		assert.False(t, dirty)
	case <-time.After(2 * time.Second):
		t.Fatal("clean transition not observed")
	}
	assert.False(t, p.HasLocalChanges())
}

func TestStaleAckDoesNotClearDirtyBit(t *testing.T) {
	doc := y.NewDoc("w1")
	serverDoc := y.NewDoc("w1")
	sock := newFakeSocket()
	p := newTestProvider(t, doc, func(ctx context.Context, url string) (Socket, error) {
		return sock, nil
	}, nil)

	statuses := make(chan Status, 16)
	p.OnStatusChange(func(s Status) { statuses <- s })
	p.Connect()
	completeHandshake(t, sock, serverDoc, doc)
	waitForStatus(t, statuses, StatusConnected)

	doc.Transact(nil, func(tx *y.Txn) {
		doc.Map("kv").Set(tx, "a", []byte(`1`))
	})
	sock.expectFrame(t)
	doc.Transact(nil, func(tx *y.Txn) {
		doc.Map("kv").Set(tx, "b", []byte(`2`))
	})
	sock.expectFrame(t)

	// Ack of the first version only: still dirty.
	sock.in <- protocol.EncodeSyncStatus(1)
	require.Eventually(t, p.HasLocalChanges, time.Second, 10*time.Millisecond)

	sock.in <- protocol.EncodeSyncStatus(2)
	require.Eventually(t, func() bool { return !p.HasLocalChanges() }, time.Second, 10*time.Millisecond)
}

func TestRemoteUpdatesAreNotLocalChanges(t *testing.T) {
	doc := y.NewDoc("w1")
	serverDoc := y.NewDoc("w1")
	sock := newFakeSocket()
	p := newTestProvider(t, doc, func(ctx context.Context, url string) (Socket, error) {
		return sock, nil
	}, nil)

	statuses := make(chan Status, 16)
	p.OnStatusChange(func(s Status) { statuses <- s })
	p.Connect()
	completeHandshake(t, sock, serverDoc, doc)
	waitForStatus(t, statuses, StatusConnected)

	serverDoc.Transact(nil, func(tx *y.Txn) {
		serverDoc.Map("kv").Set(tx, "remote", []byte(`true`))
	})
	diff, err := serverDoc.EncodeStateAsUpdate(doc.EncodeStateVector())
	require.NoError(t, err)
	sock.in <- protocol.EncodeSyncUpdate(diff)

	require.Eventually(t, func() bool {
		_, ok := doc.Map("kv").Get("remote")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, p.HasLocalChanges())
}

func TestFailedOpensBackOffAndRefreshToken(t *testing.T) {
	doc := y.NewDoc("w1")

	var mu sync.Mutex
	tokenCalls := 0
	dials := 0

	dialer := func(ctx context.Context, url string) (Socket, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("connection refused")
	}

	p := newTestProvider(t, doc, dialer, func(o *Options) {
		o.GetToken = func(ctx context.Context) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			tokenCalls++
			return "token", nil
		}
	})

	sawError := false
	p.OnStatusChange(func(s Status) {
		if s == StatusError {
			mu.Lock()
			sawError = true
			mu.Unlock()
		}
	})

	p.Connect()

	// Skip the backoff sleeps so the retry schedule runs fast.
	stopWake := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopWake:
				return
			case <-ticker.C:
				p.NotifyNetwork(true)
			}
		}
	}()
	defer close(stopWake)

	// After three failed attempts with the first token, the cache is
	// invalidated and the token source is asked again.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return tokenCalls >= 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.GreaterOrEqual(t, dials, 3)
	assert.True(t, sawError)
	mu.Unlock()
}

func TestConnectIsIdempotent(t *testing.T) {
	doc := y.NewDoc("w1")

	var mu sync.Mutex
	dials := 0
	sock := newFakeSocket()
	dialer := func(ctx context.Context, url string) (Socket, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return sock, nil
	}

	p := newTestProvider(t, doc, dialer, nil)
	p.Connect()
	p.Connect()
	p.Connect()

	sock.expectFrame(t)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, dials)
	mu.Unlock()
}

func TestDisconnectIsSynchronouslyOffline(t *testing.T) {
	doc := y.NewDoc("w1")
	serverDoc := y.NewDoc("w1")
	sock := newFakeSocket()
	p := newTestProvider(t, doc, func(ctx context.Context, url string) (Socket, error) {
		return sock, nil
	}, nil)

	statuses := make(chan Status, 16)
	p.OnStatusChange(func(s Status) { statuses <- s })
	p.Connect()
	completeHandshake(t, sock, serverDoc, doc)
	waitForStatus(t, statuses, StatusConnected)

	p.Disconnect()
	assert.Equal(t, StatusOffline, p.Status())

	select {
	case <-sock.closed:
	case <-time.After(time.Second):
		t.Fatal("socket not closed on disconnect")
	}
}

func TestDestroyRemovesOwnAwareness(t *testing.T) {
	doc := y.NewDoc("w1")
	sock := newFakeSocket()
	p := newTestProvider(t, doc, func(ctx context.Context, url string) (Socket, error) {
		return sock, nil
	}, nil)

	require.NoError(t, p.Awareness().SetLocalState(map[string]any{"name": "ada"}, nil))
	require.NotNil(t, p.Awareness().LocalState())

	p.Destroy()
	assert.Nil(t, p.Awareness().LocalState())
}

func TestQueryAwarenessIsAnsweredWithSnapshot(t *testing.T) {
	doc := y.NewDoc("w1")
	serverDoc := y.NewDoc("w1")
	sock := newFakeSocket()
	p := newTestProvider(t, doc, func(ctx context.Context, url string) (Socket, error) {
		return sock, nil
	}, nil)

	require.NoError(t, p.Awareness().SetLocalState(map[string]any{"name": "ada"}, nil))

	statuses := make(chan Status, 16)
	p.OnStatusChange(func(s Status) { statuses <- s })
	p.Connect()

	sock.expectFrame(t) // step1
	sock.expectFrame(t) // sync status
	sock.expectFrame(t) // presence announced on open
	diff, err := serverDoc.EncodeStateAsUpdate(doc.EncodeStateVector())
	require.NoError(t, err)
	sock.in <- protocol.EncodeSyncStep2(diff)
	waitForStatus(t, statuses, StatusConnected)

	sock.in <- protocol.EncodeQueryAwareness()
	reply := sock.expectFrame(t)
	require.Equal(t, protocol.MessageAwareness, frameType(t, reply))
}

func TestHeartbeatProbesButNeverKillsSilentServerWithoutStatusEcho(t *testing.T) {
	doc := y.NewDoc("w1")
	serverDoc := y.NewDoc("w1")
	sock := newFakeSocket()
	p := newTestProvider(t, doc, func(ctx context.Context, url string) (Socket, error) {
		return sock, nil
	}, func(o *Options) {
		o.HeartbeatIdle = 20 * time.Millisecond
		o.HeartbeatTimeout = 25 * time.Millisecond
	})

	statuses := make(chan Status, 16)
	p.OnStatusChange(func(s Status) { statuses <- s })
	p.Connect()
	completeHandshake(t, sock, serverDoc, doc)
	waitForStatus(t, statuses, StatusConnected)

	// The server never echoes SYNC_STATUS, so the kill timeout must stay
	// disarmed. Several idle intervals produce probes and nothing else.
	probes := 0
	deadline := time.After(200 * time.Millisecond)
	for probes < 3 {
		select {
		case frame := <-sock.out:
			if frameType(t, frame) == protocol.MessageSyncStatus {
				probes++
			}
		case <-sock.closed:
			t.Fatal("socket closed against a server without the status extension")
		case <-deadline:
			t.Fatalf("expected at least 3 probes, got %d", probes)
		}
	}
	assert.Equal(t, StatusConnected, p.Status())
}

func TestHeartbeatTimeoutClosesArmedConnectionAndRedials(t *testing.T) {
	doc := y.NewDoc("w1")
	serverDoc := y.NewDoc("w1")

	var mu sync.Mutex
	dials := 0
	first := newFakeSocket()
	dialer := func(ctx context.Context, url string) (Socket, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return first, nil
		}
		return newFakeSocket(), nil
	}

	p := newTestProvider(t, doc, dialer, func(o *Options) {
		o.HeartbeatIdle = 20 * time.Millisecond
		o.HeartbeatTimeout = 30 * time.Millisecond
	})

	statuses := make(chan Status, 16)
	p.OnStatusChange(func(s Status) { statuses <- s })
	p.Connect()
	completeHandshake(t, first, serverDoc, doc)
	waitForStatus(t, statuses, StatusConnected)

	// One echo arms the kill timeout; then the server goes silent.
	first.in <- protocol.EncodeSyncStatus(0)

	select {
	case <-first.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("armed heartbeat did not close the silent socket")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectAfterDisconnectReconnects(t *testing.T) {
	doc := y.NewDoc("w1")
	serverDoc := y.NewDoc("w1")

	var mu sync.Mutex
	dials := 0
	socks := make(chan *fakeSocket, 4)
	dialer := func(ctx context.Context, url string) (Socket, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		s := newFakeSocket()
		socks <- s
		return s, nil
	}

	p := newTestProvider(t, doc, dialer, nil)

	statuses := make(chan Status, 16)
	p.OnStatusChange(func(s Status) { statuses <- s })

	p.Connect()
	first := <-socks
	completeHandshake(t, first, serverDoc, doc)
	waitForStatus(t, statuses, StatusConnected)

	p.Disconnect()
	require.Equal(t, StatusOffline, p.Status())

	// Disconnect stops reconnection attempts; a later Connect resumes.
	p.Connect()
	var second *fakeSocket
	select {
	case second = <-socks:
	case <-time.After(2 * time.Second):
		t.Fatal("Connect after Disconnect never dialed")
	}
	completeHandshake(t, second, serverDoc, doc)
	waitForStatus(t, statuses, StatusConnected)

	mu.Lock()
	assert.Equal(t, 2, dials)
	mu.Unlock()
}
