// Package provider implements the client side of the sync protocol: one
// logical connection per workspace, supervised by a single goroutine that
// owns the status machine, with token refresh, exponential backoff, a
// heartbeat probe, and a dirty bit derived from server acks.
package provider

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/logging"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/protocol"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/y"
)

// Status is the provider's observable connection state. Transitions are
// produced only by the supervisor loop (plus the synchronous offline on
// Disconnect); listeners never see the same value twice in a row.
type Status string

const (
	StatusOffline     Status = "offline"
	StatusConnecting  Status = "connecting"
	StatusHandshaking Status = "handshaking"
	StatusConnected   Status = "connected"
	StatusError       Status = "error"
)

const (
	// retriesBeforeTokenRefresh is how many failed attempts are made with
	// one token before the cache is invalidated and the token source is
	// asked again.
	retriesBeforeTokenRefresh = 3

	// heartbeatIdle is how long the socket may stay silent before the
	// provider probes it with a SYNC_STATUS frame.
	heartbeatIdle = 2 * time.Second

	// heartbeatTimeout is how long after a probe the provider waits for
	// any inbound frame before declaring the connection dead. Only armed
	// once the server has echoed at least one SYNC_STATUS.
	heartbeatTimeout = 3 * time.Second

	backoffBase = 500 * time.Millisecond
)

// Socket is a message-oriented connection. Implemented by the gorilla
// adapter in production and by scripted fakes in tests.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Socket to the given URL.
type Dialer func(ctx context.Context, rawURL string) (Socket, error)

// Options configures a Provider.
type Options struct {
	// URL is the full WebSocket URL of the room, e.g.
	// wss://sync.example.com/rooms/my-workspace.
	URL string

	// Doc is the document to keep in sync. Required.
	Doc *y.Doc

	// Awareness carries this client's presence. Created on demand when
	// nil.
	Awareness *y.Awareness

	// Token is a static bearer token. Ignored when GetToken is set.
	Token string

	// GetToken fetches a token before each connection round. The result
	// is cached until retriesBeforeTokenRefresh attempts have failed.
	GetToken func(ctx context.Context) (string, error)

	// Dialer overrides the transport. Defaults to a gorilla/websocket
	// dialer.
	Dialer Dialer

	// HeartbeatIdle overrides how long the socket may stay silent before
	// a status probe is sent. Zero keeps the default.
	HeartbeatIdle time.Duration

	// HeartbeatTimeout overrides how long after a probe the connection is
	// kept before being declared dead. Zero keeps the default.
	HeartbeatTimeout time.Duration
}

// Provider maintains one logical connection for a document. All exported
// methods are safe for concurrent use.
type Provider struct {
	url       string
	doc       *y.Doc
	awareness *y.Awareness
	dialer    Dialer
	hbIdle    time.Duration
	hbTimeout time.Duration

	staticToken string
	getToken    func(ctx context.Context) (string, error)

	mu              sync.Mutex
	status          Status
	statusListeners map[int]func(Status)
	changeListeners map[int]func(bool)
	nextListenerID  int

	desired   bool
	running   bool
	runID     uint64
	destroyed bool

	localVersion uint64
	ackedVersion int64
	hasLocal     bool

	cachedToken string
	tokenCached bool

	sock        *socketWriter
	supports102 bool

	wake chan struct{}

	unsubDoc       func()
	unsubAwareness func()
}

// New creates a Provider for the given document. It does not connect;
// call Connect.
func New(opts Options) (*Provider, error) {
	if opts.Doc == nil {
		return nil, fmt.Errorf("provider: Doc is required")
	}
	if _, err := url.Parse(opts.URL); err != nil || opts.URL == "" {
		return nil, fmt.Errorf("provider: invalid URL %q", opts.URL)
	}

	aw := opts.Awareness
	if aw == nil {
		aw = y.NewAwareness(opts.Doc.ClientID())
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = gorillaDialer
	}
	hbIdle := opts.HeartbeatIdle
	if hbIdle <= 0 {
		hbIdle = heartbeatIdle
	}
	hbTimeout := opts.HeartbeatTimeout
	if hbTimeout <= 0 {
		hbTimeout = heartbeatTimeout
	}

	p := &Provider{
		url:             opts.URL,
		doc:             opts.Doc,
		awareness:       aw,
		dialer:          dialer,
		hbIdle:          hbIdle,
		hbTimeout:       hbTimeout,
		staticToken:     opts.Token,
		getToken:        opts.GetToken,
		status:          StatusOffline,
		statusListeners: make(map[int]func(Status)),
		changeListeners: make(map[int]func(bool)),
		ackedVersion:    -1,
		wake:            make(chan struct{}, 1),
	}

	// Local edits bump the version and stream out as update frames.
	// Updates the provider itself applied come back with p as origin and
	// must not count as local changes.
	p.unsubDoc = p.doc.OnUpdate(func(update []byte, origin any) {
		if origin == any(p) {
			return
		}
		p.noteLocalUpdate()
		p.sendIfConnected(protocol.EncodeSyncUpdate(update))
	})

	p.unsubAwareness = p.awareness.OnChange(func(change y.AwarenessChange) {
		if change.Origin == any(p) || !touchesClient(change, aw.ClientID()) {
			return
		}
		p.sendIfConnected(protocol.EncodeAwareness(p.awareness.EncodeLocal()))
	})

	return p, nil
}

// RemoteSyncOrigin marks the provider as a remote-update origin, so
// document observers can tell provider-applied updates from local edits.
func (p *Provider) RemoteSyncOrigin() {}

// Doc returns the synced document.
func (p *Provider) Doc() *y.Doc {
	return p.doc
}

// Awareness returns the provider's awareness instance.
func (p *Provider) Awareness() *y.Awareness {
	return p.awareness
}

// Status returns the current connection status.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// HasLocalChanges reports whether local updates are not yet acknowledged
// by the server.
func (p *Provider) HasLocalChanges() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasLocal
}

// OnStatusChange registers a listener for status transitions. Identical
// consecutive values are never delivered. Returns an unsubscribe function.
func (p *Provider) OnStatusChange(listener func(Status)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextListenerID
	p.nextListenerID++
	p.statusListeners[id] = listener
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.statusListeners, id)
	}
}

// OnLocalChanges registers a listener for the dirty bit. It fires only on
// clean-dirty transitions. Returns an unsubscribe function.
func (p *Provider) OnLocalChanges(listener func(bool)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextListenerID
	p.nextListenerID++
	p.changeListeners[id] = listener
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.changeListeners, id)
	}
}

// Connect starts the supervisor loop. Idempotent: if the loop is already
// running this is a no-op.
func (p *Provider) Connect() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.desired = true
	if p.running {
		// A stale loop may still be winding down; its exit handler
		// relaunches when desired is set.
		p.mu.Unlock()
		return
	}
	p.running = true
	runID := p.runID
	p.mu.Unlock()

	go p.supervise(runID)
}

// Disconnect stops reconnection attempts, closes the socket, and sets the
// status to offline synchronously.
func (p *Provider) Disconnect() {
	p.mu.Lock()
	p.desired = false
	p.runID++
	sock := p.sock
	p.sock = nil
	p.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	p.wakeBackoff()
	p.setStatus(StatusOffline)
}

// Destroy disconnects and releases the provider: document and awareness
// handlers are detached, this client's awareness entry is removed, and all
// listeners are dropped.
func (p *Provider) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.mu.Unlock()

	p.Disconnect()
	p.unsubDoc()
	p.unsubAwareness()
	_ = p.awareness.SetLocalState(nil, p)

	p.mu.Lock()
	p.statusListeners = make(map[int]func(Status))
	p.changeListeners = make(map[int]func(bool))
	p.mu.Unlock()
}

// NotifyNetwork tells the provider about a host-reported connectivity
// change. Coming online wakes a sleeping backoff immediately; going
// offline sends a probe so the socket state is tested rather than trusted.
func (p *Provider) NotifyNetwork(online bool) {
	if online {
		p.wakeBackoff()
		return
	}
	p.mu.Lock()
	version := p.localVersion
	p.mu.Unlock()
	p.sendIfConnected(protocol.EncodeSyncStatus(version))
}

// --- supervisor loop ---

func (p *Provider) stale(runID uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runID != runID || !p.desired
}

func (p *Provider) supervise(runID uint64) {
	defer func() {
		p.mu.Lock()
		// Connect called while this run was going stale: hand the loop
		// off to the new run id instead of clearing running, so the
		// Connect guard stays race free.
		if p.desired && !p.destroyed && p.runID != runID {
			next := p.runID
			p.mu.Unlock()
			go p.supervise(next)
			return
		}
		p.running = false
		p.mu.Unlock()
	}()

	retries := 0
	for !p.stale(runID) {
		token, err := p.acquireToken()
		if err != nil {
			logging.Warn(context.Background(), "Token acquisition failed", zap.Error(err))
			p.setStatus(StatusError)
			if !p.sleepBackoff(runID, &retries) {
				return
			}
			p.invalidateToken()
			continue
		}

		exhausted := true
		for attempt := 0; attempt < retriesBeforeTokenRefresh; attempt++ {
			if p.stale(runID) {
				return
			}
			p.setStatus(StatusConnecting)

			connected, err := p.runAttempt(runID, token)
			if connected {
				// The session completed a handshake and ran until the
				// socket closed. Start over with a fresh retry budget
				// and a fresh token round.
				retries = 0
				exhausted = false
				break
			}
			if err != nil {
				logging.Debug(context.Background(), "Connection attempt failed", zap.Error(err))
			}
			if p.stale(runID) {
				return
			}
			p.setStatus(StatusError)
			if !p.sleepBackoff(runID, &retries) {
				return
			}
		}
		if exhausted {
			p.invalidateToken()
		}
	}
}

// runAttempt dials once and, if the handshake completes, serves the
// connection until it closes. It reports whether the handshake succeeded.
func (p *Provider) runAttempt(runID uint64, token string) (bool, error) {
	dialURL, err := p.buildURL(token)
	if err != nil {
		return false, err
	}

	raw, err := p.dialer(context.Background(), dialURL)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	sock := &socketWriter{conn: raw}

	p.mu.Lock()
	if p.runID != runID || !p.desired {
		p.mu.Unlock()
		_ = sock.Close()
		return false, nil
	}
	p.sock = sock
	p.supports102 = false
	version := p.localVersion
	p.mu.Unlock()

	p.setStatus(StatusHandshaking)

	// Opening sequence: our state vector, an initial status probe, and
	// our presence if set.
	_ = sock.WriteMessage(protocol.EncodeSyncStep1(p.doc.EncodeStateVector()))
	_ = sock.WriteMessage(protocol.EncodeSyncStatus(version))
	if p.awareness.LocalState() != nil {
		_ = sock.WriteMessage(protocol.EncodeAwareness(p.awareness.EncodeLocal()))
	}

	connected := p.serve(runID, sock)

	p.mu.Lock()
	if p.sock == sock {
		p.sock = nil
	}
	p.mu.Unlock()
	_ = sock.Close()

	if !connected {
		return false, fmt.Errorf("socket closed before handshake completed")
	}
	return true, nil
}

// serve reads frames until the socket closes. It returns whether the
// handshake (inbound SyncStep2) was observed.
func (p *Provider) serve(runID uint64, sock *socketWriter) bool {
	activity := make(chan struct{}, 1)
	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go p.heartbeat(hbCtx, sock, activity)

	handshaken := false
	for {
		data, err := sock.conn.ReadMessage()
		if err != nil {
			return handshaken
		}
		select {
		case activity <- struct{}{}:
		default:
		}

		if done, err := p.handleFrame(sock, data); err != nil {
			logging.Warn(context.Background(), "Dropping malformed server frame", zap.Error(err))
		} else if done && !handshaken {
			handshaken = true
			if !p.stale(runID) {
				p.setStatus(StatusConnected)
			}
		}
	}
}

// handleFrame processes one inbound frame and reports whether it completed
// the sync handshake.
func (p *Provider) handleFrame(sock *socketWriter, data []byte) (bool, error) {
	dec := protocol.NewDecoder(data)
	msgType, err := dec.ReadVarUint()
	if err != nil {
		return false, fmt.Errorf("frame type: %w", err)
	}

	switch msgType {
	case protocol.MessageSync:
		subType, reply, err := protocol.ReadSyncMessage(dec, p.doc, p)
		if err != nil {
			return false, err
		}
		if reply != nil {
			_ = sock.WriteMessage(reply)
		}
		return subType == protocol.SyncStep2, nil

	case protocol.MessageAwareness:
		update, err := dec.ReadVarBytes()
		if err != nil {
			return false, err
		}
		return false, p.awareness.ApplyUpdate(update, p)

	case protocol.MessageQueryAwareness:
		_ = sock.WriteMessage(protocol.EncodeAwareness(p.awareness.Encode(nil)))
		return false, nil

	case protocol.MessageSyncStatus:
		version, err := protocol.DecodeSyncStatus(dec)
		if err != nil {
			return false, err
		}
		p.noteAck(int64(version))
		return false, nil

	default:
		return false, nil
	}
}

// heartbeat probes a silent connection. Probes are sent after hbIdle of
// inbound silence; the kill timeout arms only once the server has echoed
// a SYNC_STATUS, so servers without the extension are never killed for
// staying quiet.
func (p *Provider) heartbeat(ctx context.Context, sock *socketWriter, activity <-chan struct{}) {
	idle := time.NewTimer(p.hbIdle)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-activity:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.hbIdle)
		case <-idle.C:
			p.mu.Lock()
			version := p.localVersion
			armed := p.supports102
			p.mu.Unlock()

			_ = sock.WriteMessage(protocol.EncodeSyncStatus(version))
			if !armed {
				idle.Reset(p.hbIdle)
				continue
			}

			kill := time.NewTimer(p.hbTimeout)
			select {
			case <-ctx.Done():
				kill.Stop()
				return
			case <-activity:
				kill.Stop()
				idle.Reset(p.hbIdle)
			case <-kill.C:
				logging.Warn(context.Background(), "Heartbeat timeout, closing socket")
				_ = sock.Close()
				return
			}
		}
	}
}

// --- token handling ---

func (p *Provider) acquireToken() (string, error) {
	if p.getToken == nil {
		return p.staticToken, nil
	}

	p.mu.Lock()
	if p.tokenCached {
		token := p.cachedToken
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	token, err := p.getToken(context.Background())
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.cachedToken = token
	p.tokenCached = true
	p.mu.Unlock()
	return token, nil
}

func (p *Provider) invalidateToken() {
	p.mu.Lock()
	p.tokenCached = false
	p.cachedToken = ""
	p.mu.Unlock()
}

func (p *Provider) buildURL(token string) (string, error) {
	u, err := url.Parse(p.url)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// --- backoff ---

// backoffDelay is 500ms scaled by min(10, 1.1^retries), capping at 5s.
func backoffDelay(retries int) time.Duration {
	factor := math.Min(10, math.Pow(1.1, float64(retries)))
	return time.Duration(float64(backoffBase) * factor)
}

// sleepBackoff sleeps the current backoff delay, waking early on a wake
// signal. It reports false when the run went stale.
func (p *Provider) sleepBackoff(runID uint64, retries *int) bool {
	delay := backoffDelay(*retries)
	*retries++

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.wake:
	}
	return !p.stale(runID)
}

func (p *Provider) wakeBackoff() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// --- status and versions ---

func (p *Provider) setStatus(s Status) {
	p.mu.Lock()
	if p.status == s {
		p.mu.Unlock()
		return
	}
	p.status = s
	listeners := make([]func(Status), 0, len(p.statusListeners))
	for _, l := range p.statusListeners {
		listeners = append(listeners, l)
	}
	p.mu.Unlock()

	for _, l := range listeners {
		l(s)
	}
}

// noteLocalUpdate bumps localVersion and fires the dirty transition if the
// bit flips.
func (p *Provider) noteLocalUpdate() {
	p.mu.Lock()
	p.localVersion++
	fire, listeners := p.recomputeDirtyLocked()
	p.mu.Unlock()

	if fire {
		for _, l := range listeners {
			l(true)
		}
	}
}

// noteAck merges an acked version (monotonic) and latches 102 support.
func (p *Provider) noteAck(version int64) {
	p.mu.Lock()
	p.supports102 = true
	if version > p.ackedVersion {
		p.ackedVersion = version
	}
	fire, listeners := p.recomputeDirtyLocked()
	dirty := p.hasLocal
	p.mu.Unlock()

	if fire {
		for _, l := range listeners {
			l(dirty)
		}
	}
}

// recomputeDirtyLocked updates hasLocal and reports whether it flipped.
// Caller holds p.mu.
func (p *Provider) recomputeDirtyLocked() (bool, []func(bool)) {
	dirty := int64(p.localVersion) != p.ackedVersion
	if dirty == p.hasLocal {
		return false, nil
	}
	p.hasLocal = dirty
	listeners := make([]func(bool), 0, len(p.changeListeners))
	for _, l := range p.changeListeners {
		listeners = append(listeners, l)
	}
	return true, listeners
}

// touchesClient reports whether a change added, updated or removed the
// given client.
func touchesClient(change y.AwarenessChange, client uint64) bool {
	for _, set := range [][]uint64{change.Added, change.Updated, change.Removed} {
		for _, id := range set {
			if id == client {
				return true
			}
		}
	}
	return false
}

func (p *Provider) sendIfConnected(frame []byte) {
	p.mu.Lock()
	sock := p.sock
	p.mu.Unlock()
	if sock != nil {
		_ = sock.WriteMessage(frame)
	}
}
