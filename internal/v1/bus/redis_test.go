package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, mr
}

func TestNewServiceConnects(t *testing.T) {
	svc, _ := newTestService(t)
	assert.NotNil(t, svc.Client())
	assert.NotEmpty(t, svc.InstanceID())
}

func TestNewServiceFailsWhenRedisUnreachable(t *testing.T) {
	_, err := NewService("127.0.0.1:1", "")
	assert.Error(t, err)
}

func TestPublishReachesOtherInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	defer b.Close()

	require.NotEqual(t, a.InstanceID(), b.InstanceID())

	frames := make(chan []byte, 1)
	unsubscribe := b.Subscribe(context.Background(), "room-1", func(frame []byte) {
		frames <- frame
	})
	defer unsubscribe()

	// Give the subscriber a moment to register.
	time.Sleep(50 * time.Millisecond)

	payload := []byte{0x00, 0x02, 0x01, 0xff}
	require.NoError(t, a.Publish(context.Background(), "room-1", payload))

	select {
	case frame := <-frames:
		assert.Equal(t, payload, frame)
	case <-time.After(2 * time.Second):
		t.Fatal("frame never arrived at the other instance")
	}
}

func TestOwnPublishIsSuppressed(t *testing.T) {
	svc, _ := newTestService(t)

	frames := make(chan []byte, 1)
	unsubscribe := svc.Subscribe(context.Background(), "room-1", func(frame []byte) {
		frames <- frame
	})
	defer unsubscribe()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, svc.Publish(context.Background(), "room-1", []byte{0x01}))

	select {
	case <-frames:
		t.Fatal("instance received its own publish")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscribeScopedToRoom(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	defer b.Close()

	frames := make(chan []byte, 1)
	unsubscribe := b.Subscribe(context.Background(), "room-1", func(frame []byte) {
		frames <- frame
	})
	defer unsubscribe()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, a.Publish(context.Background(), "room-2", []byte{0x01}))

	select {
	case <-frames:
		t.Fatal("received a frame for a different room")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUnsubscribeStopsListener(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	defer b.Close()

	frames := make(chan []byte, 1)
	unsubscribe := b.Subscribe(context.Background(), "room-1", func(frame []byte) {
		frames <- frame
	})
	time.Sleep(50 * time.Millisecond)
	unsubscribe()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, a.Publish(context.Background(), "room-1", []byte{0x01}))

	select {
	case <-frames:
		t.Fatal("received a frame after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNilServiceIsSingleInstanceMode(t *testing.T) {
	var svc *Service

	assert.NoError(t, svc.Publish(context.Background(), "room-1", []byte{0x01}))
	unsubscribe := svc.Subscribe(context.Background(), "room-1", func([]byte) {})
	unsubscribe()
	assert.NoError(t, svc.Ping(context.Background()))
	assert.NoError(t, svc.Close())
	assert.Nil(t, svc.Client())
	assert.Empty(t, svc.InstanceID())
}

func TestPing(t *testing.T) {
	svc, mr := newTestService(t)
	assert.NoError(t, svc.Ping(context.Background()))

	mr.Close()
	assert.Error(t, svc.Ping(context.Background()))
}
