package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSender records wire frames and lets tests drive state transitions and
// inbound events, standing in for the ConnectionManager.
type fakeSender struct {
	mu      sync.Mutex
	state   ConnectionState
	frames  []Frame
	onFrame FrameHandler
	hooks   []func(ConnectionState)
}

func newFakeSender(state ConnectionState) *fakeSender {
	return &fakeSender{state: state}
}

func (f *fakeSender) SendFrame(fr Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateConnected {
		return ErrNotConnected
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSender) State() ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSender) OnStateChange(fn func(ConnectionState)) {
	f.mu.Lock()
	f.hooks = append(f.hooks, fn)
	f.mu.Unlock()
}

func (f *fakeSender) OnFrame(h FrameHandler) {
	f.mu.Lock()
	f.onFrame = h
	f.mu.Unlock()
}

func (f *fakeSender) setState(st ConnectionState) {
	f.mu.Lock()
	f.state = st
	hooks := append([]func(ConnectionState){}, f.hooks...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(st)
	}
}

func (f *fakeSender) emit(topic string, payload string) {
	f.mu.Lock()
	h := f.onFrame
	f.mu.Unlock()
	if h != nil {
		h(topic, json.RawMessage(payload))
	}
}

func (f *fakeSender) sent() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Frame(nil), f.frames...)
}

func (f *fakeSender) sentOfType(ft FrameType) []Frame {
	var out []Frame
	for _, fr := range f.sent() {
		if fr.Type == ft {
			out = append(out, fr)
		}
	}
	return out
}

func newTestRegistry(t *testing.T, sender *fakeSender) *SubscriptionRegistry {
	t.Helper()
	r, err := NewSubscriptionRegistry(context.Background(), sender)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRegistry_Validation(t *testing.T) {
	_, err := NewSubscriptionRegistry(nil, newFakeSender(StateConnected))
	require.ErrorContains(t, err, "context is nil")

	_, err = NewSubscriptionRegistry(context.Background(), nil)
	require.ErrorContains(t, err, "sender is nil")

	r := newTestRegistry(t, newFakeSender(StateConnected))
	_, err = r.Subscribe("", func([]byte) {})
	require.ErrorContains(t, err, "topic is empty")
	_, err = r.Subscribe("t", nil)
	require.ErrorContains(t, err, "handler is nil")
}

func TestRegistry_DeduplicatesWireSubscriptions(t *testing.T) {
	sender := newFakeSender(StateConnected)
	r := newTestRegistry(t, sender)

	sub1, err := r.Subscribe("notifications.u1", func([]byte) {})
	require.NoError(t, err)
	sub2, err := r.Subscribe("notifications.u1", func([]byte) {})
	require.NoError(t, err)

	require.Len(t, sender.sentOfType(FrameSubscribe), 1, "one wire subscription for two call sites")
	require.Equal(t, 2, r.Refs("notifications.u1"))

	sub1.Close()
	require.Equal(t, 1, r.Refs("notifications.u1"))
	require.Empty(t, sender.sentOfType(FrameUnsubscribe), "topic stays wired while referenced")

	sub2.Close()
	require.Equal(t, 0, r.Refs("notifications.u1"))
	require.Len(t, sender.sentOfType(FrameUnsubscribe), 1)

	// closing a handle twice releases only one reference
	sub2.Close()
	require.Len(t, sender.sentOfType(FrameUnsubscribe), 1)
}

func TestRegistry_QueuesSubscribeUntilConnected(t *testing.T) {
	sender := newFakeSender(StateDisconnected)
	r := newTestRegistry(t, sender)

	_, err := r.Subscribe("presence.broadcast", func([]byte) {})
	require.NoError(t, err)
	require.Empty(t, sender.sent(), "nothing goes on the wire while disconnected")

	sender.setState(StateConnected)
	require.Len(t, sender.sentOfType(FrameSubscribe), 1, "queued subscribe flushed on CONNECTED")
}

func TestRegistry_ResubscribesAfterReconnect(t *testing.T) {
	sender := newFakeSender(StateConnected)
	r := newTestRegistry(t, sender)

	_, err := r.Subscribe("presence.broadcast", func([]byte) {})
	require.NoError(t, err)
	sub, err := r.Subscribe("chat.group.g1", func([]byte) {})
	require.NoError(t, err)
	require.Len(t, sender.sentOfType(FrameSubscribe), 2)

	// view unmounts before the drop; its topic must not come back
	sub.Close()

	sender.setState(StateConnecting)
	sender.setState(StateConnected)

	subscribes := sender.sentOfType(FrameSubscribe)
	require.Len(t, subscribes, 3)
	require.Equal(t, "presence.broadcast", subscribes[2].Topic)
}

func TestRegistry_DispatchReachesEveryHandler(t *testing.T) {
	sender := newFakeSender(StateConnected)
	r := newTestRegistry(t, sender)

	var mu sync.Mutex
	var got []string
	record := func(tag string) func([]byte) {
		return func(payload []byte) {
			mu.Lock()
			got = append(got, tag+":"+string(payload))
			mu.Unlock()
		}
	}
	_, err := r.Subscribe("notifications.u1", record("a"))
	require.NoError(t, err)
	_, err = r.Subscribe("notifications.u1", record("b"))
	require.NoError(t, err)

	sender.emit("notifications.u1", `{"id":1}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	require.ElementsMatch(t, []string{`a:{"id":1}`, `b:{"id":1}`}, got)
	mu.Unlock()
}

func TestRegistry_EventsForUnreferencedTopicsAreDropped(t *testing.T) {
	sender := newFakeSender(StateConnected)
	r := newTestRegistry(t, sender)

	var mu sync.Mutex
	count := 0
	_, err := r.Subscribe("chat.group.g1", func([]byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	sender.emit("chat.group.other", `{}`)
	sender.emit("chat.group.g1", `{}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 2*time.Second, 10*time.Millisecond)
}
