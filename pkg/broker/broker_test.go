package broker_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/grillo/pkg/broker"
	"github.com/go-go-golems/grillo/pkg/realtime"
)

// wireClient is a bare websocket client speaking the frame protocol, used to
// exercise the broker without going through the client-side stack.
type wireClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialBroker(t *testing.T, srv *httptest.Server, identity realtime.Identity, token string) (*wireClient, realtime.Frame) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	c := &wireClient{t: t, conn: conn}
	t.Cleanup(func() { _ = conn.Close() })

	payload, err := json.Marshal(map[string]string{"identity": string(identity), "token": token})
	require.NoError(t, err)
	c.send(realtime.Frame{Type: realtime.FrameConnect, Payload: payload})
	return c, c.read()
}

func (c *wireClient) send(f realtime.Frame) {
	data, err := realtime.EncodeFrame(f)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *wireClient) read() realtime.Frame {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	f, err := realtime.DecodeFrame(data)
	require.NoError(c.t, err)
	return f
}

// readEventOn skips frames until an event for topic arrives. Presence
// broadcasts interleave with test traffic, so point reads filter by topic.
func (c *wireClient) readEventOn(topic string) realtime.Frame {
	for {
		f := c.read()
		if f.Type == realtime.FrameEvent && f.Topic == topic {
			return f
		}
	}
}

func newTestBroker(t *testing.T, cfg broker.Config) (*broker.Broker, *httptest.Server) {
	t.Helper()
	b := broker.New(cfg)
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)
	return b, srv
}

func TestBroker_HandshakeAcceptsAndTracksPresence(t *testing.T) {
	b, srv := newTestBroker(t, broker.Config{})

	_, ack := dialBroker(t, srv, "alice@demo", "tok")
	require.Equal(t, realtime.FrameConnected, ack.Type)
	require.Eventually(t, func() bool {
		return len(b.OnlineIdentities()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []realtime.Identity{"alice@demo"}, b.OnlineIdentities())
}

func TestBroker_HandshakeRejectsBadCredentials(t *testing.T) {
	_, srv := newTestBroker(t, broker.Config{
		Authenticate: func(cred realtime.Credential) error {
			if cred.Token != "good" {
				return errors.New("invalid token")
			}
			return nil
		},
	})

	_, ack := dialBroker(t, srv, "alice@demo", "bad")
	require.Equal(t, realtime.FrameError, ack.Type)
	require.Equal(t, "invalid token", ack.Error)

	_, ack = dialBroker(t, srv, "alice@demo", "good")
	require.Equal(t, realtime.FrameConnected, ack.Type)
}

func TestBroker_PublishReachesOnlySubscribers(t *testing.T) {
	b, srv := newTestBroker(t, broker.Config{})

	alice, _ := dialBroker(t, srv, "alice@demo", "")
	bob, _ := dialBroker(t, srv, "bob@demo", "")

	alice.send(realtime.Frame{Type: realtime.FrameSubscribe, Topic: "chat.group.g1"})
	bob.send(realtime.Frame{Type: realtime.FrameSubscribe, Topic: "chat.group.g2"})
	require.Eventually(t, func() bool {
		return b.SubscriberCount("chat.group.g1") == 1 && b.SubscriberCount("chat.group.g2") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Publish("chat.group.g1", map[string]string{"body": "for g1"}))
	require.NoError(t, b.Publish("chat.group.g2", map[string]string{"body": "for g2"}))

	got := alice.readEventOn("chat.group.g1")
	require.JSONEq(t, `{"body":"for g1"}`, string(got.Payload))
	got = bob.readEventOn("chat.group.g2")
	require.JSONEq(t, `{"body":"for g2"}`, string(got.Payload))
}

func TestBroker_UnsubscribeStopsDelivery(t *testing.T) {
	b, srv := newTestBroker(t, broker.Config{})

	alice, _ := dialBroker(t, srv, "alice@demo", "")
	alice.send(realtime.Frame{Type: realtime.FrameSubscribe, Topic: "notifications.alice"})
	require.Eventually(t, func() bool {
		return b.SubscriberCount("notifications.alice") == 1
	}, 2*time.Second, 10*time.Millisecond)

	alice.send(realtime.Frame{Type: realtime.FrameUnsubscribe, Topic: "notifications.alice"})
	require.Eventually(t, func() bool {
		return b.SubscriberCount("notifications.alice") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroker_PresenceBroadcastOnJoinAndLeave(t *testing.T) {
	b, srv := newTestBroker(t, broker.Config{})

	alice, _ := dialBroker(t, srv, "alice@demo", "")
	alice.send(realtime.Frame{Type: realtime.FrameSubscribe, Topic: realtime.TopicPresence})
	require.Eventually(t, func() bool {
		return b.SubscriberCount(realtime.TopicPresence) == 1
	}, 2*time.Second, 10*time.Millisecond)

	bob, _ := dialBroker(t, srv, "bob@demo", "")
	snap := alice.readEventOn(realtime.TopicPresence)
	require.JSONEq(t, `{"online":["alice@demo","bob@demo"]}`, string(snap.Payload))

	_ = bob.conn.Close()
	snap = alice.readEventOn(realtime.TopicPresence)
	require.JSONEq(t, `{"online":["alice@demo"]}`, string(snap.Payload))
}

func TestBroker_PingAndEventPassthrough(t *testing.T) {
	b, srv := newTestBroker(t, broker.Config{})

	alice, _ := dialBroker(t, srv, "alice@demo", "")
	bob, _ := dialBroker(t, srv, "bob@demo", "")
	bob.send(realtime.Frame{Type: realtime.FrameSubscribe, Topic: "chat.direct.bob@demo"})
	require.Eventually(t, func() bool {
		return b.SubscriberCount("chat.direct.bob@demo") == 1
	}, 2*time.Second, 10*time.Millisecond)

	alice.send(realtime.Frame{Type: realtime.FramePing})
	require.Equal(t, realtime.FramePong, alice.read().Type)

	// a client-published event frame is fanned out like a server publish
	alice.send(realtime.Frame{
		Type:    realtime.FrameEvent,
		Topic:   "chat.direct.bob@demo",
		Payload: json.RawMessage(`{"kind":"typing","sender":"alice@demo"}`),
	})
	got := bob.readEventOn("chat.direct.bob@demo")
	require.JSONEq(t, `{"kind":"typing","sender":"alice@demo"}`, string(got.Payload))
}

func TestBroker_DisconnectedSubscriberIsDropped(t *testing.T) {
	b, srv := newTestBroker(t, broker.Config{})

	alice, _ := dialBroker(t, srv, "alice@demo", "")
	alice.send(realtime.Frame{Type: realtime.FrameSubscribe, Topic: "chat.group.g1"})
	require.Eventually(t, func() bool {
		return b.SubscriberCount("chat.group.g1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	_ = alice.conn.Close()
	require.Eventually(t, func() bool {
		return b.SubscriberCount("chat.group.g1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}
