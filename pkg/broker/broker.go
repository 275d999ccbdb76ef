// Package broker is an in-memory implementation of the wire contract the
// realtime client speaks: one websocket per client, a connect handshake,
// topic subscribe/unsubscribe frames and event frames fanned out per topic.
// It backs the demo CLI and the transport-level tests.
package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/grillo/pkg/realtime"
)

type Config struct {
	// Authenticate validates the handshake credential. Nil accepts everyone.
	Authenticate func(realtime.Credential) error
	// PresenceInterval is the cadence of full presence snapshots.
	PresenceInterval time.Duration
	// HandshakeTimeout bounds the wait for the client's connect frame.
	HandshakeTimeout time.Duration
}

// Broker fans event frames out to topic subscribers and maintains the
// online set for presence snapshots.
type Broker struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu     sync.Mutex
	topics map[string]map[*client]struct{}
	online map[realtime.Identity]int
}

type client struct {
	identity realtime.Identity
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

func (c *client) send(f realtime.Frame) error {
	data, err := realtime.EncodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func New(cfg Config) *Broker {
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = 15 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Broker{
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		topics:   map[string]map[*client]struct{}{},
		online:   map[realtime.Identity]int{},
	}
}

// Run broadcasts presence snapshots until the context is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.PresenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.broadcastPresence()
		}
	}
}

// Publish pushes one event frame to every subscriber of a topic.
func (b *Broker) Publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode event payload")
	}
	b.publishRaw(topic, data)
	return nil
}

func (b *Broker) publishRaw(topic string, payload []byte) {
	f := realtime.Frame{Type: realtime.FrameEvent, Topic: topic, Payload: payload}
	b.mu.Lock()
	subs := make([]*client, 0, len(b.topics[topic]))
	for c := range b.topics[topic] {
		subs = append(subs, c)
	}
	b.mu.Unlock()

	for _, c := range subs {
		if err := c.send(f); err != nil {
			log.Warn().Err(err).Str("component", "broker").Str("topic", topic).Msg("dropping dead subscriber")
			b.dropClient(c)
			_ = c.conn.Close()
		}
	}
}

// OnlineIdentities returns the current online set, sorted.
func (b *Broker) OnlineIdentities() []realtime.Identity {
	b.mu.Lock()
	out := make([]realtime.Identity, 0, len(b.online))
	for id := range b.online {
		out = append(out, id)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type presencePayload struct {
	Online []realtime.Identity `json:"online"`
}

func (b *Broker) broadcastPresence() {
	if err := b.Publish(realtime.TopicPresence, presencePayload{Online: b.OnlineIdentities()}); err != nil {
		log.Warn().Err(err).Str("component", "broker").Msg("presence broadcast failed")
	}
}

// Handler upgrades, authenticates and serves one client connection.
func (b *Broker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		cred, err := b.handshake(conn)
		if err != nil {
			_ = conn.Close()
			return
		}
		c := &client{identity: cred.Identity, conn: conn}

		b.mu.Lock()
		b.online[c.identity]++
		b.mu.Unlock()
		b.broadcastPresence()

		log.Debug().Str("component", "broker").Str("identity", string(c.identity)).Msg("client connected")
		b.readLoop(c)

		b.dropClient(c)
		_ = conn.Close()
		b.mu.Lock()
		b.online[c.identity]--
		if b.online[c.identity] <= 0 {
			delete(b.online, c.identity)
		}
		b.mu.Unlock()
		b.broadcastPresence()
		log.Debug().Str("component", "broker").Str("identity", string(c.identity)).Msg("client disconnected")
	})
}

type credentialPayload struct {
	Identity realtime.Identity `json:"identity"`
	Token    string            `json:"token"`
}

func (b *Broker) handshake(conn *websocket.Conn) (realtime.Credential, error) {
	_ = conn.SetReadDeadline(time.Now().Add(b.cfg.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return realtime.Credential{}, errors.Wrap(err, "read connect frame")
	}
	f, err := realtime.DecodeFrame(data)
	if err != nil || f.Type != realtime.FrameConnect {
		return realtime.Credential{}, errors.New("expected connect frame")
	}
	var cp credentialPayload
	if err := json.Unmarshal(f.Payload, &cp); err != nil || cp.Identity == "" {
		c := &client{conn: conn}
		_ = c.send(realtime.Frame{Type: realtime.FrameError, Error: "malformed credentials"})
		return realtime.Credential{}, errors.New("malformed credentials")
	}
	cred := realtime.Credential{Identity: cp.Identity, Token: cp.Token}
	if b.cfg.Authenticate != nil {
		if err := b.cfg.Authenticate(cred); err != nil {
			c := &client{conn: conn}
			_ = c.send(realtime.Frame{Type: realtime.FrameError, Error: err.Error()})
			return realtime.Credential{}, errors.Wrap(err, "authenticate")
		}
	}
	c := &client{conn: conn}
	if err := c.send(realtime.Frame{Type: realtime.FrameConnected}); err != nil {
		return realtime.Credential{}, errors.Wrap(err, "send connected frame")
	}
	_ = conn.SetReadDeadline(time.Time{})
	return cred, nil
}

func (b *Broker) readLoop(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := realtime.DecodeFrame(data)
		if err != nil {
			log.Warn().Err(err).Str("component", "broker").Msg("dropping malformed frame")
			continue
		}
		switch f.Type {
		case realtime.FrameSubscribe:
			b.subscribe(c, f.Topic)
		case realtime.FrameUnsubscribe:
			b.unsubscribe(c, f.Topic)
		case realtime.FramePing:
			_ = c.send(realtime.Frame{Type: realtime.FramePong})
		case realtime.FramePong:
			// heartbeat reply, nothing to do
		case realtime.FrameEvent:
			// client-side publish passthrough, used by the demo CLI
			b.publishRaw(f.Topic, f.Payload)
		default:
			log.Warn().Str("component", "broker").Str("frame_type", string(f.Type)).Msg("ignoring unexpected frame")
		}
	}
}

func (b *Broker) subscribe(c *client, topic string) {
	if topic == "" {
		return
	}
	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = map[*client]struct{}{}
	}
	b.topics[topic][c] = struct{}{}
	b.mu.Unlock()
}

func (b *Broker) unsubscribe(c *client, topic string) {
	b.mu.Lock()
	if subs := b.topics[topic]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
	b.mu.Unlock()
}

func (b *Broker) dropClient(c *client) {
	b.mu.Lock()
	for topic, subs := range b.topics {
		delete(subs, c)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
	b.mu.Unlock()
}

// SubscriberCount reports the live subscriber count for a topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}
