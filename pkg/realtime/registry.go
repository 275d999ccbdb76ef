package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// frameSender is the narrow connection surface the registry needs. The
// ConnectionManager satisfies it; tests substitute a recorder.
type frameSender interface {
	SendFrame(Frame) error
	State() ConnectionState
	OnStateChange(func(ConnectionState))
	OnFrame(FrameHandler)
}

// Subscription is the handle returned by Subscribe. Closing it releases one
// reference on the topic.
type Subscription struct {
	id     uuid.UUID
	topic  string
	cancel context.CancelFunc
	reg    *SubscriptionRegistry

	once sync.Once
}

func (s *Subscription) Topic() string { return s.topic }

// Close stops delivery to this handler and, when it was the last reference
// on the topic, sends the wire-level unsubscribe.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.cancel()
		s.reg.release(s.topic)
	})
}

type topicEntry struct {
	refs    int
	pending bool
}

// SubscriptionRegistry maps logical topics to wire subscriptions. It is the
// only component permitted to send subscribe/unsubscribe frames. Handlers
// are fed through an in-process watermill pub/sub so that any number of
// call sites can listen on a topic while exactly one wire subscription
// exists per topic.
type SubscriptionRegistry struct {
	baseCtx context.Context
	sender  frameSender
	bus     *gochannel.GoChannel

	mu     sync.Mutex
	topics map[string]*topicEntry
}

func NewSubscriptionRegistry(ctx context.Context, sender frameSender) (*SubscriptionRegistry, error) {
	if ctx == nil {
		return nil, errors.New("registry base context is nil")
	}
	if sender == nil {
		return nil, errors.New("registry frame sender is nil")
	}
	r := &SubscriptionRegistry{
		baseCtx: ctx,
		sender:  sender,
		bus:     gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, newWatermillLogger()),
		topics:  map[string]*topicEntry{},
	}
	sender.OnFrame(r.dispatch)
	sender.OnStateChange(r.onConnectionState)
	return r, nil
}

// Subscribe adds a handler for a topic. The first reference sends the wire
// subscribe frame; a subscribe issued while disconnected is queued and
// flushed on the next CONNECTED transition, never silently dropped.
func (r *SubscriptionRegistry) Subscribe(topic string, handler func(payload []byte)) (*Subscription, error) {
	if topic == "" {
		return nil, errors.New("topic is empty")
	}
	if handler == nil {
		return nil, errors.New("handler is nil")
	}

	subCtx, cancel := context.WithCancel(r.baseCtx)
	ch, err := r.bus.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "bus subscribe")
	}
	go func() {
		for msg := range ch {
			handler(msg.Payload)
			msg.Ack()
		}
	}()

	r.mu.Lock()
	e := r.topics[topic]
	if e == nil {
		e = &topicEntry{}
		r.topics[topic] = e
	}
	e.refs++
	first := e.refs == 1
	if first {
		if r.sender.State() == StateConnected {
			if err := r.sender.SendFrame(Frame{Type: FrameSubscribe, Topic: topic}); err != nil {
				// The transport raced away; the CONNECTED hook will flush it.
				e.pending = true
			}
		} else {
			e.pending = true
		}
	}
	r.mu.Unlock()

	return &Subscription{
		id:     uuid.New(),
		topic:  topic,
		cancel: cancel,
		reg:    r,
	}, nil
}

func (r *SubscriptionRegistry) release(topic string) {
	r.mu.Lock()
	e := r.topics[topic]
	if e == nil {
		r.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	wasPending := e.pending
	delete(r.topics, topic)
	connected := r.sender.State() == StateConnected
	r.mu.Unlock()

	if !wasPending && connected {
		if err := r.sender.SendFrame(Frame{Type: FrameUnsubscribe, Topic: topic}); err != nil {
			log.Debug().Err(err).Str("component", "realtime").Str("topic", topic).Msg("unsubscribe frame not sent")
		}
	}
}

// Refs reports the live reference count for a topic.
func (r *SubscriptionRegistry) Refs(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.topics[topic]; e != nil {
		return e.refs
	}
	return 0
}

// dispatch routes one inbound event frame onto the in-process bus.
func (r *SubscriptionRegistry) dispatch(topic string, payload json.RawMessage) {
	msg := message.NewMessage(watermill.NewUUID(), []byte(payload))
	if err := r.bus.Publish(topic, msg); err != nil {
		log.Warn().Err(err).Str("component", "realtime").Str("topic", topic).Msg("dropping undeliverable event")
	}
}

// onConnectionState re-establishes every referenced topic after a reconnect.
// Session-scoped topics are held for the whole session; view-scoped topics
// still hold references only while their view is mounted, so both resume
// correctly from the same bookkeeping.
func (r *SubscriptionRegistry) onConnectionState(st ConnectionState) {
	if st != StateConnected {
		return
	}
	r.mu.Lock()
	topics := make([]string, 0, len(r.topics))
	for topic, e := range r.topics {
		if e.refs > 0 {
			e.pending = false
			topics = append(topics, topic)
		}
	}
	r.mu.Unlock()

	for _, topic := range topics {
		if err := r.sender.SendFrame(Frame{Type: FrameSubscribe, Topic: topic}); err != nil {
			log.Warn().Err(err).Str("component", "realtime").Str("topic", topic).Msg("resubscribe failed")
			r.mu.Lock()
			if e := r.topics[topic]; e != nil {
				e.pending = true
			}
			r.mu.Unlock()
		}
	}
}

// Close shuts the in-process bus down. Pending handlers drain and stop.
func (r *SubscriptionRegistry) Close() error {
	return r.bus.Close()
}

type watermillLogger struct {
	fields watermill.LogFields
}

func newWatermillLogger() watermill.LoggerAdapter {
	return &watermillLogger{}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	log.Error().Err(err).Fields(map[string]any(l.fields.Add(fields))).Str("component", "realtime.bus").Msg(msg)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	log.Debug().Fields(map[string]any(l.fields.Add(fields))).Str("component", "realtime.bus").Msg(msg)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	log.Debug().Fields(map[string]any(l.fields.Add(fields))).Str("component", "realtime.bus").Msg(msg)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	log.Trace().Fields(map[string]any(l.fields.Add(fields))).Str("component", "realtime.bus").Msg(msg)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{fields: l.fields.Add(fields)}
}
