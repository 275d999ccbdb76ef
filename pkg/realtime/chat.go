package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type ConversationKind string

const (
	ConversationGroup  ConversationKind = "group"
	ConversationDirect ConversationKind = "direct"
)

// Conversation identifies one chat thread: a project-scoped group or a
// friend-scoped direct-message thread.
type Conversation struct {
	ID          string
	Kind        ConversationKind
	GroupID     string   // set for group conversations
	Counterpart Identity // set for direct conversations
	DisplayName string
}

// Message ordering key is SentAt, tie-broken by ID. Edits keep the original
// SentAt so an edited message does not move.
type Message struct {
	ID        int64      `json:"id"`
	GroupID   string     `json:"group_id,omitempty"`
	Author    Identity   `json:"author"`
	Recipient Identity   `json:"recipient,omitempty"`
	Body      string     `json:"body"`
	SentAt    time.Time  `json:"sent_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
}

// ChatEventKind is the explicit tag on chat topic events. The backend tags
// created vs edited rather than leaving clients to infer it from id
// presence, which would misclassify a rapid edit racing a delete.
type ChatEventKind string

const (
	ChatMessageCreated ChatEventKind = "created"
	ChatMessageEdited  ChatEventKind = "edited"
	ChatMessageDeleted ChatEventKind = "deleted"
	ChatTyping         ChatEventKind = "typing"
)

// ChatEvent is the payload on chat topics. Deletes carry only the message
// id plus routing fields; typing carries only the sender.
type ChatEvent struct {
	Kind      ChatEventKind `json:"kind"`
	Message   *Message      `json:"message,omitempty"`
	MessageID int64         `json:"message_id,omitempty"`
	GroupID   string        `json:"group_id,omitempty"`
	Sender    Identity      `json:"sender,omitempty"`
	Recipient Identity      `json:"recipient,omitempty"`
}

// ChatBackend is the REST surface for history fetches and outbound message
// operations. The server re-broadcasts mutations over the topic, so none of
// the write calls mutate local state directly.
type ChatBackend interface {
	GroupHistory(ctx context.Context, groupID string) ([]Message, error)
	DirectHistory(ctx context.Context, counterpart Identity) ([]Message, error)
	SendGroupMessage(ctx context.Context, groupID, body string) error
	SendDirectMessage(ctx context.Context, to Identity, body string) error
	EditMessage(ctx context.Context, id int64, body string) error
	DeleteMessage(ctx context.Context, id int64) error
}

// ReduceMessages applies one chat event to an ordered message list and
// returns the new list. It is a pure function: the input slice is not
// mutated, out-of-order and duplicate delivery are tolerated.
//
//   - created: inserted in (SentAt, ID) order unless the id already exists;
//     the author's own echo arrives here too, so duplicates are expected.
//   - edited: replaces body and EditedAt in place, preserving the original
//     position; an edit that raced ahead of its create is upserted.
//   - deleted: removes by id; unknown ids are a no-op.
func ReduceMessages(msgs []Message, ev ChatEvent) []Message {
	switch ev.Kind {
	case ChatMessageCreated:
		if ev.Message == nil {
			return msgs
		}
		return insertMessage(msgs, *ev.Message)
	case ChatMessageEdited:
		if ev.Message == nil {
			return msgs
		}
		for i := range msgs {
			if msgs[i].ID == ev.Message.ID {
				out := append([]Message(nil), msgs...)
				out[i].Body = ev.Message.Body
				out[i].EditedAt = ev.Message.EditedAt
				return out
			}
		}
		return insertMessage(msgs, *ev.Message)
	case ChatMessageDeleted:
		id := ev.MessageID
		if id == 0 && ev.Message != nil {
			id = ev.Message.ID
		}
		for i := range msgs {
			if msgs[i].ID == id {
				out := append([]Message(nil), msgs[:i]...)
				return append(out, msgs[i+1:]...)
			}
		}
		return msgs
	default:
		return msgs
	}
}

func messageLess(a, b Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	return a.ID < b.ID
}

func insertMessage(msgs []Message, m Message) []Message {
	for i := range msgs {
		if msgs[i].ID == m.ID {
			return msgs
		}
	}
	idx := sort.Search(len(msgs), func(i int) bool { return messageLess(m, msgs[i]) })
	out := make([]Message, 0, len(msgs)+1)
	out = append(out, msgs[:idx]...)
	out = append(out, m)
	return append(out, msgs[idx:]...)
}

type ChatSessionConfig struct {
	Registry *SubscriptionRegistry
	Backend  ChatBackend
	Self     Identity
	// TypingExpiry is how long a typing signal stays active without renewal.
	TypingExpiry time.Duration
}

// ChatSession tracks the one active conversation: its topic subscription,
// its ordered history and its typing signals. Opening another conversation
// tears the previous one down first so late events cannot be misrouted.
type ChatSession struct {
	registry     *SubscriptionRegistry
	backend      ChatBackend
	self         Identity
	typingExpiry time.Duration

	mu       sync.Mutex
	active   *Conversation
	sub      *Subscription
	messages []Message
	typing   map[Identity]time.Time
	// fetchGen tags history fetches with the Open call that issued them;
	// a response whose generation no longer matches is discarded.
	fetchGen uint64
	onChange func()
}

func NewChatSession(cfg ChatSessionConfig) (*ChatSession, error) {
	if cfg.Registry == nil {
		return nil, errors.New("chat registry is nil")
	}
	if cfg.Backend == nil {
		return nil, errors.New("chat backend is nil")
	}
	if cfg.Self == "" {
		return nil, errors.New("chat self identity is empty")
	}
	if cfg.TypingExpiry <= 0 {
		cfg.TypingExpiry = 4 * time.Second
	}
	return &ChatSession{
		registry:     cfg.Registry,
		backend:      cfg.Backend,
		self:         cfg.Self,
		typingExpiry: cfg.TypingExpiry,
		typing:       map[Identity]time.Time{},
	}, nil
}

// OnChange registers the render-layer callback.
func (c *ChatSession) OnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *ChatSession) changed() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func topicForConversation(conv Conversation, self Identity) string {
	if conv.Kind == ConversationGroup {
		return TopicGroupChat(conv.GroupID)
	}
	return TopicDirectChat(self)
}

// Open makes conv the active conversation: unsubscribes the previous topic,
// subscribes the new one and loads history in the background. The history
// response is tagged with this Open's generation and dropped if a later
// Open (or Close) happened first.
func (c *ChatSession) Open(ctx context.Context, conv Conversation) error {
	if conv.Kind == ConversationGroup && conv.GroupID == "" {
		return errors.New("group conversation without group id")
	}
	if conv.Kind == ConversationDirect && conv.Counterpart == "" {
		return errors.New("direct conversation without counterpart")
	}

	c.mu.Lock()
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	convCopy := conv
	c.active = &convCopy
	c.messages = nil
	c.typing = map[Identity]time.Time{}
	c.fetchGen++
	gen := c.fetchGen
	c.mu.Unlock()

	sub, err := c.registry.Subscribe(topicForConversation(conv, c.self), c.HandleFrame)
	if err != nil {
		c.mu.Lock()
		if c.fetchGen == gen {
			c.active = nil
		}
		c.mu.Unlock()
		return errors.Wrap(err, "subscribe conversation topic")
	}

	c.mu.Lock()
	if c.fetchGen != gen {
		// A later Open won the race; this subscription belongs to a dead view.
		c.mu.Unlock()
		sub.Close()
		return nil
	}
	c.sub = sub
	c.mu.Unlock()
	c.changed()

	go c.loadHistory(ctx, conv, gen)
	return nil
}

func (c *ChatSession) loadHistory(ctx context.Context, conv Conversation, gen uint64) {
	var history []Message
	var err error
	if conv.Kind == ConversationGroup {
		history, err = c.backend.GroupHistory(ctx, conv.GroupID)
	} else {
		history, err = c.backend.DirectHistory(ctx, conv.Counterpart)
	}
	if err != nil {
		log.Warn().Err(err).Str("component", "realtime.chat").Str("conversation", conv.ID).Msg("history fetch failed")
		return
	}

	c.mu.Lock()
	if c.fetchGen != gen || c.active == nil || c.active.ID != conv.ID {
		c.mu.Unlock()
		log.Debug().Str("component", "realtime.chat").Str("conversation", conv.ID).Msg("discarding stale history response")
		return
	}
	// Events pushed while the fetch was in flight are already in c.messages;
	// replay them over the fetched base so neither copy wins by timing.
	merged := make([]Message, 0, len(history))
	for _, m := range history {
		merged = insertMessage(merged, m)
	}
	for _, m := range c.messages {
		merged = insertMessage(merged, m)
	}
	c.messages = merged
	c.mu.Unlock()
	c.changed()
}

// Close unsubscribes and clears the active conversation.
func (c *ChatSession) Close() {
	c.mu.Lock()
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	c.active = nil
	c.messages = nil
	c.typing = map[Identity]time.Time{}
	c.fetchGen++
	c.mu.Unlock()
	c.changed()
}

// HandleFrame ingests one event from the active conversation's topic.
// Events that do not belong to the active conversation are ignored: the
// direct topic is the user's whole DM queue, so traffic for other partners
// arrives here too and must not leak into the open thread.
func (c *ChatSession) HandleFrame(payload []byte) {
	var ev ChatEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Warn().Err(err).Str("component", "realtime.chat").Msg("dropping malformed chat event")
		return
	}
	c.Ingest(ev)
}

// Ingest applies one already-decoded chat event.
func (c *ChatSession) Ingest(ev ChatEvent) {
	c.mu.Lock()
	if c.active == nil || !c.eventMatchesLocked(ev) {
		c.mu.Unlock()
		return
	}
	if ev.Kind == ChatTyping {
		sender := ev.Sender
		if sender == "" && ev.Message != nil {
			sender = ev.Message.Author
		}
		if sender != "" && sender != c.self {
			c.typing[sender] = time.Now()
		}
		c.mu.Unlock()
		c.changed()
		return
	}
	c.messages = ReduceMessages(c.messages, ev)
	c.mu.Unlock()
	c.changed()
}

// eventMatchesLocked applies the conversation filtering rule: group events
// must name the open group, direct events must name the counterpart as
// either sender or recipient.
func (c *ChatSession) eventMatchesLocked(ev ChatEvent) bool {
	groupID := ev.GroupID
	sender := ev.Sender
	recipient := ev.Recipient
	if ev.Message != nil {
		if groupID == "" {
			groupID = ev.Message.GroupID
		}
		if sender == "" {
			sender = ev.Message.Author
		}
		if recipient == "" {
			recipient = ev.Message.Recipient
		}
	}
	if c.active.Kind == ConversationGroup {
		return groupID == c.active.GroupID
	}
	other := c.active.Counterpart
	return (sender == other && recipient == c.self) || (sender == c.self && recipient == other)
}

// Send submits a message for the active conversation. The local list is NOT
// updated here: the server is the sole source of message identity and
// timestamps, so the UI clears its input and waits for the echoed create
// event instead of rendering a speculative copy next to the echo.
func (c *ChatSession) Send(ctx context.Context, body string) error {
	if body == "" {
		return errors.New("message body is empty")
	}
	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return errors.New("no active conversation")
	}
	conv := *c.active
	c.mu.Unlock()

	if conv.Kind == ConversationGroup {
		return errors.Wrap(c.backend.SendGroupMessage(ctx, conv.GroupID, body), "send group message")
	}
	return errors.Wrap(c.backend.SendDirectMessage(ctx, conv.Counterpart, body), "send direct message")
}

// Edit and Delete go through REST; the server re-broadcasts the result over
// the topic and the echoed event performs the local mutation.
func (c *ChatSession) Edit(ctx context.Context, id int64, body string) error {
	if body == "" {
		return errors.New("message body is empty")
	}
	return errors.Wrap(c.backend.EditMessage(ctx, id, body), "edit message")
}

func (c *ChatSession) Delete(ctx context.Context, id int64) error {
	return errors.Wrap(c.backend.DeleteMessage(ctx, id), "delete message")
}

// Active returns a copy of the active conversation, if any.
func (c *ChatSession) Active() (Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Conversation{}, false
	}
	return *c.active, true
}

// Messages returns a copy of the ordered history.
func (c *ChatSession) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// Typers lists counterparts whose typing signal has not expired.
func (c *ChatSession) Typers() []Identity {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Identity, 0, len(c.typing))
	for id, at := range c.typing {
		if now.Sub(at) <= c.typingExpiry {
			out = append(out, id)
		} else {
			delete(c.typing, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
