package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SessionConfig assembles one client session. Everything is explicit so
// tests can instantiate independent sessions; there are no package-level
// singletons for the current user or the transport.
type SessionConfig struct {
	URL        string
	Credential Credential
	Backend    Backend
	// Connection tunes the transport; URL is taken from this config's URL.
	Connection ConnectionConfig
	// OnActionError surfaces rejected optimistic actions to the render layer.
	OnActionError func(error)
	// ActionableRemovalDelay is forwarded to the NotificationStore.
	ActionableRemovalDelay time.Duration
}

// Session owns the connection, the subscription registry and the three
// projections for one authenticated user. The connection and the
// session-scoped subscriptions (presence, own notification queue) outlive
// individual views; only conversation subscriptions follow view lifecycle.
type Session struct {
	cred     Credential
	backend  Backend
	manager  *ConnectionManager
	registry *SubscriptionRegistry
	actions  *OptimisticCoordinator

	Presence      *PresenceTracker
	Notifications *NotificationStore
	Chat          *ChatSession
	Conversations *ConversationList

	presenceSub *Subscription
	notifSub    *Subscription
	inboxSub    *Subscription
}

func NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.URL == "" {
		return nil, errors.New("session URL is empty")
	}
	if cfg.Credential.Identity == "" {
		return nil, errors.New("session identity is empty")
	}
	if cfg.Backend == nil {
		return nil, errors.New("session backend is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	connCfg := cfg.Connection
	connCfg.URL = cfg.URL
	manager, err := NewConnectionManager(connCfg)
	if err != nil {
		return nil, err
	}
	registry, err := NewSubscriptionRegistry(ctx, manager)
	if err != nil {
		return nil, err
	}

	actions := NewOptimisticCoordinator(cfg.OnActionError)
	notifications, err := NewNotificationStore(NotificationStoreConfig{
		Backend:      cfg.Backend,
		Actions:      actions,
		RemovalDelay: cfg.ActionableRemovalDelay,
	})
	if err != nil {
		return nil, err
	}
	chat, err := NewChatSession(ChatSessionConfig{
		Registry: registry,
		Backend:  cfg.Backend,
		Self:     cfg.Credential.Identity,
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		cred:          cfg.Credential,
		backend:       cfg.Backend,
		manager:       manager,
		registry:      registry,
		actions:       actions,
		Presence:      NewPresenceTracker(),
		Notifications: notifications,
		Chat:          chat,
		Conversations: NewConversationList(),
	}, nil
}

// Manager exposes the connection state surface (state signal, explicit
// disconnect) to the shell around the session.
func (s *Session) Manager() *ConnectionManager { return s.manager }

// Registry exposes topic subscription for view-scoped consumers.
func (s *Session) Registry() *SubscriptionRegistry { return s.registry }

// Start connects and establishes the session-scoped subscriptions. The
// registry queues subscribes while disconnected and re-issues them after a
// reconnect, so Start is called exactly once per session regardless of how
// many times the transport drops.
func (s *Session) Start(ctx context.Context) error {
	if err := s.manager.Connect(ctx, s.cred); err != nil {
		return errors.Wrap(err, "connect session")
	}

	presenceSub, err := s.registry.Subscribe(TopicPresence, s.Presence.HandleFrame)
	if err != nil {
		return errors.Wrap(err, "subscribe presence")
	}
	s.presenceSub = presenceSub

	notifSub, err := s.registry.Subscribe(TopicNotifications(s.cred.Identity), s.Notifications.HandleFrame)
	if err != nil {
		presenceSub.Close()
		s.presenceSub = nil
		return errors.Wrap(err, "subscribe notifications")
	}
	s.notifSub = notifSub

	// The own direct-message queue is also held session-wide so thread
	// previews keep updating while no conversation (or another one) is open.
	// The registry refcount collapses this and ChatSession's reference into
	// a single wire subscription.
	inboxSub, err := s.registry.Subscribe(TopicDirectChat(s.cred.Identity), s.handleDirectInbox)
	if err != nil {
		notifSub.Close()
		s.notifSub = nil
		presenceSub.Close()
		s.presenceSub = nil
		return errors.Wrap(err, "subscribe direct inbox")
	}
	s.inboxSub = inboxSub

	log.Info().Str("component", "realtime").Str("identity", string(s.cred.Identity)).Msg("session started")
	return nil
}

// handleDirectInbox feeds direct-message creates into the conversation
// previews. Unread is counted only for inbound messages of threads that are
// not currently open.
func (s *Session) handleDirectInbox(payload []byte) {
	var ev ChatEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Warn().Err(err).Str("component", "realtime").Msg("dropping malformed inbox event")
		return
	}
	if ev.Kind != ChatMessageCreated || ev.Message == nil {
		return
	}
	m := ev.Message
	own := m.Author == s.cred.Identity
	counterpart := m.Author
	if own {
		counterpart = m.Recipient
	}
	if counterpart == "" {
		return
	}
	convID := DirectConversation(Friend{Identity: counterpart}).ID
	active, open := s.Chat.Active()
	countUnread := !own && !(open && active.ID == convID)
	s.Conversations.RecordMessage(convID, m.Body, m.SentAt, countUnread)
}

// OpenConversation makes conv the active chat and clears its unread preview.
func (s *Session) OpenConversation(ctx context.Context, conv Conversation) error {
	if err := s.Chat.Open(ctx, conv); err != nil {
		return err
	}
	s.Conversations.MarkViewed(conv.ID)
	return nil
}

// Stop tears the session down: view and session subscriptions, then the
// transport.
func (s *Session) Stop() {
	s.Chat.Close()
	if s.inboxSub != nil {
		s.inboxSub.Close()
		s.inboxSub = nil
	}
	if s.notifSub != nil {
		s.notifSub.Close()
		s.notifSub = nil
	}
	if s.presenceSub != nil {
		s.presenceSub.Close()
		s.presenceSub = nil
	}
	s.manager.Disconnect()
	if err := s.registry.Close(); err != nil {
		log.Debug().Err(err).Str("component", "realtime").Msg("registry close")
	}
	log.Info().Str("component", "realtime").Str("identity", string(s.cred.Identity)).Msg("session stopped")
}

// RefreshDirectory re-fetches the friend and group lists and feeds the
// presence tracker and the conversation directory.
func (s *Session) RefreshDirectory(ctx context.Context) error {
	friends, err := s.backend.Friends(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch friends")
	}
	groups, err := s.backend.Groups(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch groups")
	}

	ids := make([]Identity, 0, len(friends))
	for _, f := range friends {
		ids = append(ids, f.Identity)
	}
	s.Presence.SetFriends(ids)
	s.Conversations.SetFriends(friends)
	s.Conversations.SetGroups(groups)
	return nil
}

// AcceptFriendRequest optimistically collapses the notification's action
// buttons into feedback and issues the accept; a rejection restores the
// buttons.
func (s *Session) AcceptFriendRequest(ctx context.Context, n Notification) error {
	return s.respondFriendRequest(ctx, n, true, "Friend request accepted")
}

// DeclineFriendRequest mirrors AcceptFriendRequest for the decline path.
func (s *Session) DeclineFriendRequest(ctx context.Context, n Notification) error {
	return s.respondFriendRequest(ctx, n, false, "Friend request declined")
}

func (s *Session) respondFriendRequest(ctx context.Context, n Notification, accept bool, feedback string) error {
	if n.Kind != NotificationFriendRequest {
		return errors.New("notification is not a friend request")
	}
	if n.ReferenceID == 0 {
		return errors.New("friend request notification without reference id")
	}
	return s.actions.Perform(ctx,
		func() { s.Notifications.ResolveActionable(n.ReferenceID, feedback) },
		func(ctx context.Context) error { return s.backend.RespondFriendRequest(ctx, n.ReferenceID, accept) },
		func() { s.Notifications.UnresolveActionable(n.ReferenceID) },
	)
}
