package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// NotificationKind is a closed set; unknown kinds decode to
// NotificationGeneric so a new server-side kind degrades gracefully.
type NotificationKind string

const (
	NotificationFriendRequest NotificationKind = "friend_request"
	NotificationLike          NotificationKind = "like"
	NotificationInvite        NotificationKind = "invite"
	NotificationGeneric       NotificationKind = "generic"
)

func (k NotificationKind) valid() bool {
	switch k {
	case NotificationFriendRequest, NotificationLike, NotificationInvite, NotificationGeneric:
		return true
	}
	return false
}

type Notification struct {
	ID          int64            `json:"id"`
	Kind        NotificationKind `json:"kind"`
	Message     string           `json:"message"`
	CreatedAt   time.Time        `json:"created_at"`
	Read        bool             `json:"read"`
	ReferenceID int64            `json:"reference_id,omitempty"`
	Sender      Identity         `json:"sender,omitempty"`
}

// NotificationBackend is the REST surface backing the optimistic flows.
type NotificationBackend interface {
	NotificationHistory(ctx context.Context) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, id int64) error
	MarkAllNotificationsRead(ctx context.Context) error
}

type NotificationStoreConfig struct {
	Backend NotificationBackend
	Actions *OptimisticCoordinator
	// RemovalDelay is how long a resolved actionable entry keeps showing its
	// feedback line before it is dropped from the actionable view.
	RemovalDelay time.Duration
}

// NotificationStore keeps the ordered notification list and the derived
// unread counter. The counter is never stored: Unread recomputes it from
// the list, so the two cannot diverge on any code path.
type NotificationStore struct {
	backend      NotificationBackend
	actions      *OptimisticCoordinator
	removalDelay time.Duration

	mu        sync.Mutex
	items     []Notification
	panelOpen bool
	feedback  map[int64]string // referenceID -> feedback line
	dropped   map[int64]struct{}
	timers    map[int64]*time.Timer
	onChange  func()
}

func NewNotificationStore(cfg NotificationStoreConfig) (*NotificationStore, error) {
	if cfg.Backend == nil {
		return nil, errors.New("notification backend is nil")
	}
	if cfg.Actions == nil {
		return nil, errors.New("optimistic coordinator is nil")
	}
	if cfg.RemovalDelay <= 0 {
		cfg.RemovalDelay = 5 * time.Second
	}
	return &NotificationStore{
		backend:      cfg.Backend,
		actions:      cfg.Actions,
		removalDelay: cfg.RemovalDelay,
		feedback:     map[int64]string{},
		dropped:      map[int64]struct{}{},
		timers:       map[int64]*time.Timer{},
	}, nil
}

// OnChange registers the render-layer callback, invoked after every state
// change outside the store lock.
func (s *NotificationStore) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *NotificationStore) changed() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Load replaces the list from a REST history fetch, newest first.
func (s *NotificationStore) Load(history []Notification) {
	s.mu.Lock()
	s.items = make([]Notification, 0, len(history))
	for _, n := range history {
		if !n.Kind.valid() {
			n.Kind = NotificationGeneric
		}
		s.items = append(s.items, n)
	}
	s.mu.Unlock()
	s.changed()
}

// Refresh reloads the list from the backend.
func (s *NotificationStore) Refresh(ctx context.Context) error {
	history, err := s.backend.NotificationHistory(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch notification history")
	}
	s.Load(history)
	return nil
}

// Push inserts a real-time notification at the head. Duplicate ids are
// ignored. While the panel is open the UX contract is mark-as-read on open,
// so the entry lands already read and the badge stays untouched.
func (s *NotificationStore) Push(n Notification) {
	if !n.Kind.valid() {
		n.Kind = NotificationGeneric
	}
	s.mu.Lock()
	for i := range s.items {
		if s.items[i].ID == n.ID {
			s.mu.Unlock()
			return
		}
	}
	if s.panelOpen {
		n.Read = true
	}
	s.items = append([]Notification{n}, s.items...)
	s.mu.Unlock()
	s.changed()
}

// HandleFrame decodes one pushed notification from the per-user queue.
func (s *NotificationStore) HandleFrame(payload []byte) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		log.Warn().Err(err).Str("component", "realtime.notifications").Msg("dropping malformed notification")
		return
	}
	if n.ID == 0 {
		log.Warn().Str("component", "realtime.notifications").Msg("dropping notification without id")
		return
	}
	s.Push(n)
}

// SetPanelOpen records whether the notification panel is visible, which
// gates the unread increment on Push.
func (s *NotificationStore) SetPanelOpen(open bool) {
	s.mu.Lock()
	s.panelOpen = open
	s.mu.Unlock()
}

// Unread derives the badge count from the list.
func (s *NotificationStore) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadLocked()
}

func (s *NotificationStore) unreadLocked() int {
	n := 0
	for i := range s.items {
		if !s.items[i].Read {
			n++
		}
	}
	return n
}

// Notifications returns a copy of the list, newest first.
func (s *NotificationStore) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.items...)
}

func (s *NotificationStore) setRead(id int64, read bool) {
	s.mu.Lock()
	for i := range s.items {
		if s.items[i].ID == id {
			s.items[i].Read = read
			break
		}
	}
	s.mu.Unlock()
	s.changed()
}

// MarkRead optimistically flags one notification read and issues the
// backing call; on rejection the flag (and with it the derived counter)
// reverts exactly.
func (s *NotificationStore) MarkRead(ctx context.Context, id int64) error {
	s.mu.Lock()
	found := false
	for i := range s.items {
		if s.items[i].ID == id {
			found = !s.items[i].Read
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return nil
	}
	return s.actions.Perform(ctx,
		func() { s.setRead(id, true) },
		func(ctx context.Context) error { return s.backend.MarkNotificationRead(ctx, id) },
		func() { s.setRead(id, false) },
	)
}

// MarkAllRead optimistically flips every entry; on rejection the prior
// snapshot of read flags is restored verbatim rather than re-derived from
// possibly stale server state.
func (s *NotificationStore) MarkAllRead(ctx context.Context) error {
	s.mu.Lock()
	snapshot := make(map[int64]bool, len(s.items))
	for i := range s.items {
		snapshot[s.items[i].ID] = s.items[i].Read
	}
	s.mu.Unlock()

	apply := func() {
		s.mu.Lock()
		for i := range s.items {
			s.items[i].Read = true
		}
		s.mu.Unlock()
		s.changed()
	}
	revert := func() {
		s.mu.Lock()
		for i := range s.items {
			if read, ok := snapshot[s.items[i].ID]; ok {
				s.items[i].Read = read
			}
		}
		s.mu.Unlock()
		s.changed()
	}
	return s.actions.Perform(ctx, apply,
		func(ctx context.Context) error { return s.backend.MarkAllNotificationsRead(ctx) },
		revert)
}

// ResolveActionable collapses a friend-request notification's action
// buttons into a feedback line; after the removal delay the entry leaves
// the actionable view. Unread semantics are unaffected, the entry is
// assumed read by the time its action completes.
func (s *NotificationStore) ResolveActionable(referenceID int64, feedback string) {
	s.mu.Lock()
	s.feedback[referenceID] = feedback
	if t := s.timers[referenceID]; t != nil {
		t.Stop()
	}
	s.timers[referenceID] = time.AfterFunc(s.removalDelay, func() {
		s.mu.Lock()
		if _, stillResolved := s.feedback[referenceID]; stillResolved {
			s.dropped[referenceID] = struct{}{}
		}
		delete(s.timers, referenceID)
		s.mu.Unlock()
		s.changed()
	})
	s.mu.Unlock()
	s.changed()
}

// UnresolveActionable rolls a resolution back when the accept/decline
// request was rejected.
func (s *NotificationStore) UnresolveActionable(referenceID int64) {
	s.mu.Lock()
	delete(s.feedback, referenceID)
	delete(s.dropped, referenceID)
	if t := s.timers[referenceID]; t != nil {
		t.Stop()
		delete(s.timers, referenceID)
	}
	s.mu.Unlock()
	s.changed()
}

// ActionableEntry is one row of the actionable view: a friend-request
// notification plus, once resolved, its feedback line.
type ActionableEntry struct {
	Notification
	Feedback string
}

// Actionable lists pending and recently-resolved friend-request entries.
func (s *NotificationStore) Actionable() []ActionableEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActionableEntry, 0)
	for _, n := range s.items {
		if n.Kind != NotificationFriendRequest {
			continue
		}
		if _, gone := s.dropped[n.ReferenceID]; gone {
			continue
		}
		out = append(out, ActionableEntry{Notification: n, Feedback: s.feedback[n.ReferenceID]})
	}
	return out
}
