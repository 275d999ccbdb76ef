package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/grillo/pkg/broker"
	"github.com/go-go-golems/grillo/pkg/realtime"
)

// demoCore is a toy in-memory backend shared by every demo session. Writes
// are echoed over the broker the same way the real platform re-broadcasts
// REST mutations over the topic.
type demoCore struct {
	b *broker.Broker

	mu            sync.Mutex
	nextID        int64
	direct        map[string][]realtime.Message
	groups        map[string][]realtime.Message
	notifications map[realtime.Identity][]realtime.Notification
	users         []realtime.Friend
	groupDir      []realtime.Group
}

func newDemoCore(b *broker.Broker) *demoCore {
	users := []realtime.Friend{
		{Identity: "alice@demo", DisplayName: "Alice"},
		{Identity: "bob@demo", DisplayName: "Bob"},
	}
	c := &demoCore{
		b:             b,
		direct:        map[string][]realtime.Message{},
		groups:        map[string][]realtime.Message{},
		notifications: map[realtime.Identity][]realtime.Notification{},
		users:         users,
		groupDir:      []realtime.Group{{ID: "welcome", Name: "Welcome"}},
	}
	for _, u := range users {
		c.nextID++
		c.notifications[u.Identity] = []realtime.Notification{{
			ID:        c.nextID,
			Kind:      realtime.NotificationGeneric,
			Message:   "Welcome to the demo platform",
			CreatedAt: time.Now(),
		}}
	}
	return c
}

func (c *demoCore) backendFor(self realtime.Identity) realtime.Backend {
	return &demoBackend{core: c, self: self}
}

func pairKey(a, b realtime.Identity) string {
	if b < a {
		a, b = b, a
	}
	return string(a) + "|" + string(b)
}

type demoBackend struct {
	core *demoCore
	self realtime.Identity
}

func (d *demoBackend) NotificationHistory(context.Context) ([]realtime.Notification, error) {
	c := d.core
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]realtime.Notification(nil), c.notifications[d.self]...)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (d *demoBackend) MarkNotificationRead(_ context.Context, id int64) error {
	c := d.core
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.notifications[d.self]
	for i := range list {
		if list[i].ID == id {
			list[i].Read = true
		}
	}
	return nil
}

func (d *demoBackend) MarkAllNotificationsRead(context.Context) error {
	c := d.core
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.notifications[d.self]
	for i := range list {
		list[i].Read = true
	}
	return nil
}

func (d *demoBackend) RespondFriendRequest(_ context.Context, requestID int64, accept bool) error {
	log.Debug().Str("component", "demo").Int64("request_id", requestID).Bool("accept", accept).Msg("friend request resolved")
	return nil
}

func (d *demoBackend) Friends(context.Context) ([]realtime.Friend, error) {
	c := d.core
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]realtime.Friend, 0, len(c.users))
	for _, u := range c.users {
		if u.Identity != d.self {
			out = append(out, u)
		}
	}
	return out, nil
}

func (d *demoBackend) Groups(context.Context) ([]realtime.Group, error) {
	c := d.core
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.Group(nil), c.groupDir...), nil
}

func (d *demoBackend) GroupHistory(_ context.Context, groupID string) ([]realtime.Message, error) {
	c := d.core
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.Message(nil), c.groups[groupID]...), nil
}

func (d *demoBackend) DirectHistory(_ context.Context, counterpart realtime.Identity) ([]realtime.Message, error) {
	c := d.core
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.Message(nil), c.direct[pairKey(d.self, counterpart)]...), nil
}

func (d *demoBackend) SendGroupMessage(_ context.Context, groupID, body string) error {
	c := d.core
	c.mu.Lock()
	c.nextID++
	msg := realtime.Message{
		ID:      c.nextID,
		GroupID: groupID,
		Author:  d.self,
		Body:    body,
		SentAt:  time.Now(),
	}
	c.groups[groupID] = append(c.groups[groupID], msg)
	c.mu.Unlock()
	return c.b.Publish(realtime.TopicGroupChat(groupID), realtime.ChatEvent{Kind: realtime.ChatMessageCreated, Message: &msg})
}

func (d *demoBackend) SendDirectMessage(_ context.Context, to realtime.Identity, body string) error {
	c := d.core
	c.mu.Lock()
	c.nextID++
	msg := realtime.Message{
		ID:        c.nextID,
		Author:    d.self,
		Recipient: to,
		Body:      body,
		SentAt:    time.Now(),
	}
	key := pairKey(d.self, to)
	c.direct[key] = append(c.direct[key], msg)
	c.mu.Unlock()
	ev := realtime.ChatEvent{Kind: realtime.ChatMessageCreated, Message: &msg}
	if err := c.b.Publish(realtime.TopicDirectChat(to), ev); err != nil {
		return err
	}
	return c.b.Publish(realtime.TopicDirectChat(d.self), ev)
}

func (d *demoBackend) EditMessage(_ context.Context, id int64, body string) error {
	c := d.core
	c.mu.Lock()
	var edited *realtime.Message
	now := time.Now()
	for key := range c.direct {
		for i := range c.direct[key] {
			if c.direct[key][i].ID == id {
				c.direct[key][i].Body = body
				c.direct[key][i].EditedAt = &now
				m := c.direct[key][i]
				edited = &m
			}
		}
	}
	for key := range c.groups {
		for i := range c.groups[key] {
			if c.groups[key][i].ID == id {
				c.groups[key][i].Body = body
				c.groups[key][i].EditedAt = &now
				m := c.groups[key][i]
				edited = &m
			}
		}
	}
	c.mu.Unlock()
	if edited == nil {
		return nil
	}
	return d.echo(realtime.ChatEvent{Kind: realtime.ChatMessageEdited, Message: edited})
}

func (d *demoBackend) DeleteMessage(_ context.Context, id int64) error {
	c := d.core
	c.mu.Lock()
	var removed *realtime.Message
	for key := range c.direct {
		for i := range c.direct[key] {
			if c.direct[key][i].ID == id {
				m := c.direct[key][i]
				removed = &m
				c.direct[key] = append(c.direct[key][:i], c.direct[key][i+1:]...)
				break
			}
		}
	}
	for key := range c.groups {
		for i := range c.groups[key] {
			if c.groups[key][i].ID == id {
				m := c.groups[key][i]
				removed = &m
				c.groups[key] = append(c.groups[key][:i], c.groups[key][i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()
	if removed == nil {
		return nil
	}
	return d.echo(realtime.ChatEvent{
		Kind:      realtime.ChatMessageDeleted,
		MessageID: removed.ID,
		GroupID:   removed.GroupID,
		Sender:    removed.Author,
		Recipient: removed.Recipient,
	})
}

func (d *demoBackend) echo(ev realtime.ChatEvent) error {
	c := d.core
	groupID := ev.GroupID
	var author, recipient realtime.Identity
	if ev.Message != nil {
		if groupID == "" {
			groupID = ev.Message.GroupID
		}
		author = ev.Message.Author
		recipient = ev.Message.Recipient
	} else {
		author = ev.Sender
		recipient = ev.Recipient
	}
	if groupID != "" {
		return c.b.Publish(realtime.TopicGroupChat(groupID), ev)
	}
	if err := c.b.Publish(realtime.TopicDirectChat(author), ev); err != nil {
		return err
	}
	return c.b.Publish(realtime.TopicDirectChat(recipient), ev)
}

var _ realtime.Backend = (*demoBackend)(nil)
