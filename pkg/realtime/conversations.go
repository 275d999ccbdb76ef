package realtime

import (
	"sort"
	"sync"
	"time"
)

// Group is a project the user belongs to, surfaced as a group conversation.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Friend is one entry of the user's friend list.
type Friend struct {
	Identity    Identity `json:"identity"`
	DisplayName string   `json:"display_name"`
}

// ThreadPreview is the inbox line for one conversation.
type ThreadPreview struct {
	LastBody string
	LastAt   time.Time
	Unread   int
}

// ConversationEntry pairs a conversation with its preview.
type ConversationEntry struct {
	Conversation
	Preview ThreadPreview
}

// GroupConversation builds the conversation identity for a project group.
func GroupConversation(g Group) Conversation {
	return Conversation{
		ID:          "group:" + g.ID,
		Kind:        ConversationGroup,
		GroupID:     g.ID,
		DisplayName: g.Name,
	}
}

// DirectConversation builds the conversation identity for a friend thread.
func DirectConversation(f Friend) Conversation {
	name := f.DisplayName
	if name == "" {
		name = string(f.Identity)
	}
	return Conversation{
		ID:          "direct:" + string(f.Identity),
		Kind:        ConversationDirect,
		Counterpart: f.Identity,
		DisplayName: name,
	}
}

// ConversationList composes the client-side conversation directory. No
// single canonical list exists server-side: projects-as-groups and
// friends-as-DMs are fetched independently and merged here. Previews are
// fed from chat events so inactive threads keep a live last-message line
// and unread count.
type ConversationList struct {
	mu      sync.Mutex
	entries map[string]*ConversationEntry
}

func NewConversationList() *ConversationList {
	return &ConversationList{entries: map[string]*ConversationEntry{}}
}

// SetGroups replaces the group-backed conversations, keeping previews for
// groups that survive the refresh.
func (l *ConversationList) SetGroups(groups []Group) {
	l.mu.Lock()
	defer l.mu.Unlock()
	keep := map[string]struct{}{}
	for _, g := range groups {
		conv := GroupConversation(g)
		keep[conv.ID] = struct{}{}
		if e, ok := l.entries[conv.ID]; ok {
			e.Conversation = conv
		} else {
			l.entries[conv.ID] = &ConversationEntry{Conversation: conv}
		}
	}
	for id, e := range l.entries {
		if e.Kind != ConversationGroup {
			continue
		}
		if _, ok := keep[id]; !ok {
			delete(l.entries, id)
		}
	}
}

// SetFriends replaces the friend-backed conversations, mirroring SetGroups.
func (l *ConversationList) SetFriends(friends []Friend) {
	l.mu.Lock()
	defer l.mu.Unlock()
	keep := map[string]struct{}{}
	for _, f := range friends {
		conv := DirectConversation(f)
		keep[conv.ID] = struct{}{}
		if e, ok := l.entries[conv.ID]; ok {
			e.Conversation = conv
		} else {
			l.entries[conv.ID] = &ConversationEntry{Conversation: conv}
		}
	}
	for id, e := range l.entries {
		if e.Kind != ConversationDirect {
			continue
		}
		if _, ok := keep[id]; !ok {
			delete(l.entries, id)
		}
	}
}

// RecordMessage updates the preview for a thread when a chat event arrives.
// countUnread is false when the thread is currently open or the message is
// the user's own.
func (l *ConversationList) RecordMessage(conversationID, body string, at time.Time, countUnread bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[conversationID]
	if !ok {
		return
	}
	e.Preview.LastBody = body
	e.Preview.LastAt = at
	if countUnread {
		e.Preview.Unread++
	}
}

// MarkViewed zeroes the unread count when a conversation is opened.
func (l *ConversationList) MarkViewed(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[conversationID]; ok {
		e.Preview.Unread = 0
	}
}

// Entries returns the composed list, most recent activity first, name as
// tie-break so a fresh list is stable.
func (l *ConversationList) Entries() []ConversationEntry {
	l.mu.Lock()
	out := make([]ConversationEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Preview.LastAt.Equal(out[j].Preview.LastAt) {
			return out[i].Preview.LastAt.After(out[j].Preview.LastAt)
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}
