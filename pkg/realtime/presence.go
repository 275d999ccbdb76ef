package realtime

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// presenceSnapshot is the wire payload on the presence topic: the full set
// of currently-online identities, broadcast periodically.
type presenceSnapshot struct {
	Online []Identity `json:"online"`
}

// PresenceTracker projects presence broadcasts onto a per-friend online
// flag. Snapshots replace the previous online set outright: the server
// sends full snapshots, not deltas, so merging would keep friends online
// forever.
type PresenceTracker struct {
	mu      sync.RWMutex
	online  map[Identity]struct{}
	friends map[Identity]struct{}
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		online:  map[Identity]struct{}{},
		friends: map[Identity]struct{}{},
	}
}

// SetFriends replaces the locally-known friend list. Presence snapshots are
// cached independently, so a snapshot that arrives before the friend list
// resolves is not lost.
func (t *PresenceTracker) SetFriends(ids []Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.friends = make(map[Identity]struct{}, len(ids))
	for _, id := range ids {
		t.friends[id] = struct{}{}
	}
}

// IngestSnapshot replaces the currently-online set.
func (t *PresenceTracker) IngestSnapshot(ids []Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = make(map[Identity]struct{}, len(ids))
	for _, id := range ids {
		t.online[id] = struct{}{}
	}
}

// IsOnline reports whether an identity appeared in the latest snapshot.
// Absence from the snapshot means offline by definition.
func (t *PresenceTracker) IsOnline(id Identity) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[id]
	return ok
}

// OnlineFriends returns the sorted identities that are both in the friend
// list and in the latest snapshot.
func (t *PresenceTracker) OnlineFriends() []Identity {
	t.mu.RLock()
	out := make([]Identity, 0, len(t.online))
	for id := range t.online {
		if _, ok := t.friends[id]; ok {
			out = append(out, id)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HandleFrame decodes one presence broadcast. Malformed payloads are
// dropped with a diagnostic; the previous snapshot stays in effect.
func (t *PresenceTracker) HandleFrame(payload []byte) {
	var snap presenceSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		log.Warn().Err(err).Str("component", "realtime.presence").Msg("dropping malformed presence snapshot")
		return
	}
	t.IngestSnapshot(snap.Online)
}
