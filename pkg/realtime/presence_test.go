package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPresenceSnapshotReplacesNotMerges(t *testing.T) {
	tr := NewPresenceTracker()
	tr.IngestSnapshot([]Identity{"a", "b"})
	tr.IngestSnapshot([]Identity{"b", "c"})

	require.False(t, tr.IsOnline("a"))
	require.True(t, tr.IsOnline("b"))
	require.True(t, tr.IsOnline("c"))
}

func TestPresenceEmptySnapshotMeansEveryoneOffline(t *testing.T) {
	tr := NewPresenceTracker()
	tr.IngestSnapshot([]Identity{"a", "b"})
	tr.IngestSnapshot(nil)

	require.False(t, tr.IsOnline("a"))
	require.False(t, tr.IsOnline("b"))
}

func TestPresenceSnapshotBeforeFriendListIsCached(t *testing.T) {
	tr := NewPresenceTracker()
	tr.HandleFrame([]byte(`{"online":["a","c"]}`))

	// Friend list not loaded yet; the raw flag is already queryable.
	require.True(t, tr.IsOnline("a"))
	require.Empty(t, tr.OnlineFriends())

	tr.SetFriends([]Identity{"a", "b"})
	require.Equal(t, []Identity{"a"}, tr.OnlineFriends())
}

func TestPresenceMalformedPayloadKeepsPreviousSnapshot(t *testing.T) {
	tr := NewPresenceTracker()
	tr.HandleFrame([]byte(`{"online":["a"]}`))
	tr.HandleFrame([]byte(`{online`))

	require.True(t, tr.IsOnline("a"))
}
