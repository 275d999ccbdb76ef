package realtime

import "context"

// DirectoryBackend serves the two independent lists the conversation
// directory is composed from.
type DirectoryBackend interface {
	Friends(ctx context.Context) ([]Friend, error)
	Groups(ctx context.Context) ([]Group, error)
}

// FriendRequestBackend carries the accept/decline side effect for
// friend-request notifications.
type FriendRequestBackend interface {
	RespondFriendRequest(ctx context.Context, requestID int64, accept bool) error
}

// Backend is the full REST collaborator surface a session needs. The
// pieces are split so stores depend only on what they use and tests can
// fake the minimum.
type Backend interface {
	NotificationBackend
	ChatBackend
	DirectoryBackend
	FriendRequestBackend
}
