package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/grillo/pkg/realtime"
)

func TestClient_Validation(t *testing.T) {
	_, err := New(Config{})
	require.ErrorContains(t, err, "base URL is empty")
}

func TestClient_AuthAndPaths(t *testing.T) {
	type call struct {
		method string
		path   string
	}
	var calls []call
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		calls = append(calls, call{method: r.Method, path: r.URL.Path})
		switch r.URL.Path {
		case "/api/notifications":
			_ = json.NewEncoder(w).Encode([]realtime.Notification{{ID: 1, Kind: realtime.NotificationLike}})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/", Token: "tok"})
	require.NoError(t, err)

	ctx := context.Background()
	notifs, err := c.NotificationHistory(ctx)
	require.NoError(t, err)
	require.Len(t, notifs, 1)

	require.NoError(t, c.MarkNotificationRead(ctx, 5))
	require.NoError(t, c.RespondFriendRequest(ctx, 9, true))
	require.NoError(t, c.SendDirectMessage(ctx, "bob@demo", "hi"))
	require.NoError(t, c.EditMessage(ctx, 3, "fixed"))

	require.Equal(t, []call{
		{http.MethodGet, "/api/notifications"},
		{http.MethodPost, "/api/notifications/5/read"},
		{http.MethodPost, "/api/friend-requests/9/accept"},
		{http.MethodPost, "/api/messages/direct/bob@demo"},
		{http.MethodPut, "/api/messages/3"},
	}, calls)
}

func TestClient_RejectionsWrapSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "conflict", http.StatusConflict)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	err = c.MarkAllNotificationsRead(context.Background())
	require.ErrorIs(t, err, ErrRequestFailed)
	require.ErrorContains(t, err, "status 409")
}
