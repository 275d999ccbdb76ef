package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeFrame_RejectsMalformedInput(t *testing.T) {
	_, err := DecodeFrame([]byte("not json"))
	require.Error(t, err)

	_, err = DecodeFrame([]byte(`{}`))
	require.ErrorContains(t, err, "without type")

	_, err = DecodeFrame([]byte(`{"type":"event"}`))
	require.ErrorContains(t, err, "without topic")
}

func TestFrameRoundTrip(t *testing.T) {
	data, err := EncodeFrame(Frame{Type: FrameEvent, Topic: "presence.broadcast", Payload: []byte(`{"online":[]}`)})
	require.NoError(t, err)

	f, err := DecodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, FrameEvent, f.Type)
	require.Equal(t, "presence.broadcast", f.Topic)
	require.JSONEq(t, `{"online":[]}`, string(f.Payload))
}

func TestTopicNames(t *testing.T) {
	require.Equal(t, "notifications.u1@example.com", TopicNotifications("u1@example.com"))
	require.Equal(t, "chat.group.42", TopicGroupChat("42"))
	require.Equal(t, "chat.direct.u1@example.com", TopicDirectChat("u1@example.com"))
}
