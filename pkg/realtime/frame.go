package realtime

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// FrameType tags a wire frame. The set is closed; unknown types are dropped
// at the read loop with a diagnostic log.
type FrameType string

const (
	FrameConnect     FrameType = "connect"
	FrameConnected   FrameType = "connected"
	FrameError       FrameType = "error"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameEvent       FrameType = "event"
	FramePing        FrameType = "ping"
	FramePong        FrameType = "pong"
)

// Frame is the single envelope exchanged over the persistent connection.
// Event frames carry a topic and an opaque payload; the stores own decoding.
type Frame struct {
	Type    FrameType       `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type connectPayload struct {
	Identity Identity `json:"identity"`
	Token    string   `json:"token"`
}

func EncodeFrame(f Frame) ([]byte, error) {
	if f.Type == "" {
		return nil, errors.New("frame type is empty")
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "encode frame")
	}
	return b, nil
}

func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.Wrap(err, "decode frame")
	}
	if f.Type == "" {
		return Frame{}, errors.New("frame without type")
	}
	if f.Type == FrameEvent && f.Topic == "" {
		return Frame{}, errors.New("event frame without topic")
	}
	return f, nil
}

// Topic names for the wire contract. Presence and the per-user notification
// queue are session-scoped; chat topics are opened per active conversation.
const TopicPresence = "presence.broadcast"

func TopicNotifications(id Identity) string { return "notifications." + string(id) }

func TopicGroupChat(groupID string) string { return "chat.group." + groupID }

// TopicDirectChat is the subscriber's own direct-message queue. It is shared
// across all DM partners; ChatSession filters events by counterpart.
func TopicDirectChat(id Identity) string { return "chat.direct." + string(id) }
