package models

import "fmt"

const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeVideo = "video"
	MessageTypeAudio = "audio"
)

// Client-only delivery status values. Never persisted: a message read back
// from the store always has an empty status.
const (
	StatusSending = "sending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Dimensions carries pixel dimensions for image and video messages.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Message is one chat message. Immutable after creation except for read_by,
// which only ever grows.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	ReceiverID     string      `json:"receiver_id"`
	Content        string      `json:"content"`
	Type           string      `json:"type"`
	MediaURL       string      `json:"media_url,omitempty"`
	ThumbnailURL   string      `json:"thumbnail_url,omitempty"`
	Dimensions     *Dimensions `json:"dimensions,omitempty"`
	Duration       float64     `json:"duration,omitempty"`
	ReadBy         []string    `json:"read_by"`
	CreatedAt      int64       `json:"created_at"`

	// Status is the ephemeral client-side delivery state for optimistic
	// entries. Absent once the message is server-confirmed.
	Status string `json:"status,omitempty"`
}

// ReadByUser reports whether a user already appears in read_by.
func (m Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Fields returns the persisted document representation of a message.
// Status is intentionally excluded.
func (m Message) Fields() map[string]any {
	fields := map[string]any{
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"receiver_id":     m.ReceiverID,
		"content":         m.Content,
		"type":            m.Type,
		"read_by":         append([]string(nil), m.ReadBy...),
		"created_at":      m.CreatedAt,
	}
	if m.MediaURL != "" {
		fields["media_url"] = m.MediaURL
	}
	if m.ThumbnailURL != "" {
		fields["thumbnail_url"] = m.ThumbnailURL
	}
	if m.Dimensions != nil {
		fields["dimensions"] = map[string]any{
			"width":  m.Dimensions.Width,
			"height": m.Dimensions.Height,
		}
	}
	if m.Duration != 0 {
		fields["duration"] = m.Duration
	}
	return fields
}

// MessageFromFields rebuilds a message from its persisted document fields.
func MessageFromFields(id string, fields map[string]any) Message {
	msg := Message{
		ID:             id,
		ConversationID: str(fields, "conversation_id"),
		SenderID:       str(fields, "sender_id"),
		ReceiverID:     str(fields, "receiver_id"),
		Content:        str(fields, "content"),
		Type:           str(fields, "type"),
		MediaURL:       str(fields, "media_url"),
		ThumbnailURL:   str(fields, "thumbnail_url"),
		ReadBy:         strSlice(fields, "read_by"),
		CreatedAt:      integer(fields, "created_at"),
	}
	if raw, ok := fields["dimensions"].(map[string]any); ok {
		msg.Dimensions = &Dimensions{
			Width:  int(integer(raw, "width")),
			Height: int(integer(raw, "height")),
		}
	}
	switch v := fields["duration"].(type) {
	case float64:
		msg.Duration = v
	case int64:
		msg.Duration = float64(v)
	case int:
		msg.Duration = float64(v)
	}
	return msg
}

// MediaLabel returns the bracketed human-readable fallback content for a
// media message type, or the empty string for text.
func MediaLabel(messageType string) string {
	switch messageType {
	case MessageTypeImage:
		return "[Image]"
	case MessageTypeVideo:
		return "[Video]"
	case MessageTypeAudio:
		return "[Audio]"
	default:
		return ""
	}
}

// ValidateMessageType rejects unknown message content types.
func ValidateMessageType(messageType string) error {
	switch messageType {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeAudio:
		return nil
	default:
		return fmt.Errorf("invalid message type %q", messageType)
	}
}
