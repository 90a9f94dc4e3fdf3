package models

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

const (
	ConversationTypePrivate = "private"
	ConversationTypeGroup   = "group"
)

// conversationNamespace seeds deterministic private conversation IDs so that
// both participants derive the same document ID regardless of who makes first
// contact. This removes the query-then-create race entirely.
var conversationNamespace = uuid.MustParse("b4b1b9a0-35c8-5ff2-9f82-6f7cf1a0d1c4")

// Conversation is the persisted conversation document, including the
// denormalized last-message summary used to render conversation lists
// without fetching messages.
type Conversation struct {
	ID                   string           `json:"id"`
	Type                 string           `json:"type"`
	Participants         []string         `json:"participants"`
	TypingUsers          []string         `json:"typing_users"`
	UnreadCounts         map[string]int64 `json:"unread_counts"`
	LastMessageContent   string           `json:"last_message_content,omitempty"`
	LastMessageTimestamp int64            `json:"last_message_timestamp,omitempty"`
	LastMessageSenderID  string           `json:"last_message_sender_id,omitempty"`
	LastMessageType      string           `json:"last_message_type,omitempty"`
	CreatedAt            int64            `json:"created_at"`
}

// CanonicalParticipants returns the private-conversation participant pair in
// its canonical (lexicographically sorted) order.
func CanonicalParticipants(userA, userB string) []string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return pair
}

// PrivateConversationID derives the deterministic document ID for the private
// conversation between two users.
func PrivateConversationID(userA, userB string) string {
	pair := CanonicalParticipants(userA, userB)
	return uuid.NewSHA1(conversationNamespace, []byte(pair[0]+"\x00"+pair[1])).String()
}

// HasParticipant reports whether a user belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// IsTyping reports whether a user is currently flagged as typing.
func (c Conversation) IsTyping(userID string) bool {
	for _, id := range c.TypingUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the peer of a private conversation from the
// perspective of selfID, or "" for group conversations.
func (c Conversation) OtherParticipant(selfID string) string {
	if c.Type != ConversationTypePrivate {
		return ""
	}
	for _, id := range c.Participants {
		if id != selfID {
			return id
		}
	}
	return ""
}

// Fields returns the persisted document representation of a conversation.
func (c Conversation) Fields() map[string]any {
	fields := map[string]any{
		"type":          c.Type,
		"participants":  append([]string(nil), c.Participants...),
		"typing_users":  append([]string(nil), c.TypingUsers...),
		"unread_counts": copyCounts(c.UnreadCounts),
		"created_at":    c.CreatedAt,
	}
	if c.LastMessageContent != "" {
		fields["last_message_content"] = c.LastMessageContent
	}
	if c.LastMessageTimestamp != 0 {
		fields["last_message_timestamp"] = c.LastMessageTimestamp
	}
	if c.LastMessageSenderID != "" {
		fields["last_message_sender_id"] = c.LastMessageSenderID
	}
	if c.LastMessageType != "" {
		fields["last_message_type"] = c.LastMessageType
	}
	return fields
}

// ConversationFromFields rebuilds a conversation from its persisted document
// fields.
func ConversationFromFields(id string, fields map[string]any) Conversation {
	conv := Conversation{
		ID:                   id,
		Type:                 str(fields, "type"),
		Participants:         strSlice(fields, "participants"),
		TypingUsers:          strSlice(fields, "typing_users"),
		UnreadCounts:         countMap(fields, "unread_counts"),
		LastMessageContent:   str(fields, "last_message_content"),
		LastMessageTimestamp: integer(fields, "last_message_timestamp"),
		LastMessageSenderID:  str(fields, "last_message_sender_id"),
		LastMessageType:      str(fields, "last_message_type"),
		CreatedAt:            integer(fields, "created_at"),
	}
	if conv.UnreadCounts == nil {
		conv.UnreadCounts = map[string]int64{}
	}
	return conv
}

// ValidateConversationType rejects unknown conversation types.
func ValidateConversationType(conversationType string) error {
	switch conversationType {
	case ConversationTypePrivate, ConversationTypeGroup:
		return nil
	default:
		return fmt.Errorf("invalid conversation type %q", conversationType)
	}
}

func copyCounts(counts map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}
