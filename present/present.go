// Package present holds the pure display-policy helpers: conversation
// preview strings, contact status labels and sender resolution. They are
// kept out of the engine so the policy (truncation, label precedence) can
// be tested without any live state.
package present

import (
	"fmt"
	"time"

	"peerchat/models"
)

const (
	// NoMessagesPreview is shown for conversations without any message.
	NoMessagesPreview = "No messages yet"

	// previewMaxRunes bounds a rendered preview; longer text is cut to
	// previewCutRunes plus an ellipsis.
	previewMaxRunes = 30
	previewCutRunes = 27
)

var previewLabels = map[string]string{
	models.MessageTypeImage: "📸 Image",
	models.MessageTypeVideo: "🎥 Video",
	models.MessageTypeAudio: "🎵 Audio",
}

// LastMessagePreview renders the one-line preview for a conversation list
// entry from the denormalized last-message fields.
func LastMessagePreview(conv models.Conversation, selfID string) string {
	if conv.LastMessageTimestamp == 0 && conv.LastMessageContent == "" {
		return NoMessagesPreview
	}

	var prefix string
	if conv.LastMessageSenderID == selfID {
		prefix = "You: "
	}

	if label, ok := previewLabels[conv.LastMessageType]; ok {
		return prefix + label
	}

	return prefix + truncate(conv.LastMessageContent)
}

func truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= previewMaxRunes {
		return text
	}
	return string(runes[:previewCutRunes]) + "..."
}

// StatusText returns the status line for a contact, with strict
// precedence: typing, then online, then relative last-seen, then offline.
func StatusText(user models.User, conv models.Conversation) string {
	return StatusTextAt(user, conv, time.Now())
}

// StatusTextAt is StatusText with an explicit clock.
func StatusTextAt(user models.User, conv models.Conversation, now time.Time) string {
	if conv.IsTyping(user.ID) {
		return "typing..."
	}
	if user.IsOnline {
		return "Online"
	}
	if user.LastSeen != nil {
		return "Last seen " + relativeTime(*user.LastSeen, now)
	}
	return "Offline"
}

func relativeTime(millis int64, now time.Time) string {
	elapsed := now.Sub(time.UnixMilli(millis))
	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm ago", int(elapsed.Minutes()))
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(elapsed.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(elapsed.Hours()/24))
	}
}

// ResolveSender finds the message sender. The current user is matched
// without scanning the directory; unknown senders resolve to not-found
// rather than an error so a missing directory entry skips rendering.
func ResolveSender(msg models.Message, self models.User, directory []models.User) (models.User, bool) {
	if msg.SenderID == self.ID {
		return self, true
	}
	for _, user := range directory {
		if user.ID == msg.SenderID {
			return user, true
		}
	}
	return models.User{}, false
}
