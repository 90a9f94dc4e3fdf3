package engine

import (
	"sort"

	"peerchat/models"
)

// Users returns the user directory, online first then alphabetical,
// excluding the local user.
func (e *Engine) Users() []models.User {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.User(nil), e.users...)
}

// Conversations returns the conversation list, most recent activity
// first, with per-view unread counts and synthesized previews.
func (e *Engine) Conversations() []ConversationView {
	e.mu.Lock()
	defer e.mu.Unlock()

	views := make([]ConversationView, 0, len(e.conversations))
	for _, conv := range e.conversations {
		view := ConversationView{
			Conversation: conv,
			UnreadCount:  conv.UnreadCounts[e.selfID],
		}
		if conv.LastMessageTimestamp != 0 || conv.LastMessageContent != "" {
			view.LastMessage = &LastMessage{
				Content:   conv.LastMessageContent,
				Timestamp: conv.LastMessageTimestamp,
				SenderID:  conv.LastMessageSenderID,
				Type:      conv.LastMessageType,
			}
		}
		views = append(views, view)
	}
	return views
}

// Messages returns the active conversation's visible message list:
// confirmed and optimistic entries merged, ordered by creation time.
// Order is always re-derived from timestamps, never from arrival order.
func (e *Engine) Messages() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.Message, 0, len(e.confirmed)+len(e.pending))
	for _, msg := range e.confirmed {
		out = append(out, msg)
	}
	for _, msg := range e.pending {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SelectedConversation returns the active conversation, if any.
func (e *Engine) SelectedConversation() (models.Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.selectedConversation == nil {
		return models.Conversation{}, false
	}
	return *e.selectedConversation, true
}

// SelectedUser returns the peer of the active conversation, if any.
func (e *Engine) SelectedUser() (models.User, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.selectedUser == nil {
		return models.User{}, false
	}
	return *e.selectedUser, true
}

// Identity returns the locally authenticated user ID, or "".
func (e *Engine) Identity() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selfID
}

// Loading reports whether the initial directory and conversation
// snapshots are still outstanding.
func (e *Engine) Loading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.selfID == "" {
		return true
	}
	return !(e.usersReady && e.convsReady)
}

// MessagesLoading reports whether the active conversation's first
// snapshot is still outstanding.
func (e *Engine) MessagesLoading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.messagesLoading
}
