package gateway

import (
	"peerchat/engine"
	"peerchat/models"
	"peerchat/present"
)

// UserEntry is one directory row with its computed presence line.
type UserEntry struct {
	models.User
	Status string `json:"status"`
}

// ConversationEntry is one conversation-list row from the local user's
// perspective.
type ConversationEntry struct {
	ID          string              `json:"id"`
	PeerID      string              `json:"peer_id"`
	Preview     string              `json:"preview"`
	UnreadCount int64               `json:"unread_count"`
	Timestamp   int64               `json:"timestamp"`
	LastMessage *engine.LastMessage `json:"last_message,omitempty"`
}

// State is the full UI state envelope served over /api/state and pushed
// over /ws.
type State struct {
	UserID          string              `json:"user_id"`
	Loading         bool                `json:"loading"`
	Users           []UserEntry         `json:"users"`
	Conversations   []ConversationEntry `json:"conversations"`
	SelectedUser    *models.User        `json:"selected_user,omitempty"`
	ConversationID  string              `json:"conversation_id,omitempty"`
	Messages        []models.Message    `json:"messages"`
	MessagesLoading bool                `json:"messages_loading"`
}

func snapshotState(eng *engine.Engine) State {
	selfID := eng.Identity()
	views := eng.Conversations()

	// Index each private conversation by the peer so presence lines can
	// reflect typing state.
	byPeer := make(map[string]models.Conversation, len(views))
	conversations := make([]ConversationEntry, 0, len(views))
	for _, view := range views {
		conv := view.Conversation
		peerID := conv.OtherParticipant(selfID)
		if peerID != "" {
			byPeer[peerID] = conv
		}
		conversations = append(conversations, ConversationEntry{
			ID:          conv.ID,
			PeerID:      peerID,
			Preview:     present.LastMessagePreview(conv, selfID),
			UnreadCount: view.UnreadCount,
			Timestamp:   conv.LastMessageTimestamp,
			LastMessage: view.LastMessage,
		})
	}

	directory := eng.Users()
	users := make([]UserEntry, 0, len(directory))
	for _, user := range directory {
		users = append(users, UserEntry{
			User:   user,
			Status: present.StatusText(user, byPeer[user.ID]),
		})
	}

	state := State{
		UserID:          selfID,
		Loading:         eng.Loading(),
		Users:           users,
		Conversations:   conversations,
		Messages:        eng.Messages(),
		MessagesLoading: eng.MessagesLoading(),
	}
	if selected, ok := eng.SelectedUser(); ok {
		state.SelectedUser = &selected
	}
	if conv, ok := eng.SelectedConversation(); ok {
		state.ConversationID = conv.ID
	}
	return state
}
