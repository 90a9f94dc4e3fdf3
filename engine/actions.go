package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"peerchat/media"
	"peerchat/models"
	"peerchat/store"
)

// ErrNoIdentity is returned by actions that require an authenticated user.
var ErrNoIdentity = errors.New("engine: no authenticated identity")

// ErrNoSelection is returned by actions that require an open conversation.
var ErrNoSelection = errors.New("engine: no conversation selected")

// SelectUserForChat resolves (or creates) the private conversation with a
// user and swaps the live message subscription onto it. The previous
// message stream is always cancelled before the new one opens.
func (e *Engine) SelectUserForChat(ctx context.Context, user models.User) (models.Conversation, error) {
	e.mu.Lock()
	selfID := e.selfID
	e.mu.Unlock()
	if selfID == "" {
		return models.Conversation{}, ErrNoIdentity
	}

	conv, err := e.options.Messaging.FindOrCreateConversation(ctx, selfID, user.ID)
	if err != nil {
		e.reportError(err)
		return models.Conversation{}, err
	}

	e.mu.Lock()
	if e.closed || e.selfID != selfID {
		e.mu.Unlock()
		return models.Conversation{}, ErrNoIdentity
	}
	oldCancel := e.cancelMessages
	e.cancelMessages = nil
	pickedConv := conv
	pickedUser := user
	e.selectedConversation = &pickedConv
	e.selectedUser = &pickedUser
	e.confirmed = make(map[string]models.Message)
	e.pending = make(map[string]models.Message)
	e.messagesLoading = true
	e.typingOn = false
	e.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	e.change()

	cancel, err := e.options.Store.Subscribe(store.Query{
		Collection: store.CollectionMessages,
		Wheres: []store.Where{
			{Field: "conversation_id", Op: store.OpEqual, Value: conv.ID},
		},
		Orders:      []store.Order{{Field: "created_at"}},
		Limit:       e.options.MessagePageSize,
		LimitToLast: true,
	}, func(docs []store.Document, initial bool) {
		e.applyMessagesSnapshot(conv.ID, docs)
	}, func(err error) {
		e.degradeStream(err, func() {
			if e.selectedConversation != nil && e.selectedConversation.ID == conv.ID {
				e.confirmed = make(map[string]models.Message)
				e.messagesLoading = false
			}
		})
	})
	if err != nil {
		e.reportError(fmt.Errorf("subscribe to messages: %w", err))
		e.degradeStream(nil, func() {
			e.messagesLoading = false
		})
		return conv, nil
	}

	e.mu.Lock()
	stillSelected := e.selectedConversation != nil && e.selectedConversation.ID == conv.ID && !e.closed
	if stillSelected {
		e.cancelMessages = cancel
	}
	e.mu.Unlock()
	if !stillSelected {
		cancel()
	}

	return conv, nil
}

func (e *Engine) applyMessagesSnapshot(conversationID string, docs []store.Document) {
	e.mu.Lock()
	if e.selectedConversation == nil || e.selectedConversation.ID != conversationID {
		e.mu.Unlock()
		return
	}

	confirmed := make(map[string]models.Message, len(docs))
	unreadFromOthers := false
	for _, doc := range docs {
		msg := models.MessageFromFields(doc.ID, doc.Fields)
		confirmed[msg.ID] = msg
		if msg.SenderID != e.selfID && !msg.ReadByUser(e.selfID) {
			unreadFromOthers = true
		}
	}
	e.confirmed = confirmed
	e.messagesLoading = false

	if unreadFromOthers {
		e.scheduleReadMarkLocked(conversationID)
	}
	e.mu.Unlock()
	e.change()
}

// scheduleReadMarkLocked coalesces read-receipt sweeps: one timer per
// selected conversation, delayed so the UI renders the snapshot first.
func (e *Engine) scheduleReadMarkLocked(conversationID string) {
	if e.readTimer != nil {
		return
	}
	selfID := e.selfID
	e.readTimer = time.AfterFunc(e.options.ReadMarkDelay, func() {
		e.mu.Lock()
		e.readTimer = nil
		stillSelected := e.selectedConversation != nil && e.selectedConversation.ID == conversationID && e.selfID == selfID
		e.mu.Unlock()
		if !stillSelected {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		if err := e.options.Messaging.MarkConversationRead(ctx, conversationID, selfID); err != nil {
			// Best effort; unread messages stay unread until the next snapshot.
			log.Printf("engine: mark conversation read: %v", err)
		}
	})
}

// ResetChatWindow deselects the active conversation: the typing flag is
// cleared best-effort, the message stream is cancelled and the message
// list emptied.
func (e *Engine) ResetChatWindow() {
	e.mu.Lock()
	selfID := e.selfID
	var conversationID string
	if e.selectedConversation != nil {
		conversationID = e.selectedConversation.ID
	}
	cancel := e.cancelMessages
	e.cancelMessages = nil
	e.selectedConversation = nil
	e.selectedUser = nil
	e.confirmed = make(map[string]models.Message)
	e.pending = make(map[string]models.Message)
	e.messagesLoading = false
	e.typingOn = false
	if e.readTimer != nil {
		e.readTimer.Stop()
		e.readTimer = nil
	}
	if e.typingTimer != nil {
		e.typingTimer.Stop()
		e.typingTimer = nil
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conversationID != "" && selfID != "" {
		if err := e.options.Messaging.SetTypingStatus(conversationID, selfID, false); err != nil {
			log.Printf("engine: clear typing on reset: %v", err)
		}
	}
	e.change()
}

// SendMessage performs an optimistic text send: a temporary entry with a
// local ID appears immediately, then is replaced by the server-confirmed
// message or rolled back on failure.
func (e *Engine) SendMessage(ctx context.Context, content string) (models.Message, error) {
	return e.sendOptimistic(ctx, content, models.MessageTypeText, func(ctx context.Context, conv models.Conversation, selfID, receiverID string) (models.Message, error) {
		return e.options.Messaging.SendTextMessage(ctx, conv.ID, selfID, receiverID, content)
	})
}

// SendMediaMessage uploads and sends a media attachment with the same
// optimistic bookkeeping as text.
func (e *Engine) SendMediaMessage(ctx context.Context, upload media.UploadRequest, mediaType string) (models.Message, error) {
	return e.sendOptimistic(ctx, models.MediaLabel(mediaType), mediaType, func(ctx context.Context, conv models.Conversation, selfID, receiverID string) (models.Message, error) {
		return e.options.Messaging.SendMediaMessage(ctx, conv.ID, selfID, receiverID, upload, mediaType)
	})
}

func (e *Engine) sendOptimistic(ctx context.Context, previewContent, messageType string, send func(context.Context, models.Conversation, string, string) (models.Message, error)) (models.Message, error) {
	e.mu.Lock()
	if e.selfID == "" {
		e.mu.Unlock()
		return models.Message{}, ErrNoIdentity
	}
	if e.selectedConversation == nil {
		e.mu.Unlock()
		return models.Message{}, ErrNoSelection
	}
	conv := *e.selectedConversation
	selfID := e.selfID
	receiverID := conv.OtherParticipant(selfID)

	localID := uuid.NewString()
	temp := models.Message{
		ID:             localID,
		ConversationID: conv.ID,
		SenderID:       selfID,
		ReceiverID:     receiverID,
		Content:        previewContent,
		Type:           messageType,
		ReadBy:         []string{selfID},
		CreatedAt:      models.NowMillis(),
		Status:         models.StatusSending,
	}
	e.pending[localID] = temp
	typingWasOn := e.typingOn
	e.typingOn = false
	if e.typingTimer != nil {
		e.typingTimer.Stop()
		e.typingTimer = nil
	}
	e.mu.Unlock()
	e.change()

	if typingWasOn {
		if err := e.options.Messaging.SetTypingStatus(conv.ID, selfID, false); err != nil {
			log.Printf("engine: clear typing on send: %v", err)
		}
	}

	msg, err := send(ctx, conv, selfID, receiverID)

	e.mu.Lock()
	// Dropping a local ID that a conversation switch already cleared is a
	// no-op, and confirming a message the subscription has already
	// delivered just overwrites the same key. Both orderings converge on
	// one visible copy. If the snapshot lands while the send is still
	// returning, the temp and the confirmed copy can both be visible for
	// that instant; the pending entry carries no server ID to match the
	// snapshot against, so the window closes here instead of eagerly.
	delete(e.pending, localID)
	if err == nil {
		if e.selectedConversation != nil && e.selectedConversation.ID == conv.ID {
			e.confirmed[msg.ID] = msg
		}
	}
	e.mu.Unlock()
	e.change()

	if err != nil {
		e.reportError(err)
		return models.Message{}, err
	}
	return msg, nil
}

// SetTyping receives raw keystroke activity from the input surface and
// edge-detects it: the store sees isTyping=true once per burst and
// isTyping=false after the idle timeout, on send, or on explicit stop.
func (e *Engine) SetTyping(active bool) {
	e.mu.Lock()
	if e.selfID == "" || e.selectedConversation == nil {
		e.mu.Unlock()
		return
	}
	conversationID := e.selectedConversation.ID
	selfID := e.selfID

	leadingEdge := active && !e.typingOn
	trailingEdge := !active && e.typingOn
	e.typingOn = active

	if e.typingTimer != nil {
		e.typingTimer.Stop()
		e.typingTimer = nil
	}
	if active {
		e.typingTimer = time.AfterFunc(e.options.TypingIdleTimeout, func() {
			e.typingIdleExpired(conversationID, selfID)
		})
	}
	e.mu.Unlock()

	if leadingEdge {
		if err := e.options.Messaging.SetTypingStatus(conversationID, selfID, true); err != nil {
			log.Printf("engine: start typing: %v", err)
		}
	}
	if trailingEdge {
		if err := e.options.Messaging.SetTypingStatus(conversationID, selfID, false); err != nil {
			log.Printf("engine: stop typing: %v", err)
		}
	}
}

func (e *Engine) typingIdleExpired(conversationID, selfID string) {
	e.mu.Lock()
	stillTyping := e.typingOn && e.selectedConversation != nil && e.selectedConversation.ID == conversationID
	if stillTyping {
		e.typingOn = false
		e.typingTimer = nil
	}
	e.mu.Unlock()
	if !stillTyping {
		return
	}
	if err := e.options.Messaging.SetTypingStatus(conversationID, selfID, false); err != nil {
		log.Printf("engine: typing idle timeout: %v", err)
	}
}
