package messaging

import (
	"context"
	"fmt"
	"log"
	"time"

	"peerchat/store"
)

// SetTypingStatus publishes a user's typing state on a conversation.
//
// A "started typing" signal is debounced: the typing_users write is
// scheduled after the debounce window, and any pending write for the same
// conversation is replaced. A "stopped typing" signal cancels the pending
// write and removes the flag immediately and unconditionally, so the flag
// can never stick after the user stops. Timers are held per conversation;
// typing in one conversation never cancels a pending signal in another.
func (s *Service) SetTypingStatus(conversationID, userID string, isTyping bool) error {
	if conversationID == "" || userID == "" {
		return fmt.Errorf("conversation and user IDs are required")
	}
	key := conversationID + "/" + userID

	s.timerMu.Lock()
	if timer, ok := s.typingTimers[key]; ok {
		timer.Stop()
		delete(s.typingTimers, key)
	}
	if s.closed {
		s.timerMu.Unlock()
		return nil
	}

	if isTyping {
		var timer *time.Timer
		timer = time.AfterFunc(s.typingDebounce, func() {
			// A stop or restart landing between the timer firing and the
			// write replaces or removes the registered timer, so only the
			// still-registered timer may set the flag. The write happens
			// under timerMu while the timer is registered, which forces a
			// concurrent stop's removal to commit after the flag is set
			// instead of being overtaken by it.
			s.timerMu.Lock()
			defer s.timerMu.Unlock()
			if s.typingTimers[key] != timer {
				return
			}
			delete(s.typingTimers, key)

			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			defer cancel()
			if err := s.store.Update(ctx, store.CollectionConversations, conversationID,
				store.ArrayUnion("typing_users", userID),
			); err != nil {
				// Best effort only; the flag simply never appears.
				logTypingError(conversationID, err)
			}
		})
		s.typingTimers[key] = timer
		s.timerMu.Unlock()
		return nil
	}
	s.timerMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.store.Update(ctx, store.CollectionConversations, conversationID,
		store.ArrayRemove("typing_users", userID),
	); err != nil {
		return fmt.Errorf("clear typing flag: %w", err)
	}
	return nil
}

func logTypingError(conversationID string, err error) {
	log.Printf("messaging: typing flag update failed for %s: %v", conversationID, err)
}
