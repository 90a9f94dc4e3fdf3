package messaging

import (
	"context"
	"testing"
	"time"

	"peerchat/models"
	"peerchat/store"
)

func newTestService(t *testing.T, options ServiceOptions) (*Service, *store.SQLiteStore) {
	t.Helper()

	st, _, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	options.Store = st
	service, err := NewService(options)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(service.Close)

	return service, st
}

func getConversation(t *testing.T, st store.Store, id string) models.Conversation {
	t.Helper()

	doc, err := st.Get(context.Background(), store.CollectionConversations, id)
	if err != nil {
		t.Fatalf("get conversation %s: %v", id, err)
	}
	return models.ConversationFromFields(doc.ID, doc.Fields)
}

func getMessage(t *testing.T, st store.Store, id string) models.Message {
	t.Helper()

	doc, err := st.Get(context.Background(), store.CollectionMessages, id)
	if err != nil {
		t.Fatalf("get message %s: %v", id, err)
	}
	return models.MessageFromFields(doc.ID, doc.Fields)
}

func waitTyping(t *testing.T, st store.Store, conversationID, userID string, want bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conv := getConversation(t, st, conversationID)
		if conv.IsTyping(userID) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("typing flag for %s never became %v", userID, want)
}
