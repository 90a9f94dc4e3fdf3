package engine

import (
	"context"
	"testing"
	"time"

	"peerchat/messaging"
	"peerchat/models"
	"peerchat/store"
)

type testRig struct {
	store   store.Store
	service *messaging.Service
	engine  *Engine
}

func newTestRig(t *testing.T, wrap func(store.Store) store.Store) *testRig {
	t.Helper()

	sqlite, _, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := sqlite.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	var st store.Store = sqlite
	if wrap != nil {
		st = wrap(st)
	}

	service, err := messaging.NewService(messaging.ServiceOptions{
		Store:          st,
		TypingDebounce: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new messaging service: %v", err)
	}
	t.Cleanup(service.Close)

	eng, err := New(Options{
		Store:             st,
		Messaging:         service,
		TypingIdleTimeout: 80 * time.Millisecond,
		ReadMarkDelay:     30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)

	return &testRig{store: st, service: service, engine: eng}
}

func (r *testRig) seedUser(t *testing.T, id, username string, online bool) models.User {
	t.Helper()

	user := models.User{
		ID:        id,
		Username:  username,
		Email:     username + "@example.com",
		IsOnline:  online,
		CreatedAt: models.NowMillis(),
	}
	if err := r.store.Create(context.Background(), store.CollectionUsers, id, user.Fields()); err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
	return user
}

func (r *testRig) conversation(t *testing.T, id string) models.Conversation {
	t.Helper()

	doc, err := r.store.Get(context.Background(), store.CollectionConversations, id)
	if err != nil {
		t.Fatalf("get conversation %s: %v", id, err)
	}
	return models.ConversationFromFields(doc.ID, doc.Fields)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
