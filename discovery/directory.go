package discovery

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"peerchat/models"
	"peerchat/store"
)

const directoryWriteTimeout = 5 * time.Second

// DirectoryWriter mirrors presence events into the users collection so
// the rest of the app sees LAN peers as ordinary directory entries.
type DirectoryWriter struct {
	store store.Store
	wg    sync.WaitGroup
}

// NewDirectoryWriter creates a writer over the given store.
func NewDirectoryWriter(st store.Store) *DirectoryWriter {
	return &DirectoryWriter{store: st}
}

// Run consumes events until the channel closes.
func (w *DirectoryWriter) Run(events <-chan Event) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for event := range events {
			if err := w.apply(event); err != nil {
				log.Printf("discovery: directory update for %s: %v", event.User.UserID, err)
			}
		}
	}()
}

// Wait blocks until the event channel has closed and pending writes finished.
func (w *DirectoryWriter) Wait() {
	w.wg.Wait()
}

func (w *DirectoryWriter) apply(event Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), directoryWriteTimeout)
	defer cancel()

	switch event.Type {
	case EventUserSeen:
		return w.markOnline(ctx, event.User)
	case EventUserLost:
		return w.markOffline(ctx, event.User.UserID)
	}
	return nil
}

func (w *DirectoryWriter) markOnline(ctx context.Context, user DiscoveredUser) error {
	now := models.NowMillis()

	_, err := w.store.Get(ctx, store.CollectionUsers, user.UserID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		created := models.User{
			ID:        user.UserID,
			Username:  user.Username,
			Email:     user.Email,
			IsOnline:  true,
			LastSeen:  &now,
			CreatedAt: now,
		}
		createErr := w.store.Create(ctx, store.CollectionUsers, user.UserID, created.Fields())
		if createErr == nil {
			return nil
		}
		if !errors.Is(createErr, store.ErrExists) {
			return createErr
		}
		// Lost a create race, fall through to the update path.
	case err != nil:
		return err
	}

	return w.store.Update(ctx, store.CollectionUsers, user.UserID,
		store.Set("username", user.Username),
		store.Set("email", user.Email),
		store.Set("is_online", true),
		store.Set("last_seen", now),
	)
}

func (w *DirectoryWriter) markOffline(ctx context.Context, userID string) error {
	err := w.store.Update(ctx, store.CollectionUsers, userID,
		store.Set("is_online", false),
		store.Set("last_seen", models.NowMillis()),
	)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
