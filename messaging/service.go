// Package messaging implements the stateless conversation and message
// operations: lookup-or-create, message append with conversation summary
// update, read-receipt sweeps and debounced typing signals.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"peerchat/media"
	"peerchat/models"
	"peerchat/store"
)

const (
	// DefaultTypingDebounce delays the "started typing" write so rapid
	// keystroke bursts coalesce into one store update.
	DefaultTypingDebounce = 300 * time.Millisecond
	// DefaultReadPageSize bounds how many recent messages one read sweep
	// can touch.
	DefaultReadPageSize = 50

	writeTimeout = 10 * time.Second
)

// ServiceOptions configures a messaging service.
type ServiceOptions struct {
	Store    store.Store
	Uploader media.Uploader

	TypingDebounce time.Duration
	ReadPageSize   int
}

// Service performs conversation and message writes against the document
// store. All methods are safe for concurrent use.
type Service struct {
	store    store.Store
	uploader media.Uploader

	typingDebounce time.Duration
	readPageSize   int

	timerMu      sync.Mutex
	typingTimers map[string]*time.Timer
	closed       bool
}

// NewService creates a messaging service with validated configuration.
func NewService(options ServiceOptions) (*Service, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.TypingDebounce <= 0 {
		options.TypingDebounce = DefaultTypingDebounce
	}
	if options.ReadPageSize <= 0 {
		options.ReadPageSize = DefaultReadPageSize
	}

	return &Service{
		store:          options.Store,
		uploader:       options.Uploader,
		typingDebounce: options.TypingDebounce,
		readPageSize:   options.ReadPageSize,
		typingTimers:   make(map[string]*time.Timer),
	}, nil
}

// Close cancels any pending typing timers.
func (s *Service) Close() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.closed = true
	for key, timer := range s.typingTimers {
		timer.Stop()
		delete(s.typingTimers, key)
	}
}

// FindOrCreateConversation returns the private conversation between two
// users, creating it on first contact. The document ID is derived from the
// canonicalized participant pair, so both sides resolve the same
// conversation no matter who initiates, and concurrent first contact
// cannot create duplicates.
func (s *Service) FindOrCreateConversation(ctx context.Context, userA, userB string) (models.Conversation, error) {
	if userA == "" || userB == "" {
		return models.Conversation{}, errors.New("both participant IDs are required")
	}
	if userA == userB {
		return models.Conversation{}, errors.New("cannot open a conversation with yourself")
	}

	participants := models.CanonicalParticipants(userA, userB)
	id := models.PrivateConversationID(userA, userB)

	doc, err := s.store.Get(ctx, store.CollectionConversations, id)
	if err == nil {
		conv := models.ConversationFromFields(doc.ID, doc.Fields)
		return s.normalizeUnreadCounts(ctx, conv)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Conversation{}, fmt.Errorf("look up conversation: %w", err)
	}

	conv := models.Conversation{
		ID:           id,
		Type:         models.ConversationTypePrivate,
		Participants: participants,
		TypingUsers:  []string{},
		UnreadCounts: map[string]int64{participants[0]: 0, participants[1]: 0},
		CreatedAt:    models.NowMillis(),
	}
	err = s.store.Create(ctx, store.CollectionConversations, id, conv.Fields())
	if errors.Is(err, store.ErrExists) {
		// The other participant won the first-contact race.
		doc, err = s.store.Get(ctx, store.CollectionConversations, id)
		if err != nil {
			return models.Conversation{}, fmt.Errorf("fetch conversation after race: %w", err)
		}
		return models.ConversationFromFields(doc.ID, doc.Fields), nil
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// normalizeUnreadCounts back-fills missing unread counter entries with 0,
// writing back only when the map actually changed.
func (s *Service) normalizeUnreadCounts(ctx context.Context, conv models.Conversation) (models.Conversation, error) {
	var ops []store.Op
	if conv.UnreadCounts == nil {
		conv.UnreadCounts = map[string]int64{}
	}
	for _, participant := range conv.Participants {
		if _, ok := conv.UnreadCounts[participant]; !ok {
			conv.UnreadCounts[participant] = 0
			ops = append(ops, store.Set("unread_counts."+participant, 0))
		}
	}
	if len(ops) == 0 {
		return conv, nil
	}
	if err := s.store.Update(ctx, store.CollectionConversations, conv.ID, ops...); err != nil {
		return models.Conversation{}, fmt.Errorf("normalize unread counts: %w", err)
	}
	return conv, nil
}

// SendTextMessage appends a text message and updates the conversation's
// denormalized summary.
func (s *Service) SendTextMessage(ctx context.Context, conversationID, senderID, receiverID, content string) (models.Message, error) {
	if content == "" {
		return models.Message{}, errors.New("message content is required")
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		Type:           models.MessageTypeText,
		ReadBy:         []string{senderID},
		CreatedAt:      models.NowMillis(),
	}
	return s.appendMessage(ctx, msg)
}

// SendMediaMessage uploads the file first and appends the message only on
// upload success. A pipeline rejection means nothing was written anywhere.
func (s *Service) SendMediaMessage(ctx context.Context, conversationID, senderID, receiverID string, upload media.UploadRequest, mediaType string) (models.Message, error) {
	if s.uploader == nil {
		return models.Message{}, errors.New("no media uploader configured")
	}
	if err := models.ValidateMessageType(mediaType); err != nil {
		return models.Message{}, err
	}
	if mediaType == models.MessageTypeText {
		return models.Message{}, errors.New("media messages cannot be of type text")
	}

	upload.Kind = mediaType
	result, err := s.uploader.Upload(ctx, upload)
	if err != nil {
		return models.Message{}, fmt.Errorf("upload media: %w", err)
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        models.MediaLabel(mediaType),
		Type:           mediaType,
		MediaURL:       result.URL,
		ThumbnailURL:   result.ThumbnailURL,
		ReadBy:         []string{senderID},
		CreatedAt:      models.NowMillis(),
	}
	if result.Width > 0 || result.Height > 0 {
		msg.Dimensions = &models.Dimensions{Width: result.Width, Height: result.Height}
	}
	return s.appendMessage(ctx, msg)
}

// appendMessage writes the message, then the conversation summary. The two
// writes are deliberately not a transaction: a summary failure after a
// successful append leaves the conversation preview stale, not wrong.
func (s *Service) appendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if msg.ConversationID == "" || msg.SenderID == "" || msg.ReceiverID == "" {
		return models.Message{}, errors.New("conversation, sender and receiver IDs are required")
	}

	if err := s.store.Create(ctx, store.CollectionMessages, msg.ID, msg.Fields()); err != nil {
		return models.Message{}, fmt.Errorf("append message: %w", err)
	}

	err := s.store.Update(ctx, store.CollectionConversations, msg.ConversationID,
		store.Set("last_message_content", msg.Content),
		store.Set("last_message_timestamp", msg.CreatedAt),
		store.Set("last_message_sender_id", msg.SenderID),
		store.Set("last_message_type", msg.Type),
		store.Increment("unread_counts."+msg.ReceiverID, 1),
		store.ArrayRemove("typing_users", msg.SenderID),
	)
	if err != nil {
		log.Printf("messaging: conversation summary update failed for %s: %v", msg.ConversationID, err)
	}
	return msg, nil
}

// MarkConversationRead resets the user's unread counter and adds the user
// to read_by on every recent message they have not read yet. Repeated
// calls are no-ops beyond the counter reset.
func (s *Service) MarkConversationRead(ctx context.Context, conversationID, userID string) error {
	if conversationID == "" || userID == "" {
		return errors.New("conversation and user IDs are required")
	}

	if err := s.store.Update(ctx, store.CollectionConversations, conversationID,
		store.Set("unread_counts."+userID, 0),
	); err != nil {
		return fmt.Errorf("reset unread counter: %w", err)
	}

	docs, err := s.store.QueryDocs(ctx, store.Query{
		Collection:  store.CollectionMessages,
		Wheres:      []store.Where{{Field: "conversation_id", Op: store.OpEqual, Value: conversationID}},
		Orders:      []store.Order{{Field: "created_at"}},
		Limit:       s.readPageSize,
		LimitToLast: true,
	})
	if err != nil {
		return fmt.Errorf("load recent messages: %w", err)
	}

	var unread []string
	for _, doc := range docs {
		msg := models.MessageFromFields(doc.ID, doc.Fields)
		if msg.SenderID == userID || msg.ReadByUser(userID) {
			continue
		}
		unread = append(unread, msg.ID)
	}
	if len(unread) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(unread))
	for i, id := range unread {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = s.store.Update(ctx, store.CollectionMessages, id,
				store.ArrayUnion("read_by", userID),
			)
		}(i, id)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("mark message read: %w", err)
		}
	}
	return nil
}
