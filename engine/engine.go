// Package engine owns the client-side session state: the user directory,
// the conversation list and the active conversation's messages, all
// derived from live store subscriptions, plus the optimistic-send
// bookkeeping that reconciles local writes with server-confirmed state.
package engine

import (
	"errors"
	"log"
	"sync"
	"time"

	"peerchat/messaging"
	"peerchat/models"
	"peerchat/store"
)

const (
	// DefaultTypingIdleTimeout is how long after the last keystroke the
	// engine reports the user as no longer typing.
	DefaultTypingIdleTimeout = 3 * time.Second
	// DefaultReadMarkDelay postpones the read-receipt sweep after a
	// snapshot so the UI can render first.
	DefaultReadMarkDelay = 300 * time.Millisecond
	// DefaultMessagePageSize bounds the live message window.
	DefaultMessagePageSize = 50

	actionTimeout = 15 * time.Second
)

// Options configures a synchronization engine.
type Options struct {
	Store     store.Store
	Messaging *messaging.Service

	// OnError receives operation failures meant for the user-visible
	// layer. May be nil, in which case failures are logged.
	OnError func(error)
	// OnChange fires after session state mutates, coalesced. May be nil.
	OnChange func()

	TypingIdleTimeout time.Duration
	ReadMarkDelay     time.Duration
	MessagePageSize   int
}

// LastMessage is the preview object synthesized from a conversation's
// denormalized last-message fields.
type LastMessage struct {
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	SenderID  string `json:"sender_id"`
	Type      string `json:"type"`
}

// ConversationView is one conversation-list entry from the local user's
// perspective.
type ConversationView struct {
	Conversation models.Conversation `json:"conversation"`
	UnreadCount  int64               `json:"unread_count"`
	LastMessage  *LastMessage        `json:"last_message,omitempty"`
}

// Engine keeps local session state in sync with the store. All exported
// methods are safe for concurrent use.
type Engine struct {
	options Options

	mu     sync.Mutex
	selfID string

	users         []models.User
	conversations []models.Conversation
	usersReady    bool
	convsReady    bool

	selectedConversation *models.Conversation
	selectedUser         *models.User
	messagesLoading      bool

	// confirmed holds server-confirmed messages keyed by server ID;
	// pending holds optimistic entries keyed by their local ID. Keeping
	// the two keyed separately makes reconciliation a map operation that
	// is idempotent under either arrival order.
	confirmed map[string]models.Message
	pending   map[string]models.Message

	cancelUsers    store.CancelFunc
	cancelConvs    store.CancelFunc
	cancelMessages store.CancelFunc

	readTimer   *time.Timer
	typingOn    bool
	typingTimer *time.Timer

	changeCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	closed   bool
}

// New creates an engine with validated configuration.
func New(options Options) (*Engine, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Messaging == nil {
		return nil, errors.New("messaging service is required")
	}
	if options.TypingIdleTimeout <= 0 {
		options.TypingIdleTimeout = DefaultTypingIdleTimeout
	}
	if options.ReadMarkDelay <= 0 {
		options.ReadMarkDelay = DefaultReadMarkDelay
	}
	if options.MessagePageSize <= 0 {
		options.MessagePageSize = DefaultMessagePageSize
	}

	e := &Engine{
		options:   options,
		confirmed: make(map[string]models.Message),
		pending:   make(map[string]models.Message),
		changeCh:  make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}

	if options.OnChange != nil {
		e.wg.Add(1)
		go e.changeLoop()
	}

	return e, nil
}

// Close tears down every subscription and timer.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancels := e.takeCancelsLocked()
	e.stopTimersLocked()
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	close(e.stopCh)
	e.wg.Wait()
}

// SetIdentity switches the locally authenticated user. A non-empty ID
// opens the directory and conversation subscriptions; an empty ID tears
// everything down and returns to the initial loading state.
func (e *Engine) SetIdentity(userID string) {
	e.mu.Lock()
	if e.closed || e.selfID == userID {
		e.mu.Unlock()
		return
	}

	cancels := e.takeCancelsLocked()
	e.stopTimersLocked()
	e.clearSessionLocked()
	e.selfID = userID
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	if userID == "" {
		e.change()
		return
	}

	e.openIdentitySubscriptions(userID)
	e.change()
}

func (e *Engine) openIdentitySubscriptions(selfID string) {
	cancelUsers, err := e.options.Store.Subscribe(store.Query{
		Collection: store.CollectionUsers,
		Orders: []store.Order{
			{Field: "is_online", Desc: true},
			{Field: "username"},
		},
	}, func(docs []store.Document, initial bool) {
		e.applyUsersSnapshot(selfID, docs)
	}, func(err error) {
		e.degradeStream(err, func() {
			e.users = nil
			e.usersReady = true
		})
	})
	if err != nil {
		e.reportError(err)
		e.degradeStream(nil, func() {
			e.users = nil
			e.usersReady = true
		})
	}

	cancelConvs, err := e.options.Store.Subscribe(store.Query{
		Collection: store.CollectionConversations,
		Wheres: []store.Where{
			{Field: "participants", Op: store.OpArrayContains, Value: selfID},
		},
		Orders: []store.Order{
			{Field: "last_message_timestamp", Desc: true},
		},
	}, func(docs []store.Document, initial bool) {
		e.applyConversationsSnapshot(selfID, docs)
	}, func(err error) {
		e.degradeStream(err, func() {
			e.conversations = nil
			e.convsReady = true
		})
	})
	if err != nil {
		e.reportError(err)
		e.degradeStream(nil, func() {
			e.conversations = nil
			e.convsReady = true
		})
	}

	e.mu.Lock()
	if e.closed || e.selfID != selfID {
		e.mu.Unlock()
		if cancelUsers != nil {
			cancelUsers()
		}
		if cancelConvs != nil {
			cancelConvs()
		}
		return
	}
	e.cancelUsers = cancelUsers
	e.cancelConvs = cancelConvs
	e.mu.Unlock()
}

func (e *Engine) applyUsersSnapshot(selfID string, docs []store.Document) {
	e.mu.Lock()
	defer func() {
		e.mu.Unlock()
		e.change()
	}()
	if e.selfID != selfID {
		return
	}

	users := make([]models.User, 0, len(docs))
	for _, doc := range docs {
		if doc.ID == selfID {
			continue
		}
		users = append(users, models.UserFromFields(doc.ID, doc.Fields))
	}
	e.users = users
	e.usersReady = true

	// Presence changes must reach the selected chat header too.
	if e.selectedUser != nil {
		for i := range users {
			if users[i].ID == e.selectedUser.ID {
				picked := users[i]
				e.selectedUser = &picked
				break
			}
		}
	}
}

func (e *Engine) applyConversationsSnapshot(selfID string, docs []store.Document) {
	e.mu.Lock()
	defer func() {
		e.mu.Unlock()
		e.change()
	}()
	if e.selfID != selfID {
		return
	}

	conversations := make([]models.Conversation, 0, len(docs))
	for _, doc := range docs {
		conversations = append(conversations, models.ConversationFromFields(doc.ID, doc.Fields))
	}
	e.conversations = conversations
	e.convsReady = true

	// Typing flags and counters on the selected conversation flow in
	// through this stream.
	if e.selectedConversation != nil {
		for i := range conversations {
			if conversations[i].ID == e.selectedConversation.ID {
				picked := conversations[i]
				e.selectedConversation = &picked
				break
			}
		}
	}
}

// degradeStream empties one stream's state after a subscription error so
// the session keeps running, and reports the failure.
func (e *Engine) degradeStream(err error, clear func()) {
	e.mu.Lock()
	clear()
	e.mu.Unlock()
	if err != nil {
		e.reportError(err)
	}
	e.change()
}

func (e *Engine) clearSessionLocked() {
	e.selfID = ""
	e.users = nil
	e.conversations = nil
	e.usersReady = false
	e.convsReady = false
	e.selectedConversation = nil
	e.selectedUser = nil
	e.messagesLoading = false
	e.confirmed = make(map[string]models.Message)
	e.pending = make(map[string]models.Message)
	e.typingOn = false
}

func (e *Engine) takeCancelsLocked() []store.CancelFunc {
	var cancels []store.CancelFunc
	for _, cancel := range []store.CancelFunc{e.cancelUsers, e.cancelConvs, e.cancelMessages} {
		if cancel != nil {
			cancels = append(cancels, cancel)
		}
	}
	e.cancelUsers = nil
	e.cancelConvs = nil
	e.cancelMessages = nil
	return cancels
}

func (e *Engine) stopTimersLocked() {
	if e.readTimer != nil {
		e.readTimer.Stop()
		e.readTimer = nil
	}
	if e.typingTimer != nil {
		e.typingTimer.Stop()
		e.typingTimer = nil
	}
}

func (e *Engine) reportError(err error) {
	if err == nil {
		return
	}
	if e.options.OnError != nil {
		e.options.OnError(err)
		return
	}
	log.Printf("engine: %v", err)
}

func (e *Engine) change() {
	if e.options.OnChange == nil {
		return
	}
	select {
	case e.changeCh <- struct{}{}:
	default:
	}
}

func (e *Engine) changeLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.changeCh:
			e.options.OnChange()
		case <-e.stopCh:
			return
		}
	}
}
