package discovery

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventUserSeen is emitted when a user appears or their metadata changes.
	EventUserSeen EventType = "user_seen"
	// EventUserLost is emitted when a previously seen user disappears.
	EventUserLost EventType = "user_lost"
)

// EventType identifies presence updates.
type EventType string

// Event carries presence updates for directory consumers.
type Event struct {
	Type EventType
	User DiscoveredUser
}

// DiscoveredUser contains a user announced on the local network.
type DiscoveredUser struct {
	UserID    string
	Username  string
	Email     string
	Version   int
	HostName  string
	Port      int
	Addresses []string
	LastSeen  time.Time
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// UserScanner discovers users with periodic and manual mDNS browse operations.
type UserScanner struct {
	cfg Config

	browse browseFunc

	mu    sync.RWMutex
	users map[string]DiscoveredUser

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewUserScanner creates a scanner with config defaults applied.
func NewUserScanner(config Config) (*UserScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &UserScanner{
		cfg:             cfg,
		browse:          browse,
		users:           make(map[string]DiscoveredUser),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background presence scanning.
func (s *UserScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return s.startErr
}

// Stop stops background scanning.
func (s *UserScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous presence updates.
func (s *UserScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *UserScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("user scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("user scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("user scanner is stopped")
	}
}

// ListUsers returns the current in-memory discovered users snapshot.
func (s *UserScanner) ListUsers() []DiscoveredUser {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredUser, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Username == out[j].Username {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Username < out[j].Username
	})
	return out
}

func (s *UserScanner) loop() {
	defer s.wg.Done()

	// Prime the directory immediately.
	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *UserScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredUser)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				user, ok := parseEntry(entry, s.cfg.SelfUserID)
				if !ok {
					continue
				}
				user.LastSeen = time.Now()
				collectedMu.Lock()
				collected[user.UserID] = user
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.applySnapshot(next)

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *UserScanner) applySnapshot(next map[string]DiscoveredUser) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.users
	s.users = next

	for id, user := range next {
		old, exists := previous[id]
		if !exists || !usersEqual(old, user) {
			s.emitEvent(Event{Type: EventUserSeen, User: user})
		}
	}

	for id, user := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventUserLost, User: user})
		}
	}
}

func (s *UserScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfUserID string) (DiscoveredUser, bool) {
	txt := txtToMap(entry.Text)

	userID := strings.TrimSpace(txt["user_id"])
	if userID == "" || userID == selfUserID {
		return DiscoveredUser{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	username := strings.TrimSpace(txt["username"])
	if username == "" {
		username = strings.TrimSpace(entry.Instance)
	}
	if username == "" {
		username = userID
	}

	return DiscoveredUser{
		UserID:    userID,
		Username:  username,
		Email:     strings.TrimSpace(txt["email"]),
		Version:   version,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func usersEqual(a, b DiscoveredUser) bool {
	if a.UserID != b.UserID ||
		a.Username != b.Username ||
		a.Email != b.Email ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
