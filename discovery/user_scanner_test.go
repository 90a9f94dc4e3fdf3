package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestUserScannerFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfUserID:      "self-user",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-user", "self", 9999, "10.0.0.1")
			entries <- testServiceEntry("user-1", "bob", 9998, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("user-2", "carol", 9997, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewUserScanner(cfg)
	if err != nil {
		t.Fatalf("NewUserScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		users := scanner.ListUsers()
		return len(users) == 1 && users[0].UserID == "user-1"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return len(scanner.ListUsers()) == 2
	})
}

func TestUserScannerBackgroundPollingAndLostEvent(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfUserID:      "self-user",
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("user-1", "bob", 9998, "10.0.0.2")
				entries <- testServiceEntry("user-2", "carol", 9997, "10.0.0.3")
			} else {
				entries <- testServiceEntry("user-2", "carol", 9997, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewUserScanner(cfg)
	if err != nil {
		t.Fatalf("NewUserScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		users := scanner.ListUsers()
		return len(users) == 1 && users[0].UserID == "user-2"
	})

	if !waitForEvent(scanner.Events(), EventUserLost, "user-1", 2*time.Second) {
		t.Fatalf("expected lost event for user-1")
	}
}

func TestUserScannerRefreshIgnoresDeadlineExceededFromBrowse(t *testing.T) {
	cfg := Config{
		SelfUserID:      "self-user",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("user-1", "bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	scanner, err := NewUserScanner(cfg)
	if err != nil {
		t.Fatalf("NewUserScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		users := scanner.ListUsers()
		return len(users) == 1 && users[0].UserID == "user-1"
	})
}

func TestParseEntryFallsBackToInstanceName(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: "bob-laptop",
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: "bob-laptop.local",
		Port:     9998,
		Text:     []string{"user_id=user-1", "version=1"},
		AddrIPv4: []net.IP{net.ParseIP("10.0.0.2")},
	}

	user, ok := parseEntry(entry, "self-user")
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if user.Username != "bob-laptop" {
		t.Fatalf("expected instance name fallback, got %q", user.Username)
	}
}

func testServiceEntry(userID, username string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: username,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: username + ".local",
		Port:     port,
		Text: []string{
			"user_id=" + userID,
			"username=" + username,
			"email=" + username + "@local",
			"version=1",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, userID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.User.UserID == userID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
