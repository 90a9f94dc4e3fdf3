package gateway

import (
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestHubBroadcastReachesAllClients(t *testing.T) {
	hub := NewHub()
	first := &fakeConn{}
	second := &fakeConn{}
	hub.add(first)
	hub.add(second)

	hub.Broadcast([]byte(`{"type":"state"}`))

	waitHub(t, func() bool {
		return first.frameCount() == 1 && second.frameCount() == 1
	})
}

func TestHubRemoveStopsDelivery(t *testing.T) {
	hub := NewHub()
	conn := &fakeConn{}
	c := hub.add(conn)

	hub.Broadcast([]byte("one"))
	waitHub(t, func() bool { return conn.frameCount() == 1 })

	hub.remove(c)
	if hub.Len() != 0 {
		t.Fatalf("client still registered after remove")
	}

	hub.Broadcast([]byte("two"))
	time.Sleep(50 * time.Millisecond)
	if conn.frameCount() != 1 {
		t.Fatalf("removed client still received frames")
	}
}

func TestHubCloseRejectsNewClients(t *testing.T) {
	hub := NewHub()
	existing := &fakeConn{}
	hub.add(existing)

	hub.Close()

	waitHub(t, func() bool {
		existing.mu.Lock()
		defer existing.mu.Unlock()
		return existing.closed
	})

	late := &fakeConn{}
	if c := hub.add(late); c != nil {
		t.Fatalf("closed hub handed out a client")
	}
	if hub.Len() != 0 {
		t.Fatalf("closed hub accepted a client")
	}
}

func TestSocketDuringShutdownDoesNotPanic(t *testing.T) {
	hub := NewHub()
	hub.Close()

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("connection after shutdown panicked: %v", r)
		}
	}()

	c := hub.add(&fakeConn{})
	if c != nil {
		// A registered client would put the seed on a live channel;
		// after Close there is no live channel to seed.
		t.Fatalf("add after Close returned a client")
	}
}

func waitHub(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}
