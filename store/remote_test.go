package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// fakeGateway is an in-memory document store speaking the remote wire
// protocol, enough to exercise the client end to end.
type fakeGateway struct {
	mu   sync.Mutex
	docs map[string]map[string]Document // collection -> id -> doc
	subs map[string]*fakeGatewaySub

	connMu     sync.Mutex
	activeConn *websocket.Conn
}

type fakeGatewaySub struct {
	conn  *websocket.Conn
	wmu   *sync.Mutex
	query Query
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		docs: make(map[string]map[string]Document),
		subs: make(map[string]*fakeGatewaySub),
	}
}

func (g *fakeGateway) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		g.connMu.Lock()
		g.activeConn = conn
		g.connMu.Unlock()

		var wmu sync.Mutex
		for {
			_, raw, err := conn.Read(r.Context())
			if err != nil {
				g.dropConnSubs(conn)
				return
			}
			var req wireRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				continue
			}
			g.handle(r.Context(), conn, &wmu, req)
		}
	})
}

func (g *fakeGateway) dropActiveConn() {
	g.connMu.Lock()
	conn := g.activeConn
	g.connMu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "test disconnect")
	}
}

func (g *fakeGateway) dropConnSubs(conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, sub := range g.subs {
		if sub.conn == conn {
			delete(g.subs, id)
		}
	}
}

func (g *fakeGateway) handle(ctx context.Context, conn *websocket.Conn, wmu *sync.Mutex, req wireRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()

	reply := func(resp wireResponse) {
		raw, _ := json.Marshal(resp)
		wmu.Lock()
		_ = conn.Write(ctx, websocket.MessageText, raw)
		wmu.Unlock()
	}

	switch req.Type {
	case "create":
		coll := g.docs[req.Collection]
		if coll == nil {
			coll = make(map[string]Document)
			g.docs[req.Collection] = coll
		}
		if _, exists := coll[req.DocID]; exists {
			reply(wireResponse{Type: "error", ID: req.ID, Code: wireCodeExists, Error: "document exists"})
			return
		}
		fields := req.Fields
		if fields == nil {
			fields = map[string]any{}
		}
		coll[req.DocID] = Document{ID: req.DocID, Fields: fields}
		reply(wireResponse{Type: "result", ID: req.ID})
		g.notifyLocked(ctx, req.Collection)
	case "get":
		doc, ok := g.docs[req.Collection][req.DocID]
		if !ok {
			reply(wireResponse{Type: "error", ID: req.ID, Code: wireCodeNotFound, Error: "document not found"})
			return
		}
		reply(wireResponse{Type: "result", ID: req.ID, Doc: &wireDoc{ID: doc.ID, Fields: doc.Fields}})
	case "update":
		doc, ok := g.docs[req.Collection][req.DocID]
		if !ok {
			reply(wireResponse{Type: "error", ID: req.ID, Code: wireCodeNotFound, Error: "document not found"})
			return
		}
		if err := applyOps(doc.Fields, decodeOps(req.Ops)); err != nil {
			reply(wireResponse{Type: "error", ID: req.ID, Error: err.Error()})
			return
		}
		reply(wireResponse{Type: "result", ID: req.ID})
		g.notifyLocked(ctx, req.Collection)
	case "query":
		q := decodeQuery(req.Query)
		reply(wireResponse{Type: "result", ID: req.ID, Docs: g.evalLocked(q)})
	case "subscribe":
		q := decodeQuery(req.Query)
		g.subs[req.Sub] = &fakeGatewaySub{conn: conn, wmu: wmu, query: q}
		reply(wireResponse{Type: "result", ID: req.ID})
		g.pushSnapshotLocked(ctx, req.Sub, true)
	case "unsubscribe":
		delete(g.subs, req.Sub)
		reply(wireResponse{Type: "result", ID: req.ID})
	}
}

func (g *fakeGateway) evalLocked(q Query) []wireDoc {
	var all []Document
	for _, doc := range g.docs[q.Collection] {
		all = append(all, doc)
	}
	filtered := applyQuery(all, q)
	out := make([]wireDoc, 0, len(filtered))
	for _, doc := range filtered {
		out = append(out, wireDoc{ID: doc.ID, Fields: doc.Fields})
	}
	return out
}

func (g *fakeGateway) notifyLocked(ctx context.Context, collection string) {
	for id, sub := range g.subs {
		if sub.query.Collection == collection {
			g.pushSnapshotLocked(ctx, id, false)
		}
	}
}

func (g *fakeGateway) pushSnapshotLocked(ctx context.Context, subID string, initial bool) {
	sub, ok := g.subs[subID]
	if !ok {
		return
	}
	raw, _ := json.Marshal(wireResponse{
		Type:    "snapshot",
		Sub:     subID,
		Docs:    g.evalLocked(sub.query),
		Initial: initial,
	})
	sub.wmu.Lock()
	_ = sub.conn.Write(ctx, websocket.MessageText, raw)
	sub.wmu.Unlock()
}

func newRemotePair(t *testing.T, opts RemoteOptions) (*fakeGateway, *RemoteStore) {
	t.Helper()

	gateway := newFakeGateway()
	server := httptest.NewServer(gateway.handler())
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	remote, err := Dial(ctx, url, opts)
	if err != nil {
		t.Fatalf("dial fake gateway: %v", err)
	}
	t.Cleanup(func() {
		_ = remote.Close()
	})
	return gateway, remote
}

func TestRemoteCreateGetUpdateQuery(t *testing.T) {
	_, remote := newRemotePair(t, RemoteOptions{})
	ctx := context.Background()

	mustCreate(t, remote, CollectionUsers, "u1", map[string]any{"username": "alice", "is_online": true})

	if err := remote.Create(ctx, CollectionUsers, "u1", map[string]any{}); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate create: expected ErrExists, got %v", err)
	}
	if _, err := remote.Get(ctx, CollectionUsers, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing get: expected ErrNotFound, got %v", err)
	}

	doc, err := remote.Get(ctx, CollectionUsers, "u1")
	if err != nil {
		t.Fatalf("get u1: %v", err)
	}
	if doc.Fields["username"] != "alice" {
		t.Fatalf("expected username alice, got %v", doc.Fields["username"])
	}

	if err := remote.Update(ctx, CollectionUsers, "u1", Set("is_online", false), Increment("login_count", 1)); err != nil {
		t.Fatalf("update u1: %v", err)
	}
	doc, err = remote.Get(ctx, CollectionUsers, "u1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if doc.Fields["is_online"] != false || toInt64(doc.Fields["login_count"]) != 1 {
		t.Fatalf("update ops not applied: %+v", doc.Fields)
	}

	docs, err := remote.QueryDocs(ctx, Query{Collection: CollectionUsers})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 doc, got %d", len(docs))
	}
}

func TestRemoteSubscribePushesSnapshots(t *testing.T) {
	_, remote := newRemotePair(t, RemoteOptions{})

	snaps := make(chan int, 16)
	cancel, err := remote.Subscribe(Query{Collection: CollectionUsers}, func(docs []Document, initial bool) {
		snaps <- len(docs)
	}, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if n := waitSnapshot(t, snaps); n != 0 {
		t.Fatalf("expected empty initial snapshot, got %d docs", n)
	}

	mustCreate(t, remote, CollectionUsers, "u1", map[string]any{"username": "alice"})
	if n := waitSnapshot(t, snaps); n != 1 {
		t.Fatalf("expected 1 doc after create, got %d", n)
	}
}

func TestRemoteReconnectResubscribes(t *testing.T) {
	gateway, remote := newRemotePair(t, RemoteOptions{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})

	snaps := make(chan int, 16)
	cancel, err := remote.Subscribe(Query{Collection: CollectionUsers}, func(docs []Document, initial bool) {
		snaps <- len(docs)
	}, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	waitSnapshot(t, snaps)

	gateway.dropActiveConn()

	// After the client reconnects and resubscribes, server-side writes must
	// reach the same callback again.
	waitFor(t, func() bool {
		remote.mu.Lock()
		defer remote.mu.Unlock()
		return remote.connected
	})
	waitSnapshot(t, snaps) // resubscription's initial snapshot

	ctx := context.Background()
	if err := remote.Create(ctx, CollectionUsers, "u1", map[string]any{"username": "alice"}); err != nil {
		t.Fatalf("create after reconnect: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-snaps:
			if n == 1 {
				return
			}
		case <-deadline:
			t.Fatalf("snapshot never arrived after reconnect")
		}
	}
}
