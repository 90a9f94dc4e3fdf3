package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ErrNotConnected indicates a request was attempted while the remote
// connection is down and reconnection has not completed.
var ErrNotConnected = errors.New("store: not connected")

// Wire op kinds.
const (
	wireOpSet         = "set"
	wireOpIncrement   = "increment"
	wireOpArrayUnion  = "array_union"
	wireOpArrayRemove = "array_remove"
)

// Wire error codes returned by the remote store.
const (
	wireCodeNotFound = "not_found"
	wireCodeExists   = "exists"
)

type wireOp struct {
	Kind  string `json:"kind"`
	Field string `json:"field"`
	Value any    `json:"value,omitempty"`
	Delta int64  `json:"delta,omitempty"`
}

type wireWhere struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

type wireOrder struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

type wireQuery struct {
	Collection  string      `json:"collection"`
	Wheres      []wireWhere `json:"wheres,omitempty"`
	Orders      []wireOrder `json:"orders,omitempty"`
	Limit       int         `json:"limit,omitempty"`
	LimitToLast bool        `json:"limit_to_last,omitempty"`
}

type wireDoc struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

type wireRequest struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Collection string         `json:"collection,omitempty"`
	DocID      string         `json:"doc_id,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Ops        []wireOp       `json:"ops,omitempty"`
	Query      *wireQuery     `json:"query,omitempty"`
	Sub        string         `json:"sub,omitempty"`
}

type wireResponse struct {
	Type    string    `json:"type"`
	ID      string    `json:"id,omitempty"`
	Code    string    `json:"code,omitempty"`
	Error   string    `json:"error,omitempty"`
	Doc     *wireDoc  `json:"doc,omitempty"`
	Docs    []wireDoc `json:"docs,omitempty"`
	Sub     string    `json:"sub,omitempty"`
	Initial bool      `json:"initial,omitempty"`
}

// RemoteOptions configures the WebSocket store client.
type RemoteOptions struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	RequestTimeout       time.Duration

	// OnConnectionError receives transport-level failures (disconnects,
	// exhausted reconnect attempts). May be nil.
	OnConnectionError func(err error)
}

func (o *RemoteOptions) defaults() {
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = 1 * time.Second
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
}

type remoteSub struct {
	id    string
	query Query
	fn    SnapshotFunc
	errFn ErrorFunc
}

// RemoteStore implements Store over a JSON WebSocket protocol with
// auto-reconnect and resubscription.
type RemoteStore struct {
	url  string
	opts RemoteOptions

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closing   bool

	pendingMu sync.Mutex
	pending   map[string]chan wireResponse

	subMu sync.Mutex
	subs  map[string]*remoteSub

	readerWG sync.WaitGroup
	attempt  int
}

// Dial connects to a remote document store gateway.
func Dial(ctx context.Context, url string, opts RemoteOptions) (*RemoteStore, error) {
	opts.defaults()

	r := &RemoteStore{
		url:     url,
		opts:    opts,
		pending: make(map[string]chan wireResponse),
		subs:    make(map[string]*remoteSub),
	}
	if err := r.connect(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RemoteStore) connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("dial remote store %q: %w", r.url, err)
	}
	conn.SetReadLimit(1 << 22)

	r.mu.Lock()
	r.conn = conn
	r.connected = true
	r.attempt = 0
	r.mu.Unlock()

	r.readerWG.Add(1)
	go r.readLoop(conn)
	return nil
}

// Close shuts the connection down without reconnecting.
func (r *RemoteStore) Close() error {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return nil
	}
	r.closing = true
	conn := r.conn
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	r.readerWG.Wait()
	r.failPending(ErrClosed)
	return nil
}

// Create writes a new document on the remote store.
func (r *RemoteStore) Create(ctx context.Context, collection, id string, fields map[string]any) error {
	_, err := r.roundTrip(ctx, wireRequest{
		Type:       "create",
		Collection: collection,
		DocID:      id,
		Fields:     fields,
	})
	return err
}

// Get fetches one document from the remote store.
func (r *RemoteStore) Get(ctx context.Context, collection, id string) (Document, error) {
	resp, err := r.roundTrip(ctx, wireRequest{
		Type:       "get",
		Collection: collection,
		DocID:      id,
	})
	if err != nil {
		return Document{}, err
	}
	if resp.Doc == nil {
		return Document{}, fmt.Errorf("get %s/%s: empty response", collection, id)
	}
	return Document{ID: resp.Doc.ID, Fields: resp.Doc.Fields}, nil
}

// Update applies field operations atomically on the remote store.
func (r *RemoteStore) Update(ctx context.Context, collection, id string, ops ...Op) error {
	if len(ops) == 0 {
		return nil
	}
	_, err := r.roundTrip(ctx, wireRequest{
		Type:       "update",
		Collection: collection,
		DocID:      id,
		Ops:        encodeOps(ops),
	})
	return err
}

// QueryDocs evaluates a query once on the remote store.
func (r *RemoteStore) QueryDocs(ctx context.Context, q Query) ([]Document, error) {
	resp, err := r.roundTrip(ctx, wireRequest{
		Type:  "query",
		Query: encodeQuery(q),
	})
	if err != nil {
		return nil, err
	}
	return decodeDocs(resp.Docs), nil
}

// Subscribe registers a live query; snapshots are pushed by the server.
// The subscription survives reconnects.
func (r *RemoteStore) Subscribe(q Query, fn SnapshotFunc, errFn ErrorFunc) (CancelFunc, error) {
	if fn == nil {
		return nil, errors.New("snapshot callback is required")
	}

	sub := &remoteSub{
		id:    uuid.NewString(),
		query: q,
		fn:    fn,
		errFn: errFn,
	}

	r.subMu.Lock()
	r.subs[sub.id] = sub
	r.subMu.Unlock()

	ctx, cancelCtx := context.WithTimeout(context.Background(), r.opts.RequestTimeout)
	defer cancelCtx()
	if _, err := r.roundTrip(ctx, wireRequest{Type: "subscribe", Sub: sub.id, Query: encodeQuery(q)}); err != nil {
		r.subMu.Lock()
		delete(r.subs, sub.id)
		r.subMu.Unlock()
		return nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, sub.id)
			r.subMu.Unlock()

			ctx, cancelCtx := context.WithTimeout(context.Background(), r.opts.RequestTimeout)
			defer cancelCtx()
			if _, err := r.roundTrip(ctx, wireRequest{Type: "unsubscribe", Sub: sub.id}); err != nil {
				log.Printf("store: unsubscribe %s: %v", sub.id, err)
			}
		})
	}
	return cancel, nil
}

func (r *RemoteStore) roundTrip(ctx context.Context, req wireRequest) (wireResponse, error) {
	req.ID = uuid.NewString()

	ch := make(chan wireResponse, 1)
	r.pendingMu.Lock()
	r.pending[req.ID] = ch
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, req.ID)
		r.pendingMu.Unlock()
	}()

	if err := r.write(ctx, req); err != nil {
		return wireResponse{}, err
	}

	select {
	case resp := <-ch:
		if resp.Type == "error" {
			return wireResponse{}, decodeWireError(resp)
		}
		return resp, nil
	case <-ctx.Done():
		return wireResponse{}, ctx.Err()
	}
}

func (r *RemoteStore) write(ctx context.Context, req wireRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	r.mu.Lock()
	conn := r.conn
	connected := r.connected
	r.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

func (r *RemoteStore) readLoop(conn *websocket.Conn) {
	defer r.readerWG.Done()

	for {
		_, raw, err := conn.Read(context.Background())
		if err != nil {
			r.handleDisconnect(err)
			return
		}

		var resp wireResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			log.Printf("store: drop malformed frame: %v", err)
			continue
		}

		switch resp.Type {
		case "snapshot":
			r.dispatchSnapshot(resp)
		default:
			r.pendingMu.Lock()
			ch, ok := r.pending[resp.ID]
			r.pendingMu.Unlock()
			if ok {
				ch <- resp
			}
		}
	}
}

func (r *RemoteStore) dispatchSnapshot(resp wireResponse) {
	r.subMu.Lock()
	sub, ok := r.subs[resp.Sub]
	r.subMu.Unlock()
	if !ok {
		return
	}
	sub.fn(decodeDocs(resp.Docs), resp.Initial)
}

func (r *RemoteStore) handleDisconnect(cause error) {
	r.mu.Lock()
	closing := r.closing
	r.connected = false
	r.conn = nil
	r.mu.Unlock()

	r.failPending(ErrNotConnected)

	if closing {
		return
	}
	r.reportConnectionError(fmt.Errorf("remote store disconnected: %w", cause))

	if !r.opts.AutoReconnect {
		return
	}
	go r.reconnectLoop()
}

func (r *RemoteStore) reconnectLoop() {
	for {
		r.mu.Lock()
		if r.closing {
			r.mu.Unlock()
			return
		}
		if r.opts.MaxReconnectAttempts > 0 && r.attempt >= r.opts.MaxReconnectAttempts {
			r.mu.Unlock()
			r.reportConnectionError(errors.New("remote store reconnect attempts exhausted"))
			return
		}
		delay := r.nextDelayLocked()
		r.mu.Unlock()

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), r.opts.RequestTimeout)
		err := r.connect(ctx)
		cancel()
		if err != nil {
			continue
		}

		r.resubscribeAll()
		return
	}
}

func (r *RemoteStore) nextDelayLocked() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.opts.ReconnectBaseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.opts.ReconnectBaseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.opts.ReconnectMaxDelay),
	))
	r.attempt++
	return delay
}

func (r *RemoteStore) resubscribeAll() {
	r.subMu.Lock()
	subs := make([]*remoteSub, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subMu.Unlock()

	for _, sub := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.RequestTimeout)
		_, err := r.roundTrip(ctx, wireRequest{Type: "subscribe", Sub: sub.id, Query: encodeQuery(sub.query)})
		cancel()
		if err != nil && sub.errFn != nil {
			sub.errFn(fmt.Errorf("resubscribe after reconnect: %w", err))
		}
	}
}

func (r *RemoteStore) failPending(err error) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for id, ch := range r.pending {
		select {
		case ch <- wireResponse{Type: "error", ID: id, Error: err.Error()}:
		default:
		}
	}
}

func (r *RemoteStore) reportConnectionError(err error) {
	if r.opts.OnConnectionError != nil {
		r.opts.OnConnectionError(err)
		return
	}
	log.Printf("store: %v", err)
}

func decodeWireError(resp wireResponse) error {
	switch resp.Code {
	case wireCodeNotFound:
		return fmt.Errorf("%s: %w", resp.Error, ErrNotFound)
	case wireCodeExists:
		return fmt.Errorf("%s: %w", resp.Error, ErrExists)
	default:
		if resp.Error == ErrNotConnected.Error() {
			return ErrNotConnected
		}
		return fmt.Errorf("store: remote error: %s", resp.Error)
	}
}

func encodeOps(ops []Op) []wireOp {
	out := make([]wireOp, 0, len(ops))
	for _, op := range ops {
		encoded := wireOp{Field: op.Field, Value: op.Value, Delta: op.Delta}
		switch op.kind {
		case opSet:
			encoded.Kind = wireOpSet
		case opIncrement:
			encoded.Kind = wireOpIncrement
		case opArrayUnion:
			encoded.Kind = wireOpArrayUnion
		case opArrayRemove:
			encoded.Kind = wireOpArrayRemove
		}
		out = append(out, encoded)
	}
	return out
}

func decodeOps(ops []wireOp) []Op {
	out := make([]Op, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case wireOpSet:
			out = append(out, Set(op.Field, op.Value))
		case wireOpIncrement:
			out = append(out, Increment(op.Field, op.Delta))
		case wireOpArrayUnion:
			if s, ok := op.Value.(string); ok {
				out = append(out, ArrayUnion(op.Field, s))
			}
		case wireOpArrayRemove:
			if s, ok := op.Value.(string); ok {
				out = append(out, ArrayRemove(op.Field, s))
			}
		}
	}
	return out
}

func encodeQuery(q Query) *wireQuery {
	out := &wireQuery{
		Collection:  q.Collection,
		Limit:       q.Limit,
		LimitToLast: q.LimitToLast,
	}
	for _, w := range q.Wheres {
		out.Wheres = append(out.Wheres, wireWhere{Field: w.Field, Op: w.Op, Value: w.Value})
	}
	for _, o := range q.Orders {
		out.Orders = append(out.Orders, wireOrder{Field: o.Field, Desc: o.Desc})
	}
	return out
}

func decodeQuery(q *wireQuery) Query {
	if q == nil {
		return Query{}
	}
	out := Query{
		Collection:  q.Collection,
		Limit:       q.Limit,
		LimitToLast: q.LimitToLast,
	}
	for _, w := range q.Wheres {
		out.Wheres = append(out.Wheres, Where{Field: w.Field, Op: w.Op, Value: w.Value})
	}
	for _, o := range q.Orders {
		out.Orders = append(out.Orders, Order{Field: o.Field, Desc: o.Desc})
	}
	return out
}

func decodeDocs(docs []wireDoc) []Document {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		fields := doc.Fields
		if fields == nil {
			fields = map[string]any{}
		}
		out = append(out, Document{ID: doc.ID, Fields: fields})
	}
	return out
}
