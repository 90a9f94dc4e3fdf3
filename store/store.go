// Package store implements the document store the chat client synchronizes
// against: three collections of JSON documents with atomic partial updates
// and live snapshot subscriptions. The SQLite backend embeds the store in
// the client process; the remote backend speaks the same interface over a
// WebSocket connection.
package store

import (
	"context"
	"errors"
)

// Collection names. The document field names inside each collection are a
// persisted schema shared with every other client and must not change.
const (
	CollectionUsers         = "users"
	CollectionConversations = "conversations"
	CollectionMessages      = "messages"
)

var (
	// ErrNotFound indicates a requested document does not exist.
	ErrNotFound = errors.New("store: document not found")
	// ErrExists indicates a Create hit an already-existing document ID.
	ErrExists = errors.New("store: document already exists")
	// ErrClosed indicates the store has been shut down.
	ErrClosed = errors.New("store: closed")
)

// Document is one stored record: an ID plus decoded JSON fields.
type Document struct {
	ID     string
	Fields map[string]any
}

// Where operators.
const (
	OpEqual         = "=="
	OpArrayContains = "array-contains"
)

// Where is a single filter condition.
type Where struct {
	Field string
	Op    string
	Value any
}

// Order is one sort key. Documents with equal keys tie-break on ID so
// snapshot ordering is stable.
type Order struct {
	Field string
	Desc  bool
}

// Query selects and orders documents within one collection.
//
// LimitToLast keeps the last N documents of the ordered result instead of
// the first N, for "most recent page, displayed chronologically" queries.
type Query struct {
	Collection  string
	Wheres      []Where
	Orders      []Order
	Limit       int
	LimitToLast bool
}

type opKind int

const (
	opSet opKind = iota
	opIncrement
	opArrayUnion
	opArrayRemove
)

// Op is one atomic field operation inside an Update. All ops in a single
// Update call commit together. Field may be a dotted path into nested maps
// (for example "unread_counts.<user id>").
type Op struct {
	kind  opKind
	Field string
	Value any
	Delta int64
}

// Set replaces a field's value.
func Set(field string, value any) Op {
	return Op{kind: opSet, Field: field, Value: value}
}

// Increment adds delta to a numeric field, treating a missing field as 0.
func Increment(field string, delta int64) Op {
	return Op{kind: opIncrement, Field: field, Delta: delta}
}

// ArrayUnion appends value to an array field unless already present.
func ArrayUnion(field string, value string) Op {
	return Op{kind: opArrayUnion, Field: field, Value: value}
}

// ArrayRemove removes every occurrence of value from an array field.
func ArrayRemove(field string, value string) Op {
	return Op{kind: opArrayRemove, Field: field, Value: value}
}

// SnapshotFunc receives the full result set of a subscribed query. The
// first delivery after Subscribe has initial == true. Delivery is
// at-least-once: an unchanged result set may be delivered again.
type SnapshotFunc func(docs []Document, initial bool)

// ErrorFunc receives subscription failures. The subscription stays
// registered; a later successful evaluation resumes snapshots.
type ErrorFunc func(err error)

// CancelFunc tears down a subscription. Safe to call more than once.
type CancelFunc func()

// Store is the document store interface consumed by the messaging service
// and the synchronization engine.
type Store interface {
	// Create writes a new document. Fails with ErrExists if the ID is taken.
	Create(ctx context.Context, collection, id string, fields map[string]any) error
	// Get fetches one document by ID.
	Get(ctx context.Context, collection, id string) (Document, error)
	// Update applies field operations atomically to an existing document.
	Update(ctx context.Context, collection, id string, ops ...Op) error
	// QueryDocs evaluates a query once.
	QueryDocs(ctx context.Context, q Query) ([]Document, error)
	// Subscribe registers a live query. fn is called with the current result
	// set immediately and again after every write that may affect it.
	// errFn may be nil.
	Subscribe(q Query, fn SnapshotFunc, errFn ErrorFunc) (CancelFunc, error)
	// Close releases all subscriptions and backing resources.
	Close() error
}
