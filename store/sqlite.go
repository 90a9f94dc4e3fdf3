package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "chat.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS documents (
  collection  TEXT NOT NULL,
  id          TEXT NOT NULL,
  data        TEXT NOT NULL,
  updated_at  INTEGER NOT NULL,
  PRIMARY KEY (collection, id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_documents_collection_updated
ON documents (collection, updated_at DESC, id);
`,
}

// SQLiteStore is the embedded document store backend. One table holds every
// collection's documents as JSON; queries are evaluated in process, which
// stays fast at client-scale collection sizes.
type SQLiteStore struct {
	db *sql.DB

	// writeMu serializes writes so subscription wakeups observe commits in
	// a consistent order.
	writeMu sync.Mutex

	subMu  sync.Mutex
	subs   map[int64]*sqliteSub
	nextID int64
	closed bool

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
}

type sqliteSub struct {
	query Query
	fn    SnapshotFunc
	errFn ErrorFunc

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// Open opens (or creates) chat.db under the given data directory and runs
// migrations.
func Open(dataDir string) (*SQLiteStore, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create store directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	st, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return st, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	st := &SQLiteStore{
		db:                    db,
		subs:                  make(map[int64]*sqliteSub),
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}
	if err := st.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := st.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.startWALCheckpointLoop()

	return st, nil
}

// Close cancels all subscriptions and closes the SQLite connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		s.subMu.Lock()
		s.closed = true
		subs := make([]*sqliteSub, 0, len(s.subs))
		for _, sub := range s.subs {
			subs = append(subs, sub)
		}
		s.subs = make(map[int64]*sqliteSub)
		s.subMu.Unlock()

		for _, sub := range subs {
			close(sub.stop)
			<-sub.done
		}

		close(s.walCheckpointStop)
		s.walCheckpointWG.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

// Create writes a new document. ErrExists when the ID is already taken.
func (s *SQLiteStore) Create(ctx context.Context, collection, id string, fields map[string]any) error {
	if collection == "" || id == "" {
		return errors.New("collection and id are required")
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode document %s/%s: %w", collection, id, err)
	}

	s.writeMu.Lock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data, updated_at) VALUES (?, ?, ?, ?)`,
		collection, id, string(raw), time.Now().UnixMilli(),
	)
	s.writeMu.Unlock()
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("create %s/%s: %w", collection, id, ErrExists)
		}
		return fmt.Errorf("create %s/%s: %w", collection, id, err)
	}

	s.notifyCollection(collection)
	return nil
}

// Get fetches one document by ID.
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return decodeDocument(id, raw)
}

// Update applies field operations atomically inside one transaction.
func (s *SQLiteStore) Update(ctx context.Context, collection, id string, ops ...Op) error {
	if len(ops) == 0 {
		return nil
	}

	s.writeMu.Lock()
	err := s.updateLocked(ctx, collection, id, ops)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}

	s.notifyCollection(collection)
	return nil
}

func (s *SQLiteStore) updateLocked(ctx context.Context, collection, id string, ops []Op) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update %s/%s: %w", collection, id, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}

	doc, err := decodeDocument(id, raw)
	if err != nil {
		return err
	}
	if err := applyOps(doc.Fields, ops); err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}

	encoded, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("encode document %s/%s: %w", collection, id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET data = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		string(encoded), time.Now().UnixMilli(), collection, id,
	); err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update %s/%s: %w", collection, id, err)
	}
	return nil
}

// QueryDocs evaluates a query once.
func (s *SQLiteStore) QueryDocs(ctx context.Context, q Query) ([]Document, error) {
	docs, err := s.loadCollection(ctx, q.Collection)
	if err != nil {
		return nil, err
	}
	return applyQuery(docs, q), nil
}

// Subscribe registers a live query and delivers its first snapshot
// asynchronously.
func (s *SQLiteStore) Subscribe(q Query, fn SnapshotFunc, errFn ErrorFunc) (CancelFunc, error) {
	if q.Collection == "" {
		return nil, errors.New("query collection is required")
	}
	if fn == nil {
		return nil, errors.New("snapshot callback is required")
	}

	sub := &sqliteSub{
		query: q,
		fn:    fn,
		errFn: errFn,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		return nil, ErrClosed
	}
	s.nextID++
	id := s.nextID
	s.subs[id] = sub
	s.subMu.Unlock()

	go s.subscriptionLoop(sub)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(sub.stop)
			<-sub.done
		})
	}
	return cancel, nil
}

func (s *SQLiteStore) subscriptionLoop(sub *sqliteSub) {
	defer close(sub.done)

	s.deliver(sub, true)

	for {
		select {
		case <-sub.wake:
			s.deliver(sub, false)
		case <-sub.stop:
			return
		}
	}
}

func (s *SQLiteStore) deliver(sub *sqliteSub, initial bool) {
	docs, err := s.QueryDocs(context.Background(), sub.query)
	if err != nil {
		if sub.errFn != nil {
			sub.errFn(err)
		}
		return
	}
	sub.fn(docs, initial)
}

func (s *SQLiteStore) notifyCollection(collection string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, sub := range s.subs {
		if sub.query.Collection != collection {
			continue
		}
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

func (s *SQLiteStore) loadCollection(ctx context.Context, collection string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM documents WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("load collection %q: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan document in %q: %w", collection, err)
		}
		doc, err := decodeDocument(id, raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collection %q: %w", collection, err)
	}
	return docs, nil
}

func decodeDocument(id, raw string) (Document, error) {
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return Document{}, fmt.Errorf("decode document %q: %w", id, err)
	}
	return Document{ID: id, Fields: fields}, nil
}

func (s *SQLiteStore) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *SQLiteStore) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *SQLiteStore) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
