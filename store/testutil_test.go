package store

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	dataDir := t.TempDir()
	st, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return st
}

func mustCreate(t *testing.T, st Store, collection, id string, fields map[string]any) {
	t.Helper()

	if err := st.Create(context.Background(), collection, id, fields); err != nil {
		t.Fatalf("create %s/%s: %v", collection, id, err)
	}
}
