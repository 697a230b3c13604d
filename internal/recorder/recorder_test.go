package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/xiaot623/mcptap/internal/store"
)

// newTestRecorder returns a recorder with its sink writer running against
// an in-memory store.
func newTestRecorder(t *testing.T, opts Options) (*Recorder, *store.SQLiteStore) {
	t.Helper()

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	rec := New(db, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go rec.Run(ctx)
	t.Cleanup(cancel)

	return rec, db
}

// waitFor polls until cond holds; sink writes are asynchronous by design,
// so store-level assertions need to wait for the queue to drain.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}
