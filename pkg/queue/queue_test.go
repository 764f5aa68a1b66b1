package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/lectioapp/lectio/pkg/remote"
	"github.com/lectioapp/lectio/pkg/session"
	"github.com/lectioapp/lectio/pkg/store"
)

func testQueue(t *testing.T) (*Queue, *store.Scoped, *remote.Fake) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	scope := db.Scope("learner-1")
	fake := remote.NewFake()
	return New(scope, fake), scope, fake
}

func enqueueSession(t *testing.T, q *Queue, scope *store.Scoped, documentID string) *session.Session {
	t.Helper()
	s := session.New(documentID, nil)
	if _, err := scope.Put(s); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(s.ID); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestDrainPushesQueuedWrites(t *testing.T) {
	q, scope, fake := testQueue(t)
	s := enqueueSession(t, q, scope, "doc1")

	res, err := q.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if res.Pushed != 1 || res.Failed != 0 {
		t.Errorf("result = %+v, want 1 pushed", res)
	}

	got, err := fake.Get(context.Background(), "learner-1", "doc1")
	if err != nil || got.ID != s.ID {
		t.Errorf("remote session = %v, %v", got, err)
	}

	pending, _ := q.Pending()
	if len(pending) != 0 {
		t.Errorf("pending after drain = %d, want 0", len(pending))
	}

	local, _ := scope.Get(s.ID)
	if local.SyncStatus != session.StatusSynced {
		t.Errorf("syncStatus = %s, want synced", local.SyncStatus)
	}
}

func TestDrainKeepsFailedWritesQueued(t *testing.T) {
	q, scope, fake := testQueue(t)
	enqueueSession(t, q, scope, "doc1")

	// Every attempt in this pass fails.
	fake.FailPuts = 100

	res, err := q.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain returned error for transient failure: %v", err)
	}
	if res.Pushed != 0 || res.Failed != 1 {
		t.Errorf("result = %+v, want 1 failed", res)
	}

	pending, _ := q.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", pending[0].Attempts)
	}

	// Backend recovers; next drain succeeds.
	fake.FailPuts = 0
	res, err = q.Drain(context.Background())
	if err != nil || res.Pushed != 1 {
		t.Errorf("recovery drain = %+v, %v", res, err)
	}
}

func TestDrainKeepsMidUploadWriteQueued(t *testing.T) {
	q, scope, fake := testQueue(t)
	s := enqueueSession(t, q, scope, "doc1")

	// A newer local write lands while the first version is in flight.
	fake.PutHook = func() {
		fake.PutHook = nil
		newer := s.Clone()
		newer.Title = "más nuevo"
		newer.Touch()
		if _, err := scope.Put(newer); err != nil {
			t.Errorf("mid-upload put failed: %v", err)
		}
		if err := q.Enqueue(newer.ID); err != nil {
			t.Errorf("mid-upload enqueue failed: %v", err)
		}
	}

	res, err := q.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Pushed != 1 {
		t.Errorf("pushed = %d, want 1", res.Pushed)
	}

	// The newer write must survive locally, stay queued and stay unsynced.
	local, err := scope.Get(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if local.Title != "más nuevo" {
		t.Fatalf("mid-upload write rolled back: title = %q", local.Title)
	}
	if local.SyncStatus == session.StatusSynced {
		t.Error("unpushed version stamped synced")
	}
	pending, _ := q.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want the newer write queued", len(pending))
	}

	// The next pass delivers it.
	res, err = q.Drain(context.Background())
	if err != nil || res.Pushed != 1 {
		t.Fatalf("second drain = %+v, %v", res, err)
	}
	got, err := fake.Get(context.Background(), "learner-1", "doc1")
	if err != nil || got.Title != "más nuevo" {
		t.Errorf("newer write never reached the backend: %v, %v", got, err)
	}
	local, _ = scope.Get(s.ID)
	if local.SyncStatus != session.StatusSynced {
		t.Errorf("syncStatus = %s, want synced after second pass", local.SyncStatus)
	}
}

func TestDrainRetriesWithinPass(t *testing.T) {
	q, scope, fake := testQueue(t)
	enqueueSession(t, q, scope, "doc1")

	// Fewer failures than the retry budget: the pass still succeeds.
	fake.FailPuts = 2

	res, err := q.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Pushed != 1 {
		t.Errorf("pushed = %d, want 1 after retries", res.Pushed)
	}
}

func TestDrainAbortsOnAuthFailure(t *testing.T) {
	q, scope, fake := testQueue(t)
	enqueueSession(t, q, scope, "doc1")
	enqueueSession(t, q, scope, "doc2")

	fake.Unauthorized = true

	_, err := q.Drain(context.Background())
	if !errors.Is(err, remote.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	pending, _ := q.Pending()
	if len(pending) != 2 {
		t.Errorf("pending = %d, want both writes kept", len(pending))
	}
}

func TestDrainDropsWritesForDeletedSessions(t *testing.T) {
	q, scope, _ := testQueue(t)
	s := enqueueSession(t, q, scope, "doc1")

	if err := scope.Delete(s.ID); err != nil {
		t.Fatal(err)
	}
	// Delete clears the pending row too; enqueue a ghost directly.
	if err := scope.EnqueuePending("ghost"); err != nil {
		t.Fatal(err)
	}

	res, err := q.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Pushed != 0 || res.Failed != 0 {
		t.Errorf("result = %+v, want empty", res)
	}
	pending, _ := q.Pending()
	if len(pending) != 0 {
		t.Errorf("ghost write survived the drain")
	}
}

func TestDrainPreservesEnqueueOrder(t *testing.T) {
	q, scope, fake := testQueue(t)
	enqueueSession(t, q, scope, "doc1")
	enqueueSession(t, q, scope, "doc2")
	enqueueSession(t, q, scope, "doc3")

	res, err := q.Drain(context.Background())
	if err != nil || res.Pushed != 3 {
		t.Fatalf("drain = %+v, %v", res, err)
	}
	if fake.Puts != 3 {
		t.Errorf("puts = %d, want 3", fake.Puts)
	}
}
