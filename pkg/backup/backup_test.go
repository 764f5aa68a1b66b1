package backup

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/lectioapp/lectio/pkg/remote"
	"github.com/lectioapp/lectio/pkg/session"
	"github.com/lectioapp/lectio/pkg/store"
)

func testScope(t *testing.T) *store.Scoped {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db.Scope("learner-1")
}

func draftSession(documentID, text string) *session.Session {
	s := session.New(documentID, nil)
	s.ArtifactsDrafts = map[string]map[string]string{
		documentID: {"essay": text},
	}
	return s
}

func TestCacheRoundTrip(t *testing.T) {
	c := NewCache(testScope(t))

	s := draftSession("doc1", "borrador")
	if err := c.Put(s); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, err := c.Get("doc1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ArtifactsDrafts["doc1"]["essay"] != "borrador" {
		t.Errorf("drafts lost in cache: %+v", got.ArtifactsDrafts)
	}
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	scope := testScope(t)
	c := NewCache(scope)

	now := session.NowMillis()
	c.now = func() int64 { return now }
	if err := c.Put(draftSession("doc1", "borrador")); err != nil {
		t.Fatal(err)
	}

	// Just inside the window.
	c.now = func() int64 { return now + TTL.Milliseconds() - 1 }
	if _, err := c.Get("doc1"); err != nil {
		t.Fatalf("copy inside TTL should be readable: %v", err)
	}

	// Past the window: read deletes the row.
	c.now = func() int64 { return now + TTL.Milliseconds() + 1 }
	if _, err := c.Get("doc1"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := scope.GetBackup("doc1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("expired backup row not deleted on read")
	}
}

func TestCachePutKeepsEarlierFields(t *testing.T) {
	c := NewCache(testScope(t))

	full := draftSession("doc1", "primero")
	full.CourseRef = "course-9"
	if err := c.Put(full); err != nil {
		t.Fatal(err)
	}

	partial := draftSession("doc1", "segundo")
	partial.ID = full.ID
	if err := c.Put(partial); err != nil {
		t.Fatal(err)
	}

	got, err := c.Get("doc1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ArtifactsDrafts["doc1"]["essay"] != "segundo" {
		t.Error("newer draft not applied")
	}
	if got.CourseRef != "course-9" {
		t.Error("field absent from the newer copy was erased")
	}
}

func TestWriterSkipsEmptyAndUnchangedDrafts(t *testing.T) {
	fake := remote.NewFake()
	s := draftSession("doc1", "borrador")
	fake.Seed("learner-1", session.New("doc1", nil))

	current := s
	w := NewWriter(fake, NewCache(testScope(t)), "learner-1", func() *session.Session {
		return current.Clone()
	}, time.Second, time.Millisecond)

	w.Flush(context.Background())
	if fake.Patches != 1 {
		t.Fatalf("patches = %d, want 1", fake.Patches)
	}

	// Same drafts again: digest matches, no second patch.
	w.Flush(context.Background())
	if fake.Patches != 1 {
		t.Errorf("unchanged drafts patched again: %d", fake.Patches)
	}

	// Changed drafts do patch.
	current = draftSession("doc1", "borrador nuevo")
	w.Flush(context.Background())
	if fake.Patches != 2 {
		t.Errorf("patches = %d, want 2", fake.Patches)
	}

	// Semantically empty drafts never patch.
	current = draftSession("doc1", "   \n")
	w.Flush(context.Background())
	if fake.Patches != 2 {
		t.Errorf("empty drafts were patched")
	}
}

func TestWriterEnforcesSpacing(t *testing.T) {
	fake := remote.NewFake()
	fake.Seed("learner-1", session.New("doc1", nil))

	current := draftSession("doc1", "uno")
	w := NewWriter(fake, nil, "learner-1", func() *session.Session {
		return current.Clone()
	}, time.Second, 8*time.Second)

	base := time.Now()
	w.now = func() time.Time { return base }
	w.tick(context.Background(), false)
	if fake.Patches != 1 {
		t.Fatalf("patches = %d, want 1", fake.Patches)
	}

	// New content but inside the spacing window: held back.
	current = draftSession("doc1", "dos")
	w.now = func() time.Time { return base.Add(3 * time.Second) }
	w.tick(context.Background(), false)
	if fake.Patches != 1 {
		t.Errorf("patch inside spacing window: %d", fake.Patches)
	}

	// Past the window it goes out.
	w.now = func() time.Time { return base.Add(9 * time.Second) }
	w.tick(context.Background(), false)
	if fake.Patches != 2 {
		t.Errorf("patches = %d, want 2", fake.Patches)
	}
}

func TestWriterRecordsCacheCopy(t *testing.T) {
	scope := testScope(t)
	fake := remote.NewFake()
	fake.Seed("learner-1", session.New("doc1", nil))
	cache := NewCache(scope)

	s := draftSession("doc1", "borrador")
	w := NewWriter(fake, cache, "learner-1", func() *session.Session {
		return s.Clone()
	}, time.Second, time.Millisecond)

	w.Flush(context.Background())

	got, err := cache.Get("doc1")
	if err != nil {
		t.Fatalf("no cache copy written: %v", err)
	}
	if got.ArtifactsDrafts["doc1"]["essay"] != "borrador" {
		t.Error("cache copy missing drafts")
	}
}
