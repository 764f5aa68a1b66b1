package recon

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/lectioapp/lectio/pkg/backup"
	"github.com/lectioapp/lectio/pkg/config"
	"github.com/lectioapp/lectio/pkg/remote"
	"github.com/lectioapp/lectio/pkg/session"
	"github.com/lectioapp/lectio/pkg/store"
)

func testEngine(t *testing.T, coolDownSeconds int) (*Engine, *remote.Fake, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		MaxSessions:     20,
		CoolDownSeconds: coolDownSeconds,
		PollIntervalSec: 1,
	}
	fake := remote.NewFake()
	return NewEngine(cfg, db, fake), fake, db
}

// waitFor polls until check passes or the deadline hits.
func waitFor(t *testing.T, timeout time.Duration, check func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return check()
}

func remoteScores(n int) map[string]*session.RubricEntry {
	f := &session.Formative{}
	for i := 0; i < n; i++ {
		f.Scores = append(f.Scores, session.Score{Score: 4, Timestamp: int64(100 + i)})
	}
	f.Recalc()
	return map[string]*session.RubricEntry{"r1": {Formative: f}}
}

func TestOpenRequiresBind(t *testing.T) {
	e, _, _ := testEngine(t, 3)
	if _, err := e.Open(context.Background(), "doc1"); err != ErrNotBound {
		t.Fatalf("expected ErrNotBound, got %v", err)
	}
}

func TestInitialLoadMergesRemote(t *testing.T) {
	e, fake, _ := testEngine(t, 3)
	ctx := context.Background()

	seed := session.New("doc1", nil)
	seed.RubricProgress = remoteScores(2)
	fake.Seed("learner-1", seed)

	if err := e.Bind(ctx, "learner-1"); err != nil {
		t.Fatal(err)
	}
	loop, err := e.Open(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close(ctx)

	cur := loop.Current()
	if cur == nil {
		t.Fatal("no current session after open")
	}
	f := cur.RubricProgress["r1"].Formative
	if f == nil || len(f.Scores) != 2 {
		t.Errorf("remote progress not loaded: %+v", cur.RubricProgress)
	}
	if cur.MergedAt == 0 {
		t.Error("mergedAt not stamped after remote merge")
	}
}

func TestOfflineWorkQueuesAndDrainsLater(t *testing.T) {
	e, fake, db := testEngine(t, 3)
	ctx := context.Background()

	fake.Unavailable = true

	if err := e.Bind(ctx, "learner-1"); err != nil {
		t.Fatal(err)
	}
	loop, err := e.Open(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close(ctx)

	ok := loop.Apply(GroupRubric, func(s *session.Session) {
		s.RubricProgress = remoteScores(1)
	})
	if !ok {
		t.Fatal("apply failed")
	}

	// The write lands locally even though the backend is down.
	cur := loop.Current()
	if cur.RubricProgress["r1"] == nil {
		t.Fatal("local write lost while offline")
	}

	if !waitFor(t, 3*time.Second, func() bool {
		pending, _ := db.Scope("learner-1").ListPending()
		return len(pending) > 0
	}) {
		t.Fatal("offline write never queued")
	}

	// Backend comes back; draining pushes everything. Polling rides out
	// any failing drain still in flight from the offline period.
	fake.Unavailable = false
	if !waitFor(t, 10*time.Second, func() bool {
		e.Drain(ctx)
		got, err := fake.Get(ctx, "learner-1", "doc1")
		return err == nil && got.RubricProgress["r1"] != nil
	}) {
		t.Fatal("offline progress never reached the backend")
	}
}

func TestApplyDebouncesAndPushes(t *testing.T) {
	e, fake, _ := testEngine(t, 3)
	ctx := context.Background()

	if err := e.Bind(ctx, "learner-1"); err != nil {
		t.Fatal(err)
	}
	loop, err := e.Open(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close(ctx)

	loop.Apply(GroupRubric, func(s *session.Session) {
		s.RubricProgress = remoteScores(1)
	})

	select {
	case sig := <-e.Signals():
		if sig.Group != GroupRubric {
			t.Errorf("signal group = %s, want rubric", sig.Group)
		}
		if sig.Scope.DocumentID != "doc1" {
			t.Errorf("signal scope = %+v", sig.Scope)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no signal after debounce window")
	}

	if !waitFor(t, 3*time.Second, func() bool {
		got, err := fake.Get(ctx, "learner-1", "doc1")
		return err == nil && got.RubricProgress["r1"] != nil
	}) {
		t.Error("debounced write never pushed")
	}
}

func TestCoolDownSuppressesEchoAndResetBypasses(t *testing.T) {
	// One-hour cool-down makes suppression unambiguous.
	e, fake, _ := testEngine(t, 3600)
	ctx := context.Background()

	seed := session.New("doc1", nil)
	fake.Seed("learner-1", seed)

	if err := e.Bind(ctx, "learner-1"); err != nil {
		t.Fatal(err)
	}
	loop, err := e.Open(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close(ctx)

	// Remote revision: a teacher-added score. The merge applies it and
	// opens the cool-down window.
	incoming := loop.Current()
	incoming.RubricProgress = remoteScores(1)
	loop.onRemote(incoming)

	if loop.Current().RubricProgress["r1"] == nil {
		t.Fatal("remote change not merged")
	}
	basePuts := fake.Puts

	// A normal local write inside the window stays local.
	loop.Apply(GroupRubric, func(s *session.Session) {
		s.RubricProgress["r1"].Formative.Scores = append(
			s.RubricProgress["r1"].Formative.Scores,
			session.Score{Score: 5, Timestamp: session.NowMillis()})
		s.RubricProgress["r1"].Formative.Recalc()
	})
	time.Sleep(1500 * time.Millisecond) // past the debounce window
	if fake.Puts != basePuts {
		t.Errorf("write escaped the cool-down window: puts=%d", fake.Puts)
	}

	// A reset bypasses the window and goes out immediately.
	loop.Apply(GroupReset, func(s *session.Session) {
		s.RubricProgress["r1"] = &session.RubricEntry{
			ResetAt: session.NowMillis(), ResetEpoch: 2,
		}
	})
	if !waitFor(t, 3*time.Second, func() bool { return fake.Puts > basePuts }) {
		t.Error("reset write did not bypass the cool-down")
	}
}

func TestMergeKeptSummativeIsPushedBack(t *testing.T) {
	e, fake, db := testEngine(t, 3)
	ctx := context.Background()

	// Both sides hold the same formative score; only local carries the
	// graded summative.
	shared := session.Score{Score: 4, Timestamp: 100}
	seed := session.New("doc1", nil)
	sf := &session.Formative{Scores: []session.Score{shared}}
	sf.Recalc()
	seed.RubricProgress = map[string]*session.RubricEntry{"r1": {Formative: sf}}
	fake.Seed("learner-1", seed)

	local := session.New("doc1", nil)
	lf := &session.Formative{Scores: []session.Score{shared}}
	lf.Recalc()
	local.RubricProgress = map[string]*session.RubricEntry{"r1": {
		Formative: lf,
		Summative: &session.Summative{Score: 5, Status: "graded", GradedAt: 200},
	}}
	if _, err := db.Scope("learner-1").Put(local); err != nil {
		t.Fatal(err)
	}

	if err := e.Bind(ctx, "learner-1"); err != nil {
		t.Fatal(err)
	}
	loop, err := e.Open(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close(ctx)

	if !waitFor(t, 5*time.Second, func() bool {
		got, err := fake.Get(ctx, "learner-1", "doc1")
		return err == nil && got.RubricProgress["r1"] != nil &&
			got.RubricProgress["r1"].Summative != nil
	}) {
		t.Fatal("grading kept by the merge never reached the backend")
	}
}

func TestEvictionDeletesRemoteCopy(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{MaxSessions: 1, CoolDownSeconds: 3, PollIntervalSec: 1}
	fake := remote.NewFake()
	e := NewEngine(cfg, db, fake)
	ctx := context.Background()

	if err := e.Bind(ctx, "learner-1"); err != nil {
		t.Fatal(err)
	}
	loop1, err := e.Open(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, 5*time.Second, func() bool {
		_, err := fake.Get(ctx, "learner-1", "doc1")
		return err == nil
	}) {
		t.Fatal("doc1 never reached the backend")
	}
	_ = loop1

	// Opening doc2 evicts doc1 locally; its backend copy goes with it.
	loop2, err := e.Open(ctx, "doc2")
	if err != nil {
		t.Fatal(err)
	}
	defer loop2.Close(ctx)

	if !waitFor(t, 5*time.Second, func() bool {
		_, err := fake.Get(ctx, "learner-1", "doc1")
		return errors.Is(err, remote.ErrNotFound)
	}) {
		t.Error("evicted session's remote copy was not deleted")
	}
	sessions, _ := db.Scope("learner-1").List()
	if len(sessions) != 1 || sessions[0].DocumentID != "doc2" {
		t.Errorf("local sessions = %d, want only doc2", len(sessions))
	}
}

func TestAddCitationSkipsDuplicates(t *testing.T) {
	e, _, _ := testEngine(t, 3)
	ctx := context.Background()

	if err := e.Bind(ctx, "learner-1"); err != nil {
		t.Fatal(err)
	}
	loop, err := e.Open(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close(ctx)

	if !loop.AddCitation("doc1", session.Citation{Text: "El ingenioso hidalgo cabalga de nuevo."}) {
		t.Fatal("first citation rejected")
	}
	// Same text modulo surrounding whitespace is a duplicate.
	if loop.AddCitation("doc1", session.Citation{Text: "  El ingenioso hidalgo cabalga de nuevo. "}) {
		t.Error("duplicate citation accepted")
	}

	cits := loop.Current().SavedCitations["doc1"]
	if len(cits) != 1 {
		t.Fatalf("citations = %d, want 1", len(cits))
	}
	if cits[0].ID == "" || cits[0].Timestamp == 0 {
		t.Error("stored citation missing id or timestamp")
	}
}

func TestDocumentSwitchDiscardsStaleResults(t *testing.T) {
	e, _, _ := testEngine(t, 3)
	ctx := context.Background()

	if err := e.Bind(ctx, "learner-1"); err != nil {
		t.Fatal(err)
	}
	loop1, err := e.Open(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	epoch1 := loop1.Scope().Epoch

	loop2, err := e.Open(ctx, "doc2")
	if err != nil {
		t.Fatal(err)
	}
	defer loop2.Close(ctx)

	if loop2.Scope().Epoch <= epoch1 {
		t.Error("epoch did not advance on document switch")
	}
	if !e.stale(loop1.Scope()) {
		t.Error("old scope not marked stale")
	}

	// The closed loop rejects writes and drops late remote results.
	if loop1.Apply(GroupRubric, func(s *session.Session) {}) {
		t.Error("closed loop accepted a write")
	}
	stale := session.New("doc1", nil)
	stale.RubricProgress = remoteScores(3)
	loop1.onRemote(stale)
	if cur := loop2.Current(); cur.RubricProgress["r1"] != nil {
		t.Error("stale remote result leaked into the new scope")
	}
}

func TestBackupRestoreWhenBothSidesEmpty(t *testing.T) {
	e, _, db := testEngine(t, 3)
	ctx := context.Background()

	// A crashed earlier run left only the safety copy.
	scope := db.Scope("learner-1")
	cache := backup.NewCache(scope)
	saved := session.New("doc1", nil)
	saved.ArtifactsDrafts = map[string]map[string]string{"doc1": {"essay": "rescatado"}}
	if err := cache.Put(saved); err != nil {
		t.Fatal(err)
	}

	if err := e.Bind(ctx, "learner-1"); err != nil {
		t.Fatal(err)
	}
	loop, err := e.Open(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close(ctx)

	cur := loop.Current()
	if cur.ArtifactsDrafts["doc1"]["essay"] != "rescatado" {
		t.Errorf("backup copy not restored: %+v", cur.ArtifactsDrafts)
	}
}

func TestCloseFlushesPendingWork(t *testing.T) {
	e, fake, _ := testEngine(t, 3)
	ctx := context.Background()

	if err := e.Bind(ctx, "learner-1"); err != nil {
		t.Fatal(err)
	}
	loop, err := e.Open(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}

	loop.Apply(GroupDrafts, func(s *session.Session) {
		s.ArtifactsDrafts = map[string]map[string]string{"doc1": {"essay": "último"}}
	})

	// Close before the 3s draft debounce fires.
	if err := e.Close(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := fake.Get(ctx, "learner-1", "doc1")
	if err != nil {
		t.Fatalf("teardown flush never pushed: %v", err)
	}
	if got.ArtifactsDrafts["doc1"]["essay"] != "último" {
		t.Error("final draft missing from the backend")
	}
}
