package recon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lectioapp/lectio/pkg/backup"
	"github.com/lectioapp/lectio/pkg/logger"
	"github.com/lectioapp/lectio/pkg/merge"
	"github.com/lectioapp/lectio/pkg/queue"
	"github.com/lectioapp/lectio/pkg/remote"
	"github.com/lectioapp/lectio/pkg/session"
	"github.com/lectioapp/lectio/pkg/store"
)

const (
	// debounceShort batches rapid progress writes into one push.
	debounceShort = time.Second
	// debounceDrafts is longer: draft text changes on every keystroke.
	debounceDrafts = 3 * time.Second
)

// Loop reconciles one document's session. All mutations go through
// Apply, which serializes writes, persists locally and schedules a
// debounced push. Remote changes arrive through the subscription and
// are merged under the same lock.
type Loop struct {
	engine *Engine
	scope  SyncContext
	sc     *store.Scoped
	q      *queue.Queue
	cache  *backup.Cache

	mu            sync.Mutex
	current       *session.Session
	coolDownUntil time.Time
	timers        map[Group]*time.Timer
	cancelSub     func()
	closed        bool
}

func newLoop(e *Engine, scope SyncContext, sc *store.Scoped, q *queue.Queue) *Loop {
	return &Loop{
		engine: e,
		scope:  scope,
		sc:     sc,
		q:      q,
		cache:  backup.NewCache(sc),
		timers: make(map[Group]*time.Timer),
	}
}

// Scope returns the loop's sync context.
func (l *Loop) Scope() SyncContext {
	return l.scope
}

// start runs the initial load: local first so the learner sees their
// progress immediately, then the remote copy merged on top, with the
// backup cache as a last resort when both are empty.
func (l *Loop) start(ctx context.Context) error {
	docID := l.scope.DocumentID

	local, err := l.sc.GetByDocument(docID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	remoteSess, err := l.engine.remote.Get(ctx, l.scope.Identity, docID)
	switch {
	case err == nil:
	case errors.Is(err, remote.ErrNotFound):
		remoteSess = nil
	case errors.Is(err, remote.ErrUnauthorized):
		return err
	default:
		// Offline or flaky backend: proceed from local state.
		logger.Warn("remote load for %s failed, continuing offline: %v", docID, err)
		remoteSess = nil
	}

	if local == nil && remoteSess == nil {
		restored, err := l.cache.Get(docID)
		if err == nil {
			local = restored
			logger.Info("restored session for %s from local backup", docID)
		} else if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, backup.ErrExpired) {
			logger.Warn("backup lookup for %s failed: %v", docID, err)
		}
	}

	merged, _ := merge.Session(local, remoteSess)
	if merged == nil {
		merged = session.New(docID, nil)
	}
	if remoteSess != nil {
		merged.MergedAt = session.NowMillis()
	}

	evicted, err := l.sc.Put(merged)
	if err != nil {
		return err
	}
	if len(evicted) > 0 {
		logger.Info("evicted %d local sessions to stay under the cap", len(evicted))
		go l.deleteEvicted(evicted, merged.DocumentID)
	}
	if err := l.sc.SetCurrent(merged.ID); err != nil {
		return err
	}

	l.mu.Lock()
	l.current = merged
	l.mu.Unlock()

	// Push back anything the backend is missing: merging our copy into
	// the remote one from its side tells us whether it lacks something.
	if _, needPush := merge.Session(remoteSess, merged); needPush {
		if err := l.q.Enqueue(merged.ID); err != nil {
			return err
		}
		go l.drain()
	}

	cancel, err := l.engine.remote.Subscribe(ctx, l.scope.Identity, docID, l.onRemote)
	if err != nil {
		logger.Warn("subscription for %s failed, relying on local writes only: %v", docID, err)
	} else {
		l.mu.Lock()
		l.cancelSub = cancel
		l.mu.Unlock()
	}

	return nil
}

// Current returns a copy of the loop's session.
func (l *Loop) Current() *session.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return nil
	}
	return l.current.Clone()
}

// Capture adapts Current for the draft backup writer.
func (l *Loop) Capture() *session.Session {
	return l.Current()
}

// Apply runs a mutation against the session, persists the result and
// schedules a push for the field group. It never returns an error to
// the caller: a failed persist is logged and reported as false so the
// UI path stays non-throwing.
func (l *Loop) Apply(group Group, mutate func(*session.Session)) bool {
	return l.apply(group, func(s *session.Session) bool {
		mutate(s)
		return true
	})
}

// AddCitation appends a citation to the document's saved list unless
// its text duplicates one already saved there. Reports whether the
// citation was added.
func (l *Loop) AddCitation(documentID string, c session.Citation) bool {
	return l.apply(GroupCitations, func(s *session.Session) bool {
		if merge.IsDuplicateCitation(s.SavedCitations[documentID], c.Text) {
			return false
		}
		if c.ID == "" {
			c.ID = session.NewID()
		}
		if c.Timestamp <= 0 {
			c.Timestamp = session.NowMillis()
		}
		if s.SavedCitations == nil {
			s.SavedCitations = make(map[string][]session.Citation)
		}
		s.SavedCitations[documentID] = append(s.SavedCitations[documentID], c)
		return true
	})
}

// apply is Apply with a mutation that can decline: returning false
// leaves the session untouched and schedules nothing.
func (l *Loop) apply(group Group, mutate func(*session.Session) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.current == nil {
		return false
	}

	next := l.current.Clone()
	if next == nil {
		logger.Error("session %s no longer round-trips, dropping the write", l.current.ID)
		return false
	}
	if !mutate(next) {
		return false
	}
	next.Touch()

	evicted, err := l.sc.Put(next)
	if err != nil {
		logger.Error("failed to persist session %s: %v", next.ID, err)
		return false
	}
	if len(evicted) > 0 {
		go l.deleteEvicted(evicted, next.DocumentID)
	}
	l.current = next

	l.scheduleLocked(group)
	return true
}

// onRemote merges an incoming remote revision. Applying a remote
// change opens the cool-down window: for its duration non-reset
// outbound writes are held back so two devices cannot ping-pong the
// same merge result at each other.
func (l *Loop) onRemote(rs *session.Session) {
	if l.engine.stale(l.scope) {
		logger.Debug("discarding remote change for stale scope %s", l.scope.DocumentID)
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}

	prev := l.current
	merged, changed := merge.Session(prev, rs)
	if !changed {
		l.mu.Unlock()
		return
	}

	merged.MergedAt = session.NowMillis()
	evicted, err := l.sc.Put(merged)
	if err != nil {
		l.mu.Unlock()
		logger.Error("failed to persist merged session %s: %v", merged.ID, err)
		return
	}
	if len(evicted) > 0 {
		go l.deleteEvicted(evicted, merged.DocumentID)
	}
	l.current = merged
	l.coolDownUntil = l.engine.now().Add(l.engine.coolDown())

	// The merge kept local progress the backend lacks when merging our
	// copy into the remote one would still change it; push it back.
	// Resets skip the cool-down so they propagate immediately.
	_, needPush := merge.Session(rs, merged)
	isReset := merge.ResetDetected(prev, rs)
	l.mu.Unlock()

	if needPush {
		group := GroupSession
		if isReset {
			group = GroupReset
		}
		l.mu.Lock()
		l.scheduleLocked(group)
		l.mu.Unlock()
	}
}

// deleteEvicted removes the backend copies of locally evicted sessions,
// best-effort. Rows replaced within keepDoc's own slot are skipped: the
// backend copy of that document is about to be overwritten, not retired.
func (l *Loop) deleteEvicted(evicted []store.Evicted, keepDoc string) {
	for _, ev := range evicted {
		if ev.DocumentID == "" || ev.DocumentID == keepDoc {
			continue
		}
		if err := l.engine.remote.Delete(context.Background(), l.scope.Identity, ev.DocumentID); err != nil {
			logger.Warn("failed to delete remote copy of evicted session %s: %v", ev.ID, err)
		}
	}
}

// scheduleLocked arms (or re-arms) the debounce timer for a group.
// Resets flush immediately. Caller holds l.mu.
func (l *Loop) scheduleLocked(group Group) {
	if group == GroupReset {
		go l.flush(group, true)
		return
	}

	wait := debounceShort
	if group == GroupDrafts {
		wait = debounceDrafts
	}

	if t, ok := l.timers[group]; ok {
		t.Reset(wait)
		return
	}
	l.timers[group] = time.AfterFunc(wait, func() {
		l.flush(group, false)
	})
}

// flush enqueues the session and drains the queue. Non-forced flushes
// inside the cool-down window are postponed until it closes.
func (l *Loop) flush(group Group, force bool) {
	if l.engine.stale(l.scope) {
		return
	}

	l.mu.Lock()
	if l.closed || l.current == nil {
		l.mu.Unlock()
		return
	}
	delete(l.timers, group)

	if !force {
		if remaining := l.coolDownUntil.Sub(l.engine.now()); remaining > 0 {
			l.timers[group] = time.AfterFunc(remaining, func() {
				l.flush(group, false)
			})
			l.mu.Unlock()
			return
		}
	}

	id := l.current.ID
	l.mu.Unlock()

	if err := l.q.Enqueue(id); err != nil {
		logger.Error("failed to enqueue session %s: %v", id, err)
		return
	}

	l.engine.emit(Signal{Scope: l.scope, Group: group, Time: session.NowMillis()})
	l.drain()
}

// drain pushes the queue and reports sync status around it.
func (l *Loop) drain() {
	l.engine.emitStatus(l.scope, StatusSyncing)

	res, err := l.q.Drain(context.Background())
	switch {
	case err != nil:
		logger.Warn("drain failed: %v", err)
		l.engine.emitStatus(l.scope, StatusError)
	case res.Failed > 0:
		l.engine.emitStatus(l.scope, StatusError)
	case res.Pushed > 0:
		l.engine.emitStatus(l.scope, StatusSynced)
	default:
		l.engine.emitStatus(l.scope, StatusIdle)
	}
}

// Flush pushes the current session now, bypassing debounce and
// cool-down.
func (l *Loop) Flush(ctx context.Context) error {
	l.mu.Lock()
	if l.current == nil {
		l.mu.Unlock()
		return nil
	}
	id := l.current.ID
	l.mu.Unlock()

	if err := l.q.Enqueue(id); err != nil {
		return err
	}
	l.engine.emit(Signal{Scope: l.scope, Group: GroupSession, Time: session.NowMillis()})
	_, err := l.q.Drain(ctx)
	return err
}

// Close cancels the subscription, stops pending timers and makes one
// final push so nothing written locally is left behind.
func (l *Loop) Close(ctx context.Context) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	cancel := l.cancelSub
	l.cancelSub = nil
	for group, t := range l.timers {
		t.Stop()
		delete(l.timers, group)
	}
	var id string
	if l.current != nil {
		id = l.current.ID
	}
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if id != "" {
		if err := l.q.Enqueue(id); err != nil {
			logger.Error("failed to enqueue session %s on close: %v", id, err)
			return
		}
		if _, err := l.q.Drain(ctx); err != nil {
			logger.Warn("final drain failed, writes stay queued: %v", err)
		}
	}
}
