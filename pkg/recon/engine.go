package recon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lectioapp/lectio/pkg/config"
	"github.com/lectioapp/lectio/pkg/logger"
	"github.com/lectioapp/lectio/pkg/queue"
	"github.com/lectioapp/lectio/pkg/remote"
	"github.com/lectioapp/lectio/pkg/store"
)

// signalBuffer bounds the outbound signal channels. Slow consumers
// lose signals rather than stalling the write path.
const signalBuffer = 64

// ErrNotBound is returned when an operation needs an identity and
// none has been bound yet.
var ErrNotBound = errors.New("no identity bound")

// Engine owns identity binding and per-document reconciliation loops.
// One engine per process; loops are created through Open.
type Engine struct {
	cfg    *config.Config
	db     *store.Store
	remote remote.Store

	mu    sync.Mutex
	scope SyncContext
	sc    *store.Scoped
	q     *queue.Queue
	loop  *Loop

	signals chan Signal
	status  chan StatusChange

	// now is swapped in tests to control debounce and cool-down timing.
	now func() time.Time
}

// NewEngine creates an engine over the local database and a backend.
func NewEngine(cfg *config.Config, db *store.Store, rs remote.Store) *Engine {
	return &Engine{
		cfg:     cfg,
		db:      db,
		remote:  rs,
		signals: make(chan Signal, signalBuffer),
		status:  make(chan StatusChange, signalBuffer),
		now:     time.Now,
	}
}

// Signals exposes scheduled outbound writes, one per flush.
func (e *Engine) Signals() <-chan Signal {
	return e.signals
}

// Status exposes sync-state transitions.
func (e *Engine) Status() <-chan StatusChange {
	return e.status
}

// Scope returns the current sync context.
func (e *Engine) Scope() SyncContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scope
}

// Bind attaches the engine to an identity. Any open loop is torn down,
// the epoch advances so in-flight results of the old scope are
// discarded, and writes left queued from earlier runs are pruned and
// drained. Drain failures are logged, not returned: binding works
// offline and the queue keeps the writes.
func (e *Engine) Bind(ctx context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("identity must not be empty")
	}

	e.mu.Lock()
	if e.loop != nil {
		loop := e.loop
		e.loop = nil
		e.mu.Unlock()
		loop.Close(ctx)
		e.mu.Lock()
	}

	e.scope = SyncContext{Identity: identity, Epoch: e.scope.Epoch + 1}
	e.sc = e.db.Scope(identity)
	e.q = queue.New(e.sc, e.remote)
	q := e.q
	e.mu.Unlock()

	logger.SetScope(identity, "")

	pruned, err := q.Prune()
	if err != nil {
		return fmt.Errorf("failed to prune queue for %s: %w", identity, err)
	}
	if len(pruned) > 0 {
		logger.Info("pruned %d stale pending writes", len(pruned))
	}

	if res, err := q.Drain(ctx); err != nil {
		logger.Warn("drain on bind failed: %v", err)
	} else if res.Pushed > 0 {
		logger.Info("pushed %d writes queued from a previous run", res.Pushed)
	}

	return nil
}

// Open starts a reconciliation loop for one document under the bound
// identity. An already open loop is flushed and closed first; the
// epoch advances so its late results cannot land in the new scope.
func (e *Engine) Open(ctx context.Context, documentID string) (*Loop, error) {
	if documentID == "" {
		return nil, fmt.Errorf("documentID must not be empty")
	}

	e.mu.Lock()
	if e.sc == nil {
		e.mu.Unlock()
		return nil, ErrNotBound
	}
	if e.loop != nil {
		loop := e.loop
		e.loop = nil
		e.mu.Unlock()
		loop.Close(ctx)
		e.mu.Lock()
	}

	e.scope = SyncContext{
		Identity:   e.scope.Identity,
		DocumentID: documentID,
		Epoch:      e.scope.Epoch + 1,
	}
	loop := newLoop(e, e.scope, e.sc, e.q)
	e.loop = loop
	e.mu.Unlock()

	logger.SetScope(loop.scope.Identity, documentID)

	if err := loop.start(ctx); err != nil {
		e.mu.Lock()
		if e.loop == loop {
			e.loop = nil
		}
		e.mu.Unlock()
		return nil, err
	}
	return loop, nil
}

// Loop returns the open loop, or nil.
func (e *Engine) Loop() *Loop {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loop
}

// Drain pushes all queued writes now.
func (e *Engine) Drain(ctx context.Context) (queue.Result, error) {
	e.mu.Lock()
	q := e.q
	e.mu.Unlock()
	if q == nil {
		return queue.Result{}, ErrNotBound
	}
	return q.Drain(ctx)
}

// Close flushes the open loop and drains the queue one last time.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	loop := e.loop
	q := e.q
	e.loop = nil
	e.mu.Unlock()

	if loop != nil {
		loop.Close(ctx)
	}
	if q != nil {
		if _, err := q.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

// stale reports whether a scope no longer matches the engine's.
func (e *Engine) stale(scope SyncContext) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.scope.Same(scope)
}

// emit delivers a signal without ever blocking the write path.
func (e *Engine) emit(sig Signal) {
	select {
	case e.signals <- sig:
	default:
	}
}

func (e *Engine) emitStatus(scope SyncContext, st Status) {
	select {
	case e.status <- StatusChange{Scope: scope, Status: st}:
	default:
	}
}

func (e *Engine) coolDown() time.Duration {
	if e.cfg.CoolDownSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(e.cfg.CoolDownSeconds) * time.Second
}
