// Package queue pushes locally written sessions to the backend. Every
// local save enqueues its session id; drains upload in enqueue order
// and leave failed writes queued for the next pass, so work done
// offline survives restarts and reaches the backend eventually.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/lectioapp/lectio/pkg/logger"
	"github.com/lectioapp/lectio/pkg/remote"
	"github.com/lectioapp/lectio/pkg/session"
	"github.com/lectioapp/lectio/pkg/store"
)

// maxPushRetries bounds retries of one upload within a single drain.
const maxPushRetries = 3

// Queue drains the identity's pending writes to the backend.
type Queue struct {
	scope  *store.Scoped
	remote remote.Store
	group  singleflight.Group
}

// New binds a queue to one identity's store scope and a backend.
func New(scope *store.Scoped, rs remote.Store) *Queue {
	return &Queue{scope: scope, remote: rs}
}

// Enqueue marks a session as needing upload.
func (q *Queue) Enqueue(sessionID string) error {
	return q.scope.EnqueuePending(sessionID)
}

// Pending returns the queued writes in enqueue order.
func (q *Queue) Pending() ([]store.PendingWrite, error) {
	return q.scope.ListPending()
}

// Prune drops queued writes whose session no longer exists locally.
func (q *Queue) Prune() ([]string, error) {
	return q.scope.PrunePending()
}

// Result summarizes one drain pass.
type Result struct {
	Pushed int
	Failed int
}

// Drain uploads every pending write once, in order. Concurrent calls
// collapse into a single pass. Transient failures bump the attempt
// counter and stay queued; an auth failure aborts the pass since no
// later write can succeed either.
func (q *Queue) Drain(ctx context.Context) (Result, error) {
	v, err, _ := q.group.Do("drain", func() (interface{}, error) {
		return q.drainOnce(ctx)
	})
	res, _ := v.(Result)
	return res, err
}

func (q *Queue) drainOnce(ctx context.Context) (Result, error) {
	var res Result

	pending, err := q.scope.ListPending()
	if err != nil {
		return res, err
	}

	for _, p := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		sess, err := q.scope.Get(p.SessionID)
		if errors.Is(err, store.ErrNotFound) {
			// Session was deleted while queued; nothing to push.
			if err := q.scope.DeletePending(p.SessionID); err != nil {
				return res, err
			}
			continue
		}
		if err != nil {
			return res, err
		}

		if err := q.push(ctx, sess); err != nil {
			if errors.Is(err, remote.ErrUnauthorized) {
				return res, err
			}
			res.Failed++
			if bumpErr := q.scope.BumpPending(p.SessionID); bumpErr != nil {
				return res, bumpErr
			}
			logger.Warn("upload of session %s failed (attempt %d): %v", p.SessionID, p.Attempts+1, err)
			continue
		}

		// Dequeue only if the row is still the version that was pushed;
		// a write that landed mid-upload stays queued for the next pass.
		marked, err := q.scope.MarkSynced(p.SessionID, sess.Seq)
		if err != nil {
			return res, err
		}
		if !marked {
			logger.Debug("session %s changed during upload, keeping it queued", p.SessionID)
		}
		res.Pushed++
	}

	if res.Pushed > 0 || res.Failed > 0 {
		logger.Debug("drain finished: %d pushed, %d still queued", res.Pushed, res.Failed)
	}
	return res, nil
}

// push uploads one session, retrying transient failures with
// exponential backoff inside this pass.
func (q *Queue) push(ctx context.Context, s *session.Session) error {
	op := func() error {
		err := q.remote.Put(ctx, q.scope.Identity(), s)
		if err == nil {
			return nil
		}
		if remote.IsRetriable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, maxPushRetries), ctx))
	if err != nil {
		return fmt.Errorf("push session %s: %w", s.ID, err)
	}
	return nil
}
