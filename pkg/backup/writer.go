package backup

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lectioapp/lectio/pkg/logger"
	"github.com/lectioapp/lectio/pkg/remote"
	"github.com/lectioapp/lectio/pkg/session"
)

// CaptureFunc returns the session whose drafts should be backed up,
// or nil when there is nothing to capture right now.
type CaptureFunc func() *session.Session

// Writer periodically pushes draft text to the backend. It patches
// only the drafts field so a backup can never clobber progress merged
// by another device in between.
type Writer struct {
	remote   remote.Store
	cache    *Cache
	identity string
	capture  CaptureFunc

	interval time.Duration
	spacing  time.Duration

	lastHash  string
	lastPatch time.Time
	now       func() time.Time
}

// NewWriter creates a draft backup writer. interval is how often
// drafts are inspected; spacing is the minimum gap between two
// backend patches even when drafts keep changing.
func NewWriter(rs remote.Store, cache *Cache, identity string, capture CaptureFunc, interval, spacing time.Duration) *Writer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if spacing <= 0 {
		spacing = 8 * time.Second
	}
	return &Writer{
		remote:   rs,
		cache:    cache,
		identity: identity,
		capture:  capture,
		interval: interval,
		spacing:  spacing,
		now:      time.Now,
	}
}

// Run inspects drafts on every tick until ctx ends, then makes one
// final attempt so the last keystrokes are not lost on shutdown.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Flush(context.Background())
			return
		case <-ticker.C:
			w.tick(ctx, false)
		}
	}
}

// Flush pushes the current drafts immediately, ignoring spacing.
func (w *Writer) Flush(ctx context.Context) {
	w.tick(ctx, true)
}

func (w *Writer) tick(ctx context.Context, force bool) {
	s := w.capture()
	if s == nil || session.DraftsEmpty(s.ArtifactsDrafts) {
		return
	}

	hash, err := session.DigestJCS(s.ArtifactsDrafts)
	if err != nil {
		logger.Warn("failed to hash drafts for %s: %v", s.DocumentID, err)
		return
	}
	if hash == w.lastHash {
		return
	}
	if !force && w.now().Sub(w.lastPatch) < w.spacing {
		return
	}

	if w.cache != nil {
		if err := w.cache.Put(s); err != nil {
			logger.Warn("failed to cache backup for %s: %v", s.DocumentID, err)
		}
	}

	fields := map[string]any{
		"artifactsDrafts": s.ArtifactsDrafts,
		"lastModified":    session.NowMillis(),
	}

	op := func() error {
		err := w.remote.Patch(ctx, w.identity, s.DocumentID, fields)
		if err != nil && !remote.IsRetriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxElapsedTime = w.spacing

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		logger.Debug("draft backup for %s failed: %v", s.DocumentID, err)
		return
	}

	w.lastHash = hash
	w.lastPatch = w.now()
	logger.Debug("drafts for %s backed up", s.DocumentID)
}
