// Package backup keeps two safety nets under the main sync path: a
// local last-known-good copy of each document's session, and a
// background writer that pushes draft text to the backend so unsaved
// work survives a crashed or closed client.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lectioapp/lectio/pkg/session"
	"github.com/lectioapp/lectio/pkg/store"
)

// TTL is how long a cached copy stays usable. Anything older is
// deleted on read rather than restored: resurrecting week-old state
// over fresher remote progress does more harm than losing the copy.
const TTL = 7 * 24 * time.Hour

// ErrExpired is returned when a cached copy exists but is too old.
var ErrExpired = errors.New("backup expired")

// Cache stores per-document safety copies in the local database.
type Cache struct {
	scope *store.Scoped
	now   func() int64
}

// NewCache binds a cache to one identity's store scope.
func NewCache(scope *store.Scoped) *Cache {
	return &Cache{scope: scope, now: session.NowMillis}
}

// Put saves a copy of the session for its document. Fields present in
// the previous copy but absent or null in the new one are kept, so a
// partial session never erases earlier backed-up state.
func (c *Cache) Put(s *session.Session) error {
	payload, err := session.Encode(s)
	if err != nil {
		return err
	}

	prev, err := c.scope.GetBackup(s.DocumentID)
	if err == nil {
		merged, mergeErr := overlay(prev.Payload, payload)
		if mergeErr == nil {
			payload = merged
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	return c.scope.PutBackup(s.DocumentID, payload, session.ContentHash(s), c.now())
}

// Get returns the cached copy for a document. An expired copy is
// deleted and reported as ErrExpired.
func (c *Cache) Get(documentID string) (*session.Session, error) {
	b, err := c.scope.GetBackup(documentID)
	if err != nil {
		return nil, err
	}

	if c.now()-b.UpdatedAt > TTL.Milliseconds() {
		if delErr := c.scope.DeleteBackup(documentID); delErr != nil {
			return nil, delErr
		}
		return nil, ErrExpired
	}

	return session.Decode(b.Payload)
}

// Delete removes the cached copy for a document.
func (c *Cache) Delete(documentID string) error {
	return c.scope.DeleteBackup(documentID)
}

// overlay applies the non-null top-level fields of next over prev.
func overlay(prev, next []byte) ([]byte, error) {
	var base, top map[string]json.RawMessage
	if err := json.Unmarshal(prev, &base); err != nil {
		return nil, fmt.Errorf("failed to parse previous backup: %w", err)
	}
	if err := json.Unmarshal(next, &top); err != nil {
		return nil, fmt.Errorf("failed to parse backup: %w", err)
	}
	for key, val := range top {
		if string(val) == "null" {
			continue
		}
		base[key] = val
	}
	return json.Marshal(base)
}
