// Package remote talks to the progress backend. The backend is the
// durable source of truth; everything here is best-effort and the
// caller keeps working from local state when it is unreachable.
package remote

import (
	"context"
	"errors"

	"github.com/lectioapp/lectio/pkg/session"
)

var (
	// ErrUnauthorized is returned when the server rejects the API key.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnavailable is returned for transient failures: network
	// errors, timeouts and 5xx responses. Callers should keep the
	// write queued and retry later.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrNotFound is returned when no remote record exists for a document.
	ErrNotFound = errors.New("remote record not found")
)

// Store is the backend progress API. Get and List return the remote
// view of a session; Put replaces it whole; Patch updates just the
// named top-level fields. Subscribe invokes onChange for every remote
// revision until cancel is called or ctx ends.
type Store interface {
	Get(ctx context.Context, identity, documentID string) (*session.Session, error)
	List(ctx context.Context, identity string) ([]*session.Session, error)
	Put(ctx context.Context, identity string, s *session.Session) error
	Patch(ctx context.Context, identity, documentID string, fields map[string]any) error
	Delete(ctx context.Context, identity, documentID string) error
	Subscribe(ctx context.Context, identity, documentID string, onChange func(*session.Session)) (cancel func(), err error)
}

// IsRetriable reports whether an error should leave the write queued.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
