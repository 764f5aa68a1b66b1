package remote

import (
	"context"
	"sync"

	"github.com/lectioapp/lectio/pkg/session"
)

// Fake is an in-memory Store for tests and offline development. Writes
// are delivered synchronously to subscribers of the same document.
type Fake struct {
	mu       sync.Mutex
	sessions map[string]map[string]*session.Session // identity -> documentID
	subs     map[string][]*fakeSub                  // identity/documentID

	// FailPuts makes the next N writes fail with ErrUnavailable.
	FailPuts int
	// Unavailable makes every call fail with ErrUnavailable.
	Unavailable bool
	// Unauthorized makes every call fail with ErrUnauthorized.
	Unauthorized bool
	// Puts counts successful Put calls.
	Puts int
	// Patches counts successful Patch calls.
	Patches int

	// PutHook, when set, runs after a successful Put is recorded and
	// before subscribers are notified. Tests use it to interleave work
	// with an in-flight upload.
	PutHook func()
}

type fakeSub struct {
	onChange func(*session.Session)
	done     bool
}

// NewFake creates an empty in-memory backend.
func NewFake() *Fake {
	return &Fake{
		sessions: make(map[string]map[string]*session.Session),
		subs:     make(map[string][]*fakeSub),
	}
}

func (f *Fake) check() error {
	if f.Unauthorized {
		return ErrUnauthorized
	}
	if f.Unavailable {
		return ErrUnavailable
	}
	return nil
}

func subKey(identity, documentID string) string {
	return identity + "/" + documentID
}

// Seed installs a remote session without notifying subscribers.
func (f *Fake) Seed(identity string, s *session.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions[identity] == nil {
		f.sessions[identity] = make(map[string]*session.Session)
	}
	f.sessions[identity][s.DocumentID] = s.Clone()
}

func (f *Fake) Get(ctx context.Context, identity, documentID string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	s, ok := f.sessions[identity][documentID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (f *Fake) List(ctx context.Context, identity string) ([]*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	var out []*session.Session
	for _, s := range f.sessions[identity] {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (f *Fake) Put(ctx context.Context, identity string, s *session.Session) error {
	f.mu.Lock()
	if err := f.check(); err != nil {
		f.mu.Unlock()
		return err
	}
	if f.FailPuts > 0 {
		f.FailPuts--
		f.mu.Unlock()
		return ErrUnavailable
	}
	if f.sessions[identity] == nil {
		f.sessions[identity] = make(map[string]*session.Session)
	}
	stored := s.Clone()
	f.sessions[identity][s.DocumentID] = stored
	f.Puts++
	subs := f.snapshotSubs(identity, s.DocumentID)
	hook := f.PutHook
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	for _, sub := range subs {
		sub.onChange(stored.Clone())
	}
	return nil
}

func (f *Fake) Patch(ctx context.Context, identity, documentID string, fields map[string]any) error {
	f.mu.Lock()
	if err := f.check(); err != nil {
		f.mu.Unlock()
		return err
	}
	if f.FailPuts > 0 {
		f.FailPuts--
		f.mu.Unlock()
		return ErrUnavailable
	}
	s, ok := f.sessions[identity][documentID]
	if !ok {
		f.mu.Unlock()
		return ErrNotFound
	}
	applyPatch(s, fields)
	f.Patches++
	subs := f.snapshotSubs(identity, documentID)
	stored := s.Clone()
	f.mu.Unlock()

	for _, sub := range subs {
		sub.onChange(stored.Clone())
	}
	return nil
}

// applyPatch understands the top-level fields the engine patches.
func applyPatch(s *session.Session, fields map[string]any) {
	for key, val := range fields {
		switch key {
		case "artifactsDrafts":
			if drafts, ok := val.(map[string]map[string]string); ok {
				s.ArtifactsDrafts = drafts
			}
		case "lastModified":
			switch v := val.(type) {
			case int64:
				s.LastModified = v
			case float64:
				s.LastModified = int64(v)
			}
		case "title":
			if title, ok := val.(string); ok {
				s.Title = title
			}
		}
	}
}

func (f *Fake) Delete(ctx context.Context, identity, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	delete(f.sessions[identity], documentID)
	return nil
}

func (f *Fake) Subscribe(ctx context.Context, identity, documentID string, onChange func(*session.Session)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}

	sub := &fakeSub{onChange: onChange}
	key := subKey(identity, documentID)
	f.subs[key] = append(f.subs[key], sub)

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		sub.done = true
	}
	return cancel, nil
}

func (f *Fake) snapshotSubs(identity, documentID string) []*fakeSub {
	var live []*fakeSub
	for _, sub := range f.subs[subKey(identity, documentID)] {
		if !sub.done {
			live = append(live, sub)
		}
	}
	return live
}
