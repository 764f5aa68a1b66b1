package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/lectioapp/lectio/pkg/session"
)

var (
	// ErrNotFound is returned when a session or pointer does not exist.
	ErrNotFound = errors.New("not found")

	// ErrQuotaExhausted is returned when a write cannot be persisted even
	// after evicting old sessions and clearing analysis snapshots.
	ErrQuotaExhausted = errors.New("local storage quota exhausted")
)

// quotaRetries bounds the eviction cascade on a full disk.
const quotaRetries = 3

// Store wraps the SQLite database holding sessions, pending writes
// and backup payloads for all identities on this machine.
type Store struct {
	conn        *sql.DB
	path        string
	maxSessions int
}

// Open opens or creates the database at path.
func Open(path string, maxSessions int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		conn:        conn,
		path:        path,
		maxSessions: maxSessions,
	}

	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// initSchema creates tables if they don't exist.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		identity TEXT NOT NULL,
		id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		title TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_modified INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		sync_status TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (identity, id)
	);

	CREATE TABLE IF NOT EXISTS current_session (
		identity TEXT PRIMARY KEY,
		session_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_writes (
		identity TEXT NOT NULL,
		session_id TEXT NOT NULL,
		enqueued_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (identity, session_id)
	);

	CREATE TABLE IF NOT EXISTS backups (
		identity TEXT NOT NULL,
		document_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		version INTEGER NOT NULL,
		PRIMARY KEY (identity, document_id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_document ON sessions(identity, document_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_modified ON sessions(identity, last_modified);
	`

	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Scope returns a view of the store bound to one identity. All reads
// and writes through the returned value are isolated per identity.
func (s *Store) Scope(identity string) *Scoped {
	return &Scoped{store: s, identity: identity}
}

// Scoped is a per-identity view over the shared database.
type Scoped struct {
	store    *Store
	identity string
}

// Identity returns the identity this view is bound to.
func (sc *Scoped) Identity() string {
	return sc.identity
}

// List returns all sessions for the identity, most recently modified first.
func (sc *Scoped) List() ([]*session.Session, error) {
	query := `
		SELECT payload FROM sessions
		WHERE identity = ?
		ORDER BY last_modified DESC, id ASC
	`

	rows, err := sc.store.conn.Query(query, sc.identity)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess, err := session.Decode(payload)
		if err != nil {
			// A corrupt row is skipped rather than blocking the rest.
			continue
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// Get returns one session by id.
func (sc *Scoped) Get(id string) (*session.Session, error) {
	var payload []byte
	err := sc.store.conn.QueryRow(
		`SELECT payload FROM sessions WHERE identity = ? AND id = ?`,
		sc.identity, id,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return session.Decode(payload)
}

// GetByDocument returns the session occupying the slot for a document, if any.
func (sc *Scoped) GetByDocument(documentID string) (*session.Session, error) {
	var payload []byte
	err := sc.store.conn.QueryRow(
		`SELECT payload FROM sessions WHERE identity = ? AND document_id = ? ORDER BY last_modified DESC LIMIT 1`,
		sc.identity, documentID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return session.Decode(payload)
}

// Evicted identifies a session removed locally to make room, with the
// document it belonged to so callers can clean up the backend copy.
type Evicted struct {
	ID         string
	DocumentID string
}

// Put validates, sanitizes and persists a session. One session per
// document: older rows for the same document are replaced. When the
// per-identity cap is exceeded the oldest sessions are evicted; the
// removed (id, documentId) pairs are returned so the caller can delete
// the backend copies best-effort. On a full disk the write retries
// after evicting the oldest session, then after clearing analysis
// snapshots, before giving up.
func (sc *Scoped) Put(s *session.Session) ([]Evicted, error) {
	clean, ok, problems := session.ValidateAndSanitize(s)
	if !ok {
		return nil, fmt.Errorf("session %s failed validation: %s", s.ID, strings.Join(problems, "; "))
	}

	payload, err := session.Encode(clean)
	if err != nil {
		return nil, err
	}

	var evicted []Evicted
	for attempt := 0; attempt <= quotaRetries; attempt++ {
		removed, err := sc.putOnce(clean, payload)
		if err == nil {
			return append(evicted, removed...), nil
		}
		if !isDiskFull(err) {
			return nil, err
		}

		// Disk full: free space and retry.
		switch attempt {
		case 0:
			ev, evictErr := sc.evictOldest(clean.ID)
			if evictErr != nil || ev.ID == "" {
				if clearErr := sc.clearSnapshots(); clearErr != nil {
					return nil, ErrQuotaExhausted
				}
			} else {
				evicted = append(evicted, ev)
			}
		default:
			if clearErr := sc.clearSnapshots(); clearErr != nil {
				return nil, ErrQuotaExhausted
			}
		}
	}

	return nil, ErrQuotaExhausted
}

// putOnce performs a single transactional upsert with slot dedupe and
// cap enforcement. Returned rows were deleted locally to make room.
func (sc *Scoped) putOnce(s *session.Session, payload []byte) ([]Evicted, error) {
	tx, err := sc.store.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var removed []Evicted

	// One session per document: drop other rows holding this slot.
	rows, err := tx.Query(
		`SELECT id FROM sessions WHERE identity = ? AND document_id = ? AND id <> ?`,
		sc.identity, s.DocumentID, s.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query document slot: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan slot row: %w", err)
		}
		removed = append(removed, Evicted{ID: id, DocumentID: s.DocumentID})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating slot rows: %w", err)
	}
	rows.Close()

	for _, ev := range removed {
		if err := deleteSessionTx(tx, sc.identity, ev.ID); err != nil {
			return nil, err
		}
	}

	_, err = tx.Exec(`
		INSERT INTO sessions (identity, id, document_id, title, created_at, last_modified, seq, sync_status, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identity, id) DO UPDATE SET
			document_id = excluded.document_id,
			title = excluded.title,
			last_modified = excluded.last_modified,
			seq = excluded.seq,
			sync_status = excluded.sync_status,
			payload = excluded.payload
	`, sc.identity, s.ID, s.DocumentID, s.Title, s.CreatedAt, s.LastModified, s.Seq, string(s.SyncStatus), payload)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert session: %w", err)
	}

	// Cap enforcement: evict oldest beyond the per-identity limit.
	// The just-written row is untouchable; the current session is
	// spared while any other candidate exists.
	if sc.store.maxSessions > 0 {
		var count int
		if err := tx.QueryRow(
			`SELECT COUNT(*) FROM sessions WHERE identity = ?`, sc.identity,
		).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count sessions: %w", err)
		}

		for count > sc.store.maxSessions {
			var id, docID string
			err := tx.QueryRow(`
				SELECT id, document_id FROM sessions
				WHERE identity = ? AND id <> ?
				AND id NOT IN (SELECT session_id FROM current_session WHERE identity = ?)
				ORDER BY last_modified ASC, id ASC LIMIT 1
			`, sc.identity, s.ID, sc.identity).Scan(&id, &docID)
			if errors.Is(err, sql.ErrNoRows) {
				// Only the current session is left over the cap.
				err = tx.QueryRow(`
					SELECT id, document_id FROM sessions
					WHERE identity = ? AND id <> ?
					ORDER BY last_modified ASC, id ASC LIMIT 1
				`, sc.identity, s.ID).Scan(&id, &docID)
			}
			if errors.Is(err, sql.ErrNoRows) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("failed to pick eviction candidate: %w", err)
			}
			if err := deleteSessionTx(tx, sc.identity, id); err != nil {
				return nil, err
			}
			removed = append(removed, Evicted{ID: id, DocumentID: docID})
			count--
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return removed, nil
}

// Delete removes a session and any pointers or pending writes for it.
func (sc *Scoped) Delete(id string) error {
	tx, err := sc.store.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteSessionTx(tx, sc.identity, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func deleteSessionTx(tx *sql.Tx, identity, id string) error {
	if _, err := tx.Exec(`DELETE FROM sessions WHERE identity = ? AND id = ?`, identity, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM pending_writes WHERE identity = ? AND session_id = ?`, identity, id); err != nil {
		return fmt.Errorf("failed to delete pending write: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM current_session WHERE identity = ? AND session_id = ?`, identity, id); err != nil {
		return fmt.Errorf("failed to clear current pointer: %w", err)
	}
	return nil
}

// SetCurrent records which session the identity is working in.
func (sc *Scoped) SetCurrent(id string) error {
	var exists int
	err := sc.store.conn.QueryRow(
		`SELECT 1 FROM sessions WHERE identity = ? AND id = ?`, sc.identity, id,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}

	_, err = sc.store.conn.Exec(`
		INSERT INTO current_session (identity, session_id) VALUES (?, ?)
		ON CONFLICT (identity) DO UPDATE SET session_id = excluded.session_id
	`, sc.identity, id)
	if err != nil {
		return fmt.Errorf("failed to set current session: %w", err)
	}
	return nil
}

// Current returns the identity's current session. A pointer at a
// session that no longer exists is cleared and reported as not found.
func (sc *Scoped) Current() (*session.Session, error) {
	var id string
	err := sc.store.conn.QueryRow(
		`SELECT session_id FROM current_session WHERE identity = ?`, sc.identity,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read current pointer: %w", err)
	}

	sess, err := sc.Get(id)
	if errors.Is(err, ErrNotFound) {
		sc.store.conn.Exec(`DELETE FROM current_session WHERE identity = ?`, sc.identity)
		return nil, ErrNotFound
	}
	return sess, err
}

// ClearCurrent drops the current-session pointer.
func (sc *Scoped) ClearCurrent() error {
	_, err := sc.store.conn.Exec(`DELETE FROM current_session WHERE identity = ?`, sc.identity)
	if err != nil {
		return fmt.Errorf("failed to clear current pointer: %w", err)
	}
	return nil
}

// ReplaceAll atomically replaces the identity's whole session set.
// The current pointer survives when it still names a kept session.
func (sc *Scoped) ReplaceAll(sessions []*session.Session) error {
	tx, err := sc.store.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sessions WHERE identity = ?`, sc.identity); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}

	kept := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		clean, ok, problems := session.ValidateAndSanitize(s)
		if !ok {
			return fmt.Errorf("session %s failed validation: %s", s.ID, strings.Join(problems, "; "))
		}
		payload, err := session.Encode(clean)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO sessions (identity, id, document_id, title, created_at, last_modified, seq, sync_status, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sc.identity, clean.ID, clean.DocumentID, clean.Title, clean.CreatedAt, clean.LastModified, clean.Seq, string(clean.SyncStatus), payload)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		kept[clean.ID] = true
	}

	var currentID string
	err = tx.QueryRow(
		`SELECT session_id FROM current_session WHERE identity = ?`, sc.identity,
	).Scan(&currentID)
	if err == nil && !kept[currentID] {
		if _, err := tx.Exec(`DELETE FROM current_session WHERE identity = ?`, sc.identity); err != nil {
			return fmt.Errorf("failed to clear current pointer: %w", err)
		}
	} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read current pointer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Stats summarizes the identity's local footprint.
type Stats struct {
	Sessions      int
	PendingWrites int
	Backups       int
	PayloadBytes  int64
	CurrentID     string
}

// Stats returns counts and payload size for the identity.
func (sc *Scoped) Stats() (Stats, error) {
	var st Stats

	err := sc.store.conn.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM sessions WHERE identity = ?`,
		sc.identity,
	).Scan(&st.Sessions, &st.PayloadBytes)
	if err != nil {
		return st, fmt.Errorf("failed to count sessions: %w", err)
	}

	err = sc.store.conn.QueryRow(
		`SELECT COUNT(*) FROM pending_writes WHERE identity = ?`, sc.identity,
	).Scan(&st.PendingWrites)
	if err != nil {
		return st, fmt.Errorf("failed to count pending writes: %w", err)
	}

	err = sc.store.conn.QueryRow(
		`SELECT COUNT(*) FROM backups WHERE identity = ?`, sc.identity,
	).Scan(&st.Backups)
	if err != nil {
		return st, fmt.Errorf("failed to count backups: %w", err)
	}

	err = sc.store.conn.QueryRow(
		`SELECT session_id FROM current_session WHERE identity = ?`, sc.identity,
	).Scan(&st.CurrentID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("failed to read current pointer: %w", err)
	}

	return st, nil
}

// evictOldest deletes the least recently modified session other than
// keep. Returns the evicted row, zero-valued when nothing could be
// evicted.
func (sc *Scoped) evictOldest(keep string) (Evicted, error) {
	var ev Evicted
	err := sc.store.conn.QueryRow(`
		SELECT id, document_id FROM sessions
		WHERE identity = ? AND id <> ?
		ORDER BY last_modified ASC, id ASC LIMIT 1
	`, sc.identity, keep).Scan(&ev.ID, &ev.DocumentID)
	if errors.Is(err, sql.ErrNoRows) {
		return Evicted{}, nil
	}
	if err != nil {
		return Evicted{}, fmt.Errorf("failed to pick eviction candidate: %w", err)
	}
	if err := sc.Delete(ev.ID); err != nil {
		return Evicted{}, err
	}
	return ev, nil
}

// clearSnapshots strips analysis snapshots from all stored sessions
// to reclaim space. Progress fields are untouched.
func (sc *Scoped) clearSnapshots() error {
	sessions, err := sc.List()
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if len(s.AnalysisSnapshot) == 0 {
			continue
		}
		s.AnalysisSnapshot = nil
		payload, err := session.Encode(s)
		if err != nil {
			return err
		}
		_, err = sc.store.conn.Exec(
			`UPDATE sessions SET payload = ? WHERE identity = ? AND id = ?`,
			payload, sc.identity, s.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to clear snapshot: %w", err)
		}
	}
	return nil
}

// isDiskFull reports whether err looks like an out-of-space failure.
func isDiskFull(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "disk is full") ||
		strings.Contains(msg, "database or disk is full") ||
		strings.Contains(msg, "no space left on device")
}
