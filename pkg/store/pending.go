package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lectioapp/lectio/pkg/session"
)

// PendingWrite is a session id waiting to be pushed to the backend.
type PendingWrite struct {
	SessionID  string
	EnqueuedAt int64
	Attempts   int
}

// EnqueuePending marks a session as needing upload. Re-enqueueing an
// already pending session refreshes its timestamp but keeps attempts.
func (sc *Scoped) EnqueuePending(sessionID string) error {
	_, err := sc.store.conn.Exec(`
		INSERT INTO pending_writes (identity, session_id, enqueued_at, attempts)
		VALUES (?, ?, ?, 0)
		ON CONFLICT (identity, session_id) DO UPDATE SET enqueued_at = excluded.enqueued_at
	`, sc.identity, sessionID, session.NowMillis())
	if err != nil {
		return fmt.Errorf("failed to enqueue pending write: %w", err)
	}
	return nil
}

// ListPending returns pending writes in enqueue order.
func (sc *Scoped) ListPending() ([]PendingWrite, error) {
	rows, err := sc.store.conn.Query(`
		SELECT session_id, enqueued_at, attempts FROM pending_writes
		WHERE identity = ?
		ORDER BY enqueued_at ASC, session_id ASC
	`, sc.identity)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending writes: %w", err)
	}
	defer rows.Close()

	var pending []PendingWrite
	for rows.Next() {
		var p PendingWrite
		if err := rows.Scan(&p.SessionID, &p.EnqueuedAt, &p.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan pending write: %w", err)
		}
		pending = append(pending, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending writes: %w", err)
	}

	return pending, nil
}

// MarkSynced completes an upload: it deletes the pending write and
// stamps the session synced, but only when the stored row still carries
// the sequence number that was pushed. A row that moved on in the
// meantime is left untouched and queued, so a write landing mid-upload
// is never rolled back or silently dequeued. Reports whether the
// session was marked.
func (sc *Scoped) MarkSynced(sessionID string, seq int64) (bool, error) {
	tx, err := sc.store.conn.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var payload []byte
	var storedSeq int64
	err = tx.QueryRow(
		`SELECT payload, seq FROM sessions WHERE identity = ? AND id = ?`,
		sc.identity, sessionID,
	).Scan(&payload, &storedSeq)
	if errors.Is(err, sql.ErrNoRows) {
		// Deleted mid-upload; its pending row went with it.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read session: %w", err)
	}
	if storedSeq != seq {
		return false, nil
	}

	s, err := session.Decode(payload)
	if err != nil {
		return false, err
	}
	s.SyncStatus = session.StatusSynced
	updated, err := session.Encode(s)
	if err != nil {
		return false, err
	}

	if _, err := tx.Exec(
		`UPDATE sessions SET sync_status = ?, payload = ? WHERE identity = ? AND id = ? AND seq = ?`,
		string(session.StatusSynced), updated, sc.identity, sessionID, seq,
	); err != nil {
		return false, fmt.Errorf("failed to mark session synced: %w", err)
	}
	if _, err := tx.Exec(
		`DELETE FROM pending_writes WHERE identity = ? AND session_id = ?`,
		sc.identity, sessionID,
	); err != nil {
		return false, fmt.Errorf("failed to delete pending write: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// DeletePending removes one pending write after a successful upload.
func (sc *Scoped) DeletePending(sessionID string) error {
	_, err := sc.store.conn.Exec(
		`DELETE FROM pending_writes WHERE identity = ? AND session_id = ?`,
		sc.identity, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete pending write: %w", err)
	}
	return nil
}

// BumpPending increments the attempt counter for a pending write.
func (sc *Scoped) BumpPending(sessionID string) error {
	_, err := sc.store.conn.Exec(
		`UPDATE pending_writes SET attempts = attempts + 1 WHERE identity = ? AND session_id = ?`,
		sc.identity, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to bump pending write: %w", err)
	}
	return nil
}

// PrunePending drops pending writes whose session row no longer exists.
// Returns the ids that were pruned.
func (sc *Scoped) PrunePending() ([]string, error) {
	rows, err := sc.store.conn.Query(`
		SELECT session_id FROM pending_writes
		WHERE identity = ?
		AND session_id NOT IN (SELECT id FROM sessions WHERE identity = ?)
	`, sc.identity, sc.identity)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale pending writes: %w", err)
	}

	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan stale pending write: %w", err)
		}
		stale = append(stale, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating stale pending writes: %w", err)
	}
	rows.Close()

	for _, id := range stale {
		if err := sc.DeletePending(id); err != nil {
			return nil, err
		}
	}
	return stale, nil
}

// Backup is a safety copy of a document's progress, used to recover
// the last known state when the primary load path comes back empty.
type Backup struct {
	DocumentID  string
	Payload     []byte
	ContentHash string
	UpdatedAt   int64
	Version     int64
}

// PutBackup stores or replaces the backup for a document,
// incrementing its version.
func (sc *Scoped) PutBackup(documentID string, payload []byte, contentHash string, updatedAt int64) error {
	_, err := sc.store.conn.Exec(`
		INSERT INTO backups (identity, document_id, payload, content_hash, updated_at, version)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT (identity, document_id) DO UPDATE SET
			payload = excluded.payload,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at,
			version = version + 1
	`, sc.identity, documentID, payload, contentHash, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to store backup: %w", err)
	}
	return nil
}

// GetBackup returns the backup for a document.
func (sc *Scoped) GetBackup(documentID string) (*Backup, error) {
	b := &Backup{DocumentID: documentID}
	err := sc.store.conn.QueryRow(`
		SELECT payload, content_hash, updated_at, version FROM backups
		WHERE identity = ? AND document_id = ?
	`, sc.identity, documentID).Scan(&b.Payload, &b.ContentHash, &b.UpdatedAt, &b.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	return b, nil
}

// DeleteBackup removes the backup for a document.
func (sc *Scoped) DeleteBackup(documentID string) error {
	_, err := sc.store.conn.Exec(
		`DELETE FROM backups WHERE identity = ? AND document_id = ?`,
		sc.identity, documentID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete backup: %w", err)
	}
	return nil
}
