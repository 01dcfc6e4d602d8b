package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/relaygate/gateway/internal/signature"
)

// SQLiteMirror implements signature.Mirror against the signature_mirror
// table, so captured signatures survive a process restart when a sqlite
// state path is configured. Expired rows are skipped on read and reaped
// opportunistically on write.
type SQLiteMirror struct {
	db *sql.DB
}

// NewSQLiteMirror wraps an already-opened (and migrated) database.
func NewSQLiteMirror(db *sql.DB) *SQLiteMirror {
	return &SQLiteMirror{db: db}
}

var _ signature.Mirror = (*SQLiteMirror)(nil)

func (m *SQLiteMirror) Write(ctx context.Context, idx, key string, e signature.MirrorEntry, ttl time.Duration) error {
	now := time.Now()
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO signature_mirror
			(idx, key, signature, content_hash, content, tool_id, session_fp, owner_id, model_family, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idx, key) DO UPDATE SET
			signature = excluded.signature,
			content_hash = excluded.content_hash,
			content = excluded.content,
			tool_id = excluded.tool_id,
			session_fp = excluded.session_fp,
			owner_id = excluded.owner_id,
			model_family = excluded.model_family,
			expires_at = excluded.expires_at`,
		idx, key, e.Signature, e.ContentHash, e.Content, e.ToolID,
		e.SessionFingerprint, e.OwnerID, e.ModelFamily,
		now.Unix(), now.Add(ttl).Unix())
	if err != nil {
		return err
	}
	// Reap a batch of expired rows on the write path; cheap enough that no
	// dedicated sweeper is needed.
	_, _ = m.db.ExecContext(ctx, `
		DELETE FROM signature_mirror WHERE rowid IN (
			SELECT rowid FROM signature_mirror WHERE expires_at < ? LIMIT 100)`,
		now.Unix())
	return nil
}

func (m *SQLiteMirror) Read(ctx context.Context, idx, key string) (signature.MirrorEntry, bool, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT signature, content_hash, content, tool_id, session_fp, owner_id, model_family, created_at
		FROM signature_mirror
		WHERE idx = ? AND key = ? AND expires_at >= ?`,
		idx, key, time.Now().Unix())

	var e signature.MirrorEntry
	err := row.Scan(&e.Signature, &e.ContentHash, &e.Content, &e.ToolID,
		&e.SessionFingerprint, &e.OwnerID, &e.ModelFamily, &e.CreatedAtUnix)
	if err == sql.ErrNoRows {
		return signature.MirrorEntry{}, false, nil
	}
	if err != nil {
		return signature.MirrorEntry{}, false, err
	}
	return e, true, nil
}
