package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kestrelsoft/ras/internal/model"
)

// SQLiteHook is the PersistenceHook for single-binary deployments that
// don't want a Postgres dependency: same payload-per-row shape as
// PostgresHook (see its doc comment for why sessions aren't normalized),
// backed by the pure-Go modernc.org/sqlite driver so rasd stays a single
// static binary with no cgo requirement.
type SQLiteHook struct {
	db *sql.DB
}

// NewSQLiteHook opens path (a file path, or ":memory:") and creates the
// sessions table if it doesn't already exist.
func NewSQLiteHook(path string) (*SQLiteHook, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite serializes writers regardless; avoid pool contention errors

	const schema = `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL,
			owner_org_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionstore: creating sessions table: %w", err)
	}
	return &SQLiteHook{db: db}, nil
}

func (h *SQLiteHook) SaveSnapshot(ctx context.Context, s *model.Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("sessionstore: marshaling session %s: %w", s.ID, err)
	}
	_, err = h.db.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_user_id, owner_org_id, status, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_user_id = excluded.owner_user_id,
			owner_org_id  = excluded.owner_org_id,
			status        = excluded.status,
			payload       = excluded.payload,
			updated_at    = excluded.updated_at
	`, s.ID, s.OwnerUserID, s.OwnerOrgID, string(s.Status), payload, time.Now())
	return err
}

func (h *SQLiteHook) LoadAll(ctx context.Context) ([]*model.Session, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT payload FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var s model.Session
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, fmt.Errorf("sessionstore: unmarshaling row: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (h *SQLiteHook) Delete(ctx context.Context, id string) error {
	_, err := h.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (h *SQLiteHook) Close() error {
	return h.db.Close()
}
