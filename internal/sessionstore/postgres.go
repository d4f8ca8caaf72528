package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/kestrelsoft/ras/internal/model"
)

// PostgresHook is a PersistenceHook backed by Postgres, for deployments
// that run more than one rasd process against a shared database. It stores
// each session as a single JSONB payload rather than a normalized schema:
// Session's shape (nested history, context, config) changes with
// SPEC_FULL.md revisions far more often than its query patterns would
// justify a join-heavy schema for, and nothing here ever queries inside a
// session's history directly — callers always load a whole session.
type PostgresHook struct {
	db *sql.DB

	stmtUpsert *sql.Stmt
	stmtLoad   *sql.Stmt
	stmtDelete *sql.Stmt
}

// PostgresConfig mirrors the connection-pool knobs the rest of this
// codebase exposes for its other database-backed components.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresHook opens dsn, verifies connectivity, and prepares the
// statements SaveSnapshot/LoadAll/Delete use.
func NewPostgresHook(dsn string, cfg PostgresConfig) (*PostgresHook, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: opening postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionstore: pinging postgres: %w", err)
	}

	return newPostgresHookFromDB(db)
}

func newPostgresHookFromDB(db *sql.DB) (*PostgresHook, error) {
	h := &PostgresHook{db: db}
	var err error
	h.stmtUpsert, err = db.Prepare(`
		INSERT INTO sessions (id, owner_user_id, owner_org_id, status, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET owner_user_id = $2, owner_org_id = $3, status = $4, payload = $5, updated_at = $6
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionstore: preparing upsert: %w", err)
	}
	h.stmtLoad, err = db.Prepare(`SELECT payload FROM sessions`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionstore: preparing load: %w", err)
	}
	h.stmtDelete, err = db.Prepare(`DELETE FROM sessions WHERE id = $1`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionstore: preparing delete: %w", err)
	}
	return h, nil
}

func (h *PostgresHook) SaveSnapshot(ctx context.Context, s *model.Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("sessionstore: marshaling session %s: %w", s.ID, err)
	}
	_, err = h.stmtUpsert.ExecContext(ctx, s.ID, s.OwnerUserID, s.OwnerOrgID, string(s.Status), payload, time.Now())
	return err
}

func (h *PostgresHook) LoadAll(ctx context.Context) ([]*model.Session, error) {
	rows, err := h.stmtLoad.QueryContext(ctx)
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

func (h *PostgresHook) Delete(ctx context.Context, id string) error {
	_, err := h.stmtDelete.ExecContext(ctx, id)
	return err
}

func (h *PostgresHook) Close() error {
	return h.db.Close()
}
