package sessions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roomsync/coordinator/internal/models"
)

// PostgresStore persists session snapshots in a sessions table as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Save(ctx context.Context, sess *models.Session) error {
	snapshot, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	const q = `INSERT INTO sessions (id, status, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET status = $2, snapshot = $3, updated_at = $5`
	if _, err := s.pool.Exec(ctx, q, sess.ID, string(sess.Status), snapshot, sess.CreatedAt, sess.UpdatedAt); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Session, error) {
	const q = `SELECT snapshot FROM sessions WHERE id = $1`
	var snapshot []byte
	if err := s.pool.QueryRow(ctx, q, id).Scan(&snapshot); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decodeSnapshot(snapshot)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	const q = `DELETE FROM sessions WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.Session, error) {
	const q = `SELECT snapshot FROM sessions ORDER BY created_at`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess, err := decodeSnapshot(snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func decodeSnapshot(snapshot []byte) (*models.Session, error) {
	var sess models.Session
	if err := json.Unmarshal(snapshot, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if sess.ReadyServices == nil {
		sess.ReadyServices = make(map[string]bool)
	}
	return &sess, nil
}
