// Package sessions persists session snapshots by id.
package sessions

import (
	"context"

	"github.com/roomsync/coordinator/internal/models"
)

// Store is the trivial persistence contract: get/set/list/delete by session
// id. Saved values are snapshots; the authoritative mutable state lives with
// the session's lifecycle monitor. One production implementation (Postgres)
// and one in-memory implementation exist; they are injected by construction.
type Store interface {
	Save(ctx context.Context, sess *models.Session) error
	// Get returns a copy of the stored session or nil when the id is
	// unknown.
	Get(ctx context.Context, id string) (*models.Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*models.Session, error)
}
