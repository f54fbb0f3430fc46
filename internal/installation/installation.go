// Package installation provides read-only access to tenant credentials.
// Installations are created and refreshed by an out-of-process auth flow;
// the core only looks them up by id.
package installation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/relaydev/relay/internal/db"
)

// ErrNotFound is returned when no installation exists for an id.
var ErrNotFound = errors.New("installation not found")

// ServiceKind classifies the external service an installation binds to.
type ServiceKind string

const (
	KindCodeForge    ServiceKind = "code-forge"
	KindTracker      ServiceKind = "tracker"
	KindChat         ServiceKind = "chat"
	KindErrorMonitor ServiceKind = "error-monitor"
)

// Installation is the credentialed binding between Relay and one external
// service tenant.
type Installation struct {
	ID            string      `db:"id"`
	ServiceKind   ServiceKind `db:"service_kind"`
	OrgHandle     string      `db:"org_handle"`
	AccessToken   string      `db:"access_token"`
	RefreshToken  string      `db:"refresh_token"`
	WebhookSecret string      `db:"webhook_secret"`
	TokenExpiry   *time.Time  `db:"token_expiry"`
	CreatedAt     time.Time   `db:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at"`
}

// Store reads installations from the relational store.
type Store struct {
	pool *db.Pool
}

// NewStore creates a read-only installation store.
func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

// Get looks up an installation by id.
func (s *Store) Get(ctx context.Context, id string) (*Installation, error) {
	var inst Installation
	err := s.pool.Reader().GetContext(ctx, &inst, s.pool.Reader().Rebind(`
		SELECT id, service_kind, org_handle, access_token, refresh_token,
		       webhook_secret, token_expiry, created_at, updated_at
		FROM installations WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}
