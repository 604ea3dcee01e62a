// Package postgres is the relational source of truth for credentials and
// wallet balances. The gateway only reads from it on cache misses; writes
// (key provisioning, wallet top-ups) happen through external tooling.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/traceway/traceway/internal/auth"
	"github.com/traceway/traceway/internal/wallet"
)

// Store wraps a Postgres connection pool and implements auth.Keystore and
// wallet.BalanceStore.
type Store struct {
	conn *sql.DB
}

// New opens a connection pool against databaseURL and verifies it with a
// ping.
func New(databaseURL string) (*Store, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Store{conn: conn}, nil
}

// NewFromDB wraps an existing pool, mainly for tests.
func NewFromDB(conn *sql.DB) *Store {
	return &Store{conn: conn}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Lookup resolves a hashed API key to its owning organization. Soft-deleted
// keys are surfaced with Revoked set so the resolver can cache the negative
// result.
func (s *Store) Lookup(ctx context.Context, keyHash string) (*auth.Identity, error) {
	query := `
		SELECT k.id, k.org_id, COALESCE(k.user_id, ''), COALESCE(o.rate_limit_policy, ''),
		       COALESCE(o.region, ''), k.soft_deleted
		FROM api_keys k
		JOIN organizations o ON o.id = k.org_id
		WHERE k.key_hash = $1
	`

	var id auth.Identity
	err := s.conn.QueryRowContext(ctx, query, keyHash).Scan(
		&id.KeyID,
		&id.OrgID,
		&id.UserID,
		&id.PolicyRaw,
		&id.Region,
		&id.Revoked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: lookup key: %w", err)
	}

	return &id, nil
}

// Balance returns the organization's prepaid balance in cents, or
// wallet.ErrNoWallet when the organization is not metered.
func (s *Store) Balance(ctx context.Context, orgID string) (int64, error) {
	query := `SELECT remaining_balance_cents FROM wallets WHERE org_id = $1`

	var cents int64
	err := s.conn.QueryRowContext(ctx, query, orgID).Scan(&cents)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, wallet.ErrNoWallet
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: balance: %w", err)
	}

	return cents, nil
}

// TouchKey updates the key's last_used_at timestamp, best-effort.
func (s *Store) TouchKey(ctx context.Context, keyID string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, keyID)
	return err
}

var (
	_ auth.Keystore       = (*Store)(nil)
	_ wallet.BalanceStore = (*Store)(nil)
)
