// Package wallet gates metered requests against each organization's prepaid
// balance. The check is deliberately soft: balances are read through a
// short-TTL cache, an organization with no known wallet passes through
// (fail-open, the authoritative charge is reconciled downstream from the
// persisted log record), and only a wallet known to be empty blocks the
// request.
package wallet

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNoWallet is returned by a BalanceStore when the organization is not
// metered. The service treats it as unlimited.
var ErrNoWallet = errors.New("wallet: organization has no wallet")

// BalanceStore is the source of truth for prepaid balances, in cents.
type BalanceStore interface {
	Balance(ctx context.Context, orgID string) (int64, error)
}

const balanceTTL = 5 * time.Minute

type cachedBalance struct {
	cents     int64
	metered   bool
	expiresAt time.Time
}

// Service answers "may this organization spend an estimated amount right
// now" without a store round trip on the hot path.
type Service struct {
	store BalanceStore

	mu       sync.Mutex
	balances map[string]cachedBalance
}

// NewService creates a wallet Service over the given store.
func NewService(store BalanceStore) *Service {
	return &Service{
		store:    store,
		balances: make(map[string]cachedBalance),
	}
}

// Gate reports whether orgID may proceed with a request estimated to cost
// estimateCents. Unknown and unmetered organizations are admitted; a wallet
// known to hold less than the estimate blocks. The cached balance is
// optimistically decremented on admission so a burst of concurrent requests
// drains it instead of all passing on one stale read.
func (s *Service) Gate(ctx context.Context, orgID string, estimateCents int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.balances[orgID]
	if !ok || time.Now().After(entry.expiresAt) {
		fresh, err := s.fetch(ctx, orgID)
		if err != nil {
			// Store unavailable: admit and let downstream reconciliation
			// settle the charge.
			slog.WarnContext(ctx, "wallet_fetch_error",
				slog.String("org_id", orgID),
				slog.String("error", err.Error()),
			)
			return true
		}
		entry = fresh
	}

	if !entry.metered {
		s.balances[orgID] = entry
		return true
	}

	if entry.cents < estimateCents || entry.cents <= 0 {
		s.balances[orgID] = entry
		return false
	}

	entry.cents -= estimateCents
	s.balances[orgID] = entry
	return true
}

func (s *Service) fetch(ctx context.Context, orgID string) (cachedBalance, error) {
	cents, err := s.store.Balance(ctx, orgID)
	if errors.Is(err, ErrNoWallet) {
		return cachedBalance{metered: false, expiresAt: time.Now().Add(balanceTTL)}, nil
	}
	if err != nil {
		return cachedBalance{}, err
	}
	return cachedBalance{cents: cents, metered: true, expiresAt: time.Now().Add(balanceTTL)}, nil
}

// RecordSpend corrects the cached balance once a request's real cost is
// known: Gate already took estimateCents, so only the difference is applied.
// Best-effort: it only adjusts an entry that is already cached and metered.
func (s *Service) RecordSpend(orgID string, estimateCents, costCents int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.balances[orgID]
	if !ok || !entry.metered {
		return
	}
	entry.cents -= costCents - estimateCents
	if entry.cents < 0 {
		entry.cents = 0
	}
	s.balances[orgID] = entry
}

// Invalidate drops the cached balance so the next Gate refetches it.
func (s *Service) Invalidate(orgID string) {
	s.mu.Lock()
	delete(s.balances, orgID)
	s.mu.Unlock()
}
