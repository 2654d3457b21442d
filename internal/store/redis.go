package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradetracker/portfolio-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the per-user listings. Writes go to the primary store and
// invalidate the cache of every user they touched once the unit of work
// commits; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	touched := make(map[string]struct{})
	err := s.primary.WithinTx(ctx, func(tx Tx) error {
		return fn(&trackingTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}
	for userID := range touched {
		s.invalidate(ctx, userID)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListPositions(ctx context.Context, userID string, closed *bool) ([]model.Position, error) {
	key := positionsKey(userID, closed)
	var positions []model.Position
	if s.load(ctx, key, &positions) {
		return positions, nil
	}

	// Cache miss.
	positions, err := s.primary.ListPositions(ctx, userID, closed)
	if err != nil {
		return nil, err
	}
	s.save(ctx, key, positions)
	return positions, nil
}

func (s *CachedStore) ListSnapshots(ctx context.Context, userID string) ([]model.BalanceSnapshot, error) {
	key := snapshotsKey(userID)
	var snaps []model.BalanceSnapshot
	if s.load(ctx, key, &snaps) {
		return snaps, nil
	}

	snaps, err := s.primary.ListSnapshots(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, key, snaps)
	return snaps, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetCash(ctx context.Context, userID string) (*model.CashBalance, error) {
	return s.primary.GetCash(ctx, userID)
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return s.primary.GetTransaction(ctx, id)
}

func (s *CachedStore) ListTransactions(ctx context.Context, positionID string) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, positionID)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("cache read failed", "key", key, "error", err)
		}
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		slog.Warn("cache write failed", "key", key, "error", err)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, userID string) {
	t, f := true, false
	keys := []string{
		positionsKey(userID, nil),
		positionsKey(userID, &t),
		positionsKey(userID, &f),
		snapshotsKey(userID),
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "user_id", userID, "error", err)
	}
}

func positionsKey(uid string, closed *bool) string {
	switch {
	case closed == nil:
		return fmt.Sprintf("positions:%s:all", uid)
	case *closed:
		return fmt.Sprintf("positions:%s:closed", uid)
	default:
		return fmt.Sprintf("positions:%s:open", uid)
	}
}

func snapshotsKey(uid string) string { return fmt.Sprintf("snapshots:%s", uid) }

// trackingTx records which users a unit of work wrote for.
type trackingTx struct {
	Tx
	touched map[string]struct{}
}

func (t *trackingTx) LockCash(ctx context.Context, userID string) (*model.CashBalance, bool, error) {
	t.touched[userID] = struct{}{}
	return t.Tx.LockCash(ctx, userID)
}

func (t *trackingTx) InsertPosition(ctx context.Context, p *model.Position) error {
	t.touched[p.UserID] = struct{}{}
	return t.Tx.InsertPosition(ctx, p)
}

func (t *trackingTx) UpdatePosition(ctx context.Context, p *model.Position) error {
	t.touched[p.UserID] = struct{}{}
	return t.Tx.UpdatePosition(ctx, p)
}

func (t *trackingTx) AppendSnapshot(ctx context.Context, snap *model.BalanceSnapshot) error {
	t.touched[snap.UserID] = struct{}{}
	return t.Tx.AppendSnapshot(ctx, snap)
}
