package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/tradetracker/portfolio-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Units of work are serialized and run against a private copy of the state
// which replaces the live state only when fn succeeds.
type MemoryStore struct {
	txMu  sync.Mutex
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	cash         map[string]model.CashBalance
	positions    map[string]model.Position
	transactions map[string]model.Transaction
	snapshots    []model.BalanceSnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			cash:         make(map[string]model.CashBalance),
			positions:    make(map[string]model.Position),
			transactions: make(map[string]model.Transaction),
		},
	}
}

func (st *memState) clone() *memState {
	return &memState{
		cash:         maps.Clone(st.cash),
		positions:    maps.Clone(st.positions),
		transactions: maps.Clone(st.transactions),
		snapshots:    slices.Clone(st.snapshots),
	}
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	work := s.state.clone()
	s.mu.RUnlock()

	if err := fn(&memTx{st: work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

// --- Reader ---

func (s *MemoryStore) GetCash(_ context.Context, userID string) (*model.CashBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.state.cash[userID]
	if !ok {
		return nil, fmt.Errorf("cash for user %s: %w", userID, ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.state.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string, closed *bool) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.state.positions {
		if p.UserID != userID {
			continue
		}
		if closed != nil && p.IsClosed != *closed {
			continue
		}
		result = append(result, p)
	}
	sortPositions(result)
	return result, nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.state.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return &t, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, positionID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.state.transactions {
		if t.PositionID == positionID {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[j].After(result[i]) })
	return result, nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, userID string) ([]model.BalanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.BalanceSnapshot
	for i := len(s.state.snapshots) - 1; i >= 0; i-- {
		if snap := s.state.snapshots[i]; snap.UserID == userID {
			result = append(result, snap)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })
	return result, nil
}

// sortPositions orders by total buy value, largest first.
func sortPositions(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if c := ps[i].TotalBuyValue.Cmp(ps[j].TotalBuyValue); c != 0 {
			return c > 0
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}

// --- Unit of work ---

type memTx struct {
	st *memState
}

func (t *memTx) LockCash(_ context.Context, userID string) (*model.CashBalance, bool, error) {
	c, ok := t.st.cash[userID]
	if !ok {
		c = model.CashBalance{UserID: userID}
		t.st.cash[userID] = c
	}
	return &c, !ok, nil
}

func (t *memTx) SaveCash(_ context.Context, c *model.CashBalance) error {
	if _, ok := t.st.cash[c.UserID]; !ok {
		return fmt.Errorf("cash for user %s: %w", c.UserID, ErrNotFound)
	}
	t.st.cash[c.UserID] = *c
	return nil
}

func (t *memTx) FindOpenPosition(_ context.Context, userID, coin string) (*model.Position, error) {
	for _, p := range t.st.positions {
		if p.UserID == userID && p.CoinSymbol == coin && !p.IsClosed {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("open %s position for user %s: %w", coin, userID, ErrNotFound)
}

func (t *memTx) LockPosition(_ context.Context, id string) (*model.Position, error) {
	p, ok := t.st.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (t *memTx) InsertPosition(_ context.Context, p *model.Position) error {
	if _, ok := t.st.positions[p.ID]; ok {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	if !p.IsClosed {
		for _, existing := range t.st.positions {
			if existing.UserID == p.UserID && existing.CoinSymbol == p.CoinSymbol && !existing.IsClosed {
				return fmt.Errorf("open %s position for user %s already exists", p.CoinSymbol, p.UserID)
			}
		}
	}
	t.st.positions[p.ID] = *p
	return nil
}

func (t *memTx) UpdatePosition(_ context.Context, p *model.Position) error {
	if _, ok := t.st.positions[p.ID]; !ok {
		return fmt.Errorf("position %s: %w", p.ID, ErrNotFound)
	}
	t.st.positions[p.ID] = *p
	return nil
}

func (t *memTx) DeletePosition(_ context.Context, id string) error {
	if _, ok := t.st.positions[id]; !ok {
		return fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	for _, tr := range t.st.transactions {
		if tr.PositionID == id {
			return fmt.Errorf("position %s still has transactions", id)
		}
	}
	delete(t.st.positions, id)
	return nil
}

func (t *memTx) ListOpenPositions(_ context.Context, userID string) ([]model.Position, error) {
	var result []model.Position
	for _, p := range t.st.positions {
		if p.UserID == userID && !p.IsClosed {
			result = append(result, p)
		}
	}
	sortPositions(result)
	return result, nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr *model.Transaction) error {
	if _, ok := t.st.transactions[tr.ID]; ok {
		return fmt.Errorf("transaction %s already exists", tr.ID)
	}
	if _, ok := t.st.positions[tr.PositionID]; !ok {
		return fmt.Errorf("position %s: %w", tr.PositionID, ErrNotFound)
	}
	t.st.transactions[tr.ID] = *tr
	return nil
}

func (t *memTx) DeleteTransaction(_ context.Context, id string) error {
	if _, ok := t.st.transactions[id]; !ok {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	delete(t.st.transactions, id)
	return nil
}

func (t *memTx) LastTransaction(_ context.Context, positionID string) (*model.Transaction, error) {
	var last *model.Transaction
	for _, tr := range t.st.transactions {
		if tr.PositionID != positionID {
			continue
		}
		if last == nil || tr.After(*last) {
			tr := tr
			last = &tr
		}
	}
	if last == nil {
		return nil, fmt.Errorf("transactions of position %s: %w", positionID, ErrNotFound)
	}
	return last, nil
}

func (t *memTx) AppendSnapshot(_ context.Context, s *model.BalanceSnapshot) error {
	t.st.snapshots = append(t.st.snapshots, *s)
	return nil
}
