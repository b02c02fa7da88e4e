package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stablevault/cdp-engine/internal/model"
)

type depositKey struct {
	token common.Address
	id    uint64
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	deposits map[depositKey]model.DepositRecord
	pools    map[common.Address]model.PoolState
	events   []model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deposits: make(map[depositKey]model.DepositRecord),
		pools:    make(map[common.Address]model.PoolState),
	}
}

func (s *MemoryStore) SaveDeposit(_ context.Context, rec *model.DepositRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deposits[depositKey{rec.Token, rec.ID}] = *rec
	return nil
}

func (s *MemoryStore) GetDeposit(_ context.Context, token common.Address, id uint64) (*model.DepositRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.deposits[depositKey{token, id}]
	if !ok {
		return nil, fmt.Errorf("%w: deposit %s/%d", ErrNotFound, token.Hex(), id)
	}
	return &rec, nil
}

func (s *MemoryStore) ListDepositsByOwner(_ context.Context, owner common.Address) ([]model.DepositRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.DepositRecord
	for _, rec := range s.deposits {
		if rec.Owner == owner {
			result = append(result, rec)
		}
	}
	sortDeposits(result)
	return result, nil
}

func (s *MemoryStore) ListDeposits(_ context.Context, token common.Address) ([]model.DepositRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.DepositRecord
	for key, rec := range s.deposits {
		if key.token == token {
			result = append(result, rec)
		}
	}
	sortDeposits(result)
	return result, nil
}

func (s *MemoryStore) SavePool(_ context.Context, pool *model.PoolState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pools[pool.Token] = *pool
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context, token common.Address) (*model.PoolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pool, ok := s.pools[token]
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", ErrNotFound, token.Hex())
	}
	return &pool, nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.PoolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.PoolState, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	slices.SortFunc(pools, func(a, b model.PoolState) int {
		return a.Token.Cmp(b.Token)
	})
	return pools, nil
}

func (s *MemoryStore) InsertEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) ListEventsByOwner(_ context.Context, owner common.Address) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if e.Owner == owner {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListEventsByDeposit(_ context.Context, token common.Address, id uint64) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if e.Token == token && e.DepositID == id {
			result = append(result, e)
		}
	}
	return result, nil
}

func sortDeposits(recs []model.DepositRecord) {
	slices.SortFunc(recs, func(a, b model.DepositRecord) int {
		if c := a.Token.Cmp(b.Token); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
