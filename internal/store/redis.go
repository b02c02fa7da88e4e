package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/stablevault/cdp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
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

func (s *CachedStore) SaveDeposit(ctx context.Context, rec *model.DepositRecord) error {
	if err := s.primary.SaveDeposit(ctx, rec); err != nil {
		return err
	}
	s.rdb.Del(ctx, depositKeyOf(rec.Token, rec.ID), ownerDepositsKey(rec.Owner))
	return nil
}

func (s *CachedStore) SavePool(ctx context.Context, pool *model.PoolState) error {
	if err := s.primary.SavePool(ctx, pool); err != nil {
		return err
	}
	s.cache(ctx, poolKey(pool.Token), pool)
	return nil
}

func (s *CachedStore) InsertEvent(ctx context.Context, e *model.Event) error {
	return s.primary.InsertEvent(ctx, e)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetDeposit(ctx context.Context, token common.Address, id uint64) (*model.DepositRecord, error) {
	var rec model.DepositRecord
	if s.lookup(ctx, depositKeyOf(token, id), &rec) {
		return &rec, nil
	}

	got, err := s.primary.GetDeposit(ctx, token, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, depositKeyOf(token, id), got)
	return got, nil
}

func (s *CachedStore) ListDepositsByOwner(ctx context.Context, owner common.Address) ([]model.DepositRecord, error) {
	var recs []model.DepositRecord
	if s.lookup(ctx, ownerDepositsKey(owner), &recs) {
		return recs, nil
	}

	recs, err := s.primary.ListDepositsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, ownerDepositsKey(owner), recs)
	return recs, nil
}

func (s *CachedStore) GetPool(ctx context.Context, token common.Address) (*model.PoolState, error) {
	var pool model.PoolState
	if s.lookup(ctx, poolKey(token), &pool) {
		return &pool, nil
	}

	got, err := s.primary.GetPool(ctx, token)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, poolKey(token), got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListDeposits(ctx context.Context, token common.Address) ([]model.DepositRecord, error) {
	return s.primary.ListDeposits(ctx, token)
}

func (s *CachedStore) ListPools(ctx context.Context) ([]model.PoolState, error) {
	return s.primary.ListPools(ctx)
}

func (s *CachedStore) ListEventsByOwner(ctx context.Context, owner common.Address) ([]model.Event, error) {
	return s.primary.ListEventsByOwner(ctx, owner)
}

func (s *CachedStore) ListEventsByDeposit(ctx context.Context, token common.Address, id uint64) ([]model.Event, error) {
	return s.primary.ListEventsByDeposit(ctx, token, id)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func depositKeyOf(token common.Address, id uint64) string {
	return fmt.Sprintf("deposit:%s:%d", token.Hex(), id)
}
func ownerDepositsKey(owner common.Address) string { return fmt.Sprintf("deposits:%s", owner.Hex()) }
func poolKey(token common.Address) string          { return fmt.Sprintf("pool:%s", token.Hex()) }
