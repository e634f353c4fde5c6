package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/pool-ledger/internal/address"
	"github.com/atmx/pool-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Transactions always run against the primary; every record a
// committed transaction wrote is invalidated afterwards.
//
// Each cached key has a generation counter that commits bump. A reader only
// fills the cache if the generation it saw before loading from the primary
// is still current, so a load that raced a commit is never cached.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tracked := &trackingTx{keys: make(map[string]struct{})}
	err := s.primary.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		tracked.Tx = tx
		return fn(ctx, tracked)
	})
	if err != nil {
		return err
	}

	if keys := tracked.list(); len(keys) > 0 {
		_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, k := range keys {
				p.Incr(ctx, genKey(k))
			}
			p.Del(ctx, keys...)
			return nil
		})
		if err != nil {
			slog.Warn("cache invalidation failed", "keys", keys, "err", err)
		}
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, addr address.Address) (*model.Account, error) {
	return readThrough(ctx, s, accountKey(addr), func() (*model.Account, error) {
		return s.primary.GetAccount(ctx, addr)
	})
}

func (s *CachedStore) GetPool(ctx context.Context, addr address.Address) (*model.Pool, error) {
	return readThrough(ctx, s, poolKey(addr), func() (*model.Pool, error) {
		return s.primary.GetPool(ctx, addr)
	})
}

func (s *CachedStore) GetUserLedger(ctx context.Context, addr address.Address) (*model.UserLedger, error) {
	return readThrough(ctx, s, ledgerKey(addr), func() (*model.UserLedger, error) {
		return s.primary.GetUserLedger(ctx, addr)
	})
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListUserLedgers(ctx context.Context, pool address.Address) ([]model.UserLedger, error) {
	return s.primary.ListUserLedgers(ctx, pool)
}

func (s *CachedStore) ListEvents(ctx context.Context, pool address.Address, limit int) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, pool, limit)
}

// --- Cache helpers ---

// fillIfCurrent sets KEYS[1] only while the generation in KEYS[2] still
// equals ARGV[1]. A missing generation reads as "".
var fillIfCurrent = redis.NewScript(`
local gen = redis.call('GET', KEYS[2]) or ''
if gen ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func() (*T, error)) (*T, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	// Cache miss: note the generation, then read from primary.
	gen, genErr := s.rdb.Get(ctx, genKey(key)).Result()
	if errors.Is(genErr, redis.Nil) {
		gen, genErr = "", nil
	}

	v, err := load()
	if err != nil {
		return nil, err
	}

	if genErr != nil {
		return v, nil
	}
	if data, err := json.Marshal(v); err == nil {
		fillIfCurrent.Run(ctx, s.rdb, []string{key, genKey(key)}, gen, data, s.ttl.Milliseconds())
	}
	return v, nil
}

func accountKey(a address.Address) string { return fmt.Sprintf("account:%s", a) }
func poolKey(a address.Address) string    { return fmt.Sprintf("pool:%s", a) }
func ledgerKey(a address.Address) string  { return fmt.Sprintf("ledger:%s", a) }
func genKey(key string) string            { return "gen:" + key }

// trackingTx records the cache keys of every record written through it.
type trackingTx struct {
	Tx
	keys map[string]struct{}
}

func (t *trackingTx) touch(key string) {
	t.keys[key] = struct{}{}
}

func (t *trackingTx) list() []string {
	keys := make([]string, 0, len(t.keys))
	for k := range t.keys {
		keys = append(keys, k)
	}
	return keys
}

func (t *trackingTx) PutAccount(ctx context.Context, acct *model.Account) error {
	t.touch(accountKey(acct.Address))
	return t.Tx.PutAccount(ctx, acct)
}

func (t *trackingTx) CreatePool(ctx context.Context, p *model.Pool) error {
	t.touch(poolKey(p.Address))
	return t.Tx.CreatePool(ctx, p)
}

func (t *trackingTx) UpdatePool(ctx context.Context, p *model.Pool) error {
	t.touch(poolKey(p.Address))
	return t.Tx.UpdatePool(ctx, p)
}

func (t *trackingTx) CreateUserLedger(ctx context.Context, l *model.UserLedger) error {
	t.touch(ledgerKey(l.Address))
	return t.Tx.CreateUserLedger(ctx, l)
}

func (t *trackingTx) UpdateUserLedger(ctx context.Context, l *model.UserLedger) error {
	t.touch(ledgerKey(l.Address))
	return t.Tx.UpdateUserLedger(ctx, l)
}
