package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pool-ledger/internal/address"
	"github.com/atmx/pool-ledger/internal/model"
	"github.com/atmx/pool-ledger/internal/store"
)

func newCached(t *testing.T) (*store.CachedStore, *store.MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ms := store.NewMemoryStore()
	return store.NewCachedStore(ms, rdb, time.Minute), ms, mr
}

func TestCachedStore_ReadThrough(t *testing.T) {
	cs, ms, mr := newCached(t)
	ctx := context.Background()
	putAccount(t, ms, acctAddr, 100)

	acct, err := cs.GetAccount(ctx, acctAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), acct.Lamports)
	assert.True(t, mr.Exists("account:"+acctAddr.String()))

	// Writes that bypass the cache are not seen until the entry expires.
	putAccount(t, ms, acctAddr, 200)
	acct, err = cs.GetAccount(ctx, acctAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), acct.Lamports)

	mr.FastForward(2 * time.Minute)
	acct, err = cs.GetAccount(ctx, acctAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), acct.Lamports)
}

func TestCachedStore_InvalidatesOnCommit(t *testing.T) {
	cs, _, mr := newCached(t)
	ctx := context.Background()
	putAccount(t, cs, acctAddr, 100)
	require.NoError(t, cs.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreatePool(ctx, &model.Pool{Address: poolAddr, Authority: authAddr})
	}))

	_, err := cs.GetAccount(ctx, acctAddr)
	require.NoError(t, err)
	_, err = cs.GetPool(ctx, poolAddr)
	require.NoError(t, err)
	require.True(t, mr.Exists("account:"+acctAddr.String()))
	require.True(t, mr.Exists("pool:"+poolAddr.String()))

	putAccount(t, cs, acctAddr, 300)
	assert.False(t, mr.Exists("account:"+acctAddr.String()))
	assert.True(t, mr.Exists("pool:"+poolAddr.String()))

	acct, err := cs.GetAccount(ctx, acctAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), acct.Lamports)
}

func TestCachedStore_FailedTxKeepsCache(t *testing.T) {
	cs, _, mr := newCached(t)
	ctx := context.Background()
	putAccount(t, cs, acctAddr, 100)
	_, err := cs.GetAccount(ctx, acctAddr)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = cs.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.PutAccount(ctx, &model.Account{Address: acctAddr, Lamports: 1}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, mr.Exists("account:"+acctAddr.String()))

	acct, err := cs.GetAccount(ctx, acctAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), acct.Lamports)
}

func TestCachedStore_MissNotCached(t *testing.T) {
	cs, _, mr := newCached(t)
	_, err := cs.GetUserLedger(context.Background(), acctAddr)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, mr.Exists("ledger:"+acctAddr.String()))
}

func TestCachedStore_RedisDownFallsBack(t *testing.T) {
	cs, ms, mr := newCached(t)
	putAccount(t, ms, acctAddr, 42)
	mr.Close()

	acct, err := cs.GetAccount(context.Background(), acctAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), acct.Lamports)
}

// pausedStore holds the first GetAccount after it has read from the
// underlying store until release is closed.
type pausedStore struct {
	store.Store
	once    sync.Once
	loaded  chan struct{}
	release chan struct{}
}

func (p *pausedStore) GetAccount(ctx context.Context, addr address.Address) (*model.Account, error) {
	acct, err := p.Store.GetAccount(ctx, addr)
	p.once.Do(func() {
		close(p.loaded)
		<-p.release
	})
	return acct, err
}

func TestCachedStore_LoadRacingCommitIsNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ms := store.NewMemoryStore()
	putAccount(t, ms, acctAddr, 100)
	primary := &pausedStore{Store: ms, loaded: make(chan struct{}), release: make(chan struct{})}
	cs := store.NewCachedStore(primary, rdb, time.Minute)
	ctx := context.Background()

	read := make(chan uint64, 1)
	go func() {
		acct, err := cs.GetAccount(ctx, acctAddr)
		if err != nil {
			read <- 0
			return
		}
		read <- acct.Lamports
	}()

	<-primary.loaded
	putAccount(t, cs, acctAddr, 200)
	close(primary.release)
	assert.Equal(t, uint64(100), <-read)

	assert.False(t, mr.Exists("account:"+acctAddr.String()))
	acct, err := cs.GetAccount(ctx, acctAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), acct.Lamports)
	assert.True(t, mr.Exists("account:"+acctAddr.String()))
}
