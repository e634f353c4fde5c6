package store

import (
	"context"
	"sort"
	"sync"

	"github.com/atmx/pool-ledger/internal/address"
	"github.com/atmx/pool-ledger/internal/model"
)

type versioned[T any] struct {
	val     T
	version uint64
}

// MemoryStore implements Store with in-memory maps. Transactions are
// optimistic: reads record the version they saw and commit is a single
// compare-and-swap over all of them under the write lock. Used for
// testing and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[address.Address]versioned[model.Account]
	pools    map[address.Address]versioned[model.Pool]
	ledgers  map[address.Address]versioned[model.UserLedger]
	events   []model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[address.Address]versioned[model.Account]),
		pools:    make(map[address.Address]versioned[model.Pool]),
		ledgers:  make(map[address.Address]versioned[model.UserLedger]),
	}
}

func (s *MemoryStore) GetAccount(_ context.Context, addr address.Address) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.accounts[addr]
	if !ok {
		return nil, ErrNotFound
	}
	acct := v.val
	return &acct, nil
}

func (s *MemoryStore) GetPool(_ context.Context, addr address.Address) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.pools[addr]
	if !ok {
		return nil, ErrNotFound
	}
	pool := v.val
	return &pool, nil
}

func (s *MemoryStore) GetUserLedger(_ context.Context, addr address.Address) (*model.UserLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.ledgers[addr]
	if !ok {
		return nil, ErrNotFound
	}
	ledger := v.val
	return &ledger, nil
}

func (s *MemoryStore) ListUserLedgers(_ context.Context, pool address.Address) ([]model.UserLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.UserLedger
	for _, v := range s.ledgers {
		if v.val.Pool == pool {
			result = append(result, v.val)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, pool address.Address, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		if s.events[i].Pool == pool {
			result = append(result, s.events[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{
		s:        s,
		seen:     make(map[recordKey]uint64),
		accounts: make(map[address.Address]model.Account),
		pools:    make(map[address.Address]model.Pool),
		ledgers:  make(map[address.Address]model.UserLedger),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

type recordKind uint8

const (
	kindAccount recordKind = iota
	kindPool
	kindLedger
)

type recordKey struct {
	kind recordKind
	addr address.Address
}

// memTx stages writes and remembers the version of every record it has
// looked at. Version 0 means "absent when read".
type memTx struct {
	s        *MemoryStore
	seen     map[recordKey]uint64
	accounts map[address.Address]model.Account
	pools    map[address.Address]model.Pool
	ledgers  map[address.Address]model.UserLedger
	events   []model.Event
}

func (tx *memTx) observe(key recordKey) (exists bool) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	version := tx.s.versionLocked(key)
	if _, ok := tx.seen[key]; !ok {
		tx.seen[key] = version
	}
	return version != 0
}

func (s *MemoryStore) versionLocked(key recordKey) uint64 {
	switch key.kind {
	case kindAccount:
		return s.accounts[key.addr].version
	case kindPool:
		return s.pools[key.addr].version
	default:
		return s.ledgers[key.addr].version
	}
}

func (tx *memTx) GetAccount(ctx context.Context, addr address.Address) (*model.Account, error) {
	if acct, ok := tx.accounts[addr]; ok {
		return &acct, nil
	}
	tx.observe(recordKey{kindAccount, addr})
	return tx.s.GetAccount(ctx, addr)
}

func (tx *memTx) GetPool(ctx context.Context, addr address.Address) (*model.Pool, error) {
	if pool, ok := tx.pools[addr]; ok {
		return &pool, nil
	}
	tx.observe(recordKey{kindPool, addr})
	return tx.s.GetPool(ctx, addr)
}

func (tx *memTx) GetUserLedger(ctx context.Context, addr address.Address) (*model.UserLedger, error) {
	if ledger, ok := tx.ledgers[addr]; ok {
		return &ledger, nil
	}
	tx.observe(recordKey{kindLedger, addr})
	return tx.s.GetUserLedger(ctx, addr)
}

func (tx *memTx) PutAccount(_ context.Context, acct *model.Account) error {
	tx.observe(recordKey{kindAccount, acct.Address})
	tx.accounts[acct.Address] = *acct
	return nil
}

func (tx *memTx) CreatePool(_ context.Context, pool *model.Pool) error {
	if _, ok := tx.pools[pool.Address]; ok {
		return ErrAlreadyExists
	}
	if tx.observe(recordKey{kindPool, pool.Address}) {
		return ErrAlreadyExists
	}
	tx.pools[pool.Address] = *pool
	return nil
}

func (tx *memTx) UpdatePool(_ context.Context, pool *model.Pool) error {
	_, staged := tx.pools[pool.Address]
	if !tx.observe(recordKey{kindPool, pool.Address}) && !staged {
		return ErrNotFound
	}
	tx.pools[pool.Address] = *pool
	return nil
}

func (tx *memTx) CreateUserLedger(_ context.Context, ledger *model.UserLedger) error {
	if _, ok := tx.ledgers[ledger.Address]; ok {
		return ErrAlreadyExists
	}
	if tx.observe(recordKey{kindLedger, ledger.Address}) {
		return ErrAlreadyExists
	}
	tx.ledgers[ledger.Address] = *ledger
	return nil
}

func (tx *memTx) UpdateUserLedger(_ context.Context, ledger *model.UserLedger) error {
	_, staged := tx.ledgers[ledger.Address]
	if !tx.observe(recordKey{kindLedger, ledger.Address}) && !staged {
		return ErrNotFound
	}
	tx.ledgers[ledger.Address] = *ledger
	return nil
}

func (tx *memTx) InsertEvent(_ context.Context, ev *model.Event) error {
	tx.events = append(tx.events, *ev)
	return nil
}

// commit verifies that nothing this transaction observed has changed
// since, then publishes every staged write with a bumped version.
func (tx *memTx) commit() error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, version := range tx.seen {
		if s.versionLocked(key) != version {
			return ErrConflict
		}
	}

	for addr, acct := range tx.accounts {
		s.accounts[addr] = versioned[model.Account]{val: acct, version: s.accounts[addr].version + 1}
	}
	for addr, pool := range tx.pools {
		s.pools[addr] = versioned[model.Pool]{val: pool, version: s.pools[addr].version + 1}
	}
	for addr, ledger := range tx.ledgers {
		s.ledgers[addr] = versioned[model.UserLedger]{val: ledger, version: s.ledgers[addr].version + 1}
	}
	s.events = append(s.events, tx.events...)
	return nil
}
