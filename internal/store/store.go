// Package store defines the persistence interface for the pool ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// Every mutation happens inside Atomic: either all staged writes become
// visible together or none do.
package store

import (
	"context"
	"errors"

	"github.com/atmx/pool-ledger/internal/address"
	"github.com/atmx/pool-ledger/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrAlreadyExists is returned when creating a record at an occupied key.
	ErrAlreadyExists = errors.New("store: record already exists")

	// ErrConflict is returned when a concurrent transaction touched the
	// same records. Nothing was applied; the caller may retry.
	ErrConflict = errors.New("store: conflicting concurrent update, retry")
)

// Reader is the read side shared by Store and Tx.
type Reader interface {
	// GetAccount returns the host account at addr.
	GetAccount(ctx context.Context, addr address.Address) (*model.Account, error)

	// GetPool returns the pool record at addr.
	GetPool(ctx context.Context, addr address.Address) (*model.Pool, error)

	// GetUserLedger returns the user ledger record at addr.
	GetUserLedger(ctx context.Context, addr address.Address) (*model.UserLedger, error)
}

// Tx is a unit of work. Reads inside a Tx claim the records they touch;
// writes are staged until the enclosing Atomic call returns nil.
type Tx interface {
	Reader

	// PutAccount inserts or replaces a host account.
	PutAccount(ctx context.Context, acct *model.Account) error

	// CreatePool inserts a new pool record; ErrAlreadyExists if present.
	CreatePool(ctx context.Context, pool *model.Pool) error

	// UpdatePool replaces the counters of an existing pool record.
	UpdatePool(ctx context.Context, pool *model.Pool) error

	// CreateUserLedger inserts a new user ledger; ErrAlreadyExists if present.
	CreateUserLedger(ctx context.Context, ledger *model.UserLedger) error

	// UpdateUserLedger replaces the balances of an existing user ledger.
	UpdateUserLedger(ctx context.Context, ledger *model.UserLedger) error

	// InsertEvent appends an immutable journal entry.
	InsertEvent(ctx context.Context, ev *model.Event) error
}

// Store is the persistence interface.
type Store interface {
	Reader

	// Atomic runs fn in a transaction. If fn returns an error every staged
	// write is discarded and the error is returned unchanged.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ListUserLedgers returns all user ledgers of a pool.
	ListUserLedgers(ctx context.Context, pool address.Address) ([]model.UserLedger, error)

	// ListEvents returns up to limit journal entries of a pool, newest first.
	ListEvents(ctx context.Context, pool address.Address, limit int) ([]model.Event, error)
}
