// Package ledger implements the pool ledger transitions: pool and user
// initialization, user deposits and withdrawals, the authority's
// emergency sweep, top-ups and payouts, and the balance queries.
//
// Every transition runs as one host instruction. The host has already
// verified the signer; this package checks that the signer is allowed to
// act on the records it names.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/atmx/pool-ledger/internal/address"
	"github.com/atmx/pool-ledger/internal/host"
	"github.com/atmx/pool-ledger/internal/model"
	"github.com/atmx/pool-ledger/internal/safemath"
	"github.com/atmx/pool-ledger/internal/store"
)

var (
	ErrUnauthorized        = errors.New("ledger: unauthorized")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrInvalidRecipient    = errors.New("ledger: invalid payout recipient")
	ErrPoolNotFound        = errors.New("ledger: pool not found")
	ErrUserLedgerNotFound  = errors.New("ledger: user ledger not found")
	ErrAlreadyInitialized  = errors.New("ledger: already initialized")
	ErrSeedsMismatch       = errors.New("ledger: record address does not match its seeds")
)

// Seed tags for derived record addresses.
var (
	poolSeed = []byte("pool")
	userSeed = []byte("user")
)

// DefaultProgramID is the namespace records are derived under when none
// is configured.
var DefaultProgramID = address.FromLabel("pool-ledger/v1")

// Program is the transaction core bound to a host and a program ID.
type Program struct {
	host      *host.Host
	programID address.Address
}

// New creates a Program.
func New(h *host.Host, programID address.Address) *Program {
	return &Program{host: h, programID: programID}
}

// ProgramID returns the namespace record addresses are derived under.
func (p *Program) ProgramID() address.Address { return p.programID }

// PoolAddress derives the pool address of authority.
func (p *Program) PoolAddress(authority address.Address) (address.Address, uint8, error) {
	return address.FindProgramAddress(p.programID, poolSeed, authority.Bytes())
}

// UserLedgerAddress derives the ledger address of user inside pool.
func (p *Program) UserLedgerAddress(user, pool address.Address) (address.Address, uint8, error) {
	return address.FindProgramAddress(p.programID, userSeed, user.Bytes(), pool.Bytes())
}

// InitPool creates the pool owned by authority, funded by authority.
func (p *Program) InitPool(ctx context.Context, authority address.Address) (*model.Pool, error) {
	addr, bump, err := p.PoolAddress(authority)
	if err != nil {
		return nil, err
	}

	var pool *model.Pool
	err = p.host.Execute(ctx, host.Instruction{Name: "init_pool", Signer: authority}, func(c *host.Context) error {
		if err := c.RequireSigner(authority); err != nil {
			return err
		}
		if _, err := c.Tx().GetPool(c.Ctx(), addr); err == nil {
			return fmt.Errorf("%w: pool %s", ErrAlreadyInitialized, addr)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := c.CreateAccount(authority, addr, model.PoolSpace); err != nil {
			return err
		}

		pool = &model.Pool{
			Address:   addr,
			Authority: authority,
			Bump:      bump,
			CreatedAt: c.Now(),
		}
		if err := c.Tx().CreatePool(c.Ctx(), pool); err != nil {
			return alreadyInitialized(err, addr)
		}
		c.Emit(model.Event{Pool: addr, Kind: model.EventPoolInitialized, Actor: authority})
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("pool initialized", "op", "init_pool", "pool", addr, "actor", authority)
	return pool, nil
}

// InitUser creates user's ledger inside an existing pool.
func (p *Program) InitUser(ctx context.Context, user, poolAddr address.Address) (*model.UserLedger, error) {
	addr, bump, err := p.UserLedgerAddress(user, poolAddr)
	if err != nil {
		return nil, err
	}

	var ledger *model.UserLedger
	err = p.host.Execute(ctx, host.Instruction{Name: "init_user", Signer: user}, func(c *host.Context) error {
		if err := c.RequireSigner(user); err != nil {
			return err
		}
		if _, err := p.loadPool(c.Ctx(), c.Tx(), poolAddr); err != nil {
			return err
		}
		if _, err := c.Tx().GetUserLedger(c.Ctx(), addr); err == nil {
			return fmt.Errorf("%w: user ledger %s", ErrAlreadyInitialized, addr)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := c.CreateAccount(user, addr, model.UserLedgerSpace); err != nil {
			return err
		}

		ledger = &model.UserLedger{
			Address:   addr,
			User:      user,
			Pool:      poolAddr,
			Bump:      bump,
			CreatedAt: c.Now(),
		}
		if err := c.Tx().CreateUserLedger(c.Ctx(), ledger); err != nil {
			return alreadyInitialized(err, addr)
		}
		c.Emit(model.Event{Pool: poolAddr, Kind: model.EventUserInitialized, Actor: user})
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("user ledger initialized", "op", "init_user", "pool", poolAddr, "actor", user)
	return ledger, nil
}

// Deposit moves amount from user's holding into pool custody and credits
// the user's ledger. Zero is accepted.
func (p *Program) Deposit(ctx context.Context, user, poolAddr address.Address, amount uint64) (*model.UserLedger, error) {
	var ledger *model.UserLedger
	err := p.host.Execute(ctx, host.Instruction{Name: "deposit", Signer: user}, func(c *host.Context) error {
		pool, ul, err := p.loadUserAndPool(c, user, poolAddr)
		if err != nil {
			return err
		}
		if err := c.Transfer(user, pool.Address, amount); err != nil {
			return err
		}

		if ul.Balance, err = safemath.Add(ul.Balance, amount); err != nil {
			return fmt.Errorf("user balance: %w", err)
		}
		if ul.TotalDeposits, err = safemath.Add(ul.TotalDeposits, amount); err != nil {
			return fmt.Errorf("user total deposits: %w", err)
		}
		if pool.TotalDeposits, err = safemath.Add(pool.TotalDeposits, amount); err != nil {
			return fmt.Errorf("pool total deposits: %w", err)
		}
		if err := p.save(c, pool, ul); err != nil {
			return err
		}

		c.Emit(model.Event{Pool: pool.Address, Kind: model.EventDeposit, Actor: user, Counterparty: pool.Address, Amount: amount})
		ledger = ul
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("deposit applied", "op", "deposit", "pool", poolAddr, "actor", user, "amount", amount)
	return ledger, nil
}

// Withdraw pays amount out of pool custody to user and debits the
// user's ledger.
func (p *Program) Withdraw(ctx context.Context, user, poolAddr address.Address, amount uint64) (*model.UserLedger, error) {
	var ledger *model.UserLedger
	err := p.host.Execute(ctx, host.Instruction{Name: "withdraw", Signer: user}, func(c *host.Context) error {
		pool, ul, err := p.loadUserAndPool(c, user, poolAddr)
		if err != nil {
			return err
		}
		if ul.Balance < amount {
			return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, ul.Balance, amount)
		}
		if err := c.Move(pool.Address, user, amount); err != nil {
			return err
		}

		if ul.Balance, err = safemath.Sub(ul.Balance, amount); err != nil {
			return fmt.Errorf("user balance: %w", err)
		}
		if ul.TotalWithdrawals, err = safemath.Add(ul.TotalWithdrawals, amount); err != nil {
			return fmt.Errorf("user total withdrawals: %w", err)
		}
		if pool.TotalWithdrawals, err = safemath.Add(pool.TotalWithdrawals, amount); err != nil {
			return fmt.Errorf("pool total withdrawals: %w", err)
		}
		if err := p.save(c, pool, ul); err != nil {
			return err
		}

		c.Emit(model.Event{Pool: pool.Address, Kind: model.EventWithdraw, Actor: user, Counterparty: user, Amount: amount})
		ledger = ul
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("withdraw applied", "op", "withdraw", "pool", poolAddr, "actor", user, "amount", amount)
	return ledger, nil
}

// EmergencyWithdraw sweeps everything above the pool's rent reserve to
// the authority. User ledgers and pool counters are left untouched, so
// outstanding balances may end up unbacked. Returns the amount swept.
func (p *Program) EmergencyWithdraw(ctx context.Context, signer, poolAddr address.Address) (uint64, error) {
	var swept uint64
	err := p.host.Execute(ctx, host.Instruction{Name: "emergency_withdraw", Signer: signer}, func(c *host.Context) error {
		pool, err := p.loadPoolAsAuthority(c, poolAddr)
		if err != nil {
			return err
		}
		acct, err := c.Account(pool.Address)
		if err != nil {
			return err
		}

		swept = c.Rent().Withdrawable(acct.Lamports, acct.DataLen)
		if swept == 0 {
			return fmt.Errorf("%w: nothing above reserve", ErrInsufficientBalance)
		}
		if err := c.Move(pool.Address, signer, swept); err != nil {
			return err
		}

		c.Emit(model.Event{Pool: pool.Address, Kind: model.EventEmergencyWithdraw, Actor: signer, Counterparty: signer, Amount: swept})
		return nil
	})
	if err != nil {
		return 0, err
	}

	slog.Info("emergency withdraw applied", "op", "emergency_withdraw", "pool", poolAddr, "actor", signer, "amount", swept)
	return swept, nil
}

// OwnerDeposit tops up pool custody from the authority's holding without
// touching any counter.
func (p *Program) OwnerDeposit(ctx context.Context, signer, poolAddr address.Address, amount uint64) error {
	err := p.host.Execute(ctx, host.Instruction{Name: "owner_deposit", Signer: signer}, func(c *host.Context) error {
		pool, err := p.loadPoolAsAuthority(c, poolAddr)
		if err != nil {
			return err
		}
		if amount == 0 {
			return fmt.Errorf("%w: must be positive", ErrInvalidAmount)
		}
		if err := c.Transfer(signer, pool.Address, amount); err != nil {
			return err
		}

		c.Emit(model.Event{Pool: pool.Address, Kind: model.EventOwnerDeposit, Actor: signer, Counterparty: pool.Address, Amount: amount})
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("owner deposit applied", "op", "owner_deposit", "pool", poolAddr, "actor", signer, "amount", amount)
	return nil
}

// Payout moves amount from pool custody to recipient. No ledger or
// counter is involved.
func (p *Program) Payout(ctx context.Context, signer, poolAddr, recipient address.Address, amount uint64) error {
	err := p.host.Execute(ctx, host.Instruction{Name: "payout", Signer: signer}, func(c *host.Context) error {
		pool, err := p.loadPoolAsAuthority(c, poolAddr)
		if err != nil {
			return err
		}
		if amount == 0 {
			return fmt.Errorf("%w: must be positive", ErrInvalidAmount)
		}
		if recipient.IsZero() {
			return fmt.Errorf("%w: zero address", ErrInvalidRecipient)
		}
		dst, err := c.Account(recipient)
		if err != nil {
			return err
		}
		if dst.HasData() {
			return fmt.Errorf("%w: %s carries data", ErrInvalidRecipient, recipient)
		}
		if err := c.Move(pool.Address, recipient, amount); err != nil {
			return err
		}

		c.Emit(model.Event{Pool: pool.Address, Kind: model.EventPayout, Actor: signer, Counterparty: recipient, Amount: amount})
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("payout applied", "op", "payout", "pool", poolAddr, "actor", signer, "recipient", recipient, "amount", amount)
	return nil
}

func (p *Program) loadPoolAsAuthority(c *host.Context, poolAddr address.Address) (*model.Pool, error) {
	pool, err := p.loadPool(c.Ctx(), c.Tx(), poolAddr)
	if err != nil {
		return nil, err
	}
	if pool.Authority != c.Signer() {
		return nil, fmt.Errorf("%w: %s is not the pool authority", ErrUnauthorized, c.Signer())
	}
	return pool, nil
}

// loadUserAndPool resolves the pool and the signer's own ledger in it.
func (p *Program) loadUserAndPool(c *host.Context, user, poolAddr address.Address) (*model.Pool, *model.UserLedger, error) {
	if err := c.RequireSigner(user); err != nil {
		return nil, nil, err
	}
	pool, err := p.loadPool(c.Ctx(), c.Tx(), poolAddr)
	if err != nil {
		return nil, nil, err
	}
	ul, err := p.loadUserLedger(c.Ctx(), c.Tx(), user, poolAddr)
	if err != nil {
		return nil, nil, err
	}
	if ul.User != user {
		return nil, nil, fmt.Errorf("%w: ledger %s belongs to %s", ErrUnauthorized, ul.Address, ul.User)
	}
	return pool, ul, nil
}

func (p *Program) loadPool(ctx context.Context, r store.Reader, poolAddr address.Address) (*model.Pool, error) {
	pool, err := r.GetPool(ctx, poolAddr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, poolAddr)
	}
	if err != nil {
		return nil, err
	}

	derived, err := address.CreateProgramAddress(p.programID, pool.Bump, poolSeed, pool.Authority.Bytes())
	if err != nil || derived != pool.Address {
		return nil, fmt.Errorf("%w: pool %s", ErrSeedsMismatch, poolAddr)
	}
	return pool, nil
}

func (p *Program) loadUserLedger(ctx context.Context, r store.Reader, user, poolAddr address.Address) (*model.UserLedger, error) {
	addr, _, err := p.UserLedgerAddress(user, poolAddr)
	if err != nil {
		return nil, err
	}
	ul, err := r.GetUserLedger(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %s in pool %s", ErrUserLedgerNotFound, user, poolAddr)
	}
	if err != nil {
		return nil, err
	}

	derived, err := address.CreateProgramAddress(p.programID, ul.Bump, userSeed, ul.User.Bytes(), ul.Pool.Bytes())
	if err != nil || derived != ul.Address || ul.Pool != poolAddr {
		return nil, fmt.Errorf("%w: user ledger %s", ErrSeedsMismatch, addr)
	}
	return ul, nil
}

func (p *Program) save(c *host.Context, pool *model.Pool, ul *model.UserLedger) error {
	if err := c.Tx().UpdateUserLedger(c.Ctx(), ul); err != nil {
		return fmt.Errorf("update user ledger: %w", err)
	}
	if err := c.Tx().UpdatePool(c.Ctx(), pool); err != nil {
		return fmt.Errorf("update pool: %w", err)
	}
	return nil
}

func alreadyInitialized(err error, addr address.Address) error {
	if errors.Is(err, store.ErrAlreadyExists) {
		return fmt.Errorf("%w: %s", ErrAlreadyInitialized, addr)
	}
	return err
}
