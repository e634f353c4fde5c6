package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/pool-ledger/internal/address"
	"github.com/atmx/pool-ledger/internal/model"
	"github.com/atmx/pool-ledger/internal/safemath"
	"github.com/atmx/pool-ledger/internal/store"
)

// DefaultEventLimit caps Events when the caller passes no limit.
const DefaultEventLimit = 100

// Pool returns the pool record at poolAddr.
func (p *Program) Pool(ctx context.Context, poolAddr address.Address) (*model.Pool, error) {
	return p.loadPool(ctx, p.host.Store(), poolAddr)
}

// UserLedger returns user's ledger inside poolAddr.
func (p *Program) UserLedger(ctx context.Context, poolAddr, user address.Address) (*model.UserLedger, error) {
	if _, err := p.Pool(ctx, poolAddr); err != nil {
		return nil, err
	}
	return p.loadUserLedger(ctx, p.host.Store(), user, poolAddr)
}

// Balance returns the pool's custodied value above its rent reserve.
func (p *Program) Balance(ctx context.Context, poolAddr address.Address) (uint64, error) {
	if _, err := p.Pool(ctx, poolAddr); err != nil {
		return 0, err
	}
	acct, err := p.Account(ctx, poolAddr)
	if err != nil {
		return 0, err
	}
	return p.host.Rent().Withdrawable(acct.Lamports, acct.DataLen), nil
}

// UserBalance returns the stored spendable balance of user in poolAddr.
func (p *Program) UserBalance(ctx context.Context, poolAddr, user address.Address) (uint64, error) {
	ul, err := p.UserLedger(ctx, poolAddr, user)
	if err != nil {
		return 0, err
	}
	return ul.Balance, nil
}

// Account returns the host account at addr; unknown addresses are empty
// holdings.
func (p *Program) Account(ctx context.Context, addr address.Address) (*model.Account, error) {
	acct, err := p.host.Store().GetAccount(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return &model.Account{Address: addr}, nil
	}
	return acct, err
}

// Users lists every ledger of poolAddr.
func (p *Program) Users(ctx context.Context, poolAddr address.Address) ([]model.UserLedger, error) {
	if _, err := p.Pool(ctx, poolAddr); err != nil {
		return nil, err
	}
	return p.host.Store().ListUserLedgers(ctx, poolAddr)
}

// Events returns the newest journal entries of poolAddr.
func (p *Program) Events(ctx context.Context, poolAddr address.Address, limit int) ([]model.Event, error) {
	if _, err := p.Pool(ctx, poolAddr); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	return p.host.Store().ListEvents(ctx, poolAddr, limit)
}

// SolvencyReport compares what a pool can pay out against what its
// ledgers say it owes. It is informational only; nothing acts on it.
type SolvencyReport struct {
	Pool         address.Address `json:"pool"`
	Custodied    uint64          `json:"custodied"`
	Reserve      uint64          `json:"reserve"`
	Withdrawable uint64          `json:"withdrawable"`
	Liabilities  uint64          `json:"liabilities"`
	Shortfall    uint64          `json:"shortfall"`
	Users        int             `json:"users"`
	Solvent      bool            `json:"solvent"`
}

// Solvency builds the report for poolAddr from a point-in-time read.
func (p *Program) Solvency(ctx context.Context, poolAddr address.Address) (*SolvencyReport, error) {
	ledgers, err := p.Users(ctx, poolAddr)
	if err != nil {
		return nil, err
	}
	acct, err := p.Account(ctx, poolAddr)
	if err != nil {
		return nil, err
	}

	balances := make([]uint64, len(ledgers))
	for i := range ledgers {
		balances[i] = ledgers[i].Balance
	}
	liabilities, err := safemath.Sum(balances...)
	if err != nil {
		return nil, fmt.Errorf("sum user balances: %w", err)
	}

	rent := p.host.Rent()
	withdrawable := rent.Withdrawable(acct.Lamports, acct.DataLen)
	shortfall := safemath.SaturatingSub(liabilities, withdrawable)
	return &SolvencyReport{
		Pool:         poolAddr,
		Custodied:    acct.Lamports,
		Reserve:      rent.MinimumBalance(acct.DataLen),
		Withdrawable: withdrawable,
		Liabilities:  liabilities,
		Shortfall:    shortfall,
		Users:        len(ledgers),
		Solvent:      shortfall == 0,
	}, nil
}
