// Package host is the execution environment transitions run in. It owns
// the guarantees a transition body relies on but never implements itself:
//
//   - all-or-nothing application through store.Store.Atomic
//   - a verified signer named before the body runs
//   - custody of value: every address holds lamports, moved only through
//     Transfer (standard primitive) or Move (low-level, paired debit/credit)
//   - rent: data-bearing accounts must keep their reserve after commit
//   - lamport conservation across the whole transition
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/pool-ledger/internal/address"
	"github.com/atmx/pool-ledger/internal/metrics"
	"github.com/atmx/pool-ledger/internal/model"
	"github.com/atmx/pool-ledger/internal/safemath"
	"github.com/atmx/pool-ledger/internal/store"
)

var (
	ErrMissingSigner            = errors.New("host: missing required signature")
	ErrInsufficientLamports     = errors.New("host: insufficient lamports")
	ErrTransferFromDataAccount  = errors.New("host: transfer source carries data")
	ErrAccountInUse             = errors.New("host: account already in use")
	ErrInsufficientFundsForRent = errors.New("host: account would fall below its rent-exempt minimum")
	ErrUnbalancedTransaction    = errors.New("host: lamports not conserved by transaction")
)

// Instruction names a transition and the identity that signed it. The
// signer must already be authenticated by the caller of Execute.
type Instruction struct {
	Name   string
	Signer address.Address
}

// Host executes instructions against a store.
type Host struct {
	store     store.Store
	rent      Rent
	now       func() time.Time
	listeners []func([]model.Event)
}

// New creates a host over st.
func New(st store.Store, rent Rent) *Host {
	return &Host{
		store: st,
		rent:  rent,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Store returns the underlying store for read-only queries.
func (h *Host) Store() store.Store { return h.store }

// Rent returns the rent parameters.
func (h *Host) Rent() Rent { return h.rent }

// SetClock overrides the time source used for record and event timestamps.
func (h *Host) SetClock(now func() time.Time) { h.now = now }

// OnCommit registers fn to receive the events of every committed
// instruction. Listeners run synchronously after commit.
func (h *Host) OnCommit(fn func([]model.Event)) {
	h.listeners = append(h.listeners, fn)
}

// Execute runs fn as one atomic instruction. Any error from fn or from the
// commit checks discards every effect.
func (h *Host) Execute(ctx context.Context, ins Instruction, fn func(*Context) error) error {
	return h.execute(ctx, ins, false, fn)
}

// Airdrop mints lamports into a plain holding. Development only: it is the
// one path allowed to create value.
func (h *Host) Airdrop(ctx context.Context, to address.Address, amount uint64) error {
	return h.execute(ctx, Instruction{Name: "airdrop", Signer: to}, true, func(c *Context) error {
		acct, err := c.Account(to)
		if err != nil {
			return err
		}
		if acct.HasData() {
			return ErrAccountInUse
		}
		if acct.Lamports, err = safemath.Add(acct.Lamports, amount); err != nil {
			return err
		}
		c.minted = amount
		c.Emit(model.Event{Kind: model.EventAirdrop, Actor: to, Counterparty: to, Amount: amount})
		return nil
	})
}

func (h *Host) execute(ctx context.Context, ins Instruction, mint bool, fn func(*Context) error) error {
	if ins.Signer.IsZero() {
		return fmt.Errorf("%s: %w", ins.Name, ErrMissingSigner)
	}

	start := time.Now()
	var committed []model.Event
	err := h.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		c := &Context{
			ctx:      ctx,
			tx:       tx,
			host:     h,
			ins:      ins,
			mintable: mint,
			accounts: make(map[address.Address]*model.Account),
			before:   make(map[address.Address]model.Account),
		}
		if err := fn(c); err != nil {
			return err
		}
		if err := c.commit(); err != nil {
			return err
		}
		committed = c.events
		return nil
	})
	metrics.ObserveTransition(ins.Name, err, time.Since(start))
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.StoreConflicts.Inc()
		}
		return fmt.Errorf("%s: %w", ins.Name, err)
	}

	for _, ev := range committed {
		metrics.LamportsMoved.WithLabelValues(string(ev.Kind)).Add(float64(ev.Amount))
	}
	for _, l := range h.listeners {
		l(committed)
	}
	return nil
}

// Context is the view a transition body has of the host during one
// instruction. It is not safe for concurrent use.
type Context struct {
	ctx      context.Context
	tx       store.Tx
	host     *Host
	ins      Instruction
	mintable bool
	minted   uint64

	accounts map[address.Address]*model.Account
	before   map[address.Address]model.Account
	events   []model.Event
}

// Ctx returns the request context.
func (c *Context) Ctx() context.Context { return c.ctx }

// Tx returns the store transaction for record reads and writes.
func (c *Context) Tx() store.Tx { return c.tx }

// Signer returns the verified signer of the instruction.
func (c *Context) Signer() address.Address { return c.ins.Signer }

// Rent returns the rent parameters.
func (c *Context) Rent() Rent { return c.host.rent }

// Now returns the host clock.
func (c *Context) Now() time.Time { return c.host.now() }

// RequireSigner fails unless addr signed the instruction.
func (c *Context) RequireSigner(addr address.Address) error {
	if addr != c.ins.Signer {
		return fmt.Errorf("%w: %s", ErrMissingSigner, addr)
	}
	return nil
}

// Account returns the working copy of the account at addr. An address
// that has never held anything is an empty holding.
func (c *Context) Account(addr address.Address) (*model.Account, error) {
	if acct, ok := c.accounts[addr]; ok {
		return acct, nil
	}

	acct, err := c.tx.GetAccount(c.ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		acct = &model.Account{Address: addr}
	} else if err != nil {
		return nil, fmt.Errorf("load account %s: %w", addr, err)
	}

	c.accounts[addr] = acct
	c.before[addr] = *acct
	return acct, nil
}

// Lamports returns the current custodied value of addr.
func (c *Context) Lamports(addr address.Address) (uint64, error) {
	acct, err := c.Account(addr)
	if err != nil {
		return 0, err
	}
	return acct.Lamports, nil
}

// Transfer is the standard value-transfer primitive. The source must be
// the signer, must be a plain holding, and must hold at least amount.
func (c *Context) Transfer(from, to address.Address, amount uint64) error {
	if err := c.RequireSigner(from); err != nil {
		return err
	}
	src, err := c.Account(from)
	if err != nil {
		return err
	}
	if src.HasData() {
		return fmt.Errorf("%w: %s", ErrTransferFromDataAccount, from)
	}
	if src.Lamports < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientLamports, from, src.Lamports, amount)
	}
	return c.Move(from, to, amount)
}

// Move debits from and credits to without the standard primitive's
// restrictions. Used to pay out of data-bearing records.
func (c *Context) Move(from, to address.Address, amount uint64) error {
	src, err := c.Account(from)
	if err != nil {
		return err
	}
	dst, err := c.Account(to)
	if err != nil {
		return err
	}

	debited, err := safemath.Sub(src.Lamports, amount)
	if err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	src.Lamports = debited

	credited, err := safemath.Add(dst.Lamports, amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}
	dst.Lamports = credited
	return nil
}

// CreateAccount allocates space bytes at addr, funded by payer with the
// rent-exempt minimum. Lamports already sitting at addr count toward it.
func (c *Context) CreateAccount(payer, addr address.Address, space int) error {
	acct, err := c.Account(addr)
	if err != nil {
		return err
	}
	if acct.HasData() {
		return fmt.Errorf("%w: %s", ErrAccountInUse, addr)
	}

	if required := c.Rent().MinimumBalance(space); acct.Lamports < required {
		if err := c.Transfer(payer, addr, required-acct.Lamports); err != nil {
			return fmt.Errorf("fund account %s: %w", addr, err)
		}
	}
	acct.DataLen = space
	return nil
}

// Emit queues a journal entry; it is written with the transition and
// published to listeners only after commit.
func (c *Context) Emit(ev model.Event) {
	ev.ID = uuid.New()
	ev.CreatedAt = c.Now()
	c.events = append(c.events, ev)
}

// commit enforces conservation and rent, then stages accounts and events.
func (c *Context) commit() error {
	before, after := new(big.Int), new(big.Int)
	for addr, acct := range c.accounts {
		before.Add(before, new(big.Int).SetUint64(c.before[addr].Lamports))
		after.Add(after, new(big.Int).SetUint64(acct.Lamports))
	}
	expected := new(big.Int).Add(before, new(big.Int).SetUint64(c.minted))
	if after.Cmp(expected) != 0 || (c.minted > 0 && !c.mintable) {
		return fmt.Errorf("%w: before=%s after=%s", ErrUnbalancedTransaction, before, after)
	}

	for addr, acct := range c.accounts {
		if acct.HasData() && acct.Lamports < c.Rent().MinimumBalance(acct.DataLen) {
			return fmt.Errorf("%w: %s", ErrInsufficientFundsForRent, addr)
		}
	}

	for addr, acct := range c.accounts {
		if *acct == c.before[addr] {
			continue
		}
		if err := c.tx.PutAccount(c.ctx, acct); err != nil {
			return err
		}
	}

	for i := range c.events {
		if err := c.tx.InsertEvent(c.ctx, &c.events[i]); err != nil {
			return err
		}
		slog.Debug("event staged", "kind", c.events[i].Kind, "id", c.events[i].ID)
	}
	return nil
}
