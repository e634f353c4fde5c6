package host_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pool-ledger/internal/address"
	"github.com/atmx/pool-ledger/internal/host"
	"github.com/atmx/pool-ledger/internal/model"
	"github.com/atmx/pool-ledger/internal/safemath"
	"github.com/atmx/pool-ledger/internal/store"
)

var (
	alice = address.FromLabel("alice")
	bob   = address.FromLabel("bob")
	vault = address.FromLabel("vault")
)

func newHost(t *testing.T) (*host.Host, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return host.New(ms, host.DefaultRent()), ms
}

func fund(t *testing.T, h *host.Host, addr address.Address, lamports uint64) {
	t.Helper()
	require.NoError(t, h.Airdrop(context.Background(), addr, lamports))
}

func lamports(t *testing.T, ms *store.MemoryStore, addr address.Address) uint64 {
	t.Helper()
	acct, err := ms.GetAccount(context.Background(), addr)
	if err != nil {
		return 0
	}
	return acct.Lamports
}

func TestRent(t *testing.T) {
	r := host.DefaultRent()
	assert.Equal(t, uint64(890_880), r.MinimumBalance(0))
	assert.Equal(t, uint64(1_287_600), r.MinimumBalance(model.PoolSpace))
	assert.Equal(t, uint64(1_677_360), r.MinimumBalance(model.UserLedgerSpace))

	assert.Equal(t, uint64(400), r.Withdrawable(1_287_600+400, model.PoolSpace))
	assert.Zero(t, r.Withdrawable(1_000, model.PoolSpace))
	require.NoError(t, r.Validate(model.UserLedgerSpace))
}

func TestRent_OverflowSaturates(t *testing.T) {
	r := host.Rent{LamportsPerByteYear: 1 << 40, ExemptionThreshold: 1 << 20}
	assert.Equal(t, uint64(math.MaxUint64), r.MinimumBalance(model.PoolSpace))
	assert.Zero(t, r.Withdrawable(math.MaxUint64, model.PoolSpace))
	assert.ErrorIs(t, r.Validate(model.UserLedgerSpace), safemath.ErrOverflow)

	r = host.Rent{LamportsPerByteYear: math.MaxUint64, ExemptionThreshold: 2}
	assert.Equal(t, uint64(math.MaxUint64), r.MinimumBalance(0))
}

func TestTransfer(t *testing.T) {
	h, ms := newHost(t)
	fund(t, h, alice, 1_000)

	err := h.Execute(context.Background(), host.Instruction{Name: "send", Signer: alice}, func(c *host.Context) error {
		return c.Transfer(alice, bob, 400)
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(600), lamports(t, ms, alice))
	assert.Equal(t, uint64(400), lamports(t, ms, bob))
}

func TestTransfer_RequiresSigner(t *testing.T) {
	h, ms := newHost(t)
	fund(t, h, alice, 1_000)

	err := h.Execute(context.Background(), host.Instruction{Name: "send", Signer: bob}, func(c *host.Context) error {
		return c.Transfer(alice, bob, 400)
	})
	assert.ErrorIs(t, err, host.ErrMissingSigner)
	assert.Equal(t, uint64(1_000), lamports(t, ms, alice))
}

func TestTransfer_Insufficient(t *testing.T) {
	h, ms := newHost(t)
	fund(t, h, alice, 100)

	err := h.Execute(context.Background(), host.Instruction{Name: "send", Signer: alice}, func(c *host.Context) error {
		return c.Transfer(alice, bob, 101)
	})
	assert.ErrorIs(t, err, host.ErrInsufficientLamports)
	assert.Equal(t, uint64(100), lamports(t, ms, alice))
	assert.Zero(t, lamports(t, ms, bob))
}

func TestTransfer_FromDataAccountRejected(t *testing.T) {
	h, _ := newHost(t)
	fund(t, h, alice, 10_000_000)
	ctx := context.Background()

	require.NoError(t, h.Execute(ctx, host.Instruction{Name: "create", Signer: alice}, func(c *host.Context) error {
		return c.CreateAccount(alice, vault, 10)
	}))

	err := h.Execute(ctx, host.Instruction{Name: "send", Signer: vault}, func(c *host.Context) error {
		return c.Transfer(vault, bob, 1)
	})
	assert.ErrorIs(t, err, host.ErrTransferFromDataAccount)
}

func TestCreateAccount(t *testing.T) {
	h, ms := newHost(t)
	fund(t, h, alice, 10_000_000)
	fund(t, h, vault, 1_000) // pre-existing lamports count toward the reserve
	ctx := context.Background()

	err := h.Execute(ctx, host.Instruction{Name: "create", Signer: alice}, func(c *host.Context) error {
		return c.CreateAccount(alice, vault, model.PoolSpace)
	})
	require.NoError(t, err)

	acct, err := ms.GetAccount(ctx, vault)
	require.NoError(t, err)
	assert.Equal(t, model.PoolSpace, acct.DataLen)
	assert.Equal(t, uint64(1_287_600), acct.Lamports)
	assert.Equal(t, uint64(10_000_000-1_286_600), lamports(t, ms, alice))

	err = h.Execute(ctx, host.Instruction{Name: "create", Signer: alice}, func(c *host.Context) error {
		return c.CreateAccount(alice, vault, model.PoolSpace)
	})
	assert.ErrorIs(t, err, host.ErrAccountInUse)
}

func TestCreateAccount_PayerCannotAffordRent(t *testing.T) {
	h, ms := newHost(t)
	fund(t, h, alice, 1_000)

	err := h.Execute(context.Background(), host.Instruction{Name: "create", Signer: alice}, func(c *host.Context) error {
		return c.CreateAccount(alice, vault, model.PoolSpace)
	})
	assert.ErrorIs(t, err, host.ErrInsufficientLamports)
	assert.Equal(t, uint64(1_000), lamports(t, ms, alice))
}

func TestMove_RentEnforcedAtCommit(t *testing.T) {
	h, ms := newHost(t)
	fund(t, h, alice, 10_000_000)
	ctx := context.Background()

	require.NoError(t, h.Execute(ctx, host.Instruction{Name: "create", Signer: alice}, func(c *host.Context) error {
		if err := c.CreateAccount(alice, vault, model.PoolSpace); err != nil {
			return err
		}
		return c.Transfer(alice, vault, 500)
	}))

	// Draining only the surplus is fine.
	require.NoError(t, h.Execute(ctx, host.Instruction{Name: "drain", Signer: alice}, func(c *host.Context) error {
		return c.Move(vault, bob, 500)
	}))

	err := h.Execute(ctx, host.Instruction{Name: "drain", Signer: alice}, func(c *host.Context) error {
		return c.Move(vault, bob, 1)
	})
	assert.ErrorIs(t, err, host.ErrInsufficientFundsForRent)
	assert.Equal(t, uint64(500), lamports(t, ms, bob))
}

func TestMove_Underflow(t *testing.T) {
	h, _ := newHost(t)
	fund(t, h, alice, 10)

	err := h.Execute(context.Background(), host.Instruction{Name: "move", Signer: alice}, func(c *host.Context) error {
		return c.Move(alice, bob, 11)
	})
	assert.ErrorIs(t, err, safemath.ErrUnderflow)
}

func TestExecute_UnbalancedRejected(t *testing.T) {
	h, ms := newHost(t)
	fund(t, h, alice, 10)

	err := h.Execute(context.Background(), host.Instruction{Name: "mint", Signer: alice}, func(c *host.Context) error {
		acct, err := c.Account(alice)
		if err != nil {
			return err
		}
		acct.Lamports += 5
		return nil
	})
	assert.ErrorIs(t, err, host.ErrUnbalancedTransaction)
	assert.Equal(t, uint64(10), lamports(t, ms, alice))
}

func TestExecute_MissingSigner(t *testing.T) {
	h, _ := newHost(t)
	err := h.Execute(context.Background(), host.Instruction{Name: "noop"}, func(c *host.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, host.ErrMissingSigner)
}

func TestExecute_EventsPublishedAfterCommit(t *testing.T) {
	h, ms := newHost(t)
	var got []model.Event
	h.OnCommit(func(events []model.Event) { got = append(got, events...) })

	fund(t, h, alice, 1_000)
	require.Len(t, got, 1)
	assert.Equal(t, model.EventAirdrop, got[0].Kind)

	// A failing instruction publishes nothing and stores nothing.
	err := h.Execute(context.Background(), host.Instruction{Name: "fail", Signer: alice}, func(c *host.Context) error {
		c.Emit(model.Event{Pool: vault, Kind: model.EventDeposit, Actor: alice, Amount: 1})
		return c.Transfer(alice, bob, 5_000)
	})
	require.Error(t, err)
	assert.Len(t, got, 1)

	events, err := ms.ListEvents(context.Background(), vault, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAirdrop_RejectsDataAccount(t *testing.T) {
	h, _ := newHost(t)
	fund(t, h, alice, 10_000_000)
	ctx := context.Background()

	require.NoError(t, h.Execute(ctx, host.Instruction{Name: "create", Signer: alice}, func(c *host.Context) error {
		return c.CreateAccount(alice, vault, 1)
	}))
	assert.ErrorIs(t, h.Airdrop(ctx, vault, 1), host.ErrAccountInUse)
}
