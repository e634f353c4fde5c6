// Package model defines the persistent records shared across the ledger.
// All amounts are lamports held in uint64; never float64 for money.
package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/atmx/pool-ledger/internal/address"
)

// Serialized record sizes, including the 8-byte discriminator. These drive
// the rent-exempt reserve each record must keep attached.
const (
	DiscriminatorSize = 8
	PoolSpace         = DiscriminatorSize + 32 + 8 + 8 + 1
	UserLedgerSpace   = DiscriminatorSize + 32 + 32 + 8 + 8 + 8 + 8 + 8 + 1
)

// Account is the host's view of an address: the value it custodies and
// the size of the structured data attached to it. DataLen == 0 marks a
// plain holding (a wallet); anything else is a program record.
type Account struct {
	Address  address.Address `json:"address" db:"address"`
	Lamports uint64          `json:"lamports" db:"lamports"`
	DataLen  int             `json:"data_len" db:"data_len"`
}

// HasData reports whether the account carries a record.
func (a *Account) HasData() bool {
	return a.DataLen > 0
}

// Pool is the custodial aggregate record. Exactly one exists per
// authority; its address is derived from the authority.
type Pool struct {
	Address          address.Address `json:"address" db:"address"`
	Authority        address.Address `json:"authority" db:"authority"`
	TotalDeposits    uint64          `json:"total_deposits" db:"total_deposits"`
	TotalWithdrawals uint64          `json:"total_withdrawals" db:"total_withdrawals"`
	Bump             uint8           `json:"bump" db:"bump"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// UserLedger tracks one user's spendable balance inside one pool.
// TotalWinnings and TotalLosses are reserved for a gameplay layer; no
// transition in this service writes them.
type UserLedger struct {
	Address          address.Address `json:"address" db:"address"`
	User             address.Address `json:"user" db:"user_address"`
	Pool             address.Address `json:"pool" db:"pool_address"`
	Balance          uint64          `json:"balance" db:"balance"`
	TotalDeposits    uint64          `json:"total_deposits" db:"total_deposits"`
	TotalWithdrawals uint64          `json:"total_withdrawals" db:"total_withdrawals"`
	TotalWinnings    uint64          `json:"total_winnings" db:"total_winnings"`
	TotalLosses      uint64          `json:"total_losses" db:"total_losses"`
	Bump             uint8           `json:"bump" db:"bump"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// EventKind names the transition that produced an Event.
type EventKind string

const (
	EventPoolInitialized   EventKind = "pool_initialized"
	EventUserInitialized   EventKind = "user_initialized"
	EventDeposit           EventKind = "deposit"
	EventWithdraw          EventKind = "withdraw"
	EventEmergencyWithdraw EventKind = "emergency_withdraw"
	EventOwnerDeposit      EventKind = "owner_deposit"
	EventPayout            EventKind = "payout"
	EventAirdrop           EventKind = "airdrop"
)

// Event is an immutable journal entry written in the same atomic unit as
// the transition it describes. Once created, events are never modified.
type Event struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	Pool         address.Address `json:"pool" db:"pool_address"`
	Kind         EventKind       `json:"kind" db:"kind"`
	Actor        address.Address `json:"actor" db:"actor"`
	Counterparty address.Address `json:"counterparty" db:"counterparty"`
	Amount       uint64          `json:"amount" db:"amount"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}
