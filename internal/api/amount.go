package api

import (
	"errors"
	"math"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"
)

// LamportsPerSOL is the whole-unit scale; SOL amounts carry 9 decimals.
const (
	LamportsPerSOL = 1_000_000_000
	solDecimals    = 9

	// maxLamportDigits is the digit count of math.MaxUint64.
	maxLamportDigits = 20
)

var maxLamports = decimal.RequireFromString(strconv.FormatUint(math.MaxUint64, 10))

var (
	errAmountMissing   = errors.New("amount or amount_sol is required")
	errAmountAmbiguous = errors.New("give either amount or amount_sol, not both")
	errAmountPrecision = errors.New("amount_sol has more than 9 decimal places")
	errAmountRange     = errors.New("amount_sol out of range")
)

// AmountRequest carries an amount in lamports or in whole SOL.
type AmountRequest struct {
	Amount    *uint64          `json:"amount,omitempty"`
	AmountSOL *decimal.Decimal `json:"amount_sol,omitempty"`
}

// Lamports resolves the request to a lamport amount.
func (a AmountRequest) Lamports() (uint64, error) {
	switch {
	case a.Amount != nil && a.AmountSOL != nil:
		return 0, errAmountAmbiguous
	case a.Amount != nil:
		return *a.Amount, nil
	case a.AmountSOL != nil:
		return FromSOL(*a.AmountSOL)
	default:
		return 0, errAmountMissing
	}
}

// FromSOL converts a whole-unit amount to lamports exactly.
func FromSOL(sol decimal.Decimal) (uint64, error) {
	if sol.IsNegative() {
		return 0, errAmountRange
	}
	if sol.IsZero() {
		return 0, nil
	}
	// Rescaling costs grow with the exponent, so bound it by the digit count
	// before any Shift or comparison.
	exp := int64(sol.Exponent()) + solDecimals
	digits := int64(sol.NumDigits())
	switch {
	case exp > 0 && digits+exp > maxLamportDigits:
		return 0, errAmountRange
	case exp < 0 && -exp > digits:
		return 0, errAmountPrecision
	}

	lamports := sol.Shift(solDecimals)
	if !lamports.Equal(lamports.Truncate(0)) {
		return 0, errAmountPrecision
	}
	if lamports.GreaterThan(maxLamports) {
		return 0, errAmountRange
	}
	return lamports.BigInt().Uint64(), nil
}

// ToSOL renders lamports as a fixed 9-decimal whole-unit string.
func ToSOL(lamports uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -solDecimals).StringFixed(solDecimals)
}
