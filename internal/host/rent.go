package host

import (
	"fmt"
	"math"

	"github.com/atmx/pool-ledger/internal/safemath"
)

// AccountStorageOverhead is the per-account byte overhead charged on top
// of the record's own data length.
const AccountStorageOverhead = 128

// Rent prices the minimum value a data-bearing account must keep attached
// to stay persisted.
type Rent struct {
	LamportsPerByteYear uint64 `json:"lamports_per_byte_year"`
	ExemptionThreshold  uint64 `json:"exemption_threshold"`
}

// DefaultRent mirrors the usual cluster parameters.
func DefaultRent() Rent {
	return Rent{LamportsPerByteYear: 3480, ExemptionThreshold: 2}
}

// MinimumBalance returns the reserve for a record of dataLen bytes. A reserve
// past the uint64 range saturates, so such a record can never be funded.
func (r Rent) MinimumBalance(dataLen int) uint64 {
	reserve, err := r.reserve(dataLen)
	if err != nil {
		return math.MaxUint64
	}
	return reserve
}

// Validate reports whether reserves up to maxDataLen bytes fit in uint64.
func (r Rent) Validate(maxDataLen int) error {
	if _, err := r.reserve(maxDataLen); err != nil {
		return fmt.Errorf("rent reserve for %d bytes: %w", maxDataLen, err)
	}
	return nil
}

func (r Rent) reserve(dataLen int) (uint64, error) {
	perByte, err := safemath.Mul(r.LamportsPerByteYear, r.ExemptionThreshold)
	if err != nil {
		return 0, err
	}
	return safemath.Mul(uint64(AccountStorageOverhead+dataLen), perByte)
}

// Withdrawable returns lamports above the reserve, clamped at zero.
func (r Rent) Withdrawable(lamports uint64, dataLen int) uint64 {
	return safemath.SaturatingSub(lamports, r.MinimumBalance(dataLen))
}
