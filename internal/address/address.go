// Package address defines the 32-byte identities used throughout the
// ledger and the deterministic derivation of record addresses.
//
// An Address is either an ed25519 public key (a wallet that can sign) or
// a program-derived address: a SHA-256 digest of seeds that is guaranteed
// not to lie on the ed25519 curve, so no private key can ever sign for it.
package address

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// Size is the byte length of an address.
const Size = 32

const (
	// MaxSeeds is the maximum number of seeds accepted by derivation,
	// counting the bump.
	MaxSeeds = 16

	// MaxSeedLen is the maximum length of a single seed.
	MaxSeedLen = 32

	pdaMarker = "ProgramDerivedAddress"
)

var (
	ErrInvalidAddress = errors.New("address: invalid address")
	ErrMaxSeedLen     = errors.New("address: seed exceeds maximum length")
	ErrMaxSeeds       = errors.New("address: too many seeds")
	ErrOnCurve        = errors.New("address: derived address lies on the ed25519 curve")
	ErrNoViableBump   = errors.New("address: unable to find a viable bump seed")
)

// Address is a 32-byte account identity. Its text form is base58.
type Address [Size]byte

// Zero is the all-zero address.
var Zero Address

// Parse decodes a base58 address.
func Parse(s string) (Address, error) {
	var a Address
	raw, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("%w: %s", ErrInvalidAddress, s)
	}
	if len(raw) != Size {
		return a, fmt.Errorf("%w: %s decodes to %d bytes", ErrInvalidAddress, s, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// MustParse is Parse for constants; it panics on error.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromPublicKey converts an ed25519 public key to an Address.
func FromPublicKey(pub ed25519.PublicKey) Address {
	var a Address
	copy(a[:], pub)
	return a
}

// FromLabel derives a stable address from a human-readable label. Used
// for defaults such as the program identity.
func FromLabel(label string) Address {
	return Address(sha256.Sum256([]byte(label)))
}

// String returns the base58 encoding.
func (a Address) String() string {
	return base58.Encode(a[:])
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == Zero
}

// Bytes returns a copy of the raw bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, a[:])
	return b
}

// PublicKey returns the address interpreted as an ed25519 public key.
func (a Address) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(a.Bytes())
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// IsOnCurve reports whether b decodes to a valid ed25519 point.
func IsOnCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// CreateProgramAddress hashes seeds, the bump and the program identity
// into an address. It fails if the result is a valid curve point.
func CreateProgramAddress(programID Address, bump uint8, seeds ...[]byte) (Address, error) {
	if len(seeds) >= MaxSeeds {
		return Zero, fmt.Errorf("%w: %d seeds", ErrMaxSeeds, len(seeds))
	}

	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return Zero, ErrMaxSeedLen
		}
		h.Write(seed)
	}
	h.Write([]byte{bump})
	h.Write(programID[:])
	h.Write([]byte(pdaMarker))

	var a Address
	copy(a[:], h.Sum(nil))
	if IsOnCurve(a[:]) {
		return Zero, ErrOnCurve
	}
	return a, nil
}

// FindProgramAddress searches bumps from 255 down and returns the first
// off-curve address together with its bump.
func FindProgramAddress(programID Address, seeds ...[]byte) (Address, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		a, err := CreateProgramAddress(programID, uint8(bump), seeds...)
		if errors.Is(err, ErrOnCurve) {
			continue
		}
		if err != nil {
			return Zero, 0, err
		}
		return a, uint8(bump), nil
	}
	return Zero, 0, ErrNoViableBump
}
