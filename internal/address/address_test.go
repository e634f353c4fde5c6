package address_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pool-ledger/internal/address"
)

func newKey(t *testing.T) address.Address {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return address.FromPublicKey(pub)
}

func TestParseRoundTrip(t *testing.T) {
	a := newKey(t)

	parsed, err := address.Parse(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
}

func TestParseRejectsBadInput(t *testing.T) {
	for _, s := range []string{"", "0OIl", "3mJr7AoUXx2Wqd", strings.Repeat("z", 60)} {
		_, err := address.Parse(s)
		assert.ErrorIs(t, err, address.ErrInvalidAddress, "input %q", s)
	}
}

func TestJSONUsesBase58(t *testing.T) {
	a := newKey(t)

	data, err := json.Marshal(struct {
		A address.Address `json:"a"`
	}{a})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"`+a.String()+`"}`, string(data))

	var out struct {
		A address.Address `json:"a"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, a, out.A)
}

func TestFindProgramAddressDeterministic(t *testing.T) {
	program := address.FromLabel("test-program")
	authority := newKey(t)

	a1, bump1, err := address.FindProgramAddress(program, []byte("pool"), authority[:])
	require.NoError(t, err)
	a2, bump2, err := address.FindProgramAddress(program, []byte("pool"), authority[:])
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.Equal(t, bump1, bump2)
	assert.False(t, address.IsOnCurve(a1[:]))

	recreated, err := address.CreateProgramAddress(program, bump1, []byte("pool"), authority[:])
	require.NoError(t, err)
	assert.Equal(t, a1, recreated)
}

func TestFindProgramAddressSeparatesInputs(t *testing.T) {
	program := address.FromLabel("test-program")
	userA, userB := newKey(t), newKey(t)

	pool, _, err := address.FindProgramAddress(program, []byte("pool"), userA[:])
	require.NoError(t, err)

	ledgerA, _, err := address.FindProgramAddress(program, []byte("user"), userA[:], pool[:])
	require.NoError(t, err)
	ledgerB, _, err := address.FindProgramAddress(program, []byte("user"), userB[:], pool[:])
	require.NoError(t, err)
	other, _, err := address.FindProgramAddress(address.FromLabel("other"), []byte("user"), userA[:], pool[:])
	require.NoError(t, err)

	assert.NotEqual(t, ledgerA, ledgerB)
	assert.NotEqual(t, ledgerA, other)
	assert.NotEqual(t, pool, ledgerA)
}

func TestCreateProgramAddressSeedLimits(t *testing.T) {
	program := address.FromLabel("test-program")

	_, err := address.CreateProgramAddress(program, 255, make([]byte, address.MaxSeedLen+1))
	assert.ErrorIs(t, err, address.ErrMaxSeedLen)

	seeds := make([][]byte, address.MaxSeeds)
	_, err = address.CreateProgramAddress(program, 255, seeds...)
	assert.ErrorIs(t, err, address.ErrMaxSeeds)
	assert.NotErrorIs(t, err, address.ErrMaxSeedLen)

	_, _, err = address.FindProgramAddress(program, seeds...)
	assert.ErrorIs(t, err, address.ErrMaxSeeds)

	_, _, err = address.FindProgramAddress(program, seeds[:address.MaxSeeds-1]...)
	assert.NoError(t, err)
}

func TestPublicKeyIsOnCurve(t *testing.T) {
	a := newKey(t)
	assert.True(t, address.IsOnCurve(a[:]))
}
