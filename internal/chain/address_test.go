package chain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddress_ETHNormalizesCase(t *testing.T) {
	lower, err := NewAddress(ETH, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	require.NoError(t, err)
	checksummed, err := NewAddress(ETH, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	require.NoError(t, err)
	upper, err := NewAddress(ETH, "0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED")
	require.NoError(t, err)

	assert.Equal(t, lower, checksummed)
	assert.Equal(t, lower, upper)
	assert.Equal(t, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", lower.String())
	assert.Equal(t, ETH, lower.Chain())
}

func TestNewAddress_ETHBadChecksum(t *testing.T) {
	_, err := NewAddress(ETH, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAeD")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidAddressFormat))
}

func TestNewAddress_ETHShape(t *testing.T) {
	for _, raw := range []string{"", "0x1234", "5aaeb6053f3e94c9b9a09f33669435e7ef1beaed00", "0xzzaeb6053f3e94c9b9a09f33669435e7ef1beaed"} {
		_, err := NewAddress(ETH, raw)
		assert.ErrorIs(t, err, ErrInvalidAddressFormat, raw)
	}
}

func TestNewAddress_BTC(t *testing.T) {
	a, err := NewAddress(BTC, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")
	require.NoError(t, err)
	assert.Equal(t, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", a.String())

	seg, err := NewAddress(BTC, "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4")
	require.NoError(t, err)
	assert.Equal(t, "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", seg.String())

	_, err = NewAddress(BTC, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNb")
	assert.ErrorIs(t, err, ErrInvalidAddressFormat)
}

func TestNewAddress_UnknownChain(t *testing.T) {
	_, err := NewAddress(ID("doge"), "D8vFz4p1L37jdg47HXKtSHA5uYLYxbGgPD")
	assert.ErrorIs(t, err, ErrUnknownChain)
}

func TestDetect(t *testing.T) {
	cases := map[string]ID{
		"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed": ETH,
		"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa":         BTC,
		"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4": BTC,
	}
	for raw, want := range cases {
		got, err := Detect(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := Detect("cosmos1xyz")
	assert.ErrorIs(t, err, ErrInvalidAddressFormat)
}

func TestAddressOrdering(t *testing.T) {
	a := MustAddress(ETH, "0x0000000000000000000000000000000000000001")
	b := MustAddress(ETH, "0x0000000000000000000000000000000000000002")
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, 1, b.Compare(a))
}

func TestRecordConserves(t *testing.T) {
	from := MustAddress(ETH, "0x0000000000000000000000000000000000000001")
	to := MustAddress(ETH, "0x0000000000000000000000000000000000000002")
	r := Record{
		ID:      "0xabc",
		Chain:   ETH,
		Inputs:  []Transfer{{Address: from, Value: NewAmount(105)}},
		Outputs: []Transfer{{Address: to, Value: NewAmount(100)}},
		Fee:     NewAmount(5),
	}
	assert.True(t, r.Conserves(Amount{}))
	r.Fee = NewAmount(6)
	assert.False(t, r.Conserves(Amount{}))
	assert.True(t, r.Conserves(NewAmount(1)))
	r.InputsIncomplete = true
	assert.True(t, r.Conserves(Amount{}))
	assert.True(t, r.Touches(to))
	assert.True(t, r.SpentBy(from))
	assert.False(t, r.SpentBy(to))
}

func TestParseAmount(t *testing.T) {
	a, err := ParseAmount("1000000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000", a.String())

	z, err := ParseAmount("")
	require.NoError(t, err)
	assert.True(t, z.IsZero())

	for _, bad := range []string{"-1", "1.5", "abc"} {
		_, err := ParseAmount(bad)
		assert.ErrorIs(t, err, ErrInvalidAmount, bad)
	}
	assert.True(t, NewAmount(3).Sub(NewAmount(5)).IsZero())
}
