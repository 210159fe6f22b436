// Package chain holds the ledger-neutral value types shared by the graph,
// flow and retrieval layers: addresses, amounts and normalized transaction
// records.
package chain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	"golang.org/x/crypto/sha3"
)

// ID names a ledger.
type ID string

const (
	ETH ID = "eth"
	BTC ID = "btc"
	TRX ID = "trx"
)

// tronVersion is the base58check version byte of TRON mainnet addresses.
const tronVersion = 0x41

var (
	ErrInvalidAddressFormat = errors.New("invalid address format")
	ErrUnknownChain         = errors.New("unknown chain")
)

// Address is a normalized (chain, string) pair. Two addresses that refer to
// the same account compare equal with ==, so Address is usable as a map key.
type Address struct {
	chain ID
	key   string
}

// NewAddress validates raw for the given chain and returns its normalized form.
func NewAddress(id ID, raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	var (
		key string
		err error
	)
	switch id {
	case ETH:
		key, err = normalizeETH(raw)
	case BTC:
		key, err = normalizeBTC(raw)
	case TRX:
		key, err = normalizeTRX(raw)
	default:
		return Address{}, fmt.Errorf("%w: %q", ErrUnknownChain, id)
	}
	if err != nil {
		return Address{}, err
	}
	return Address{chain: id, key: key}, nil
}

// MustAddress is NewAddress for fixtures; it panics on invalid input.
func MustAddress(id ID, raw string) Address {
	a, err := NewAddress(id, raw)
	if err != nil {
		panic(err)
	}
	return a
}

// Parse detects the chain of raw and normalizes it.
func Parse(raw string) (Address, error) {
	id, err := Detect(raw)
	if err != nil {
		return Address{}, err
	}
	return NewAddress(id, raw)
}

// Detect guesses the ledger from the address shape.
func Detect(raw string) (ID, error) {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "0x") && len(raw) == 42:
		return ETH, nil
	case strings.HasPrefix(raw, "T") && len(raw) == 34:
		if _, err := normalizeTRX(raw); err == nil {
			return TRX, nil
		}
	case strings.HasPrefix(lower, "bc1"), strings.HasPrefix(raw, "1"), strings.HasPrefix(raw, "3"):
		if _, err := normalizeBTC(raw); err == nil {
			return BTC, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAddressFormat, raw)
}

func (a Address) Chain() ID      { return a.chain }
func (a Address) String() string { return a.key }
func (a Address) IsZero() bool   { return a.key == "" }

// Less orders addresses by chain, then normalized string.
func (a Address) Less(b Address) bool {
	if a.chain != b.chain {
		return a.chain < b.chain
	}
	return a.key < b.key
}

// Compare returns -1, 0 or 1 following Less.
func (a Address) Compare(b Address) int {
	switch {
	case a == b:
		return 0
	case a.Less(b):
		return -1
	default:
		return 1
	}
}

func (a Address) MarshalText() ([]byte, error) { return []byte(a.key), nil }

func normalizeETH(raw string) (string, error) {
	if len(raw) != 42 || !(strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X")) {
		return "", fmt.Errorf("%w: eth address must be 0x-prefixed 40 hex chars", ErrInvalidAddressFormat)
	}
	body := raw[2:]
	if _, err := hex.DecodeString(body); err != nil {
		return "", fmt.Errorf("%w: eth address is not hex", ErrInvalidAddressFormat)
	}
	lower := strings.ToLower(body)
	// All-lower or all-upper carry no checksum; mixed case must match EIP-55.
	if body != lower && body != strings.ToUpper(body) {
		if checksumETH(lower) != body {
			return "", fmt.Errorf("%w: eth checksum mismatch", ErrInvalidAddressFormat)
		}
	}
	return "0x" + lower, nil
}

// checksumETH returns the EIP-55 mixed-case encoding of a lower-case hex body.
func checksumETH(lower string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	sum := h.Sum(nil)
	out := []byte(lower)
	for i, c := range out {
		if c < 'a' || c > 'f' {
			continue
		}
		nibble := sum[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if nibble&0x0f >= 8 {
			out[i] = c - 'a' + 'A'
		}
	}
	return string(out)
}

func normalizeBTC(raw string) (string, error) {
	addr, err := btcutil.DecodeAddress(raw, &chaincfg.MainNetParams)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddressFormat, err)
	}
	if !addr.IsForNet(&chaincfg.MainNetParams) {
		return "", fmt.Errorf("%w: not a mainnet address", ErrInvalidAddressFormat)
	}
	return addr.EncodeAddress(), nil
}

func normalizeTRX(raw string) (string, error) {
	payload, version, err := base58.CheckDecode(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddressFormat, err)
	}
	if version != tronVersion || len(payload) != 20 {
		return "", fmt.Errorf("%w: not a tron address", ErrInvalidAddressFormat)
	}
	return raw, nil
}
