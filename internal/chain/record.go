package chain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

// Amount is a non-negative integer quantity in a chain's base unit (wei,
// satoshi, sun). Floats never carry on-chain values.
type Amount struct {
	d decimal.Decimal
}

// ParseAmount parses a base-10 integer amount; empty input is zero.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() || !d.IsInteger() {
		return Amount{}, fmt.Errorf("%w: %q must be a non-negative integer", ErrInvalidAmount, s)
	}
	return Amount{d: d}, nil
}

// MustAmount is ParseAmount for fixtures.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// NewAmount builds an amount from an int64; negative input clamps to zero.
func NewAmount(v int64) Amount {
	if v < 0 {
		v = 0
	}
	return Amount{d: decimal.NewFromInt(v)}
}

func (a Amount) Add(b Amount) Amount      { return Amount{d: a.d.Add(b.d)} }
func (a Amount) Mul(b Amount) Amount      { return Amount{d: a.d.Mul(b.d)} }
func (a Amount) Cmp(b Amount) int         { return a.d.Cmp(b.d) }
func (a Amount) IsZero() bool             { return a.d.IsZero() }
func (a Amount) String() string           { return a.d.String() }
func (a Amount) Decimal() decimal.Decimal { return a.d }

// Sub returns a-b, or zero when b exceeds a.
func (a Amount) Sub(b Amount) Amount {
	if a.d.LessThan(b.d) {
		return Amount{}
	}
	return Amount{d: a.d.Sub(b.d)}
}

// Float64 is only meant for ratios between amounts of the same chain.
func (a Amount) Float64() float64 { return a.d.InexactFloat64() }

func (a Amount) MarshalText() ([]byte, error) { return []byte(a.d.String()), nil }

func (a *Amount) UnmarshalText(b []byte) error {
	v, err := ParseAmount(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Transfer is one side of a record: an address and the value it sent or received.
type Transfer struct {
	Address Address `json:"address"`
	Value   Amount  `json:"value"`
}

// Record is the normalized transaction unit produced by ledger adapters.
// Account-based chains carry one input and one output; UTXO chains carry the
// full vin/vout lists.
type Record struct {
	ID        string     `json:"id"`
	Chain     ID         `json:"chain"`
	Timestamp time.Time  `json:"timestamp"`
	Inputs    []Transfer `json:"inputs"`
	Outputs   []Transfer `json:"outputs"`
	Fee       Amount     `json:"fee"`
	// InputsIncomplete marks records whose input values are partly unknown
	// (coinbase, unresolved prevouts); conservation is not checked for them.
	InputsIncomplete bool `json:"inputs_incomplete,omitempty"`
}

func sum(ts []Transfer) Amount {
	var total Amount
	for _, t := range ts {
		total = total.Add(t.Value)
	}
	return total
}

func (r Record) InputTotal() Amount  { return sum(r.Inputs) }
func (r Record) OutputTotal() Amount { return sum(r.Outputs) }

// Conserves reports whether inputs cover outputs plus fee, allowing the
// given shortfall.
func (r Record) Conserves(tolerance Amount) bool {
	if r.InputsIncomplete {
		return true
	}
	need := r.OutputTotal().Add(r.Fee)
	return r.InputTotal().Add(tolerance).Cmp(need) >= 0
}

// Touches reports whether a appears on either side of the record.
func (r Record) Touches(a Address) bool {
	for _, t := range r.Inputs {
		if t.Address == a {
			return true
		}
	}
	for _, t := range r.Outputs {
		if t.Address == a {
			return true
		}
	}
	return false
}

// SpentBy reports whether a is one of the record's inputs.
func (r Record) SpentBy(a Address) bool {
	for _, t := range r.Inputs {
		if t.Address == a {
			return true
		}
	}
	return false
}
