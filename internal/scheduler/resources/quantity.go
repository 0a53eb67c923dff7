package resources

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const infiniteLiteral = "Infinity"

var binarySuffixes = map[byte]int64{
	'k': 1 << 10,
	'm': 1 << 20,
	'g': 1 << 30,
	't': 1 << 40,
	'p': 1 << 50,
}

// Quantity is the amount of a single resource slot, or the unlimited sentinel.
// The zero value is a finite zero.
type Quantity struct {
	value    decimal.Decimal // immutable, do not change this, return a new struct instead!
	infinite bool
}

// Infinite is the unlimited sentinel. It absorbs finite values under Add and compares greater than any finite value.
var Infinite = Quantity{infinite: true}

func NewQuantity(d decimal.Decimal) Quantity {
	return Quantity{value: d}
}

func QuantityFromInt(v int64) Quantity {
	return Quantity{value: decimal.NewFromInt(v)}
}

// ParseQuantity parses plain decimals ("4", "0.5"), binary sizes ("512m", "8g", "1T") and the unlimited
// sentinel ("Infinity", "inf").
func ParseQuantity(s string) (Quantity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Quantity{}, errors.New("cannot parse empty quantity")
	}
	switch strings.ToLower(s) {
	case "infinity", "inf", "unlimited":
		return Infinite, nil
	}
	multiplier := int64(1)
	if factor, ok := binarySuffixes[toLower(s[len(s)-1])]; ok {
		multiplier = factor
		s = s[:len(s)-1]
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Quantity{}, errors.Wrapf(err, "cannot parse quantity %q", s)
	}
	return Quantity{value: d.Mul(decimal.NewFromInt(multiplier))}, nil
}

// MustParseQuantity is ParseQuantity but panics on error. Intended for tests and constants.
func MustParseQuantity(s string) Quantity {
	q, err := ParseQuantity(s)
	if err != nil {
		panic(err)
	}
	return q
}

func toLower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

func (q Quantity) IsInfinite() bool {
	return q.infinite
}

// Decimal returns the finite value. It is meaningless for the infinite sentinel.
func (q Quantity) Decimal() decimal.Decimal {
	return q.value
}

func (q Quantity) IsZero() bool {
	return !q.infinite && q.value.IsZero()
}

func (q Quantity) IsNegative() bool {
	return !q.infinite && q.value.IsNegative()
}

func (q Quantity) Add(other Quantity) Quantity {
	if q.infinite || other.infinite {
		return Infinite
	}
	return Quantity{value: q.value.Add(other.value)}
}

// Sub returns q - other without clamping. Subtracting from the sentinel leaves it unlimited;
// subtracting the sentinel from a finite quantity has no meaningful result and panics.
func (q Quantity) Sub(other Quantity) Quantity {
	if q.infinite {
		return Infinite
	}
	if other.infinite {
		panic(errors.Errorf("cannot subtract an unlimited quantity from %s", q.value))
	}
	return Quantity{value: q.value.Sub(other.value)}
}

// Mul scales the quantity by n.
func (q Quantity) Mul(n int64) Quantity {
	if q.infinite {
		return Infinite
	}
	return Quantity{value: q.value.Mul(decimal.NewFromInt(n))}
}

// Cmp returns -1, 0 or +1. The sentinel is equal to itself and greater than every finite value.
func (q Quantity) Cmp(other Quantity) int {
	switch {
	case q.infinite && other.infinite:
		return 0
	case q.infinite:
		return 1
	case other.infinite:
		return -1
	}
	return q.value.Cmp(other.value)
}

func (q Quantity) Equal(other Quantity) bool {
	return q.Cmp(other) == 0
}

// Float64 is a lossy conversion used for metrics. The sentinel maps to +Inf.
func (q Quantity) Float64() float64 {
	if q.infinite {
		return math.Inf(1)
	}
	f, _ := q.value.Float64()
	return f
}

func (q Quantity) String() string {
	if q.infinite {
		return infiniteLiteral
	}
	return q.value.String()
}

func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

// UnmarshalJSON accepts both JSON strings and JSON numbers.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return errors.Wrapf(err, "cannot unmarshal %s into a quantity", string(data))
		}
		s = n.String()
	}
	parsed, err := ParseQuantity(s)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
