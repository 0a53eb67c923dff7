package resources

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Well-known slot names. Any other name (e.g. "cuda.device") is treated the same way.
const (
	CPU    = "cpu"
	Memory = "mem"
)

// ResourceSlot is a vector of named quantities, e.g. {cpu: 4, mem: 8g}.
// Absent names are zero. All operations return a new ResourceSlot.
type ResourceSlot struct {
	quantities map[string]Quantity // immutable, do not change this, return a new struct instead!
}

// NegativeSlotError is the panic value raised when Sub would leave a slot below zero.
type NegativeSlotError struct {
	Name   string
	Result Quantity
}

func (e *NegativeSlotError) Error() string {
	return fmt.Sprintf("resource slot %s would become negative (%s)", e.Name, e.Result)
}

func New(quantities map[string]Quantity) ResourceSlot {
	if len(quantities) == 0 {
		return ResourceSlot{}
	}
	return ResourceSlot{quantities: maps.Clone(quantities)}
}

// FromInts is a shorthand mostly used by tests.
func FromInts(quantities map[string]int64) ResourceSlot {
	m := make(map[string]Quantity, len(quantities))
	for k, v := range quantities {
		m[k] = QuantityFromInt(v)
	}
	return ResourceSlot{quantities: m}
}

// Parse builds a slot from string quantities such as {"cpu": "2", "mem": "4g"}.
func Parse(quantities map[string]string) (ResourceSlot, error) {
	m := make(map[string]Quantity, len(quantities))
	for k, v := range quantities {
		q, err := ParseQuantity(v)
		if err != nil {
			return ResourceSlot{}, errors.WithMessagef(err, "slot %s", k)
		}
		m[k] = q
	}
	return ResourceSlot{quantities: m}, nil
}

func MustParse(quantities map[string]string) ResourceSlot {
	rs, err := Parse(quantities)
	if err != nil {
		panic(err)
	}
	return rs
}

func (a ResourceSlot) Get(name string) Quantity {
	return a.quantities[name]
}

// Names returns the explicitly present slot names in sorted order.
func (a ResourceSlot) Names() []string {
	names := maps.Keys(a.quantities)
	slices.Sort(names)
	return names
}

func (a ResourceSlot) ToMap() map[string]Quantity {
	return maps.Clone(a.quantities)
}

func (a ResourceSlot) IsZero() bool {
	for _, q := range a.quantities {
		if !q.IsZero() {
			return false
		}
	}
	return true
}

func (a ResourceSlot) Add(b ResourceSlot) ResourceSlot {
	if len(b.quantities) == 0 {
		return a
	}
	result := make(map[string]Quantity, len(a.quantities)+len(b.quantities))
	for k, v := range a.quantities {
		result[k] = v
	}
	for k, v := range b.quantities {
		result[k] = result[k].Add(v)
	}
	return ResourceSlot{quantities: result}
}

// Sub returns a - b. It never clamps: callers must check GE first, and a negative result panics
// with a *NegativeSlotError.
func (a ResourceSlot) Sub(b ResourceSlot) ResourceSlot {
	if len(b.quantities) == 0 {
		return a
	}
	result := make(map[string]Quantity, len(a.quantities)+len(b.quantities))
	for k, v := range a.quantities {
		result[k] = v
	}
	for _, k := range b.Names() {
		r := result[k].Sub(b.quantities[k])
		if r.IsNegative() {
			panic(&NegativeSlotError{Name: k, Result: r})
		}
		result[k] = r
	}
	return ResourceSlot{quantities: result}
}

// SubAllowNegative is Sub without the non-negative guard. Used only to compute deficits for reporting.
func (a ResourceSlot) SubAllowNegative(b ResourceSlot) ResourceSlot {
	result := make(map[string]Quantity, len(a.quantities)+len(b.quantities))
	for k, v := range a.quantities {
		result[k] = v
	}
	for k, v := range b.quantities {
		if v.IsInfinite() {
			continue
		}
		result[k] = result[k].Sub(v)
	}
	return ResourceSlot{quantities: result}
}

// Scale multiplies every quantity by n, e.g. to compute the total request of a cluster session.
func (a ResourceSlot) Scale(n int64) ResourceSlot {
	result := make(map[string]Quantity, len(a.quantities))
	for k, v := range a.quantities {
		result[k] = v.Mul(n)
	}
	return ResourceSlot{quantities: result}
}

// GE reports whether a covers every entry of b. An unlimited quantity in a covers anything;
// an unlimited requirement in b is only covered by an unlimited quantity.
func (a ResourceSlot) GE(b ResourceSlot) bool {
	for k, v := range b.quantities {
		if a.quantities[k].Cmp(v) < 0 {
			return false
		}
	}
	for k, v := range a.quantities {
		if _, ok := b.quantities[k]; !ok && v.IsNegative() {
			return false
		}
	}
	return true
}

// Insufficient returns the sorted names of slots where a does not cover request.
func (a ResourceSlot) Insufficient(request ResourceSlot) []string {
	var names []string
	for _, k := range request.Names() {
		if a.quantities[k].Cmp(request.quantities[k]) < 0 {
			names = append(names, k)
		}
	}
	return names
}

// Min returns the per-name minimum over the union of names. Unlimited is the identity.
func Min(first ResourceSlot, rest ...ResourceSlot) ResourceSlot {
	names := map[string]bool{}
	all := append([]ResourceSlot{first}, rest...)
	for _, rs := range all {
		for k := range rs.quantities {
			names[k] = true
		}
	}
	result := make(map[string]Quantity, len(names))
	for k := range names {
		m := Infinite
		for _, rs := range all {
			if q := rs.quantities[k]; q.Cmp(m) < 0 {
				m = q
			}
		}
		result[k] = m
	}
	return ResourceSlot{quantities: result}
}

// Sum adds up all slots. The sum of nothing is the zero slot.
func Sum(slots ...ResourceSlot) ResourceSlot {
	var total ResourceSlot
	for _, rs := range slots {
		total = total.Add(rs)
	}
	return total
}

// Equal is structural over the union of names with implicit zeros.
func (a ResourceSlot) Equal(b ResourceSlot) bool {
	for k, v := range a.quantities {
		if !v.Equal(b.quantities[k]) {
			return false
		}
	}
	for k, v := range b.quantities {
		if _, ok := a.quantities[k]; !ok && !v.IsZero() {
			return false
		}
	}
	return true
}

// Key is a canonical string form. Slots that are Equal have the same Key.
func (a ResourceSlot) Key() string {
	var sb strings.Builder
	for _, k := range a.Names() {
		q := a.quantities[k]
		if q.IsZero() {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(q.String())
	}
	return sb.String()
}

func (a ResourceSlot) String() string {
	return "{" + a.Key() + "}"
}

func (a ResourceSlot) MarshalJSON() ([]byte, error) {
	m := make(map[string]Quantity, len(a.quantities))
	for k, v := range a.quantities {
		m[k] = v
	}
	return json.Marshal(m)
}

func (a *ResourceSlot) UnmarshalJSON(data []byte) error {
	var m map[string]Quantity
	if err := json.Unmarshal(data, &m); err != nil {
		return errors.WithStack(err)
	}
	*a = ResourceSlot{quantities: m}
	return nil
}

// FloorAtZero replaces negative quantities with zero.
func (a ResourceSlot) FloorAtZero() ResourceSlot {
	result := make(map[string]Quantity, len(a.quantities))
	for k, v := range a.quantities {
		if v.IsNegative() {
			v = Quantity{}
		}
		result[k] = v
	}
	return ResourceSlot{quantities: result}
}
