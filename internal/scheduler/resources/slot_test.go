package resources

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuantity(t *testing.T) {
	tests := map[string]struct {
		input       string
		expected    Quantity
		expectError bool
	}{
		"integer":        {input: "4", expected: QuantityFromInt(4)},
		"decimal":        {input: "0.5", expected: MustParseQuantity("0.50")},
		"kibibytes":      {input: "2k", expected: QuantityFromInt(2048)},
		"gibibytes":      {input: "8g", expected: QuantityFromInt(8 << 30)},
		"upper case":     {input: "1T", expected: QuantityFromInt(1 << 40)},
		"infinity":       {input: "Infinity", expected: Infinite},
		"inf":            {input: "inf", expected: Infinite},
		"empty":          {input: "", expectError: true},
		"garbage":        {input: "lots", expectError: true},
		"suffix only":    {input: "g", expectError: true},
		"padded integer": {input: " 3 ", expected: QuantityFromInt(3)},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			q, err := ParseQuantity(tc.input)
			if tc.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tc.expected.Equal(q), "expected %s, got %s", tc.expected, q)
		})
	}
}

func TestQuantity_Infinite(t *testing.T) {
	four := QuantityFromInt(4)
	assert.True(t, four.Add(Infinite).IsInfinite())
	assert.True(t, Infinite.Add(four).IsInfinite())
	assert.True(t, Infinite.Sub(four).IsInfinite())
	assert.Equal(t, 1, Infinite.Cmp(four))
	assert.Equal(t, -1, four.Cmp(Infinite))
	assert.Equal(t, 0, Infinite.Cmp(Infinite))
	assert.Panics(t, func() { four.Sub(Infinite) })
}

func TestResourceSlot_Arithmetic(t *testing.T) {
	slots := map[string]ResourceSlot{
		"empty":     {},
		"cpu only":  FromInts(map[string]int64{CPU: 4}),
		"cpu mem":   FromInts(map[string]int64{CPU: 2, Memory: 1 << 30}),
		"fractions": MustParse(map[string]string{CPU: "0.25", "cuda.shares": "1.5"}),
		"zeros":     FromInts(map[string]int64{CPU: 0, Memory: 0}),
	}
	for nameA, a := range slots {
		for nameB, b := range slots {
			t.Run(nameA+"/"+nameB, func(t *testing.T) {
				assert.True(t, a.Add(b).Sub(b).Equal(a), "sub(add(a, b), b) != a")
				assert.True(t, a.Add(b).Equal(b.Add(a)))
				assert.True(t, a.Add(b).GE(a))
				assert.True(t, a.GE(a))
				assert.True(t, Min(a, a).Equal(a))
			})
		}
	}
}

func TestResourceSlot_GE(t *testing.T) {
	tests := map[string]struct {
		a        ResourceSlot
		b        ResourceSlot
		expected bool
	}{
		"equal": {
			a:        FromInts(map[string]int64{CPU: 2, Memory: 4}),
			b:        FromInts(map[string]int64{CPU: 2, Memory: 4}),
			expected: true,
		},
		"missing key in b is zero": {
			a:        FromInts(map[string]int64{CPU: 2, Memory: 4}),
			b:        FromInts(map[string]int64{CPU: 1}),
			expected: true,
		},
		"missing key in a is zero": {
			a:        FromInts(map[string]int64{CPU: 2}),
			b:        FromInts(map[string]int64{CPU: 1, Memory: 1}),
			expected: false,
		},
		"zero request on missing key": {
			a:        FromInts(map[string]int64{CPU: 2}),
			b:        FromInts(map[string]int64{CPU: 1, Memory: 0}),
			expected: true,
		},
		"one slot short": {
			a:        FromInts(map[string]int64{CPU: 2, Memory: 4}),
			b:        FromInts(map[string]int64{CPU: 3, Memory: 4}),
			expected: false,
		},
		"infinite covers anything": {
			a:        New(map[string]Quantity{CPU: Infinite}),
			b:        FromInts(map[string]int64{CPU: 1 << 40}),
			expected: true,
		},
		"infinite request needs infinite": {
			a:        FromInts(map[string]int64{CPU: 1 << 40}),
			b:        New(map[string]Quantity{CPU: Infinite}),
			expected: false,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.a.GE(tc.b))
		})
	}
}

func TestResourceSlot_InfiniteAbsorbs(t *testing.T) {
	unlimited := New(map[string]Quantity{CPU: Infinite, Memory: Infinite})
	request := FromInts(map[string]int64{CPU: 100, Memory: 1 << 50})

	assert.True(t, unlimited.Add(request).Equal(unlimited))
	assert.True(t, unlimited.GE(request))
	assert.True(t, unlimited.Sub(request).Equal(unlimited))
	assert.True(t, Min(unlimited, request).Equal(request))
	assert.True(t, Min(request, unlimited).Equal(request))
}

func TestResourceSlot_SubPanicsWhenNegative(t *testing.T) {
	a := FromInts(map[string]int64{CPU: 1})
	b := FromInts(map[string]int64{CPU: 2})
	defer func() {
		r := recover()
		require.NotNil(t, r)
		e, ok := r.(*NegativeSlotError)
		require.True(t, ok)
		assert.Equal(t, CPU, e.Name)
	}()
	a.Sub(b)
}

func TestResourceSlot_Min(t *testing.T) {
	a := FromInts(map[string]int64{CPU: 4, Memory: 8})
	b := FromInts(map[string]int64{CPU: 2, "cuda.device": 1})
	c := New(map[string]Quantity{CPU: Infinite, Memory: QuantityFromInt(6), "cuda.device": Infinite})

	assert.True(t, Min(a, b, c).Equal(FromInts(map[string]int64{CPU: 2, Memory: 0, "cuda.device": 0})))
	assert.True(t, Min(a, c).Equal(FromInts(map[string]int64{CPU: 4, Memory: 6})))
}

func TestResourceSlot_EqualAndKey(t *testing.T) {
	a := FromInts(map[string]int64{CPU: 1, Memory: 0})
	b := MustParse(map[string]string{CPU: "1.0"})

	assert.True(t, a.Equal(b))
	assert.True(t, b.Equal(a))
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, "cpu=1", a.Key())
	assert.False(t, a.Equal(FromInts(map[string]int64{CPU: 1, Memory: 1})))
}

func TestResourceSlot_ScaleAndSum(t *testing.T) {
	perKernel := FromInts(map[string]int64{CPU: 2, Memory: 4})
	assert.True(t, perKernel.Scale(3).Equal(Sum(perKernel, perKernel, perKernel)))
	assert.True(t, Sum().IsZero())
}

func TestResourceSlot_Insufficient(t *testing.T) {
	available := FromInts(map[string]int64{CPU: 4, Memory: 2})
	request := FromInts(map[string]int64{CPU: 2, Memory: 4, "cuda.device": 1})
	assert.Equal(t, []string{"cuda.device", Memory}, available.Insufficient(request))
	assert.Empty(t, available.Insufficient(FromInts(map[string]int64{CPU: 4})))
}

func TestResourceSlot_Json(t *testing.T) {
	slot := New(map[string]Quantity{CPU: MustParseQuantity("0.5"), Memory: QuantityFromInt(1 << 30), "tpu": Infinite})

	data, err := json.Marshal(slot)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cpu":"0.5","mem":"1073741824","tpu":"Infinity"}`, string(data))

	var decoded ResourceSlot
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, slot.Equal(decoded))

	var fromNumbers ResourceSlot
	require.NoError(t, json.Unmarshal([]byte(`{"cpu": 2, "mem": "4g"}`), &fromNumbers))
	assert.True(t, fromNumbers.Equal(FromInts(map[string]int64{CPU: 2, Memory: 4 << 30})))
}

func TestResourceSlot_FloorAtZero(t *testing.T) {
	a := FromInts(map[string]int64{CPU: 1, Memory: 4})
	b := FromInts(map[string]int64{CPU: 3, Memory: 1})
	deficit := a.SubAllowNegative(b)
	assert.Equal(t, -1, deficit.Get(CPU).Cmp(Quantity{}))
	assert.True(t, deficit.FloorAtZero().Equal(FromInts(map[string]int64{Memory: 3})))
}
