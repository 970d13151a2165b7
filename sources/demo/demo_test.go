package demo

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/labctrl/registry"
	"github.com/c360/labctrl/tree"
)

func set(t *testing.T, s *Source, values string) {
	t.Helper()
	n, err := tree.Decode([]byte(values))
	require.NoError(t, err)
	res, ok := s.SetValues(context.Background(), n)
	require.True(t, ok)
	require.Equal(t, true, res)
}

func TestNew_InitialValues(t *testing.T) {
	s := New("demo", nil)
	vals := s.Values()
	assert.Len(t, vals, len(boolFields)+len(valueRanges)+len(nameFields))
	assert.Equal(t, tree.Leaf{Value: "rf1"}, vals["name_rf1"])
	assert.Equal(t, tree.Leaf{Value: false}, vals["ovr_amp1"])
	assert.Equal(t, tree.Leaf{Value: 0.0}, vals["volt2"])
	assert.Equal(t, uint64(1), s.Age())
}

func TestSetValues_ClampAndQuantize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		key   string
		want  any
	}{
		{"above max", `{"amp1": 3}`, "amp1", 1.0},
		{"below min", `{"volt1": -40}`, "volt1", -10.0},
		{"quantized", `{"freq1": 10.6}`, "freq1", 11.0},
		{"numeric string", `{"freq2": "42"}`, "freq2", 42.0},
		{"amp step", `{"amp2": 0.5000001}`, "amp2", 0.5},
		{"bool coerced", `{"bool1": 1}`, "bool1", true},
		{"bool falsy", `{"bool2": ""}`, "bool2", false},
		{"name", `{"name_rf2": "pickup"}`, "name_rf2", "pickup"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New("demo", nil)
			set(t, s, tt.input)
			n, ok := tree.Lookup(s.Values(), tt.key)
			require.True(t, ok)
			assert.Equal(t, tt.want, tree.ToAny(n))
		})
	}
}

func TestSetValues_IgnoresInvalid(t *testing.T) {
	s := New("demo", nil)
	set(t, s, `{"freq1": "fast", "unknown": 1, "name_bool1": {"a": 1}}`)
	assert.Equal(t, uint64(1), s.Age(), "nothing changed")

	res, ok := s.SetValues(context.Background(), tree.Leaf{Value: 3.0})
	assert.True(t, ok)
	assert.Equal(t, false, res)
}

func TestRegister(t *testing.T) {
	reg := registry.New()
	require.NoError(t, Register(reg))
	src, err := reg.Create(TypeName, "demo-1", nil, registry.Dependencies{})
	require.NoError(t, err)
	assert.Equal(t, "demo-1", src.ID())

	_, err = reg.Create(TypeName, "demo-2", json.RawMessage(`{"x": 1}`), registry.Dependencies{})
	assert.Error(t, err)
}
