package tree

import (
	"encoding/json"
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, s string) Node {
	t.Helper()
	n, err := Decode([]byte(s))
	require.NoError(t, err)
	return n
}

func branch(t *testing.T, s string) Branch {
	t.Helper()
	b, ok := parse(t, s).(Branch)
	require.True(t, ok, "not an object: %s", s)
	return b
}

func assertJSON(t *testing.T, expected string, n Node, msgAndArgs ...any) {
	t.Helper()
	data, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, expected, string(data), msgAndArgs...)
}

func TestDecode(t *testing.T) {
	n := parse(t, `{"a": 1, "b": {"c": null, "d": "x"}, "e": [1, 2]}`)
	b := n.(Branch)

	assert.Equal(t, Leaf{Value: 1.0}, b["a"])
	assert.Equal(t, Tombstone{}, b["b"].(Branch)["c"])
	assert.Equal(t, Leaf{Value: []any{1.0, 2.0}}, b["e"])
	assertJSON(t, `{"a": 1, "b": {"c": null, "d": "x"}, "e": [1, 2]}`, n)

	var into Branch
	require.NoError(t, json.Unmarshal([]byte(`{"x": true}`), &into))
	assert.Equal(t, Leaf{Value: true}, into["x"])
	assert.Error(t, json.Unmarshal([]byte(`[1]`), &into))
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name   string
		start  string
		update string
		diff   string
		result string
	}{
		{"add scalar", `{}`, `{"a": 1}`, `{"a": 1}`, `{"a": 1}`},
		{"same scalar is no change", `{"a": 1}`, `{"a": 1}`, ``, `{"a": 1}`},
		{"replace scalar", `{"a": 1}`, `{"a": 2}`, `{"a": 2}`, `{"a": 2}`},
		{"delete scalar", `{"a": 1, "b": 2}`, `{"a": null}`, `{"a": null}`, `{"b": 2}`},
		{"delete absent is no change", `{"b": 2}`, `{"a": null}`, ``, `{"b": 2}`},
		{"nested add", `{"a": {"b": 1}}`, `{"a": {"c": 2}}`, `{"a": {"c": 2}}`, `{"a": {"b": 1, "c": 2}}`},
		{"branch over scalar", `{"a": 1}`, `{"a": {"b": 1}}`, `{"a": {"b": 1}}`, `{"a": {"b": 1}}`},
		{"all deletions over scalar", `{"a": 1}`, `{"a": {"b": null}}`, ``, `{"a": 1}`},
		{"emptied branch removed", `{"a": {"b": 1}, "c": 3}`, `{"a": {"b": null}}`, `{"a": {"b": null}}`, `{"c": 3}`},
		{"scalar over branch", `{"a": {"b": 1}}`, `{"a": 5}`, `{"a": 5}`, `{"a": 5}`},
		{"delete branch", `{"a": {"b": 1, "c": {"d": 1}}}`, `{"a": null}`, `{"a": {"b": null, "c": null}}`, `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := branch(t, tt.start)
			diff := Merge(dst, parse(t, tt.update))
			if tt.diff == "" {
				assert.Nil(t, diff)
			} else {
				assertJSON(t, tt.diff, diff)
			}
			assertJSON(t, tt.result, dst)
		})
	}
}

func TestMerge_DiffReplaysOntoCopy(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	server := Branch{}
	client := Branch{}

	for i := 0; i < 500; i++ {
		update := randomUpdate(rng, 3)
		diff := Merge(server, update)
		if diff != nil {
			Merge(client, diff)
		}
		require.True(t, Equal(server, client), "step %d diverged", i)
	}
}

func randomUpdate(rng *rand.Rand, depth int) Branch {
	b := Branch{}
	for i := 0; i < 1+rng.Intn(3); i++ {
		key := strconv.Itoa(rng.Intn(4))
		switch r := rng.Intn(10); {
		case r < 2:
			b[key] = Tombstone{}
		case r < 5 || depth == 0:
			b[key] = Leaf{Value: float64(rng.Intn(3))}
		default:
			b[key] = randomUpdate(rng, depth-1)
		}
	}
	return b
}

func TestCompose(t *testing.T) {
	t.Run("delete then recreate", func(t *testing.T) {
		server := branch(t, `{"a": {"b": 1, "c": 2}}`)
		client := Clone(server).(Branch)

		d1 := Merge(server, parse(t, `{"a": null}`))
		d2 := Merge(server, parse(t, `{"a": {"b": 3}}`))
		composed := Compose(Clone(d1), d2)

		Merge(client, composed)
		assertJSON(t, `{"a": {"b": 3}}`, client)
		assert.True(t, Equal(server, client))
	})

	t.Run("later scalar wins", func(t *testing.T) {
		assertJSON(t, `{"a": 2}`, Compose(parse(t, `{"a": 1}`), parse(t, `{"a": 2}`)))
	})

	t.Run("nil next keeps prev", func(t *testing.T) {
		prev := parse(t, `{"a": 1}`)
		assert.Equal(t, prev, Compose(prev, nil))
	})
}

func TestProject(t *testing.T) {
	values := parse(t, `{"ttl": {"val0": true, "val1": false}, "dds": {"freq0": 10}, "clock": 255}`)

	assertJSON(t, `{"ttl": {"val0": true, "val1": false}, "dds": {"freq0": 10}, "clock": 255}`, Project(values, nil))
	assertJSON(t, `{"ttl": {"val1": false}, "clock": 255}`, Project(values, parse(t, `{"ttl": {"val1": 1}, "clock": 1}`)))
	assertJSON(t, `{"dds": {"freq0": 10}}`, Project(values, parse(t, `{"dds": true, "missing": 1}`)))
	assertJSON(t, `{}`, Project(values, parse(t, `{"ttl": {"val9": 1}}`)))

	// The projection is a copy.
	p := Project(values, nil).(Branch)
	p["clock"] = Leaf{Value: 0.0}
	assertJSON(t, `255`, values.(Branch)["clock"])
}

func TestLookup(t *testing.T) {
	values := parse(t, `{"ttl": {"val0": true}}`)
	n, ok := Lookup(values, "ttl", "val0")
	require.True(t, ok)
	assert.Equal(t, Leaf{Value: true}, n)

	_, ok = Lookup(values, "ttl", "val0", "deeper")
	assert.False(t, ok)
	_, ok = Lookup(values, "dds")
	assert.False(t, ok)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(parse(t, `{"a": [1, {"b": 2}]}`), parse(t, `{"a": [1, {"b": 2}]}`)))
	assert.False(t, Equal(parse(t, `{"a": 1}`), parse(t, `{"a": "1"}`)))
	assert.False(t, Equal(parse(t, `{"a": 1}`), parse(t, `{"a": 1, "b": 1}`)))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(Tombstone{}, nil))
}

func TestToAny(t *testing.T) {
	assert.Equal(t, map[string]any{"a": 1.0, "b": map[string]any{"c": nil}}, ToAny(parse(t, `{"a": 1, "b": {"c": null}}`)))
}
