package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_Add(t *testing.T) {
	w := NewWatch()

	added := w.Add(parse(t, `{"ttl": {"val0": 1}}`))
	assertJSON(t, `{"ttl": {"val0": true}}`, added)

	// Already covered.
	assert.Nil(t, w.Add(parse(t, `{"ttl": {"val0": 1}}`)))

	added = w.Add(parse(t, `{"ttl": {"val0": 1, "val1": 1}, "clock": 1}`))
	assertJSON(t, `{"ttl": {"val1": true}, "clock": true}`, added)

	// Watching the parent subsumes the children.
	assertJSON(t, `{"ttl": true}`, w.Add(parse(t, `{"ttl": true}`)))
	assert.True(t, w.Sub["ttl"].All)
	assert.Nil(t, w.Sub["ttl"].Sub)

	// Below an All node nothing is new.
	assert.Nil(t, w.Add(parse(t, `{"ttl": {"val5": 1}}`)))
	assertJSON(t, `{"ttl": true, "clock": true}`, w.Path())
}

func TestWatch_EmptyBranchIgnored(t *testing.T) {
	w := NewWatch()
	assert.Nil(t, w.Add(parse(t, `{"ttl": {}}`)))
	assert.True(t, w.Empty())
}

func TestWatch_Remove(t *testing.T) {
	w := NewWatch()
	w.Add(parse(t, `{"ttl": {"val0": 1, "val1": 1}, "clock": 1}`))

	assert.False(t, w.Remove(parse(t, `{"ttl": {"val0": 1}}`)))
	assertJSON(t, `{"ttl": {"val1": true}, "clock": true}`, w.Path())

	// Removing the last child prunes the parent.
	assert.False(t, w.Remove(parse(t, `{"ttl": {"val1": 1}}`)))
	assertJSON(t, `{"clock": true}`, w.Path())

	// Unknown paths are ignored.
	assert.False(t, w.Remove(parse(t, `{"dds": 1}`)))

	assert.True(t, w.Remove(parse(t, `{"clock": 1}`)))
	assert.True(t, w.Empty())
	assert.Nil(t, w.Path())
}

func TestWatch_RemoveBelowAll(t *testing.T) {
	w := NewWatch()
	w.Add(parse(t, `{"ttl": 1}`))
	assert.False(t, w.Remove(parse(t, `{"ttl": {"val0": 1}}`)))
	assertJSON(t, `{"ttl": true}`, w.Path())

	assert.True(t, w.Remove(Leaf{Value: true}))
	assert.True(t, w.Empty())
}

func TestWatch_AddRemoveSymmetry(t *testing.T) {
	paths := []string{
		`{"a": 1}`,
		`{"b": {"c": 1}}`,
		`{"b": {"d": {"e": 1}}}`,
		`{"f": {"g": 1, "h": 1}}`,
	}
	for _, p := range paths {
		w := NewWatch()
		w.Add(parse(t, p))
		require.False(t, w.Empty())
		assert.True(t, w.Remove(parse(t, p)), "path %s", p)
		assert.True(t, w.Empty())
	}

	// Disjoint paths leave each other alone.
	w := NewWatch()
	w.Add(parse(t, `{"a": 1}`))
	before := w.Clone()
	w.Add(parse(t, `{"b": {"c": 1}}`))
	w.Remove(parse(t, `{"b": {"c": 1}}`))
	assertJSON(t, `{"a": true}`, before.Path())
	assertJSON(t, `{"a": true}`, w.Path())
}

func TestWatch_Uncovered(t *testing.T) {
	w := NewWatch()
	w.Add(parse(t, `{"ttl": 1, "dds": {"freq0": 1}}`))

	assert.Nil(t, w.Uncovered(parse(t, `{"ttl": {"val0": 1}}`)))
	assertJSON(t, `{"dds": {"amp0": 1}}`, w.Uncovered(parse(t, `{"dds": {"freq0": 1, "amp0": 1}}`)))
	assertJSON(t, `{"dds": 1}`, w.Uncovered(parse(t, `{"dds": 1}`)))
	assertJSON(t, `{"ttl": true, "dds": {"freq0": true}}`, w.Path(), "tree untouched")

	var none *Watch
	assertJSON(t, `{"x": 1}`, none.Uncovered(parse(t, `{"x": 1}`)))
}

func TestWatch_Filter(t *testing.T) {
	w := NewWatch()
	w.Add(parse(t, `{"ttl": {"val0": 1}, "dds": 1}`))

	tests := []struct {
		name string
		diff string
		want string
	}{
		{"unwatched change dropped", `{"clock": 3, "ttl": {"val1": true}}`, ``},
		{"watched leaf kept", `{"ttl": {"val0": true, "val1": true}}`, `{"ttl": {"val0": true}}`},
		{"full copy below all", `{"dds": {"freq0": 1, "amp3": 0.5}}`, `{"dds": {"freq0": 1, "amp3": 0.5}}`},
		{"deletion kept", `{"ttl": {"val0": null}}`, `{"ttl": {"val0": null}}`},
		{"scalar over watched branch", `{"ttl": 5}`, `{"ttl": null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := w.Filter(parse(t, tt.diff))
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			assertJSON(t, tt.want, got)
		})
	}

	// Filter copies; mutating the result leaves the diff alone.
	diff := parse(t, `{"dds": {"freq0": 1}}`)
	out := w.Filter(diff).(Branch)
	out["dds"].(Branch)["freq0"] = Leaf{Value: 2.0}
	assertJSON(t, `{"dds": {"freq0": 1}}`, diff)
}
