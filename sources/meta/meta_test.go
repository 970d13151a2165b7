package meta

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/labctrl/registry"
	"github.com/c360/labctrl/source"
	"github.com/c360/labctrl/sourcestore"
	"github.com/c360/labctrl/sources/demo"
	"github.com/c360/labctrl/tree"
)

type fixture struct {
	store    *sourcestore.MemoryStore
	meta     *Source
	launched []sourcestore.Entry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New()
	require.NoError(t, demo.Register(reg))
	require.NoError(t, reg.Register(registry.Registration{
		Type:   "strict",
		Schema: json.RawMessage(`{"type": "object", "required": ["addr"]}`),
		Factory: func(id string, _ json.RawMessage, _ registry.Dependencies) (source.Source, error) {
			return demo.New(id, nil), nil
		},
	}))

	f := &fixture{store: sourcestore.NewMemoryStore()}
	m, err := New(context.Background(), Config{
		Store:    f.store,
		Registry: reg,
		Launch: func(_ context.Context, e sourcestore.Entry) error {
			f.launched = append(f.launched, e)
			return nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	f.meta = m
	return f
}

func (f *fixture) call(t *testing.T, params string) any {
	t.Helper()
	res, err := f.meta.CallMethod(context.Background(), "add_source", json.RawMessage(params))
	require.NoError(t, err)
	return res
}

func TestNew_RequiresStoreAndRegistry(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestAddSource(t *testing.T) {
	f := newFixture(t)

	res := f.call(t, `{"type": "demo", "name": "bench", "src_params": {}}`)
	id, ok := res.(string)
	require.True(t, ok, "expected id, got %v", res)
	assert.Contains(t, id, "demo-")

	require.Len(t, f.launched, 1)
	assert.Equal(t, id, f.launched[0].ID)
	assert.Equal(t, "bench", f.launched[0].Name)

	entry, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "demo", entry.Type)

	n, ok := tree.Lookup(f.meta.Values(), "sources", id)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"type": "demo", "name": "bench"}, tree.ToAny(n))
}

func TestAddSource_Errors(t *testing.T) {
	f := newFixture(t)
	_ = f.call(t, `{"type": "demo", "name": "bench", "src_params": {}}`)

	tests := []struct {
		name   string
		params string
		want   string
	}{
		{"missing type", `{"name": "x", "src_params": {}}`, MsgMissingParameter},
		{"missing name", `{"type": "demo", "src_params": {}}`, MsgMissingParameter},
		{"missing params", `{"type": "demo", "name": "x"}`, MsgMissingParameter},
		{"not an object", `[1, 2]`, MsgMissingParameter},
		{"unknown type", `{"type": "laser", "name": "x", "src_params": {}}`, "Unknown source type: laser"},
		{"duplicate name", `{"type": "demo", "name": "bench", "src_params": {}}`, "Source name bench already exist."},
		{"invalid params", `{"type": "strict", "name": "x", "src_params": {}}`, MsgUnknownError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, errorReply{tt.want}, f.call(t, tt.params))
		})
	}
	assert.Len(t, f.launched, 1)
}

func TestErrorReplyJSON(t *testing.T) {
	b, err := json.Marshal(errorReply{MsgUnknownError})
	require.NoError(t, err)
	assert.JSONEq(t, `{"error": "Unknown error."}`, string(b))
}

func TestRefresh_TracksCatalog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := sourcestore.NewEntry("demo", "a", nil)
	b := sourcestore.NewEntry("demo", "b", nil)
	require.NoError(t, f.store.Create(ctx, a))
	require.NoError(t, f.store.Create(ctx, b))

	sources, ok := tree.Lookup(f.meta.Values(), "sources")
	require.True(t, ok)
	assert.Len(t, sources, 2)

	require.NoError(t, f.store.Delete(ctx, a.ID))
	_, ok = tree.Lookup(f.meta.Values(), "sources", a.ID)
	assert.False(t, ok, "deleted source must be removed")
	_, ok = tree.Lookup(f.meta.Values(), "sources", b.ID)
	assert.True(t, ok)
}

func TestSetValuesAndUnknownMethod(t *testing.T) {
	f := newFixture(t)
	res, ok := f.meta.SetValues(context.Background(), tree.Branch{"sources": tree.Branch{}})
	assert.True(t, ok)
	assert.Equal(t, false, res)

	out, err := f.meta.CallMethod(context.Background(), "reboot", nil)
	assert.NoError(t, err)
	assert.Nil(t, out)
}

func TestClose_StopsFollowing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.meta.Close())
	age := f.meta.Age()
	require.NoError(t, f.store.Create(context.Background(), sourcestore.NewEntry("demo", "late", nil)))
	assert.Equal(t, age, f.meta.Age())
}
