package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/labctrl/auth"
	"github.com/c360/labctrl/errors"
	"github.com/c360/labctrl/source"
	"github.com/c360/labctrl/tree"
)

type testSource struct {
	*source.Core
	closed atomic.Bool
}

func newTestSource(t *testing.T, id, initial string) *testSource {
	t.Helper()
	var values tree.Branch
	if initial != "" {
		n, err := tree.Decode([]byte(initial))
		require.NoError(t, err)
		values = n.(tree.Branch)
	}
	return &testSource{Core: source.NewCore(id, values)}
}

func (s *testSource) SetValues(_ context.Context, params tree.Node) (any, bool) {
	if _, ok := params.(tree.Branch); !ok {
		return false, true
	}
	s.UpdateValues(params)
	return true, true
}

func (s *testSource) CallMethod(_ context.Context, name string, params json.RawMessage) (any, error) {
	switch name {
	case "echo":
		var v any
		if err := json.Unmarshal(params, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "emit":
		return s.EmitSignal("tick", json.RawMessage(params)), nil
	case "panic":
		panic("boom")
	case "fail":
		return "ignored", errors.ErrDeviceUnresponsive
	}
	return nil, nil
}

func (s *testSource) Close() error {
	s.closed.Store(true)
	return nil
}

type sent struct {
	event   string
	payload string
}

type fakeConn struct {
	id string

	mu   sync.Mutex
	msgs []sent
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) AuthRequest() auth.Request {
	return auth.Request{ConnID: c.id}
}

func (c *fakeConn) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, sent{event, string(data)})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) take() []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.msgs
	c.msgs = nil
	return out
}

type countingAuth struct {
	calls atomic.Int32
	allow atomic.Bool
}

func newCountingAuth() *countingAuth {
	a := &countingAuth{}
	a.allow.Store(true)
	return a
}

func (a *countingAuth) Authorize(context.Context, auth.Request) bool {
	a.calls.Add(1)
	return a.allow.Load()
}

func newTestDispatcher(t *testing.T, authz auth.Authorizer) *Dispatcher {
	t.Helper()
	d := New(Config{FlushInterval: time.Hour, Authorizer: authz})
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func toJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func TestDispatcher_AddRemoveSource(t *testing.T) {
	d := newTestDispatcher(t, nil)
	src := newTestSource(t, "demo", `{"a": 1}`)

	require.NoError(t, d.AddSource(src))
	err := d.AddSource(newTestSource(t, "demo", ""))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSourceExists)

	require.NoError(t, d.AddSource(newTestSource(t, "aaa", "")))
	assert.Equal(t, []string{"aaa", "demo"}, d.SourceIDs())

	removed, ok := d.RemoveSource("demo")
	require.True(t, ok)
	assert.Same(t, src, removed)
	assert.False(t, src.closed.Load(), "removal leaves closing to the caller")

	_, ok = d.RemoveSource("demo")
	assert.False(t, ok)
}

func TestDispatcher_CallAndSignalAuthCounts(t *testing.T) {
	authz := newCountingAuth()
	d := newTestDispatcher(t, authz)
	src := newTestSource(t, "s", "")
	require.NoError(t, d.AddSource(src))

	conn := &fakeConn{id: "c1"}
	sess := d.Connect(conn)
	ctx := context.Background()

	res := sess.Call(ctx, "s", "echo", json.RawMessage(`[1, "x"]`))
	assert.Equal(t, []any{float64(1), "x"}, res)
	assert.Equal(t, int32(1), authz.calls.Load())

	sess.Listen(ctx, "s", "tick")
	assert.Equal(t, int32(2), authz.calls.Load())

	// one for the request, one for the delivery
	res = sess.Call(ctx, "s", "emit", json.RawMessage(`{"n": 1}`))
	assert.Equal(t, 1, res)
	assert.Equal(t, int32(4), authz.calls.Load())

	src.EmitSignal("tick", 2)
	assert.Equal(t, int32(5), authz.calls.Load())

	// no listener, no authorization
	src.EmitSignal("other", nil)
	assert.Equal(t, int32(5), authz.calls.Load())

	msgs := conn.take()
	require.Len(t, msgs, 2)
	assert.Equal(t, EventSignal, msgs[0].event)
	assert.JSONEq(t, `{"id": "s", "name": "tick", "params": {"n": 1}}`, msgs[0].payload)
	assert.JSONEq(t, `{"id": "s", "name": "tick", "params": 2}`, msgs[1].payload)

	sess.Unlisten(ctx, "s", "tick")
	src.EmitSignal("tick", 3)
	assert.Empty(t, conn.take())
}

func TestDispatcher_DirectCallsBypassAuth(t *testing.T) {
	authz := newCountingAuth()
	authz.allow.Store(false)
	d := newTestDispatcher(t, authz)
	require.NoError(t, d.AddSource(newTestSource(t, "s", `{"a": 1}`)))
	ctx := context.Background()

	res, err := d.CallMethod(ctx, "s", "echo", json.RawMessage(`"hi"`))
	require.NoError(t, err)
	assert.Equal(t, "hi", res)

	got, changed, err := d.GetValues("s", source.GetRequest{})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.JSONEq(t, `{"age": 1, "values": {"a": 1}}`, toJSON(t, got))

	out, ok, err := d.SetValues(ctx, "s", tree.Branch{"a": tree.Leaf{Value: 2.0}})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, true, out)

	_, err = d.CallMethod(ctx, "missing", "echo", nil)
	assert.ErrorIs(t, err, errors.ErrSourceNotFound)
	_, _, err = d.GetValues("missing", source.GetRequest{})
	assert.ErrorIs(t, err, errors.ErrSourceNotFound)

	assert.Equal(t, int32(0), authz.calls.Load())
}

func TestDispatcher_Rejection(t *testing.T) {
	authz := newCountingAuth()
	d := newTestDispatcher(t, authz)
	src := newTestSource(t, "s", `{"a": 1}`)
	require.NoError(t, d.AddSource(src))

	conn := &fakeConn{id: "c1"}
	sess := d.Connect(conn)
	ctx := context.Background()

	sess.Listen(ctx, "s", "tick")
	sess.Watch(ctx, map[string]PathRequest{"s": {}})
	require.NotNil(t, src.Watching(sess.ID()))
	assert.Equal(t, int32(2), authz.calls.Load())

	authz.allow.Store(false)
	assert.Nil(t, sess.Call(ctx, "s", "echo", json.RawMessage(`1`)))
	assert.Equal(t, int32(3), authz.calls.Load())
	assert.True(t, sess.Detached())
	assert.Nil(t, src.Watching(sess.ID()))

	// detached sessions are ignored without asking again
	authz.allow.Store(true)
	assert.Nil(t, sess.Call(ctx, "s", "echo", json.RawMessage(`1`)))
	assert.Nil(t, sess.Get(ctx, map[string]PathRequest{"s": {}}))
	assert.Equal(t, int32(3), authz.calls.Load())

	src.EmitSignal("tick", nil)
	src.UpdateValues(tree.Branch{"a": tree.Leaf{Value: 5.0}})
	d.Flush()
	assert.Equal(t, int32(3), authz.calls.Load())
	assert.Empty(t, conn.take())
}

func TestDispatcher_SignalRejectionDetaches(t *testing.T) {
	authz := newCountingAuth()
	d := newTestDispatcher(t, authz)
	src := newTestSource(t, "s", "")
	require.NoError(t, d.AddSource(src))

	conn := &fakeConn{id: "c1"}
	sess := d.Connect(conn)
	sess.Listen(context.Background(), "s", "tick")

	authz.allow.Store(false)
	src.EmitSignal("tick", nil)
	assert.Equal(t, int32(2), authz.calls.Load())
	assert.True(t, sess.Detached())

	src.EmitSignal("tick", nil)
	assert.Equal(t, int32(2), authz.calls.Load())
	assert.Empty(t, conn.take())
}

func TestDispatcher_SessionClose(t *testing.T) {
	d := newTestDispatcher(t, nil)
	src := newTestSource(t, "s", `{"a": 1}`)
	require.NoError(t, d.AddSource(src))

	conn := &fakeConn{id: "c1"}
	sess := d.Connect(conn)
	ctx := context.Background()
	sess.Watch(ctx, map[string]PathRequest{"s": {}})
	sess.Listen(ctx, "s", "tick")

	sess.Close()
	sess.Close()

	assert.Nil(t, src.Watching(sess.ID()))
	assert.Equal(t, 0, src.EmitSignal("tick", nil))
	d.Flush()
	assert.Empty(t, conn.take())
}

func TestDispatcher_RemovedSourceStopsSignals(t *testing.T) {
	d := newTestDispatcher(t, nil)
	src := newTestSource(t, "s", "")
	require.NoError(t, d.AddSource(src))

	conn := &fakeConn{id: "c1"}
	sess := d.Connect(conn)
	sess.Listen(context.Background(), "s", "tick")

	src.EmitSignal("tick", 1)
	require.Len(t, conn.take(), 1)

	_, ok := d.RemoveSource("s")
	require.True(t, ok)
	src.EmitSignal("tick", 2)
	assert.Empty(t, conn.take())

	assert.Nil(t, sess.Call(context.Background(), "s", "echo", json.RawMessage(`1`)))
}

func TestDispatcher_BatchesUpdates(t *testing.T) {
	d := newTestDispatcher(t, nil)
	s1 := newTestSource(t, "s1", `{"a": 1, "b": 2}`)
	s2 := newTestSource(t, "s2", `{"x": "on"}`)
	require.NoError(t, d.AddSource(s1))
	require.NoError(t, d.AddSource(s2))

	conn := &fakeConn{id: "c1"}
	sess := d.Connect(conn)
	ctx := context.Background()
	age := uint64(0)
	sess.Watch(ctx, map[string]PathRequest{
		"s1": {Age: &age, Path: tree.Branch{"a": tree.Leaf{Value: true}}},
		"s2": {Age: &age},
	})
	d.Flush()
	msgs := conn.take()
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"s1": {"age": 1, "values": {"a": 1}}, "s2": {"age": 1, "values": {"x": "on"}}}`, msgs[0].payload)

	s1.UpdateValues(tree.Branch{"a": tree.Leaf{Value: 2.0}})
	s1.UpdateValues(tree.Branch{"a": tree.Leaf{Value: 3.0}, "b": tree.Leaf{Value: 5.0}})
	s2.UpdateValues(tree.Branch{"x": tree.Tombstone{}})
	d.Flush()

	msgs = conn.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, EventUpdate, msgs[0].event)
	assert.JSONEq(t, `{"s1": {"age": 3, "values": {"a": 3}}, "s2": {"age": 2, "values": {"x": null}}}`, msgs[0].payload)

	d.Flush()
	assert.Empty(t, conn.take())
}

func TestDispatcher_TimerFlush(t *testing.T) {
	d := New(Config{FlushInterval: 5 * time.Millisecond})
	t.Cleanup(func() { _ = d.Close() })
	src := newTestSource(t, "s", `{"a": 1}`)
	require.NoError(t, d.AddSource(src))

	conn := &fakeConn{id: "c1"}
	sess := d.Connect(conn)
	sess.Watch(context.Background(), map[string]PathRequest{"s": {}})

	var msgs []sent
	require.Eventually(t, func() bool {
		msgs = append(msgs, conn.take()...)
		return len(msgs) > 0
	}, time.Second, time.Millisecond)
	assert.JSONEq(t, `{"s": {"age": 1, "values": {"a": 1}}}`, msgs[0].payload)

	src.UpdateValues(tree.Branch{"a": tree.Leaf{Value: 2.0}})
	msgs = nil
	require.Eventually(t, func() bool {
		msgs = append(msgs, conn.take()...)
		return len(msgs) > 0
	}, time.Second, time.Millisecond)
	assert.JSONEq(t, `{"s": {"age": 2, "values": {"a": 2}}}`, msgs[0].payload)
}

func TestDispatcher_FlushAuthorizesEachSubscriber(t *testing.T) {
	allowed := map[string]bool{"good": true}
	var mu sync.Mutex
	authz := auth.AuthorizerFunc(func(_ context.Context, req auth.Request) bool {
		mu.Lock()
		defer mu.Unlock()
		return allowed[req.ConnID]
	})
	d := newTestDispatcher(t, authz)
	src := newTestSource(t, "s", `{"a": 1}`)
	require.NoError(t, d.AddSource(src))

	good := &fakeConn{id: "good"}
	bad := &fakeConn{id: "bad"}
	gs := d.Connect(good)
	mu.Lock()
	allowed["bad"] = true
	mu.Unlock()
	bs := d.Connect(bad)

	ctx := context.Background()
	gs.Watch(ctx, map[string]PathRequest{"s": {}})
	bs.Watch(ctx, map[string]PathRequest{"s": {}})

	mu.Lock()
	allowed["bad"] = false
	mu.Unlock()
	d.Flush()

	assert.Len(t, good.take(), 1)
	assert.Empty(t, bad.take())
	assert.True(t, bs.Detached())
	assert.Nil(t, src.Watching(bs.ID()))
}

func TestDispatcher_CatchUpOnStaleAge(t *testing.T) {
	d := newTestDispatcher(t, nil)
	src := newTestSource(t, "s", `{"a": 1, "b": 2}`)
	require.NoError(t, d.AddSource(src))
	src.UpdateValues(tree.Branch{"a": tree.Leaf{Value: 3.0}})

	conn := &fakeConn{id: "c1"}
	sess := d.Connect(conn)
	stale := uint64(1)
	sess.Watch(context.Background(), map[string]PathRequest{"s": {Age: &stale}})
	d.Flush()

	msgs := conn.take()
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"s": {"age": 2, "values": {"a": 3, "b": 2}}}`, msgs[0].payload)

	// current age and an already covered path: nothing to send
	current := uint64(2)
	sess.Watch(context.Background(), map[string]PathRequest{"s": {Age: &current, Path: tree.Branch{"a": tree.Leaf{Value: 1.0}}}})
	d.Flush()
	assert.Empty(t, conn.take())
}

func TestSession_BestEffortAcrossSources(t *testing.T) {
	d := newTestDispatcher(t, nil)
	require.NoError(t, d.AddSource(newTestSource(t, "s1", `{"a": 1}`)))
	require.NoError(t, d.AddSource(newTestSource(t, "s2", `{"b": 2}`)))

	sess := d.Connect(&fakeConn{id: "c1"})
	ctx := context.Background()

	current := uint64(1)
	res := sess.Get(ctx, map[string]PathRequest{
		"s1":      {},
		"s2":      {Age: &current},
		"missing": {},
	})
	assert.JSONEq(t, `{"s1": {"age": 1, "values": {"a": 1}}}`, toJSON(t, res))

	res = sess.Set(ctx, map[string]tree.Node{
		"s1":      tree.Branch{"a": tree.Leaf{Value: 4.0}},
		"s2":      tree.Leaf{Value: "bad"},
		"missing": tree.Branch{},
	})
	assert.JSONEq(t, `{"s1": true, "s2": false}`, toJSON(t, res))
}

func TestSession_RecoversFromSourceFailures(t *testing.T) {
	d := newTestDispatcher(t, nil)
	require.NoError(t, d.AddSource(newTestSource(t, "s", "")))
	sess := d.Connect(&fakeConn{id: "c1"})
	ctx := context.Background()

	assert.NotPanics(t, func() {
		assert.Nil(t, sess.Call(ctx, "s", "panic", nil))
	})
	assert.Nil(t, sess.Call(ctx, "s", "fail", nil))
	assert.Nil(t, sess.Call(ctx, "s", "nothing", nil))
	assert.Nil(t, sess.Call(ctx, "missing", "echo", nil))
	assert.False(t, sess.Detached())
}

func TestSession_Dispatch(t *testing.T) {
	d := newTestDispatcher(t, nil)
	src := newTestSource(t, "s", `{"ttl": {"val0": false}}`)
	require.NoError(t, d.AddSource(src))
	conn := &fakeConn{id: "c1"}
	sess := d.Connect(conn)
	ctx := context.Background()

	tests := []struct {
		event   string
		payload string
		want    string
	}{
		{"call", `{"src": "s", "name": "echo", "params": {"k": 1}}`, `{"k": 1}`},
		{"get", `{"s": {"ttl": true}}`, `{"s": {"age": 1, "values": {"ttl": {"val0": false}}}}`},
		{"get", `{"s": {"age": 1, "path": true}}`, `{}`},
		{"set", `{"s": {"ttl": {"val0": true}}}`, `{"s": true}`},
		{"watch", `{"s": {"age": 2, "path": {"ttl": {"val0": 1}}}}`, `null`},
		{"listen", `{"src": "s", "name": "tick"}`, `null`},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			res, err := sess.Dispatch(ctx, tt.event, json.RawMessage(tt.payload))
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, toJSON(t, res))
		})
	}

	require.NotNil(t, src.Watching(sess.ID()))
	_, err := sess.Dispatch(ctx, "unwatch", json.RawMessage(`{"s": {"path": {"ttl": {"val0": 1}}}}`))
	require.NoError(t, err)
	assert.Nil(t, src.Watching(sess.ID()))

	_, err = sess.Dispatch(ctx, "explode", json.RawMessage(`{}`))
	assert.True(t, errors.IsInvalid(err))
	_, err = sess.Dispatch(ctx, "get", json.RawMessage(`[1`))
	assert.ErrorIs(t, err, errors.ErrInvalidParams)
}

func TestPathRequest_Unmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantAge *uint64
		want    string
	}{
		{"bare leaf", `true`, nil, `true`},
		{"bare branch", `{"ttl": {"val1": 1}}`, nil, `{"ttl": {"val1": 1}}`},
		{"wrapped", `{"age": 4, "path": {"clock": 1}}`, ptr(uint64(4)), `{"clock": 1}`},
		{"wrapped without age", `{"path": true}`, nil, `true`},
		{"user key named path", `{"path": 1, "other": 2}`, nil, `{"path": 1, "other": 2}`},
		{"null", `null`, nil, ``},
		{"wrapped null path", `{"age": 2, "path": null}`, ptr(uint64(2)), ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r PathRequest
			require.NoError(t, json.Unmarshal([]byte(tt.input), &r))
			assert.Equal(t, tt.wantAge, r.Age)
			if tt.want == "" {
				assert.Nil(t, r.Path)
				return
			}
			assert.JSONEq(t, tt.want, toJSON(t, r.Path))
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestDispatcher_CloseClosesSources(t *testing.T) {
	d := New(Config{})
	src := newTestSource(t, "s", "")
	require.NoError(t, d.AddSource(src))
	sess := d.Connect(&fakeConn{id: "c1"})

	require.NoError(t, d.Close())
	assert.True(t, src.closed.Load())
	assert.True(t, sess.Detached())
	assert.Empty(t, d.SourceIDs())
	require.NoError(t, d.Close())
}
