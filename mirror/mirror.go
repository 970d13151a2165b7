package mirror

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/c360/labctrl/dispatcher"
	"github.com/c360/labctrl/errors"
	"github.com/c360/labctrl/tree"
)

// Transport is the server side of a Mirror
type Transport interface {
	Get(ctx context.Context, req map[string]dispatcher.PathRequest) (map[string]Snapshot, error)
	Watch(ctx context.Context, req map[string]dispatcher.PathRequest) error
	Unwatch(ctx context.Context, req map[string]dispatcher.PathRequest) error
	// OnUpdate registers the handler for update pushes
	OnUpdate(fn func(map[string]Snapshot))
}

// Callback receives the changed values of one source, projected onto the
// paths the callback watches.
type Callback func(src string, values tree.Node)

// Subscription identifies one watching callback
type Subscription struct {
	id      uint64
	fn      Callback
	watches map[string]*tree.Watch
}

// sourceState is the cached view of one source
type sourceState struct {
	values tree.Branch
	ages   *ageTree
	watch  *tree.Watch // union of every subscription
}

// Mirror caches source values on the client side
type Mirror struct {
	transport Transport
	logger    *slog.Logger

	mu      sync.Mutex
	sources map[string]*sourceState
	subs    map[uint64]*Subscription
	nextID  uint64
}

// New creates a mirror and registers it for the transport's updates.
func New(t Transport, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mirror{
		transport: t,
		logger:    logger.With("component", "mirror"),
		sources:   make(map[string]*sourceState),
		subs:      make(map[uint64]*Subscription),
	}
	t.OnUpdate(m.HandleUpdate)
	return m
}

func (m *Mirror) state(src string) *sourceState {
	s, ok := m.sources[src]
	if !ok {
		s = &sourceState{values: make(tree.Branch), ages: &ageTree{}, watch: tree.NewWatch()}
		m.sources[src] = s
	}
	return s
}

func pathRequest(ages *ageTree, path tree.Node) dispatcher.PathRequest {
	req := dispatcher.PathRequest{Path: path}
	if age := ages.min(path); age > 0 {
		req.Age = &age
	}
	return req
}

type delivery struct {
	src    string
	values tree.Node
}

// Watch subscribes fn to the given paths, keyed by source id. Parts the
// mirror already watches are served from the cache right away; the rest is
// requested from the server and arrives through later updates.
func (m *Mirror) Watch(ctx context.Context, req map[string]tree.Node, fn Callback) (*Subscription, error) {
	m.mu.Lock()
	m.nextID++
	sub := &Subscription{id: m.nextID, fn: fn, watches: make(map[string]*tree.Watch)}

	send := make(map[string]dispatcher.PathRequest)
	saved := make(map[string]*tree.Watch)
	var immediate []delivery
	for _, src := range sortedKeys(req) {
		path := req[src]
		s := m.state(src)
		saved[src] = s.watch.Clone()

		w := tree.NewWatch()
		w.Add(path)
		if w.Empty() {
			continue
		}
		sub.watches[src] = w

		uncovered := s.watch.Uncovered(path)
		cached := tree.Project(s.values, path)
		if uncovered != nil && s.ages.min(uncovered) == 0 {
			// Only the already watched part is known to be current.
			cached = saved[src].Filter(cached)
		}
		if b, ok := cached.(tree.Branch); ok && len(b) > 0 {
			immediate = append(immediate, delivery{src, cached})
		}

		if added := s.watch.Add(path); added != nil {
			send[src] = pathRequest(s.ages, added)
		}
	}
	m.subs[sub.id] = sub
	m.mu.Unlock()

	if len(send) > 0 {
		if err := m.transport.Watch(ctx, send); err != nil {
			m.mu.Lock()
			delete(m.subs, sub.id)
			for src, w := range saved {
				m.sources[src].watch = w
			}
			m.mu.Unlock()
			return nil, errors.Wrap(err, "Mirror", "Watch", "send watch request")
		}
	}
	for _, d := range immediate {
		fn(d.src, d.values)
	}
	return sub, nil
}

// Unwatch removes paths from sub. The server is told to stop sending only
// what no subscription watches any more. A nil req removes everything sub
// watches.
func (m *Mirror) Unwatch(ctx context.Context, sub *Subscription, req map[string]tree.Node) error {
	if sub == nil {
		return nil
	}
	m.mu.Lock()
	if req == nil {
		req = make(map[string]tree.Node, len(sub.watches))
		for src := range sub.watches {
			req[src] = tree.Leaf{Value: true}
		}
	}

	unwatch := make(map[string]dispatcher.PathRequest)
	rewatch := make(map[string]dispatcher.PathRequest)
	for _, src := range sortedKeys(req) {
		w, ok := sub.watches[src]
		if !ok {
			continue
		}
		if w.Remove(req[src]) {
			delete(sub.watches, src)
		}

		s := m.sources[src]
		union := m.union(src)
		dropped := union.Uncovered(req[src])
		if dropped == nil {
			s.watch = union
			continue
		}
		unwatch[src] = dispatcher.PathRequest{Path: dropped}

		// The server applies the same removal; put back what other
		// subscriptions still need.
		server := s.watch
		server.Remove(dropped)
		if lost := server.Uncovered(union.Path()); lost != nil && !union.Empty() {
			rewatch[src] = pathRequest(s.ages, lost)
		}
		s.watch = union
	}
	if len(sub.watches) == 0 {
		delete(m.subs, sub.id)
	}
	m.mu.Unlock()

	if len(unwatch) > 0 {
		if err := m.transport.Unwatch(ctx, unwatch); err != nil {
			return errors.Wrap(err, "Mirror", "Unwatch", "send unwatch request")
		}
	}
	if len(rewatch) > 0 {
		if err := m.transport.Watch(ctx, rewatch); err != nil {
			return errors.Wrap(err, "Mirror", "Unwatch", "restore remaining watches")
		}
	}
	return nil
}

// union rebuilds the combined watch tree of src from the subscriptions.
func (m *Mirror) union(src string) *tree.Watch {
	u := tree.NewWatch()
	for _, sub := range m.subs {
		if w, ok := sub.watches[src]; ok {
			u.Add(w.Path())
		}
	}
	return u
}

// Get returns the values at the given paths. Watched parts come from the
// cache; the rest is fetched in one round trip, passing the cached age so
// the server can skip sources that did not change.
func (m *Mirror) Get(ctx context.Context, req map[string]tree.Node) (map[string]tree.Node, error) {
	m.mu.Lock()
	fetch := make(map[string]dispatcher.PathRequest)
	for src, path := range req {
		s := m.state(src)
		if uncovered := s.watch.Uncovered(path); uncovered != nil {
			fetch[src] = pathRequest(s.ages, uncovered)
		}
	}
	m.mu.Unlock()

	if len(fetch) > 0 {
		res, err := m.transport.Get(ctx, fetch)
		if err != nil {
			return nil, errors.Wrap(err, "Mirror", "Get", "fetch values")
		}
		m.mu.Lock()
		for src, snap := range res {
			r, ok := fetch[src]
			if !ok {
				continue
			}
			s := m.state(src)
			tree.Merge(s.values, replacement(s.values, r.Path, snap.Values))
			s.ages.set(r.Path, snap.Age)
		}
		m.mu.Unlock()
	}
	return m.GetCached(req), nil
}

// GetCached projects the cache onto the given paths without any network
// traffic. Sources and keys that are not cached are left out.
func (m *Mirror) GetCached(req map[string]tree.Node) map[string]tree.Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]tree.Node, len(req))
	for src, path := range req {
		s, ok := m.sources[src]
		if !ok || len(s.values) == 0 {
			continue
		}
		if v := tree.Project(s.values, path); v != nil {
			out[src] = v
		}
	}
	return out
}

// Ages returns, for every scalar element of each path, the age the cached
// value is known to be current at.
func (m *Mirror) Ages(req map[string]tree.Node) map[string]tree.Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]tree.Node, len(req))
	for src, path := range req {
		ages := &ageTree{}
		if s, ok := m.sources[src]; ok {
			ages = s.ages
		}
		out[src] = ages.ages(path)
	}
	return out
}

// HandleUpdate applies an update push and notifies the subscriptions
// watching the changed paths.
func (m *Mirror) HandleUpdate(msg map[string]Snapshot) {
	type call struct {
		fn     Callback
		src    string
		values tree.Node
	}
	var calls []call

	m.mu.Lock()
	for _, src := range sortedKeys(msg) {
		snap := msg[src]
		s := m.state(src)
		if snap.Values != nil {
			tree.Merge(s.values, snap.Values)
		}
		if path := s.watch.Path(); path != nil {
			s.ages.set(path, snap.Age)
		}
		for _, id := range m.subIDs() {
			sub := m.subs[id]
			w, ok := sub.watches[src]
			if !ok {
				continue
			}
			if f := w.Filter(snap.Values); f != nil {
				calls = append(calls, call{sub.fn, src, f})
			}
		}
	}
	m.mu.Unlock()

	for _, c := range calls {
		c.fn(c.src, c.values)
	}
}

// Resubscribe sends the complete watch tree again, typically after the
// transport reconnected. Cached ages let the server skip unchanged parts.
func (m *Mirror) Resubscribe(ctx context.Context) error {
	m.mu.Lock()
	req := make(map[string]dispatcher.PathRequest)
	for src, s := range m.sources {
		if path := s.watch.Path(); path != nil {
			req[src] = pathRequest(s.ages, path)
		}
	}
	m.mu.Unlock()

	if len(req) == 0 {
		return nil
	}
	if err := m.transport.Watch(ctx, req); err != nil {
		return errors.Wrap(err, "Mirror", "Resubscribe", "send watch request")
	}
	m.logger.Debug("Watches restored", "sources", len(req))
	return nil
}

// Watching returns the combined watch path of src, or nil
func (m *Mirror) Watching(src string) tree.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sources[src]; ok {
		return s.watch.Path()
	}
	return nil
}

func (m *Mirror) subIDs() []uint64 {
	ids := make([]uint64, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// replacement builds the update that makes cur equal values at path. Keys
// the server no longer has are deleted.
func replacement(cur tree.Node, path tree.Node, values tree.Node) tree.Node {
	pb, ok := path.(tree.Branch)
	if !ok {
		return overwrite(cur, values)
	}
	vb, _ := values.(tree.Branch)
	cb, _ := cur.(tree.Branch)
	out := make(tree.Branch, len(pb))
	for k, sub := range pb {
		v, ok := vb[k]
		if !ok {
			out[k] = tree.Tombstone{}
			continue
		}
		out[k] = replacement(cb[k], sub, v)
	}
	return out
}

func overwrite(cur tree.Node, values tree.Node) tree.Node {
	vb, ok := values.(tree.Branch)
	if !ok {
		if values == nil {
			return tree.Tombstone{}
		}
		return values
	}
	cb, _ := cur.(tree.Branch)
	out := make(tree.Branch, len(vb)+len(cb))
	for k := range cb {
		if _, ok := vb[k]; !ok {
			out[k] = tree.Tombstone{}
		}
	}
	for k, v := range vb {
		out[k] = overwrite(cb[k], v)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
