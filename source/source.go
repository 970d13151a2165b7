package source

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/c360/labctrl/tree"
)

// SubscriberID identifies one client connection across all sources.
type SubscriberID uint64

// Source is a named state tree plus the operations clients may invoke on
// it. Concrete sources embed *Core, which provides ID and State.
type Source interface {
	ID() string
	State() *Core

	// SetValues applies a client write. It returns the reply and whether
	// there is one. Invalid input replies false.
	SetValues(ctx context.Context, params tree.Node) (any, bool)

	// CallMethod invokes a named method. A nil result with a nil error
	// means "nothing".
	CallMethod(ctx context.Context, name string, params json.RawMessage) (any, error)

	Close() error
}

// Owner is notified when a Core has updates to deliver and receives the
// signal deliveries it must authorize and send. The dispatcher is the
// owner of every source it runs.
type Owner interface {
	UpdatesPending(sourceID string)
	DeliverSignal(sub SubscriberID, sourceID, name string, params any)
}

// GetRequest asks for values at Path (nil for everything), skipping the
// reply when the caller already holds Age.
type GetRequest struct {
	Age  *uint64
	Path tree.Node
}

// GetResult is a snapshot of the requested values.
type GetResult struct {
	Age    uint64    `json:"age"`
	Values tree.Node `json:"values"`
}

// WatchRequest subscribes to Path. Age is the version the subscriber
// already holds; absent or stale ages get the current values seeded.
type WatchRequest struct {
	Age  *uint64
	Path tree.Node
}

// Core holds the value tree of a source together with its subscribers.
// All methods are safe for concurrent use; updates are applied in call
// order.
type Core struct {
	id string

	mu        sync.Mutex
	values    tree.Branch
	age       uint64
	watches   map[SubscriberID]*tree.Watch
	pending   map[SubscriberID]tree.Node
	listeners map[string]map[SubscriberID]struct{}
	owner     Owner
}

// NewCore creates a core for source id holding initial. A new core is at
// age 1, so a subscriber presenting age 0 always gets a full copy.
func NewCore(id string, initial tree.Branch) *Core {
	c := &Core{
		id:        id,
		values:    make(tree.Branch),
		age:       1,
		watches:   make(map[SubscriberID]*tree.Watch),
		pending:   make(map[SubscriberID]tree.Node),
		listeners: make(map[string]map[SubscriberID]struct{}),
	}
	tree.Merge(c.values, initial)
	return c
}

// ID returns the source id
func (c *Core) ID() string {
	return c.id
}

// State returns c, letting sources that embed *Core satisfy Source.
func (c *Core) State() *Core {
	return c
}

// SetOwner attaches the owner notified about pending updates and signals.
func (c *Core) SetOwner(owner Owner) {
	c.mu.Lock()
	c.owner = owner
	c.mu.Unlock()
}

// Age returns the current version
func (c *Core) Age() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.age
}

// UpdateValues merges partial into the tree and returns the diff, or nil
// when nothing changed. A non-empty diff bumps the age once and is folded
// into the pending update of every subscriber watching the changed paths.
func (c *Core) UpdateValues(partial tree.Node) tree.Node {
	c.mu.Lock()
	diff := tree.Merge(c.values, partial)
	if diff == nil {
		c.mu.Unlock()
		return nil
	}
	c.age++
	queued := false
	for sub, w := range c.watches {
		if f := w.Filter(diff); f != nil {
			c.pending[sub] = tree.Compose(c.pending[sub], f)
			queued = true
		}
	}
	owner := c.owner
	c.mu.Unlock()

	if queued && owner != nil {
		owner.UpdatesPending(c.id)
	}
	return diff
}

// GetValues returns the values at req.Path. ok is false when req.Age is
// already current.
func (c *Core) GetValues(req GetRequest) (GetResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Age != nil && *req.Age >= c.age {
		return GetResult{}, false
	}
	values := tree.Project(c.values, req.Path)
	if values == nil {
		values = tree.Branch{}
	}
	return GetResult{Age: c.age, Values: values}, true
}

// Values returns a copy of the whole tree
func (c *Core) Values() tree.Branch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return tree.Clone(c.values).(tree.Branch)
}

// Watch adds req.Path to the subscriber's watch tree. When the subscriber's
// age is unknown or older than the source, the whole request is seeded with
// current values, covered parts included. A current age seeds nothing.
func (c *Core) Watch(sub SubscriberID, req WatchRequest) {
	c.mu.Lock()
	w, ok := c.watches[sub]
	if !ok {
		w = tree.NewWatch()
	}
	w.Add(req.Path)
	if w.Empty() {
		c.mu.Unlock()
		return
	}
	c.watches[sub] = w

	var seed tree.Node
	if req.Age == nil || *req.Age < c.age {
		seed = tree.Project(c.values, req.Path)
	}
	queued := false
	if b, ok := seed.(tree.Branch); ok && len(b) > 0 {
		c.pending[sub] = tree.Compose(c.pending[sub], seed)
		queued = true
	}
	owner := c.owner
	c.mu.Unlock()

	if queued && owner != nil {
		owner.UpdatesPending(c.id)
	}
}

// Unwatch removes path from the subscriber's watch tree. Pending updates
// are trimmed to what is still watched.
func (c *Core) Unwatch(sub SubscriberID, path tree.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.watches[sub]
	if !ok {
		return
	}
	if w.Remove(path) {
		delete(c.watches, sub)
		delete(c.pending, sub)
		return
	}
	if p, ok := c.pending[sub]; ok {
		if f := w.Filter(p); f != nil {
			c.pending[sub] = f
		} else {
			delete(c.pending, sub)
		}
	}
}

// Watching returns a copy of the subscriber's watch tree, or nil.
func (c *Core) Watching(sub SubscriberID) *tree.Watch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watches[sub].Clone()
}

// Detach forgets everything about sub. Safe to call repeatedly.
func (c *Core) Detach(sub SubscriberID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.watches, sub)
	delete(c.pending, sub)
	for name, subs := range c.listeners {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(c.listeners, name)
		}
	}
}

// Listen registers sub for signal name
func (c *Core) Listen(sub SubscriberID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs, ok := c.listeners[name]
	if !ok {
		subs = make(map[SubscriberID]struct{})
		c.listeners[name] = subs
	}
	subs[sub] = struct{}{}
}

// Unlisten removes sub from signal name
func (c *Core) Unlisten(sub SubscriberID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if subs, ok := c.listeners[name]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(c.listeners, name)
		}
	}
}

// EmitSignal hands the signal to the owner once per listener, in
// subscriber order. Returns the number of listeners.
func (c *Core) EmitSignal(name string, params any) int {
	c.mu.Lock()
	subs := make([]SubscriberID, 0, len(c.listeners[name]))
	for sub := range c.listeners[name] {
		subs = append(subs, sub)
	}
	owner := c.owner
	c.mu.Unlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i] < subs[j] })
	if owner != nil {
		for _, sub := range subs {
			owner.DeliverSignal(sub, c.id, name, params)
		}
	}
	return len(subs)
}

// TakePending drains the pending updates of every subscriber and returns
// them with the age they bring the subscriber to.
func (c *Core) TakePending() (map[SubscriberID]tree.Node, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil, c.age
	}
	p := c.pending
	c.pending = make(map[SubscriberID]tree.Node)
	return p, c.age
}
