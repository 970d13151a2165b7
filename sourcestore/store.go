package sourcestore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/c360/labctrl/errors"
)

// Entry is one configured source
type Entry struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Name    string          `json:"name"`
	Params  json.RawMessage `json:"params"`
	Created time.Time       `json:"created"`
}

// NewEntry creates an entry with a fresh id of the form "type-ulid"
func NewEntry(typ, name string, params json.RawMessage) Entry {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	return Entry{
		ID:      typ + "-" + strings.ToLower(ulid.Make().String()),
		Type:    typ,
		Name:    name,
		Params:  params,
		Created: time.Now().UTC(),
	}
}

// Store persists the source catalog. Names are unique across entries.
type Store interface {
	// List returns all entries ordered by id
	List(ctx context.Context) ([]Entry, error)
	// Get returns errors.ErrKeyNotFound for unknown ids
	Get(ctx context.Context, id string) (Entry, error)
	// Create fails with errors.ErrSourceExists when the id or name is taken
	Create(ctx context.Context, e Entry) error
	// Delete returns errors.ErrKeyNotFound for unknown ids
	Delete(ctx context.Context, id string) error
	// Subscribe registers fn to run after the catalog changed; the
	// returned func unregisters it.
	Subscribe(fn func()) (cancel func())
	Close() error
}

func validate(e Entry) error {
	if e.ID == "" || e.Type == "" || e.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidParams, "Store", "Create", "entry validation")
	}
	return nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}

// notifier fans change events out to subscribers
type notifier struct {
	mu   sync.Mutex
	next int
	subs map[int]func()
}

func (n *notifier) Subscribe(fn func()) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func())
	}
	id := n.next
	n.next++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

func (n *notifier) notify() {
	n.mu.Lock()
	fns := make([]func(), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
