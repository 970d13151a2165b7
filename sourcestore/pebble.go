package sourcestore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/c360/labctrl/errors"
)

// Key prefixes. Entries live under 'E', the name index under 'N'.
const (
	entryPrefix = 'E'
	namePrefix  = 'N'
)

// PebbleStore keeps the catalog in an embedded Pebble database
type PebbleStore struct {
	notifier
	db     *pebble.DB
	logger *slog.Logger
	// serializes the name check with the write
	mu sync.Mutex
}

// OpenPebble opens or creates the database at path. An empty path opens
// an in-memory database.
func OpenPebble(path string, logger *slog.Logger) (*PebbleStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := &pebble.Options{}
	if path == "" {
		opts.FS = vfs.NewMem()
		path = "catalog"
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.WrapFatal(err, "PebbleStore", "OpenPebble", "open "+path)
	}
	return &PebbleStore{db: db, logger: logger.With("component", "sourcestore", "backend", "pebble")}, nil
}

func entryKey(id string) []byte {
	return append([]byte{entryPrefix}, id...)
}

func nameKey(name string) []byte {
	return append([]byte{namePrefix}, name...)
}

func (p *PebbleStore) has(key []byte) (bool, error) {
	_, closer, err := p.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, closer.Close()
}

// List implements Store
func (p *PebbleStore) List(context.Context) ([]Entry, error) {
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{entryPrefix},
		UpperBound: []byte{entryPrefix + 1},
	})
	if err != nil {
		return nil, errors.Wrap(err, "PebbleStore", "List", "open iterator")
	}
	defer it.Close()

	var out []Entry
	for it.First(); it.Valid(); it.Next() {
		var e Entry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			p.logger.Warn("Skipping corrupt catalog entry", "key", string(it.Key()[1:]), "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, it.Error()
}

// Get implements Store
func (p *PebbleStore) Get(_ context.Context, id string) (Entry, error) {
	val, closer, err := p.db.Get(entryKey(id))
	if err == pebble.ErrNotFound {
		return Entry{}, errors.ErrKeyNotFound
	}
	if err != nil {
		return Entry{}, errors.Wrap(err, "PebbleStore", "Get", "read "+id)
	}
	defer closer.Close()
	var e Entry
	if err := json.Unmarshal(val, &e); err != nil {
		return Entry{}, errors.Wrap(err, "PebbleStore", "Get", "decode "+id)
	}
	return e, nil
}

// Create implements Store
func (p *PebbleStore) Create(_ context.Context, e Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return errors.WrapInvalid(err, "PebbleStore", "Create", "encode entry")
	}

	if err := p.create(e.ID, e.Name, data); err != nil {
		return err
	}
	p.notify()
	return nil
}

func (p *PebbleStore) create(id, name string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range [][]byte{entryKey(id), nameKey(name)} {
		taken, err := p.has(key)
		if err != nil {
			return errors.Wrap(err, "PebbleStore", "Create", "check uniqueness")
		}
		if taken {
			return errors.ErrSourceExists
		}
	}
	return p.commit("Create", func(b *pebble.Batch) error {
		if err := b.Set(entryKey(id), data, nil); err != nil {
			return err
		}
		return b.Set(nameKey(name), []byte(id), nil)
	})
}

// Delete implements Store
func (p *PebbleStore) Delete(ctx context.Context, id string) error {
	if err := p.delete(ctx, id); err != nil {
		return err
	}
	p.notify()
	return nil
}

func (p *PebbleStore) delete(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	return p.commit("Delete", func(b *pebble.Batch) error {
		if err := b.Delete(entryKey(id), nil); err != nil {
			return err
		}
		return b.Delete(nameKey(e.Name), nil)
	})
}

// commit applies fill to a fresh batch and writes it synchronously.
func (p *PebbleStore) commit(method string, fill func(b *pebble.Batch) error) error {
	b := p.db.NewBatch()
	defer b.Close()
	if err := fill(b); err != nil {
		return errors.Wrap(err, "PebbleStore", method, "fill batch")
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "PebbleStore", method, "commit")
	}
	return nil
}

// Close implements Store
func (p *PebbleStore) Close() error {
	return p.db.Close()
}

var _ Store = (*PebbleStore)(nil)
