package sourcestore

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/labctrl/errors"
	"github.com/c360/labctrl/natsclient"
)

// Key layout in the bucket. Ids and names are base64url encoded since KV
// keys only allow a small character set.
const (
	kvEntryPrefix = "source."
	kvNamePrefix  = "name."
)

// KVStore keeps the catalog in a NATS JetStream key-value bucket. Changes
// made by other servers sharing the bucket reach subscribers too.
type KVStore struct {
	notifier
	kv      *natsclient.KVStore
	logger  *slog.Logger
	watcher jetstream.KeyWatcher
	ctx     context.Context
	cancel  context.CancelFunc
}

// OpenKV creates or opens bucket on a connected client and starts watching
// it for changes.
func OpenKV(ctx context.Context, client *natsclient.Client, bucket string, logger *slog.Logger) (*KVStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "labctrl source catalog",
		History:     5,
	})
	if err != nil {
		return nil, errors.Wrap(err, "KVStore", "OpenKV", "open bucket")
	}
	s := &KVStore{
		kv:     client.NewKVStore(b),
		logger: logger.With("component", "sourcestore", "backend", "nats", "bucket", bucket),
	}

	wctx, cancel := context.WithCancel(context.Background())
	w, err := s.kv.Watch(wctx, kvEntryPrefix+">")
	if err != nil {
		cancel()
		return nil, err
	}
	s.watcher = w
	s.ctx = wctx
	s.cancel = cancel
	go s.watch()
	return s, nil
}

func encodeKey(prefix, s string) string {
	return prefix + base64.RawURLEncoding.EncodeToString([]byte(s))
}

// watch notifies subscribers of every change after the initial replay,
// which ends with a nil entry.
func (s *KVStore) watch() {
	replayed := false
	updates := s.watcher.Updates()
	for {
		select {
		case <-s.ctx.Done():
			return
		case entry, ok := <-updates:
			if !ok {
				return
			}
			if entry == nil {
				replayed = true
				continue
			}
			if replayed {
				s.notify()
			}
		}
	}
}

// List implements Store
func (s *KVStore) List(ctx context.Context) ([]Entry, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, key := range keys {
		if !strings.HasPrefix(key, kvEntryPrefix) {
			continue
		}
		e, err := s.read(ctx, key)
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (s *KVStore) read(ctx context.Context, key string) (Entry, error) {
	kve, err := s.kv.Get(ctx, key)
	if natsclient.IsKVNotFoundError(err) {
		return Entry{}, errors.ErrKeyNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(kve.Value, &e); err != nil {
		return Entry{}, errors.Wrap(err, "KVStore", "read", "decode "+key)
	}
	return e, nil
}

// Get implements Store
func (s *KVStore) Get(ctx context.Context, id string) (Entry, error) {
	return s.read(ctx, encodeKey(kvEntryPrefix, id))
}

// Create implements Store. The name key is claimed first so two servers
// cannot register the same name.
func (s *KVStore) Create(ctx context.Context, e Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return errors.WrapInvalid(err, "KVStore", "Create", "encode entry")
	}

	nk := encodeKey(kvNamePrefix, e.Name)
	if _, err := s.kv.Create(ctx, nk, []byte(e.ID)); err != nil {
		if natsclient.IsKVConflictError(err) {
			return errors.ErrSourceExists
		}
		return err
	}
	if _, err := s.kv.Create(ctx, encodeKey(kvEntryPrefix, e.ID), data); err != nil {
		if derr := s.kv.Delete(ctx, nk); derr != nil {
			s.logger.Warn("Failed to release name after failed create", "name", e.Name, "error", derr)
		}
		if natsclient.IsKVConflictError(err) {
			return errors.ErrSourceExists
		}
		return err
	}
	return nil
}

// Delete implements Store
func (s *KVStore) Delete(ctx context.Context, id string) error {
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, encodeKey(kvEntryPrefix, id)); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, encodeKey(kvNamePrefix, e.Name)); err != nil && !natsclient.IsKVNotFoundError(err) {
		s.logger.Warn("Failed to release name", "name", e.Name, "error", err)
	}
	return nil
}

// Close stops the watcher. The client is owned by the caller.
func (s *KVStore) Close() error {
	err := s.watcher.Stop()
	s.cancel()
	return err
}

var _ Store = (*KVStore)(nil)
