// Package meta provides the source that describes the server itself: the
// list of configured sources and the add_source method that extends it.
package meta

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/labctrl/errors"
	"github.com/c360/labctrl/registry"
	"github.com/c360/labctrl/source"
	"github.com/c360/labctrl/sourcestore"
	"github.com/c360/labctrl/tree"
)

// ID is the id the meta source is registered under
const ID = "meta"

// Messages returned by add_source
const (
	MsgMissingParameter = "Missing required source parameter."
	MsgUnknownError     = "Unknown error."
)

// Launcher starts a freshly stored source, usually by building it through
// the registry and adding it to the dispatcher.
type Launcher func(ctx context.Context, e sourcestore.Entry) error

// Config configures the meta source
type Config struct {
	Store    sourcestore.Store
	Registry *registry.Registry
	Launch   Launcher // can be nil
	Logger   *slog.Logger
}

// Source is the meta source
type Source struct {
	*source.Core
	cfg    Config
	logger *slog.Logger

	refreshMu   sync.Mutex
	unsubscribe func()
}

// New creates the meta source, loads the current catalog and follows its
// changes until Close.
func New(ctx context.Context, cfg Config) (*Source, error) {
	if cfg.Store == nil || cfg.Registry == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "MetaSource", "New", "store and registry check")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{
		Core:   source.NewCore(ID, tree.Branch{"sources": tree.Branch{}}),
		cfg:    cfg,
		logger: logger.With("source", ID),
	}
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	s.unsubscribe = cfg.Store.Subscribe(func() {
		if err := s.Refresh(context.Background()); err != nil {
			s.logger.Warn("Failed to refresh source list", "error", err)
		}
	})
	return s, nil
}

// Refresh rereads the catalog. Sources that disappeared are removed from
// the published list.
func (s *Source) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	entries, err := s.cfg.Store.List(ctx)
	if err != nil {
		return errors.Wrap(err, "MetaSource", "Refresh", "list sources")
	}
	list := make(tree.Branch, len(entries))
	if cur, ok := tree.Lookup(s.Values(), "sources"); ok {
		if b, ok := cur.(tree.Branch); ok {
			for id := range b {
				list[id] = tree.Tombstone{}
			}
		}
	}
	for _, e := range entries {
		list[e.ID] = tree.Branch{
			"type": tree.Leaf{Value: e.Type},
			"name": tree.Leaf{Value: e.Name},
		}
	}
	s.UpdateValues(tree.Branch{"sources": list})
	return nil
}

// SetValues implements source.Source; the meta source is read only.
func (s *Source) SetValues(context.Context, tree.Node) (any, bool) {
	return false, true
}

type addSourceParams struct {
	Type   string          `json:"type"`
	Name   string          `json:"name"`
	Params json.RawMessage `json:"src_params"`
}

// errorReply is the add_source failure shape seen by clients
type errorReply struct {
	Error string `json:"error"`
}

// CallMethod implements source.Source. Unknown methods return nil.
func (s *Source) CallMethod(ctx context.Context, name string, params json.RawMessage) (any, error) {
	if name != "add_source" {
		return nil, nil
	}
	var p addSourceParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return errorReply{MsgMissingParameter}, nil
		}
	}
	return s.AddSource(ctx, p.Type, p.Name, p.Params), nil
}

// AddSource stores and launches a new source. It returns the new id or an
// errorReply.
func (s *Source) AddSource(ctx context.Context, typ, name string, params json.RawMessage) any {
	if typ == "" || name == "" || len(params) == 0 || string(params) == "null" {
		return errorReply{MsgMissingParameter}
	}
	if !s.cfg.Registry.Has(typ) {
		return errorReply{fmt.Sprintf("Unknown source type: %s", typ)}
	}
	if taken, err := s.nameTaken(ctx, name); err != nil {
		s.logger.Error("Failed to check source name", "name", name, "error", err)
		return errorReply{MsgUnknownError}
	} else if taken {
		return errorReply{fmt.Sprintf("Source name %s already exist.", name)}
	}
	if err := s.cfg.Registry.Validate(typ, params); err != nil {
		s.logger.Warn("Rejected source parameters", "type", typ, "name", name, "error", err)
		return errorReply{MsgUnknownError}
	}

	entry := sourcestore.NewEntry(typ, name, params)
	if err := s.cfg.Store.Create(ctx, entry); err != nil {
		if stderrors.Is(err, errors.ErrSourceExists) {
			return errorReply{fmt.Sprintf("Source name %s already exist.", name)}
		}
		s.logger.Error("Failed to store source", "type", typ, "name", name, "error", err)
		return errorReply{MsgUnknownError}
	}
	s.logger.Info("Source added", "id", entry.ID, "type", typ, "name", name)

	if s.cfg.Launch != nil {
		if err := s.cfg.Launch(ctx, entry); err != nil {
			s.logger.Error("Failed to start source", "id", entry.ID, "error", err)
		}
	}
	return entry.ID
}

func (s *Source) nameTaken(ctx context.Context, name string) (bool, error) {
	entries, err := s.cfg.Store.List(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// Close stops following the catalog
func (s *Source) Close() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	return nil
}

var _ source.Source = (*Source)(nil)
