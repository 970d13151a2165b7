package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/c360/labctrl/errors"
	"github.com/c360/labctrl/source"
	"github.com/c360/labctrl/tree"
)

// Session is one client connection as seen by the dispatcher. Request
// methods return the reply payload; nil means an empty reply.
type Session struct {
	id       source.SubscriberID
	conn     Conn
	d        *Dispatcher
	detached atomic.Bool
}

// ID returns the subscriber id of the session
func (s *Session) ID() source.SubscriberID {
	return s.id
}

// Detached reports whether the session stopped receiving events
func (s *Session) Detached() bool {
	return s.detached.Load()
}

// Close detaches the session from every source. Idempotent.
func (s *Session) Close() {
	if s.detached.Swap(true) {
		return
	}
	s.d.sessions.Delete(s.id)
	s.d.detachAll(s.id)
	s.d.metrics.SetSessions(s.d.sessions.Size())
	s.d.logger.Debug("Session detached", "conn", s.conn.ID(), "subscriber", s.id)
}

// handle authorizes the session and runs fn, recording the outcome.
func (s *Session) handle(ctx context.Context, event string, fn func() any) any {
	if s.detached.Load() {
		return nil
	}
	start := time.Now()
	if !s.d.authorizer.Authorize(ctx, s.conn.AuthRequest()) {
		s.d.logger.Info("Request rejected", "conn", s.conn.ID(), "event", event)
		s.d.metrics.RecordAuthRejection()
		s.d.metrics.RecordRequest(event, "rejected", time.Since(start))
		s.Close()
		return nil
	}
	res := fn()
	s.d.metrics.RecordRequest(event, "ok", time.Since(start))
	return res
}

func (s *Session) lookup(event, id string) (source.Source, bool) {
	src, ok := s.d.sources.Load(id)
	if !ok {
		s.d.logger.Warn("Unknown source", "event", event, "source", id, "conn", s.conn.ID())
	}
	return src, ok
}

// Call invokes method name on source id.
func (s *Session) Call(ctx context.Context, id, name string, params json.RawMessage) any {
	return s.handle(ctx, "call", func() any {
		src, ok := s.lookup("call", id)
		if !ok {
			return nil
		}
		var res any
		_ = s.d.safely("call", id, func() error {
			r, err := src.CallMethod(ctx, name, params)
			if err == nil {
				res = r
			}
			return err
		})
		return res
	})
}

// Get returns {id: {age, values}} for every source whose age moved past
// the one given.
func (s *Session) Get(ctx context.Context, req map[string]PathRequest) any {
	return s.handle(ctx, "get", func() any {
		out := make(map[string]source.GetResult)
		for _, id := range sortedKeys(req) {
			src, ok := s.lookup("get", id)
			if !ok {
				continue
			}
			_ = s.d.safely("get", id, func() error {
				if res, changed := src.State().GetValues(req[id].getRequest()); changed {
					out[id] = res
				}
				return nil
			})
		}
		return out
	})
}

// Set writes values to every named source and returns the per-source
// results.
func (s *Session) Set(ctx context.Context, req map[string]tree.Node) any {
	return s.handle(ctx, "set", func() any {
		out := make(map[string]any)
		for _, id := range sortedKeys(req) {
			src, ok := s.lookup("set", id)
			if !ok {
				continue
			}
			_ = s.d.safely("set", id, func() error {
				if res, ok := src.SetValues(ctx, req[id]); ok {
					out[id] = res
				}
				return nil
			})
		}
		return out
	})
}

// Watch subscribes the session to the given paths.
func (s *Session) Watch(ctx context.Context, req map[string]PathRequest) any {
	return s.handle(ctx, "watch", func() any {
		for _, id := range sortedKeys(req) {
			src, ok := s.lookup("watch", id)
			if !ok {
				continue
			}
			_ = s.d.safely("watch", id, func() error {
				src.State().Watch(s.id, req[id].watchRequest())
				return nil
			})
		}
		return nil
	})
}

// Unwatch removes the given paths from the session's subscriptions.
func (s *Session) Unwatch(ctx context.Context, req map[string]PathRequest) any {
	return s.handle(ctx, "unwatch", func() any {
		for _, id := range sortedKeys(req) {
			src, ok := s.lookup("unwatch", id)
			if !ok {
				continue
			}
			_ = s.d.safely("unwatch", id, func() error {
				src.State().Unwatch(s.id, req[id].Path)
				return nil
			})
		}
		return nil
	})
}

// Listen subscribes the session to signal name of source id.
func (s *Session) Listen(ctx context.Context, id, name string) any {
	return s.handle(ctx, "listen", func() any {
		if src, ok := s.lookup("listen", id); ok {
			src.State().Listen(s.id, name)
		}
		return nil
	})
}

// Unlisten removes the session from signal name of source id.
func (s *Session) Unlisten(ctx context.Context, id, name string) any {
	return s.handle(ctx, "unlisten", func() any {
		if src, ok := s.lookup("unlisten", id); ok {
			src.State().Unlisten(s.id, name)
		}
		return nil
	})
}

// Dispatch decodes a request by event name and runs it. Unknown events
// and malformed payloads return an error and no reply.
func (s *Session) Dispatch(ctx context.Context, event string, payload json.RawMessage) (any, error) {
	switch event {
	case "call":
		var req struct {
			Src    string          `json:"src"`
			Name   string          `json:"name"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, decodeError(event, err)
		}
		return s.Call(ctx, req.Src, req.Name, req.Params), nil
	case "get", "watch", "unwatch":
		var req map[string]PathRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, decodeError(event, err)
		}
		switch event {
		case "get":
			return s.Get(ctx, req), nil
		case "watch":
			return s.Watch(ctx, req), nil
		default:
			return s.Unwatch(ctx, req), nil
		}
	case "set":
		var req map[string]json.RawMessage
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, decodeError(event, err)
		}
		values := make(map[string]tree.Node, len(req))
		for id, raw := range req {
			n, err := tree.Decode(raw)
			if err != nil {
				return nil, decodeError(event, err)
			}
			values[id] = n
		}
		return s.Set(ctx, values), nil
	case "listen", "unlisten":
		var req struct {
			Src  string `json:"src"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, decodeError(event, err)
		}
		if event == "listen" {
			return s.Listen(ctx, req.Src, req.Name), nil
		}
		return s.Unlisten(ctx, req.Src, req.Name), nil
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidParams, "Session", "Dispatch",
			fmt.Sprintf("route event %q", event))
	}
}

func decodeError(event string, err error) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidParams, err), "Session", "Dispatch",
		fmt.Sprintf("decode %s request", event))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
