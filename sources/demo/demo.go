// Package demo provides a source with a handful of simulated channels. It
// needs no hardware and is used to try out clients.
package demo

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/c360/labctrl/registry"
	"github.com/c360/labctrl/source"
	"github.com/c360/labctrl/tree"
)

// TypeName is the registry name of the demo source
const TypeName = "demo"

var boolFields = []string{"bool1", "ovr_bool1", "bool2", "ovr_freq1", "ovr_amp1", "ovr_volt1"}

var nameFields = []string{"name_bool1", "name_rf1", "name_volt1", "name_bool2", "name_rf2", "name_volt2"}

// valueRange clamps to [min, max] and rounds to a multiple of step.
type valueRange struct {
	min, max, step float64
}

func (r valueRange) apply(v float64) float64 {
	v = math.Max(r.min, math.Min(r.max, v))
	return r.step * math.Round(v/r.step)
}

var valueRanges = map[string]valueRange{
	"freq1": {0, 1 << 31, 1},
	"freq2": {0, 1 << 31, 1},
	"amp1":  {0, 1, 1.0 / (1 << 16)},
	"amp2":  {0, 1, 1.0 / (1 << 16)},
	"volt1": {-10, 10, 20.0 / (1 << 16)},
	"volt2": {-10, 10, 20.0 / (1 << 16)},
}

// Source is the demo source
type Source struct {
	*source.Core
	logger *slog.Logger
}

// New creates a demo source with every channel off.
func New(id string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	init := make(tree.Branch)
	for _, f := range boolFields {
		init[f] = tree.Leaf{Value: false}
	}
	for f := range valueRanges {
		init[f] = tree.Leaf{Value: 0.0}
	}
	for _, f := range nameFields {
		_, label, _ := strings.Cut(f, "_")
		init[f] = tree.Leaf{Value: label}
	}
	return &Source{
		Core:   source.NewCore(id, init),
		logger: logger.With("source", id),
	}
}

// SetValues accepts booleans, ranged numbers and names. Unknown keys and
// non-numeric values for ranged channels are ignored.
func (s *Source) SetValues(_ context.Context, params tree.Node) (any, bool) {
	raw, ok := params.(tree.Branch)
	if !ok {
		return false, true
	}
	updates := make(tree.Branch)
	for _, f := range boolFields {
		if n, ok := raw[f]; ok {
			updates[f] = tree.Leaf{Value: truthy(n)}
		}
	}
	for f, rng := range valueRanges {
		if v, ok := number(raw[f]); ok {
			updates[f] = tree.Leaf{Value: rng.apply(v)}
		}
	}
	for _, f := range nameFields {
		if l, ok := raw[f].(tree.Leaf); ok {
			updates[f] = l
		}
	}
	s.logger.Debug("Demo values set", "count", len(updates))
	s.UpdateValues(updates)
	return true, true
}

// CallMethod implements source.Source; the demo source has no methods.
func (s *Source) CallMethod(context.Context, string, json.RawMessage) (any, error) {
	return nil, nil
}

// Close implements source.Source
func (s *Source) Close() error {
	return nil
}

func truthy(n tree.Node) bool {
	switch v := n.(type) {
	case tree.Leaf:
		switch x := v.Value.(type) {
		case bool:
			return x
		case float64:
			return x != 0 && !math.IsNaN(x)
		case string:
			return x != ""
		case nil:
			return false
		}
		return true
	case tree.Branch:
		return true
	}
	return false
}

func number(n tree.Node) (float64, bool) {
	l, ok := n.(tree.Leaf)
	if !ok {
		return 0, false
	}
	var f float64
	switch v := l.Value.(type) {
	case float64:
		f = v
	case bool:
		if v {
			f = 1
		}
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(v), 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	return f, !math.IsNaN(f)
}

// Register adds the demo type to reg
func Register(reg *registry.Registry) error {
	return reg.Register(registry.Registration{
		Type:        TypeName,
		Description: "Simulated channels for trying out clients",
		Schema:      json.RawMessage(`{"type": "object", "additionalProperties": false}`),
		Factory: func(id string, _ json.RawMessage, deps registry.Dependencies) (source.Source, error) {
			return New(id, deps.LoggerFor(TypeName)), nil
		},
	})
}

var _ source.Source = (*Source)(nil)
