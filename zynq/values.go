package zynq

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/c360/labctrl/tree"
)

var (
	ttlKey     = regexp.MustCompile(`^(val|ovr|name)([0-9]+)$`)
	ddsValKey  = regexp.MustCompile(`^(freq|amp|phase)([0-9]+)$`)
	ddsOvrKey  = regexp.MustCompile(`^ovr_(freq|amp|phase)([0-9]+)$`)
	ddsNameKey = regexp.MustCompile(`^name([0-9]+)$`)
)

func leaf(v any) tree.Leaf {
	return tree.Leaf{Value: v}
}

// channel parses a decimal channel index below limit
func channel(s string, limit int) (int, bool) {
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 || i >= limit {
		return 0, false
	}
	return i, true
}

func ddsKind(s string) DDSKind {
	switch s {
	case "amp":
		return DDSAmp
	case "phase":
		return DDSPhase
	}
	return DDSFreq
}

// truthy follows JSON truthiness: false, 0, "" and null are false.
func truthy(n tree.Node) bool {
	l, ok := n.(tree.Leaf)
	if !ok {
		return n != nil && !isTombstone(n)
	}
	switch v := l.Value.(type) {
	case bool:
		return v
	case float64:
		return v != 0 && !math.IsNaN(v)
	case string:
		return v != ""
	case nil:
		return false
	}
	return true
}

func isTombstone(n tree.Node) bool {
	_, ok := n.(tree.Tombstone)
	return ok
}

// number converts a numeric or numeric-string leaf
func number(n tree.Node) (float64, bool) {
	l, ok := n.(tree.Leaf)
	if !ok {
		return 0, false
	}
	switch v := l.Value.(type) {
	case float64:
		return v, !math.IsNaN(v)
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil && !math.IsNaN(f)
	}
	return 0, false
}

func text(n tree.Node) string {
	l, ok := n.(tree.Leaf)
	if !ok {
		return ""
	}
	switch v := l.Value.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return fmt.Sprint(l.Value)
}

func sortNames(names []ChannelName) {
	sort.Slice(names, func(i, j int) bool { return names[i].Chn < names[j].Chn })
}

// initialValues is the tree of a driver that has not heard from the device.
func initialValues() tree.Branch {
	ttl := make(tree.Branch, NumTTL*3)
	for i := 0; i < NumTTL; i++ {
		ttl[fmt.Sprintf("val%d", i)] = leaf(false)
		ttl[fmt.Sprintf("ovr%d", i)] = leaf(false)
		ttl[fmt.Sprintf("name%d", i)] = leaf("")
	}
	dds := make(tree.Branch, NumDDS*4)
	for i := 0; i < NumDDS; i++ {
		for _, kind := range ddsKindNames {
			dds[fmt.Sprintf("ovr_%s%d", kind, i)] = leaf(false)
		}
		dds[fmt.Sprintf("name%d", i)] = leaf("")
	}
	return tree.Branch{
		"connected": leaf(false),
		"running":   leaf(false),
		"clock":     leaf(float64(ClockOff)),
		"ttl":       ttl,
		"dds":       dds,
	}
}

// reconcileValues merges the replies of a state resync into one update.
// Override masks win over the plain TTL word and DDS overrides win over
// plain DDS values. DDS values the device did not report are removed.
func reconcileValues(clock uint8, ovrLo, ovrHi, ttlWord uint32, dds, ddsOvr []DDSValue) tree.Branch {
	ttl := make(tree.Branch, NumTTL*2)
	for i := 0; i < NumTTL; i++ {
		mask := uint32(1) << i
		val, ovr := fmt.Sprintf("val%d", i), fmt.Sprintf("ovr%d", i)
		switch {
		case ovrHi&mask != 0:
			ttl[val], ttl[ovr] = leaf(true), leaf(true)
		case ovrLo&mask != 0:
			ttl[val], ttl[ovr] = leaf(false), leaf(true)
		default:
			ttl[val], ttl[ovr] = leaf(ttlWord&mask != 0), leaf(false)
		}
	}

	out := make(tree.Branch, NumDDS*6)
	for i := 0; i < NumDDS; i++ {
		for _, kind := range ddsKindNames {
			name := fmt.Sprintf("%s%d", kind, i)
			out[name] = tree.Tombstone{}
			out["ovr_"+name] = leaf(false)
		}
	}
	for _, v := range dds {
		if name, ok := ddsName(v.ID); ok {
			out[name] = leaf(float64(v.Value))
		}
	}
	for _, v := range ddsOvr {
		if name, ok := ddsName(v.ID); ok {
			out[name] = leaf(float64(v.Value))
			out["ovr_"+name] = leaf(true)
		}
	}

	return tree.Branch{
		"clock": leaf(float64(clock)),
		"ttl":   ttl,
		"dds":   out,
	}
}

// reconcileNames builds the name update; unlisted channels are unnamed.
func reconcileNames(ttlNames, ddsNames []ChannelName) tree.Branch {
	ttl := make(tree.Branch, NumTTL)
	for i := 0; i < NumTTL; i++ {
		ttl[fmt.Sprintf("name%d", i)] = leaf("")
	}
	for _, n := range ttlNames {
		if int(n.Chn) < NumTTL {
			ttl[fmt.Sprintf("name%d", n.Chn)] = leaf(n.Name)
		}
	}
	dds := make(tree.Branch, NumDDS)
	for i := 0; i < NumDDS; i++ {
		dds[fmt.Sprintf("name%d", i)] = leaf("")
	}
	for _, n := range ddsNames {
		if int(n.Chn) < NumDDS {
			dds[fmt.Sprintf("name%d", n.Chn)] = leaf(n.Name)
		}
	}
	return tree.Branch{"ttl": ttl, "dds": dds}
}

func ddsName(id uint8) (string, bool) {
	kind, chn := SplitDDSID(id)
	if int(kind) >= len(ddsKindNames) || chn >= NumDDS {
		return "", false
	}
	return fmt.Sprintf("%s%d", kind, chn), true
}
