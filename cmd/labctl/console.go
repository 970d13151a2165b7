package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/c360/labctrl/mirror"
	"github.com/c360/labctrl/mirror/wsclient"
	"github.com/c360/labctrl/tree"
)

const helpText = `Commands:
  sources                      list the configured sources
  get <src> [path]             read values (cached parts are served locally)
  ages <src> [path]            show the age each cached value is current at
  watch <src> [path]           print changes as they arrive
  unwatch <src> [path]         stop printing changes
  set <src> <json>             write values, e.g. set demo {"freq1": 10}
  call <src> <method> [json]   invoke a method
  listen <src> <signal>        print a signal when it fires
  unlisten <src> <signal>      stop printing a signal
  add <type> <name> [json]     add a source through the meta source
  exit | quit

A path is either JSON ({"ttl": {"val": true}}) or comma separated dotted
keys (ttl.val,freq1). No path means everything.
`

// console runs the commands typed at the prompt
type console struct {
	client *wsclient.Client
	mirror *mirror.Mirror

	outMu sync.Mutex
	out   io.Writer

	subsMu sync.Mutex
	subs   map[string]*mirror.Subscription
}

func newConsole(client *wsclient.Client, m *mirror.Mirror, out io.Writer) *console {
	c := &console{
		client: client,
		mirror: m,
		out:    out,
		subs:   make(map[string]*mirror.Subscription),
	}
	client.OnSignal(func(sig wsclient.Signal) {
		c.printf("signal %s.%s %s\n", sig.ID, sig.Name, string(sig.Params))
	})
	return c
}

func (c *console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

// exec runs one command line. It returns io.EOF for exit.
func (c *console) exec(ctx context.Context, line string) error {
	cmd, rest := splitWord(strings.TrimSpace(line))
	switch cmd {
	case "":
		return nil
	case "help", "?":
		c.printf("%s", helpText)
		return nil
	case "exit", "quit":
		return io.EOF
	case "sources":
		return c.sources(ctx)
	case "get", "ages", "watch", "unwatch":
		src, arg := splitWord(rest)
		if src == "" {
			return fmt.Errorf("usage: %s <src> [path]", cmd)
		}
		path, err := parsePath(arg)
		if err != nil {
			return err
		}
		switch cmd {
		case "get":
			return c.get(ctx, src, path)
		case "ages":
			c.printNode(src, c.mirror.Ages(map[string]tree.Node{src: path})[src])
			return nil
		case "watch":
			return c.watch(ctx, src, path)
		default:
			return c.unwatch(ctx, src, path)
		}
	case "set":
		src, arg := splitWord(rest)
		if src == "" || arg == "" {
			return fmt.Errorf("usage: set <src> <json>")
		}
		var values any
		if err := json.Unmarshal([]byte(arg), &values); err != nil {
			return fmt.Errorf("values: %w", err)
		}
		res, err := c.client.Set(ctx, map[string]any{src: values})
		if err != nil {
			return err
		}
		c.printf("%s\n", orNothing(res[src]))
		return nil
	case "call":
		src, rest := splitWord(rest)
		name, arg := splitWord(rest)
		if src == "" || name == "" {
			return fmt.Errorf("usage: call <src> <method> [json]")
		}
		var params any
		if arg != "" {
			if err := json.Unmarshal([]byte(arg), &params); err != nil {
				return fmt.Errorf("params: %w", err)
			}
		}
		res, err := c.client.Call(ctx, src, name, params)
		if err != nil {
			return err
		}
		c.printf("%s\n", orNothing(res))
		return nil
	case "add":
		typ, rest := splitWord(rest)
		name, arg := splitWord(rest)
		if typ == "" || name == "" {
			return fmt.Errorf("usage: add <type> <name> [json]")
		}
		params := json.RawMessage(`{}`)
		if arg != "" {
			params = json.RawMessage(arg)
			if !json.Valid(params) {
				return fmt.Errorf("params: invalid JSON")
			}
		}
		res, err := c.client.Call(ctx, "meta", "add_source",
			map[string]any{"type": typ, "name": name, "src_params": params})
		if err != nil {
			return err
		}
		c.printf("%s\n", orNothing(res))
		return nil
	case "listen", "unlisten":
		src, name := splitWord(rest)
		if src == "" || name == "" {
			return fmt.Errorf("usage: %s <src> <signal>", cmd)
		}
		if cmd == "listen" {
			return c.client.Listen(ctx, src, name)
		}
		return c.client.Unlisten(ctx, src, name)
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
}

func (c *console) sources(ctx context.Context) error {
	res, err := c.mirror.Get(ctx, map[string]tree.Node{"meta": tree.Branch{"sources": tree.Leaf{Value: true}}})
	if err != nil {
		return err
	}
	list, _ := tree.Lookup(res["meta"], "sources")
	b, _ := list.(tree.Branch)
	if len(b) == 0 {
		c.printf("no sources\n")
		return nil
	}
	for _, id := range b.Keys() {
		typ, _ := tree.Lookup(b[id], "type")
		name, _ := tree.Lookup(b[id], "name")
		c.printf("%-32s %-8v %v\n", id, tree.ToAny(typ), tree.ToAny(name))
	}
	return nil
}

func (c *console) get(ctx context.Context, src string, path tree.Node) error {
	res, err := c.mirror.Get(ctx, map[string]tree.Node{src: path})
	if err != nil {
		return err
	}
	v, ok := res[src]
	if !ok {
		c.printf("%s: nothing\n", src)
		return nil
	}
	c.printNode(src, v)
	return nil
}

// watch keeps one subscription per source; watching more of a source
// replaces it with one covering the union.
func (c *console) watch(ctx context.Context, src string, path tree.Node) error {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	if old, ok := c.subs[src]; ok {
		if cur := c.mirror.Watching(src); cur != nil {
			w := tree.NewWatch()
			w.Add(cur)
			w.Add(path)
			path = w.Path()
		}
		if err := c.mirror.Unwatch(ctx, old, nil); err != nil {
			return err
		}
		delete(c.subs, src)
	}
	sub, err := c.mirror.Watch(ctx, map[string]tree.Node{src: path}, func(src string, values tree.Node) {
		c.printNode(src, values)
	})
	if err != nil {
		return err
	}
	c.subs[src] = sub
	return nil
}

func (c *console) unwatch(ctx context.Context, src string, path tree.Node) error {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	sub, ok := c.subs[src]
	if !ok {
		return fmt.Errorf("%s is not watched", src)
	}
	if err := c.mirror.Unwatch(ctx, sub, map[string]tree.Node{src: path}); err != nil {
		return err
	}
	if c.mirror.Watching(src) == nil {
		delete(c.subs, src)
	}
	return nil
}

// printNode prints scalar values as flat "src.key.sub = value" lines.
func (c *console) printNode(src string, n tree.Node) {
	var lines []string
	var walk func(prefix string, n tree.Node)
	walk = func(prefix string, n tree.Node) {
		switch v := n.(type) {
		case tree.Branch:
			for _, k := range v.Keys() {
				walk(prefix+"."+k, v[k])
			}
		case tree.Leaf:
			out, _ := json.Marshal(v.Value)
			lines = append(lines, prefix+" = "+string(out))
		case tree.Tombstone:
			lines = append(lines, prefix+" removed")
		}
	}
	walk(src, n)
	sort.Strings(lines)
	c.printf("%s\n", strings.Join(lines, "\n"))
}

// close drops every subscription
func (c *console) close(ctx context.Context) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for src, sub := range c.subs {
		_ = c.mirror.Unwatch(ctx, sub, nil)
		delete(c.subs, src)
	}
}

// parsePath reads a JSON path tree or a comma separated list of dotted
// keys. An empty argument selects everything.
func parsePath(arg string) (tree.Node, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return tree.Leaf{Value: true}, nil
	}
	if strings.HasPrefix(arg, "{") {
		n, err := tree.Decode([]byte(arg))
		if err != nil {
			return nil, fmt.Errorf("path: %w", err)
		}
		return n, nil
	}

	w := tree.NewWatch()
	for _, item := range strings.Split(arg, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		keys := strings.Split(item, ".")
		var n tree.Node = tree.Leaf{Value: true}
		for i := len(keys) - 1; i >= 0; i-- {
			if keys[i] == "" {
				return nil, fmt.Errorf("path: empty key in %q", item)
			}
			n = tree.Branch{keys[i]: n}
		}
		w.Add(n)
	}
	if w.Empty() {
		return tree.Leaf{Value: true}, nil
	}
	return w.Path(), nil
}

func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

func orNothing(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "(no reply)"
	}
	return string(raw)
}
