// Package config is the narrow boundary between the supervisor and the
// out-of-scope configuration-tree store: the core only reads app/process
// definitions from it. Reads are short "transactions" that must not be
// held across an event-loop suspension point.
package config

import "fmt"

// Tree is implemented by the (external, out of scope) config-tree daemon
// client. StaticTree below is the only in-tree implementation, used for
// tests and for driving the supervisor from a bundled defaults file.
type Tree interface {
	// Txn opens a read transaction rooted at path and returns a Reader
	// scoped to it. The caller must Close the Reader before the next
	// suspension point.
	Txn(path string) (Reader, error)
}

// Reader is a single config-tree read transaction.
type Reader interface {
	// String returns the string value at the relative path, or def if the
	// node is missing or empty, falling back to a documented default
	// where one exists.
	String(path, def string) string
	// Int returns the integer value at path, or def if missing/invalid.
	Int(path string, def int) int
	// Bool returns the boolean value at path, or def if missing.
	Bool(path string, def bool) bool
	// Exists reports whether path has any value at all.
	Exists(path string) bool
	// Children lists the immediate child node names under path.
	Children(path string) []string
	Close() error
}

// StaticTree is an in-memory config.Tree backed by a nested map, standing
// in for the real config-tree daemon in tests and for bundled defaults.
type StaticTree struct {
	root map[string]any
}

// NewStaticTree builds a StaticTree from a nested map[string]any, where
// intermediate nodes are themselves map[string]any.
func NewStaticTree(root map[string]any) *StaticTree {
	if root == nil {
		root = map[string]any{}
	}
	return &StaticTree{root: root}
}

func (t *StaticTree) Txn(path string) (Reader, error) {
	node, ok := lookup(t.root, path)
	if !ok {
		node = map[string]any{}
	}
	m, ok := node.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("config: %q is a leaf, not a node", path)
	}
	return &staticReader{node: m}, nil
}

type staticReader struct {
	node map[string]any
}

func (r *staticReader) String(path, def string) string {
	v, ok := lookup(r.node, path)
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return def
	}
	return s
}

func (r *staticReader) Int(path string, def int) int {
	v, ok := lookup(r.node, path)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

func (r *staticReader) Bool(path string, def bool) bool {
	v, ok := lookup(r.node, path)
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func (r *staticReader) Exists(path string) bool {
	_, ok := lookup(r.node, path)
	return ok
}

func (r *staticReader) Children(path string) []string {
	v, ok := lookup(r.node, path)
	if !ok {
		v = r.node
		if path != "" && path != "/" {
			return nil
		}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	return names
}

func (r *staticReader) Close() error { return nil }

func lookup(root map[string]any, path string) (any, bool) {
	if path == "" || path == "/" {
		return root, true
	}
	cur := any(root)
	for _, part := range splitPath(path) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				parts = append(parts, path[start:i])
			}
			start = i + 1
		}
	}
	return parts
}
