// Package settings is the key/value record through which table handles are
// persisted and restored.
package settings

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
)

var ErrInvalidSettings = errors.New("settings: invalid settings")

// InvalidError reports a missing or malformed entry. Err, if set, is the
// underlying cause such as an unknown table handle.
type InvalidError struct {
	Key    string
	Reason string
	Err    error
}

func (e *InvalidError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("settings: key %q: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("settings: key %q: %s", e.Key, e.Reason)
}

func (e *InvalidError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidSettings}
	}
	return []error{ErrInvalidSettings, e.Err}
}

// Writer is the sink side of a settings record.
type Writer interface {
	AddInt(key string, v int)
	AddInt64(key string, v int64)
	AddString(key, v string)
	AddBool(key string, v bool)
	// AddSettings adds a nested record and returns it for writing.
	AddSettings(key string) Writer
}

// Reader is the source side of a settings record.
type Reader interface {
	GetInt(key string) (int, error)
	GetInt64(key string) (int64, error)
	GetString(key string) (string, error)
	GetBool(key string) (bool, error)
	GetSettings(key string) (Reader, error)
	ContainsKey(key string) bool
	Keys() []string
}

// Node is an in-memory settings record. Each key holds exactly one value.
type Node struct {
	Ints    map[string]int64  `msgpack:"i,omitempty"`
	Strings map[string]string `msgpack:"s,omitempty"`
	Bools   map[string]bool   `msgpack:"b,omitempty"`
	Nodes   map[string]*Node  `msgpack:"n,omitempty"`
}

var (
	_ Writer = (*Node)(nil)
	_ Reader = (*Node)(nil)
)

func NewNode() *Node { return &Node{} }

func (n *Node) forget(key string) {
	delete(n.Ints, key)
	delete(n.Strings, key)
	delete(n.Bools, key)
	delete(n.Nodes, key)
}

func (n *Node) AddInt(key string, v int) { n.AddInt64(key, int64(v)) }

func (n *Node) AddInt64(key string, v int64) {
	n.forget(key)
	if n.Ints == nil {
		n.Ints = make(map[string]int64)
	}
	n.Ints[key] = v
}

func (n *Node) AddString(key, v string) {
	n.forget(key)
	if n.Strings == nil {
		n.Strings = make(map[string]string)
	}
	n.Strings[key] = v
}

func (n *Node) AddBool(key string, v bool) {
	n.forget(key)
	if n.Bools == nil {
		n.Bools = make(map[string]bool)
	}
	n.Bools[key] = v
}

func (n *Node) AddSettings(key string) Writer {
	n.forget(key)
	if n.Nodes == nil {
		n.Nodes = make(map[string]*Node)
	}
	child := NewNode()
	n.Nodes[key] = child
	return child
}

func (n *Node) missing(key, want string) error {
	if n.ContainsKey(key) {
		return &InvalidError{Key: key, Reason: "not a " + want}
	}
	return &InvalidError{Key: key, Reason: "missing"}
}

func (n *Node) GetInt64(key string) (int64, error) {
	v, ok := n.Ints[key]
	if !ok {
		return 0, n.missing(key, "number")
	}
	return v, nil
}

func (n *Node) GetInt(key string) (int, error) {
	v, err := n.GetInt64(key)
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt || v < math.MinInt {
		return 0, &InvalidError{Key: key, Reason: fmt.Sprintf("%d out of int range", v)}
	}
	return int(v), nil
}

func (n *Node) GetString(key string) (string, error) {
	v, ok := n.Strings[key]
	if !ok {
		return "", n.missing(key, "string")
	}
	return v, nil
}

func (n *Node) GetBool(key string) (bool, error) {
	v, ok := n.Bools[key]
	if !ok {
		return false, n.missing(key, "bool")
	}
	return v, nil
}

func (n *Node) GetSettings(key string) (Reader, error) {
	v, ok := n.Nodes[key]
	if !ok || v == nil {
		return nil, n.missing(key, "settings record")
	}
	return v, nil
}

func (n *Node) ContainsKey(key string) bool {
	_, i := n.Ints[key]
	_, s := n.Strings[key]
	_, b := n.Bools[key]
	_, c := n.Nodes[key]
	return i || s || b || c
}

// Keys lists every key in sorted order.
func (n *Node) Keys() []string {
	keys := slices.Collect(maps.Keys(n.Ints))
	keys = slices.AppendSeq(keys, maps.Keys(n.Strings))
	keys = slices.AppendSeq(keys, maps.Keys(n.Bools))
	keys = slices.AppendSeq(keys, maps.Keys(n.Nodes))
	slices.Sort(keys)
	return keys
}

// Encode serializes n as MessagePack.
func (n *Node) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}
	return data, nil
}

// Decode parses a record produced by Encode.
func Decode(data []byte) (*Node, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty record", ErrInvalidSettings)
	}
	n := NewNode()
	if err := msgpack.Unmarshal(data, n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return n, nil
}
