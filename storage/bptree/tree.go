// Package bptree implements the in-memory B+ tree used as horadrim's
// per-type primary-key index, plus the flat on-disk format it is rebuilt
// from on every command that needs it and written back to on record
// insert and delete.
package bptree

import (
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// order is the tree's leaf/interior fan-out: a node splits once it holds
// order keys.
const order = 4

// KeyType selects how keys compare: lexicographically for str, numerically
// for int.
type KeyType string

const (
	KeyTypeStr KeyType = "str"
	KeyTypeInt KeyType = "int"
)

// ErrBadCondition is returned by Match for a condition string that isn't
// one of =v, <v, >v.
var ErrBadCondition = errors.New("bptree: condition must start with =, < or >")

type node struct {
	leaf     bool
	keys     []string
	children []*node   // interior only, len(children) == len(keys)+1
	values   [][]string // leaf only, parallel to keys
}

// Tree is a classical B+ tree over string keys, with a side list of all
// keys kept in sorted order to service ordered iteration and range
// filtering without walking leaf chains.
type Tree struct {
	root       *node
	keyType    KeyType
	sortedKeys []string
}

// NewTree returns an empty tree comparing keys as keyType.
func NewTree(keyType KeyType) *Tree {
	if keyType == "" {
		keyType = KeyTypeStr
	}
	return &Tree{keyType: keyType}
}

func (t *Tree) less(a, b string) bool {
	if t.keyType == KeyTypeInt {
		av, aerr := strconv.ParseInt(a, 10, 64)
		bv, berr := strconv.ParseInt(b, 10, 64)
		if aerr == nil && berr == nil {
			return av < bv
		}
	}
	return a < b
}

// Insert adds value under key, classical B+ insert with cascading split.
// A key already present gets value appended to its existing value list
// (the dispatcher is responsible for rejecting duplicate primary keys
// before this is ever exercised).
func (t *Tree) Insert(key, value string) {
	if t.root == nil {
		t.root = &node{leaf: true, keys: []string{key}, values: [][]string{{value}}}
		t.addSortedKey(key)
		return
	}

	isNew, promoted, right, split := t.insertInto(t.root, key, value)
	if split {
		t.root = &node{
			leaf:     false,
			keys:     []string{promoted},
			children: []*node{t.root, right},
		}
	}
	if isNew {
		t.addSortedKey(key)
	}
}

func (t *Tree) addSortedKey(key string) {
	t.sortedKeys = append(t.sortedKeys, key)
	sort.Slice(t.sortedKeys, func(i, j int) bool { return t.less(t.sortedKeys[i], t.sortedKeys[j]) })
}

// firstGreater returns the index of the first key in keys strictly greater
// than target, or len(keys) if none is.
func (t *Tree) firstGreater(keys []string, target string) int {
	for i, k := range keys {
		if t.less(target, k) {
			return i
		}
	}
	return len(keys)
}

func (t *Tree) insertInto(n *node, key, value string) (isNew bool, promoted string, right *node, split bool) {
	if n.leaf {
		for i, k := range n.keys {
			if k == key {
				n.values[i] = append(n.values[i], value)
				return false, "", nil, false
			}
		}

		pos := t.firstGreater(n.keys, key)
		n.keys = insertStringAt(n.keys, pos, key)
		n.values = insertValuesAt(n.values, pos, []string{value})

		if len(n.keys) < order {
			return true, "", nil, false
		}

		mid := order / 2
		leftKeys, rightKeys := n.keys[:mid], append([]string{}, n.keys[mid:]...)
		leftValues, rightValues := n.values[:mid], append([][]string{}, n.values[mid:]...)
		n.keys, n.values = leftKeys, leftValues
		newLeaf := &node{leaf: true, keys: rightKeys, values: rightValues}
		return true, rightKeys[0], newLeaf, true
	}

	childIdx := t.firstGreater(n.keys, key)
	isNew, childPromoted, childRight, childSplit := t.insertInto(n.children[childIdx], key, value)
	if !childSplit {
		return isNew, "", nil, false
	}

	n.keys = insertStringAt(n.keys, childIdx, childPromoted)
	n.children = insertNodeAt(n.children, childIdx+1, childRight)

	if len(n.keys) < order {
		return isNew, "", nil, false
	}

	mid := order / 2
	promotedKey := n.keys[mid]
	leftKeys := n.keys[:mid]
	rightKeys := append([]string{}, n.keys[mid+1:]...)
	leftChildren := n.children[:mid+1]
	rightChildren := append([]*node{}, n.children[mid+1:]...)
	n.keys, n.children = leftKeys, leftChildren
	newRight := &node{leaf: false, keys: rightKeys, children: rightChildren}
	return isNew, promotedKey, newRight, true
}

func insertStringAt(s []string, pos int, v string) []string {
	s = append(s, "")
	copy(s[pos+1:], s[pos:])
	s[pos] = v
	return s
}

func insertValuesAt(s [][]string, pos int, v []string) [][]string {
	s = append(s, nil)
	copy(s[pos+1:], s[pos:])
	s[pos] = v
	return s
}

func insertNodeAt(s []*node, pos int, v *node) []*node {
	s = append(s, nil)
	copy(s[pos+1:], s[pos:])
	s[pos] = v
	return s
}

// Retrieve routes from the root to a leaf and returns that key's value
// list, or false if the key is absent.
func (t *Tree) Retrieve(key string) ([]string, bool) {
	if t.root == nil {
		return nil, false
	}
	n := t.root
	for !n.leaf {
		n = n.children[t.firstGreater(n.keys, key)]
	}
	for i, k := range n.keys {
		if k == key {
			return n.values[i], true
		}
	}
	return nil, false
}

// SortedKeys returns every key in ascending order per the tree's KeyType.
func (t *Tree) SortedKeys() []string {
	return t.sortedKeys
}

// Match evaluates a single condition of the form "=v", "<v" or ">v"
// against the primary key and returns matching keys in ascending order.
func (t *Tree) Match(condition string) ([]string, error) {
	if len(condition) < 2 {
		return nil, errors.Wrapf(ErrBadCondition, "%q", condition)
	}
	op, v := condition[0], condition[1:]

	switch op {
	case '=':
		if _, ok := t.Retrieve(v); ok {
			return []string{v}, nil
		}
		return nil, nil
	case '<':
		var out []string
		for _, k := range t.sortedKeys {
			if t.less(k, v) {
				out = append(out, k)
			}
		}
		return out, nil
	case '>':
		var out []string
		for _, k := range t.sortedKeys {
			if t.less(v, k) {
				out = append(out, k)
			}
		}
		return out, nil
	default:
		return nil, errors.Wrapf(ErrBadCondition, "%q", condition)
	}
}
