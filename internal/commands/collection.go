// Package commands holds the transformation commands parsed from an image
// request and the filter that strips the ones no processor understands.
package commands

import (
	"iter"

	"golang.org/x/text/cases"
)

// TokenCommand is the reserved query parameter carrying the HMAC token.
const TokenCommand = "hmac"

type Pair struct {
	Key   string
	Value string
}

// Collection is an insertion-ordered map with case-insensitive keys.
// The first-seen casing of a key is kept for serialization.
// A Collection is request scoped and not safe for concurrent use.
type Collection struct {
	pairs []Pair
	index map[string]int
}

func New() *Collection {
	return &Collection{index: make(map[string]int)}
}

// Set inserts or updates key. Updates keep the original key casing and position.
func (c *Collection) Set(key, value string) {
	if c.index == nil {
		c.index = make(map[string]int)
	}
	folded := foldKey(key)
	if i, ok := c.index[folded]; ok {
		c.pairs[i].Value = value
		return
	}
	c.index[folded] = len(c.pairs)
	c.pairs = append(c.pairs, Pair{Key: key, Value: value})
}

func (c *Collection) Lookup(key string) (string, bool) {
	if c == nil || len(c.pairs) == 0 {
		return "", false
	}
	i, ok := c.index[foldKey(key)]
	if !ok {
		return "", false
	}
	return c.pairs[i].Value, true
}

// Get returns the value for key, or "" when the key is absent.
func (c *Collection) Get(key string) string {
	v, _ := c.Lookup(key)
	return v
}

func (c *Collection) Contains(key string) bool {
	_, ok := c.Lookup(key)
	return ok
}

// RemoveAt deletes the entry at position i. It panics if i is out of range.
func (c *Collection) RemoveAt(i int) {
	removed := c.pairs[i]
	c.pairs = append(c.pairs[:i], c.pairs[i+1:]...)
	delete(c.index, foldKey(removed.Key))
	for j := i; j < len(c.pairs); j++ {
		c.index[foldKey(c.pairs[j].Key)] = j
	}
}

func (c *Collection) Remove(key string) bool {
	if c == nil {
		return false
	}
	i, ok := c.index[foldKey(key)]
	if !ok {
		return false
	}
	c.RemoveAt(i)
	return true
}

func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.pairs)
}

func (c *Collection) Keys() []string {
	keys := make([]string, 0, c.Len())
	for _, p := range c.Pairs() {
		keys = append(keys, p.Key)
	}
	return keys
}

// Pairs returns a copy of the entries in insertion order.
func (c *Collection) Pairs() []Pair {
	if c == nil {
		return nil
	}
	out := make([]Pair, len(c.pairs))
	copy(out, c.pairs)
	return out
}

func (c *Collection) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		if c == nil {
			return
		}
		for _, p := range c.pairs {
			if !yield(p.Key, p.Value) {
				return
			}
		}
	}
}

func (c *Collection) Clone() *Collection {
	out := New()
	for _, p := range c.Pairs() {
		out.Set(p.Key, p.Value)
	}
	return out
}

// foldKey maps a key to its case-folded form. A new Caser is built per call
// because Casers carry state and the KnownSet is read concurrently.
func foldKey(key string) string {
	return cases.Fold().String(key)
}
