// Package variable implements the ordered multimap that backs a
// persistent collection: a sequence of (name, value) byte-string pairs
// with first-match lookup, preserving insertion order.
package variable

import "errors"

// ErrEmptyName is returned when an operation is attempted with an empty
// variable name, which is never permitted in a collection.
var ErrEmptyName = errors.New("variable: empty name")

// Variable is a single name/value pair. Names and values are treated as
// opaque bytes; in practice they are human-readable ASCII.
type Variable struct {
	Name  []byte
	Value []byte
}

// Collection is an ordered multimap of Variables, plus the two hidden
// fields that identify where the collection is persisted. The hidden
// fields are never serialized (see internal/blob).
type Collection struct {
	vars []Variable

	name []byte
	key  []byte

	hasName bool
	hasKey  bool
}

// New returns an empty collection.
func New() *Collection {
	return &Collection{}
}

// SetName sets the hidden __name field (the collection/file name).
func (c *Collection) SetName(name []byte) {
	c.name = append([]byte(nil), name...)
	c.hasName = true
}

// SetKey sets the hidden __key field (the record key within the file).
func (c *Collection) SetKey(key []byte) {
	c.key = append([]byte(nil), key...)
	c.hasKey = true
}

// Name returns the hidden __name field, if set.
func (c *Collection) Name() ([]byte, bool) {
	return c.name, c.hasName
}

// Key returns the hidden __key field, if set.
func (c *Collection) Key() ([]byte, bool) {
	return c.key, c.hasKey
}

// Add appends a new (name, value) pair, permitting duplicate names.
// This is the insertion mode used while decoding a blob, where a buggy
// producer may have written the same meta-variable twice.
func (c *Collection) Add(name, value []byte) error {
	if len(name) == 0 {
		return ErrEmptyName
	}
	c.vars = append(c.vars, Variable{
		Name:  append([]byte(nil), name...),
		Value: append([]byte(nil), value...),
	})
	return nil
}

// AddString is Add for string arguments.
func (c *Collection) AddString(name, value string) error {
	return c.Add([]byte(name), []byte(value))
}

// Set updates the value of the first matching variable, or appends a
// new one if name is not present. This is the upsert used by the
// Manager for derived fields (LAST_UPDATE_TIME, UPDATE_COUNTER, ...).
func (c *Collection) Set(name, value []byte) error {
	if len(name) == 0 {
		return ErrEmptyName
	}
	for i := range c.vars {
		if bytesEqual(c.vars[i].Name, name) {
			c.vars[i].Value = append([]byte(nil), value...)
			return nil
		}
	}
	return c.Add(name, value)
}

// SetString is Set for string arguments.
func (c *Collection) SetString(name, value string) error {
	return c.Set([]byte(name), []byte(value))
}

// Get returns the value of the first matching variable.
func (c *Collection) Get(name []byte) ([]byte, bool) {
	for i := range c.vars {
		if bytesEqual(c.vars[i].Name, name) {
			return c.vars[i].Value, true
		}
	}
	return nil, false
}

// GetString is Get for string arguments.
func (c *Collection) GetString(name string) (string, bool) {
	v, ok := c.Get([]byte(name))
	if !ok {
		return "", false
	}
	return string(v), true
}

// Has reports whether name is present.
func (c *Collection) Has(name []byte) bool {
	_, ok := c.Get(name)
	return ok
}

// HasString is Has for a string argument.
func (c *Collection) HasString(name string) bool {
	return c.Has([]byte(name))
}

// RemoveAll removes every variable matching name (there is ordinarily at
// most one, but a buggy producer may have written duplicates; all must
// be removable). It reports whether anything was removed.
func (c *Collection) RemoveAll(name []byte) bool {
	removed := false
	out := c.vars[:0]
	for _, v := range c.vars {
		if bytesEqual(v.Name, name) {
			removed = true
			continue
		}
		out = append(out, v)
	}
	c.vars = out
	return removed
}

// RemoveAllString is RemoveAll for a string argument.
func (c *Collection) RemoveAllString(name string) bool {
	return c.RemoveAll([]byte(name))
}

// Variables returns the variables in insertion order. The returned slice
// must not be mutated by the caller.
func (c *Collection) Variables() []Variable {
	return c.vars
}

// Len returns the number of variables currently stored.
func (c *Collection) Len() int {
	return len(c.vars)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
