package tree

import (
	"maps"
	"slices"
)

// Metadata is the caller-supplied description of a node: a display name plus
// free-form string attributes.
//
// Metadata is immutable. With returns a modified copy, so a value can be
// shared between goroutines and reused as a template for many nodes.
type Metadata struct {
	name  string
	attrs map[string]string
}

// NewMetadata returns metadata with the given name and no attributes.
func NewMetadata(name string) Metadata {
	return Metadata{name: name}
}

// Name returns the display name.
func (m Metadata) Name() string {
	return m.name
}

// With returns a copy of m with key set to value.
func (m Metadata) With(key, value string) Metadata {
	attrs := make(map[string]string, len(m.attrs)+1)
	maps.Copy(attrs, m.attrs)
	attrs[key] = value
	return Metadata{name: m.name, attrs: attrs}
}

// WithAttributes returns a copy of m with every entry of attrs added.
func (m Metadata) WithAttributes(attrs map[string]string) Metadata {
	merged := make(map[string]string, len(m.attrs)+len(attrs))
	maps.Copy(merged, m.attrs)
	maps.Copy(merged, attrs)
	return Metadata{name: m.name, attrs: merged}
}

// Get returns the attribute stored under key.
func (m Metadata) Get(key string) (string, bool) {
	v, ok := m.attrs[key]
	return v, ok
}

// Attributes returns a copy of the attributes.
func (m Metadata) Attributes() map[string]string {
	if len(m.attrs) == 0 {
		return nil
	}
	return maps.Clone(m.attrs)
}

// Keys returns the attribute keys in sorted order.
func (m Metadata) Keys() []string {
	return slices.Sorted(maps.Keys(m.attrs))
}
