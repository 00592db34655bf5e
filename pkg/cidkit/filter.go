package cidkit

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
)

// CIDFilter describes which CIDs a route provider can possibly answer for,
// in terms of the algorithm and codec tags the CID carries. Providers
// advertise their filter so the router can skip them for CIDs they will
// never hold.
//
// A filter is a predicate tree: at most one field may be set per node. The
// zero value matches every CID.
type CIDFilter struct {
	Multihash *CodeFilter `json:"multihash,omitempty" yaml:"multihash,omitempty"`
	Codec     *CodeFilter `json:"codec,omitempty" yaml:"codec,omitempty"`
	And       []CIDFilter `json:"and,omitempty" yaml:"and,omitempty"`
	Or        []CIDFilter `json:"or,omitempty" yaml:"or,omitempty"`
	Not       *CIDFilter  `json:"not,omitempty" yaml:"not,omitempty"`
}

// CodeFilter is a predicate over a single multiformat code point.
type CodeFilter struct {
	Eq  *uint64      `json:"eq,omitempty" yaml:"eq,omitempty"`
	Gt  *uint64      `json:"gt,omitempty" yaml:"gt,omitempty"`
	Lt  *uint64      `json:"lt,omitempty" yaml:"lt,omitempty"`
	And []CodeFilter `json:"and,omitempty" yaml:"and,omitempty"`
	Or  []CodeFilter `json:"or,omitempty" yaml:"or,omitempty"`
	Not *CodeFilter  `json:"not,omitempty" yaml:"not,omitempty"`
}

// Match reports whether the CID passes the filter. A nil or zero filter
// matches everything.
func (f *CIDFilter) Match(c cid.Cid) bool {
	switch {
	case f == nil:
		return true
	case f.Multihash != nil:
		return f.Multihash.Match(c.Prefix().MhType)
	case f.Codec != nil:
		return f.Codec.Match(c.Prefix().Codec)
	case f.And != nil:
		for i := range f.And {
			if !f.And[i].Match(c) {
				return false
			}
		}
		return true
	case f.Or != nil:
		for i := range f.Or {
			if f.Or[i].Match(c) {
				return true
			}
		}
		return false
	case f.Not != nil:
		return !f.Not.Match(c)
	default:
		return true
	}
}

// Validate rejects nodes with more than one predicate field set, which would
// otherwise silently ignore all but the first.
func (f *CIDFilter) Validate() error {
	if f == nil {
		return nil
	}
	set := 0
	if f.Multihash != nil {
		set++
	}
	if f.Codec != nil {
		set++
	}
	if f.And != nil {
		set++
	}
	if f.Or != nil {
		set++
	}
	if f.Not != nil {
		set++
	}
	if set > 1 {
		return fmt.Errorf("cid filter node sets %d predicates, want at most one", set)
	}
	for i := range f.And {
		if err := f.And[i].Validate(); err != nil {
			return err
		}
	}
	for i := range f.Or {
		if err := f.Or[i].Validate(); err != nil {
			return err
		}
	}
	if f.Not != nil {
		return f.Not.Validate()
	}
	return nil
}

// Match reports whether the code point passes the filter.
func (f *CodeFilter) Match(code uint64) bool {
	switch {
	case f == nil:
		return true
	case f.Eq != nil:
		return code == *f.Eq
	case f.Gt != nil:
		return code > *f.Gt
	case f.Lt != nil:
		return code < *f.Lt
	case f.And != nil:
		for i := range f.And {
			if !f.And[i].Match(code) {
				return false
			}
		}
		return true
	case f.Or != nil:
		for i := range f.Or {
			if f.Or[i].Match(code) {
				return true
			}
		}
		return false
	case f.Not != nil:
		return !f.Not.Match(code)
	default:
		return true
	}
}

// CodeEq is a convenience constructor for an equality code predicate.
func CodeEq(code uint64) *CodeFilter {
	return &CodeFilter{Eq: &code}
}

// EligibilityFilter builds the filter a CRP advertises when every CID it
// indexes was produced with one algorithm and one codec.
func EligibilityFilter(alg Algorithm, codec multicodec.Code) CIDFilter {
	return CIDFilter{And: []CIDFilter{
		{Multihash: CodeEq(uint64(alg))},
		{Codec: CodeEq(uint64(codec))},
	}}
}
