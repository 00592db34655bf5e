// Package scanner defines the source enumeration contract the indexing
// scheduler drives: a scanner lists items and their metadata from an
// external system and fetches content bytes for the items the filter
// accepts.
package scanner

import (
	"context"
	"errors"
	"io"

	"github.com/relves/cidroute/pkg/filter"
	"github.com/relves/cidroute/pkg/routes"
)

// ErrSourceUnreachable reports a total enumeration failure. The scheduler
// aborts the cycle for that source and retries at the next poll interval.
var ErrSourceUnreachable = errors.New("source unreachable")

// ErrItemFetch reports a single item's content fetch failure. The scheduler
// logs and skips the item for the cycle.
var ErrItemFetch = errors.New("item fetch failed")

// Item is one enumerated source item: enough metadata to evaluate the
// filter, plus the identity and route method indexing needs. Content bytes
// are fetched separately, and only for accepted items.
type Item struct {
	// Meta is what filters are evaluated against.
	Meta filter.Metadata
	// Locator is the item's canonical identity within the index.
	Locator string
	// Stamp is the source's version marker; unchanged stamps skip refetch.
	Stamp string
	// Method is the route a retrieval client would use for this item.
	Method routes.Method
}

// Iterator lazily pages through a source listing. Next returns nil, nil
// when the listing is exhausted. Not safe for concurrent use.
type Iterator interface {
	Next(ctx context.Context) ([]Item, error)
}

// Scanner enumerates one configured source scope.
type Scanner interface {
	// SourceRef names the scan scope; index entries it produces carry it
	// and the reconciliation sweep is bounded by it.
	SourceRef() string
	// Scan starts a fresh enumeration. A scan is finite and restartable on
	// the next cycle. Failure to even start wraps ErrSourceUnreachable.
	Scan(ctx context.Context) (Iterator, error)
	// Fetch opens the item's content for hashing. Failures wrap
	// ErrItemFetch.
	Fetch(ctx context.Context, item Item) (io.ReadCloser, error)
}

// SliceIterator adapts a fixed item slice to the Iterator contract.
// Used by in-memory scanners and tests.
type SliceIterator struct {
	items []Item
	done  bool
}

func NewSliceIterator(items []Item) *SliceIterator {
	return &SliceIterator{items: items}
}

func (it *SliceIterator) Next(ctx context.Context) ([]Item, error) {
	if it.done {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it.done = true
	return it.items, nil
}
