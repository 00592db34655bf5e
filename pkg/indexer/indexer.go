// Package indexer drives the periodic scan cycles that keep a CRP's route
// index aligned with its sources.
//
// Each cycle enumerates every configured source, filters the listing,
// hashes new or changed content, and finally evicts routes the source no
// longer reports. A source that cannot be reached is skipped for the
// cycle, eviction included: routes are only removed on the authority of a
// complete, successful enumeration.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/multiformats/go-multicodec"
	"golang.org/x/sync/errgroup"

	"github.com/relves/cidroute/internal/scanner"
	"github.com/relves/cidroute/internal/storage/index"
	"github.com/relves/cidroute/pkg/cidkit"
	"github.com/relves/cidroute/pkg/filter"
)

// State names the scheduler's current phase.
type State string

const (
	StateIdle        State = "idle"
	StateScanning    State = "scanning"
	StateReconciling State = "reconciling"
)

// Source pairs a scanner with the predicate selecting which of its items
// get indexed. A nil Filter accepts everything.
type Source struct {
	Scanner scanner.Scanner
	Filter  *filter.Expr
}

// Config tunes the indexing loop.
type Config struct {
	// Interval between cycle starts. A cycle still running when the next
	// tick fires causes that tick to be skipped.
	Interval time.Duration
	// FetchConcurrency bounds parallel content fetches per source.
	FetchConcurrency int
	// Algorithm and Codec determine the CIDs this index produces.
	Algorithm cidkit.Algorithm
	Codec     multicodec.Code
}

// SourceStats summarizes one source's share of a cycle.
type SourceStats struct {
	SourceRef string `json:"source_ref"`
	// Listed counts items the source enumerated; Matched those the filter
	// accepted.
	Listed  int `json:"listed"`
	Matched int `json:"matched"`
	// Hashed items had their content fetched and hashed; Refreshed were
	// skipped because their stamp was unchanged.
	Hashed    int   `json:"hashed"`
	Refreshed int   `json:"refreshed"`
	Failed    int   `json:"failed"`
	Evicted   int64 `json:"evicted"`
	// Completed is false when enumeration aborted; eviction did not run.
	Completed bool `json:"completed"`
}

// CycleStats summarizes one full indexing cycle.
type CycleStats struct {
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
	Sources  []SourceStats `json:"sources"`
}

// Indexer owns the scan loop for one route index.
type Indexer struct {
	cfg     Config
	store   *index.Store
	sources []Source
	logger  *slog.Logger

	cycleMu sync.Mutex // one cycle at a time

	statusMu  sync.Mutex
	state     State
	lastCycle *CycleStats
}

func New(cfg Config, store *index.Store, sources []Source, logger *slog.Logger) (*Indexer, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("indexer: interval must be positive")
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 4
	}
	if cfg.Algorithm == 0 {
		cfg.Algorithm = cidkit.DefaultAlgorithm
	}
	if cfg.Codec == 0 {
		cfg.Codec = cidkit.DefaultCodec
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		cfg:     cfg,
		store:   store,
		sources: sources,
		logger:  logger,
		state:   StateIdle,
	}, nil
}

// Status reports the scheduler phase and the most recent completed cycle.
func (ix *Indexer) Status() (State, *CycleStats) {
	ix.statusMu.Lock()
	defer ix.statusMu.Unlock()
	return ix.state, ix.lastCycle
}

func (ix *Indexer) setState(s State) {
	ix.statusMu.Lock()
	ix.state = s
	ix.statusMu.Unlock()
}

// Run executes cycles until the context is cancelled. The first cycle
// starts immediately; subsequent ticks are scheduled from the interval,
// not from cycle completion, so slow cycles do not drift the schedule.
func (ix *Indexer) Run(ctx context.Context) error {
	ticker := time.NewTicker(ix.cfg.Interval)
	defer ticker.Stop()

	ix.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ix.RunCycle(ctx)
		}
	}
}

// RunCycle executes one indexing cycle across all sources. If a cycle is
// already in flight the call returns immediately with no stats.
func (ix *Indexer) RunCycle(ctx context.Context) *CycleStats {
	if !ix.cycleMu.TryLock() {
		ix.logger.Warn("indexing cycle still running, skipping tick")
		return nil
	}
	defer ix.cycleMu.Unlock()

	start := time.Now().UTC()
	stats := &CycleStats{Start: start}

	for _, src := range ix.sources {
		if ctx.Err() != nil {
			break
		}
		stats.Sources = append(stats.Sources, ix.syncSource(ctx, src, start))
	}

	ix.setState(StateIdle)
	stats.Duration = time.Since(start)

	ix.statusMu.Lock()
	ix.lastCycle = stats
	ix.statusMu.Unlock()

	ix.logger.Info("indexing cycle finished", "duration", stats.Duration, "sources", len(stats.Sources))
	return stats
}

// syncSource runs one source through a full cycle: enumerate, filter,
// hash what changed, and evict what disappeared.
func (ix *Indexer) syncSource(ctx context.Context, src Source, cycleStart time.Time) SourceStats {
	ref := src.Scanner.SourceRef()
	stats := SourceStats{SourceRef: ref}
	log := ix.logger.With("source", ref)

	ix.setState(StateScanning)

	it, err := src.Scanner.Scan(ctx)
	if err != nil {
		log.Warn("source unreachable, skipping", "error", err)
		return stats
	}

	// Enumerate fully before touching content. Eviction must only run on
	// the authority of a complete listing.
	var accepted []scanner.Item
	for {
		items, err := it.Next(ctx)
		if err != nil {
			log.Warn("enumeration aborted, skipping eviction", "error", err)
			return stats
		}
		if items == nil {
			break
		}
		stats.Listed += len(items)
		for _, item := range items {
			if src.Filter.Match(item.Meta) {
				accepted = append(accepted, item)
			}
		}
	}
	stats.Matched = len(accepted)

	// Items whose stamp is unchanged just get their last_seen refreshed,
	// no refetch.
	var toHash []scanner.Item
	for _, item := range accepted {
		rec, err := ix.store.LookupLocator(ctx, item.Locator)
		if err == nil && rec.Stamp != "" && rec.Stamp == item.Stamp {
			if err := ix.store.MarkSeen(ctx, item.Locator, cycleStart); err != nil {
				log.Warn("mark seen failed", "locator", item.Locator, "error", err)
				stats.Failed++
				continue
			}
			stats.Refreshed++
			continue
		}
		if err != nil && !errors.Is(err, index.ErrNotFound) {
			log.Warn("locator lookup failed", "locator", item.Locator, "error", err)
			stats.Failed++
			continue
		}
		toHash = append(toHash, item)
	}

	// Smallest first, so cheap items land early and a mid-cycle
	// interruption leaves the most coverage behind.
	sort.SliceStable(toHash, func(i, j int) bool {
		return toHash[i].Meta.Size < toHash[j].Meta.Size
	})

	hashed, failed := ix.hashAndStore(ctx, src, toHash, cycleStart, log)
	stats.Hashed = hashed
	stats.Failed += failed

	if ctx.Err() != nil {
		return stats
	}

	ix.setState(StateReconciling)
	evicted, err := ix.store.EvictStale(ctx, ref, cycleStart)
	if err != nil {
		log.Error("eviction failed", "error", err)
		return stats
	}
	stats.Evicted = evicted
	stats.Completed = true

	if evicted > 0 {
		log.Info("evicted stale routes", "count", evicted)
	}
	return stats
}

// hashAndStore fetches and hashes items with bounded concurrency, feeding
// a single writer goroutine. Per-item failures are absorbed; an item that
// already has a route row keeps it alive through a transient failure.
func (ix *Indexer) hashAndStore(ctx context.Context, src Source, items []scanner.Item, cycleStart time.Time, log *slog.Logger) (hashed, failed int) {
	if len(items) == 0 {
		return 0, 0
	}

	records := make(chan index.RouteRecord, ix.cfg.FetchConcurrency)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for rec := range records {
			if err := ix.store.UpsertRoute(ctx, rec); err != nil {
				log.Error("route upsert failed", "locator", rec.Locator, "error", err)
				failed++
				continue
			}
			hashed++
		}
	}()

	var failMu sync.Mutex
	fetchFailed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.FetchConcurrency)
	for _, item := range items {
		item := item
		g.Go(func() error {
			rec, err := ix.hashItem(gctx, src, item, cycleStart)
			if err != nil {
				log.Warn("item skipped", "locator", item.Locator, "error", err)
				failMu.Lock()
				fetchFailed++
				failMu.Unlock()
				// Keep any existing route alive rather than letting a
				// transient fetch failure feed the eviction sweep.
				if _, lookupErr := ix.store.LookupLocator(gctx, item.Locator); lookupErr == nil {
					if msErr := ix.store.MarkSeen(gctx, item.Locator, cycleStart); msErr != nil {
						log.Warn("mark seen failed", "locator", item.Locator, "error", msErr)
					}
				}
				return nil
			}
			select {
			case records <- rec:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	err := g.Wait()
	close(records)
	<-writerDone

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("hashing interrupted", "error", err)
	}
	return hashed, failed + fetchFailed
}

// hashItem fetches one item's content and builds its route record.
func (ix *Indexer) hashItem(ctx context.Context, src Source, item scanner.Item, seen time.Time) (index.RouteRecord, error) {
	body, err := src.Scanner.Fetch(ctx, item)
	if err != nil {
		return index.RouteRecord{}, err
	}
	defer body.Close()

	c, err := cidkit.Compute(body, ix.cfg.Algorithm, ix.cfg.Codec)
	if err != nil {
		return index.RouteRecord{}, fmt.Errorf("%w: %s: %v", scanner.ErrItemFetch, item.Locator, err)
	}

	method, err := json.Marshal(item.Method)
	if err != nil {
		return index.RouteRecord{}, fmt.Errorf("encode route method for %s: %w", item.Locator, err)
	}

	return index.RouteRecord{
		Locator:   item.Locator,
		CID:       c.String(),
		SourceRef: src.Scanner.SourceRef(),
		Kind:      item.Method.Kind(),
		Method:    method,
		Size:      item.Meta.Size,
		Stamp:     item.Stamp,
		FirstSeen: seen,
		LastSeen:  seen,
	}, nil
}
