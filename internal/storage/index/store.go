// Package index implements the durable CID route index backing a CRP
// instance: an embedded sqlite database mapping CIDs to the set of routes
// where matching content was observed, with the bookkeeping reconciliation
// needs.
//
// The index is exclusively owned by its CRP process. Writes are serialized
// by the indexing scheduler; each upsert commits atomically, so a crash
// mid-cycle loses at most the in-flight cycle's unflushed entries.
package index

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relves/cidroute/pkg/routes"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when no entry exists for a CID or locator.
var ErrNotFound = errors.New("not found")

// RouteRecord is one persisted location for a CID.
type RouteRecord struct {
	// Locator is the canonical identity of the source item, e.g.
	// "gs://bucket/key" or "github://owner/repo@main/path". Unique per
	// index: a source item maps to exactly one route row.
	Locator string
	// CID the item's content hashes to.
	CID string
	// SourceRef names the scan scope that produced the route; the
	// reconciliation sweep is bounded by it.
	SourceRef string
	Kind      routes.Kind
	Method    json.RawMessage
	Size      int64
	// Stamp is the source's version marker for the item (modification
	// time, blob SHA). Re-scans skip content refetch when it is unchanged.
	Stamp     string
	FirstSeen time.Time
	LastSeen  time.Time
}

// Route converts the record to the wire contract.
func (r RouteRecord) Route() routes.Route {
	return routes.Route{Type: r.Kind, Method: r.Method}
}

// Entry is the CID-keyed index record: every known route for one CID plus
// entry-level bookkeeping. Routes is never empty for a live entry.
type Entry struct {
	CID       string
	Routes    []RouteRecord
	FirstSeen time.Time
	LastSeen  time.Time
}

// Store is a CID route index backed by a single sqlite file.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the index file at path, creating parent
// directories as needed.
func Open(path string) (*Store, error) {
	return open(path, false)
}

// OpenReadOnly opens an existing index without write access. Used by a
// router's local provider to answer queries straight from a CRP-owned
// index on the same host.
func OpenReadOnly(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("index file: %w", err)
	}
	return open(path, true)
}

func open(path string, readOnly bool) (*Store, error) {
	if !readOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}

	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" + // wait on locks instead of failing with SQLITE_BUSY
		"&_pragma=synchronous(NORMAL)"
	if readOnly {
		dsn += "&_pragma=query_only(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	// Single-writer discipline; sqlite handles concurrent writes poorly.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if !readOnly {
		if _, err := db.Exec(schemaSQL); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
	}

	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the index file location.
func (s *Store) Path() string {
	return s.path
}

// Get returns the entry for a CID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, cid string) (*Entry, error) {
	entry := Entry{CID: cid}
	var firstSeen, lastSeen int64

	err := s.db.QueryRowContext(ctx,
		`SELECT first_seen, last_seen FROM entries WHERE cid = ?`,
		cid).Scan(&firstSeen, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	entry.FirstSeen = time.Unix(0, firstSeen).UTC()
	entry.LastSeen = time.Unix(0, lastSeen).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT locator, cid, source_ref, kind, method, size, stamp, first_seen, last_seen
		 FROM routes WHERE cid = ? ORDER BY locator`,
		cid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRouteRecord(rows)
		if err != nil {
			return nil, err
		}
		entry.Routes = append(entry.Routes, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entry.Routes) == 0 {
		// Entry row without routes should not survive reconciliation;
		// treat it as absent rather than violating the invariant.
		return nil, ErrNotFound
	}
	return &entry, nil
}

// UpsertRoute records a route observation in one atomic transaction:
// insert or refresh the route row, create or touch the CID's entry, and
// clean up the previous entry when the locator's content changed CIDs.
//
// Two locators with identical content land on the same entry — that is the
// dedup mechanism for identical content at different locations.
func (s *Store) UpsertRoute(ctx context.Context, rec RouteRecord) error {
	seen := rec.LastSeen.UnixNano()
	first := rec.FirstSeen.UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var oldCID string
	err = tx.QueryRowContext(ctx,
		`SELECT cid FROM routes WHERE locator = ?`, rec.Locator).Scan(&oldCID)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO routes (locator, cid, source_ref, kind, method, size, stamp, first_seen, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(locator) DO UPDATE SET
		   cid = excluded.cid,
		   source_ref = excluded.source_ref,
		   kind = excluded.kind,
		   method = excluded.method,
		   size = excluded.size,
		   stamp = excluded.stamp,
		   last_seen = excluded.last_seen`,
		rec.Locator, rec.CID, rec.SourceRef, string(rec.Kind),
		string(rec.Method), rec.Size, rec.Stamp, first, seen)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO entries (cid, first_seen, last_seen) VALUES (?, ?, ?)
		 ON CONFLICT(cid) DO UPDATE SET last_seen = excluded.last_seen`,
		rec.CID, first, seen)
	if err != nil {
		return err
	}

	// Content at this locator changed: the old entry may have lost its
	// last route.
	if oldCID != "" && oldCID != rec.CID {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM entries WHERE cid = ?
			 AND NOT EXISTS (SELECT 1 FROM routes WHERE cid = ?)`,
			oldCID, oldCID)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MarkSeen refreshes last_seen for a locator whose content stamp is
// unchanged, without rehashing. Returns ErrNotFound for unknown locators.
func (s *Store) MarkSeen(ctx context.Context, locator string, seen time.Time) error {
	ns := seen.UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE routes SET last_seen = ? WHERE locator = ?`, ns, locator)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE entries SET last_seen = ?
		 WHERE cid = (SELECT cid FROM routes WHERE locator = ?)`,
		ns, locator)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// LookupLocator returns the route row for a locator, or ErrNotFound.
func (s *Store) LookupLocator(ctx context.Context, locator string) (*RouteRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT locator, cid, source_ref, kind, method, size, stamp, first_seen, last_seen
		 FROM routes WHERE locator = ?`,
		locator)
	rec, err := scanRouteRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete removes an entry and all its routes.
func (s *Store) Delete(ctx context.Context, cid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM routes WHERE cid = ?`, cid); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE cid = ?`, cid); err != nil {
		return err
	}
	return tx.Commit()
}

// EvictStale removes every route in the source scope not seen since the
// cutoff, then every entry left without routes. Returns the number of
// evicted routes. Called once per completed scan cycle.
func (s *Store) EvictStale(ctx context.Context, sourceRef string, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM routes WHERE source_ref = ? AND last_seen < ?`,
		sourceRef, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	evicted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM entries WHERE NOT EXISTS
		 (SELECT 1 FROM routes WHERE routes.cid = entries.cid)`)
	if err != nil {
		return 0, err
	}

	return evicted, tx.Commit()
}

// ScanAll streams every entry in CID order through fn. Returning an error
// from fn stops the scan.
func (s *Store) ScanAll(ctx context.Context, fn func(Entry) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.locator, r.cid, r.source_ref, r.kind, r.method, r.size, r.stamp,
		        r.first_seen, r.last_seen, e.first_seen, e.last_seen
		 FROM routes r JOIN entries e ON e.cid = r.cid
		 ORDER BY r.cid, r.locator`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var current *Entry
	for rows.Next() {
		var rec RouteRecord
		var method, kind string
		var rFirst, rLast, eFirst, eLast int64
		if err := rows.Scan(&rec.Locator, &rec.CID, &rec.SourceRef, &kind,
			&method, &rec.Size, &rec.Stamp, &rFirst, &rLast, &eFirst, &eLast); err != nil {
			return err
		}
		rec.Kind = routes.Kind(kind)
		rec.Method = json.RawMessage(method)
		rec.FirstSeen = time.Unix(0, rFirst).UTC()
		rec.LastSeen = time.Unix(0, rLast).UTC()

		if current == nil || current.CID != rec.CID {
			if current != nil {
				if err := fn(*current); err != nil {
					return err
				}
			}
			current = &Entry{
				CID:       rec.CID,
				FirstSeen: time.Unix(0, eFirst).UTC(),
				LastSeen:  time.Unix(0, eLast).UTC(),
			}
		}
		current.Routes = append(current.Routes, rec)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if current != nil {
		return fn(*current)
	}
	return nil
}

// CountEntries returns the number of live entries.
func (s *Store) CountEntries(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRouteRecord(row rowScanner) (RouteRecord, error) {
	var rec RouteRecord
	var method, kind string
	var first, last int64
	err := row.Scan(&rec.Locator, &rec.CID, &rec.SourceRef, &kind, &method,
		&rec.Size, &rec.Stamp, &first, &last)
	if err != nil {
		return RouteRecord{}, err
	}
	rec.Kind = routes.Kind(kind)
	rec.Method = json.RawMessage(method)
	rec.FirstSeen = time.Unix(0, first).UTC()
	rec.LastSeen = time.Unix(0, last).UTC()
	return rec, nil
}
