// Package gcs scans Google Cloud Storage buckets for the CRP indexer.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/relves/cidroute/internal/scanner"
	"github.com/relves/cidroute/pkg/filter"
	"github.com/relves/cidroute/pkg/routes"
)

// Config describes one bucket scope to index.
type Config struct {
	Bucket string `yaml:"bucket"`
	// Prefix narrows the scan to object names under a prefix.
	Prefix string `yaml:"prefix"`
	// CredentialsFile is a service account key. Leave empty to use
	// application default credentials, or set Anonymous for public buckets.
	CredentialsFile string `yaml:"credentials_file"`
	Anonymous       bool   `yaml:"anonymous"`
}

// Scanner enumerates objects in one GCS bucket scope.
type Scanner struct {
	client *storage.Client
	cfg    Config
}

// New creates a scanner for the configured bucket scope.
func New(ctx context.Context, cfg Config) (*Scanner, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs scanner: bucket is required")
	}

	var opts []option.ClientOption
	switch {
	case cfg.Anonymous:
		opts = append(opts, option.WithoutAuthentication())
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	return &Scanner{client: client, cfg: cfg}, nil
}

func (s *Scanner) Close() error {
	return s.client.Close()
}

func (s *Scanner) SourceRef() string {
	if s.cfg.Prefix != "" {
		return "gcs://" + s.cfg.Bucket + "/" + s.cfg.Prefix
	}
	return "gcs://" + s.cfg.Bucket
}

func (s *Scanner) Scan(ctx context.Context) (scanner.Iterator, error) {
	query := &storage.Query{Prefix: s.cfg.Prefix}
	it := s.client.Bucket(s.cfg.Bucket).Objects(ctx, query)

	// Probe the listing so an unreachable bucket aborts the cycle up
	// front instead of surfacing as a mid-scan page error.
	first, err := it.Next()
	if err == iterator.Done {
		return scanner.NewSliceIterator(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", scanner.ErrSourceUnreachable, s.SourceRef(), err)
	}

	return &objectIterator{scanner: s, it: it, pending: first}, nil
}

func (s *Scanner) Fetch(ctx context.Context, item scanner.Item) (io.ReadCloser, error) {
	method, ok := item.Method.(routes.GCSMethod)
	if !ok {
		return nil, fmt.Errorf("%w: not a gcs item: %s", scanner.ErrItemFetch, item.Locator)
	}
	r, err := s.client.Bucket(method.Bucket).Object(method.Object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", scanner.ErrItemFetch, item.Locator, err)
	}
	return r, nil
}

// objectIterator pages through a bucket listing one object at a time,
// batching pageSize items per Next call.
type objectIterator struct {
	scanner *Scanner
	it      *storage.ObjectIterator
	pending *storage.ObjectAttrs
	done    bool
}

const pageSize = 200

func (o *objectIterator) Next(ctx context.Context) ([]scanner.Item, error) {
	if o.done {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var items []scanner.Item
	if o.pending != nil {
		items = append(items, o.item(o.pending))
		o.pending = nil
	}

	for len(items) < pageSize {
		attrs, err := o.it.Next()
		if err == iterator.Done {
			o.done = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: list %s: %v", scanner.ErrSourceUnreachable, o.scanner.SourceRef(), err)
		}
		items = append(items, o.item(attrs))
	}

	if len(items) == 0 {
		return nil, nil
	}
	return items, nil
}

func (o *objectIterator) item(attrs *storage.ObjectAttrs) scanner.Item {
	return scanner.Item{
		Meta: filter.Metadata{
			Name:  attrs.Name,
			Size:  attrs.Size,
			Owner: attrs.Owner,
		},
		Locator: "gs://" + attrs.Bucket + "/" + attrs.Name,
		// Generation changes whenever object content changes.
		Stamp: strconv.FormatInt(attrs.Generation, 10),
		Method: routes.GCSMethod{
			Bucket: attrs.Bucket,
			Object: attrs.Name,
		},
	}
}
