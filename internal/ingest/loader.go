// Package ingest turns export files into indexed documents.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/renderinc/clip-search/internal/document"
	"github.com/renderinc/clip-search/internal/metrics"
	"github.com/renderinc/clip-search/internal/search"
)

const (
	DefaultBatchSize = 1000
	DefaultWorkers   = 4
)

// ErrUnavailable means the index could not take writes. No documents of
// the run count as accepted.
var ErrUnavailable = search.ErrUnavailable

// Sink is an index that accepts document batches. *search.Index is one.
type Sink interface {
	Ping() error
	Batch(ctx context.Context, docs []document.Document) (rejected []string, err error)
}

// Result holds load statistics
type Result struct {
	Accepted int
	Rejected []string
	Duration time.Duration
}

func (r *Result) merge(o Result) {
	r.Accepted += o.Accepted
	r.Rejected = append(r.Rejected, o.Rejected...)
}

// Loader bulk-loads documents into one index
type Loader struct {
	sink      Sink
	coll      string
	batchSize int
	workers   int
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
}

// NewLoader creates a loader. Non-positive sizes fall back to the defaults.
func NewLoader(sink Sink, coll document.Collection, batchSize, workers int, log logrus.FieldLogger, m *metrics.Metrics) *Loader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Loader{
		sink:      sink,
		coll:      string(coll),
		batchSize: batchSize,
		workers:   workers,
		log:       log.WithField("collection", coll),
		metrics:   m,
	}
}

// Load streams docs into the index in parallel batches. A failed batch
// rejects its own documents only; an unavailable index fails the whole run.
// Documents without a key are rejected as row:<n>, n being their 1-based
// position in the stream.
func (l *Loader) Load(ctx context.Context, docs iter.Seq[document.Document]) (Result, error) {
	start := time.Now()

	if err := l.sink.Ping(); err != nil {
		return Result{Duration: time.Since(start)}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var (
		mu          sync.Mutex
		res         Result
		seen        []string
		unavailable error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)

	submit := func(batch []document.Document) {
		ids := make([]string, len(batch))
		for i, d := range batch {
			ids[i] = d.Key()
		}
		mu.Lock()
		seen = append(seen, ids...)
		mu.Unlock()

		g.Go(func() error {
			began := time.Now()
			rejected, err := l.sink.Batch(gctx, batch)
			l.metrics.BatchDuration(l.coll, time.Since(began))

			mu.Lock()
			defer mu.Unlock()

			switch {
			case errors.Is(err, ErrUnavailable):
				if unavailable == nil {
					unavailable = err
				}
				return err
			case err != nil:
				l.log.WithError(err).WithField("size", len(batch)).Warn("Batch failed")
				res.Rejected = append(res.Rejected, ids...)
				l.metrics.IngestDocuments(l.coll, metrics.Rejected, len(ids))
				return nil
			}

			res.Accepted += len(batch) - len(rejected)
			res.Rejected = append(res.Rejected, rejected...)
			l.metrics.IngestDocuments(l.coll, metrics.Accepted, len(batch)-len(rejected))
			l.metrics.IngestDocuments(l.coll, metrics.Rejected, len(rejected))
			return nil
		})
	}

	batch := make([]document.Document, 0, l.batchSize)
	n := 0
	for doc := range docs {
		n++
		if gctx.Err() != nil {
			break
		}
		if doc.Key() == "" {
			ref := "row:" + strconv.Itoa(n)
			mu.Lock()
			res.Rejected = append(res.Rejected, ref)
			seen = append(seen, ref)
			mu.Unlock()
			l.metrics.IngestDocuments(l.coll, metrics.Rejected, 1)
			continue
		}

		batch = append(batch, doc)
		if len(batch) == l.batchSize {
			submit(batch)
			batch = make([]document.Document, 0, l.batchSize)
		}
	}
	if len(batch) > 0 && gctx.Err() == nil {
		submit(batch)
	}

	err := g.Wait()
	res.Duration = time.Since(start)

	if unavailable != nil {
		l.log.WithError(unavailable).Error("Index unavailable, run failed")
		return Result{Rejected: seen, Duration: res.Duration}, unavailable
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return res, err
	}

	l.log.WithFields(logrus.Fields{
		"accepted": res.Accepted,
		"rejected": len(res.Rejected),
		"duration": res.Duration,
	}).Info("Load complete")
	return res, nil
}
