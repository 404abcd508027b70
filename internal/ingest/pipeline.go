package ingest

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/renderinc/clip-search/internal/document"
	"github.com/renderinc/clip-search/internal/metrics"
	"github.com/renderinc/clip-search/internal/project"
	"github.com/renderinc/clip-search/internal/source"
)

// Pipeline reads export files, builds documents and loads them.
type Pipeline struct {
	cache    *project.Cache
	videos   *Loader
	comments *Loader
	encoding string
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
}

func NewPipeline(cache *project.Cache, videos, comments *Loader, encoding string, log logrus.FieldLogger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		cache:    cache,
		videos:   videos,
		comments: comments,
		encoding: encoding,
		log:      log,
		metrics:  m,
	}
}

// Run ingests files of one kind. Account files are only read and counted:
// they feed the project mapping, not an index.
func (p *Pipeline) Run(ctx context.Context, kind source.Kind, paths []string) (Result, error) {
	start := time.Now()
	log := p.log.WithFields(logrus.Fields{"kind": kind, "files": len(paths)})
	log.Info("Starting ingest...")

	var (
		res Result
		err error
	)
	switch kind {
	case source.KindAccount:
		res, err = p.runAccounts(ctx, paths)
	case source.KindVideo:
		res, err = p.runVideos(ctx, paths)
	case source.KindComment:
		res, err = p.runComments(ctx, paths)
	default:
		return Result{}, fmt.Errorf("%q: %w", kind, source.ErrUnsupportedKind)
	}
	res.Duration = time.Since(start)

	if err != nil {
		log.WithError(err).Error("Ingest failed")
		return res, err
	}
	log.WithFields(logrus.Fields{
		"accepted": res.Accepted,
		"rejected": len(res.Rejected),
		"duration": res.Duration,
	}).Info("Ingest complete")
	return res, nil
}

func (p *Pipeline) runAccounts(ctx context.Context, paths []string) (Result, error) {
	var res Result
	rows, readErr := p.rows(paths, &res)
	table := project.BuildAccountTable(withContext(ctx, rows))
	if err := firstErr(ctx.Err(), *readErr); err != nil {
		return res, err
	}
	res.Accepted = table.Len()
	return res, nil
}

func (p *Pipeline) runVideos(ctx context.Context, paths []string) (Result, error) {
	accounts, err := p.cache.Accounts(ctx)
	if err != nil {
		return Result{}, err
	}

	var res Result
	rows, readErr := p.rows(paths, &res)
	docs := func(yield func(document.Document) bool) {
		for row := range rows {
			v, diags := document.BuildVideo(row, accounts)
			p.report(row, diags)
			if !yield(v) {
				return
			}
		}
	}

	loaded, err := p.videos.Load(ctx, docs)
	res.merge(loaded)
	return res, firstErr(err, *readErr)
}

func (p *Pipeline) runComments(ctx context.Context, paths []string) (Result, error) {
	// every comment needs its video's project, so the mapping is complete
	// before the first row is read
	videos, err := p.cache.Videos(ctx)
	if err != nil {
		return Result{}, err
	}

	var res Result
	rows, readErr := p.rows(paths, &res)
	docs := func(yield func(document.Document) bool) {
		for row := range rows {
			c, diags := document.BuildComment(row, videos)
			p.report(row, diags)
			if !yield(c) {
				return
			}
		}
	}

	loaded, err := p.comments.Load(ctx, docs)
	res.merge(loaded)
	return res, firstErr(err, *readErr)
}

func (p *Pipeline) rows(paths []string, res *Result) (iter.Seq[source.Row], *error) {
	return readRows(paths, p.encoding, p.log, func(row source.Row) {
		res.Rejected = append(res.Rejected, row.Ref())
	})
}

// readRows streams valid rows from paths. Malformed records are logged and
// handed to onMalformed; a read failure stops the stream and is reported
// through the returned pointer once the stream is drained.
func readRows(paths []string, encoding string, log logrus.FieldLogger, onMalformed func(source.Row)) (iter.Seq[source.Row], *error) {
	readErr := new(error)
	seq := source.Valid(source.Rows(paths, encoding), func(row source.Row, err error) {
		if source.Malformed(err) && row.Line > 0 {
			log.WithError(err).WithField("row", row.Ref()).Debug("Skipping malformed row")
			if onMalformed != nil {
				onMalformed(row)
			}
			return
		}
		*readErr = err
	})
	return seq, readErr
}

func (p *Pipeline) report(row source.Row, diags document.Diagnostics) {
	if len(diags) == 0 {
		return
	}
	for _, d := range diags {
		p.metrics.Diagnostic(d.Field)
	}
	p.log.WithError(diags.Err()).WithField("row", row.Ref()).Debug("Normalized row with defaults")
}

func withContext[T any](ctx context.Context, seq iter.Seq[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		for v := range seq {
			if ctx.Err() != nil || !yield(v) {
				return
			}
		}
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
