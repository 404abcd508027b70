// Package service wires the ingest pipeline, the search gateway and the
// analytics engine behind one facade used by the CLI and the HTTP server.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/renderinc/clip-search/internal/analytics"
	"github.com/renderinc/clip-search/internal/config"
	"github.com/renderinc/clip-search/internal/document"
	"github.com/renderinc/clip-search/internal/ingest"
	"github.com/renderinc/clip-search/internal/logging"
	"github.com/renderinc/clip-search/internal/metrics"
	"github.com/renderinc/clip-search/internal/project"
	"github.com/renderinc/clip-search/internal/search"
	"github.com/renderinc/clip-search/internal/source"
	"github.com/renderinc/clip-search/internal/storage"
)

type ValidationError = search.ValidationError

var (
	ErrValidation = search.ErrValidation
	ErrNotFound   = storage.ErrNotFound
)

// Clear targets.
const (
	TargetVideos   = "videos"
	TargetComments = "comments"
	TargetAll      = "all"
)

type Statistics struct {
	Videos   uint64 `json:"videos"`
	Comments uint64 `json:"comments"`
	Projects int    `json:"projects"`
	Total    uint64 `json:"total"`
}

type Service struct {
	db        *storage.DB
	videos    *search.Index
	comments  *search.Index
	gateway   *search.Gateway
	cache     *project.Cache
	pipeline  *ingest.Pipeline
	analytics *analytics.Engine
	log       logrus.FieldLogger

	// staged copies of registered account and video files
	datasetDir string

	// one ingest or clear at a time
	writeMu sync.Mutex

	tasks     sync.WaitGroup
	taskCtx   context.Context
	stopTasks context.CancelFunc
	closeOnce sync.Once
}

// New opens the run journal and both indices under cfg.DataDir. Runs left
// running by a previous process are marked interrupted.
func New(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, m *metrics.Metrics) (*Service, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := storage.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if n, err := db.MarkInterrupted(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mark interrupted runs: %w", err)
	} else if n > 0 {
		log.WithField("runs", n).Warn("Marked unfinished ingest runs as interrupted")
	}

	videos, err := search.Open(cfg.DataDir, document.Videos)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open video index: %w", err)
	}
	comments, err := search.Open(cfg.DataDir, document.Comments)
	if err != nil {
		videos.Close()
		db.Close()
		return nil, fmt.Errorf("open comment index: %w", err)
	}

	return assemble(cfg, db, videos, comments, log, m), nil
}

func assemble(cfg *config.Config, db *storage.DB, videos, comments *search.Index, log logrus.FieldLogger, m *metrics.Metrics) *Service {
	cache := project.NewCache(
		ingest.NewDatasetLoader(db, cfg.Source.Encoding, logging.Component(log, "datasets")),
		logging.Component(log, "projects"))
	gateway := search.NewGateway(videos, comments, logging.Component(log, "search"), m)

	loaderLog := logging.Component(log, "loader")
	taskCtx, stop := context.WithCancel(context.Background())

	return &Service{
		db:       db,
		videos:   videos,
		comments: comments,
		gateway:  gateway,
		cache:    cache,
		pipeline: ingest.NewPipeline(cache,
			ingest.NewLoader(videos, document.Videos, cfg.Ingest.BatchSize, cfg.Ingest.Workers, loaderLog, m),
			ingest.NewLoader(comments, document.Comments, cfg.Ingest.BatchSize, cfg.Ingest.Workers, loaderLog, m),
			cfg.Source.Encoding, logging.Component(log, "ingest"), m),
		analytics:  analytics.NewEngine(gateway, logging.Component(log, "analytics"), m),
		log:        log,
		datasetDir: filepath.Join(cfg.DataDir, "datasets"),
		taskCtx:    taskCtx,
		stopTasks:  stop,
	}
}

// Close cancels background ingests, waits for them to record their
// outcome and releases the indices and the database.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stopTasks()
		s.tasks.Wait()
		err = errors.Join(s.videos.Close(), s.comments.Close(), s.db.Close())
	})
	return err
}

func validateIngest(kind string, paths []string) (source.Kind, error) {
	k, err := source.ParseKind(kind)
	if err != nil {
		return "", &ValidationError{Field: "kind", Reason: "must be one of account, video, comment"}
	}
	if len(paths) == 0 {
		return "", &ValidationError{Field: "paths", Reason: "at least one file is required"}
	}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			return "", &ValidationError{Field: "paths", Reason: "empty file path"}
		}
	}
	return k, nil
}

// Ingest loads files of one kind and blocks until the run finishes.
func (s *Service) Ingest(ctx context.Context, kind string, paths []string) (ingest.Result, error) {
	k, err := validateIngest(kind, paths)
	if err != nil {
		return ingest.Result{}, err
	}
	run, err := s.startRun(ctx, k, paths)
	if err != nil {
		return ingest.Result{}, err
	}
	return s.run(ctx, run.ID, k, paths)
}

// IngestAsync journals a run and returns its id at once; the run itself
// continues in the background until it finishes or the service closes.
func (s *Service) IngestAsync(ctx context.Context, kind string, paths []string) (string, error) {
	k, err := validateIngest(kind, paths)
	if err != nil {
		return "", err
	}
	run, err := s.startRun(ctx, k, paths)
	if err != nil {
		return "", err
	}

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		// failures are already journaled
		_, _ = s.run(s.taskCtx, run.ID, k, paths)
	}()
	return run.ID, nil
}

func (s *Service) startRun(ctx context.Context, kind source.Kind, paths []string) (*storage.Run, error) {
	run := &storage.Run{
		ID:        uuid.NewString(),
		Kind:      string(kind),
		Sources:   paths,
		StartedAt: time.Now().UTC(),
	}
	if err := s.db.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

func (s *Service) run(ctx context.Context, id string, kind source.Kind, paths []string) (ingest.Result, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	log := s.log.WithFields(logrus.Fields{"run": id, "kind": kind})

	res, err := s.pipeline.Run(ctx, kind, paths)
	if err == nil {
		err = s.register(ctx, kind, paths)
	}

	status := storage.RunSucceeded
	switch {
	case errors.Is(err, context.Canceled):
		status = storage.RunInterrupted
	case err != nil:
		status = storage.RunFailed
	}

	// the journal outlives a canceled request
	if ferr := s.db.FinishRun(context.WithoutCancel(ctx), id, status, res.Accepted, res.Rejected, err); ferr != nil {
		log.WithError(ferr).Error("Failed to record run outcome")
	}
	return res, err
}

// register stages source files so the project mapping can be rebuilt,
// records the copies and drops the affected cache tables.
func (s *Service) register(ctx context.Context, kind source.Kind, paths []string) error {
	if kind != source.KindAccount && kind != source.KindVideo {
		return nil
	}

	staged, err := s.stage(kind, paths)
	if err != nil {
		return fmt.Errorf("stage %s files: %w", kind, err)
	}
	if err := s.db.RegisterDataset(ctx, string(kind), staged); err != nil {
		return fmt.Errorf("register %s files: %w", kind, err)
	}

	if kind == source.KindAccount {
		s.cache.InvalidateAccounts()
	} else {
		s.cache.InvalidateVideos()
	}
	return nil
}

// Task returns the journal entry of an ingest run.
func (s *Service) Task(ctx context.Context, id string) (*storage.Run, error) {
	return s.db.GetRun(ctx, id)
}

// Tasks lists the most recent ingest runs, newest first.
func (s *Service) Tasks(ctx context.Context, limit int) ([]*storage.Run, error) {
	return s.db.ListRuns(ctx, limit)
}

// Rejections lists document ids a run failed to index.
func (s *Service) Rejections(ctx context.Context, id string, limit int) ([]string, error) {
	if _, err := s.db.GetRun(ctx, id); err != nil {
		return nil, err
	}
	return s.db.Rejections(ctx, id, limit)
}

func (s *Service) Search(ctx context.Context, coll document.Collection, req search.Request, scope search.Scope) (search.Page, error) {
	return s.gateway.Search(ctx, coll, req, scope)
}

func (s *Service) Analytics(ctx context.Context, req analytics.Request, scope search.Scope) (analytics.Report, error) {
	if err := analytics.Validate(req); err != nil {
		return analytics.Report{}, err
	}
	return s.analytics.Compute(ctx, req, scope), nil
}

// ClearData drops and recreates the selected indices. Clearing videos
// also forgets the registered video files, so comments ingested later
// fall back to the unclassified project until videos are reloaded.
func (s *Service) ClearData(ctx context.Context, target string) error {
	var indices []*search.Index
	switch t := strings.ToLower(strings.TrimSpace(target)); t {
	case TargetVideos, TargetAll:
		indices = append(indices, s.videos)
		if t == TargetAll {
			indices = append(indices, s.comments)
		}
	case TargetComments:
		indices = append(indices, s.comments)
	default:
		return &ValidationError{Field: "target", Reason: "must be one of videos, comments, all"}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, idx := range indices {
		if err := idx.Reset(); err != nil {
			return fmt.Errorf("reset %s: %w", idx.Collection(), err)
		}
		s.log.WithField("collection", idx.Collection()).Info("Index cleared")
	}

	if indices[0].Collection() == document.Videos {
		if err := s.db.ClearDatasets(ctx, string(source.KindVideo)); err != nil {
			return fmt.Errorf("clear video datasets: %w", err)
		}
		if err := s.unstage(source.KindVideo); err != nil {
			return fmt.Errorf("remove staged video files: %w", err)
		}
		s.cache.InvalidateVideos()
	}
	return nil
}

// Statistics reports unrestricted document counts.
func (s *Service) Statistics(ctx context.Context) (Statistics, error) {
	videos, err := s.gateway.Count(ctx, document.Videos)
	if err != nil {
		return Statistics{}, fmt.Errorf("count videos: %w", err)
	}
	comments, err := s.gateway.Count(ctx, document.Comments)
	if err != nil {
		return Statistics{}, fmt.Errorf("count comments: %w", err)
	}
	projects, err := s.gateway.Projects(ctx, search.Scope{Role: search.Admin})
	if err != nil {
		return Statistics{}, fmt.Errorf("list projects: %w", err)
	}
	return Statistics{
		Videos:   videos,
		Comments: comments,
		Projects: len(projects),
		Total:    videos + comments,
	}, nil
}

func (s *Service) Projects(ctx context.Context, scope search.Scope) ([]search.ProjectSummary, error) {
	return s.gateway.Projects(ctx, scope)
}

// TimeRange reports the span of video create times visible to scope.
func (s *Service) TimeRange(ctx context.Context, scope search.Scope) (search.TimeStats, error) {
	return s.gateway.TimeRange(ctx, document.Videos, scope)
}

// Healthy reports whether both indices accept requests.
func (s *Service) Healthy() error {
	return errors.Join(s.videos.Ping(), s.comments.Ping())
}
