// Package analytics derives play, activity and viral statistics from the
// video index. Every aggregate is computed independently; one that fails
// is reported as zero values while the others still return.
package analytics

import (
	"cmp"
	"context"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/sirupsen/logrus"

	"github.com/renderinc/clip-search/internal/document"
	"github.com/renderinc/clip-search/internal/metrics"
	"github.com/renderinc/clip-search/internal/search"
)

// ViralThreshold is the play count a video must exceed to count as viral.
const ViralThreshold = 1000

// trailing windows reported by TimePeriodStats, in days
var periods = []struct {
	name string
	days int
}{
	{"1d", 1},
	{"7d", 7},
	{"30d", 30},
}

// Querier is the read side of the search gateway.
type Querier interface {
	CountMatching(ctx context.Context, coll document.Collection, scope search.Scope, q query.Query) (uint64, error)
	Facet(ctx context.Context, coll document.Collection, scope search.Scope, q query.Query, field string, size int) ([]search.Bucket, error)
	Scan(ctx context.Context, coll document.Collection, scope search.Scope, q query.Query, fields []string, fn func(id string, fields map[string]any) error) error
}

type Request struct {
	ProjectID string            `json:"project_id"`
	TimeRange *search.TimeRange `json:"time_range,omitempty"`
	LastDays  string            `json:"last_days"`
}

type ProjectPlays struct {
	Name       string `json:"name"`
	TotalPlays int64  `json:"total_plays"`
	VideoCount int64  `json:"video_count"`
	AvgPlays   int64  `json:"avg_plays"`
}

type PlayStats struct {
	TotalPlays int64          `json:"total_plays"`
	AvgPlays   int64          `json:"avg_plays"`
	MaxPlays   int64          `json:"max_plays"`
	Projects   []ProjectPlays `json:"project_data"`
}

type ProjectViral struct {
	Total int     `json:"total"`
	Viral int     `json:"viral"`
	Rate  float64 `json:"rate"`
}

type ViralStats struct {
	TotalVideos uint64                  `json:"total_videos"`
	ViralVideos uint64                  `json:"viral_videos"`
	ViralRate   float64                 `json:"viral_rate"`
	Projects    map[string]ProjectViral `json:"project_stats"`
}

type ProjectShare struct {
	Name       string `json:"name"`
	VideoCount int64  `json:"video_count"`
	TotalPlays int64  `json:"total_plays"`
}

type Report struct {
	PlayStats       PlayStats         `json:"play_stats"`
	TimePeriodStats map[string]uint64 `json:"time_period_stats"`
	ViralStats      ViralStats        `json:"viral_stats"`
	ProjectStats    []ProjectShare    `json:"project_stats"`
}

// Engine computes reports. It holds no state besides its collaborators.
type Engine struct {
	gw      Querier
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewEngine(gw Querier, log logrus.FieldLogger, m *metrics.Metrics) *Engine {
	return &Engine{gw: gw, log: log, metrics: m, now: time.Now}
}

// WithClock returns a copy of the engine reading time from now.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	c := *e
	c.now = now
	return &c
}

// Validate checks the time window of a request.
func Validate(req Request) error {
	_, err := search.Window(req.TimeRange, req.LastDays, time.Now())
	return err
}

// Compute builds the full report for the caller's scope. Invalid windows
// are treated as no window; call Validate first to reject them.
func (e *Engine) Compute(ctx context.Context, req Request, scope search.Scope) Report {
	now := e.now()

	window, err := search.Window(req.TimeRange, req.LastDays, now)
	if err != nil {
		window = nil
	}
	var byProject query.Query
	if p := strings.TrimSpace(req.ProjectID); p != "" {
		byProject = search.Term("project_id", p)
	}
	base := search.All(window, byProject)

	rep := Report{
		TimePeriodStats: e.timePeriods(ctx, scope, byProject, now),
		ViralStats:      e.viral(ctx, scope, base, byProject == nil),
	}

	plays, err := e.scanPlays(ctx, scope, base)
	if err != nil {
		e.fail("play_stats", err)
		rep.PlayStats = PlayStats{Projects: []ProjectPlays{}}
	} else {
		rep.PlayStats = plays.playStats()
	}

	// project distribution ignores the project filter
	shares := plays
	if byProject != nil || err != nil {
		shares, err = e.scanPlays(ctx, scope, search.All(window))
	}
	if err != nil {
		e.fail("project_stats", err)
		rep.ProjectStats = []ProjectShare{}
	} else {
		rep.ProjectStats = shares.projectShares()
	}

	return rep
}

func (e *Engine) timePeriods(ctx context.Context, scope search.Scope, byProject query.Query, now time.Time) map[string]uint64 {
	out := make(map[string]uint64, len(periods))
	for _, p := range periods {
		start := now.AddDate(0, 0, -p.days).Unix()
		window, _ := search.Window(&search.TimeRange{Start: &start}, "", now)

		n, err := e.gw.CountMatching(ctx, document.Videos, scope, search.All(window, byProject))
		if err != nil {
			e.fail("time_period_stats", err)
			n = 0
		}
		out[p.name] = n
	}
	return out
}

func (e *Engine) viral(ctx context.Context, scope search.Scope, base query.Query, perProject bool) ViralStats {
	zero := ViralStats{Projects: map[string]ProjectViral{}}
	viralQ := search.All(base, search.Above("video_play_count", ViralThreshold))

	total, err := e.gw.CountMatching(ctx, document.Videos, scope, base)
	if err != nil {
		e.fail("viral_stats", err)
		return zero
	}
	viral, err := e.gw.CountMatching(ctx, document.Videos, scope, viralQ)
	if err != nil {
		e.fail("viral_stats", err)
		return zero
	}

	out := ViralStats{
		TotalVideos: total,
		ViralVideos: viral,
		ViralRate:   Rate(int(viral), int(total)),
		Projects:    map[string]ProjectViral{},
	}
	if !perProject {
		return out
	}

	totals, err := e.gw.Facet(ctx, document.Videos, scope, base, "project_id", 100)
	if err != nil {
		e.fail("viral_stats", err)
		return zero
	}
	virals, err := e.gw.Facet(ctx, document.Videos, scope, viralQ, "project_id", 100)
	if err != nil {
		e.fail("viral_stats", err)
		return zero
	}

	counts := make(map[string]int, len(virals))
	for _, b := range virals {
		counts[b.Term] = b.Count
	}
	for _, b := range totals {
		out.Projects[b.Term] = ProjectViral{
			Total: b.Count,
			Viral: counts[b.Term],
			Rate:  Rate(counts[b.Term], b.Count),
		}
	}
	return out
}

// Rate is part/total as a percentage rounded to two decimals, 0 when total
// is 0.
func Rate(part, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*100*100) / 100
}

type projectTotals struct {
	plays  int64
	videos int64
}

type playScan struct {
	total    int64
	max      int64
	videos   int64
	projects map[string]*projectTotals
}

// bleve has no sum aggregation, so play counts are summed from stored
// fields.
func (e *Engine) scanPlays(ctx context.Context, scope search.Scope, q query.Query) (*playScan, error) {
	s := &playScan{projects: map[string]*projectTotals{}}
	err := e.gw.Scan(ctx, document.Videos, scope, q, []string{"video_play_count", "project_id"},
		func(_ string, f map[string]any) error {
			plays, _ := f["video_play_count"].(int64)
			name, _ := f["project_id"].(string)

			s.total += plays
			s.max = max(s.max, plays)
			s.videos++

			p, ok := s.projects[name]
			if !ok {
				p = &projectTotals{}
				s.projects[name] = p
			}
			p.plays += plays
			p.videos++
			return nil
		})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *playScan) playStats() PlayStats {
	out := PlayStats{
		TotalPlays: s.total,
		MaxPlays:   s.max,
		Projects:   make([]ProjectPlays, 0, len(s.projects)),
	}
	if s.videos > 0 {
		out.AvgPlays = s.total / s.videos
	}
	for name, p := range s.projects {
		out.Projects = append(out.Projects, ProjectPlays{
			Name:       name,
			TotalPlays: p.plays,
			VideoCount: p.videos,
			AvgPlays:   p.plays / p.videos,
		})
	}
	slices.SortFunc(out.Projects, func(a, b ProjectPlays) int {
		return cmp.Or(cmp.Compare(b.TotalPlays, a.TotalPlays), cmp.Compare(a.Name, b.Name))
	})
	return out
}

func (s *playScan) projectShares() []ProjectShare {
	out := make([]ProjectShare, 0, len(s.projects))
	for name, p := range s.projects {
		out = append(out, ProjectShare{Name: name, VideoCount: p.videos, TotalPlays: p.plays})
	}
	slices.SortFunc(out, func(a, b ProjectShare) int {
		return cmp.Or(cmp.Compare(b.VideoCount, a.VideoCount), cmp.Compare(a.Name, b.Name))
	})
	return out
}

func (e *Engine) fail(aggregate string, err error) {
	e.metrics.AnalyticsFailure(aggregate)
	e.log.WithError(err).WithField("aggregate", aggregate).Warn("Analytics aggregate failed")
}
