package search

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/sirupsen/logrus"

	"github.com/renderinc/clip-search/internal/document"
	"github.com/renderinc/clip-search/internal/metrics"
)

const scanPageSize = 1000

// placeholder shown for replies whose parent is not in the index
const (
	deletedNickname = "deleted user"
	deletedContent  = "comment deleted"
)

// Gateway is the only path from callers to the indices. Every query it
// runs is first confined to the caller's scope.
type Gateway struct {
	indices map[document.Collection]*Index
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

func NewGateway(videos, comments *Index, log logrus.FieldLogger, m *metrics.Metrics) *Gateway {
	return &Gateway{
		indices: map[document.Collection]*Index{
			document.Videos:   videos,
			document.Comments: comments,
		},
		log:     log,
		metrics: m,
	}
}

// Hit is one shaped search result.
type Hit struct {
	ID        string              `json:"id"`
	Score     float64             `json:"score"`
	Source    map[string]any      `json:"source"`
	Highlight map[string][]string `json:"highlight,omitempty"`
	Parent    *Parent             `json:"parent_comment_info,omitempty"`
}

// Parent summarizes the comment a reply answers.
type Parent struct {
	CommentID  string `json:"comment_id"`
	Nickname   string `json:"nickname"`
	Content    string `json:"content"`
	CreateTime *int64 `json:"create_time"`
	LikeCount  int64  `json:"like_count"`
	Missing    bool   `json:"missing,omitempty"`
}

// Page is one page of results.
type Page struct {
	Results    []Hit  `json:"results"`
	Total      uint64 `json:"total"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
	TotalPages int    `json:"total_pages"`
}

// ProjectSummary is a project visible to the caller with its document
// counts.
type ProjectSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	DocCount     int    `json:"doc_count"`
	VideoCount   int    `json:"video_count"`
	CommentCount int    `json:"comment_count"`
}

// TimeStats is the create_time span of a collection.
type TimeStats struct {
	Min   int64  `json:"min"`
	Max   int64  `json:"max"`
	Count uint64 `json:"count"`
}

func (g *Gateway) index(coll document.Collection) (*Index, error) {
	idx, ok := g.indices[coll]
	if !ok || idx == nil {
		return nil, &ValidationError{Field: "collection", Reason: fmt.Sprintf("unknown collection %q", coll)}
	}
	return idx, nil
}

// Execute runs req against a collection after restricting it to scope.
// The caller's request is not modified.
func (g *Gateway) Execute(ctx context.Context, coll document.Collection, scope Scope, req *bleve.SearchRequest) (*bleve.SearchResult, error) {
	idx, err := g.index(coll)
	if err != nil {
		return nil, err
	}

	restricted := *req
	restricted.Query = Restrict(req.Query, scope)

	res, err := idx.search(ctx, &restricted)
	if err != nil {
		g.metrics.Query(string(coll), metrics.Failed)
		return nil, err
	}
	g.metrics.Query(string(coll), metrics.OK)
	return res, nil
}

// Search runs a keyword search. Invalid requests return a
// ValidationError; engine failures are logged and yield an empty page.
func (g *Gateway) Search(ctx context.Context, coll document.Collection, req Request, scope Scope) (Page, error) {
	sr, err := Build(coll, req)
	if err != nil {
		return Page{}, err
	}

	page, size := Paginate(req.Page, req.PageSize)
	out := Page{Results: []Hit{}, Page: page, PageSize: size}

	res, err := g.Execute(ctx, coll, scope, sr)
	if err != nil {
		g.log.WithError(err).WithField("collection", coll).Warn("Search failed")
		return out, nil
	}

	out.Total = res.Total
	out.TotalPages = int((res.Total + uint64(size) - 1) / uint64(size))
	for _, h := range res.Hits {
		out.Results = append(out.Results, Hit{
			ID:        h.ID,
			Score:     h.Score,
			Source:    shapeFields(h.Fields),
			Highlight: h.Fragments,
		})
	}

	if coll == document.Comments {
		g.attachParents(ctx, scope, out.Results)
	}
	return out, nil
}

func (g *Gateway) attachParents(ctx context.Context, scope Scope, hits []Hit) {
	var ids []string
	for _, h := range hits {
		if main, _ := h.Source["is_main_comment"].(bool); main {
			continue
		}
		if id, _ := h.Source["parent_comment_id"].(string); id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}

	terms := make([]query.Query, len(ids))
	for i, id := range ids {
		terms[i] = Term("comment_id", id)
	}
	sr := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(terms...), len(ids), 0, false)
	sr.Fields = []string{"comment_id", "nickname", "content", "create_time", "like_count"}

	found := make(map[string]*Parent, len(ids))
	res, err := g.Execute(ctx, document.Comments, scope, sr)
	if err != nil {
		g.log.WithError(err).Warn("Parent comment lookup failed")
	} else {
		for _, h := range res.Hits {
			f := shapeFields(h.Fields)
			p := &Parent{
				CommentID: h.ID,
				Nickname:  stringField(f, "nickname"),
				Content:   stringField(f, "content"),
				LikeCount: intField(f, "like_count"),
			}
			if v, ok := f["create_time"].(int64); ok {
				p.CreateTime = &v
			}
			found[h.ID] = p
		}
	}

	for i := range hits {
		id, _ := hits[i].Source["parent_comment_id"].(string)
		if main, _ := hits[i].Source["is_main_comment"].(bool); main || id == "" {
			continue
		}
		if p, ok := found[id]; ok {
			hits[i].Parent = p
			continue
		}
		hits[i].Parent = &Parent{CommentID: id, Nickname: deletedNickname, Content: deletedContent, Missing: true}
	}
}

// Projects lists the projects visible in scope with their video and
// comment counts, largest first.
func (g *Gateway) Projects(ctx context.Context, scope Scope) ([]ProjectSummary, error) {
	byID := map[string]*ProjectSummary{}
	for _, coll := range []document.Collection{document.Videos, document.Comments} {
		buckets, err := g.Facet(ctx, coll, scope, nil, "project_id", 100)
		if err != nil {
			return nil, err
		}
		for _, b := range buckets {
			p, ok := byID[b.Term]
			if !ok {
				p = &ProjectSummary{ID: b.Term, Name: b.Term}
				byID[b.Term] = p
			}
			if coll == document.Videos {
				p.VideoCount = b.Count
			} else {
				p.CommentCount = b.Count
			}
		}
	}

	out := make([]ProjectSummary, 0, len(byID))
	for _, p := range byID {
		if !scope.Allows(p.ID) {
			continue
		}
		p.DocCount = p.VideoCount + p.CommentCount
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b ProjectSummary) int {
		return cmp.Or(cmp.Compare(b.DocCount, a.DocCount), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// Bucket is one term facet entry.
type Bucket struct {
	Term  string
	Count int
}

// Facet counts documents matching q per distinct value of a keyword field.
func (g *Gateway) Facet(ctx context.Context, coll document.Collection, scope Scope, q query.Query, field string, size int) ([]Bucket, error) {
	sr := bleve.NewSearchRequestOptions(All(q), 0, 0, false)
	sr.AddFacet(field, bleve.NewFacetRequest(field, size))

	res, err := g.Execute(ctx, coll, scope, sr)
	if err != nil {
		return nil, err
	}

	var out []Bucket
	if f, ok := res.Facets[field]; ok && f.Terms != nil {
		for _, t := range f.Terms.Terms() {
			out = append(out, Bucket{Term: t.Term, Count: t.Count})
		}
	}
	return out, nil
}

// CountMatching returns the number of documents matching q in scope.
func (g *Gateway) CountMatching(ctx context.Context, coll document.Collection, scope Scope, q query.Query) (uint64, error) {
	res, err := g.Execute(ctx, coll, scope, bleve.NewSearchRequestOptions(All(q), 0, 0, false))
	if err != nil {
		return 0, err
	}
	return res.Total, nil
}

// Scan visits every document matching q in scope, loading only fields.
// Pages are walked with search-after on the document id.
func (g *Gateway) Scan(ctx context.Context, coll document.Collection, scope Scope, q query.Query, fields []string, fn func(id string, fields map[string]any) error) error {
	var after []string
	for {
		sr := bleve.NewSearchRequestOptions(All(q), scanPageSize, 0, false)
		sr.SortBy([]string{"_id"})
		sr.Fields = fields
		if after != nil {
			sr.SearchAfter = after
		}

		res, err := g.Execute(ctx, coll, scope, sr)
		if err != nil {
			return err
		}
		for _, h := range res.Hits {
			if err := fn(h.ID, shapeFields(h.Fields)); err != nil {
				return err
			}
		}
		if len(res.Hits) < scanPageSize {
			return nil
		}
		after = res.Hits[len(res.Hits)-1].Sort
	}
}

// TimeRange reports the earliest and latest create_time in a collection.
func (g *Gateway) TimeRange(ctx context.Context, coll document.Collection, scope Scope) (TimeStats, error) {
	var zero int64
	has := numericRange("create_time", &zero, nil)

	first, err := g.edge(ctx, coll, scope, has, "create_time")
	if err != nil {
		return TimeStats{}, err
	}
	if first == nil {
		return TimeStats{}, nil
	}
	last, err := g.edge(ctx, coll, scope, has, "-create_time")
	if err != nil {
		return TimeStats{}, err
	}

	return TimeStats{
		Min:   intField(shapeFields(first.Fields), "create_time"),
		Max:   intField(shapeFields(last.Fields), "create_time"),
		Count: first.total,
	}, nil
}

type edgeHit struct {
	Fields map[string]any
	total  uint64
}

func (g *Gateway) edge(ctx context.Context, coll document.Collection, scope Scope, q query.Query, sortKey string) (*edgeHit, error) {
	sr := bleve.NewSearchRequestOptions(q, 1, 0, false)
	sr.SortBy([]string{sortKey})
	sr.Fields = []string{"create_time"}

	res, err := g.Execute(ctx, coll, scope, sr)
	if err != nil {
		return nil, err
	}
	if len(res.Hits) == 0 {
		return nil, nil
	}
	return &edgeHit{Fields: res.Hits[0].Fields, total: res.Total}, nil
}

// Count returns the unrestricted document count of a collection.
func (g *Gateway) Count(ctx context.Context, coll document.Collection) (uint64, error) {
	idx, err := g.index(coll)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return idx.Count()
}

// shapeFields converts stored numeric values back to integers; every
// numeric field in both collections is integral.
func shapeFields(in map[string]interface{}) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			out[k] = int64(f)
			continue
		}
		out[k] = v
	}
	return out
}

func stringField(f map[string]any, name string) string {
	s, _ := f[name].(string)
	return s
}

func intField(f map[string]any, name string) int64 {
	v, _ := f[name].(int64)
	return v
}
