package search

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderinc/clip-search/internal/document"
)

func ts(v int64) *int64 { return &v }

func newTestGateway(t *testing.T) (*Gateway, *Index, *Index) {
	t.Helper()
	videos, err := OpenMem(document.Videos)
	require.NoError(t, err)
	comments, err := OpenMem(document.Comments)
	require.NoError(t, err)
	t.Cleanup(func() {
		videos.Close()
		comments.Close()
	})

	log, _ := test.NewNullLogger()
	return NewGateway(videos, comments, log, nil), videos, comments
}

func load(t *testing.T, idx *Index, docs ...document.Document) {
	t.Helper()
	rejected, err := idx.Batch(context.Background(), docs)
	require.NoError(t, err)
	require.Empty(t, rejected)
}

func seedVideos(t *testing.T, idx *Index) {
	load(t, idx,
		document.Video{VideoID: "v1", Title: "Cat video", Desc: "a cat", Nickname: "Ann", UserID: "u1", ProjectID: "alpha", CreateTime: ts(1_700_000_000), VideoPlayCount: 1500},
		document.Video{VideoID: "v2", Title: "Dog video", Desc: "a dog chasing a cat", Nickname: "Bob", UserID: "u2", ProjectID: "beta", CreateTime: ts(1_700_100_000), VideoPlayCount: 20},
		document.Video{VideoID: "v3", Title: "Bird", Desc: "tweet", Nickname: "Cat lover", UserID: "u3", ProjectID: "alpha", CreateTime: ts(1_700_200_000), VideoPlayCount: 300},
		document.Video{VideoID: "v4", Title: "Fish", ProjectID: "unclassified"},
	)
}

func TestRestrictStructure(t *testing.T) {
	q := Term("title", "cat")

	t.Run("admin unchanged", func(t *testing.T) {
		assert.Same(t, q, Restrict(q, Scope{Role: Admin}))
	})

	t.Run("user wraps caller query", func(t *testing.T) {
		got, ok := Restrict(q, Scope{Role: User, AllowedProjects: []string{"alpha", "beta"}}).(*query.ConjunctionQuery)
		require.True(t, ok)
		require.Len(t, got.Conjuncts, 2)
		assert.Same(t, q, got.Conjuncts[0])

		allowed, ok := got.Conjuncts[1].(*query.DisjunctionQuery)
		require.True(t, ok)
		require.Len(t, allowed.Disjuncts, 2)
		term := allowed.Disjuncts[0].(*query.TermQuery)
		assert.Equal(t, "project_id", term.Field())
		assert.Equal(t, "alpha", term.Term)
	})

	t.Run("empty allowed set matches nothing", func(t *testing.T) {
		got, ok := Restrict(q, Scope{Role: User}).(*query.ConjunctionQuery)
		require.True(t, ok)
		assert.IsType(t, &query.MatchNoneQuery{}, got.Conjuncts[1])
	})

	t.Run("unknown role is not privileged", func(t *testing.T) {
		_, ok := Restrict(q, Scope{Role: "root"}).(*query.ConjunctionQuery)
		assert.True(t, ok)
	})
}

func TestSearchContainment(t *testing.T) {
	g, videos, _ := newTestGateway(t)
	seedVideos(t, videos)
	ctx := context.Background()
	scope := Scope{Role: User, AllowedProjects: []string{"alpha"}}

	requests := map[string]Request{
		"empty":            {},
		"keywords":         {Keywords: "cat"},
		"other project":    {ProjectID: "beta"},
		"uploader":         {UploaderUID: "u2"},
		"time window":      {TimeRange: &TimeRange{Start: ts(0), End: ts(2_000_000_000)}},
		"sorted":           {SortBy: "video_play_count", SortOrder: "asc"},
		"unknown sort key": {SortBy: "project_id"},
	}
	for name, req := range requests {
		t.Run(name, func(t *testing.T) {
			page, err := g.Search(ctx, document.Videos, req, scope)
			require.NoError(t, err)
			for _, hit := range page.Results {
				assert.Equal(t, "alpha", hit.Source["project_id"], hit.ID)
			}
		})
	}

	page, err := g.Search(ctx, document.Videos, Request{ProjectID: "beta"}, scope)
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	page, err = g.Search(ctx, document.Videos, Request{}, Scope{Role: User})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.NotNil(t, page.Results)

	page, err = g.Search(ctx, document.Videos, Request{}, Scope{Role: Admin})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), page.Total)
}

func TestSearchKeywordsAndHighlight(t *testing.T) {
	g, videos, _ := newTestGateway(t)
	seedVideos(t, videos)

	page, err := g.Search(context.Background(), document.Videos, Request{Keywords: "cat"}, Scope{Role: Admin})
	require.NoError(t, err)

	var ids []string
	for _, h := range page.Results {
		ids = append(ids, h.ID)
	}
	assert.ElementsMatch(t, []string{"v1", "v2", "v3"}, ids)

	for _, h := range page.Results {
		if h.ID == "v1" {
			assert.NotEmpty(t, h.Highlight["title"])
			assert.Equal(t, int64(1500), h.Source["video_play_count"])
		}
	}
}

func TestSearchSort(t *testing.T) {
	g, videos, _ := newTestGateway(t)
	seedVideos(t, videos)

	page, err := g.Search(context.Background(), document.Videos,
		Request{ProjectID: "alpha", SortBy: "video_play_count", SortOrder: "desc"}, Scope{Role: Admin})
	require.NoError(t, err)
	require.Len(t, page.Results, 2)
	assert.Equal(t, "v1", page.Results[0].ID)
	assert.Equal(t, "v3", page.Results[1].ID)

	page, err = g.Search(context.Background(), document.Videos,
		Request{ProjectID: "alpha", SortOrder: "asc"}, Scope{Role: Admin})
	require.NoError(t, err)
	require.Len(t, page.Results, 2)
	assert.Equal(t, "v1", page.Results[0].ID)
}

func TestSearchPagination(t *testing.T) {
	g, videos, _ := newTestGateway(t)
	var docs []document.Document
	for i := range 45 {
		docs = append(docs, document.Video{
			VideoID:    fmt.Sprintf("v%02d", i),
			Title:      "clip",
			ProjectID:  "alpha",
			CreateTime: ts(int64(1_700_000_000 + i)),
		})
	}
	load(t, videos, docs...)

	ctx := context.Background()
	page, err := g.Search(ctx, document.Videos, Request{Page: 2, PageSize: 20}, Scope{Role: Admin})
	require.NoError(t, err)
	assert.Equal(t, uint64(45), page.Total)
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, 2, page.Page)
	assert.Len(t, page.Results, 20)
	// newest first, so the second page starts at the 21st newest
	assert.Equal(t, "v24", page.Results[0].ID)

	page, err = g.Search(ctx, document.Videos, Request{Page: 3, PageSize: 20}, Scope{Role: Admin})
	require.NoError(t, err)
	assert.Len(t, page.Results, 5)
}

func TestBuild(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	t.Run("pagination offset", func(t *testing.T) {
		sr, err := build(document.Videos, Request{Page: 2, PageSize: 20}, now)
		require.NoError(t, err)
		assert.Equal(t, 20, sr.From)
		assert.Equal(t, 20, sr.Size)
	})

	t.Run("page size clamped", func(t *testing.T) {
		sr, err := build(document.Videos, Request{Page: -3, PageSize: 1000}, now)
		require.NoError(t, err)
		assert.Equal(t, 0, sr.From)
		assert.Equal(t, MaxPageSize, sr.Size)
	})

	t.Run("empty request matches all", func(t *testing.T) {
		sr, err := build(document.Comments, Request{}, now)
		require.NoError(t, err)
		assert.IsType(t, &query.MatchAllQuery{}, sr.Query)
	})

	t.Run("bad sort order", func(t *testing.T) {
		_, err := build(document.Videos, Request{SortOrder: "sideways"}, now)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("bad last days", func(t *testing.T) {
		_, err := build(document.Videos, Request{LastDays: "soon"}, now)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "last_days", verr.Field)
	})

	t.Run("unknown collection", func(t *testing.T) {
		_, err := build("users", Request{}, now)
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	q, err := Window(nil, "", now)
	require.NoError(t, err)
	assert.Nil(t, q)

	q, err = Window(nil, "7d", now)
	require.NoError(t, err)
	r := q.(*query.NumericRangeQuery)
	require.NotNil(t, r.Min)
	assert.Equal(t, float64(now.AddDate(0, 0, -7).Unix()), *r.Min)
	assert.Nil(t, r.Max)

	q, err = Window(&TimeRange{Start: ts(10), End: ts(20)}, "7d", now)
	require.NoError(t, err)
	r = q.(*query.NumericRangeQuery)
	assert.Equal(t, 10.0, *r.Min)
	assert.Equal(t, 20.0, *r.Max)

	_, err = Window(&TimeRange{Start: ts(20), End: ts(10)}, "", now)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCommentParents(t *testing.T) {
	g, _, comments := newTestGateway(t)
	load(t, comments,
		document.Comment{CommentID: "c1", VideoID: "v1", Content: "first", Nickname: "Ann", LikeCount: 4, CreateTime: ts(100), IsMainComment: true, ProjectID: "alpha"},
		document.Comment{CommentID: "c2", VideoID: "v1", Content: "reply", ParentCommentID: "c1", ProjectID: "alpha"},
		document.Comment{CommentID: "c3", VideoID: "v1", Content: "orphan reply", ParentCommentID: "c0", ProjectID: "alpha"},
	)

	page, err := g.Search(context.Background(), document.Comments, Request{Keywords: "reply"}, Scope{Role: User, AllowedProjects: []string{"alpha"}})
	require.NoError(t, err)
	require.Len(t, page.Results, 2)

	for _, h := range page.Results {
		require.NotNil(t, h.Parent, h.ID)
		switch h.ID {
		case "c2":
			assert.Equal(t, "Ann", h.Parent.Nickname)
			assert.Equal(t, "first", h.Parent.Content)
			assert.Equal(t, int64(4), h.Parent.LikeCount)
			require.NotNil(t, h.Parent.CreateTime)
			assert.Equal(t, int64(100), *h.Parent.CreateTime)
		case "c3":
			assert.True(t, h.Parent.Missing)
			assert.Equal(t, deletedContent, h.Parent.Content)
		}
	}

	main := true
	page, err = g.Search(context.Background(), document.Comments, Request{MainOnly: &main}, Scope{Role: Admin})
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	assert.Nil(t, page.Results[0].Parent)
}

func TestProjects(t *testing.T) {
	g, videos, comments := newTestGateway(t)
	seedVideos(t, videos)
	load(t, comments,
		document.Comment{CommentID: "c1", ProjectID: "beta"},
		document.Comment{CommentID: "c2", ProjectID: "beta"},
		document.Comment{CommentID: "c3", ProjectID: "beta"},
	)

	all, err := g.Projects(context.Background(), Scope{Role: Admin})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ProjectSummary{ID: "beta", Name: "beta", DocCount: 4, VideoCount: 1, CommentCount: 3}, all[0])
	assert.Equal(t, "alpha", all[1].ID)

	mine, err := g.Projects(context.Background(), Scope{Role: User, AllowedProjects: []string{"alpha"}})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, 2, mine[0].VideoCount)
}

func TestTimeRangeAndCount(t *testing.T) {
	g, videos, _ := newTestGateway(t)
	ctx := context.Background()

	stats, err := g.TimeRange(ctx, document.Videos, Scope{Role: Admin})
	require.NoError(t, err)
	assert.Equal(t, TimeStats{}, stats)

	seedVideos(t, videos)
	stats, err = g.TimeRange(ctx, document.Videos, Scope{Role: Admin})
	require.NoError(t, err)
	assert.Equal(t, TimeStats{Min: 1_700_000_000, Max: 1_700_200_000, Count: 3}, stats)

	n, err := g.Count(ctx, document.Videos)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)
}

func TestScan(t *testing.T) {
	g, videos, _ := newTestGateway(t)
	var docs []document.Document
	for i := range 2500 {
		docs = append(docs, document.Video{VideoID: fmt.Sprintf("v%04d", i), ProjectID: "alpha", VideoPlayCount: 1})
	}
	load(t, videos, docs...)

	var sum int64
	seen := map[string]bool{}
	err := g.Scan(context.Background(), document.Videos, Scope{Role: Admin}, nil, []string{"video_play_count"},
		func(id string, f map[string]any) error {
			seen[id] = true
			sum += f["video_play_count"].(int64)
			return nil
		})
	require.NoError(t, err)
	assert.Len(t, seen, 2500)
	assert.Equal(t, int64(2500), sum)
}

func TestResetAndUnavailable(t *testing.T) {
	g, videos, _ := newTestGateway(t)
	seedVideos(t, videos)

	require.NoError(t, videos.Reset())
	n, err := g.Count(context.Background(), document.Videos)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, videos.Close())
	assert.ErrorIs(t, videos.Ping(), ErrUnavailable)

	page, err := g.Search(context.Background(), document.Videos, Request{}, Scope{Role: Admin})
	require.NoError(t, err)
	assert.Empty(t, page.Results)
}

func TestBatchRejectsEmptyKey(t *testing.T) {
	_, videos, _ := newTestGateway(t)
	rejected, err := videos.Batch(context.Background(), []document.Document{
		document.Video{VideoID: "v1"},
		document.Video{VideoID: ""},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{""}, rejected)

	n, err := videos.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}
