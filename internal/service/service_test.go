package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderinc/clip-search/internal/analytics"
	"github.com/renderinc/clip-search/internal/config"
	"github.com/renderinc/clip-search/internal/document"
	"github.com/renderinc/clip-search/internal/search"
	"github.com/renderinc/clip-search/internal/storage"
)

var admin = search.Scope{Role: search.Admin}

func newService(t *testing.T) (*Service, string) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Ingest.BatchSize = 50
	cfg.Ingest.Workers = 2

	log, _ := test.NewNullLogger()
	svc, err := New(context.Background(), cfg, log, nil)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, cfg.DataDir
}

func writeCSV(t *testing.T, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

type fixture struct {
	accounts, videos, comments string
}

func newFixture(t *testing.T) fixture {
	return fixture{
		accounts: writeCSV(t, "accounts.csv", "用户ID,工作表", "u1,ProjectX", "u2,ProjectY"),
		videos: writeCSV(t, "videos.csv",
			"video_id,user_id,nickname,title,desc,create_time,video_play_count",
			"v1,u1,Ann,Cat video,a cat,1700000000,1500",
			"v2,u2,Bob,Dog video,a dog,1700086400,20",
			"v3,u9,Cy,Bird video,a bird,1700172800,5",
		),
		comments: writeCSV(t, "comments.csv",
			"comment_id,video_id,user_id,nickname,content,parent_comment_id,create_time",
			"c1,v1,u7,Di,so cute,0,1700000100",
			"c2,v1,u8,Ed,agreed,c1,1700000200",
			"c3,v2,u8,Ed,good dog,,1700000300",
		),
	}
}

func (f fixture) load(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	for _, step := range []struct{ kind, path string }{
		{"account", f.accounts},
		{"video", f.videos},
		{"comment", f.comments},
	} {
		_, err := svc.Ingest(ctx, step.kind, []string{step.path})
		require.NoError(t, err, step.kind)
	}
}

func TestIngestAndSearch(t *testing.T) {
	svc, _ := newService(t)
	newFixture(t).load(t, svc)
	ctx := context.Background()

	page, err := svc.Search(ctx, document.Comments, search.Request{Keywords: "agreed"}, admin)
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	hit := page.Results[0]
	assert.Equal(t, "ProjectX", hit.Source["project_id"])
	require.NotNil(t, hit.Parent)
	assert.Equal(t, "c1", hit.Parent.CommentID)

	stats, err := svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, Statistics{Videos: 3, Comments: 3, Projects: 3, Total: 6}, stats)

	tr, err := svc.TimeRange(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), tr.Min)
	assert.Equal(t, int64(1700172800), tr.Max)
	assert.Equal(t, uint64(3), tr.Count)
}

func TestScopedReads(t *testing.T) {
	svc, _ := newService(t)
	newFixture(t).load(t, svc)
	ctx := context.Background()
	user := search.Scope{Role: search.User, AllowedProjects: []string{"ProjectY"}}

	page, err := svc.Search(ctx, document.Videos, search.Request{ProjectID: "ProjectX"}, user)
	require.NoError(t, err)
	assert.Empty(t, page.Results)

	projects, err := svc.Projects(ctx, user)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "ProjectY", projects[0].ID)

	rep, err := svc.Analytics(ctx, analytics.Request{}, user)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rep.ViralStats.TotalVideos)
}

func TestValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, "playlist", []string{"x.csv"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "kind", verr.Field)

	_, err = svc.IngestAsync(ctx, "video", nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Search(ctx, document.Videos, search.Request{SortOrder: "sideways"}, admin)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Analytics(ctx, analytics.Request{LastDays: "fortnight"}, admin)
	assert.ErrorIs(t, err, ErrValidation)

	assert.ErrorIs(t, svc.ClearData(ctx, "everything"), ErrValidation)
}

func TestRunJournal(t *testing.T) {
	svc, _ := newService(t)
	f := newFixture(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, "video", []string{f.videos})
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, "video", []string{filepath.Join(t.TempDir(), "missing.csv")})
	require.Error(t, err)

	runs, err := svc.Tasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	statuses := []storage.RunStatus{runs[0].Status, runs[1].Status}
	assert.ElementsMatch(t, []storage.RunStatus{storage.RunSucceeded, storage.RunFailed}, statuses)

	_, err = svc.Task(ctx, "no-such-run")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIngestAsync(t *testing.T) {
	svc, _ := newService(t)
	f := newFixture(t)
	ctx := context.Background()

	id, err := svc.IngestAsync(ctx, "video", []string{f.videos})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		run, err := svc.Task(ctx, id)
		return err == nil && run.Status != storage.RunRunning
	}, 10*time.Second, 20*time.Millisecond)

	run, err := svc.Task(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.RunSucceeded, run.Status)
	assert.Equal(t, 3, run.Accepted)
	assert.Equal(t, []string{f.videos}, run.Sources)
	assert.NotNil(t, run.FinishedAt)
}

func TestMappingSurvivesRemovedSources(t *testing.T) {
	svc, dir := newService(t)
	f := newFixture(t)
	f.load(t, svc)
	ctx := context.Background()

	require.NoError(t, os.Remove(f.accounts))
	require.NoError(t, os.Remove(f.videos))
	svc.cache.InvalidateAccounts()

	res, err := svc.Ingest(ctx, "comment", []string{f.comments})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Accepted)

	page, err := svc.Search(ctx, document.Comments, search.Request{Keywords: "cute"}, admin)
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	assert.Equal(t, "ProjectX", page.Results[0].Source["project_id"])

	staged, err := filepath.Glob(filepath.Join(dir, "datasets", "video", "*_videos.csv"))
	require.NoError(t, err)
	assert.Len(t, staged, 1)

	// re-ingesting a source replaces its staged copy
	videos := writeCSV(t, "videos.csv", "video_id,user_id", "v1,u2")
	_, err = svc.Ingest(ctx, "video", []string{videos})
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, "video", []string{videos})
	require.NoError(t, err)
	staged, err = filepath.Glob(filepath.Join(dir, "datasets", "video", "*_videos.csv"))
	require.NoError(t, err)
	assert.Len(t, staged, 2)
}

func TestClearData(t *testing.T) {
	svc, dir := newService(t)
	f := newFixture(t)
	f.load(t, svc)
	ctx := context.Background()

	require.NoError(t, svc.ClearData(ctx, TargetComments))
	stats, err := svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.Videos)
	assert.Zero(t, stats.Comments)

	require.NoError(t, svc.ClearData(ctx, TargetVideos))
	stats, err = svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.NoDirExists(t, filepath.Join(dir, "datasets", "video"))

	// video mapping is gone, so comments land in the unclassified project
	_, err = svc.Ingest(ctx, "comment", []string{f.comments})
	require.NoError(t, err)
	page, err := svc.Search(ctx, document.Comments, search.Request{Keywords: "cute"}, admin)
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	assert.Equal(t, "unclassified", page.Results[0].Source["project_id"])
}

func TestReopenKeepsData(t *testing.T) {
	svc, dir := newService(t)
	newFixture(t).load(t, svc)
	require.NoError(t, svc.Close())

	cfg := config.Default()
	cfg.DataDir = dir
	log, _ := test.NewNullLogger()
	reopened, err := New(context.Background(), cfg, log, nil)
	require.NoError(t, err)
	defer reopened.Close()

	stats, err := reopened.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(6), stats.Total)
}
