package project

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderinc/clip-search/internal/source"
)

func rows(fields ...map[string]string) iter.Seq[source.Row] {
	out := make([]source.Row, len(fields))
	for i, f := range fields {
		out[i] = source.NewRow(f)
	}
	return slices.Values(out)
}

func TestAccountTable(t *testing.T) {
	table := BuildAccountTable(rows(
		map[string]string{"用户ID": "u1", "工作表": "ProjectX"},
		map[string]string{"用户ID": " u2 ", "工作表": "ProjectY"},
		map[string]string{"用户ID": "nan", "工作表": "ProjectZ"},
		map[string]string{"用户ID": "u3", "工作表": ""},
		map[string]string{"用户ID": "u4", "工作表": "未分类项目"},
		map[string]string{"account_id": "u5", "project": "ProjectW"},
	))

	assert.Equal(t, 4, table.Len())
	assert.Equal(t, "ProjectX", table.Resolve("u1"))
	assert.Equal(t, "ProjectY", table.Resolve("u2"))
	assert.Equal(t, "ProjectW", table.Resolve("u5"))
	assert.Equal(t, Unclassified, table.Resolve("u3"))
	assert.Equal(t, Unclassified, table.Resolve("u4"))
	assert.Equal(t, Unclassified, table.Resolve("nobody"))
}

func TestVideoTable(t *testing.T) {
	accounts := BuildAccountTable(rows(map[string]string{"用户ID": "u1", "工作表": "ProjectX"}))
	videos := BuildVideoTable(rows(
		map[string]string{"video_id": "v1", "user_id": "u1", "title": "hello", "nickname": "Ann", "video_url": "http://v/1"},
		map[string]string{"video_id": "v2", "user_id": "u9"},
		map[string]string{"video_id": "", "user_id": "u1"},
	), accounts)

	assert.Equal(t, 2, videos.Len())
	assert.Equal(t, VideoEntry{
		Project: "ProjectX",
		Meta:    VideoMeta{Title: "hello", URL: "http://v/1", UploaderNickname: "Ann", UploaderUID: "u1"},
	}, videos.Lookup("v1"))
	assert.Equal(t, Unclassified, videos.Lookup("v2").Project)
	assert.Equal(t, VideoEntry{Project: Unclassified}, videos.Lookup("missing"))
}

type fakeLoader struct {
	mu       sync.Mutex
	project  string
	accounts int
	videos   int
	err      error
}

func (f *fakeLoader) LoadAccounts(context.Context) (AccountTable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts++
	if f.err != nil {
		return AccountTable{}, f.err
	}
	return BuildAccountTable(rows(map[string]string{"用户ID": "u1", "工作表": f.project})), nil
}

func (f *fakeLoader) LoadVideos(_ context.Context, accounts AccountTable) (VideoTable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videos++
	return BuildVideoTable(rows(map[string]string{"video_id": "v1", "user_id": "u1"}), accounts), nil
}

func TestCacheLifecycle(t *testing.T) {
	ctx := context.Background()
	log, _ := test.NewNullLogger()
	loader := &fakeLoader{project: "ProjectX"}
	cache := NewCache(loader, log)

	a, v := cache.State()
	assert.Equal(t, Unbuilt, a)
	assert.Equal(t, Unbuilt, v)

	videos, err := cache.Videos(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ProjectX", videos.Lookup("v1").Project)

	_, err = cache.Videos(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, loader.accounts)
	assert.Equal(t, 1, loader.videos)

	cache.InvalidateVideos()
	a, v = cache.State()
	assert.Equal(t, Built, a)
	assert.Equal(t, Stale, v)

	_, err = cache.Videos(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, loader.accounts)
	assert.Equal(t, 2, loader.videos)

	loader.project = "ProjectY"
	cache.InvalidateAccounts()
	a, v = cache.State()
	assert.Equal(t, Stale, a)
	assert.Equal(t, Stale, v)

	videos, err = cache.Videos(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ProjectY", videos.Lookup("v1").Project)
	assert.Equal(t, 2, loader.accounts)
	assert.Equal(t, 3, loader.videos)
}

func TestCacheLoaderError(t *testing.T) {
	log, _ := test.NewNullLogger()
	boom := errors.New("boom")
	cache := NewCache(&fakeLoader{err: boom}, log)

	_, err := cache.Videos(context.Background())
	assert.ErrorIs(t, err, boom)

	a, _ := cache.State()
	assert.Equal(t, Unbuilt, a)
}

func TestCacheConcurrentReaders(t *testing.T) {
	log, _ := test.NewNullLogger()
	loader := &fakeLoader{project: "ProjectX"}
	cache := NewCache(loader, log)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			videos, err := cache.Videos(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "ProjectX", videos.Lookup("v1").Project)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, loader.videos)
}
