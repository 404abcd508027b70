package search

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/renderinc/clip-search/internal/document"
)

// ErrUnavailable is returned when the index cannot serve requests.
var ErrUnavailable = errors.New("search index unavailable")

// Index wraps the Bleve index of one collection
type Index struct {
	coll document.Collection
	path string // empty for in-memory indices

	mu    sync.RWMutex
	index bleve.Index
}

// Open opens or creates the on-disk index of a collection under dir
func Open(dir string, coll document.Collection) (*Index, error) {
	path := filepath.Join(dir, string(coll)+".bleve")

	// Try to open existing index
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, buildIndexMapping(coll))
		if err != nil {
			return nil, fmt.Errorf("create %s index: %w", coll, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open %s index: %w", coll, err)
	}

	return &Index{coll: coll, path: path, index: idx}, nil
}

// OpenMem creates an index that lives only in memory
func OpenMem(coll document.Collection) (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping(coll))
	if err != nil {
		return nil, fmt.Errorf("create %s index: %w", coll, err)
	}
	return &Index{coll: coll, index: idx}, nil
}

// buildIndexMapping maps text fields for full-text search and everything
// that is filtered on exactly as keywords
func buildIndexMapping(coll document.Collection) mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	keyword := bleve.NewKeywordFieldMapping()
	number := bleve.NewNumericFieldMapping()
	boolean := bleve.NewBooleanFieldMapping()

	docMapping := bleve.NewDocumentMapping()
	add := func(m *mapping.FieldMapping, fields ...string) {
		for _, f := range fields {
			docMapping.AddFieldMappingsAt(f, m)
		}
	}

	add(keyword, "id", "user_id", "avatar", "video_id", "project_id")
	add(text, "nickname")
	add(number, "add_ts", "last_modify_ts", "create_time")

	switch coll {
	case document.Videos:
		add(keyword, "video_type", "video_url", "video_cover_url")
		add(text, "title", "desc", "source_keyword")
		add(number, "liked_count", "video_play_count", "video_danmaku", "video_comment")
	case document.Comments:
		add(keyword, "comment_id", "parent_comment_id", "video_url", "video_uploader_uid")
		add(text, "content", "video_title", "video_uploader_nickname")
		add(number, "sub_comment_count", "like_count")
		add(boolean, "is_main_comment")
	}

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

// Collection returns the collection this index holds.
func (i *Index) Collection() document.Collection {
	return i.coll
}

// Close closes the index
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.index.Close()
}

// Ping checks that the index can serve reads.
func (i *Index) Ping() error {
	_, err := i.Count()
	return err
}

// Batch upserts documents keyed by their natural id. Documents the batch
// refuses are returned in rejected; a closed index yields ErrUnavailable.
func (i *Index) Batch(ctx context.Context, docs []document.Document) (rejected []string, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	batch := i.index.NewBatch()
	for _, doc := range docs {
		if err := batch.Index(doc.Key(), doc); err != nil {
			rejected = append(rejected, doc.Key())
		}
	}
	if batch.Size() == 0 {
		return rejected, nil
	}

	if err := i.index.Batch(batch); err != nil {
		if errors.Is(err, bleve.ErrorIndexClosed) {
			return rejected, unavailable(err)
		}
		return rejected, fmt.Errorf("commit %s batch: %w", i.coll, err)
	}
	return rejected, nil
}

// Reset drops every document by recreating the index.
func (i *Index) Reset() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.index.Close(); err != nil && !errors.Is(err, bleve.ErrorIndexClosed) {
		return fmt.Errorf("close %s index: %w", i.coll, err)
	}

	var (
		idx bleve.Index
		err error
	)
	if i.path == "" {
		idx, err = bleve.NewMemOnly(buildIndexMapping(i.coll))
	} else {
		if err := os.RemoveAll(i.path); err != nil {
			return fmt.Errorf("remove %s index: %w", i.coll, err)
		}
		idx, err = bleve.New(i.path, buildIndexMapping(i.coll))
	}
	if err != nil {
		return fmt.Errorf("recreate %s index: %w", i.coll, err)
	}
	i.index = idx
	return nil
}

// Count returns the number of documents in the index
func (i *Index) Count() (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	n, err := i.index.DocCount()
	if err != nil {
		return 0, unavailable(fmt.Errorf("count %s: %w", i.coll, err))
	}
	return n, nil
}

func (i *Index) search(ctx context.Context, req *bleve.SearchRequest) (*bleve.SearchResult, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	res, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		if errors.Is(err, bleve.ErrorIndexClosed) {
			return nil, unavailable(err)
		}
		return nil, fmt.Errorf("search %s: %w", i.coll, err)
	}
	return res, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
