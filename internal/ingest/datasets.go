package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/renderinc/clip-search/internal/project"
	"github.com/renderinc/clip-search/internal/source"
)

// Registry lists the files registered for a kind. *storage.DB is one.
type Registry interface {
	Datasets(ctx context.Context, kind string) ([]string, error)
}

// DatasetLoader rebuilds project mappings from registered files.
type DatasetLoader struct {
	registry Registry
	encoding string
	log      logrus.FieldLogger
}

func NewDatasetLoader(registry Registry, encoding string, log logrus.FieldLogger) *DatasetLoader {
	return &DatasetLoader{registry: registry, encoding: encoding, log: log}
}

func (l *DatasetLoader) LoadAccounts(ctx context.Context) (project.AccountTable, error) {
	paths, err := l.registry.Datasets(ctx, string(source.KindAccount))
	if err != nil {
		return project.AccountTable{}, fmt.Errorf("list account datasets: %w", err)
	}

	rows, readErr := readRows(l.present(paths), l.encoding, l.log, nil)
	table := project.BuildAccountTable(withContext(ctx, rows))
	if err := firstErr(ctx.Err(), *readErr); err != nil {
		return project.AccountTable{}, err
	}
	return table, nil
}

func (l *DatasetLoader) LoadVideos(ctx context.Context, accounts project.AccountTable) (project.VideoTable, error) {
	paths, err := l.registry.Datasets(ctx, string(source.KindVideo))
	if err != nil {
		return project.VideoTable{}, fmt.Errorf("list video datasets: %w", err)
	}

	rows, readErr := readRows(l.present(paths), l.encoding, l.log, nil)
	table := project.BuildVideoTable(withContext(ctx, rows), accounts)
	if err := firstErr(ctx.Err(), *readErr); err != nil {
		return project.VideoTable{}, err
	}
	return table, nil
}

// present drops registered files that no longer exist so one lost file
// does not block every later comment ingest.
func (l *DatasetLoader) present(paths []string) []string {
	out := paths[:0:0]
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			l.log.WithField("path", p).Warn("Registered dataset missing, skipping")
			continue
		}
		out = append(out, p)
	}
	return out
}
