package service

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/renderinc/clip-search/internal/source"
)

// stage copies ingested files under <data-dir>/datasets/<kind>/ so the
// project mapping can be rebuilt after the originals are gone. A file
// keeps the same copy across re-ingests of the same path.
func (s *Service) stage(kind source.Kind, paths []string) ([]string, error) {
	dir := filepath.Join(s.datasetDir, string(kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dataset directory: %w", err)
	}

	staged := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		name := uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+abs)).String() + "_" + filepath.Base(abs)
		dst := filepath.Join(dir, name)
		if abs != dst {
			if err := copyFile(abs, dst); err != nil {
				return nil, err
			}
		}
		staged = append(staged, dst)
	}
	return staged, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".staging-*")
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("stage %s: %w", src, err)
	}
	return nil
}

// unstage drops the staged copies of a kind.
func (s *Service) unstage(kind source.Kind) error {
	return os.RemoveAll(filepath.Join(s.datasetDir, string(kind)))
}
