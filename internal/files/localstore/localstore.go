// Package localstore implements files.PartStore against the local
// filesystem, for single-node or development deployments.
package localstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store roots every app's parts under baseDir/<appID>/<partID>.
type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) path(appID, partID string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(appID), filepath.FromSlash(partID))
}

func (s *Store) PutPart(ctx context.Context, appID, partID string, r io.Reader) error {
	p := s.path(appID, partID)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("localstore: mkdir: %w", err)
	}
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("localstore: create: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("localstore: write: %w", err)
	}
	return nil
}

func (s *Store) GetPart(ctx context.Context, appID, partID string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(appID, partID))
	if err != nil {
		return nil, fmt.Errorf("localstore: open: %w", err)
	}
	return f, nil
}

func (s *Store) DeleteParts(ctx context.Context, appID string, partIDs []string) error {
	var firstErr error
	for _, id := range partIDs {
		if err := os.Remove(s.path(appID, id)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("localstore: delete %s: %w", id, err)
		}
	}
	return firstErr
}
