package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"feedgrab/internal/model"
)

// FileStore keeps each watermark in its own state_<profile>.dat file.
type FileStore struct {
	fs  afero.Fs
	dir string
}

// NewFileStore creates a FileStore rooted at dir on the OS filesystem.
func NewFileStore(dir string) (*FileStore, error) {
	return NewFileStoreWithFS(afero.NewOsFs(), dir)
}

// NewFileStoreWithFS creates a FileStore on an arbitrary filesystem.
func NewFileStoreWithFS(fsys afero.Fs, dir string) (*FileStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := fsys.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &FileStore{fs: fsys, dir: dir}, nil
}

// Path returns the state file used for profile.
func (s *FileStore) Path(profile string) string {
	return filepath.Join(s.dir, "state_"+sanitize(profile)+".dat")
}

// LoadWatermark reads the watermark of profile. A missing file is not an error.
func (s *FileStore) LoadWatermark(_ context.Context, profile string) (time.Time, error) {
	path := s.Path(profile)
	data, err := afero.ReadFile(s.fs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return model.Epoch, nil
	}
	if err != nil {
		return model.Epoch, fmt.Errorf("read %s: %w", path, err)
	}

	value := strings.TrimSpace(string(data))
	t, err := parseWatermark(value)
	if err != nil {
		return model.Epoch, fmt.Errorf("parse %s: %w", path, err)
	}
	return t, nil
}

// SaveWatermark writes t to a temporary file next to the state file and
// renames it into place, so readers see either the old or the new value.
func (s *FileStore) SaveWatermark(_ context.Context, profile string, t time.Time) error {
	path := s.Path(profile)

	tmp, err := afero.TempFile(s.fs, s.dir, "state_*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(formatWatermark(t)); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}

	if err := s.fs.Rename(tmpName, path); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// RecordDownload is a no-op; the file backend keeps no history.
func (s *FileStore) RecordDownload(context.Context, model.Download) error {
	return nil
}

// Close implements Storage.
func (s *FileStore) Close() error {
	return nil
}

// sanitize turns a profile name into a single safe path element. The
// encoding is reversible, so distinct names never share a file.
func sanitize(name string) string {
	return url.PathEscape(name)
}
