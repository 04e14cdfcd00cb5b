package archive

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/MrWong99/vocalprobe/internal/session"
)

// FileExt is the extension of session archive files.
const FileExt = ".vsa"

// FileStore keeps one .vsa document per session in a directory.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create dir %q: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Ping reports whether the archive directory is still a directory.
func (s *FileStore) Ping(context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("archive: stat %q: %w", s.dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive: %q is not a directory", s.dir)
	}
	return nil
}

// Dir returns the store directory.
func (s *FileStore) Dir() string { return s.dir }

// FileName returns the archive file name of rec:
// Session_YYYYMMDD_HHMM_<first 8 id characters>.vsa.
func FileName(rec *session.Record) string {
	return fmt.Sprintf("Session_%s_%s%s", rec.SessionDate.Format("20060102_1504"), shortID(rec.ID), FileExt)
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

// Save writes rec atomically: the document is written to a temporary file in
// the same directory and renamed into place.
func (s *FileStore) Save(_ context.Context, rec *session.Record) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	name := FileName(rec)

	tmp, err := os.CreateTemp(s.dir, ".tmp-*"+FileExt)
	if err != nil {
		return fmt.Errorf("archive: save %q: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("archive: save %q: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("archive: save %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("archive: save %q: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("archive: save %q: %w", name, err)
	}
	return nil
}

// Load returns the record with the given id.
func (s *FileStore) Load(_ context.Context, id string) (*session.Record, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, "Session_*_"+shortID(id)+FileExt))
	if err != nil {
		return nil, fmt.Errorf("archive: load %q: %w", id, err)
	}
	for _, path := range matches {
		rec, err := LoadFile(path)
		if err != nil {
			slog.Warn("skipping unreadable archive", "path", path, "error", err)
			continue
		}
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("archive: load %q: %w", id, ErrNotFound)
}

// LoadFile reads and decodes a single .vsa file.
func LoadFile(path string) (*session.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("archive: read %q: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("archive: read %q: %w", path, err)
	}
	rec, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("archive: read %q: %w", path, err)
	}
	return rec, nil
}

// List decodes every archive in the directory. Unreadable files are logged
// and skipped.
func (s *FileStore) List(_ context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("archive: list %q: %w", s.dir, err)
	}
	out := []Summary{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "Session_") || filepath.Ext(e.Name()) != FileExt {
			continue
		}
		rec, err := LoadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			slog.Warn("skipping unreadable archive", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, summarize(rec))
	}
	slices.SortFunc(out, func(a, b Summary) int {
		return cmp.Or(b.SessionDate.Compare(a.SessionDate), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}
