package guard

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// scratchPrefix marks pipeline scratch directories so the sweeper never
// touches anything else under the shared temp dir.
const scratchPrefix = "ingest-"

// TempFile is a working copy of an uploaded file with owner-only
// permissions and secure deletion.
type TempFile struct {
	Path string
	size int64
}

// NewTempFile writes data into a fresh file under dir (created 0700 if
// missing). Callers must arrange Cleanup on every exit path.
func NewTempFile(dir, pattern string, data []byte) (*TempFile, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("op=tempfile.create: %w", err)
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("op=tempfile.create: %w", err)
	}
	path := f.Name()
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("op=tempfile.create: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("op=tempfile.write: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("op=tempfile.write: %w", err)
	}
	return &TempFile{Path: path, size: int64(len(data))}, nil
}

// Cleanup overwrites the file with random bytes and unlinks it.
// Safe to call more than once.
func (t *TempFile) Cleanup() error {
	if t == nil || t.Path == "" {
		return nil
	}
	path := t.Path
	t.Path = ""

	f, err := os.OpenFile(filepath.Clean(path), os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("op=tempfile.cleanup: %w", err)
	}
	noise := make([]byte, t.size)
	if _, err := rand.Read(noise); err == nil {
		_, _ = f.Write(noise)
		_ = f.Sync()
	}
	_ = f.Close()
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("op=tempfile.cleanup: %w", err)
	}
	return nil
}

// SweepTemp removes pipeline scratch directories under dir that have not
// been modified within ttl. A crashed worker cannot run its Cleanup, so
// the sweeper is the backstop for leaked working copies. Returns the
// number of directories removed.
func SweepTemp(dir string, ttl time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("op=tempfile.sweep: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), scratchPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= ttl {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return removed, fmt.Errorf("op=tempfile.sweep: %w", err)
		}
		removed++
	}
	return removed, nil
}
