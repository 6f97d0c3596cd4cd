// Package filestore serves uploaded files to the pipeline from a local
// directory, keyed by file id.
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// Local reads files from a base directory. File ids are the stored file
// names; path traversal outside the base is rejected.
type Local struct {
	baseDir string
}

var _ domain.FileSource = (*Local)(nil)

// NewLocal creates the store rooted at baseDir.
func NewLocal(baseDir string) *Local {
	return &Local{baseDir: filepath.Clean(baseDir)}
}

func (l *Local) resolve(fileID string) (string, error) {
	if fileID == "" {
		return "", fmt.Errorf("op=filestore.resolve: %w: empty file id", domain.ErrInvalidArgument)
	}
	path := filepath.Clean(filepath.Join(l.baseDir, fileID))
	if path != l.baseDir && !strings.HasPrefix(path, l.baseDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("op=filestore.resolve: %w: file id escapes store", domain.ErrInvalidArgument)
	}
	return path, nil
}

// GetFileInfo stats the file and sniffs its content type.
func (l *Local) GetFileInfo(ctx domain.Context, fileID string) (domain.FileInfo, error) {
	path, err := l.resolve(fileID)
	if err != nil {
		return domain.FileInfo{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.FileInfo{}, fmt.Errorf("op=filestore.info: %w: %s", domain.ErrNotFound, fileID)
		}
		return domain.FileInfo{}, fmt.Errorf("op=filestore.info: %w", err)
	}
	mt, err := mimetype.DetectFile(path)
	contentType := ""
	if err == nil {
		contentType = mt.String()
	}
	return domain.FileInfo{
		Size:        info.Size(),
		ContentType: contentType,
		Name:        filepath.Base(path),
	}, nil
}

// Read returns the whole file.
func (l *Local) Read(ctx domain.Context, fileID string) ([]byte, error) {
	path, err := l.resolve(fileID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("op=filestore.read: %w: %s", domain.ErrNotFound, fileID)
		}
		return nil, fmt.Errorf("op=filestore.read: %w", err)
	}
	return data, nil
}
