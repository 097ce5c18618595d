package importer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// MediaStore moves staged binary payloads into the app's permanent media
// directory. The staged copy in the shared container only has to survive
// until import; the permanent copy is what entities reference.
type MediaStore struct {
	dir string
}

func NewMediaStore(dir string) (*MediaStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("media directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &MediaStore{dir: dir}, nil
}

// Store copies the staged file into the permanent directory under a name
// derived from the record id and returns the permanent path. The staged
// source is left in place; the caller deletes it after the entity persists.
func (m *MediaStore) Store(recordID, stagedPath, filename string) (string, error) {
	if recordID == "" || stagedPath == "" {
		return "", fmt.Errorf("media store: missing record id or staged path")
	}
	ext := filepath.Ext(filename)
	if ext == "" {
		ext = filepath.Ext(stagedPath)
	}
	dst := filepath.Join(m.dir, recordID+ext)

	in, err := os.Open(stagedPath)
	if err != nil {
		return "", err
	}
	defer in.Close()
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", err
	}
	return dst, nil
}
