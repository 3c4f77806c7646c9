package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	maxUploadSize  = 25 << 20
	maxUploadFiles = 10
)

// UploadStore keeps attachment bytes on local disk under generated names.
type UploadStore struct {
	dir string
}

func NewUploadStore(dir string) (*UploadStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &UploadStore{dir: dir}, nil
}

// Save copies r to a new file and returns its stored name and size.
func (u *UploadStore) Save(originalName string, r io.Reader) (string, int64, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	name := uuid.Must(uuid.NewV7()).String() + ext

	tmp, err := os.CreateTemp(u.dir, "upload-*.tmp")
	if err != nil {
		return "", 0, err
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, io.LimitReader(r, maxUploadSize+1))
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, err
	}
	if n > maxUploadSize {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("%w: %s exceeds %d bytes", errBadRequest, originalName, maxUploadSize)
	}

	if err := os.Rename(tmpPath, filepath.Join(u.dir, name)); err != nil {
		os.Remove(tmpPath)
		return "", 0, err
	}
	return name, n, nil
}

// HandleServe serves GET /uploads/{name}.
func (u *UploadStore) HandleServe(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" || filepath.Base(name) != name || strings.HasPrefix(name, ".") {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(u.dir, name))
}
