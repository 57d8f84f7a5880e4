package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps each document as a JSON file under a directory. Writes go
// through a temp file and rename so a crash never leaves a torn document.
// Suitable for single-instance deployments.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

type fileDocument struct {
	Version   int             `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Data      json.RawMessage `json:"data"`
}

// NewFileStore creates the store, creating dir if needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(name string) string {
	return filepath.Join(f.dir, name+".json")
}

func (f *FileStore) Load(ctx context.Context, name string) ([]byte, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path(name))
	if os.IsNotExist(err) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read document %s: %w", name, err)
	}

	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, 0, fmt.Errorf("corrupt document %s: %w", name, err)
	}
	return doc.Data, doc.Version, nil
}

func (f *FileStore) Save(ctx context.Context, name string, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	version := 1
	if raw, err := os.ReadFile(f.path(name)); err == nil {
		var existing fileDocument
		if err := json.Unmarshal(raw, &existing); err == nil {
			version = existing.Version + 1
		}
	}

	if !json.Valid(data) {
		return 0, fmt.Errorf("document %s is not valid JSON", name)
	}

	// The data bytes are spliced into the envelope untouched. Marshalling
	// them through RawMessage would compact and escape them, and Load would
	// no longer return what was saved.
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `{"version":%d,"updatedAt":%q,"data":`, version, time.Now().UTC().Format(time.RFC3339Nano))
	buf.Write(data)
	buf.WriteByte('}')
	encoded := buf.Bytes()

	tmp := f.path(name) + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return 0, fmt.Errorf("failed to write document %s: %w", name, err)
	}
	if err := os.Rename(tmp, f.path(name)); err != nil {
		return 0, fmt.Errorf("failed to commit document %s: %w", name, err)
	}
	return version, nil
}
