package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/miradorstack/resolve-sim/internal/emitter"
)

// FileSink writes one bulk NDJSON file per category, e.g. logs.ndjson, ready
// for an Elasticsearch _bulk upload.
type FileSink struct {
	dir    string
	prefix string

	mu    sync.Mutex
	files map[emitter.Category]*os.File
}

// NewFileSink creates dir if needed. Files are truncated on first write.
func NewFileSink(dir, indexPrefix string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &FileSink{dir: dir, prefix: indexPrefix, files: make(map[emitter.Category]*os.File)}, nil
}

// Path returns the file a category is written to.
func (f *FileSink) Path(category emitter.Category) string {
	return filepath.Join(f.dir, string(category)+".ndjson")
}

// WriteBatch appends docs to the category file.
func (f *FileSink) WriteBatch(ctx context.Context, category emitter.Category, docs []emitter.Document) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	file, ok := f.files[category]
	if !ok {
		var err error
		file, err = os.Create(f.Path(category))
		if err != nil {
			return Ack{}, fmt.Errorf("open %s: %w", category, err)
		}
		f.files[category] = file
	}
	if err := writeBulk(file, emitter.IndexName(f.prefix, category), docs); err != nil {
		return Ack{}, fmt.Errorf("write %s: %w", category, err)
	}
	return Ack{}, nil
}

// Close syncs and closes every file.
func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for c, file := range f.files {
		if err := file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", c, err))
		}
		if err := file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c, err))
		}
		delete(f.files, c)
	}
	return errors.Join(errs...)
}
