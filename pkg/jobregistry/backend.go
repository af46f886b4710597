package jobregistry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Backend stores one opaque document per job id.
//
// Write must be all-or-nothing: a failed write leaves the previous document
// intact. Read returns an error wrapping fs.ErrNotExist when the document is
// missing.
type Backend interface {
	List(ctx context.Context) ([]string, error)
	Read(ctx context.Context, jobID string) ([]byte, error)
	Write(ctx context.Context, jobID string, data []byte) error
	Remove(ctx context.Context, jobID string) error
}

// FileBackend keeps job documents on the local filesystem.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//
// The job directory may hold other per-job files (inputs, outputs); Remove
// deletes the whole directory.
type FileBackend struct {
	root string
}

var _ Backend = (*FileBackend)(nil)

func NewFileBackend(root string) *FileBackend {
	return &FileBackend{root: strings.TrimSpace(root)}
}

func (b *FileBackend) RootDir() string {
	return b.root
}

func (b *FileBackend) JobDir(jobID string) string {
	return filepath.Join(b.root, jobID)
}

func (b *FileBackend) JobPath(jobID string) string {
	return filepath.Join(b.JobDir(jobID), "job.json")
}

// EnsureRoot creates the root directory if it does not exist.
func (b *FileBackend) EnsureRoot() error {
	if strings.TrimSpace(b.root) == "" {
		return fmt.Errorf("job store root dir is empty")
	}
	return os.MkdirAll(b.root, 0755)
}

func (b *FileBackend) List(_ context.Context) ([]string, error) {
	if err := b.EnsureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("read jobs root: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		ids = append(ids, entry.Name())
	}
	return ids, nil
}

func (b *FileBackend) Read(_ context.Context, jobID string) ([]byte, error) {
	return os.ReadFile(b.JobPath(jobID))
}

func (b *FileBackend) Write(_ context.Context, jobID string, data []byte) error {
	if err := b.EnsureRoot(); err != nil {
		return err
	}

	jobDir := b.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	if err := os.Rename(tmpName, b.JobPath(jobID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

func (b *FileBackend) Remove(_ context.Context, jobID string) error {
	if strings.TrimSpace(jobID) == "" || strings.ContainsAny(jobID, `/\`) {
		return fmt.Errorf("invalid job_id %q", jobID)
	}
	err := os.RemoveAll(b.JobDir(jobID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove job dir: %w", err)
	}
	return nil
}

// isNotExist reports whether err means the document is missing.
func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
