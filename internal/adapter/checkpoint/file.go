package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"catalog-agent/internal/domain"
)

// FileStore writes one JSON file per thread under a directory. Writes go to a
// temp file that is renamed over the previous snapshot.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, storeErr("NewFileStore", fmt.Errorf("create dir: %w", err))
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(threadID string) string {
	return filepath.Join(f.dir, threadID+".json")
}

func (f *FileStore) Load(ctx context.Context, threadID string) (*domain.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := domain.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(threadID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound("FileStore.Load", threadID)
	}
	if err != nil {
		return nil, storeErr("FileStore.Load", err)
	}
	return decode("FileStore.Load", data)
}

func (f *FileStore) Save(ctx context.Context, s *domain.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode("FileStore.Save", s)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, s.ThreadID+".*.tmp")
	if err != nil {
		return storeErr("FileStore.Save", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return storeErr("FileStore.Save", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return storeErr("FileStore.Save", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return storeErr("FileStore.Save", err)
	}
	if err := os.Rename(tmpName, f.path(s.ThreadID)); err != nil {
		cleanup()
		return storeErr("FileStore.Save", err)
	}
	return nil
}

func (f *FileStore) Delete(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := domain.ValidateThreadID(threadID); err != nil {
		return err
	}
	if err := os.Remove(f.path(threadID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storeErr("FileStore.Delete", err)
	}
	return nil
}
