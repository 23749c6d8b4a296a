package cache

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	fileValueExt = ".cache"
	lockFileName = ".lock"
)

// FileBackend stores one file per key under a root directory. Writes are
// atomic renames made under an advisory lock shared by every process using
// the same directory.
type FileBackend struct {
	root string
}

func NewFileBackend(root string) (*FileBackend, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{root: root}, nil
}

func (b *FileBackend) Root() string {
	return b.root
}

func (b *FileBackend) pathFor(key string) (string, error) {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return "", ErrInvalidInput
	}
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		if segment == "" {
			return "", ErrInvalidInput
		}
		segments[i] = url.PathEscape(segment)
	}
	return filepath.Join(b.root, filepath.Join(segments...)) + fileValueExt, nil
}

// KeyForPath maps a file below Root back to its key.
func (b *FileBackend) KeyForPath(path string) (string, bool) {
	rel, err := filepath.Rel(b.root, path)
	if err != nil || strings.HasPrefix(rel, "..") || !strings.HasSuffix(rel, fileValueExt) {
		return "", false
	}
	if strings.HasPrefix(filepath.Base(rel), ".") {
		return "", false
	}
	segments := strings.Split(filepath.ToSlash(strings.TrimSuffix(rel, fileValueExt)), "/")
	for i, segment := range segments {
		unescaped, err := url.PathUnescape(segment)
		if err != nil {
			return "", false
		}
		segments[i] = unescaped
	}
	return strings.Join(segments, "/"), true
}

func (b *FileBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	path, err := b.pathFor(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (b *FileBackend) Put(ctx context.Context, key string, value []byte) error {
	path, err := b.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	unlock, err := lockDir(b.root)
	if err != nil {
		return err
	}
	defer unlock()
	return writeFileAtomic(path, value, 0o644)
}

func (b *FileBackend) Delete(ctx context.Context, key string) error {
	path, err := b.pathFor(key)
	if err != nil {
		return err
	}
	unlock, err := lockDir(b.root)
	if err != nil {
		return err
	}
	defer unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *FileBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	out := make([]string, 0)
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		key, ok := b.KeyForPath(path)
		if ok && strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (b *FileBackend) Close() error {
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
