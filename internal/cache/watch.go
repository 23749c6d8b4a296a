package cache

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const ownWriteWindow = 2 * time.Second

// ChangeFunc receives entity changes made to the cache by another process.
type ChangeFunc func(tenantID, key string)

// Watch reports entity writes made by other processes sharing the same file
// cache, such as a second window of the same user. It blocks until ctx is
// done. Only the file backend can be watched.
func (c *Cache) Watch(ctx context.Context, onChange ChangeFunc) error {
	fb, ok := c.backend.(*FileBackend)
	if !ok {
		return ErrNotImplemented
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := addTree(watcher, fb.Root()); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("cache watcher error", zap.Error(err))
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(watcher, event.Name); err != nil {
						c.logger.Debug("watch new cache directory failed", zap.String("path", event.Name), zap.Error(err))
					}
					continue
				}
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			key, ok := fb.KeyForPath(event.Name)
			if !ok {
				continue
			}
			tenantID, entity, ok := parseEntityKey(key)
			if !ok || c.wroteRecently(key, ownWriteWindow) {
				continue
			}
			onChange(tenantID, entity)
		}
	}
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
}
