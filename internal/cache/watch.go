package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const watchDebounce = 200 * time.Millisecond

// Watch 监听存储目录中记录与锁文件的变化（通常来自其他进程），合并突发事件后
// 使内存索引失效。调用方通过取消 ctx 停止监听。
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch dir: %w", err)
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		schedule := func() {
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				s.Invalidate()
				s.logger.WithFields(logrus.Fields{"action": "store_invalidated", "store": s.id}).
					Debug("cache store changed on disk")
			})
		}

		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isStoreMetadata(event.Name) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					schedule()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					schedule()
					continue
				}
				s.logger.WithFields(logrus.Fields{"action": "watch_error", "store": s.id}).
					WithError(err).Warn("store watcher error")
			}
		}
	}()
	return nil
}

func isStoreMetadata(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.HasSuffix(base, recordExt) || strings.HasSuffix(base, lockExt)
}
