package vectorindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"regaudit-go/pkg/log"

	"github.com/fsnotify/fsnotify"
)

// Watch 监听索引文件的变化（例如运维 CLI 重建或追加后 rename 覆盖），
// 在 debounce 窗口内合并事件后调用 onChange。ctx 取消时停止监听。
//
// 监听的是索引文件所在目录，因为原子 rename 会替换 inode，直接监听文件会丢事件。
func Watch(ctx context.Context, path string, debounce time.Duration, onChange func()) error {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	watched := map[string]bool{target: true, target + ".meta": true}

	go func() {
		defer watcher.Close()

		var mu sync.Mutex
		var timer *time.Timer
		defer func() {
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !watched[filepath.Clean(event.Name)] {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					if ctx.Err() == nil {
						onChange()
					}
				})
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("[VectorIndex] 索引文件监听出错: %v", err)
			}
		}
	}()
	return nil
}
