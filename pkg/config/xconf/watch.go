package xconf

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce 连续的文件事件在此窗口内合并为一次重载
const DefaultDebounce = 100 * time.Millisecond

// Watch 监视配置文件并在变更后重载，阻塞直到 ctx 结束
//
// onChange 在每次重载后调用，err 非 nil 表示重载失败（旧配置仍然有效）。
// 监视的是文件所在目录，编辑器"写临时文件再 rename"的保存方式也能被捕获。
func (l *Loader) Watch(ctx context.Context, debounce time.Duration, onChange func(*Loader, error)) error {
	if l.path == "" {
		return ErrNotReloadable
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("xconf: create watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		return errors.Join(fmt.Errorf("xconf: watch %s: %w", dir, err), w.Close())
	}
	defer w.Close() //nolint:errcheck // 退出路径

	name := filepath.Base(l.path)
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			err := l.Reload()
			if onChange != nil {
				onChange(l, err)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if onChange != nil {
				onChange(l, fmt.Errorf("xconf: watch error: %w", err))
			}
		}
	}
}
