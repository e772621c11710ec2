package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filemirror/internal/event"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

// 遍历目录使用的文件系统，测试中可替换
var appFs = afero.NewOsFs()

// Options 初始化选项
type Options struct {
	Root         string
	Recursive    bool
	RenameWindow time.Duration  // Rename 与随后 Create 配对的最长间隔
	Ignore       *event.Matcher // 被忽略的目录不添加监控
	Clock        clockwork.Clock
	Buffer       int // 输出通道容量
}

type pendingRename struct {
	path  string
	isDir bool
}

// Watcher 基于 fsnotify 的递归监控，输出未合并的原始通知
//
// fsnotify 不提供 rename 的 cookie，这里把一次 Rename 与窗口内紧随的
// Create 配对为 RawRename；窗口内没有 Create 视为移出监控范围。
type Watcher struct {
	opts Options
	root string
	fsw  *fsnotify.Watcher
	out  chan event.RawEvent

	// 以下字段只在 Run 所在的 goroutine 中访问
	dirs      map[string]bool // 已添加监控的目录
	pending   *pendingRename
	expire    <-chan time.Time
	selfMoves map[string]bool // 已配对的目录旧路径，忽略其自身随后的 Rename
}

// New 创建监控并添加根目录 (递归模式下包括全部子目录)
func New(opts Options) (*Watcher, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.RenameWindow <= 0 {
		opts.RenameWindow = 100 * time.Millisecond
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("解析监控目录失败: %w", err)
	}
	info, err := appFs.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("监控目录不可用: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s 不是目录", root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控失败: %w", err)
	}
	w := &Watcher{
		opts:      opts,
		root:      root,
		fsw:       fsw,
		out:       make(chan event.RawEvent, opts.Buffer),
		dirs:      make(map[string]bool),
		selfMoves: make(map[string]bool),
	}
	if err := w.addTree(context.Background(), root, false); err != nil {
		// 释放已添加的监控句柄
		if cerr := fsw.Close(); cerr != nil {
			slog.Warn("关闭文件监控失败", "err", cerr)
		}
		return nil, err
	}
	slog.Info("文件监控已启动", "root", root, "recursive", opts.Recursive, "dirs", len(w.dirs))
	return w, nil
}

// Root 监控根目录 (绝对路径)
func (w *Watcher) Root() string {
	return w.root
}

// Events 原始通知，Run 退出后关闭
func (w *Watcher) Events() <-chan event.RawEvent {
	return w.out
}

// Close 释放 fsnotify 资源，可重复调用
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run 转换 fsnotify 事件直到 ctx 取消
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.out)
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			if w.pending != nil {
				slog.Debug("退出时丢弃未配对的重命名", "path", w.pending.path)
			}
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				slog.Warn("通知队列溢出，部分变更可能丢失", "err", err)
				continue
			}
			slog.Error("文件监控出错", "err", err)
		case <-w.expire:
			w.expirePending(ctx)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	switch {
	case ev.Has(fsnotify.Create):
		w.created(ctx, path)
	case ev.Has(fsnotify.Rename):
		w.renamed(ctx, path)
	case ev.Has(fsnotify.Remove):
		w.removed(ctx, path)
	case ev.Has(fsnotify.Write):
		w.send(ctx, event.RawEvent{Kind: event.RawWrite, Path: path})
	}
}

func (w *Watcher) created(ctx context.Context, path string) {
	isDir := false
	if info, err := lstat(path); err == nil {
		isDir = info.IsDir()
	}

	if p := w.pending; p != nil && !pairable(p, path, isDir) {
		// 无关路径的 Create，之前的 Rename 是移出监控目录
		w.expirePending(ctx)
	}
	if p := w.pending; p != nil {
		w.pending, w.expire = nil, nil
		w.send(ctx, event.RawEvent{Kind: event.RawRename, OldPath: p.path, Path: path, IsDir: isDir || p.isDir})
		if isDir {
			w.forgetTree(p.path)
			w.selfMoves[p.path] = true
			if w.opts.Recursive {
				// 内容随目录一起移动，只需要补上监控
				if err := w.addTree(ctx, path, false); err != nil {
					slog.Warn("添加目录监控失败", "path", path, "err", err)
				}
			}
		}
		return
	}

	w.send(ctx, event.RawEvent{Kind: event.RawCreate, Path: path, IsDir: isDir})
	if isDir && w.opts.Recursive {
		// 添加监控之前写入或整体移入的内容不会产生通知，主动补发
		if err := w.addTree(ctx, path, true); err != nil {
			slog.Warn("添加目录监控失败", "path", path, "err", err)
		}
	}
}

// pairable 只有同名或同目录的 Create 才视为 Rename 的另一半
func pairable(p *pendingRename, path string, isDir bool) bool {
	if p.isDir != isDir {
		return false
	}
	return filepath.Base(p.path) == filepath.Base(path) || filepath.Dir(p.path) == filepath.Dir(path)
}

func (w *Watcher) renamed(ctx context.Context, path string) {
	if path == w.root {
		slog.Error("监控根目录已被移动", "root", w.root)
		return
	}
	if w.selfMoves[path] {
		delete(w.selfMoves, path)
		return
	}
	if p := w.pending; p != nil && p.path == path {
		return
	}
	w.expirePending(ctx)
	w.pending = &pendingRename{path: path, isDir: w.dirs[path]}
	w.expire = w.opts.Clock.After(w.opts.RenameWindow)
}

func (w *Watcher) removed(ctx context.Context, path string) {
	if path == w.root {
		slog.Error("监控根目录已被删除", "root", w.root)
		return
	}
	isDir := w.dirs[path]
	w.forgetTree(path)
	w.send(ctx, event.RawEvent{Kind: event.RawRemove, Path: path, IsDir: isDir})
}

// expirePending 重命名没有等到对应的 Create，按删除处理
func (w *Watcher) expirePending(ctx context.Context) {
	p := w.pending
	if p == nil {
		return
	}
	w.pending, w.expire = nil, nil
	if p.isDir {
		w.forgetTree(p.path)
	}
	w.send(ctx, event.RawEvent{Kind: event.RawRemove, Path: p.path, IsDir: p.isDir})
}

func (w *Watcher) send(ctx context.Context, ev event.RawEvent) {
	select {
	case w.out <- ev:
	case <-ctx.Done():
	}
}

// addTree 为 dir 及其子目录添加监控，emit 为 true 时为其中每一项补发 Create
func (w *Watcher) addTree(ctx context.Context, dir string, emit bool) error {
	if !w.opts.Recursive {
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("监控目录 %s 失败: %w", dir, err)
		}
		w.dirs[dir] = true
		return nil
	}

	return afero.Walk(appFs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("扫描目录 %s 失败: %w", dir, err)
			}
			slog.Warn("扫描目录出错，已跳过", "path", path, "err", err)
			return nil
		}
		if path != w.root && w.ignored(path) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if emit && path != dir {
			w.send(ctx, event.RawEvent{Kind: event.RawCreate, Path: path, IsDir: info.IsDir()})
		}
		if !info.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			if path == w.root {
				return fmt.Errorf("监控目录 %s 失败: %w", path, err)
			}
			slog.Warn("添加目录监控失败", "path", path, "err", err)
			return nil
		}
		w.dirs[path] = true
		return nil
	})
}

// forgetTree 移除 dir 及其子目录的监控记录
func (w *Watcher) forgetTree(dir string) {
	prefix := dir + string(filepath.Separator)
	for p := range w.dirs {
		if p != dir && !strings.HasPrefix(p, prefix) {
			continue
		}
		delete(w.dirs, p)
		// 目录已删除或移走时 fsnotify 会自行移除，这里的错误可以忽略
		_ = w.fsw.Remove(p)
	}
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	return w.opts.Ignore.Match(filepath.ToSlash(rel))
}

func lstat(path string) (os.FileInfo, error) {
	if lst, ok := appFs.(afero.Lstater); ok {
		info, _, err := lst.LstatIfPossible(path)
		return info, err
	}
	return appFs.Stat(path)
}
