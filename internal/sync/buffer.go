package sync

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"filemirror/internal/event"

	"github.com/jonboulle/clockwork"
)

// Enqueuer 接收缓冲区产出的任务，必须立即返回
type Enqueuer interface {
	Enqueue(tasks ...*SyncTask)
}

// DeleteOracle 供 Worker 判断本地文件消失是否因为之后的删除事件
type DeleteOracle interface {
	DeletedAfter(relPath string, t time.Time) bool
}

// BufferOptions 初始化选项
type BufferOptions struct {
	Root    string        // 本地监控根目录
	Window  time.Duration // 静默窗口
	MaxWait time.Duration // 从第一个事件起的最长等待
	Clock   clockwork.Clock
	Known   []string // 已知存在于远端的相对路径 (来自镜像索引)
}

type slotState int

const (
	slotUpload slotState = iota // 上传文件或创建目录
	slotDelete
	slotRename
)

// slot 一个路径上尚未落地的合并结果
type slot struct {
	path        string
	state       slotState
	isDir       bool
	maybeRemote bool   // 远端可能存在该路径，删除时需要真正执行
	oldPath     string // slotRename 的源路径
	dirty       bool   // 重命名之后又有修改，需要追加上传
	ev          event.ChangeEvent
	first       time.Time
	gen         uint64
	timer       clockwork.Timer
}

// Buffer 按路径去抖并合并事件，到期后产出最少的任务
type Buffer struct {
	opts BufferOptions
	out  Enqueuer
	root string

	mu      sync.Mutex
	slots   map[string]*slot
	sources map[string]string // 待重命名的源路径 -> 目标路径
	known   map[string]bool
	deleted map[string]time.Time
	gen     uint64
}

func NewBuffer(opts BufferOptions, out Enqueuer) *Buffer {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MaxWait < opts.Window {
		opts.MaxWait = opts.Window
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		root = filepath.Clean(opts.Root)
	}
	b := &Buffer{
		opts:    opts,
		out:     out,
		root:    root,
		slots:   make(map[string]*slot),
		sources: make(map[string]string),
		known:   make(map[string]bool),
		deleted: make(map[string]time.Time),
	}
	for _, p := range opts.Known {
		b.remember(p)
	}
	return b
}

func (b *Buffer) rel(path string) (string, bool) {
	rel, err := filepath.Rel(b.root, filepath.Clean(path))
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

// Add 合并一个事件，不做任何 I/O
func (b *Buffer) Add(ev event.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rel, ok := b.rel(ev.Path)
	if !ok {
		slog.Warn("事件路径不在监控目录下，已忽略", "path", ev.Path)
		return
	}

	switch ev.Kind {
	case event.Created, event.Modified:
		b.flushSource(rel)
		s := b.slots[rel]
		if s == nil {
			s = b.newSlot(rel, slotUpload)
			s.maybeRemote = b.known[rel] || ev.Kind != event.Created
		}
		switch s.state {
		case slotDelete:
			s.state = slotUpload
		case slotRename:
			s.dirty = true
		}
		s.isDir = ev.IsDir
		b.touch(s, ev)

	case event.Deleted:
		b.flushSource(rel)
		b.markDeleted(rel)
		s := b.slots[rel]
		if s == nil {
			// 创建事件可能因文件已消失而被过滤，只按远端存在性决定是否删除
			s = b.newSlot(rel, slotDelete)
			s.maybeRemote = b.known[rel]
		}
		if s.state == slotRename {
			// 重命名还没发生，远端内容仍在源路径上
			b.detachSource(s)
			b.deleteSource(s.oldPath, s.isDir, ev)
			s.maybeRemote = b.known[rel]
			s.oldPath, s.dirty = "", false
		}
		if ev.IsDir {
			b.dropChildren(rel, ev)
		}
		s.state = slotDelete
		s.isDir = s.isDir || ev.IsDir
		b.touch(s, ev)

	case event.Moved:
		oldRel, ok := b.rel(ev.OldPath)
		if !ok || oldRel == rel {
			return
		}
		b.flushSource(rel)
		// 之前入队的源路径上传读不到文件属于正常情况
		b.markDeleted(oldRel)
		// 目标上已有的待处理结果先落地，保证顺序
		if existing := b.slots[rel]; existing != nil {
			b.flush(existing)
		}
		src := b.slots[oldRel]
		if src != nil {
			b.discard(src)
		}

		var s *slot
		switch {
		case src != nil && src.state == slotUpload && !src.maybeRemote:
			// 源路径从未到达远端，直接在新路径上传
			s = b.newSlot(rel, slotUpload)
			s.maybeRemote = b.known[rel]
			s.first = src.first
		case src != nil && src.state == slotRename:
			// 链式重命名合并为一次
			s = b.newSlot(rel, slotRename)
			s.oldPath, s.dirty = src.oldPath, src.dirty
			s.first = src.first
		case ev.IsDir || b.known[oldRel] || (src != nil && src.state == slotUpload):
			s = b.newSlot(rel, slotRename)
			s.oldPath = oldRel
			s.dirty = src != nil && src.state == slotUpload && !ev.IsDir
		default:
			// 远端没有源文件的记录，按新文件上传
			s = b.newSlot(rel, slotUpload)
			s.maybeRemote = b.known[rel]
		}
		s.isDir = ev.IsDir
		if s.state == slotRename {
			b.sources[s.oldPath] = rel
		}
		b.touch(s, ev)

		if ev.IsDir {
			// 目录操作立即落地，子路径上的待处理结果随之改到新路径下
			b.flush(s)
			b.retargetChildren(oldRel, rel)
		}
	}
}

func (b *Buffer) newSlot(rel string, state slotState) *slot {
	s := &slot{path: rel, state: state, first: b.opts.Clock.Now()}
	b.slots[rel] = s
	return s
}

// touch 记录最新事件并重新计时，总等待不超过 MaxWait
func (b *Buffer) touch(s *slot, ev event.ChangeEvent) {
	s.ev = ev
	now := b.opts.Clock.Now()
	wait := b.opts.Window
	if deadline := s.first.Add(b.opts.MaxWait); now.Add(wait).After(deadline) {
		wait = deadline.Sub(now)
		if wait < 0 {
			wait = 0
		}
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	b.gen++
	gen := b.gen
	s.gen = gen
	path := s.path
	s.timer = b.opts.Clock.AfterFunc(wait, func() { b.expire(path, gen) })
}

func (b *Buffer) expire(path string, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.slots[path]
	if s == nil || s.gen != gen {
		return
	}
	b.flush(s)
}

// flushSource 路径 rel 是某个待重命名的源时，先让重命名落地
func (b *Buffer) flushSource(rel string) {
	if dest, ok := b.sources[rel]; ok {
		if s := b.slots[dest]; s != nil {
			b.flush(s)
		}
	}
}

func (b *Buffer) detachSource(s *slot) {
	if s.state == slotRename && b.sources[s.oldPath] == s.path {
		delete(b.sources, s.oldPath)
	}
}

// discard 移除 slot 但不产出任务
func (b *Buffer) discard(s *slot) {
	if s.timer != nil {
		s.timer.Stop()
	}
	b.detachSource(s)
	delete(b.slots, s.path)
}

// flush 把 slot 转换为 0..2 个任务交给 Enqueuer，并更新远端存在性
func (b *Buffer) flush(s *slot) {
	b.discard(s)

	local := filepath.Join(b.root, filepath.FromSlash(s.path))
	var tasks []*SyncTask
	switch s.state {
	case slotUpload:
		op := OpUpload
		if s.isDir {
			op = OpEnsureRemoteDir
		}
		tasks = append(tasks, &SyncTask{Op: op, TargetPath: s.path, SourceLocalPath: local, IsDir: s.isDir, Event: s.ev})
		b.remember(s.path)
	case slotDelete:
		if s.maybeRemote {
			tasks = append(tasks, &SyncTask{Op: OpDeleteRemote, TargetPath: s.path, IsDir: s.isDir, Event: s.ev})
		}
		b.forget(s.path)
	case slotRename:
		tasks = append(tasks, &SyncTask{
			Op:              OpRenameRemote,
			TargetPath:      s.path,
			SourceLocalPath: local,
			OldRemotePath:   s.oldPath,
			IsDir:           s.isDir,
			Event:           s.ev,
		})
		if s.dirty {
			tasks = append(tasks, &SyncTask{Op: OpUpload, TargetPath: s.path, SourceLocalPath: local, Event: s.ev})
		}
		b.move(s.oldPath, s.path)
	}

	if len(tasks) == 0 {
		slog.Debug("事件已抵消，无需同步", "path", s.path)
		return
	}
	b.out.Enqueue(tasks...)
}

func (b *Buffer) forget(rel string) {
	prefix := rel + "/"
	for p := range b.known {
		if p == rel || strings.HasPrefix(p, prefix) {
			delete(b.known, p)
		}
	}
}

func (b *Buffer) move(oldRel, newRel string) {
	prefix := oldRel + "/"
	moved := make(map[string]bool)
	for p := range b.known {
		switch {
		case p == oldRel:
			moved[newRel] = true
			delete(b.known, p)
		case strings.HasPrefix(p, prefix):
			moved[newRel+"/"+strings.TrimPrefix(p, prefix)] = true
			delete(b.known, p)
		}
	}
	for p := range moved {
		b.known[p] = true
	}
	b.remember(newRel)
}

// remember 标记路径及其上级目录存在于远端 (上级目录由 Worker 按需创建)
func (b *Buffer) remember(rel string) {
	for p := rel; p != "" && p != "."; p = parentDir(p) {
		b.known[p] = true
	}
}

// retargetChildren 目录移动后，把旧目录下的 slot 改到新目录下
func (b *Buffer) retargetChildren(oldDir, newDir string) {
	prefix := oldDir + "/"
	var moved []*slot
	for p, s := range b.slots {
		if strings.HasPrefix(p, prefix) {
			b.discard(s)
			s.path = newDir + "/" + strings.TrimPrefix(p, prefix)
			moved = append(moved, s)
		}
	}
	for _, s := range moved {
		if s.state == slotRename && strings.HasPrefix(s.oldPath, prefix) {
			s.oldPath = newDir + "/" + strings.TrimPrefix(s.oldPath, prefix)
		}
		b.slots[s.path] = s
		if s.state == slotRename {
			b.sources[s.oldPath] = s.path
		}
		b.touch(s, s.ev)
	}
}

// dropChildren 目录被删除，其下的待处理结果不再需要
func (b *Buffer) dropChildren(dir string, ev event.ChangeEvent) {
	prefix := dir + "/"
	for p, s := range b.slots {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		b.discard(s)
		if s.state == slotRename && !strings.HasPrefix(s.oldPath, prefix) {
			b.deleteSource(s.oldPath, s.isDir, ev)
		}
	}
}

// deleteSource 未执行的重命名作废后，删除仍留在远端源路径上的内容
func (b *Buffer) deleteSource(oldRel string, isDir bool, ev event.ChangeEvent) {
	if b.slots[oldRel] != nil {
		// 源路径上已有新的变更，由它覆盖远端
		return
	}
	srcEv := ev
	srcEv.Path = filepath.Join(b.root, filepath.FromSlash(oldRel))
	srcEv.OldPath = ""
	srcEv.IsDir = isDir
	src := b.newSlot(oldRel, slotDelete)
	src.maybeRemote = true
	src.isDir = isDir
	b.touch(src, srcEv)
}

const (
	deletedPruneSize = 10000
	deletedRetention = time.Hour
)

func (b *Buffer) markDeleted(rel string) {
	now := b.opts.Clock.Now()
	b.deleted[rel] = now
	if len(b.deleted) > deletedPruneSize {
		for p, at := range b.deleted {
			if now.Sub(at) > deletedRetention {
				delete(b.deleted, p)
			}
		}
	}
}

// DeletedAfter 路径 (或其任一上级目录) 在 t 之后收到过删除事件
func (b *Buffer) DeletedAfter(relPath string, t time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p := relPath; p != "" && p != "."; p = parentDir(p) {
		if at, ok := b.deleted[p]; ok && !at.Before(t) {
			return true
		}
	}
	return false
}

// Known 路径当前是否被认为存在于远端
func (b *Buffer) Known(relPath string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.known[relPath]
}

// Flush 立即落地所有 slot (退出前调用)
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.slots) > 0 {
		// 按最早事件顺序落地
		var oldest *slot
		for _, s := range b.slots {
			if oldest == nil || s.first.Before(oldest.first) || (s.first.Equal(oldest.first) && s.gen < oldest.gen) {
				oldest = s
			}
		}
		b.flush(oldest)
	}
}

// Pending 尚未落地的路径数
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}
