package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"time"

	"filemirror/internal/database"
	"filemirror/internal/fs"
	"filemirror/internal/fs/local"
	"filemirror/internal/status"

	"github.com/jonboulle/clockwork"
)

const (
	reasonSuperseded = "superseded by later delete"
	reasonUnreadable = "source unreadable"
)

var (
	errSuperseded = errors.New(reasonSuperseded)
	errUnreadable = errors.New(reasonUnreadable)
)

// RetryPolicy 指数退避
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// Backoff 第 attempt 次失败后的等待时间 (attempt 从 1 开始)
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// WorkerOptions 初始化选项
type WorkerOptions struct {
	Queue    *Queue
	Dialer   fs.Dialer
	Local    *local.Adapter
	Index    *database.DB // 可为 nil
	Oracle   DeleteOracle // 可为 nil
	Recorder status.Recorder
	Retry    RetryPolicy
	Clock    clockwork.Clock
}

// Worker 独占一个远端会话，按顺序执行队列中的任务
type Worker struct {
	opts    WorkerOptions
	target  string
	session fs.Mirror
}

func NewWorker(opts WorkerOptions) *Worker {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Recorder == nil {
		opts.Recorder = status.Nop{}
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	return &Worker{opts: opts, target: opts.Queue.Target()}
}

// Run 持续消费队列直到 ctx 取消
func (w *Worker) Run(ctx context.Context) error {
	defer w.disconnect()
	for {
		task, err := w.opts.Queue.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		w.process(ctx, task)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// process 执行一次尝试并决定任务去向
func (w *Worker) process(ctx context.Context, task *SyncTask) {
	task.AttemptCount++
	slog.Debug("执行同步任务", "target", w.target, "task", task.String(), "attempt", task.AttemptCount)

	err := w.execute(ctx, task)
	switch {
	case err == nil:
		w.finish(ctx, task, StatusSucceeded, "")
		return
	case errors.Is(err, errSuperseded):
		slog.Info("本地文件已被删除，放弃上传", "target", w.target, "path", task.TargetPath)
		w.finish(ctx, task, StatusSucceeded, reasonSuperseded)
		return
	case errors.Is(err, errUnreadable):
		w.finish(ctx, task, StatusFailedPermanent, err.Error())
		return
	}

	task.LastError = err.Error()
	if fs.IsConnectionLost(err) {
		slog.Warn("连接已断开，下次尝试前重新连接", "target", w.target, "err", err)
		w.disconnect()
	}

	if ctx.Err() != nil {
		// 退出中断的尝试不计入重试次数，会话可能已被强制关闭
		w.disconnect()
		task.AttemptCount--
		if rerr := w.opts.Queue.Retry(task, time.Time{}); rerr != nil {
			slog.Error("任务状态持久化失败", "target", w.target, "task", task.String(), "err", rerr)
		}
		return
	}

	if fs.Classify(err) == fs.ClassPermanent {
		w.finish(ctx, task, StatusFailedPermanent, err.Error())
		return
	}
	if task.AttemptCount >= w.opts.Retry.MaxAttempts {
		w.finish(ctx, task, StatusFailedPermanent, fmt.Sprintf("重试 %d 次后失败: %v", task.AttemptCount, err))
		return
	}

	delay := w.opts.Retry.Backoff(task.AttemptCount)
	slog.Warn("同步失败，稍后重试",
		"target", w.target,
		"task", task.String(),
		"attempt", task.AttemptCount,
		"delay", delay,
		"err", err,
	)
	if rerr := w.opts.Queue.Retry(task, w.opts.Clock.Now().Add(delay)); rerr != nil {
		slog.Error("任务状态持久化失败", "target", w.target, "task", task.String(), "err", rerr)
	}
}

// finish 出队并发出唯一一条最终状态
func (w *Worker) finish(ctx context.Context, task *SyncTask, st TaskStatus, reason string) {
	task.Status = st
	if err := w.opts.Queue.Complete(task); err != nil {
		slog.Error("移除已完成任务失败", "target", w.target, "task", task.String(), "err", err)
	}

	update := statusUpdate(task, status.Success, reason, w.opts.Clock.Now())
	if st == StatusFailedPermanent {
		update.Status = status.Failed
		slog.Error("同步任务失败", "target", w.target, "task", task.String(), "reason", reason)
	} else {
		slog.Info("同步任务完成", "target", w.target, "task", task.String())
	}
	if err := w.opts.Recorder.Record(context.WithoutCancel(ctx), update); err != nil {
		slog.Warn("记录同步状态失败", "target", w.target, "task", task.String(), "err", err)
	}
}

func (w *Worker) connect(ctx context.Context) (fs.Mirror, error) {
	if w.session != nil {
		return w.session, nil
	}
	m, err := w.opts.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	w.session = m
	return m, nil
}

func (w *Worker) disconnect() {
	if w.session == nil {
		return
	}
	if err := w.session.Close(); err != nil {
		slog.Debug("关闭远端会话出错", "target", w.target, "err", err)
	}
	w.session = nil
}

func (w *Worker) execute(ctx context.Context, task *SyncTask) error {
	m, err := w.connect(ctx)
	if err != nil {
		return err
	}
	// 远端操作不感知 ctx，退出时关闭会话让阻塞中的操作返回
	stop := context.AfterFunc(ctx, func() {
		if err := m.Close(); err != nil {
			slog.Debug("关闭远端会话出错", "target", w.target, "err", err)
		}
	})
	defer stop()

	switch task.Op {
	case OpUpload:
		if err := m.EnsureDir(parentDir(task.TargetPath)); err != nil {
			return err
		}
		return w.upload(m, task, task.TargetPath)

	case OpDeleteRemote:
		if err := m.Delete(task.TargetPath); err != nil && !fs.IsNotExist(err) {
			return err
		}
		w.indexDelete(task.TargetPath)
		return nil

	case OpRenameRemote:
		if err := m.EnsureDir(parentDir(task.TargetPath)); err != nil {
			return err
		}
		err := m.Rename(task.OldRemotePath, task.TargetPath)
		if err == nil {
			w.indexRename(task.OldRemotePath, task.TargetPath)
			return nil
		}
		if !fs.IsNotExist(err) {
			return err
		}
		// 远端源路径不存在，改为上传本地目标，结果相同
		slog.Info("远端源路径不存在，改为上传", "target", w.target, "old", task.OldRemotePath, "new", task.TargetPath)
		w.indexDelete(task.OldRemotePath)
		if task.IsDir {
			return w.uploadTree(m, task)
		}
		return w.upload(m, task, task.TargetPath)

	case OpEnsureRemoteDir:
		if err := m.EnsureDir(task.TargetPath); err != nil {
			return err
		}
		w.indexPut(task.TargetPath)
		return nil
	}
	return fmt.Errorf("未知的操作类型: %s", task.Op)
}

// upload 读取本地文件并上传；本地读失败时区分“之后被删除”与“不可读”
func (w *Worker) upload(m fs.Mirror, task *SyncTask, relPath string) error {
	reader, err := w.opts.Local.OpenStream(relPath)
	if err != nil {
		if w.opts.Oracle != nil && w.opts.Oracle.DeletedAfter(relPath, task.EnqueuedAt) {
			return errSuperseded
		}
		return fmt.Errorf("%w: %v", errUnreadable, err)
	}
	defer reader.Close()

	if err := m.Upload(relPath, reader); err != nil {
		return err
	}
	w.indexPut(relPath)
	return nil
}

// uploadTree 目录重命名回退：在新路径下重建整棵目录
func (w *Worker) uploadTree(m fs.Mirror, task *SyncTask) error {
	files, err := w.opts.Local.ListAll(task.TargetPath)
	if err != nil {
		if w.opts.Oracle != nil && w.opts.Oracle.DeletedAfter(task.TargetPath, task.EnqueuedAt) {
			return errSuperseded
		}
		return fmt.Errorf("%w: %v", errUnreadable, err)
	}
	if err := m.EnsureDir(task.TargetPath); err != nil {
		return err
	}
	w.indexPut(task.TargetPath)

	// 目录在前，按路径排序保证父目录先创建
	paths := sortedKeys(files)
	for _, p := range paths {
		if files[p].IsDir {
			if err := m.EnsureDir(p); err != nil {
				return err
			}
			w.indexPut(p)
		}
	}
	for _, p := range paths {
		if files[p].IsDir {
			continue
		}
		if err := w.upload(m, task, p); err != nil {
			if errors.Is(err, errSuperseded) {
				continue
			}
			return err
		}
	}
	return nil
}

func sortedKeys(files map[string]*fs.FileMeta) []string {
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (w *Worker) indexPut(relPath string) {
	if w.opts.Index == nil {
		return
	}
	entry := &database.RemoteEntry{RelPath: relPath}
	if meta, err := w.opts.Local.Stat(relPath); err == nil {
		entry.FileSize = meta.Size
		entry.ModTime = meta.ModTime.UnixNano()
		entry.IsDir = meta.IsDir
	}
	if err := w.opts.Index.PutEntry(w.target, entry); err != nil {
		slog.Warn("更新镜像索引失败", "target", w.target, "path", relPath, "err", err)
	}
}

func (w *Worker) indexDelete(relPath string) {
	if w.opts.Index == nil {
		return
	}
	if err := w.opts.Index.DeleteEntry(w.target, relPath); err != nil {
		slog.Warn("更新镜像索引失败", "target", w.target, "path", relPath, "err", err)
	}
}

func (w *Worker) indexRename(oldPath, newPath string) {
	if w.opts.Index == nil {
		return
	}
	if err := w.opts.Index.RenameEntry(w.target, oldPath, newPath); err != nil {
		slog.Warn("更新镜像索引失败", "target", w.target, "path", newPath, "err", err)
	}
}

// statusUpdate 由任务生成一条状态记录
func statusUpdate(task *SyncTask, st status.Status, reason string, at time.Time) status.Update {
	ev := task.Event
	path := ev.Path
	if path == "" {
		path = filepath.FromSlash(task.TargetPath)
	}
	kind := ev.Kind
	if kind == 0 {
		kind = task.Op.kind()
	}
	return status.Update{
		EventID: ev.ID,
		Target:  task.Target,
		Seq:     task.Seq,
		Op:      task.Op.String(),
		Kind:    kind.String(),
		Path:    path,
		OldPath: ev.OldPath,
		Size:    ev.Size,
		IsText:  ev.IsText,
		Status:  st,
		Reason:  reason,
		At:      at,
	}
}
