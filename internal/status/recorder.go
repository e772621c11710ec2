package status

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Status 同步状态
type Status string

const (
	Pending Status = "PENDING"
	Success Status = "SUCCESS"
	Failed  Status = "FAILED"
)

// Update 一条状态记录：事件摘要 + 同步状态
type Update struct {
	EventID string
	Target  string
	Seq     uint64
	Op      string
	Kind    string
	Path    string
	OldPath string
	Size    int64 // Deleted 为 -1
	IsText  bool
	Status  Status
	Reason  string
	At      time.Time
}

// Terminal 是否为最终状态
func (u Update) Terminal() bool {
	return u.Status == Success || u.Status == Failed
}

// Recorder 状态接收方，写入失败不影响同步本身
type Recorder interface {
	Record(ctx context.Context, u Update) error
}

// Nop 丢弃所有记录
type Nop struct{}

func (Nop) Record(context.Context, Update) error { return nil }

// LogRecorder 每条记录输出一行日志 (CLIENT 模式)
type LogRecorder struct {
	Logger *slog.Logger
}

func (r LogRecorder) Record(_ context.Context, u Update) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"target", u.Target,
		"seq", u.Seq,
		"op", u.Op,
		"path", u.Path,
	}
	if u.OldPath != "" {
		attrs = append(attrs, "old_path", u.OldPath)
	}
	switch u.Status {
	case Failed:
		logger.Error("同步失败", append(attrs, "reason", u.Reason)...)
	case Success:
		if u.Reason != "" {
			attrs = append(attrs, "reason", u.Reason)
		}
		logger.Info("同步完成", attrs...)
	default:
		logger.Debug("任务入队", attrs...)
	}
	return nil
}

// Multi 依次写入所有接收方，返回合并后的错误
type Multi []Recorder

func (m Multi) Record(ctx context.Context, u Update) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async 通过有界缓冲异步写入，缓冲满时丢弃并告警，从不阻塞调用方
type Async struct {
	next    Recorder
	ch      chan Update
	dropped int64

	mu     sync.Mutex
	closed bool
}

func NewAsync(next Recorder, size int) *Async {
	if size <= 0 {
		size = 1024
	}
	return &Async{next: next, ch: make(chan Update, size)}
}

func (a *Async) Record(_ context.Context, u Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	select {
	case a.ch <- u:
	default:
		a.dropped++
		slog.Warn("状态缓冲已满，丢弃记录", "path", u.Path, "status", u.Status, "dropped", a.dropped)
	}
	return nil
}

// Run 消费缓冲直到 ctx 取消，退出前尽量写完剩余记录
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case u := <-a.ch:
			a.write(ctx, u)
		case <-ctx.Done():
			a.mu.Lock()
			a.closed = true
			a.mu.Unlock()
			a.drain()
			return nil
		}
	}
}

func (a *Async) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case u := <-a.ch:
			a.write(ctx, u)
		default:
			return
		}
	}
}

func (a *Async) write(ctx context.Context, u Update) {
	if err := a.next.Record(ctx, u); err != nil {
		slog.Warn("写入状态记录失败", "path", u.Path, "status", u.Status, "err", err)
	}
}

// Dropped 因缓冲满被丢弃的记录数
func (a *Async) Dropped() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}
