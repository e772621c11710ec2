package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"filemirror/internal/database"

	"github.com/jonboulle/clockwork"
)

// Queue 一个远端的有序任务队列，单消费者
// 同路径任务严格按序号执行；处于退避中的任务只阻塞与它路径相关的任务
type Queue struct {
	target string
	db     *database.DB // nil 表示仅内存
	clock  clockwork.Clock

	mu      sync.Mutex
	tasks   []*SyncTask // 按序号递增
	nextSeq uint64
	notify  chan struct{}
}

// NewQueue db 不为 nil 时从数据库恢复未完成的任务
func NewQueue(target string, db *database.DB, clock clockwork.Clock) (*Queue, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	q := &Queue{
		target: target,
		db:     db,
		clock:  clock,
		notify: make(chan struct{}, 1),
	}
	if db == nil {
		return q, nil
	}

	records, err := db.LoadTasks(target)
	if err != nil {
		return nil, fmt.Errorf("恢复队列 %s 失败: %w", target, err)
	}
	for _, rec := range records {
		task, err := taskFromRecord(target, rec)
		if err != nil {
			slog.Warn("跳过无法识别的持久化任务", "target", target, "seq", rec.Seq, "err", err)
			_ = db.DeleteTask(target, rec.Seq)
			continue
		}
		q.tasks = append(q.tasks, task)
	}
	if len(q.tasks) > 0 {
		slog.Info("已恢复未完成的同步任务", "target", target, "count", len(q.tasks))
	}
	return q, nil
}

// Target 远端名称
func (q *Queue) Target() string {
	return q.target
}

// Enqueue 分配序号并追加到队尾，不等待 Worker
func (q *Queue) Enqueue(task *SyncTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.db != nil {
		seq, err := q.db.NextSequence(q.target)
		if err != nil {
			return fmt.Errorf("分配序号失败: %w", err)
		}
		task.Seq = seq
	} else {
		q.nextSeq++
		task.Seq = q.nextSeq
	}
	task.Target = q.target
	task.Status = StatusPending
	task.EnqueuedAt = q.clock.Now()
	if err := q.persist(task); err != nil {
		return err
	}
	q.tasks = append(q.tasks, task)
	q.signal()
	return nil
}

func (q *Queue) persist(task *SyncTask) error {
	if q.db == nil {
		return nil
	}
	if err := q.db.PutTask(q.target, task.toRecord()); err != nil {
		return fmt.Errorf("持久化任务 %s 失败: %w", task, err)
	}
	return nil
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Next 阻塞直到有可执行的任务，返回的任务状态为 InFlight；ctx 取消后不再出队
func (q *Queue) Next(ctx context.Context) (*SyncTask, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		task, wait := q.pick()
		if task != nil {
			return task, nil
		}

		var timer <-chan time.Time
		if wait > 0 {
			timer = q.clock.After(wait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-timer:
		}
	}
}

// pick 返回第一个可执行的任务；没有时返回最近一次退避结束前的等待时间 (0 表示无限等待)
func (q *Queue) pick() (*SyncTask, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var (
		blocked []*SyncTask
		wait    time.Duration
	)
	for _, task := range q.tasks {
		if q.conflicts(blocked, task) {
			blocked = append(blocked, task)
			continue
		}
		if task.Status != StatusPending {
			blocked = append(blocked, task)
			continue
		}
		if task.NotBefore.After(now) {
			if d := task.NotBefore.Sub(now); wait == 0 || d < wait {
				wait = d
			}
			blocked = append(blocked, task)
			continue
		}
		task.Status = StatusInFlight
		return task, 0
	}
	return nil, wait
}

func (q *Queue) conflicts(earlier []*SyncTask, task *SyncTask) bool {
	for _, prev := range earlier {
		if prev.Conflicts(task) {
			return true
		}
	}
	return false
}

// Retry 任务保持原序号和位置，退避到 notBefore 之后再执行
func (q *Queue) Retry(task *SyncTask, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	task.Status = StatusPending
	task.NotBefore = notBefore
	err := q.persist(task)
	q.signal()
	return err
}

// Complete 任务到达最终状态后出队
func (q *Queue) Complete(task *SyncTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.tasks {
		if t.Seq == task.Seq {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			break
		}
	}
	q.signal()
	if q.db == nil {
		return nil
	}
	return q.db.DeleteTask(q.target, task.Seq)
}

// Len 未完成的任务数 (含执行中)
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Snapshot 返回当前任务的副本
func (q *Queue) Snapshot() []SyncTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]SyncTask, len(q.tasks))
	for i, t := range q.tasks {
		out[i] = *t
	}
	return out
}

// Close 仅内存模式下丢弃剩余任务并告警；持久化模式下剩余任务下次启动继续
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return
	}
	if q.db == nil {
		slog.Warn("内存队列关闭，未执行的任务被丢弃", "target", q.target, "count", len(q.tasks))
		q.tasks = nil
		return
	}
	slog.Info("未完成的任务已持久化，下次启动继续", "target", q.target, "count", len(q.tasks))
}
