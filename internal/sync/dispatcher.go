package sync

import (
	"context"
	"log/slog"

	"filemirror/internal/status"

	"github.com/jonboulle/clockwork"
)

// Dispatcher 把缓冲区产出的任务复制到每个远端的队列，并发出 PENDING 状态
type Dispatcher struct {
	queues   []*Queue
	recorder status.Recorder
	clock    clockwork.Clock
}

func NewDispatcher(queues []*Queue, recorder status.Recorder, clock clockwork.Clock) *Dispatcher {
	if recorder == nil {
		recorder = status.Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Dispatcher{queues: queues, recorder: recorder, clock: clock}
}

// Enqueue 实现 Enqueuer，不等待任何 Worker
func (d *Dispatcher) Enqueue(tasks ...*SyncTask) {
	for _, q := range d.queues {
		for _, t := range tasks {
			task := *t
			if err := q.Enqueue(&task); err != nil {
				slog.Error("任务入队失败", "target", q.Target(), "op", t.Op, "path", t.TargetPath, "err", err)
				continue
			}
			slog.Debug("任务已入队", "target", q.Target(), "task", task.String())
			update := statusUpdate(&task, status.Pending, "", d.clock.Now())
			if err := d.recorder.Record(context.Background(), update); err != nil {
				slog.Warn("记录同步状态失败", "target", q.Target(), "task", task.String(), "err", err)
			}
		}
	}
}
