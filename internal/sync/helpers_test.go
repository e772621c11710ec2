package sync

import (
	"context"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"filemirror/internal/event"
	"filemirror/internal/fs"
	"filemirror/internal/status"

	"github.com/stretchr/testify/require"
)

// collector 记录缓冲区产出的任务
type collector struct {
	mu    sync.Mutex
	tasks []*SyncTask
}

func (c *collector) Enqueue(tasks ...*SyncTask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, tasks...)
}

func (c *collector) get() []*SyncTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*SyncTask(nil), c.tasks...)
}

// describe 任务的紧凑表示，便于断言
func describe(tasks []*SyncTask) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t.Op == OpRenameRemote {
			out = append(out, t.Op.String()+" "+t.OldRemotePath+" -> "+t.TargetPath)
			continue
		}
		out = append(out, t.Op.String()+" "+t.TargetPath)
	}
	return out
}

// fakeMirror 内存中的远端，可注入错误
type fakeMirror struct {
	mu      sync.Mutex
	files   map[string]string
	dirs    map[string]bool
	mkdirs  int
	errs    []error // 依次返回给后续操作
	failAll error   // 非 nil 时所有操作都失败
	closed  bool
	log     []string
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{files: make(map[string]string), dirs: map[string]bool{"": true}}
}

func (m *fakeMirror) injected() error {
	if m.failAll != nil {
		return m.failAll
	}
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return err
	}
	return nil
}

func (m *fakeMirror) Root() string { return "/remote" }

func (m *fakeMirror) Upload(relPath string, content io.Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	if !m.dirs[parentDir(relPath)] {
		return &os.PathError{Op: "open", Path: relPath, Err: os.ErrNotExist}
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	m.files[relPath] = string(data)
	m.log = append(m.log, "upload "+relPath)
	return nil
}

func (m *fakeMirror) Delete(relPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	_, isFile := m.files[relPath]
	if !isFile && !m.dirs[relPath] {
		return os.ErrNotExist
	}
	delete(m.files, relPath)
	delete(m.dirs, relPath)
	for p := range m.files {
		if strings.HasPrefix(p, relPath+"/") {
			delete(m.files, p)
		}
	}
	m.log = append(m.log, "delete "+relPath)
	return nil
}

func (m *fakeMirror) Rename(oldRelPath, newRelPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	if data, ok := m.files[oldRelPath]; ok {
		delete(m.files, oldRelPath)
		m.files[newRelPath] = data
	} else if m.dirs[oldRelPath] {
		delete(m.dirs, oldRelPath)
		m.dirs[newRelPath] = true
		for p, data := range m.files {
			if strings.HasPrefix(p, oldRelPath+"/") {
				delete(m.files, p)
				m.files[newRelPath+strings.TrimPrefix(p, oldRelPath)] = data
			}
		}
	} else {
		return os.ErrNotExist
	}
	m.log = append(m.log, "rename "+oldRelPath+" -> "+newRelPath)
	return nil
}

func (m *fakeMirror) EnsureDir(relDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	m.mkdirs++
	for p := relDir; p != "" && p != "."; p = path.Dir(p) {
		m.dirs[p] = true
	}
	return nil
}

func (m *fakeMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMirror) file(relPath string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[relPath]
	return data, ok
}

func (m *fakeMirror) history() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.log...)
}

// countingDialer 每次 Dial 都返回同一个 fakeMirror，可注入拨号错误
type countingDialer struct {
	mu     sync.Mutex
	mirror *fakeMirror
	dials  int
	errs   []error
}

func (d *countingDialer) Dial(context.Context) (fs.Mirror, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	return d.mirror, nil
}

func (d *countingDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// statusLog 记录所有状态
type statusLog struct {
	mu      sync.Mutex
	updates []status.Update
}

func (s *statusLog) Record(_ context.Context, u status.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return nil
}

func (s *statusLog) get() []status.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]status.Update(nil), s.updates...)
}

func (s *statusLog) terminal() []status.Update {
	var out []status.Update
	for _, u := range s.get() {
		if u.Terminal() {
			out = append(out, u)
		}
	}
	return out
}

func changeEvent(kind event.Kind, p string) event.ChangeEvent {
	ev := event.ChangeEvent{ID: kind.String() + ":" + p, Kind: kind, Path: p, Size: 1}
	if kind == event.Deleted {
		ev.Size = -1
	}
	return ev
}

func movedEvent(oldPath, newPath string) event.ChangeEvent {
	return event.ChangeEvent{ID: "MOVED:" + newPath, Kind: event.Moved, Path: newPath, OldPath: oldPath, Size: 1}
}

func nextTask(t *testing.T, q *Queue) *SyncTask {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := q.Next(ctx)
	require.NoError(t, err)
	return task
}

// noTask 断言短时间内没有可执行的任务
func noTask(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	task, err := q.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected task %v", task)
}
