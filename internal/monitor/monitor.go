package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"filemirror/internal/config"
	"filemirror/internal/database"
	"filemirror/internal/event"
	"filemirror/internal/fs"
	"filemirror/internal/fs/local"
	"filemirror/internal/fs/sftpfs"
	"filemirror/internal/status"
	syncer "filemirror/internal/sync"
	"filemirror/internal/watch"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Options 初始化选项
type Options struct {
	Config *config.Config
	NoSync bool // 只监控和记录，不同步
	Quiet  bool // 不输出启动信息

	// 以下字段供测试注入
	Dialers  map[string]fs.Dialer // 按远端名称覆盖 SFTP 拨号
	Recorder status.Recorder      // 覆盖按模式选择的状态记录方式
	Fs       afero.Fs
	Clock    clockwork.Clock
}

// Monitor 把监控、规范化、去抖、分发、各远端 Worker 和状态记录串起来
type Monitor struct {
	cfg   *config.Config
	clock clockwork.Clock

	watcher    *watch.Watcher
	normalizer *event.Normalizer
	buffer     *syncer.Buffer // 不同步时为 nil
	queues     []*syncer.Queue
	workers    []*syncer.Worker
	recorder   *status.Async

	closers []func() error
}

// New 准备全部组件，配置或连接问题在这里暴露
func New(opts Options) (*Monitor, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("缺少配置")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}

	m := &Monitor{cfg: cfg, clock: opts.Clock}
	ready := false
	defer func() {
		if !ready {
			m.close()
		}
	}()

	ignore, err := event.NewMatcher(cfg.IgnorePatterns())
	if err != nil {
		return nil, err
	}
	m.watcher, err = watch.New(watch.Options{
		Root:         cfg.Watch.LocalDir,
		Recursive:    cfg.Watch.Recursive,
		RenameWindow: cfg.Watch.RenameWindowDuration,
		Ignore:       ignore,
		Clock:        opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	m.closers = append(m.closers, m.watcher.Close)
	root := m.watcher.Root()

	m.normalizer = event.NewNormalizer(event.NormalizerOptions{
		Root:            root,
		Fs:              opts.Fs,
		Ignore:          ignore,
		MaxFileSize:     cfg.MaxFileSizeBytes(),
		FollowSymlinks:  cfg.Monitor.FollowSymlinks,
		IncludeTextInfo: cfg.Monitor.IncludeTextInfo,
		Clock:           opts.Clock,
	})

	recorder := opts.Recorder
	if recorder == nil {
		recorder = m.statusRecorder()
	}
	m.recorder = status.NewAsync(recorder, 0)

	targets := m.syncTargets(opts)
	if len(targets) == 0 {
		if !opts.Quiet {
			m.logStartup(root, ignore, nil)
		}
		ready = true
		return m, nil
	}

	db, err := database.NewBoltDB(cfg.System.DBPath)
	if err != nil {
		return nil, err
	}
	m.closers = append(m.closers, db.Close)

	var queueDB *database.DB
	if cfg.System.DurableQueue {
		queueDB = db
	}

	var (
		known   []string
		dialers []fs.Dialer
	)
	for _, t := range targets {
		entries, err := db.ListEntries(t.Name)
		if err != nil {
			return nil, fmt.Errorf("读取镜像索引失败 (%s): %w", t.Name, err)
		}
		for p := range entries {
			known = append(known, p)
		}

		q, err := syncer.NewQueue(t.Name, queueDB, opts.Clock)
		if err != nil {
			return nil, err
		}
		m.queues = append(m.queues, q)

		dialer, err := m.dialer(t, opts)
		if err != nil {
			return nil, err
		}
		dialers = append(dialers, dialer)
	}

	dispatcher := syncer.NewDispatcher(m.queues, m.recorder, opts.Clock)
	m.buffer = syncer.NewBuffer(syncer.BufferOptions{
		Root:    root,
		Window:  cfg.Debounce.WindowDuration,
		MaxWait: cfg.Debounce.MaxWaitDuration,
		Clock:   opts.Clock,
		Known:   known,
	}, dispatcher)

	for i, q := range m.queues {
		m.workers = append(m.workers, syncer.NewWorker(syncer.WorkerOptions{
			Queue:    q,
			Dialer:   dialers[i],
			Local:    local.NewAdapter(root, opts.Fs),
			Index:    db,
			Oracle:   m.buffer,
			Recorder: m.recorder,
			Retry: syncer.RetryPolicy{
				MaxAttempts:    cfg.Retry.MaxAttempts,
				InitialBackoff: cfg.Retry.InitialBackoffDuration,
				MaxBackoff:     cfg.Retry.MaxBackoffDuration,
				Multiplier:     cfg.Retry.Multiplier,
			},
			Clock: opts.Clock,
		}))
	}

	if !opts.Quiet {
		m.logStartup(root, ignore, targets)
	}
	ready = true
	return m, nil
}

// syncTargets 可用的远端，未配置完整的远端跳过
func (m *Monitor) syncTargets(opts Options) []config.TargetConfig {
	if opts.NoSync {
		return nil
	}
	var out []config.TargetConfig
	for _, t := range m.cfg.Targets {
		if _, injected := opts.Dialers[t.Name]; !injected && !t.Configured() {
			slog.Warn("远端配置不完整，已跳过", "target", t.Name)
			continue
		}
		out = append(out, t)
	}
	return out
}

func (m *Monitor) dialer(t config.TargetConfig, opts Options) (fs.Dialer, error) {
	if d, ok := opts.Dialers[t.Name]; ok {
		return d, nil
	}
	sftpOpts := sftpfs.Options{}
	if m.cfg.Crypto.Enable {
		sftpOpts.Key = m.cfg.Crypto.GetAESKey()
		sftpOpts.EncryptContent = true
		sftpOpts.EncryptFilenames = m.cfg.Crypto.EncryptFilenames
	}
	d, err := sftpfs.NewDialer(t, sftpOpts)
	if err != nil {
		return nil, fmt.Errorf("初始化远端 %s 失败: %w", t.Name, err)
	}
	return d, nil
}

// statusRecorder CLIENT 模式只写日志，HOST 模式同时写入审计库
func (m *Monitor) statusRecorder() status.Recorder {
	logRec := status.LogRecorder{Logger: slog.Default()}
	if m.cfg.Mode != config.ModeHost {
		return logRec
	}
	if !m.cfg.Database.Enabled {
		slog.Warn("HOST 模式未启用数据库，状态只写日志")
		return logRec
	}

	pg, err := status.NewPostgresRecorder(m.cfg.Database.DSN)
	if err != nil {
		slog.Warn("数据库配置无效，继续运行但不写入审计库", "err", err)
		return logRec
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pg.Ping(ctx); err != nil {
		slog.Warn("数据库连接失败，继续运行但不写入审计库", "err", err)
		_ = pg.Close()
		return logRec
	}
	m.closers = append(m.closers, pg.Close)
	return status.Multi{logRec, pg}
}

func (m *Monitor) logStartup(root string, ignore *event.Matcher, targets []config.TargetConfig) {
	slog.Info("开始监控",
		"root", root,
		"mode", m.cfg.Mode,
		"recursive", m.cfg.Watch.Recursive,
		"ignore", strings.Join(ignore.Patterns(), ","),
	)
	if len(targets) == 0 {
		slog.Info("未启用同步，只监控和记录变更")
		return
	}
	for _, t := range targets {
		slog.Info("同步已启用",
			"target", t.Name,
			"remote", fmt.Sprintf("%s@%s:%d%s", t.Username, t.Host, t.Port, t.RemotePath),
			"durable_queue", m.cfg.System.DurableQueue,
		)
	}
}

// Run 阻塞直到 ctx 取消或某个组件出错
//
// 退出顺序: 监控关闭 -> 缓冲区落地 -> Worker 停在当前任务之后 -> 队列关闭 -> 状态写完
func (m *Monitor) Run(ctx context.Context) error {
	defer m.close()

	recCtx, stopRecorder := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRecorder()
	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		_ = m.recorder.Run(recCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.watcher.Run(gctx)
	})
	g.Go(func() error {
		m.intake(gctx)
		return nil
	})
	for _, w := range m.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	err := g.Wait()

	for _, q := range m.queues {
		q.Close()
	}
	stopRecorder()
	<-recDone
	if dropped := m.recorder.Dropped(); dropped > 0 {
		slog.Warn("部分状态记录因缓冲已满被丢弃", "count", dropped)
	}
	slog.Info("监控已停止")
	return err
}

// intake 消费原始通知直到监控关闭，不做任何网络 I/O
func (m *Monitor) intake(ctx context.Context) {
	for raw := range m.watcher.Events() {
		ev, ok := m.normalizer.Normalize(raw)
		if !ok {
			continue
		}
		slog.Info("检测到变更", "event", ev.String())

		if m.buffer == nil {
			m.recordEvent(ctx, ev)
			continue
		}
		m.buffer.Add(ev)
	}
	if m.buffer != nil {
		m.buffer.Flush()
	}
}

// recordEvent 不同步时仍记录每个事件
func (m *Monitor) recordEvent(ctx context.Context, ev event.ChangeEvent) {
	update := status.Update{
		EventID: ev.ID,
		Kind:    ev.Kind.String(),
		Path:    ev.Path,
		OldPath: ev.OldPath,
		Size:    ev.Size,
		IsText:  ev.IsText,
		Status:  status.Pending,
		At:      m.clock.Now(),
	}
	if ev.IsDir {
		update.Size = -1
	}
	_ = m.recorder.Record(ctx, update)
}

// Pending 各远端未完成的任务数
func (m *Monitor) Pending() map[string]int {
	out := make(map[string]int, len(m.queues))
	for _, q := range m.queues {
		out[q.Target()] = q.Len()
	}
	return out
}

func (m *Monitor) close() {
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil {
			slog.Debug("释放资源出错", "err", err)
		}
	}
	m.closers = nil
}
