package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filemirror/internal/event"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, root string, clock clockwork.Clock) *Watcher {
	t.Helper()
	ignore, err := event.NewMatcher([]string{"node_modules"})
	require.NoError(t, err)
	w, err := New(Options{
		Root:         root,
		Recursive:    true,
		RenameWindow: 100 * time.Millisecond,
		Ignore:       ignore,
		Clock:        clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func mkdirs(t *testing.T, root string, dirs ...string) {
	t.Helper()
	for _, d := range dirs {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o755))
	}
}

// drain 取出已产生的全部事件
func drain(w *Watcher) []event.RawEvent {
	var out []event.RawEvent
	for {
		select {
		case ev := <-w.out:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestNewWatchesSubdirectories(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "a/b", "node_modules/pkg")

	w := newTestWatcher(t, root, clockwork.NewFakeClock())

	assert.True(t, w.dirs[root])
	assert.True(t, w.dirs[filepath.Join(root, "a")])
	assert.True(t, w.dirs[filepath.Join(root, "a", "b")])
	assert.False(t, w.dirs[filepath.Join(root, "node_modules")])
	assert.False(t, w.dirs[filepath.Join(root, "node_modules", "pkg")])
}

func TestNewRejectsMissingRoot(t *testing.T) {
	_, err := New(Options{Root: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestRenamePairedWithCreate(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, clockwork.NewFakeClock())
	require.NoError(t, os.WriteFile(filepath.Join(root, "new.txt"), []byte("x"), 0o644))

	ctx := context.Background()
	w.handle(ctx, fsnotify.Event{Name: filepath.Join(root, "old.txt"), Op: fsnotify.Rename})
	assert.Empty(t, drain(w))
	w.handle(ctx, fsnotify.Event{Name: filepath.Join(root, "new.txt"), Op: fsnotify.Create})

	assert.Equal(t, []event.RawEvent{{
		Kind:    event.RawRename,
		OldPath: filepath.Join(root, "old.txt"),
		Path:    filepath.Join(root, "new.txt"),
	}}, drain(w))
	assert.Nil(t, w.pending)
}

func TestUnpairedRenameBecomesRemove(t *testing.T) {
	root := t.TempDir()
	clock := clockwork.NewFakeClock()
	w := newTestWatcher(t, root, clock)

	ctx := context.Background()
	w.handle(ctx, fsnotify.Event{Name: filepath.Join(root, "gone.txt"), Op: fsnotify.Rename})
	clock.Advance(100 * time.Millisecond)
	select {
	case <-w.expire:
		w.expirePending(ctx)
	case <-time.After(time.Second):
		t.Fatal("rename window did not expire")
	}

	assert.Equal(t, []event.RawEvent{{Kind: event.RawRemove, Path: filepath.Join(root, "gone.txt")}}, drain(w))
}

func TestRenameNotPairedWithUnrelatedCreate(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "a", "b")
	w := newTestWatcher(t, root, clockwork.NewFakeClock())
	require.NoError(t, os.WriteFile(filepath.Join(root, "b", "c.txt"), []byte("x"), 0o644))

	// a/x.txt 移出监控目录的同时 b/c.txt 被移入
	ctx := context.Background()
	w.handle(ctx, fsnotify.Event{Name: filepath.Join(root, "a", "x.txt"), Op: fsnotify.Rename})
	w.handle(ctx, fsnotify.Event{Name: filepath.Join(root, "b", "c.txt"), Op: fsnotify.Create})

	assert.Equal(t, []event.RawEvent{
		{Kind: event.RawRemove, Path: filepath.Join(root, "a", "x.txt")},
		{Kind: event.RawCreate, Path: filepath.Join(root, "b", "c.txt")},
	}, drain(w))
	assert.Nil(t, w.pending)
}

func TestRenamePairedAcrossDirectoriesBySameName(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "a", "b")
	w := newTestWatcher(t, root, clockwork.NewFakeClock())
	require.NoError(t, os.WriteFile(filepath.Join(root, "b", "x.txt"), []byte("x"), 0o644))

	ctx := context.Background()
	w.handle(ctx, fsnotify.Event{Name: filepath.Join(root, "a", "x.txt"), Op: fsnotify.Rename})
	w.handle(ctx, fsnotify.Event{Name: filepath.Join(root, "b", "x.txt"), Op: fsnotify.Create})

	assert.Equal(t, []event.RawEvent{{
		Kind:    event.RawRename,
		OldPath: filepath.Join(root, "a", "x.txt"),
		Path:    filepath.Join(root, "b", "x.txt"),
	}}, drain(w))
}

func TestSecondRenameFlushesFirst(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, clockwork.NewFakeClock())

	ctx := context.Background()
	w.handle(ctx, fsnotify.Event{Name: filepath.Join(root, "a"), Op: fsnotify.Rename})
	w.handle(ctx, fsnotify.Event{Name: filepath.Join(root, "b"), Op: fsnotify.Rename})

	assert.Equal(t, []event.RawEvent{{Kind: event.RawRemove, Path: filepath.Join(root, "a")}}, drain(w))
	require.NotNil(t, w.pending)
	assert.Equal(t, filepath.Join(root, "b"), w.pending.path)
}

func TestCreatedDirectoryIsWalked(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, clockwork.NewFakeClock())

	mkdirs(t, root, "d/e", "d/node_modules")
	require.NoError(t, os.WriteFile(filepath.Join(root, "d", "e", "f.txt"), []byte("x"), 0o644))

	w.handle(context.Background(), fsnotify.Event{Name: filepath.Join(root, "d"), Op: fsnotify.Create})

	assert.Equal(t, []event.RawEvent{
		{Kind: event.RawCreate, Path: filepath.Join(root, "d"), IsDir: true},
		{Kind: event.RawCreate, Path: filepath.Join(root, "d", "e"), IsDir: true},
		{Kind: event.RawCreate, Path: filepath.Join(root, "d", "e", "f.txt")},
	}, drain(w))
	assert.True(t, w.dirs[filepath.Join(root, "d", "e")])
	assert.False(t, w.dirs[filepath.Join(root, "d", "node_modules")])
}

func TestRemovedDirectoryCarriesIsDir(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "a/b")
	w := newTestWatcher(t, root, clockwork.NewFakeClock())
	require.NoError(t, os.RemoveAll(filepath.Join(root, "a")))

	w.handle(context.Background(), fsnotify.Event{Name: filepath.Join(root, "a"), Op: fsnotify.Remove})

	assert.Equal(t, []event.RawEvent{{Kind: event.RawRemove, Path: filepath.Join(root, "a"), IsDir: true}}, drain(w))
	assert.False(t, w.dirs[filepath.Join(root, "a", "b")])
}

func TestDirectoryMoveIgnoresSelfRename(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "x/sub")
	w := newTestWatcher(t, root, clockwork.NewFakeClock())
	require.NoError(t, os.Rename(filepath.Join(root, "x"), filepath.Join(root, "y")))

	ctx := context.Background()
	w.handle(ctx, fsnotify.Event{Name: filepath.Join(root, "x"), Op: fsnotify.Rename})
	w.handle(ctx, fsnotify.Event{Name: filepath.Join(root, "y"), Op: fsnotify.Create})
	// 目录自身的 IN_MOVE_SELF 随后到达
	w.handle(ctx, fsnotify.Event{Name: filepath.Join(root, "x"), Op: fsnotify.Rename})

	assert.Equal(t, []event.RawEvent{{
		Kind:    event.RawRename,
		OldPath: filepath.Join(root, "x"),
		Path:    filepath.Join(root, "y"),
		IsDir:   true,
	}}, drain(w))
	assert.Nil(t, w.pending)
	assert.True(t, w.dirs[filepath.Join(root, "y", "sub")])
	assert.False(t, w.dirs[filepath.Join(root, "x", "sub")])
}

func TestRunDeliversFileCreate(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, clockwork.NewRealClock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	target := filepath.Join(root, "hello.txt")
	require.NoError(t, os.WriteFile(target, []byte("hi"), 0o644))

	deadline := time.After(5 * time.Second)
	for found := false; !found; {
		select {
		case ev := <-w.Events():
			found = ev.Path == target && (ev.Kind == event.RawCreate || ev.Kind == event.RawWrite)
		case <-deadline:
			t.Fatal("no event for created file")
		}
	}

	cancel()
	require.NoError(t, <-done)
	_, open := <-w.Events()
	for open {
		_, open = <-w.Events()
	}
}
