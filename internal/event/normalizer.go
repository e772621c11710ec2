package event

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

// NormalizerOptions 初始化选项
type NormalizerOptions struct {
	Root            string // 监控根目录 (绝对路径)
	Fs              afero.Fs
	Ignore          *Matcher
	MaxFileSize     int64 // 0 表示不限制
	FollowSymlinks  bool
	IncludeTextInfo bool
	Clock           clockwork.Clock
	NewID           func() string
}

// Normalizer 把原始通知转换为 ChangeEvent，除忽略表外无状态
type Normalizer struct {
	opts NormalizerOptions
	root string
}

func NewNormalizer(opts NormalizerOptions) *Normalizer {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		root = filepath.Clean(opts.Root)
	}
	return &Normalizer{opts: opts, root: root}
}

// Root 返回监控根目录
func (n *Normalizer) Root() string {
	return n.root
}

// RelPath 绝对路径 -> "/" 分隔的相对路径，不在根目录下时返回 false
func (n *Normalizer) RelPath(path string) (string, bool) {
	rel, err := filepath.Rel(n.root, filepath.Clean(path))
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

// Normalize 返回规范化事件，第二个返回值为 false 表示该通知被抑制
func (n *Normalizer) Normalize(raw RawEvent) (ChangeEvent, bool) {
	switch raw.Kind {
	case RawCreate:
		return n.present(Created, raw)
	case RawWrite:
		return n.present(Modified, raw)
	case RawRemove:
		return n.removed(raw.Path, raw.IsDir)
	case RawRename:
		return n.renamed(raw)
	}
	return ChangeEvent{}, false
}

func (n *Normalizer) accepts(path string) bool {
	rel, ok := n.RelPath(path)
	if !ok {
		return false
	}
	return !n.opts.Ignore.Match(rel)
}

func (n *Normalizer) present(kind Kind, raw RawEvent) (ChangeEvent, bool) {
	path := filepath.Clean(raw.Path)
	if !n.accepts(path) {
		return ChangeEvent{}, false
	}
	info, ok := n.inspect(path)
	if !ok {
		return ChangeEvent{}, false
	}
	// 目录只关心新建 (空目录也要出现在远端)，其余目录通知忽略
	if info.IsDir() && kind != Created {
		return ChangeEvent{}, false
	}
	return n.build(kind, path, "", info), true
}

func (n *Normalizer) removed(path string, isDir bool) (ChangeEvent, bool) {
	path = filepath.Clean(path)
	if !n.accepts(path) {
		return ChangeEvent{}, false
	}
	return ChangeEvent{
		ID:         n.opts.NewID(),
		Kind:       Deleted,
		Path:       path,
		Size:       -1,
		IsDir:      isDir,
		DetectedAt: n.opts.Clock.Now(),
	}, true
}

func (n *Normalizer) renamed(raw RawEvent) (ChangeEvent, bool) {
	oldPath := filepath.Clean(raw.OldPath)
	newPath := filepath.Clean(raw.Path)
	oldIn := raw.OldPath != "" && n.accepts(oldPath)
	newIn := raw.Path != "" && n.accepts(newPath)

	switch {
	case oldIn && newIn:
		info, ok := n.inspect(newPath)
		if !ok {
			// 目标已消失，只剩源端删除这一事实
			return n.removed(oldPath, raw.IsDir)
		}
		ev := n.build(Moved, newPath, oldPath, info)
		return ev, true
	case oldIn:
		// 移出监控范围 (或移到被忽略的路径) 视为删除
		return n.removed(oldPath, raw.IsDir)
	case newIn:
		// 从范围外移入视为创建
		return n.present(Created, RawEvent{Kind: RawCreate, Path: newPath, IsDir: raw.IsDir})
	}
	return ChangeEvent{}, false
}

// inspect 检查符号链接与大小限制
func (n *Normalizer) inspect(path string) (os.FileInfo, bool) {
	var (
		info os.FileInfo
		err  error
	)
	if lst, ok := n.opts.Fs.(afero.Lstater); ok {
		info, _, err = lst.LstatIfPossible(path)
	} else {
		info, err = n.opts.Fs.Stat(path)
	}
	if err != nil {
		return nil, false
	}
	if info.Mode()&os.ModeSymlink != 0 {
		if !n.opts.FollowSymlinks {
			return nil, false
		}
		if info, err = n.opts.Fs.Stat(path); err != nil {
			return nil, false
		}
	}
	if !info.IsDir() && n.opts.MaxFileSize > 0 && info.Size() > n.opts.MaxFileSize {
		return nil, false
	}
	return info, true
}

func (n *Normalizer) build(kind Kind, path, oldPath string, info os.FileInfo) ChangeEvent {
	ev := ChangeEvent{
		ID:         n.opts.NewID(),
		Kind:       kind,
		Path:       path,
		OldPath:    oldPath,
		DetectedAt: n.opts.Clock.Now(),
	}
	if info.IsDir() {
		ev.IsDir = true
		return ev
	}
	ev.Size = info.Size()
	if n.opts.IncludeTextInfo {
		ev.IsText = IsTextFile(n.opts.Fs, path)
	}
	return ev
}
