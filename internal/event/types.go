package event

import (
	"fmt"
	"time"
)

// Kind 规范化后的变更类型
type Kind int

const (
	Created Kind = iota + 1
	Modified
	Deleted
	Moved
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "CREATED"
	case Modified:
		return "MODIFIED"
	case Deleted:
		return "DELETED"
	case Moved:
		return "MOVED"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// RawKind 通知源给出的原始类型
type RawKind int

const (
	RawCreate RawKind = iota + 1
	RawWrite
	RawRemove
	RawRename
)

func (k RawKind) String() string {
	switch k {
	case RawCreate:
		return "create"
	case RawWrite:
		return "write"
	case RawRemove:
		return "remove"
	case RawRename:
		return "rename"
	default:
		return fmt.Sprintf("RawKind(%d)", int(k))
	}
}

// RawEvent 通知源投递的原始元组，可能重复或未合并
type RawEvent struct {
	Kind    RawKind
	Path    string
	OldPath string // 仅 RawRename 有值
	IsDir   bool
}

// ChangeEvent 一次文件变更的不可变记录
type ChangeEvent struct {
	ID         string
	Kind       Kind
	Path       string // Moved 时为目标路径
	OldPath    string // 仅 Moved
	Size       int64  // Deleted 时为 -1
	IsText     bool   // 仅供参考，不影响同步
	IsDir      bool   // Modified 不会是目录
	DetectedAt time.Time
}

// HasSize Deleted 事件没有大小
func (e ChangeEvent) HasSize() bool {
	return e.Kind != Deleted && e.Size >= 0
}

// Validate 检查类型与路径的约束
func (e ChangeEvent) Validate() error {
	switch e.Kind {
	case Created, Modified, Deleted:
		if e.Path == "" {
			return fmt.Errorf("%s 事件缺少路径", e.Kind)
		}
		if e.OldPath != "" {
			return fmt.Errorf("%s 事件不应携带 old_path", e.Kind)
		}
	case Moved:
		if e.Path == "" || e.OldPath == "" {
			return fmt.Errorf("MOVED 事件必须同时包含 path 和 old_path")
		}
	default:
		return fmt.Errorf("未知的事件类型: %d", int(e.Kind))
	}
	return nil
}

// String 与原服务的标准输出格式保持一致
func (e ChangeEvent) String() string {
	target := e.Path
	if e.Kind == Moved {
		target = e.OldPath + " -> " + e.Path
	}
	if e.Kind == Deleted || e.IsDir {
		return fmt.Sprintf("%s: %s", e.Kind, target)
	}
	label := "BINARY"
	if e.IsText {
		label = "TEXT"
	}
	return fmt.Sprintf("%s: %s [%s]", e.Kind, target, label)
}
