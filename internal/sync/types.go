package sync

import (
	"fmt"
	"path"
	"strings"
	"time"

	"filemirror/internal/database"
	"filemirror/internal/event"
)

// Operation 远端操作类型
type Operation int

const (
	OpUpload          Operation = iota + 1 // 上传 (本地 -> 远端)
	OpDeleteRemote                         // 删除远端文件或目录
	OpRenameRemote                         // 远端重命名
	OpEnsureRemoteDir                      // 创建远端目录
)

func (o Operation) String() string {
	switch o {
	case OpUpload:
		return "UPLOAD"
	case OpDeleteRemote:
		return "DELETE_REMOTE"
	case OpRenameRemote:
		return "RENAME_REMOTE"
	case OpEnsureRemoteDir:
		return "ENSURE_REMOTE_DIR"
	default:
		return fmt.Sprintf("Operation(%d)", int(o))
	}
}

// kind 事件摘要缺失时 (如无法识别的持久化记录) 由操作推断事件类型
func (o Operation) kind() event.Kind {
	switch o {
	case OpDeleteRemote:
		return event.Deleted
	case OpRenameRemote:
		return event.Moved
	case OpEnsureRemoteDir:
		return event.Created
	default:
		return event.Modified
	}
}

// ParseOperation 用于从持久化队列恢复
func ParseOperation(s string) (Operation, error) {
	for _, op := range []Operation{OpUpload, OpDeleteRemote, OpRenameRemote, OpEnsureRemoteDir} {
		if op.String() == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("未知的操作类型: %s", s)
}

// TaskStatus 任务生命周期: Pending -> InFlight -> Succeeded | FailedPermanent
type TaskStatus int

const (
	StatusPending TaskStatus = iota
	StatusInFlight
	StatusSucceeded
	StatusFailedPermanent
)

func (s TaskStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusInFlight:
		return "IN_FLIGHT"
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusFailedPermanent:
		return "FAILED_PERMANENT"
	default:
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
}

// SyncTask 一个待执行的远端操作，由一个或多个合并后的事件产生
type SyncTask struct {
	Seq    uint64 // 入队时分配，同一远端内单调递增
	Target string // 远端名称

	Op              Operation
	TargetPath      string // 远端相对路径 ("/" 分隔)
	SourceLocalPath string // 本地绝对路径 (Upload / RenameRemote 回退上传时使用)
	OldRemotePath   string // 仅 RenameRemote
	IsDir           bool

	AttemptCount int
	LastError    string
	Status       TaskStatus
	EnqueuedAt   time.Time
	NotBefore    time.Time // 退避期间不可出队

	Event event.ChangeEvent // 最后一个合并进来的事件，用于状态上报
}

// Paths 任务涉及的远端路径
func (t *SyncTask) Paths() []string {
	if t.OldRemotePath != "" {
		return []string{t.OldRemotePath, t.TargetPath}
	}
	return []string{t.TargetPath}
}

// Conflicts 两个任务是否涉及相同路径 (含父子目录关系)
func (t *SyncTask) Conflicts(other *SyncTask) bool {
	for _, a := range t.Paths() {
		for _, b := range other.Paths() {
			if overlaps(a, b) {
				return true
			}
		}
	}
	return false
}

func overlaps(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// parentDir 远端父目录，根目录下的文件返回 ""
func parentDir(relPath string) string {
	dir := path.Dir(relPath)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

func (t *SyncTask) String() string {
	if t.Op == OpRenameRemote {
		return fmt.Sprintf("#%d %s %s -> %s", t.Seq, t.Op, t.OldRemotePath, t.TargetPath)
	}
	return fmt.Sprintf("#%d %s %s", t.Seq, t.Op, t.TargetPath)
}

func (t *SyncTask) toRecord() *database.TaskRecord {
	return &database.TaskRecord{
		Seq:             t.Seq,
		Op:              t.Op.String(),
		TargetPath:      t.TargetPath,
		SourceLocalPath: t.SourceLocalPath,
		OldRemotePath:   t.OldRemotePath,
		IsDir:           t.IsDir,
		AttemptCount:    t.AttemptCount,
		LastError:       t.LastError,
		EnqueuedAt:      t.EnqueuedAt,
		EventID:         t.Event.ID,
		EventKind:       t.Event.Kind.String(),
		EventPath:       t.Event.Path,
		EventOld:        t.Event.OldPath,
		Size:            t.Event.Size,
		IsText:          t.Event.IsText,
		Detected:        t.Event.DetectedAt,
	}
}

func taskFromRecord(target string, rec *database.TaskRecord) (*SyncTask, error) {
	op, err := ParseOperation(rec.Op)
	if err != nil {
		return nil, err
	}
	var kind event.Kind
	for _, k := range []event.Kind{event.Created, event.Modified, event.Deleted, event.Moved} {
		if k.String() == rec.EventKind {
			kind = k
		}
	}
	return &SyncTask{
		Seq:             rec.Seq,
		Target:          target,
		Op:              op,
		TargetPath:      rec.TargetPath,
		SourceLocalPath: rec.SourceLocalPath,
		OldRemotePath:   rec.OldRemotePath,
		IsDir:           rec.IsDir,
		AttemptCount:    rec.AttemptCount,
		LastError:       rec.LastError,
		Status:          StatusPending,
		EnqueuedAt:      rec.EnqueuedAt,
		Event: event.ChangeEvent{
			ID:         rec.EventID,
			Kind:       kind,
			Path:       rec.EventPath,
			OldPath:    rec.EventOld,
			Size:       rec.Size,
			IsText:     rec.IsText,
			IsDir:      rec.IsDir,
			DetectedAt: rec.Detected,
		},
	}, nil
}
