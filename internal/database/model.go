package database

import "time"

// RemoteEntry 某个路径在一个远端上最后一次成功镜像后的状态
// 存入数据库时会序列化为 JSON
type RemoteEntry struct {
	// 相对路径 (作为数据库的 Key，这里也存一份冗余方便反序列化)
	// 格式示例: "docs/report.pdf" (统一使用 / 作为分隔符)
	RelPath string `json:"rel_path"`

	// 本地明文大小 (字节)，加密上传时远端大小会多出 IV
	FileSize int64 `json:"file_size"`

	// 本地修改时间 (Unix Nano)
	ModTime int64 `json:"mod_time"`

	IsDir bool `json:"is_dir"`

	// 最后一次同步的时间
	LastSyncTime int64 `json:"last_sync_time"`
}

// ModTimeAsTime 辅助方法：转为 Go Time 对象
func (e *RemoteEntry) ModTimeAsTime() time.Time {
	return time.Unix(0, e.ModTime)
}

// TaskRecord 持久化队列中的一条待执行任务
type TaskRecord struct {
	Seq             uint64    `json:"seq"`
	Op              string    `json:"op"`
	TargetPath      string    `json:"target_path"`
	SourceLocalPath string    `json:"source_local_path,omitempty"`
	OldRemotePath   string    `json:"old_remote_path,omitempty"`
	IsDir           bool      `json:"is_dir,omitempty"`
	AttemptCount    int       `json:"attempt_count"`
	LastError       string    `json:"last_error,omitempty"`
	EnqueuedAt      time.Time `json:"enqueued_at"`

	// 来源事件摘要，用于状态上报
	EventID   string    `json:"event_id,omitempty"`
	EventKind string    `json:"event_kind,omitempty"`
	EventPath string    `json:"event_path,omitempty"`
	EventOld  string    `json:"event_old_path,omitempty"`
	Size      int64     `json:"size"`
	IsText    bool      `json:"is_text,omitempty"`
	Detected  time.Time `json:"detected_at"`
}
