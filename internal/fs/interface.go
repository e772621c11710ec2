package fs

import (
	"context"
	"io"
	"time"
)

// FileMeta 本地文件元数据
type FileMeta struct {
	RelPath string    // 相对路径 (统一使用 "/" 作为分隔符)
	Size    int64     // 文件大小
	ModTime time.Time // 修改时间
	IsDir   bool      // 是否为目录
}

// Mirror 是对远端镜像目录的统一抽象
// 所有路径均为相对路径 (统一使用 "/" 作为分隔符)
type Mirror interface {
	// Root 返回远端根路径 (用于日志或调试)
	Root() string

	// Upload 写入完整内容，成功后远端文件与 content 一致
	// 实现需先写临时文件再替换，失败时不留下半截文件
	Upload(relPath string, content io.Reader) error

	// Delete 删除文件或目录 (目录递归删除)
	Delete(relPath string) error

	// Rename 覆盖式重命名
	Rename(oldRelPath, newRelPath string) error

	// EnsureDir 递归创建目录，已存在时不报错
	EnsureDir(relDir string) error

	// Close 释放会话
	Close() error
}

// Dialer 建立一个新的 Mirror 会话
type Dialer interface {
	Dial(ctx context.Context) (Mirror, error)
}

// DialerFunc 把普通函数适配为 Dialer
type DialerFunc func(ctx context.Context) (Mirror, error)

func (f DialerFunc) Dial(ctx context.Context) (Mirror, error) {
	return f(ctx)
}
