package sftpfs

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path" // 远端路径统一使用 "/"
	"strings"

	"filemirror/internal/crypto"
	"filemirror/internal/fs"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
)

const tempPrefix = ".filemirror-"

// Options 加密相关选项
type Options struct {
	Key              []byte // 为空时不加密
	EncryptContent   bool
	EncryptFilenames bool
}

// Adapter 实现了 fs.Mirror 接口
type Adapter struct {
	client *sftp.Client
	conn   io.Closer // 底层 SSH 连接，可为 nil
	root   string    // 远端根目录，例如 "/srv/mirror"
	opts   Options
}

// NewAdapter 创建适配器实例，Close 时会同时关闭 conn
func NewAdapter(client *sftp.Client, conn io.Closer, rootDir string, opts Options) *Adapter {
	// 确保 root 路径格式正确 (以 / 开头，不以 / 结尾)
	cleanRoot := path.Clean("/" + rootDir)
	return &Adapter{
		client: client,
		conn:   conn,
		root:   cleanRoot,
		opts:   opts,
	}
}

// Root 返回根目录
func (a *Adapter) Root() string {
	return a.root
}

// toAbsPath 将明文相对路径转换为远端绝对路径 (按需加密每一段)
// relPath: "docs/file.txt" -> abs: "/srv/mirror/docs/file.txt"
func (a *Adapter) toAbsPath(relPath string) (string, error) {
	if relPath == "" || relPath == "." {
		return a.root, nil
	}
	clean := path.Clean(relPath)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", fs.ErrInvalidPath, relPath)
	}
	if !a.encryptNames() {
		return path.Join(a.root, clean), nil
	}
	encrypted, err := crypto.EncryptPath(clean, a.opts.Key)
	if err != nil {
		return "", err
	}
	return path.Join(a.root, encrypted), nil
}

func (a *Adapter) encryptNames() bool {
	return a.opts.EncryptFilenames && len(a.opts.Key) > 0
}

// Upload 先写同目录下的临时文件，再原子替换目标
func (a *Adapter) Upload(relPath string, content io.Reader) error {
	absPath, err := a.toAbsPath(relPath)
	if err != nil {
		return fs.Wrap("upload", relPath, err)
	}

	if a.opts.EncryptContent && len(a.opts.Key) > 0 {
		content, err = crypto.NewEncryptReader(content, a.opts.Key)
		if err != nil {
			return fs.Wrap("upload", relPath, err)
		}
	}

	tmpPath := path.Join(path.Dir(absPath), tempPrefix+uuid.NewString()+".tmp")
	f, err := a.client.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fs.Wrap("upload", relPath, err)
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		a.discard(tmpPath)
		return fs.Wrap("upload", relPath, err)
	}
	if err := f.Close(); err != nil {
		a.discard(tmpPath)
		return fs.Wrap("upload", relPath, err)
	}
	if err := a.replace(tmpPath, absPath); err != nil {
		a.discard(tmpPath)
		return fs.Wrap("upload", relPath, err)
	}
	return nil
}

// discard 清理失败上传留下的临时文件，连接已断开时忽略
func (a *Adapter) discard(tmpPath string) {
	if err := a.client.Remove(tmpPath); err != nil && !fs.IsNotExist(err) {
		slog.Debug("清理临时文件失败", "path", tmpPath, "err", err)
	}
}

// replace 覆盖式重命名，服务端不支持 posix-rename 时退回删除 + 重命名
func (a *Adapter) replace(from, to string) error {
	err := a.client.PosixRename(from, to)
	if err == nil || fs.IsNotExist(err) || fs.IsConnectionLost(err) {
		return err
	}
	slog.Debug("posix-rename 失败，改用 rename", "from", from, "to", to, "err", err)
	if rmErr := a.client.Remove(to); rmErr != nil && !fs.IsNotExist(rmErr) {
		return rmErr
	}
	return a.client.Rename(from, to)
}

// Delete 删除文件或目录，路径不存在时返回 os.ErrNotExist
func (a *Adapter) Delete(relPath string) error {
	absPath, err := a.toAbsPath(relPath)
	if err != nil {
		return fs.Wrap("delete", relPath, err)
	}
	if absPath == a.root {
		return fs.Wrap("delete", relPath, fmt.Errorf("%w: 不能删除远端根目录", fs.ErrInvalidPath))
	}
	info, err := a.client.Lstat(absPath)
	if err != nil {
		return fs.Wrap("delete", relPath, err)
	}
	if info.IsDir() {
		return fs.Wrap("delete", relPath, a.removeAll(absPath))
	}
	return fs.Wrap("delete", relPath, a.client.Remove(absPath))
}

func (a *Adapter) removeAll(dir string) error {
	entries, err := a.client.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		child := path.Join(dir, entry.Name())
		if entry.IsDir() {
			err = a.removeAll(child)
		} else {
			err = a.client.Remove(child)
		}
		if err != nil && !fs.IsNotExist(err) {
			return err
		}
	}
	if err := a.client.RemoveDirectory(dir); err != nil && !fs.IsNotExist(err) {
		return err
	}
	return nil
}

// Rename 覆盖式重命名，支持跨目录
func (a *Adapter) Rename(oldRelPath, newRelPath string) error {
	absOld, err := a.toAbsPath(oldRelPath)
	if err != nil {
		return fs.Wrap("rename", oldRelPath, err)
	}
	absNew, err := a.toAbsPath(newRelPath)
	if err != nil {
		return fs.Wrap("rename", newRelPath, err)
	}
	if absOld == absNew {
		return nil
	}
	return fs.Wrap("rename", oldRelPath+" -> "+newRelPath, a.replace(absOld, absNew))
}

// EnsureDir 递归创建目录
func (a *Adapter) EnsureDir(relDir string) error {
	absPath, err := a.toAbsPath(relDir)
	if err != nil {
		return fs.Wrap("mkdir", relDir, err)
	}
	return fs.Wrap("mkdir", relDir, a.client.MkdirAll(absPath))
}

// Close 关闭 SFTP 会话和底层连接
func (a *Adapter) Close() error {
	err := a.client.Close()
	if a.conn != nil {
		if cerr := a.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
