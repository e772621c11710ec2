package local

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filemirror/internal/fs"

	"github.com/spf13/afero"
)

// Adapter 本地文件系统适配器，只读
type Adapter struct {
	fs      afero.Fs
	rootDir string // 本地绝对路径根目录
}

// NewAdapter 创建一个新的本地适配器，fsys 为 nil 时使用操作系统文件系统
func NewAdapter(rootDir string, fsys afero.Fs) *Adapter {
	// 确保 rootDir 是绝对路径
	absDir, err := filepath.Abs(rootDir)
	if err != nil {
		absDir = rootDir
	}
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Adapter{fs: fsys, rootDir: absDir}
}

// Root 返回根目录
func (a *Adapter) Root() string {
	return a.rootDir
}

// Fs 返回底层文件系统
func (a *Adapter) Fs() afero.Fs {
	return a.fs
}

// ToSysPath 将相对路径转换为本地系统绝对路径
// 输入: "docs/file.txt" -> 输出: "/data/docs/file.txt"
func (a *Adapter) ToSysPath(relPath string) string {
	return filepath.Join(a.rootDir, filepath.FromSlash(relPath))
}

// ToRelPath 将本地系统绝对路径转换为统一相对路径
// 输入: "/data/docs/file.txt" -> 输出: "docs/file.txt"
func (a *Adapter) ToRelPath(fullPath string) (string, error) {
	rel, err := filepath.Rel(a.rootDir, filepath.Clean(fullPath))
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s 不在监控目录 %s 下", fullPath, a.rootDir)
	}
	return rel, nil
}

// OpenStream 打开本地文件读取流
func (a *Adapter) OpenStream(relPath string) (io.ReadCloser, error) {
	f, err := a.fs.Open(a.ToSysPath(relPath))
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s 是目录", relPath)
	}
	return f, nil
}

// Stat 获取单个文件状态
func (a *Adapter) Stat(relPath string) (*fs.FileMeta, error) {
	info, err := a.fs.Stat(a.ToSysPath(relPath))
	if err != nil {
		return nil, err
	}
	return &fs.FileMeta{
		RelPath: relPath,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}, nil
}

// ListAll 递归列出 relDir 下的所有文件和目录 (不含 relDir 本身)
func (a *Adapter) ListAll(relDir string) (map[string]*fs.FileMeta, error) {
	base := a.ToSysPath(relDir)
	files := make(map[string]*fs.FileMeta)
	var errs []error

	err := afero.Walk(a.fs, base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			errs = append(errs, fmt.Errorf("扫描文件出错 %s: %w", path, err))
			return nil
		}
		if path == base {
			return nil
		}
		relPath, err := a.ToRelPath(path)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		files[relPath] = &fs.FileMeta{
			RelPath: relPath,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			IsDir:   info.IsDir(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("扫描时出现 %d 个错误: %v", len(errs), errs)
	}
	return files, nil
}
