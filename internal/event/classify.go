package event

import (
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const (
	sniffSize      = 1024
	printableRatio = 0.7
)

// textExtensions 扩展名表，先于 MIME 查询
var textExtensions = map[string]bool{
	".txt": true, ".py": true, ".js": true, ".html": true, ".css": true, ".json": true,
	".xml": true, ".yaml": true, ".yml": true, ".md": true, ".rst": true, ".ini": true,
	".cfg": true, ".conf": true, ".log": true, ".csv": true, ".tsv": true, ".sql": true,
	".sh": true, ".bash": true, ".zsh": true, ".fish": true, ".bat": true, ".cmd": true,
	".ps1": true, ".r": true, ".java": true, ".cpp": true, ".c": true, ".h": true,
	".hpp": true, ".cs": true, ".php": true, ".rb": true, ".go": true, ".rs": true,
	".swift": true, ".kt": true, ".scala": true, ".clj": true, ".hs": true, ".ml": true,
	".fs": true, ".vb": true, ".pl": true, ".pm": true, ".tcl": true, ".lua": true,
	".scm": true, ".el": true, ".vim": true, ".tex": true, ".bib": true, ".sty": true,
	".cls": true, ".dtx": true, ".ltx": true, ".aux": true, ".bbl": true, ".blg": true,
	".fdb_latexmk": true, ".fls": true, ".out": true,
}

// IsTextFile 依次尝试扩展名表、系统 MIME、内容采样
// 任何错误都按二进制处理
func IsTextFile(fsys afero.Fs, path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if textExtensions[ext] {
		return true
	}
	if ext != "" {
		if m := mime.TypeByExtension(ext); strings.HasPrefix(m, "text/") {
			return true
		}
	}

	f, err := fsys.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, sniffSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return false
	}
	return looksLikeText(buf[:n])
}

// looksLikeText 无 NUL 且可打印字符比例超过阈值
func looksLikeText(chunk []byte) bool {
	if len(chunk) == 0 {
		return false
	}
	printable := 0
	for _, b := range chunk {
		switch {
		case b == 0:
			return false
		case b >= 32 && b <= 126, b == '\t', b == '\n', b == '\r':
			printable++
		case b >= 0x80:
			// UTF-8 多字节序列按可打印处理
			printable++
		}
	}
	return float64(printable)/float64(len(chunk)) > printableRatio
}
