package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Options 日志初始化参数
type Options struct {
	Level  string // "debug", "info", "warn", "error"
	File   string // 为空时只输出到控制台
	Format string // "text" (默认) 或 "json"
}

// ParseLevel 解析日志等级，未知值回落到 info
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New 按选项构建 Logger，返回值同时带上需要关闭的文件 (可能为 nil)
func New(opts Options, console io.Writer) (*slog.Logger, io.Closer, error) {
	level := ParseLevel(opts.Level)

	writer := console
	var closer io.Closer
	if opts.File != "" {
		// 确保日志目录存在
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, nil, err
		}

		// 追加模式打开
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, err
		}
		writer = io.MultiWriter(console, file)
		closer = file
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // 仅在 Debug 模式下显示文件名和行号
	}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(writer, handlerOpts)
	} else {
		handler = slog.NewTextHandler(writer, handlerOpts)
	}
	return slog.New(handler), closer, nil
}

// Setup 初始化全局日志配置
func Setup(opts Options) (io.Closer, error) {
	logger, closer, err := New(opts, os.Stdout)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return closer, nil
}
