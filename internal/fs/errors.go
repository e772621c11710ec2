package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Class 错误分类
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

var (
	// ErrConnectionLost 会话已断开，需要重新连接
	ErrConnectionLost = errors.New("连接已断开")
	// ErrInvalidPath 路径逃逸出远端根目录
	ErrInvalidPath = errors.New("无效的路径")
	// ErrAuth 认证失败
	ErrAuth = errors.New("认证失败")
)

// OpError 记录失败的远端操作及其分类
type OpError struct {
	Op    string
	Path  string
	Class Class
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Wrap 为 err 附加操作信息并完成分类，err 为 nil 时返回 nil
func Wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return err
	}
	return &OpError{Op: op, Path: path, Class: Classify(err), Err: err}
}

// Classify 判断错误是否值得重试
// 未识别的错误按临时错误处理，由最大重试次数兜底
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var opErr *OpError
	if errors.As(err, &opErr) && opErr.Class != ClassNone {
		return opErr.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	if IsConnectionLost(err) {
		return ClassTransient
	}

	switch {
	case errors.Is(err, ErrInvalidPath), errors.Is(err, ErrAuth):
		return ClassPermanent
	case errors.Is(err, os.ErrPermission):
		return ClassPermanent
	}

	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return ClassPermanent
	}
	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return ClassPermanent
	}

	var status *sftp.StatusError
	if errors.As(err, &status) {
		switch status.FxCode() {
		case sftp.ErrSSHFxPermissionDenied, sftp.ErrSSHFxOpUnsupported,
			sftp.ErrSSHFxBadMessage, sftp.ErrSSHFxFailure:
			return ClassPermanent
		}
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return ClassPermanent
	}
	return ClassTransient
}

// IsConnectionLost 会话级错误，需丢弃当前连接
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	if errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, sftp.ErrSSHFxNoConnection) {
		return true
	}
	var status *sftp.StatusError
	if errors.As(err, &status) {
		switch status.FxCode() {
		case sftp.ErrSSHFxConnectionLost, sftp.ErrSSHFxNoConnection:
			return true
		}
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsNotExist 远端路径不存在
func IsNotExist(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	var status *sftp.StatusError
	if errors.As(err, &status) {
		return status.FxCode() == sftp.ErrSSHFxNoSuchFile
	}
	return false
}
