package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/ssh/knownhosts"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class Class
		lost  bool
	}{
		{"nil", nil, ClassNone, false},
		{"eof", io.EOF, ClassTransient, true},
		{"wrapped reset", fmt.Errorf("write: %w", syscall.ECONNRESET), ClassTransient, true},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, ClassTransient, true},
		{"deadline", context.DeadlineExceeded, ClassTransient, true},
		{"sftp connection lost", &sftp.StatusError{Code: uint32(sftp.ErrSSHFxConnectionLost)}, ClassTransient, true},
		{"unknown", errors.New("something odd"), ClassTransient, false},
		{"permission", fmt.Errorf("open: %w", os.ErrPermission), ClassPermanent, false},
		{"sftp failure", &sftp.StatusError{Code: uint32(sftp.ErrSSHFxFailure)}, ClassPermanent, false},
		{"sftp unsupported", &sftp.StatusError{Code: uint32(sftp.ErrSSHFxOpUnsupported)}, ClassPermanent, false},
		{"auth", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"), ClassPermanent, false},
		{"host key", &knownhosts.KeyError{}, ClassPermanent, false},
		{"invalid path", fmt.Errorf("%w: ../x", ErrInvalidPath), ClassPermanent, false},
	}
	for _, test := range tests {
		assert.Equal(t, test.class, Classify(test.err), test.name)
		assert.Equal(t, test.lost, IsConnectionLost(test.err), test.name)
	}
}

func TestOpErrorKeepsClass(t *testing.T) {
	err := Wrap("upload", "a.txt", os.ErrPermission)
	var opErr *OpError
	assert.True(t, errors.As(err, &opErr))
	assert.Equal(t, ClassPermanent, opErr.Class)
	assert.Equal(t, "upload a.txt: permission denied", err.Error())
	assert.True(t, errors.Is(err, os.ErrPermission))

	// 已包装的错误不会重复包装
	assert.Same(t, err, Wrap("rename", "b.txt", err))
	assert.Nil(t, Wrap("delete", "c.txt", nil))

	forced := &OpError{Op: "dial", Class: ClassPermanent, Err: io.EOF}
	assert.Equal(t, ClassPermanent, Classify(fmt.Errorf("attempt 1: %w", forced)))
}

func TestIsNotExist(t *testing.T) {
	assert.True(t, IsNotExist(os.ErrNotExist))
	assert.True(t, IsNotExist(&os.PathError{Op: "remove", Path: "/x", Err: os.ErrNotExist}))
	assert.True(t, IsNotExist(&sftp.StatusError{Code: uint32(sftp.ErrSSHFxNoSuchFile)}))
	assert.False(t, IsNotExist(os.ErrPermission))
	assert.False(t, IsNotExist(nil))
}
