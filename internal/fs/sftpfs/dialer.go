package sftpfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"filemirror/internal/config"
	"filemirror/internal/fs"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Dialer 按目标配置建立 SSH + SFTP 会话
type Dialer struct {
	target config.TargetConfig
	opts   Options
	ssh    *ssh.ClientConfig
}

// NewDialer 预先准备认证与主机校验，配置错误在启动时暴露
func NewDialer(target config.TargetConfig, opts Options) (*Dialer, error) {
	auth, err := authMethods(target)
	if err != nil {
		return nil, err
	}
	hostKey, err := hostKeyCallback(target)
	if err != nil {
		return nil, err
	}
	return &Dialer{
		target: target,
		opts:   opts,
		ssh: &ssh.ClientConfig{
			User:            target.Username,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         target.TimeoutDuration,
		},
	}, nil
}

// Addr host:port
func (d *Dialer) Addr() string {
	return net.JoinHostPort(d.target.Host, strconv.Itoa(d.target.Port))
}

// Dial 建立新会话，认证失败归为永久错误
func (d *Dialer) Dial(ctx context.Context) (fs.Mirror, error) {
	var nd net.Dialer
	if d.target.TimeoutDuration > 0 {
		nd.Timeout = d.target.TimeoutDuration
	}
	conn, err := nd.DialContext(ctx, "tcp", d.Addr())
	if err != nil {
		return nil, fs.Wrap("dial", d.Addr(), err)
	}

	// 握手阶段设置截止时间，避免服务端无响应时永久阻塞
	if d.target.TimeoutDuration > 0 {
		conn.SetDeadline(time.Now().Add(d.target.TimeoutDuration))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, d.Addr(), d.ssh)
	if err != nil {
		conn.Close()
		return nil, &fs.OpError{Op: "handshake", Path: d.Addr(), Class: handshakeClass(err), Err: err}
	}
	conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)
	keepAlive := newKeepAliveConn(client, d.target.KeepAliveDuration)

	sc, err := sftp.NewClient(client)
	if err != nil {
		keepAlive.Close()
		return nil, fs.Wrap("sftp", d.Addr(), err)
	}

	slog.Info("SFTP 连接已建立", "target", d.target.Name, "addr", d.Addr(), "root", d.target.RemotePath)
	return NewAdapter(sc, keepAlive, d.target.RemotePath, d.opts), nil
}

func handshakeClass(err error) fs.Class {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return fs.ClassPermanent
	}
	return fs.Classify(err)
}

func authMethods(target config.TargetConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if target.KeyFile != "" {
		keyPath, err := homedir.Expand(target.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("解析私钥路径失败: %w", err)
		}
		pem, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("读取私钥失败: %w", err)
		}
		var signer ssh.Signer
		if target.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(target.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("解析私钥失败 %s: %w", keyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if target.Password != "" {
		methods = append(methods, ssh.Password(target.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("远端 %s 未配置 password 或 key_file", target.Name)
	}
	return methods, nil
}

func hostKeyCallback(target config.TargetConfig) (ssh.HostKeyCallback, error) {
	if target.KnownHosts == "" {
		slog.Warn("未配置 known_hosts，跳过主机密钥校验", "target", target.Name)
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path, err := homedir.Expand(target.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("解析 known_hosts 路径失败: %w", err)
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("加载 known_hosts 失败: %w", err)
	}
	return cb, nil
}
