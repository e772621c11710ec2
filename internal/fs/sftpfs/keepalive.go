package sftpfs

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"filemirror/internal/fs"
)

const keepAliveRequest = "keepalive@openssh.com"

var errKeepAliveTimeout = fmt.Errorf("%w: 保活请求超时", fs.ErrConnectionLost)

// requester ssh.Client 中保活需要的部分
type requester interface {
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Close() error
}

// keepAliveConn 定期发送保活请求，超时或失败时关闭连接，
// 让阻塞在死连接上的 SFTP 操作返回连接错误
type keepAliveConn struct {
	conn     requester
	interval time.Duration
	stop     chan struct{}
	once     sync.Once
}

func newKeepAliveConn(conn requester, interval time.Duration) *keepAliveConn {
	k := &keepAliveConn{conn: conn, interval: interval, stop: make(chan struct{})}
	if interval > 0 {
		go k.loop()
	}
	return k
}

func (k *keepAliveConn) loop() {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
		}
		if err := k.ping(); err != nil {
			slog.Warn("SSH 保活失败，关闭连接", "err", err)
			k.conn.Close()
			return
		}
	}
}

func (k *keepAliveConn) ping() error {
	errc := make(chan error, 1)
	go func() {
		_, _, err := k.conn.SendRequest(keepAliveRequest, true, nil)
		errc <- err
	}()
	timer := time.NewTimer(k.interval)
	defer timer.Stop()
	select {
	case err := <-errc:
		return err
	case <-timer.C:
		return errKeepAliveTimeout
	case <-k.stop:
		return nil
	}
}

// Close 停止保活并关闭连接
func (k *keepAliveConn) Close() error {
	k.once.Do(func() { close(k.stop) })
	return k.conn.Close()
}
