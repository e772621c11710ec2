package database

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// 每个远端两张“表”: 镜像状态和待执行任务
	entriesPrefix = "entries:"
	tasksPrefix   = "tasks:"
)

// DB 封装 BoltDB 实例
type DB struct {
	conn *bbolt.DB
}

// NewBoltDB 初始化并打开数据库
func NewBoltDB(dbPath string) (*DB, error) {
	// 打开数据库，如果文件不存在则创建
	// Timeout 选项防止两个进程同时打开同一个数据库导致死锁
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开 BoltDB 失败: %w", err)
	}
	return &DB{conn: db}, nil
}

// Close 关闭数据库连接
func (d *DB) Close() error {
	return d.conn.Close()
}

func entriesBucket(target string) []byte { return []byte(entriesPrefix + target) }
func tasksBucket(target string) []byte   { return []byte(tasksPrefix + target) }

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// update 在写事务中确保 bucket 存在
func (d *DB) update(name []byte, fn func(b *bbolt.Bucket) error) error {
	return d.conn.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(name)
		if err != nil {
			return fmt.Errorf("创建 Bucket 失败: %w", err)
		}
		return fn(b)
	})
}

// view bucket 不存在时 fn 不会被调用
func (d *DB) view(name []byte, fn func(b *bbolt.Bucket) error) error {
	return d.conn.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(name)
		if b == nil {
			return nil
		}
		return fn(b)
	})
}

// GetEntry 获取单个路径的镜像状态，没有记录时返回 nil
func (d *DB) GetEntry(target, relPath string) (*RemoteEntry, error) {
	var entry *RemoteEntry
	err := d.view(entriesBucket(target), func(b *bbolt.Bucket) error {
		v := b.Get([]byte(relPath))
		if v == nil {
			return nil
		}
		entry = &RemoteEntry{}
		return json.Unmarshal(v, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// PutEntry 保存或更新镜像状态
func (d *DB) PutEntry(target string, entry *RemoteEntry) error {
	entry.LastSyncTime = time.Now().UnixNano()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化失败: %w", err)
	}
	return d.update(entriesBucket(target), func(b *bbolt.Bucket) error {
		return b.Put([]byte(entry.RelPath), data)
	})
}

// DeleteEntry 删除路径及其下所有子路径的记录 (远端删除成功时调用)
func (d *DB) DeleteEntry(target, relPath string) error {
	return d.update(entriesBucket(target), func(b *bbolt.Bucket) error {
		for _, key := range childKeys(b, relPath) {
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return b.Delete([]byte(relPath))
	})
}

// RenameEntry 把 oldPath 及其子路径的记录移动到 newPath 下
func (d *DB) RenameEntry(target, oldPath, newPath string) error {
	return d.update(entriesBucket(target), func(b *bbolt.Bucket) error {
		keys := append(childKeys(b, oldPath), []byte(oldPath))
		for _, key := range keys {
			v := b.Get(key)
			if v == nil {
				continue
			}
			var entry RemoteEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("解析数据失败 key=%s: %w", string(key), err)
			}
			entry.RelPath = newPath + strings.TrimPrefix(string(key), oldPath)
			data, err := json.Marshal(&entry)
			if err != nil {
				return fmt.Errorf("序列化失败: %w", err)
			}
			if err := b.Delete(key); err != nil {
				return err
			}
			if err := b.Put([]byte(entry.RelPath), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// childKeys 返回 dir 下所有子路径的 key (已复制，可在遍历后修改 bucket)
func childKeys(b *bbolt.Bucket, dir string) [][]byte {
	prefix := []byte(dir + "/")
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	return keys
}

// ListEntries 获取一个远端的全部镜像状态
// 启动时调用，用于构建远端存在性表
func (d *DB) ListEntries(target string) (map[string]*RemoteEntry, error) {
	result := make(map[string]*RemoteEntry)
	err := d.view(entriesBucket(target), func(b *bbolt.Bucket) error {
		return b.ForEach(func(k, v []byte) error {
			var entry RemoteEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("解析数据失败 key=%s: %w", string(k), err)
			}
			result[string(k)] = &entry
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// NextSequence 分配持久化的递增序号，重启后继续递增
func (d *DB) NextSequence(target string) (uint64, error) {
	var seq uint64
	err := d.update(tasksBucket(target), func(b *bbolt.Bucket) error {
		var err error
		seq, err = b.NextSequence()
		return err
	})
	return seq, err
}

// PutTask 保存或更新一条任务 (按序号覆盖)
func (d *DB) PutTask(target string, task *TaskRecord) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("序列化失败: %w", err)
	}
	return d.update(tasksBucket(target), func(b *bbolt.Bucket) error {
		return b.Put(seqKey(task.Seq), data)
	})
}

// DeleteTask 删除已完成的任务
func (d *DB) DeleteTask(target string, seq uint64) error {
	return d.update(tasksBucket(target), func(b *bbolt.Bucket) error {
		return b.Delete(seqKey(seq))
	})
}

// LoadTasks 按序号顺序读出未完成的任务
func (d *DB) LoadTasks(target string) ([]*TaskRecord, error) {
	var tasks []*TaskRecord
	err := d.view(tasksBucket(target), func(b *bbolt.Bucket) error {
		return b.ForEach(func(k, v []byte) error {
			var task TaskRecord
			if err := json.Unmarshal(v, &task); err != nil {
				return fmt.Errorf("解析任务失败 seq=%d: %w", binary.BigEndian.Uint64(k), err)
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}
