package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	activityTableName        = "file_activity"
	postgresOperationTimeout = 5 * time.Second
	maxExtensionLength       = 50
)

// ErrNoDSN 未配置连接串
var ErrNoDSN = errors.New("未配置数据库连接串")

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresRecorder 把状态写入 file_activity 表 (HOST 模式)
// PENDING 插入一行，最终状态按 (target, sequence_id, event_id) 更新同一行
type PostgresRecorder struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRecorder(dsn string) (*PostgresRecorder, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrNoDSN
	}
	return &PostgresRecorder{
		dsn:       dsn,
		tableName: activityTableName,
		openDB:    sql.Open,
	}, nil
}

// Ping 启动时检查连接和表结构
func (r *PostgresRecorder) Ping(ctx context.Context) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	return r.db.PingContext(ctx)
}

func (r *PostgresRecorder) Record(ctx context.Context, u Update) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var (
		oldPath, newPath sql.NullString
		size             sql.NullInt64
		syncAt           sql.NullTime
		reason           sql.NullString
	)
	if u.OldPath != "" {
		oldPath = sql.NullString{String: u.OldPath, Valid: true}
		newPath = sql.NullString{String: u.Path, Valid: true}
	}
	if u.Size >= 0 {
		size = sql.NullInt64{Int64: u.Size, Valid: true}
	}
	if u.Terminal() {
		syncAt = sql.NullTime{Time: u.At, Valid: true}
	}
	if u.Reason != "" {
		reason = sql.NullString{String: u.Reason, Valid: true}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (timestamp, event_id, target, sequence_id, operation, event_type,
			file_path, old_path, new_path, file_size, is_text_file, file_extension,
			sync_status, sync_timestamp, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (target, sequence_id, event_id)
		DO UPDATE SET sync_status = EXCLUDED.sync_status,
			sync_timestamp = EXCLUDED.sync_timestamp,
			reason = EXCLUDED.reason
		WHERE EXCLUDED.sync_status <> 'PENDING'`, quoteIdentifier(r.tableName))
	_, err := r.db.ExecContext(ctx, query,
		u.At, u.EventID, u.Target, int64(u.Seq), u.Op, u.Kind,
		u.Path, oldPath, newPath, size, u.IsText, fileExtension(u.Path),
		string(u.Status), syncAt, reason,
	)
	if err != nil {
		return fmt.Errorf("写入 %s 失败: %w", r.tableName, err)
	}
	return nil
}

func (r *PostgresRecorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *PostgresRecorder) ensureReady() error {
	r.initOnce.Do(func() {
		db, err := r.openDB("postgres", r.dsn)
		if err != nil {
			r.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		table := quoteIdentifier(r.tableName)
		statements := []string{
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				timestamp TIMESTAMPTZ NOT NULL,
				event_id TEXT NOT NULL DEFAULT '',
				target TEXT NOT NULL DEFAULT '',
				sequence_id BIGINT NOT NULL DEFAULT 0,
				operation TEXT NOT NULL DEFAULT '',
				event_type TEXT NOT NULL CHECK (event_type IN ('CREATED', 'MODIFIED', 'DELETED', 'MOVED')),
				file_path VARCHAR(1000) NOT NULL,
				old_path VARCHAR(1000) NULL,
				new_path VARCHAR(1000) NULL,
				file_size BIGINT NULL,
				is_text_file BOOLEAN NULL,
				file_extension VARCHAR(50) NULL,
				sync_status TEXT NOT NULL DEFAULT 'PENDING' CHECK (sync_status IN ('PENDING', 'SUCCESS', 'FAILED')),
				sync_timestamp TIMESTAMPTZ NULL,
				reason TEXT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (target, sequence_id, event_id)
			)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (timestamp)`, quoteIdentifier(r.tableName+"_timestamp_idx"), table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (file_path)`, quoteIdentifier(r.tableName+"_file_path_idx"), table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (sync_status)`, quoteIdentifier(r.tableName+"_sync_status_idx"), table),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				r.initErr = fmt.Errorf("初始化 %s 表失败: %w", r.tableName, err)
				return
			}
		}
		r.db = db
	})
	return r.initErr
}

// fileExtension 与原服务一致：带点的后缀，没有时为 NULL
func fileExtension(path string) sql.NullString {
	ext := filepath.Ext(path)
	if ext == "" {
		return sql.NullString{}
	}
	if len(ext) > maxExtensionLength {
		ext = ext[:maxExtensionLength]
	}
	return sql.NullString{String: ext, Valid: true}
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
