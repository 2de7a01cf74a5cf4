package checkpoint

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"OpenRill/deploy/migrations"
	xerrors "OpenRill/internal/errors"
)

// MySQLConfig 描述 MySQL 断点存储的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// MySQLStore 把断点位置持久化到 MySQL，按源名称 upsert。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 建立连接、配置连接池并执行内嵌迁移。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(CodeCheckpointStorage, err, "连接 MySQL 失败")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(CodeCheckpointStorage, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Save 实现 Store 接口。
func (s *MySQLStore) Save(ctx context.Context, sessionID, sourceName, offset string) error {
	if sourceName == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "源名称不能为空")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO checkpoints (source_name, session_id, stream_offset, updated_at)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE session_id = VALUES(session_id), stream_offset = VALUES(stream_offset), updated_at = VALUES(updated_at)`,
		sourceName, sessionID, offset, time.Now().Unix())
	if err != nil {
		return xerrors.Wrap(CodeCheckpointStorage, err, "写入断点失败")
	}
	return nil
}

// Load 实现 Store 接口。
func (s *MySQLStore) Load(ctx context.Context, sourceName string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT source_name, session_id, stream_offset, updated_at
FROM checkpoints WHERE source_name = ?`, sourceName)
	var cp Checkpoint
	if err := row.Scan(&cp.SourceName, &cp.SessionID, &cp.Offset, &cp.UpdatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, ErrCheckpointNotFound
		}
		return Checkpoint{}, xerrors.Wrap(CodeCheckpointStorage, err, "读取断点失败")
	}
	return cp, nil
}

// List 实现 Store 接口。
func (s *MySQLStore) List(ctx context.Context, limit int) ([]Checkpoint, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT source_name, session_id, stream_offset, updated_at
FROM checkpoints ORDER BY updated_at DESC, source_name ASC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(CodeCheckpointStorage, err, "查询断点失败")
	}
	defer rows.Close()

	var results []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.SourceName, &cp.SessionID, &cp.Offset, &cp.UpdatedAt); err != nil {
			return nil, xerrors.Wrap(CodeCheckpointStorage, err, "解析断点失败")
		}
		results = append(results, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(CodeCheckpointStorage, err, "遍历断点失败")
	}
	return results, nil
}

// Close 释放数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var embeddedMigrations = migrations.Files

type migrationFile struct {
	version    string
	name       string
	statements []string
}

// runMigrations 执行尚未应用的内嵌 SQL 迁移。
func (s *MySQLStore) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return xerrors.Wrap(CodeCheckpointStorage, err, "创建 schema_migrations 表失败")
	}

	applied, err := s.loadAppliedVersions(ctx)
	if err != nil {
		return err
	}

	files, err := loadMigrationFiles()
	if err != nil {
		return err
	}

	for _, migration := range files {
		if _, ok := applied[migration.version]; ok {
			continue
		}
		if err := s.applyMigration(ctx, migration); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLStore) loadAppliedVersions(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(CodeCheckpointStorage, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, xerrors.Wrap(CodeCheckpointStorage, err, "解析 schema_migrations 失败")
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(CodeCheckpointStorage, err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

func (s *MySQLStore) applyMigration(ctx context.Context, migration migrationFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(CodeCheckpointStorage, err, "开启迁移事务失败")
	}

	for _, stmt := range migration.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return xerrors.Wrap(CodeCheckpointStorage, err, fmt.Sprintf("执行迁移 %s 失败", migration.name))
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, migration.version, time.Now().Unix()); err != nil {
		tx.Rollback()
		return xerrors.Wrap(CodeCheckpointStorage, err, "记录迁移版本失败")
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(CodeCheckpointStorage, err, "提交迁移事务失败")
	}
	return nil
}

func loadMigrationFiles() ([]migrationFile, error) {
	entries, err := fs.ReadDir(embeddedMigrations, ".")
	if err != nil {
		return nil, xerrors.Wrap(CodeCheckpointStorage, err, "读取迁移目录失败")
	}

	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		contentBytes, err := embeddedMigrations.ReadFile(name)
		if err != nil {
			return nil, xerrors.Wrap(CodeCheckpointStorage, err, fmt.Sprintf("读取迁移文件 %s 失败", name))
		}
		statements := splitSQLStatements(string(contentBytes))
		if len(statements) == 0 {
			continue
		}

		files = append(files, migrationFile{
			version:    parseMigrationVersion(name),
			name:       name,
			statements: statements,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].version == files[j].version {
			return files[i].name < files[j].name
		}
		return files[i].version < files[j].version
	})
	return files, nil
}

func splitSQLStatements(content string) []string {
	rawStatements := strings.Split(content, ";")
	var statements []string
	for _, stmt := range rawStatements {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		statements = append(statements, trimmed)
	}
	return statements
}

func parseMigrationVersion(name string) string {
	if idx := strings.IndexRune(name, '_'); idx > 0 {
		return name[:idx]
	}
	if dot := strings.IndexRune(name, '.'); dot > 0 {
		return name[:dot]
	}
	return name
}

var _ Store = (*MySQLStore)(nil)
