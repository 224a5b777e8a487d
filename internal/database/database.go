// Package database 提供数据库连接和管理
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/paiban/nursesched/internal/config"
	"github.com/paiban/nursesched/pkg/logger"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx 驱动
	_ "github.com/lib/pq"              // PostgreSQL 驱动
	_ "modernc.org/sqlite"             // 嵌入式 SQLite 驱动
)

// Dialect SQL 方言
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Querier 可执行 SQL 的对象，DB 与 Tx 均满足
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DB 数据库连接封装。SQL 统一使用 $n 占位符，SQLite 下改写为 ?n
type DB struct {
	*sql.DB
	cfg     *config.DatabaseConfig
	dialect Dialect
}

// New 创建新的数据库连接
func New(cfg *config.DatabaseConfig) (*DB, error) {
	driver, dialect, err := driverName(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn := cfg.DSN()
	if dialect == DialectSQLite {
		dsn += "&_pragma=journal_mode(WAL)&_txlock=immediate"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库连接失败: %w", err)
	}

	// 配置连接池
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	out := &DB{DB: db, cfg: cfg, dialect: dialect}
	if cfg.AutoMigrate {
		if err := out.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	ev := logger.Info().Str("driver", cfg.Driver)
	if dialect == DialectSQLite {
		ev = ev.Str("path", cfg.Path)
	} else {
		ev = ev.Str("host", cfg.Host).Int("port", cfg.Port).Str("database", cfg.Name)
	}
	ev.Msg("数据库连接成功")

	return out, nil
}

// OpenSQLite 打开嵌入式数据库并建表，主要用于测试和本地运行
func OpenSQLite(path string) (*DB, error) {
	return New(&config.DatabaseConfig{
		Driver:          "sqlite",
		Path:            path,
		MaxOpenConns:    4,
		MaxIdleConns:    4,
		ConnMaxLifetime: time.Hour,
		SlowQuery:       time.Second,
		AutoMigrate:     true,
	})
}

func driverName(driver string) (string, Dialect, error) {
	switch driver {
	case "postgres", "":
		return "postgres", DialectPostgres, nil
	case "pgx":
		return "pgx", DialectPostgres, nil
	case "sqlite":
		return "sqlite", DialectSQLite, nil
	default:
		return "", "", fmt.Errorf("未知数据库驱动: %s", driver)
	}
}

// Dialect 返回方言
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Close 关闭数据库连接
func (db *DB) Close() error {
	if db.DB != nil {
		logger.Info().Msg("关闭数据库连接")
		return db.DB.Close()
	}
	return nil
}

// Health 健康检查
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Transaction 执行事务，fn 返回错误时回滚
func (db *DB) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}
	tx := &Tx{Tx: sqlTx, db: db}

	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("事务回滚失败: %v (原始错误: %w)", rbErr, err)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return MapError(fmt.Errorf("事务提交失败: %w", err))
	}

	return nil
}

// Stats 返回数据库统计信息
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// ExecContext 执行SQL语句
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	result, err := db.DB.ExecContext(ctx, db.Rebind(query), args...)
	db.observe(query, start)
	return result, err
}

// QueryContext 执行查询
func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	start := time.Now()
	rows, err := db.DB.QueryContext(ctx, db.Rebind(query), args...)
	db.observe(query, start)
	return rows, err
}

// QueryRowContext 执行单行查询
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.DB.QueryRowContext(ctx, db.Rebind(query), args...)
}

func (db *DB) observe(query string, start time.Time) {
	threshold := 100 * time.Millisecond
	if db.cfg != nil && db.cfg.SlowQuery > 0 {
		threshold = db.cfg.SlowQuery
	}
	if duration := time.Since(start); duration > threshold {
		logger.Warn().
			Str("query", truncateQuery(query)).
			Dur("duration", duration).
			Msg("慢SQL查询")
	}
}

// Rebind 按方言改写占位符
func (db *DB) Rebind(query string) string {
	if db.dialect != DialectSQLite {
		return query
	}
	return rebindSQLite(query)
}

// rebindSQLite 将 $n 改写为 ?n，保留编号语义
func rebindSQLite(query string) string {
	if !strings.Contains(query, "$") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Tx 事务封装，占位符规则与 DB 一致
type Tx struct {
	*sql.Tx
	db *DB
}

// ExecContext 在事务中执行
func (tx *Tx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return tx.Tx.ExecContext(ctx, tx.db.Rebind(query), args...)
}

// QueryContext 在事务中查询
func (tx *Tx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return tx.Tx.QueryContext(ctx, tx.db.Rebind(query), args...)
}

// QueryRowContext 在事务中单行查询
func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return tx.Tx.QueryRowContext(ctx, tx.db.Rebind(query), args...)
}

// truncateQuery 截断长查询
func truncateQuery(query string) string {
	query = strings.Join(strings.Fields(query), " ")
	if len(query) > 200 {
		return query[:200] + "..."
	}
	return query
}
