// Package repository 提供数据访问层
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/paiban/nursesched/internal/database"
	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/model"
)

// DB 数据库接口
type DB = database.Querier

// Scanner 行扫描接口
type Scanner interface {
	Scan(dest ...interface{}) error
}

// ListFilter 列表查询过滤器
type ListFilter struct {
	PeriodID *uuid.UUID `json:"period_id,omitempty"`
	Status   string     `json:"status,omitempty"`
	Offset   int        `json:"offset"`
	Limit    int        `json:"limit"`
}

// DefaultListFilter 返回默认过滤器
func DefaultListFilter() ListFilter {
	return ListFilter{
		Offset: 0,
		Limit:  20,
	}
}

// WithLimit 设置限制
func (f ListFilter) WithLimit(limit int) ListFilter {
	f.Limit = limit
	return f
}

// WithOffset 设置偏移
func (f ListFilter) WithOffset(offset int) ListFilter {
	f.Offset = offset
	return f
}

// WithPeriod 设置周期过滤
func (f ListFilter) WithPeriod(periodID uuid.UUID) ListFilter {
	f.PeriodID = &periodID
	return f
}

// WithStatus 设置状态过滤
func (f ListFilter) WithStatus(status string) ListFilter {
	f.Status = status
	return f
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 20
	}
	return f.Limit
}

// Store 聚合全部仓储，满足任务引擎与组装器所需的接口
type Store struct {
	*MasterRepository
	*PeriodRepository
	*RuleRepository
	*BundleRepository
	*JobRepository
	*VersionRepository

	db *database.DB
}

// NewStore 创建仓储集合
func NewStore(db *database.DB) *Store {
	return &Store{
		MasterRepository:  NewMasterRepository(db),
		PeriodRepository:  NewPeriodRepository(db),
		RuleRepository:    NewRuleRepository(db),
		BundleRepository:  NewBundleRepository(db),
		JobRepository:     NewJobRepository(db),
		VersionRepository: NewVersionRepository(db),
		db:                db,
	}
}

// DB 返回底层连接
func (s *Store) DB() *database.DB {
	return s.db
}

// Health 健康检查
func (s *Store) Health(ctx context.Context) error {
	return s.db.Health(ctx)
}

// jsonText 序列化 JSON 列，nil 存为 {}
func jsonText(v interface{}) (string, error) {
	if v == nil {
		return "{}", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("序列化 JSON 失败: %w", err)
	}
	if string(data) == "null" {
		return "{}", nil
	}
	return string(data), nil
}

// decodeJSON 解析 JSON 列，空值或 {} 保持零值
func decodeJSON(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("解析 JSON 失败: %w", err)
	}
	return nil
}

// decodeMap 解析 JSONMap，{} 解析为 nil
func decodeMap(data []byte) (model.JSONMap, error) {
	var m model.JSONMap
	if err := decodeJSON(data, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

// notFound 将 sql.ErrNoRows 转为 NOT_FOUND
func notFound(err error, resource string, id interface{}) error {
	if database.IsNoRows(err) {
		return apperrors.NotFound(resource, fmt.Sprint(id))
	}
	return err
}

// dbError 包装写入错误，约束冲突转为 DB_CONSTRAINT
func dbError(err error, message string) error {
	if err == nil {
		return nil
	}
	if database.IsConstraint(err) {
		return database.MapError(err)
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(err, apperrors.CodeDatabase, message)
}

// withTx 在事务中执行；已处于事务中时直接复用
func withTx(ctx context.Context, q DB, fn func(q DB) error) error {
	if db, ok := q.(*database.DB); ok {
		return db.Transaction(ctx, func(tx *database.Tx) error { return fn(tx) })
	}
	return fn(q)
}

func now() time.Time {
	return time.Now().UTC()
}
