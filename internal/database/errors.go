package database

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	apperrors "github.com/paiban/nursesched/pkg/errors"
)

// PostgreSQL 完整性约束错误码
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
	pgNotNullViolation    = "23502"
)

// MapError 将驱动层完整性错误转为 DB_CONSTRAINT，其余原样返回
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if apperrors.Is(err, apperrors.CodeDBConstraint) {
		return err
	}
	if name, ok := constraintName(err); ok {
		return apperrors.DBConstraint(name, err)
	}
	return err
}

// IsConstraint 是否为完整性约束错误
func IsConstraint(err error) bool {
	if apperrors.Is(err, apperrors.CodeDBConstraint) {
		return true
	}
	_, ok := constraintName(err)
	return ok
}

// IsNoRows 是否为未找到记录
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func constraintName(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgUniqueViolation, pgForeignKeyViolation, pgCheckViolation, pgNotNullViolation:
			return nonEmpty(pqErr.Constraint, pqErr.Code.Name()), true
		}
		return "", false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgForeignKeyViolation, pgCheckViolation, pgNotNullViolation:
			return nonEmpty(pgErr.ConstraintName, pgErr.Code), true
		}
		return "", false
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return sqliteConstraint(liteErr.Error(), "unique"), true
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return "foreign_key", true
		case sqlite3.SQLITE_CONSTRAINT_NOTNULL, sqlite3.SQLITE_CONSTRAINT_CHECK:
			return sqliteConstraint(liteErr.Error(), "check"), true
		}
	}

	// 驱动被包装成字符串时按消息识别
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return sqliteConstraint(msg, "unique"), true
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return "foreign_key", true
	}
	return "", false
}

// sqliteConstraint 从 "UNIQUE constraint failed: assignments.version_id, ..." 中取出列名
func sqliteConstraint(msg, fallback string) string {
	const marker = "constraint failed: "
	i := strings.LastIndex(msg, marker)
	if i < 0 {
		return fallback
	}
	cols := msg[i+len(marker):]
	if i := strings.IndexAny(cols, "()"); i >= 0 {
		cols = cols[:i]
	}
	return strings.TrimSpace(cols)
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
