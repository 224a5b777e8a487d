// Package errors 提供统一的错误处理框架
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

const (
	// 通用错误码
	CodeUnknown       Code = "UNKNOWN"
	CodeInternal      Code = "INTERNAL"
	CodeInvalidInput  Code = "INVALID_INPUT"
	CodeNotFound      Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"
	CodeConflictState Code = "CONFLICT_STATE"
	CodeRateLimited   Code = "RATE_LIMITED"

	// 规则相关
	CodeRuleDSLInvalid   Code = "RULE_DSL_INVALID"
	CodeRuleConflictHard Code = "RULE_CONFLICT_HARD"

	// 求解相关
	CodeOptInfeasible Code = "OPT_INFEASIBLE"
	CodeOptTimeout    Code = "OPT_TIMEOUT"
	CodeCancelled     Code = "CANCELLED"

	// 数据相关
	CodeDBConstraint Code = "DB_CONSTRAINT"
	CodeDatabase     Code = "DATABASE_ERROR"
	CodeValidation   Code = "VALIDATION"
)

// AppError 应用错误
type AppError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
	Cause      error                  `json:"-"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加详细信息
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithCause 添加原因
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithField 添加字段
func (e *AppError) WithField(key string, value interface{}) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// Public 返回可以暴露给调用方的副本，INTERNAL 错误只保留不透明信息
func (e *AppError) Public() *AppError {
	if e.Code == CodeInternal || e.Code == CodeDatabase || e.Code == CodeUnknown {
		return &AppError{Code: CodeInternal, Message: "内部错误", HTTPStatus: http.StatusInternalServerError}
	}
	cp := *e
	cp.Cause = nil
	return &cp
}

// New 创建新错误
func New(code Code, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

// Newf 创建带格式化信息的错误
func Newf(code Code, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包装错误
func Wrap(err error, code Code, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Cause:      err,
	}
}

// codeToHTTPStatus 错误码转HTTP状态码
func codeToHTTPStatus(code Code) int {
	switch code {
	case CodeInvalidInput, CodeValidation, CodeRuleDSLInvalid:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeConflictState, CodeDBConstraint, CodeRuleConflictHard:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeOptTimeout:
		return http.StatusGatewayTimeout
	case CodeOptInfeasible:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// As 提取 AppError，非 AppError 包装为 INTERNAL
func As(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(err, CodeInternal, "内部错误")
}

// Is 检查错误是否为特定类型
func Is(err error, code Code) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetCode 获取错误码
func GetCode(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// GetHTTPStatus 获取HTTP状态码
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// InvalidInput 创建输入无效错误
func InvalidInput(field, reason string) *AppError {
	return New(CodeInvalidInput, fmt.Sprintf("字段 '%s' 无效: %s", field, reason))
}

// NotFound 创建资源不存在错误
func NotFound(resource, id string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s '%s' 不存在", resource, id))
}

// Validation 创建前置条件校验错误
func Validation(message string) *AppError {
	return New(CodeValidation, message)
}

// LockConflict 创建锁定格冲突错误，带上冲突的护理人员和日期
func LockConflict(nurseID, date, details string) *AppError {
	return New(CodeValidation, fmt.Sprintf("护理人员 %s 在 %s 的锁定班次冲突: %s", nurseID, date, details)).
		WithField("nurse_id", nurseID).
		WithField("date", date)
}

// RuleDSLInvalid 创建规则DSL无效错误
func RuleDSLInvalid(ruleID string, issues []string) *AppError {
	return New(CodeRuleDSLInvalid, fmt.Sprintf("规则 '%s' 校验未通过", ruleID)).
		WithField("rule_id", ruleID).
		WithField("issues", issues)
}

// RuleConflictHard 创建硬规则冲突错误
func RuleConflictHard(message string, ruleIDs ...string) *AppError {
	return New(CodeRuleConflictHard, message).WithField("rule_ids", ruleIDs)
}

// Infeasible 创建无可行解错误
func Infeasible(reason string) *AppError {
	return New(CodeOptInfeasible, reason)
}

// DBConstraint 创建数据库约束错误
func DBConstraint(constraint string, cause error) *AppError {
	return Wrap(cause, CodeDBConstraint, fmt.Sprintf("违反数据完整性约束 '%s'", constraint)).
		WithField("constraint", constraint)
}

// ValidationErrors 验证错误集合
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// ValidationError 单个验证错误
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error 实现 error 接口
func (ve *ValidationErrors) Error() string {
	if len(ve.Errors) == 0 {
		return "验证失败"
	}
	return fmt.Sprintf("验证失败: %s - %s", ve.Errors[0].Field, ve.Errors[0].Message)
}

// Add 添加验证错误
func (ve *ValidationErrors) Add(field, message string) {
	ve.Errors = append(ve.Errors, ValidationError{Field: field, Message: message})
}

// HasErrors 检查是否有错误
func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

// ToAppError 转换为 AppError
func (ve *ValidationErrors) ToAppError() *AppError {
	err := New(CodeValidation, "验证失败")
	err.Fields = make(map[string]interface{})
	for _, e := range ve.Errors {
		err.Fields[e.Field] = e.Message
	}
	return err
}
