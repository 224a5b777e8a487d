// Package logger 提供统一的日志框架
package logger

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	mu     sync.RWMutex
	logger zerolog.Logger
	inited bool
)

// Level 日志级别
type Level = zerolog.Level

const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	jobIDKey     ctxKey = "job_id"
)

// Config 日志配置
type Config struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"` // json/console
	Output     string `yaml:"output" json:"output"` // stdout/stderr/file
	FilePath   string `yaml:"file_path,omitempty" json:"file_path,omitempty"`
	TimeFormat string `yaml:"time_format,omitempty" json:"time_format,omitempty"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	}
}

// Init 初始化日志器，只生效一次
func Init(cfg Config) {
	once.Do(func() {
		SetOutput(openOutput(cfg), cfg)
	})
}

// SetOutput 替换日志输出，测试中用于捕获日志
func SetOutput(output io.Writer, cfg Config) {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: cfg.TimeFormat,
		}
	}

	mu.Lock()
	logger = zerolog.New(output).With().Timestamp().Logger()
	inited = true
	mu.Unlock()
}

func openOutput(cfg Config) io.Writer {
	switch cfg.Output {
	case "stderr":
		return os.Stderr
	case "file":
		if cfg.FilePath == "" {
			return os.Stdout
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return os.Stdout
		}
		return f
	default:
		return os.Stdout
	}
}

// parseLevel 解析日志级别
func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Get 获取日志器
func Get() *zerolog.Logger {
	mu.RLock()
	ok := inited
	mu.RUnlock()
	if !ok {
		Init(DefaultConfig())
	}
	mu.RLock()
	defer mu.RUnlock()
	l := logger
	return &l
}

// ContextWithRequestID 在上下文中记录请求ID
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// ContextWithJobID 在上下文中记录任务ID
func ContextWithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey, id)
}

// RequestIDFromContext 读取请求ID
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithContext 从上下文创建日志器
func WithContext(ctx context.Context) *zerolog.Logger {
	c := Get().With()
	if reqID, ok := ctx.Value(requestIDKey).(string); ok {
		c = c.Str("request_id", reqID)
	}
	if jobID, ok := ctx.Value(jobIDKey).(string); ok {
		c = c.Str("job_id", jobID)
	}
	l := c.Logger()
	return &l
}

// Debug 记录调试日志
func Debug() *zerolog.Event {
	return Get().Debug()
}

// Info 记录信息日志
func Info() *zerolog.Event {
	return Get().Info()
}

// Warn 记录警告日志
func Warn() *zerolog.Event {
	return Get().Warn()
}

// Error 记录错误日志
func Error() *zerolog.Event {
	return Get().Error()
}

// Fatal 记录致命错误日志
func Fatal() *zerolog.Event {
	return Get().Fatal()
}

// WithError 添加错误信息
func WithError(err error) *zerolog.Event {
	return Get().Error().Err(err)
}

// WithFields 添加多个字段
func WithFields(fields map[string]interface{}) *zerolog.Logger {
	ctx := Get().With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	l := ctx.Logger()
	return &l
}

// JobLogger 优化任务专用日志器
type JobLogger struct {
	base *zerolog.Logger
}

// NewJobLogger 创建优化任务日志器
func NewJobLogger(jobID string) *JobLogger {
	l := Get().With().Str("component", "optimizer").Str("job_id", jobID).Logger()
	return &JobLogger{base: &l}
}

// Base 返回底层日志器
func (l *JobLogger) Base() *zerolog.Logger {
	return l.base
}

// Transition 记录任务状态迁移
func (l *JobLogger) Transition(from, to string) {
	l.base.Info().
		Str("from", from).
		Str("to", to).
		Msg("任务状态迁移")
}

// CompileDone 记录编译完成
func (l *JobLogger) CompileDone(variables, constraints, objectives int, duration time.Duration) {
	l.base.Info().
		Int("variables", variables).
		Int("constraints", constraints).
		Int("objective_terms", objectives).
		Dur("duration", duration).
		Msg("规则编译完成")
}

// SolveDone 记录求解完成
func (l *JobLogger) SolveDone(status string, objective int64, gap float64, duration time.Duration) {
	l.base.Info().
		Str("status", status).
		Int64("objective", objective).
		Float64("gap", gap).
		Dur("duration", duration).
		Msg("求解完成")
}

// Failed 记录任务失败，内部错误保留完整上下文
func (l *JobLogger) Failed(stage, code string, err error) {
	l.base.Error().
		Str("stage", stage).
		Str("code", code).
		Err(err).
		Msg("任务失败")
}
