// Package tracing 初始化 OpenTelemetry 链路追踪
package tracing

import (
	"context"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/paiban/nursesched/internal/config"
	"github.com/paiban/nursesched/pkg/logger"
)

// Shutdown 刷新并关闭导出器
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Init 设置全局 TracerProvider。未启用时返回空操作；w 为 nil 时输出到 stdout
func Init(ctx context.Context, cfg config.TracingConfig, env string, w io.Writer) (Shutdown, error) {
	if !cfg.Enabled {
		return noop, nil
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.Service),
		attribute.String("deployment.environment", env),
	)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	}
	if cfg.Stdout {
		if w == nil {
			w = os.Stdout
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return noop, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	logger.WithContext(ctx).Info().Str("service", cfg.Service).Bool("stdout", cfg.Stdout).Msg("链路追踪已启用")
	return tp.Shutdown, nil
}
