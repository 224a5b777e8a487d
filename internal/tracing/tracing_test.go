package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/paiban/nursesched/internal/config"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TracingConfig{Enabled: false}, "test", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("空操作关闭不应失败: %v", err)
	}
}

func TestInit_Stdout(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.TracingConfig{Enabled: true, Stdout: true, Service: "nursesched-test"}
	shutdown, err := Init(context.Background(), cfg, "test", &buf)
	if err != nil {
		t.Fatal(err)
	}

	_, span := otel.Tracer("tracing_test").Start(context.Background(), "job.solve")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	out := buf.String()
	for _, want := range []string{`"Name":"job.solve"`, "nursesched-test"} {
		if !strings.Contains(out, want) {
			t.Errorf("导出内容缺少 %s", want)
		}
	}
}
