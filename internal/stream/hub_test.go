package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/job"
)

func phase(id uuid.UUID, seq int64, p job.Phase) job.Event {
	return job.Event{Seq: seq, JobID: id, Type: job.EventPhase, Phase: p}
}

func failure(id uuid.UUID, seq int64) job.Event {
	return job.Event{Seq: seq, JobID: id, Type: job.EventError, Error: &job.ErrorBody{Code: apperrors.CodeOptInfeasible, Message: "无可行解"}}
}

func drain(t *testing.T, s *Subscription) []job.Event {
	t.Helper()
	var out []job.Event
	timeout := time.After(time.Second)
	for {
		select {
		case e, ok := <-s.C:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatal("订阅通道未关闭")
		}
	}
}

func TestHub_BacklogAndDedup(t *testing.T) {
	h := NewHub(Options{})
	id := uuid.New()
	ctx := context.Background()

	_ = h.Publish(ctx, phase(id, 1, job.PhaseCompileStart))
	_ = h.Publish(ctx, phase(id, 2, job.PhaseCompileDone))
	_ = h.Publish(ctx, phase(id, 1, job.PhaseCompileStart))

	got := h.Backlog(id)
	if len(got) != 2 {
		t.Fatalf("积压事件数 = %d, want 2", len(got))
	}
	if got[0].Seq != 1 || got[1].Seq != 2 {
		t.Errorf("积压顺序错误: %d, %d", got[0].Seq, got[1].Seq)
	}
	if h.Backlog(uuid.New()) != nil {
		t.Error("未知任务应无积压")
	}
}

func TestHub_BacklogTrimmed(t *testing.T) {
	h := NewHub(Options{Backlog: 3})
	id := uuid.New()
	for i := int64(1); i <= 5; i++ {
		h.Deliver(phase(id, i, job.PhaseSolveProgress))
	}
	got := h.Backlog(id)
	if len(got) != 3 || got[0].Seq != 3 {
		t.Errorf("积压应只保留最近 3 条, got %d 条, 首条 seq=%d", len(got), got[0].Seq)
	}
}

func TestHub_TerminalClosesSubscribers(t *testing.T) {
	var opened, closed int
	h := NewHub(Options{OnSubscribe: func() { opened++ }, OnUnsubscribe: func() { closed++ }})
	id := uuid.New()

	sub, backlog := h.Subscribe(id)
	if len(backlog) != 0 {
		t.Fatalf("新任务积压应为空")
	}
	h.Deliver(phase(id, 1, job.PhaseCompileStart))
	h.Deliver(failure(id, 2))
	h.Deliver(phase(id, 3, job.PhaseSolveStart))

	got := drain(t, sub)
	if len(got) != 2 {
		t.Fatalf("收到 %d 条事件, want 2", len(got))
	}
	if !got[1].Terminal() {
		t.Error("最后一条应为终止事件")
	}
	sub.Close()
	if opened != 1 || closed != 1 {
		t.Errorf("订阅计数 opened=%d closed=%d", opened, closed)
	}
}

func TestHub_SubscribeAfterTerminal(t *testing.T) {
	h := NewHub(Options{})
	id := uuid.New()
	h.Deliver(phase(id, 1, job.PhaseCompileStart))
	h.Deliver(failure(id, 2))

	sub, backlog := h.Subscribe(id)
	defer sub.Close()
	if len(backlog) != 2 || !backlog[1].Terminal() {
		t.Fatalf("应回放完整事件序列, got %d", len(backlog))
	}
	if got := drain(t, sub); len(got) != 0 {
		t.Errorf("已终止任务不应再推送事件")
	}
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	h := NewHub(Options{Buffer: 1})
	id := uuid.New()
	sub, _ := h.Subscribe(id)
	fast, _ := h.Subscribe(id)

	done := make(chan []job.Event)
	go func() {
		var all []job.Event
		for e := range fast.C {
			all = append(all, e)
		}
		done <- all
	}()

	h.Deliver(phase(id, 1, job.PhaseSolveProgress))
	time.Sleep(20 * time.Millisecond)
	h.Deliver(phase(id, 2, job.PhaseSolveProgress))
	time.Sleep(20 * time.Millisecond)
	h.Deliver(failure(id, 3))

	got := drain(t, sub)
	if len(got) != 1 || got[0].Seq != 1 {
		t.Errorf("慢订阅者应只收到缓冲内的事件, got %d", len(got))
	}
	if all := <-done; len(all) != 3 {
		t.Errorf("正常订阅者应收到 3 条, got %d", len(all))
	}
}

func TestHub_RetainSweep(t *testing.T) {
	h := NewHub(Options{Retain: time.Minute})
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	id := uuid.New()
	h.Deliver(failure(id, 1))
	now = now.Add(2 * time.Minute)
	h.Deliver(phase(uuid.New(), 1, job.PhaseCompileStart))

	if h.Backlog(id) != nil {
		t.Error("超过保留期的任务应被清理")
	}
}

type fakeBus struct {
	mu      sync.Mutex
	onEvent func(job.Event)
	sent    int
	err     error
}

func (b *fakeBus) Start(_ context.Context, onEvent func(job.Event)) error {
	b.onEvent = onEvent
	return nil
}

func (b *fakeBus) Publish(_ context.Context, e job.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.sent++
	b.onEvent(e)
	return nil
}

func (b *fakeBus) Close() error { return nil }

func TestHub_Bus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantSent int
	}{
		{"经总线回流投递", nil, 1},
		{"总线失败改为本地投递", errors.New("connection refused"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHub(Options{})
			bus := &fakeBus{err: tt.err}
			if err := h.UseBus(context.Background(), bus); err != nil {
				t.Fatal(err)
			}
			id := uuid.New()
			if err := h.Publish(context.Background(), phase(id, 1, job.PhaseCompileStart)); err != nil {
				t.Fatalf("Publish 不应返回错误: %v", err)
			}
			if bus.sent != tt.wantSent {
				t.Errorf("总线发送 %d 次, want %d", bus.sent, tt.wantSent)
			}
			if len(h.Backlog(id)) != 1 {
				t.Error("事件应进入积压")
			}
		})
	}
}

func TestServeSSE_Replay(t *testing.T) {
	h := NewHub(Options{})
	id := uuid.New()
	h.Deliver(phase(id, 1, job.PhaseCompileStart))
	h.Deliver(phase(id, 2, job.PhaseCompileDone))
	h.Deliver(failure(id, 3))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id.String()+"/events", nil)
	req.Header.Set("Last-Event-ID", "1")
	rec := httptest.NewRecorder()
	h.ServeSSE(rec, req, id, nil, time.Second)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if strings.Contains(body, "id: 1\n") {
		t.Error("Last-Event-ID 之前的事件不应重发")
	}
	for _, want := range []string{"id: 2\nevent: phase\n", "id: 3\nevent: error\n", `"code":"OPT_INFEASIBLE"`} {
		if !strings.Contains(body, want) {
			t.Errorf("响应缺少 %q", want)
		}
	}
}

func TestServeSSE_Fallback(t *testing.T) {
	h := NewHub(Options{})
	id := uuid.New()
	synth := failure(id, 0)

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	h.ServeSSE(rec, req, id, func() *job.Event { return &synth }, time.Second)

	if !strings.Contains(rec.Body.String(), "event: error\n") {
		t.Errorf("应补发终止事件, body=%s", rec.Body.String())
	}
	if b := h.Backlog(id); len(b) != 1 || !b[0].Terminal() {
		t.Error("补发的终止事件应关闭主题")
	}
}

func TestServeSSE_Live(t *testing.T) {
	h := NewHub(Options{})
	id := uuid.New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		h.ServeSSE(rec, req, id, func() *job.Event { return nil }, time.Second)
		close(done)
	}()

	// 等待订阅建立
	for i := 0; i < 100; i++ {
		h.mu.Lock()
		n := 0
		if tp, ok := h.topics[id]; ok {
			n = len(tp.subs)
		}
		h.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.Deliver(phase(id, 1, job.PhaseCompileStart))
	h.Deliver(failure(id, 2))

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("终止事件后事件流应结束")
	}
	body := rec.Body.String()
	if !strings.Contains(body, "id: 1\n") || !strings.Contains(body, "id: 2\n") {
		t.Errorf("实时事件缺失: %s", body)
	}
}
