package job

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/logger"
	"github.com/paiban/nursesched/pkg/model"
)

// EventType 任务事件类型
type EventType string

const (
	EventPhase  EventType = "phase"
	EventLog    EventType = "log"
	EventMetric EventType = "metric"
	EventResult EventType = "result"
	EventError  EventType = "error"
)

// Phase 阶段事件
type Phase string

const (
	PhaseCompileStart  Phase = "compile_start"
	PhaseCompileDone   Phase = "compile_done"
	PhaseSolveStart    Phase = "solve_start"
	PhaseSolveProgress Phase = "solve_progress"
	PhaseSolveDone     Phase = "solve_done"
	PhasePersistStart  Phase = "persist_start"
	PhasePersistDone   Phase = "persist_done"
)

var phaseRank = map[Phase]int{
	PhaseCompileStart:  1,
	PhaseCompileDone:   2,
	PhaseSolveStart:    3,
	PhaseSolveProgress: 4,
	PhaseSolveDone:     5,
	PhasePersistStart:  6,
	PhasePersistDone:   7,
}

// Metric 指标事件内容
type Metric struct {
	Progress      int              `json:"progress"`
	BestObjective *int64           `json:"best_objective,omitempty"`
	Gap           *float64         `json:"gap,omitempty"`
	Breakdown     map[string]int64 `json:"breakdown,omitempty"`
	ElapsedMS     int64            `json:"elapsed_ms,omitempty"`
}

// Result 终止事件：成功结果
type Result struct {
	VersionID uuid.UUID              `json:"version_id"`
	Status    string                 `json:"status"`
	Objective int64                  `json:"objective"`
	Summary   map[string]interface{} `json:"summary,omitempty"`
}

// ErrorBody 终止事件：结构化错误
type ErrorBody struct {
	Code    apperrors.Code         `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Event 流式事件
type Event struct {
	Seq      int64                  `json:"seq"`
	JobID    uuid.UUID              `json:"job_id"`
	Type     EventType              `json:"type"`
	Phase    Phase                  `json:"phase,omitempty"`
	Stage    string                 `json:"stage,omitempty"`
	Category string                 `json:"category,omitempty"`
	Message  string                 `json:"message,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Metric   *Metric                `json:"metric,omitempty"`
	Result   *Result                `json:"result,omitempty"`
	Error    *ErrorBody             `json:"error,omitempty"`
	At       time.Time              `json:"at"`
}

// Terminal 是否为终止事件
func (e Event) Terminal() bool {
	return e.Type == EventResult || e.Type == EventError
}

// Publisher 事件出口
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc 函数形式的 Publisher
type PublisherFunc func(ctx context.Context, e Event) error

// Publish 实现 Publisher
func (f PublisherFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }

// emitter 单个任务的事件序列：阶段单调，终止事件之后不再发送
type emitter struct {
	mu     sync.Mutex
	jobID  uuid.UUID
	out    Publisher
	seq    int64
	rank   int
	closed bool
}

func newEmitter(jobID uuid.UUID, out Publisher) *emitter {
	if out == nil {
		out = discard{}
	}
	return &emitter{jobID: jobID, out: out}
}

func (em *emitter) emit(ctx context.Context, e Event) bool {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.closed {
		return false
	}
	if e.Type == EventPhase {
		r := phaseRank[e.Phase]
		// solve_progress 可重复，其余阶段不得回退或重复
		if r < em.rank || (r == em.rank && e.Phase != PhaseSolveProgress) {
			return false
		}
		em.rank = r
	}
	em.seq++
	e.Seq = em.seq
	e.JobID = em.jobID
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if e.Terminal() {
		em.closed = true
	}
	if err := em.out.Publish(ctx, e); err != nil {
		logger.Warn().Err(err).Str("job_id", em.jobID.String()).Str("type", string(e.Type)).Msg("事件发送失败")
	}
	return true
}

func (em *emitter) phase(ctx context.Context, p Phase, message string, data map[string]interface{}) {
	em.emit(ctx, Event{Type: EventPhase, Phase: p, Message: message, Data: data})
}

func (em *emitter) log(ctx context.Context, stage, category, message string) {
	em.emit(ctx, Event{Type: EventLog, Stage: stage, Category: category, Message: Redact(message)})
}

func (em *emitter) metric(ctx context.Context, m Metric) {
	em.emit(ctx, Event{Type: EventMetric, Metric: &m})
}

func (em *emitter) result(ctx context.Context, r Result) {
	em.emit(ctx, Event{Type: EventResult, Result: &r})
}

func (em *emitter) fail(ctx context.Context, body ErrorBody) {
	body.Message = Redact(body.Message)
	em.emit(ctx, Event{Type: EventError, Error: &body})
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^:/@\s]+:[^@\s]+@`),
	regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token)=\S+`),
}

// Redact 去掉连接串中的口令与 key=value 形式的凭据
func Redact(s string) string {
	s = secretPatterns[0].ReplaceAllString(s, "${1}***@")
	return secretPatterns[1].ReplaceAllString(s, "${1}=***")
}

// TerminalEvent 由任务记录还原终止事件，任务未终止时返回 nil。
// 用于事件已过保留期或由其他实例执行时的补发
func TerminalEvent(j *model.OptimizationJob) *Event {
	if !j.Status.IsTerminal() {
		return nil
	}
	at := j.UpdatedAt
	if j.FinishedAt != nil {
		at = *j.FinishedAt
	}
	e := &Event{JobID: j.ID, At: at}

	if j.Status == model.JobSucceeded && j.ResultVersionID != nil {
		e.Type = EventResult
		e.Result = &Result{VersionID: *j.ResultVersionID}
		if j.SolveReport != nil {
			e.Result.Status, _ = j.SolveReport["status"].(string)
			e.Result.Objective = toInt64(j.SolveReport["objective"])
		}
		return e
	}

	body := &ErrorBody{Code: apperrors.CodeInternal, Message: "内部错误"}
	if j.Status == model.JobCancelled {
		body = &ErrorBody{Code: apperrors.CodeCancelled, Message: "任务已取消"}
	}
	if j.Error != nil {
		if code, ok := j.Error["code"].(string); ok && code != "" {
			body.Code = apperrors.Code(code)
		}
		if msg, ok := j.Error["message"].(string); ok && msg != "" {
			body.Message = msg
		}
		if details, ok := j.Error["details"].(map[string]interface{}); ok {
			body.Details = details
		}
	}
	e.Type = EventError
	e.Error = body
	return e
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
