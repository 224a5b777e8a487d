// Package stream 分发任务事件：进程内订阅、回放积压事件、可选 Redis 跨实例转发
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paiban/nursesched/pkg/job"
	"github.com/paiban/nursesched/pkg/logger"
)

// Bus 跨实例事件总线
type Bus interface {
	Publish(ctx context.Context, e job.Event) error
	Start(ctx context.Context, onEvent func(job.Event)) error
	Close() error
}

// Options 事件中心参数
type Options struct {
	Backlog       int           // 每个任务保留的事件数
	Buffer        int           // 每个订阅者的缓冲
	Retain        time.Duration // 终止后保留积压事件的时长
	OnSubscribe   func()
	OnUnsubscribe func()
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{Backlog: 512, Buffer: 64, Retain: 10 * time.Minute}
}

// Hub 按任务分组的事件中心，实现 job.Publisher
type Hub struct {
	mu     sync.Mutex
	opts   Options
	topics map[uuid.UUID]*topic
	bus    Bus
	now    func() time.Time
}

type topic struct {
	events   []job.Event
	subs     map[*Subscription]struct{}
	closed   bool
	closedAt time.Time
}

// Subscription 单个订阅
type Subscription struct {
	C     <-chan job.Event
	ch    chan job.Event
	jobID uuid.UUID
	hub   *Hub
	once  sync.Once
}

// NewHub 创建事件中心
func NewHub(opts Options) *Hub {
	def := DefaultOptions()
	if opts.Backlog <= 0 {
		opts.Backlog = def.Backlog
	}
	if opts.Buffer <= 0 {
		opts.Buffer = def.Buffer
	}
	if opts.Retain <= 0 {
		opts.Retain = def.Retain
	}
	return &Hub{opts: opts, topics: make(map[uuid.UUID]*topic), now: time.Now}
}

// UseBus 启用跨实例转发。之后本地发布的事件经总线回到每个实例再投递
func (h *Hub) UseBus(ctx context.Context, bus Bus) error {
	if err := bus.Start(ctx, h.Deliver); err != nil {
		return err
	}
	h.mu.Lock()
	h.bus = bus
	h.mu.Unlock()
	return nil
}

// Publish 实现 job.Publisher
func (h *Hub) Publish(ctx context.Context, e job.Event) error {
	h.mu.Lock()
	bus := h.bus
	h.mu.Unlock()
	if bus != nil {
		err := bus.Publish(ctx, e)
		if err == nil {
			return nil
		}
		logger.WithContext(ctx).Warn().Err(err).Str("job_id", e.JobID.String()).Msg("事件总线发布失败，改为本地投递")
	}
	h.Deliver(e)
	return nil
}

// Deliver 投递到本实例订阅者
func (h *Hub) Deliver(e job.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweep()

	t := h.topic(e.JobID)
	if t.closed {
		return
	}
	// 同一事件可能经总线与本地各到一次
	if n := len(t.events); n > 0 && t.events[n-1].Seq >= e.Seq && e.Seq > 0 {
		return
	}
	t.events = append(t.events, e)
	if len(t.events) > h.opts.Backlog {
		t.events = t.events[len(t.events)-h.opts.Backlog:]
	}
	for s := range t.subs {
		select {
		case s.ch <- e:
		default:
			// 消费过慢，断开后由客户端重连回放
			logger.Warn().Str("job_id", e.JobID.String()).Msg("订阅者缓冲已满，断开连接")
			delete(t.subs, s)
			h.closeSub(s)
		}
	}
	if e.Terminal() {
		t.closed = true
		t.closedAt = h.now()
		for s := range t.subs {
			h.closeSub(s)
		}
		t.subs = nil
	}
}

// Subscribe 订阅任务事件，返回积压事件。任务已终止时订阅通道立即关闭
func (h *Hub) Subscribe(jobID uuid.UUID) (*Subscription, []job.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topic(jobID)
	backlog := make([]job.Event, len(t.events))
	copy(backlog, t.events)

	ch := make(chan job.Event, h.opts.Buffer)
	s := &Subscription{C: ch, ch: ch, jobID: jobID, hub: h}
	if h.opts.OnSubscribe != nil {
		h.opts.OnSubscribe()
	}
	if t.closed {
		h.closeSub(s)
		return s, backlog
	}
	t.subs[s] = struct{}{}
	return s, backlog
}

// Close 取消订阅
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[s.jobID]; ok && t.subs != nil {
		delete(t.subs, s)
	}
	h.closeSub(s)
}

// Backlog 任务当前的积压事件
func (h *Hub) Backlog(jobID uuid.UUID) []job.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[jobID]
	if !ok {
		return nil
	}
	out := make([]job.Event, len(t.events))
	copy(out, t.events)
	return out
}

func (h *Hub) closeSub(s *Subscription) {
	s.once.Do(func() {
		close(s.ch)
		if h.opts.OnUnsubscribe != nil {
			h.opts.OnUnsubscribe()
		}
	})
}

func (h *Hub) topic(id uuid.UUID) *topic {
	t, ok := h.topics[id]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[id] = t
	}
	return t
}

// sweep 清理超过保留期的已终止任务
func (h *Hub) sweep() {
	now := h.now()
	for id, t := range h.topics {
		if t.closed && now.Sub(t.closedAt) > h.opts.Retain {
			delete(h.topics, id)
		}
	}
}
