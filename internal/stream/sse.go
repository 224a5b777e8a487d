package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/paiban/nursesched/pkg/job"
	"github.com/paiban/nursesched/pkg/logger"
)

// DefaultHeartbeat 心跳间隔
const DefaultHeartbeat = 15 * time.Second

// WriteEvent 按 SSE 格式写一条事件
func WriteEvent(w io.Writer, e job.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, raw)
	return err
}

// ServeSSE 把任务事件流写给客户端，直到终止事件、客户端断开或订阅被挤出。
// fallback 在积压中没有终止事件时调用，任务已终止则返回合成的终止事件，否则返回 nil
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, jobID uuid.UUID, fallback func() *job.Event, heartbeat time.Duration) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	lastID := lastEventID(r)
	log := logger.WithContext(r.Context()).With().Str("job_id", jobID.String()).Logger()

	sub, backlog := h.Subscribe(jobID)
	defer sub.Close()

	w.WriteHeader(http.StatusOK)
	for _, e := range backlog {
		if e.Seq > 0 && e.Seq <= lastID {
			continue
		}
		if err := WriteEvent(w, e); err != nil {
			return
		}
		if e.Terminal() {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	if fallback != nil {
		if ev := fallback(); ev != nil {
			if err := WriteEvent(w, *ev); err == nil {
				flusher.Flush()
			}
			// 关闭该任务的主题，后续订阅直接回放
			h.Deliver(*ev)
			return
		}
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			log.Debug().Msg("事件流客户端断开")
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if e.Seq > 0 && e.Seq <= lastID {
				continue
			}
			if err := WriteEvent(w, e); err != nil {
				log.Debug().Err(err).Msg("写事件失败")
				return
			}
			flusher.Flush()
			if e.Terminal() {
				return
			}
		}
	}
}

// lastEventID 断线重连时浏览器带上的最后序号
func lastEventID(r *http.Request) int64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("last_event_id")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
