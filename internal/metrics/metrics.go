// Package metrics 提供Prometheus监控指标
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paiban/nursesched/pkg/model"
)

const namespace = "nursesched"

// Registry 服务指标集合
type Registry struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	jobTransitions *prometheus.CounterVec
	activeJobs     *prometheus.GaugeVec
	stageDuration  *prometheus.HistogramVec
	solveResults   *prometheus.CounterVec
	solveObjective prometheus.Gauge
	solveGap       prometheus.Gauge
	queueDepth     prometheus.Gauge
	streamClients  prometheus.Gauge
}

var (
	registry *Registry
	once     sync.Once
)

// GetRegistry 获取全局注册表
func GetRegistry() *Registry {
	once.Do(func() {
		registry = NewRegistry()
	})
	return registry
}

// NewRegistry 创建独立注册表，测试中使用
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "HTTP请求总数",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP请求延迟",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"method", "route"}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_transitions_total", Help: "优化任务状态迁移次数",
		}, []string{"from", "to"}),
		activeJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "jobs_active", Help: "各阶段运行中的任务数",
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_stage_duration_seconds", Help: "任务各阶段耗时",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 300.0},
		}, []string{"stage"}),
		solveResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "solve_results_total", Help: "求解结论计数",
		}, []string{"status"}),
		solveObjective: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "solve_last_objective", Help: "最近一次求解的目标值",
		}),
		solveGap: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "solve_last_gap", Help: "最近一次求解的最优性间隙",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth", Help: "等待领取的任务数",
		}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "stream_clients", Help: "事件流订阅连接数",
		}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests, r.httpLatency,
		r.jobTransitions, r.activeJobs, r.stageDuration,
		r.solveResults, r.solveObjective, r.solveGap,
		r.queueDepth, r.streamClients,
	)
	return r
}

// Handler 返回Prometheus格式的指标HTTP处理器
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer 暴露底层注册表
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler 全局注册表的指标处理器
func Handler() http.Handler {
	return GetRegistry().Handler()
}

// RecordRequest 记录请求指标，route 为路由模板而非原始路径
func (r *Registry) RecordRequest(method, route string, status int, duration time.Duration) {
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}

// JobTransition 实现 job.Observer
func (r *Registry) JobTransition(from, to model.JobStatus) {
	r.jobTransitions.WithLabelValues(string(from), string(to)).Inc()
	if from != "" && !from.IsTerminal() && from != model.JobQueued {
		r.activeJobs.WithLabelValues(string(from)).Dec()
	}
	if !to.IsTerminal() && to != model.JobQueued {
		r.activeJobs.WithLabelValues(string(to)).Inc()
	}
}

// StageDuration 实现 job.Observer
func (r *Registry) StageDuration(stage string, d time.Duration) {
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// SolveFinished 实现 job.Observer
func (r *Registry) SolveFinished(status string, objective int64, gap float64) {
	r.solveResults.WithLabelValues(status).Inc()
	r.solveObjective.Set(float64(objective))
	r.solveGap.Set(gap)
}

// SetQueueDepth 设置队列深度
func (r *Registry) SetQueueDepth(n int) {
	r.queueDepth.Set(float64(n))
}

// StreamOpened 订阅连接建立
func (r *Registry) StreamOpened() { r.streamClients.Inc() }

// StreamClosed 订阅连接关闭
func (r *Registry) StreamClosed() { r.streamClients.Dec() }
