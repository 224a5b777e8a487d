// NurseSched 护理排班引擎服务
// 主程序入口

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/paiban/nursesched/internal/archive"
	"github.com/paiban/nursesched/internal/config"
	"github.com/paiban/nursesched/internal/database"
	"github.com/paiban/nursesched/internal/handler"
	"github.com/paiban/nursesched/internal/metrics"
	"github.com/paiban/nursesched/internal/queue"
	"github.com/paiban/nursesched/internal/repository"
	"github.com/paiban/nursesched/internal/rulelib"
	"github.com/paiban/nursesched/internal/stream"
	"github.com/paiban/nursesched/internal/tracing"
	"github.com/paiban/nursesched/pkg/job"
	"github.com/paiban/nursesched/pkg/logger"
	"github.com/paiban/nursesched/pkg/rule/bundle"
	"github.com/paiban/nursesched/pkg/scheduler/solver"
)

// 构建信息（通过 ldflags 注入）
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:  cfg.App.LogLevel,
		Format: cfg.App.LogFormat,
	})
	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Str("env", cfg.App.Env).
		Msg("NurseSched 护理排班引擎启动")

	if err := run(cfg); err != nil {
		logger.Fatal().Err(err).Msg("服务异常退出")
	}
	logger.Info().Msg("服务已停止")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Env, nil)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn().Err(err).Msg("关闭链路追踪失败")
		}
	}()

	db, err := database.New(&cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	store := repository.NewStore(db)

	reg := metrics.GetRegistry()
	hub := stream.NewHub(stream.Options{
		OnSubscribe:   reg.StreamOpened,
		OnUnsubscribe: reg.StreamClosed,
	})
	if cfg.Redis.Enabled {
		bus, err := stream.NewRedisBus(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.ChannelPrefix)
		if err != nil {
			return err
		}
		defer bus.Close()
		if err := hub.UseBus(ctx, bus); err != nil {
			return err
		}
	}

	q, err := openQueue(cfg.Queue)
	if err != nil {
		return err
	}
	defer q.Close()
	// 内存队列随进程丢失，重启后重新入队；AMQP 队列持久化，不重复投递
	if _, err := queue.Recover(ctx, store, q, cfg.Queue.Driver == "memory"); err != nil {
		return err
	}

	var arch job.Archive
	if cfg.Archive.Enabled {
		s3a, err := archive.NewS3Archive(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		arch = s3a
	}

	jobCfg := jobConfig(cfg.Optimizer)
	applier := job.NewApplier(store, arch)
	svc := job.NewService(store, q, hub, applier, jobCfg)
	runner := job.NewRunner(store, hub, jobCfg,
		job.WithObserver(reg),
		job.WithTracer(otel.Tracer("nursesched/job")),
		job.WithApplier(applier),
	)

	deps := handler.Deps{
		Store:     store,
		Jobs:      svc,
		Hub:       hub,
		Author:    rulelib.NewAuthor(store),
		Assembler: bundle.NewAssembler(store, nil),
		Recorder:  reg,
		Heartbeat: stream.DefaultHeartbeat,
		Version:   Version,
	}
	if cfg.Metrics.Enabled {
		deps.Metrics = reg.Handler()
		deps.MetricsPath = cfg.Metrics.Path
	}
	h, err := handler.New(deps)
	if err != nil {
		return err
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	pool := queue.NewPool(q, runner, cfg.Queue.Workers, reg)
	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(workerCtx) }()

	// 事件流为长连接，不设写超时
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           h,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.App.Port).Int("workers", cfg.Queue.Workers).Str("queue", cfg.Queue.Driver).Msg("HTTP 服务启动")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("收到退出信号，正在关闭服务...")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("HTTP 服务异常: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		logger.Warn().Err(err).Msg("HTTP 服务关闭超时")
	}

	cancelWorkers()
	select {
	case err := <-poolDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("工作池退出异常")
		}
	case <-sctx.Done():
		logger.Warn().Msg("等待工作池退出超时，未完成的任务将在下次启动时处理")
	}
	return nil
}

func openQueue(cfg config.QueueConfig) (queue.Queue, error) {
	if cfg.Driver == "amqp" {
		return queue.NewAMQPQueue(cfg.URL, cfg.Name)
	}
	return queue.NewMemoryQueue(cfg.Buffer), nil
}

// jobConfig 求解配置映射为任务执行参数
func jobConfig(o config.OptimizerConfig) job.Config {
	c := job.DefaultConfig()
	c.DefaultTimeLimit = o.DefaultTimeLimit
	c.MaxTimeLimit = o.MaxTimeLimit
	c.ProgressInterval = o.ProgressInterval
	c.CancelPollInterval = o.CancelPollInterval
	c.HardPenalty = o.HardPenalty
	c.ShortagePenalty = o.ShortagePenalty
	c.NightFairnessWeight = o.NightFairnessWeight
	c.MaxHorizonDays = o.MaxHorizonDays
	c.Threads = o.Threads
	if c.MaxThreads < o.Threads {
		c.MaxThreads = o.Threads
	}

	s := solver.DefaultSearchConfig()
	if o.MaxIterations > 0 {
		s.MaxIterations = o.MaxIterations
	}
	if o.Neighborhood > 0 {
		s.NeighborhoodSize = o.Neighborhood
	}
	if o.TabuSize > 0 {
		s.TabuSize = o.TabuSize
	}
	if o.PlateauThreshold > 0 {
		s.PlateauThreshold = o.PlateauThreshold
	}
	if o.Restarts > 0 {
		s.Restarts = o.Restarts
	}
	c.Search = s
	if o.ExactMaxVars != 0 {
		c.Exact.MaxVars = o.ExactMaxVars
	}
	if o.ExactTimeLimit > 0 {
		c.Exact.TimeLimit = o.ExactTimeLimit
	}
	return c
}
