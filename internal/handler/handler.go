// Package handler 提供HTTP请求处理器
package handler

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/locales/zh"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	zh_translations "github.com/go-playground/validator/v10/translations/zh"
	"github.com/google/uuid"

	"github.com/paiban/nursesched/internal/middleware"
	"github.com/paiban/nursesched/internal/repository"
	"github.com/paiban/nursesched/internal/rulelib"
	"github.com/paiban/nursesched/internal/stream"
	"github.com/paiban/nursesched/pkg/job"
	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/rule/bundle"
)

// Store 处理器直接读写的数据
type Store interface {
	GetPeriod(ctx context.Context, id uuid.UUID) (*model.SchedulePeriod, error)
	LoadPlan(ctx context.Context, periodID uuid.UUID, baseVersionID *uuid.UUID) (*model.Plan, error)
	ListJobs(ctx context.Context, filter repository.ListFilter) ([]*model.OptimizationJob, error)

	GetRule(ctx context.Context, id uuid.UUID) (*model.Rule, error)
	ListRuleVersions(ctx context.Context, ruleID uuid.UUID) ([]*model.RuleVersion, error)

	CreateBundle(ctx context.Context, b *model.RuleBundle) error
	GetBundle(ctx context.Context, id uuid.UUID) (*model.RuleBundle, error)
	ActivateBundle(ctx context.Context, bundleID uuid.UUID) (*model.RuleBundle, error)

	GetVersion(ctx context.Context, id uuid.UUID) (*model.ScheduleVersion, error)
	Health(ctx context.Context) error
}

// Deps 处理器依赖
type Deps struct {
	Store     Store
	Jobs      *job.Service
	Hub       *stream.Hub
	Author    *rulelib.Author
	Assembler *bundle.Assembler

	Metrics     http.Handler
	MetricsPath string
	Recorder    middleware.RequestRecorder

	RateLimit   float64 // 每秒请求数，0 不限流
	CORSOrigins []string
	Heartbeat   time.Duration
	Version     string
}

// Handler 路由与处理器
type Handler struct {
	Deps
	validate   *validator.Validate
	translator ut.Translator

	Mux *chi.Mux
}

// New 创建处理器并注册路由
func New(deps Deps) (*Handler, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	// 错误信息使用 JSON 字段名
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	zh := zh.New()
	uni := ut.New(zh, zh)
	trans, _ := uni.GetTranslator("zh")
	if err := zh_translations.RegisterDefaultTranslations(validate, trans); err != nil {
		return nil, err
	}
	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}

	h := &Handler{
		Deps:       deps,
		validate:   validate,
		translator: trans,
		Mux:        chi.NewRouter(),
	}
	h.registerRoutes()
	return h, nil
}

// ServeHTTP 实现 http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Mux.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.Mux.Use(middleware.RequestID)
	h.Mux.Use(middleware.Logging(h.Recorder))
	h.Mux.Use(middleware.Recovery)
	h.Mux.Use(middleware.SecurityHeaders)
	h.Mux.Use(middleware.CORS(h.CORSOrigins))

	h.Mux.Get("/health", h.Health)
	if h.Metrics != nil {
		h.Mux.Handle(h.MetricsPath, h.Metrics)
	}

	h.Mux.Route("/api/v1", func(r chi.Router) {
		if h.RateLimit > 0 {
			r.Use(middleware.RateLimit(middleware.NewRateLimiter(h.RateLimit)))
		}

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.CreateJob)
			r.Get("/", h.ListJobs)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetJob)
				r.Get("/events", h.StreamJob)
				r.Post("/cancel", h.CancelJob)
				r.Post("/apply", h.ApplyJob)
			})
		})

		r.Route("/dsl", func(r chi.Router) {
			r.Post("/validate", h.ValidateDSL)
			r.Post("/explain", h.ExplainDSL)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Post("/", h.CreateRule)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetRule)
				r.Get("/versions", h.ListRuleVersions)
				r.Post("/versions", h.CreateRuleVersion)
				r.Post("/versions/{vid}/activate", h.ActivateRuleVersion)
			})
		})

		r.Post("/periods/{id}/bundles", h.CreateBundle)
		r.Route("/bundles/{id}", func(r chi.Router) {
			r.Get("/", h.GetBundle)
			r.Post("/activate", h.ActivateBundle)
		})

		r.Route("/versions/{id}", func(r chi.Router) {
			r.Get("/", h.GetVersion)
			r.Get("/export.xlsx", h.ExportVersion)
		})
	})
}

// Health 健康检查，数据库不可用时返回 503
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	db := "ok"
	if err := h.Store.Health(ctx); err != nil {
		status, code, db = "unhealthy", http.StatusServiceUnavailable, "unavailable"
	}
	h.writeJSON(w, r, code, map[string]interface{}{
		"status":   status,
		"version":  h.Version,
		"database": db,
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}
