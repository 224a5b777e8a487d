package handler

import (
	"net/http"

	"github.com/paiban/nursesched/pkg/logger"
	"github.com/paiban/nursesched/pkg/rule/bundle"
)

// CreateBundleRequest 生成规则包请求
type CreateBundleRequest struct {
	bundle.Selection
	Activate bool `json:"activate"`
}

// CreateBundle 为周期组装并冻结规则包，可选立即启用
func (h *Handler) CreateBundle(w http.ResponseWriter, r *http.Request) {
	periodID, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req CreateBundleRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	period, err := h.Store.GetPeriod(r.Context(), periodID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.Assembler.Assemble(r.Context(), period, req.Selection)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	b := res.Bundle
	if err := h.Store.CreateBundle(r.Context(), b); err != nil {
		h.respondError(w, r, err)
		return
	}
	if req.Activate {
		if _, err := h.Store.ActivateBundle(r.Context(), b.ID); err != nil {
			h.respondError(w, r, err)
			return
		}
	}

	logger.WithContext(r.Context()).Info().
		Str("bundle_id", b.ID.String()).
		Str("period_id", periodID.String()).
		Bool("activated", req.Activate).
		Msg("规则包已保存")

	overrides := make([]interface{}, 0, len(res.Overrides))
	for _, o := range res.Overrides {
		overrides = append(overrides, o.ToMap())
	}
	h.writeJSON(w, r, http.StatusCreated, map[string]interface{}{
		"bundle":    b,
		"overrides": overrides,
		"activated": req.Activate,
	})
}

// GetBundle 查询规则包及冻结条目
func (h *Handler) GetBundle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	b, err := h.Store.GetBundle(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, b)
}

// ActivateBundle 设为所属周期的启用规则包
func (h *Handler) ActivateBundle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	b, err := h.Store.ActivateBundle(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, b)
}
