package handler

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/paiban/nursesched/internal/rulelib"
	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/rule/dsl"
)

// DSLRequest DSL 校验与翻译请求
type DSLRequest struct {
	DSLText string     `json:"dsl_text" validate:"required,max=65536"`
	RuleID  *uuid.UUID `json:"rule_id,omitempty"`
}

// ValidateDSL 校验 DSL 文本。给出 rule_id 时同时核对类别与范围
func (h *Handler) ValidateDSL(w http.ResponseWriter, r *http.Request) {
	var req DSLRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	var rule *model.Rule
	if req.RuleID != nil {
		var err error
		if rule, err = h.Store.GetRule(r.Context(), *req.RuleID); err != nil {
			h.respondError(w, r, err)
			return
		}
	}
	report, err := h.Author.Check(r.Context(), rule, req.DSLText)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	resp := report.ToMap()
	resp["dsl_hash"] = dsl.Hash(req.DSLText)
	if report.Document != nil {
		resp["reverse_translation"] = dsl.ToNaturalLanguage(report.Document)
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

// ExplainDSL 反向翻译为中文说明
func (h *Handler) ExplainDSL(w http.ResponseWriter, r *http.Request) {
	var req DSLRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"explanation": dsl.ExplainText(req.DSLText),
	})
}

// CreateRule 新建规则
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req rulelib.RuleInput
	if err := h.decode(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	rule, err := h.Author.CreateRule(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, rule)
}

// GetRule 查询规则
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	rule, err := h.Store.GetRule(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, rule)
}

// ListRuleVersions 列出规则的全部版本
func (h *Handler) ListRuleVersions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if _, err := h.Store.GetRule(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	versions, err := h.Store.ListRuleVersions(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if versions == nil {
		versions = []*model.RuleVersion{}
	}
	h.writeJSON(w, r, http.StatusOK, map[string]interface{}{"versions": versions})
}

// RuleVersionRequest 新建规则版本
type RuleVersionRequest struct {
	DSLText string `json:"dsl_text" validate:"required,max=65536"`
	NLText  string `json:"nl_text,omitempty" validate:"max=4000"`
}

// CreateRuleVersion 追加规则版本。校验未通过的版本同样保存并返回报告
func (h *Handler) CreateRuleVersion(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req RuleVersionRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	v, report, err := h.Author.AddVersion(r.Context(), id, req.DSLText, req.NLText)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, map[string]interface{}{
		"version": v,
		"report":  report.ToMap(),
	})
}

// ActivateRuleVersion 启用规则版本
func (h *Handler) ActivateRuleVersion(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	vid, err := pathID(r, "vid")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	rule, err := h.Author.Activate(r.Context(), id, vid)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, rule)
}
