package handler

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/paiban/nursesched/internal/export"
)

// GetVersion 查询排班版本及全部分配
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	v, err := h.Store.GetVersion(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, v)
}

// ExportVersion 导出排班表 xlsx
func (h *Handler) ExportVersion(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	v, err := h.Store.GetVersion(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	plan, err := h.Store.LoadPlan(r.Context(), v.PeriodID, nil)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	// 先写入缓冲，出错时仍可返回 JSON 错误
	var buf bytes.Buffer
	if err := export.Write(&buf, plan, v); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="schedule-%s.xlsx"`, v.ID))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
