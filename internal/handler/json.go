package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/paiban/nursesched/internal/middleware"
	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/logger"
)

// maxBodyBytes 请求体上限
const maxBodyBytes = 1 << 20

func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.New(apperrors.CodeInvalidInput, "请求体不能为空")
		}
		return apperrors.Wrap(err, apperrors.CodeInvalidInput, "请求体格式错误").WithDetails(err.Error())
	}
	return nil
}

// decode 读取并校验请求体
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := h.readJSON(w, r, v); err != nil {
		return err
	}
	if err := h.validate.Struct(v); err != nil {
		return h.validationError(err)
	}
	return nil
}

// validationError 把校验错误翻译为中文字段错误
func (h *Handler) validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperrors.Wrap(err, apperrors.CodeInvalidInput, "请求参数无效")
	}
	ve := &apperrors.ValidationErrors{}
	for _, fe := range fieldErrs {
		ve.Add(fe.Field(), fe.Translate(h.translator))
	}
	appErr := ve.ToAppError()
	appErr.Code = apperrors.CodeInvalidInput
	appErr.HTTPStatus = http.StatusBadRequest
	appErr.Message = fieldErrs[0].Translate(h.translator)
	return appErr
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("写响应失败")
	}
}

// respondError 统一错误响应。内部错误只在服务端记录细节
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperrors.As(err)
	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		logger.WithContext(r.Context()).Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("服务器内部错误")
	}

	pub := appErr.Public()
	body := middleware.ErrorResponse{
		Code:      pub.Code,
		Message:   pub.Message,
		Details:   pub.Fields,
		RequestID: logger.RequestIDFromContext(r.Context()),
	}
	if pub.Details != "" {
		if body.Details == nil {
			body.Details = make(map[string]interface{})
		}
		body.Details["reason"] = pub.Details
	}
	h.writeJSON(w, r, status, body)
}

// pathID 解析路径中的 UUID
func pathID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperrors.InvalidInput(name, "不是有效的UUID")
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.InvalidInput(name, "必须是非负整数")
	}
	return n, nil
}
