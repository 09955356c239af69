package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/cost-pipeline/internal/coordinator"
	"github.com/sells-group/cost-pipeline/internal/model"
	"github.com/sells-group/cost-pipeline/internal/pipeline"
	"github.com/sells-group/cost-pipeline/internal/quota"
	"github.com/sells-group/cost-pipeline/internal/resilience"
)

type errorResponse struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
	// Quota is set when an admission was denied.
	Quota *quota.ExceededError `json:"quota,omitempty"`
}

func writeErrorResponse(log *zap.Logger, w http.ResponseWriter, r *http.Request, status int, message string, args ...any) {
	msg := fmt.Sprintf(message, args...)
	log.Debug("request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.String("error", msg))
	writeResponseAsJSON(log, w, status, errorResponse{Error: msg})
}

// writeError maps a service error to its status code.
func writeError(log *zap.Logger, w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{Error: err.Error(), Class: string(resilience.Classify(err))}
	status := http.StatusInternalServerError

	var exceeded *quota.ExceededError
	switch {
	case errors.As(err, &exceeded):
		status = http.StatusTooManyRequests
		resp.Quota = exceeded
		if exceeded.ResetAt != nil {
			w.Header().Set("Retry-After", exceeded.ResetAt.UTC().Format(http.TimeFormat))
		}
	case errors.Is(err, model.ErrNotFound), errors.Is(err, pipeline.ErrTemplateNotFound):
		status = http.StatusNotFound
	case errors.Is(err, coordinator.ErrTerminal):
		status = http.StatusConflict
	case errors.Is(err, coordinator.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, model.ErrInvalidDateRange), errors.Is(err, model.ErrInvalidTenant),
		errors.Is(err, coordinator.ErrInvalidCursor):
		status = http.StatusBadRequest
	default:
		switch resilience.Classify(err) {
		case resilience.ClassValidation:
			status = http.StatusBadRequest
		case resilience.ClassConfig:
			status = http.StatusUnprocessableEntity
		case resilience.ClassAuth:
			status = http.StatusForbidden
		}
	}

	if status >= 500 {
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		resp.Error = http.StatusText(status)
	}
	writeResponseAsJSON(log, w, status, resp)
}

// writeResponseAsJSON marshals resp and writes it with code.
func writeResponseAsJSON(log *zap.Logger, w http.ResponseWriter, code int, resp any) {
	enc, err := json.Marshal(resp)
	if err != nil {
		log.Error("failed JSON-encoding HTTP response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err = w.Write(enc); err != nil {
		log.Error("failed writing HTTP response", zap.Error(err))
	}
}
