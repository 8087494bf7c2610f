package handler

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/quillchat/metering/internal/domain"
)

// ErrorResponse writes a JSON error response. Domain error codes map to
// HTTP status codes; rate-limit denials additionally carry a Retry-After
// header and payment denials the remaining balance.
func ErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := domain.ErrorCode(err)
	message := domain.ErrorMessage(err)
	op := domain.ErrorOp(err)
	status := ErrorCodeToHTTPStatus(code)

	logError(logger, r, err, code, op, status)

	body := jsonError{}
	body.Error.Code = code
	body.Error.Message = message

	switch code {
	case domain.ERATELIMIT:
		retryAfter := domain.ErrorRetryAfter(err)
		if retryAfter > 0 {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			body.Error.RetryAfterSeconds = seconds
		}
	case domain.EPAYMENT:
		remaining := domain.ErrorRemaining(err)
		body.Error.Remaining = &remaining
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ErrorCodeToHTTPStatus maps domain error codes to HTTP status codes.
func ErrorCodeToHTTPStatus(code string) int {
	switch code {
	case domain.EINVALID:
		return http.StatusBadRequest // 400
	case domain.EUNAUTHORIZED:
		return http.StatusUnauthorized // 401
	case domain.EPAYMENT:
		return http.StatusPaymentRequired // 402
	case domain.EFORBIDDEN:
		return http.StatusForbidden // 403
	case domain.ENOTFOUND:
		return http.StatusNotFound // 404
	case domain.ECONFLICT:
		return http.StatusConflict // 409
	case domain.ERATELIMIT:
		return http.StatusTooManyRequests // 429
	case domain.EUNAVAILABLE:
		return http.StatusServiceUnavailable // 503
	case domain.EINTERNAL:
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// NotFoundResponse is a convenience wrapper for 404 errors.
func NotFoundResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	ErrorResponse(w, r, logger, &domain.Error{
		Code:    domain.ENOTFOUND,
		Message: "The requested resource was not found",
	})
}

// logError logs the error with a level based on status class: 5xx is a
// server problem, 4xx is expected client behavior.
func logError(logger *slog.Logger, r *http.Request, err error, code, op string, status int) {
	attrs := []any{
		"error", err.Error(),
		"code", code,
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
	}
	if op != "" {
		attrs = append(attrs, "op", op)
	}

	if status >= 500 {
		logger.Error("server error", attrs...)
	} else if status >= 400 {
		logger.Info("client error", attrs...)
	}
}

// jsonError is the wire shape of every error response.
type jsonError struct {
	Error struct {
		Code              string `json:"code"`
		Message           string `json:"message"`
		Remaining         *int64 `json:"remaining,omitempty"`
		RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	} `json:"error"`
}
