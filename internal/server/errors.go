package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/bytedance/sonic"

	"carbsmart/internal/estimator"
	"carbsmart/internal/models"
	"carbsmart/internal/pinguard"
)

var (
	errInvalidParams  = errors.New("invalid parameters")
	errSettingsLocked = errors.New("settings are locked, verify the parental pin first")
	errUnknownTool    = errors.New("unknown tool")
)

// pinStatusView is the wire form of pinguard.Status.
type pinStatusView struct {
	State             string     `json:"state"`
	AttemptsRemaining int        `json:"attempts_remaining"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
	RetryAfterSeconds int        `json:"retry_after_seconds,omitempty"`
	AutoLockAt        *time.Time `json:"auto_lock_at,omitempty"`
	LastUnlock        *time.Time `json:"last_unlock,omitempty"`
}

func newPinStatusView(st pinguard.Status) *pinStatusView {
	v := &pinStatusView{
		State:             st.State.String(),
		AttemptsRemaining: st.AttemptsRemaining,
		LockedUntil:       timePtr(st.LockedUntil),
		AutoLockAt:        timePtr(st.AutoLockAt),
		LastUnlock:        timePtr(st.LastUnlock),
	}
	if st.RetryAfter > 0 {
		v.RetryAfterSeconds = int(math.Ceil(st.RetryAfter.Seconds()))
	}
	return v
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

type errorBody struct {
	Error string         `json:"error"`
	Code  string         `json:"code"`
	Pin   *pinStatusView `json:"pin,omitempty"`
}

// classify maps an error to its HTTP status and a stable code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errInvalidParams):
		return http.StatusBadRequest, "invalid_params"
	case errors.Is(err, errUnknownTool):
		return http.StatusNotFound, "unknown_tool"
	case errors.Is(err, errSettingsLocked):
		return http.StatusForbidden, "settings_locked"

	case errors.Is(err, pinguard.ErrInvalidPinFormat):
		return http.StatusBadRequest, "invalid_pin_format"
	case errors.Is(err, pinguard.ErrPinMismatch):
		return http.StatusBadRequest, "pin_mismatch"
	case errors.Is(err, pinguard.ErrIncorrectPin):
		return http.StatusUnauthorized, "incorrect_pin"
	case errors.Is(err, pinguard.ErrStillLockedOut):
		return http.StatusLocked, "locked_out"
	case errors.Is(err, pinguard.ErrNoPin):
		return http.StatusConflict, "no_pin"
	case errors.Is(err, pinguard.ErrPinAlreadySet):
		return http.StatusConflict, "pin_already_set"
	case errors.Is(err, pinguard.ErrCredentialStore):
		return http.StatusServiceUnavailable, "credential_store_unavailable"
	case errors.Is(err, pinguard.ErrClosed):
		return http.StatusServiceUnavailable, "shutting_down"

	case errors.Is(err, models.ErrRatioOutOfRange):
		return http.StatusBadRequest, "ratio_out_of_range"
	case errors.Is(err, models.ErrCommentsTooLong):
		return http.StatusBadRequest, "comments_too_long"

	case errors.Is(err, estimator.ErrInvalidImage):
		return http.StatusBadRequest, "invalid_image"
	case errors.Is(err, estimator.ErrRateLimited):
		return http.StatusTooManyRequests, "estimator_rate_limited"
	case errors.Is(err, estimator.ErrQuotaExhausted):
		return http.StatusPaymentRequired, "estimator_quota_exhausted"
	case errors.Is(err, estimator.ErrNotConfigured):
		return http.StatusServiceUnavailable, "estimator_not_configured"
	case errors.Is(err, estimator.ErrAnalysisFailed):
		return http.StatusBadGateway, "analysis_failed"

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "canceled"
	}
	return http.StatusInternalServerError, "internal"
}

// writeError answers with a tool result flagged as an error.
func writeError(w http.ResponseWriter, status int, code, msg string, pin *pinStatusView) {
	if pin != nil && pin.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(pin.RetryAfterSeconds))
	}
	body, err := sonic.MarshalString(errorBody{Error: msg, Code: code, Pin: pin})
	if err != nil {
		http.Error(w, msg, status)
		return
	}
	writeResult(w, status, &protocol.CallToolResult{
		Content: []protocol.Content{
			protocol.TextContent{
				Type: "text",
				Text: body,
			},
		},
		IsError: true,
	})
}

func writeResult(w http.ResponseWriter, status int, result *protocol.CallToolResult) {
	data, err := sonic.Marshal(result)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to encode response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
