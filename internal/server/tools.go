// internal/server/tools.go
package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/bytedance/sonic"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"carbsmart/internal/dose"
	"carbsmart/internal/models"
	"carbsmart/internal/pinguard"
	"carbsmart/internal/storage"
)

// Usage statistics recorded in the store.
const (
	eventMealAnalyzed   = "meal_analyzed"
	eventMealsCommitted = "meals_committed"
	eventPinUnlocked    = "pin_unlocked"
	eventPinLockedOut   = "pin_locked_out"
)

type AnalyzeMealParams struct {
	ImageData string `json:"image_data" description:"Meal photo as a data:image/ url"`
}

type HistoryParams struct {
	StartDate     string `json:"start_date,omitempty" description:"First day to include (YYYY-MM-DD)"`
	EndDate       string `json:"end_date,omitempty" description:"Last day to include (YYYY-MM-DD)"`
	Limit         int    `json:"limit,omitempty" description:"Maximum number of results to return"`
	Timezone      string `json:"timezone,omitempty" description:"IANA zone used for day boundaries (defaults to UTC)"`
	IncludeImages bool   `json:"include_images,omitempty" description:"Return stored meal photos with get_history (omitted by default)"`
}

type SetPinParams struct {
	Pin        string `json:"pin" description:"New 4-digit parental PIN"`
	ConfirmPin string `json:"confirm_pin" description:"The same PIN again"`
}

type VerifyPinParams struct {
	Pin string `json:"pin" description:"4-digit parental PIN"`
}

type UpdateSettingsParams struct {
	InsulinRatio *int    `json:"insulin_ratio,omitempty" description:"Grams of carbohydrate covered by one unit of insulin (1-50)"`
	Comments     *string `json:"comments,omitempty" description:"Free-text notes"`
}

type toolFunc func(ctx context.Context, sess *userSession, req *protocol.CallToolRequest) (interface{}, error)

// pinError carries the guard status alongside a failed PIN operation.
type pinError struct {
	err    error
	status pinguard.Status
}

func (e *pinError) Error() string { return e.err.Error() }
func (e *pinError) Unwrap() error { return e.err }

func withStatus(st pinguard.Status, err error) error {
	if err == nil {
		return nil
	}
	return &pinError{err: err, status: st}
}

type pendingView struct {
	Items  []models.CalculationResult `json:"items"`
	Totals dose.Totals                `json:"totals"`
}

func newPendingView(items []models.CalculationResult) pendingView {
	if items == nil {
		items = []models.CalculationResult{}
	}
	return pendingView{Items: items, Totals: dose.Aggregate(items)}
}

type settingsView struct {
	models.Settings
	Pin *pinStatusView `json:"pin"`
}

func (s *Server) tools() map[string]toolFunc {
	return map[string]toolFunc{
		"analyze_meal":      s.handleAnalyzeMeal,
		"get_pending":       s.handleGetPending,
		"commit_meals":      s.handleCommitMeals,
		"discard_meals":     s.handleDiscardMeals,
		"get_history":       s.handleGetHistory,
		"get_daily_summary": s.handleGetDailySummary,
		"pin_status":        s.handlePinStatus,
		"set_pin":           s.handleSetPin,
		"verify_pin":        s.handleVerifyPin,
		"lock_settings":     s.handleLockSettings,
		"get_settings":      s.handleGetSettings,
		"update_settings":   s.handleUpdateSettings,
	}
}

// extractParams decodes the request arguments into target.
func extractParams(req *protocol.CallToolRequest, target interface{}) error {
	if req.Arguments == nil {
		return nil
	}
	raw, err := sonic.Marshal(req.Arguments)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	if err := sonic.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

// handleAnalyzeMeal estimates the carbs in a photo, prices the dose with the
// current ratio and queues the result for confirmation.
func (s *Server) handleAnalyzeMeal(ctx context.Context, sess *userSession, req *protocol.CallToolRequest) (interface{}, error) {
	var params AnalyzeMealParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.ImageData) == "" {
		return nil, fmt.Errorf("%w: image_data is required", errInvalidParams)
	}

	capture, err := s.estimator.Estimate(ctx, params.ImageData)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze meal: %w", err)
	}

	settings, err := s.store.GetSettings(ctx, sess.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	now := s.clock.Now()
	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	if err != nil {
		return nil, fmt.Errorf("failed to generate id: %w", err)
	}
	result, err := dose.NewResult(id.String(), capture, settings.InsulinRatio, now)
	if err != nil {
		return nil, fmt.Errorf("failed to compute dose: %w", err)
	}
	totals := sess.pending.Add(result)

	s.recordEvent(ctx, sess.userID, eventMealAnalyzed)
	s.logger.Info("meal analyzed",
		zap.String("user_id", sess.userID),
		zap.String("result_id", result.ID),
		zap.Int("carbs", result.CarbsEstimate),
		zap.Float64("insulin", result.InsulinDose),
		zap.String("confidence", string(result.Confidence)))

	return struct {
		Result  models.CalculationResult `json:"result"`
		Pending dose.Totals              `json:"pending"`
	}{result, totals}, nil
}

func (s *Server) handleGetPending(ctx context.Context, sess *userSession, req *protocol.CallToolRequest) (interface{}, error) {
	return newPendingView(sess.pending.Items()), nil
}

// handleCommitMeals persists every pending result. On failure the results
// stay pending.
func (s *Server) handleCommitMeals(ctx context.Context, sess *userSession, req *protocol.CallToolRequest) (interface{}, error) {
	items := sess.pending.Drain()
	if len(items) == 0 {
		return newPendingView(nil), nil
	}
	for _, item := range items {
		if len(item.ImageURL) > storage.MaxStoredImageBytes {
			s.logger.Warn("meal photo too large to keep in history",
				zap.String("user_id", sess.userID),
				zap.String("result_id", item.ID),
				zap.Int("bytes", len(item.ImageURL)))
		}
	}
	if err := s.store.AppendResults(ctx, sess.userID, items); err != nil {
		sess.pending.Restore(items)
		return nil, fmt.Errorf("failed to save meals: %w", err)
	}

	s.recordEvent(ctx, sess.userID, eventMealsCommitted)
	s.logger.Info("meals committed", zap.String("user_id", sess.userID), zap.Int("count", len(items)))
	return newPendingView(items), nil
}

func (s *Server) handleDiscardMeals(ctx context.Context, sess *userSession, req *protocol.CallToolRequest) (interface{}, error) {
	n := sess.pending.Discard()
	return map[string]int{"discarded": n}, nil
}

func (s *Server) handleGetHistory(ctx context.Context, sess *userSession, req *protocol.CallToolRequest) (interface{}, error) {
	var params HistoryParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	q, _, err := historyQuery(params, storage.DefaultHistoryLimit)
	if err != nil {
		return nil, err
	}
	items, err := s.store.History(ctx, sess.userID, q)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return newPendingView(items), nil
}

func (s *Server) handleGetDailySummary(ctx context.Context, sess *userSession, req *protocol.CallToolRequest) (interface{}, error) {
	var params HistoryParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	q, loc, err := historyQuery(params, storage.MaxHistoryLimit)
	if err != nil {
		return nil, err
	}
	q.IncludeImages = false
	items, err := s.store.History(ctx, sess.userID, q)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return map[string]interface{}{
		"days":     dose.DailySummaries(items, loc),
		"timezone": loc.String(),
	}, nil
}

// historyQuery turns inclusive calendar days in the requested zone into a
// half-open time range.
func historyQuery(params HistoryParams, defaultLimit int) (models.HistoryQuery, *time.Location, error) {
	loc := time.UTC
	if params.Timezone != "" {
		l, err := time.LoadLocation(params.Timezone)
		if err != nil {
			return models.HistoryQuery{}, nil, fmt.Errorf("%w: unknown timezone %q", errInvalidParams, params.Timezone)
		}
		loc = l
	}
	if params.Limit < 0 {
		return models.HistoryQuery{}, nil, fmt.Errorf("%w: limit must not be negative", errInvalidParams)
	}

	q := models.HistoryQuery{Limit: params.Limit, IncludeImages: params.IncludeImages}
	if q.Limit == 0 {
		q.Limit = defaultLimit
	}
	if params.StartDate != "" {
		start, err := time.ParseInLocation(time.DateOnly, params.StartDate, loc)
		if err != nil {
			return models.HistoryQuery{}, nil, fmt.Errorf("%w: invalid start_date: %v", errInvalidParams, err)
		}
		q.Start = start
	}
	if params.EndDate != "" {
		end, err := time.ParseInLocation(time.DateOnly, params.EndDate, loc)
		if err != nil {
			return models.HistoryQuery{}, nil, fmt.Errorf("%w: invalid end_date: %v", errInvalidParams, err)
		}
		q.End = end.AddDate(0, 0, 1)
	}
	if !q.Start.IsZero() && !q.End.IsZero() && !q.Start.Before(q.End) {
		return models.HistoryQuery{}, nil, fmt.Errorf("%w: start_date is after end_date", errInvalidParams)
	}
	return q, loc, nil
}

func (s *Server) handlePinStatus(ctx context.Context, sess *userSession, req *protocol.CallToolRequest) (interface{}, error) {
	st, err := sess.guard.Status(ctx)
	if err != nil {
		return nil, withStatus(st, err)
	}
	return newPinStatusView(st), nil
}

func (s *Server) handleSetPin(ctx context.Context, sess *userSession, req *protocol.CallToolRequest) (interface{}, error) {
	var params SetPinParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	st, err := sess.guard.SetPin(ctx, params.Pin, params.ConfirmPin)
	if err != nil {
		return nil, withStatus(st, err)
	}
	return newPinStatusView(st), nil
}

func (s *Server) handleVerifyPin(ctx context.Context, sess *userSession, req *protocol.CallToolRequest) (interface{}, error) {
	var params VerifyPinParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	st, err := sess.guard.Verify(ctx, params.Pin)
	switch {
	case err == nil:
		s.recordEvent(ctx, sess.userID, eventPinUnlocked)
		return newPinStatusView(st), nil
	case errors.Is(err, pinguard.ErrIncorrectPin) && st.State == pinguard.LockedOut:
		s.recordEvent(ctx, sess.userID, eventPinLockedOut)
	}
	return nil, withStatus(st, err)
}

func (s *Server) handleLockSettings(ctx context.Context, sess *userSession, req *protocol.CallToolRequest) (interface{}, error) {
	return newPinStatusView(sess.guard.Lock()), nil
}

// handleGetSettings is readable while locked; the ratio is shown next to
// every dose.
func (s *Server) handleGetSettings(ctx context.Context, sess *userSession, req *protocol.CallToolRequest) (interface{}, error) {
	st, err := sess.guard.Status(ctx)
	if err != nil {
		return nil, withStatus(st, err)
	}
	settings, err := s.store.GetSettings(ctx, sess.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if st.State == pinguard.Unlocked {
		sess.guard.Touch()
	}
	return settingsView{Settings: settings, Pin: newPinStatusView(st)}, nil
}

// handleUpdateSettings applies the given fields. The session must be unlocked.
func (s *Server) handleUpdateSettings(ctx context.Context, sess *userSession, req *protocol.CallToolRequest) (interface{}, error) {
	var params UpdateSettingsParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if params.InsulinRatio == nil && params.Comments == nil {
		return nil, fmt.Errorf("%w: nothing to update", errInvalidParams)
	}

	if !sess.guard.Touch() {
		st, err := sess.guard.Status(ctx)
		if err != nil {
			return nil, withStatus(st, err)
		}
		return nil, withStatus(st, errSettingsLocked)
	}

	settings, err := s.store.GetSettings(ctx, sess.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if params.InsulinRatio != nil {
		settings.InsulinRatio = *params.InsulinRatio
	}
	if params.Comments != nil {
		settings.Comments = *params.Comments
	}
	if err := s.store.UpdateSettings(ctx, sess.userID, settings); err != nil {
		return nil, fmt.Errorf("failed to save settings: %w", err)
	}
	s.logger.Info("settings updated", zap.String("user_id", sess.userID), zap.Int("insulin_ratio", settings.InsulinRatio))

	st, err := sess.guard.Status(ctx)
	if err != nil {
		return nil, withStatus(st, err)
	}
	return settingsView{Settings: settings, Pin: newPinStatusView(st)}, nil
}

func (s *Server) recordEvent(ctx context.Context, userID, event string) {
	if err := s.store.RecordEvent(ctx, userID, event); err != nil {
		s.logger.Warn("failed to record event", zap.String("event", event), zap.Error(err))
	}
}
