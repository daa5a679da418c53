package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"

	"carbsmart/internal/clock"
	"carbsmart/internal/estimator"
	"carbsmart/internal/models"
	"carbsmart/internal/pinguard"
	"carbsmart/internal/storage"
)

const (
	testUser  = "6f1d4c0e-8a52-4a7e-9c55-1b0f3c2d9e11"
	otherUser = "a0b1c2d3-e4f5-4678-9abc-def012345678"
	testImage = "data:image/jpeg;base64,/9j/4AAQSkZJRgABAQ=="
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type stubEstimator struct {
	mu       sync.Mutex
	captures []models.MealCapture
	err      error
	calls    int
}

func (s *stubEstimator) Estimate(ctx context.Context, imageData string) (models.MealCapture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return models.MealCapture{}, s.err
	}
	if len(s.captures) == 0 {
		return models.MealCapture{ImageURL: imageData, CarbsEstimateGrams: 30, Confidence: models.HighConfidence}, nil
	}
	c := s.captures[0]
	s.captures = s.captures[1:]
	c.ImageURL = imageData
	return c, nil
}

type testEnv struct {
	srv   *Server
	store *storage.SQLiteStorage
	est   *stubEstimator
	clock clockwork.FakeClock
}

func newTestEnv(t *testing.T, opts ...func(*Deps)) *testEnv {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "carbsmart.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	env := &testEnv{store: store, est: &stubEstimator{}, clock: clockwork.NewFakeClockAt(testStart)}
	deps := Deps{
		Store:     store,
		Estimator: env.est,
		Hasher:    pinguard.BcryptHasher{Cost: bcrypt.MinCost},
		Clock:     clock.Wrap(env.clock),
		RateLimit: 1000,
		RateBurst: 1000,
		Version:   "test",
	}
	for _, opt := range opts {
		opt(&deps)
	}
	env.srv, err = New(deps)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() {
		env.srv.Shutdown(context.Background())
		store.Close()
	})
	return env
}

type toolResponse struct {
	status  int
	isError bool
	text    gjson.Result
	header  http.Header
}

func (e *testEnv) call(t *testing.T, user, tool string, args map[string]interface{}) toolResponse {
	t.Helper()
	body, err := sonic.Marshal(map[string]interface{}{"name": tool, "arguments": args})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(string(body)))
	if user != "" {
		req.Header.Set(UserIDHeader, user)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)

	res := gjson.Parse(rec.Body.String())
	return toolResponse{
		status:  rec.Code,
		isError: res.Get("isError").Bool(),
		text:    gjson.Parse(res.Get("content.0.text").String()),
		header:  rec.Header(),
	}
}

func (e *testEnv) mustCall(t *testing.T, tool string, args map[string]interface{}) gjson.Result {
	t.Helper()
	resp := e.call(t, testUser, tool, args)
	if resp.status != http.StatusOK || resp.isError {
		t.Fatalf("%s: unexpected status %d: %s", tool, resp.status, resp.text.Raw)
	}
	return resp.text
}

func expectError(t *testing.T, resp toolResponse, status int, code string) {
	t.Helper()
	if resp.status != status || !resp.isError {
		t.Fatalf("expected %d error, got %d: %s", status, resp.status, resp.text.Raw)
	}
	if got := resp.text.Get("code").String(); got != code {
		t.Fatalf("expected code %q, got %q (%s)", code, got, resp.text.Raw)
	}
}

func TestAnalyzeCommitAndHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.UpdateSettings(ctx, testUser, models.Settings{InsulinRatio: 3}); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	env.est.captures = []models.MealCapture{
		{CarbsEstimateGrams: 1, Confidence: models.HighConfidence, FoodItems: []string{"grape"}},
		{CarbsEstimateGrams: 1, Confidence: models.MediumConfidence},
		{CarbsEstimateGrams: 1, Confidence: models.LowConfidence},
	}

	var ids []string
	for i := 0; i < 3; i++ {
		out := env.mustCall(t, "analyze_meal", map[string]interface{}{"image_data": testImage})
		if out.Get("result.insulin_dose").Float() != 0.3 || out.Get("result.insulin_ratio").Int() != 3 {
			t.Fatalf("unexpected result %s", out.Raw)
		}
		if out.Get("pending.count").Int() != int64(i+1) {
			t.Fatalf("unexpected pending totals %s", out.Get("pending").Raw)
		}
		ids = append(ids, out.Get("result.id").String())
	}
	if !(ids[0] < ids[1] && ids[1] < ids[2]) {
		t.Fatalf("expected ids in generation order, got %v", ids)
	}

	pending := env.mustCall(t, "get_pending", nil)
	if pending.Get("totals.total_carbs").Int() != 3 || pending.Get("totals.total_insulin").Float() != 0.9 {
		t.Fatalf("expected summed per-item doses, got %s", pending.Get("totals").Raw)
	}

	committed := env.mustCall(t, "commit_meals", nil)
	if committed.Get("totals.count").Int() != 3 {
		t.Fatalf("unexpected commit response %s", committed.Raw)
	}
	if env.mustCall(t, "get_pending", nil).Get("items.#").Int() != 0 {
		t.Fatalf("expected pending list to be empty after commit")
	}

	if err := env.store.UpdateSettings(ctx, testUser, models.Settings{InsulinRatio: 10}); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	history := env.mustCall(t, "get_history", nil)
	if history.Get("items.#").Int() != 3 {
		t.Fatalf("expected 3 history items, got %s", history.Raw)
	}
	for _, item := range history.Get("items").Array() {
		if item.Get("insulin_ratio").Int() != 3 || item.Get("insulin_dose").Float() != 0.3 {
			t.Fatalf("history entry was recomputed: %s", item.Raw)
		}
		if item.Get("image_url").Exists() {
			t.Fatalf("history should omit images by default: %s", item.Raw)
		}
	}
	withImages := env.mustCall(t, "get_history", map[string]interface{}{"include_images": true, "limit": 1})
	if withImages.Get("items.#").Int() != 1 || withImages.Get("items.0.image_url").String() != testImage {
		t.Fatalf("expected stored image on request, got %s", withImages.Raw)
	}
	if history.Get("totals.total_insulin").Float() != 0.9 {
		t.Fatalf("unexpected history totals %s", history.Get("totals").Raw)
	}

	for event, want := range map[string]int{eventMealAnalyzed: 3, eventMealsCommitted: 1} {
		n, err := env.store.CountEvents(ctx, testUser, event)
		if err != nil || n != want {
			t.Fatalf("event %s: expected %d, got %d (%v)", event, want, n, err)
		}
	}

	// Pending meals belong to one user.
	if other := env.call(t, otherUser, "get_history", nil); other.text.Get("items.#").Int() != 0 {
		t.Fatalf("history leaked across users: %s", other.text.Raw)
	}
}

func TestDiscardMeals(t *testing.T) {
	env := newTestEnv(t)
	env.mustCall(t, "analyze_meal", map[string]interface{}{"image_data": testImage})
	env.mustCall(t, "analyze_meal", map[string]interface{}{"image_data": testImage})

	out := env.mustCall(t, "discard_meals", nil)
	if out.Get("discarded").Int() != 2 {
		t.Fatalf("expected 2 discarded, got %s", out.Raw)
	}
	if env.mustCall(t, "commit_meals", nil).Get("totals.count").Int() != 0 {
		t.Fatalf("expected nothing to commit")
	}
}

func TestAnalyzeErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{estimator.ErrRateLimited, http.StatusTooManyRequests, "estimator_rate_limited"},
		{estimator.ErrQuotaExhausted, http.StatusPaymentRequired, "estimator_quota_exhausted"},
		{estimator.ErrAnalysisFailed, http.StatusBadGateway, "analysis_failed"},
		{estimator.ErrInvalidImage, http.StatusBadRequest, "invalid_image"},
	}
	for _, tt := range tests {
		env := newTestEnv(t)
		env.est.err = tt.err
		resp := env.call(t, testUser, "analyze_meal", map[string]interface{}{"image_data": testImage})
		expectError(t, resp, tt.status, tt.code)
		if n := len(env.mustCall(t, "get_pending", nil).Get("items").Array()); n != 0 {
			t.Fatalf("failed analysis must not queue a result")
		}
	}

	env := newTestEnv(t)
	expectError(t, env.call(t, testUser, "analyze_meal", nil), http.StatusBadRequest, "invalid_params")
	if env.est.calls != 0 {
		t.Fatalf("estimator called without image")
	}
}

func TestPinGatesSettings(t *testing.T) {
	env := newTestEnv(t)

	status := env.mustCall(t, "pin_status", nil)
	if status.Get("state").String() != "no_pin" {
		t.Fatalf("expected no_pin, got %s", status.Raw)
	}

	update := map[string]interface{}{"insulin_ratio": 12}
	expectError(t, env.call(t, testUser, "update_settings", update), http.StatusForbidden, "settings_locked")

	expectError(t, env.call(t, testUser, "set_pin", map[string]interface{}{"pin": "1234", "confirm_pin": "4321"}),
		http.StatusBadRequest, "pin_mismatch")
	expectError(t, env.call(t, testUser, "set_pin", map[string]interface{}{"pin": "12a4", "confirm_pin": "12a4"}),
		http.StatusBadRequest, "invalid_pin_format")

	set := env.mustCall(t, "set_pin", map[string]interface{}{"pin": "1234", "confirm_pin": "1234"})
	if set.Get("state").String() != "unlocked" {
		t.Fatalf("expected unlocked after setup, got %s", set.Raw)
	}
	expectError(t, env.call(t, testUser, "set_pin", map[string]interface{}{"pin": "9999", "confirm_pin": "9999"}),
		http.StatusConflict, "pin_already_set")

	settings := env.mustCall(t, "update_settings", update)
	if settings.Get("insulin_ratio").Int() != 12 || settings.Get("pin.state").String() != "unlocked" {
		t.Fatalf("unexpected settings %s", settings.Raw)
	}
	expectError(t, env.call(t, testUser, "update_settings", map[string]interface{}{"insulin_ratio": 51}),
		http.StatusBadRequest, "ratio_out_of_range")

	locked := env.mustCall(t, "lock_settings", nil)
	if locked.Get("state").String() != "locked" {
		t.Fatalf("expected locked, got %s", locked.Raw)
	}
	resp := env.call(t, testUser, "update_settings", map[string]interface{}{"comments": "nope"})
	expectError(t, resp, http.StatusForbidden, "settings_locked")
	if resp.text.Get("pin.state").String() != "locked" {
		t.Fatalf("expected pin status in error, got %s", resp.text.Raw)
	}

	// Reading is allowed while locked.
	read := env.mustCall(t, "get_settings", nil)
	if read.Get("insulin_ratio").Int() != 12 || read.Get("comments").String() != "" {
		t.Fatalf("unexpected settings %s", read.Raw)
	}
}

func TestVerifyLockoutOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.mustCall(t, "set_pin", map[string]interface{}{"pin": "2468", "confirm_pin": "2468"})
	env.mustCall(t, "lock_settings", nil)

	wrong := map[string]interface{}{"pin": "0000"}
	for i := 1; i < pinguard.MaxFailedAttempts; i++ {
		resp := env.call(t, testUser, "verify_pin", wrong)
		expectError(t, resp, http.StatusUnauthorized, "incorrect_pin")
		if got := resp.text.Get("pin.attempts_remaining").Int(); got != int64(pinguard.MaxFailedAttempts-i) {
			t.Fatalf("attempt %d: expected %d remaining, got %d", i, pinguard.MaxFailedAttempts-i, got)
		}
	}

	resp := env.call(t, testUser, "verify_pin", wrong)
	expectError(t, resp, http.StatusUnauthorized, "incorrect_pin")
	if resp.text.Get("pin.state").String() != "locked_out" || resp.text.Get("pin.retry_after_seconds").Int() != 900 {
		t.Fatalf("expected lockout status, got %s", resp.text.Raw)
	}
	if resp.header.Get("Retry-After") != "900" {
		t.Fatalf("expected Retry-After header, got %q", resp.header.Get("Retry-After"))
	}

	env.clock.Advance(5 * time.Minute)
	resp = env.call(t, testUser, "verify_pin", map[string]interface{}{"pin": "2468"})
	expectError(t, resp, http.StatusLocked, "locked_out")
	if resp.text.Get("pin.retry_after_seconds").Int() != 600 {
		t.Fatalf("expected 600s remaining, got %s", resp.text.Raw)
	}

	env.clock.Advance(10 * time.Minute)
	ok := env.mustCall(t, "verify_pin", map[string]interface{}{"pin": "2468"})
	if ok.Get("state").String() != "unlocked" || ok.Get("attempts_remaining").Int() != pinguard.MaxFailedAttempts {
		t.Fatalf("expected fresh unlock, got %s", ok.Raw)
	}

	ctx := context.Background()
	for event, want := range map[string]int{eventPinLockedOut: 1, eventPinUnlocked: 1} {
		n, err := env.store.CountEvents(ctx, testUser, event)
		if err != nil || n != want {
			t.Fatalf("event %s: expected %d, got %d (%v)", event, want, n, err)
		}
	}
}

func TestAutoLockOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.mustCall(t, "set_pin", map[string]interface{}{"pin": "1357", "confirm_pin": "1357"})

	env.clock.Advance(20 * time.Minute)
	env.mustCall(t, "update_settings", map[string]interface{}{"comments": "after lunch"})

	// Activity restarted the timer.
	env.clock.Advance(20 * time.Minute)
	if env.mustCall(t, "pin_status", nil).Get("state").String() != "unlocked" {
		t.Fatalf("expected still unlocked")
	}

	env.clock.Advance(10 * time.Minute)
	expectError(t, env.call(t, testUser, "update_settings", map[string]interface{}{"comments": "late"}),
		http.StatusForbidden, "settings_locked")
}

// eventually polls cond, since fake timer callbacks run on their own goroutine.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestIdleSessionsAreEvicted(t *testing.T) {
	env := newTestEnv(t)
	env.mustCall(t, "analyze_meal", map[string]interface{}{"image_data": testImage})
	if other := env.call(t, otherUser, "set_pin", map[string]interface{}{"pin": "1357", "confirm_pin": "1357"}); other.status != http.StatusOK {
		t.Fatalf("set pin for other user: %s", other.text.Raw)
	}
	if n := env.srv.sessions.count(); n != 2 {
		t.Fatalf("expected 2 sessions, got %d", n)
	}

	// The periodic sweep drops the other user once auto-lock has kicked in.
	// The pending meal keeps the first session alive.
	env.clock.Advance(defaultSessionTTL)
	eventually(t, "idle session eviction", func() bool { return env.srv.sessions.count() == 1 })
	if env.mustCall(t, "get_pending", nil).Get("items.#").Int() != 1 {
		t.Fatalf("pending meal lost by eviction")
	}

	// A new session is rebuilt from the stored credential.
	status := env.call(t, otherUser, "pin_status", nil)
	if status.text.Get("state").String() != "locked" {
		t.Fatalf("expected stored pin to survive eviction, got %s", status.text.Raw)
	}
	if n := env.srv.sessions.count(); n != 2 {
		t.Fatalf("expected rebuilt session, got %d", n)
	}
}

func TestSessionInUseIsNotEvicted(t *testing.T) {
	env := newTestEnv(t)
	reg := env.srv.sessions

	sess, err := reg.get(testUser)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	env.clock.Advance(2 * defaultSessionTTL)
	reg.evictIdle()
	if reg.count() != 1 {
		t.Fatalf("session with a request in flight was evicted")
	}

	reg.put(sess)
	reg.evictIdle()
	if reg.count() != 1 {
		t.Fatalf("session evicted right after its last request")
	}

	env.clock.Advance(defaultSessionTTL)
	reg.evictIdle()
	if reg.count() != 0 {
		t.Fatalf("expected idle session evicted, %d left", reg.count())
	}
	if sess.acquire(env.clock.Now()) {
		t.Fatalf("evicted session must not be handed out again")
	}
	fresh, err := reg.get(testUser)
	if err != nil {
		t.Fatalf("get after eviction: %v", err)
	}
	defer reg.put(fresh)
	if fresh == sess {
		t.Fatalf("expected a new session after eviction")
	}
}

func TestDailySummary(t *testing.T) {
	env := newTestEnv(t)
	env.est.captures = []models.MealCapture{{CarbsEstimateGrams: 40}, {CarbsEstimateGrams: 25}}

	env.mustCall(t, "analyze_meal", map[string]interface{}{"image_data": testImage})
	env.clock.Advance(24 * time.Hour)
	env.mustCall(t, "analyze_meal", map[string]interface{}{"image_data": testImage})
	env.mustCall(t, "commit_meals", nil)

	out := env.mustCall(t, "get_daily_summary", map[string]interface{}{
		"start_date": "2025-06-01",
		"end_date":   "2025-06-02",
	})
	days := out.Get("days").Array()
	if len(days) != 2 {
		t.Fatalf("expected 2 days, got %s", out.Raw)
	}
	if days[0].Get("date").String() != "2025-06-02" || days[0].Get("total_carbs").Int() != 25 {
		t.Fatalf("unexpected newest day %s", days[0].Raw)
	}
	if days[1].Get("total_insulin").Float() != 4 {
		t.Fatalf("unexpected oldest day %s", days[1].Raw)
	}

	only := env.mustCall(t, "get_daily_summary", map[string]interface{}{"start_date": "2025-06-02"})
	if only.Get("days.#").Int() != 1 {
		t.Fatalf("expected one day from start_date, got %s", only.Raw)
	}

	expectError(t, env.call(t, testUser, "get_history", map[string]interface{}{"start_date": "June 1"}),
		http.StatusBadRequest, "invalid_params")
	expectError(t, env.call(t, testUser, "get_history", map[string]interface{}{"start_date": "2025-06-03", "end_date": "2025-06-01"}),
		http.StatusBadRequest, "invalid_params")
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t)

	expectError(t, env.call(t, "", "pin_status", nil), http.StatusUnauthorized, "missing_user")
	expectError(t, env.call(t, "not-a-uuid", "pin_status", nil), http.StatusBadRequest, "invalid_user")
	expectError(t, env.call(t, testUser, "drop_tables", nil), http.StatusNotFound, "unknown_tool")

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{not json"))
	req.Header.Set(UserIDHeader, testUser)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rec.Code)
	}

	// Non-canonical ids resolve to the same session.
	env.mustCall(t, "set_pin", map[string]interface{}{"pin": "1234", "confirm_pin": "1234"})
	upper := env.call(t, strings.ToUpper(testUser), "pin_status", nil)
	if upper.text.Get("state").String() != "unlocked" {
		t.Fatalf("expected canonical user id, got %s", upper.text.Raw)
	}
}

func TestRateLimitPerUser(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.RateLimit = 0.001
		d.RateBurst = 2
	})
	for i := 0; i < 2; i++ {
		env.mustCall(t, "pin_status", nil)
	}
	resp := env.call(t, testUser, "pin_status", nil)
	expectError(t, resp, http.StatusTooManyRequests, "rate_limited")

	if other := env.call(t, otherUser, "pin_status", nil); other.status != http.StatusOK {
		t.Fatalf("rate limit leaked across users: %d", other.status)
	}
}

func TestInfoAndHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("info: unexpected status %d", rec.Code)
	}
	info := gjson.Parse(rec.Body.String())
	if info.Get("server.name").String() != ServerName || info.Get("server.version").String() != "test" {
		t.Fatalf("unexpected info %s", rec.Body.String())
	}
	if info.Get("tools.#").Int() != 12 {
		t.Fatalf("expected 12 tools, got %s", info.Get("tools").Raw)
	}

	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || gjson.Get(rec.Body.String(), "status").String() != "ok" {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}

	env.store.Close()
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after store closed, got %d", rec.Code)
	}
}
