package estimator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidwall/gjson"

	"carbsmart/internal/models"
)

const testImage = "data:image/jpeg;base64,/9j/4AAQSkZJRgABAQ=="

func completion(args string) string {
	return `{"choices":[{"message":{"role":"assistant","tool_calls":[{"type":"function","function":{"name":"estimate_carbs","arguments":` +
		quote(args) + `}}]}}]}`
}

func quote(s string) string {
	out := []byte{'"'}
	for _, r := range []byte(s) {
		if r == '"' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(append(out, '"'))
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, APIKey: "test-key"}, nil)
}

func TestEstimateParsesToolCall(t *testing.T) {
	var gotBody []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected authorization %q", auth)
		}
		gotBody, _ = io.ReadAll(r.Body)
		io.WriteString(w, completion(`{"carbs_grams": 42.6, "food_items": ["rice", " chicken "], "confidence": "medium"}`))
	})

	capture, err := c.Estimate(context.Background(), testImage)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if capture.CarbsEstimateGrams != 43 {
		t.Fatalf("expected 43g, got %d", capture.CarbsEstimateGrams)
	}
	if capture.Confidence != models.MediumConfidence {
		t.Fatalf("expected medium confidence, got %q", capture.Confidence)
	}
	if len(capture.FoodItems) != 2 || capture.FoodItems[1] != "chicken" {
		t.Fatalf("unexpected food items %v", capture.FoodItems)
	}
	if capture.ImageURL != testImage {
		t.Fatalf("expected image url to be kept")
	}

	req := gjson.ParseBytes(gotBody)
	if req.Get("model").String() != DefaultModel {
		t.Fatalf("expected default model, got %s", req.Get("model"))
	}
	if req.Get("tool_choice.function.name").String() != "estimate_carbs" {
		t.Fatalf("expected forced estimate_carbs tool, got %s", req.Get("tool_choice"))
	}
	if req.Get("messages.1.content.1.image_url.url").String() != testImage {
		t.Fatalf("image not forwarded in request")
	}
}

func TestEstimateStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusPaymentRequired, ErrQuotaExhausted},
		{http.StatusInternalServerError, ErrAnalysisFailed},
		{http.StatusBadRequest, ErrAnalysisFailed},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			io.WriteString(w, `{"error":"nope"}`)
		})
		if _, err := c.Estimate(context.Background(), testImage); !errors.Is(err, tt.want) {
			t.Fatalf("status %d: expected %v, got %v", tt.status, tt.want, err)
		}
	}
}

func TestEstimateRejectsBadResponses(t *testing.T) {
	bodies := []string{
		`not json`,
		`{"choices":[{"message":{"content":"about 40g"}}]}`,
		completion(`{"food_items": [], "confidence": "high"}`),
		completion(`{"carbs_grams": -5, "food_items": [], "confidence": "high"}`),
		completion(`broken`),
	}
	for _, body := range bodies {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, body)
		})
		if _, err := c.Estimate(context.Background(), testImage); !errors.Is(err, ErrAnalysisFailed) {
			t.Fatalf("body %s: expected ErrAnalysisFailed, got %v", body, err)
		}
	}
}

func TestEstimateUnknownConfidenceIsLow(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, completion(`{"carbs_grams": 12, "food_items": ["toast"], "confidence": "certain"}`))
	})
	capture, err := c.Estimate(context.Background(), testImage)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if capture.Confidence != models.LowConfidence {
		t.Fatalf("expected low confidence, got %q", capture.Confidence)
	}
}

func TestEstimateValidatesInput(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	for _, img := range []string{"", "https://example.com/meal.jpg", "data:text/plain;base64,aGk="} {
		if _, err := c.Estimate(context.Background(), img); !errors.Is(err, ErrInvalidImage) {
			t.Fatalf("%q: expected ErrInvalidImage, got %v", img, err)
		}
	}
	if called {
		t.Fatalf("gateway should not be called for invalid images")
	}

	unconfigured := NewClient(Config{BaseURL: "http://127.0.0.1:1"}, nil)
	if _, err := unconfigured.Estimate(context.Background(), testImage); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestEstimateHonoursCancellation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Estimate(ctx, testImage); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
