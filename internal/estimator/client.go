// Package estimator asks a vision model for the carbohydrate content of a
// meal photo.
package estimator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"carbsmart/internal/models"
)

const (
	DefaultBaseURL = "https://ai.gateway.lovable.dev/v1"
	DefaultModel   = "google/gemini-2.5-flash"
	DefaultTimeout = 60 * time.Second

	toolName = "estimate_carbs"

	// Bytes of a failed gateway body kept for logging.
	maxErrorBody = 2048
)

var (
	ErrInvalidImage   = errors.New("estimator: image must be a data:image/ url")
	ErrRateLimited    = errors.New("estimator: rate limit exceeded, please try again later")
	ErrQuotaExhausted = errors.New("estimator: AI credits depleted")
	ErrAnalysisFailed = errors.New("estimator: AI analysis failed")
	ErrNotConfigured  = errors.New("estimator: api key is not configured")
)

// Estimator produces a MealCapture from a photo.
type Estimator interface {
	Estimate(ctx context.Context, imageData string) (models.MealCapture, error)
}

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	logger     *zap.Logger
}

var _ Estimator = (*Client)(nil)

func NewClient(cfg Config, logger *zap.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   model,
		logger:  logger,
	}
}

const systemPrompt = "You are a nutritionist expert specialized in estimating carbohydrates in food. " +
	"Analyze food images and provide accurate carbohydrate estimates in grams."

const userPrompt = "Analyze this food image and estimate the total carbohydrates in grams. " +
	"Consider portion sizes carefully."

// Estimate sends imageData, a data:image/ url, to the model and returns the
// parsed estimate with carbs rounded to whole grams.
func (c *Client) Estimate(ctx context.Context, imageData string) (models.MealCapture, error) {
	if !strings.HasPrefix(imageData, "data:image/") {
		return models.MealCapture{}, ErrInvalidImage
	}
	if c.apiKey == "" {
		return models.MealCapture{}, ErrNotConfigured
	}

	body, err := sonic.Marshal(c.completionRequest(imageData))
	if err != nil {
		return models.MealCapture{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return models.MealCapture{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("analyzing meal image", zap.String("model", c.model), zap.Int("image_bytes", len(imageData)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.MealCapture{}, ctxErr
		}
		c.logger.Error("AI gateway request failed", zap.Error(err))
		return models.MealCapture{}, fmt.Errorf("%w: %v", ErrAnalysisFailed, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return models.MealCapture{}, ErrRateLimited
	case http.StatusPaymentRequired:
		return models.MealCapture{}, ErrQuotaExhausted
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Error("AI gateway error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(snippet)))
		return models.MealCapture{}, fmt.Errorf("%w: gateway status %d", ErrAnalysisFailed, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.MealCapture{}, fmt.Errorf("%w: read response: %v", ErrAnalysisFailed, err)
	}

	capture, err := parseCompletion(raw)
	if err != nil {
		c.logger.Error("unusable AI response", zap.Error(err))
		return models.MealCapture{}, err
	}
	capture.ImageURL = imageData
	return capture, nil
}

func (c *Client) completionRequest(imageData string) map[string]interface{} {
	return map[string]interface{}{
		"model": c.model,
		"messages": []map[string]interface{}{
			{
				"role":    "system",
				"content": systemPrompt,
			},
			{
				"role": "user",
				"content": []map[string]interface{}{
					{"type": "text", "text": userPrompt},
					{"type": "image_url", "image_url": map[string]string{"url": imageData}},
				},
			},
		},
		"tools": []map[string]interface{}{
			{
				"type": "function",
				"function": map[string]interface{}{
					"name":        toolName,
					"description": "Provide carbohydrate estimation for the food in the image",
					"parameters": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"carbs_grams": map[string]string{
								"type":        "number",
								"description": "Estimated carbohydrates in grams",
							},
							"food_items": map[string]interface{}{
								"type":        "array",
								"items":       map[string]string{"type": "string"},
								"description": "List of identified food items",
							},
							"confidence": map[string]interface{}{
								"type":        "string",
								"enum":        []string{"high", "medium", "low"},
								"description": "Confidence level of the estimate",
							},
						},
						"required":             []string{"carbs_grams", "food_items", "confidence"},
						"additionalProperties": false,
					},
				},
			},
		},
		"tool_choice": map[string]interface{}{
			"type":     "function",
			"function": map[string]string{"name": toolName},
		},
	}
}

// parseCompletion pulls the estimate_carbs arguments out of a chat completion.
func parseCompletion(raw []byte) (models.MealCapture, error) {
	if !gjson.ValidBytes(raw) {
		return models.MealCapture{}, fmt.Errorf("%w: response is not JSON", ErrAnalysisFailed)
	}
	call := gjson.GetBytes(raw, "choices.0.message.tool_calls.0")
	if !call.Exists() {
		return models.MealCapture{}, fmt.Errorf("%w: no tool call in AI response", ErrAnalysisFailed)
	}
	if name := call.Get("function.name").String(); name != "" && name != toolName {
		return models.MealCapture{}, fmt.Errorf("%w: unexpected tool call %q", ErrAnalysisFailed, name)
	}

	args := call.Get("function.arguments").String()
	if !gjson.Valid(args) {
		return models.MealCapture{}, fmt.Errorf("%w: tool arguments are not JSON", ErrAnalysisFailed)
	}
	parsed := gjson.Parse(args)

	carbs := parsed.Get("carbs_grams")
	if carbs.Type != gjson.Number {
		return models.MealCapture{}, fmt.Errorf("%w: carbs_grams missing", ErrAnalysisFailed)
	}
	grams := carbs.Float()
	if math.IsNaN(grams) || math.IsInf(grams, 0) || grams < 0 {
		return models.MealCapture{}, fmt.Errorf("%w: carbs_grams out of range", ErrAnalysisFailed)
	}

	capture := models.MealCapture{
		CarbsEstimateGrams: int(math.Round(grams)),
		Confidence:         models.ConfidenceLevel(parsed.Get("confidence").String()),
	}
	if !capture.Confidence.Valid() {
		capture.Confidence = models.LowConfidence
	}
	for _, item := range parsed.Get("food_items").Array() {
		if name := strings.TrimSpace(item.String()); name != "" {
			capture.FoodItems = append(capture.FoodItems, name)
		}
	}
	return capture, nil
}
