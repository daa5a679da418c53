// internal/models/meal.go
package models

import (
	"time"
)

type ConfidenceLevel string

const (
	HighConfidence   ConfidenceLevel = "high"
	MediumConfidence ConfidenceLevel = "medium"
	LowConfidence    ConfidenceLevel = "low"
)

// Valid reports whether c is one of the known confidence levels.
func (c ConfidenceLevel) Valid() bool {
	switch c {
	case HighConfidence, MediumConfidence, LowConfidence:
		return true
	}
	return false
}

// MealCapture is the estimator output for a single photo. It only exists
// when analysis succeeded.
type MealCapture struct {
	ImageURL           string          `json:"image_url"`
	CarbsEstimateGrams int             `json:"carbs_estimate"`
	Confidence         ConfidenceLevel `json:"confidence"`
	FoodItems          []string        `json:"food_items,omitempty"`
}

// CalculationResult is one persisted history entry. InsulinDose is derived
// from CarbsEstimate and InsulinRatio when the result is created and is never
// recomputed afterwards.
type CalculationResult struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	ImageURL      string          `json:"image_url,omitempty"`
	CarbsEstimate int             `json:"carbs_estimate"`
	InsulinRatio  int             `json:"insulin_ratio"`
	InsulinDose   float64         `json:"insulin_dose"`
	Confidence    ConfidenceLevel `json:"confidence,omitempty"`
	FoodItems     []string        `json:"food_items,omitempty"`
}

// HistoryQuery selects stored results. Images are left out unless
// IncludeImages is set.
type HistoryQuery struct {
	Start         time.Time
	End           time.Time
	Limit         int
	IncludeImages bool
}
