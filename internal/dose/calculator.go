// Package dose turns carbohydrate estimates into insulin doses and keeps the
// running totals for meals awaiting confirmation.
package dose

import (
	"errors"
	"math"
	"math/big"
	"sort"
	"strings"
	"time"

	"carbsmart/internal/models"
)

var (
	ErrInvalidRatio = errors.New("dose: insulin ratio must be positive")
	ErrInvalidCarbs = errors.New("dose: carbohydrate estimate must be a finite non-negative number")
)

// Totals summarises a sequence of results.
type Totals struct {
	TotalCarbs   int     `json:"total_carbs"`
	TotalInsulin float64 `json:"total_insulin"`
	Count        int     `json:"count"`
}

// ComputeDose returns carbsGrams/ratio rounded to one decimal place. The
// float64 quotient is rounded by its exact binary value, ties going to the
// larger tenth, so 3 g at 1:20 (0.1499...) gives 0.1 and 1 g at 1:4 gives 0.3.
func ComputeDose(carbsGrams float64, ratio int) (float64, error) {
	if ratio <= 0 {
		return 0, ErrInvalidRatio
	}
	if math.IsNaN(carbsGrams) || math.IsInf(carbsGrams, 0) || carbsGrams < 0 {
		return 0, ErrInvalidCarbs
	}
	return roundTenths(carbsGrams / float64(ratio)), nil
}

var (
	bigTen = big.NewInt(10)
	bigTwo = big.NewInt(2)
)

// roundTenths returns floor(10q + 1/2) tenths, computed exactly.
func roundTenths(q float64) float64 {
	r := new(big.Rat).SetFloat64(q)
	num := new(big.Int).Mul(r.Num(), bigTen)
	num.Mul(num, bigTwo).Add(num, r.Denom())
	den := new(big.Int).Mul(r.Denom(), bigTwo)
	tenths := num.Quo(num, den)
	if tenths.IsInt64() {
		return fromTenths(tenths.Int64())
	}
	f, _ := new(big.Rat).SetFrac(tenths, bigTen).Float64()
	return f
}

// NewResult builds a history entry from a capture, freezing the ratio and the
// dose derived from it.
func NewResult(id string, capture models.MealCapture, ratio int, at time.Time) (models.CalculationResult, error) {
	insulin, err := ComputeDose(float64(capture.CarbsEstimateGrams), ratio)
	if err != nil {
		return models.CalculationResult{}, err
	}
	var items []string
	if len(capture.FoodItems) > 0 {
		items = append(items, capture.FoodItems...)
	}
	return models.CalculationResult{
		ID:            id,
		Timestamp:     at,
		ImageURL:      capture.ImageURL,
		CarbsEstimate: capture.CarbsEstimateGrams,
		InsulinRatio:  ratio,
		InsulinDose:   insulin,
		Confidence:    capture.Confidence,
		FoodItems:     items,
	}, nil
}

// Aggregate sums carbs and the already rounded per-item doses. The insulin
// total is not re-derived from the carb total, so per-item rounding error
// accumulates.
func Aggregate(items []models.CalculationResult) Totals {
	var carbs int
	var tenths int64
	for _, item := range items {
		carbs += item.CarbsEstimate
		tenths += toTenths(item.InsulinDose)
	}
	return Totals{
		TotalCarbs:   carbs,
		TotalInsulin: fromTenths(tenths),
		Count:        len(items),
	}
}

// DaySummary groups the results recorded on one calendar day.
type DaySummary struct {
	Date  string                     `json:"date"`
	Items []models.CalculationResult `json:"items"`
	Totals
}

// DailySummaries groups results by calendar day in loc, newest day first.
// Items keep their input order within a day.
func DailySummaries(items []models.CalculationResult, loc *time.Location) []DaySummary {
	if loc == nil {
		loc = time.UTC
	}
	byDay := make(map[string][]models.CalculationResult)
	for _, item := range items {
		key := item.Timestamp.In(loc).Format(time.DateOnly)
		byDay[key] = append(byDay[key], item)
	}

	out := make([]DaySummary, 0, len(byDay))
	for day, dayItems := range byDay {
		out = append(out, DaySummary{Date: day, Items: dayItems, Totals: Aggregate(dayItems)})
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].Date, out[j].Date) > 0
	})
	return out
}

func toTenths(v float64) int64 {
	return int64(math.Round(v * 10))
}

func fromTenths(n int64) float64 {
	return float64(n) / 10
}
