// Package utils provides small numeric and time helpers shared across the
// analysis packages.
package utils

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RoundToTickSize rounds a price down to the nearest tick size.
func RoundToTickSize(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Floor().Mul(tickSize)
}

// CalculatePercentageChange calculates percentage change between two values.
func CalculatePercentageChange(old, new decimal.Decimal) decimal.Decimal {
	if old.IsZero() {
		return decimal.Zero
	}
	return new.Sub(old).Div(old).Mul(decimal.NewFromInt(100))
}

// CalculateMean calculates the mean of a float64 series.
func CalculateMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// CalculateStdDev calculates the sample standard deviation of a float64 series.
func CalculateStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := CalculateMean(values)
	sumSquares := 0.0
	for _, v := range values {
		diff := v - mean
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

// Median returns the median of a float64 series. The input is not mutated.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// TimeRange represents a time range.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Duration returns the duration of the time range.
func (tr TimeRange) Duration() time.Duration {
	return tr.End.Sub(tr.Start)
}

// Contains checks if a time is within the range.
func (tr TimeRange) Contains(t time.Time) bool {
	return (t.Equal(tr.Start) || t.After(tr.Start)) && (t.Equal(tr.End) || t.Before(tr.End))
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// FormatMoney formats a decimal with a currency/points suffix for log lines
// and display payloads.
func FormatMoney(d decimal.Decimal, unit string) string {
	if strings.TrimSpace(unit) == "" {
		return d.StringFixed(2)
	}
	return d.StringFixed(2) + " " + unit
}

// MinDecimal returns the minimum of two decimals.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxDecimal returns the maximum of two decimals.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// ClampDecimal clamps a value between min and max.
func ClampDecimal(value, min, max decimal.Decimal) decimal.Decimal {
	if value.LessThan(min) {
		return min
	}
	if value.GreaterThan(max) {
		return max
	}
	return value
}

// ClampFloat clamps a float64 value between min and max. The adaptive risk
// manager uses it to hold its composed regime multipliers to [0.3, 2.0].
func ClampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// EMA calculates an exponential moving average over float64 samples.
type EMA struct {
	multiplier float64
	current    float64
	count      int
}

// NewEMA creates a new EMA calculator for the given period.
func NewEMA(period int) *EMA {
	return &EMA{multiplier: 2.0 / float64(period+1)}
}

// Add adds a value and returns the updated EMA.
func (e *EMA) Add(value float64) float64 {
	e.count++
	if e.count == 1 {
		e.current = value
		return e.current
	}
	e.current = (value-e.current)*e.multiplier + e.current
	return e.current
}

// Current returns the current EMA value.
func (e *EMA) Current() float64 { return e.current }

// SMA calculates a simple moving average over a bounded float64 window.
type SMA struct {
	period int
	values []float64
	sum    float64
}

// NewSMA creates a new SMA calculator.
func NewSMA(period int) *SMA {
	return &SMA{period: period, values: make([]float64, 0, period)}
}

// Add adds a value and returns the updated SMA.
func (s *SMA) Add(value float64) float64 {
	s.values = append(s.values, value)
	s.sum += value
	if len(s.values) > s.period {
		s.sum -= s.values[0]
		s.values = s.values[1:]
	}
	return s.sum / float64(len(s.values))
}

// Current returns the current SMA value.
func (s *SMA) Current() float64 {
	if len(s.values) == 0 {
		return 0
	}
	return s.sum / float64(len(s.values))
}
