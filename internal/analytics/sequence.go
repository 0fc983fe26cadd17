package analytics

import (
	"sort"

	"fintrack/internal/core"
)

// Point is a dated amount as seen by the sequence builder.
type Point struct {
	Amount float64
	Date   core.Date
}

// Window is Lookback consecutive amounts and the amount that followed.
type Window struct {
	Inputs []float64
	Label  float64
}

// PointsFromExpenses keeps the caller's insertion order.
func PointsFromExpenses(expenses []core.Expense) []Point {
	out := make([]Point, len(expenses))
	for i, e := range expenses {
		out[i] = Point{Amount: core.Float(e.Amount), Date: e.Date}
	}
	return out
}

// SortChronologically returns a copy sorted by date; equal dates keep their
// input order.
func SortChronologically(points []Point) []Point {
	out := append([]Point(nil), points...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date.Before(out[j].Date.Time)
	})
	return out
}

func sortedAmounts(points []Point) []float64 {
	sorted := SortChronologically(points)
	amounts := make([]float64, len(sorted))
	for i, p := range sorted {
		amounts[i] = p.Amount
	}
	return amounts
}

// BuildWindows returns max(0, len(points)-lookback) windows over the
// chronological sequence. No windows means there is not enough data.
func BuildWindows(points []Point, lookback int) []Window {
	if lookback < 1 || len(points) <= lookback {
		return nil
	}
	amounts := sortedAmounts(points)
	windows := make([]Window, 0, len(amounts)-lookback)
	for i := 0; i+lookback < len(amounts); i++ {
		in := make([]float64, lookback)
		copy(in, amounts[i:i+lookback])
		windows = append(windows, Window{Inputs: in, Label: amounts[i+lookback]})
	}
	return windows
}

// LatestWindow returns the last lookback amounts in chronological order, or
// false when fewer exist.
func LatestWindow(points []Point, lookback int) ([]float64, bool) {
	if lookback < 1 || len(points) < lookback {
		return nil, false
	}
	amounts := sortedAmounts(points)
	out := make([]float64, lookback)
	copy(out, amounts[len(amounts)-lookback:])
	return out, true
}
