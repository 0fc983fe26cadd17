package analytics

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// HealthBand classifies expenses relative to income. Bands are ordered from
// best to worst.
type HealthBand int

const (
	Healthy HealthBand = iota
	Balanced
	Struggling
	Critical
)

var bandNames = [...]string{"healthy", "balanced", "struggling", "critical"}

var bandLabels = [...]string{
	"Financially Healthy",
	"Breaking Even",
	"Financial Warning",
	"Financial Crisis",
}

func (b HealthBand) String() string {
	if b < Healthy || b > Critical {
		return fmt.Sprintf("HealthBand(%d)", int(b))
	}
	return bandNames[b]
}

// Label is the human readable description of the band.
func (b HealthBand) Label() string {
	if b < Healthy || b > Critical {
		return ""
	}
	return bandLabels[b]
}

func (b HealthBand) MarshalText() ([]byte, error) {
	if b < Healthy || b > Critical {
		return nil, fmt.Errorf("unknown health band %d", int(b))
	}
	return []byte(b.String()), nil
}

func (b *HealthBand) UnmarshalText(text []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	for i, name := range bandNames {
		if name == s {
			*b = HealthBand(i)
			return nil
		}
	}
	return fmt.Errorf("unknown health band %q", s)
}

// Thresholds are the inclusive upper ratio bounds of healthy, balanced and
// struggling. Anything above the last is critical.
type Thresholds [3]float64

// DefaultThresholds returns 0.6, 0.8, 1.0.
func DefaultThresholds() Thresholds {
	return Thresholds{0.6, 0.8, 1.0}
}

var errThresholds = errors.New("health thresholds must be finite, positive and strictly ascending")

func (t Thresholds) Validate() error {
	prev := 0.0
	for _, v := range t {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= prev {
			return fmt.Errorf("%w: %v", errThresholds, [3]float64(t))
		}
		prev = v
	}
	return nil
}

// ParseThresholds parses "0.6,0.8,1.0".
func ParseThresholds(s string) (Thresholds, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return Thresholds{}, fmt.Errorf("%w: need three values, got %q", errThresholds, s)
	}
	var t Thresholds
	for i, p := range parts {
		d, err := decimal.NewFromString(strings.TrimSpace(p))
		if err != nil {
			return Thresholds{}, fmt.Errorf("%w: %q", errThresholds, s)
		}
		t[i], _ = d.Float64()
	}
	if err := t.Validate(); err != nil {
		return Thresholds{}, err
	}
	return t, nil
}

func (t Thresholds) String() string {
	return fmt.Sprintf("%g,%g,%g", t[0], t[1], t[2])
}

// ClassifyHealth maps expenses/income to a band. Ratios equal to a threshold
// fall in the lower (better) band. Zero income is always critical, including
// the zero-expense case.
func ClassifyHealth(totalIncome, totalExpenses decimal.Decimal, t Thresholds) HealthBand {
	if !totalIncome.IsPositive() {
		return Critical
	}
	for i, limit := range t {
		if totalExpenses.LessThanOrEqual(totalIncome.Mul(decimal.NewFromFloat(limit))) {
			return HealthBand(i)
		}
	}
	return Critical
}
