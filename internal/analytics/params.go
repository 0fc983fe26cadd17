package analytics

import (
	"fmt"
	"math"
	"strings"
	"time"

	"fintrack/internal/forecast"
)

// Params are the tunable constants of the analytics engine.
type Params struct {
	Lookback               int
	AnomalyStdDevThreshold float64
	HealthThresholds       Thresholds
	TrainingEpochs         int
	TrainingBatchSize      int
	LearningRate           float64
	HiddenUnits            int
	Seed                   int64

	// IncrementalTraining keeps the previous weights between cycles instead
	// of refitting from a fresh initialization.
	IncrementalTraining bool

	// ForecastCacheSize bounds the memo of forecasts keyed by expense
	// sequence. Zero disables it. Ignored in incremental mode.
	ForecastCacheSize int
	ForecastCacheTTL  time.Duration
}

// DefaultParams returns the reference configuration.
func DefaultParams() Params {
	return Params{
		Lookback:               7,
		AnomalyStdDevThreshold: 2,
		HealthThresholds:       DefaultThresholds(),
		TrainingEpochs:         50,
		TrainingBatchSize:      32,
		LearningRate:           0.01,
		HiddenUnits:            32,
		Seed:                   42,
		ForecastCacheSize:      64,
		ForecastCacheTTL:       30 * time.Minute,
	}
}

// Validate returns every problem found in p as a single error.
func (p Params) Validate() error {
	var problems []string
	if p.Lookback < 1 {
		problems = append(problems, fmt.Sprintf("lookback %d: must be at least 1", p.Lookback))
	}
	if !(p.AnomalyStdDevThreshold >= 0) || math.IsInf(p.AnomalyStdDevThreshold, 0) {
		problems = append(problems, fmt.Sprintf("anomaly threshold %v: must be a finite non-negative number", p.AnomalyStdDevThreshold))
	}
	if err := p.HealthThresholds.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if p.TrainingEpochs < 1 {
		problems = append(problems, fmt.Sprintf("training epochs %d: must be at least 1", p.TrainingEpochs))
	}
	if p.TrainingBatchSize < 1 {
		problems = append(problems, fmt.Sprintf("training batch size %d: must be at least 1", p.TrainingBatchSize))
	}
	if !(p.LearningRate > 0) || math.IsInf(p.LearningRate, 0) {
		problems = append(problems, fmt.Sprintf("learning rate %v: must be positive", p.LearningRate))
	}
	if p.HiddenUnits < 1 {
		problems = append(problems, fmt.Sprintf("hidden units %d: must be at least 1", p.HiddenUnits))
	}
	if p.ForecastCacheSize < 0 {
		problems = append(problems, fmt.Sprintf("forecast cache size %d: must not be negative", p.ForecastCacheSize))
	}
	if p.ForecastCacheSize > 0 && p.ForecastCacheTTL <= 0 {
		problems = append(problems, "forecast cache TTL must be positive when the cache is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid analytics params: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ModelConfig derives the forecaster configuration.
func (p Params) ModelConfig() forecast.Config {
	return forecast.Config{
		Lookback:     p.Lookback,
		HiddenUnits:  p.HiddenUnits,
		Epochs:       p.TrainingEpochs,
		BatchSize:    p.TrainingBatchSize,
		LearningRate: p.LearningRate,
		Seed:         p.Seed,
		Incremental:  p.IncrementalTraining,
	}
}

func (p Params) memoEnabled() bool {
	return p.ForecastCacheSize > 0 && !p.IncrementalTraining
}
