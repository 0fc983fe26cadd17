// Package forecast implements the expense forecaster: a recurrent regression
// model (one LSTM layer feeding a single dense unit) trained with Adam on
// mean squared error.
//
// By default every Train call starts from a fresh, seeded initialization, so
// the model is a pure function of the training set. Incremental mode keeps the
// previous weights and optimizer state instead.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

var (
	ErrNotTrained         = errors.New("forecast model not trained")
	ErrDisposed           = errors.New("forecast model disposed")
	ErrInputShape         = errors.New("input window has wrong length")
	ErrNumericInstability = errors.New("numeric instability during training")
	ErrNonFiniteInput     = errors.New("input contains NaN or Inf")
	errInvalidModelConfig = errors.New("invalid forecast model config")
)

// Config fixes the architecture and the training schedule.
type Config struct {
	Lookback     int
	HiddenUnits  int
	Epochs       int
	BatchSize    int
	LearningRate float64
	Seed         int64
	Incremental  bool
}

// DefaultConfig returns the reference architecture and schedule.
func DefaultConfig() Config {
	return Config{
		Lookback:     7,
		HiddenUnits:  32,
		Epochs:       50,
		BatchSize:    32,
		LearningRate: 0.01,
		Seed:         42,
	}
}

func (c Config) validate() error {
	switch {
	case c.Lookback < 1:
		return fmt.Errorf("%w: lookback %d", errInvalidModelConfig, c.Lookback)
	case c.HiddenUnits < 1:
		return fmt.Errorf("%w: hidden units %d", errInvalidModelConfig, c.HiddenUnits)
	case c.Epochs < 1:
		return fmt.Errorf("%w: epochs %d", errInvalidModelConfig, c.Epochs)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch size %d", errInvalidModelConfig, c.BatchSize)
	case !(c.LearningRate > 0):
		return fmt.Errorf("%w: learning rate %v", errInvalidModelConfig, c.LearningRate)
	}
	return nil
}

// Sample is one training example: Lookback consecutive amounts and the amount
// that followed them.
type Sample struct {
	Inputs []float64
	Label  float64
}

// TrainStats summarizes a completed Train call.
type TrainStats struct {
	Samples   int
	Epochs    int
	Steps     int
	FinalLoss float64
}

// Model owns the network weights. All methods are safe for concurrent use;
// calls are serialized.
type Model struct {
	mu       sync.Mutex
	cfg      Config
	net      *network
	opt      *adam
	rng      *rand.Rand
	trained  bool
	disposed bool
}

// New creates a model with freshly initialized weights.
func New(cfg Config) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Model{cfg: cfg}
	m.reset()
	return m, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config {
	return m.cfg
}

func (m *Model) reset() {
	m.rng = rand.New(rand.NewSource(m.cfg.Seed))
	m.net = newNetwork(m.cfg.HiddenUnits)
	m.net.init(m.rng)
	m.opt = newAdam(m.net.size(), m.cfg.LearningRate)
	m.trained = false
}

// Reset discards the weights and returns to the seeded initial state.
func (m *Model) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return ErrDisposed
	}
	m.reset()
	return nil
}

// Trained reports whether a Train call has completed successfully.
func (m *Model) Trained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trained
}

// Train fits the model to samples. An empty sample set is a no-op.
// A cancelled context or a non-finite loss aborts training and leaves the
// model untrained.
func (m *Model) Train(ctx context.Context, samples []Sample) (TrainStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return TrainStats{}, ErrDisposed
	}
	if len(samples) == 0 {
		return TrainStats{}, nil
	}
	for i, s := range samples {
		if err := m.checkInput(s.Inputs); err != nil {
			return TrainStats{}, fmt.Errorf("sample %d: %w", i, err)
		}
		if !finite(s.Label) {
			return TrainStats{}, fmt.Errorf("sample %d label: %w", i, ErrNonFiniteInput)
		}
	}

	if !m.cfg.Incremental || !m.trained {
		m.reset()
	}

	order := make([]int, len(samples))
	for i := range order {
		order[i] = i
	}
	grad := make([]float64, m.net.size())
	batch := make([]Sample, 0, m.cfg.BatchSize)
	stats := TrainStats{Samples: len(samples)}

	for epoch := 0; epoch < m.cfg.Epochs; epoch++ {
		m.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var epochLoss float64
		for start := 0; start < len(order); start += m.cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				m.trained = false
				return stats, err
			}
			end := min(start+m.cfg.BatchSize, len(order))
			batch = batch[:0]
			for _, idx := range order[start:end] {
				batch = append(batch, samples[idx])
			}
			loss := m.net.lossAndGrad(batch, grad)
			if !finite(loss) {
				m.trained = false
				return stats, fmt.Errorf("%w: epoch %d loss %v", ErrNumericInstability, epoch, loss)
			}
			m.opt.apply(m.net.theta, grad)
			epochLoss += loss * float64(len(batch))
			stats.Steps++
		}
		stats.Epochs++
		stats.FinalLoss = epochLoss / float64(len(samples))
	}

	m.trained = true
	return stats, nil
}

// Predict runs one forward pass over a Lookback-long window.
func (m *Model) Predict(window []float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return 0, ErrDisposed
	}
	if !m.trained {
		return 0, ErrNotTrained
	}
	if err := m.checkInput(window); err != nil {
		return 0, err
	}
	y := m.net.forward(window, nil)
	if !finite(y) {
		return 0, fmt.Errorf("%w: prediction %v", ErrNumericInstability, y)
	}
	return y, nil
}

// Close releases the weights. Further calls return ErrDisposed.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposed = true
	m.trained = false
	m.net = nil
	m.opt = nil
	return nil
}

func (m *Model) checkInput(x []float64) error {
	if len(x) != m.cfg.Lookback {
		return fmt.Errorf("%w: got %d, want %d", ErrInputShape, len(x), m.cfg.Lookback)
	}
	for _, v := range x {
		if !finite(v) {
			return ErrNonFiniteInput
		}
	}
	return nil
}
