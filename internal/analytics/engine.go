// Package analytics turns the ledger into derived state: totals and a health
// band computed synchronously on every change, and an expense forecast
// refreshed by a cancellable background cycle.
package analytics

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fintrack/internal/cache"
	"fintrack/internal/core"
	"fintrack/internal/forecast"
	"fintrack/internal/log"
)

var (
	ErrEngineClosed   = errors.New("analytics engine closed")
	ErrTrainingFailed = errors.New("forecast training failed")
)

// Forecaster is the model the engine retrains on every cycle.
type Forecaster interface {
	Train(ctx context.Context, samples []forecast.Sample) (forecast.TrainStats, error)
	Predict(window []float64) (float64, error)
	Close() error
}

// Forecast is the published prediction of the next expense amount.
// Available is false when there are not enough expenses to train on.
type Forecast struct {
	Value      float64   `json:"value"`
	Available  bool      `json:"available"`
	Generation uint64    `json:"generation"`
	Samples    int       `json:"samples"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Summary is the synchronously recomputed part of the analytics.
type Summary struct {
	Totals     core.Totals
	Health     HealthBand
	Generation uint64
}

// CycleResult describes how a background cycle ended.
type CycleResult struct {
	Generation uint64
	Forecast   Forecast
	Published  bool
	Superseded bool
	Cached     bool
	Err        error
}

// Cycle is a handle on one retrain+predict run.
type Cycle struct {
	Generation uint64
	done       chan struct{}
	result     CycleResult
}

// Done is closed once the cycle finished, published or not.
func (c *Cycle) Done() <-chan struct{} { return c.done }

// Wait blocks until the cycle finished or ctx is done.
func (c *Cycle) Wait(ctx context.Context) (CycleResult, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return CycleResult{Generation: c.Generation}, ctx.Err()
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithForecaster replaces the default LSTM model.
func WithForecaster(f Forecaster) Option {
	return func(e *Engine) { e.model = f }
}

// WithLogger sets the engine logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l.WithComponent(log.ComponentAnalytics) }
}

// WithForecastHook registers a callback run after every published forecast.
// Hooks run on the cycle goroutine with the engine's context.
func WithForecastHook(fn func(context.Context, Forecast)) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, fn) }
}

// Engine owns the forecaster and the published analytics state.
type Engine struct {
	params Params
	model  Forecaster
	logger *log.Logger
	hooks  []func(context.Context, Forecast)

	memo     *cache.LRUCache[Forecast]
	cacheMgr *cache.Manager

	base   context.Context
	cancel context.CancelFunc

	// cycleMu serializes training; mu guards everything below it.
	cycleMu     sync.Mutex
	mu          sync.Mutex
	generation  uint64
	cancelCycle context.CancelFunc
	published   Forecast
	subscribers map[int]chan Forecast
	nextSub     int
	closed      bool
	wg          sync.WaitGroup
}

// NewEngine validates params and builds an engine with an untrained model.
func NewEngine(params Params, opts ...Option) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		params:      params,
		logger:      log.Discard(),
		subscribers: make(map[int]chan Forecast),
		published:   Forecast{Available: false},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.model == nil {
		m, err := forecast.New(params.ModelConfig())
		if err != nil {
			return nil, err
		}
		e.model = m
	}
	if params.memoEnabled() {
		e.memo = cache.NewLRUCache[Forecast](params.ForecastCacheSize, params.ForecastCacheTTL)
		e.cacheMgr = cache.NewManager()
		e.cacheMgr.Register(e.memo)
		e.cacheMgr.StartCleanup(params.ForecastCacheTTL)
	}
	e.base, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Params returns the engine configuration.
func (e *Engine) Params() Params { return e.params }

// ClassifyHealth applies the engine thresholds.
func (e *Engine) ClassifyHealth(income, expenses decimal.Decimal) HealthBand {
	return ClassifyHealth(income, expenses, e.params.HealthThresholds)
}

// ProposeExpense reports whether amount would be anomalous against history.
// history must not include the proposed expense.
func (e *Engine) ProposeExpense(amount decimal.Decimal, history []core.Expense) (bool, error) {
	if err := core.ValidateAmount(amount); err != nil {
		return false, &core.ValidationError{Field: "amount", Err: err}
	}
	values := make([]float64, len(history))
	for i, h := range history {
		values[i] = core.Float(h.Amount)
	}
	return IsAnomaly(core.Float(amount), values, e.params.AnomalyStdDevThreshold), nil
}

// Forecast returns the last published forecast.
func (e *Engine) Forecast() Forecast {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.published
}

// Subscribe returns a channel that always holds the latest published
// forecast. Slow readers only miss intermediate values.
func (e *Engine) Subscribe() (<-chan Forecast, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan Forecast, 1)
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subscribers[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if _, ok := e.subscribers[id]; ok {
				delete(e.subscribers, id)
				close(ch)
			}
		})
	}
}

// OnLedgerChanged recomputes totals and health from the full collections and
// starts a new forecast cycle, cancelling any cycle still running.
func (e *Engine) OnLedgerChanged(ctx context.Context, expenses []core.Expense, incomes []core.Income) (Summary, *Cycle, error) {
	for _, x := range expenses {
		if err := x.Validate(); err != nil {
			return Summary{}, nil, fmt.Errorf("expense %s: %w", x.ID, err)
		}
	}
	for _, in := range incomes {
		if err := in.Validate(); err != nil {
			return Summary{}, nil, fmt.Errorf("income %s: %w", in.ID, err)
		}
	}

	totals := core.SumTotals(expenses, incomes)
	health := e.ClassifyHealth(totals.Income, totals.Expenses)
	points := PointsFromExpenses(expenses)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Summary{}, nil, ErrEngineClosed
	}
	e.generation++
	gen := e.generation
	if e.cancelCycle != nil {
		e.cancelCycle()
	}
	cctx, cancel := context.WithCancel(e.base)
	e.cancelCycle = cancel
	cycle := &Cycle{Generation: gen, done: make(chan struct{})}
	e.wg.Add(1)
	e.mu.Unlock()

	summary := Summary{Totals: totals, Health: health, Generation: gen}
	log.NewStructuredLogger(e.logger).LogRecompute(ctx,
		totals.Income.String(), totals.Expenses.String(), health.String(), gen)

	go e.run(cctx, cancel, cycle, points)
	return summary, cycle, nil
}

func (e *Engine) run(ctx context.Context, cancel context.CancelFunc, c *Cycle, points []Point) {
	defer e.wg.Done()
	defer close(c.done)
	defer cancel()

	c.result = CycleResult{Generation: c.Generation}
	defer func() {
		if r := recover(); r != nil {
			c.result.Err = fmt.Errorf("%w: panic: %v", ErrTrainingFailed, r)
			c.result.Published = false
			e.logger.Error("Forecast cycle panicked",
				log.FieldGeneration, c.Generation,
				log.FieldError, fmt.Sprint(r),
				log.FieldErrorType, log.ErrorTypeTraining)
		}
	}()

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	if ctx.Err() != nil {
		c.result.Superseded = true
		return
	}

	fc, cached, err := e.compute(ctx, c.Generation, points)
	if err != nil {
		if ctx.Err() != nil {
			c.result.Superseded = true
			return
		}
		c.result.Err = fmt.Errorf("%w: %w", ErrTrainingFailed, err)
		e.logger.Warn("Forecast cycle failed, keeping previous forecast",
			log.FieldGeneration, c.Generation,
			log.FieldOperation, log.OpTrain,
			log.FieldError, err.Error(),
			log.FieldErrorType, log.ErrorTypeTraining)
		return
	}
	c.result.Forecast = fc
	c.result.Cached = cached

	if !e.publish(fc) {
		c.result.Superseded = true
		return
	}
	c.result.Published = true
	e.logger.Info("Forecast published",
		log.NewFields().
			WithForecast(fc.Generation, fc.Value, fc.Available).
			WithOperation(log.OpPredict).
			ToSlice()...)
	for _, hook := range e.hooks {
		e.runHook(hook, fc)
	}
}

func (e *Engine) runHook(hook func(context.Context, Forecast), fc Forecast) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Forecast hook panicked",
				log.FieldGeneration, fc.Generation,
				log.FieldError, fmt.Sprint(r),
				log.FieldErrorType, log.ErrorTypeInternal)
		}
	}()
	hook(e.base, fc)
}

func (e *Engine) compute(ctx context.Context, gen uint64, points []Point) (Forecast, bool, error) {
	lookback := e.params.Lookback
	windows := BuildWindows(points, lookback)
	if len(windows) == 0 {
		return Forecast{Available: false, Generation: gen, UpdatedAt: time.Now()}, false, nil
	}
	latest, _ := LatestWindow(points, lookback)

	var key string
	if e.memo != nil {
		key = fingerprint(points)
		if hit, ok := e.memo.Get(key); ok {
			hit.Generation = gen
			hit.UpdatedAt = time.Now()
			return hit, true, nil
		}
	}

	samples := make([]forecast.Sample, len(windows))
	for i, w := range windows {
		samples[i] = forecast.Sample{Inputs: w.Inputs, Label: w.Label}
	}
	stats, err := e.model.Train(ctx, samples)
	if err != nil {
		return Forecast{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Forecast{}, false, err
	}
	value, err := e.model.Predict(latest)
	if err != nil {
		return Forecast{}, false, err
	}
	e.logger.Debug("Forecast model trained",
		log.FieldGeneration, gen,
		log.FieldSamples, stats.Samples,
		log.FieldLoss, stats.FinalLoss)

	fc := Forecast{
		Value:      value,
		Available:  true,
		Generation: gen,
		Samples:    len(samples),
		UpdatedAt:  time.Now(),
	}
	if e.memo != nil && e.memo.Add(key, fc) {
		e.logger.Debug("Forecast memo full, evicted oldest entry",
			log.FieldGeneration, gen)
	}
	return fc, false, nil
}

// publish installs fc unless a newer cycle has started since.
func (e *Engine) publish(fc Forecast) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || fc.Generation != e.generation {
		return false
	}
	e.published = fc
	for _, ch := range e.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- fc
	}
	return true
}

// Close cancels the running cycle, waits for it and releases the model.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.cancel()
	for id, ch := range e.subscribers {
		delete(e.subscribers, id)
		close(ch)
	}
	e.mu.Unlock()

	e.wg.Wait()
	if e.cacheMgr != nil {
		e.cacheMgr.Stop()
	}
	return e.model.Close()
}

// fingerprint identifies a chronological amount sequence.
func fingerprint(points []Point) string {
	h := sha256.New()
	var buf [8]byte
	for _, v := range sortedAmounts(points) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
