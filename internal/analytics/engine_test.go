package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fintrack/internal/core"
	"fintrack/internal/forecast"
)

// fakeForecaster predicts the mean of the window. Behaviour of individual
// Train calls can be scripted.
type fakeForecaster struct {
	mu      sync.Mutex
	calls   int
	trained bool
	script  map[int]func(ctx context.Context) error
	started chan int
	closed  bool
}

func newFake() *fakeForecaster {
	return &fakeForecaster{script: map[int]func(context.Context) error{}, started: make(chan int, 16)}
}

func (f *fakeForecaster) Train(ctx context.Context, samples []forecast.Sample) (forecast.TrainStats, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	step := f.script[n]
	f.mu.Unlock()

	f.started <- n
	if step != nil {
		if err := step(ctx); err != nil {
			return forecast.TrainStats{}, err
		}
	}
	f.mu.Lock()
	f.trained = true
	f.mu.Unlock()
	return forecast.TrainStats{Samples: len(samples), Epochs: 1, Steps: 1}, nil
}

func (f *fakeForecaster) Predict(window []float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.trained {
		return 0, forecast.ErrNotTrained
	}
	var sum float64
	for _, v := range window {
		sum += v
	}
	return sum / float64(len(window)), nil
}

func (f *fakeForecaster) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeForecaster) trainCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func expenses(amounts ...int64) []core.Expense {
	out := make([]core.Expense, len(amounts))
	for i, a := range amounts {
		out[i] = core.Expense{
			ID:       core.NewID(),
			Amount:   decimal.NewFromInt(a),
			Category: "Food",
			Date:     core.NewDate(2024, 1, i+1),
		}
	}
	return out
}

func incomes(amounts ...int64) []core.Income {
	out := make([]core.Income, len(amounts))
	for i, a := range amounts {
		out[i] = core.Income{
			ID:     core.NewID(),
			Amount: decimal.NewFromInt(a),
			Source: "Salary",
			Date:   core.NewDate(2024, 1, i+1),
		}
	}
	return out
}

func newTestEngine(t *testing.T, f Forecaster, mutate func(*Params)) *Engine {
	t.Helper()
	params := DefaultParams()
	params.ForecastCacheSize = 0
	if mutate != nil {
		mutate(&params)
	}
	e, err := NewEngine(params, WithForecaster(f))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func wait(t *testing.T, c *Cycle) CycleResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("wait cycle %d: %v", c.Generation, err)
	}
	return res
}

func TestSummaryIsSynchronous(t *testing.T) {
	e := newTestEngine(t, newFake(), nil)
	summary, cycle, err := e.OnLedgerChanged(context.Background(), expenses(300, 400), incomes(1000))
	if err != nil {
		t.Fatalf("changed: %v", err)
	}
	if !summary.Totals.Expenses.Equal(decimal.NewFromInt(700)) || !summary.Totals.Income.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("totals = %+v", summary.Totals)
	}
	if summary.Health != Balanced {
		t.Fatalf("health = %v, want balanced", summary.Health)
	}
	if summary.Generation != 1 || cycle.Generation != 1 {
		t.Fatalf("generation = %d/%d", summary.Generation, cycle.Generation)
	}
	wait(t, cycle)
}

func TestForecastUnavailableWithFewExpenses(t *testing.T) {
	f := newFake()
	e := newTestEngine(t, f, nil)
	_, cycle, err := e.OnLedgerChanged(context.Background(), expenses(1, 2, 3, 4, 5, 6, 7), nil)
	if err != nil {
		t.Fatalf("changed: %v", err)
	}
	res := wait(t, cycle)
	if !res.Published || res.Forecast.Available {
		t.Fatalf("expected published unavailable forecast, got %+v", res)
	}
	if f.trainCalls() != 0 {
		t.Fatalf("model should not train without windows")
	}
	if got := e.Forecast(); got.Available || got.Generation != 1 {
		t.Fatalf("published = %+v", got)
	}
}

func TestForecastEmptyLedger(t *testing.T) {
	e := newTestEngine(t, newFake(), nil)
	summary, cycle, err := e.OnLedgerChanged(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("changed: %v", err)
	}
	if summary.Health != Critical {
		t.Fatalf("zero income should be critical, got %v", summary.Health)
	}
	if res := wait(t, cycle); res.Forecast.Available {
		t.Fatalf("expected unavailable, got %+v", res.Forecast)
	}
}

func TestForecastPublished(t *testing.T) {
	e := newTestEngine(t, newFake(), nil)
	_, cycle, err := e.OnLedgerChanged(context.Background(), expenses(1, 2, 3, 4, 5, 6, 7, 8), nil)
	if err != nil {
		t.Fatalf("changed: %v", err)
	}
	res := wait(t, cycle)
	if !res.Published || !res.Forecast.Available {
		t.Fatalf("expected available forecast, got %+v", res)
	}
	// mean of the latest window 2..8
	if res.Forecast.Value != 5 || res.Forecast.Samples != 1 {
		t.Fatalf("forecast = %+v", res.Forecast)
	}
	if e.Forecast() != res.Forecast {
		t.Fatalf("engine forecast differs from cycle result")
	}
}

func TestNewerCycleSupersedesOlder(t *testing.T) {
	f := newFake()
	f.script[1] = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	e := newTestEngine(t, f, nil)

	_, first, err := e.OnLedgerChanged(context.Background(), expenses(1, 2, 3, 4, 5, 6, 7, 8), nil)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	<-f.started

	_, second, err := e.OnLedgerChanged(context.Background(), expenses(10, 20, 30, 40, 50, 60, 70, 80), nil)
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	r1 := wait(t, first)
	r2 := wait(t, second)
	if !r1.Superseded || r1.Published {
		t.Fatalf("first cycle should be superseded, got %+v", r1)
	}
	if !r2.Published || r2.Forecast.Generation != 2 {
		t.Fatalf("second cycle should publish, got %+v", r2)
	}
	if got := e.Forecast(); got.Generation != 2 || got.Value != 50 {
		t.Fatalf("published = %+v", got)
	}
}

func TestFailedTrainingKeepsPreviousForecast(t *testing.T) {
	f := newFake()
	f.script[2] = func(context.Context) error { return forecast.ErrNumericInstability }
	e := newTestEngine(t, f, nil)

	_, c1, _ := e.OnLedgerChanged(context.Background(), expenses(1, 2, 3, 4, 5, 6, 7, 8), nil)
	good := wait(t, c1).Forecast

	_, c2, _ := e.OnLedgerChanged(context.Background(), expenses(1, 2, 3, 4, 5, 6, 7, 8, 9), nil)
	res := wait(t, c2)
	if !errors.Is(res.Err, ErrTrainingFailed) || !errors.Is(res.Err, forecast.ErrNumericInstability) {
		t.Fatalf("expected training failure, got %v", res.Err)
	}
	if res.Published {
		t.Fatalf("failed cycle must not publish")
	}
	if e.Forecast() != good {
		t.Fatalf("stale forecast replaced: %+v vs %+v", e.Forecast(), good)
	}
}

func TestPanickingForecasterIsContained(t *testing.T) {
	f := newFake()
	f.script[1] = func(context.Context) error { panic("boom") }
	e := newTestEngine(t, f, nil)

	_, c, _ := e.OnLedgerChanged(context.Background(), expenses(1, 2, 3, 4, 5, 6, 7, 8), nil)
	res := wait(t, c)
	if !errors.Is(res.Err, ErrTrainingFailed) {
		t.Fatalf("expected ErrTrainingFailed, got %v", res.Err)
	}
	if e.Forecast().Available {
		t.Fatalf("forecast should stay unavailable")
	}
}

func TestMemoCacheSkipsRetraining(t *testing.T) {
	f := newFake()
	e := newTestEngine(t, f, func(p *Params) {
		p.ForecastCacheSize = 8
		p.ForecastCacheTTL = time.Minute
	})
	exp := expenses(1, 2, 3, 4, 5, 6, 7, 8)

	_, c1, _ := e.OnLedgerChanged(context.Background(), exp, nil)
	r1 := wait(t, c1)
	_, c2, _ := e.OnLedgerChanged(context.Background(), exp, nil)
	r2 := wait(t, c2)

	if r1.Cached || !r2.Cached {
		t.Fatalf("cached flags = %v/%v", r1.Cached, r2.Cached)
	}
	if f.trainCalls() != 1 {
		t.Fatalf("train calls = %d, want 1", f.trainCalls())
	}
	if r2.Forecast.Value != r1.Forecast.Value || r2.Forecast.Generation != 2 {
		t.Fatalf("cached forecast = %+v", r2.Forecast)
	}
}

func TestSubscribeReceivesLatest(t *testing.T) {
	e := newTestEngine(t, newFake(), nil)
	ch, unsubscribe := e.Subscribe()
	defer unsubscribe()

	_, c, _ := e.OnLedgerChanged(context.Background(), expenses(1, 2, 3, 4, 5, 6, 7, 8), nil)
	wait(t, c)

	select {
	case fc := <-ch:
		if fc.Generation != 1 || !fc.Available {
			t.Fatalf("received %+v", fc)
		}
	case <-time.After(time.Second):
		t.Fatalf("no forecast received")
	}
}

func TestForecastHookRuns(t *testing.T) {
	got := make(chan Forecast, 1)
	params := DefaultParams()
	params.ForecastCacheSize = 0
	e, err := NewEngine(params,
		WithForecaster(newFake()),
		WithForecastHook(func(_ context.Context, fc Forecast) { got <- fc }))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer e.Close()

	_, c, _ := e.OnLedgerChanged(context.Background(), expenses(1), nil)
	wait(t, c)
	select {
	case fc := <-got:
		if fc.Available {
			t.Fatalf("expected unavailable, got %+v", fc)
		}
	default:
		t.Fatalf("hook not called")
	}
}

func TestOnLedgerChangedRejectsInvalidRecords(t *testing.T) {
	e := newTestEngine(t, newFake(), nil)
	bad := expenses(10)
	bad[0].Amount = decimal.NewFromInt(-1)
	if _, _, err := e.OnLedgerChanged(context.Background(), bad, nil); !errors.Is(err, core.ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
	if e.Forecast().Generation != 0 {
		t.Fatalf("rejected input must not start a cycle")
	}
}

func TestClosedEngine(t *testing.T) {
	f := newFake()
	e := newTestEngine(t, f, nil)
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, _, err := e.OnLedgerChanged(context.Background(), nil, nil); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
	if !f.closed {
		t.Fatalf("forecaster not closed")
	}
}

func TestProposeExpense(t *testing.T) {
	e := newTestEngine(t, newFake(), nil)
	history := expenses(40, 50, 60, 55, 45)

	flagged, err := e.ProposeExpense(decimal.NewFromInt(500), history)
	if err != nil || !flagged {
		t.Fatalf("spike: flagged=%v err=%v", flagged, err)
	}
	flagged, err = e.ProposeExpense(decimal.NewFromInt(52), history)
	if err != nil || flagged {
		t.Fatalf("typical: flagged=%v err=%v", flagged, err)
	}
	flagged, _ = e.ProposeExpense(decimal.NewFromInt(500), history[:1])
	if flagged {
		t.Fatalf("single history value must not flag")
	}
	if _, err := e.ProposeExpense(decimal.NewFromInt(-5), history); !errors.Is(err, core.ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
}

func TestFullRetrainIsIdempotent(t *testing.T) {
	mutate := func(p *Params) {
		p.HiddenUnits = 4
		p.TrainingEpochs = 5
	}
	params := DefaultParams()
	params.ForecastCacheSize = 0
	mutate(&params)
	e, err := NewEngine(params)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer e.Close()

	exp := expenses(12, 15, 9, 30, 22, 18, 25, 11, 14, 20)
	_, c1, _ := e.OnLedgerChanged(context.Background(), exp, nil)
	r1 := wait(t, c1)
	_, c2, _ := e.OnLedgerChanged(context.Background(), exp, nil)
	r2 := wait(t, c2)

	if r1.Err != nil || r2.Err != nil {
		t.Fatalf("errors: %v / %v", r1.Err, r2.Err)
	}
	if r1.Forecast.Value != r2.Forecast.Value {
		t.Fatalf("same ledger gave different forecasts: %v vs %v", r1.Forecast.Value, r2.Forecast.Value)
	}
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"lookback", func(p *Params) { p.Lookback = 0 }},
		{"threshold", func(p *Params) { p.AnomalyStdDevThreshold = -1 }},
		{"epochs", func(p *Params) { p.TrainingEpochs = 0 }},
		{"batch", func(p *Params) { p.TrainingBatchSize = 0 }},
		{"learning rate", func(p *Params) { p.LearningRate = 0 }},
		{"hidden", func(p *Params) { p.HiddenUnits = 0 }},
		{"health", func(p *Params) { p.HealthThresholds = Thresholds{1, 0.5, 0.2} }},
		{"cache ttl", func(p *Params) { p.ForecastCacheTTL = 0 }},
	}
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("default params invalid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Errorf("expected error")
			}
			if _, err := NewEngine(p, WithForecaster(newFake())); err == nil {
				t.Errorf("NewEngine should reject invalid params")
			}
		})
	}
}
