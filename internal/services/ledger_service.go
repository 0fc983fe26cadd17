package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fintrack/internal/amqp"
	"fintrack/internal/analytics"
	"fintrack/internal/core"
	"fintrack/internal/ledger"
	"fintrack/internal/log"
)

// EventPublisher is the outbound side of the analytics event stream.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev *amqp.AnalyticsEvent) error
}

// AnomalyNotice records the most recent expense flagged as unusual.
type AnomalyNotice struct {
	ExpenseID  string
	Amount     decimal.Decimal
	Category   string
	Date       core.Date
	DetectedAt time.Time
}

// BudgetStatus compares a budget limit with what was spent in its category.
type BudgetStatus struct {
	Category  string
	Limit     decimal.Decimal
	Spent     decimal.Decimal
	Remaining decimal.Decimal
	Exceeded  bool
}

// Overview is everything the dashboard shows.
type Overview struct {
	Totals      core.Totals
	Remaining   decimal.Decimal
	Health      analytics.HealthBand
	ByCategory  []core.CategoryAmount
	Budgets     []BudgetStatus
	Forecast    analytics.Forecast
	LastAnomaly *AnomalyNotice
	Generation  uint64
}

// ExpenseResult is returned by AddExpense.
type ExpenseResult struct {
	Expense core.Expense
	Anomaly bool
	Summary analytics.Summary
}

// LedgerService orchestrates ledger mutations, the analytics engine and event
// publishing. Mutations are serialized so each one sees the previous result.
type LedgerService struct {
	store     ledger.Store
	engine    *analytics.Engine
	publisher EventPublisher
	logger    *log.Logger

	mu          sync.Mutex
	summary     analytics.Summary
	hasSummary  bool
	lastAnomaly *AnomalyNotice
	lastCycle   *analytics.Cycle
}

// NewLedgerService wires the service and runs an initial recompute over
// whatever the store already holds. publisher may be nil.
func NewLedgerService(ctx context.Context, store ledger.Store, engine *analytics.Engine, publisher EventPublisher, logger *log.Logger) (*LedgerService, error) {
	if store == nil || engine == nil {
		return nil, errors.New("ledger service needs a store and an engine")
	}
	if logger == nil {
		logger = log.Discard()
	}
	s := &LedgerService{
		store:     store,
		engine:    engine,
		publisher: publisher,
		logger:    logger.WithComponent(log.ComponentLedger),
	}

	s.mu.Lock()
	_, events, err := s.refreshLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("initial recompute: %w", err)
	}
	s.publish(ctx, events)
	return s, nil
}

// AddExpense runs the anomaly check against the existing expenses, stores the
// expense and recomputes the analytics.
func (s *LedgerService) AddExpense(ctx context.Context, e core.Expense) (ExpenseResult, error) {
	if e.ID == "" {
		e.ID = core.NewID()
	}
	if err := e.Validate(); err != nil {
		return ExpenseResult{}, err
	}

	s.mu.Lock()
	history, err := s.store.ListExpenses(ctx)
	if err != nil {
		s.mu.Unlock()
		return ExpenseResult{}, fmt.Errorf("list expenses: %w", err)
	}
	anomaly, err := s.engine.ProposeExpense(e.Amount, history)
	if err != nil {
		s.mu.Unlock()
		return ExpenseResult{}, err
	}
	if err := s.store.AppendExpense(ctx, e); err != nil {
		s.mu.Unlock()
		return ExpenseResult{}, fmt.Errorf("save expense: %w", err)
	}

	var events []*amqp.AnalyticsEvent
	if anomaly {
		s.lastAnomaly = &AnomalyNotice{
			ExpenseID:  e.ID,
			Amount:     e.Amount,
			Category:   e.Category,
			Date:       e.Date,
			DetectedAt: time.Now().UTC(),
		}
		events = append(events, amqp.NewExpenseAnomaly(e.ID, e.Amount.String(), e.Category))
		s.logger.WarnContext(ctx, "Unusual expense detected",
			log.FieldRecordID, e.ID,
			log.FieldAmount, e.Amount.String(),
			log.FieldCategory, e.Category,
			log.FieldAnomaly, true)
	} else {
		s.lastAnomaly = nil
	}

	summary, more, err := s.refreshLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return ExpenseResult{}, err
	}

	log.NewStructuredLogger(s.logger).LogRecordCreated(ctx, "expense", e.ID, e.Amount.String(), e.Category, e.Date.String())
	s.publish(ctx, append(events, more...))
	return ExpenseResult{Expense: e, Anomaly: anomaly, Summary: summary}, nil
}

// DeleteExpense removes an expense and recomputes the analytics.
func (s *LedgerService) DeleteExpense(ctx context.Context, id string) (analytics.Summary, error) {
	return s.mutate(ctx, func() error {
		if err := s.store.DeleteExpense(ctx, id); err != nil {
			return err
		}
		if s.lastAnomaly != nil && s.lastAnomaly.ExpenseID == id {
			s.lastAnomaly = nil
		}
		return nil
	})
}

// AddIncome stores an income and recomputes the analytics.
func (s *LedgerService) AddIncome(ctx context.Context, in core.Income) (core.Income, analytics.Summary, error) {
	if in.ID == "" {
		in.ID = core.NewID()
	}
	if err := in.Validate(); err != nil {
		return core.Income{}, analytics.Summary{}, err
	}
	summary, err := s.mutate(ctx, func() error { return s.store.AppendIncome(ctx, in) })
	if err != nil {
		return core.Income{}, analytics.Summary{}, err
	}
	log.NewStructuredLogger(s.logger).LogRecordCreated(ctx, "income", in.ID, in.Amount.String(), in.Source, in.Date.String())
	return in, summary, nil
}

// DeleteIncome removes an income and recomputes the analytics.
func (s *LedgerService) DeleteIncome(ctx context.Context, id string) (analytics.Summary, error) {
	return s.mutate(ctx, func() error { return s.store.DeleteIncome(ctx, id) })
}

func (s *LedgerService) mutate(ctx context.Context, change func() error) (analytics.Summary, error) {
	s.mu.Lock()
	if err := change(); err != nil {
		s.mu.Unlock()
		return analytics.Summary{}, err
	}
	summary, events, err := s.refreshLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return analytics.Summary{}, err
	}
	s.publish(ctx, events)
	return summary, nil
}

// refreshLocked recomputes from the full collections. It returns the events
// to publish once the lock is released.
func (s *LedgerService) refreshLocked(ctx context.Context) (analytics.Summary, []*amqp.AnalyticsEvent, error) {
	expenses, err := s.store.ListExpenses(ctx)
	if err != nil {
		return analytics.Summary{}, nil, fmt.Errorf("list expenses: %w", err)
	}
	incomes, err := s.store.ListIncomes(ctx)
	if err != nil {
		return analytics.Summary{}, nil, fmt.Errorf("list incomes: %w", err)
	}

	summary, cycle, err := s.engine.OnLedgerChanged(ctx, expenses, incomes)
	if err != nil {
		return analytics.Summary{}, nil, err
	}

	var events []*amqp.AnalyticsEvent
	if !s.hasSummary || s.summary.Health != summary.Health {
		events = append(events, amqp.NewHealthChanged(summary.Generation,
			summary.Health.String(), summary.Health.Label(),
			summary.Totals.Income.String(), summary.Totals.Expenses.String()))
	}
	s.summary = summary
	s.hasSummary = true
	s.lastCycle = cycle
	return summary, events, nil
}

func (s *LedgerService) publish(ctx context.Context, events []*amqp.AnalyticsEvent) {
	if s.publisher == nil {
		return
	}
	for _, ev := range events {
		if err := s.publisher.PublishEvent(ctx, ev); err != nil {
			// the ledger change already happened; the event is best effort
			log.NewStructuredLogger(s.logger).LogError(ctx, "Failed to publish analytics event", err,
				log.ComponentAMQP, log.OpPublish, log.LogFields{log.FieldEventType: string(ev.Type)})
		}
	}
}

// SetBudget creates or replaces the limit for a category.
func (s *LedgerService) SetBudget(ctx context.Context, b core.Budget) error {
	if err := b.Validate(); err != nil {
		return err
	}
	return s.store.SetBudget(ctx, b)
}

func (s *LedgerService) ListBudgets(ctx context.Context) ([]core.Budget, error) {
	return s.store.ListBudgets(ctx)
}

func (s *LedgerService) ListExpenses(ctx context.Context) ([]core.Expense, error) {
	return s.store.ListExpenses(ctx)
}

func (s *LedgerService) ListIncomes(ctx context.Context) ([]core.Income, error) {
	return s.store.ListIncomes(ctx)
}

// CheckAnomaly runs the anomaly test for amount without storing anything.
func (s *LedgerService) CheckAnomaly(ctx context.Context, amount decimal.Decimal) (bool, error) {
	history, err := s.store.ListExpenses(ctx)
	if err != nil {
		return false, fmt.Errorf("list expenses: %w", err)
	}
	return s.engine.ProposeExpense(amount, history)
}

// ClassifyHealth classifies arbitrary totals with the configured thresholds.
func (s *LedgerService) ClassifyHealth(income, expenses decimal.Decimal) (analytics.HealthBand, error) {
	if err := core.ValidateAmount(income); err != nil {
		return 0, &core.ValidationError{Field: "income", Err: err}
	}
	if err := core.ValidateAmount(expenses); err != nil {
		return 0, &core.ValidationError{Field: "expenses", Err: err}
	}
	return s.engine.ClassifyHealth(income, expenses), nil
}

// Summary returns the current overview. Totals and health come from the last
// recompute; the forecast is whatever is currently published.
func (s *LedgerService) Summary(ctx context.Context) (Overview, error) {
	s.mu.Lock()
	summary := s.summary
	var notice *AnomalyNotice
	if s.lastAnomaly != nil {
		n := *s.lastAnomaly
		notice = &n
	}
	expenses, err := s.store.ListExpenses(ctx)
	s.mu.Unlock()
	if err != nil {
		return Overview{}, fmt.Errorf("list expenses: %w", err)
	}
	budgets, err := s.store.ListBudgets(ctx)
	if err != nil {
		return Overview{}, fmt.Errorf("list budgets: %w", err)
	}

	byCategory := core.ByCategory(expenses)
	return Overview{
		Totals:      summary.Totals,
		Remaining:   summary.Totals.Remaining(),
		Health:      summary.Health,
		ByCategory:  byCategory,
		Budgets:     budgetStatuses(budgets, byCategory),
		Forecast:    s.engine.Forecast(),
		LastAnomaly: notice,
		Generation:  summary.Generation,
	}, nil
}

func budgetStatuses(budgets []core.Budget, spent []core.CategoryAmount) []BudgetStatus {
	byName := make(map[string]decimal.Decimal, len(spent))
	for _, c := range spent {
		byName[c.Name] = c.Amount
	}
	out := make([]BudgetStatus, 0, len(budgets))
	for _, b := range budgets {
		used, ok := byName[b.Category]
		if !ok {
			used = decimal.Zero
		}
		out = append(out, BudgetStatus{
			Category:  b.Category,
			Limit:     b.Limit,
			Spent:     used,
			Remaining: b.Limit.Sub(used),
			Exceeded:  used.GreaterThan(b.Limit),
		})
	}
	return out
}

// Forecast returns the currently published forecast.
func (s *LedgerService) Forecast() analytics.Forecast {
	return s.engine.Forecast()
}

// WaitForecast blocks until the latest cycle settles and returns the
// forecast published at that point.
func (s *LedgerService) WaitForecast(ctx context.Context) (analytics.Forecast, error) {
	s.mu.Lock()
	cycle := s.lastCycle
	s.mu.Unlock()
	if cycle != nil {
		if _, err := cycle.Wait(ctx); err != nil {
			return analytics.Forecast{}, err
		}
	}
	return s.engine.Forecast(), nil
}

// Subscribe streams published forecasts.
func (s *LedgerService) Subscribe() (<-chan analytics.Forecast, func()) {
	return s.engine.Subscribe()
}

// Ping reports whether the store is reachable when it supports it.
func (s *LedgerService) Ping(ctx context.Context) error {
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close stops the engine, then closes the store and the publisher.
func (s *LedgerService) Close() error {
	var errs []error

	if err := s.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if c, ok := s.publisher.(io.Closer); ok && c != nil {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("amqp: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close ledger service: %w", errors.Join(errs...))
	}
	return nil
}

// ForecastEventHook returns an engine hook that publishes every forecast.
func ForecastEventHook(publisher EventPublisher) func(context.Context, analytics.Forecast) {
	return func(ctx context.Context, fc analytics.Forecast) {
		if publisher == nil {
			return
		}
		ev := amqp.NewForecastPublished(fc.Generation, fc.Value, fc.Available, fc.Samples)
		if err := publisher.PublishEvent(ctx, ev); err != nil {
			slog.WarnContext(ctx, "Failed to publish forecast event",
				"generation", fc.Generation,
				"error", err)
		}
	}
}
