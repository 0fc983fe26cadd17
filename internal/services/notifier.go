package services

import (
	"context"
	"fmt"
	"sync"

	"fintrack/internal/amqp"
	"fintrack/internal/analytics"
	"fintrack/internal/log"
)

// Notifier consumes analytics events and turns them into log notifications.
// Health bands worse than balanced and anomalies are logged as warnings.
type Notifier struct {
	logger *log.Logger

	mu     sync.Mutex
	counts map[amqp.EventType]int
}

func NewNotifier(logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.Discard()
	}
	return &Notifier{
		logger: logger.WithComponent(log.ComponentNotifier),
		counts: make(map[amqp.EventType]int),
	}
}

// Handle implements amqp.Handler.
func (n *Notifier) Handle(ctx context.Context, ev *amqp.AnalyticsEvent) error {
	switch ev.Type {
	case amqp.EventExpenseAnomaly:
		n.logger.WarnContext(ctx, "Unusual expense recorded",
			log.FieldRecordID, ev.Anomaly.ExpenseID,
			log.FieldAmount, ev.Anomaly.Amount,
			log.FieldCategory, ev.Anomaly.Category)

	case amqp.EventHealthChanged:
		var band analytics.HealthBand
		if err := band.UnmarshalText([]byte(ev.Health.Band)); err != nil {
			return fmt.Errorf("health event %s: %w", ev.ID, err)
		}
		args := log.NewFields().
			WithTotals(ev.Health.TotalIncome, ev.Health.TotalExpenses, band.String()).
			ToSlice()
		if band >= analytics.Struggling {
			n.logger.WarnContext(ctx, band.Label(), args...)
		} else {
			n.logger.InfoContext(ctx, band.Label(), args...)
		}

	case amqp.EventForecastPublished:
		n.logger.InfoContext(ctx, "Expense forecast updated",
			log.NewFields().
				WithForecast(ev.Generation, ev.Forecast.Value, ev.Forecast.Available).
				ToSlice()...)

	default:
		return fmt.Errorf("unhandled event type %q", ev.Type)
	}

	n.mu.Lock()
	n.counts[ev.Type]++
	n.mu.Unlock()
	return nil
}

// Counts returns how many events of each type were handled.
func (n *Notifier) Counts() map[amqp.EventType]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[amqp.EventType]int, len(n.counts))
	for k, v := range n.counts {
		out[k] = v
	}
	return out
}
