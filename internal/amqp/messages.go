package amqp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names what happened in the analytics engine.
type EventType string

const (
	EventForecastPublished EventType = "forecast.published"
	EventHealthChanged     EventType = "health.changed"
	EventExpenseAnomaly    EventType = "expense.anomaly"
)

var ErrInvalidEvent = errors.New("invalid analytics event")

type ForecastPayload struct {
	Value     float64 `json:"value"`
	Available bool    `json:"available"`
	Samples   int     `json:"samples"`
}

type HealthPayload struct {
	Band          string `json:"band"`
	Label         string `json:"label"`
	TotalIncome   string `json:"total_income"`
	TotalExpenses string `json:"total_expenses"`
}

type AnomalyPayload struct {
	ExpenseID string `json:"expense_id"`
	Amount    string `json:"amount"`
	Category  string `json:"category"`
}

// AnalyticsEvent is the message published on the analytics exchange. Exactly
// one payload is set, matching Type.
type AnalyticsEvent struct {
	ID         string           `json:"id"`
	Type       EventType        `json:"type"`
	Generation uint64           `json:"generation,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	Forecast   *ForecastPayload `json:"forecast,omitempty"`
	Health     *HealthPayload   `json:"health,omitempty"`
	Anomaly    *AnomalyPayload  `json:"anomaly,omitempty"`
}

func newEvent(t EventType, generation uint64) *AnalyticsEvent {
	return &AnalyticsEvent{
		ID:         uuid.NewString(),
		Type:       t,
		Generation: generation,
		Timestamp:  time.Now().UTC(),
	}
}

// NewForecastPublished creates a forecast.published event
func NewForecastPublished(generation uint64, value float64, available bool, samples int) *AnalyticsEvent {
	ev := newEvent(EventForecastPublished, generation)
	ev.Forecast = &ForecastPayload{Value: value, Available: available, Samples: samples}
	return ev
}

// NewHealthChanged creates a health.changed event
func NewHealthChanged(generation uint64, band, label, totalIncome, totalExpenses string) *AnalyticsEvent {
	ev := newEvent(EventHealthChanged, generation)
	ev.Health = &HealthPayload{Band: band, Label: label, TotalIncome: totalIncome, TotalExpenses: totalExpenses}
	return ev
}

// NewExpenseAnomaly creates an expense.anomaly event
func NewExpenseAnomaly(expenseID, amount, category string) *AnalyticsEvent {
	ev := newEvent(EventExpenseAnomaly, 0)
	ev.Anomaly = &AnomalyPayload{ExpenseID: expenseID, Amount: amount, Category: category}
	return ev
}

// Validate checks that the payload matches the event type.
func (e *AnalyticsEvent) Validate() error {
	var ok bool
	switch e.Type {
	case EventForecastPublished:
		ok = e.Forecast != nil
	case EventHealthChanged:
		ok = e.Health != nil
	case EventExpenseAnomaly:
		ok = e.Anomaly != nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if !ok {
		return fmt.Errorf("%w: %s without payload", ErrInvalidEvent, e.Type)
	}
	return nil
}

// ToJSON converts the event to JSON bytes
func (e *AnalyticsEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventFromJSON decodes and validates an event
func EventFromJSON(data []byte) (*AnalyticsEvent, error) {
	var ev AnalyticsEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}
