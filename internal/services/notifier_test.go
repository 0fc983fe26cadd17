package services

import (
	"context"
	"testing"

	"fintrack/internal/amqp"
)

func TestNotifierHandle(t *testing.T) {
	n := NewNotifier(nil)
	ctx := context.Background()

	events := []*amqp.AnalyticsEvent{
		amqp.NewExpenseAnomaly("e1", "500", "Travel"),
		amqp.NewHealthChanged(1, "critical", "Financial Crisis", "0", "10"),
		amqp.NewHealthChanged(2, "healthy", "Financially Healthy", "100", "10"),
		amqp.NewForecastPublished(2, 12.5, true, 3),
	}
	for _, ev := range events {
		if err := n.Handle(ctx, ev); err != nil {
			t.Fatalf("handle %s: %v", ev.Type, err)
		}
	}

	counts := n.Counts()
	if counts[amqp.EventHealthChanged] != 2 || counts[amqp.EventExpenseAnomaly] != 1 || counts[amqp.EventForecastPublished] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestNotifierRejectsUnknownBand(t *testing.T) {
	n := NewNotifier(nil)
	ev := amqp.NewHealthChanged(1, "wealthy", "", "0", "0")
	if err := n.Handle(context.Background(), ev); err == nil {
		t.Fatalf("expected error for unknown band")
	}
	if len(n.Counts()) != 0 {
		t.Fatalf("failed events must not be counted")
	}
}
