package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"fintrack/internal/analytics"
	"fintrack/internal/core"
	"fintrack/internal/ledger"
	"fintrack/internal/log"
	"fintrack/internal/services"
)

type errorResponse struct {
	Error string `json:"error"`
}

type expenseResponse struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
	Description string          `json:"description,omitempty"`
	Date        string          `json:"date"`
}

type incomeResponse struct {
	ID     string          `json:"id"`
	Amount decimal.Decimal `json:"amount"`
	Source string          `json:"source"`
	Date   string          `json:"date"`
}

type budgetResponse struct {
	Category string          `json:"category"`
	Limit    decimal.Decimal `json:"limit"`
}

type summaryResponse struct {
	TotalIncome   decimal.Decimal      `json:"total_income"`
	TotalExpenses decimal.Decimal      `json:"total_expenses"`
	Remaining     decimal.Decimal      `json:"remaining"`
	Health        analytics.HealthBand `json:"health"`
	HealthLabel   string               `json:"health_label"`
	Generation    uint64               `json:"generation"`
}

type createExpenseResponse struct {
	Expense expenseResponse `json:"expense"`
	Anomaly bool            `json:"anomaly"`
	Summary summaryResponse `json:"summary"`
}

type createIncomeResponse struct {
	Income  incomeResponse  `json:"income"`
	Summary summaryResponse `json:"summary"`
}

type deleteResponse struct {
	Summary summaryResponse `json:"summary"`
}

type categoryResponse struct {
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
}

type budgetStatusResponse struct {
	Category  string          `json:"category"`
	Limit     decimal.Decimal `json:"limit"`
	Spent     decimal.Decimal `json:"spent"`
	Remaining decimal.Decimal `json:"remaining"`
	Exceeded  bool            `json:"exceeded"`
}

type anomalyNoticeResponse struct {
	ExpenseID  string          `json:"expense_id"`
	Amount     decimal.Decimal `json:"amount"`
	Category   string          `json:"category"`
	Date       string          `json:"date"`
	DetectedAt string          `json:"detected_at"`
}

type overviewResponse struct {
	Summary     summaryResponse        `json:"summary"`
	ByCategory  []categoryResponse     `json:"by_category"`
	Budgets     []budgetStatusResponse `json:"budgets"`
	Forecast    analytics.Forecast     `json:"forecast"`
	LastAnomaly *anomalyNoticeResponse `json:"last_anomaly,omitempty"`
}

type classifyResponse struct {
	Health      analytics.HealthBand `json:"health"`
	HealthLabel string               `json:"health_label"`
}

type anomalyResponse struct {
	Amount  decimal.Decimal `json:"amount"`
	Anomaly bool            `json:"anomaly"`
}

type metricsResponse struct {
	Requests           int64   `json:"requests_total"`
	ClientErrors       int64   `json:"client_errors_total"`
	ServerErrors       int64   `json:"server_errors_total"`
	AvgResponseMs      float64 `json:"avg_response_ms"`
	RateLimited        int64   `json:"rate_limited_total"`
	RateLimitClients   int64   `json:"rate_limit_clients"`
	SuspiciousRequests int64   `json:"suspicious_requests_total"`
	ForecastGeneration uint64  `json:"forecast_generation"`
	ForecastAvailable  bool    `json:"forecast_available"`
}

// streamMessage is one websocket frame on /ws/analytics.
type streamMessage struct {
	Type     string             `json:"type"`
	Forecast analytics.Forecast `json:"forecast"`
}

func toExpenseResponse(e core.Expense) expenseResponse {
	return expenseResponse{ID: e.ID, Amount: e.Amount, Category: e.Category, Description: e.Description, Date: e.Date.String()}
}

func toIncomeResponse(i core.Income) incomeResponse {
	return incomeResponse{ID: i.ID, Amount: i.Amount, Source: i.Source, Date: i.Date.String()}
}

func toSummaryResponse(s analytics.Summary) summaryResponse {
	return summaryResponse{
		TotalIncome:   s.Totals.Income,
		TotalExpenses: s.Totals.Expenses,
		Remaining:     s.Totals.Remaining(),
		Health:        s.Health,
		HealthLabel:   s.Health.Label(),
		Generation:    s.Generation,
	}
}

func toOverviewResponse(o services.Overview) overviewResponse {
	out := overviewResponse{
		Summary: toSummaryResponse(analytics.Summary{Totals: o.Totals, Health: o.Health, Generation: o.Generation}),
		// empty slices, not null, for clients iterating the arrays
		ByCategory: make([]categoryResponse, 0, len(o.ByCategory)),
		Budgets:    make([]budgetStatusResponse, 0, len(o.Budgets)),
		Forecast:   o.Forecast,
	}
	for _, c := range o.ByCategory {
		out.ByCategory = append(out.ByCategory, categoryResponse{Category: c.Name, Amount: c.Amount})
	}
	for _, b := range o.Budgets {
		out.Budgets = append(out.Budgets, budgetStatusResponse{
			Category: b.Category, Limit: b.Limit, Spent: b.Spent, Remaining: b.Remaining, Exceeded: b.Exceeded,
		})
	}
	if n := o.LastAnomaly; n != nil {
		out.LastAnomaly = &anomalyNoticeResponse{
			ExpenseID:  n.ExpenseID,
			Amount:     n.Amount,
			Category:   n.Category,
			Date:       n.Date.String(),
			DetectedAt: n.DetectedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError maps domain errors onto status codes. Anything
// unexpected is logged and reported as a bare 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case core.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, ledger.ErrDuplicate):
		writeError(w, http.StatusConflict, "record already exists")
	case errors.Is(err, analytics.ErrEngineClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		ctx := r.Context()
		log.NewStructuredLogger(log.FromContext(ctx)).LogError(ctx, "Request failed", err,
			log.ComponentHTTP, op, log.NewFields().WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, r.UserAgent()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
