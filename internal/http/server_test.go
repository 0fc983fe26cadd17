package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"fintrack/internal/analytics"
	"fintrack/internal/core"
	"fintrack/internal/forecast"
	"fintrack/internal/ledger/memory"
	"fintrack/internal/log"
	"fintrack/internal/services"
)

// meanForecaster predicts the mean of the input window.
type meanForecaster struct{}

func (meanForecaster) Train(_ context.Context, s []forecast.Sample) (forecast.TrainStats, error) {
	return forecast.TrainStats{Samples: len(s)}, nil
}

func (meanForecaster) Predict(w []float64) (float64, error) {
	var sum float64
	for _, v := range w {
		sum += v
	}
	return sum / float64(len(w)), nil
}

func (meanForecaster) Close() error { return nil }

// unreadyLedger fails readiness checks.
type unreadyLedger struct{ *services.LedgerService }

func (unreadyLedger) Ping(context.Context) error { return errors.New("database is locked") }

func newTestService(t *testing.T) *services.LedgerService {
	t.Helper()
	engine, err := analytics.NewEngine(analytics.DefaultParams(),
		analytics.WithForecaster(meanForecaster{}),
		analytics.WithLogger(log.Discard()))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	svc, err := services.NewLedgerService(context.Background(), memory.New(), engine, nil, log.Discard())
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func newTestServer(t *testing.T, cfg Config, ledger Ledger) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = log.Discard()
	}
	srv := NewServer(cfg, ledger)
	srv.now = func() time.Time { return time.Date(2024, 3, 15, 18, 30, 0, 0, time.UTC) }
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv
}

func do(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealthAndReadiness(t *testing.T) {
	svc := newTestService(t)
	srv := newTestServer(t, Config{}, svc)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rr := do(t, srv, http.MethodGet, path, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, rr.Code)
		}
	}

	unready := newTestServer(t, Config{}, unreadyLedger{svc})
	if rr := do(t, unready, http.MethodGet, "/readyz", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with failing store: status=%d", rr.Code)
	}
}

func TestResponseHeaders(t *testing.T) {
	srv := newTestServer(t, Config{}, newTestService(t))
	rr := do(t, srv, http.MethodGet, "/summary", "")

	if got := rr.Header().Get("Content-Type"); got != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("missing security headers")
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Errorf("missing request id")
	}
}

func TestCreateExpense(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantAmount string
		wantDate   string
	}{
		{"string amount", `{"amount":"12,50","category":"Food","date":"2024-03-01"}`, http.StatusCreated, "12.5", "2024-03-01"},
		{"numeric amount", `{"amount":40,"category":"Rent","description":"march"}`, http.StatusCreated, "40", "2024-03-15"},
		{"zero amount", `{"amount":"0","category":"Misc","date":"2024-03-02"}`, http.StatusCreated, "0", "2024-03-02"},
		{"negative amount", `{"amount":"-3","category":"Food"}`, http.StatusBadRequest, "", ""},
		{"not a number", `{"amount":"abc","category":"Food"}`, http.StatusBadRequest, "", ""},
		{"missing category", `{"amount":"3"}`, http.StatusBadRequest, "", ""},
		{"bad date", `{"amount":"3","category":"Food","date":"15/03/2024"}`, http.StatusBadRequest, "", ""},
		{"unknown field", `{"amount":"3","category":"Food","subcategory":"x"}`, http.StatusBadRequest, "", ""},
		{"empty body", ``, http.StatusBadRequest, "", ""},
		{"boolean amount", `{"amount":true,"category":"Food"}`, http.StatusBadRequest, "", ""},
	}

	srv := newTestServer(t, Config{}, newTestService(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/expenses", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			srv.Handler.ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
			}
			if tt.wantStatus != http.StatusCreated {
				if resp := decode[errorResponse](t, rr); resp.Error == "" {
					t.Fatalf("error body missing message")
				}
				return
			}
			resp := decode[createExpenseResponse](t, rr)
			if resp.Expense.ID == "" {
				t.Fatalf("expense id not assigned")
			}
			if resp.Expense.Amount.String() != tt.wantAmount {
				t.Errorf("amount = %s, want %s", resp.Expense.Amount, tt.wantAmount)
			}
			if resp.Expense.Date != tt.wantDate {
				t.Errorf("date = %s, want %s", resp.Expense.Date, tt.wantDate)
			}
		})
	}

	rr := do(t, srv, http.MethodGet, "/expenses", "")
	if got := decode[[]expenseResponse](t, rr); len(got) != 3 {
		t.Fatalf("listed %d expenses, want 3", len(got))
	}
}

func TestDeleteExpense(t *testing.T) {
	srv := newTestServer(t, Config{}, newTestService(t))

	rr := do(t, srv, http.MethodPost, "/expenses", `{"amount":"30","category":"Food","date":"2024-03-01"}`)
	created := decode[createExpenseResponse](t, rr)
	if created.Summary.TotalExpenses.String() != "30" {
		t.Fatalf("total expenses = %s", created.Summary.TotalExpenses)
	}

	rr = do(t, srv, http.MethodDelete, "/expenses/"+created.Expense.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status=%d", rr.Code)
	}
	if got := decode[deleteResponse](t, rr); !got.Summary.TotalExpenses.IsZero() {
		t.Fatalf("total after delete = %s", got.Summary.TotalExpenses)
	}

	if rr := do(t, srv, http.MethodDelete, "/expenses/"+created.Expense.ID, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("second delete status=%d", rr.Code)
	}
}

func TestIncomeLifecycleAndSummary(t *testing.T) {
	srv := newTestServer(t, Config{}, newTestService(t))

	rr := do(t, srv, http.MethodPost, "/incomes", `{"amount":"1000","source":"Salary","date":"2024-03-01"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("income status=%d body=%s", rr.Code, rr.Body.String())
	}
	income := decode[createIncomeResponse](t, rr)
	if income.Summary.Health != analytics.Healthy {
		t.Fatalf("health = %v", income.Summary.Health)
	}

	do(t, srv, http.MethodPost, "/expenses", `{"amount":"700","category":"Rent","date":"2024-03-02"}`)
	do(t, srv, http.MethodPut, "/budgets/Rent", `{"limit":"600"}`)

	rr = do(t, srv, http.MethodGet, "/summary", "")
	overview := decode[overviewResponse](t, rr)
	if overview.Summary.Remaining.String() != "300" {
		t.Errorf("remaining = %s", overview.Summary.Remaining)
	}
	if overview.Summary.Health != analytics.Balanced || overview.Summary.HealthLabel != "Breaking Even" {
		t.Errorf("health = %v %q", overview.Summary.Health, overview.Summary.HealthLabel)
	}
	if len(overview.Budgets) != 1 || !overview.Budgets[0].Exceeded {
		t.Errorf("budgets = %+v", overview.Budgets)
	}
	if len(overview.ByCategory) != 1 || overview.ByCategory[0].Category != "Rent" {
		t.Errorf("by category = %+v", overview.ByCategory)
	}

	if rr := do(t, srv, http.MethodDelete, "/incomes/"+income.Income.ID, ""); rr.Code != http.StatusOK {
		t.Fatalf("delete income status=%d", rr.Code)
	}
	rr = do(t, srv, http.MethodGet, "/incomes", "")
	if got := decode[[]incomeResponse](t, rr); len(got) != 0 {
		t.Fatalf("incomes after delete = %d", len(got))
	}
	rr = do(t, srv, http.MethodGet, "/summary", "")
	if got := decode[overviewResponse](t, rr); got.Summary.Health != analytics.Critical {
		t.Fatalf("zero income should be critical, got %v", got.Summary.Health)
	}
}

func TestBudgets(t *testing.T) {
	srv := newTestServer(t, Config{}, newTestService(t))

	if rr := do(t, srv, http.MethodPut, "/budgets/Food", `{"limit":"250,00"}`); rr.Code != http.StatusOK {
		t.Fatalf("set budget status=%d", rr.Code)
	}
	if rr := do(t, srv, http.MethodPut, "/budgets/Fun", `{"limit":"-5"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("negative limit status=%d", rr.Code)
	}
	do(t, srv, http.MethodPut, "/budgets/Food", `{"limit":"300"}`)

	rr := do(t, srv, http.MethodGet, "/budgets", "")
	budgets := decode[[]budgetResponse](t, rr)
	if len(budgets) != 1 || budgets[0].Limit.String() != "300" {
		t.Fatalf("budgets = %+v", budgets)
	}
}

func TestClassifyHealth(t *testing.T) {
	tests := []struct {
		query      string
		wantStatus int
		want       analytics.HealthBand
	}{
		{"income=1000&expenses=600", http.StatusOK, analytics.Healthy},
		{"income=1000&expenses=700", http.StatusOK, analytics.Balanced},
		{"income=1000&expenses=1000", http.StatusOK, analytics.Struggling},
		{"income=1000&expenses=1000.01", http.StatusOK, analytics.Critical},
		{"income=0&expenses=0", http.StatusOK, analytics.Critical},
		{"income=abc&expenses=1", http.StatusBadRequest, 0},
		{"income=10", http.StatusBadRequest, 0},
		{"income=-1&expenses=1", http.StatusBadRequest, 0},
	}

	srv := newTestServer(t, Config{}, newTestService(t))
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rr := do(t, srv, http.MethodGet, "/health/classify?"+tt.query, "")
			if rr.Code != tt.wantStatus {
				t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			if got := decode[classifyResponse](t, rr); got.Health != tt.want {
				t.Errorf("health = %v, want %v", got.Health, tt.want)
			}
		})
	}
}

func TestCheckAnomaly(t *testing.T) {
	srv := newTestServer(t, Config{}, newTestService(t))
	for i, amount := range []string{"40", "60", "50", "45", "55"} {
		body := `{"amount":"` + amount + `","category":"Food","date":"2024-03-0` + string(rune('1'+i)) + `"}`
		if rr := do(t, srv, http.MethodPost, "/expenses", body); rr.Code != http.StatusCreated {
			t.Fatalf("seed status=%d", rr.Code)
		}
	}

	tests := []struct {
		body string
		want bool
	}{
		{`{"amount":"52"}`, false},
		{`{"amount":500}`, true},
	}
	for _, tt := range tests {
		rr := do(t, srv, http.MethodPost, "/anomaly/check", tt.body)
		if rr.Code != http.StatusOK {
			t.Fatalf("status=%d", rr.Code)
		}
		if got := decode[anomalyResponse](t, rr); got.Anomaly != tt.want {
			t.Errorf("%s: anomaly = %v, want %v", tt.body, got.Anomaly, tt.want)
		}
	}

	if rr := do(t, srv, http.MethodGet, "/anomaly/check", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /anomaly/check status=%d", rr.Code)
	}
	if rr := do(t, srv, http.MethodGet, "/nope", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown route status=%d", rr.Code)
	}
}

func TestForecastWait(t *testing.T) {
	svc := newTestService(t)
	srv := newTestServer(t, Config{}, svc)

	rr := do(t, srv, http.MethodGet, "/forecast", "")
	if got := decode[analytics.Forecast](t, rr); got.Available {
		t.Fatalf("forecast should be unavailable on an empty ledger")
	}

	for day := 1; day <= 8; day++ {
		e := core.Expense{Amount: decimal.NewFromInt(int64(day * 10)), Category: "Food", Date: core.NewDate(2024, 3, day)}
		if _, err := svc.AddExpense(context.Background(), e); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	rr = do(t, srv, http.MethodGet, "/forecast?wait=true", "")
	got := decode[analytics.Forecast](t, rr)
	if !got.Available || got.Value != 50 || got.Samples != 1 {
		t.Fatalf("forecast = %+v", got)
	}
}

func TestRateLimitAppliesToMutations(t *testing.T) {
	srv := newTestServer(t, Config{RateLimitRPM: 2}, newTestService(t))

	body := `{"amount":"1","category":"Food","date":"2024-03-01"}`
	for i := 0; i < 2; i++ {
		if rr := do(t, srv, http.MethodPost, "/expenses", body); rr.Code != http.StatusCreated {
			t.Fatalf("request %d status=%d", i, rr.Code)
		}
	}
	if rr := do(t, srv, http.MethodPost, "/expenses", body); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status=%d", rr.Code)
	}
	if rr := do(t, srv, http.MethodGet, "/expenses", ""); rr.Code != http.StatusOK {
		t.Fatalf("reads must not be limited, status=%d", rr.Code)
	}
}

func TestAnalyticsStream(t *testing.T) {
	svc := newTestService(t)
	srv := newTestServer(t, Config{}, svc)
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/analytics"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first streamMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial frame: %v", err)
	}
	if first.Type != "forecast" || first.Forecast.Available {
		t.Fatalf("initial frame = %+v", first)
	}

	for day := 1; day <= 8; day++ {
		e := core.Expense{Amount: decimal.NewFromInt(int64(day * 10)), Category: "Food", Date: core.NewDate(2024, 3, day)}
		if _, err := svc.AddExpense(context.Background(), e); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	for {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Forecast.Available {
			if msg.Forecast.Value != 50 {
				t.Fatalf("streamed forecast = %+v", msg.Forecast)
			}
			return
		}
	}
}
