// Package http exposes the ledger and its analytics as a JSON API, plus a
// websocket stream of published forecasts.
package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"fintrack/internal/analytics"
	"fintrack/internal/core"
	"fintrack/internal/log"
	"fintrack/internal/middleware/ratelimit"
	"fintrack/internal/middleware/security"
	"fintrack/internal/middleware/trace"
	"fintrack/internal/services"
)

// Ledger is what the handlers need from the ledger service.
type Ledger interface {
	AddExpense(ctx context.Context, e core.Expense) (services.ExpenseResult, error)
	DeleteExpense(ctx context.Context, id string) (analytics.Summary, error)
	ListExpenses(ctx context.Context) ([]core.Expense, error)
	AddIncome(ctx context.Context, in core.Income) (core.Income, analytics.Summary, error)
	DeleteIncome(ctx context.Context, id string) (analytics.Summary, error)
	ListIncomes(ctx context.Context) ([]core.Income, error)
	SetBudget(ctx context.Context, b core.Budget) error
	ListBudgets(ctx context.Context) ([]core.Budget, error)
	CheckAnomaly(ctx context.Context, amount decimal.Decimal) (bool, error)
	ClassifyHealth(income, expenses decimal.Decimal) (analytics.HealthBand, error)
	Summary(ctx context.Context) (services.Overview, error)
	Forecast() analytics.Forecast
	WaitForecast(ctx context.Context) (analytics.Forecast, error)
	Subscribe() (<-chan analytics.Forecast, func())
	Ping(ctx context.Context) error
}

// Config holds the HTTP server settings.
type Config struct {
	Addr           string
	RateLimitRPM   int
	TrustedProxies []string
	Logger         *log.Logger
}

type Server struct {
	http.Server
	ledger   Ledger
	logger   *log.Logger
	now      func() time.Time
	upgrader websocket.Upgrader

	limiter  *ratelimit.Limiter
	detector *security.Detector
	tracer   *trace.Middleware

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(cfg Config, ledger Ledger) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}

	rlConfig := ratelimit.DefaultConfig()
	if cfg.RateLimitRPM > 0 {
		rlConfig.RequestsPerMinute = cfg.RateLimitRPM
	}

	detector := security.NewDetector()
	for _, cidr := range cfg.TrustedProxies {
		if err := detector.AddTrustedProxy(cidr); err != nil {
			logger.Warn("Ignoring trusted proxy", log.FieldError, err, "cidr", cidr)
		}
	}
	s := &Server{
		ledger:   ledger,
		logger:   logger.WithComponent(log.ComponentHTTP),
		now:      time.Now,
		limiter:  ratelimit.NewLimiter(rlConfig),
		detector: detector,
		tracer:   trace.NewMiddleware(detector.ExtractClientIP),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/ws/analytics", s.handleAnalyticsStream).Methods(http.MethodGet)

	r.Use(s.limiter.Middleware(detector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
	}))

	r.HandleFunc("/expenses", s.handleCreateExpense).Methods(http.MethodPost)
	r.HandleFunc("/expenses", s.handleListExpenses).Methods(http.MethodGet)
	r.HandleFunc("/expenses/{id}", s.handleDeleteExpense).Methods(http.MethodDelete)

	r.HandleFunc("/incomes", s.handleCreateIncome).Methods(http.MethodPost)
	r.HandleFunc("/incomes", s.handleListIncomes).Methods(http.MethodGet)
	r.HandleFunc("/incomes/{id}", s.handleDeleteIncome).Methods(http.MethodDelete)

	r.HandleFunc("/budgets", s.handleListBudgets).Methods(http.MethodGet)
	r.HandleFunc("/budgets/{category}", s.handleSetBudget).Methods(http.MethodPut)

	r.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/forecast", s.handleForecast).Methods(http.MethodGet)
	r.HandleFunc("/health/classify", s.handleClassifyHealth).Methods(http.MethodGet)
	r.HandleFunc("/anomaly/check", s.handleCheckAnomaly).Methods(http.MethodPost)

	// outermost first: logger in context, then tracing, then the guards
	var handler http.Handler = r
	handler = detector.Middleware(handler)
	handler = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(handler)
	handler = log.ComponentMiddleware(log.ComponentHTTP)(handler)
	handler = s.tracer.Middleware(handler)
	handler = log.Middleware(logger)(handler)

	s.Server = http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Shutdown gracefully shuts down the server and its cleanup routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.ledger.Ping(ctx); err != nil {
		log.FromContext(r.Context()).WarnContext(r.Context(), "Readiness check failed",
			log.FieldError, err.Error())
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	tm := s.tracer.GetMetrics()
	rl := s.limiter.GetMetrics()
	sec := s.detector.GetMetrics()
	fc := s.ledger.Forecast()
	writeJSON(w, http.StatusOK, metricsResponse{
		Requests:           tm.TotalRequests,
		ClientErrors:       tm.ClientErrors,
		ServerErrors:       tm.ServerErrors,
		AvgResponseMs:      float64(tm.AverageResponseTime().Microseconds()) / 1000,
		RateLimited:        rl.Rejected,
		RateLimitClients:   rl.ClientCount,
		SuspiciousRequests: sec.SuspiciousRequests,
		ForecastGeneration: fc.Generation,
		ForecastAvailable:  fc.Available,
	})
}
