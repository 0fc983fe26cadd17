package log

// Common field names for structured logging
const (
	FieldComponent     = "component"
	FieldRequestID     = "request_id"
	FieldClientIP      = "client_ip"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldQuery         = "query"
	FieldStatusCode    = "status_code"
	FieldDuration      = "duration_ms"
	FieldDurationHuman = "duration_human"
	FieldUserAgent     = "user_agent"
	FieldSuccess       = "success"
	FieldError         = "error"
	FieldErrorType     = "error_type"
	FieldOperation     = "operation"
	FieldRecordID      = "record_id"
	FieldAmount        = "amount"
	FieldCategory      = "category"
	FieldDate          = "date"
	FieldGeneration    = "generation"
	FieldForecast      = "forecast"
	FieldAvailable     = "available"
	FieldSamples       = "samples"
	FieldLoss          = "loss"
	FieldHealth        = "health"
	FieldAnomaly       = "anomaly"
	FieldTotalIncome   = "total_income"
	FieldTotalExpenses = "total_expenses"
	FieldEventType     = "event_type"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentLedger    = "ledger"
	ComponentAMQP      = "amqp"
	ComponentAnalytics = "analytics"
	ComponentNotifier  = "notifier"
	ComponentBackend   = "backend"
)

// Operations defines standard operation names
const (
	OpCreate    = "create"
	OpDelete    = "delete"
	OpList      = "list"
	OpPropose   = "propose"
	OpRecompute = "recompute"
	OpTrain     = "train"
	OpPredict   = "predict"
	OpPublish   = "publish"
	OpConsume   = "consume"
	OpValidate  = "validate"
	OpShutdown  = "shutdown"
	OpStartup   = "startup"
)

// ErrorTypes defines standard error type categories
const (
	ErrorTypeNetwork  = "network_error"
	ErrorTypeTraining = "training_error"
	ErrorTypeInternal = "internal_error"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

// WithOperation adds operation field
func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithRecord adds ledger record fields
func (f LogFields) WithRecord(id, amount, category, date string) LogFields {
	f[FieldRecordID] = id
	f[FieldAmount] = amount
	f[FieldCategory] = category
	f[FieldDate] = date
	return f
}

// WithForecast adds forecast cycle fields
func (f LogFields) WithForecast(generation uint64, value float64, available bool) LogFields {
	f[FieldGeneration] = generation
	f[FieldForecast] = value
	f[FieldAvailable] = available
	return f
}

// WithTotals adds aggregate totals and the health band
func (f LogFields) WithTotals(income, expenses, health string) LogFields {
	f[FieldTotalIncome] = income
	f[FieldTotalExpenses] = expenses
	f[FieldHealth] = health
	return f
}

// WithHTTPRequest adds HTTP request fields
func (f LogFields) WithHTTPRequest(method, path, query, userAgent string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	f[FieldQuery] = query
	f[FieldUserAgent] = userAgent
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
