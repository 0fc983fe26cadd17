package http

import (
	"errors"
	"net/http"
	"strconv"

	"fintrack/internal/core"
	"fintrack/internal/log"
)

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	overview, err := s.ledger.Summary(r.Context())
	if err != nil {
		writeServiceError(w, r, log.OpList, err)
		return
	}
	writeJSON(w, http.StatusOK, toOverviewResponse(overview))
}

// handleForecast returns the published forecast. With ?wait=true it first
// waits for the in-flight retrain to settle.
func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		writeJSON(w, http.StatusOK, s.ledger.Forecast())
		return
	}

	fc, err := s.ledger.WaitForecast(r.Context())
	if err != nil {
		writeServiceError(w, r, log.OpPredict, err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

func (s *Server) handleClassifyHealth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	income, err := core.ParseAmount(q.Get("income"))
	if err != nil {
		writeServiceError(w, r, log.OpValidate, &core.ValidationError{Field: "income", Err: errors.Unwrap(err)})
		return
	}
	expenses, err := core.ParseAmount(q.Get("expenses"))
	if err != nil {
		writeServiceError(w, r, log.OpValidate, &core.ValidationError{Field: "expenses", Err: errors.Unwrap(err)})
		return
	}

	band, err := s.ledger.ClassifyHealth(income, expenses)
	if err != nil {
		writeServiceError(w, r, log.OpValidate, err)
		return
	}
	writeJSON(w, http.StatusOK, classifyResponse{Health: band, HealthLabel: band.Label()})
}

func (s *Server) handleCheckAnomaly(w http.ResponseWriter, r *http.Request) {
	var req anomalyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := core.ParseAmount(string(req.Amount))
	if err != nil {
		writeServiceError(w, r, log.OpPropose, err)
		return
	}

	anomaly, err := s.ledger.CheckAnomaly(r.Context(), amount)
	if err != nil {
		writeServiceError(w, r, log.OpPropose, err)
		return
	}
	writeJSON(w, http.StatusOK, anomalyResponse{Amount: amount, Anomaly: anomaly})
}
