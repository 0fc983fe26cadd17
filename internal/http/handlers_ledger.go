package http

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"fintrack/internal/core"
	"fintrack/internal/log"
)

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	var req expenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	expense, err := req.toExpense(s.now())
	if err != nil {
		writeServiceError(w, r, log.OpCreate, err)
		return
	}

	result, err := s.ledger.AddExpense(r.Context(), expense)
	if err != nil {
		writeServiceError(w, r, log.OpCreate, err)
		return
	}
	writeJSON(w, http.StatusCreated, createExpenseResponse{
		Expense: toExpenseResponse(result.Expense),
		Anomaly: result.Anomaly,
		Summary: toSummaryResponse(result.Summary),
	})
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	expenses, err := s.ledger.ListExpenses(r.Context())
	if err != nil {
		writeServiceError(w, r, log.OpList, err)
		return
	}
	out := make([]expenseResponse, 0, len(expenses))
	for _, e := range expenses {
		out = append(out, toExpenseResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ledger.DeleteExpense(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, r, log.OpDelete, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Summary: toSummaryResponse(summary)})
}

func (s *Server) handleCreateIncome(w http.ResponseWriter, r *http.Request) {
	var req incomeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	income, err := req.toIncome(s.now())
	if err != nil {
		writeServiceError(w, r, log.OpCreate, err)
		return
	}

	stored, summary, err := s.ledger.AddIncome(r.Context(), income)
	if err != nil {
		writeServiceError(w, r, log.OpCreate, err)
		return
	}
	writeJSON(w, http.StatusCreated, createIncomeResponse{
		Income:  toIncomeResponse(stored),
		Summary: toSummaryResponse(summary),
	})
}

func (s *Server) handleListIncomes(w http.ResponseWriter, r *http.Request) {
	incomes, err := s.ledger.ListIncomes(r.Context())
	if err != nil {
		writeServiceError(w, r, log.OpList, err)
		return
	}
	out := make([]incomeResponse, 0, len(incomes))
	for _, i := range incomes {
		out = append(out, toIncomeResponse(i))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteIncome(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ledger.DeleteIncome(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, r, log.OpDelete, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Summary: toSummaryResponse(summary)})
}

func (s *Server) handleListBudgets(w http.ResponseWriter, r *http.Request) {
	budgets, err := s.ledger.ListBudgets(r.Context())
	if err != nil {
		writeServiceError(w, r, log.OpList, err)
		return
	}
	out := make([]budgetResponse, 0, len(budgets))
	for _, b := range budgets {
		out = append(out, budgetResponse{Category: b.Category, Limit: b.Limit})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetBudget(w http.ResponseWriter, r *http.Request) {
	var req budgetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := core.ParseAmount(string(req.Limit))
	if err != nil {
		writeServiceError(w, r, log.OpCreate, err)
		return
	}

	budget := core.Budget{Category: sanitizeInput(strings.TrimSpace(mux.Vars(r)["category"])), Limit: limit}
	if err := s.ledger.SetBudget(r.Context(), budget); err != nil {
		writeServiceError(w, r, log.OpCreate, err)
		return
	}
	writeJSON(w, http.StatusOK, budgetResponse{Category: budget.Category, Limit: budget.Limit})
}
