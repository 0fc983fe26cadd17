// Package ledger defines the storage ports for ledger records. Backends
// (memory, sqlite) implement them; the services layer depends only on these.
package ledger

import (
	"context"
	"errors"

	"fintrack/internal/core"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record id already exists")
)

// Ports for outbound adapters.
type (
	ExpenseWriter interface {
		AppendExpense(ctx context.Context, e core.Expense) error
		// DeleteExpense returns ErrNotFound for unknown ids.
		DeleteExpense(ctx context.Context, id string) error
	}

	// ExpenseLister returns every expense in insertion order.
	ExpenseLister interface {
		ListExpenses(ctx context.Context) ([]core.Expense, error)
	}

	IncomeWriter interface {
		AppendIncome(ctx context.Context, i core.Income) error
		DeleteIncome(ctx context.Context, id string) error
	}

	IncomeLister interface {
		ListIncomes(ctx context.Context) ([]core.Income, error)
	}

	// BudgetStore keeps one limit per category. Budgets are listed by
	// category name.
	BudgetStore interface {
		SetBudget(ctx context.Context, b core.Budget) error
		ListBudgets(ctx context.Context) ([]core.Budget, error)
	}

	Store interface {
		ExpenseWriter
		ExpenseLister
		IncomeWriter
		IncomeLister
		BudgetStore
		Close() error
	}
)
