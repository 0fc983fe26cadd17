package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"

	"fintrack/internal/core"
	"fintrack/internal/ledger"

	_ "modernc.org/sqlite"
)

// SQLiteRepository persists the ledger. Amounts are stored as decimal text so
// nothing is lost to float rounding.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if !strings.HasPrefix(dbPath, "file:") {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// one writer at a time; also keeps a shared in-memory database alive
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// AppendExpense implements ledger.ExpenseWriter
func (r *SQLiteRepository) AppendExpense(ctx context.Context, e core.Expense) error {
	if err := e.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO expenses (id, amount, category, description, date) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Amount.String(), e.Category, e.Description, e.Date.String())
	if err != nil {
		return fmt.Errorf("create expense %s: %w", e.ID, mapInsertErr(err))
	}

	slog.InfoContext(ctx, "Expense saved to SQLite",
		"id", e.ID,
		"amount", e.Amount.String(),
		"category", e.Category,
		"date", e.Date.String())
	return nil
}

// DeleteExpense implements ledger.ExpenseWriter
func (r *SQLiteRepository) DeleteExpense(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "expenses", id)
}

// ListExpenses implements ledger.ExpenseLister
func (r *SQLiteRepository) ListExpenses(ctx context.Context) ([]core.Expense, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, amount, category, description, date FROM expenses ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	defer rows.Close()

	var out []core.Expense
	for rows.Next() {
		var (
			e            core.Expense
			amount, date string
		)
		if err := rows.Scan(&e.ID, &amount, &e.Category, &e.Description, &date); err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("expense %s amount %q: %w", e.ID, amount, err)
		}
		if e.Date, err = core.ParseDate(date); err != nil {
			return nil, fmt.Errorf("expense %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expenses: %w", err)
	}
	return out, nil
}

// AppendIncome implements ledger.IncomeWriter
func (r *SQLiteRepository) AppendIncome(ctx context.Context, in core.Income) error {
	if err := in.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO incomes (id, amount, source, date) VALUES (?, ?, ?, ?)`,
		in.ID, in.Amount.String(), in.Source, in.Date.String())
	if err != nil {
		return fmt.Errorf("create income %s: %w", in.ID, mapInsertErr(err))
	}

	slog.InfoContext(ctx, "Income saved to SQLite",
		"id", in.ID,
		"amount", in.Amount.String(),
		"source", in.Source,
		"date", in.Date.String())
	return nil
}

// DeleteIncome implements ledger.IncomeWriter
func (r *SQLiteRepository) DeleteIncome(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "incomes", id)
}

// ListIncomes implements ledger.IncomeLister
func (r *SQLiteRepository) ListIncomes(ctx context.Context) ([]core.Income, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, amount, source, date FROM incomes ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list incomes: %w", err)
	}
	defer rows.Close()

	var out []core.Income
	for rows.Next() {
		var (
			in           core.Income
			amount, date string
		)
		if err := rows.Scan(&in.ID, &amount, &in.Source, &date); err != nil {
			return nil, fmt.Errorf("scan income: %w", err)
		}
		if in.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("income %s amount %q: %w", in.ID, amount, err)
		}
		if in.Date, err = core.ParseDate(date); err != nil {
			return nil, fmt.Errorf("income %s: %w", in.ID, err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incomes: %w", err)
	}
	return out, nil
}

// SetBudget implements ledger.BudgetStore
func (r *SQLiteRepository) SetBudget(ctx context.Context, b core.Budget) error {
	if err := b.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO budgets (category, limit_amount) VALUES (?, ?)
		 ON CONFLICT(category) DO UPDATE SET limit_amount = excluded.limit_amount, updated_at = CURRENT_TIMESTAMP`,
		b.Category, b.Limit.String())
	if err != nil {
		return fmt.Errorf("set budget %s: %w", b.Category, err)
	}
	return nil
}

// ListBudgets implements ledger.BudgetStore
func (r *SQLiteRepository) ListBudgets(ctx context.Context) ([]core.Budget, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT category, limit_amount FROM budgets ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	defer rows.Close()

	var out []core.Budget
	for rows.Next() {
		var (
			b     core.Budget
			limit string
		)
		if err := rows.Scan(&b.Category, &limit); err != nil {
			return nil, fmt.Errorf("scan budget: %w", err)
		}
		if b.Limit, err = decimal.NewFromString(limit); err != nil {
			return nil, fmt.Errorf("budget %s limit %q: %w", b.Category, limit, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// deleteByID removes one row; table is always a package constant.
func (r *SQLiteRepository) deleteByID(ctx context.Context, table, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", strings.TrimSuffix(table, "s"), id, ledger.ErrNotFound)
	}

	slog.InfoContext(ctx, "Record deleted from SQLite", "table", table, "id", id)
	return nil
}

func mapInsertErr(err error) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return errors.Join(ledger.ErrDuplicate, err)
	}
	return err
}
