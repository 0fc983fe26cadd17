package memory

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"fintrack/internal/core"
	"fintrack/internal/ledger"
)

// Store keeps the ledger in process memory. Contents are lost on restart.
type Store struct {
	mu       sync.Mutex
	expenses []core.Expense
	incomes  []core.Income
	budgets  map[string]core.Budget
}

func New(budgets ...core.Budget) *Store {
	s := &Store{budgets: make(map[string]core.Budget)}
	for _, b := range budgets {
		if b.Validate() == nil {
			s.budgets[b.Category] = b
		}
	}
	return s
}

// NewFromFiles seeds budgets from base/seed_budgets.txt, one "Category: limit"
// per line. A missing or unreadable file yields an empty store.
func NewFromFiles(base string) *Store {
	var budgets []core.Budget
	for _, line := range readLines(filepath.Join(base, "seed_budgets.txt")) {
		name, limit, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		amount, err := core.ParseAmount(limit)
		if err != nil {
			continue
		}
		budgets = append(budgets, core.Budget{Category: strings.TrimSpace(name), Limit: amount})
	}
	return New(budgets...)
}

func (s *Store) AppendExpense(_ context.Context, e core.Expense) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.expenses {
		if x.ID == e.ID {
			return fmt.Errorf("expense %s: %w", e.ID, ledger.ErrDuplicate)
		}
	}
	s.expenses = append(s.expenses, e)
	return nil
}

func (s *Store) DeleteExpense(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.expenses {
		if x.ID == id {
			s.expenses = append(s.expenses[:i], s.expenses[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("expense %s: %w", id, ledger.ErrNotFound)
}

func (s *Store) ListExpenses(_ context.Context) ([]core.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Expense(nil), s.expenses...), nil
}

func (s *Store) AppendIncome(_ context.Context, in core.Income) error {
	if err := in.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.incomes {
		if x.ID == in.ID {
			return fmt.Errorf("income %s: %w", in.ID, ledger.ErrDuplicate)
		}
	}
	s.incomes = append(s.incomes, in)
	return nil
}

func (s *Store) DeleteIncome(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.incomes {
		if x.ID == id {
			s.incomes = append(s.incomes[:i], s.incomes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("income %s: %w", id, ledger.ErrNotFound)
}

func (s *Store) ListIncomes(_ context.Context) ([]core.Income, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Income(nil), s.incomes...), nil
}

func (s *Store) SetBudget(_ context.Context, b core.Budget) error {
	if err := b.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[b.Category] = b
	return nil
}

func (s *Store) ListBudgets(_ context.Context) ([]core.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Budget, 0, len(s.budgets))
	for _, b := range s.budgets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (s *Store) Close() error { return nil }

func readLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}
