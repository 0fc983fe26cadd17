package core

import "github.com/shopspring/decimal"

// Totals are exact sums over the current ledger collections.
type Totals struct {
	Income   decimal.Decimal
	Expenses decimal.Decimal
}

// Remaining is income minus expenses; negative means a deficit.
func (t Totals) Remaining() decimal.Decimal {
	return t.Income.Sub(t.Expenses)
}

// SumTotals recomputes both totals from scratch.
func SumTotals(expenses []Expense, incomes []Income) Totals {
	t := Totals{Income: decimal.Zero, Expenses: decimal.Zero}
	for _, e := range expenses {
		t.Expenses = t.Expenses.Add(e.Amount)
	}
	for _, i := range incomes {
		t.Income = t.Income.Add(i.Amount)
	}
	return t
}

// CategoryAmount represents an amount aggregated by category name.
type CategoryAmount struct {
	Name   string
	Amount decimal.Decimal
}

// ByCategory aggregates expenses per category in first-seen order.
func ByCategory(expenses []Expense) []CategoryAmount {
	idx := map[string]int{}
	var out []CategoryAmount
	for _, e := range expenses {
		i, ok := idx[e.Category]
		if !ok {
			idx[e.Category] = len(out)
			out = append(out, CategoryAmount{Name: e.Category, Amount: e.Amount})
			continue
		}
		out[i].Amount = out[i].Amount.Add(e.Amount)
	}
	return out
}
