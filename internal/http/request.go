package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fintrack/internal/core"
)

const maxBodyBytes = 1 << 20

var errEmptyBody = errors.New("request body is empty")

// amountField accepts an amount as a JSON string ("12,50") or number (12.5).
// The raw text goes through core.ParseAmount so floats never touch money.
type amountField string

func (a *amountField) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = amountField(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("amount must be a string or a number")
	}
	*a = amountField(n.String())
	return nil
}

type expenseRequest struct {
	Amount      amountField `json:"amount"`
	Category    string      `json:"category"`
	Description string      `json:"description"`
	Date        string      `json:"date"`
}

type incomeRequest struct {
	Amount amountField `json:"amount"`
	Source string      `json:"source"`
	Date   string      `json:"date"`
}

type budgetRequest struct {
	Limit amountField `json:"limit"`
}

type anomalyRequest struct {
	Amount amountField `json:"amount"`
}

// decodeJSON reads a single JSON object from the body, rejecting unknown
// fields and trailing data.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid JSON body: trailing data")
	}
	return nil
}

// parseDateOrToday parses YYYY-MM-DD, defaulting to the current UTC day.
func parseDateOrToday(s string, now time.Time) (core.Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		now = now.UTC()
		return core.NewDate(now.Year(), int(now.Month()), now.Day()), nil
	}
	d, err := core.ParseDate(s)
	if err != nil {
		return core.Date{}, &core.ValidationError{Field: "date", Err: err}
	}
	return d, nil
}

func (req expenseRequest) toExpense(now time.Time) (core.Expense, error) {
	amount, err := core.ParseAmount(string(req.Amount))
	if err != nil {
		return core.Expense{}, err
	}
	date, err := parseDateOrToday(req.Date, now)
	if err != nil {
		return core.Expense{}, err
	}
	return core.Expense{
		Amount:      amount,
		Category:    sanitizeInput(req.Category),
		Description: sanitizeInput(req.Description),
		Date:        date,
	}, nil
}

func (req incomeRequest) toIncome(now time.Time) (core.Income, error) {
	amount, err := core.ParseAmount(string(req.Amount))
	if err != nil {
		return core.Income{}, err
	}
	date, err := parseDateOrToday(req.Date, now)
	if err != nil {
		return core.Income{}, err
	}
	return core.Income{
		Amount: amount,
		Source: sanitizeInput(req.Source),
		Date:   date,
	}, nil
}

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}
