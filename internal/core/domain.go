package core

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

type (
	// Date is a calendar day without time-of-day, always normalized to UTC midnight.
	Date struct {
		time.Time
	}

	Expense struct {
		ID          string
		Amount      decimal.Decimal
		Category    string // free text, not a closed set
		Description string
		Date        Date
	}

	Income struct {
		ID     string
		Amount decimal.Decimal
		Source string
		Date   Date
	}

	// Budget is stored and listed only; nothing enforces the limit.
	Budget struct {
		Category string
		Limit    decimal.Decimal
	}
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrNegativeAmount   = errors.New("amount must not be negative")
	ErrInvalidDate      = errors.New("invalid date")
	ErrEmptyCategory    = errors.New("empty category")
	ErrEmptySource      = errors.New("empty income source")
	ErrDescriptionLimit = errors.New("description too long (max 200 characters)")
)

// ValidationError marks a record rejected at the boundary. It wraps the
// underlying sentinel so errors.Is keeps working.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// NewID returns a fresh opaque record identifier.
func NewID() string {
	return uuid.NewString()
}

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string. Anything else is ErrInvalidDate.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return Date{Time: t}, nil
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(dateLayout)
}

func (d Date) Validate() error {
	if d.IsZero() {
		return fmt.Errorf("%w: date cannot be zero", ErrInvalidDate)
	}
	return nil
}

// MarshalText encodes the date as YYYY-MM-DD.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a YYYY-MM-DD date.
func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ValidateAmount rejects negative amounts and amounts too large for the
// numeric models. Zero is allowed.
func ValidateAmount(a decimal.Decimal) error {
	if a.IsNegative() {
		return ErrNegativeAmount
	}
	if f, _ := a.Float64(); math.IsInf(f, 0) || math.IsNaN(f) {
		return ErrInvalidAmount
	}
	return nil
}

func (e Expense) Validate() error {
	if err := ValidateAmount(e.Amount); err != nil {
		return invalid("amount", err)
	}
	if err := e.Date.Validate(); err != nil {
		return invalid("date", err)
	}
	if strings.TrimSpace(e.Category) == "" {
		return invalid("category", ErrEmptyCategory)
	}
	if len(e.Description) > 200 {
		return invalid("description", ErrDescriptionLimit)
	}
	return nil
}

func (i Income) Validate() error {
	if err := ValidateAmount(i.Amount); err != nil {
		return invalid("amount", err)
	}
	if err := i.Date.Validate(); err != nil {
		return invalid("date", err)
	}
	if strings.TrimSpace(i.Source) == "" {
		return invalid("source", ErrEmptySource)
	}
	return nil
}

func (b Budget) Validate() error {
	if strings.TrimSpace(b.Category) == "" {
		return invalid("category", ErrEmptyCategory)
	}
	if err := ValidateAmount(b.Limit); err != nil {
		return invalid("limit", err)
	}
	return nil
}
