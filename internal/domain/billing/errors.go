package billing

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyVoided   = errors.New("already voided")
	ErrAlreadyReversed = errors.New("dispensed stock already reversed")
)

// ValidationError rejects malformed input before any transaction starts.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InvoiceStateError reports an operation the invoice's status forbids.
type InvoiceStateError struct {
	InvoiceID     uuid.UUID
	InvoiceNumber string
	Status        InvoiceStatus
	Op            string
}

func (e *InvoiceStateError) Error() string {
	return fmt.Sprintf("cannot %s invoice %s: status is %s", e.Op, e.InvoiceNumber, e.Status)
}

// OverpaymentError rejects a payment larger than the outstanding balance.
type OverpaymentError struct {
	InvoiceID     uuid.UUID
	InvoiceNumber string
	Amount        decimal.Decimal
	Balance       decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	if !e.Balance.IsPositive() {
		return fmt.Sprintf("invoice %s has no outstanding balance", e.InvoiceNumber)
	}
	return fmt.Sprintf("payment of %s exceeds balance %s on invoice %s",
		e.Amount.StringFixed(2), e.Balance.StringFixed(2), e.InvoiceNumber)
}
