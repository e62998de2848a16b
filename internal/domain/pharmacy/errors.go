package pharmacy

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("stock record not found")
	ErrAlreadyReversed = errors.New("dispensing already reversed")
	ErrDuplicateBatch  = errors.New("batch number already received for this drug")
)

// InsufficientStockError aborts an allocation. Nothing was decremented.
type InsufficientStockError struct {
	DrugID    uuid.UUID
	DrugName  string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	name := e.DrugName
	if name == "" {
		name = e.DrugID.String()
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d (short by %d)",
		name, e.Requested, e.Available, e.Shortfall())
}

func (e *InsufficientStockError) Shortfall() int {
	return e.Requested - e.Available
}

// BatchOverflowError refuses a change that would push a batch's remaining
// quantity above what was received.
type BatchOverflowError struct {
	BatchID     uuid.UUID
	BatchNumber string
	Remaining   int
	Received    int
}

func (e *BatchOverflowError) Error() string {
	return fmt.Sprintf("batch %s would hold %d units, more than the %d received",
		e.BatchNumber, e.Remaining, e.Received)
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
