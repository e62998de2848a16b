package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestTxFromContext(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestWithTx_NoConnection(t *testing.T) {
	_, _, err := WithTx(context.Background())
	if err == nil {
		t.Fatal("expected error when no connection in context")
	}
	if err.Error() != "no database connection in context" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		conflict bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, true},
		{"wrapped lock timeout", fmt.Errorf("lock batches: %w", &pgconn.PgError{Code: "55P03"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.err)
			if errors.Is(got, ErrConflict) != tt.conflict {
				t.Errorf("ClassifyError(%v) conflict = %v, want %v", tt.err, !tt.conflict, tt.conflict)
			}
			if !tt.conflict && got != tt.err {
				t.Errorf("expected non-conflict error to pass through unchanged")
			}
		})
	}

	if ClassifyError(nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "idempotency_keys_pkey"})

	if !IsUniqueViolation(err, "") {
		t.Error("expected unique violation for any constraint")
	}
	if !IsUniqueViolation(err, "idempotency_keys_pkey") {
		t.Error("expected unique violation for matching constraint")
	}
	if IsUniqueViolation(err, "invoices_invoice_number_key") {
		t.Error("expected no match for a different constraint")
	}
	if IsUniqueViolation(errors.New("boom"), "") {
		t.Error("expected plain error not to be a unique violation")
	}
}
