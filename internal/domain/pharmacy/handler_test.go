package pharmacy_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hms/hms/internal/domain/pharmacy"
	"github.com/hms/hms/internal/platform/apierr"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
)

func (f *ledgerFixture) request(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return echo.New().NewContext(req.WithContext(f.ctx), rec), rec
}

func TestHandler_ReceiveBatch(t *testing.T) {
	f := newLedger(t)
	h := pharmacy.NewHandler(f.ledger)

	c, rec := f.request(http.MethodPost, "/", `{"batch_number":"AMX-9","quantity":60,"expiry_date":"2025-08-31","unit_cost":"0.40"}`)
	c.SetParamNames("id")
	c.SetParamValues(f.drug.String())
	require.NoError(t, h.ReceiveBatch(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var got pharmacy.DrugBatch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 60, got.QuantityRemaining)
	assert.Equal(t, "2025-08-31", got.ExpiryDate.Format("2006-01-02"))

	c, _ = f.request(http.MethodPost, "/", `{"batch_number":"AMX-9","quantity":1,"expiry_date":"2025-08-31"}`)
	c.SetParamNames("id")
	c.SetParamValues(f.drug.String())
	apiErr := apierr.From(h.ReceiveBatch(c))
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	c, _ = f.request(http.MethodPost, "/", `{"batch_number":"AMX-10","quantity":1,"expiry_date":"31/08/2025"}`)
	c.SetParamNames("id")
	c.SetParamValues(f.drug.String())
	apiErr = apierr.From(h.ReceiveBatch(c))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "expiry_date", apiErr.Fields["field"])
}

func TestHandler_AdjustBatch(t *testing.T) {
	f := newLedger(t)
	h := pharmacy.NewHandler(f.ledger)
	b := f.receive(t, "B-1", 10, "2025-01-31")

	c, rec := f.request(http.MethodPost, "/", `{"quantity_delta":-4,"reason":"expiry_writeoff","note":"water damage"}`)
	c.SetParamNames("id")
	c.SetParamValues(b.ID.String())
	require.NoError(t, h.AdjustBatch(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var got struct {
		Batch      pharmacy.DrugBatch       `json:"batch"`
		Adjustment pharmacy.StockAdjustment `json:"adjustment"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 6, got.Batch.QuantityRemaining)
	assert.Equal(t, pharmacy.ReasonExpiryWriteoff, got.Adjustment.Reason)

	c, _ = f.request(http.MethodPost, "/", `{"quantity_delta":-7,"reason":"correction","note":"recount"}`)
	c.SetParamNames("id")
	c.SetParamValues(b.ID.String())
	apiErr := apierr.From(h.AdjustBatch(c))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "quantity_delta", apiErr.Fields["field"])
}

func TestHandler_StockAndAdjustments(t *testing.T) {
	f := newLedger(t)
	h := pharmacy.NewHandler(f.ledger)
	for i := 0; i < 3; i++ {
		f.receive(t, fmt.Sprintf("B-%d", i), 5, "2025-01-31")
	}

	c, rec := f.request(http.MethodGet, "/", "")
	c.SetParamNames("id")
	c.SetParamValues(f.drug.String())
	require.NoError(t, h.GetStockLevel(c))
	var lvl pharmacy.StockLevel
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lvl))
	assert.Equal(t, 15, lvl.Available)
	assert.Equal(t, 3, lvl.Batches)

	c, rec = f.request(http.MethodGet, "/?limit=2", "")
	c.SetParamNames("id")
	c.SetParamValues(f.drug.String())
	require.NoError(t, h.ListAdjustments(c))
	var page struct {
		Data    []pharmacy.StockAdjustment `json:"data"`
		Total   int                        `json:"total"`
		HasMore bool                       `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Data, 2)
	assert.True(t, page.HasMore)

	c, rec = f.request(http.MethodGet, "/", "")
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	require.NoError(t, h.ListBatches(c))
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandler_GetBatchNotFound(t *testing.T) {
	f := newLedger(t)
	h := pharmacy.NewHandler(f.ledger)

	c, _ := f.request(http.MethodGet, "/", "")
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	assert.Equal(t, http.StatusNotFound, apierr.From(h.GetBatch(c)).Status)
}

func TestHandler_WritesRequirePharmacist(t *testing.T) {
	f := newLedger(t)
	e := echo.New()
	pharmacy.NewHandler(f.ledger).RegisterRoutes(e.Group("/api/v1"))

	target := "/api/v1/drugs/" + f.drug.String() + "/batches"
	body := `{"batch_number":"X","quantity":1,"expiry_date":"2025-01-31"}`

	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.ContextWithUser(req.Context(), "clerk-1", []string{auth.RoleBilling}))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, target, nil)
	req = req.WithContext(auth.ContextWithUser(req.Context(), "clerk-1", []string{auth.RoleBilling}))
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestToAPIError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"insufficient stock", &pharmacy.InsufficientStockError{DrugName: "Insulin", Requested: 3, Available: 1}, http.StatusConflict, apierr.KindInsufficientStock},
		{"validation", &pharmacy.ValidationError{Field: "quantity", Message: "must be positive"}, http.StatusBadRequest, apierr.KindValidation},
		{"not found", pharmacy.ErrNotFound, http.StatusNotFound, apierr.KindNotFound},
		{"already reversed", pharmacy.ErrAlreadyReversed, http.StatusConflict, apierr.KindAlreadyReversed},
		{"batch overflow", fmt.Errorf("reverse: %w", &pharmacy.BatchOverflowError{BatchNumber: "B1", Remaining: 15, Received: 10}), http.StatusConflict, apierr.KindStockState},
		{"duplicate batch", pharmacy.ErrDuplicateBatch, http.StatusConflict, apierr.KindValidation},
		{"lock conflict", fmt.Errorf("allocate: %w", db.ErrConflict), http.StatusConflict, apierr.KindConcurrencyConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := apierr.From(pharmacy.ToAPIError(tt.err))
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.kind, got.Kind)
		})
	}

	plain := fmt.Errorf("boom")
	assert.Equal(t, plain, pharmacy.ToAPIError(plain))
}
