package billing_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/platform/apierr"
	"github.com/hms/hms/internal/platform/auth"
)

func newTestHandler(t *testing.T, policy billing.Policy) (*fixture, *billing.Handler, *echo.Echo) {
	f := newFixture(t, policy)
	return f, billing.NewHandler(f.svc), echo.New()
}

func (f *fixture) request(e *echo.Echo, method, body string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/", nil)
	} else {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req = req.WithContext(f.ctx)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_CreateInvoice(t *testing.T) {
	f, h, e := newTestHandler(t, billing.Policy{})
	body := `{"patient_id":"` + uuid.New().String() + `","items":[
		{"item_type":"service","item_name":"Consultation","quantity":1,"unit_price":50},
		{"item_type":"test","item_name":"Urinalysis","quantity":2,"unit_price":"12.5"}
	],"tax_amount":5}`
	c, rec := f.request(e, http.MethodPost, body)

	require.NoError(t, h.CreateInvoice(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "75.00", got["subtotal"])
	assert.Equal(t, "80.00", got["total_amount"])
	assert.Equal(t, "80.00", got["balance"])
	assert.Equal(t, "pending", got["status"])
	items := got["items"].([]interface{})
	require.Len(t, items, 2)
	assert.Equal(t, "25.00", items[1].(map[string]interface{})["total_price"])
}

func TestHandler_CreateInvoice_ReplayHeader(t *testing.T) {
	f, h, e := newTestHandler(t, billing.Policy{})
	body := `{"patient_id":"` + uuid.New().String() + `","items":[{"item_type":"service","item_name":"Stitches","quantity":1,"unit_price":30}]}`

	c, rec := f.request(e, http.MethodPost, body)
	c.Request().Header.Set(billing.IdempotencyKeyHeader, "tablet-42:17")
	require.NoError(t, h.CreateInvoice(c))
	require.Equal(t, http.StatusCreated, rec.Code)

	c, rec = f.request(e, http.MethodPost, body)
	c.Request().Header.Set(billing.IdempotencyKeyHeader, "tablet-42:17")
	require.NoError(t, h.CreateInvoice(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(billing.ReplayedHeader))

	c, _ = f.request(e, http.MethodPost, strings.Replace(body, `"unit_price":30`, `"unit_price":31`, 1))
	c.Request().Header.Set(billing.IdempotencyKeyHeader, "tablet-42:17")
	err := h.CreateInvoice(c)
	apiErr := apierr.From(err)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, apierr.KindIdempotencyConflict, apiErr.Kind)
}

func TestHandler_CreateInvoice_InsufficientStock(t *testing.T) {
	f, h, e := newTestHandler(t, billing.Policy{})
	drug := f.drug("Morphine 10mg", "2.00")
	f.receive(t, drug, "MOR-1", 10, "2025-06-30")

	body := `{"patient_id":"` + uuid.New().String() + `","items":[{"item_type":"drug","reference_id":"` + drug.String() + `","quantity":15}]}`
	c, _ := f.request(e, http.MethodPost, body)
	apiErr := apierr.From(h.CreateInvoice(c))

	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, apierr.KindInsufficientStock, apiErr.Kind)
	assert.Equal(t, 15, apiErr.Fields["requested"])
	assert.Equal(t, 10, apiErr.Fields["available"])
	assert.Equal(t, "Morphine 10mg", apiErr.Fields["drug_name"])
}

func TestHandler_CreateInvoice_Validation(t *testing.T) {
	f, h, e := newTestHandler(t, billing.Policy{})
	c, _ := f.request(e, http.MethodPost, `{"patient_id":"`+uuid.New().String()+`","items":[]}`)
	apiErr := apierr.From(h.CreateInvoice(c))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "items", apiErr.Fields["field"])
}

func TestHandler_RecordPaymentAndVoid(t *testing.T) {
	f, h, e := newTestHandler(t, billing.Policy{})
	inv := f.serviceInvoice(t, "2300.00")

	c, rec := f.request(e, http.MethodPost, `{"amount":"2300","payment_method":"cash","reference_number":"R-1"}`)
	c.SetParamNames("id")
	c.SetParamValues(inv.ID.String())
	require.NoError(t, h.RecordPayment(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var paid struct {
		ID      uuid.UUID `json:"id"`
		Amount  string    `json:"amount"`
		Invoice struct {
			Status  string `json:"status"`
			Balance string `json:"balance"`
		} `json:"invoice"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &paid))
	assert.Equal(t, "2300.00", paid.Amount)
	assert.Equal(t, "paid", paid.Invoice.Status)
	assert.Equal(t, "0.00", paid.Invoice.Balance)

	c, _ = f.request(e, http.MethodPost, `{"amount":1,"payment_method":"cash"}`)
	c.SetParamNames("id")
	c.SetParamValues(inv.ID.String())
	apiErr := apierr.From(h.RecordPayment(c))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, apierr.KindOverpayment, apiErr.Kind)

	c, rec = f.request(e, http.MethodPost, `{"reason":"duplicate"}`)
	c.SetParamNames("id")
	c.SetParamValues(inv.ID.String())
	require.NoError(t, h.VoidInvoice(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	c, _ = f.request(e, http.MethodPost, `{"reason":"duplicate"}`)
	c.SetParamNames("id")
	c.SetParamValues(inv.ID.String())
	apiErr = apierr.From(h.VoidInvoice(c))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, apierr.KindAlreadyVoided, apiErr.Kind)

	c, _ = f.request(e, http.MethodPost, `{"reason":"refund"}`)
	c.SetParamNames("id")
	c.SetParamValues(paid.ID.String())
	apiErr = apierr.From(h.VoidPayment(c))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, apierr.KindInvoiceState, apiErr.Kind)
}

func TestHandler_GetInvoice(t *testing.T) {
	f, h, e := newTestHandler(t, billing.Policy{})
	inv := f.serviceInvoice(t, "12.00")

	c, rec := f.request(e, http.MethodGet, "")
	c.SetParamNames("id")
	c.SetParamValues(inv.ID.String())
	require.NoError(t, h.GetInvoice(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	c, _ = f.request(e, http.MethodGet, "")
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	assert.Equal(t, http.StatusNotFound, apierr.From(h.GetInvoice(c)).Status)

	c, _ = f.request(e, http.MethodGet, "")
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, apierr.From(h.GetInvoice(c)).Status)
}

func TestHandler_ListInvoices(t *testing.T) {
	f, h, e := newTestHandler(t, billing.Policy{})
	f.serviceInvoice(t, "1.00")
	f.serviceInvoice(t, "2.00")
	f.serviceInvoice(t, "3.00")

	req := httptest.NewRequest(http.MethodGet, "/?limit=2", nil).WithContext(f.ctx)
	rec := httptest.NewRecorder()
	require.NoError(t, h.ListInvoices(e.NewContext(req, rec)))

	var page struct {
		Data    []map[string]interface{} `json:"data"`
		Total   int                      `json:"total"`
		HasMore bool                     `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Data, 2)
	assert.True(t, page.HasMore)
}

func TestHandler_RoutesRequireRole(t *testing.T) {
	f, h, e := newTestHandler(t, billing.Policy{})
	h.RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/invoices", nil)
	req = req.WithContext(auth.ContextWithUser(req.Context(), "nurse-1", []string{"nurse"}))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/invoices", nil).WithContext(f.ctx)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
