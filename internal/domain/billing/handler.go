package billing

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/domain/catalog"
	"github.com/hms/hms/internal/domain/pharmacy"
	"github.com/hms/hms/internal/platform/apierr"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/idempotency"
	"github.com/hms/hms/pkg/pagination"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "Idempotent-Replayed"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleCashier))
	g.POST("/invoices", h.CreateInvoice)
	g.GET("/invoices", h.ListInvoices)
	g.GET("/invoices/:id", h.GetInvoice)
	g.GET("/invoices/:id/payments", h.ListPayments)
	g.GET("/invoices/:id/dispensings", h.ListDispensings)
	g.POST("/invoices/:id/payments", h.RecordPayment)
	g.POST("/invoices/:id/void", h.VoidInvoice)
	g.POST("/payments/:id/void", h.VoidPayment)

	stock := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RolePharmacist))
	stock.POST("/invoices/:id/reverse-stock", h.ReverseDispensing)
}

// -- Responses --
// Amounts are rendered with exactly two decimals.

type itemResponse struct {
	ID          uuid.UUID        `json:"id"`
	LineNo      int              `json:"line_no"`
	ItemType    catalog.ItemType `json:"item_type"`
	ReferenceID *uuid.UUID       `json:"reference_id,omitempty"`
	ItemName    string           `json:"item_name"`
	Quantity    int              `json:"quantity"`
	UnitPrice   string           `json:"unit_price"`
	TotalPrice  string           `json:"total_price"`
}

type invoiceResponse struct {
	ID             uuid.UUID      `json:"id"`
	InvoiceNumber  string         `json:"invoice_number"`
	PatientID      uuid.UUID      `json:"patient_id"`
	VisitID        *uuid.UUID     `json:"visit_id,omitempty"`
	Subtotal       string         `json:"subtotal"`
	TaxAmount      string         `json:"tax_amount"`
	DiscountAmount string         `json:"discount_amount"`
	TotalAmount    string         `json:"total_amount"`
	PaidAmount     string         `json:"paid_amount"`
	Balance        string         `json:"balance"`
	Status         InvoiceStatus  `json:"status"`
	Notes          *string        `json:"notes,omitempty"`
	CreatedBy      string         `json:"created_by"`
	VoidedBy       *string        `json:"voided_by,omitempty"`
	VoidedAt       *time.Time     `json:"voided_at,omitempty"`
	VoidReason     *string        `json:"void_reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Items          []itemResponse `json:"items,omitempty"`
}

func newInvoiceResponse(inv *Invoice) invoiceResponse {
	out := invoiceResponse{
		ID:             inv.ID,
		InvoiceNumber:  inv.InvoiceNumber,
		PatientID:      inv.PatientID,
		VisitID:        inv.VisitID,
		Subtotal:       inv.Subtotal.StringFixed(2),
		TaxAmount:      inv.TaxAmount.StringFixed(2),
		DiscountAmount: inv.DiscountAmount.StringFixed(2),
		TotalAmount:    inv.TotalAmount.StringFixed(2),
		PaidAmount:     inv.PaidAmount.StringFixed(2),
		Balance:        inv.Balance.StringFixed(2),
		Status:         inv.Status,
		Notes:          inv.Notes,
		CreatedBy:      inv.CreatedBy,
		VoidedBy:       inv.VoidedBy,
		VoidedAt:       inv.VoidedAt,
		VoidReason:     inv.VoidReason,
		CreatedAt:      inv.CreatedAt,
		UpdatedAt:      inv.UpdatedAt,
	}
	for _, it := range inv.Items {
		out.Items = append(out.Items, itemResponse{
			ID:          it.ID,
			LineNo:      it.LineNo,
			ItemType:    it.ItemType,
			ReferenceID: it.ReferenceID,
			ItemName:    it.ItemName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice.StringFixed(2),
			TotalPrice:  it.TotalPrice.StringFixed(2),
		})
	}
	return out
}

type invoiceSummary struct {
	ID         uuid.UUID     `json:"id"`
	Status     InvoiceStatus `json:"status"`
	PaidAmount string        `json:"paid_amount"`
	Balance    string        `json:"balance"`
}

type paymentResponse struct {
	ID              uuid.UUID       `json:"id"`
	PaymentNumber   string          `json:"payment_number"`
	InvoiceID       uuid.UUID       `json:"invoice_id"`
	Amount          string          `json:"amount"`
	Method          PaymentMethod   `json:"payment_method"`
	ReferenceNumber *string         `json:"reference_number,omitempty"`
	ReceivedBy      string          `json:"received_by"`
	CreatedAt       time.Time       `json:"created_at"`
	VoidedBy        *string         `json:"voided_by,omitempty"`
	VoidedAt        *time.Time      `json:"voided_at,omitempty"`
	VoidReason      *string         `json:"void_reason,omitempty"`
	Invoice         *invoiceSummary `json:"invoice,omitempty"`
}

func newPaymentResponse(p *Payment, inv *Invoice) paymentResponse {
	out := paymentResponse{
		ID:              p.ID,
		PaymentNumber:   p.PaymentNumber,
		InvoiceID:       p.InvoiceID,
		Amount:          p.Amount.StringFixed(2),
		Method:          p.Method,
		ReferenceNumber: p.ReferenceNumber,
		ReceivedBy:      p.ReceivedBy,
		CreatedAt:       p.CreatedAt,
		VoidedBy:        p.VoidedBy,
		VoidedAt:        p.VoidedAt,
		VoidReason:      p.VoidReason,
	}
	if inv != nil {
		out.Invoice = &invoiceSummary{
			ID:         inv.ID,
			Status:     inv.Status,
			PaidAmount: inv.PaidAmount.StringFixed(2),
			Balance:    inv.Balance.StringFixed(2),
		}
	}
	return out
}

// -- Invoice Handlers --

func (h *Handler) CreateInvoice(c echo.Context) error {
	var req CreateInvoiceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if key := c.Request().Header.Get(IdempotencyKeyHeader); key != "" {
		req.IdempotencyKey = key
	}

	inv, replayed, err := h.svc.CreateInvoice(c.Request().Context(), req)
	if err != nil {
		return toAPIError(err)
	}
	if replayed {
		c.Response().Header().Set(ReplayedHeader, "true")
		return c.JSON(http.StatusOK, newInvoiceResponse(inv))
	}
	return c.JSON(http.StatusCreated, newInvoiceResponse(inv))
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	inv, err := h.svc.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return toAPIError(err)
	}
	return c.JSON(http.StatusOK, newInvoiceResponse(inv))
}

func (h *Handler) ListInvoices(c echo.Context) error {
	pg := pagination.FromContext(c)
	var patientID *uuid.UUID
	if raw := c.QueryParam("patient_id"); raw != "" {
		pid, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		patientID = &pid
	}
	items, total, err := h.svc.ListInvoices(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return toAPIError(err)
	}
	out := make([]invoiceResponse, 0, len(items))
	for _, inv := range items {
		out = append(out, newInvoiceResponse(inv))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(out, total, pg))
}

type voidBody struct {
	Reason string    `json:"reason"`
	Scope  VoidScope `json:"scope"`
}

func (h *Handler) VoidInvoice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body voidBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	inv, reversed, err := h.svc.VoidInvoice(c.Request().Context(), id, body.Reason, body.Scope)
	if err != nil {
		return toAPIError(err)
	}
	resp := map[string]interface{}{"invoice": newInvoiceResponse(inv)}
	if len(reversed) > 0 {
		resp["stock_reversals"] = reversed
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) ReverseDispensing(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body voidBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	reversed, err := h.svc.ReverseDispensing(c.Request().Context(), id, body.Reason)
	if err != nil {
		return toAPIError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"stock_reversals": reversed})
}

func (h *Handler) ListDispensings(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rows, err := h.svc.ListDispensings(c.Request().Context(), id)
	if err != nil {
		return toAPIError(err)
	}
	if rows == nil {
		rows = []*pharmacy.DrugDispensing{}
	}
	return c.JSON(http.StatusOK, rows)
}

// -- Payment Handlers --

func (h *Handler) RecordPayment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req PaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, inv, err := h.svc.RecordPayment(c.Request().Context(), id, req)
	if err != nil {
		return toAPIError(err)
	}
	return c.JSON(http.StatusCreated, newPaymentResponse(p, inv))
}

func (h *Handler) ListPayments(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	payments, err := h.svc.ListPayments(c.Request().Context(), id)
	if err != nil {
		return toAPIError(err)
	}
	out := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		out = append(out, newPaymentResponse(p, nil))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) VoidPayment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body voidBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, inv, err := h.svc.VoidPayment(c.Request().Context(), id, body.Reason)
	if err != nil {
		return toAPIError(err)
	}
	return c.JSON(http.StatusOK, newPaymentResponse(p, inv))
}

func toAPIError(err error) error {
	var valErr *ValidationError
	var stateErr *InvoiceStateError
	var overErr *OverpaymentError
	switch {
	case errors.As(err, &valErr):
		return apierr.New(http.StatusBadRequest, apierr.KindValidation, valErr.Error()).
			With("field", valErr.Field).
			Wrap(err)
	case errors.As(err, &stateErr):
		return apierr.New(http.StatusConflict, apierr.KindInvoiceState, stateErr.Error()).
			With("invoice_id", stateErr.InvoiceID).
			With("invoice_number", stateErr.InvoiceNumber).
			With("status", stateErr.Status).
			Wrap(err)
	case errors.As(err, &overErr):
		return apierr.New(http.StatusUnprocessableEntity, apierr.KindOverpayment, overErr.Error()).
			With("invoice_id", overErr.InvoiceID).
			With("invoice_number", overErr.InvoiceNumber).
			With("amount", overErr.Amount.StringFixed(2)).
			With("balance", overErr.Balance.StringFixed(2)).
			Wrap(err)
	case errors.Is(err, ErrNotFound):
		return apierr.New(http.StatusNotFound, apierr.KindNotFound, err.Error()).Wrap(err)
	case errors.Is(err, ErrAlreadyVoided):
		return apierr.New(http.StatusConflict, apierr.KindAlreadyVoided, err.Error()).Wrap(err)
	case errors.Is(err, ErrAlreadyReversed):
		return apierr.New(http.StatusConflict, apierr.KindAlreadyReversed, err.Error()).Wrap(err)
	case errors.Is(err, idempotency.ErrConflict):
		return apierr.New(http.StatusUnprocessableEntity, apierr.KindIdempotencyConflict, err.Error()).Wrap(err)
	}
	return pharmacy.ToAPIError(err)
}
