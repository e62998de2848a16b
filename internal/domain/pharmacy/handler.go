package pharmacy

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/platform/apierr"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/pkg/pagination"
)

type Handler struct {
	ledger *Ledger
}

func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RolePharmacist, auth.RoleBilling))
	readGroup.GET("/drugs/:id/batches", h.ListBatches)
	readGroup.GET("/drugs/:id/stock", h.GetStockLevel)
	readGroup.GET("/drugs/:id/adjustments", h.ListAdjustments)
	readGroup.GET("/batches/:id", h.GetBatch)

	writeGroup := api.Group("", auth.RequireRole(auth.RolePharmacist))
	writeGroup.POST("/drugs/:id/batches", h.ReceiveBatch)
	writeGroup.POST("/batches/:id/adjustments", h.AdjustBatch)
}

type receiveBody struct {
	BatchNumber string          `json:"batch_number"`
	Quantity    int             `json:"quantity"`
	ExpiryDate  string          `json:"expiry_date"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Note        string          `json:"note"`
}

func (h *Handler) ReceiveBatch(c echo.Context) error {
	drugID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid drug id")
	}
	var body receiveBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	expiry, err := time.Parse(time.DateOnly, body.ExpiryDate)
	if err != nil {
		return apierr.New(http.StatusBadRequest, apierr.KindValidation, "expiry_date must be YYYY-MM-DD").
			With("field", "expiry_date")
	}
	b, err := h.ledger.ReceiveBatch(c.Request().Context(), ReceiveRequest{
		DrugID:      drugID,
		BatchNumber: body.BatchNumber,
		Quantity:    body.Quantity,
		ExpiryDate:  expiry,
		UnitCost:    body.UnitCost,
		Note:        body.Note,
	})
	if err != nil {
		return ToAPIError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) AdjustBatch(c echo.Context) error {
	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid batch id")
	}
	var req AdjustRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.BatchID = batchID
	b, adj, err := h.ledger.AdjustBatch(c.Request().Context(), req)
	if err != nil {
		return ToAPIError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"batch":      b,
		"adjustment": adj,
	})
}

func (h *Handler) GetBatch(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	b, err := h.ledger.GetBatch(c.Request().Context(), id)
	if err != nil {
		return ToAPIError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListBatches(c echo.Context) error {
	drugID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid drug id")
	}
	batches, err := h.ledger.ListBatches(c.Request().Context(), drugID)
	if err != nil {
		return ToAPIError(err)
	}
	if batches == nil {
		batches = []*DrugBatch{}
	}
	return c.JSON(http.StatusOK, batches)
}

func (h *Handler) GetStockLevel(c echo.Context) error {
	drugID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid drug id")
	}
	lvl, err := h.ledger.StockLevel(c.Request().Context(), drugID)
	if err != nil {
		return ToAPIError(err)
	}
	return c.JSON(http.StatusOK, lvl)
}

func (h *Handler) ListAdjustments(c echo.Context) error {
	drugID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid drug id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.ledger.ListAdjustments(c.Request().Context(), drugID, pg.Limit, pg.Offset)
	if err != nil {
		return ToAPIError(err)
	}
	if items == nil {
		items = []*StockAdjustment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

// ToAPIError maps ledger failures onto HTTP responses. Unknown errors pass
// through unchanged.
func ToAPIError(err error) error {
	var stockErr *InsufficientStockError
	var valErr *ValidationError
	var overflowErr *BatchOverflowError
	switch {
	case errors.As(err, &stockErr):
		return apierr.New(http.StatusConflict, apierr.KindInsufficientStock, stockErr.Error()).
			With("drug_id", stockErr.DrugID).
			With("drug_name", stockErr.DrugName).
			With("requested", stockErr.Requested).
			With("available", stockErr.Available).
			Wrap(err)
	case errors.As(err, &valErr):
		return apierr.New(http.StatusBadRequest, apierr.KindValidation, valErr.Error()).
			With("field", valErr.Field).
			Wrap(err)
	case errors.As(err, &overflowErr):
		return apierr.New(http.StatusConflict, apierr.KindStockState, overflowErr.Error()).
			With("batch_id", overflowErr.BatchID).
			With("batch_number", overflowErr.BatchNumber).
			Wrap(err)
	case errors.Is(err, ErrNotFound):
		return apierr.New(http.StatusNotFound, apierr.KindNotFound, err.Error()).Wrap(err)
	case errors.Is(err, ErrAlreadyReversed):
		return apierr.New(http.StatusConflict, apierr.KindAlreadyReversed, err.Error()).Wrap(err)
	case errors.Is(err, ErrDuplicateBatch):
		return apierr.New(http.StatusConflict, apierr.KindValidation, err.Error()).Wrap(err)
	case errors.Is(err, db.ErrConflict):
		return apierr.New(http.StatusConflict, apierr.KindConcurrencyConflict, "the stock was modified concurrently, retry the request").
			With("retryable", true).
			Wrap(err)
	}
	return err
}
