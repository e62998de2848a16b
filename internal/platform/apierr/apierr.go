// Package apierr renders domain failures as JSON bodies of the form
// {"error": kind, "message": text, ...fields}.
package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	KindValidation          = "validation_error"
	KindNotFound            = "not_found"
	KindInsufficientStock   = "insufficient_stock"
	KindInvoiceState        = "invoice_state_error"
	KindAlreadyVoided       = "already_voided"
	KindAlreadyReversed     = "already_reversed"
	KindStockState          = "stock_state_error"
	KindOverpayment         = "overpayment_rejected"
	KindIdempotencyConflict = "idempotency_conflict"
	KindConcurrencyConflict = "concurrency_conflict"
	KindInternal            = "internal_error"
)

// Error is an HTTP-facing failure. Fields are merged into the response body.
type Error struct {
	Status  int
	Kind    string
	Message string
	Fields  map[string]interface{}
	Err     error
}

func New(status int, kind, message string) *Error {
	return &Error{Status: status, Kind: kind, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// With returns e with one more body field set.
func (e *Error) With(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// Wrap records the underlying cause for logging.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

func (e *Error) body() map[string]interface{} {
	body := make(map[string]interface{}, len(e.Fields)+2)
	for k, v := range e.Fields {
		body[k] = v
	}
	body["error"] = e.Kind
	body["message"] = e.Message
	return body
}

// HTTPErrorHandler replaces echo's default handler. *Error values keep their
// kind and fields; *echo.HTTPError values are mapped onto a kind by status.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		apiErr := From(err)
		if apiErr.Status >= http.StatusInternalServerError {
			logger.Error().Err(err).
				Str("path", c.Request().URL.Path).
				Msg("request failed")
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(apiErr.Status)
		} else {
			writeErr = c.JSON(apiErr.Status, apiErr.body())
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("write error response")
		}
	}
}

// From converts any error into an *Error.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return New(he.Code, kindForStatus(he.Code), fmt.Sprint(he.Message))
	}
	return New(http.StatusInternalServerError, KindInternal, "internal server error").Wrap(err)
}

func kindForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return KindValidation
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "unavailable"
	}
	if status >= http.StatusInternalServerError {
		return KindInternal
	}
	return "request_error"
}
