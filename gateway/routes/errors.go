package routes

import (
	"errors"
	"log/slog"
	"net/http"

	"tokensale/gateway/middleware"
	"tokensale/native/sale"
)

var errInvalidRequest = errors.New("invalid request")

type errorMapping struct {
	err    error
	status int
	code   string
}

// Order matters: ErrNotWhitelisted also matches ErrUnauthorized.
var saleErrors = []errorMapping{
	{errInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{sale.ErrNotWhitelisted, http.StatusForbidden, "not_whitelisted"},
	{sale.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{sale.ErrMalformedSignature, http.StatusBadRequest, "malformed_signature"},
	{sale.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{sale.ErrAlreadyWhitelisted, http.StatusConflict, "already_whitelisted"},
	{sale.ErrSaleNotActive, http.StatusConflict, "sale_not_active"},
	{sale.ErrSaleAborted, http.StatusConflict, "sale_aborted"},
	{sale.ErrSaleAlreadyClosed, http.StatusConflict, "sale_already_closed"},
	{sale.ErrSaleNotClosed, http.StatusConflict, "sale_not_closed"},
	{sale.ErrNotAborted, http.StatusConflict, "sale_not_aborted"},
	{sale.ErrBonusCapExceeded, http.StatusUnprocessableEntity, "bonus_cap_exceeded"},
	{sale.ErrNothingToRefund, http.StatusUnprocessableEntity, "nothing_to_refund"},
	{sale.ErrNothingToClaim, http.StatusUnprocessableEntity, "nothing_to_claim"},
	{sale.ErrRetrievalCapExceeded, http.StatusUnprocessableEntity, "retrieval_cap_exceeded"},
	{sale.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
	{sale.ErrNotStarted, http.StatusServiceUnavailable, "not_started"},
}

// classify maps err to an HTTP status and a stable code.
func classify(err error) (int, string) {
	for _, m := range saleErrors {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

type codeSetter interface {
	setErrorCode(string)
}

func (h *handlers) writeSaleError(w http.ResponseWriter, r *http.Request, err error) string {
	status, code := classify(err)
	if setter, ok := w.(codeSetter); ok {
		setter.setErrorCode(code)
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("sale operation failed",
			slog.String("path", r.URL.Path),
			slog.String("requestid", middleware.RequestIDFromContext(r.Context())),
			slog.Any("error", err),
		)
		message = http.StatusText(status)
	}
	middleware.WriteError(w, status, code, message)
	return code
}
