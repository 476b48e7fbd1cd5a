package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tokensale/crypto"
	"tokensale/gateway/middleware"
	"tokensale/native/sale"
	"tokensale/observability"
	"tokensale/storage/audit"
)

// SaleEngine is the part of *sale.Engine the gateway serves.
type SaleEngine interface {
	Snapshot() (*sale.Snapshot, error)
	Buyer(addr [20]byte) (*sale.Buyer, error)
	BonusRemaining(buyer [20]byte, maxBonusAmount *big.Int) (*big.Int, error)
	PaymentBalance(addr [20]byte) (*big.Int, error)
	TokenBalance(addr [20]byte) (*big.Int, error)
	SubmitWhitelistNote(caller [20]byte, sig []byte) error
	BuyWithSignature(caller [20]byte, paid *big.Int, sig []byte) (*big.Int, error)
	BuyWithBonus(caller [20]byte, paid *big.Int, sig []byte, maxBonusAmount *big.Int) (*big.Int, error)
	ReceivePayment(caller [20]byte, paid *big.Int) (*big.Int, error)
	AbortSale(caller [20]byte) error
	WithdrawRefund(caller [20]byte) (*big.Int, error)
	ClaimTokens(caller [20]byte) (*big.Int, error)
	RetrieveFunds(caller [20]byte, amount *big.Int) error
}

// EventLog is the audit trail behind /v1/events and the request log.
type EventLog interface {
	ListEvents(ctx context.Context, afterID int64, eventType string, limit int) ([]audit.StoredEvent, error)
	RecordRequest(ctx context.Context, entry audit.RequestEntry) error
	CountRequests(ctx context.Context, caller string) (int64, error)
}

type handlers struct {
	engine  SaleEngine
	events  EventLog
	logger  *slog.Logger
	metrics *observability.SaleMetrics
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	return nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: %s required", errInvalidRequest, field)
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a base-10 integer", errInvalidRequest, field)
	}
	return value, nil
}

func parseAddressParam(r *http.Request) ([20]byte, error) {
	addr, err := crypto.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	return addr, nil
}

func caller(r *http.Request) [20]byte {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		return [20]byte{}
	}
	return principal.Address
}

// observe records the operation outcome and, on success, refreshes the vault
// gauges.
func (h *handlers) observe(op string, start time.Time, code string) {
	h.metrics.Observe(op, time.Since(start), code)
	if code != "" {
		return
	}
	if snap, err := h.engine.Snapshot(); err == nil {
		h.metrics.RecordTotals(snap.TotalRaised, snap.TotalRetrieved)
	}
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, op string, start time.Time, err error) {
	code := h.writeSaleError(w, r, err)
	h.observe(op, start, code)
	h.logger.Debug("sale operation rejected",
		slog.String("op", op),
		slog.String("caller", crypto.FormatAddress(caller(r))),
		slog.String("code", code),
	)
}

func (h *handlers) getSale(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Snapshot()
	if err != nil {
		h.writeSaleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SaleResponse{
		Address:          crypto.FormatAddress(snap.Address),
		Operator:         crypto.FormatAddress(snap.Operator),
		Wallet:           crypto.FormatAddress(snap.Wallet),
		Price:            snap.Price.String(),
		Bonus:            snap.BonusPercent,
		Duration:         snap.DurationSeconds,
		StartTime:        snap.StartTime,
		EndTime:          snap.EndTime,
		Status:           snap.Status.String(),
		Aborted:          snap.Aborted,
		TotalRaised:      snap.TotalRaised.String(),
		TotalRetrieved:   snap.TotalRetrieved.String(),
		RetrievableFunds: snap.RetrievableFunds.String(),
	})
}

func (h *handlers) getBuyer(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddressParam(r)
	if err != nil {
		h.writeSaleError(w, r, err)
		return
	}
	buyer, err := h.engine.Buyer(addr)
	if err != nil {
		h.writeSaleError(w, r, err)
		return
	}
	resp := BuyerResponse{
		Address:     crypto.FormatAddress(addr),
		Whitelisted: buyer.Whitelisted,
		Balance:     buyer.TokenBalance.String(),
		Contributed: buyer.Contributed.String(),
	}
	if h.events != nil {
		count, err := h.events.CountRequests(r.Context(), resp.Address)
		if err != nil {
			h.logger.Warn("count buyer requests", slog.String("buyer", resp.Address), slog.Any("error", err))
		} else {
			resp.Requests = &count
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) getBonus(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddressParam(r)
	if err != nil {
		h.writeSaleError(w, r, err)
		return
	}
	ceiling, err := parseAmount("cap", chi.URLParam(r, "cap"))
	if err != nil {
		h.writeSaleError(w, r, err)
		return
	}
	remaining, err := h.engine.BonusRemaining(addr, ceiling)
	if err != nil {
		h.writeSaleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BonusResponse{
		Address:        crypto.FormatAddress(addr),
		MaxBonusAmount: ceiling.String(),
		Remaining:      remaining.String(),
	})
}

func (h *handlers) getAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddressParam(r)
	if err != nil {
		h.writeSaleError(w, r, err)
		return
	}
	payment, err := h.engine.PaymentBalance(addr)
	if err != nil {
		h.writeSaleError(w, r, err)
		return
	}
	tokens, err := h.engine.TokenBalance(addr)
	if err != nil {
		h.writeSaleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{
		Address:        crypto.FormatAddress(addr),
		PaymentBalance: payment.String(),
		TokenBalance:   tokens.String(),
	})
}

func (h *handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusOK, EventsResponse{Events: []audit.StoredEvent{}})
		return
	}
	query := r.URL.Query()
	var after int64
	if raw := query.Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			h.writeSaleError(w, r, fmt.Errorf("%w: after must be a non-negative integer", errInvalidRequest))
			return
		}
		after = parsed
	}
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeSaleError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", errInvalidRequest))
			return
		}
		limit = parsed
	}
	list, err := h.events.ListEvents(r.Context(), after, query.Get("type"), limit)
	if err != nil {
		h.writeSaleError(w, r, err)
		return
	}
	next := after
	if len(list) > 0 {
		next = list[len(list)-1].ID
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: list, Next: next})
}

func (h *handlers) submitWhitelist(w http.ResponseWriter, r *http.Request) {
	const op = "whitelist"
	start := time.Now()
	var req WhitelistRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, op, start, err)
		return
	}
	sig, err := crypto.DecodeSignature(req.Signature)
	if err != nil {
		h.fail(w, r, op, start, err)
		return
	}
	who := caller(r)
	if err := h.engine.SubmitWhitelistNote(who, sig); err != nil {
		h.fail(w, r, op, start, err)
		return
	}
	h.observe(op, start, "")
	writeJSON(w, http.StatusOK, WhitelistResponse{Buyer: crypto.FormatAddress(who), Whitelisted: true})
}

func (h *handlers) purchaseResponse(w http.ResponseWriter, who [20]byte, paid, credited *big.Int) {
	balance := "0"
	if buyer, err := h.engine.Buyer(who); err == nil {
		balance = buyer.TokenBalance.String()
	}
	writeJSON(w, http.StatusOK, PurchaseResponse{
		Buyer:    crypto.FormatAddress(who),
		Paid:     paid.String(),
		Credited: credited.String(),
		Balance:  balance,
	})
}

func (h *handlers) buyWithSignature(w http.ResponseWriter, r *http.Request) {
	const op = "buy_signature"
	start := time.Now()
	var req PurchaseRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, op, start, err)
		return
	}
	paid, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.fail(w, r, op, start, err)
		return
	}
	var sig []byte
	if strings.TrimSpace(req.Signature) != "" {
		if sig, err = crypto.DecodeSignature(req.Signature); err != nil {
			h.fail(w, r, op, start, err)
			return
		}
	}
	who := caller(r)
	credited, err := h.engine.BuyWithSignature(who, paid, sig)
	if err != nil {
		h.fail(w, r, op, start, err)
		return
	}
	h.observe(op, start, "")
	h.purchaseResponse(w, who, paid, credited)
}

func (h *handlers) buyWithBonus(w http.ResponseWriter, r *http.Request) {
	const op = "buy_bonus"
	start := time.Now()
	var req PurchaseRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, op, start, err)
		return
	}
	paid, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.fail(w, r, op, start, err)
		return
	}
	ceiling, err := parseAmount("maxBonusAmount", req.MaxBonusAmount)
	if err != nil {
		h.fail(w, r, op, start, err)
		return
	}
	sig, err := crypto.DecodeSignature(req.Signature)
	if err != nil {
		h.fail(w, r, op, start, err)
		return
	}
	who := caller(r)
	credited, err := h.engine.BuyWithBonus(who, paid, sig, ceiling)
	if err != nil {
		h.fail(w, r, op, start, err)
		return
	}
	h.observe(op, start, "")
	h.purchaseResponse(w, who, paid, credited)
}

func (h *handlers) receivePayment(w http.ResponseWriter, r *http.Request) {
	const op = "payment"
	start := time.Now()
	var req PaymentRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, op, start, err)
		return
	}
	paid, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.fail(w, r, op, start, err)
		return
	}
	who := caller(r)
	credited, err := h.engine.ReceivePayment(who, paid)
	if err != nil {
		h.fail(w, r, op, start, err)
		return
	}
	h.observe(op, start, "")
	h.purchaseResponse(w, who, paid, credited)
}

func (h *handlers) abort(w http.ResponseWriter, r *http.Request) {
	const op = "abort"
	start := time.Now()
	who := caller(r)
	if err := h.engine.AbortSale(who); err != nil {
		h.fail(w, r, op, start, err)
		return
	}
	h.observe(op, start, "")
	h.logger.Info("sale aborted over gateway", slog.String("operator", crypto.FormatAddress(who)))
	writeJSON(w, http.StatusOK, SettlementResponse{Caller: crypto.FormatAddress(who), Status: sale.StatusAborted.String()})
}

func (h *handlers) settle(op string, run func([20]byte) (*big.Int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		who := caller(r)
		amount, err := run(who)
		if err != nil {
			h.fail(w, r, op, start, err)
			return
		}
		h.observe(op, start, "")
		writeJSON(w, http.StatusOK, SettlementResponse{Caller: crypto.FormatAddress(who), Status: "ok", Amount: amount.String()})
	}
}

func (h *handlers) retrieve(w http.ResponseWriter, r *http.Request) {
	const op = "retrieve"
	start := time.Now()
	var req RetrieveRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, op, start, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.fail(w, r, op, start, err)
		return
	}
	who := caller(r)
	if err := h.engine.RetrieveFunds(who, amount); err != nil {
		h.fail(w, r, op, start, err)
		return
	}
	h.observe(op, start, "")
	writeJSON(w, http.StatusOK, SettlementResponse{Caller: crypto.FormatAddress(who), Status: "ok", Amount: amount.String()})
}
