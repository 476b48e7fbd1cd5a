package sale

import (
	"errors"
	"fmt"

	"tokensale/crypto"
	"tokensale/native/bank"
)

var (
	ErrUnauthorized = errors.New("sale: unauthorized")
	// ErrNotWhitelisted is returned when a direct payment comes from a caller
	// that was never whitelisted. It matches ErrUnauthorized as well.
	ErrNotWhitelisted       = fmt.Errorf("%w: caller not whitelisted", ErrUnauthorized)
	ErrMalformedSignature   = crypto.ErrMalformedSignature
	ErrAlreadyWhitelisted   = errors.New("sale: already whitelisted")
	ErrBonusCapExceeded     = errors.New("sale: bonus cap exceeded")
	ErrSaleNotActive        = errors.New("sale: sale not active")
	ErrSaleAborted          = errors.New("sale: sale aborted")
	ErrSaleAlreadyClosed    = errors.New("sale: sale already closed")
	ErrSaleNotClosed        = errors.New("sale: sale not closed")
	ErrNotAborted           = errors.New("sale: sale not aborted")
	ErrNothingToRefund      = errors.New("sale: nothing to refund")
	ErrNothingToClaim       = errors.New("sale: nothing to claim")
	ErrRetrievalCapExceeded = errors.New("sale: retrieval cap exceeded")
	ErrInvalidAmount        = errors.New("sale: amount must be positive")
	ErrInsufficientFunds    = bank.ErrInsufficientFunds
	ErrConfigMismatch       = errors.New("sale: persisted sale has different configuration")
	ErrNotStarted           = errors.New("sale: not initialised")

	errNilState  = errors.New("sale engine: state not configured")
	errNilMinter = errors.New("sale engine: token ledger not configured")
)
