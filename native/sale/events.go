package sale

import (
	"math/big"
	"strconv"

	"tokensale/core/types"
	"tokensale/crypto"
)

const (
	// EventTypeSaleStarted is emitted once when the sale is initialised.
	EventTypeSaleStarted = "sale.started"
	// EventTypeWhitelisted is emitted when a whitelist note is consumed.
	EventTypeWhitelisted = "sale.whitelisted"
	// EventTypePurchased is emitted for every accepted payment.
	EventTypePurchased = "sale.purchased"
	// EventTypeAborted is emitted when the operator aborts the sale.
	EventTypeAborted = "sale.aborted"
	// EventTypeRefunded is emitted when a buyer withdraws a refund.
	EventTypeRefunded = "sale.refunded"
	// EventTypeTokensClaimed is emitted when pending credit is minted.
	EventTypeTokensClaimed = "sale.tokens_claimed"
	// EventTypeFundsRetrieved is emitted when the operator moves funds to
	// the wallet.
	EventTypeFundsRetrieved = "sale.funds_retrieved"
)

const (
	opStart               = "start"
	opSubmitWhitelistNote = "submit_whitelist_note"
	opBuyWithSignature    = "buy_with_signature"
	opBuyWithBonus        = "buy_with_bonus"
	opReceivePayment      = "receive_payment"
	opAbortSale           = "abort_sale"
	opWithdrawRefund      = "withdraw_refund"
	opClaimTokens         = "claim_tokens"
	opRetrieveFunds       = "retrieve_funds"
)

func addressAttr(addr [20]byte) string {
	return crypto.FormatAddress(addr)
}

func amountAttr(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// NewStartedEvent describes the sale window and pricing.
func NewStartedEvent(cfg Config, st *State) *types.Event {
	return types.NewEvent(EventTypeSaleStarted).
		With("sale", addressAttr(cfg.Address)).
		With("operator", addressAttr(cfg.Operator)).
		With("wallet", addressAttr(cfg.Wallet)).
		With("price", amountAttr(cfg.Price)).
		With("bonusPercent", strconv.FormatUint(cfg.BonusPercent, 10)).
		With("start", strconv.FormatInt(st.StartTime, 10)).
		With("end", strconv.FormatInt(st.StartTime+cfg.DurationSeconds, 10))
}

// NewWhitelistedEvent records a consumed whitelist note.
func NewWhitelistedEvent(buyer [20]byte) *types.Event {
	return types.NewEvent(EventTypeWhitelisted).With("buyer", addressAttr(buyer))
}

// NewPurchasedEvent records an accepted payment and its token credit.
func NewPurchasedEvent(path string, buyer [20]byte, paid, credited *big.Int, bonus bool) *types.Event {
	return types.NewEvent(EventTypePurchased).
		With("buyer", addressAttr(buyer)).
		With("path", path).
		With("paid", amountAttr(paid)).
		With("credited", amountAttr(credited)).
		With("bonus", strconv.FormatBool(bonus))
}

// NewAbortedEvent records the abort transition.
func NewAbortedEvent(operator [20]byte, raised *big.Int) *types.Event {
	return types.NewEvent(EventTypeAborted).
		With("operator", addressAttr(operator)).
		With("totalRaised", amountAttr(raised))
}

// NewRefundedEvent records a refund payout.
func NewRefundedEvent(buyer [20]byte, amount *big.Int) *types.Event {
	return types.NewEvent(EventTypeRefunded).
		With("buyer", addressAttr(buyer)).
		With("amount", amountAttr(amount))
}

// NewTokensClaimedEvent records minted token credit.
func NewTokensClaimedEvent(buyer [20]byte, amount *big.Int) *types.Event {
	return types.NewEvent(EventTypeTokensClaimed).
		With("buyer", addressAttr(buyer)).
		With("amount", amountAttr(amount))
}

// NewFundsRetrievedEvent records a transfer to the wallet.
func NewFundsRetrievedEvent(wallet [20]byte, amount, total *big.Int) *types.Event {
	return types.NewEvent(EventTypeFundsRetrieved).
		With("wallet", addressAttr(wallet)).
		With("amount", amountAttr(amount)).
		With("totalRetrieved", amountAttr(total))
}
