package sale

import (
	"fmt"
	"math/big"

	"tokensale/core/types"
	"tokensale/native/bank"
)

var (
	retrievalNumerator   = big.NewInt(9)
	retrievalDenominator = big.NewInt(10)
)

// retrievalCeiling is floor(9 * raised / 10).
func retrievalCeiling(raised *big.Int) *big.Int {
	if raised == nil {
		return big.NewInt(0)
	}
	ceiling := new(big.Int).Mul(raised, retrievalNumerator)
	return ceiling.Quo(ceiling, retrievalDenominator)
}

func retrievable(st *State) *big.Int {
	left := new(big.Int).Sub(retrievalCeiling(st.TotalRaised), cloneBigInt(st.TotalRetrieved))
	if left.Sign() < 0 {
		return big.NewInt(0)
	}
	return left
}

// WithdrawRefund returns the caller's cumulative contribution after an abort.
// Pending token credit is forfeited.
func (e *Engine) WithdrawRefund(caller [20]byte) (*big.Int, error) {
	var refunded *big.Int
	err := e.apply(opWithdrawRefund, func() ([]*types.Event, error) {
		st, err := e.loadState()
		if err != nil {
			return nil, err
		}
		if !st.Aborted {
			return nil, ErrNotAborted
		}
		buyer, err := e.loadBuyer(caller)
		if err != nil {
			return nil, err
		}
		if buyer.Contributed.Sign() == 0 {
			return nil, ErrNothingToRefund
		}
		refunded = cloneBigInt(buyer.Contributed)
		buyer.Contributed = big.NewInt(0)
		if err := e.state.SaleBuyerPut(buyer); err != nil {
			return nil, err
		}
		if err := bank.Transfer(e.state, e.cfg.Address, caller, refunded); err != nil {
			return nil, fmt.Errorf("sale: refund transfer: %w", err)
		}
		return []*types.Event{NewRefundedEvent(caller, refunded)}, nil
	})
	if err != nil {
		return nil, err
	}
	return refunded, nil
}

// ClaimTokens mints the caller's pending credit once the sale has closed.
func (e *Engine) ClaimTokens(caller [20]byte) (*big.Int, error) {
	var claimed *big.Int
	err := e.apply(opClaimTokens, func() ([]*types.Event, error) {
		st, err := e.loadState()
		if err != nil {
			return nil, err
		}
		if err := e.requireClosed(st); err != nil {
			return nil, err
		}
		buyer, err := e.loadBuyer(caller)
		if err != nil {
			return nil, err
		}
		if buyer.TokenBalance.Sign() == 0 {
			return nil, ErrNothingToClaim
		}
		claimed = cloneBigInt(buyer.TokenBalance)
		buyer.TokenBalance = big.NewInt(0)
		if err := e.state.SaleBuyerPut(buyer); err != nil {
			return nil, err
		}
		if err := e.ledger.Mint(e.cfg.Address, caller, claimed); err != nil {
			return nil, fmt.Errorf("sale: mint: %w", err)
		}
		return []*types.Event{NewTokensClaimedEvent(caller, claimed)}, nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RetrieveFunds sends amount from the sale vault to the wallet. Cumulative
// retrievals may not exceed 90% of the total raised.
func (e *Engine) RetrieveFunds(caller [20]byte, amount *big.Int) error {
	return e.apply(opRetrieveFunds, func() ([]*types.Event, error) {
		if caller != e.cfg.Operator {
			return nil, fmt.Errorf("%w: only the operator may retrieve funds", ErrUnauthorized)
		}
		st, err := e.loadState()
		if err != nil {
			return nil, err
		}
		if err := e.requireClosed(st); err != nil {
			return nil, err
		}
		if amount == nil || amount.Sign() <= 0 {
			return nil, ErrInvalidAmount
		}
		next := new(big.Int).Add(cloneBigInt(st.TotalRetrieved), amount)
		if ceiling := retrievalCeiling(st.TotalRaised); next.Cmp(ceiling) > 0 {
			return nil, fmt.Errorf("%w: retrieved %s of %s", ErrRetrievalCapExceeded, next, ceiling)
		}
		st.TotalRetrieved = next
		if err := e.state.SaleStatePut(st); err != nil {
			return nil, err
		}
		if err := bank.Transfer(e.state, e.cfg.Address, e.cfg.Wallet, amount); err != nil {
			return nil, fmt.Errorf("sale: retrieval transfer: %w", err)
		}
		e.logger.Info("funds retrieved", "amount", amount.String(), "total", next.String())
		return []*types.Event{NewFundsRetrievedEvent(e.cfg.Wallet, amount, next)}, nil
	})
}

// RetrievableFunds returns how much the operator may still retrieve.
func (e *Engine) RetrievableFunds() (*big.Int, error) {
	var out *big.Int
	err := e.view(func() error {
		st, err := e.loadState()
		if err != nil {
			return err
		}
		out = retrievable(st)
		return nil
	})
	return out, err
}

// TotalRaised returns the aggregate of all accepted payments.
func (e *Engine) TotalRaised() (*big.Int, error) {
	var out *big.Int
	err := e.view(func() error {
		st, err := e.loadState()
		if err != nil {
			return err
		}
		out = cloneBigInt(st.TotalRaised)
		return nil
	})
	return out, err
}

// TotalRetrieved returns the funds already sent to the wallet.
func (e *Engine) TotalRetrieved() (*big.Int, error) {
	var out *big.Int
	err := e.view(func() error {
		st, err := e.loadState()
		if err != nil {
			return err
		}
		out = cloneBigInt(st.TotalRetrieved)
		return nil
	})
	return out, err
}
