package types

import "math/big"

// Account tracks the payment-asset balance held by an identity. Buyers fund
// purchases from it, and refunds and operator retrievals credit it.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}

// Clone returns a deep copy so callers can mutate the result freely.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	out := &Account{Nonce: a.Nonce, Balance: big.NewInt(0)}
	if a.Balance != nil {
		out.Balance.Set(a.Balance)
	}
	return out
}
