package state

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"tokensale/core/types"
)

var accountPrefix = []byte("bank/account/")

type storedAccount struct {
	Nonce   uint64
	Balance *uint256.Int
}

func accountKey(addr [20]byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr[:])
	return buf
}

// GetAccount returns the payment-asset account for addr. Unknown identities
// yield a zero-balance account.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	var stored storedAccount
	ok, err := m.KVGet(accountKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	account := &types.Account{Balance: big.NewInt(0)}
	if ok {
		account.Nonce = stored.Nonce
		if stored.Balance != nil {
			account.Balance = stored.Balance.ToBig()
		}
	}
	return account, nil
}

// PutAccount persists the provided account under addr.
func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("nil account")
	}
	balance := uint256.NewInt(0)
	if account.Balance != nil {
		if account.Balance.Sign() < 0 {
			return fmt.Errorf("state: negative balance")
		}
		var overflow bool
		balance, overflow = uint256.FromBig(account.Balance)
		if overflow {
			return fmt.Errorf("state: balance overflow")
		}
	}
	return m.KVPut(accountKey(addr), &storedAccount{Nonce: account.Nonce, Balance: balance})
}
