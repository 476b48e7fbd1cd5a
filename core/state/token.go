package state

import (
	"fmt"
	"math/big"

	"tokensale/native/token"
)

var (
	tokenMetaKey       = []byte("token/meta")
	tokenBalancePrefix = []byte("token/balance/")
)

type storedTokenMeta struct {
	Name        string
	Symbol      string
	Decimals    uint8
	Owner       [20]byte
	TotalSupply *big.Int
}

func tokenBalanceKey(addr [20]byte) []byte {
	buf := make([]byte, len(tokenBalancePrefix)+len(addr))
	copy(buf, tokenBalancePrefix)
	copy(buf[len(tokenBalancePrefix):], addr[:])
	return buf
}

// TokenMetaGet loads the deployed token metadata.
func (m *Manager) TokenMetaGet() (*token.Meta, bool, error) {
	var stored storedTokenMeta
	ok, err := m.KVGet(tokenMetaKey, &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &token.Meta{
		Name:        stored.Name,
		Symbol:      stored.Symbol,
		Decimals:    stored.Decimals,
		Owner:       stored.Owner,
		TotalSupply: nonNegative(stored.TotalSupply),
	}, true, nil
}

// TokenMetaPut persists the token metadata.
func (m *Manager) TokenMetaPut(meta *token.Meta) error {
	if meta == nil {
		return fmt.Errorf("state: nil token metadata")
	}
	return m.KVPut(tokenMetaKey, &storedTokenMeta{
		Name:        meta.Name,
		Symbol:      meta.Symbol,
		Decimals:    meta.Decimals,
		Owner:       meta.Owner,
		TotalSupply: nonNegative(meta.TotalSupply),
	})
}

// TokenBalanceGet returns the minted token balance of addr.
func (m *Manager) TokenBalanceGet(addr [20]byte) (*big.Int, error) {
	balance := new(big.Int)
	ok, err := m.KVGet(tokenBalanceKey(addr), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

// TokenBalancePut stores the minted token balance of addr.
func (m *Manager) TokenBalancePut(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: invalid token balance")
	}
	return m.KVPut(tokenBalanceKey(addr), amount)
}
