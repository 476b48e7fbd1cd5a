package state

import (
	"fmt"
	"math/big"

	"tokensale/native/sale"
)

var (
	saleStateKey = []byte("sale/state")
	buyerPrefix  = []byte("sale/buyer/")
)

type storedSaleState struct {
	StartTime      uint64
	Aborted        bool
	TotalRaised    *big.Int
	TotalRetrieved *big.Int
	ConfigHash     [32]byte
}

type storedAllowance struct {
	Cap   *big.Int
	Spent *big.Int
}

type storedBuyer struct {
	Whitelisted  bool
	Contributed  *big.Int
	TokenBalance *big.Int
	Bonus        []storedAllowance
}

func buyerKey(addr [20]byte) []byte {
	buf := make([]byte, len(buyerPrefix)+len(addr))
	copy(buf, buyerPrefix)
	copy(buf[len(buyerPrefix):], addr[:])
	return buf
}

func nonNegative(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// SaleStateGet loads the sale-wide record. The boolean reports whether the
// sale has been initialised.
func (m *Manager) SaleStateGet() (*sale.State, bool, error) {
	var stored storedSaleState
	ok, err := m.KVGet(saleStateKey, &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &sale.State{
		StartTime:      int64(stored.StartTime),
		Aborted:        stored.Aborted,
		TotalRaised:    nonNegative(stored.TotalRaised),
		TotalRetrieved: nonNegative(stored.TotalRetrieved),
		ConfigHash:     stored.ConfigHash,
	}, true, nil
}

// SaleStatePut persists the sale-wide record.
func (m *Manager) SaleStatePut(st *sale.State) error {
	if st == nil {
		return fmt.Errorf("state: nil sale state")
	}
	if st.StartTime < 0 {
		return fmt.Errorf("state: negative sale start time")
	}
	return m.KVPut(saleStateKey, &storedSaleState{
		StartTime:      uint64(st.StartTime),
		Aborted:        st.Aborted,
		TotalRaised:    nonNegative(st.TotalRaised),
		TotalRetrieved: nonNegative(st.TotalRetrieved),
		ConfigHash:     st.ConfigHash,
	})
}

// SaleBuyerGet loads the purchase record of addr.
func (m *Manager) SaleBuyerGet(addr [20]byte) (*sale.Buyer, bool, error) {
	var stored storedBuyer
	ok, err := m.KVGet(buyerKey(addr), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	buyer := &sale.Buyer{
		Address:      addr,
		Whitelisted:  stored.Whitelisted,
		Contributed:  nonNegative(stored.Contributed),
		TokenBalance: nonNegative(stored.TokenBalance),
	}
	for _, allowance := range stored.Bonus {
		buyer.Bonus = append(buyer.Bonus, sale.BonusAllowance{
			Cap:   nonNegative(allowance.Cap),
			Spent: nonNegative(allowance.Spent),
		})
	}
	return buyer, true, nil
}

// SaleBuyerPut persists a purchase record keyed by its address.
func (m *Manager) SaleBuyerPut(buyer *sale.Buyer) error {
	if buyer == nil {
		return fmt.Errorf("state: nil buyer")
	}
	stored := &storedBuyer{
		Whitelisted:  buyer.Whitelisted,
		Contributed:  nonNegative(buyer.Contributed),
		TokenBalance: nonNegative(buyer.TokenBalance),
	}
	for _, allowance := range buyer.Bonus {
		stored.Bonus = append(stored.Bonus, storedAllowance{
			Cap:   nonNegative(allowance.Cap),
			Spent: nonNegative(allowance.Spent),
		})
	}
	return m.KVPut(buyerKey(buyer.Address), stored)
}
