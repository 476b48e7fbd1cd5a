package bank

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"tokensale/core/types"
)

var (
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	ErrInvalidAmount     = errors.New("bank: amount must be positive")
	ErrBalanceOverflow   = errors.New("bank: balance exceeds 256 bits")
	ErrSelfTransfer      = errors.New("bank: sender and recipient are identical")
)

// AccountState is the slice of the state backend the payment ledger needs.
type AccountState interface {
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

func checkWord(v *big.Int) error {
	if _, overflow := uint256.FromBig(v); overflow {
		return ErrBalanceOverflow
	}
	return nil
}

// Balance returns the payment-asset balance of addr.
func Balance(state AccountState, addr [20]byte) (*big.Int, error) {
	if state == nil {
		return nil, fmt.Errorf("bank: state required")
	}
	acc, err := state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(ensureAccount(acc).Balance), nil
}

// Credit mints amount of the payment asset into addr. It is only used to seed
// genesis allocations.
func Credit(state AccountState, addr [20]byte, amount *big.Int) error {
	if state == nil {
		return fmt.Errorf("bank: state required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	acc, err := state.GetAccount(addr)
	if err != nil {
		return err
	}
	acc = ensureAccount(acc)
	next := new(big.Int).Add(acc.Balance, amount)
	if err := checkWord(next); err != nil {
		return err
	}
	acc.Balance = next
	return state.PutAccount(addr, acc)
}

// Transfer moves amount of the payment asset from one account to another.
// Nothing is written unless both balances can be updated.
func Transfer(state AccountState, from, to [20]byte, amount *big.Int) error {
	if state == nil {
		return fmt.Errorf("bank: state required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if from == to {
		return ErrSelfTransfer
	}
	fromAcc, err := state.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := state.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, fromAcc.Balance, amount)
	}
	nextTo := new(big.Int).Add(toAcc.Balance, amount)
	if err := checkWord(nextTo); err != nil {
		return err
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	toAcc.Balance = nextTo
	if err := state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return state.PutAccount(to, toAcc)
}
