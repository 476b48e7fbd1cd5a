package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrNotOwner       = errors.New("token: caller is not the owner")
	ErrInvalidAmount  = errors.New("token: amount must be positive")
	ErrNotDeployed    = errors.New("token: ledger not deployed")
	ErrSupplyOverflow = errors.New("token: supply exceeds 256 bits")
	ErrZeroOwner      = errors.New("token: owner must not be the zero address")
)

// Meta describes the deployed token.
type Meta struct {
	Name        string
	Symbol      string
	Decimals    uint8
	Owner       [20]byte
	TotalSupply *big.Int
}

// Clone returns a deep copy of the metadata.
func (m *Meta) Clone() *Meta {
	if m == nil {
		return nil
	}
	out := *m
	out.TotalSupply = big.NewInt(0)
	if m.TotalSupply != nil {
		out.TotalSupply.Set(m.TotalSupply)
	}
	return &out
}

type ledgerState interface {
	TokenMetaGet() (*Meta, bool, error)
	TokenMetaPut(*Meta) error
	TokenBalanceGet(addr [20]byte) (*big.Int, error)
	TokenBalancePut(addr [20]byte, amount *big.Int) error
}

// Ledger is a mintable token owned by a single identity. Only the owner may
// mint; ownership is handed to the sale once at deployment so that token
// claims are the only issuance path.
type Ledger struct {
	state ledgerState
}

// NewLedger binds the ledger to a state backend.
func NewLedger(state ledgerState) *Ledger {
	return &Ledger{state: state}
}

// Deploy records the token metadata with owner as the initial minter.
// Names are NFC-normalised. Deploying again returns the existing metadata
// unchanged.
func (l *Ledger) Deploy(name, symbol string, decimals uint8, owner [20]byte) (*Meta, error) {
	if l == nil || l.state == nil {
		return nil, ErrNotDeployed
	}
	if owner == ([20]byte{}) {
		return nil, ErrZeroOwner
	}
	existing, ok, err := l.state.TokenMetaGet()
	if err != nil {
		return nil, err
	}
	if ok {
		return existing, nil
	}
	meta := &Meta{
		Name:        norm.NFC.String(strings.TrimSpace(name)),
		Symbol:      strings.ToUpper(norm.NFC.String(strings.TrimSpace(symbol))),
		Decimals:    decimals,
		Owner:       owner,
		TotalSupply: big.NewInt(0),
	}
	if err := l.state.TokenMetaPut(meta); err != nil {
		return nil, err
	}
	return meta.Clone(), nil
}

func (l *Ledger) meta() (*Meta, error) {
	if l == nil || l.state == nil {
		return nil, ErrNotDeployed
	}
	meta, ok, err := l.state.TokenMetaGet()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotDeployed
	}
	return meta, nil
}

// Meta returns the deployed metadata.
func (l *Ledger) Meta() (*Meta, error) {
	meta, err := l.meta()
	if err != nil {
		return nil, err
	}
	return meta.Clone(), nil
}

// Owner returns the identity allowed to mint.
func (l *Ledger) Owner() ([20]byte, error) {
	meta, err := l.meta()
	if err != nil {
		return [20]byte{}, err
	}
	return meta.Owner, nil
}

// TransferOwnership hands minting rights to newOwner.
func (l *Ledger) TransferOwnership(caller, newOwner [20]byte) error {
	meta, err := l.meta()
	if err != nil {
		return err
	}
	if caller != meta.Owner {
		return ErrNotOwner
	}
	if newOwner == ([20]byte{}) {
		return ErrZeroOwner
	}
	meta.Owner = newOwner
	return l.state.TokenMetaPut(meta)
}

// Mint credits amount tokens to the recipient. Only the owner may mint.
func (l *Ledger) Mint(caller, to [20]byte, amount *big.Int) error {
	meta, err := l.meta()
	if err != nil {
		return err
	}
	if caller != meta.Owner {
		return ErrNotOwner
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	supply := new(big.Int).Add(meta.TotalSupply, amount)
	if _, overflow := uint256.FromBig(supply); overflow {
		return ErrSupplyOverflow
	}
	balance, err := l.state.TokenBalanceGet(to)
	if err != nil {
		return err
	}
	if err := l.state.TokenBalancePut(to, new(big.Int).Add(balance, amount)); err != nil {
		return fmt.Errorf("token: credit balance: %w", err)
	}
	meta.TotalSupply = supply
	return l.state.TokenMetaPut(meta)
}

// BalanceOf returns the minted balance of addr.
func (l *Ledger) BalanceOf(addr [20]byte) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, ErrNotDeployed
	}
	return l.state.TokenBalanceGet(addr)
}

// TotalSupply returns the amount minted so far.
func (l *Ledger) TotalSupply() (*big.Int, error) {
	meta, err := l.meta()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(meta.TotalSupply), nil
}
