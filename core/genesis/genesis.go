package genesis

import (
	"errors"
	"fmt"
	"math/big"

	"tokensale/core/state"
	"tokensale/crypto"
	"tokensale/native/bank"
	"tokensale/native/token"
)

// TokenSpec describes the token deployed for the sale.
type TokenSpec struct {
	Name     string
	Symbol   string
	Decimals uint8
}

// Allocation seeds a payment-asset balance.
type Allocation struct {
	Address [20]byte
	Amount  *big.Int
}

// Spec is the initial state of a sale deployment: the token is deployed by
// the operator and minting rights are handed to the sale address.
type Spec struct {
	Operator    [20]byte
	SaleAddress [20]byte
	Token       TokenSpec
	Allocations []Allocation
}

// Result summarises an Apply call.
type Result struct {
	// Fresh is true when Apply deployed the token in this call.
	Fresh bool
	Token *token.Meta
}

func (s *Spec) validate() error {
	if s == nil {
		return errors.New("genesis: spec must not be nil")
	}
	if s.Operator == ([20]byte{}) {
		return errors.New("genesis: operator required")
	}
	if s.SaleAddress == ([20]byte{}) {
		return errors.New("genesis: sale address required")
	}
	seen := make(map[[20]byte]struct{}, len(s.Allocations))
	for i, alloc := range s.Allocations {
		if alloc.Amount == nil || alloc.Amount.Sign() <= 0 {
			return fmt.Errorf("genesis: allocation %d must be positive", i)
		}
		if _, dup := seen[alloc.Address]; dup {
			return fmt.Errorf("genesis: duplicate allocation for %s", crypto.FormatAddress(alloc.Address))
		}
		seen[alloc.Address] = struct{}{}
	}
	return nil
}

// Apply writes the genesis state into mgr and commits it. On a database that
// already holds a deployed token Apply only verifies that the sale owns it;
// allocations are never credited twice.
func Apply(spec *Spec, mgr *state.Manager) (*Result, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if mgr == nil {
		return nil, errors.New("genesis: state manager must not be nil")
	}
	ledger := token.NewLedger(mgr)

	if _, deployed, err := mgr.TokenMetaGet(); err != nil {
		return nil, err
	} else if deployed {
		meta, err := ledger.Meta()
		if err != nil {
			return nil, err
		}
		if meta.Owner != spec.SaleAddress {
			return nil, fmt.Errorf("genesis: token owned by %s, expected sale %s",
				crypto.FormatAddress(meta.Owner), crypto.FormatAddress(spec.SaleAddress))
		}
		return &Result{Token: meta}, nil
	}

	if err := build(spec, mgr, ledger); err != nil {
		mgr.Discard()
		return nil, err
	}
	if err := mgr.Commit(); err != nil {
		mgr.Discard()
		return nil, err
	}
	meta, err := ledger.Meta()
	if err != nil {
		return nil, err
	}
	return &Result{Fresh: true, Token: meta}, nil
}

func build(spec *Spec, mgr *state.Manager, ledger *token.Ledger) error {
	if _, err := ledger.Deploy(spec.Token.Name, spec.Token.Symbol, spec.Token.Decimals, spec.Operator); err != nil {
		return fmt.Errorf("genesis: deploy token: %w", err)
	}
	if err := ledger.TransferOwnership(spec.Operator, spec.SaleAddress); err != nil {
		return fmt.Errorf("genesis: transfer token ownership: %w", err)
	}
	for _, alloc := range spec.Allocations {
		if err := bank.Credit(mgr, alloc.Address, alloc.Amount); err != nil {
			return fmt.Errorf("genesis: credit %s: %w", crypto.FormatAddress(alloc.Address), err)
		}
	}
	return nil
}
