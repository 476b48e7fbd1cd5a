package sale

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"tokensale/core/types"
	"tokensale/crypto"
)

// WhitelistDigest is the message the operator signs to whitelist buyer for
// the sale at saleAddr: keccak256(saleAddr || buyer).
func WhitelistDigest(saleAddr, buyer [20]byte) [32]byte {
	return crypto.Keccak256Hash(saleAddr[:], buyer[:])
}

// BonusDigest is the message the operator signs to grant buyer bonus
// purchases up to maxBonusAmount: keccak256(buyer || uint256(maxBonusAmount)).
func BonusDigest(buyer [20]byte, maxBonusAmount *big.Int) ([32]byte, error) {
	if maxBonusAmount == nil || maxBonusAmount.Sign() < 0 {
		return [32]byte{}, fmt.Errorf("%w: bonus cap must be non-negative", ErrInvalidAmount)
	}
	word, overflow := uint256.FromBig(maxBonusAmount)
	if overflow {
		return [32]byte{}, fmt.Errorf("%w: bonus cap exceeds 256 bits", ErrInvalidAmount)
	}
	encoded := word.Bytes32()
	return crypto.Keccak256Hash(buyer[:], encoded[:]), nil
}

// SignWhitelistNote produces the operator signature whitelisting buyer.
func SignWhitelistNote(operator *crypto.PrivateKey, saleAddr, buyer [20]byte) ([]byte, error) {
	return crypto.SignDigest(operator, WhitelistDigest(saleAddr, buyer))
}

// SignBonusNote produces the operator signature granting buyer a bonus cap.
func SignBonusNote(operator *crypto.PrivateKey, buyer [20]byte, maxBonusAmount *big.Int) ([]byte, error) {
	digest, err := BonusDigest(buyer, maxBonusAmount)
	if err != nil {
		return nil, err
	}
	return crypto.SignDigest(operator, digest)
}

func (e *Engine) verifyOperator(digest [32]byte, sig []byte) error {
	signer, err := crypto.RecoverSigner(digest, sig)
	if err != nil {
		return err
	}
	if signer != e.cfg.Operator {
		return fmt.Errorf("%w: note not signed by operator", ErrUnauthorized)
	}
	return nil
}

func (e *Engine) consumeWhitelistNote(buyer *Buyer, sig []byte) error {
	if err := e.verifyOperator(WhitelistDigest(e.cfg.Address, buyer.Address), sig); err != nil {
		return err
	}
	if buyer.Whitelisted {
		return ErrAlreadyWhitelisted
	}
	buyer.Whitelisted = true
	return nil
}

// authorizeBonus checks the note signature and the remaining capacity of the
// (buyer, cap) pair, then records requested as spent.
func (e *Engine) authorizeBonus(buyer *Buyer, sig []byte, maxBonusAmount, requested *big.Int) error {
	digest, err := BonusDigest(buyer.Address, maxBonusAmount)
	if err != nil {
		return err
	}
	if err := e.verifyOperator(digest, sig); err != nil {
		return err
	}
	spent := buyer.BonusSpent(maxBonusAmount)
	remaining := new(big.Int).Sub(maxBonusAmount, spent)
	if requested.Cmp(remaining) > 0 {
		return fmt.Errorf("%w: requested %s, remaining %s", ErrBonusCapExceeded, requested, remaining)
	}
	buyer.setBonusSpent(maxBonusAmount, new(big.Int).Add(spent, requested))
	return nil
}

// SubmitWhitelistNote whitelists caller with an operator-signed note. A
// buyer can be whitelisted once.
func (e *Engine) SubmitWhitelistNote(caller [20]byte, sig []byte) error {
	return e.apply(opSubmitWhitelistNote, func() ([]*types.Event, error) {
		st, err := e.loadState()
		if err != nil {
			return nil, err
		}
		if err := e.requireActive(st); err != nil {
			return nil, err
		}
		buyer, err := e.loadBuyer(caller)
		if err != nil {
			return nil, err
		}
		if err := e.consumeWhitelistNote(buyer, sig); err != nil {
			return nil, err
		}
		if err := e.state.SaleBuyerPut(buyer); err != nil {
			return nil, err
		}
		return []*types.Event{NewWhitelistedEvent(caller)}, nil
	})
}

// BonusRemaining returns how much buyer may still spend against the bonus
// note with the given cap. It does not verify any signature.
func (e *Engine) BonusRemaining(buyer [20]byte, maxBonusAmount *big.Int) (*big.Int, error) {
	if maxBonusAmount == nil || maxBonusAmount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	record, err := e.Buyer(buyer)
	if err != nil {
		return nil, err
	}
	remaining := new(big.Int).Sub(maxBonusAmount, record.BonusSpent(maxBonusAmount))
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	return remaining, nil
}
