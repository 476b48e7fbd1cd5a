package sale

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	"github.com/holiman/uint256"

	"tokensale/crypto"
)

// Status is the lifecycle phase of the sale. It is always derived from the
// clock, the configured window and the aborted flag; it is never stored.
type Status uint8

// MaxBonusPercent bounds Config.BonusPercent. Credit is computed as
// paid*(100+bonus)/100/price, so the multiplier must stay well inside uint64.
const MaxBonusPercent = 1000

const (
	StatusActive Status = iota
	StatusClosed
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusClosed:
		return "closed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Config holds the immutable parameters fixed when the sale is created.
type Config struct {
	// Address is the identity of the sale itself. Whitelist notes are bound
	// to it and it holds the escrowed payments.
	Address [20]byte
	// Operator signs authorization notes and may abort the sale and
	// retrieve funds.
	Operator [20]byte
	// Wallet receives retrieved funds.
	Wallet [20]byte
	// Price is the number of payment units per token.
	Price *big.Int
	// BonusPercent is the extra credit granted to bonus purchases (30 = +30%).
	BonusPercent    uint64
	DurationSeconds int64
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.Address == ([20]byte{}) {
		return fmt.Errorf("sale: address required")
	}
	if c.Operator == ([20]byte{}) {
		return fmt.Errorf("sale: operator required")
	}
	if c.Wallet == ([20]byte{}) {
		return fmt.Errorf("sale: wallet required")
	}
	if c.Price == nil || c.Price.Sign() <= 0 {
		return fmt.Errorf("sale: price must be positive")
	}
	if _, overflow := uint256.FromBig(c.Price); overflow {
		return fmt.Errorf("sale: price exceeds 256 bits")
	}
	if c.BonusPercent > MaxBonusPercent {
		return fmt.Errorf("sale: bonus percent %d exceeds %d", c.BonusPercent, MaxBonusPercent)
	}
	if c.DurationSeconds <= 0 {
		return fmt.Errorf("sale: duration must be positive")
	}
	return nil
}

// Hash fingerprints the configuration so a persisted sale cannot be resumed
// with different parameters.
func (c Config) Hash() [32]byte {
	price := uint256.MustFromBig(c.Price).Bytes32()
	var scalars [16]byte
	binary.BigEndian.PutUint64(scalars[:8], c.BonusPercent)
	binary.BigEndian.PutUint64(scalars[8:], uint64(c.DurationSeconds))
	return crypto.Keccak256Hash(c.Address[:], c.Operator[:], c.Wallet[:], price[:], scalars[:])
}

// State is the mutable, sale-wide record.
type State struct {
	StartTime      int64
	Aborted        bool
	TotalRaised    *big.Int
	TotalRetrieved *big.Int
	ConfigHash     [32]byte
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.TotalRaised = cloneBigInt(s.TotalRaised)
	out.TotalRetrieved = cloneBigInt(s.TotalRetrieved)
	return &out
}

// BonusAllowance tracks how much has been spent against one bonus note cap.
type BonusAllowance struct {
	Cap   *big.Int
	Spent *big.Int
}

// Buyer is the per-identity purchase record. Records are created on first
// interaction and never deleted.
type Buyer struct {
	Address      [20]byte
	Whitelisted  bool
	Contributed  *big.Int
	TokenBalance *big.Int
	// Bonus is kept sorted by cap so encodings are deterministic.
	Bonus []BonusAllowance
}

func newBuyer(addr [20]byte) *Buyer {
	return &Buyer{
		Address:      addr,
		Contributed:  big.NewInt(0),
		TokenBalance: big.NewInt(0),
	}
}

// Clone returns a deep copy of the buyer record.
func (b *Buyer) Clone() *Buyer {
	if b == nil {
		return nil
	}
	out := &Buyer{
		Address:      b.Address,
		Whitelisted:  b.Whitelisted,
		Contributed:  cloneBigInt(b.Contributed),
		TokenBalance: cloneBigInt(b.TokenBalance),
	}
	if len(b.Bonus) > 0 {
		out.Bonus = make([]BonusAllowance, len(b.Bonus))
		for i, allowance := range b.Bonus {
			out.Bonus[i] = BonusAllowance{Cap: cloneBigInt(allowance.Cap), Spent: cloneBigInt(allowance.Spent)}
		}
	}
	return out
}

// BonusSpent returns the amount already spent against the note with the given
// cap.
func (b *Buyer) BonusSpent(cap *big.Int) *big.Int {
	for _, allowance := range b.Bonus {
		if allowance.Cap.Cmp(cap) == 0 {
			return cloneBigInt(allowance.Spent)
		}
	}
	return big.NewInt(0)
}

func (b *Buyer) setBonusSpent(cap, spent *big.Int) {
	for i := range b.Bonus {
		if b.Bonus[i].Cap.Cmp(cap) == 0 {
			b.Bonus[i].Spent = cloneBigInt(spent)
			return
		}
	}
	b.Bonus = append(b.Bonus, BonusAllowance{Cap: cloneBigInt(cap), Spent: cloneBigInt(spent)})
	sort.Slice(b.Bonus, func(i, j int) bool { return b.Bonus[i].Cap.Cmp(b.Bonus[j].Cap) < 0 })
}

// Snapshot is a read-only view of the whole sale.
type Snapshot struct {
	Address          [20]byte
	Operator         [20]byte
	Wallet           [20]byte
	Price            *big.Int
	BonusPercent     uint64
	DurationSeconds  int64
	StartTime        int64
	EndTime          int64
	Status           Status
	Aborted          bool
	TotalRaised      *big.Int
	TotalRetrieved   *big.Int
	RetrievableFunds *big.Int
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
