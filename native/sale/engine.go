package sale

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"tokensale/core/events"
	"tokensale/core/types"
	"tokensale/native/bank"
)

type engineState interface {
	bank.AccountState
	SaleStateGet() (*State, bool, error)
	SaleStatePut(*State) error
	SaleBuyerGet(addr [20]byte) (*Buyer, bool, error)
	SaleBuyerPut(*Buyer) error
	Commit() error
	Discard()
}

// TokenLedger is the external fungible-token ledger. The engine must have
// been granted minting rights (ownership) for claims to succeed.
type TokenLedger interface {
	Mint(caller, to [20]byte, amount *big.Int) error
	BalanceOf(addr [20]byte) (*big.Int, error)
}

type saleEvent struct {
	evt *types.Event
}

func (e saleEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e saleEvent) Event() *types.Event { return e.evt }

// Engine is the settlement engine of a single sale. Every operation is
// serialised by the engine mutex and applied to the state backend as one
// unit: either all of its writes are committed or none are.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	state   engineState
	ledger  TokenLedger
	emitter events.Emitter
	logger  *slog.Logger
	nowFn   func() int64
}

// NewEngine validates cfg and returns an engine bound to the state backend
// and token ledger. Call Start before serving operations.
func NewEngine(cfg Config, state engineState, ledger TokenLedger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if state == nil {
		return nil, errNilState
	}
	if ledger == nil {
		return nil, errNilMinter
	}
	cfg.Price = cloneBigInt(cfg.Price)
	return &Engine{
		cfg:     cfg,
		state:   state,
		ledger:  ledger,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}, nil
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger replaces the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// apply runs fn under the engine lock. Writes made by fn are committed only
// when it succeeds; events are emitted after the commit.
func (e *Engine) apply(op string, fn func() ([]*types.Event, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	emitted, err := fn()
	if err != nil {
		e.state.Discard()
		e.logger.Debug("sale operation rejected", "op", op, "error", err)
		return err
	}
	if err := e.state.Commit(); err != nil {
		e.state.Discard()
		e.logger.Error("sale commit failed", "op", op, "error", err)
		return fmt.Errorf("sale: commit %s: %w", op, err)
	}
	for _, evt := range emitted {
		if evt != nil {
			e.emitter.Emit(saleEvent{evt: evt})
		}
	}
	return nil
}

// view runs fn under the engine lock without committing anything.
func (e *Engine) view(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}

// Start initialises the sale on first run, stamping the start time, or
// verifies that a persisted sale was created with the same configuration.
func (e *Engine) Start() error {
	return e.apply(opStart, func() ([]*types.Event, error) {
		hash := e.cfg.Hash()
		existing, ok, err := e.state.SaleStateGet()
		if err != nil {
			return nil, err
		}
		if ok {
			if existing.ConfigHash != hash {
				return nil, ErrConfigMismatch
			}
			e.logger.Info("sale resumed", "start", existing.StartTime, "aborted", existing.Aborted)
			return nil, nil
		}
		st := &State{
			StartTime:      e.now(),
			TotalRaised:    big.NewInt(0),
			TotalRetrieved: big.NewInt(0),
			ConfigHash:     hash,
		}
		if err := e.state.SaleStatePut(st); err != nil {
			return nil, err
		}
		e.logger.Info("sale started", "start", st.StartTime, "end", st.StartTime+e.cfg.DurationSeconds)
		return []*types.Event{NewStartedEvent(e.cfg, st)}, nil
	})
}

func (e *Engine) loadState() (*State, error) {
	st, ok, err := e.state.SaleStateGet()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotStarted
	}
	return st, nil
}

func (e *Engine) loadBuyer(addr [20]byte) (*Buyer, error) {
	buyer, ok, err := e.state.SaleBuyerGet(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return newBuyer(addr), nil
	}
	return buyer, nil
}

// creditPurchase converts a payment into token credit, truncating toward
// zero, and updates the buyer and sale totals. Eligibility is checked by the
// callers.
func (e *Engine) creditPurchase(st *State, buyer *Buyer, paid *big.Int, bonus bool) *big.Int {
	multiplier := uint64(100)
	if bonus {
		multiplier += e.cfg.BonusPercent
	}
	credited := new(big.Int).Mul(paid, new(big.Int).SetUint64(multiplier))
	credited.Quo(credited, big.NewInt(100))
	credited.Quo(credited, e.cfg.Price)

	buyer.TokenBalance = new(big.Int).Add(buyer.TokenBalance, credited)
	buyer.Contributed = new(big.Int).Add(buyer.Contributed, paid)
	st.TotalRaised = new(big.Int).Add(st.TotalRaised, paid)
	return credited
}

// purchase is the shared body of the three purchase paths. authorize decides
// whether the bonus applies and may mutate the buyer record (whitelisting,
// bonus allowance consumption).
func (e *Engine) purchase(op string, caller [20]byte, paid *big.Int, authorize func(*Buyer) (bool, []*types.Event, error)) (*big.Int, error) {
	var credited *big.Int
	err := e.apply(op, func() ([]*types.Event, error) {
		st, err := e.loadState()
		if err != nil {
			return nil, err
		}
		if err := e.requireActive(st); err != nil {
			return nil, err
		}
		if paid == nil || paid.Sign() <= 0 {
			return nil, ErrInvalidAmount
		}
		buyer, err := e.loadBuyer(caller)
		if err != nil {
			return nil, err
		}
		bonus, emitted, err := authorize(buyer)
		if err != nil {
			return nil, err
		}
		if err := bank.Transfer(e.state, caller, e.cfg.Address, paid); err != nil {
			return nil, err
		}
		credited = e.creditPurchase(st, buyer, paid, bonus)
		if err := e.state.SaleBuyerPut(buyer); err != nil {
			return nil, err
		}
		if err := e.state.SaleStatePut(st); err != nil {
			return nil, err
		}
		return append(emitted, NewPurchasedEvent(op, buyer.Address, paid, credited, bonus)), nil
	})
	if err != nil {
		return nil, err
	}
	return credited, nil
}

// BuyWithSignature purchases without bonus. A caller that is not yet
// whitelisted must present a whitelist note for itself, which is consumed as
// part of the purchase.
func (e *Engine) BuyWithSignature(caller [20]byte, paid *big.Int, sig []byte) (*big.Int, error) {
	return e.purchase(opBuyWithSignature, caller, paid, func(buyer *Buyer) (bool, []*types.Event, error) {
		if buyer.Whitelisted {
			return false, nil, nil
		}
		if err := e.consumeWhitelistNote(buyer, sig); err != nil {
			return false, nil, err
		}
		return false, []*types.Event{NewWhitelistedEvent(buyer.Address)}, nil
	})
}

// BuyWithBonus purchases with the bonus multiplier against a bonus note cap.
// Whitelist status is neither required nor granted.
func (e *Engine) BuyWithBonus(caller [20]byte, paid *big.Int, sig []byte, maxBonusAmount *big.Int) (*big.Int, error) {
	return e.purchase(opBuyWithBonus, caller, paid, func(buyer *Buyer) (bool, []*types.Event, error) {
		if err := e.authorizeBonus(buyer, sig, maxBonusAmount, paid); err != nil {
			return false, nil, err
		}
		return true, nil, nil
	})
}

// ReceivePayment is the signature-less purchase path for whitelisted buyers.
func (e *Engine) ReceivePayment(caller [20]byte, paid *big.Int) (*big.Int, error) {
	return e.purchase(opReceivePayment, caller, paid, func(buyer *Buyer) (bool, []*types.Event, error) {
		if !buyer.Whitelisted {
			return false, nil, ErrNotWhitelisted
		}
		return false, nil, nil
	})
}

// --- read-only accessors ---

// Address returns the sale identity.
func (e *Engine) Address() [20]byte { return e.cfg.Address }

// Price returns the payment units per token.
func (e *Engine) Price() *big.Int { return cloneBigInt(e.cfg.Price) }

// BonusPercent returns the bonus multiplier in percent.
func (e *Engine) BonusPercent() uint64 { return e.cfg.BonusPercent }

// Duration returns the sale window length in seconds.
func (e *Engine) Duration() int64 { return e.cfg.DurationSeconds }

// Wallet returns the recipient of retrieved funds.
func (e *Engine) Wallet() [20]byte { return e.cfg.Wallet }

// Operator returns the note signer and privileged caller.
func (e *Engine) Operator() [20]byte { return e.cfg.Operator }

// Buyer returns a snapshot of the purchase record of addr. Identities that
// never interacted yield an empty record.
func (e *Engine) Buyer(addr [20]byte) (*Buyer, error) {
	var out *Buyer
	err := e.view(func() error {
		buyer, err := e.loadBuyer(addr)
		if err != nil {
			return err
		}
		out = buyer.Clone()
		return nil
	})
	return out, err
}

// IsWhitelisted reports whether addr is whitelisted.
func (e *Engine) IsWhitelisted(addr [20]byte) (bool, error) {
	buyer, err := e.Buyer(addr)
	if err != nil {
		return false, err
	}
	return buyer.Whitelisted, nil
}

// Balances returns the pending (unclaimed) token credit of addr.
func (e *Engine) Balances(addr [20]byte) (*big.Int, error) {
	buyer, err := e.Buyer(addr)
	if err != nil {
		return nil, err
	}
	return buyer.TokenBalance, nil
}

// Contributed returns the refundable payment total of addr.
func (e *Engine) Contributed(addr [20]byte) (*big.Int, error) {
	buyer, err := e.Buyer(addr)
	if err != nil {
		return nil, err
	}
	return buyer.Contributed, nil
}

// PaymentBalance returns the payment-asset balance of addr.
func (e *Engine) PaymentBalance(addr [20]byte) (*big.Int, error) {
	var out *big.Int
	err := e.view(func() error {
		balance, err := bank.Balance(e.state, addr)
		out = balance
		return err
	})
	return out, err
}

// TokenBalance returns the tokens already minted to addr.
func (e *Engine) TokenBalance(addr [20]byte) (*big.Int, error) {
	var out *big.Int
	err := e.view(func() error {
		balance, err := e.ledger.BalanceOf(addr)
		out = balance
		return err
	})
	return out, err
}

// Snapshot returns the configuration and current totals of the sale.
func (e *Engine) Snapshot() (*Snapshot, error) {
	var out *Snapshot
	err := e.view(func() error {
		st, err := e.loadState()
		if err != nil {
			return err
		}
		out = &Snapshot{
			Address:          e.cfg.Address,
			Operator:         e.cfg.Operator,
			Wallet:           e.cfg.Wallet,
			Price:            cloneBigInt(e.cfg.Price),
			BonusPercent:     e.cfg.BonusPercent,
			DurationSeconds:  e.cfg.DurationSeconds,
			StartTime:        st.StartTime,
			EndTime:          e.endTime(st),
			Status:           e.statusAt(st, e.now()),
			Aborted:          st.Aborted,
			TotalRaised:      cloneBigInt(st.TotalRaised),
			TotalRetrieved:   cloneBigInt(st.TotalRetrieved),
			RetrievableFunds: retrievable(st),
		}
		return nil
	})
	return out, err
}
