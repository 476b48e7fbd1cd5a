package sale

import (
	"fmt"

	"tokensale/core/types"
)

func (e *Engine) endTime(st *State) int64 {
	return st.StartTime + e.cfg.DurationSeconds
}

func (e *Engine) statusAt(st *State, now int64) Status {
	switch {
	case st.Aborted:
		return StatusAborted
	case now >= e.endTime(st):
		return StatusClosed
	default:
		return StatusActive
	}
}

// requireActive gates the purchase and whitelist paths.
func (e *Engine) requireActive(st *State) error {
	switch e.statusAt(st, e.now()) {
	case StatusAborted:
		return ErrSaleAborted
	case StatusClosed:
		return ErrSaleNotActive
	}
	return nil
}

// requireClosed gates claims and fund retrieval.
func (e *Engine) requireClosed(st *State) error {
	switch e.statusAt(st, e.now()) {
	case StatusAborted:
		return ErrSaleAborted
	case StatusActive:
		return ErrSaleNotClosed
	}
	return nil
}

// Status returns the lifecycle phase at the current engine time.
func (e *Engine) Status() (Status, error) {
	var status Status
	err := e.view(func() error {
		st, err := e.loadState()
		if err != nil {
			return err
		}
		status = e.statusAt(st, e.now())
		return nil
	})
	return status, err
}

// IsAborted reports whether the operator aborted the sale.
func (e *Engine) IsAborted() (bool, error) {
	status, err := e.Status()
	return status == StatusAborted, err
}

// IsClosed reports whether the sale window elapsed without an abort.
func (e *Engine) IsClosed() (bool, error) {
	status, err := e.Status()
	return status == StatusClosed, err
}

// StartTime returns the unix time the sale opened.
func (e *Engine) StartTime() (int64, error) {
	var start int64
	err := e.view(func() error {
		st, err := e.loadState()
		if err != nil {
			return err
		}
		start = st.StartTime
		return nil
	})
	return start, err
}

// EndTime returns the unix time at which the sale closes.
func (e *Engine) EndTime() (int64, error) {
	start, err := e.StartTime()
	if err != nil {
		return 0, err
	}
	return start + e.cfg.DurationSeconds, nil
}

// AbortSale moves an active sale to the terminal aborted state, enabling
// refunds. Only the operator may abort and only before the window elapses.
func (e *Engine) AbortSale(caller [20]byte) error {
	return e.apply(opAbortSale, func() ([]*types.Event, error) {
		if caller != e.cfg.Operator {
			return nil, fmt.Errorf("%w: only the operator may abort", ErrUnauthorized)
		}
		st, err := e.loadState()
		if err != nil {
			return nil, err
		}
		switch e.statusAt(st, e.now()) {
		case StatusAborted:
			return nil, ErrSaleAborted
		case StatusClosed:
			return nil, ErrSaleAlreadyClosed
		}
		st.Aborted = true
		if err := e.state.SaleStatePut(st); err != nil {
			return nil, err
		}
		e.logger.Info("sale aborted", "raised", st.TotalRaised.String())
		return []*types.Event{NewAbortedEvent(caller, st.TotalRaised)}, nil
	})
}
