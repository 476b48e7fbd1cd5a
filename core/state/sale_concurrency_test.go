package state

import (
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"tokensale/crypto"
	"tokensale/native/bank"
	"tokensale/native/sale"
	"tokensale/native/token"
	"tokensale/storage"
)

func TestConcurrentBonusPurchasesRespectCap(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	operator, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	cfg := sale.Config{
		Address:         [20]byte{0xAA},
		Operator:        operator.Address(),
		Wallet:          [20]byte{0xBB},
		Price:           big.NewInt(10),
		BonusPercent:    50,
		DurationSeconds: 600_000,
	}
	ledger := token.NewLedger(mgr)
	_, err = ledger.Deploy("Mat Token", "MAT", 18, cfg.Operator)
	require.NoError(t, err)
	require.NoError(t, ledger.TransferOwnership(cfg.Operator, cfg.Address))
	buyer := [20]byte{0x01}
	require.NoError(t, bank.Credit(mgr, buyer, big.NewInt(10_000)))
	require.NoError(t, mgr.Commit())

	engine, err := sale.NewEngine(cfg, mgr, ledger)
	require.NoError(t, err)
	engine.SetNowFunc(func() int64 { return 1_000 })
	require.NoError(t, engine.Start())

	maxBonus := big.NewInt(500)
	sig, err := sale.SignBonusNote(operator, buyer, maxBonus)
	require.NoError(t, err)

	const workers = 64
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		capped    atomic.Int64
		mu        sync.Mutex
		failures  []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			if i%4 == 0 {
				if _, err := engine.Snapshot(); err != nil {
					mu.Lock()
					failures = append(failures, err)
					mu.Unlock()
				}
			}
			_, err := engine.BuyWithBonus(buyer, big.NewInt(20), sig, maxBonus)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, sale.ErrBonusCapExceeded):
				capped.Add(1)
			default:
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Empty(t, failures)
	require.EqualValues(t, 25, succeeded.Load())
	require.EqualValues(t, workers-25, capped.Load())

	raised, err := engine.TotalRaised()
	require.NoError(t, err)
	require.Equal(t, int64(500), raised.Int64())
	credited, err := engine.Balances(buyer)
	require.NoError(t, err)
	require.Equal(t, int64(75), credited.Int64())
	contributed, err := engine.Contributed(buyer)
	require.NoError(t, err)
	require.Equal(t, int64(500), contributed.Int64())

	vault, err := bank.Balance(mgr, cfg.Address)
	require.NoError(t, err)
	require.Equal(t, int64(500), vault.Int64())
	remaining, err := bank.Balance(mgr, buyer)
	require.NoError(t, err)
	require.Equal(t, int64(9_500), remaining.Int64())
	require.False(t, mgr.Dirty())
}
