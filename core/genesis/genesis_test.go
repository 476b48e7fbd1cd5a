package genesis

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"tokensale/core/state"
	"tokensale/native/bank"
	"tokensale/native/token"
	"tokensale/storage"
)

func testSpec() *Spec {
	return &Spec{
		Operator:    [20]byte{0xAA},
		SaleAddress: [20]byte{0xCC},
		Token:       TokenSpec{Name: "Mat Token", Symbol: "mat", Decimals: 18},
		Allocations: []Allocation{
			{Address: [20]byte{0x01}, Amount: big.NewInt(500)},
			{Address: [20]byte{0x02}, Amount: big.NewInt(700)},
		},
	}
}

func TestApplyDeploysAndSeeds(t *testing.T) {
	db := storage.NewMemDB()
	mgr := state.NewManager(db)

	res, err := Apply(testSpec(), mgr)
	require.NoError(t, err)
	require.True(t, res.Fresh)
	require.Equal(t, "MAT", res.Token.Symbol)
	require.Equal(t, [20]byte{0xCC}, res.Token.Owner)
	require.False(t, mgr.Dirty())

	reopened := state.NewManager(db)
	bal, err := bank.Balance(reopened, [20]byte{0x02})
	require.NoError(t, err)
	require.Equal(t, int64(700), bal.Int64())
	owner, err := token.NewLedger(reopened).Owner()
	require.NoError(t, err)
	require.Equal(t, [20]byte{0xCC}, owner)
}

func TestApplyIsIdempotent(t *testing.T) {
	mgr := state.NewManager(storage.NewMemDB())
	_, err := Apply(testSpec(), mgr)
	require.NoError(t, err)

	res, err := Apply(testSpec(), mgr)
	require.NoError(t, err)
	require.False(t, res.Fresh)
	bal, err := bank.Balance(mgr, [20]byte{0x01})
	require.NoError(t, err)
	require.Equal(t, int64(500), bal.Int64())
}

func TestApplyRejectsForeignOwner(t *testing.T) {
	mgr := state.NewManager(storage.NewMemDB())
	_, err := Apply(testSpec(), mgr)
	require.NoError(t, err)

	other := testSpec()
	other.SaleAddress = [20]byte{0xDD}
	_, err = Apply(other, mgr)
	require.ErrorContains(t, err, "token owned by")
}

func TestApplyValidation(t *testing.T) {
	cases := map[string]func(*Spec){
		"no operator":     func(s *Spec) { s.Operator = [20]byte{} },
		"no sale address": func(s *Spec) { s.SaleAddress = [20]byte{} },
		"zero allocation": func(s *Spec) { s.Allocations[0].Amount = big.NewInt(0) },
		"duplicate":       func(s *Spec) { s.Allocations[1].Address = s.Allocations[0].Address },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			spec := testSpec()
			mutate(spec)
			mgr := state.NewManager(storage.NewMemDB())
			_, err := Apply(spec, mgr)
			require.Error(t, err)
			require.False(t, mgr.Dirty())
		})
	}
}
