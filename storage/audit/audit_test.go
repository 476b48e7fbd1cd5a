package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tokensale/core/types"
)

type payloadEvent struct{ evt *types.Event }

func (p payloadEvent) EventType() string   { return p.evt.Type }
func (p payloadEvent) Event() *types.Event { return p.evt }

type bareEvent struct{}

func (bareEvent) EventType() string { return "bare" }

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEmitPersistsPayloadEvents(t *testing.T) {
	store := openStore(t)
	store.nowFn = func() time.Time { return time.Unix(1_700_000_000, 0) }

	store.Emit(payloadEvent{types.NewEvent("sale.whitelisted").With("buyer", "0x01")})
	store.Emit(bareEvent{})
	store.Emit(payloadEvent{types.NewEvent("sale.purchased").With("paid", "200").With("credited", "30")})

	all, err := store.ListEvents(context.Background(), 0, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "sale.whitelisted", all[0].Type)
	require.Equal(t, "30", all[1].Attributes["credited"])
	require.True(t, all[0].ID < all[1].ID)

	after, err := store.ListEvents(context.Background(), all[0].ID, "", 10)
	require.NoError(t, err)
	require.Len(t, after, 1)

	filtered, err := store.ListEvents(context.Background(), 0, "sale.whitelisted", 10)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	require.Equal(t, "0x01", filtered[0].Attributes["buyer"])
}

func TestRequestLog(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	for _, caller := range []string{"0xaa", "0xaa", "0xbb"} {
		require.NoError(t, store.RecordRequest(ctx, RequestEntry{
			RequestID: "req",
			Caller:    caller,
			Method:    "POST",
			Path:      "/v1/claim",
			Status:    200,
			Duration:  3 * time.Millisecond,
		}))
	}
	total, err := store.CountRequests(ctx, "")
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	mine, err := store.CountRequests(ctx, "0xaa")
	require.NoError(t, err)
	require.EqualValues(t, 2, mine)
}

func TestClosedStore(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"), nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
	_, err = store.ListEvents(context.Background(), 0, "", 1)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, store.RecordRequest(context.Background(), RequestEntry{}), ErrClosed)
}
