package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"pttrouter/internal/store"
)

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st := store.New(store.Config{Host: mr.Host(), Port: mr.Port()}, nil)
	return New(st, ttl, nil, nil), mr
}

func TestSetUserOnlineThenBulkStatus(t *testing.T) {
	mgr, mr := newTestManager(t, 2*time.Minute)
	ctx := context.Background()

	require.NoError(t, mgr.SetUserOnline(ctx, "A", OnlineOpts{DeviceID: "D1", Role: "mobile"}))

	require.True(t, mr.Exists(store.KeyPresence("A")))

	statuses, err := mgr.BulkStatus(ctx, []string{"A", "Z"})
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	require.Equal(t, "online", statuses[0].Status)
	require.Equal(t, "D1", statuses[0].DeviceID)
	require.Equal(t, "offline", statuses[1].Status)
	require.Zero(t, statuses[1].LastSeen)
}

func TestSetUserOfflineIsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, mgr.SetUserOnline(ctx, "A", OnlineOpts{}))
	require.NoError(t, mgr.SetUserOffline(ctx, "A"))
	firstStatus, err := mgr.BulkStatus(ctx, []string{"A"})
	require.NoError(t, err)

	require.NoError(t, mgr.SetUserOffline(ctx, "A"))
	secondStatus, err := mgr.BulkStatus(ctx, []string{"A"})
	require.NoError(t, err)

	require.Equal(t, firstStatus[0].Status, secondStatus[0].Status)
	require.Equal(t, "offline", secondStatus[0].Status)
}

func TestRefreshHeartbeatExtendsTTLWithoutTransition(t *testing.T) {
	mgr, mr := newTestManager(t, 2*time.Second)
	ctx := context.Background()

	require.NoError(t, mgr.SetUserOnline(ctx, "A", OnlineOpts{}))

	var transitions int
	mgr.OnPresenceChange(func(Update) { transitions++ })

	mr.FastForward(1 * time.Second)
	require.NoError(t, mgr.RefreshHeartbeat(ctx, "A"))
	mr.FastForward(1500 * time.Millisecond)

	require.True(t, mr.Exists(store.KeyPresence("A")), "ttl should have been extended by RefreshHeartbeat")
	require.Zero(t, transitions, "RefreshHeartbeat must not publish a transition")
}

func TestRefreshHeartbeatAfterExpiryIsNoop(t *testing.T) {
	mgr, mr := newTestManager(t, time.Second)
	ctx := context.Background()

	require.NoError(t, mgr.SetUserOnline(ctx, "A", OnlineOpts{}))
	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists(store.KeyPresence("A")))

	require.NoError(t, mgr.RefreshHeartbeat(ctx, "A"))
	require.False(t, mr.Exists(store.KeyPresence("A")), "must not resurrect an already-expired user")
}

func TestHandleExpiryTranslatesToOffline(t *testing.T) {
	mgr, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, mgr.SetUserOnline(ctx, "A", OnlineOpts{}))
	mgr.handleExpiry(ctx, store.KeyPresence("A"))

	statuses, err := mgr.BulkStatus(ctx, []string{"A"})
	require.NoError(t, err)
	require.Equal(t, "offline", statuses[0].Status)
}

func TestSnapshot(t *testing.T) {
	mgr, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, mgr.SetUserOnline(ctx, "A", OnlineOpts{}))
	require.NoError(t, mgr.SetUserOnline(ctx, "B", OnlineOpts{}))

	snap, err := mgr.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, snap.TotalOnline)
}
