package gatewaychan

import (
	"testing"
	"time"

	"log/slog"
	"os"

	"github.com/ocx/meshcore/internal/hooks"
	"github.com/ocx/meshcore/internal/ids"
	"github.com/ocx/meshcore/internal/pubsub"
	"github.com/ocx/meshcore/internal/ref"
	"github.com/stretchr/testify/require"
)

func TestCache_PutIsAdditiveAndGetReturnsMaxExpiry(t *testing.T) {
	c := New(ids.New())
	clientID, resourceID := ids.New(), ids.New()
	now := time.Now()

	c.Put(clientID, resourceID, ids.New(), now.Add(time.Hour))
	c.Put(clientID, resourceID, ids.New(), now.Add(2*time.Hour))

	got := c.Get(clientID, resourceID)
	require.NotNil(t, got)
	require.WithinDuration(t, now.Add(2*time.Hour), *got, time.Second)
}

func TestCache_PruneDropsExpiredFlowsAndEmptyPairs(t *testing.T) {
	c := New(ids.New())
	clientID, resourceID := ids.New(), ids.New()
	now := time.Now()

	c.Put(clientID, resourceID, ids.New(), now.Add(-time.Minute))
	c.Prune(now)

	require.Nil(t, c.Get(clientID, resourceID))
	require.False(t, c.HasResource(resourceID))
}

func TestCache_RemoveFlow_ReturnsRemainingMaxExpiry(t *testing.T) {
	c := New(ids.New())
	clientID, resourceID := ids.New(), ids.New()
	now := time.Now()
	keepFlow := ids.New()
	dropFlow := ids.New()

	c.Put(clientID, resourceID, keepFlow, now.Add(time.Hour))
	c.Put(clientID, resourceID, dropFlow, now.Add(2*time.Hour))

	found, remaining, expiry := c.RemoveFlow(clientID, resourceID, dropFlow)
	require.True(t, found)
	require.True(t, remaining)
	require.NotNil(t, expiry)
	require.WithinDuration(t, now.Add(time.Hour), *expiry, time.Second)
}

func TestCache_RemoveFlow_LastFlowLeavesPairAbsent(t *testing.T) {
	c := New(ids.New())
	clientID, resourceID := ids.New(), ids.New()
	flowID := ids.New()
	c.Put(clientID, resourceID, flowID, time.Now().Add(time.Hour))

	found, remaining, expiry := c.RemoveFlow(clientID, resourceID, flowID)
	require.True(t, found)
	require.False(t, remaining)
	require.Nil(t, expiry)
	require.False(t, c.HasResource(resourceID))
}

// A second RemoveFlow for the same already-deleted flow id must report
// found=false rather than silently succeeding again.
func TestCache_RemoveFlow_SecondCallOnSameFlowIsNotFound(t *testing.T) {
	c := New(ids.New())
	clientID, resourceID := ids.New(), ids.New()
	flowID := ids.New()
	c.Put(clientID, resourceID, flowID, time.Now().Add(time.Hour))

	found, _, _ := c.RemoveFlow(clientID, resourceID, flowID)
	require.True(t, found)

	found, remaining, expiry := c.RemoveFlow(clientID, resourceID, flowID)
	require.False(t, found)
	require.False(t, remaining)
	require.Nil(t, expiry)
}

func TestHandleResourceChange_BreakingAddressChangePushesRejectForEveryCachedPair(t *testing.T) {
	gatewayID := ids.New()
	cache := New(gatewayID)
	resourceID := ids.New()
	clientA, clientB := ids.New(), ids.New()
	cache.Put(clientA, resourceID, ids.New(), time.Now().Add(time.Hour))
	cache.Put(clientB, resourceID, ids.New(), time.Now().Add(time.Hour))

	broker := pubsub.NewBroker()
	signer := ref.NewSigner("test-secret")
	ch := NewChannel(cache, broker, slog.New(slog.NewTextHandler(os.Stdout, nil)), signer, "1.4.0", nil)

	ch.handleResourceChange(hooks.AccountChange{
		Table:   "resources",
		OldData: map[string]string{"id": resourceID.String(), "address": "10.0.0.1"},
		NewData: map[string]string{"id": resourceID.String(), "address": "10.0.0.2"},
	})

	seen := map[ids.ID]bool{}
	for i := 0; i < 2; i++ {
		push := <-ch.out
		require.Equal(t, "reject_access", push.Type)
		rej := push.Payload.(RejectAccess)
		require.Equal(t, resourceID, rej.ResourceID)
		seen[rej.ClientID] = true
	}
	require.True(t, seen[clientA])
	require.True(t, seen[clientB])
}

func TestHandleResourceChange_FiltersOnlyChangePushesResourceUpdated(t *testing.T) {
	gatewayID := ids.New()
	cache := New(gatewayID)
	resourceID := ids.New()
	cache.Put(ids.New(), resourceID, ids.New(), time.Now().Add(time.Hour))

	broker := pubsub.NewBroker()
	signer := ref.NewSigner("test-secret")
	ch := NewChannel(cache, broker, slog.New(slog.NewTextHandler(os.Stdout, nil)), signer, "1.4.0", nil)

	ch.handleResourceChange(hooks.AccountChange{
		Table:   "resources",
		OldData: map[string]string{"id": resourceID.String(), "address": "10.0.0.1", "filters": "[]"},
		NewData: map[string]string{"id": resourceID.String(), "address": "10.0.0.1", "filters": `[{"protocol":"tcp"}]`},
	})

	push := <-ch.out
	require.Equal(t, "resource_updated", push.Type)
	require.Equal(t, resourceID, push.Payload.(ResourceUpdated).ResourceID)
}

func TestApplyAccountChange_OutOfOrderLSNIsDropped(t *testing.T) {
	gatewayID := ids.New()
	cache := New(gatewayID)
	resourceID := ids.New()
	clientID := ids.New()
	cache.Put(clientID, resourceID, ids.New(), time.Now().Add(time.Hour))

	broker := pubsub.NewBroker()
	signer := ref.NewSigner("test-secret")
	ch := NewChannel(cache, broker, slog.New(slog.NewTextHandler(os.Stdout, nil)), signer, "1.4.0", nil)

	ch.applyAccountChange(hooks.AccountChange{
		Table:   "resources",
		LSN:     10,
		OldData: map[string]string{"id": resourceID.String(), "address": "10.0.0.1"},
		NewData: map[string]string{"id": resourceID.String(), "address": "10.0.0.2"},
	})
	<-ch.out // drain the reject_access from the LSN-10 change
	require.EqualValues(t, 10, cache.LastAppliedLSN)

	// A replayed, older-or-equal LSN must be dropped: no second push.
	ch.applyAccountChange(hooks.AccountChange{
		Table:   "resources",
		LSN:     10,
		OldData: map[string]string{"id": resourceID.String(), "address": "10.0.0.2"},
		NewData: map[string]string{"id": resourceID.String(), "address": "10.0.0.3"},
	})
	select {
	case push := <-ch.out:
		t.Fatalf("expected stale LSN to be dropped, got %+v", push)
	default:
	}
	require.EqualValues(t, 10, cache.LastAppliedLSN)
}

func TestHandleResourceChange_UncachedResourceIsIgnored(t *testing.T) {
	cache := New(ids.New())
	broker := pubsub.NewBroker()
	signer := ref.NewSigner("test-secret")
	ch := NewChannel(cache, broker, slog.New(slog.NewTextHandler(os.Stdout, nil)), signer, "1.4.0", nil)

	ch.handleResourceChange(hooks.AccountChange{
		Table:   "resources",
		OldData: map[string]string{"id": ids.New().String(), "address": "10.0.0.1"},
		NewData: map[string]string{"id": ids.New().String(), "address": "10.0.0.2"},
	})

	select {
	case push := <-ch.out:
		t.Fatalf("expected no push, got %+v", push)
	default:
	}
}
