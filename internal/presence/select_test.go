package presence

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocx/meshcore/internal/ids"
	"github.com/ocx/meshcore/pkg/geo"
)

// With an unknown location and a nil rng (the join-time path, before a
// RelayWatcher exists), repeated calls must not always pick the same relay
// pair — a fixed seed would defeat random load-balancing across relays.
func TestSelectRelays_NilRNGIsNotDeterministic(t *testing.T) {
	relays := make([]Relay, 0, 8)
	for i := 0; i < 8; i++ {
		relays = append(relays, Relay{ID: ids.New(), PublicIP: "10.0.0.1", StampSecret: "s"})
	}

	first := SelectRelays(relays, geo.Point{}, false, nil)
	require.Len(t, first, 2)

	sawDifferent := false
	for i := 0; i < 50; i++ {
		got := SelectRelays(relays, geo.Point{}, false, nil)
		if got[0].ID != first[0].ID || got[1].ID != first[1].ID {
			sawDifferent = true
			break
		}
	}
	require.True(t, sawDifferent, "expected at least one differing selection across 50 nil-rng calls")
}

func TestSelectInitialRelays_PicksUpToTwoWithFreshCredentials(t *testing.T) {
	registry := newLocalRegistry(t)
	r1 := Relay{ID: ids.New(), PublicIP: "10.0.0.1", StampSecret: "s1"}
	r2 := Relay{ID: ids.New(), PublicIP: "10.0.0.2", StampSecret: "s2"}
	require.NoError(t, registry.TrackRelay(nil, r1))
	require.NoError(t, registry.TrackRelay(nil, r2))

	creds := SelectInitialRelays(registry, geo.Point{}, false)
	require.LessOrEqual(t, len(creds), 2)
	for _, c := range creds {
		require.False(t, c.ExpiresAt.IsZero())
	}
}
