package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/meshcore/internal/config"
	"github.com/ocx/meshcore/internal/ids"
	"github.com/ocx/meshcore/pkg/geo"
)

func newLocalRegistry(t *testing.T) *Registry {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(config.PubSubConfig{Backend: "local"}, config.PresenceConfig{HeartbeatIntervalSec: 30}, logger)
}

// A relay watcher reports nothing while every cached relay is still present
// with an unchanged stamp_secret.
func TestRelayWatcher_NoDiffWhenUnchanged(t *testing.T) {
	registry := newLocalRegistry(t)
	relay := Relay{ID: ids.New(), PublicIP: "10.0.0.1", StampSecret: "s1"}
	require.NoError(t, registry.TrackRelay(context.Background(), relay))

	w := NewRelayWatcher(registry, relay.Location, false, []Relay{relay})
	diff, changed := w.poll()
	require.False(t, changed)
	require.Nil(t, diff.DisconnectedIDs)
}

// A relay that rotates its stamp_secret is reported disconnected and a
// replacement is selected with fresh credentials.
func TestRelayWatcher_StampSecretRotationTriggersDiff(t *testing.T) {
	registry := newLocalRegistry(t)
	relay := Relay{ID: ids.New(), PublicIP: "10.0.0.1", StampSecret: "s1"}
	require.NoError(t, registry.TrackRelay(context.Background(), relay))

	w := NewRelayWatcher(registry, relay.Location, false, []Relay{relay})

	rotated := relay
	rotated.StampSecret = "s2"
	require.NoError(t, registry.TrackRelay(context.Background(), rotated))

	diff, changed := w.poll()
	require.True(t, changed)
	require.Equal(t, []ids.ID{relay.ID}, diff.DisconnectedIDs)
	require.Len(t, diff.Connected, 1)
	require.Equal(t, "s2", diff.Connected[0].Relay.StampSecret)
	require.True(t, diff.Connected[0].ExpiresAt.After(time.Now().Add(89*24*time.Hour)))
}

// A relay that disappears entirely (untracked) is reported disconnected and
// dropped from the watcher's cache even with no replacement available.
func TestRelayWatcher_DisappearedRelayIsDroppedWithNoReplacement(t *testing.T) {
	registry := newLocalRegistry(t)
	relay := Relay{ID: ids.New(), PublicIP: "10.0.0.1", StampSecret: "s1"}
	require.NoError(t, registry.TrackRelay(context.Background(), relay))

	w := NewRelayWatcher(registry, relay.Location, false, []Relay{relay})
	require.NoError(t, registry.UntrackRelay(context.Background(), relay.ID))

	diff, changed := w.poll()
	require.True(t, changed)
	require.Equal(t, []ids.ID{relay.ID}, diff.DisconnectedIDs)
	require.Empty(t, diff.Connected)

	diff2, changed2 := w.poll()
	require.False(t, changed2)
	require.Nil(t, diff2.DisconnectedIDs)
}

// SelectInitialRelays stamps every selected relay with a ~90-day credential.
func TestSelectInitialRelays_StampsNinetyDayCredential(t *testing.T) {
	registry := newLocalRegistry(t)
	relay := Relay{ID: ids.New(), PublicIP: "10.0.0.1", StampSecret: "s1"}
	require.NoError(t, registry.TrackRelay(context.Background(), relay))

	creds := SelectInitialRelays(registry, geo.Point{}, false)
	require.Len(t, creds, 1)
	require.True(t, creds[0].ExpiresAt.After(time.Now().Add(89*24*time.Hour)))
}
