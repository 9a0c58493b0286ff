package presence

import (
	"context"
	"math/rand"
	"time"

	"github.com/ocx/meshcore/internal/ids"
	"github.com/ocx/meshcore/pkg/geo"
)

// RelayCredential is a relay plus a freshly minted 90-day TURN credential
// derived from its stamp_secret; the derivation itself belongs to the
// transport layer (it depends on the specific TURN library), so this type
// only carries the relay and its validity window.
type RelayCredential struct {
	Relay     Relay
	ExpiresAt time.Time
}

const relayCredentialLifetime = 90 * 24 * time.Hour

// RelayDiff is what a presence-diff callback reports: relays that
// disappeared or whose stamp_secret rotated (disconnected_ids) and their
// freshly-selected replacements (connected).
type RelayDiff struct {
	DisconnectedIDs []ids.ID
	Connected       []RelayCredential
}

// RelayWatcher polls a Registry on an interval and diffs the relay set a
// client or gateway channel is currently holding against the authoritative
// state, reselecting replacements for anything that disappeared or rotated
// its stamp_secret.
type RelayWatcher struct {
	registry *Registry
	location geo.Point
	known    bool
	rng      *rand.Rand

	cached map[ids.ID]Relay
}

// NewRelayWatcher seeds the watcher with the relay set most recently handed
// to the channel (its init payload or the previous diff's Connected list).
func NewRelayWatcher(registry *Registry, location geo.Point, known bool, initial []Relay) *RelayWatcher {
	cached := make(map[ids.ID]Relay, len(initial))
	for _, r := range initial {
		cached[r.ID] = r
	}
	return &RelayWatcher{
		registry: registry,
		location: location,
		known:    known,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		cached:   cached,
	}
}

// SelectInitialRelays picks up to two relays for a join-time init payload and
// stamps them with fresh 90-day credentials, the same selection a
// RelayWatcher reselects from on a later diff.
func SelectInitialRelays(registry *Registry, location geo.Point, known bool) []RelayCredential {
	relays := SelectRelays(registry.Relays(), location, known, nil)
	now := time.Now()
	out := make([]RelayCredential, 0, len(relays))
	for _, r := range relays {
		out = append(out, RelayCredential{Relay: r, ExpiresAt: now.Add(relayCredentialLifetime)})
	}
	return out
}

// RelaysOf strips credential expiry, for reseeding a RelayWatcher from a
// previously-selected credential set.
func RelaysOf(creds []RelayCredential) []Relay {
	out := make([]Relay, 0, len(creds))
	for _, c := range creds {
		out = append(out, c.Relay)
	}
	return out
}

// Run polls every interval until ctx is cancelled, invoking onDiff whenever
// any cached relay disappeared or rotated its stamp_secret. onDiff is
// skipped when there is nothing to report.
func (w *RelayWatcher) Run(ctx context.Context, interval time.Duration, onDiff func(RelayDiff)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if diff, changed := w.poll(); changed {
				onDiff(diff)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *RelayWatcher) poll() (RelayDiff, bool) {
	current := w.registry.Relays()
	byID := make(map[ids.ID]Relay, len(current))
	for _, r := range current {
		byID[r.ID] = r
	}

	var disconnected []ids.ID
	for id, cached := range w.cached {
		live, ok := byID[id]
		if !ok || live.StampSecret != cached.StampSecret {
			disconnected = append(disconnected, id)
		}
	}
	if len(disconnected) == 0 {
		return RelayDiff{}, false
	}

	replacements := SelectRelays(current, w.location, w.known, w.rng)
	now := time.Now()
	connected := make([]RelayCredential, 0, len(replacements))
	for _, r := range replacements {
		connected = append(connected, RelayCredential{Relay: r, ExpiresAt: now.Add(relayCredentialLifetime)})
		w.cached[r.ID] = r
	}
	for _, id := range disconnected {
		if _, stillPresent := byID[id]; !stillPresent {
			delete(w.cached, id)
		}
	}

	return RelayDiff{DisconnectedIDs: disconnected, Connected: connected}, true
}
