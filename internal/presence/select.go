package presence

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ocx/meshcore/pkg/geo"
)

// fallbackRNG backs SelectRelays when the caller has no per-watcher *rand.Rand
// of its own (the join-time path, before a RelayWatcher exists). It is
// time-seeded once at process start and shared under a mutex since
// math/rand.Rand is not safe for concurrent use.
var (
	fallbackMu  sync.Mutex
	fallbackRNG = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func fallbackIntn(n int) int {
	fallbackMu.Lock()
	defer fallbackMu.Unlock()
	return fallbackRNG.Intn(n)
}

func fallbackShuffle(n int, swap func(i, j int)) {
	fallbackMu.Lock()
	defer fallbackMu.Unlock()
	fallbackRNG.Shuffle(n, swap)
}

// SelectRelays picks up to two online relays for a gateway at the given
// location: group relays by coordinate, rank groups by distance from the
// gateway, and pick one relay at random from each of the two nearest
// groups. With an unknown location (zero value), it shuffles instead. A
// nil rng falls back to a shared, time-seeded source rather than a fixed
// seed, so callers with no watcher state (the join-time path) still pick
// randomly rather than deterministically.
func SelectRelays(relays []Relay, gatewayLocation geo.Point, knownLocation bool, rng *rand.Rand) []Relay {
	if len(relays) == 0 {
		return nil
	}
	intn := fallbackIntn
	shuffle := fallbackShuffle
	if rng != nil {
		intn = rng.Intn
		shuffle = rng.Shuffle
	}

	if !knownLocation {
		shuffled := append([]Relay(nil), relays...)
		shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		return firstTwo(shuffled)
	}

	groups := groupByLocation(relays)
	sort.Slice(groups, func(i, j int) bool {
		return geo.HaversineKM(gatewayLocation, groups[i][0].Location) < geo.HaversineKM(gatewayLocation, groups[j][0].Location)
	})

	picked := make([]Relay, 0, 2)
	for i := 0; i < len(groups) && len(picked) < 2; i++ {
		g := groups[i]
		picked = append(picked, g[intn(len(g))])
	}
	return picked
}

func groupByLocation(relays []Relay) [][]Relay {
	byLoc := make(map[geo.Point][]Relay)
	for _, r := range relays {
		byLoc[r.Location] = append(byLoc[r.Location], r)
	}
	groups := make([][]Relay, 0, len(byLoc))
	for _, g := range byLoc {
		groups = append(groups, g)
	}
	return groups
}

func firstTwo(relays []Relay) []Relay {
	if len(relays) <= 2 {
		return relays
	}
	return relays[:2]
}
