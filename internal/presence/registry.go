// Package presence tracks which gateways and relays are currently online, a
// CRDT-style last-write-wins map merged across nodes on every heartbeat
// (grounded on the teacher's Redis-backed hub store: individual TTL'd keys
// plus a set index, here namespaced per account/site instead of per tenant).
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/meshcore/internal/config"
	"github.com/ocx/meshcore/internal/ids"
	"github.com/ocx/meshcore/internal/obs"
	"github.com/ocx/meshcore/pkg/geo"
)

// Relay is one online relay, carrying the stamp_secret clients and gateways
// use to independently derive ephemeral turn credentials.
type Relay struct {
	ID          ids.ID    `json:"id"`
	PublicIP    string    `json:"public_ip"`
	Location    geo.Point `json:"location"`
	StampSecret string    `json:"stamp_secret"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Gateway is one online gateway, scoped to the site it serves.
type Gateway struct {
	ID         ids.ID    `json:"id"`
	SiteID     ids.ID    `json:"site_id"`
	AccountID  ids.ID    `json:"account_id"`
	Location   geo.Point `json:"location"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

const (
	relayTTLMultiple = 3
	keyPrefix        = "meshcore:presence:"
)

// Registry is the process-wide presence map. With a nil redis client it is
// purely local (single node, tests/dev); otherwise every Track call writes
// through to Redis and a background loop periodically re-reads the relay
// set so synchronous relay-selection calls never block on the network;
// gateway presence is not read back from Redis.
type Registry struct {
	rdb      *redis.Client
	interval time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	relays   map[ids.ID]Relay
	gateways map[ids.ID]Gateway // keyed by gateway id; filter by SiteID for a group
}

// NewRegistry builds a Registry. When cfg.Backend != "redis" it runs purely
// local, suitable for a single-node deployment or tests.
func NewRegistry(cfg config.PubSubConfig, presence config.PresenceConfig, logger *slog.Logger) *Registry {
	r := &Registry{
		interval: time.Duration(presence.HeartbeatIntervalSec) * time.Second,
		logger:   obs.Component(logger, "presence"),
		relays:   make(map[ids.ID]Relay),
		gateways: make(map[ids.ID]Gateway),
	}
	if cfg.Backend == "redis" && cfg.RedisAddr != "" {
		r.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	return r
}

// TrackRelay records a relay heartbeat, local-write-then-redis-write so the
// local cache always reflects at least this node's own observation
// immediately.
func (r *Registry) TrackRelay(ctx context.Context, relay Relay) error {
	relay.LastSeenAt = relay.LastSeenAt.UTC()
	r.mu.Lock()
	r.relays[relay.ID] = relay
	r.mu.Unlock()

	if r.rdb == nil {
		return nil
	}
	data, err := json.Marshal(relay)
	if err != nil {
		return fmt.Errorf("presence: marshal relay: %w", err)
	}
	key := keyPrefix + "relay:" + relay.ID.String()
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, key, data, r.interval*relayTTLMultiple)
	pipe.SAdd(ctx, keyPrefix+"relays", relay.ID.String())
	_, err = pipe.Exec(ctx)
	return err
}

// UntrackRelay removes a relay immediately, e.g. on graceful disconnect.
func (r *Registry) UntrackRelay(ctx context.Context, id ids.ID) error {
	r.mu.Lock()
	delete(r.relays, id)
	r.mu.Unlock()

	if r.rdb == nil {
		return nil
	}
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, keyPrefix+"relay:"+id.String())
	pipe.SRem(ctx, keyPrefix+"relays", id.String())
	_, err := pipe.Exec(ctx)
	return err
}

// TrackGateway records a gateway heartbeat.
func (r *Registry) TrackGateway(ctx context.Context, gw Gateway) error {
	gw.LastSeenAt = gw.LastSeenAt.UTC()
	r.mu.Lock()
	r.gateways[gw.ID] = gw
	r.mu.Unlock()

	if r.rdb == nil {
		return nil
	}
	data, err := json.Marshal(gw)
	if err != nil {
		return fmt.Errorf("presence: marshal gateway: %w", err)
	}
	key := keyPrefix + "gateway:" + gw.ID.String()
	groupKey := keyPrefix + "gateway_group:" + gw.SiteID.String()
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, key, data, r.interval*relayTTLMultiple)
	pipe.SAdd(ctx, groupKey, gw.ID.String())
	_, err = pipe.Exec(ctx)
	return err
}

// UntrackGateway removes a gateway immediately.
func (r *Registry) UntrackGateway(ctx context.Context, gw Gateway) error {
	r.mu.Lock()
	delete(r.gateways, gw.ID)
	r.mu.Unlock()

	if r.rdb == nil {
		return nil
	}
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, keyPrefix+"gateway:"+gw.ID.String())
	pipe.SRem(ctx, keyPrefix+"gateway_group:"+gw.SiteID.String(), gw.ID.String())
	_, err := pipe.Exec(ctx)
	return err
}

// Relays returns a snapshot of every relay currently believed online.
func (r *Registry) Relays() []Relay {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Relay, 0, len(r.relays))
	for _, relay := range r.relays {
		out = append(out, relay)
	}
	return out
}

// GatewaysForSite returns every gateway presence for a site.
func (r *Registry) GatewaysForSite(siteID ids.ID) []Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Gateway, 0)
	for _, gw := range r.gateways {
		if gw.SiteID == siteID {
			out = append(out, gw)
		}
	}
	return out
}

// Run periodically merges the relays stored in Redis into the local
// cache, last-write-wins on LastSeenAt, until ctx is cancelled. A no-op
// when the registry has no Redis backend.
func (r *Registry) Run(ctx context.Context) error {
	if r.rdb == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.mergeRelays(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Registry) mergeRelays(ctx context.Context) {
	relayIDs, err := r.rdb.SMembers(ctx, keyPrefix+"relays").Result()
	if err != nil {
		r.logger.Error("presence merge: list relays failed", "error", err)
		return
	}
	for _, idStr := range relayIDs {
		data, err := r.rdb.Get(ctx, keyPrefix+"relay:"+idStr).Bytes()
		if err == redis.Nil {
			r.rdb.SRem(ctx, keyPrefix+"relays", idStr)
			continue
		}
		if err != nil {
			continue
		}
		var relay Relay
		if err := json.Unmarshal(data, &relay); err != nil {
			continue
		}
		r.mu.Lock()
		existing, ok := r.relays[relay.ID]
		if !ok || relay.LastSeenAt.After(existing.LastSeenAt) {
			r.relays[relay.ID] = relay
		}
		r.mu.Unlock()
	}
}
