// Package gatewaychan implements the per-gateway flow cache and the
// rendezvous protocol that brokers a peer-to-peer tunnel between a client
// channel and a gateway channel.
package gatewaychan

import (
	"sync"
	"time"

	"github.com/ocx/meshcore/internal/ids"
)

// pairKey is the compound key a gateway's flow cache is indexed by.
type pairKey struct {
	ClientID   ids.ID
	ResourceID ids.ID
}

// Cache is the compact map {(client_id, resource_id) -> {flow_id ->
// expires_at}} representing every active flow this gateway is serving.
// Flows are additive: more than one policy can independently authorize the
// same pair, and the longest-lived one wins for Get.
type Cache struct {
	mu        sync.Mutex
	GatewayID ids.ID
	flows     map[pairKey]map[ids.ID]time.Time

	// LastAppliedLSN guards against out-of-order WAL replay: Channel drops
	// any change at or below this LSN before applying it, the same guard
	// clientchan's cache uses.
	LastAppliedLSN int64
}

// New builds an empty cache; the caller populates it with Put, e.g. from
// Reauthorizer.HydrateFlows.
func New(gatewayID ids.ID) *Cache {
	return &Cache{GatewayID: gatewayID, flows: make(map[pairKey]map[ids.ID]time.Time)}
}

// Put inserts a flow without displacing any existing flow for the same
// pair.
func (c *Cache) Put(clientID, resourceID, flowID ids.ID, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := pairKey{clientID, resourceID}
	if c.flows[key] == nil {
		c.flows[key] = make(map[ids.ID]time.Time)
	}
	c.flows[key][flowID] = expiresAt
}

// Get returns the maximum expires_at among flows for (client, resource), or
// nil if there are none.
func (c *Cache) Get(clientID, resourceID ids.ID) *time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxExpiry(pairKey{clientID, resourceID})
}

func (c *Cache) maxExpiry(key pairKey) *time.Time {
	flows, ok := c.flows[key]
	if !ok || len(flows) == 0 {
		return nil
	}
	var max time.Time
	for _, exp := range flows {
		if exp.After(max) {
			max = exp
		}
	}
	return &max
}

// Prune drops flow entries whose expires_at is before now, and any pair
// left with no flows. Called once a minute.
func (c *Cache) Prune(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, flows := range c.flows {
		for flowID, exp := range flows {
			if exp.Before(now) {
				delete(flows, flowID)
			}
		}
		if len(flows) == 0 {
			delete(c.flows, key)
		}
	}
}

// HasResource reports whether any pair in the cache references resourceID.
func (c *Cache) HasResource(resourceID ids.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.flows {
		if key.ResourceID == resourceID {
			return true
		}
	}
	return false
}

// AllPairsForResource returns the client ID of every (client, resource) pair
// cached for resourceID, for the channel's resource-change handling.
func (c *Cache) AllPairsForResource(resourceID ids.ID) []ids.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var clientIDs []ids.ID
	for key := range c.flows {
		if key.ResourceID == resourceID {
			clientIDs = append(clientIDs, key.ClientID)
		}
	}
	return clientIDs
}

// RemoveFlow deletes one flow by id from its (client, resource) pair. found
// reports whether the flow was actually present (false both for a pair with
// no such flow and for a pair not cached at all — the second-call case of
// reauthorize_deleted_flow's idempotency guarantee). When found, remaining
// reports whether the pair still has other flows and newExpiry is their new
// maximum expiry.
func (c *Cache) RemoveFlow(clientID, resourceID, flowID ids.ID) (found, remaining bool, newExpiry *time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := pairKey{clientID, resourceID}
	flows, ok := c.flows[key]
	if !ok {
		return false, false, nil
	}
	if _, present := flows[flowID]; !present {
		return false, false, nil
	}
	delete(flows, flowID)
	if len(flows) == 0 {
		delete(c.flows, key)
		return true, false, nil
	}
	return true, true, c.maxExpiry(key)
}

// FlowCount is the total number of cached flows, for the
// meshcore_gateway_flow_count gauge.
func (c *Cache) FlowCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, flows := range c.flows {
		n += len(flows)
	}
	return n
}
