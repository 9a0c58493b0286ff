package gatewaychan

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/meshcore/internal/hooks"
	"github.com/ocx/meshcore/internal/ids"
	"github.com/ocx/meshcore/internal/obs"
	"github.com/ocx/meshcore/internal/presence"
	"github.com/ocx/meshcore/internal/pubsub"
	"github.com/ocx/meshcore/internal/ref"
	"github.com/ocx/meshcore/pkg/geo"
)

// relayWatchInterval bounds how stale a gateway's relay set can get between
// presence-diff checks; well under the 90-day credential lifetime.
const relayWatchInterval = 30 * time.Second

// Push is a delta the channel hands to the transport layer for delivery to
// the gateway socket.
type Push struct {
	Type    string
	Payload any
}

// Channel binds a gateway's flow Cache to its account subscription and the
// gateway's own point-to-point topic (for rendezvous authorize_flow
// deliveries), pruning expired flows once a minute.
type Channel struct {
	cache          *Cache
	broker         *pubsub.Broker
	logger         *slog.Logger
	out            chan Push
	signer         *ref.Signer
	gatewayVersion string
	pendingRefs    *refTable
	reauthorizer   *Reauthorizer

	relayRegistry   *presence.Registry
	gatewayLoc      geo.Point
	gatewayLocKnown bool
}

// NewChannel binds cache to the pub/sub fabric. signer mints the rendezvous
// refs this gateway's channel signs; gatewayVersion gates resource rewrites
// and the legacy/ref-based protocol split (spec.md §6). reauthorizer backs
// the race-prevention path on an externally deleted flow.
func NewChannel(cache *Cache, broker *pubsub.Broker, logger *slog.Logger, signer *ref.Signer, gatewayVersion string, reauthorizer *Reauthorizer) *Channel {
	return &Channel{
		cache:          cache,
		broker:         broker,
		logger:         obs.Component(logger, "gatewaychan"),
		out:            make(chan Push, 16),
		signer:         signer,
		gatewayVersion: gatewayVersion,
		pendingRefs:    newRefTable(),
		reauthorizer:   reauthorizer,
	}
}

// refTable tracks in-flight authorize_flow requests by their signed ref, so
// a later flow_authorized{ref} reply can be matched back to the client that
// requested it.
type refTable struct {
	mu      sync.Mutex
	pending map[string]AuthorizeFlowRequest
}

func newRefTable() *refTable { return &refTable{pending: make(map[string]AuthorizeFlowRequest)} }

func (t *refTable) put(signedRef string, req AuthorizeFlowRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[signedRef] = req
}

func (t *refTable) take(signedRef string) (AuthorizeFlowRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.pending[signedRef]
	if ok {
		delete(t.pending, signedRef)
	}
	return req, ok
}

// Out is the channel's outbound push stream.
func (ch *Channel) Out() <-chan Push { return ch.out }

// EnableRelayWatch arms join-time relay selection and the periodic
// presence-diff loop (spec.md's relay selection paragraph). Call before
// Join; a Channel with no registry never selects or watches relays.
func (ch *Channel) EnableRelayWatch(registry *presence.Registry, location geo.Point, locationKnown bool) {
	ch.relayRegistry = registry
	ch.gatewayLoc = location
	ch.gatewayLocKnown = locationKnown
}

// InitialRelays selects this gateway's starting pair of relays plus their
// 90-day credentials, for inclusion in the init payload. Returns nil when
// relay watching was never enabled.
func (ch *Channel) InitialRelays() []presence.RelayCredential {
	if ch.relayRegistry == nil {
		return nil
	}
	return presence.SelectInitialRelays(ch.relayRegistry, ch.gatewayLoc, ch.gatewayLocKnown)
}

// Join subscribes to the account topic and the gateway's own topic, and
// starts the per-minute prune loop plus, if enabled, the relay watch loop.
func (ch *Channel) Join(ctx context.Context, accountID ids.ID, initPayload any) {
	accountSub := ch.broker.Subscribe(pubsub.AccountTopic(accountID))
	gatewaySub := ch.broker.Subscribe(pubsub.GatewayTopic(ch.cache.GatewayID))
	ch.out <- Push{Type: "init", Payload: initPayload}

	go ch.run(ctx, accountSub, gatewaySub)
	go ch.pruneLoop(ctx)
	if ch.relayRegistry != nil {
		go ch.relayWatchLoop(ctx)
	}
}

// relayWatchLoop reselects relays whenever a cached one disappears or
// rotates its stamp_secret, pushing the replacements to the gateway socket.
func (ch *Channel) relayWatchLoop(ctx context.Context) {
	initial := presence.SelectInitialRelays(ch.relayRegistry, ch.gatewayLoc, ch.gatewayLocKnown)
	watcher := presence.NewRelayWatcher(ch.relayRegistry, ch.gatewayLoc, ch.gatewayLocKnown, presence.RelaysOf(initial))
	watcher.Run(ctx, relayWatchInterval, func(diff presence.RelayDiff) {
		ch.out <- Push{Type: "relays_presence", Payload: RelaysPresence{
			DisconnectedIDs: diff.DisconnectedIDs,
			Connected:       diff.Connected,
		}}
	})
}

// RelaysPresence tells the gateway (or client) socket which relays it should
// drop and which freshly-credentialed relays replace them.
type RelaysPresence struct {
	DisconnectedIDs []ids.ID
	Connected       []presence.RelayCredential
}

func (ch *Channel) run(ctx context.Context, accountSub, gatewaySub *pubsub.Subscription) {
	defer accountSub.Close()
	defer gatewaySub.Close()
	for {
		select {
		case msg, ok := <-accountSub.C:
			if !ok {
				return
			}
			ch.applyAccountChange(msg)
		case msg, ok := <-gatewaySub.C:
			if !ok {
				return
			}
			ch.applyDirectMessage(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (ch *Channel) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ch.cache.Prune(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (ch *Channel) applyAccountChange(msg pubsub.Message) {
	change, ok := msg.(hooks.AccountChange)
	if !ok {
		return
	}
	if change.LSN <= ch.cache.LastAppliedLSN {
		return
	}
	ch.cache.LastAppliedLSN = change.LSN

	switch change.Table {
	case "resources":
		ch.handleResourceChange(change)
	case "flows":
		ch.handleFlowChange(change)
	}
}

// handleResourceChange diffs the resource's address/type/ip_stack locally:
// only a gateway actually caching the resource cares.
func (ch *Channel) handleResourceChange(change hooks.AccountChange) {
	resourceID, ok := idCol(change.NewData, "id")
	if !ok || !ch.cache.HasResource(resourceID) {
		return
	}
	breaking := change.OldData["address"] != change.NewData["address"] ||
		change.OldData["type"] != change.NewData["type"] ||
		change.OldData["ip_stack"] != change.NewData["ip_stack"]

	if breaking {
		for _, clientID := range ch.cache.AllPairsForResource(resourceID) {
			ch.out <- Push{Type: "reject_access", Payload: RejectAccess{ClientID: clientID, ResourceID: resourceID}}
		}
		return
	}
	if change.OldData["filters"] != change.NewData["filters"] {
		ch.out <- Push{Type: "resource_updated", Payload: ResourceUpdated{ResourceID: resourceID}}
	}
}

// handleFlowChange guards against the race where a client still lists a
// resource as connectable but this gateway's own flow was deleted out from
// under it (e.g. by a policy/membership cascade delete it hasn't learned
// about yet): it attempts reauthorize_deleted_flow before telling the
// gateway socket to drop the pair.
func (ch *Channel) handleFlowChange(change hooks.AccountChange) {
	if change.Op != "delete" {
		return
	}
	flowID, ok := idCol(change.OldData, "id")
	clientID, clientOK := idCol(change.OldData, "client_id")
	resourceID, resourceOK := idCol(change.OldData, "resource_id")
	if !ok || !clientOK || !resourceOK {
		return
	}

	result, err := ch.cache.ReauthorizeDeletedFlow(context.Background(), ch.reauthorizer, clientID, resourceID, flowID, time.Now())
	if err != nil || !result.Authorized {
		ch.out <- Push{Type: "reject_access", Payload: RejectAccess{ClientID: clientID, ResourceID: resourceID}}
		return
	}
	ch.out <- Push{Type: "access_authorization_expiry_updated", Payload: accessExpiryUpdated{
		ClientID: clientID, ResourceID: resourceID, ExpiresAt: result.NewExpiresAt,
	}}
}

type accessExpiryUpdated struct {
	ClientID   ids.ID
	ResourceID ids.ID
	ExpiresAt  *time.Time
}

func (ch *Channel) applyDirectMessage(msg pubsub.Message) {
	switch m := msg.(type) {
	case AuthorizeFlowRequest:
		ch.authorizeFlow(ch.signer, ch.gatewayVersion, m)
	case hooks.Disconnect:
		ch.out <- Push{Type: "disconnect", Payload: m}
	}
}

// RejectAccess tells the gateway socket to drop a (client, resource) pair.
type RejectAccess struct {
	ClientID   ids.ID
	ResourceID ids.ID
}

// ResourceUpdated tells the gateway socket to refresh cached filters for a
// resource it keeps serving.
type ResourceUpdated struct {
	ResourceID ids.ID
}

func idCol(row map[string]string, col string) (ids.ID, bool) {
	v, ok := row[col]
	if !ok || v == "" {
		return ids.Nil, false
	}
	id, err := ids.Parse(v)
	if err != nil {
		return ids.Nil, false
	}
	return id, true
}
