package clientchan

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/meshcore/internal/domain"
	"github.com/ocx/meshcore/internal/gatewaychan"
	"github.com/ocx/meshcore/internal/hooks"
	"github.com/ocx/meshcore/internal/ids"
	"github.com/ocx/meshcore/internal/obs"
	"github.com/ocx/meshcore/internal/presence"
	"github.com/ocx/meshcore/internal/pubsub"
	"github.com/ocx/meshcore/pkg/geo"
)

// relayWatchInterval mirrors gatewaychan's: a client's relay pair is
// reselected on the same cadence a gateway's is.
const relayWatchInterval = 30 * time.Second

// State is the channel's lifecycle per spec.md §4.4: Joining -> Joined ->
// Closed. "serving" is folded into Joined — there is no distinct state,
// just ordinary message handling once joined.
type State int

const (
	StateJoining State = iota
	StateJoined
	StateClosed
)

// Push is a delta the channel hands to the transport layer for delivery to
// the socket; Payload's concrete type is one of the hooks.* message types
// or a clientchan-specific one (ResourceCreatedOrUpdated, etc.).
type Push struct {
	Type    string
	Payload any
}

// Channel binds a client's Cache to its account subscription, applying
// domain change events in order and discarding anything at or below
// LastAppliedLSN — the guard against WAL replay and out-of-order delivery.
type Channel struct {
	cache     *Cache
	broker    *pubsub.Broker
	logger    *slog.Logger
	subject   func() Subject // re-read on every evaluation; remote ip/time change per request
	version   string
	hydrator  *Hydrator
	socketRef string

	state State
	out   chan Push

	groupMu     sync.Mutex
	groupSubs   map[ids.ID]*pubsub.Subscription
	groupEvents chan pubsub.Message

	relayRegistry   *presence.Registry
	clientLoc       geo.Point
	clientLocKnown  bool
}

// NewChannel builds a Channel bound to cache; subject returns the current
// evaluation context (the clock and any request-scoped fields), and
// clientVersion is fixed for the socket's lifetime. hydrator resolves
// policy-row resource references the cache hasn't seen yet; socketRef
// identifies this socket for rendezvous ref binding.
func NewChannel(cache *Cache, broker *pubsub.Broker, logger *slog.Logger, subject func() Subject, clientVersion string, hydrator *Hydrator, socketRef string) *Channel {
	return &Channel{
		cache:       cache,
		broker:      broker,
		logger:      obs.Component(logger, "clientchan"),
		subject:     subject,
		version:     clientVersion,
		hydrator:    hydrator,
		socketRef:   socketRef,
		state:       StateJoining,
		out:         make(chan Push, 16),
		groupSubs:   make(map[ids.ID]*pubsub.Subscription),
		groupEvents: make(chan pubsub.Message, 16),
	}
}

// Out is the channel's outbound push stream for the transport layer to
// drain and frame onto the socket.
func (ch *Channel) Out() <-chan Push { return ch.out }

// EnableRelayWatch arms join-time relay selection and the periodic
// presence-diff loop for this client's socket. Call before Join; a Channel
// with no registry never selects or watches relays.
func (ch *Channel) EnableRelayWatch(registry *presence.Registry, location geo.Point, locationKnown bool) {
	ch.relayRegistry = registry
	ch.clientLoc = location
	ch.clientLocKnown = locationKnown
}

// InitialRelays selects this client's starting pair of relays plus their
// 90-day credentials, for inclusion in the init payload. Returns nil when
// relay watching was never enabled.
func (ch *Channel) InitialRelays() []presence.RelayCredential {
	if ch.relayRegistry == nil {
		return nil
	}
	return presence.SelectInitialRelays(ch.relayRegistry, ch.clientLoc, ch.clientLocKnown)
}

// Join subscribes to the account topic and the client's own point-to-point
// topic (for rendezvous Connect/InvalidRef replies), and pushes init; the
// caller supplies the init payload since its shape depends on the
// account/client beyond what the cache holds.
func (ch *Channel) Join(ctx context.Context, initPayload any) (*pubsub.Subscription, *pubsub.Subscription) {
	accountSub := ch.broker.Subscribe(pubsub.AccountTopic(ch.cache.AccountID))
	clientSub := ch.broker.Subscribe(pubsub.ClientTopic(ch.cache.ClientID))
	for _, groupID := range ch.cache.MembershipGroups() {
		ch.subscribeGroup(groupID)
	}
	ch.state = StateJoined
	ch.out <- Push{Type: "init", Payload: initPayload}
	go ch.run(ctx, accountSub, clientSub)
	if ch.relayRegistry != nil {
		go ch.relayWatchLoop(ctx)
	}
	return accountSub, clientSub
}

// relayWatchLoop reselects relays whenever a cached one disappears or
// rotates its stamp_secret, pushing the replacements to the client socket.
func (ch *Channel) relayWatchLoop(ctx context.Context) {
	initial := presence.SelectInitialRelays(ch.relayRegistry, ch.clientLoc, ch.clientLocKnown)
	watcher := presence.NewRelayWatcher(ch.relayRegistry, ch.clientLoc, ch.clientLocKnown, presence.RelaysOf(initial))
	watcher.Run(ctx, relayWatchInterval, func(diff presence.RelayDiff) {
		ch.out <- Push{Type: "relays_presence", Payload: RelaysPresence{
			DisconnectedIDs: diff.DisconnectedIDs,
			Connected:       diff.Connected,
		}}
	})
}

// RelaysPresence tells the client socket which relays it should drop and
// which freshly-credentialed relays replace them.
type RelaysPresence struct {
	DisconnectedIDs []ids.ID
	Connected       []presence.RelayCredential
}

// Close unsubscribes and transitions to Closed; safe to call once.
func (ch *Channel) Close(accountSub, clientSub *pubsub.Subscription) {
	if ch.state == StateClosed {
		return
	}
	ch.state = StateClosed
	accountSub.Close()
	clientSub.Close()
	ch.groupMu.Lock()
	for groupID, sub := range ch.groupSubs {
		sub.Close()
		delete(ch.groupSubs, groupID)
	}
	ch.groupMu.Unlock()
	close(ch.out)
}

// subscribeGroup joins actor_group:<id>/policies (spec.md §9's per-group
// allow/reject broadcast topic) and forwards into the shared groupEvents
// fan-in so run's select doesn't need one case per membership.
func (ch *Channel) subscribeGroup(groupID ids.ID) {
	ch.groupMu.Lock()
	defer ch.groupMu.Unlock()
	if _, ok := ch.groupSubs[groupID]; ok {
		return
	}
	sub := ch.broker.Subscribe(pubsub.ActorGroupPoliciesTopic(groupID))
	ch.groupSubs[groupID] = sub
	go func() {
		for msg := range sub.C {
			ch.groupEvents <- msg
		}
	}()
}

func (ch *Channel) unsubscribeGroup(groupID ids.ID) {
	ch.groupMu.Lock()
	defer ch.groupMu.Unlock()
	if sub, ok := ch.groupSubs[groupID]; ok {
		sub.Close()
		delete(ch.groupSubs, groupID)
	}
}

func (ch *Channel) run(ctx context.Context, accountSub, clientSub *pubsub.Subscription) {
	for {
		select {
		case msg, ok := <-accountSub.C:
			if !ok {
				return
			}
			ch.apply(msg)
		case msg, ok := <-clientSub.C:
			if !ok {
				return
			}
			ch.applyDirectMessage(msg)
		case msg := <-ch.groupEvents:
			ch.applyGroupEvent(msg)
		case <-ctx.Done():
			return
		}
	}
}

// applyGroupEvent reacts to an actor-group allow/reject broadcast by
// recomputing: the membership/policy maps are already authoritative, so
// this is just the trigger, not a source of new state.
func (ch *Channel) applyGroupEvent(msg pubsub.Message) {
	switch msg.(type) {
	case hooks.AllowAccess, hooks.RejectAccess:
		ch.recomputeAndPush(nil)
	}
}

func (ch *Channel) applyDirectMessage(msg pubsub.Message) {
	switch m := msg.(type) {
	case gatewaychan.Connect:
		ch.out <- Push{Type: "connect", Payload: m}
	case gatewaychan.InvalidRef:
		ch.out <- Push{Type: "invalid_ref", Payload: m}
	}
}

func (ch *Channel) apply(msg pubsub.Message) {
	change, ok := msg.(hooks.AccountChange)
	if !ok {
		ch.applySpecialized(msg)
		return
	}
	if change.LSN <= ch.cache.LastAppliedLSN {
		return
	}
	ch.cache.LastAppliedLSN = change.LSN

	switch change.Table {
	case "actor_group_memberships":
		ch.handleMembershipChange(change)
	case "policies":
		ch.handlePolicyChange(change)
	case "resources":
		ch.recomputeAndPush(nil)
	}
}

func (ch *Channel) applySpecialized(msg pubsub.Message) {
	switch m := msg.(type) {
	case hooks.InitRequired:
		ch.out <- Push{Type: "config_changed", Payload: m}
	case hooks.Disconnect:
		ch.out <- Push{Type: "disconnect", Payload: m}
	}
}

func (ch *Channel) handleMembershipChange(change hooks.AccountChange) {
	row := change.NewData
	if row == nil {
		row = change.OldData
	}
	groupIDStr, ok := row["group_id"]
	if !ok {
		ch.logger.Warn("membership change missing group_id", "lsn", change.LSN)
		return
	}
	groupID, err := ids.Parse(groupIDStr)
	if err != nil {
		ch.logger.Warn("membership change malformed group_id", "lsn", change.LSN, "error", err)
		return
	}
	if change.Op == "delete" {
		ch.cache.DeleteMembership(groupID)
		ch.unsubscribeGroup(groupID)
	} else if membershipIDStr, ok := row["id"]; ok {
		if membershipID, err := ids.Parse(membershipIDStr); err == nil {
			ch.cache.AddMembership(groupID, membershipID)
			ch.subscribeGroup(groupID)
		}
	}
	ch.recomputeAndPush(nil)
}

func (ch *Channel) handlePolicyChange(change hooks.AccountChange) {
	ctx := context.Background()
	switch change.Op {
	case "delete":
		if policyID, ok := idFromRow(change.OldData, "id"); ok {
			ch.cache.DeletePolicy(policyID)
		}
	case "insert", "update":
		p, ok := decodePolicyRow(change.NewData)
		if !ok {
			ch.logger.Warn("policy change malformed row", "lsn", change.LSN)
			break
		}
		err := ch.cache.AddPolicy(p, func(resourceID ids.ID) (domain.Resource, error) {
			return ch.hydrator.FetchResource(ctx, resourceID)
		})
		if err != nil {
			ch.logger.Warn("resolve policy resource", "lsn", change.LSN, "error", err)
		}
	}
	ch.recomputeAndPush(nil)
}

func idFromRow(row map[string]string, col string) (ids.ID, bool) {
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

func decodePolicyRow(row map[string]string) (domain.Policy, bool) {
	var p domain.Policy
	id, ok := idFromRow(row, "id")
	if !ok {
		return p, false
	}
	accountID, _ := idFromRow(row, "account_id")
	groupID, ok := idFromRow(row, "actor_group_id")
	if !ok {
		return p, false
	}
	resourceID, ok := idFromRow(row, "resource_id")
	if !ok {
		return p, false
	}
	p.ID = id
	p.AccountID = accountID
	p.ActorGroupID = groupID
	p.ResourceID = resourceID
	if raw, ok := row["conditions"]; ok && raw != "" {
		p.Conditions = decodeConditions([]byte(raw))
	}
	return p, true
}

// PrepareConnection begins rendezvous for resourceID: it authorizes the
// resource against the client's cache, then publishes an
// AuthorizeFlowRequest on the resource's gateway topic. The eventual
// gatewaychan.Connect or gatewaychan.InvalidRef reply arrives on the
// client's own topic and is delivered via Out().
func (ch *Channel) PrepareConnection(gatewayID, resourceID ids.ID, iceCredentials any, presharedKey string) error {
	result, err := ch.cache.AuthorizeResource(resourceID, ch.subject())
	if err != nil {
		return err
	}
	gatewaychan.RequestAuthorization(ch.broker, gatewayID, gatewaychan.AuthorizeFlowRequest{
		CallerPID:      ch.cache.ClientID.String(),
		SocketRef:      ch.socketRef,
		ClientID:       ch.cache.ClientID,
		Resource:       result.Resource,
		ExpiresAt:      expiryOrFarFuture(result.ExpiresAt),
		ICECredentials: iceCredentials,
		PresharedKey:   presharedKey,
		Subject:        ch.subject(),
	})
	return nil
}

// ReuseConnection re-authorizes an existing (client, resource, gateway)
// pairing, identical to PrepareConnection: the gateway cache is additive,
// so re-requesting authorization is always safe.
func (ch *Channel) ReuseConnection(gatewayID, resourceID ids.ID, iceCredentials any, presharedKey string) error {
	return ch.PrepareConnection(gatewayID, resourceID, iceCredentials, presharedKey)
}

func expiryOrFarFuture(t *time.Time) time.Time {
	if t == nil {
		return time.Now().AddDate(100, 0, 0)
	}
	return *t
}

func (ch *Channel) recomputeAndPush(toggle map[ids.ID]bool) {
	delta := ch.cache.RecomputeConnectableResources(ch.subject(), ch.version, toggle)
	for _, r := range delta.Added {
		ch.out <- Push{Type: "resource_created_or_updated", Payload: r}
	}
	for _, id := range delta.Removed {
		ch.out <- Push{Type: "resource_deleted", Payload: id}
	}
	for _, id := range delta.Toggled {
		ch.out <- Push{Type: "resource_deleted", Payload: id}
		if r, ok := ch.cache.Resource(id); ok {
			ch.out <- Push{Type: "resource_created_or_updated", Payload: r}
		}
	}
}
