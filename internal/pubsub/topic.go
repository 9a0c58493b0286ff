package pubsub

import "github.com/ocx/meshcore/internal/ids"

// Topic is an interned pub/sub channel name. The control plane uses a
// handful of overlapping topics to keep fanout narrow (spec.md §9): one
// per account (the coarse-grained firehose every client/gateway channel
// for that account subscribes to), one per client/gateway/policy for
// targeted point-to-point delivery, one per actor-group for policy
// allow/reject broadcasts, and presence topics for relay/gateway
// visibility.
type Topic string

func AccountTopic(id ids.ID) Topic             { return Topic("account:" + id.String()) }
func ClientTopic(id ids.ID) Topic              { return Topic("client:" + id.String()) }
func GatewayTopic(id ids.ID) Topic             { return Topic("gateway:" + id.String()) }
func PolicyTopic(id ids.ID) Topic              { return Topic("policy:" + id.String()) }
func ActorGroupPoliciesTopic(id ids.ID) Topic  { return Topic("actor_group:" + id.String() + "/policies") }
func FlowTopic(id ids.ID) Topic                { return Topic("flow:" + id.String()) }
func TokenTopic(id ids.ID) Topic               { return Topic("socket:" + id.String()) }

// WALChanges is the single internal topic the L1 WAL consumer publishes
// every decoded wal.Change onto; internal/auditlog and internal/hooks each
// subscribe independently so a slow subscriber never blocks the other.
const WALChanges Topic = "internal:wal_changes"

const PresenceGlobalRelays Topic = "presence:global_relays"

func PresenceGatewayGroup(siteID ids.ID) Topic {
	return Topic("presence:gateway_group/" + siteID.String())
}
