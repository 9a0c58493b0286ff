package hooks

import (
	"context"
	"time"

	"github.com/ocx/meshcore/internal/address"
	"github.com/ocx/meshcore/internal/ids"
	"github.com/ocx/meshcore/internal/pubsub"
	"github.com/ocx/meshcore/internal/wal"
)

// onAccount resends init to every socket of the account when its slug
// changes; slug is embedded in every socket's hello payload.
func (d *Dispatcher) onAccount(c wal.Change, accountID ids.ID) {
	if c.Op != wal.OpUpdate || accountID.IsNil() {
		return
	}
	if c.OldRow["slug"] != c.NewRow["slug"] {
		d.broker.Publish(pubsub.AccountTopic(accountID), InitRequired{AccountID: accountID})
	}
}

// onActor deletes the actor's client tokens and portal sessions when the
// actor is disabled.
func (d *Dispatcher) onActor(ctx context.Context, c wal.Change, op wal.Op) {
	if op != wal.OpDelete {
		return
	}
	actorID, ok := idCol(c.OldRow, "id")
	if !ok {
		return
	}
	d.execCascade(ctx, "DELETE FROM tokens WHERE actor_id = $1", actorID.String())
	d.execCascade(ctx, "DELETE FROM portal_sessions WHERE actor_id = $1", actorID.String())
}

// onMembership broadcasts allow/reject_access to the group's policies topic
// and expires flows on removal.
func (d *Dispatcher) onMembership(ctx context.Context, c wal.Change, op wal.Op) {
	row := c.NewRow
	if row == nil {
		row = c.OldRow
	}
	groupID, ok := idCol(row, "group_id")
	if !ok {
		return
	}
	membershipID, _ := idCol(row, "id")

	switch op {
	case wal.OpInsert:
		d.broker.Publish(pubsub.ActorGroupPoliciesTopic(groupID), AllowAccess{ActorGroupID: groupID})
	case wal.OpDelete:
		d.broker.Publish(pubsub.ActorGroupPoliciesTopic(groupID), RejectAccess{ActorGroupID: groupID})
		if !membershipID.IsNil() {
			d.execCascade(ctx, "DELETE FROM flows WHERE actor_group_membership_id = $1", membershipID.String())
		}
	}
}

// onPolicy broadcasts allow/reject_access on the group's policies topic and,
// on disable/delete, deletes every flow the policy authorized. An update that
// changes conditions, group, or resource publishes reject_access, deletes the
// policy's flows, then publishes allow_access; other updates publish nothing.
func (d *Dispatcher) onPolicy(ctx context.Context, c wal.Change, op wal.Op) {
	row := c.NewRow
	if row == nil {
		row = c.OldRow
	}
	policyID, ok := idCol(row, "id")
	if !ok {
		return
	}
	groupID, _ := idCol(row, "actor_group_id")

	switch op {
	case wal.OpInsert:
		d.broker.Publish(pubsub.ActorGroupPoliciesTopic(groupID), AllowAccess{PolicyID: policyID, ActorGroupID: groupID})
	case wal.OpDelete:
		d.broker.Publish(pubsub.ActorGroupPoliciesTopic(groupID), RejectAccess{PolicyID: policyID, ActorGroupID: groupID})
		d.execCascade(ctx, "DELETE FROM flows WHERE policy_id = $1", policyID.String())
	case wal.OpUpdate:
		if breakingPolicyUpdate(c) {
			d.broker.Publish(pubsub.ActorGroupPoliciesTopic(groupID), RejectAccess{PolicyID: policyID, ActorGroupID: groupID})
			d.execCascade(ctx, "DELETE FROM flows WHERE policy_id = $1", policyID.String())
			d.broker.Publish(pubsub.ActorGroupPoliciesTopic(groupID), AllowAccess{PolicyID: policyID, ActorGroupID: groupID})
		}
	}
}

func breakingPolicyUpdate(c wal.Change) bool {
	for _, col := range []string{"conditions", "actor_group_id", "resource_id"} {
		if c.OldRow[col] != c.NewRow[col] {
			return true
		}
	}
	return false
}

// onFlow broadcasts expire_flow when a flow is deleted, or updated past its
// expiry.
func (d *Dispatcher) onFlow(c wal.Change, op wal.Op) {
	row := c.OldRow
	if row == nil {
		row = c.NewRow
	}
	flowID, ok := idCol(row, "id")
	if !ok {
		return
	}
	clientID, _ := idCol(row, "client_id")
	resourceID, _ := idCol(row, "resource_id")

	expired := op == wal.OpDelete
	if op == wal.OpUpdate {
		if exp := timeCol(c.NewRow, "expires_at"); exp != nil && !exp.After(time.Now()) {
			expired = true
		}
	}
	if !expired {
		return
	}
	d.broker.Publish(pubsub.FlowTopic(flowID), ExpireFlow{FlowID: flowID, ClientID: clientID, ResourceID: resourceID})
}

// onResource does not itself fan out to gateways: every gateway channel
// already receives the generic AccountChange for table "resources" off its
// account subscription and decides locally, via internal/gatewaychan's own
// address/type/ip_stack diff, whether it is serving the resource and must
// push reject_access or resource_updated. It does log a row that fails
// address validation — a defense-in-depth check since a malformed address
// here means either a schema constraint gap or a pre-migration row.
func (d *Dispatcher) onResource(c wal.Change, op wal.Op) {
	if op != wal.OpInsert && op != wal.OpUpdate {
		return
	}
	addr, ok := c.NewRow["address"]
	if !ok || addr == "" {
		return
	}
	if err := address.Validate(addr); err != nil {
		d.logger.Warn("resource address failed validation", "resource_id", c.NewRow["id"], "address", addr, "error", err)
	}
}

// onResourceConnection expires flows for the resource on delete (a resource
// leaving a site severs any gateway's ability to reach it).
func (d *Dispatcher) onResourceConnection(ctx context.Context, c wal.Change, op wal.Op) {
	if op != wal.OpDelete {
		return
	}
	resourceID, ok := idCol(c.OldRow, "resource_id")
	if !ok {
		return
	}
	d.execCascade(ctx, "DELETE FROM flows WHERE resource_id = $1", resourceID.String())
}

// onClient deletes the client's flow authorizations when it transitions out
// of verified.
func (d *Dispatcher) onClient(ctx context.Context, c wal.Change) {
	if c.Op != wal.OpUpdate {
		return
	}
	wasVerified := colSet(c.OldRow, "verified_at")
	nowVerified := colSet(c.NewRow, "verified_at")
	if !(wasVerified && !nowVerified) {
		return
	}
	clientID, ok := idCol(c.NewRow, "id")
	if !ok {
		return
	}
	d.execCascade(ctx, "DELETE FROM flows WHERE client_id = $1", clientID.String())
}

// onAuthProvider deletes client tokens and portal sessions bound to the
// provider on disable.
func (d *Dispatcher) onAuthProvider(ctx context.Context, c wal.Change, op wal.Op) {
	if op != wal.OpDelete {
		return
	}
	providerID, ok := idCol(c.OldRow, "id")
	if !ok {
		return
	}
	d.execCascade(ctx, "DELETE FROM tokens WHERE auth_provider_id = $1", providerID.String())
	d.execCascade(ctx, "DELETE FROM portal_sessions WHERE auth_provider_id = $1", providerID.String())
}

// onSocketDelete broadcasts a disconnect to whichever socket owns the
// deleted token or session.
func (d *Dispatcher) onSocketDelete(c wal.Change, op wal.Op) {
	if op != wal.OpDelete {
		return
	}
	socketID, ok := idCol(c.OldRow, "id")
	if !ok {
		return
	}
	d.broker.Publish(pubsub.TokenTopic(socketID), Disconnect{Reason: c.Table + " revoked"})
}
