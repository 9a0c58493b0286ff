package hooks

import "github.com/ocx/meshcore/internal/ids"

// AccountChange is the single generic message every hook publishes on
// account:<account_id>, regardless of table: a client or gateway channel's
// cache applies it by table name, falling back to the more specific
// messages below only where the table warrants a dedicated topic.
type AccountChange struct {
	LSN     int64
	Op      string
	Table   string
	OldData map[string]string
	NewData map[string]string
}

// RejectAccess is broadcast on actor_group:<id>/policies when a membership
// or policy removal must invalidate every client cache still listing the
// resource as connectable.
type RejectAccess struct {
	PolicyID     ids.ID
	ActorGroupID ids.ID
}

// AllowAccess is broadcast on actor_group:<id>/policies when a membership
// or policy makes a resource newly reachable for every member of the group.
type AllowAccess struct {
	PolicyID     ids.ID
	ActorGroupID ids.ID
	ResourceID   ids.ID
}

// ExpireFlow is broadcast on flow:<id> when a flow's authorization is
// revoked.
type ExpireFlow struct {
	FlowID     ids.ID
	ClientID   ids.ID
	ResourceID ids.ID
}

// Disconnect tells the owning socket to close.
type Disconnect struct {
	Reason string
}

// InitRequired tells every socket of an account to re-fetch and re-send its
// init payload, used when the account's slug changes.
type InitRequired struct {
	AccountID ids.ID
}
