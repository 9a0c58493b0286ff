package gatewaychan

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ocx/meshcore/internal/domain"
	"github.com/ocx/meshcore/internal/ids"
	"github.com/ocx/meshcore/internal/policy"
)

// ReauthorizeResult is the outcome of reauthorizing a deleted flow.
type ReauthorizeResult struct {
	Authorized   bool
	NewExpiresAt *time.Time
}

// ErrUnauthorized means reauthorization was attempted and failed; the
// gateway must drop access for the pair.
var ErrUnauthorized = fmt.Errorf("gatewaychan: reauthorization failed")

// ErrFlowNotFound means the flow being reauthorized was never cached.
var ErrFlowNotFound = fmt.Errorf("gatewaychan: flow not cached")

// Reauthorizer fetches the data reauthorize_deleted_flow needs to re-run
// the policy evaluator: the client's posture, the policies covering the
// gateway's site for this resource, and inserts the resulting flow.
type Reauthorizer struct {
	db *sql.DB
}

// NewReauthorizer wraps the ordinary SQL pool.
func NewReauthorizer(db *sql.DB) *Reauthorizer {
	return &Reauthorizer{db: db}
}

// ReauthorizeDeletedFlow removes the named flow from the cache. If the flow
// was already gone (a second call for the same flow, or one that was never
// cached), it returns ErrFlowNotFound without touching the database — the
// idempotency guarantee spec.md's reauthorize_deleted_flow requires. If
// other flows remain for the pair, it returns their max expiry. Otherwise it
// attempts to reauthorize from scratch: fetch the client row and the
// policies in the gateway's site for (resource, actor) filtered to the
// client's actor-group memberships, evaluate, and on success insert a fresh
// flow. The client's token is not fetched, so the token-derived fields of
// the evaluation subject (auth provider id, token expiry) are left empty.
func (c *Cache) ReauthorizeDeletedFlow(ctx context.Context, ra *Reauthorizer, clientID, resourceID, flowID ids.ID, now time.Time) (ReauthorizeResult, error) {
	found, remaining, expiry := c.RemoveFlow(clientID, resourceID, flowID)
	if !found {
		return ReauthorizeResult{}, ErrFlowNotFound
	}
	if remaining {
		return ReauthorizeResult{Authorized: true, NewExpiresAt: expiry}, nil
	}

	subject, policies, err := ra.loadReauthContext(ctx, c.GatewayID, clientID, resourceID)
	if err != nil {
		return ReauthorizeResult{}, fmt.Errorf("gatewaychan: load reauth context: %w", err)
	}

	var candidates []policy.Candidate
	for _, p := range policies {
		if !p.IsActive() {
			continue
		}
		res := policy.Evaluate(policy.Input{
			Conditions:       p.Conditions,
			AuthProviderID:   subject.AuthProviderID,
			RemoteIP:         subject.RemoteIP,
			RemoteIPRegion:   subject.RemoteIPRegion,
			ClientVerifiedAt: subject.ClientVerifiedAt,
			Now:              now,
			TokenExpiresAt:   subject.TokenExpiresAt,
		})
		candidates = append(candidates, policy.Candidate{PolicyID: p.ID, Result: res})
	}

	winner, ok, _ := policy.LongestConforming(candidates)
	if !ok {
		return ReauthorizeResult{Authorized: false}, ErrUnauthorized
	}

	newFlowID := ids.New()
	expiresAt := farFuture(now)
	if winner.ExpiresAt != nil {
		expiresAt = *winner.ExpiresAt
	}
	if err := ra.insertFlow(ctx, newFlowID, winner.PolicyID, clientID, c.GatewayID, resourceID, expiresAt); err != nil {
		return ReauthorizeResult{}, fmt.Errorf("gatewaychan: insert reauthorized flow: %w", err)
	}
	c.Put(clientID, resourceID, newFlowID, expiresAt)
	return ReauthorizeResult{Authorized: true, NewExpiresAt: &expiresAt}, nil
}

func farFuture(now time.Time) time.Time { return now.AddDate(100, 0, 0) }

type reauthSubject struct {
	AuthProviderID   string
	RemoteIP         string
	RemoteIPRegion   string
	ClientVerifiedAt *time.Time
	TokenExpiresAt   *time.Time
}

// loadReauthContext fetches the client's posture and every active policy
// that both targets resourceID and, via its actor-group, has a membership
// for the client's actor — the same actor/group join hydrate.go uses, so a
// policy the client's actor isn't a member of can never win reauthorization.
func (ra *Reauthorizer) loadReauthContext(ctx context.Context, gatewayID, clientID, resourceID ids.ID) (reauthSubject, []domain.Policy, error) {
	var subject reauthSubject
	var verifiedAt *time.Time
	var actorID ids.ID
	var ipv4, ipv6 sql.NullString
	err := ra.db.QueryRowContext(ctx, `
		SELECT c.actor_id, c.verified_at, host(c.ipv4), host(c.ipv6)
		FROM clients c
		WHERE c.id = $1
	`, clientID.String()).Scan(&actorID, &verifiedAt, &ipv4, &ipv6)
	if err != nil {
		return subject, nil, fmt.Errorf("load client: %w", err)
	}
	subject.ClientVerifiedAt = verifiedAt
	subject.RemoteIP = ipv4.String
	if subject.RemoteIP == "" {
		subject.RemoteIP = ipv6.String
	}

	rows, err := ra.db.QueryContext(ctx, `
		SELECT p.id, p.account_id, p.actor_group_id, p.resource_id, p.conditions, p.disabled_at
		FROM policies p
		JOIN resources r ON r.id = p.resource_id
		JOIN gateways gw ON gw.site_id = r.site_id
		JOIN actor_groups g ON g.id = p.actor_group_id
		LEFT JOIN actor_group_memberships m ON m.group_id = g.id AND m.actor_id = $3
		WHERE gw.id = $1 AND r.id = $2 AND p.deleted_at IS NULL
		  AND (m.id IS NOT NULL OR (g.type = 'managed' AND g.name = 'Everyone'))
	`, gatewayID.String(), resourceID.String(), actorID.String())
	if err != nil {
		return subject, nil, fmt.Errorf("load policies: %w", err)
	}
	defer rows.Close()

	var policies []domain.Policy
	for rows.Next() {
		var p domain.Policy
		var conditionsJSON []byte
		if err := rows.Scan(&p.ID, &p.AccountID, &p.ActorGroupID, &p.ResourceID, &conditionsJSON, &p.DisabledAt); err != nil {
			return subject, nil, fmt.Errorf("scan policy: %w", err)
		}
		p.Conditions = decodeConditions(conditionsJSON)
		policies = append(policies, p)
	}
	return subject, policies, rows.Err()
}

// FlowRow is one row of a gateway's active flows, for priming a freshly
// connected (or reconnected) gateway's cache.
type FlowRow struct {
	ClientID   ids.ID
	ResourceID ids.ID
	FlowID     ids.ID
	ExpiresAt  time.Time
}

// HydrateFlows loads every non-expired flow for gatewayID, the gateway
// cache's equivalent of clientchan.Hydrator.Hydrate.
func (ra *Reauthorizer) HydrateFlows(ctx context.Context, gatewayID ids.ID) ([]FlowRow, error) {
	rows, err := ra.db.QueryContext(ctx, `
		SELECT client_id, resource_id, id, expires_at
		FROM flows
		WHERE gateway_id = $1 AND expires_at > now()
	`, gatewayID.String())
	if err != nil {
		return nil, fmt.Errorf("gatewaychan: hydrate flows: %w", err)
	}
	defer rows.Close()

	var out []FlowRow
	for rows.Next() {
		var row FlowRow
		if err := rows.Scan(&row.ClientID, &row.ResourceID, &row.FlowID, &row.ExpiresAt); err != nil {
			return nil, fmt.Errorf("gatewaychan: scan flow row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (ra *Reauthorizer) insertFlow(ctx context.Context, flowID, policyID, clientID, gatewayID, resourceID ids.ID, expiresAt time.Time) error {
	_, err := ra.db.ExecContext(ctx, `
		INSERT INTO flows (id, policy_id, client_id, gateway_id, resource_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, flowID.String(), policyID.String(), clientID.String(), gatewayID.String(), resourceID.String(), expiresAt)
	return err
}
