// Package clientchan implements the per-client materialized cache: the set
// of policies, resources, and group memberships relevant to one connected
// client, kept current by domain change events and queried synchronously
// by connection requests.
package clientchan

import (
	"fmt"
	"sync"
	"time"

	"github.com/ocx/meshcore/internal/domain"
	"github.com/ocx/meshcore/internal/ids"
	"github.com/ocx/meshcore/internal/policy"
)

// Subject is the per-request evaluation context a policy condition checks
// against: the client's identity-provider id, network origin, posture, and
// the wall clock.
type Subject struct {
	AuthProviderID   string
	RemoteIP         string
	RemoteIPRegion   string
	ClientVerifiedAt *time.Time
	Now              time.Time
	TokenExpiresAt   *time.Time
}

// AuthorizeResult is the outcome of authorizing a client's access to one
// resource.
type AuthorizeResult struct {
	Resource     domain.Resource
	MembershipID ids.ID
	PolicyID     ids.ID
	ExpiresAt    *time.Time
}

// ErrNotFound means the resource isn't in connectable_resources, or the
// membership backing the winning policy is missing.
var ErrNotFound = fmt.Errorf("clientchan: not found")

// ForbiddenError carries the condition properties every candidate policy
// violated.
type ForbiddenError struct {
	Violated []string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("clientchan: forbidden, violated %v", e.Violated)
}

// Cache is the per-client materialized view. All uuid keys are raw ids.ID;
// every string (site name, resource address) is held once, in the Resource
// itself. A single mutex protects state because one goroutine owns the
// client channel and all mutation happens on its turn — the lock exists
// for authorize_resource's read path running concurrently with event
// application as relay selection and transport writes proceed async.
type Cache struct {
	mu sync.Mutex

	ClientID  ids.ID
	ActorID   ids.ID
	AccountID ids.ID

	policies    map[ids.ID]domain.Policy
	resources   map[ids.ID]domain.Resource
	memberships map[ids.ID]ids.ID // group id -> membership id
	connectable map[ids.ID]domain.Resource

	LastAppliedLSN int64
}

// New builds an empty cache for a client; Hydrate populates it.
func New(clientID, actorID, accountID ids.ID) *Cache {
	return &Cache{
		ClientID:    clientID,
		ActorID:     actorID,
		AccountID:   accountID,
		policies:    make(map[ids.ID]domain.Policy),
		resources:   make(map[ids.ID]domain.Resource),
		memberships: make(map[ids.ID]ids.ID),
		connectable: make(map[ids.ID]domain.Resource),
	}
}

// LoadHydration installs the query results from Hydrate; connectable is
// left empty until the first RecomputeConnectable.
func (c *Cache) LoadHydration(policies []domain.Policy, resources []domain.Resource, memberships map[ids.ID]ids.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range policies {
		c.policies[p.ID] = p
	}
	for _, r := range resources {
		c.resources[r.ID] = r
	}
	for g, m := range memberships {
		c.memberships[g] = m
	}
}

// MembershipGroups returns every actor-group id this client currently has a
// cached membership for, used to subscribe to each group's allow/reject
// broadcast topic.
func (c *Cache) MembershipGroups() []ids.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	groups := make([]ids.ID, 0, len(c.memberships))
	for g := range c.memberships {
		groups = append(groups, g)
	}
	return groups
}

// Resource returns a cached resource by id.
func (c *Cache) Resource(id ids.ID) (domain.Resource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.resources[id]
	return r, ok
}

// AuthorizeResource looks the resource up among connectable_resources, picks
// the longest-conforming policy among those pointing to it, and returns the
// grant or a not-found/forbidden error.
func (c *Cache) AuthorizeResource(resourceID ids.ID, subject Subject) (AuthorizeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resource, ok := c.connectable[resourceID]
	if !ok {
		return AuthorizeResult{}, ErrNotFound
	}

	var candidates []policy.Candidate
	policyByID := make(map[ids.ID]domain.Policy)
	for _, p := range c.policies {
		if p.ResourceID != resourceID || !p.IsActive() {
			continue
		}
		policyByID[p.ID] = p
		res := policy.Evaluate(policy.Input{
			Conditions:       p.Conditions,
			AuthProviderID:   subject.AuthProviderID,
			RemoteIP:         subject.RemoteIP,
			RemoteIPRegion:   subject.RemoteIPRegion,
			ClientVerifiedAt: subject.ClientVerifiedAt,
			Now:              subject.Now,
			TokenExpiresAt:   subject.TokenExpiresAt,
		})
		candidates = append(candidates, policy.Candidate{PolicyID: p.ID, Result: res})
	}

	winner, ok, violated := policy.LongestConforming(candidates)
	if !ok {
		return AuthorizeResult{}, &ForbiddenError{Violated: violated}
	}

	winningPolicy := policyByID[winner.PolicyID]
	membershipID, ok := c.memberships[winningPolicy.ActorGroupID]
	if !ok {
		return AuthorizeResult{}, ErrNotFound
	}

	return AuthorizeResult{
		Resource:     resource,
		MembershipID: membershipID,
		PolicyID:     winner.PolicyID,
		ExpiresAt:    winner.ExpiresAt,
	}, nil
}
