package clientchan

import (
	"github.com/ocx/meshcore/internal/domain"
	"github.com/ocx/meshcore/internal/ids"
	"github.com/ocx/meshcore/internal/policy"
	"github.com/ocx/meshcore/internal/version"
)

// Delta is the result of a recompute: resources newly reachable, resources
// no longer reachable, and resources that must be toggled (deleted then
// recreated) because the client's version can't apply the change in place.
type Delta struct {
	Added   []domain.Resource
	Removed []ids.ID
	Toggled []ids.ID
}

// RecomputeConnectableResources filters every cached policy by conformance,
// collects the resources those policies point to, adapts each to the
// client's version (dropping any it can't represent), and diffs against the
// previous connectable set.
func (c *Cache) RecomputeConnectableResources(subject Subject, clientVersion string, toggle map[ids.ID]bool) Delta {
	c.mu.Lock()
	defer c.mu.Unlock()

	newSet := make(map[ids.ID]domain.Resource)
	for _, p := range c.policies {
		if !p.IsActive() {
			continue
		}
		if _, hasMembership := c.memberships[p.ActorGroupID]; !hasMembership {
			continue
		}
		res := policy.Evaluate(policy.Input{
			Conditions:       p.Conditions,
			AuthProviderID:   subject.AuthProviderID,
			RemoteIP:         subject.RemoteIP,
			RemoteIPRegion:   subject.RemoteIPRegion,
			ClientVerifiedAt: subject.ClientVerifiedAt,
			Now:              subject.Now,
			TokenExpiresAt:   subject.TokenExpiresAt,
		})
		if !res.OK {
			continue
		}
		resource, ok := c.resources[p.ResourceID]
		if !ok || !resource.HasSite() {
			continue
		}
		if !version.ClientSupportsResource(clientVersion, string(resource.Type)) {
			continue
		}
		newSet[resource.ID] = resource
	}

	delta := Delta{}
	for id, r := range newSet {
		if _, existed := c.connectable[id]; !existed {
			delta.Added = append(delta.Added, r)
		}
	}
	for id := range c.connectable {
		if _, still := newSet[id]; !still {
			delta.Removed = append(delta.Removed, id)
		}
	}
	for id := range toggle {
		if _, isNow := newSet[id]; isNow {
			delta.Toggled = append(delta.Toggled, id)
		}
	}
	c.connectable = newSet
	return delta
}

// AddMembership records a new (group, membership) pair; the caller must
// still trigger a recompute to fold any newly-conforming policies in.
func (c *Cache) AddMembership(groupID, membershipID ids.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memberships[groupID] = membershipID
}

// DeleteMembership drops a (group, membership) pair.
func (c *Cache) DeleteMembership(groupID ids.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.memberships, groupID)
}

// AddPolicy inserts or replaces a cached policy, fetching its resource via
// fetchResource if not already cached. A fetch error leaves the cache
// unchanged.
func (c *Cache) AddPolicy(p domain.Policy, fetchResource func(ids.ID) (domain.Resource, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.resources[p.ResourceID]; !ok && fetchResource != nil {
		resource, err := fetchResource(p.ResourceID)
		if err != nil {
			return err
		}
		c.resources[resource.ID] = resource
	}
	c.policies[p.ID] = p
	return nil
}

// UpdatePolicy replaces a cached policy in place.
func (c *Cache) UpdatePolicy(p domain.Policy, fetchResource func(ids.ID) (domain.Resource, error)) error {
	return c.AddPolicy(p, fetchResource)
}

// DeletePolicy drops a cached policy, and its resource too if no other
// cached policy still references it.
func (c *Cache) DeletePolicy(policyID ids.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.policies[policyID]
	if !ok {
		return
	}
	delete(c.policies, policyID)

	stillReferenced := false
	for _, other := range c.policies {
		if other.ResourceID == p.ResourceID {
			stillReferenced = true
			break
		}
	}
	if !stillReferenced {
		delete(c.resources, p.ResourceID)
	}
}

// UpdateResourcesWithSiteName replaces the denormalized site name on every
// cached resource belonging to siteID, returning the set of resource ids a
// too-old client must toggle (delete+create) rather than update in place.
func (c *Cache) UpdateResourcesWithSiteName(siteID ids.ID, siteName string, clientVersion string) []ids.ID {
	c.mu.Lock()
	defer c.mu.Unlock()

	canUpdateInPlace := version.ClientSupportsInPlaceSiteChange(clientVersion)
	var toToggle []ids.ID
	for id, r := range c.resources {
		if r.SiteID != siteID {
			continue
		}
		r.SiteName = siteName
		c.resources[id] = r
		if !canUpdateInPlace {
			toToggle = append(toToggle, id)
		}
	}
	return toToggle
}
