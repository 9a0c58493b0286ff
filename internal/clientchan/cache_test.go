package clientchan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/meshcore/internal/domain"
	"github.com/ocx/meshcore/internal/ids"
)

// Scenario 1 (spec.md §8): adding a membership that satisfies an
// unconditional policy makes its resource connectable.
func TestRecomputeConnectableResources_MembershipEnablesResource(t *testing.T) {
	groupID := ids.New()
	resourceID := ids.New()
	siteID := ids.New()
	policyID := ids.New()
	membershipID := ids.New()

	c := New(ids.New(), ids.New(), ids.New())
	c.LoadHydration(
		[]domain.Policy{{ID: policyID, ActorGroupID: groupID, ResourceID: resourceID}},
		[]domain.Resource{{ID: resourceID, SiteID: siteID}},
		nil,
	)

	delta := c.RecomputeConnectableResources(Subject{Now: time.Now()}, "1.4.0", nil)
	require.Empty(t, delta.Added)

	c.AddMembership(groupID, membershipID)
	delta = c.RecomputeConnectableResources(Subject{Now: time.Now()}, "1.4.0", nil)
	require.Len(t, delta.Added, 1)
	require.Equal(t, resourceID, delta.Added[0].ID)
}

func TestAuthorizeResource_NotFoundWhenNotConnectable(t *testing.T) {
	c := New(ids.New(), ids.New(), ids.New())
	_, err := c.AuthorizeResource(ids.New(), Subject{Now: time.Now()})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAuthorizeResource_ForbiddenAggregatesViolations(t *testing.T) {
	groupID := ids.New()
	resourceID := ids.New()
	siteID := ids.New()
	policyID := ids.New()

	c := New(ids.New(), ids.New(), ids.New())
	c.LoadHydration(
		[]domain.Policy{{
			ID: policyID, ActorGroupID: groupID, ResourceID: resourceID,
			Conditions: []domain.Condition{{
				Property: domain.ConditionAuthProviderID,
				Operator: domain.OpIsIn,
				Values:   []string{"okta-1"},
			}},
		}},
		[]domain.Resource{{ID: resourceID, SiteID: siteID}},
		nil,
	)
	c.AddMembership(groupID, ids.New())
	c.RecomputeConnectableResources(Subject{Now: time.Now(), AuthProviderID: "okta-1"}, "1.4.0", nil)

	_, err := c.AuthorizeResource(resourceID, Subject{Now: time.Now(), AuthProviderID: "entra-2"})
	var forbidden *ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	require.Contains(t, forbidden.Violated, string(domain.ConditionAuthProviderID))
}

func TestDeletePolicy_DropsResourceWhenUnreferenced(t *testing.T) {
	resourceID := ids.New()
	policyID := ids.New()

	c := New(ids.New(), ids.New(), ids.New())
	c.LoadHydration(
		[]domain.Policy{{ID: policyID, ResourceID: resourceID}},
		[]domain.Resource{{ID: resourceID}},
		nil,
	)
	c.DeletePolicy(policyID)

	_, ok := c.Resource(resourceID)
	require.False(t, ok)
}
