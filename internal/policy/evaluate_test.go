package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/meshcore/internal/domain"
	"github.com/ocx/meshcore/internal/ids"
)

func TestEvaluate_EmptyConditionsAlwaysOK(t *testing.T) {
	res := Evaluate(Input{Now: time.Now()})
	require.True(t, res.OK)
	require.Nil(t, res.ExpiresAt)
}

func TestEvaluate_AuthProviderMismatch(t *testing.T) {
	res := Evaluate(Input{
		Conditions: []domain.Condition{{
			Property: domain.ConditionAuthProviderID,
			Operator: domain.OpIsIn,
			Values:   []string{"okta-1"},
		}},
		AuthProviderID: "entra-2",
		Now:            time.Now(),
	})
	require.False(t, res.OK)
	require.Equal(t, []string{string(domain.ConditionAuthProviderID)}, res.ViolatedProperties)
}

func TestEvaluate_ClientVerifiedRequired(t *testing.T) {
	res := Evaluate(Input{
		Conditions: []domain.Condition{{
			Property: domain.ConditionClientVerified,
			Operator: domain.OpEquals,
			Values:   []string{"true"},
		}},
		ClientVerifiedAt: nil,
		Now:              time.Now(),
	})
	require.False(t, res.OK)
}

func TestEvaluate_TokenExpiryCapsConditionExpiry(t *testing.T) {
	now := time.Now().UTC()
	tokenExp := now.Add(10 * time.Minute)
	res := Evaluate(Input{
		Now:            now,
		TokenExpiresAt: &tokenExp,
	})
	require.True(t, res.OK)
	require.NotNil(t, res.ExpiresAt)
	require.WithinDuration(t, tokenExp, *res.ExpiresAt, time.Second)
}

// Scenario 3 (spec.md §8): two policies both grant access; the one with
// the later expires_at wins.
func TestLongestConforming_PicksLaterExpiry(t *testing.T) {
	p1 := ids.New()
	p2 := ids.New()
	now := time.Now().UTC()
	e1 := now.Add(10 * time.Minute)
	e2 := now.Add(time.Hour)

	winner, ok, _ := LongestConforming([]Candidate{
		{PolicyID: p1, Result: Result{OK: true, ExpiresAt: &e1}},
		{PolicyID: p2, Result: Result{OK: true, ExpiresAt: &e2}},
	})
	require.True(t, ok)
	require.Equal(t, p2, winner.PolicyID)
	require.Equal(t, e2, *winner.ExpiresAt)
}

func TestLongestConforming_NilIsInfinite(t *testing.T) {
	p1 := ids.New()
	p2 := ids.New()
	now := time.Now().UTC()
	e1 := now.Add(10 * time.Minute)

	winner, ok, _ := LongestConforming([]Candidate{
		{PolicyID: p1, Result: Result{OK: true, ExpiresAt: &e1}},
		{PolicyID: p2, Result: Result{OK: true, ExpiresAt: nil}},
	})
	require.True(t, ok)
	require.Equal(t, p2, winner.PolicyID)
	require.Nil(t, winner.ExpiresAt)
}

func TestLongestConforming_NoneConformAggregatesViolations(t *testing.T) {
	p1 := ids.New()
	p2 := ids.New()

	_, ok, violated := LongestConforming([]Candidate{
		{PolicyID: p1, Result: Result{OK: false, ViolatedProperties: []string{"auth_provider_id"}}},
		{PolicyID: p2, Result: Result{OK: false, ViolatedProperties: []string{"auth_provider_id", "client_verified"}}},
	})
	require.False(t, ok)
	require.ElementsMatch(t, []string{"auth_provider_id", "client_verified"}, violated)
}

func TestEvaluate_RemoteIPWithinCIDR(t *testing.T) {
	res := Evaluate(Input{
		Conditions: []domain.Condition{{
			Property: domain.ConditionRemoteIP,
			Operator: domain.OpIsIn,
			Values:   []string{"203.0.113.0/24"},
		}},
		RemoteIP: "203.0.113.42",
		Now:      time.Now(),
	})
	require.True(t, res.OK)
}

func TestEvaluate_RemoteIPOutsideCIDRIsForbidden(t *testing.T) {
	res := Evaluate(Input{
		Conditions: []domain.Condition{{
			Property: domain.ConditionRemoteIP,
			Operator: domain.OpIsIn,
			Values:   []string{"203.0.113.0/24"},
		}},
		RemoteIP: "198.51.100.7",
		Now:      time.Now(),
	})
	require.False(t, res.OK)
	require.Equal(t, []string{string(domain.ConditionRemoteIP)}, res.ViolatedProperties)
}

// remote_ip and remote_ip_location_region are distinct properties: a policy
// constraining one must not be satisfiable by the other.
func TestEvaluate_RemoteIPAndRegionAreDistinctProperties(t *testing.T) {
	res := Evaluate(Input{
		Conditions: []domain.Condition{{
			Property: domain.ConditionRemoteIP,
			Operator: domain.OpIsIn,
			Values:   []string{"203.0.113.0/24"},
		}},
		RemoteIP:       "198.51.100.7",
		RemoteIPRegion: "US",
		Now:            time.Now(),
	})
	require.False(t, res.OK)
}

func TestEvaluate_TimeWindow(t *testing.T) {
	// Wednesday 10:00 UTC, window Mon-Fri 09:00-17:00.
	now := time.Date(2026, time.July, 29, 10, 0, 0, 0, time.UTC)
	res := Evaluate(Input{
		Now: now,
		Conditions: []domain.Condition{{
			Property: domain.ConditionCurrentUTCDatetime,
			Values:   []string{"Mon,Tue,Wed,Thu,Fri/09:00-17:00"},
		}},
	})
	require.True(t, res.OK)
	require.NotNil(t, res.ExpiresAt)
	require.Equal(t, 17, res.ExpiresAt.Hour())
}

func TestEvaluate_OutsideTimeWindowIsForbidden(t *testing.T) {
	now := time.Date(2026, time.July, 29, 20, 0, 0, 0, time.UTC)
	res := Evaluate(Input{
		Now: now,
		Conditions: []domain.Condition{{
			Property: domain.ConditionCurrentUTCDatetime,
			Values:   []string{"Mon,Tue,Wed,Thu,Fri/09:00-17:00"},
		}},
	})
	require.False(t, res.OK)
	require.Nil(t, res.ExpiresAt)
}
