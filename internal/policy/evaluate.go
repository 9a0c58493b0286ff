// Package policy implements the pure decision function described in
// spec.md §4.6: given a policy's conditions, a client's current
// attributes, and an identity-provider id, decide whether the policy
// grants access and, if so, for how long.
//
// Evaluate never touches the database or the clock wall beyond the Now
// passed in by the caller, so it is trivially unit-testable and safe to
// call from any goroutine.
package policy

import (
	"net/netip"
	"time"

	"github.com/ocx/meshcore/internal/domain"
)

// Input carries everything a condition may need to decide.
type Input struct {
	Conditions []domain.Condition

	AuthProviderID string

	// RemoteIP is the client's actual remote address (an exact IP,
	// checked against remote_ip conditions' CIDRs/addresses).
	// RemoteIPRegion is the resolved region/country code for that same
	// address (checked against remote_ip_location_region conditions).
	// spec.md §3 treats these as distinct condition properties.
	RemoteIP         string
	RemoteIPRegion   string
	ClientVerifiedAt *time.Time
	Now              time.Time

	// TokenExpiresAt is the expiration of the client's current
	// credential; nil means the token itself never expires.
	TokenExpiresAt *time.Time
}

// Result is the evaluator's verdict for a single policy.
type Result struct {
	OK                 bool
	ExpiresAt          *time.Time // effective expiration; nil = no expiration
	ViolatedProperties []string   // populated when !OK
}

// Evaluate is the pure decision function. An empty condition list always
// succeeds with no expiration (the round-trip law in spec.md §8).
func Evaluate(in Input) Result {
	var violated []string
	var conditionExpiry *time.Time
	haveExpiry := false

	for _, cond := range in.Conditions {
		ok, expiry := evalCondition(cond, in)
		if !ok {
			violated = append(violated, string(cond.Property))
			continue
		}
		if expiry != nil {
			if !haveExpiry || expiry.Before(*conditionExpiry) {
				conditionExpiry = expiry
			}
			haveExpiry = true
		}
	}

	if len(violated) > 0 {
		return Result{OK: false, ViolatedProperties: dedupe(violated)}
	}

	return Result{OK: true, ExpiresAt: Earliest(conditionExpiry, in.TokenExpiresAt)}
}

// evalCondition evaluates a single condition, returning whether it
// passed and, if it passed and bounds the expiration (e.g. a time
// window), the window's end. A condition that passes unconditionally
// (no time bound) returns a nil expiry.
func evalCondition(cond domain.Condition, in Input) (bool, *time.Time) {
	switch cond.Property {
	case domain.ConditionAuthProviderID:
		return contains(cond.Values, in.AuthProviderID), nil

	case domain.ConditionRemoteIPLocationRegion:
		return evalSetMembership(cond, in.RemoteIPRegion), nil

	case domain.ConditionClientVerified:
		required := contains(cond.Values, "true")
		if !required {
			return true, nil
		}
		return in.ClientVerifiedAt != nil, nil

	case domain.ConditionCurrentUTCDatetime:
		return evalTimeWindows(cond.Values, in.Now)

	case domain.ConditionRemoteIP:
		return evalIPMembership(cond, in.RemoteIP), nil

	default:
		// Unknown condition properties fail closed.
		return false, nil
	}
}

// evalIPMembership checks a single address against a condition's values,
// each of which may be an exact address ("203.0.113.5") or a CIDR
// ("203.0.113.0/24"). An unparseable remote address never matches.
func evalIPMembership(cond domain.Condition, remoteIP string) bool {
	addr, err := netip.ParseAddr(remoteIP)
	match := false
	if err == nil {
		for _, v := range cond.Values {
			if prefix, perr := netip.ParsePrefix(v); perr == nil {
				if prefix.Contains(addr) {
					match = true
					break
				}
				continue
			}
			if other, oerr := netip.ParseAddr(v); oerr == nil && other == addr {
				match = true
				break
			}
		}
	}
	if cond.Operator == domain.OpIsNotIn {
		return !match
	}
	return match
}

func evalSetMembership(cond domain.Condition, value string) bool {
	in := contains(cond.Values, value)
	if cond.Operator == domain.OpIsNotIn {
		return !in
	}
	return in
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Earliest returns the earlier of two optional timestamps, treating nil
// as +infinity. Two nils yield nil ("no expiration"), matching the open
// question decision recorded in SPEC_FULL.md §12.
func Earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.Before(*b):
		return a
	default:
		return b
	}
}
