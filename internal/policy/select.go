package policy

import (
	"time"

	"github.com/ocx/meshcore/internal/ids"
)

// Candidate pairs a policy with the evaluator's verdict for it.
type Candidate struct {
	PolicyID  ids.ID
	Result    Result
}

// Winner is the outcome of folding a set of candidate policies down to
// the single longest-conforming one (spec.md §4.6, invariant 3 of §3):
// ties broken by the later effective expiration, nil treated as +infinity.
type Winner struct {
	PolicyID  ids.ID
	ExpiresAt *time.Time
}

// LongestConforming folds candidates into the winning policy, or reports
// forbidden with the union of violated properties across every
// unsuccessful candidate when none conform.
func LongestConforming(candidates []Candidate) (Winner, bool, []string) {
	var (
		best    Winner
		found   bool
		allBad  []string
	)

	for _, c := range candidates {
		if !c.Result.OK {
			allBad = append(allBad, c.Result.ViolatedProperties...)
			continue
		}
		if !found {
			best = Winner{PolicyID: c.PolicyID, ExpiresAt: c.Result.ExpiresAt}
			found = true
			continue
		}
		if laterExpiry(c.Result.ExpiresAt, best.ExpiresAt) {
			best = Winner{PolicyID: c.PolicyID, ExpiresAt: c.Result.ExpiresAt}
		}
	}

	if !found {
		return Winner{}, false, dedupe(allBad)
	}
	return best, true, nil
}

// laterExpiry reports whether a is strictly later than b, treating nil as
// +infinity.
func laterExpiry(a, b *time.Time) bool {
	switch {
	case a == nil:
		return b != nil
	case b == nil:
		return false
	default:
		return a.After(*b)
	}
}
