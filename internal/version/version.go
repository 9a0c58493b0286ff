// Package version centralizes the client/gateway version-compatibility
// cutoffs that spec.md §9 calls out as configuration, not protocol: the
// "on older clients" toggle for in-place site changes, the gateway
// minimum version for the ref-based rendezvous protocol (below which the
// legacy request_connection message is used), and resource
// compatibility gates (e.g. whether a client understands `internet`
// resources).
package version

import (
	"strconv"
	"strings"
)

// Semver is a minimal (major, minor, patch) comparable version. Clients
// and gateways report versions like "1.4.2"; unparsable strings compare
// as the zero version, i.e. "oldest possible".
type Semver struct {
	Major, Minor, Patch int
}

func Parse(s string) Semver {
	parts := strings.SplitN(strings.TrimPrefix(s, "v"), ".", 3)
	var v Semver
	if len(parts) > 0 {
		v.Major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		v.Minor, _ = strconv.Atoi(parts[1])
	}
	if len(parts) > 2 {
		v.Patch, _ = strconv.Atoi(parts[2])
	}
	return v
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater
// than other.
func (v Semver) Compare(other Semver) int {
	if v.Major != other.Major {
		return cmp(v.Major, other.Major)
	}
	if v.Minor != other.Minor {
		return cmp(v.Minor, other.Minor)
	}
	return cmp(v.Patch, other.Patch)
}

func (v Semver) AtLeast(other Semver) bool { return v.Compare(other) >= 0 }

func cmp(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Compatibility cutoffs. These are plain vars rather than a config struct
// field because they are protocol constants shared process-wide, but they
// are still overridable at boot for a staged rollout.
var (
	// MinSiteChangeVersion is the first client version that can move a
	// resource to a different site in place instead of requiring a
	// delete-then-create toggle.
	MinSiteChangeVersion = Semver{Major: 1, Minor: 3, Patch: 0}

	// MinGatewayRefVersion is the first gateway version that speaks the
	// ref-based authorize_flow/flow_authorized rendezvous protocol.
	// Gateways below this version get the legacy request_connection
	// message and no allow_access message (spec.md §6).
	MinGatewayRefVersion = Semver{Major: 1, Minor: 4, Patch: 0}

	// MinInternetResourceVersion is the first client version able to
	// connect to a `internet` type resource.
	MinInternetResourceVersion = Semver{Major: 1, Minor: 2, Patch: 0}

	// MinGatewayIPResourceVersion is the first gateway version that routes
	// a bare `ip` resource natively; older gateways need it rewritten to a
	// /32 (or /128) `cidr` resource before authorize_flow is pushed.
	MinGatewayIPResourceVersion = Semver{Major: 1, Minor: 1, Patch: 0}
)

// ClientSupportsInPlaceSiteChange reports whether a client of the given
// version can handle a resource's site changing without a delete+create
// toggle.
func ClientSupportsInPlaceSiteChange(clientVersion string) bool {
	return Parse(clientVersion).AtLeast(MinSiteChangeVersion)
}

// ClientSupportsResource reports whether resource types understood by
// clientVersion include typ.
func ClientSupportsResource(clientVersion string, typ string) bool {
	if typ != "internet" {
		return true
	}
	return Parse(clientVersion).AtLeast(MinInternetResourceVersion)
}

// GatewaySupportsRefRendezvous reports whether gatewayVersion speaks the
// modern ref-based rendezvous protocol.
func GatewaySupportsRefRendezvous(gatewayVersion string) bool {
	return Parse(gatewayVersion).AtLeast(MinGatewayRefVersion)
}

// GatewaySupportsIPResources reports whether gatewayVersion routes `ip`
// type resources natively, without a cidr rewrite.
func GatewaySupportsIPResources(gatewayVersion string) bool {
	return Parse(gatewayVersion).AtLeast(MinGatewayIPResourceVersion)
}
