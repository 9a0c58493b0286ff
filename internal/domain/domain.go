// Package domain holds the entity structs described by the control
// plane's data model: accounts, actors, actor groups, memberships,
// clients, gateways, sites, resources, policies and flows. These are the
// typed shapes that WAL rows get decoded into by internal/hooks and that
// internal/clientchan / internal/gatewaychan cache.
package domain

import (
	"net/netip"
	"time"

	"github.com/ocx/meshcore/internal/ids"
)

type ActorType string

const (
	ActorAdmin          ActorType = "admin"
	ActorUser           ActorType = "user"
	ActorServiceAccount ActorType = "service_account"
)

type ActorGroupType string

const (
	ActorGroupManaged   ActorGroupType = "managed"
	ActorGroupDirectory ActorGroupType = "directory"
)

// EveryoneGroupName is the well-known managed group every account has.
// Membership in it is synthesized, never stored (spec.md §3).
const EveryoneGroupName = "Everyone"

type ResourceType string

const (
	ResourceDNS      ResourceType = "dns"
	ResourceCIDR     ResourceType = "cidr"
	ResourceIP       ResourceType = "ip"
	ResourceInternet ResourceType = "internet"
)

type IPStack string

const (
	IPStackIPv4 IPStack = "ipv4"
	IPStackIPv6 IPStack = "ipv6"
	IPStackDual IPStack = "dual"
)

type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolICMP Protocol = "icmp"
	ProtocolAll  Protocol = "all"
)

type Account struct {
	ID         ids.ID
	Slug       string
	Name       string
	Features   map[string]bool
	DisabledAt *time.Time
	DeletedAt  *time.Time
}

type Actor struct {
	ID         ids.ID
	AccountID  ids.ID
	Type       ActorType
	DisabledAt *time.Time
}

type ActorGroup struct {
	ID        ids.ID
	AccountID ids.ID
	Type      ActorGroupType
	Name      string
	Directory string
	IdPID     ids.ID
	DeletedAt *time.Time
}

func (g ActorGroup) IsEveryone() bool {
	return g.Type == ActorGroupManaged && g.Name == EveryoneGroupName
}

type Membership struct {
	ID           ids.ID
	AccountID    ids.ID
	ActorID      ids.ID
	GroupID      ids.ID
	LastSyncedAt *time.Time
}

type Client struct {
	ID                ids.ID
	AccountID         ids.ID
	ActorID           ids.ID
	ExternalID        string
	PublicKey         string // 44-char base64
	IPv4              netip.Addr
	IPv6              netip.Addr
	LastSeenUserAgent string
	LastSeenVersion   string
	VerifiedAt        *time.Time
	DeletedAt         *time.Time
}

type GeoPoint struct {
	Lat float64
	Lon float64
}

type Gateway struct {
	ID               ids.ID
	AccountID        ids.ID
	SiteID           ids.ID
	ExternalID       string
	PublicKey        string
	IPv4             netip.Addr
	IPv6             netip.Addr
	LastSeenVersion  string
	LastSeenLocation GeoPoint
	DeletedAt        *time.Time
}

type Site struct {
	ID        ids.ID
	AccountID ids.ID
	Name      string
}

type Filter struct {
	Protocol Protocol
	Ports    []string
}

type Resource struct {
	ID                 ids.ID
	AccountID          ids.ID
	SiteID             ids.ID // nil/Nil means unreachable (spec.md §3)
	Type               ResourceType
	Address            string
	AddressDescription string
	IPStack            IPStack
	Filters            []Filter
	DeletedAt          *time.Time

	// SiteName is a denormalized copy kept in sync by
	// update_resources_with_site_name (spec.md §4.4).
	SiteName string
}

// HasSite reports whether the resource is reachable through a site,
// invariant 4 of spec.md §3.
func (r Resource) HasSite() bool { return !r.SiteID.IsNil() }

type ConditionProperty string

const (
	ConditionAuthProviderID          ConditionProperty = "auth_provider_id"
	ConditionRemoteIP                ConditionProperty = "remote_ip"
	ConditionRemoteIPLocationRegion  ConditionProperty = "remote_ip_location_region"
	ConditionCurrentUTCDatetime      ConditionProperty = "current_utc_datetime"
	ConditionClientVerified          ConditionProperty = "client_verified"
)

type ConditionOperator string

const (
	OpIsIn    ConditionOperator = "is_in"
	OpIsNotIn ConditionOperator = "is_not_in"
	OpEquals  ConditionOperator = "equals"
)

type Condition struct {
	Property ConditionProperty
	Operator ConditionOperator
	Values   []string
}

type Policy struct {
	ID           ids.ID
	AccountID    ids.ID
	ActorGroupID ids.ID
	ResourceID   ids.ID
	Conditions   []Condition
	DisabledAt   *time.Time
	DeletedAt    *time.Time
}

func (p Policy) IsActive() bool { return p.DisabledAt == nil && p.DeletedAt == nil }

type Flow struct {
	ID                       ids.ID
	AccountID                ids.ID
	PolicyID                 ids.ID
	ActorGroupMembershipID   ids.ID
	TokenID                  ids.ID
	ClientID                 ids.ID
	GatewayID                ids.ID
	ResourceID               ids.ID
	ExpiresAt                time.Time
}

func (f Flow) Expired(now time.Time) bool { return now.After(f.ExpiresAt) }
