package clientchan

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ocx/meshcore/internal/domain"
	"github.com/ocx/meshcore/internal/ids"
)

// Hydrator loads a client's policies, resources, and memberships on
// connect, and fetches single resources on demand when a new policy
// references one the cache hasn't seen yet.
type Hydrator struct {
	db *sql.DB
}

// NewHydrator wraps the ordinary SQL connection pool (never the
// replication connection, which cannot run queries).
func NewHydrator(db *sql.DB) *Hydrator {
	return &Hydrator{db: db}
}

// Hydrate loads every non-disabled policy whose actor-group contains
// actorID — including the synthesized "Everyone" group every account has —
// along with each policy's resource and the actor's memberships.
func (h *Hydrator) Hydrate(ctx context.Context, actorID ids.ID) ([]domain.Policy, []domain.Resource, map[ids.ID]ids.ID, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT p.id, p.account_id, p.actor_group_id, p.resource_id, p.conditions, p.disabled_at,
		       r.id, r.account_id, r.site_id, r.type, r.address, r.address_description, r.ip_stack, r.filters,
		       COALESCE(s.name, ''), m.id
		FROM policies p
		JOIN resources r ON r.id = p.resource_id
		LEFT JOIN sites s ON s.id = r.site_id
		JOIN actor_groups g ON g.id = p.actor_group_id
		LEFT JOIN actor_group_memberships m ON m.group_id = g.id AND m.actor_id = $1
		WHERE p.disabled_at IS NULL AND p.deleted_at IS NULL
		  AND (m.id IS NOT NULL OR (g.type = 'managed' AND g.name = 'Everyone'))
	`, actorID.String())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("clientchan: hydrate query: %w", err)
	}
	defer rows.Close()

	var policies []domain.Policy
	var resources []domain.Resource
	memberships := make(map[ids.ID]ids.ID)

	for rows.Next() {
		var p domain.Policy
		var r domain.Resource
		var conditionsJSON, filtersJSON []byte
		var siteName string
		var membershipIDStr *string

		if err := rows.Scan(
			&p.ID, &p.AccountID, &p.ActorGroupID, &p.ResourceID, &conditionsJSON, &p.DisabledAt,
			&r.ID, &r.AccountID, &r.SiteID, &r.Type, &r.Address, &r.AddressDescription, &r.IPStack, &filtersJSON,
			&siteName, &membershipIDStr,
		); err != nil {
			return nil, nil, nil, fmt.Errorf("clientchan: hydrate scan: %w", err)
		}
		p.Conditions = decodeConditions(conditionsJSON)
		r.Filters = decodeFilters(filtersJSON)
		r.SiteName = siteName

		policies = append(policies, p)
		resources = append(resources, r)
		if membershipIDStr != nil {
			if membershipID, err := ids.Parse(*membershipIDStr); err == nil {
				memberships[p.ActorGroupID] = membershipID
			}
		} else if _, ok := memberships[p.ActorGroupID]; !ok {
			// Everyone group: no membership row, so record a synthesized one.
			memberships[p.ActorGroupID] = ids.Nil
		}
	}
	return policies, resources, memberships, rows.Err()
}

// FetchResource loads a single resource by id, for AddPolicy's on-demand
// path when a new policy names a resource the cache hasn't hydrated.
func (h *Hydrator) FetchResource(ctx context.Context, resourceID ids.ID) (domain.Resource, error) {
	var r domain.Resource
	var filtersJSON []byte
	var siteName string
	err := h.db.QueryRowContext(ctx, `
		SELECT r.id, r.account_id, r.site_id, r.type, r.address, r.address_description, r.ip_stack, r.filters,
		       COALESCE(s.name, '')
		FROM resources r
		LEFT JOIN sites s ON s.id = r.site_id
		WHERE r.id = $1 AND r.deleted_at IS NULL
	`, resourceID.String()).Scan(&r.ID, &r.AccountID, &r.SiteID, &r.Type, &r.Address, &r.AddressDescription, &r.IPStack, &filtersJSON, &siteName)
	if err != nil {
		return domain.Resource{}, fmt.Errorf("clientchan: fetch resource %s: %w", resourceID, err)
	}
	r.Filters = decodeFilters(filtersJSON)
	r.SiteName = siteName
	return r, nil
}
