package vnet

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Routing table: ordered longest-prefix-match with time-bounded entries.
////////////////////////////////////////////////////////////////////////////////

var (
	// ErrInvalidRoute indicates a route whose destination and next hop do
	// not form a usable pair (invalid values or mismatched families).
	ErrInvalidRoute = errors.New("vnet: invalid route")
	// ErrRouteNotFound indicates no route with the exact destination exists.
	ErrRouteNotFound = errors.New("vnet: route not found")
	// ErrRouteExists indicates an add collided with an existing destination
	// while the table's duplicate policy is RejectOnDuplicate.
	ErrRouteExists = errors.New("vnet: route already exists")
)

// Route is one entry in a RoutingTable.
//
// A route passes through three phases: while PreferredUntil has not elapsed
// it is preferred and wins ties against equally specific unpreferred routes;
// after that it is stale but still resolvable; once ExpiresAt elapses it is
// invisible to resolution and eligible for removal by a sweep. The zero time
// disables the corresponding threshold.
type Route struct {
	Dest           netip.Prefix
	Via            netip.Addr
	PreferredUntil time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the route's expiry threshold has elapsed at now.
func (r Route) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Preferred reports whether the route's preference threshold has not yet
// elapsed at now.
func (r Route) Preferred(now time.Time) bool {
	return r.PreferredUntil.IsZero() || now.Before(r.PreferredUntil)
}

func (r Route) validate() error {
	if !r.Dest.IsValid() || !r.Via.IsValid() {
		return ErrInvalidRoute
	}
	if r.Dest.Addr().Is4() != r.Via.Is4() {
		return fmt.Errorf("%w: next hop %s does not match destination family %s", ErrInvalidRoute, r.Via, r.Dest)
	}
	return nil
}

// DuplicatePolicy selects how Add treats a route whose destination is already
// present in the table.
type DuplicatePolicy int

const (
	// ReplaceOnDuplicate overwrites the existing entry in place, keeping
	// its position in the table's insertion order.
	ReplaceOnDuplicate DuplicatePolicy = iota
	// RejectOnDuplicate fails the add with ErrRouteExists.
	RejectOnDuplicate
)

// RoutingTable is an ordered collection of routes unique by destination
// prefix. Destinations are canonicalized to their masked form, so
// 10.0.1.5/24 and 10.0.1.0/24 name the same entry.
//
// One exclusive lock guards the whole table. Route operations are rare
// compared to resolution, and a coarse lock keeps partial updates from ever
// being visible.
type RoutingTable struct {
	mu     sync.RWMutex
	policy DuplicatePolicy
	now    func() time.Time
	routes []Route
}

// NewRoutingTable constructs an empty table with the given duplicate policy.
func NewRoutingTable(policy DuplicatePolicy) *RoutingTable {
	return &RoutingTable{
		policy: policy,
		now:    time.Now,
	}
}

// Add inserts the route, keyed by its masked destination. A destination
// already present is replaced or rejected per the table's duplicate policy.
// Expiry timestamps are stored as given: inserting an already-expired route
// succeeds and relies on resolution filtering and sweeps, since the caller's
// clock is trusted over the table's.
func (t *RoutingTable) Add(route Route) error {
	if err := route.validate(); err != nil {
		return err
	}
	route.Dest = route.Dest.Masked()

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, existing := range t.routes {
		if existing.Dest == route.Dest {
			if t.policy == RejectOnDuplicate {
				return fmt.Errorf("%w: %s", ErrRouteExists, route.Dest)
			}
			t.routes[i] = route
			return nil
		}
	}

	t.routes = append(t.routes, route)
	return nil
}

// Remove deletes the route with the exact masked destination. The table is
// unchanged when no such route exists.
func (t *RoutingTable) Remove(dest netip.Prefix) error {
	if !dest.IsValid() {
		return fmt.Errorf("%w: %s", ErrRouteNotFound, dest)
	}
	dest = dest.Masked()

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, existing := range t.routes {
		if existing.Dest == dest {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrRouteNotFound, dest)
}

// Clear drops every route.
func (t *RoutingTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.routes = nil
}

// Resolve returns the most specific non-expired route covering addr. The
// scan runs in insertion order and only a strictly longer prefix displaces
// the current best, so the earliest-inserted route wins any tie. Staleness
// does not affect resolution: a stale route still routes, it is just no
// longer preferred. The second result is false when no route matches.
func (t *RoutingTable) Resolve(addr netip.Addr) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()

	var (
		best  Route
		found bool
	)
	for _, route := range t.routes {
		if route.Expired(now) || !route.Dest.Contains(addr) {
			continue
		}
		if !found || route.Dest.Bits() > best.Dest.Bits() {
			best = route
			found = true
		}
	}

	return best, found
}

// Routes returns a copy of every entry in insertion order, including expired
// entries that have not been swept.
func (t *RoutingTable) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return append([]Route(nil), t.routes...)
}

// Len returns the number of entries, including expired ones.
func (t *RoutingTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.routes)
}

// SweepExpired physically removes every expired route and returns how many
// were dropped. Resolution already skips expired routes; the sweep exists so
// a host can bound table growth without a background timer in this package.
func (t *RoutingTable) SweepExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	kept := t.routes[:0]
	removed := 0
	for _, route := range t.routes {
		if route.Expired(now) {
			removed++
			continue
		}
		kept = append(kept, route)
	}
	t.routes = kept

	return removed
}
