package vnet

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"
)

// newTestTable pins the table clock. Tests advance it through the returned
// pointer.
func newTestTable(tb testing.TB, policy DuplicatePolicy) (*RoutingTable, *time.Time) {
	tb.Helper()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	table := NewRoutingTable(policy)
	table.now = func() time.Time { return now }
	return table, &now
}

func mustAddRoute(tb testing.TB, table *RoutingTable, dest, via string) {
	tb.Helper()

	err := table.Add(Route{
		Dest: netip.MustParsePrefix(dest),
		Via:  netip.MustParseAddr(via),
	})
	if err != nil {
		tb.Fatalf("add %s via %s: %v", dest, via, err)
	}
}

func TestAddThenResolve(t *testing.T) {
	table, _ := newTestTable(t, ReplaceOnDuplicate)
	mustAddRoute(t, table, "10.0.0.0/8", "10.0.0.1")

	route, ok := table.Resolve(netip.MustParseAddr("10.5.5.5"))
	if !ok {
		t.Fatalf("expected a route for 10.5.5.5")
	}
	if route.Via != netip.MustParseAddr("10.0.0.1") {
		t.Fatalf("unexpected next hop %s", route.Via)
	}
}

func TestLongestPrefixWins(t *testing.T) {
	table, _ := newTestTable(t, ReplaceOnDuplicate)
	mustAddRoute(t, table, "10.0.0.0/8", "10.0.0.1")
	mustAddRoute(t, table, "10.0.1.0/24", "10.0.1.1")

	route, ok := table.Resolve(netip.MustParseAddr("10.0.1.5"))
	if !ok || route.Via != netip.MustParseAddr("10.0.1.1") {
		t.Fatalf("expected the /24 route for 10.0.1.5, got %+v (ok=%v)", route, ok)
	}

	route, ok = table.Resolve(netip.MustParseAddr("10.1.1.1"))
	if !ok || route.Via != netip.MustParseAddr("10.0.0.1") {
		t.Fatalf("expected the /8 route for 10.1.1.1, got %+v (ok=%v)", route, ok)
	}
}

func TestResolveOrderIndependent(t *testing.T) {
	// Same routes as above inserted in the opposite order; specificity, not
	// insertion order, must decide between different-length prefixes.
	table, _ := newTestTable(t, ReplaceOnDuplicate)
	mustAddRoute(t, table, "10.0.1.0/24", "10.0.1.1")
	mustAddRoute(t, table, "10.0.0.0/8", "10.0.0.1")

	route, ok := table.Resolve(netip.MustParseAddr("10.0.1.5"))
	if !ok || route.Via != netip.MustParseAddr("10.0.1.1") {
		t.Fatalf("expected the /24 route for 10.0.1.5, got %+v (ok=%v)", route, ok)
	}
}

func TestDuplicateReplacePolicy(t *testing.T) {
	table, _ := newTestTable(t, ReplaceOnDuplicate)
	mustAddRoute(t, table, "10.0.1.0/24", "10.0.1.1")
	// Unmasked spelling of the same destination.
	mustAddRoute(t, table, "10.0.1.5/24", "10.0.1.254")

	if got := table.Len(); got != 1 {
		t.Fatalf("expected 1 route after replacement, got %d", got)
	}
	route, ok := table.Resolve(netip.MustParseAddr("10.0.1.9"))
	if !ok || route.Via != netip.MustParseAddr("10.0.1.254") {
		t.Fatalf("expected replacement next hop, got %+v (ok=%v)", route, ok)
	}
}

func TestDuplicateRejectPolicy(t *testing.T) {
	table, _ := newTestTable(t, RejectOnDuplicate)
	mustAddRoute(t, table, "10.0.1.0/24", "10.0.1.1")

	err := table.Add(Route{
		Dest: netip.MustParsePrefix("10.0.1.0/24"),
		Via:  netip.MustParseAddr("10.0.1.254"),
	})
	if !errors.Is(err, ErrRouteExists) {
		t.Fatalf("expected ErrRouteExists, got %v", err)
	}

	// First inserted stays authoritative.
	route, ok := table.Resolve(netip.MustParseAddr("10.0.1.9"))
	if !ok || route.Via != netip.MustParseAddr("10.0.1.1") {
		t.Fatalf("expected the original next hop, got %+v (ok=%v)", route, ok)
	}
}

func TestRemove(t *testing.T) {
	table, _ := newTestTable(t, ReplaceOnDuplicate)
	mustAddRoute(t, table, "10.0.1.0/24", "10.0.1.1")

	if err := table.Remove(netip.MustParsePrefix("10.0.1.0/24")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := table.Resolve(netip.MustParseAddr("10.0.1.5")); ok {
		t.Fatalf("resolved a removed route")
	}
}

func TestRemoveNotPresent(t *testing.T) {
	table, _ := newTestTable(t, ReplaceOnDuplicate)
	mustAddRoute(t, table, "10.0.1.0/24", "10.0.1.1")

	err := table.Remove(netip.MustParsePrefix("192.168.0.0/16"))
	if !errors.Is(err, ErrRouteNotFound) {
		t.Fatalf("expected ErrRouteNotFound, got %v", err)
	}

	routes := table.Routes()
	if len(routes) != 1 || routes[0].Dest != netip.MustParsePrefix("10.0.1.0/24") {
		t.Fatalf("failed remove mutated the table: %+v", routes)
	}
}

func TestInvalidRoute(t *testing.T) {
	table, _ := newTestTable(t, ReplaceOnDuplicate)

	err := table.Add(Route{})
	if !errors.Is(err, ErrInvalidRoute) {
		t.Fatalf("expected ErrInvalidRoute for zero route, got %v", err)
	}

	err = table.Add(Route{
		Dest: netip.MustParsePrefix("10.0.0.0/8"),
		Via:  netip.MustParseAddr("fd00::1"),
	})
	if !errors.Is(err, ErrInvalidRoute) {
		t.Fatalf("expected ErrInvalidRoute for mixed families, got %v", err)
	}
	if table.Len() != 0 {
		t.Fatalf("invalid add mutated the table")
	}
}

func TestExpiredRouteLazyRemoval(t *testing.T) {
	table, now := newTestTable(t, ReplaceOnDuplicate)

	err := table.Add(Route{
		Dest:      netip.MustParsePrefix("10.0.0.0/8"),
		Via:       netip.MustParseAddr("10.0.0.1"),
		ExpiresAt: now.Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("adding an already-expired route must succeed: %v", err)
	}

	if _, ok := table.Resolve(netip.MustParseAddr("10.5.5.5")); ok {
		t.Fatalf("resolved an expired route")
	}
	if got := len(table.Routes()); got != 1 {
		t.Fatalf("raw enumeration should include the expired route, got %d entries", got)
	}

	if removed := table.SweepExpired(); removed != 1 {
		t.Fatalf("expected sweep to remove 1 route, removed %d", removed)
	}
	if got := len(table.Routes()); got != 0 {
		t.Fatalf("expected empty table after sweep, got %d entries", got)
	}
}

func TestExpiryBoundary(t *testing.T) {
	table, now := newTestTable(t, ReplaceOnDuplicate)

	err := table.Add(Route{
		Dest:      netip.MustParsePrefix("10.0.0.0/8"),
		Via:       netip.MustParseAddr("10.0.0.1"),
		ExpiresAt: *now,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// A route expires the instant its threshold elapses.
	if _, ok := table.Resolve(netip.MustParseAddr("10.5.5.5")); ok {
		t.Fatalf("resolved a route at its expiry instant")
	}
}

func TestExpiryFollowsClock(t *testing.T) {
	table, now := newTestTable(t, ReplaceOnDuplicate)

	err := table.Add(Route{
		Dest:      netip.MustParsePrefix("10.0.0.0/8"),
		Via:       netip.MustParseAddr("10.0.0.1"),
		ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, ok := table.Resolve(netip.MustParseAddr("10.5.5.5")); !ok {
		t.Fatalf("expected the route before expiry")
	}
	if removed := table.SweepExpired(); removed != 0 {
		t.Fatalf("sweep removed a live route")
	}

	*now = now.Add(2 * time.Hour)

	if _, ok := table.Resolve(netip.MustParseAddr("10.5.5.5")); ok {
		t.Fatalf("resolved a route after expiry")
	}
	if removed := table.SweepExpired(); removed != 1 {
		t.Fatalf("expected sweep to remove 1 route, removed %d", removed)
	}
}

func TestPreferredTransition(t *testing.T) {
	table, now := newTestTable(t, ReplaceOnDuplicate)

	err := table.Add(Route{
		Dest:           netip.MustParsePrefix("10.0.0.0/8"),
		Via:            netip.MustParseAddr("10.0.0.1"),
		PreferredUntil: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	route, ok := table.Resolve(netip.MustParseAddr("10.5.5.5"))
	if !ok || !route.Preferred(*now) {
		t.Fatalf("expected a preferred route, got %+v (ok=%v)", route, ok)
	}

	*now = now.Add(2 * time.Hour)

	// Stale but still valid: resolution keeps working.
	route, ok = table.Resolve(netip.MustParseAddr("10.5.5.5"))
	if !ok {
		t.Fatalf("a stale route must still resolve")
	}
	if route.Preferred(*now) {
		t.Fatalf("route should no longer be preferred")
	}
}

func TestResolveFamilySeparation(t *testing.T) {
	table, _ := newTestTable(t, ReplaceOnDuplicate)
	mustAddRoute(t, table, "0.0.0.0/0", "10.42.0.1")
	mustAddRoute(t, table, "::/0", "fd00::1")

	route, ok := table.Resolve(netip.MustParseAddr("192.0.2.1"))
	if !ok || route.Via != netip.MustParseAddr("10.42.0.1") {
		t.Fatalf("expected the v4 default, got %+v (ok=%v)", route, ok)
	}

	route, ok = table.Resolve(netip.MustParseAddr("2001:db8::1"))
	if !ok || route.Via != netip.MustParseAddr("fd00::1") {
		t.Fatalf("expected the v6 default, got %+v (ok=%v)", route, ok)
	}
}

func TestClear(t *testing.T) {
	table, _ := newTestTable(t, ReplaceOnDuplicate)
	mustAddRoute(t, table, "10.0.0.0/8", "10.0.0.1")
	mustAddRoute(t, table, "10.0.1.0/24", "10.0.1.1")

	table.Clear()

	if table.Len() != 0 {
		t.Fatalf("expected empty table after clear")
	}
}

func TestConcurrentMutation(t *testing.T) {
	table := NewRoutingTable(ReplaceOnDuplicate)

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				dest := netip.PrefixFrom(netip.AddrFrom4([4]byte{10, byte(worker), byte(i), 0}), 24)
				_ = table.Add(Route{Dest: dest, Via: netip.MustParseAddr("10.42.0.1")})
				table.Resolve(netip.AddrFrom4([4]byte{10, byte(worker), byte(i), 5}))
				_ = table.Routes()
			}
		}(worker)
	}
	wg.Wait()

	if got := table.Len(); got != 8*100 {
		t.Fatalf("expected %d routes, got %d", 8*100, got)
	}
}
