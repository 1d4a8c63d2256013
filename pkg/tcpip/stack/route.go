package stack

import (
	"sync"

	"github.com/google/btree"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip"
)

// Route is one routing table entry: a network/netmask pair, an
// optional next-hop (ANY meaning on-link), and the interface packets
// matching it go out through.
type Route struct {
	Network tcpip.Address
	Netmask tcpip.Mask
	NextHop tcpip.Address // ANY means on-link: next-hop is the destination itself
	Iface   *IPv4Interface
}

// routeItem orders routes by netmask descending (longest prefix first),
// then by network address, so an Ascend traversal of the backing btree
// visits candidates in best-match-first order. This is how the longest-
// prefix tie-break ("raw 32-bit netmask comparison") is realized without
// a per-lookup linear scan.
type routeItem struct {
	route *Route
	mask  uint32
	net   uint32
}

func (a *routeItem) Less(than btree.Item) bool {
	b := than.(*routeItem)
	if a.mask != b.mask {
		return a.mask > b.mask // longer prefix (bigger raw mask) sorts first
	}
	return a.net < b.net
}

// RouteTable is the engine's route table: longest-prefix match over
// network/netmask entries, written only during setup per the engine's
// "routes written only during setup" policy. Add, Lookup and All all
// take mu, so a default gateway may be added interleaved with interface
// registration.
type RouteTable struct {
	mu   sync.Mutex
	tree *btree.BTree
}

// NewRouteTable constructs an empty RouteTable.
func NewRouteTable() *RouteTable {
	return &RouteTable{tree: btree.New(8)}
}

// Add inserts a route. Interface registration adds an on-link route
// (next-hop ANY); ip_route_set_default_gateway adds network=ANY,
// netmask=ANY.
func (t *RouteTable) Add(r *Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree.ReplaceOrInsert(&routeItem{
		route: r,
		mask:  r.Netmask.Uint32(),
		net:   r.Network.Uint32(),
	})
}

// Lookup returns the longest-prefix-matching route for dst, or nil if
// none matches (NO_ROUTE).
func (t *RouteTable) Lookup(dst tcpip.Address) *Route {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := dst.Uint32()
	var found *Route
	t.tree.Ascend(func(i btree.Item) bool {
		ri := i.(*routeItem)
		if d&ri.mask == ri.net {
			found = ri.route
			return false // first match in descending-mask order wins
		}
		return true
	})
	return found
}

// All returns every registered route, longest netmask first.
func (t *RouteTable) All() []*Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Route, 0, t.tree.Len())
	t.tree.Ascend(func(i btree.Item) bool {
		out = append(out, i.(*routeItem).route)
		return true
	})
	return out
}
