// Package topology implements the cluster Topology component: the
// slot-to-master mapping and its live connection pool, built from a
// CLUSTER SLOTS discovery reply and refreshed on demand.
//
// Grounded on df2redis's internal/redisx/cluster_client.go (fetchSlots,
// parseClusterSlots, updateTopology — the CLUSTER SLOTS array-reply
// path) and internal/cluster/client.go (the addr-keyed connection pool
// shape). Generalized from a dense [16384]string array into an ordered
// (end, master) slice, since "the first entry with end_slot ≥ s names
// the owning node" is a data-model invariant, not an implementation
// detail left to the builder.
package topology

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"rcluster/internal/proto"
)

// Slot is one contiguous range of the 16384-slot space, as reported by
// CLUSTER SLOTS.
type Slot struct {
	Start    int
	End      int
	Master   string
	Replicas []string
}

// entry is one row of the ordered SlotMap: the slot range [prevEnd+1,
// End] is owned by Master.
type entry struct {
	end    uint16
	master string
}

// SlotMap is the ordered end_slot → master mapping. It is represented
// as a slice sorted by End so that "the first entry with end_slot ≥ s"
// is a binary search, not a linear scan or a random iteration order
// over a language map.
type SlotMap struct {
	entries []entry
}

// buildSlotMap validates and sorts Slot records, checking for full,
// non-overlapping coverage of the slot space, then builds the ordered
// end→master mapping.
func buildSlotMap(slots []Slot) (SlotMap, error) {
	sorted := append([]Slot(nil), slots...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	entries := make([]entry, 0, len(sorted))
	prevEnd := -1
	for _, s := range sorted {
		if s.Start != prevEnd+1 {
			return SlotMap{}, fmt.Errorf("topology: overlapping/gapped slots at %d (expected %d)", s.Start, prevEnd+1)
		}
		entries = append(entries, entry{end: uint16(s.End), master: s.Master})
		prevEnd = s.End
	}
	if prevEnd+1 != numSlots {
		return SlotMap{}, fmt.Errorf("topology: slot map lacks slots >= %d (last covered %d)", numSlots, prevEnd)
	}
	return SlotMap{entries: entries}, nil
}

const numSlots = 16384

// MasterFor returns the master endpoint owning slot s, and whether the
// map has any coverage at all (false only for an empty/zero-value map).
func (m SlotMap) MasterFor(slot uint16) (string, bool) {
	if len(m.entries) == 0 {
		return "", false
	}
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].end >= slot })
	if i == len(m.entries) {
		i = len(m.entries) - 1
	}
	return m.entries[i].master, true
}

// Masters returns the distinct set of master endpoints this map
// references, used during refresh to decide which pool entries to keep.
func (m SlotMap) Masters() []string {
	seen := make(map[string]struct{}, len(m.entries))
	var out []string
	for _, e := range m.entries {
		if _, ok := seen[e.master]; !ok {
			seen[e.master] = struct{}{}
			out = append(out, e.master)
		}
	}
	return out
}

// Pool is the mapping from endpoint string to an open node connection.
// An endpoint never appears twice.
type Pool struct {
	conns map[string]proto.NodeConn
}

func newPool() *Pool { return &Pool{conns: make(map[string]proto.NodeConn)} }

// Get returns the pooled connection for addr, if any.
func (p *Pool) Get(addr string) (proto.NodeConn, bool) {
	c, ok := p.conns[addr]
	return c, ok
}

// Put installs (or replaces) the pooled connection for addr.
func (p *Pool) Put(addr string, c proto.NodeConn) { p.conns[addr] = c }

// Addrs returns every endpoint currently pooled, in no particular order.
func (p *Pool) Addrs() []string {
	out := make([]string, 0, len(p.conns))
	for addr := range p.conns {
		out = append(out, addr)
	}
	return out
}

// Random returns a uniformly random pool connection, honoring excludes
// when that doesn't empty the candidate set — an exclusion set that
// covers every entry is ignored rather than starving the caller.
func (p *Pool) Random(excludes map[string]struct{}) (string, proto.NodeConn, bool) {
	if len(p.conns) == 0 {
		return "", nil, false
	}
	candidates := make([]string, 0, len(p.conns))
	for addr := range p.conns {
		if _, excluded := excludes[addr]; !excluded {
			candidates = append(candidates, addr)
		}
	}
	if len(candidates) == 0 {
		for addr := range p.conns {
			candidates = append(candidates, addr)
		}
	}
	addr := candidates[rand.Intn(len(candidates))]
	return addr, p.conns[addr], true
}

// Topology bundles the SlotMap with its live connection Pool. All
// mutation happens from the single owning Pipeline goroutine; Topology
// itself holds no lock because nothing outside that goroutine is
// allowed to touch it.
type Topology struct {
	Map  SlotMap
	Pool *Pool
}

// Empty returns a Topology with no slot coverage and no connections —
// the Bootstrap starting point before the first refresh.
func Empty() *Topology {
	return &Topology{Pool: newPool()}
}

// ConnFor implements the routing lookup: the least entry with end ≥
// slot, falling back to opening that endpoint, and finally to a random
// pool entry (honoring excludes) if nothing else works.
func (t *Topology) ConnFor(ctx context.Context, slot uint16, excludes map[string]struct{}, dial Dialer) (string, proto.NodeConn, error) {
	if addr, ok := t.Map.MasterFor(slot); ok {
		if c, ok := t.Pool.Get(addr); ok {
			return addr, c, nil
		}
		if c, err := dial(ctx, addr); err == nil {
			return addr, c, nil
		}
	}
	if addr, c, ok := t.Pool.Random(excludes); ok {
		return addr, c, nil
	}
	return "", nil, fmt.Errorf("topology: no connections available")
}

// Dialer opens a connection to a bare endpoint string ("scheme://host:port").
type Dialer func(ctx context.Context, endpoint string) (proto.NodeConn, error)
