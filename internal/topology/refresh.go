package topology

import (
	"context"
	"fmt"
	"strconv"

	"rcluster/internal/proto"
)

// ParseClusterSlots decodes a CLUSTER SLOTS reply into Slot records:
// Bulk(list of Bulk), each inner bulk being
// [Int(start), Int(end), Bulk(master), Bulk(replica)...], each node
// being [Data(ip), Int(port), ...]. Items shorter than 3 entries are
// skipped; master is always the first node, the rest are replicas
// retained but not consulted for routing.
//
// Grounded on df2redis's internal/redisx/cluster_client.go
// parseClusterSlots, generalized to return Slot (with Replicas) instead
// of a flattened clusterSlotNode, and to synthesize a scheme-qualified
// endpoint via proto.Format instead of net.JoinHostPort.
func ParseClusterSlots(reply proto.Reply, tls bool) ([]Slot, error) {
	if reply.Kind != proto.KindBulk {
		return nil, fmt.Errorf("topology: CLUSTER SLOTS reply is not an array")
	}
	var slots []Slot
	for _, group := range reply.Bulk {
		if group.Kind != proto.KindBulk || len(group.Bulk) < 3 {
			continue
		}
		start, ok1 := asInt(group.Bulk[0])
		end, ok2 := asInt(group.Bulk[1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("topology: malformed CLUSTER SLOTS range")
		}
		master, err := nodeEndpoint(group.Bulk[2], tls)
		if err != nil {
			return nil, err
		}
		var replicas []string
		for _, node := range group.Bulk[3:] {
			addr, err := nodeEndpoint(node, tls)
			if err != nil {
				continue
			}
			replicas = append(replicas, addr)
		}
		slots = append(slots, Slot{Start: start, End: end, Master: master, Replicas: replicas})
	}
	return slots, nil
}

func asInt(r proto.Reply) (int, bool) {
	switch r.Kind {
	case proto.KindInt:
		return int(r.Int), true
	case proto.KindData:
		n, err := strconv.Atoi(string(r.Data))
		return n, err == nil
	default:
		return 0, false
	}
}

func nodeEndpoint(r proto.Reply, tls bool) (string, error) {
	if r.Kind != proto.KindBulk || len(r.Bulk) < 2 {
		return "", fmt.Errorf("topology: malformed node entry in CLUSTER SLOTS reply")
	}
	ip, ok := asString(r.Bulk[0])
	if !ok || ip == "" {
		return "", fmt.Errorf("topology: empty node ip in CLUSTER SLOTS reply")
	}
	port, ok := asInt(r.Bulk[1])
	if !ok {
		return "", fmt.Errorf("topology: malformed node port in CLUSTER SLOTS reply")
	}
	return proto.Format(fmt.Sprintf("%s:%d", ip, port), tls), nil
}

func asString(r proto.Reply) (string, bool) {
	if r.Kind != proto.KindData {
		return "", false
	}
	return string(r.Data), true
}

// Refresh runs the topology refresh protocol:
//  1. snapshot current pool endpoints
//  2. query each in turn with CLUSTER SLOTS, taking the first parseable
//     reply
//  3. build the new slot map
//  4. reconcile the pool: reuse pooled+live masters, dial fresh ones,
//     discard endpoints the new map no longer references
//  5. install the new map/pool atomically (the caller does this by
//     replacing *Topology with the returned one — there is no partial
//     state visible in between since nothing is mutated in place)
func Refresh(ctx context.Context, old *Topology, dial Dialer, tls bool) (*Topology, error) {
	var lastErr error
	for _, addr := range old.Pool.Addrs() {
		conn, ok := old.Pool.Get(addr)
		if !ok {
			continue
		}
		reply, err := conn.SendOne(proto.Pack("CLUSTER", "SLOTS"))
		if err != nil {
			lastErr = err
			continue
		}
		slots, err := ParseClusterSlots(reply, tls)
		if err != nil {
			lastErr = err
			continue
		}
		return reconcile(ctx, old, slots, dial)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("topology: no connections to refresh slots from")
	}
	return nil, fmt.Errorf("topology: no connections to refresh slots from: %w", lastErr)
}

func reconcile(ctx context.Context, old *Topology, slots []Slot, dial Dialer) (*Topology, error) {
	newMap, err := buildSlotMap(slots)
	if err != nil {
		return nil, err
	}

	newPool := newPool()
	for _, addr := range newMap.Masters() {
		if c, ok := old.Pool.Get(addr); ok {
			if err := c.Check(); err == nil {
				newPool.Put(addr, c)
				continue
			}
			c.Close()
		}
		c, err := dial(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("topology: dial master %s during refresh: %w", addr, err)
		}
		newPool.Put(addr, c)
	}

	kept := make(map[string]struct{}, len(newPool.conns))
	for addr := range newPool.conns {
		kept[addr] = struct{}{}
	}
	for _, addr := range old.Pool.Addrs() {
		if _, ok := kept[addr]; !ok {
			if c, ok := old.Pool.Get(addr); ok {
				c.Close()
			}
		}
	}

	return &Topology{Map: newMap, Pool: newPool}, nil
}

// Bootstrap builds the initial Topology from a set of already-dialed
// seed connections, running the same discovery+reconcile steps Refresh
// uses against an empty starting topology.
func Bootstrap(ctx context.Context, seeds map[string]proto.NodeConn, dial Dialer, tls bool) (*Topology, error) {
	seed := Empty()
	for addr, c := range seeds {
		seed.Pool.Put(addr, c)
	}
	return Refresh(ctx, seed, dial, tls)
}
