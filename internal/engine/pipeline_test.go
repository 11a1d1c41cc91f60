package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rcluster/internal/proto"
	"rcluster/internal/topology"
)

// fakeConn is a scripted stand-in for a real node connection, letting
// these tests drive the Pipeline's retry/refresh state machine without
// a socket.
type fakeConn struct {
	addr string

	mu        sync.Mutex
	responses []fakeResponse
}

type fakeResponse struct {
	reply proto.Reply
	err   error
}

func (c *fakeConn) Addr() string { return c.addr }
func (c *fakeConn) Close() error { return nil }
func (c *fakeConn) Check() error { return nil }

func (c *fakeConn) SendOne(packed []byte) (proto.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responses) == 0 {
		return proto.Reply{}, errors.New("fakeConn: scripted responses exhausted")
	}
	r := c.responses[0]
	c.responses = c.responses[1:]
	return r.reply, r.err
}

func (c *fakeConn) SendMany(packed []byte, offset, count int) ([]proto.Reply, error) {
	reply, err := c.SendOne(packed)
	if err != nil {
		return nil, err
	}
	return []proto.Reply{reply}, nil
}

func bulkSlots(items ...proto.Reply) proto.Reply {
	return proto.Reply{Kind: proto.KindBulk, Bulk: items}
}

func singleMasterSlots(ip string, port int64) proto.Reply {
	return bulkSlots(bulkSlots(
		proto.Reply{Kind: proto.KindInt, Int: 0},
		proto.Reply{Kind: proto.KindInt, Int: 16383},
		bulkSlots(proto.Reply{Kind: proto.KindData, Data: []byte(ip)}, proto.Reply{Kind: proto.KindInt, Int: port}),
	))
}

func noDial(ctx context.Context, endpoint string) (proto.NodeConn, error) {
	return nil, errors.New("noDial: dial should not be needed in this test")
}

func bootstrapSingle(t *testing.T, conn *fakeConn, addr string) *topology.Topology {
	t.Helper()
	topo, err := topology.Bootstrap(context.Background(), map[string]proto.NodeConn{addr: conn}, noDial, false)
	if err != nil {
		t.Fatalf("topology.Bootstrap: %v", err)
	}
	return topo
}

func runPipeline(t *testing.T, pipe *Pipeline) (cancel context.CancelFunc, done <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := make(chan struct{})
	go func() {
		defer close(d)
		pipe.Run(ctx)
	}()
	return cancel, d
}

func TestPipelineSuccessRoundTrip(t *testing.T) {
	conn := &fakeConn{addr: "redis://127.0.0.1:7000", responses: []fakeResponse{
		{reply: singleMasterSlots("127.0.0.1", 7000)}, // consumed by Bootstrap's CLUSTER SLOTS
		{reply: proto.Reply{Kind: proto.KindData, Data: []byte("bar")}},
	}}
	topo := bootstrapSingle(t, conn, "redis://127.0.0.1:7000")

	pipe := New(topo, noDial, Options{}, 10)
	cancel, done := runPipeline(t, pipe)
	defer func() { cancel(); <-done }()

	replyCh := make(chan Result, 1)
	pipe.Inbound() <- &Message{Packed: proto.Pack("GET", "foo"), ReplyCh: replyCh}

	select {
	case res := <-replyCh:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if string(res.Response.Single.Data) != "bar" {
			t.Errorf("reply = %q, want %q", res.Response.Single.Data, "bar")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestPipelineRetryExhaustion(t *testing.T) {
	conn := &fakeConn{addr: "redis://127.0.0.1:7000", responses: []fakeResponse{
		{reply: singleMasterSlots("127.0.0.1", 7000)},
		{err: errors.New("connection reset")},
	}}
	topo := bootstrapSingle(t, conn, "redis://127.0.0.1:7000")

	zero := 0
	pipe := New(topo, noDial, Options{MaxRetries: &zero}, 10)
	cancel, done := runPipeline(t, pipe)
	defer func() { cancel(); <-done }()

	replyCh := make(chan Result, 1)
	pipe.Inbound() <- &Message{Packed: proto.Pack("GET", "foo"), ReplyCh: replyCh}

	select {
	case res := <-replyCh:
		if res.Err == nil {
			t.Fatal("expected an error once max retries is exhausted")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestPipelineMovedTriggersRefresh(t *testing.T) {
	connA := &fakeConn{addr: "redis://127.0.0.1:7000", responses: []fakeResponse{
		{reply: singleMasterSlots("127.0.0.1", 7000)}, // bootstrap: everything on A
		{err: &proto.ReplyError{Code: "MOVED", Message: "0 127.0.0.1:7001"}},
		{reply: singleMasterSlots("127.0.0.1", 7001)}, // refresh: everything moved to B
	}}
	connB := &fakeConn{addr: "redis://127.0.0.1:7001", responses: []fakeResponse{
		{reply: proto.Reply{Kind: proto.KindData, Data: []byte("bar")}},
	}}

	topo := bootstrapSingle(t, connA, "redis://127.0.0.1:7000")

	dial := func(ctx context.Context, endpoint string) (proto.NodeConn, error) {
		if endpoint == "redis://127.0.0.1:7001" {
			return connB, nil
		}
		return nil, errors.New("dial: unexpected endpoint " + endpoint)
	}

	pipe := New(topo, dial, Options{RefreshInterval: time.Millisecond}, 10)
	cancel, done := runPipeline(t, pipe)
	defer func() { cancel(); <-done }()

	replyCh := make(chan Result, 1)
	pipe.Inbound() <- &Message{Packed: proto.Pack("GET", "foo"), ReplyCh: replyCh}

	select {
	case res := <-replyCh:
		if res.Err != nil {
			t.Fatalf("unexpected error after MOVED-triggered refresh: %v", res.Err)
		}
		if string(res.Response.Single.Data) != "bar" {
			t.Errorf("reply = %q, want %q", res.Response.Single.Data, "bar")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestPipelineExcludeSaturationTerminal(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises the full exclude-all-nodes path; skipped in -short")
	}
	failure := fakeResponse{err: errors.New("io: unexpected eof")}
	connA := &fakeConn{addr: "redis://127.0.0.1:7000", responses: []fakeResponse{
		{reply: singleMasterSlots("127.0.0.1", 7000)},
		failure, failure, failure,
	}}
	// Both masters own a slot so the bootstrap map needs two entries;
	// reuse connA's bootstrap reply for simplicity by seeding through
	// connA only and then having refresh logic out of scope — this test
	// exercises exclude saturation over a two-node Pool built directly
	// via Bootstrap with two seeds instead.
	connB := &fakeConn{addr: "redis://127.0.0.1:7001", responses: []fakeResponse{
		failure, failure, failure,
	}}

	// Seed with both nodes; connA answers CLUSTER SLOTS splitting the
	// space across both masters so the pool ends up with two entries.
	connA.responses[0] = fakeResponse{reply: bulkSlots(
		bulkSlots(
			proto.Reply{Kind: proto.KindInt, Int: 0},
			proto.Reply{Kind: proto.KindInt, Int: 8191},
			bulkSlots(proto.Reply{Kind: proto.KindData, Data: []byte("127.0.0.1")}, proto.Reply{Kind: proto.KindInt, Int: 7000}),
		),
		bulkSlots(
			proto.Reply{Kind: proto.KindInt, Int: 8192},
			proto.Reply{Kind: proto.KindInt, Int: 16383},
			bulkSlots(proto.Reply{Kind: proto.KindData, Data: []byte("127.0.0.1")}, proto.Reply{Kind: proto.KindInt, Int: 7001}),
		),
	)}

	topo, err := topology.Bootstrap(context.Background(), map[string]proto.NodeConn{
		"redis://127.0.0.1:7000": connA,
		"redis://127.0.0.1:7001": connB,
	}, noDial, false)
	if err != nil {
		t.Fatalf("topology.Bootstrap: %v", err)
	}

	pipe := New(topo, noDial, Options{}, 10)
	cancel, done := runPipeline(t, pipe)
	defer func() { cancel(); <-done }()

	replyCh := make(chan Result, 1)
	// PING carries no key, so Slot is nil and dispatch always goes
	// through Pool.Random — the path that accumulates excludes.
	pipe.Inbound() <- &Message{Packed: proto.Pack("PING"), ReplyCh: replyCh}

	select {
	case res := <-replyCh:
		if res.Err == nil {
			t.Fatal("expected an error once every node has been excluded")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestPipelineDrainsOnInboundClose(t *testing.T) {
	conn := &fakeConn{addr: "redis://127.0.0.1:7000", responses: []fakeResponse{
		{reply: singleMasterSlots("127.0.0.1", 7000)},
	}}
	topo := bootstrapSingle(t, conn, "redis://127.0.0.1:7000")

	pipe := New(topo, noDial, Options{}, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		pipe.Run(ctx)
	}()

	inbound := pipe.Inbound()
	close(inbound.(chan *Message))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not exit after inbound was closed with nothing in flight")
	}
}
