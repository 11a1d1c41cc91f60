package rcluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rcluster/internal/engine"
	"rcluster/internal/proto"
	"rcluster/internal/topology"
)

// fakeConn is a scripted single-node stand-in, letting this package's
// end-to-end test exercise Client.SendOne/SendMany without a socket.
type fakeConn struct {
	addr string

	mu   sync.Mutex
	data map[string][]byte
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{addr: addr, data: make(map[string][]byte)}
}

func (c *fakeConn) Addr() string { return c.addr }
func (c *fakeConn) Close() error { return nil }
func (c *fakeConn) Check() error { return nil }

func (c *fakeConn) SendOne(packed []byte) (proto.Reply, error) {
	cmd, args, err := decodeCommand(packed)
	if err != nil {
		return proto.Reply{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch cmd {
	case "PING":
		return proto.Reply{Kind: proto.KindData, Data: []byte("PONG")}, nil
	case "SET":
		if len(args) < 2 {
			return proto.Reply{}, errors.New("fakeConn: SET needs key and value")
		}
		c.data[string(args[0])] = args[1]
		return proto.Reply{Kind: proto.KindData, Data: []byte("OK")}, nil
	case "GET":
		if len(args) < 1 {
			return proto.Reply{}, errors.New("fakeConn: GET needs a key")
		}
		v, ok := c.data[string(args[0])]
		if !ok {
			return proto.Reply{Kind: proto.KindData, Data: nil}, nil
		}
		return proto.Reply{Kind: proto.KindData, Data: v}, nil
	case "CLUSTER":
		return bulkSlots(c.addr), nil
	default:
		return proto.Reply{}, errors.New("fakeConn: unsupported command " + cmd)
	}
}

func (c *fakeConn) SendMany(packed []byte, offset, count int) ([]proto.Reply, error) {
	reply, err := c.SendOne(packed)
	if err != nil {
		return nil, err
	}
	return []proto.Reply{reply}, nil
}

func bulkSlots(addr string) proto.Reply {
	return proto.Reply{Kind: proto.KindBulk, Bulk: []proto.Reply{
		{Kind: proto.KindBulk, Bulk: []proto.Reply{
			{Kind: proto.KindInt, Int: 0},
			{Kind: proto.KindInt, Int: 16383},
			{Kind: proto.KindBulk, Bulk: []proto.Reply{
				{Kind: proto.KindData, Data: []byte("127.0.0.1")},
				{Kind: proto.KindInt, Int: 7000},
			}},
		}},
	}}
}

// decodeCommand is a tiny RESP array decoder sufficient for this fake's
// needs; it does not reuse internal/slothash's partial decoder since
// here every argument, not just the second, must be recovered.
func decodeCommand(packed []byte) (string, [][]byte, error) {
	n, rest, ok := readArrayHeader(packed)
	if !ok || n == 0 {
		return "", nil, errors.New("fakeConn: malformed command")
	}
	args := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		arg, next, ok := readBulk(rest)
		if !ok {
			return "", nil, errors.New("fakeConn: malformed bulk argument")
		}
		args = append(args, arg)
		rest = next
	}
	return string(args[0]), args[1:], nil
}

func readArrayHeader(b []byte) (int, []byte, bool) {
	if len(b) == 0 || b[0] != '*' {
		return 0, nil, false
	}
	line, rest, ok := readLine(b[1:])
	if !ok {
		return 0, nil, false
	}
	n := 0
	for _, ch := range []byte(line) {
		if ch < '0' || ch > '9' {
			return 0, nil, false
		}
		n = n*10 + int(ch-'0')
	}
	return n, rest, true
}

func readBulk(b []byte) ([]byte, []byte, bool) {
	if len(b) == 0 || b[0] != '$' {
		return nil, nil, false
	}
	line, rest, ok := readLine(b[1:])
	if !ok {
		return nil, nil, false
	}
	size := 0
	for _, ch := range []byte(line) {
		if ch < '0' || ch > '9' {
			return nil, nil, false
		}
		size = size*10 + int(ch-'0')
	}
	if len(rest) < size+2 {
		return nil, nil, false
	}
	return rest[:size], rest[size+2:], true
}

func readLine(b []byte) (string, []byte, bool) {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return string(b[:i]), b[i+2:], true
		}
	}
	return "", nil, false
}

// newTestClient wires a Client directly around a fake single-node
// Pipeline, bypassing bootstrap's real dialing — this package's test
// double for the dial-a-real-cluster path internal/engine's own tests
// already cover against a scripted connection.
func newTestClient(t *testing.T) (*Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn("redis://127.0.0.1:7000")
	topo, err := topology.Bootstrap(context.Background(), map[string]proto.NodeConn{
		"redis://127.0.0.1:7000": conn,
	}, func(ctx context.Context, endpoint string) (proto.NodeConn, error) {
		return nil, errors.New("newTestClient: dial should not be needed")
	}, false)
	if err != nil {
		t.Fatalf("topology.Bootstrap: %v", err)
	}

	pipe := engine.New(topo, nil, engine.Options{}, 100)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pipe.Run(ctx)
	}()

	return &Client{inbound: pipe.Inbound(), cancel: cancel, done: done}, conn
}

// TestClientRoundTrip checks that SET then GET returns the value just
// written, routed through the Client Handle's public SendOne surface
// end-to-end.
func TestClientRoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.SendOne(ctx, proto.Pack("SET", "test", "test_data")); err != nil {
		t.Fatalf("SET: %v", err)
	}
	reply, err := client.SendOne(ctx, proto.Pack("GET", "test"))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if string(reply.Data) != "test_data" {
		t.Errorf("GET test = %q, want %q", reply.Data, "test_data")
	}
}

// TestClientEmptyHashTagRoutesLiterally checks that "GET {}x" routes
// using the literal key "{}x", not the empty string —
// exercised here by confirming the round trip still finds the value a
// plain SET against the same literal key wrote.
func TestClientEmptyHashTagRoutesLiterally(t *testing.T) {
	client, _ := newTestClient(t)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.SendOne(ctx, proto.Pack("SET", "{}x", "tagged")); err != nil {
		t.Fatalf("SET: %v", err)
	}
	reply, err := client.SendOne(ctx, proto.Pack("GET", "{}x"))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if string(reply.Data) != "tagged" {
		t.Errorf("GET {}x = %q, want %q", reply.Data, "tagged")
	}
}

// TestClientCloneSharesPipeline checks that a cloned handle serializes
// onto the same owning Pipeline as its parent.
func TestClientCloneSharesPipeline(t *testing.T) {
	client, _ := newTestClient(t)
	defer client.Close()
	clone := client.Clone()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.SendOne(ctx, proto.Pack("SET", "shared", "v1")); err != nil {
		t.Fatalf("SET via client: %v", err)
	}
	reply, err := clone.SendOne(ctx, proto.Pack("GET", "shared"))
	if err != nil {
		t.Fatalf("GET via clone: %v", err)
	}
	if string(reply.Data) != "v1" {
		t.Errorf("GET shared via clone = %q, want %q", reply.Data, "v1")
	}
}

// TestClientBrokenPipeAfterClose checks that once a Client is closed,
// further sends fail with BrokenPipe rather than hang.
func TestClientBrokenPipeAfterClose(t *testing.T) {
	client, _ := newTestClient(t)
	client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := client.SendOne(ctx, proto.Pack("GET", "test"))
	if err == nil {
		t.Fatal("SendOne after Close: expected an error, got nil")
	}
	var bp *BrokenPipe
	if !errors.As(err, &bp) {
		t.Fatalf("SendOne after Close: error = %v, want BrokenPipe", err)
	}
}
