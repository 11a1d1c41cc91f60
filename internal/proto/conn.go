// Package proto is the concrete Node Connection and Connection Factory:
// a minimal RESP codec over one TCP (optionally TLS) connection,
// exposing exactly the two operations the routing engine depends on —
// send-one and send-many — plus the dial/ping pair the Connection
// Factory uses to open and verify a node.
//
// Grounded on df2redis's internal/redisx/client.go (Dial, Ping, Do,
// Pipeline, RESP encode/decode), trimmed of everything that file carried
// for RDB/journal replication streaming: raw Read/Write passthroughs,
// CloseWrite half-close, the 128MB SO_RCVBUF tuning and its darwin-only
// syscall helper, and the 60s "rdbTimeout" — none of that applies to a
// client sending small request/reply command frames.
package proto

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultTimeout = 5 * time.Second

// NodeConn is the minimal connection surface the routing engine and the
// Topology depend on: a send-one/send-many pair, plus the liveness
// check and teardown a pooled connection needs. *Conn is the only
// production implementation; tests substitute a fake to exercise the
// Pipeline without a real socket.
type NodeConn interface {
	Addr() string
	Close() error
	Check() error
	SendOne(packed []byte) (Reply, error)
	SendMany(packed []byte, offset, count int) ([]Reply, error)
}

// Config describes how to dial and authenticate against one node.
type Config struct {
	Endpoint    Endpoint
	Password    string
	DialTimeout time.Duration
	IOTimeout   time.Duration
}

// Conn is one node connection. The routing engine never shares a Conn
// across goroutines except through the two Send methods and Check, which
// is why the only state protected by the mutex is the socket itself.
type Conn struct {
	addr   string
	conn   net.Conn
	reader *bufio.Reader

	ioTimeout time.Duration
	mu        sync.Mutex
	closed    atomic.Bool
}

// Dial opens a transport to the endpoint (TCP, or TLS when the endpoint
// scheme is rediss://) and authenticates if a password is set. It does
// not verify liveness beyond that; call Check (or use DialAndCheck) for
// a PING round trip.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultTimeout
	}
	ioTimeout := cfg.IOTimeout
	if ioTimeout <= 0 {
		ioTimeout = defaultTimeout
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	var conn net.Conn
	var err error
	if cfg.Endpoint.TLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer}
		conn, err = tlsDialer.DialContext(ctx, "tcp", cfg.Endpoint.Addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", cfg.Endpoint.Addr())
	}
	if err != nil {
		return nil, fmt.Errorf("proto: dial %s: %w", cfg.Endpoint.Addr(), err)
	}

	c := &Conn{
		addr:      cfg.Endpoint.Addr(),
		conn:      conn,
		reader:    bufio.NewReader(conn),
		ioTimeout: ioTimeout,
	}

	if cfg.Password != "" {
		if _, err := c.do(pack("AUTH", cfg.Password)); err != nil {
			c.Close()
			return nil, fmt.Errorf("proto: auth to %s: %w", c.addr, err)
		}
	}
	return c, nil
}

// Check verifies liveness with PING: any transport error or unexpected
// reply means the connection is dead.
func (c *Conn) Check() error {
	c.mu.Lock()
	reply, err := c.do(pack("PING"))
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("proto: ping %s: %w", c.addr, err)
	}
	if reply.Kind != KindData || !strings.EqualFold(string(reply.Data), "PONG") {
		return fmt.Errorf("proto: ping %s: unexpected reply %s", c.addr, ToString(reply))
	}
	return nil
}

// DialAndCheck composes Dial and Check, used both for bootstrap and for
// replacing a pooled connection that failed a liveness check.
func DialAndCheck(ctx context.Context, cfg Config) (*Conn, error) {
	c, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Check(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Addr reports the node address this connection talks to.
func (c *Conn) Addr() string { return c.addr }

// Close terminates the connection. Safe to call more than once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// SendOne sends one packed command and awaits one reply — the first of
// the two opaque operations the routing engine depends on.
func (c *Conn) SendOne(packed []byte) (Reply, error) {
	if c.closed.Load() {
		return Reply{}, errors.New("proto: connection closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.do(packed)
}

// SendMany sends a packed transcript of commands and awaits count
// replies starting at offset within that transcript. The transcript may
// encode more commands than [offset, offset+count) — e.g. a caller that
// folds several pipelines together — so every reply in the transcript is
// read in order and only the requested slice is returned, matching the
// redis-rs ConnectionLike::req_packed_commands contract this design is
// descended from.
func (c *Conn) SendMany(packed []byte, offset, count int) ([]Reply, error) {
	if c.closed.Load() {
		return nil, errors.New("proto: connection closed")
	}
	total, err := countFrames(packed)
	if err != nil {
		return nil, err
	}
	if offset < 0 || count < 0 || offset+count > total {
		return nil, fmt.Errorf("proto: offset/count %d/%d out of range for %d packed commands", offset, count, total)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.ioTimeout)); err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(packed); err != nil {
		return nil, fmt.Errorf("proto: write to %s: %w", c.addr, err)
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.ioTimeout)); err != nil {
		return nil, err
	}

	replies := make([]Reply, total)
	for i := 0; i < total; i++ {
		reply, err := c.readReply()
		if err != nil {
			return nil, fmt.Errorf("proto: read reply %d/%d from %s: %w", i+1, total, c.addr, err)
		}
		replies[i] = reply
	}
	return replies[offset : offset+count], nil
}

func (c *Conn) do(packed []byte) (Reply, error) {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.ioTimeout)); err != nil {
		return Reply{}, err
	}
	if _, err := c.conn.Write(packed); err != nil {
		return Reply{}, fmt.Errorf("proto: write to %s: %w", c.addr, err)
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.ioTimeout)); err != nil {
		return Reply{}, err
	}
	return c.readReply()
}

func (c *Conn) readReply() (Reply, error) {
	line, err := c.reader.ReadByte()
	if err != nil {
		return Reply{}, err
	}
	switch line {
	case '+':
		str, err := readLine(c.reader)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Kind: KindData, Data: []byte(str)}, nil
	case '-':
		msg, err := readLine(c.reader)
		if err != nil {
			return Reply{}, err
		}
		return Reply{}, parseReplyError(msg)
	case ':':
		numStr, err := readLine(c.reader)
		if err != nil {
			return Reply{}, err
		}
		n, err := strconv.ParseInt(numStr, 10, 64)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Kind: KindInt, Int: n}, nil
	case '$':
		sizeStr, err := readLine(c.reader)
		if err != nil {
			return Reply{}, err
		}
		size, err := strconv.Atoi(sizeStr)
		if err != nil {
			return Reply{}, err
		}
		if size == -1 {
			return Reply{Kind: KindData, Data: nil}, nil
		}
		data := make([]byte, size+2)
		if _, err := io.ReadFull(c.reader, data); err != nil {
			return Reply{}, err
		}
		return Reply{Kind: KindData, Data: data[:size]}, nil
	case '*':
		countStr, err := readLine(c.reader)
		if err != nil {
			return Reply{}, err
		}
		count, err := strconv.Atoi(countStr)
		if err != nil {
			return Reply{}, err
		}
		if count == -1 {
			return Reply{Kind: KindBulk, Bulk: nil}, nil
		}
		items := make([]Reply, 0, count)
		for i := 0; i < count; i++ {
			item, err := c.readReply()
			if err != nil {
				return Reply{}, err
			}
			items = append(items, item)
		}
		return Reply{Kind: KindBulk, Bulk: items}, nil
	default:
		return Reply{}, fmt.Errorf("proto: unexpected RESP prefix %q", line)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// countFrames walks a packed transcript counting top-level "*N\r\n..."
// command frames, without decoding their contents beyond what's needed
// to find each frame's end.
func countFrames(packed []byte) (int, error) {
	rest := packed
	n := 0
	for len(rest) > 0 {
		var err error
		rest, err = skipFrame(rest)
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

func skipFrame(b []byte) ([]byte, error) {
	if len(b) == 0 || b[0] != '*' {
		return nil, errors.New("proto: malformed packed command transcript")
	}
	nl := bytes.IndexByte(b, '\n')
	if nl < 0 {
		return nil, errors.New("proto: truncated array header")
	}
	count, err := strconv.Atoi(strings.TrimSuffix(string(b[1:nl]), "\r"))
	if err != nil {
		return nil, fmt.Errorf("proto: malformed array header: %w", err)
	}
	rest := b[nl+1:]
	for i := 0; i < count; i++ {
		if len(rest) == 0 || rest[0] != '$' {
			return nil, errors.New("proto: expected bulk string in packed command")
		}
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			return nil, errors.New("proto: truncated bulk header")
		}
		size, err := strconv.Atoi(strings.TrimSuffix(string(rest[1:nl]), "\r"))
		if err != nil {
			return nil, fmt.Errorf("proto: malformed bulk header: %w", err)
		}
		rest = rest[nl+1:]
		if len(rest) < size+2 {
			return nil, errors.New("proto: truncated bulk body")
		}
		rest = rest[size+2:]
	}
	return rest, nil
}
