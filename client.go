package rcluster

import (
	"context"
	"errors"
	"fmt"

	"rcluster/internal/bootstrap"
	"rcluster/internal/config"
	"rcluster/internal/engine"
	"rcluster/internal/proto"
)

// Client is the cloneable handle to a routing Pipeline: a thin wrapper
// around a channel into the single owning Pipeline goroutine. Cloning a
// Client just copies the channel reference, the same way df2redis's
// redisx.Client is freely shared across goroutines that all write to the
// same underlying connection pool.
type Client struct {
	inbound chan<- *engine.Message
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates opts, bootstraps cluster topology from its seed
// endpoints, and starts the owning Pipeline goroutine bound to ctx.
// Cancelling ctx (or calling the returned Client's Close) tears the
// Pipeline down.
func New(ctx context.Context, opts config.Options) (*Client, error) {
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, &InvalidClientConfig{cause: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	pipe, err := bootstrap.Run(runCtx, opts)
	if err != nil {
		cancel()
		return nil, newInvalidClientConfig("bootstrap: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		pipe.Run(runCtx)
	}()

	return &Client{inbound: pipe.Inbound(), cancel: cancel, done: done}, nil
}

// Clone returns a Client sharing the same underlying Pipeline — cheap,
// and safe to call from any goroutine.
func (c *Client) Clone() *Client {
	return &Client{inbound: c.inbound, cancel: c.cancel, done: c.done}
}

// Close tears down the owning Pipeline and waits for it to exit,
// delivering BrokenPipe to any request still in flight.
func (c *Client) Close() error {
	c.cancel()
	<-c.done
	return nil
}

// SendOne sends a single packed command and returns its reply.
func (c *Client) SendOne(ctx context.Context, packed []byte) (proto.Reply, error) {
	res, err := c.send(ctx, packed, 0, 0)
	if err != nil {
		return proto.Reply{}, err
	}
	return res.Response.Single, nil
}

// SendMany sends a packed command transcript and returns the count
// replies starting at offset within it. The whole transcript is routed
// by the slot of its first command; a transcript whose commands span
// several slots is neither checked nor split.
func (c *Client) SendMany(ctx context.Context, packed []byte, offset, count int) ([]proto.Reply, error) {
	res, err := c.send(ctx, packed, offset, count)
	if err != nil {
		return nil, err
	}
	return res.Response.Multiple, nil
}

func (c *Client) send(ctx context.Context, packed []byte, offset, count int) (engine.Result, error) {
	select {
	case <-c.done:
		return engine.Result{}, &BrokenPipe{}
	default:
	}

	replyCh := make(chan engine.Result, 1)
	msg := &engine.Message{Packed: packed, Offset: offset, Count: count, ReplyCh: replyCh}

	select {
	case c.inbound <- msg:
	case <-ctx.Done():
		return engine.Result{}, fmt.Errorf("rcluster: %w", ctx.Err())
	case <-c.done:
		return engine.Result{}, &BrokenPipe{}
	}

	select {
	case res := <-replyCh:
		if res.Err != nil {
			if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
				// The Pipeline aborted because its own context ended.
				return engine.Result{}, &BrokenPipe{cause: res.Err}
			}
			return engine.Result{}, wrapReplyError(res.Err)
		}
		return res, nil
	case <-ctx.Done():
		return engine.Result{}, fmt.Errorf("rcluster: %w", ctx.Err())
	}
}
