package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"rcluster/internal/logger"
	"rcluster/internal/proto"
	"rcluster/internal/slothash"
	"rcluster/internal/topology"
)

// Message is what a Client Handle sends into the Pipeline's inbound
// channel: one packed command (or transcript slice) plus a one-shot
// reply channel.
type Message struct {
	Packed  []byte
	Offset  int
	Count   int
	ReplyCh chan Result
}

// pipelineState is the Pipeline-level state: PollComplete (normal
// dispatch) or Recover (a refresh is in flight and dispatch is paused).
type pipelineState int

const (
	statePollComplete pipelineState = iota
	stateRecover
)

// Pipeline is the single goroutine that owns the Topology and every
// in-flight Request. All access to that state happens inside Run's
// select loop — nothing outside it ever touches topo, inflight, or
// state.
//
// Grounded on df2redis's internal/cluster/client.go Do/retry loop for
// the outcome table, and on the reference-only
// _examples/kevwan-radix.v2/cluster/cluster.go single-owner callCh idiom
// for the shape of the goroutine itself; golang.org/x/time/rate gates
// refresh cadence the way df2redis's internal/replica/flow_writer.go
// gates flush cadence for a different resource.
type Pipeline struct {
	inbound chan *Message
	events  chan event

	dial Dialer
	tls  bool

	maxRetries     *int
	refreshLimiter *rate.Limiter

	topo    *topology.Topology
	state   pipelineState
	closing bool

	inflight map[int64]*Request
	nextID   int64

	needsRefresh bool
}

// Dialer opens a fresh node connection for a bare endpoint string.
type Dialer = topology.Dialer

// Options configures a new Pipeline. MaxRetries nil means unbounded
// retries. RefreshInterval bounds how often a failed refresh may be
// retried; zero selects a default.
type Options struct {
	MaxRetries      *int
	RefreshInterval time.Duration
	TLS             bool
}

// New constructs a Pipeline around an already-bootstrapped Topology. The
// caller is expected to call Run in its own goroutine.
func New(topo *topology.Topology, dial Dialer, opts Options, inboundCap int) *Pipeline {
	interval := opts.RefreshInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Pipeline{
		inbound:        make(chan *Message, inboundCap),
		events:         make(chan event, inboundCap),
		dial:           dial,
		tls:            opts.TLS,
		maxRetries:     opts.MaxRetries,
		refreshLimiter: rate.NewLimiter(rate.Every(interval), 1),
		topo:           topo,
		inflight:       make(map[int64]*Request),
	}
}

// Inbound returns the channel Client Handles send Messages on. Closing
// it tells the Pipeline to drain remaining work and exit.
func (p *Pipeline) Inbound() chan<- *Message { return p.inbound }

// event is the sum type the owning goroutine's select multiplexes over,
// in place of a future-based poll loop.
type event interface{ isEvent() }

type attemptEvent struct {
	id   int64
	addr string
	resp Response
	err  error
}

type delayEvent struct{ id int64 }

type refreshEvent struct {
	topo *topology.Topology
	err  error
}

func (attemptEvent) isEvent() {}
func (delayEvent) isEvent()   {}
func (refreshEvent) isEvent() {}

// Run drives the Pipeline until ctx is cancelled or the inbound channel
// is closed and every in-flight request has been delivered. It must run
// in exactly one goroutine for the lifetime of the Pipeline.
func (p *Pipeline) Run(ctx context.Context) {
	defer p.closeConns()
	for {
		select {
		case <-ctx.Done():
			p.abort(ctx.Err())
			return
		case msg, ok := <-p.inbound:
			if !ok {
				p.closing = true
			} else {
				p.accept(msg)
			}
		case ev := <-p.events:
			switch e := ev.(type) {
			case attemptEvent:
				p.handleOutcome(e)
			case delayEvent:
				p.handleDelay(e)
			case refreshEvent:
				p.handleRefresh(ctx, e)
			}
		}

		if p.needsRefresh && p.state == statePollComplete {
			p.startRefresh(ctx)
		}
		if p.state == statePollComplete {
			p.dispatchIdle(ctx)
		}
		if p.closing && len(p.inflight) == 0 {
			return
		}
	}
}

func (p *Pipeline) closeConns() {
	for _, addr := range p.topo.Pool.Addrs() {
		if c, ok := p.topo.Pool.Get(addr); ok {
			c.Close()
		}
	}
}

func (p *Pipeline) accept(msg *Message) {
	id := p.nextID
	p.nextID++
	slot, ok := slothash.SlotFor(msg.Packed)
	var slotPtr *uint16
	if ok {
		slotPtr = &slot
	}
	p.inflight[id] = &Request{
		Packed:     msg.Packed,
		Offset:     msg.Offset,
		Count:      msg.Count,
		Slot:       slotPtr,
		Excludes:   make(map[string]struct{}),
		MaxRetries: p.maxRetries,
		ReplyCh:    msg.ReplyCh,
		State:      StateIdle,
	}
}

func (p *Pipeline) dispatchIdle(ctx context.Context) {
	for id, req := range p.inflight {
		if req.State == StateIdle {
			p.dispatch(ctx, id, req)
		}
	}
}

// dispatch routes by slot when the request has one and carries no
// excludes, otherwise falls back to a
// random connection honoring excludes. A routing failure (no
// connection reachable at all) is treated as a sign the topology itself
// is stale, not as a per-request error — it requests a refresh and
// leaves the request Idle rather than fabricating a network attempt.
func (p *Pipeline) dispatch(ctx context.Context, id int64, req *Request) {
	var addr string
	var conn proto.NodeConn
	var err error
	if len(req.Excludes) == 0 && req.Slot != nil {
		addr, conn, err = p.topo.ConnFor(ctx, *req.Slot, req.Excludes, p.dial)
	} else {
		var ok bool
		addr, conn, ok = p.topo.Pool.Random(req.Excludes)
		if !ok {
			err = errors.New("engine: no connections available")
		}
	}
	if err != nil {
		p.needsRefresh = true
		return
	}

	req.State = StateInFlight
	go func() {
		var resp Response
		var sendErr error
		if req.Count > 0 {
			replies, e := conn.SendMany(req.Packed, req.Offset, req.Count)
			sendErr = e
			resp = Response{Kind: ResponseMultiple, Multiple: replies}
		} else {
			reply, e := conn.SendOne(req.Packed)
			sendErr = e
			resp = Response{Kind: ResponseSingle, Single: reply}
		}
		p.events <- attemptEvent{id: id, addr: addr, resp: resp, err: sendErr}
	}()
}

// handleOutcome implements the retry/redirect outcome table, checked in
// priority order: a bounded retry ceiling wins over everything else,
// then MOVED/ASK, then TRYAGAIN/CLUSTERDOWN, then exclude-saturation,
// then plain retry-with-exclude.
func (p *Pipeline) handleOutcome(ev attemptEvent) {
	req, ok := p.inflight[ev.id]
	if !ok {
		return
	}
	if ev.err == nil {
		p.deliver(req, Result{Response: ev.resp})
		delete(p.inflight, ev.id)
		return
	}

	if req.MaxRetries != nil && req.Retry >= *req.MaxRetries {
		p.deliver(req, Result{Err: ev.err})
		delete(p.inflight, ev.id)
		return
	}

	var replyErr *proto.ReplyError
	if errors.As(ev.err, &replyErr) {
		switch replyErr.Code {
		case "MOVED":
			p.triggerRefresh(req, replyErr, ev.addr)
			return
		case "ASK":
			// Handled identically to MOVED: a full refresh and
			// re-dispatch, not a one-shot ASKING-preamble redirect to
			// the named node. Kept as its own case so that redirect can
			// be added here later without touching the MOVED path.
			p.triggerRefresh(req, replyErr, ev.addr)
			return
		case "TRYAGAIN", "CLUSTERDOWN":
			req.Excludes = make(map[string]struct{})
			req.Retry = incRetry(req.Retry)
			delay := backoff(req.Retry)
			logger.Debug("engine: %s from %s, retrying in %s", replyErr.Code, ev.addr, delay)
			req.State = StateDelayed
			p.scheduleDelay(ev.id, req, delay)
			return
		}
	}

	if excludesCoverAll(req.Excludes, p.topo.Pool.Addrs()) {
		p.deliver(req, Result{Err: ev.err})
		delete(p.inflight, ev.id)
		return
	}
	if ev.addr != "" {
		req.Excludes[ev.addr] = struct{}{}
	}
	req.Retry = incRetry(req.Retry)
	req.State = StateIdle
}

// triggerRefresh handles the MOVED/ASK branch of the outcome table:
// excludes are cleared (the request will re-route against the new
// topology), the request returns to Idle, and the pipeline is signalled
// to refresh.
func (p *Pipeline) triggerRefresh(req *Request, replyErr *proto.ReplyError, addr string) {
	logger.Debug("engine: %s from %s, scheduling topology refresh", replyErr.Code, addr)
	req.Excludes = make(map[string]struct{})
	req.Retry = incRetry(req.Retry)
	req.State = StateIdle
	p.needsRefresh = true
}

func (p *Pipeline) scheduleDelay(id int64, req *Request, d time.Duration) {
	req.timer = time.AfterFunc(d, func() {
		p.events <- delayEvent{id: id}
	})
}

func (p *Pipeline) handleDelay(ev delayEvent) {
	if req, ok := p.inflight[ev.id]; ok && req.State == StateDelayed {
		req.timer = nil
		req.State = StateIdle
	}
}

func (p *Pipeline) startRefresh(ctx context.Context) {
	p.state = stateRecover
	p.needsRefresh = false
	topo := p.topo
	dial := p.dial
	tls := p.tls
	limiter := p.refreshLimiter
	events := p.events
	go func() {
		if err := limiter.Wait(ctx); err != nil {
			events <- refreshEvent{err: fmt.Errorf("engine: refresh throttle: %w", err)}
			return
		}
		newTopo, err := topology.Refresh(ctx, topo, dial, tls)
		events <- refreshEvent{topo: newTopo, err: err}
	}()
}

func (p *Pipeline) handleRefresh(ctx context.Context, ev refreshEvent) {
	if ev.err != nil {
		logger.Warn("engine: topology refresh failed, retrying: %v", ev.err)
		p.startRefresh(ctx)
		return
	}
	logger.Debug("engine: topology refreshed, %d masters", len(ev.topo.Pool.Addrs()))
	p.topo = ev.topo
	p.state = statePollComplete
}

func (p *Pipeline) deliver(req *Request, res Result) {
	if req.timer != nil {
		req.timer.Stop()
	}
	req.ReplyCh <- res
}

// abort delivers err to every request still in flight — used only on
// context cancellation, which is a hard stop rather than the graceful
// drain a closed inbound channel gets.
func (p *Pipeline) abort(err error) {
	for id, req := range p.inflight {
		p.deliver(req, Result{Err: err})
		delete(p.inflight, id)
	}
}
