package bootstrap

import (
	"rcluster/internal/engine"
	"rcluster/internal/proto"
	"rcluster/internal/topology"
)

// validateEndpointsStage is bootstrap stage 1: parse every configured
// endpoint, rejecting anything that isn't a redis:// or rediss:// TCP
// address before a single socket is opened.
type validateEndpointsStage struct{}

func (validateEndpointsStage) Name() string { return "validate-endpoints" }

func (validateEndpointsStage) Run(ctx *Context) Result {
	if len(ctx.Opts.Endpoints) == 0 {
		return failedf("no seed endpoints configured")
	}
	parsed := make([]proto.Endpoint, 0, len(ctx.Opts.Endpoints))
	for _, raw := range ctx.Opts.Endpoints {
		ep, err := proto.ParseEndpoint(raw)
		if err != nil {
			return failed(err)
		}
		parsed = append(parsed, ep)
	}
	ctx.endpoints = parsed
	return ok("endpoints parsed")
}

// dialSurvivorsStage is bootstrap stage 2: dial and PING every endpoint,
// keeping whichever survive. At least one must.
type dialSurvivorsStage struct{}

func (dialSurvivorsStage) Name() string { return "dial-survivors" }

func (dialSurvivorsStage) Run(ctx *Context) Result {
	survivors := make(map[string]proto.NodeConn)
	var lastErr error
	for _, ep := range ctx.endpoints {
		conn, err := proto.DialAndCheck(ctx.RunCtx, proto.Config{
			Endpoint:    ep,
			Password:    ctx.Opts.Password,
			DialTimeout: ctx.Opts.DialTimeout,
			IOTimeout:   ctx.Opts.IOTimeout,
		})
		if err != nil {
			lastErr = err
			continue
		}
		survivors[proto.Format(ep.Addr(), ep.TLS)] = conn
	}
	if len(survivors) == 0 {
		return failedf("no seed endpoint was reachable: %v", lastErr)
	}
	ctx.survivors = survivors
	return ok("dialed seed endpoints")
}

// refreshTopologyStage is bootstrap stage 3: run the discovery protocol
// against the surviving seeds to build the initial Topology.
type refreshTopologyStage struct{}

func (refreshTopologyStage) Name() string { return "refresh-topology" }

func (refreshTopologyStage) Run(ctx *Context) Result {
	topo, err := topology.Bootstrap(ctx.RunCtx, ctx.survivors, ctx.dial, ctx.Opts.TLS)
	if err != nil {
		return failed(err)
	}
	ctx.topo = topo
	// Bootstrap folds the seed connections into the returned Topology's
	// pool (reusing the live ones, closing the discarded ones); they no
	// longer need closing on our own error path.
	ctx.survivors = nil
	return ok("topology discovered")
}

// spawnPipelineStage is bootstrap stage 4: construct the Pipeline around
// the discovered Topology. The caller starts its goroutine.
type spawnPipelineStage struct{}

func (spawnPipelineStage) Name() string { return "spawn-pipeline" }

func (spawnPipelineStage) Run(ctx *Context) Result {
	ctx.Pipeline = engine.New(ctx.topo, ctx.dial, engine.Options{
		MaxRetries:      ctx.Opts.MaxRetries,
		RefreshInterval: 0,
		TLS:             ctx.Opts.TLS,
	}, ctx.Opts.QueueCapacity)
	return ok("pipeline constructed")
}
