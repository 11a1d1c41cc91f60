// Package bootstrap builds a Client's Pipeline through a four-stage
// sequence: validate endpoints, dial survivors, refresh topology, spawn
// pipeline.
//
// Grounded on df2redis's internal/pipeline.Pipeline/Stage/Result runner
// — the Stage interface and sequential Run loop are kept verbatim in
// shape; the migration-specific stages (precheck, meta-hook, RDB
// import, cutover) and the *Context fields they depended on
// (Camellia manager, RDB importer, state store) are replaced by the
// four bootstrap stages and the topology/engine types this repository
// actually needs.
package bootstrap

import (
	"context"
	"fmt"

	"rcluster/internal/config"
	"rcluster/internal/engine"
	"rcluster/internal/logger"
	"rcluster/internal/proto"
	"rcluster/internal/topology"
)

// Status indicates a stage's outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Result is what a Stage returns.
type Result struct {
	Status  Status
	Message string
}

func ok(msg string) Result              { return Result{Status: StatusSuccess, Message: msg} }
func failed(err error) Result           { return Result{Status: StatusFailed, Message: err.Error()} }
func failedf(f string, a ...any) Result { return failed(fmt.Errorf(f, a...)) }

// Stage is one step of the bootstrap sequence.
type Stage interface {
	Name() string
	Run(ctx *Context) Result
}

// Context carries state threaded between stages.
type Context struct {
	RunCtx context.Context
	Opts   config.Options

	endpoints []proto.Endpoint
	survivors map[string]proto.NodeConn
	topo      *topology.Topology
	dial      topology.Dialer

	Pipeline *engine.Pipeline
}

func (c *Context) dialer() topology.Dialer {
	return func(ctx context.Context, endpoint string) (proto.NodeConn, error) {
		ep, err := proto.ParseEndpoint(endpoint)
		if err != nil {
			return nil, err
		}
		return proto.DialAndCheck(ctx, proto.Config{
			Endpoint:    ep,
			Password:    c.Opts.Password,
			DialTimeout: c.Opts.DialTimeout,
			IOTimeout:   c.Opts.IOTimeout,
		})
	}
}

// sequence runs Stages in order, stopping at the first failure — the
// same shape as df2redis's internal/pipeline.Pipeline.Run, minus the
// state-store progress reporting that had no home outside a migration
// run.
type sequence struct {
	stages []Stage
}

func (s *sequence) add(stage Stage) *sequence {
	s.stages = append(s.stages, stage)
	return s
}

func (s *sequence) run(ctx *Context) error {
	for _, stage := range s.stages {
		logger.Debug("bootstrap: starting stage %s", stage.Name())
		result := stage.Run(ctx)
		logger.Debug("bootstrap: stage %s finished: status=%s message=%s", stage.Name(), result.Status, result.Message)
		if result.Status == StatusFailed {
			return fmt.Errorf("bootstrap: stage %s failed: %s", stage.Name(), result.Message)
		}
	}
	return nil
}

// Run executes the full bootstrap sequence and returns a constructed,
// not-yet-started Pipeline. The caller is responsible for running
// pipeline.Run(ctx) in its own goroutine.
func Run(ctx context.Context, opts config.Options) (*engine.Pipeline, error) {
	bctx := &Context{RunCtx: ctx, Opts: opts}
	bctx.dial = bctx.dialer()

	seq := (&sequence{}).
		add(validateEndpointsStage{}).
		add(dialSurvivorsStage{}).
		add(refreshTopologyStage{}).
		add(spawnPipelineStage{})

	if err := seq.run(bctx); err != nil {
		for _, c := range bctx.survivors {
			c.Close()
		}
		return nil, err
	}
	return bctx.Pipeline, nil
}
