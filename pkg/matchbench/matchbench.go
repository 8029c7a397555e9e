// Package matchbench is the public API for embedding the benchmark in
// another program.
package matchbench

import (
	"github.com/tjfontaine/matchbench/internal/config"
	"github.com/tjfontaine/matchbench/internal/runs"
	"github.com/tjfontaine/matchbench/internal/runtime"
	"github.com/tjfontaine/matchbench/internal/workflow"
)

// Runtime runs benchmark batches. See internal/runtime.Runtime.
type Runtime = runtime.Runtime

// Option configures a Runtime.
type Option = runtime.Option

// Config is the benchmark configuration.
type Config = config.Config

// Request selects what a run processes.
type Request = runs.Request

// Summary reports the outcome of a run.
type Summary = workflow.Summary

// New creates a Runtime. Example:
//
//	cfg, err := matchbench.LoadConfig("config.yaml")
//	rt, err := matchbench.New(cfg, matchbench.WithLogger(logger))
//	sum, err := rt.Run(ctx, runID, matchbench.Request{Constellation: "p1m1_p2m2"})
var New = runtime.New

// LoadConfig reads config.yaml and MATCHBENCH_ environment overrides.
var LoadConfig = config.Load

var (
	WithLogger          = runtime.WithLogger
	WithProvider        = runtime.WithProvider
	WithCapacityStore   = runtime.WithCapacityStore
	WithTranscriptStore = runtime.WithTranscriptStore
	WithHTTPClient      = runtime.WithHTTPClient
	WithTools           = runtime.WithTools
)
