// Package workflow runs every phase of a constellation over a batch of
// registrations.
//
// Records go through their phases strictly in declared order and are
// independent of each other except through the shared capacity ledger.
// Capacity is consumed in processing order, so the result of a batch
// depends on the order of its records: when a supplier nears capacity the
// record that runs first gets the slot. This is first-come allocation and
// is intended.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/matchbench/internal/artifact"
	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/payload"
	"github.com/tjfontaine/matchbench/internal/phase"
	"github.com/tjfontaine/matchbench/internal/timing"
	"github.com/tjfontaine/matchbench/internal/topology"
)

// Config wires an Engine.
type Config struct {
	Constellation *topology.Constellation
	Runner        *phase.Runner
	Artifacts     *artifact.BatchWriter
	// Report receives one timing row per record that ran.
	Report *timing.Report

	// MaxItems bounds the records processed; 0 processes all.
	MaxItems int
	// Concurrency is the number of records processed at once; values below
	// 2 process records sequentially.
	Concurrency int
	// RollbackOnPhase2Failure releases the capacity a record consumed when
	// a later phase fails.
	RollbackOnPhase2Failure bool

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Engine executes constellations.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Constellation == nil || len(cfg.Constellation.Phases) == 0 {
		return nil, domain.ErrConfiguration("workflow: constellation has no phases").
			WithCode(domain.ErrorCodeInvalidTopology)
	}
	if cfg.Runner == nil {
		return nil, domain.ErrConfiguration("workflow: phase runner is required")
	}
	e := &Engine{cfg: cfg, logger: cfg.Logger, tracer: cfg.Tracer}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/tjfontaine/matchbench/internal/workflow")
	}
	return e, nil
}

// Run processes regs and flushes the artifacts. Failed records are part of
// the summary, never an error; the error is reserved for I/O failures and
// for cancellation, in which case the summary covers the records that ran.
func (e *Engine) Run(ctx context.Context, runID string, regs []domain.Registration, incentives json.RawMessage) (*Summary, error) {
	start := time.Now()
	c := e.cfg.Constellation
	sum := &Summary{RunID: runID, Constellation: c.Name, Outcomes: make([]Outcome, len(regs))}

	limit := len(regs)
	if e.cfg.MaxItems > 0 && e.cfg.MaxItems < limit {
		limit = e.cfg.MaxItems
	}
	for i := limit; i < len(regs); i++ {
		sum.Outcomes[i] = Outcome{RegistrationID: regs[i].ID, Status: StatusSkipped, Reason: "beyond max_items"}
	}

	if e.cfg.Report != nil {
		if err := e.cfg.Report.Init(); err != nil {
			return nil, fmt.Errorf("init timing report: %w", err)
		}
	}

	e.logger.Info("run started",
		slog.String("run_id", runID),
		slog.String("constellation", c.Name),
		slog.Int("records", limit),
		slog.Int("concurrency", e.cfg.Concurrency))

	process := func(i int) {
		if err := ctx.Err(); err != nil {
			sum.Outcomes[i] = Outcome{RegistrationID: regs[i].ID, Status: StatusSkipped, Reason: "run cancelled"}
			return
		}
		e.logger.Info("processing registration",
			slog.Int("index", i+1),
			slog.Int("total", limit),
			slog.String("registration_id", regs[i].ID))
		sum.Outcomes[i] = e.record(ctx, runID, regs[i], incentives)
	}

	if e.cfg.Concurrency < 2 {
		for i := 0; i < limit; i++ {
			process(i)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(e.cfg.Concurrency)
		for i := 0; i < limit; i++ {
			i := i
			g.Go(func() error {
				process(i)
				return nil
			})
		}
		_ = g.Wait()
	}

	var runErr error
	if e.cfg.Artifacts != nil {
		written, err := e.cfg.Artifacts.FlushAll()
		if err != nil {
			runErr = fmt.Errorf("flush artifacts: %w", err)
		} else if written > 0 {
			e.logger.Info("flushed pending artifact writes", slog.Int("entries", written))
		}
	}

	summarize(sum)
	sum.Elapsed = time.Since(start)
	if err := ctx.Err(); err != nil {
		sum.Cancelled = true
		if runErr == nil {
			runErr = err
		}
	}

	attrs := []any{
		slog.String("run_id", runID),
		slog.Duration("elapsed", sum.Elapsed),
		slog.Int("degraded", sum.Degraded),
		slog.Bool("cancelled", sum.Cancelled),
	}
	for _, s := range Statuses {
		attrs = append(attrs, slog.Int(string(s), sum.Counts[s]))
	}
	e.logger.Info("run finished", attrs...)
	return sum, runErr
}

// record runs every phase for one registration.
func (e *Engine) record(ctx context.Context, runID string, reg domain.Registration, incentives json.RawMessage) Outcome {
	out := Outcome{RegistrationID: reg.ID}
	if reg.ID == "" {
		out.Status = StatusFailed
		out.Reason = "registration has no registration_id"
		e.logger.Warn("registration skipped", slog.String("reason", out.Reason))
		return out
	}

	parent := ctx
	// In-flight records run to completion; cancellation is honoured between
	// phases.
	ctx, span := e.tracer.Start(context.WithoutCancel(ctx), "workflow.record",
		trace.WithAttributes(attribute.String("registration_id", reg.ID)))
	defer span.End()

	rec := phase.NewRecord(runID, reg, incentives)
	log := e.logger.With(slog.String("registration_id", reg.ID))
	start := time.Now()

	var failure error
	enriching := false
	for _, p := range e.cfg.Constellation.Phases {
		if parent.Err() != nil {
			failure = errors.New("run cancelled before " + p.Name)
			break
		}
		if needsMatch(p) {
			if !rec.Confirmed() {
				log.Info("phase not run without a confirmed match", slog.String("phase", p.Name))
				break
			}
			enriching = true
		}

		res, err := e.cfg.Runner.Run(ctx, p, rec)
		out.Phases = append(out.Phases, p.Name)
		if res != nil {
			out.Timing.Phases = append(out.Timing.Phases, res.Timing)
			if res.ConversationID != "" {
				out.Conversations = append(out.Conversations, res.ConversationID)
			}
		}
		if err == nil {
			continue
		}

		if domain.IsKind(err, domain.KindCapacityExceeded) || domain.IsKind(err, domain.KindNotFound) {
			out.Warnings = append(out.Warnings, err.Error())
			break
		}
		failure = fmt.Errorf("%s: %w", p.Name, err)
		if domain.IsKind(err, domain.KindMatchFailure) {
			log.Warn("match failure", slog.String("phase", p.Name), slog.String("error", err.Error()))
		} else {
			log.Error("phase failed", slog.String("phase", p.Name), slog.String("error", err.Error()))
		}
		if enriching && e.cfg.RollbackOnPhase2Failure {
			if rerr := e.cfg.Runner.Rollback(ctx, rec); rerr != nil {
				out.Warnings = append(out.Warnings, rerr.Error())
			}
		}
		break
	}

	out.Timing.RegistrationID = reg.ID
	out.Timing.Total = time.Since(start)
	out.Match = rec.Match
	out.Order = rec.Order
	out.Degraded = rec.Degraded
	for _, w := range rec.Warnings {
		out.Warnings = append(out.Warnings, w.Error())
	}

	switch {
	case failure != nil:
		out.Status = StatusFailed
		out.Reason = failure.Error()
	case rec.Match == nil:
		out.Status = StatusFailed
		out.Reason = "no match was produced"
	case !rec.Match.Matched:
		out.Status = StatusUnmatched
	case rec.Match.Status == domain.MatchUnconfirmed:
		out.Status = StatusUnconfirmed
	default:
		out.Status = StatusMatched
	}
	span.SetAttributes(
		attribute.String("status", string(out.Status)),
		attribute.Float64("total_seconds", out.Timing.Total.Seconds()),
	)

	if e.cfg.Report != nil && len(out.Timing.Phases) > 0 {
		if err := e.cfg.Report.Upsert(reg.ID, timing.Values(out.Timing, e.cfg.Constellation.TimingColumns)); err != nil {
			log.Error("failed to write timing row", slog.String("error", err.Error()))
		}
	}
	log.Info("registration finished",
		slog.String("status", string(out.Status)),
		slog.Duration("elapsed", out.Timing.Total))
	log.Debug(rec.Timer.Format())
	return out
}

// needsMatch reports whether p enriches an earlier match rather than
// producing one.
func needsMatch(p topology.Phase) bool {
	return p.Emits(payload.KindPurchaseOrders) && !p.Emits(payload.KindMatches)
}
