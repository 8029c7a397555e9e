// Package phase runs one phase of a constellation for one record: the pre
// hooks, the conversation and the post hooks, each timed as a named
// interval of the phase.
package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/matchbench/internal/artifact"
	"github.com/tjfontaine/matchbench/internal/capacity"
	"github.com/tjfontaine/matchbench/internal/conversation"
	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/payload"
	"github.com/tjfontaine/matchbench/internal/pipeline"
	"github.com/tjfontaine/matchbench/internal/storage"
	"github.com/tjfontaine/matchbench/internal/topology"
)

// Hook order within the pre and post pipelines.
const (
	orderCapacity = 10
	orderOffers   = 20
	orderArtifact = 20
)

// Config wires a Runner.
type Config struct {
	Capacity  capacity.Store
	Catalog   *domain.Catalog
	Artifacts *artifact.BatchWriter
	Outputs   Outputs
	Cast      *Cast

	// Transcripts, when set, receives every finished conversation.
	Transcripts storage.TranscriptStore

	Conversation []conversation.Option
	Logger       *slog.Logger
	Tracer       trace.Tracer
}

// Runner executes phases.
type Runner struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Output is the result of one phase run.
type Output struct {
	Phase        string
	Conversation *conversation.Result
	Timing       domain.PhaseTiming
	Warnings     []pipeline.Warning
	// ConversationID is the archived transcript, if any.
	ConversationID string
}

// Degraded reports whether the phase output was taken without approval.
func (o *Output) Degraded() bool {
	return o != nil && o.Conversation != nil && o.Conversation.Degraded
}

// New creates a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Capacity == nil {
		return nil, domain.ErrConfiguration("phase runner: capacity store is required")
	}
	if cfg.Cast == nil {
		return nil, domain.ErrConfiguration("phase runner: agent cast is required")
	}
	r := &Runner{cfg: cfg, logger: cfg.Logger, tracer: cfg.Tracer}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer("github.com/tjfontaine/matchbench/internal/phase")
	}
	return r, nil
}

// hooks assembles the pipeline declared by phase.
func (r *Runner) hooks(phase topology.Phase) *pipeline.Executor[*State] {
	stages := []pipeline.StageConfig[*State]{
		{Order: orderOffers, Stage: offerRefreshStage(r.cfg.Capacity, r.cfg.Catalog)},
		{Order: orderArtifact, Stage: artifactStage(r.cfg.Artifacts, r.cfg.Outputs, r.logger), OnError: pipeline.ActionWarn},
	}
	if phase.CapacityUpdateBefore {
		stages = append(stages, pipeline.StageConfig[*State]{
			Order: orderCapacity,
			Stage: capacityStage(r.cfg.Capacity, r.cfg.Artifacts, r.cfg.Outputs, pipeline.StagePre, r.logger),
		})
	}
	if phase.CapacityUpdateAfter {
		stages = append(stages, pipeline.StageConfig[*State]{
			Order:   orderCapacity,
			Stage:   capacityStage(r.cfg.Capacity, r.cfg.Artifacts, r.cfg.Outputs, pipeline.StagePost, r.logger),
			OnError: pipeline.ActionWarn,
		})
	}
	return pipeline.NewExecutor(pipeline.ExecutorConfig[*State]{Stages: stages})
}

// Run executes phase for rec. The phase's outputs are folded into rec. A
// conversation failure is returned with the partial output and nothing of
// the phase is persisted; a rejected capacity commit before the phase is
// returned as a KindCapacityExceeded (or KindNotFound) error without
// running the conversation.
func (r *Runner) Run(ctx context.Context, phase topology.Phase, rec *Record) (out *Output, err error) {
	ctx, span := r.tracer.Start(ctx, "phase."+phase.Name,
		trace.WithAttributes(
			attribute.String("registration_id", rec.ID()),
			attribute.Int("agents", len(phase.Agents)),
		))
	defer span.End()

	log := r.logger.With(slog.String("registration_id", rec.ID()), slog.String("phase", phase.Name))
	log.Info("phase started", slog.String("description", phase.Description))

	out = &Output{Phase: phase.Name}
	st := &State{Phase: phase, Record: rec}
	meta := map[string]any{"run_id": rec.RunID, "registration_id": rec.ID(), "phase": phase.Name}
	hooks := r.hooks(phase)

	stopTotal := rec.Timer.Start(phase.Name)
	defer func() {
		stopTotal()
		out.Timing = rec.Timer.Phase(phase.Name)
		rec.Warnings = append(rec.Warnings, out.Warnings...)
		for name, d := range out.Timing.Intervals {
			span.SetAttributes(attribute.Float64(name+"_seconds", d.Seconds()))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	warnings, err := hooks.RunPre(ctx, st, meta)
	out.Warnings = append(out.Warnings, warnings...)
	if err != nil {
		var denied *pipeline.DeniedError
		if errors.As(err, &denied) && denied.Cause != nil {
			log.Warn("phase skipped", slog.String("stage", denied.StageName), slog.String("reason", denied.Reason))
			return out, denied.Cause
		}
		return out, fmt.Errorf("phase %s: %w", phase.Name, err)
	}

	stopSetup := rec.Timer.Start("setup")
	group, task, err := r.prepare(phase, st)
	stopSetup()
	if err != nil {
		return out, err
	}

	stopConv := rec.Timer.Start("conversation")
	res, convErr := group.Run(ctx, task)
	stopConv()
	st.Result = res
	out.Conversation = res

	if r.cfg.Transcripts != nil && res != nil {
		out.ConversationID = conversation.Archive(ctx, r.cfg.Transcripts, conversation.ArchiveInfo{
			RunID:          rec.RunID,
			RegistrationID: rec.ID(),
			Phase:          phase.Name,
		}, res, log)
	}
	if convErr != nil {
		return out, convErr
	}
	if res.Degraded {
		rec.Degraded++
	}

	if err := r.collect(phase, rec, res, log); err != nil {
		out.Warnings = append(out.Warnings, pipeline.Warning{Stage: "collect", Err: err})
		return out, err
	}

	warnings, err = hooks.RunPost(ctx, st, meta)
	out.Warnings = append(out.Warnings, warnings...)
	if err != nil {
		return out, fmt.Errorf("phase %s: %w", phase.Name, err)
	}

	total, _ := rec.Timer.Get(phase.Name)
	conv, _ := rec.Timer.Get(phase.Name + "_conversation")
	log.Info("phase completed",
		slog.String("outcome", string(res.Outcome)),
		slog.Int("messages", len(res.Transcript)),
		slog.Duration("elapsed", total),
		slog.Duration("conversation", conv),
		slog.Int("warnings", len(out.Warnings)))
	return out, nil
}

// prepare builds the phase's agents and its task message.
func (r *Runner) prepare(phase topology.Phase, st *State) (*conversation.Group, string, error) {
	participants, err := r.cfg.Cast.Participants(phase)
	if err != nil {
		return nil, "", err
	}
	opts := append([]conversation.Option{conversation.WithLogger(r.logger)}, r.cfg.Conversation...)
	if st.Record.Confirmed() && phase.Emits(payload.KindPurchaseOrders) {
		opts = append(opts, conversation.WithCheck(supplierCheck(st.Record, r.logger)))
	}
	group, err := conversation.New(phase, participants, opts...)
	if err != nil {
		return nil, "", err
	}
	task, err := Task(st)
	if err != nil {
		return nil, "", err
	}
	return group, task, nil
}

// collect folds the phase payloads into the record. A purchase order for
// another supplier than the confirmed match is dropped.
func (r *Runner) collect(phase topology.Phase, rec *Record, res *conversation.Result, log *slog.Logger) error {
	if p := res.Payload(payload.KindMatches); p != nil && len(p.Matches) > 0 {
		m := PrimaryMatch(rec.ID(), p.Matches, log)
		if rec.Match != nil && rec.Committed && rec.Match.SupplierID == m.SupplierID {
			m.Status = rec.Match.Status
		} else {
			rec.Committed = false
		}
		rec.Match = &m
	}
	if p := res.Payload(payload.KindPurchaseOrders); p != nil && len(p.Orders) > 0 {
		o := PrimaryOrder(rec.ID(), p.Orders, log)
		if err := orderMatches(rec, o); err != nil {
			log.Warn("purchase order dropped", slog.String("error", err.Error()))
			return err
		}
		rec.Order = &o
	}
	return nil
}

// supplierCheck rejects purchase order payloads whose primary order names
// another supplier than rec's confirmed match.
func supplierCheck(rec *Record, log *slog.Logger) conversation.Check {
	return func(kind payload.Kind, p *payload.Payload) error {
		if kind != payload.KindPurchaseOrders || len(p.Orders) == 0 {
			return nil
		}
		return orderMatches(rec, PrimaryOrder(rec.ID(), p.Orders, log))
	}
}

func orderMatches(rec *Record, o domain.PurchaseOrder) error {
	if rec.Match == nil || !rec.Match.Matched || o.SupplierID == rec.Match.SupplierID {
		return nil
	}
	return domain.ErrMatchFailure(fmt.Sprintf("purchase order supplier_id %q does not match the confirmed supplier %q",
		o.SupplierID, rec.Match.SupplierID)).
		WithCode(domain.ErrorCodeSupplierMismatch).
		WithParam(o.SupplierID)
}

// PrimaryMatch picks the record's match from a payload: a positive match for
// the record, then any match for the record, then the first entry. The
// result always carries the record's id.
func PrimaryMatch(id string, ms []domain.Match, log *slog.Logger) domain.Match {
	pick := -1
	for i, m := range ms {
		if m.RegistrationID == id && m.Matched {
			pick = i
			break
		}
	}
	if pick < 0 {
		for i, m := range ms {
			if m.RegistrationID == id {
				pick = i
				break
			}
		}
	}
	if pick < 0 {
		pick = 0
		log.Warn("match payload names another registration",
			slog.String("payload_registration_id", ms[0].RegistrationID))
	}
	m := ms[pick]
	m.RegistrationID = id
	m.Status = ""
	return m
}

// PrimaryOrder picks the record's purchase order from a payload.
func PrimaryOrder(id string, orders []domain.PurchaseOrder, log *slog.Logger) domain.PurchaseOrder {
	for _, o := range orders {
		if o.RegistrationID == id {
			return o
		}
	}
	log.Warn("purchase order payload names another registration",
		slog.String("payload_registration_id", orders[0].RegistrationID))
	o := orders[0]
	o.RegistrationID = id
	return o
}

func asDomain(err error) *domain.Error {
	var derr *domain.Error
	if errors.As(err, &derr) {
		return derr
	}
	return nil
}

// Rollback gives back the capacity rec consumed and marks its match
// unconfirmed. The rewritten match replaces the one already queued.
func (r *Runner) Rollback(ctx context.Context, rec *Record) error {
	if rec.Match == nil || !rec.Committed {
		return nil
	}
	updated, err := r.cfg.Capacity.Release(ctx, rec.Match.SupplierID, 1)
	if err != nil {
		return fmt.Errorf("release capacity for %s: %w", rec.ID(), err)
	}
	rec.Committed = false
	rec.Match.Status = domain.MatchUnconfirmed
	r.logger.Warn("capacity released after a failed phase",
		slog.String("registration_id", rec.ID()),
		slog.String("supplier_id", updated.SupplierID),
		slog.Int("used", updated.Used),
		slog.Int("capacity", updated.Capacity))
	return rewriteMatch(rec, r.cfg.Artifacts, r.cfg.Outputs)
}
