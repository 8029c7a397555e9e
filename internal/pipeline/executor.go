package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// StageType says when a stage runs relative to the work it wraps.
type StageType string

const (
	StagePre  StageType = "pre"
	StagePost StageType = "post"
)

// Action is a stage's verdict.
type Action string

const (
	ActionAllow Action = "allow"
	ActionWarn  Action = "warn"
	ActionDeny  Action = "deny"
)

// Stage is one hook.
type Stage[T any] interface {
	Name() string
	Type() StageType
	Process(ctx context.Context, in *StageInput[T]) (*StageOutput, error)
}

// StageInput is what a stage is handed.
type StageInput[T any] struct {
	Type     StageType
	Subject  T
	Metadata map[string]any
}

// StageOutput is a stage's answer. A nil output means allow.
type StageOutput struct {
	Action     Action
	Warning    error
	DenyReason string
}

// Warning is a non-fatal problem reported by a stage.
type Warning struct {
	Stage string
	Err   error
}

func (w Warning) Error() string {
	return fmt.Sprintf("%s: %v", w.Stage, w.Err)
}

func (w Warning) Unwrap() error { return w.Err }

// Executor orchestrates stage execution.
// It maintains ordered lists of pre and post stages and executes them sequentially.
type Executor[T any] struct {
	preStages  []StageConfig[T]
	postStages []StageConfig[T]
}

// ExecutorConfig configures an executor from stage configurations.
type ExecutorConfig[T any] struct {
	Stages []StageConfig[T]
}

// StageConfig is the configuration for a single stage.
type StageConfig[T any] struct {
	Order int
	Stage Stage[T]

	// OnError is ActionDeny or ActionWarn. Empty means ActionDeny.
	OnError Action
}

// NewExecutor creates an executor from configuration. Stages of equal order
// keep their configured order.
func NewExecutor[T any](cfg ExecutorConfig[T]) *Executor[T] {
	e := &Executor[T]{}
	for _, s := range cfg.Stages {
		if s.Stage == nil {
			continue
		}
		switch s.Stage.Type() {
		case StagePre:
			e.preStages = append(e.preStages, s)
		case StagePost:
			e.postStages = append(e.postStages, s)
		}
	}

	sort.SliceStable(e.preStages, func(i, j int) bool {
		return e.preStages[i].Order < e.preStages[j].Order
	})
	sort.SliceStable(e.postStages, func(i, j int) bool {
		return e.postStages[i].Order < e.postStages[j].Order
	})
	return e
}

// RunPre executes all pre-stages in order.
func (e *Executor[T]) RunPre(ctx context.Context, subject T, meta map[string]any) ([]Warning, error) {
	return run(ctx, StagePre, e.preStages, subject, meta)
}

// RunPost executes all post-stages in order.
func (e *Executor[T]) RunPost(ctx context.Context, subject T, meta map[string]any) ([]Warning, error) {
	return run(ctx, StagePost, e.postStages, subject, meta)
}

// HasPreStages returns true if there are any pre-stages configured.
func (e *Executor[T]) HasPreStages() bool {
	return len(e.preStages) > 0
}

// HasPostStages returns true if there are any post-stages configured.
func (e *Executor[T]) HasPostStages() bool {
	return len(e.postStages) > 0
}

// Names lists the stages of type t in execution order.
func (e *Executor[T]) Names(t StageType) []string {
	stages := e.preStages
	if t == StagePost {
		stages = e.postStages
	}
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Stage.Name()
	}
	return names
}

func run[T any](ctx context.Context, t StageType, stages []StageConfig[T], subject T, meta map[string]any) ([]Warning, error) {
	var warnings []Warning
	for _, sc := range stages {
		if err := ctx.Err(); err != nil {
			return warnings, err
		}
		stage := sc.Stage
		output, err := stage.Process(ctx, &StageInput[T]{Type: t, Subject: subject, Metadata: meta})
		if err != nil {
			if sc.OnError == ActionWarn && !errors.Is(err, context.Canceled) {
				warnings = append(warnings, Warning{Stage: stage.Name(), Err: err})
				continue
			}
			return warnings, fmt.Errorf("pipeline stage %s error: %w", stage.Name(), err)
		}
		if output == nil {
			continue
		}

		switch output.Action {
		case ActionDeny:
			reason := output.DenyReason
			if reason == "" {
				reason = "denied by pipeline stage " + stage.Name()
			}
			return warnings, &DeniedError{
				StageName: stage.Name(),
				Reason:    reason,
				Cause:     output.Warning,
			}
		case ActionWarn:
			if output.Warning != nil {
				warnings = append(warnings, Warning{Stage: stage.Name(), Err: output.Warning})
			}
		case ActionAllow, "":
		}
	}
	return warnings, nil
}

// DeniedError is returned when a stage stops the pipeline.
type DeniedError struct {
	StageName string
	Reason    string
	Cause     error
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("pipeline denied by %s: %s", e.StageName, e.Reason)
}

func (e *DeniedError) Unwrap() error { return e.Cause }

// IsDenied returns true if the error is a pipeline denial.
func IsDenied(err error) bool {
	var d *DeniedError
	return errors.As(err, &d)
}

// FuncStage adapts a function into a Stage.
type FuncStage[T any] struct {
	StageName string
	StageType StageType
	Fn        func(ctx context.Context, subject T) (*StageOutput, error)
}

func (f FuncStage[T]) Name() string    { return f.StageName }
func (f FuncStage[T]) Type() StageType { return f.StageType }

func (f FuncStage[T]) Process(ctx context.Context, in *StageInput[T]) (*StageOutput, error) {
	return f.Fn(ctx, in.Subject)
}

// Allow is the output of a stage with nothing to report.
func Allow() *StageOutput { return &StageOutput{Action: ActionAllow} }

// Warn continues the pipeline and records err.
func Warn(err error) *StageOutput { return &StageOutput{Action: ActionWarn, Warning: err} }

// Deny stops the pipeline.
func Deny(reason string, cause error) *StageOutput {
	return &StageOutput{Action: ActionDeny, DenyReason: reason, Warning: cause}
}
