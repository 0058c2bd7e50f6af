// internal/lifecycle/executor.go
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/landd/internal/continuity"
	"github.com/fyrsmithlabs/landd/internal/gateway"
	"github.com/fyrsmithlabs/landd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/landd/internal/lifecycle"

// ErrConfirmationRequired is returned when a plan needs explicit
// confirmation before running.
var ErrConfirmationRequired = errors.New("plan requires confirmation")

// ErrCriticalPlan is returned when a plan can never run automatically. A
// tracking issue is filed instead.
var ErrCriticalPlan = errors.New("plan is critical and will not be executed")

// ExecOptions control plan execution.
type ExecOptions struct {
	// Confirmed records that a human approved this specific plan. Required
	// for Medium and High risk; irrelevant for Critical, which never runs.
	Confirmed bool
}

// Report describes how far a plan got.
type Report struct {
	PlanID    string
	Completed []string
	Failed    string
	Remaining []string
}

// Executor runs plans: ops in order, halt on first failure, checkpoint
// after every completed op so a crash resumes from known ground.
type Executor struct {
	deps   Deps
	store  *continuity.Store
	logger *logging.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	opCounter   metric.Int64Counter
	planCounter metric.Int64Counter
}

// NewExecutor creates an executor.
func NewExecutor(deps Deps, store *continuity.Store, logger *logging.Logger) (*Executor, error) {
	if deps.Local == nil {
		return nil, errors.New("local gateway is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("provider gateway is required")
	}
	if store == nil {
		return nil, errors.New("continuity store is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}
	e := &Executor{
		deps:   deps,
		store:  store,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	e.initMetrics()
	return e, nil
}

func (e *Executor) initMetrics() {
	var err error
	e.opCounter, err = e.meter.Int64Counter(
		"landd.lifecycle.ops_total",
		metric.WithDescription("Plan operations executed"),
		metric.WithUnit("{op}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create op counter", zap.Error(err))
	}
	e.planCounter, err = e.meter.Int64Counter(
		"landd.lifecycle.plans_total",
		metric.WithDescription("Plans executed by outcome"),
		metric.WithUnit("{plan}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create plan counter", zap.Error(err))
	}
}

// Execute runs the plan, transitioning the durable state from `from` to
// `to` on success. All ops are idempotent, so a crashed plan is safe to run
// again in full.
//
// Risk gating: Safe and Low run unconditionally; Medium and High require
// opts.Confirmed; Critical never runs and instead files a tracking issue on
// the provider.
func (e *Executor) Execute(ctx context.Context, agentID string, plan *Plan, from, to State, opts ExecOptions) (*Report, error) {
	ctx, span := e.tracer.Start(ctx, "lifecycle.Execute")
	defer span.End()

	report := &Report{PlanID: plan.ID, Remaining: plan.OpNames()}

	if plan.Risk >= RiskCritical {
		e.fileTrackingIssue(ctx, agentID, plan)
		e.countPlan(ctx, plan, "blocked_critical")
		return report, fmt.Errorf("%w: %s", ErrCriticalPlan, plan.Reason)
	}
	if plan.Risk >= RiskMedium && !opts.Confirmed {
		e.countPlan(ctx, plan, "needs_confirmation")
		return report, fmt.Errorf("%w: risk is %s", ErrConfirmationRequired, plan.Risk)
	}

	e.logger.Info(ctx, "executing plan",
		zap.String("plan_id", plan.ID),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("risk", plan.Risk.String()),
		zap.Strings("ops", plan.OpNames()),
	)

	for i, op := range plan.Ops {
		if err := op.Apply(ctx, e.deps); err != nil {
			report.Failed = op.Name()
			report.Remaining = plan.OpNames()[i+1:]
			e.countOp(ctx, op, "error")
			e.countPlan(ctx, plan, "failed")
			e.logger.Error(ctx, "plan halted",
				zap.String("plan_id", plan.ID),
				zap.String("op", op.Name()),
				zap.Int("completed_ops", i),
				zap.Error(err),
			)
			return report, fmt.Errorf("op %s: %w", op.Name(), err)
		}
		report.Completed = append(report.Completed, op.Name())
		report.Remaining = plan.OpNames()[i+1:]
		e.countOp(ctx, op, "ok")
		// Checkpoint the in-flight plan; on a crash the restored checkpoint
		// forces a resync pass before the plan is re-run.
		e.checkpoint(ctx, agentID, from, plan.ID, i+1)
	}

	// Final checkpoint: the transition is durable and no plan is in flight.
	e.checkpoint(ctx, agentID, to, "", 0)
	_ = e.store.Append(ctx, continuity.HistoryEntry{
		Type:   continuity.EntryTransition,
		From:   from.String(),
		To:     to.String(),
		Detail: fmt.Sprintf("plan %s (%d ops)", plan.ID, len(plan.Ops)),
	})
	e.countPlan(ctx, plan, "ok")
	return report, nil
}

// checkpoint persists current ground. Failures are logged inside the store
// and tolerated: the provider remains the system of record.
func (e *Executor) checkpoint(ctx context.Context, agentID string, state State, planID string, completedOps int) {
	head, err := e.deps.Local.HeadHash(ctx)
	if err != nil {
		e.logger.Warn(ctx, "skipping checkpoint, HEAD unreadable", zap.Error(err))
		return
	}
	_ = e.store.Checkpoint(ctx, &continuity.Checkpoint{
		AgentID:      agentID,
		State:        Snapshot(state),
		HeadHash:     head,
		PlanID:       planID,
		CompletedOps: completedOps,
	})
}

// fileTrackingIssue records a critical plan on the provider so a human sees
// it even if the local logs are gone.
func (e *Executor) fileTrackingIssue(ctx context.Context, agentID string, plan *Plan) {
	title := fmt.Sprintf("manual intervention required for %s", agentID)
	body := fmt.Sprintf("Plan %s was blocked at risk level %s.\n\nReason: %s\n\nPlanned operations:\n", plan.ID, plan.Risk, plan.Reason)
	for _, name := range plan.OpNames() {
		body += "- " + name + "\n"
	}
	num, err := e.deps.Provider.CreateIssue(ctx, gateway.NewIssue{Title: title, Body: body})
	if err != nil {
		e.logger.Error(ctx, "failed to file tracking issue for critical plan",
			zap.String("plan_id", plan.ID),
			zap.Error(err),
		)
		return
	}
	e.logger.Warn(ctx, "critical plan blocked, tracking issue filed",
		zap.String("plan_id", plan.ID),
		zap.Int("issue", num),
		zap.String("reason", plan.Reason),
	)
}

func (e *Executor) countOp(ctx context.Context, op Op, outcome string) {
	if e.opCounter == nil {
		return
	}
	// Strip the argument suffix: "add_label(#42, assigned)" -> "add_label".
	name := op.Name()
	if idx := strings.IndexByte(name, '('); idx > 0 {
		name = name[:idx]
	}
	e.opCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", name),
		attribute.String("outcome", outcome),
	))
}

func (e *Executor) countPlan(ctx context.Context, plan *Plan, outcome string) {
	if e.planCounter == nil {
		return
	}
	e.planCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("risk", plan.Risk.String()),
		attribute.String("outcome", outcome),
	))
}
