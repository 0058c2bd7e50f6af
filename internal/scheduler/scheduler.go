// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/landd/internal/bundling"
	"github.com/fyrsmithlabs/landd/internal/config"
	"github.com/fyrsmithlabs/landd/internal/continuity"
	"github.com/fyrsmithlabs/landd/internal/drift"
	"github.com/fyrsmithlabs/landd/internal/gateway"
	"github.com/fyrsmithlabs/landd/internal/lifecycle"
	"github.com/fyrsmithlabs/landd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/landd/internal/scheduler"

// bundleCheckInterval is how often the loop asks whether a bundling pass is
// due. The pass itself runs at the configured bundling interval, sooner when
// an unblocker is waiting.
const bundleCheckInterval = 30 * time.Second

// Scheduler drives the worker loop.
type Scheduler struct {
	cfg        *config.Config
	local      gateway.Local
	store      *continuity.Store
	detector   *lifecycle.Detector
	engine     *bundling.Engine
	reconciler *drift.Reconciler
	logger     *logging.Logger
	tracer     trace.Tracer
}

// New creates a scheduler and its bundling and drift components.
func New(cfg *config.Config, local gateway.Local, provider gateway.Provider, store *continuity.Store, logger *logging.Logger) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if local == nil {
		return nil, errors.New("local gateway is required")
	}
	if provider == nil {
		return nil, errors.New("provider gateway is required")
	}
	if store == nil {
		return nil, errors.New("continuity store is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	detector, err := lifecycle.NewDetector(local, provider, cfg, logger)
	if err != nil {
		return nil, err
	}
	engine, err := bundling.NewEngine(cfg, local, provider, store, logger)
	if err != nil {
		return nil, err
	}
	reconciler, err := drift.NewReconciler(cfg, local, provider, store, logger)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:        cfg,
		local:      local,
		store:      store,
		detector:   detector,
		engine:     engine,
		reconciler: reconciler,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
	}, nil
}

// Run executes the worker loop until ctx is cancelled. Each bundling and
// drift pass takes the working-tree lock for its own duration, so CLI
// commands interleave with a running daemon instead of deadlocking against
// it; two passes never mutate the tree at once.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx = logging.WithAgentID(ctx, s.cfg.Agent.ID)

	state, err := s.startup(ctx)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	s.logger.Info(ctx, "worker loop started",
		zap.String("state", state.String()),
		zap.Duration("bundle_interval", s.cfg.Bundling.Interval.Duration()),
	)

	bundleTicker := time.NewTicker(bundleCheckInterval)
	defer bundleTicker.Stop()
	driftTimer := time.NewTimer(s.reconciler.NextInterval(state.Kind()))
	defer driftTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "worker loop stopping")
			return nil

		case <-bundleTicker.C:
			due, reason, err := s.engine.ShouldBundle(ctx, time.Now())
			if err != nil {
				s.logger.Warn(ctx, "bundling check failed", zap.Error(err))
				continue
			}
			if !due {
				continue
			}
			s.logger.Info(ctx, "bundling pass due", zap.String("reason", reason))
			if _, err := s.engine.Run(ctx); err != nil {
				s.logger.Error(ctx, "bundling pass failed", zap.Error(err))
			}

		case <-driftTimer.C:
			_, st, err := s.reconciler.Run(ctx)
			if err != nil {
				s.logger.Warn(ctx, "drift pass failed", zap.Error(err))
				driftTimer.Reset(s.cfg.Drift.MinInterval.Duration())
				continue
			}
			state = st
			driftTimer.Reset(s.reconciler.NextInterval(state.Kind()))
		}
	}
}

// startup establishes the worker's state from the checkpoint when it is
// trustworthy, re-detecting from ground truth otherwise.
func (s *Scheduler) startup(ctx context.Context) (lifecycle.State, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.startup")
	defer span.End()

	cp, err := s.store.Restore(ctx)
	if err != nil {
		s.logger.Warn(ctx, "checkpoint restore failed, starting fresh", zap.Error(err))
		cp = nil
	}
	head, err := s.local.HeadHash(ctx)
	if err != nil {
		s.logger.Warn(ctx, "HEAD unreadable at startup", zap.Error(err))
		head = ""
	}

	outcome := s.store.Validate(cp, head)
	s.logger.Info(ctx, "checkpoint validated", zap.String("outcome", outcome.String()))

	switch outcome {
	case continuity.Resume:
		state, err := lifecycle.FromSnapshot(cp.State)
		if err == nil {
			return state, nil
		}
		s.logger.Warn(ctx, "checkpoint state unusable, re-detecting", zap.Error(err))
		fallthrough

	case continuity.ResyncThenResume:
		// One reconciliation pass before trusting anything: it re-detects,
		// corrects external drift, and rewrites the checkpoint.
		_, state, err := s.reconciler.Run(ctx)
		if err != nil {
			return nil, err
		}
		return state, nil

	default: // StartFresh
		if cp != nil {
			if err := s.store.Discard(ctx); err != nil {
				s.logger.Warn(ctx, "failed to discard stale checkpoint", zap.Error(err))
			}
		}
		state, err := s.detector.Detect(ctx, s.cfg.Agent.ID)
		if err != nil {
			return nil, err
		}
		return state, nil
	}
}
