package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Reconciler is the ledger surface the job needs.
type Reconciler interface {
	Subjects(ctx context.Context, kind ledger.SubjectKind) ([]ledger.SubjectRef, error)
	Reconcile(ctx context.Context, subject ledger.SubjectRef) (ledger.Reconciliation, error)
}

// LedgerReconcileJob checks every subject's aggregate against its movements
// and reports drift. One worker runs it at a time.
type LedgerReconcileJob struct {
	Ledger      Reconciler
	Locker      *redislock.Client
	LockTTL     time.Duration
	Concurrency int
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// ReconcileResult summarises one run.
type ReconcileResult struct {
	Checked int
	Drifted []ledger.Reconciliation
	Skipped bool
}

// Handle executes the task.
func (j *LedgerReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("ledger reconcile: handler not configured")
	}
	var payload LedgerReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	_, err := j.Run(ctx, payload)
	return err
}

// Run reconciles the subjects selected by payload under the run lock.
func (j *LedgerReconcileJob) Run(ctx context.Context, payload LedgerReconcilePayload) (ReconcileResult, error) {
	kinds := []ledger.SubjectKind{ledger.SubjectProduct, ledger.SubjectAccount}
	scope := "all"
	if payload.Kind != "" {
		kind := ledger.SubjectKind(payload.Kind)
		if !kind.Valid() {
			return ReconcileResult{}, fmt.Errorf("%w: unknown subject kind %q", shared.ErrValidation, payload.Kind)
		}
		kinds = []ledger.SubjectKind{kind}
		scope = payload.Kind
	}
	logger := j.logger().With(slog.String("scope", scope))

	var result ReconcileResult
	tracker := j.metrics().Track(TaskLedgerReconcile)
	obtained, err := cache.WithLock(ctx, j.Locker, shared.ReconcileLockKey(scope), j.lockTTL(), func(ctx context.Context) error {
		for _, kind := range kinds {
			checked, drifted, err := j.reconcileKind(ctx, kind)
			result.Checked += checked
			result.Drifted = append(result.Drifted, drifted...)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err = tracker.End(err); err != nil {
		logger.Error("reconcile failed", slog.Any("error", err))
		return result, err
	}
	if !obtained {
		logger.Info("reconcile already running elsewhere, skipping")
		return ReconcileResult{Skipped: true}, nil
	}
	logger.Info("reconcile completed",
		slog.Int("checked", result.Checked),
		slog.Int("drifted", len(result.Drifted)))
	return result, nil
}

func (j *LedgerReconcileJob) reconcileKind(ctx context.Context, kind ledger.SubjectKind) (int, []ledger.Reconciliation, error) {
	subjects, err := j.Ledger.Subjects(ctx, kind)
	if err != nil {
		return 0, nil, err
	}
	results := make([]ledger.Reconciliation, len(subjects))
	var checked atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency())
	for i, subject := range subjects {
		g.Go(func() error {
			rec, err := j.Ledger.Reconcile(gctx, subject)
			if err != nil {
				return err
			}
			results[i] = rec
			checked.Add(1)
			return nil
		})
	}
	err = g.Wait()

	var drifted []ledger.Reconciliation
	for _, rec := range results {
		if rec.Subject.Kind == "" || rec.Consistent() {
			continue
		}
		j.logger().Warn("ledger drift detected",
			slog.String("subject", rec.Subject.String()),
			slog.String("balance", rec.Balance.String()),
			slog.String("ledger_sum", rec.LedgerSum.String()),
			slog.String("drift", rec.Drift.String()))
		drifted = append(drifted, rec)
	}
	j.metrics().AddDrift(string(kind), len(drifted))
	return int(checked.Load()), drifted, err
}

func (j *LedgerReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerReconcile))
	}
	return slog.Default().With(slog.String("job", TaskLedgerReconcile))
}

func (j *LedgerReconcileJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerReconcileJob) lockTTL() time.Duration {
	if j.LockTTL > 0 {
		return j.LockTTL
	}
	return 10 * time.Minute
}

func (j *LedgerReconcileJob) concurrency() int {
	if j.Concurrency > 0 {
		return j.Concurrency
	}
	return 4
}
