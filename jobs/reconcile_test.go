package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

type reconcileFixture struct {
	job   *LedgerReconcileJob
	store *ledger.MemoryStore
	led   *ledger.Service
	redis *redis.Client
}

func newReconcileFixture(t *testing.T) reconcileFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := ledger.NewMemoryStore()
	led := ledger.NewService(store, ledger.ServiceConfig{})
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		_, err := led.OpenSubject(ctx, ledger.OpenInput{Subject: ledger.Product(i), Opening: decimal.NewFromInt(i), OpeningCost: decimal.NewFromInt(2)})
		require.NoError(t, err)
	}
	_, err := led.OpenSubject(ctx, ledger.OpenInput{Subject: ledger.Account(1), Opening: decimal.NewFromInt(100)})
	require.NoError(t, err)

	job := &LedgerReconcileJob{
		Ledger:      led,
		Locker:      cache.NewLocker(client),
		LockTTL:     time.Minute,
		Concurrency: 2,
		Metrics:     jobmetrics.NewMetrics(prometheus.NewRegistry()),
	}
	return reconcileFixture{job: job, store: store, led: led, redis: client}
}

func (f reconcileFixture) corrupt(t *testing.T, subject ledger.SubjectRef, balance string) {
	t.Helper()
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		agg, err := tx.LockAggregate(ctx, subject)
		if err != nil {
			return err
		}
		agg.Balance = decimal.RequireFromString(balance)
		return tx.SaveAggregate(ctx, agg)
	})
	require.NoError(t, err)
}

func TestReconcileJobConsistentLedger(t *testing.T) {
	f := newReconcileFixture(t)
	result, err := f.job.Run(context.Background(), LedgerReconcilePayload{})
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 6, result.Checked)
	assert.Empty(t, result.Drifted)
}

func TestReconcileJobReportsDrift(t *testing.T) {
	f := newReconcileFixture(t)
	f.corrupt(t, ledger.Product(3), "4")

	result, err := f.job.Run(context.Background(), LedgerReconcilePayload{Kind: "product"})
	require.NoError(t, err)
	assert.Equal(t, 5, result.Checked)
	require.Len(t, result.Drifted, 1)
	assert.Equal(t, ledger.Product(3), result.Drifted[0].Subject)
	assert.Equal(t, "1", result.Drifted[0].Drift.String())
}

func TestReconcileJobSkipsWhenLocked(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	held, err := f.job.Locker.Obtain(ctx, shared.ReconcileLockKey("all"), time.Minute, nil)
	require.NoError(t, err)
	defer func() { _ = held.Release(ctx) }()

	result, err := f.job.Run(ctx, LedgerReconcilePayload{})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Zero(t, result.Checked)
}

func TestReconcileJobRejectsUnknownKind(t *testing.T) {
	f := newReconcileFixture(t)
	_, err := f.job.Run(context.Background(), LedgerReconcilePayload{Kind: "warehouse"})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestReconcileJobHandleTask(t *testing.T) {
	f := newReconcileFixture(t)
	task, err := NewLedgerReconcileTask("account")
	require.NoError(t, err)
	require.NoError(t, f.job.Handle(context.Background(), task))

	bad := asynq.NewTask(TaskLedgerReconcile, []byte("{"))
	require.ErrorIs(t, f.job.Handle(context.Background(), bad), asynq.SkipRetry)
}
