package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

type stepClock struct {
	t time.Time
}

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

type recorder struct {
	outcomes map[string]int
}

func (r *recorder) ObservePosting(refType, outcome string) {
	if r.outcomes == nil {
		r.outcomes = make(map[string]int)
	}
	r.outcomes[refType+"/"+outcome]++
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(t *testing.T) (*Service, *MemoryStore, *recorder) {
	t.Helper()
	store := NewMemoryStore()
	rec := &recorder{}
	clock := &stepClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	svc := NewService(store, ServiceConfig{Clock: clock.Now, Metrics: rec, PageSize: 3})
	return svc, store, rec
}

func openSubject(t *testing.T, svc *Service, in OpenInput) {
	t.Helper()
	_, err := svc.OpenSubject(context.Background(), in)
	require.NoError(t, err)
}

func requireReconciled(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	for _, kind := range []SubjectKind{SubjectProduct, SubjectAccount} {
		subjects, err := svc.Subjects(ctx, kind)
		require.NoError(t, err)
		for _, subject := range subjects {
			rec, err := svc.Reconcile(ctx, subject)
			require.NoError(t, err)
			require.True(t, rec.Consistent(), "%s drift %s", subject, rec.Drift)
		}
	}
}

func TestAppendRejectsZeroDelta(t *testing.T) {
	svc, store, rec := newTestService(t)
	openSubject(t, svc, OpenInput{Subject: Account(1)})

	_, err := svc.Append(context.Background(), AppendInput{
		Subject: Account(1), Delta: decimal.Zero, RefType: RefAdjustment, RefID: "adj-1",
	})
	require.ErrorIs(t, err, shared.ErrInvalidDelta)
	assert.Empty(t, store.Movements())
	assert.Equal(t, 1, rec.outcomes["adjustment/rejected"])
}

func TestAppendRejectsUnknownReference(t *testing.T) {
	svc, _, _ := newTestService(t)
	openSubject(t, svc, OpenInput{Subject: Account(1)})

	_, err := svc.Append(context.Background(), AppendInput{
		Subject: Account(1), Delta: dec("1"), RefType: "gift", RefID: "x",
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestAppendRejectsInitReference(t *testing.T) {
	svc, store, rec := newTestService(t)
	ctx := context.Background()
	openSubject(t, svc, OpenInput{Subject: Product(2), Opening: dec("3"), OpeningCost: dec("5")})
	before := len(store.Movements())
	cost := dec("9")

	_, err := svc.Append(ctx, AppendInput{Subject: Product(2), Delta: dec("4"), UnitCost: &cost, RefType: RefInit, RefID: "again"})
	require.ErrorIs(t, err, shared.ErrValidation)
	assert.Len(t, store.Movements(), before)
	assert.Equal(t, 1, rec.outcomes["init/rejected"])

	agg, err := svc.GetAggregate(ctx, Product(2))
	require.NoError(t, err)
	assert.True(t, agg.Balance.Equal(dec("3")))
	assert.True(t, agg.AvgCost.Equal(dec("5")))
}

func TestAppendUpdatesAggregate(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()
	openSubject(t, svc, OpenInput{Subject: Account(1), Opening: dec("50")})

	m, err := svc.Append(ctx, AppendInput{Subject: Account(1), Delta: dec("-20.5"), RefType: RefAdjustment, RefID: "adj-1", Memo: "fee"})
	require.NoError(t, err)
	assert.NotZero(t, m.ID)
	assert.Equal(t, "fee", m.Memo)

	agg, err := svc.GetAggregate(ctx, Account(1))
	require.NoError(t, err)
	assert.True(t, agg.Balance.Equal(dec("29.5")), agg.Balance.String())
	assert.Equal(t, 1, rec.outcomes["adjustment/applied"])
	requireReconciled(t, svc)
}

func TestInsufficientStockLeavesNoWrites(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	openSubject(t, svc, OpenInput{Subject: Product(7), Opening: dec("5"), OpeningCost: dec("2")})
	before := len(store.Movements())

	_, err := svc.Append(ctx, AppendInput{Subject: Product(7), Delta: dec("-6"), RefType: RefSale, RefID: "s-1"})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	agg, err := svc.GetAggregate(ctx, Product(7))
	require.NoError(t, err)
	assert.True(t, agg.Balance.Equal(dec("5")))
	assert.Len(t, store.Movements(), before)
	requireReconciled(t, svc)
}

func TestInsufficientFundsForAccounts(t *testing.T) {
	svc, _, _ := newTestService(t)
	openSubject(t, svc, OpenInput{Subject: Account(3)})

	_, err := svc.Append(context.Background(), AppendInput{Subject: Account(3), Delta: dec("-1"), RefType: RefAdjustment, RefID: "a"})
	require.ErrorIs(t, err, shared.ErrInsufficientFunds)
}

func TestAllowNegativePermitsOverdraw(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	openSubject(t, svc, OpenInput{Subject: Product(1), AllowNegative: true})

	_, err := svc.Append(ctx, AppendInput{Subject: Product(1), Delta: dec("-3"), RefType: RefDelivery, RefID: "d-1"})
	require.NoError(t, err)

	_, err = svc.SetAllowNegative(ctx, Product(1), false)
	require.NoError(t, err)
	_, err = svc.Append(ctx, AppendInput{Subject: Product(1), Delta: dec("-1"), RefType: RefDelivery, RefID: "d-2"})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	// Receipts are always accepted, even while the balance stays negative.
	_, err = svc.Append(ctx, AppendInput{Subject: Product(1), Delta: dec("1"), RefType: RefAdjustment, RefID: "a-1"})
	require.NoError(t, err)
	requireReconciled(t, svc)
}

func TestPostIsAtomicAcrossSubjects(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	openSubject(t, svc, OpenInput{Subject: Account(1), Opening: dec("5")})
	openSubject(t, svc, OpenInput{Subject: Account(2)})
	before := len(store.Movements())

	_, err := svc.Post(ctx, Posting{
		Reference: Reference{Type: RefTransfer, ID: "t-1"},
		Entries: []Entry{
			{Subject: Account(2), Delta: dec("10")},
			{Subject: Account(1), Delta: dec("-10")},
		},
	})
	require.ErrorIs(t, err, shared.ErrInsufficientFunds)

	a2, err := svc.GetAggregate(ctx, Account(2))
	require.NoError(t, err)
	assert.True(t, a2.Balance.IsZero())
	assert.Len(t, store.Movements(), before)
}

func TestPostAppliesRepeatedSubjectCumulatively(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	openSubject(t, svc, OpenInput{Subject: Product(1), Opening: dec("5"), OpeningCost: dec("1")})

	_, err := svc.Post(ctx, Posting{
		Reference: Reference{Type: RefDelivery, ID: "d-1"},
		Entries: []Entry{
			{Subject: Product(1), Delta: dec("-3")},
			{Subject: Product(1), Delta: dec("-3")},
		},
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	_, err = svc.Post(ctx, Posting{
		Reference: Reference{Type: RefDelivery, ID: "d-2"},
		Entries: []Entry{
			{Subject: Product(1), Delta: dec("-2")},
			{Subject: Product(1), Delta: dec("-3")},
		},
	})
	require.NoError(t, err)
	agg, err := svc.GetAggregate(ctx, Product(1))
	require.NoError(t, err)
	assert.True(t, agg.Balance.IsZero())
	requireReconciled(t, svc)
}

func TestPostUnknownSubject(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Append(context.Background(), AppendInput{Subject: Product(99), Delta: dec("1"), RefType: RefAdjustment, RefID: "a"})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestGuardRejectsDuplicateReference(t *testing.T) {
	svc, store, rec := newTestService(t)
	ctx := context.Background()
	openSubject(t, svc, OpenInput{Subject: Product(1), Opening: dec("10"), OpeningCost: dec("1")})
	posting := Posting{
		Reference: Reference{Type: RefDelivery, ID: "42"},
		Guard:     true,
		Entries:   []Entry{{Subject: Product(1), Delta: dec("-4")}},
	}

	_, err := svc.Post(ctx, posting)
	require.NoError(t, err)
	count := len(store.Movements())

	_, err = svc.Post(ctx, posting)
	require.ErrorIs(t, err, shared.ErrAlreadyApplied)
	assert.Len(t, store.Movements(), count)
	assert.Equal(t, 1, rec.outcomes["delivery/already_applied"])

	applied, err := svc.Guard().Applied(ctx, posting.Reference)
	require.NoError(t, err)
	assert.True(t, applied)

	agg, err := svc.GetAggregate(ctx, Product(1))
	require.NoError(t, err)
	assert.True(t, agg.Balance.Equal(dec("6")))
}

func TestGuardSeesUnguardedMovements(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	openSubject(t, svc, OpenInput{Subject: Account(1)})

	_, err := svc.Append(ctx, AppendInput{Subject: Account(1), Delta: dec("1"), RefType: RefSettlement, RefID: "pay-1"})
	require.NoError(t, err)

	_, err = svc.Post(ctx, Posting{
		Reference: Reference{Type: RefSettlement, ID: "pay-1"},
		Guard:     true,
		Entries:   []Entry{{Subject: Account(1), Delta: dec("1")}},
	})
	require.ErrorIs(t, err, shared.ErrAlreadyApplied)
}

func TestGuardBatchScopesPartialReentry(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	openSubject(t, svc, OpenInput{Subject: Product(1)})
	receive := func(batch string) error {
		_, err := svc.Post(ctx, Posting{
			Reference: Reference{Type: RefPurchase, ID: "5:9", Batch: batch},
			Guard:     true,
			Entries:   []Entry{{Subject: Product(1), Delta: dec("2"), UnitCost: dec("3"), Cost: CostReceipt}},
		})
		return err
	}

	require.NoError(t, receive("r1"))
	require.NoError(t, receive("r2"))
	require.ErrorIs(t, receive("r1"), shared.ErrAlreadyApplied)

	agg, err := svc.GetAggregate(ctx, Product(1))
	require.NoError(t, err)
	assert.True(t, agg.Balance.Equal(dec("4")))
}

func TestGuardReservationRollsBackWithFailedPosting(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	openSubject(t, svc, OpenInput{Subject: Product(1)})
	posting := Posting{
		Reference: Reference{Type: RefDelivery, ID: "7"},
		Guard:     true,
		Entries:   []Entry{{Subject: Product(1), Delta: dec("-1")}},
	}

	_, err := svc.Post(ctx, posting)
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	_, err = svc.Append(ctx, AppendInput{Subject: Product(1), Delta: dec("1"), RefType: RefAdjustment, RefID: "restock"})
	require.NoError(t, err)
	_, err = svc.Post(ctx, posting)
	require.NoError(t, err)
}

func TestCostReceiptThenReversalRestoresState(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	openSubject(t, svc, OpenInput{Subject: Product(1), Opening: dec("30"), OpeningCost: dec("7.5")})

	_, err := svc.Post(ctx, Posting{
		Reference: Reference{Type: RefPurchase, ID: "1:1", Batch: "r1"},
		Entries:   []Entry{{Subject: Product(1), Delta: dec("10"), UnitCost: dec("12.5"), Cost: CostReceipt}},
	})
	require.NoError(t, err)
	agg, err := svc.GetAggregate(ctx, Product(1))
	require.NoError(t, err)
	assert.True(t, agg.AvgCost.Equal(dec("8.75")), agg.AvgCost.String())

	_, err = svc.Post(ctx, Posting{
		Reference: Reference{Type: RefPurchase, ID: "1:1", Batch: "reversal:r1"},
		Entries:   []Entry{{Subject: Product(1), Delta: dec("-10"), UnitCost: dec("12.5"), Cost: CostReversal}},
	})
	require.NoError(t, err)
	agg, err = svc.GetAggregate(ctx, Product(1))
	require.NoError(t, err)
	assert.True(t, agg.Balance.Equal(dec("30")))
	assert.True(t, agg.AvgCost.Equal(dec("7.5")), agg.AvgCost.String())
	requireReconciled(t, svc)
}

func TestAppendInfersCostFromReferenceType(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	openSubject(t, svc, OpenInput{Subject: Product(1)})
	cost := dec("4")

	_, err := svc.Append(ctx, AppendInput{Subject: Product(1), Delta: dec("10"), UnitCost: &cost, RefType: RefPurchase, RefID: "p"})
	require.NoError(t, err)
	m, err := svc.Append(ctx, AppendInput{Subject: Product(1), Delta: dec("-5"), RefType: RefSale, RefID: "s"})
	require.NoError(t, err)

	agg, err := svc.GetAggregate(ctx, Product(1))
	require.NoError(t, err)
	assert.True(t, agg.AvgCost.Equal(dec("4")))
	assert.True(t, m.UnitCost.Equal(dec("4")), "issues are stamped with the prevailing average")
	assert.Len(t, store.Movements(), 2)
}

func TestOpenSubjectTwiceFails(t *testing.T) {
	svc, _, _ := newTestService(t)
	openSubject(t, svc, OpenInput{Subject: Account(1)})
	_, err := svc.OpenSubject(context.Background(), OpenInput{Subject: Account(1)})
	require.ErrorIs(t, err, shared.ErrSubjectExists)
}

func TestOpenSubjectRejectsNegativeOpeningWithoutAllowNegative(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.OpenSubject(ctx, OpenInput{Subject: Account(1), Opening: dec("-5")})
	require.ErrorIs(t, err, shared.ErrInsufficientFunds)
	_, err = svc.GetAggregate(ctx, Account(1))
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRemoveSubjectPurgesInitRowsOnly(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	openSubject(t, svc, OpenInput{Subject: Product(1), Opening: dec("3"), OpeningCost: dec("2")})
	openSubject(t, svc, OpenInput{Subject: Product(2), Opening: dec("3"), OpeningCost: dec("2")})

	require.NoError(t, svc.RemoveSubject(ctx, Product(1)))
	_, err := svc.GetAggregate(ctx, Product(1))
	require.ErrorIs(t, err, shared.ErrNotFound)
	for _, m := range store.Movements() {
		assert.NotEqual(t, Product(1), m.Subject)
	}

	_, err = svc.Append(ctx, AppendInput{Subject: Product(2), Delta: dec("-1"), RefType: RefSale, RefID: "s-1"})
	require.NoError(t, err)
	require.ErrorIs(t, svc.RemoveSubject(ctx, Product(2)), shared.ErrSubjectInUse)
	requireReconciled(t, svc)
}

func TestQueryIsLazyOrderedAndRestartable(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	openSubject(t, svc, OpenInput{Subject: Account(1)})
	for i := 1; i <= 7; i++ {
		refType := RefAdjustment
		if i%2 == 0 {
			refType = RefTransfer
		}
		_, err := svc.Append(ctx, AppendInput{Subject: Account(1), Delta: decimal.NewFromInt(int64(i)), RefType: refType, RefID: "r"})
		require.NoError(t, err)
	}

	seq := svc.Query(ctx, QueryFilter{Subject: Account(1)})
	first, err := Collect(seq, 0)
	require.NoError(t, err)
	require.Len(t, first, 7)
	for i := 1; i < len(first); i++ {
		assert.True(t, first[i-1].CreatedAt.After(first[i].CreatedAt))
	}
	assert.True(t, first[0].Delta.Equal(dec("7")))

	second, err := Collect(seq, 0)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	partial, err := Collect(seq, 2)
	require.NoError(t, err)
	assert.Equal(t, first[:2], partial)

	transfers, err := Collect(svc.Query(ctx, QueryFilter{Subject: Account(1), RefType: RefTransfer}), 0)
	require.NoError(t, err)
	assert.Len(t, transfers, 3)

	ranged, err := Collect(svc.Query(ctx, QueryFilter{
		Subject: Account(1),
		From:    first[4].CreatedAt,
		To:      first[1].CreatedAt,
	}), 0)
	require.NoError(t, err)
	assert.Equal(t, first[2:5], ranged)

	resumed, err := Collect(svc.Query(ctx, QueryFilter{
		Subject: Account(1),
		Before:  &Cursor{CreatedAt: first[2].CreatedAt, ID: first[2].ID},
	}), 0)
	require.NoError(t, err)
	assert.Equal(t, first[3:], resumed)
}

func TestQueryInvalidSubjectYieldsError(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := Collect(svc.Query(context.Background(), QueryFilter{}), 0)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestWithTxRunsRollbackHooksOfJoinedUnits(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	openSubject(t, svc, OpenInput{Subject: Account(1), Opening: dec("10")})
	boom := errors.New("boom")

	var undone []string
	err := svc.WithTx(ctx, func(ctx context.Context) error {
		store.OnRollback(ctx, func() { undone = append(undone, "outer") })
		if err := svc.WithTx(ctx, func(ctx context.Context) error {
			store.OnRollback(ctx, func() { undone = append(undone, "inner") })
			_, err := svc.Append(ctx, AppendInput{Subject: Account(1), Delta: dec("5"), RefType: RefAdjustment, RefID: "a"})
			return err
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"inner", "outer"}, undone)

	agg, err := svc.GetAggregate(ctx, Account(1))
	require.NoError(t, err)
	assert.True(t, agg.Balance.Equal(dec("10")))

	store.OnRollback(ctx, func() { t.Fatal("hook outside a unit must not be kept") })
	require.ErrorIs(t, svc.WithTx(ctx, func(context.Context) error { return boom }), boom)
}

func TestReconcileDetectsDrift(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	openSubject(t, svc, OpenInput{Subject: Account(1), Opening: dec("10")})

	err := store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		agg, err := tx.LockAggregate(ctx, Account(1))
		if err != nil {
			return err
		}
		agg.Balance = dec("12")
		return tx.SaveAggregate(ctx, agg)
	})
	require.NoError(t, err)

	rec, err := svc.Reconcile(ctx, Account(1))
	require.NoError(t, err)
	assert.False(t, rec.Consistent())
	assert.True(t, rec.Drift.Equal(dec("2")))
}
