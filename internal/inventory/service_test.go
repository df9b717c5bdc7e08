package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

type memoryAudit struct {
	logs []shared.AuditLog
	err  error
}

func (a *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	if a.err != nil {
		return a.err
	}
	a.logs = append(a.logs, log)
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(t *testing.T) (*Service, *ledger.Service, *memoryAudit) {
	t.Helper()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Minute)
		return now
	}
	led := ledger.NewService(ledger.NewMemoryStore(), ledger.ServiceConfig{Clock: clock})
	audit := &memoryAudit{}
	return NewService(led, audit, nil), led, audit
}

func TestAverageCostScenario(t *testing.T) {
	svc, led, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterProduct(ctx, ProductInput{ProductID: 1})
	require.NoError(t, err)

	_, err = svc.PostReceipt(ctx, ReceiptInput{ProductID: 1, Qty: dec("10"), UnitCost: dec("8"), RefID: "po-1:1", BatchID: "r1"})
	require.NoError(t, err)
	level, err := svc.GetStock(ctx, 1)
	require.NoError(t, err)
	assert.True(t, level.Qty.Equal(dec("10")))
	assert.True(t, level.AvgCost.Equal(dec("8")))

	_, err = svc.PostReceipt(ctx, ReceiptInput{ProductID: 1, Qty: dec("5"), UnitCost: dec("20"), RefID: "po-1:1", BatchID: "r2"})
	require.NoError(t, err)
	level, err = svc.GetStock(ctx, 1)
	require.NoError(t, err)
	assert.True(t, level.Qty.Equal(dec("15")))
	assert.True(t, level.AvgCost.Equal(dec("12")), level.AvgCost.String())

	_, err = svc.PostIssue(ctx, IssueInput{RefType: ledger.RefDelivery, RefID: "do-1", Lines: []IssueLine{{ProductID: 1, Qty: dec("6")}}})
	require.NoError(t, err)
	level, err = svc.GetStock(ctx, 1)
	require.NoError(t, err)
	assert.True(t, level.Qty.Equal(dec("9")))
	assert.True(t, level.AvgCost.Equal(dec("12")), "delivery never touches cost")
	assert.Equal(t, "108.00", level.Value.StringFixed(2))

	rec, err := led.Reconcile(ctx, ledger.Product(1))
	require.NoError(t, err)
	assert.True(t, rec.Consistent())
}

func TestCostMonotonicityUnderReceipt(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterProduct(ctx, ProductInput{ProductID: 2})
	require.NoError(t, err)

	_, err = svc.PostReceipt(ctx, ReceiptInput{ProductID: 2, Qty: dec("10"), UnitCost: dec("5"), RefID: "p", BatchID: "1"})
	require.NoError(t, err)
	_, err = svc.PostReceipt(ctx, ReceiptInput{ProductID: 2, Qty: dec("10"), UnitCost: dec("15"), RefID: "p", BatchID: "2"})
	require.NoError(t, err)

	level, err := svc.GetStock(ctx, 2)
	require.NoError(t, err)
	assert.True(t, level.AvgCost.Equal(dec("10")), level.AvgCost.String())
}

func TestReceiptThenReversalRestoresState(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterProduct(ctx, ProductInput{ProductID: 3, OpeningQty: dec("4"), OpeningCost: dec("10")})
	require.NoError(t, err)

	_, err = svc.PostReceipt(ctx, ReceiptInput{ProductID: 3, Qty: dec("4"), UnitCost: dec("20"), RefID: "p", BatchID: "b"})
	require.NoError(t, err)
	_, err = svc.ReverseReceipt(ctx, ReversalInput{ProductID: 3, Qty: dec("4"), UnitCost: dec("20"), RefID: "p", BatchID: "b"})
	require.NoError(t, err)

	level, err := svc.GetStock(ctx, 3)
	require.NoError(t, err)
	assert.True(t, level.Qty.Equal(dec("4")))
	assert.True(t, level.AvgCost.Equal(dec("10")), level.AvgCost.String())

	_, err = svc.ReverseReceipt(ctx, ReversalInput{ProductID: 3, Qty: dec("4"), UnitCost: dec("20"), RefID: "p", BatchID: "b"})
	require.ErrorIs(t, err, shared.ErrAlreadyApplied)
}

func TestReversalToZeroResetsCost(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterProduct(ctx, ProductInput{ProductID: 4})
	require.NoError(t, err)
	_, err = svc.PostReceipt(ctx, ReceiptInput{ProductID: 4, Qty: dec("3"), UnitCost: dec("9"), RefID: "p", BatchID: "b"})
	require.NoError(t, err)
	_, err = svc.ReverseReceipt(ctx, ReversalInput{ProductID: 4, Qty: dec("3"), UnitCost: dec("9"), RefID: "p", BatchID: "b"})
	require.NoError(t, err)

	level, err := svc.GetStock(ctx, 4)
	require.NoError(t, err)
	assert.True(t, level.Qty.IsZero())
	assert.True(t, level.AvgCost.IsZero())
}

func TestDuplicateReceiptBatchIsRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterProduct(ctx, ProductInput{ProductID: 5})
	require.NoError(t, err)
	in := ReceiptInput{ProductID: 5, Qty: dec("1"), UnitCost: dec("1"), RefID: "p", BatchID: "b"}
	_, err = svc.PostReceipt(ctx, in)
	require.NoError(t, err)
	_, err = svc.PostReceipt(ctx, in)
	require.ErrorIs(t, err, shared.ErrAlreadyApplied)
}

func TestIssueRejectsNegativeStock(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterProduct(ctx, ProductInput{ProductID: 6, OpeningQty: dec("2"), OpeningCost: dec("1")})
	require.NoError(t, err)

	_, err = svc.PostIssue(ctx, IssueInput{RefType: ledger.RefSale, RefID: "s", Lines: []IssueLine{{ProductID: 6, Qty: dec("3")}}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	_, err = svc.PostIssue(ctx, IssueInput{RefType: ledger.RefAdjustment, RefID: "s", Lines: []IssueLine{{ProductID: 6, Qty: dec("1")}}})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestAdjustmentValidationAndAudit(t *testing.T) {
	svc, _, audit := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterProduct(ctx, ProductInput{ProductID: 7})
	require.NoError(t, err)

	_, err = svc.PostAdjustment(ctx, AdjustmentInput{ProductID: 7, Qty: decimal.Zero})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	cost := dec("6")
	_, err = svc.PostAdjustment(ctx, AdjustmentInput{ProductID: 7, Qty: dec("5"), UnitCost: &cost, RequestID: "count-1", ActorID: 9})
	require.NoError(t, err)
	_, err = svc.PostAdjustment(ctx, AdjustmentInput{ProductID: 7, Qty: dec("5"), UnitCost: &cost, RequestID: "count-1"})
	require.ErrorIs(t, err, shared.ErrAlreadyApplied)

	level, err := svc.GetStock(ctx, 7)
	require.NoError(t, err)
	assert.True(t, level.AvgCost.Equal(dec("6")))

	require.Len(t, audit.logs, 2)
	assert.Equal(t, "inventory:adjust", audit.logs[1].Action)
	assert.Equal(t, int64(9), audit.logs[1].ActorID)
}

func TestStockCardRebuildsRunningBalance(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterProduct(ctx, ProductInput{ProductID: 8, OpeningQty: dec("10"), OpeningCost: dec("2")})
	require.NoError(t, err)
	_, err = svc.PostReceipt(ctx, ReceiptInput{ProductID: 8, Qty: dec("5"), UnitCost: dec("2"), RefID: "p", BatchID: "b"})
	require.NoError(t, err)
	_, err = svc.PostIssue(ctx, IssueInput{RefType: ledger.RefDelivery, RefID: "d", Lines: []IssueLine{{ProductID: 8, Qty: dec("7")}}})
	require.NoError(t, err)

	card, err := svc.StockCard(ctx, StockCardFilter{ProductID: 8})
	require.NoError(t, err)
	require.Len(t, card, 3)
	assert.True(t, card[0].BalanceQty.Equal(dec("8")))
	assert.True(t, card[0].QtyOut.Equal(dec("7")))
	assert.True(t, card[1].BalanceQty.Equal(dec("15")))
	assert.True(t, card[2].BalanceQty.Equal(dec("10")))
	assert.Equal(t, ledger.RefInit, card[2].RefType)

	receipts, err := svc.StockCard(ctx, StockCardFilter{ProductID: 8, RefType: ledger.RefPurchase})
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.True(t, receipts[0].BalanceQty.Equal(dec("15")))
}

func TestRemoveProduct(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterProduct(ctx, ProductInput{ProductID: 9, OpeningQty: dec("1"), OpeningCost: dec("1")})
	require.NoError(t, err)
	require.NoError(t, svc.RemoveProduct(ctx, 9, 1))

	_, err = svc.GetStock(ctx, 9)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestFailedAuditRollsBackStockChange(t *testing.T) {
	svc, led, audit := newTestService(t)
	ctx := context.Background()
	audit.err = errors.New("audit unavailable")

	_, err := svc.RegisterProduct(ctx, ProductInput{ProductID: 11, OpeningQty: dec("4"), OpeningCost: dec("3")})
	require.Error(t, err)
	_, err = led.GetAggregate(ctx, ledger.Product(11))
	require.ErrorIs(t, err, shared.ErrNotFound)

	audit.err = nil
	_, err = svc.RegisterProduct(ctx, ProductInput{ProductID: 11, OpeningQty: dec("4"), OpeningCost: dec("3")})
	require.NoError(t, err)

	audit.err = errors.New("audit unavailable")
	_, err = svc.PostAdjustment(ctx, AdjustmentInput{ProductID: 11, Qty: dec("-1"), RequestID: "count-9"})
	require.Error(t, err)
	level, err := svc.GetStock(ctx, 11)
	require.NoError(t, err)
	assert.True(t, level.Qty.Equal(dec("4")))

	audit.err = nil
	_, err = svc.PostAdjustment(ctx, AdjustmentInput{ProductID: 11, Qty: dec("-1"), RequestID: "count-9"})
	require.NoError(t, err, "the rolled back request id must be free again")
	require.Len(t, audit.logs, 2)
}

func TestStockCardReadsOneSnapshot(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterProduct(ctx, ProductInput{ProductID: 12, OpeningQty: dec("100"), OpeningCost: dec("1")})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, err := svc.PostIssue(ctx, IssueInput{
				RefType: ledger.RefSale,
				RefID:   fmt.Sprintf("s-%d", i),
				Lines:   []IssueLine{{ProductID: 12, Qty: dec("0.25")}},
			})
			assert.NoError(t, err)
		}
	}()

	for i := 0; i < 50; i++ {
		card, err := svc.StockCard(ctx, StockCardFilter{ProductID: 12})
		require.NoError(t, err)
		require.NotEmpty(t, card)
		oldest := card[len(card)-1]
		assert.Equal(t, ledger.RefInit, oldest.RefType)
		assert.True(t, oldest.BalanceQty.Equal(dec("100")), "walk back ended at %s", oldest.BalanceQty)
	}
	wg.Wait()
}
