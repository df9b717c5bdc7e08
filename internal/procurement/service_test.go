package procurement

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/partner"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

type memoryProcRepo struct {
	store      *ledger.MemoryStore
	mu         sync.Mutex
	purchases  map[int64]Purchase
	items      map[int64]Item
	receivings map[int64]Receiving
	nextID     int64
}

type memoryProcTx struct {
	repo *memoryProcRepo
}

func newMemoryProcRepo(store *ledger.MemoryStore) *memoryProcRepo {
	return &memoryProcRepo{
		store:      store,
		purchases:  make(map[int64]Purchase),
		items:      make(map[int64]Item),
		receivings: make(map[int64]Receiving),
	}
}

func (r *memoryProcRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.store.WithTx(ctx, func(ctx context.Context, _ ledger.Tx) error {
		r.mu.Lock()
		purchases, items, receivings, next := maps.Clone(r.purchases), maps.Clone(r.items), maps.Clone(r.receivings), r.nextID
		r.mu.Unlock()
		if err := fn(ctx, &memoryProcTx{repo: r}); err != nil {
			r.mu.Lock()
			r.purchases, r.items, r.receivings, r.nextID = purchases, items, receivings, next
			r.mu.Unlock()
			return err
		}
		return nil
	})
}

func (r *memoryProcRepo) GetPurchase(_ context.Context, id int64) (Purchase, []Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.purchases[id]
	if !ok {
		return Purchase{}, nil, shared.ErrNotFound
	}
	var items []Item
	for _, item := range r.items {
		if item.PurchaseID == id && item.DeletedAt == nil {
			items = append(items, item)
		}
	}
	slices.SortFunc(items, func(a, b Item) int { return cmp.Compare(a.ID, b.ID) })
	return p, items, nil
}

func (r *memoryProcRepo) GetItem(_ context.Context, id int64) (Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok || item.DeletedAt != nil {
		return Item{}, fmt.Errorf("item %d: %w", id, shared.ErrNotFound)
	}
	return item, nil
}

func (r *memoryProcRepo) ListReceivings(_ context.Context, itemID int64) ([]Receiving, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Receiving
	for _, rcv := range r.receivings {
		if rcv.ItemID == itemID && rcv.ReversedAt == nil {
			out = append(out, rcv)
		}
	}
	slices.SortFunc(out, func(a, b Receiving) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *memoryProcRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (t *memoryProcTx) CreatePurchase(_ context.Context, p Purchase) (int64, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	p.ID = t.repo.id()
	t.repo.purchases[p.ID] = p
	return p.ID, nil
}

func (t *memoryProcTx) InsertItem(_ context.Context, item Item) (int64, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	item.ID = t.repo.id()
	t.repo.items[item.ID] = item
	return item.ID, nil
}

func (t *memoryProcTx) LockPurchase(ctx context.Context, id int64) (Purchase, []Item, error) {
	return t.repo.GetPurchase(ctx, id)
}

func (t *memoryProcTx) LockItem(ctx context.Context, id int64) (Item, error) {
	return t.repo.GetItem(ctx, id)
}

func (t *memoryProcTx) UpdatePurchaseStatus(_ context.Context, id int64, status Status, at time.Time) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	p := t.repo.purchases[id]
	p.Status = status
	switch status {
	case StatusConfirmed:
		p.ConfirmedAt = &at
	case StatusCancelled:
		p.CancelledAt = &at
	}
	t.repo.purchases[id] = p
	return nil
}

func (t *memoryProcTx) ReceivingExists(_ context.Context, itemID int64, batchID string) (bool, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for _, rcv := range t.repo.receivings {
		if rcv.ItemID == itemID && rcv.BatchID == batchID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryProcTx) InsertReceiving(_ context.Context, rcv Receiving) (int64, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	rcv.ID = t.repo.id()
	t.repo.receivings[rcv.ID] = rcv
	return rcv.ID, nil
}

func (t *memoryProcTx) AddReceived(_ context.Context, itemID int64, qty decimal.Decimal) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	item := t.repo.items[itemID]
	item.ReceivedQuantity = item.ReceivedQuantity.Add(qty)
	t.repo.items[itemID] = item
	return nil
}

func (t *memoryProcTx) ListReceivings(ctx context.Context, itemID int64) ([]Receiving, error) {
	return t.repo.ListReceivings(ctx, itemID)
}

func (t *memoryProcTx) MarkReceivingReversed(_ context.Context, id int64, at time.Time) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	rcv := t.repo.receivings[id]
	rcv.ReversedAt = &at
	t.repo.receivings[id] = rcv
	return nil
}

func (t *memoryProcTx) DeleteItem(_ context.Context, id int64, at time.Time) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	item := t.repo.items[id]
	item.DeletedAt = &at
	t.repo.items[id] = item
	return nil
}

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

type fixture struct {
	svc       *Service
	ledger    *ledger.Service
	inventory *inventory.Service
	partners  *partner.Service
	audit     *memoryAudit
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	now := time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)
	led := ledger.NewService(store, ledger.ServiceConfig{Clock: func() time.Time {
		now = now.Add(time.Second)
		return now
	}})
	inv := inventory.NewService(led, nil, nil)
	partners := partner.NewService(partner.NewMemoryRepository(store), led, nil, nil)
	audit := &memoryAudit{}
	svc := NewService(newMemoryProcRepo(store), inv, partners, audit, nil)

	ctx := context.Background()
	for _, id := range []int64{1, 2} {
		_, err := inv.RegisterProduct(ctx, inventory.ProductInput{ProductID: id})
		require.NoError(t, err)
	}
	_, err := led.OpenSubject(ctx, ledger.OpenInput{Subject: ledger.Account(90), Opening: dec("10000")})
	require.NoError(t, err)
	return fixture{svc: svc, ledger: led, inventory: inv, partners: partners, audit: audit}
}

func (f fixture) confirmed(t *testing.T, items ...ItemInput) PurchaseDetail {
	t.Helper()
	ctx := context.Background()
	created, err := f.svc.CreatePurchase(ctx, CreatePurchaseInput{SupplierID: 5, Items: items})
	require.NoError(t, err)
	detail, err := f.svc.ConfirmPurchase(ctx, created.ID, 1)
	require.NoError(t, err)
	return detail
}

func (f fixture) stock(t *testing.T, productID int64) inventory.StockLevel {
	t.Helper()
	level, err := f.inventory.GetStock(context.Background(), productID)
	require.NoError(t, err)
	rec, err := f.ledger.Reconcile(context.Background(), ledger.Product(productID))
	require.NoError(t, err)
	require.True(t, rec.Consistent())
	return level
}

func TestReceiveUpdatesWeightedAverage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail := f.confirmed(t,
		ItemInput{ProductID: 1, Quantity: dec("10"), UnitCost: dec("8")},
		ItemInput{ProductID: 1, Quantity: dec("5"), UnitCost: dec("20")},
	)
	require.NotNil(t, detail.Payable)
	assert.True(t, detail.Total.Equal(dec("180")))
	assert.True(t, detail.Payable.Total.Equal(dec("180")))

	_, err := f.svc.ReceivePurchaseItem(ctx, ReceiveInput{ItemID: detail.Items[0].ID, BatchID: "r1", Qty: dec("10")})
	require.NoError(t, err)
	_, err = f.svc.ReceivePurchaseItem(ctx, ReceiveInput{ItemID: detail.Items[1].ID, BatchID: "r1", Qty: dec("5")})
	require.NoError(t, err)

	level := f.stock(t, 1)
	assert.True(t, level.Qty.Equal(dec("15")))
	assert.True(t, level.AvgCost.Equal(dec("12")), level.AvgCost.String())

	got, err := f.svc.GetPurchase(ctx, detail.ID)
	require.NoError(t, err)
	assert.True(t, got.Items[0].ReceivedQuantity.Equal(dec("10")))
}

func TestReceiveRollsBackWhenAuditFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail := f.confirmed(t, ItemInput{ProductID: 2, Quantity: dec("4"), UnitCost: dec("7")})
	itemID := detail.Items[0].ID

	f.audit.err = errors.New("audit unavailable")
	_, err := f.svc.ReceivePurchaseItem(ctx, ReceiveInput{ItemID: itemID, BatchID: "r1", Qty: dec("4")})
	require.Error(t, err)
	assert.True(t, f.stock(t, 2).Qty.IsZero())
	got, err := f.svc.GetPurchase(ctx, detail.ID)
	require.NoError(t, err)
	assert.True(t, got.Items[0].ReceivedQuantity.IsZero())

	f.audit.err = nil
	_, err = f.svc.ReceivePurchaseItem(ctx, ReceiveInput{ItemID: itemID, BatchID: "r1", Qty: dec("4")})
	require.NoError(t, err, "the rolled back batch must be receivable again")
	assert.True(t, f.stock(t, 2).Qty.Equal(dec("4")))
	last := f.audit.logs[len(f.audit.logs)-1]
	assert.Equal(t, "purchase:receive", last.Action)
	assert.Equal(t, strconv.FormatInt(detail.ID, 10), last.EntityID)
}

func TestReceiveGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail := f.confirmed(t, ItemInput{ProductID: 1, Quantity: dec("10"), UnitCost: dec("3")})
	itemID := detail.Items[0].ID

	_, err := f.svc.ReceivePurchaseItem(ctx, ReceiveInput{ItemID: itemID, BatchID: "b1", Qty: decimal.Zero})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.ReceivePurchaseItem(ctx, ReceiveInput{ItemID: itemID, BatchID: "b1", Qty: dec("6")})
	require.NoError(t, err)

	_, err = f.svc.ReceivePurchaseItem(ctx, ReceiveInput{ItemID: itemID, BatchID: "b1", Qty: dec("1")})
	require.ErrorIs(t, err, shared.ErrAlreadyApplied)

	_, err = f.svc.ReceivePurchaseItem(ctx, ReceiveInput{ItemID: itemID, BatchID: "b2", Qty: dec("5")})
	require.ErrorIs(t, err, ErrOverReceipt)

	_, err = f.svc.ReceivePurchaseItem(ctx, ReceiveInput{ItemID: itemID, BatchID: "b2", Qty: dec("4")})
	require.NoError(t, err)

	level := f.stock(t, 1)
	assert.True(t, level.Qty.Equal(dec("10")))

	_, err = f.svc.ReceivePurchaseItem(ctx, ReceiveInput{ItemID: 999, BatchID: "b3", Qty: dec("1")})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestReceiveRequiresConfirmedPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draft, err := f.svc.CreatePurchase(ctx, CreatePurchaseInput{SupplierID: 5, Items: []ItemInput{
		{ProductID: 1, Quantity: dec("2"), UnitCost: dec("1")},
	}})
	require.NoError(t, err)

	_, err = f.svc.ReceivePurchaseItem(ctx, ReceiveInput{ItemID: draft.Items[0].ID, BatchID: "b", Qty: dec("1")})
	require.ErrorIs(t, err, shared.ErrInvalidState)
	assert.True(t, f.stock(t, 1).Qty.IsZero())
}

func TestReceiveRollsBackWhenLedgerFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail := f.confirmed(t, ItemInput{ProductID: 77, Quantity: dec("2"), UnitCost: dec("1")})

	_, err := f.svc.ReceivePurchaseItem(ctx, ReceiveInput{ItemID: detail.Items[0].ID, BatchID: "b", Qty: dec("1")})
	require.ErrorIs(t, err, shared.ErrNotFound)

	got, err := f.svc.GetPurchase(ctx, detail.ID)
	require.NoError(t, err)
	assert.True(t, got.Items[0].ReceivedQuantity.IsZero())
	receivings, err := f.svc.Receivings(ctx, detail.Items[0].ID)
	require.NoError(t, err)
	assert.Empty(t, receivings)
}

func TestDeleteItemReversesReceipts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail := f.confirmed(t,
		ItemInput{ProductID: 1, Quantity: dec("10"), UnitCost: dec("8")},
		ItemInput{ProductID: 2, Quantity: dec("4"), UnitCost: dec("5")},
	)
	first := detail.Items[0].ID
	_, err := f.svc.ReceivePurchaseItem(ctx, ReceiveInput{ItemID: first, BatchID: "r1", Qty: dec("6")})
	require.NoError(t, err)
	_, err = f.svc.ReceivePurchaseItem(ctx, ReceiveInput{ItemID: first, BatchID: "r2", Qty: dec("4")})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteItem(ctx, first, 1))

	level := f.stock(t, 1)
	assert.True(t, level.Qty.IsZero())
	assert.True(t, level.AvgCost.IsZero())

	got, err := f.svc.GetPurchase(ctx, detail.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	require.NotNil(t, got.Payable)
	assert.True(t, got.Payable.Total.Equal(dec("20")))
	require.Len(t, got.Payable.Lines, 1)

	require.ErrorIs(t, f.svc.DeleteItem(ctx, first, 1), shared.ErrNotFound)
}

func TestDeleteItemBlockedOncePaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail := f.confirmed(t,
		ItemInput{ProductID: 1, Quantity: dec("10"), UnitCost: dec("8")},
		ItemInput{ProductID: 2, Quantity: dec("4"), UnitCost: dec("5")},
	)
	_, err := f.svc.ReceivePurchaseItem(ctx, ReceiveInput{ItemID: detail.Items[0].ID, BatchID: "r1", Qty: dec("10")})
	require.NoError(t, err)
	_, err = f.partners.Settle(ctx, partner.SettleInput{
		Direction: partner.Payable, DocumentRef: detail.Number, CashAccountID: 90, Amount: dec("10"),
	})
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.DeleteItem(ctx, detail.Items[0].ID, 1), shared.ErrInvalidState)
	assert.True(t, f.stock(t, 1).Qty.Equal(dec("10")))
}

func TestAddItemCarriesPaidAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail := f.confirmed(t, ItemInput{ProductID: 1, Quantity: dec("10"), UnitCost: dec("10")})
	_, err := f.partners.Settle(ctx, partner.SettleInput{
		Direction: partner.Payable, DocumentRef: detail.Number, CashAccountID: 90, Amount: dec("100"),
	})
	require.NoError(t, err)

	_, err = f.svc.AddItem(ctx, detail.ID, ItemInput{ProductID: 2, Quantity: dec("5"), UnitCost: dec("10")})
	require.NoError(t, err)

	got, err := f.svc.GetPurchase(ctx, detail.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Payable)
	assert.True(t, got.Payable.Total.Equal(dec("150")))
	assert.True(t, got.Payable.Paid.Equal(dec("100")))
	require.Len(t, got.Payable.Lines, 2)
	assert.Equal(t, partner.StatusPaid, got.Payable.Lines[0].Status)
	assert.Equal(t, partner.StatusUnpaid, got.Payable.Lines[1].Status)
}

func TestConfirmAppliesDiscount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.CreatePurchase(ctx, CreatePurchaseInput{SupplierID: 5, Discount: dec("10"), Items: []ItemInput{
		{ProductID: 1, Quantity: dec("3"), UnitCost: dec("10")},
		{ProductID: 2, Quantity: dec("1"), UnitCost: dec("10")},
	}})
	require.NoError(t, err)
	detail, err := f.svc.ConfirmPurchase(ctx, created.ID, 1)
	require.NoError(t, err)
	assert.True(t, detail.Total.Equal(dec("30")))
	require.Len(t, detail.Payable.Lines, 2)
	assert.Equal(t, "22.50", detail.Payable.Lines[0].Amount.StringFixed(2))
	assert.Equal(t, "7.50", detail.Payable.Lines[1].Amount.StringFixed(2))

	_, err = f.svc.ConfirmPurchase(ctx, created.ID, 1)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestCancelPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	received := f.confirmed(t, ItemInput{ProductID: 1, Quantity: dec("2"), UnitCost: dec("1")})
	_, err := f.svc.ReceivePurchaseItem(ctx, ReceiveInput{ItemID: received.Items[0].ID, BatchID: "b", Qty: dec("1")})
	require.NoError(t, err)
	require.ErrorIs(t, f.svc.CancelPurchase(ctx, received.ID, 1), shared.ErrInvalidState)

	open := f.confirmed(t, ItemInput{ProductID: 2, Quantity: dec("2"), UnitCost: dec("1")})
	require.NoError(t, f.svc.CancelPurchase(ctx, open.ID, 1))
	_, err = f.partners.ListDocument(ctx, partner.Payable, open.Number)
	require.ErrorIs(t, err, shared.ErrNotFound)

	got, err := f.svc.GetPurchase(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	require.ErrorIs(t, f.svc.CancelPurchase(ctx, open.ID, 1), shared.ErrInvalidState)

	_, err = f.svc.AddItem(ctx, open.ID, ItemInput{ProductID: 2, Quantity: dec("1"), UnitCost: dec("1")})
	require.ErrorIs(t, err, shared.ErrInvalidState)
}
