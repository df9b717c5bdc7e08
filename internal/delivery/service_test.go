package delivery

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// mockRepository keeps deliveries in memory and joins the ledger memory
// transaction so a failed confirmation rolls both back.
type mockRepository struct {
	store      *ledger.MemoryStore
	mu         sync.Mutex
	deliveries map[int64]Delivery
	nextID     int64
}

func newMockRepository(store *ledger.MemoryStore) *mockRepository {
	return &mockRepository{store: store, deliveries: make(map[int64]Delivery)}
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return m.store.WithTx(ctx, func(ctx context.Context, _ ledger.Tx) error {
		m.mu.Lock()
		snapshot, next := maps.Clone(m.deliveries), m.nextID
		m.mu.Unlock()
		if err := fn(ctx, mockTx{m}); err != nil {
			m.mu.Lock()
			m.deliveries, m.nextID = snapshot, next
			m.mu.Unlock()
			return err
		}
		return nil
	})
}

func (m *mockRepository) GetDelivery(_ context.Context, id int64) (Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return Delivery{}, fmt.Errorf("delivery %d: %w", id, shared.ErrNotFound)
	}
	d.Lines = slices.Clone(d.Lines)
	return d, nil
}

type mockTx struct{ repo *mockRepository }

func (t mockTx) CreateDelivery(_ context.Context, d Delivery) (int64, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for _, existing := range t.repo.deliveries {
		if existing.Number == d.Number {
			return 0, fmt.Errorf("%w: delivery number %s already used", shared.ErrValidation, d.Number)
		}
	}
	t.repo.nextID++
	d.ID = t.repo.nextID
	d.Lines = nil
	t.repo.deliveries[d.ID] = d
	return d.ID, nil
}

func (t mockTx) InsertLine(_ context.Context, line Line) (int64, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	t.repo.nextID++
	line.ID = t.repo.nextID
	d := t.repo.deliveries[line.DeliveryID]
	d.Lines = append(slices.Clone(d.Lines), line)
	t.repo.deliveries[line.DeliveryID] = d
	return line.ID, nil
}

func (t mockTx) LockDelivery(ctx context.Context, id int64) (Delivery, error) {
	return t.repo.GetDelivery(ctx, id)
}

func (t mockTx) UpdateStatus(_ context.Context, id int64, status Status, at time.Time) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	d := t.repo.deliveries[id]
	d.Status = status
	switch status {
	case StatusConfirmed:
		d.ConfirmedAt = &at
	case StatusCancelled:
		d.CancelledAt = &at
	}
	t.repo.deliveries[id] = d
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
	audit     *memoryAudit
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	led := ledger.NewService(store, ledger.ServiceConfig{})
	inv := inventory.NewService(led, nil, nil)
	audit := &memoryAudit{}
	svc := NewService(newMockRepository(store), NewInventoryAdapter(inv), audit, nil)

	ctx := context.Background()
	for _, id := range []int64{1, 2} {
		_, err := inv.RegisterProduct(ctx, inventory.ProductInput{ProductID: id})
		require.NoError(t, err)
	}
	return fixture{svc: svc, ledger: led, inventory: inv, audit: audit}
}

func (f fixture) receive(t *testing.T, productID int64, batch, qty, cost string) {
	t.Helper()
	_, err := f.inventory.PostReceipt(context.Background(), inventory.ReceiptInput{
		ProductID: productID, Qty: dec(qty), UnitCost: dec(cost), RefID: fmt.Sprintf("po-%d", productID), BatchID: batch,
	})
	require.NoError(t, err)
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

func TestConfirmDeliveryKeepsAverageCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, 1, "b1", "10", "8")
	f.receive(t, 1, "b2", "5", "20")

	d, err := f.svc.CreateDelivery(ctx, CreateDeliveryRequest{CustomerID: 3, Lines: []LineInput{
		{ProductID: 1, Quantity: dec("6")},
	}}, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, d.Status)
	assert.NotEmpty(t, d.Number)

	confirmed, err := f.svc.ConfirmDelivery(ctx, d.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)

	level := f.stock(t, 1)
	assert.True(t, level.Qty.Equal(dec("9")))
	assert.True(t, level.AvgCost.Equal(dec("12")), level.AvgCost.String())
}

func TestConfirmDeliveryRollsBackStockWhenAuditFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, 2, "b1", "10", "4")
	d, err := f.svc.CreateDelivery(ctx, CreateDeliveryRequest{CustomerID: 3, Lines: []LineInput{
		{ProductID: 2, Quantity: dec("3")},
	}}, 1)
	require.NoError(t, err)

	f.audit.err = errors.New("audit unavailable")
	_, err = f.svc.ConfirmDelivery(ctx, d.ID, 1)
	require.Error(t, err)
	assert.True(t, f.stock(t, 2).Qty.Equal(dec("10")))
	got, err := f.svc.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	f.audit.err = nil
	_, err = f.svc.ConfirmDelivery(ctx, d.ID, 1)
	require.NoError(t, err)
	assert.True(t, f.stock(t, 2).Qty.Equal(dec("7")))
	require.Len(t, f.audit.logs, 2)
	assert.Equal(t, "delivery:confirm", f.audit.logs[1].Action)
}

func TestConfirmDeliveryTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, 1, "b1", "10", "5")

	d, err := f.svc.CreateDelivery(ctx, CreateDeliveryRequest{Number: "DO-1", CustomerID: 3, Lines: []LineInput{
		{ProductID: 1, Quantity: dec("4")},
	}}, 1)
	require.NoError(t, err)
	_, err = f.svc.ConfirmDelivery(ctx, d.ID, 1)
	require.NoError(t, err)

	_, err = f.svc.ConfirmDelivery(ctx, d.ID, 1)
	require.ErrorIs(t, err, shared.ErrAlreadyApplied)
	assert.True(t, f.stock(t, 1).Qty.Equal(dec("6")))

	applied, err := f.ledger.Guard().Applied(ctx, ledger.Reference{Type: ledger.RefDelivery, ID: "DO-1"})
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestConfirmDeliveryGuardRollsBackStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, 1, "b1", "10", "5")
	_, err := f.inventory.PostIssue(ctx, inventory.IssueInput{
		RefType: ledger.RefDelivery,
		RefID:   "DO-7",
		Lines:   []inventory.IssueLine{{ProductID: 1, Qty: dec("1")}},
	})
	require.NoError(t, err)

	d, err := f.svc.CreateDelivery(ctx, CreateDeliveryRequest{Number: "DO-7", CustomerID: 3, Lines: []LineInput{
		{ProductID: 1, Quantity: dec("2")},
	}}, 1)
	require.NoError(t, err)
	_, err = f.svc.ConfirmDelivery(ctx, d.ID, 1)
	require.ErrorIs(t, err, shared.ErrAlreadyApplied)

	got, err := f.svc.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.True(t, f.stock(t, 1).Qty.Equal(dec("9")))
}

func TestConfirmDeliveryIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, 1, "b1", "10", "5")
	f.receive(t, 2, "b1", "1", "5")

	d, err := f.svc.CreateDelivery(ctx, CreateDeliveryRequest{CustomerID: 3, Lines: []LineInput{
		{ProductID: 1, Quantity: dec("4")},
		{ProductID: 2, Quantity: dec("3")},
	}}, 1)
	require.NoError(t, err)

	_, err = f.svc.ConfirmDelivery(ctx, d.ID, 1)
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	assert.True(t, f.stock(t, 1).Qty.Equal(dec("10")))
	assert.True(t, f.stock(t, 2).Qty.Equal(dec("1")))
	got, err := f.svc.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.ConfirmedAt)
}

func TestCancelDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, 1, "b1", "10", "5")

	pending, err := f.svc.CreateDelivery(ctx, CreateDeliveryRequest{CustomerID: 3, Lines: []LineInput{
		{ProductID: 1, Quantity: dec("1")},
	}}, 1)
	require.NoError(t, err)
	cancelled, err := f.svc.CancelDelivery(ctx, pending.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = f.svc.ConfirmDelivery(ctx, pending.ID, 1)
	require.ErrorIs(t, err, shared.ErrInvalidState)
	_, err = f.svc.CancelDelivery(ctx, pending.ID, 1)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	shipped, err := f.svc.CreateDelivery(ctx, CreateDeliveryRequest{CustomerID: 3, Lines: []LineInput{
		{ProductID: 1, Quantity: dec("1")},
	}}, 1)
	require.NoError(t, err)
	_, err = f.svc.ConfirmDelivery(ctx, shipped.ID, 1)
	require.NoError(t, err)
	_, err = f.svc.CancelDelivery(ctx, shipped.ID, 1)
	require.ErrorIs(t, err, shared.ErrInvalidState)
	assert.True(t, f.stock(t, 1).Qty.Equal(dec("9")))
}

func TestCreateDeliveryValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := map[string]CreateDeliveryRequest{
		"no customer": {Lines: []LineInput{{ProductID: 1, Quantity: dec("1")}}},
		"no lines":    {CustomerID: 1},
		"zero qty":    {CustomerID: 1, Lines: []LineInput{{ProductID: 1, Quantity: decimal.Zero}}},
		"no product":  {CustomerID: 1, Lines: []LineInput{{Quantity: dec("1")}}},
	}
	for name, req := range cases {
		_, err := f.svc.CreateDelivery(ctx, req, 1)
		require.ErrorIs(t, err, shared.ErrValidation, name)
	}

	_, err := f.svc.GetDelivery(ctx, 404)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanConfirm())
	assert.True(t, StatusPending.CanCancel())
	assert.False(t, StatusConfirmed.CanCancel())
	assert.False(t, StatusCancelled.CanConfirm())
	assert.False(t, Status("shipped").IsValid())
}
