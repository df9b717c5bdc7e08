package partner

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
)

// MemoryRepository keeps partner accounts in process. Its units join the
// ledger MemoryStore unit so a failed settlement rolls back both sides.
type MemoryRepository struct {
	store    *ledger.MemoryStore
	mu       sync.Mutex
	accounts map[int64]Account
	nextID   int64
}

// NewMemoryRepository builds a repository sharing units with store.
func NewMemoryRepository(store *ledger.MemoryStore) *MemoryRepository {
	return &MemoryRepository{store: store, accounts: make(map[int64]Account)}
}

// WithTx runs fn in a ledger unit and restores the accounts when fn fails
// or when the enclosing unit rolls back later.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.store.WithTx(ctx, func(ctx context.Context, _ ledger.Tx) error {
		r.mu.Lock()
		snap, next := maps.Clone(r.accounts), r.nextID
		r.mu.Unlock()
		restore := func() {
			r.mu.Lock()
			r.accounts, r.nextID = snap, next
			r.mu.Unlock()
		}
		r.store.OnRollback(ctx, restore)
		if err := fn(ctx, memoryTx{repo: r}); err != nil {
			restore()
			return err
		}
		return nil
	})
}

// ListDocument implements Repository.
func (r *MemoryRepository) ListDocument(_ context.Context, direction Direction, documentRef string) ([]Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter(func(a Account) bool {
		return a.Direction == direction && a.DocumentRef == documentRef
	}), nil
}

// ListOutstanding implements Repository.
func (r *MemoryRepository) ListOutstanding(_ context.Context, direction Direction) ([]Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter(func(a Account) bool {
		return a.Direction == direction && a.Status != StatusPaid
	}), nil
}

func (r *MemoryRepository) filter(keep func(Account) bool) []Account {
	var out []Account
	for _, a := range r.accounts {
		if a.VoidedAt == nil && keep(a) {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b Account) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

type memoryTx struct {
	repo *MemoryRepository
}

func (t memoryTx) LockDocument(ctx context.Context, direction Direction, documentRef string) ([]Account, error) {
	return t.repo.ListDocument(ctx, direction, documentRef)
}

func (t memoryTx) InsertAccount(_ context.Context, a Account) (Account, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for id, existing := range t.repo.accounts {
		if existing.Direction == a.Direction && existing.DocumentRef == a.DocumentRef && existing.LineRef == a.LineRef {
			a.ID, a.CreatedAt = id, existing.CreatedAt
			t.repo.accounts[id] = a
			return a, nil
		}
	}
	t.repo.nextID++
	a.ID = t.repo.nextID
	t.repo.accounts[a.ID] = a
	return a, nil
}

func (t memoryTx) UpdateAccount(_ context.Context, a Account) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	current, ok := t.repo.accounts[a.ID]
	if !ok {
		return nil
	}
	a.VoidedAt = current.VoidedAt
	t.repo.accounts[a.ID] = a
	return nil
}

func (t memoryTx) VoidAccount(_ context.Context, id int64, at time.Time) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	if a, ok := t.repo.accounts[id]; ok {
		a.VoidedAt = &at
		a.UpdatedAt = at
		t.repo.accounts[id] = a
	}
	return nil
}
