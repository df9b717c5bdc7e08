package ledger

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// MemoryStore is an in-process Store. Units are serialised by one mutex and
// rolled back by restoring a snapshot, which is enough for tests and tools.
type MemoryStore struct {
	mu         sync.Mutex
	subjects   map[SubjectRef]Aggregate
	movements  []Movement
	references map[Reference]time.Time
	nextID     int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subjects:   make(map[SubjectRef]Aggregate),
		references: make(map[Reference]time.Time),
	}
}

type memoryTxKey struct{}

type memorySnapshot struct {
	subjects   map[SubjectRef]Aggregate
	movements  []Movement
	references map[Reference]time.Time
	nextID     int64
}

// WithTx runs fn under the store lock and restores the previous state when fn fails.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if tx, ok := ctx.Value(memoryTxKey{}).(*memoryTx); ok && tx.store == s {
		return fn(ctx, tx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := memorySnapshot{
		subjects:   maps.Clone(s.subjects),
		movements:  slices.Clone(s.movements),
		references: maps.Clone(s.references),
		nextID:     s.nextID,
	}
	tx := &memoryTx{store: s}
	if err := fn(context.WithValue(ctx, memoryTxKey{}, tx), tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.subjects = snap.subjects
		s.movements = snap.movements
		s.references = snap.references
		s.nextID = snap.nextID
		return err
	}
	return nil
}

// OnRollback registers undo to run if the unit carried by ctx fails. Other
// in-memory repositories joining a unit use it to roll back with it. Outside
// a unit it does nothing.
func (s *MemoryStore) OnRollback(ctx context.Context, undo func()) {
	if tx, ok := ctx.Value(memoryTxKey{}).(*memoryTx); ok && tx.store == s {
		tx.undo = append(tx.undo, undo)
	}
}

// lock takes the store mutex unless ctx already runs inside one of its units.
func (s *MemoryStore) lock(ctx context.Context) func() {
	if tx, ok := ctx.Value(memoryTxKey{}).(*memoryTx); ok && tx.store == s {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// GetAggregate implements Store.
func (s *MemoryStore) GetAggregate(ctx context.Context, subject SubjectRef) (Aggregate, error) {
	defer s.lock(ctx)()
	agg, ok := s.subjects[subject]
	if !ok {
		return Aggregate{}, shared.ErrNotFound
	}
	return agg, nil
}

// ListSubjects implements Store.
func (s *MemoryStore) ListSubjects(ctx context.Context, kind SubjectKind) ([]SubjectRef, error) {
	defer s.lock(ctx)()
	var refs []SubjectRef
	for ref := range s.subjects {
		if ref.Kind == kind {
			refs = append(refs, ref)
		}
	}
	slices.SortFunc(refs, compareSubjects)
	return refs, nil
}

// ListMovements implements Store.
func (s *MemoryStore) ListMovements(ctx context.Context, f QueryFilter, limit int) ([]Movement, error) {
	defer s.lock(ctx)()
	var out []Movement
	for _, m := range s.movements {
		if m.Subject != f.Subject {
			continue
		}
		if f.RefType != "" && m.RefType != f.RefType {
			continue
		}
		if !f.From.IsZero() && m.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !m.CreatedAt.Before(f.To) {
			continue
		}
		if f.Before != nil && compareCursor(m, *f.Before) >= 0 {
			continue
		}
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Movement) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// compareCursor orders m against c in ascending (created_at, id).
func compareCursor(m Movement, c Cursor) int {
	if r := m.CreatedAt.Compare(c.CreatedAt); r != 0 {
		return r
	}
	return cmp.Compare(m.ID, c.ID)
}

// ReferenceApplied implements Store.
func (s *MemoryStore) ReferenceApplied(ctx context.Context, ref Reference) (bool, error) {
	defer s.lock(ctx)()
	if _, ok := s.references[ref]; ok {
		return true, nil
	}
	return s.movementsExist(ref), nil
}

func (s *MemoryStore) movementsExist(ref Reference) bool {
	for _, m := range s.movements {
		if m.Reference() == ref {
			return true
		}
	}
	return false
}

// Movements returns a copy of every recorded movement in insertion order.
func (s *MemoryStore) Movements() []Movement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.movements)
}

type memoryTx struct {
	store *MemoryStore
	undo  []func()
}

func (t *memoryTx) LockAggregate(ctx context.Context, subject SubjectRef) (Aggregate, error) {
	return t.GetAggregate(ctx, subject)
}

func (t *memoryTx) GetAggregate(_ context.Context, subject SubjectRef) (Aggregate, error) {
	agg, ok := t.store.subjects[subject]
	if !ok {
		return Aggregate{}, shared.ErrNotFound
	}
	return agg, nil
}

func (t *memoryTx) CreateAggregate(_ context.Context, agg Aggregate) error {
	if _, ok := t.store.subjects[agg.Subject]; ok {
		return shared.ErrSubjectExists
	}
	t.store.subjects[agg.Subject] = agg
	return nil
}

func (t *memoryTx) SaveAggregate(_ context.Context, agg Aggregate) error {
	if _, ok := t.store.subjects[agg.Subject]; !ok {
		return shared.ErrNotFound
	}
	t.store.subjects[agg.Subject] = agg
	return nil
}

func (t *memoryTx) DeleteAggregate(_ context.Context, subject SubjectRef) error {
	if _, ok := t.store.subjects[subject]; !ok {
		return shared.ErrNotFound
	}
	delete(t.store.subjects, subject)
	return nil
}

func (t *memoryTx) InsertMovement(_ context.Context, m Movement) (Movement, error) {
	if _, ok := t.store.subjects[m.Subject]; !ok {
		return Movement{}, fmt.Errorf("movement for unknown subject %s: %w", m.Subject, shared.ErrNotFound)
	}
	t.store.nextID++
	m.ID = t.store.nextID
	t.store.movements = append(t.store.movements, m)
	return m, nil
}

func (t *memoryTx) SumMovements(_ context.Context, subject SubjectRef) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, m := range t.store.movements {
		if m.Subject == subject {
			sum = sum.Add(m.Delta)
		}
	}
	return sum, nil
}

func (t *memoryTx) HasMovementsExcept(_ context.Context, subject SubjectRef, except RefType) (bool, error) {
	for _, m := range t.store.movements {
		if m.Subject == subject && m.RefType != except {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) PurgeMovements(_ context.Context, subject SubjectRef, refType RefType) (int64, error) {
	kept := make([]Movement, 0, len(t.store.movements))
	var purged int64
	for _, m := range t.store.movements {
		if m.Subject == subject && m.RefType == refType {
			purged++
			continue
		}
		kept = append(kept, m)
	}
	t.store.movements = kept
	return purged, nil
}

func (t *memoryTx) MovementsExist(_ context.Context, ref Reference) (bool, error) {
	return t.store.movementsExist(ref), nil
}

func (t *memoryTx) ReserveReference(_ context.Context, ref Reference) error {
	if _, ok := t.store.references[ref]; ok {
		return shared.ErrAlreadyApplied
	}
	t.store.references[ref] = time.Now()
	return nil
}
