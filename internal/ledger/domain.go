// Package ledger records signed quantity and amount movements against
// subjects and keeps each subject's running aggregate equal to the sum of
// its movements.
package ledger

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// SubjectKind distinguishes products from cash accounts.
type SubjectKind string

const (
	// SubjectProduct tracks quantity on hand and weighted average cost.
	SubjectProduct SubjectKind = "product"
	// SubjectAccount tracks a monetary balance.
	SubjectAccount SubjectKind = "account"
)

// Valid reports whether the kind is known.
func (k SubjectKind) Valid() bool {
	return k == SubjectProduct || k == SubjectAccount
}

// SubjectRef identifies a subject holding a derived balance.
type SubjectRef struct {
	Kind SubjectKind `json:"kind"`
	ID   int64       `json:"id"`
}

// Product returns the ref of a product subject.
func Product(id int64) SubjectRef { return SubjectRef{Kind: SubjectProduct, ID: id} }

// Account returns the ref of an account subject.
func Account(id int64) SubjectRef { return SubjectRef{Kind: SubjectAccount, ID: id} }

func (s SubjectRef) String() string {
	return fmt.Sprintf("%s:%d", s.Kind, s.ID)
}

// Validate checks kind and id.
func (s SubjectRef) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: unknown subject kind %q", shared.ErrValidation, s.Kind)
	}
	if s.ID <= 0 {
		return fmt.Errorf("%w: subject id must be positive", shared.ErrValidation)
	}
	return nil
}

func compareSubjects(a, b SubjectRef) int {
	if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// RefType enumerates the documents that produce movements.
type RefType string

const (
	RefPurchase   RefType = "purchase"
	RefDelivery   RefType = "delivery"
	RefSale       RefType = "sale"
	RefAdjustment RefType = "adjustment"
	RefTransfer   RefType = "transfer"
	RefSettlement RefType = "settlement"
	RefInit       RefType = "init"
)

// Valid reports whether the reference type is known.
func (t RefType) Valid() bool {
	switch t {
	case RefPurchase, RefDelivery, RefSale, RefAdjustment, RefTransfer, RefSettlement, RefInit:
		return true
	}
	return false
}

// Reference is the external key a posting is applied under. Batch scopes
// partial re-entry, e.g. one receiving batch of one purchase item.
type Reference struct {
	Type  RefType `json:"ref_type"`
	ID    string  `json:"ref_id"`
	Batch string  `json:"batch_id,omitempty"`
}

func (r Reference) String() string {
	if r.Batch == "" {
		return fmt.Sprintf("%s/%s", r.Type, r.ID)
	}
	return fmt.Sprintf("%s/%s#%s", r.Type, r.ID, r.Batch)
}

// Validate checks the reference is complete.
func (r Reference) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown reference type %q", shared.ErrValidation, r.Type)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: reference id required", shared.ErrValidation)
	}
	return nil
}

// Movement is one immutable signed delta recorded against a subject.
type Movement struct {
	ID        int64           `json:"id"`
	Subject   SubjectRef      `json:"subject"`
	Delta     decimal.Decimal `json:"delta"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	RefType   RefType         `json:"ref_type"`
	RefID     string          `json:"ref_id"`
	BatchID   string          `json:"batch_id,omitempty"`
	Memo      string          `json:"memo,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Reference returns the key the movement was posted under.
func (m Movement) Reference() Reference {
	return Reference{Type: m.RefType, ID: m.RefID, Batch: m.BatchID}
}

// Aggregate is the cached running total of a subject.
type Aggregate struct {
	Subject       SubjectRef      `json:"subject"`
	Balance       decimal.Decimal `json:"balance"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	AllowNegative bool            `json:"allow_negative"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// CostEffect tells the maintainer how an entry moves the cost basis.
type CostEffect int

const (
	// CostNone leaves avg_cost untouched. Issues, deliveries and cash use it.
	CostNone CostEffect = iota
	// CostReceipt blends UnitCost into avg_cost.
	CostReceipt
	// CostReversal takes a prior receipt at UnitCost back out of avg_cost.
	CostReversal
)

// Entry is a single delta within a posting.
type Entry struct {
	Subject  SubjectRef
	Delta    decimal.Decimal
	UnitCost decimal.Decimal
	Cost     CostEffect
	Memo     string
}

// Posting is one atomic unit: every entry is applied or none is.
type Posting struct {
	Reference Reference
	// Guard rejects the posting with ErrAlreadyApplied when Reference was posted before.
	Guard   bool
	Entries []Entry
}

func (p Posting) validate() error {
	if err := p.Reference.Validate(); err != nil {
		return err
	}
	if len(p.Entries) == 0 {
		return fmt.Errorf("%w: posting has no entries", shared.ErrValidation)
	}
	for _, e := range p.Entries {
		if err := e.Subject.Validate(); err != nil {
			return err
		}
		if e.Delta.IsZero() {
			return fmt.Errorf("ledger: %s: %w", e.Subject, shared.ErrInvalidDelta)
		}
		if e.Cost == CostNone {
			continue
		}
		if e.Subject.Kind != SubjectProduct {
			return fmt.Errorf("%w: cost effect on non-product %s", shared.ErrValidation, e.Subject)
		}
		if e.UnitCost.IsNegative() {
			return fmt.Errorf("%w: negative unit cost", shared.ErrValidation)
		}
		if e.Cost == CostReceipt && !e.Delta.IsPositive() {
			return fmt.Errorf("%w: receipt delta must be positive", shared.ErrValidation)
		}
		if e.Cost == CostReversal && !e.Delta.IsNegative() {
			return fmt.Errorf("%w: reversal delta must be negative", shared.ErrValidation)
		}
	}
	return nil
}

// subjects returns the distinct subjects in lock order.
func (p Posting) subjects() []SubjectRef {
	refs := make([]SubjectRef, 0, len(p.Entries))
	for _, e := range p.Entries {
		refs = append(refs, e.Subject)
	}
	slices.SortFunc(refs, compareSubjects)
	return slices.Compact(refs)
}

// QueryFilter narrows a movement query. From is inclusive, To exclusive.
type QueryFilter struct {
	Subject  SubjectRef
	RefType  RefType
	From     time.Time
	To       time.Time
	Before   *Cursor
	PageSize int
}

// Cursor is a keyset position; results continue strictly after it in
// (created_at DESC, id DESC) order.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        int64     `json:"id"`
}

// Reconciliation compares a cached aggregate with its ledger sum.
type Reconciliation struct {
	Subject   SubjectRef      `json:"subject"`
	Balance   decimal.Decimal `json:"balance"`
	LedgerSum decimal.Decimal `json:"ledger_sum"`
	Drift     decimal.Decimal `json:"drift"`
}

// Consistent reports whether the aggregate equals the ledger sum.
func (r Reconciliation) Consistent() bool {
	return r.Drift.IsZero()
}
