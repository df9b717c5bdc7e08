package partner

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Direction tells receivables from payables.
type Direction string

const (
	Receivable Direction = "AR"
	Payable    Direction = "AP"
)

// ParseDirection accepts AR/AP in either case.
func ParseDirection(raw string) (Direction, error) {
	switch raw {
	case "AR", "ar":
		return Receivable, nil
	case "AP", "ap":
		return Payable, nil
	}
	return "", fmt.Errorf("%w: partner: unknown direction %q", shared.ErrValidation, raw)
}

// Account is one allocated line of a partner document.
type Account struct {
	ID          int64           `json:"id"`
	PartnerID   int64           `json:"partner_id"`
	Direction   Direction       `json:"direction"`
	DocumentRef string          `json:"document_ref"`
	LineRef     string          `json:"line_ref"`
	Amount      decimal.Decimal `json:"amount"`
	Paid        decimal.Decimal `json:"paid"`
	Status      Status          `json:"status"`
	DueAt       time.Time       `json:"due_at"`
	VoidedAt    *time.Time      `json:"voided_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Outstanding is what is still owed on the line.
func (a Account) Outstanding() decimal.Decimal {
	rest := a.Amount.Sub(a.Paid)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// Document aggregates the live lines of one document.
type Document struct {
	Direction   Direction       `json:"direction"`
	PartnerID   int64           `json:"partner_id"`
	DocumentRef string          `json:"document_ref"`
	Total       decimal.Decimal `json:"total"`
	Paid        decimal.Decimal `json:"paid"`
	Outstanding decimal.Decimal `json:"outstanding"`
	Status      Status          `json:"status"`
	DueAt       time.Time       `json:"due_at"`
	Lines       []Account       `json:"lines"`
}

func newDocument(lines []Account) Document {
	doc := Document{Total: decimal.Zero, Paid: decimal.Zero, Outstanding: decimal.Zero, Lines: lines}
	for i, line := range lines {
		if i == 0 {
			doc.Direction = line.Direction
			doc.PartnerID = line.PartnerID
			doc.DocumentRef = line.DocumentRef
			doc.DueAt = line.DueAt
		}
		doc.Total = doc.Total.Add(line.Amount)
		doc.Paid = doc.Paid.Add(line.Paid)
		doc.Outstanding = doc.Outstanding.Add(line.Outstanding())
	}
	doc.Status = StatusOf(doc.Total, doc.Paid)
	return doc
}

// DocumentInput opens or reallocates a document over its lines.
type DocumentInput struct {
	Direction   Direction
	PartnerID   int64
	DocumentRef string
	Total       decimal.Decimal
	Lines       []Line
	DueAt       time.Time
}

func (in DocumentInput) validate() error {
	if in.Direction != Receivable && in.Direction != Payable {
		return fmt.Errorf("%w: partner: unknown direction %q", shared.ErrValidation, in.Direction)
	}
	if in.PartnerID <= 0 {
		return fmt.Errorf("%w: partner: partner id required", shared.ErrValidation)
	}
	if in.DocumentRef == "" {
		return fmt.Errorf("%w: partner: document ref required", shared.ErrValidation)
	}
	return nil
}

// SettleInput pays part or all of a document through a cash account.
type SettleInput struct {
	Direction     Direction
	DocumentRef   string
	CashAccountID int64
	Amount        decimal.Decimal
	RequestID     string
	Note          string
	ActorID       int64
}

// Settlement is the result of a settle call.
type Settlement struct {
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Applied   []Applied       `json:"applied"`
	Document  Document        `json:"document"`
}

// Applied is the share of a settlement that went to one line.
type Applied struct {
	LineRef string          `json:"line_ref"`
	Amount  decimal.Decimal `json:"amount"`
}

// AgingBucket summarises outstanding totals by days past due.
type AgingBucket struct {
	Current   decimal.Decimal `json:"current"`
	Bucket30  decimal.Decimal `json:"bucket_30"`
	Bucket60  decimal.Decimal `json:"bucket_60"`
	Bucket90  decimal.Decimal `json:"bucket_90"`
	Bucket120 decimal.Decimal `json:"bucket_120"`
}

// Total sums every bucket.
func (b AgingBucket) Total() decimal.Decimal {
	return b.Current.Add(b.Bucket30).Add(b.Bucket60).Add(b.Bucket90).Add(b.Bucket120)
}
