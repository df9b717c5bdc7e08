package cash

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// LedgerPort is the part of the ledger cash relies on.
type LedgerPort interface {
	Post(ctx context.Context, p ledger.Posting) ([]ledger.Movement, error)
	OpenSubject(ctx context.Context, in ledger.OpenInput) (ledger.Aggregate, error)
	GetAggregate(ctx context.Context, subject ledger.SubjectRef) (ledger.Aggregate, error)
	History(ctx context.Context, subject ledger.SubjectRef, visit func(agg ledger.Aggregate, movements iter.Seq2[ledger.Movement, error]) error) error
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// AuditPort records who moved money.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs transfers and adjustments between cash accounts.
type Service struct {
	ledger LedgerPort
	audit  AuditPort
	logger *slog.Logger
}

// NewService builds a cash service.
func NewService(ledger LedgerPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledger, audit: audit, logger: logger}
}

// OpenAccount registers an account with an optional opening balance.
func (s *Service) OpenAccount(ctx context.Context, in AccountInput) (Balance, error) {
	var agg ledger.Aggregate
	err := s.ledger.WithTx(ctx, func(ctx context.Context) error {
		var err error
		agg, err = s.ledger.OpenSubject(ctx, ledger.OpenInput{
			Subject:       ledger.Account(in.AccountID),
			AllowNegative: in.AllowNegative,
			Opening:       in.Opening,
			Memo:          "opening balance",
		})
		if err != nil {
			return err
		}
		return s.record(ctx, in.ActorID, "cash:open", in.AccountID, map[string]any{"opening": in.Opening.String()})
	})
	if err != nil {
		return Balance{}, err
	}
	return balanceOf(agg), nil
}

// Transfer debits From and credits To in one posting. Both accounts are
// locked in id order whichever direction the money flows.
func (s *Service) Transfer(ctx context.Context, in TransferInput) (Transfer, error) {
	if !in.Amount.IsPositive() {
		return Transfer{}, fmt.Errorf("cash: transfer %s: %w", in.Amount, shared.ErrInvalidAmount)
	}
	if in.From == in.To {
		return Transfer{}, fmt.Errorf("cash: transfer to same account %d: %w", in.From, shared.ErrInvalidAmount)
	}
	refID := in.RequestID
	if refID == "" {
		refID = uuid.NewString()
	}
	var movements []ledger.Movement
	err := s.ledger.WithTx(ctx, func(ctx context.Context) error {
		var err error
		movements, err = s.ledger.Post(ctx, ledger.Posting{
			Reference: ledger.Reference{Type: ledger.RefTransfer, ID: refID},
			Guard:     in.RequestID != "",
			Entries: []ledger.Entry{
				{Subject: ledger.Account(in.From), Delta: in.Amount.Neg(), Memo: in.Note},
				{Subject: ledger.Account(in.To), Delta: in.Amount, Memo: in.Note},
			},
		})
		if err != nil {
			return err
		}
		return s.record(ctx, in.ActorID, "cash:transfer", in.From, map[string]any{
			"to":     in.To,
			"amount": in.Amount.String(),
			"ref_id": refID,
		})
	})
	if err != nil {
		return Transfer{}, err
	}
	s.logger.Info("cash transfer posted",
		slog.String("ref_id", refID),
		slog.Int64("from", in.From),
		slog.Int64("to", in.To),
		slog.String("amount", in.Amount.String()))
	return Transfer{RefID: refID, Amount: in.Amount, Debit: movements[0], Credit: movements[1]}, nil
}

// Adjust posts a signed correction on one account.
func (s *Service) Adjust(ctx context.Context, in AdjustInput) (ledger.Movement, error) {
	if in.Amount.IsZero() {
		return ledger.Movement{}, fmt.Errorf("cash: adjust account %d: %w", in.AccountID, shared.ErrZeroAmount)
	}
	refID := in.RequestID
	if refID == "" {
		refID = uuid.NewString()
	}
	var movements []ledger.Movement
	err := s.ledger.WithTx(ctx, func(ctx context.Context) error {
		var err error
		movements, err = s.ledger.Post(ctx, ledger.Posting{
			Reference: ledger.Reference{Type: ledger.RefAdjustment, ID: refID},
			Guard:     in.RequestID != "",
			Entries:   []ledger.Entry{{Subject: ledger.Account(in.AccountID), Delta: in.Amount, Memo: in.Note}},
		})
		if err != nil {
			return err
		}
		return s.record(ctx, in.ActorID, "cash:adjust", in.AccountID, map[string]any{
			"amount": in.Amount.String(),
			"ref_id": refID,
			"note":   in.Note,
		})
	})
	if err != nil {
		return ledger.Movement{}, err
	}
	return movements[0], nil
}

// Balance returns the account's current balance.
func (s *Service) Balance(ctx context.Context, accountID int64) (Balance, error) {
	agg, err := s.ledger.GetAggregate(ctx, ledger.Account(accountID))
	if err != nil {
		return Balance{}, err
	}
	return balanceOf(agg), nil
}

// Statement yields the account's movements newest first, each with the
// balance it left behind. Balances are walked back from the total read in
// the same unit as the movements. Consumers must not post to the account
// while ranging.
func (s *Service) Statement(ctx context.Context, accountID int64, filter StatementFilter) iter.Seq2[StatementLine, error] {
	return func(yield func(StatementLine, error) bool) {
		stopped := false
		err := s.ledger.History(ctx, ledger.Account(accountID), func(agg ledger.Aggregate, movements iter.Seq2[ledger.Movement, error]) error {
			balance := agg.Balance
			for m, err := range movements {
				if err != nil {
					return err
				}
				after := balance
				balance = balance.Sub(m.Delta)
				if !filter.From.IsZero() && m.CreatedAt.Before(filter.From) {
					return nil
				}
				if !filter.To.IsZero() && !m.CreatedAt.Before(filter.To) {
					continue
				}
				if filter.RefType != "" && m.RefType != filter.RefType {
					continue
				}
				if !yield(StatementLine{Movement: m, RunningBalance: after}, nil) {
					stopped = true
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(StatementLine{}, err)
		}
	}
}

// CollectStatement drains up to limit lines. A limit of zero drains all.
func CollectStatement(seq iter.Seq2[StatementLine, error], limit int) ([]StatementLine, error) {
	var out []StatementLine
	for line, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, line)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Service) record(ctx context.Context, actorID int64, action string, accountID int64, meta map[string]any) error {
	if s.audit == nil {
		return nil
	}
	if actorID == 0 {
		actorID = shared.ActorFromContext(ctx)
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "cash_account",
		EntityID: strconv.FormatInt(accountID, 10),
		Meta:     meta,
	})
	if err != nil {
		return fmt.Errorf("cash audit %s: %w", action, err)
	}
	return nil
}
