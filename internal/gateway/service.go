package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"moneygate.org/internal/audit"
	"moneygate.org/internal/commission"
	"moneygate.org/internal/events"
	"moneygate.org/internal/ids"
	"moneygate.org/internal/ledger"
	"moneygate.org/internal/money"
	"moneygate.org/internal/obs"
	"moneygate.org/internal/storage"
)

// Service runs the transaction state machine. It is the only component
// allowed to invoke the posting engine, and it does so exactly once per
// transaction id, on the transition into COMPLETED.
type Service struct {
	store  storage.Store
	engine *ledger.Engine
	calc   *commission.Calculator
	pub    events.Publisher
	mctx   money.Context
	now    func() time.Time
}

// New wires the state machine over its collaborators.
func New(store storage.Store, engine *ledger.Engine, calc *commission.Calculator, pub events.Publisher, mctx money.Context) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		store:  store,
		engine: engine,
		calc:   calc,
		pub:    pub,
		mctx:   mctx,
		now:    time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateAccount provisions the single balance record for an entity.
func (s *Service) CreateAccount(ctx context.Context, ref ledger.AccountRef, creditLimit decimal.Decimal) (ledger.Account, error) {
	if !ref.EntityType.Valid() || ref.EntityID == "" {
		return ledger.Account{}, fmt.Errorf("%w: account needs an owning entity", ledger.ErrValidation)
	}
	if creditLimit.Sign() < 0 {
		return ledger.Account{}, fmt.Errorf("%w: credit limit %s negative", ledger.ErrValidation, creditLimit)
	}
	now := s.now().UTC()
	acc := ledger.Account{
		ID:            ids.NewAt(now),
		EntityType:    ref.EntityType,
		EntityID:      ref.EntityID,
		Balance:       decimal.Zero,
		BlockedAmount: decimal.Zero,
		CreditLimit:   creditLimit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := s.store.Atomically(ctx, func(tx storage.Tx) error {
		return tx.InsertAccount(ctx, acc)
	})
	if err != nil {
		return ledger.Account{}, err
	}
	return acc, nil
}

// CreateDeposit settles a deposit immediately: deposits never queue.
func (s *Service) CreateDeposit(ctx context.Context, actor Actor, siteID, financierID string, amount decimal.Decimal, description string) (ledger.Transaction, error) {
	return s.Create(ctx, actor, CreateInput{
		Type:         ledger.TxDeposit,
		Amount:       amount,
		Participants: ledger.Participants{SiteID: siteID, FinancierID: financierID},
		Description:  description,
	})
}

// CreateWithdrawal settles a withdrawal immediately: withdrawals never queue.
func (s *Service) CreateWithdrawal(ctx context.Context, actor Actor, siteID, financierID string, amount decimal.Decimal, description string) (ledger.Transaction, error) {
	return s.Create(ctx, actor, CreateInput{
		Type:         ledger.TxWithdrawal,
		Amount:       amount,
		Participants: ledger.Participants{SiteID: siteID, FinancierID: financierID},
		Description:  description,
	})
}

// Create registers a money movement. Types requiring review enter PENDING
// with zero ledger footprint; the rest settle within the same atomic scope
// they are created in.
func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (ledger.Transaction, error) {
	if err := in.validate(); err != nil {
		return ledger.Transaction{}, err
	}
	now := s.now().UTC()
	date := in.Date
	if date.IsZero() {
		date = now
	}
	gross := s.mctx.Round(in.Amount)
	t := ledger.Transaction{
		ID:              ids.NewAt(now),
		Type:            in.Type,
		Status:          ledger.StatusPending,
		GrossAmount:     gross,
		NetAmount:       gross,
		Participants:    in.Participants,
		Description:     in.Description,
		TransactionDate: date,
		CreatedBy:       actor.ID,
		CreatedAt:       now,
	}

	if RequiresApproval(in.Type, actor.Role) {
		err := s.store.Atomically(ctx, func(tx storage.Tx) error {
			return tx.InsertTransaction(ctx, t)
		})
		if err != nil {
			return ledger.Transaction{}, err
		}
		obs.CountTransaction(string(t.Type), string(t.Status))
		audit.Best(ctx, "transaction.created", map[string]any{"id": t.ID, "type": t.Type, "status": t.Status})
		return t, nil
	}

	t.Status = ledger.StatusCompleted
	var posted ledger.PostResult
	err := s.store.Atomically(ctx, func(tx storage.Tx) error {
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return err
		}
		res, err := s.settle(ctx, tx, &t)
		if err != nil {
			return err
		}
		posted = res
		return tx.UpdateTransaction(ctx, t)
	})
	if err != nil {
		s.observeFailure(err)
		return ledger.Transaction{}, err
	}
	s.observeSettled(ctx, t, posted)
	return t, nil
}

// Approve moves a PENDING transaction to COMPLETED and settles it. The
// status check runs under the row lock, so settlement happens at most once.
func (s *Service) Approve(ctx context.Context, actor Actor, txID, note string) (ledger.Transaction, error) {
	var (
		t      ledger.Transaction
		posted ledger.PostResult
	)
	err := s.store.Atomically(ctx, func(tx storage.Tx) error {
		tp, err := tx.TransactionForUpdate(ctx, txID)
		if err != nil {
			return fmt.Errorf("transaction %s: %w", txID, err)
		}
		if tp.Status != ledger.StatusPending {
			return fmt.Errorf("%w: approve on %s transaction %s", ledger.ErrInvalidState, tp.Status, txID)
		}
		tp.Status = ledger.StatusCompleted
		tp.ReviewedBy = actor.ID
		tp.ReviewNote = note
		res, err := s.settle(ctx, tx, tp)
		if err != nil {
			return err
		}
		posted = res
		if err := tx.UpdateTransaction(ctx, *tp); err != nil {
			return err
		}
		t = *tp
		return nil
	})
	if err != nil {
		s.observeFailure(err)
		return ledger.Transaction{}, err
	}
	s.observeSettled(ctx, t, posted)
	return t, nil
}

// Reject moves a PENDING transaction to FAILED. A non-empty reason is
// mandatory, and no ledger effect ever occurs for a rejected transaction.
func (s *Service) Reject(ctx context.Context, actor Actor, txID, reason string) (ledger.Transaction, error) {
	if reason == "" {
		return ledger.Transaction{}, fmt.Errorf("%w: rejection requires a reason", ledger.ErrValidation)
	}
	var t ledger.Transaction
	err := s.store.Atomically(ctx, func(tx storage.Tx) error {
		tp, err := tx.TransactionForUpdate(ctx, txID)
		if err != nil {
			return fmt.Errorf("transaction %s: %w", txID, err)
		}
		if tp.Status != ledger.StatusPending {
			return fmt.Errorf("%w: reject on %s transaction %s", ledger.ErrInvalidState, tp.Status, txID)
		}
		tp.Status = ledger.StatusFailed
		tp.ReviewedBy = actor.ID
		tp.ReversalReason = reason
		if err := tx.UpdateTransaction(ctx, *tp); err != nil {
			return err
		}
		t = *tp
		return nil
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	obs.CountTransaction(string(t.Type), string(t.Status))
	audit.Best(ctx, "transaction.rejected", map[string]any{"id": t.ID, "reason": reason})
	return t, nil
}

// Reverse nets out a COMPLETED transaction with a new REVERSAL transaction
// whose entries are the exact debit/credit inverse of the original.
func (s *Service) Reverse(ctx context.Context, actor Actor, txID, reason string) (ledger.Transaction, error) {
	if reason == "" {
		return ledger.Transaction{}, fmt.Errorf("%w: reversal requires a reason", ledger.ErrValidation)
	}
	var rev ledger.Transaction
	err := s.store.Atomically(ctx, func(tx storage.Tx) error {
		orig, err := tx.TransactionForUpdate(ctx, txID)
		if err != nil {
			return fmt.Errorf("transaction %s: %w", txID, err)
		}
		if orig.Status != ledger.StatusCompleted {
			return fmt.Errorf("%w: reverse on %s transaction %s", ledger.ErrInvalidState, orig.Status, txID)
		}
		if orig.ReversedBy != "" {
			return fmt.Errorf("%w: transaction %s already reversed by %s", ledger.ErrInvalidState, txID, orig.ReversedBy)
		}
		now := s.now().UTC()
		rev = ledger.Transaction{
			ID:              ids.NewAt(now),
			Type:            ledger.TxReversal,
			Status:          ledger.StatusCompleted,
			GrossAmount:     orig.GrossAmount,
			NetAmount:       orig.GrossAmount,
			Participants:    orig.Participants,
			Description:     "reversal of " + orig.ID,
			TransactionDate: now,
			CreatedBy:       actor.ID,
			CreatedAt:       now,
			ReversalOf:      orig.ID,
			ReversalReason:  reason,
		}
		if err := tx.InsertTransaction(ctx, rev); err != nil {
			return err
		}
		if _, err := s.engine.Reverse(ctx, tx, orig.ID, rev.ID); err != nil {
			return err
		}
		orig.ReversedBy = rev.ID
		orig.ReversalReason = reason
		return tx.UpdateTransaction(ctx, *orig)
	})
	if err != nil {
		s.observeFailure(err)
		return ledger.Transaction{}, err
	}
	obs.CountTransaction(string(rev.Type), string(rev.Status))
	audit.Best(ctx, "transaction.reversed", map[string]any{"id": txID, "reversal_id": rev.ID, "reason": reason})
	return rev, nil
}

// Edit corrects a transaction. Pending transactions change in place (they
// have no ledger footprint yet). Settled transactions are edited by
// reversing the original and settling a corrected replacement, keeping the
// full audit trail instead of rewriting balances.
func (s *Service) Edit(ctx context.Context, actor Actor, txID string, in EditInput) (ledger.Transaction, error) {
	if in.Reason == "" {
		return ledger.Transaction{}, fmt.Errorf("%w: edit requires a reason", ledger.ErrValidation)
	}
	if in.Amount != nil && in.Amount.Sign() <= 0 {
		return ledger.Transaction{}, fmt.Errorf("%w: edited amount %s must be positive", ledger.ErrValidation, *in.Amount)
	}
	var (
		out    ledger.Transaction
		posted ledger.PostResult
		settled bool
	)
	err := s.store.Atomically(ctx, func(tx storage.Tx) error {
		t, err := tx.TransactionForUpdate(ctx, txID)
		if err != nil {
			return fmt.Errorf("transaction %s: %w", txID, err)
		}
		now := s.now().UTC()

		switch t.Status {
		case ledger.StatusPending:
			s.applyPatch(t, in, actor, now)
			if err := tx.UpdateTransaction(ctx, *t); err != nil {
				return err
			}
			out = *t
			return nil

		case ledger.StatusCompleted:
			if t.ReversedBy != "" {
				return fmt.Errorf("%w: transaction %s already reversed", ledger.ErrInvalidState, txID)
			}
			rev := ledger.Transaction{
				ID:              ids.NewAt(now),
				Type:            ledger.TxReversal,
				Status:          ledger.StatusCompleted,
				GrossAmount:     t.GrossAmount,
				NetAmount:       t.GrossAmount,
				Participants:    t.Participants,
				Description:     "edit retraction of " + t.ID,
				TransactionDate: now,
				CreatedBy:       actor.ID,
				CreatedAt:       now,
				ReversalOf:      t.ID,
				ReversalReason:  "edit: " + in.Reason,
			}
			if err := tx.InsertTransaction(ctx, rev); err != nil {
				return err
			}
			if _, err := s.engine.Reverse(ctx, tx, t.ID, rev.ID); err != nil {
				return err
			}
			t.ReversedBy = rev.ID
			if err := tx.UpdateTransaction(ctx, *t); err != nil {
				return err
			}

			corrected := *t
			corrected.ID = ids.NewAt(now)
			corrected.CreatedAt = now
			corrected.ReversedBy = ""
			corrected.ReversalOf = ""
			corrected.ReversalReason = ""
			s.applyPatch(&corrected, in, actor, now)
			if err := tx.InsertTransaction(ctx, corrected); err != nil {
				return err
			}
			res, err := s.settle(ctx, tx, &corrected)
			if err != nil {
				return err
			}
			posted = res
			settled = true
			if err := tx.UpdateTransaction(ctx, corrected); err != nil {
				return err
			}
			out = corrected
			return nil
		}
		return fmt.Errorf("%w: edit on %s transaction %s", ledger.ErrInvalidState, t.Status, txID)
	})
	if err != nil {
		s.observeFailure(err)
		return ledger.Transaction{}, err
	}
	if settled {
		s.observeSettled(ctx, out, posted)
	}
	audit.Best(ctx, "transaction.edited", map[string]any{"id": txID, "result_id": out.ID, "reason": in.Reason})
	return out, nil
}

func (s *Service) applyPatch(t *ledger.Transaction, in EditInput, actor Actor, now time.Time) {
	if in.Amount != nil {
		t.GrossAmount = s.mctx.Round(*in.Amount)
		t.NetAmount = t.GrossAmount
	}
	if in.Description != nil {
		t.Description = *in.Description
	}
	if in.Date != nil {
		t.TransactionDate = *in.Date
	}
	at := now
	t.EditedAt = &at
	t.EditedBy = actor.ID
	t.EditCount++
	t.EditReason = in.Reason
}

// SetCommissionRate updates a rate without mutating history: the current
// row is closed and a new open-ended row is inserted, atomically.
func (s *Service) SetCommissionRate(ctx context.Context, actor Actor, key commission.RateKey, value decimal.Decimal) (commission.Rate, error) {
	now := s.now().UTC()
	next := commission.Rate{
		ID:            ids.NewAt(now),
		EntityType:    key.EntityType,
		EntityID:      key.EntityID,
		TxType:        key.TxType,
		RelatedSiteID: key.RelatedSiteID,
		Rate:          value,
		EffectiveFrom: now,
		Active:        true,
	}
	if err := next.Validate(); err != nil {
		return commission.Rate{}, err
	}
	err := s.store.Atomically(ctx, func(tx storage.Tx) error {
		cur, err := tx.RateAt(ctx, key, now)
		switch {
		case err == nil:
			if err := tx.CloseRate(ctx, cur.ID, now); err != nil {
				return err
			}
		case !errors.Is(err, ledger.ErrNotFound):
			return err
		}
		return tx.InsertRate(ctx, next)
	})
	if err != nil {
		return commission.Rate{}, err
	}
	audit.Best(ctx, "rate.updated", map[string]any{
		"entity_type": key.EntityType, "entity_id": key.EntityID,
		"tx_type": key.TxType, "rate": value.String(),
	})
	return next, nil
}

// LinkPartner records an active site-partner relationship.
func (s *Service) LinkPartner(ctx context.Context, siteID, partnerID string) error {
	if siteID == "" || partnerID == "" {
		return fmt.Errorf("%w: partner link needs a site and a partner", ledger.ErrValidation)
	}
	return s.store.Atomically(ctx, func(tx storage.Tx) error {
		return tx.LinkPartner(ctx, siteID, partnerID)
	})
}

// BlockFinancierFunds freezes part of a financier balance, e.g. while a
// bank review runs. The stored blocked amount stays the sum of the
// unresolved blocks.
func (s *Service) BlockFinancierFunds(ctx context.Context, actor Actor, in BlockInput) (ledger.FinancierBlock, error) {
	if !money.IsPositive(in.Amount) {
		return ledger.FinancierBlock{}, fmt.Errorf("%w: block amount %s must be positive", ledger.ErrValidation, in.Amount)
	}
	if in.Reason == "" {
		return ledger.FinancierBlock{}, fmt.Errorf("%w: block requires a reason", ledger.ErrValidation)
	}
	now := s.now().UTC()
	blk := ledger.FinancierBlock{
		ID:            ids.NewAt(now),
		FinancierID:   in.FinancierID,
		Amount:        s.mctx.Round(in.Amount),
		Reason:        in.Reason,
		EstimatedDays: in.EstimatedDays,
		StartedAt:     now,
	}
	err := s.store.Atomically(ctx, func(tx storage.Tx) error {
		acc, err := tx.AccountForUpdate(ctx, financierRef(in.FinancierID))
		if err != nil {
			return fmt.Errorf("financier %s: %w", in.FinancierID, err)
		}
		blocked := acc.BlockedAmount.Add(blk.Amount)
		if blocked.GreaterThan(acc.Balance) {
			return fmt.Errorf("%w: blocking %s exceeds balance %s", ledger.ErrInsufficientBalance, blocked, acc.Balance)
		}
		if err := tx.InsertBlock(ctx, blk); err != nil {
			return err
		}
		return tx.UpdateAccountBlocked(ctx, acc.ID, blocked, now)
	})
	if err != nil {
		return ledger.FinancierBlock{}, err
	}
	audit.Best(ctx, "financier.blocked", map[string]any{"financier_id": in.FinancierID, "amount": blk.Amount.String(), "reason": in.Reason})
	return blk, nil
}

// ResolveFinancierBlock releases a block and the funds it held.
func (s *Service) ResolveFinancierBlock(ctx context.Context, actor Actor, blockID string) error {
	now := s.now().UTC()
	err := s.store.Atomically(ctx, func(tx storage.Tx) error {
		blk, err := tx.BlockForUpdate(ctx, blockID)
		if err != nil {
			return fmt.Errorf("block %s: %w", blockID, err)
		}
		if blk.ResolvedAt != nil {
			return fmt.Errorf("%w: block %s already resolved", ledger.ErrInvalidState, blockID)
		}
		acc, err := tx.AccountForUpdate(ctx, financierRef(blk.FinancierID))
		if err != nil {
			return err
		}
		if err := tx.ResolveBlock(ctx, blockID, now); err != nil {
			return err
		}
		blocked := acc.BlockedAmount.Sub(blk.Amount)
		if blocked.Sign() < 0 {
			blocked = decimal.Zero
		}
		return tx.UpdateAccountBlocked(ctx, acc.ID, blocked, now)
	})
	if err != nil {
		return err
	}
	audit.Best(ctx, "financier.block_resolved", map[string]any{"block_id": blockID})
	return nil
}

// Transaction returns a transaction by id.
func (s *Service) Transaction(ctx context.Context, id string) (ledger.Transaction, error) {
	return s.store.Transaction(ctx, id)
}

// Account returns the balance record of an entity.
func (s *Service) Account(ctx context.Context, ref ledger.AccountRef) (ledger.Account, error) {
	return s.store.Account(ctx, ref)
}

// Snapshot returns the frozen commission split of a settled transaction.
func (s *Service) Snapshot(ctx context.Context, txID string) (commission.Snapshot, error) {
	return s.store.Snapshot(ctx, txID)
}

// settle computes the commission split, posts the balanced entry set and
// freezes the snapshot. It refuses to run twice for the same transaction.
func (s *Service) settle(ctx context.Context, tx storage.Tx, t *ledger.Transaction) (ledger.PostResult, error) {
	existing, err := tx.EntriesByTransaction(ctx, t.ID)
	if err != nil {
		return ledger.PostResult{}, err
	}
	if len(existing) > 0 {
		return ledger.PostResult{}, fmt.Errorf("%w: transaction %s already has ledger entries", ledger.ErrInvalidState, t.ID)
	}

	var split commission.Split
	switch t.Type {
	case ledger.TxDeposit:
		split, err = s.calc.DepositSplit(ctx, t.Participants.SiteID, t.Participants.FinancierID, t.GrossAmount, t.TransactionDate)
	case ledger.TxWithdrawal:
		split, err = s.calc.WithdrawalSplit(ctx, t.Participants.SiteID, t.Participants.FinancierID, t.GrossAmount, t.TransactionDate)
	}
	if err != nil {
		return ledger.PostResult{}, err
	}
	t.NetAmount = t.GrossAmount.Sub(split.ChargedToSite)

	inputs, err := buildEntries(t, split)
	if err != nil {
		return ledger.PostResult{}, err
	}
	res, err := s.engine.Post(ctx, tx, t.ID, inputs, ledger.PostOptions{})
	if err != nil {
		return ledger.PostResult{}, err
	}

	switch t.Type {
	case ledger.TxDeposit, ledger.TxWithdrawal:
		if err := tx.InsertSnapshot(ctx, split.Snapshot(t.ID, s.now().UTC())); err != nil {
			return ledger.PostResult{}, err
		}
	}
	return res, nil
}

func (s *Service) observeSettled(ctx context.Context, t ledger.Transaction, res ledger.PostResult) {
	obs.CountTransaction(string(t.Type), string(t.Status))
	obs.CountEntries(len(res.Entries))
	audit.Best(ctx, "transaction.settled", map[string]any{
		"id": t.ID, "type": t.Type,
		"gross": t.GrossAmount.String(), "net": t.NetAmount.String(),
		"debit": res.TotalDebit.String(), "credit": res.TotalCredit.String(),
	})
	if err := s.pub.Publish(ctx, events.TopicTransactionSettled, events.NewTransactionSettled(t, s.now().UTC())); err != nil {
		obs.LogEvent("events.publish_failed", map[string]any{"transaction_id": t.ID, "error": err.Error()})
	}
}

func (s *Service) observeFailure(err error) {
	if errors.Is(err, ledger.ErrImbalance) {
		obs.CountImbalance()
	}
}
