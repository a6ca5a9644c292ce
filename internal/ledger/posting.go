package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"moneygate.org/internal/ids"
	"moneygate.org/internal/money"
)

// Books is the slice of storage the posting engine needs. Every method is
// expected to run inside one atomic scope supplied by the store; accounts
// returned by the ForUpdate methods are locked until that scope ends.
type Books interface {
	AccountForUpdate(ctx context.Context, ref AccountRef) (*Account, error)
	AccountByIDForUpdate(ctx context.Context, id string) (*Account, error)
	UpdateAccountBalance(ctx context.Context, accountID string, balance decimal.Decimal, at time.Time) error
	AppendEntry(ctx context.Context, e Entry) error
	EntriesByTransaction(ctx context.Context, txID string) ([]Entry, error)
	DeleteEntriesByTransaction(ctx context.Context, txID string) error
}

// PostResult reports what a posting did, with totals for caller verification.
type PostResult struct {
	Entries     []Entry
	TotalDebit  decimal.Decimal
	TotalCredit decimal.Decimal
}

// PostOptions tweaks a single posting.
type PostOptions struct {
	// SkipAvailableCheck disables the available-balance guard. Reversals
	// use it: restoring integrity must not be blocked by a drained account.
	SkipAvailableCheck bool
}

// Engine is the double-entry core. It never commits anything itself; the
// caller owns the atomic scope the Books handle belongs to.
type Engine struct {
	mctx money.Context
	now  func() time.Time
}

// NewEngine builds a posting engine with the given arithmetic context.
func NewEngine(mctx money.Context) *Engine {
	return &Engine{mctx: mctx, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// signedDelta maps (polarity, entry side) to a balance movement.
func signedDelta(p Polarity, t EntryType, amount decimal.Decimal) decimal.Decimal {
	grow := (p == Asset && t == Debit) || (p == Liability && t == Credit)
	if grow {
		return amount
	}
	return amount.Neg()
}

// Post validates a balanced entry set and applies it: balances move, the
// immutable entry trail grows. The debit/credit sums must match exactly
// before any mutation happens.
func (e *Engine) Post(ctx context.Context, b Books, txID string, inputs []EntryInput, opts PostOptions) (PostResult, error) {
	if txID == "" {
		return PostResult{}, fmt.Errorf("%w: empty transaction id", ErrValidation)
	}
	if len(inputs) == 0 {
		return PostResult{}, fmt.Errorf("%w: empty entry set", ErrValidation)
	}

	totalDebit, totalCredit := decimal.Zero, decimal.Zero
	for i, in := range inputs {
		if !money.IsPositive(in.Amount) {
			return PostResult{}, fmt.Errorf("%w: entry %d amount %s must be positive", ErrValidation, i, in.Amount)
		}
		if !in.Account.EntityType.Valid() || in.Account.EntityID == "" {
			return PostResult{}, fmt.Errorf("%w: entry %d has no account reference", ErrValidation, i)
		}
		switch in.Type {
		case Debit:
			totalDebit = totalDebit.Add(in.Amount)
		case Credit:
			totalCredit = totalCredit.Add(in.Amount)
		default:
			return PostResult{}, fmt.Errorf("%w: entry %d has entry type %q", ErrValidation, i, in.Type)
		}
	}
	if totalDebit.Cmp(totalCredit) != 0 {
		return PostResult{}, fmt.Errorf("%w: debit %s vs credit %s (tx %s)",
			ErrImbalance, totalDebit, totalCredit, txID)
	}

	// Lock accounts in a stable order so concurrent postings against
	// overlapping account sets cannot deadlock.
	accounts, err := lockByRef(ctx, b, inputs)
	if err != nil {
		return PostResult{}, err
	}

	res, err := e.apply(ctx, b, txID, inputs, accounts, opts)
	if err != nil {
		return PostResult{}, err
	}
	res.TotalDebit, res.TotalCredit = totalDebit, totalCredit
	return res, nil
}

// Reverse posts the exact debit/credit inverse of an earlier transaction
// under a new transaction id. The flipped set is balanced whenever the
// original was, so the reversal is itself a valid double-entry transaction.
func (e *Engine) Reverse(ctx context.Context, b Books, origTxID, newTxID string) (PostResult, error) {
	if newTxID == "" || origTxID == "" || newTxID == origTxID {
		return PostResult{}, fmt.Errorf("%w: bad reversal transaction ids", ErrValidation)
	}
	orig, err := b.EntriesByTransaction(ctx, origTxID)
	if err != nil {
		return PostResult{}, err
	}
	if len(orig) == 0 {
		return PostResult{}, fmt.Errorf("%w: no entries for transaction %s", ErrNotFound, origTxID)
	}

	accounts, err := lockByID(ctx, b, orig)
	if err != nil {
		return PostResult{}, err
	}

	inputs := make([]EntryInput, 0, len(orig))
	totalDebit, totalCredit := decimal.Zero, decimal.Zero
	for _, en := range orig {
		acc := accounts[en.AccountID]
		inputs = append(inputs, EntryInput{
			Account:     acc.Ref(),
			Type:        en.Type.Flip(),
			Amount:      en.Amount,
			Description: "reversal of " + origTxID,
		})
		if en.Type.Flip() == Debit {
			totalDebit = totalDebit.Add(en.Amount)
		} else {
			totalCredit = totalCredit.Add(en.Amount)
		}
	}

	res, err := e.apply(ctx, b, newTxID, inputs, byRef(accounts), PostOptions{SkipAvailableCheck: true})
	if err != nil {
		return PostResult{}, err
	}
	res.TotalDebit, res.TotalCredit = totalDebit, totalCredit
	return res, nil
}

// Undo retracts a transaction's ledger effect in place: each account gets
// the inverse of the delta its entries caused, then the entry rows are
// deleted. Destructive; only valid inside the same atomic scope as the
// re-posting of corrected entries.
func (e *Engine) Undo(ctx context.Context, b Books, txID string) error {
	orig, err := b.EntriesByTransaction(ctx, txID)
	if err != nil {
		return err
	}
	if len(orig) == 0 {
		return fmt.Errorf("%w: no entries for transaction %s", ErrNotFound, txID)
	}

	accounts, err := lockByID(ctx, b, orig)
	if err != nil {
		return err
	}

	now := e.now().UTC()
	for _, en := range orig {
		acc := accounts[en.AccountID]
		delta := signedDelta(acc.EntityType.Polarity(), en.Type, en.Amount)
		acc.Balance = acc.Balance.Sub(delta)
	}
	for _, acc := range sortedAccounts(accounts) {
		if err := b.UpdateAccountBalance(ctx, acc.ID, acc.Balance, now); err != nil {
			return err
		}
	}
	return b.DeleteEntriesByTransaction(ctx, txID)
}

// apply moves balances and appends entries for an already-validated set.
// The accounts map must hold a locked record for every referenced account.
func (e *Engine) apply(ctx context.Context, b Books, txID string, inputs []EntryInput, accounts map[AccountRef]*Account, opts PostOptions) (PostResult, error) {
	now := e.now().UTC()
	entries := make([]Entry, 0, len(inputs))
	for _, in := range inputs {
		acc := accounts[in.Account]
		delta := signedDelta(acc.EntityType.Polarity(), in.Type, in.Amount)
		// The available guard protects financier cash. The organization
		// account accrues commission income as credits and runs negative
		// until collected, so it is never guarded.
		if delta.Sign() < 0 && !opts.SkipAvailableCheck && acc.EntityType == EntityFinancier {
			if in.Amount.GreaterThan(acc.Available()) {
				return PostResult{}, fmt.Errorf("%w: account %s/%s available %s, needed %s",
					ErrInsufficientBalance, acc.EntityType, acc.EntityID, acc.Available(), in.Amount)
			}
		}
		acc.Balance = e.mctx.Round(acc.Balance.Add(delta))
		entry := Entry{
			ID:            ids.NewAt(now),
			TransactionID: txID,
			AccountID:     acc.ID,
			AccountType:   acc.EntityType,
			Type:          in.Type,
			Amount:        in.Amount,
			BalanceAfter:  acc.Balance,
			Description:   in.Description,
			CreatedAt:     now,
		}
		if err := b.AppendEntry(ctx, entry); err != nil {
			return PostResult{}, err
		}
		entries = append(entries, entry)
	}
	for _, acc := range sortedAccounts(byID(accounts)) {
		if err := b.UpdateAccountBalance(ctx, acc.ID, acc.Balance, now); err != nil {
			return PostResult{}, err
		}
	}
	return PostResult{Entries: entries}, nil
}

func lockByRef(ctx context.Context, b Books, inputs []EntryInput) (map[AccountRef]*Account, error) {
	refs := make([]AccountRef, 0, len(inputs))
	seen := map[AccountRef]bool{}
	for _, in := range inputs {
		if !seen[in.Account] {
			seen[in.Account] = true
			refs = append(refs, in.Account)
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].EntityType != refs[j].EntityType {
			return refs[i].EntityType < refs[j].EntityType
		}
		return refs[i].EntityID < refs[j].EntityID
	})
	out := make(map[AccountRef]*Account, len(refs))
	for _, ref := range refs {
		acc, err := b.AccountForUpdate(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("account %s/%s: %w", ref.EntityType, ref.EntityID, err)
		}
		out[ref] = acc
	}
	return out, nil
}

func lockByID(ctx context.Context, b Books, entries []Entry) (map[string]*Account, error) {
	idSet := make([]string, 0, len(entries))
	seen := map[string]bool{}
	for _, en := range entries {
		if !seen[en.AccountID] {
			seen[en.AccountID] = true
			idSet = append(idSet, en.AccountID)
		}
	}
	sort.Strings(idSet)
	out := make(map[string]*Account, len(idSet))
	for _, id := range idSet {
		acc, err := b.AccountByIDForUpdate(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", id, err)
		}
		out[id] = acc
	}
	return out, nil
}

func byRef(m map[string]*Account) map[AccountRef]*Account {
	out := make(map[AccountRef]*Account, len(m))
	for _, acc := range m {
		out[acc.Ref()] = acc
	}
	return out
}

func byID(m map[AccountRef]*Account) map[string]*Account {
	out := make(map[string]*Account, len(m))
	for _, acc := range m {
		out[acc.ID] = acc
	}
	return out
}

func sortedAccounts(m map[string]*Account) []*Account {
	out := make([]*Account, 0, len(m))
	for _, acc := range m {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
