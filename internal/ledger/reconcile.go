package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"moneygate.org/internal/audit"
	"moneygate.org/internal/obs"
)

// TrailReader is the read-only storage view reconciliation works against.
type TrailReader interface {
	Accounts(ctx context.Context) ([]Account, error)
	EntriesByAccount(ctx context.Context, accountID string) ([]Entry, error)
	EntryTotals(ctx context.Context) (debit, credit decimal.Decimal, err error)
	UnresolvedBlocks(ctx context.Context, financierID string) ([]FinancierBlock, error)
}

// SystemBalance is the outcome of the global debit/credit check.
type SystemBalance struct {
	TotalDebit  decimal.Decimal `json:"total_debit"`
	TotalCredit decimal.Decimal `json:"total_credit"`
	Balanced    bool            `json:"balanced"`
}

// AccountDrift compares a stored balance against the balance recomputed
// from the account's full entry trail.
type AccountDrift struct {
	AccountID     string          `json:"account_id"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Stored        decimal.Decimal `json:"stored"`
	Derived       decimal.Decimal `json:"derived"`
	Drift         decimal.Decimal `json:"drift"`
	Drifted       bool            `json:"drifted"`
	BlockedStored decimal.Decimal `json:"blocked_stored"`
	BlockedSum    decimal.Decimal `json:"blocked_sum"`
	BlockMismatch bool            `json:"block_mismatch"`
}

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	System   SystemBalance  `json:"system"`
	Checked  int            `json:"checked"`
	Drifted  []AccountDrift `json:"drifted,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Reconciler recomputes balances from the entry trail and reports drift.
// Findings are never auto-corrected; integrity drift needs a human.
type Reconciler struct {
	reader TrailReader
}

// NewReconciler builds a reconciler over the given trail reader.
func NewReconciler(reader TrailReader) *Reconciler {
	return &Reconciler{reader: reader}
}

// VerifySystemBalance sums every debit and credit in the ledger. The
// system is balanced iff the two totals are equal.
func (r *Reconciler) VerifySystemBalance(ctx context.Context) (SystemBalance, error) {
	debit, credit, err := r.reader.EntryTotals(ctx)
	if err != nil {
		return SystemBalance{}, err
	}
	return SystemBalance{
		TotalDebit:  debit,
		TotalCredit: credit,
		Balanced:    debit.Cmp(credit) == 0,
	}, nil
}

// ReconcileAccount replays an account's entry trail oriented by polarity
// and compares the derived balance to the stored one. For financiers the
// stored blocked amount is checked against the unresolved blocks too.
func (r *Reconciler) ReconcileAccount(ctx context.Context, acc Account) (AccountDrift, error) {
	entries, err := r.reader.EntriesByAccount(ctx, acc.ID)
	if err != nil {
		return AccountDrift{}, err
	}
	derived := decimal.Zero
	for _, e := range entries {
		derived = derived.Add(signedDelta(acc.EntityType.Polarity(), e.Type, e.Amount))
	}
	d := AccountDrift{
		AccountID:     acc.ID,
		EntityType:    acc.EntityType,
		EntityID:      acc.EntityID,
		Stored:        acc.Balance,
		Derived:       derived,
		Drift:         acc.Balance.Sub(derived),
		BlockedStored: acc.BlockedAmount,
		BlockedSum:    decimal.Zero,
	}
	d.Drifted = d.Drift.Sign() != 0

	if acc.EntityType == EntityFinancier {
		blocks, err := r.reader.UnresolvedBlocks(ctx, acc.EntityID)
		if err != nil {
			return AccountDrift{}, err
		}
		for _, b := range blocks {
			d.BlockedSum = d.BlockedSum.Add(b.Amount)
		}
		d.BlockMismatch = d.BlockedStored.Cmp(d.BlockedSum) != 0
	}
	return d, nil
}

// SweepOnce runs the global check plus a per-account pass, throttled by
// the limiter so a large book does not saturate the store.
func (r *Reconciler) SweepOnce(ctx context.Context, lim *rate.Limiter) (SweepReport, error) {
	start := time.Now()
	system, err := r.VerifySystemBalance(ctx)
	if err != nil {
		return SweepReport{}, err
	}
	accounts, err := r.reader.Accounts(ctx)
	if err != nil {
		return SweepReport{}, err
	}
	report := SweepReport{System: system}
	for _, acc := range accounts {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return SweepReport{}, err
			}
		}
		d, err := r.ReconcileAccount(ctx, acc)
		if err != nil {
			return SweepReport{}, err
		}
		report.Checked++
		if d.Drifted || d.BlockMismatch {
			report.Drifted = append(report.Drifted, d)
		}
	}
	report.Duration = time.Since(start)
	return report, nil
}

// Sweeper runs periodic reconciliation sweeps and surfaces findings as
// metrics and audit events. It never mutates the ledger.
type Sweeper struct {
	rec      *Reconciler
	interval time.Duration
	lim      *rate.Limiter
}

// NewSweeper paces account checks at perSecond and sweeps every interval.
func NewSweeper(rec *Reconciler, interval time.Duration, perSecond float64) *Sweeper {
	return &Sweeper{
		rec:      rec,
		interval: interval,
		lim:      rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

// Run blocks until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	report, err := s.rec.SweepOnce(ctx, s.lim)
	if err != nil {
		obs.LogEvent("reconciliation.sweep_failed", map[string]any{"error": err.Error()})
		return
	}
	obs.ObserveSweep(report.Duration)
	obs.SetSystemImbalanced(!report.System.Balanced)
	obs.SetDriftedAccounts(len(report.Drifted))
	if !report.System.Balanced {
		audit.Best(ctx, "reconciliation.system_imbalance", map[string]any{
			"total_debit":  report.System.TotalDebit.String(),
			"total_credit": report.System.TotalCredit.String(),
		})
	}
	for _, d := range report.Drifted {
		audit.Best(ctx, "reconciliation.account_drift", map[string]any{
			"account_id": d.AccountID,
			"entity":     string(d.EntityType) + "/" + d.EntityID,
			"stored":     d.Stored.String(),
			"derived":    d.Derived.String(),
			"block_mismatch": d.BlockMismatch,
		})
	}
}
