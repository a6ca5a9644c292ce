package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

// fakeTrail is an in-memory TrailReader for reconciliation tests.
type fakeTrail struct {
	accounts []Account
	entries  map[string][]Entry
	blocks   map[string][]FinancierBlock
	totals   [2]decimal.Decimal
}

func (f *fakeTrail) Accounts(context.Context) ([]Account, error) { return f.accounts, nil }

func (f *fakeTrail) EntriesByAccount(_ context.Context, accountID string) ([]Entry, error) {
	return f.entries[accountID], nil
}

func (f *fakeTrail) EntryTotals(context.Context) (decimal.Decimal, decimal.Decimal, error) {
	return f.totals[0], f.totals[1], nil
}

func (f *fakeTrail) UnresolvedBlocks(_ context.Context, financierID string) ([]FinancierBlock, error) {
	return f.blocks[financierID], nil
}

func TestVerifySystemBalance(t *testing.T) {
	f := &fakeTrail{totals: [2]decimal.Decimal{dec("106"), dec("106")}}
	sb, err := NewReconciler(f).VerifySystemBalance(context.Background())
	if err != nil {
		t.Fatalf("VerifySystemBalance: %v", err)
	}
	if !sb.Balanced {
		t.Fatalf("balanced ledger reported imbalanced: %+v", sb)
	}

	f.totals[1] = dec("105.99")
	sb, err = NewReconciler(f).VerifySystemBalance(context.Background())
	if err != nil {
		t.Fatalf("VerifySystemBalance: %v", err)
	}
	if sb.Balanced {
		t.Fatalf("imbalanced ledger reported balanced: %+v", sb)
	}
}

func TestReconcileAccountDrift(t *testing.T) {
	// Liability trail: CREDIT 100, DEBIT 6 derives to 94.
	acc := Account{ID: "a1", EntityType: EntitySite, EntityID: "s1", Balance: dec("94")}
	f := &fakeTrail{entries: map[string][]Entry{
		"a1": {
			{AccountID: "a1", Type: Credit, Amount: dec("100")},
			{AccountID: "a1", Type: Debit, Amount: dec("6")},
		},
	}}
	d, err := NewReconciler(f).ReconcileAccount(context.Background(), acc)
	if err != nil {
		t.Fatalf("ReconcileAccount: %v", err)
	}
	if d.Drifted {
		t.Fatalf("clean account drifted: %+v", d)
	}

	acc.Balance = dec("95")
	d, err = NewReconciler(f).ReconcileAccount(context.Background(), acc)
	if err != nil {
		t.Fatalf("ReconcileAccount: %v", err)
	}
	if !d.Drifted || !d.Drift.Equal(dec("1")) {
		t.Fatalf("drift not detected: %+v", d)
	}
}

func TestReconcileFinancierBlocks(t *testing.T) {
	acc := Account{
		ID: "a1", EntityType: EntityFinancier, EntityID: "f1",
		Balance: dec("100"), BlockedAmount: dec("30"),
	}
	f := &fakeTrail{
		entries: map[string][]Entry{
			"a1": {{AccountID: "a1", Type: Debit, Amount: dec("100")}},
		},
		blocks: map[string][]FinancierBlock{
			"f1": {{Amount: dec("10")}, {Amount: dec("20")}},
		},
	}
	d, err := NewReconciler(f).ReconcileAccount(context.Background(), acc)
	if err != nil {
		t.Fatalf("ReconcileAccount: %v", err)
	}
	if d.Drifted || d.BlockMismatch {
		t.Fatalf("consistent financier flagged: %+v", d)
	}

	f.blocks["f1"] = f.blocks["f1"][:1]
	d, err = NewReconciler(f).ReconcileAccount(context.Background(), acc)
	if err != nil {
		t.Fatalf("ReconcileAccount: %v", err)
	}
	if !d.BlockMismatch {
		t.Fatalf("block mismatch not detected: %+v", d)
	}
}

func TestSweepOnce(t *testing.T) {
	f := &fakeTrail{
		totals: [2]decimal.Decimal{dec("100"), dec("100")},
		accounts: []Account{
			{ID: "a1", EntityType: EntitySite, EntityID: "s1", Balance: dec("100")},
			{ID: "a2", EntityType: EntityFinancier, EntityID: "f1", Balance: dec("99")},
		},
		entries: map[string][]Entry{
			"a1": {{AccountID: "a1", Type: Credit, Amount: dec("100")}},
			"a2": {{AccountID: "a2", Type: Debit, Amount: dec("100")}},
		},
	}
	report, err := NewReconciler(f).SweepOnce(context.Background(), nil)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if report.Checked != 2 {
		t.Fatalf("checked %d accounts, want 2", report.Checked)
	}
	if len(report.Drifted) != 1 || report.Drifted[0].AccountID != "a2" {
		t.Fatalf("drift report wrong: %+v", report.Drifted)
	}
}
