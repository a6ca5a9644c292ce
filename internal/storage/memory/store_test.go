package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"moneygate.org/internal/commission"
	"moneygate.org/internal/ledger"
	"moneygate.org/internal/storage"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAtomicallyRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	acc := ledger.Account{ID: "a1", EntityType: ledger.EntitySite, EntityID: "s1", Balance: dec("10")}
	if err := s.Atomically(ctx, func(tx storage.Tx) error {
		return tx.InsertAccount(ctx, acc)
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	boom := errors.New("boom")
	err := s.Atomically(ctx, func(tx storage.Tx) error {
		if err := tx.UpdateAccountBalance(ctx, "a1", dec("999"), time.Now()); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, ledger.Entry{ID: "e1", TransactionID: "tx1", AccountID: "a1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	got, err := s.Account(ctx, acc.Ref())
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if !got.Balance.Equal(dec("10")) {
		t.Fatalf("balance mutated by failed scope: %s", got.Balance)
	}
	entries, err := s.EntriesByTransaction(ctx, "tx1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries survive failed scope: %d", len(entries))
	}
}

func TestAtomicallyCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := New()
	acc := ledger.Account{ID: "a1", EntityType: ledger.EntitySite, EntityID: "s1"}
	err := s.Atomically(ctx, func(tx storage.Tx) error {
		if err := tx.InsertAccount(ctx, acc); err != nil {
			return err
		}
		return tx.UpdateAccountBalance(ctx, "a1", dec("42"), time.Now())
	})
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	got, err := s.AccountByID(ctx, "a1")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if !got.Balance.Equal(dec("42")) {
		t.Fatalf("balance %s, want 42", got.Balance)
	}
}

func TestInsertAccountRejectsDuplicateRef(t *testing.T) {
	ctx := context.Background()
	s := New()
	first := ledger.Account{ID: "a1", EntityType: ledger.EntitySite, EntityID: "s1"}
	second := ledger.Account{ID: "a2", EntityType: ledger.EntitySite, EntityID: "s1"}
	if err := s.Atomically(ctx, func(tx storage.Tx) error {
		return tx.InsertAccount(ctx, first)
	}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := s.Atomically(ctx, func(tx storage.Tx) error {
		return tx.InsertAccount(ctx, second)
	})
	if !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestRateWindowLookup(t *testing.T) {
	ctx := context.Background()
	s := New()
	key := commission.RateKey{EntityType: ledger.EntitySite, EntityID: "s1", TxType: ledger.TxDeposit}
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.AddDate(0, 1, 0)

	mk := func(id string, rate string, from time.Time) commission.Rate {
		return commission.Rate{
			ID: id, EntityType: key.EntityType, EntityID: key.EntityID,
			TxType: key.TxType, Rate: dec(rate), EffectiveFrom: from, Active: true,
		}
	}
	err := s.Atomically(ctx, func(tx storage.Tx) error {
		if err := tx.InsertRate(ctx, mk("r1", "0.06", t0)); err != nil {
			return err
		}
		if err := tx.CloseRate(ctx, "r1", t1); err != nil {
			return err
		}
		return tx.InsertRate(ctx, mk("r2", "0.08", t1))
	})
	if err != nil {
		t.Fatalf("seed rates: %v", err)
	}

	cases := []struct {
		at   time.Time
		want string
	}{
		{t0, "0.06"},
		{t1.Add(-time.Second), "0.06"},
		{t1, "0.08"},
		{t1.AddDate(1, 0, 0), "0.08"},
	}
	for _, c := range cases {
		r, err := s.RateAt(ctx, key, c.at)
		if err != nil {
			t.Fatalf("RateAt(%s): %v", c.at, err)
		}
		if !r.Rate.Equal(dec(c.want)) {
			t.Errorf("RateAt(%s) = %s, want %s", c.at, r.Rate, c.want)
		}
	}

	if _, err := s.RateAt(ctx, key, t0.Add(-time.Second)); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("pre-history lookup err = %v, want ErrNotFound", err)
	}

	hist, err := s.RateHistory(ctx, key)
	if err != nil {
		t.Fatalf("RateHistory: %v", err)
	}
	if len(hist) != 2 || hist[0].ID != "r1" || hist[1].ID != "r2" {
		t.Fatalf("history order: %+v", hist)
	}
}

func TestEntryTotalsAndFilters(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.Atomically(ctx, func(tx storage.Tx) error {
		for _, e := range []ledger.Entry{
			{ID: "e1", TransactionID: "tx1", AccountID: "a1", Type: ledger.Debit, Amount: dec("5")},
			{ID: "e2", TransactionID: "tx1", AccountID: "a2", Type: ledger.Credit, Amount: dec("5")},
			{ID: "e3", TransactionID: "tx2", AccountID: "a1", Type: ledger.Debit, Amount: dec("3")},
			{ID: "e4", TransactionID: "tx2", AccountID: "a3", Type: ledger.Credit, Amount: dec("3")},
		} {
			if err := tx.AppendEntry(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed entries: %v", err)
	}

	debit, credit, err := s.EntryTotals(ctx)
	if err != nil {
		t.Fatalf("EntryTotals: %v", err)
	}
	if !debit.Equal(dec("8")) || !credit.Equal(dec("8")) {
		t.Fatalf("totals %s/%s, want 8/8", debit, credit)
	}

	byAcc, err := s.EntriesByAccount(ctx, "a1")
	if err != nil {
		t.Fatalf("EntriesByAccount: %v", err)
	}
	if len(byAcc) != 2 {
		t.Fatalf("a1 entries %d, want 2", len(byAcc))
	}

	err = s.Atomically(ctx, func(tx storage.Tx) error {
		return tx.DeleteEntriesByTransaction(ctx, "tx1")
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	byTx, err := s.EntriesByTransaction(ctx, "tx1")
	if err != nil {
		t.Fatalf("EntriesByTransaction: %v", err)
	}
	if len(byTx) != 0 {
		t.Fatalf("tx1 entries survive delete: %d", len(byTx))
	}
}

func TestBlocksLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now().UTC()
	err := s.Atomically(ctx, func(tx storage.Tx) error {
		if err := tx.InsertBlock(ctx, ledger.FinancierBlock{ID: "b1", FinancierID: "f1", Amount: dec("50"), StartedAt: now}); err != nil {
			return err
		}
		return tx.InsertBlock(ctx, ledger.FinancierBlock{ID: "b2", FinancierID: "f1", Amount: dec("20"), StartedAt: now})
	})
	if err != nil {
		t.Fatalf("seed blocks: %v", err)
	}

	blocks, err := s.UnresolvedBlocks(ctx, "f1")
	if err != nil {
		t.Fatalf("UnresolvedBlocks: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("unresolved %d, want 2", len(blocks))
	}

	err = s.Atomically(ctx, func(tx storage.Tx) error {
		return tx.ResolveBlock(ctx, "b1", now)
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	blocks, err = s.UnresolvedBlocks(ctx, "f1")
	if err != nil {
		t.Fatalf("UnresolvedBlocks: %v", err)
	}
	if len(blocks) != 1 || blocks[0].ID != "b2" {
		t.Fatalf("unresolved after resolve: %+v", blocks)
	}

	err = s.Atomically(ctx, func(tx storage.Tx) error {
		return tx.ResolveBlock(ctx, "b1", now)
	})
	if !errors.Is(err, ledger.ErrInvalidState) {
		t.Fatalf("double resolve err = %v, want ErrInvalidState", err)
	}
}

func TestPartnerLinksDeduplicate(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.Atomically(ctx, func(tx storage.Tx) error {
		for i := 0; i < 3; i++ {
			if err := tx.LinkPartner(ctx, "s1", "p1"); err != nil {
				return err
			}
		}
		return tx.LinkPartner(ctx, "s1", "p2")
	})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	partners, err := s.PartnersForSite(ctx, "s1")
	if err != nil {
		t.Fatalf("PartnersForSite: %v", err)
	}
	if len(partners) != 2 {
		t.Fatalf("partners %v, want [p1 p2]", partners)
	}
}
