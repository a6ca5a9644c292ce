package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"moneygate.org/internal/money"
)

// fakeBooks is an in-memory Books implementation for engine tests. It has no
// locking semantics; engine tests are single-goroutine.
type fakeBooks struct {
	accounts map[AccountRef]*Account
	entries  []Entry
}

func newFakeBooks() *fakeBooks {
	return &fakeBooks{accounts: map[AccountRef]*Account{}}
}

func (f *fakeBooks) add(id string, et EntityType, entityID, balance string) *Account {
	acc := &Account{
		ID:         id,
		EntityType: et,
		EntityID:   entityID,
		Balance:    dec(balance),
	}
	f.accounts[acc.Ref()] = acc
	return acc
}

func (f *fakeBooks) AccountForUpdate(_ context.Context, ref AccountRef) (*Account, error) {
	acc, ok := f.accounts[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return acc, nil
}

func (f *fakeBooks) AccountByIDForUpdate(_ context.Context, id string) (*Account, error) {
	for _, acc := range f.accounts {
		if acc.ID == id {
			return acc, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeBooks) UpdateAccountBalance(_ context.Context, accountID string, balance decimal.Decimal, at time.Time) error {
	for _, acc := range f.accounts {
		if acc.ID == accountID {
			acc.Balance = balance
			acc.UpdatedAt = at
			return nil
		}
	}
	return ErrNotFound
}

func (f *fakeBooks) AppendEntry(_ context.Context, e Entry) error {
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeBooks) EntriesByTransaction(_ context.Context, txID string) ([]Entry, error) {
	var out []Entry
	for _, e := range f.entries {
		if e.TransactionID == txID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeBooks) DeleteEntriesByTransaction(_ context.Context, txID string) error {
	kept := f.entries[:0]
	for _, e := range f.entries {
		if e.TransactionID != txID {
			kept = append(kept, e)
		}
	}
	f.entries = kept
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPostDepositExample(t *testing.T) {
	// Deposit 100 with a 6% site pool split 1.5/2.5 to partner/financier;
	// the residual 2 goes to the organization. Both sides must total 106.
	b := newFakeBooks()
	site := b.add("a-site", EntitySite, "s1", "0")
	fin := b.add("a-fin", EntityFinancier, "f1", "500")
	partner := b.add("a-par", EntityPartner, "p1", "0")
	org := b.add("a-org", EntityOrganization, "main", "0")

	eng := NewEngine(money.DefaultContext())
	inputs := []EntryInput{
		{Account: site.Ref(), Type: Credit, Amount: dec("100")},
		{Account: fin.Ref(), Type: Debit, Amount: dec("100")},
		{Account: site.Ref(), Type: Debit, Amount: dec("6.00")},
		{Account: partner.Ref(), Type: Credit, Amount: dec("1.50")},
		{Account: fin.Ref(), Type: Credit, Amount: dec("2.50")},
		{Account: org.Ref(), Type: Credit, Amount: dec("2.00")},
	}
	res, err := eng.Post(context.Background(), b, "tx1", inputs, PostOptions{})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if !res.TotalDebit.Equal(dec("106")) || !res.TotalCredit.Equal(dec("106")) {
		t.Fatalf("totals debit=%s credit=%s, want 106/106", res.TotalDebit, res.TotalCredit)
	}
	if !site.Balance.Equal(dec("94")) {
		t.Errorf("site balance %s, want 94", site.Balance)
	}
	if !fin.Balance.Equal(dec("597.5")) {
		t.Errorf("financier balance %s, want 597.5", fin.Balance)
	}
	if !partner.Balance.Equal(dec("1.5")) {
		t.Errorf("partner balance %s, want 1.5", partner.Balance)
	}
	// The organization is asset-polarity: its commission income arrives as
	// credits and accrues negative until collected.
	if !org.Balance.Equal(dec("-2")) {
		t.Errorf("organization balance %s, want -2", org.Balance)
	}
	if len(res.Entries) != 6 {
		t.Fatalf("got %d entries, want 6", len(res.Entries))
	}
	for i, e := range res.Entries {
		if e.TransactionID != "tx1" || e.ID == "" {
			t.Errorf("entry %d malformed: %+v", i, e)
		}
	}
}

func TestPostRejectsImbalance(t *testing.T) {
	b := newFakeBooks()
	site := b.add("a-site", EntitySite, "s1", "10")
	fin := b.add("a-fin", EntityFinancier, "f1", "10")

	eng := NewEngine(money.DefaultContext())
	_, err := eng.Post(context.Background(), b, "tx1", []EntryInput{
		{Account: site.Ref(), Type: Credit, Amount: dec("5")},
		{Account: fin.Ref(), Type: Debit, Amount: dec("4")},
	}, PostOptions{})
	if !errors.Is(err, ErrImbalance) {
		t.Fatalf("err = %v, want ErrImbalance", err)
	}
	// Nothing moved, nothing appended.
	if !site.Balance.Equal(dec("10")) || !fin.Balance.Equal(dec("10")) {
		t.Fatalf("balances mutated on imbalance: site=%s fin=%s", site.Balance, fin.Balance)
	}
	if len(b.entries) != 0 {
		t.Fatalf("entries appended on imbalance: %d", len(b.entries))
	}
}

func TestPostValidation(t *testing.T) {
	b := newFakeBooks()
	site := b.add("a-site", EntitySite, "s1", "0")
	eng := NewEngine(money.DefaultContext())

	cases := []struct {
		name   string
		txID   string
		inputs []EntryInput
	}{
		{"empty tx id", "", []EntryInput{{Account: site.Ref(), Type: Debit, Amount: dec("1")}}},
		{"empty set", "tx1", nil},
		{"zero amount", "tx1", []EntryInput{{Account: site.Ref(), Type: Debit, Amount: dec("0")}}},
		{"negative amount", "tx1", []EntryInput{{Account: site.Ref(), Type: Debit, Amount: dec("-1")}}},
		{"bad entry type", "tx1", []EntryInput{{Account: site.Ref(), Type: "BOTH", Amount: dec("1")}}},
		{"no account", "tx1", []EntryInput{{Type: Debit, Amount: dec("1")}}},
	}
	for _, c := range cases {
		if _, err := eng.Post(context.Background(), b, c.txID, c.inputs, PostOptions{}); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", c.name, err)
		}
	}
}

func TestPostInsufficientFinancierBalance(t *testing.T) {
	b := newFakeBooks()
	site := b.add("a-site", EntitySite, "s1", "0")
	fin := b.add("a-fin", EntityFinancier, "f1", "50")

	eng := NewEngine(money.DefaultContext())
	_, err := eng.Post(context.Background(), b, "tx1", []EntryInput{
		{Account: site.Ref(), Type: Debit, Amount: dec("80")},
		{Account: fin.Ref(), Type: Credit, Amount: dec("80")},
	}, PostOptions{})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestPostCreditLimitExtendsAvailable(t *testing.T) {
	b := newFakeBooks()
	site := b.add("a-site", EntitySite, "s1", "0")
	fin := b.add("a-fin", EntityFinancier, "f1", "50")
	fin.CreditLimit = dec("40")

	eng := NewEngine(money.DefaultContext())
	if _, err := eng.Post(context.Background(), b, "tx1", []EntryInput{
		{Account: site.Ref(), Type: Debit, Amount: dec("80")},
		{Account: fin.Ref(), Type: Credit, Amount: dec("80")},
	}, PostOptions{}); err != nil {
		t.Fatalf("Post within credit limit: %v", err)
	}
	if !fin.Balance.Equal(dec("-30")) {
		t.Fatalf("financier balance %s, want -30", fin.Balance)
	}
}

func TestPostBlockedFundsReduceAvailable(t *testing.T) {
	b := newFakeBooks()
	site := b.add("a-site", EntitySite, "s1", "0")
	fin := b.add("a-fin", EntityFinancier, "f1", "100")
	fin.BlockedAmount = dec("60")

	eng := NewEngine(money.DefaultContext())
	_, err := eng.Post(context.Background(), b, "tx1", []EntryInput{
		{Account: site.Ref(), Type: Debit, Amount: dec("50")},
		{Account: fin.Ref(), Type: Credit, Amount: dec("50")},
	}, PostOptions{})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestReverseRestoresBalances(t *testing.T) {
	b := newFakeBooks()
	site := b.add("a-site", EntitySite, "s1", "0")
	fin := b.add("a-fin", EntityFinancier, "f1", "500")

	eng := NewEngine(money.DefaultContext())
	if _, err := eng.Post(context.Background(), b, "tx1", []EntryInput{
		{Account: site.Ref(), Type: Credit, Amount: dec("100")},
		{Account: fin.Ref(), Type: Debit, Amount: dec("100")},
	}, PostOptions{}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	res, err := eng.Reverse(context.Background(), b, "tx1", "tx2")
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	if !site.Balance.Equal(dec("0")) || !fin.Balance.Equal(dec("500")) {
		t.Fatalf("balances after reverse: site=%s fin=%s", site.Balance, fin.Balance)
	}
	// Original entries stay; the reversal adds the flipped set.
	if len(b.entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(b.entries))
	}
	for _, e := range res.Entries {
		if e.TransactionID != "tx2" {
			t.Errorf("reversal entry under tx %s", e.TransactionID)
		}
	}
	orig, _ := b.EntriesByTransaction(context.Background(), "tx1")
	rev, _ := b.EntriesByTransaction(context.Background(), "tx2")
	for i := range orig {
		if rev[i].Type != orig[i].Type.Flip() {
			t.Errorf("entry %d not flipped: orig %s rev %s", i, orig[i].Type, rev[i].Type)
		}
		if !rev[i].Amount.Equal(orig[i].Amount) {
			t.Errorf("entry %d amount changed: %s vs %s", i, orig[i].Amount, rev[i].Amount)
		}
	}
}

func TestReverseSkipsAvailableCheck(t *testing.T) {
	// A financier drained after the original posting must not block the
	// reversal that restores its balance state.
	b := newFakeBooks()
	site := b.add("a-site", EntitySite, "s1", "0")
	fin := b.add("a-fin", EntityFinancier, "f1", "100")

	eng := NewEngine(money.DefaultContext())
	if _, err := eng.Post(context.Background(), b, "tx1", []EntryInput{
		{Account: fin.Ref(), Type: Debit, Amount: dec("100")},
		{Account: site.Ref(), Type: Credit, Amount: dec("100")},
	}, PostOptions{}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	fin.Balance = dec("0") // drained out of band

	if _, err := eng.Reverse(context.Background(), b, "tx1", "tx2"); err != nil {
		t.Fatalf("Reverse on drained account: %v", err)
	}
	if !fin.Balance.Equal(dec("-100")) {
		t.Fatalf("financier balance %s, want -100", fin.Balance)
	}
}

func TestReverseUnknownTransaction(t *testing.T) {
	b := newFakeBooks()
	eng := NewEngine(money.DefaultContext())
	if _, err := eng.Reverse(context.Background(), b, "missing", "tx2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := eng.Reverse(context.Background(), b, "tx1", "tx1"); !errors.Is(err, ErrValidation) {
		t.Fatalf("same-id reversal err = %v, want ErrValidation", err)
	}
}

func TestUndoRemovesTrailAndEffect(t *testing.T) {
	b := newFakeBooks()
	site := b.add("a-site", EntitySite, "s1", "0")
	fin := b.add("a-fin", EntityFinancier, "f1", "500")

	eng := NewEngine(money.DefaultContext())
	if _, err := eng.Post(context.Background(), b, "tx1", []EntryInput{
		{Account: site.Ref(), Type: Credit, Amount: dec("100")},
		{Account: fin.Ref(), Type: Debit, Amount: dec("100")},
	}, PostOptions{}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	if err := eng.Undo(context.Background(), b, "tx1"); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if !site.Balance.Equal(dec("0")) || !fin.Balance.Equal(dec("500")) {
		t.Fatalf("balances after undo: site=%s fin=%s", site.Balance, fin.Balance)
	}
	if len(b.entries) != 0 {
		t.Fatalf("entries survive undo: %d", len(b.entries))
	}
}

func TestSignedDelta(t *testing.T) {
	amt := dec("10")
	cases := []struct {
		p    Polarity
		t    EntryType
		want string
	}{
		{Asset, Debit, "10"},
		{Asset, Credit, "-10"},
		{Liability, Credit, "10"},
		{Liability, Debit, "-10"},
	}
	for _, c := range cases {
		if got := signedDelta(c.p, c.t, amt); !got.Equal(dec(c.want)) {
			t.Errorf("signedDelta(%v, %s) = %s, want %s", c.p, c.t, got, c.want)
		}
	}
}

func TestEngineClock(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b := newFakeBooks()
	site := b.add("a-site", EntitySite, "s1", "0")
	fin := b.add("a-fin", EntityFinancier, "f1", "100")

	eng := NewEngine(money.DefaultContext()).WithClock(func() time.Time { return fixed })
	res, err := eng.Post(context.Background(), b, "tx1", []EntryInput{
		{Account: site.Ref(), Type: Credit, Amount: dec("10")},
		{Account: fin.Ref(), Type: Debit, Amount: dec("10")},
	}, PostOptions{})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	for _, e := range res.Entries {
		if !e.CreatedAt.Equal(fixed) {
			t.Errorf("entry time %s, want %s", e.CreatedAt, fixed)
		}
	}
}
