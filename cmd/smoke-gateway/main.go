// smoke-gateway runs the settlement engine end to end against the
// in-memory store: rate setup, a commissioned deposit, reconciliation and
// a reversal. It exits non-zero on the first broken invariant.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"moneygate.org/internal/commission"
	"moneygate.org/internal/events"
	kafkapub "moneygate.org/internal/events/kafka"
	"moneygate.org/internal/gateway"
	"moneygate.org/internal/ledger"
	"moneygate.org/internal/money"
	"moneygate.org/internal/storage/memory"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store := memory.New()
	mctx := money.DefaultContext()
	engine := ledger.NewEngine(mctx)
	calc := commission.NewCalculator(commission.NewResolver(store), store, mctx)

	var pub events.Publisher = events.Nop{}
	if brokers := os.Getenv("MONEYGATE_KAFKA_BROKERS"); brokers != "" {
		kp := kafkapub.NewPublisher(strings.Split(brokers, ","))
		defer kp.Close()
		pub = kp
	}
	svc := gateway.New(store, engine, calc, pub, mctx)

	admin := gateway.Actor{ID: "smoke-admin", Role: gateway.RoleAdmin}

	for _, ref := range []ledger.AccountRef{
		{EntityType: ledger.EntitySite, EntityID: "site-1"},
		{EntityType: ledger.EntityPartner, EntityID: "partner-1"},
		{EntityType: ledger.EntityFinancier, EntityID: "fin-1"},
		ledger.OrganizationRef(),
	} {
		if _, err := svc.CreateAccount(ctx, ref, decimal.Zero); err != nil {
			log.Fatalf("create account %s/%s: %v", ref.EntityType, ref.EntityID, err)
		}
	}
	if err := svc.LinkPartner(ctx, "site-1", "partner-1"); err != nil {
		log.Fatalf("link partner: %v", err)
	}

	setRate := func(et ledger.EntityType, id, rate string, related string) {
		key := commission.RateKey{EntityType: et, EntityID: id, TxType: ledger.TxDeposit, RelatedSiteID: related}
		if _, err := svc.SetCommissionRate(ctx, admin, key, decimal.RequireFromString(rate)); err != nil {
			log.Fatalf("set %s rate for %s: %v", et, id, err)
		}
	}
	setRate(ledger.EntitySite, "site-1", "0.06", "")
	setRate(ledger.EntityPartner, "partner-1", "0.015", "site-1")
	setRate(ledger.EntityFinancier, "fin-1", "0.025", "")

	dep, err := svc.CreateDeposit(ctx, admin, "site-1", "fin-1", decimal.NewFromInt(100), "smoke deposit")
	if err != nil {
		log.Fatalf("deposit: %v", err)
	}

	snap, err := svc.Snapshot(ctx, dep.ID)
	if err != nil {
		log.Fatalf("snapshot: %v", err)
	}
	expect := func(name string, got decimal.Decimal, want string) {
		if !got.Equal(decimal.RequireFromString(want)) {
			log.Fatalf("%s = %s, want %s", name, got, want)
		}
	}
	expect("site commission", snap.SiteCommission, "6")
	expect("partner commission", snap.PartnerCommission, "1.5")
	expect("financier commission", snap.FinancierCommission, "2.5")
	expect("organization amount", snap.OrganizationAmount, "2")

	rec := ledger.NewReconciler(store)
	system, err := rec.VerifySystemBalance(ctx)
	if err != nil {
		log.Fatalf("verify system balance: %v", err)
	}
	if !system.Balanced {
		log.Fatalf("system imbalanced: debit %s credit %s", system.TotalDebit, system.TotalCredit)
	}
	expect("total debit", system.TotalDebit, "106")

	rev, err := svc.Reverse(ctx, admin, dep.ID, "smoke reversal")
	if err != nil {
		log.Fatalf("reverse: %v", err)
	}
	for _, ref := range []ledger.AccountRef{
		{EntityType: ledger.EntitySite, EntityID: "site-1"},
		{EntityType: ledger.EntityFinancier, EntityID: "fin-1"},
	} {
		acc, err := svc.Account(ctx, ref)
		if err != nil {
			log.Fatalf("account %s: %v", ref.EntityID, err)
		}
		if !acc.Balance.IsZero() {
			log.Fatalf("account %s not restored: %s", ref.EntityID, acc.Balance)
		}
	}

	fmt.Printf("✅ gateway smoke test passed: deposit=%s reversal=%s\n", dep.ID, rev.ID)
}
