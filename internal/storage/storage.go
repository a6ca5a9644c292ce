// Package storage defines the persistence boundary of the settlement
// engine. One Store implementation backs the whole engine; its Atomically
// scope is the unit-of-work every multi-record mutation runs in.
package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"moneygate.org/internal/commission"
	"moneygate.org/internal/ledger"
)

// Reader is the read-only surface, usable outside an atomic scope.
type Reader interface {
	Account(ctx context.Context, ref ledger.AccountRef) (ledger.Account, error)
	AccountByID(ctx context.Context, id string) (ledger.Account, error)
	Accounts(ctx context.Context) ([]ledger.Account, error)

	Transaction(ctx context.Context, id string) (ledger.Transaction, error)
	EntriesByTransaction(ctx context.Context, txID string) ([]ledger.Entry, error)
	EntriesByAccount(ctx context.Context, accountID string) ([]ledger.Entry, error)
	// EntryTotals sums all debit and credit amounts across the entire trail.
	EntryTotals(ctx context.Context) (debit, credit decimal.Decimal, err error)

	Snapshot(ctx context.Context, txID string) (commission.Snapshot, error)
	RateAt(ctx context.Context, key commission.RateKey, at time.Time) (commission.Rate, error)
	RateHistory(ctx context.Context, key commission.RateKey) ([]commission.Rate, error)
	PartnersForSite(ctx context.Context, siteID string) ([]string, error)

	UnresolvedBlocks(ctx context.Context, financierID string) ([]ledger.FinancierBlock, error)
}

// Tx is the mutation surface inside one atomic scope. It embeds
// ledger.Books so the posting engine can run against it directly.
type Tx interface {
	ledger.Books

	InsertAccount(ctx context.Context, acc ledger.Account) error
	UpdateAccountBlocked(ctx context.Context, accountID string, blocked decimal.Decimal, at time.Time) error

	TransactionForUpdate(ctx context.Context, id string) (*ledger.Transaction, error)
	InsertTransaction(ctx context.Context, tx ledger.Transaction) error
	UpdateTransaction(ctx context.Context, tx ledger.Transaction) error

	InsertSnapshot(ctx context.Context, snap commission.Snapshot) error

	RateAt(ctx context.Context, key commission.RateKey, at time.Time) (commission.Rate, error)
	// CloseRate ends a rate row's effective window and deactivates it.
	// History is append-only: closed rows are never deleted or rewritten.
	CloseRate(ctx context.Context, rateID string, at time.Time) error
	InsertRate(ctx context.Context, rate commission.Rate) error
	LinkPartner(ctx context.Context, siteID, partnerID string) error

	InsertBlock(ctx context.Context, blk ledger.FinancierBlock) error
	BlockForUpdate(ctx context.Context, blockID string) (*ledger.FinancierBlock, error)
	ResolveBlock(ctx context.Context, blockID string, at time.Time) error
}

// Store is the full persistence contract.
type Store interface {
	Reader
	// Atomically runs fn inside one atomic scope: every mutation made
	// through the Tx commits as a unit or not at all. Implementations
	// provide serializable-or-stronger semantics.
	Atomically(ctx context.Context, fn func(tx Tx) error) error
}
