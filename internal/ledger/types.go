package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// EntityType is the category of counterparty owning an account.
type EntityType string

const (
	EntitySite          EntityType = "SITE"
	EntityPartner       EntityType = "PARTNER"
	EntityFinancier     EntityType = "FINANCIER"
	EntityExternalParty EntityType = "EXTERNAL_PARTY"
	EntityOrganization  EntityType = "ORGANIZATION"
)

// Polarity tells how an entry type moves an account balance.
type Polarity int

const (
	// Liability accounts grow on CREDIT (sites, partners, external parties).
	Liability Polarity = iota
	// Asset accounts grow on DEBIT (financiers, the organization).
	Asset
)

// Polarity is derived from the entity type, never stored.
func (t EntityType) Polarity() Polarity {
	switch t {
	case EntityFinancier, EntityOrganization:
		return Asset
	default:
		return Liability
	}
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntitySite, EntityPartner, EntityFinancier, EntityExternalParty, EntityOrganization:
		return true
	}
	return false
}

// EntryType is the side of a double-entry record.
type EntryType string

const (
	Debit  EntryType = "DEBIT"
	Credit EntryType = "CREDIT"
)

// Flip returns the opposite side.
func (e EntryType) Flip() EntryType {
	if e == Debit {
		return Credit
	}
	return Debit
}

// AccountRef identifies an account by its owning entity.
type AccountRef struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
}

// Account is the single balance record per entity. Balance is mutated only
// by the posting engine; BlockedAmount is derived from unresolved blocks.
type Account struct {
	ID            string          `json:"id"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Balance       decimal.Decimal `json:"balance"`
	BlockedAmount decimal.Decimal `json:"blocked_amount"`
	CreditLimit   decimal.Decimal `json:"credit_limit"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Ref returns the owning-entity reference of the account.
func (a *Account) Ref() AccountRef {
	return AccountRef{EntityType: a.EntityType, EntityID: a.EntityID}
}

// Available is the balance usable for outgoing movements: the stored
// balance minus blocked funds plus any configured credit line.
func (a *Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.BlockedAmount).Add(a.CreditLimit)
}

// OrganizationRef is the singleton account of the operating organization.
func OrganizationRef() AccountRef {
	return AccountRef{EntityType: EntityOrganization, EntityID: "main"}
}

// TxType enumerates the money-movement kinds the gateway settles.
type TxType string

const (
	TxDeposit           TxType = "DEPOSIT"
	TxWithdrawal        TxType = "WITHDRAWAL"
	TxSiteDelivery      TxType = "SITE_DELIVERY"
	TxPartnerPayment    TxType = "PARTNER_PAYMENT"
	TxFinancierTransfer TxType = "FINANCIER_TRANSFER"
	TxExternalDebtIn    TxType = "EXTERNAL_DEBT_IN"
	TxExternalDebtOut   TxType = "EXTERNAL_DEBT_OUT"
	TxExternalPayment   TxType = "EXTERNAL_PAYMENT"
	TxOrgExpense        TxType = "ORG_EXPENSE"
	TxOrgIncome         TxType = "ORG_INCOME"
	TxOrgWithdraw       TxType = "ORG_WITHDRAW"
	TxPayment           TxType = "PAYMENT"
	TxTopUp             TxType = "TOP_UP"
	TxDelivery          TxType = "DELIVERY"
	TxReversal          TxType = "REVERSAL"
)

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdrawal, TxSiteDelivery, TxPartnerPayment,
		TxFinancierTransfer, TxExternalDebtIn, TxExternalDebtOut,
		TxExternalPayment, TxOrgExpense, TxOrgIncome, TxOrgWithdraw,
		TxPayment, TxTopUp, TxDelivery, TxReversal:
		return true
	}
	return false
}

// Status is the lifecycle state of a transaction. Terminal states are final.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s != StatusPending }

// Participants holds the nullable counterparty references of a transaction.
type Participants struct {
	SiteID          string `json:"site_id,omitempty"`
	PartnerID       string `json:"partner_id,omitempty"`
	FinancierID     string `json:"financier_id,omitempty"`
	ToFinancierID   string `json:"to_financier_id,omitempty"`
	ExternalPartyID string `json:"external_party_id,omitempty"`
}

// Transaction is a requested money movement governed by the state machine.
// Once COMPLETED it is logically immutable except through reversal.
type Transaction struct {
	ID              string          `json:"id"`
	Type            TxType          `json:"type"`
	Status          Status          `json:"status"`
	GrossAmount     decimal.Decimal `json:"gross_amount"`
	NetAmount       decimal.Decimal `json:"net_amount"`
	Participants    Participants    `json:"participants"`
	Description     string          `json:"description,omitempty"`
	TransactionDate time.Time       `json:"transaction_date"`
	CreatedBy       string          `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
	ReviewedBy      string          `json:"reviewed_by,omitempty"`
	ReviewNote      string          `json:"review_note,omitempty"`
	ReversalReason  string          `json:"reversal_reason,omitempty"`
	ReversalOf      string          `json:"reversal_of,omitempty"`
	ReversedBy      string          `json:"reversed_by,omitempty"`
	EditedAt        *time.Time      `json:"edited_at,omitempty"`
	EditedBy        string          `json:"edited_by,omitempty"`
	EditCount       int             `json:"edit_count"`
	EditReason      string          `json:"edit_reason,omitempty"`
}

// Entry is one append-only double-entry record. The ordered entry trail of
// an account is the source of truth its balance can be recomputed from.
type Entry struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	AccountType   EntityType      `json:"account_type"`
	Type          EntryType       `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// EntryInput is the caller-supplied shape of an entry before posting.
type EntryInput struct {
	Account     AccountRef
	Type        EntryType
	Amount      decimal.Decimal
	Description string
}

// FinancierBlock marks funds in a financier balance that are temporarily
// unusable, e.g. under bank review.
type FinancierBlock struct {
	ID            string          `json:"id"`
	FinancierID   string          `json:"financier_id"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
	EstimatedDays int             `json:"estimated_days"`
	StartedAt     time.Time       `json:"started_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

var (
	// ErrImbalance means a posting's debit and credit sums differ. Always
	// fatal to the operation, never auto-corrected.
	ErrImbalance = errors.New("ledger imbalance: debits != credits")
	// ErrInsufficientBalance means a movement would breach the account's
	// available balance (credit limit and blocked funds included).
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrNotFound means a referenced account, transaction or rate is absent.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState means a lifecycle action hit a transaction outside
	// the state that admits it.
	ErrInvalidState = errors.New("invalid transaction state")
	// ErrValidation means malformed input amounts or identifiers.
	ErrValidation = errors.New("validation failed")
)
