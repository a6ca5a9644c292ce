// Package gateway governs the lifecycle of requested money movements:
// creation, approval, rejection, settlement, reversal and editing. It is
// the single gate deciding whether ledger posting happens.
package gateway

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"moneygate.org/internal/ledger"
)

// Role is the pre-authenticated role of the acting user. Authentication
// itself happens upstream; the gateway only consumes the result.
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleManager  Role = "MANAGER"
	RoleOperator Role = "OPERATOR"
)

// Elevated roles bypass the approval queue entirely.
func (r Role) Elevated() bool { return r == RoleAdmin }

// Actor is the already-authenticated identity behind a command.
type Actor struct {
	ID   string
	Role Role
}

// RequiresApproval tells whether a transaction of the given type, created
// by the given role, must pass review before it may touch the ledger.
// Deposits and withdrawals never queue; they settle on creation.
func RequiresApproval(t ledger.TxType, role Role) bool {
	if role.Elevated() {
		return false
	}
	switch t {
	case ledger.TxDeposit, ledger.TxWithdrawal:
		return false
	}
	return true
}

// CreateInput describes a requested money movement.
type CreateInput struct {
	Type         ledger.TxType
	Amount       decimal.Decimal
	Participants ledger.Participants
	Description  string
	Date         time.Time // zero means now
}

// EditInput patches a transaction. Nil fields are left untouched.
type EditInput struct {
	Amount      *decimal.Decimal
	Description *string
	Date        *time.Time
	Reason      string
}

// BlockInput freezes part of a financier balance.
type BlockInput struct {
	FinancierID   string
	Amount        decimal.Decimal
	Reason        string
	EstimatedDays int
}

// validate checks the participant references a transaction type requires.
func (in CreateInput) validate() error {
	if !in.Type.Valid() {
		return fmt.Errorf("%w: transaction type %q", ledger.ErrValidation, in.Type)
	}
	if in.Type == ledger.TxReversal {
		return fmt.Errorf("%w: reversals are created through Reverse, not Create", ledger.ErrValidation)
	}
	if in.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: gross amount %s must be positive", ledger.ErrValidation, in.Amount)
	}
	p := in.Participants
	need := func(field, name string) error {
		if field == "" {
			return fmt.Errorf("%w: %s requires %s", ledger.ErrValidation, in.Type, name)
		}
		return nil
	}
	switch in.Type {
	case ledger.TxDeposit, ledger.TxWithdrawal, ledger.TxSiteDelivery,
		ledger.TxDelivery, ledger.TxPayment, ledger.TxTopUp:
		if err := need(p.SiteID, "a site"); err != nil {
			return err
		}
		return need(p.FinancierID, "a financier")
	case ledger.TxPartnerPayment:
		if err := need(p.PartnerID, "a partner"); err != nil {
			return err
		}
		return need(p.FinancierID, "a financier")
	case ledger.TxFinancierTransfer:
		if err := need(p.FinancierID, "a source financier"); err != nil {
			return err
		}
		if err := need(p.ToFinancierID, "a destination financier"); err != nil {
			return err
		}
		if p.FinancierID == p.ToFinancierID {
			return fmt.Errorf("%w: transfer to the same financier", ledger.ErrValidation)
		}
		return nil
	case ledger.TxExternalDebtIn, ledger.TxExternalDebtOut, ledger.TxExternalPayment:
		if err := need(p.ExternalPartyID, "an external party"); err != nil {
			return err
		}
		return need(p.FinancierID, "a financier")
	case ledger.TxOrgExpense, ledger.TxOrgIncome, ledger.TxOrgWithdraw:
		return need(p.FinancierID, "a financier")
	}
	return nil
}
