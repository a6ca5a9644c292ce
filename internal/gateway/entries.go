package gateway

import (
	"fmt"

	"moneygate.org/internal/commission"
	"moneygate.org/internal/ledger"
)

func siteRef(id string) ledger.AccountRef {
	return ledger.AccountRef{EntityType: ledger.EntitySite, EntityID: id}
}

func partnerRef(id string) ledger.AccountRef {
	return ledger.AccountRef{EntityType: ledger.EntityPartner, EntityID: id}
}

func financierRef(id string) ledger.AccountRef {
	return ledger.AccountRef{EntityType: ledger.EntityFinancier, EntityID: id}
}

func externalRef(id string) ledger.AccountRef {
	return ledger.AccountRef{EntityType: ledger.EntityExternalParty, EntityID: id}
}

// buildEntries produces the balanced entry set a transaction settles with.
// Commission-bearing types get the principal legs plus the pool
// distribution; every other type is a plain two-leg movement.
func buildEntries(t *ledger.Transaction, split commission.Split) ([]ledger.EntryInput, error) {
	p := t.Participants
	switch t.Type {
	case ledger.TxDeposit:
		return depositEntries(t, split), nil
	case ledger.TxWithdrawal:
		return withdrawalEntries(t, split), nil
	case ledger.TxSiteDelivery, ledger.TxDelivery:
		return twoLeg(t, siteRef(p.SiteID), financierRef(p.FinancierID)), nil
	case ledger.TxPayment:
		return twoLeg(t, siteRef(p.SiteID), financierRef(p.FinancierID)), nil
	case ledger.TxTopUp:
		return twoLeg(t, financierRef(p.FinancierID), siteRef(p.SiteID)), nil
	case ledger.TxPartnerPayment:
		return twoLeg(t, partnerRef(p.PartnerID), financierRef(p.FinancierID)), nil
	case ledger.TxFinancierTransfer:
		return twoLeg(t, financierRef(p.ToFinancierID), financierRef(p.FinancierID)), nil
	case ledger.TxExternalDebtIn:
		return twoLeg(t, financierRef(p.FinancierID), externalRef(p.ExternalPartyID)), nil
	case ledger.TxExternalDebtOut, ledger.TxExternalPayment:
		return twoLeg(t, externalRef(p.ExternalPartyID), financierRef(p.FinancierID)), nil
	case ledger.TxOrgIncome:
		return twoLeg(t, financierRef(p.FinancierID), ledger.OrganizationRef()), nil
	case ledger.TxOrgExpense, ledger.TxOrgWithdraw:
		return twoLeg(t, ledger.OrganizationRef(), financierRef(p.FinancierID)), nil
	}
	return nil, fmt.Errorf("%w: no entry set for transaction type %s", ledger.ErrValidation, t.Type)
}

// twoLeg debits one account and credits another for the gross amount.
func twoLeg(t *ledger.Transaction, debit, credit ledger.AccountRef) []ledger.EntryInput {
	desc := t.Description
	if desc == "" {
		desc = string(t.Type)
	}
	return []ledger.EntryInput{
		{Account: debit, Type: ledger.Debit, Amount: t.GrossAmount, Description: desc},
		{Account: credit, Type: ledger.Credit, Amount: t.GrossAmount, Description: desc},
	}
}

// depositEntries: the site is credited the gross, the financier is debited
// the cash, then the commission pool is debited back from the site and
// credited out to partners, the financier and the organization.
func depositEntries(t *ledger.Transaction, split commission.Split) []ledger.EntryInput {
	p := t.Participants
	out := []ledger.EntryInput{
		{Account: siteRef(p.SiteID), Type: ledger.Credit, Amount: t.GrossAmount, Description: "deposit gross"},
		{Account: financierRef(p.FinancierID), Type: ledger.Debit, Amount: t.GrossAmount, Description: "deposit cash in"},
	}
	if split.SiteCommission.Sign() > 0 {
		out = append(out, ledger.EntryInput{
			Account: siteRef(p.SiteID), Type: ledger.Debit,
			Amount: split.SiteCommission, Description: "deposit commission pool",
		})
	}
	for _, share := range split.Partners {
		if share.Amount.Sign() > 0 {
			out = append(out, ledger.EntryInput{
				Account: partnerRef(share.PartnerID), Type: ledger.Credit,
				Amount: share.Amount, Description: "partner commission",
			})
		}
	}
	if split.FinancierCommission.Sign() > 0 {
		out = append(out, ledger.EntryInput{
			Account: financierRef(p.FinancierID), Type: ledger.Credit,
			Amount: split.FinancierCommission, Description: "financier commission",
		})
	}
	if split.OrganizationAmount.Sign() > 0 {
		out = append(out, ledger.EntryInput{
			Account: ledger.OrganizationRef(), Type: ledger.Credit,
			Amount: split.OrganizationAmount, Description: "organization commission",
		})
	}
	return out
}

// withdrawalEntries mirror the deposit: cash leaves the financier, the
// site is debited the gross plus what the movement costs it, and the pool
// goes to the organization while the financier keeps its own cut.
func withdrawalEntries(t *ledger.Transaction, split commission.Split) []ledger.EntryInput {
	p := t.Participants
	out := []ledger.EntryInput{
		{Account: siteRef(p.SiteID), Type: ledger.Debit, Amount: t.GrossAmount, Description: "withdrawal gross"},
		{Account: financierRef(p.FinancierID), Type: ledger.Credit, Amount: t.GrossAmount, Description: "withdrawal cash out"},
	}
	charged := split.SiteCommission.Add(split.FinancierCommission)
	if charged.Sign() > 0 {
		out = append(out, ledger.EntryInput{
			Account: siteRef(p.SiteID), Type: ledger.Debit,
			Amount: charged, Description: "withdrawal commission",
		})
	}
	if split.OrganizationAmount.Sign() > 0 {
		out = append(out, ledger.EntryInput{
			Account: ledger.OrganizationRef(), Type: ledger.Credit,
			Amount: split.OrganizationAmount, Description: "organization commission",
		})
	}
	if split.FinancierCommission.Sign() > 0 {
		out = append(out, ledger.EntryInput{
			Account: financierRef(p.FinancierID), Type: ledger.Credit,
			Amount: split.FinancierCommission, Description: "financier commission",
		})
	}
	return out
}
