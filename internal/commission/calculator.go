package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"moneygate.org/internal/ids"
	"moneygate.org/internal/ledger"
	"moneygate.org/internal/money"
)

// PartnerLinks exposes the active site-partner relationships.
type PartnerLinks interface {
	PartnersForSite(ctx context.Context, siteID string) ([]string, error)
}

// PartnerShare is one partner's cut of a split.
type PartnerShare struct {
	PartnerID string          `json:"partner_id"`
	Rate      decimal.Decimal `json:"rate"`
	Amount    decimal.Decimal `json:"amount"`
}

// Split is the computed multi-party commission distribution for one
// transaction. For deposits the identity
// Partner + Financier + Organization == SiteCommission holds exactly.
type Split struct {
	SiteRate            decimal.Decimal `json:"site_rate"`
	FinancierRate       decimal.Decimal `json:"financier_rate"`
	SiteCommission      decimal.Decimal `json:"site_commission"`
	PartnerCommission   decimal.Decimal `json:"partner_commission"`
	FinancierCommission decimal.Decimal `json:"financier_commission"`
	OrganizationAmount  decimal.Decimal `json:"organization_amount"`
	Partners            []PartnerShare  `json:"partners,omitempty"`
	// ChargedToSite is what the split costs the initiating site in total:
	// the pool for deposits, pool plus financier cut for withdrawals.
	ChargedToSite decimal.Decimal `json:"charged_to_site"`
}

// Snapshot freezes the rates and amounts used at settlement time so later
// rate changes never rewrite history.
type Snapshot struct {
	ID                  string          `json:"id"`
	TransactionID       string          `json:"transaction_id"`
	SiteRate            decimal.Decimal `json:"site_rate"`
	FinancierRate       decimal.Decimal `json:"financier_rate"`
	SiteCommission      decimal.Decimal `json:"site_commission"`
	PartnerCommission   decimal.Decimal `json:"partner_commission"`
	FinancierCommission decimal.Decimal `json:"financier_commission"`
	OrganizationAmount  decimal.Decimal `json:"organization_amount"`
	Partners            []PartnerShare  `json:"partners,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Snapshot materializes the split for a settled transaction.
func (s Split) Snapshot(txID string, at time.Time) Snapshot {
	return Snapshot{
		ID:                  ids.NewAt(at),
		TransactionID:       txID,
		SiteRate:            s.SiteRate,
		FinancierRate:       s.FinancierRate,
		SiteCommission:      s.SiteCommission,
		PartnerCommission:   s.PartnerCommission,
		FinancierCommission: s.FinancierCommission,
		OrganizationAmount:  s.OrganizationAmount,
		Partners:            s.Partners,
		CreatedAt:           at,
	}
}

// Calculator reconciles bottom-up partner/financier cuts against the
// top-down site commission pool.
type Calculator struct {
	rates *Resolver
	links PartnerLinks
	mctx  money.Context
}

// NewCalculator builds a calculator over the given rate resolver and
// site-partner relationships.
func NewCalculator(rates *Resolver, links PartnerLinks, mctx money.Context) *Calculator {
	return &Calculator{rates: rates, links: links, mctx: mctx}
}

// DepositSplit computes the distribution for a deposit of gross into site
// siteID via financier financierID. Partner and financier rates apply to
// the gross amount; the site rate caps the total payout. A distribution
// that would exceed the pool, or a negative organization share, fails with
// ErrConfiguration before anything posts.
func (c *Calculator) DepositSplit(ctx context.Context, siteID, financierID string, gross decimal.Decimal, at time.Time) (Split, error) {
	if !money.IsPositive(gross) {
		return Split{}, fmt.Errorf("%w: gross amount %s", ledger.ErrValidation, gross)
	}

	siteRate, err := c.requiredRate(ctx, ledger.EntitySite, siteID, ledger.TxDeposit, at)
	if err != nil {
		return Split{}, err
	}
	finRate, err := c.requiredRate(ctx, ledger.EntityFinancier, financierID, ledger.TxDeposit, at)
	if err != nil {
		return Split{}, err
	}

	pool := c.mctx.Mul(gross, siteRate)
	finCut := c.mctx.Mul(gross, finRate)

	partnerIDs, err := c.links.PartnersForSite(ctx, siteID)
	if err != nil {
		return Split{}, err
	}
	var shares []PartnerShare
	partnerTotal := decimal.Zero
	for _, pid := range partnerIDs {
		rate, err := c.rates.Resolve(ctx, RateKey{
			EntityType:    ledger.EntityPartner,
			EntityID:      pid,
			TxType:        ledger.TxDeposit,
			RelatedSiteID: siteID,
		}, at)
		if errors.Is(err, ledger.ErrNotFound) {
			// Linked partner without a configured rate earns nothing here.
			continue
		}
		if err != nil {
			return Split{}, err
		}
		amount := c.mctx.Mul(gross, rate.Rate)
		shares = append(shares, PartnerShare{PartnerID: pid, Rate: rate.Rate, Amount: amount})
		partnerTotal = partnerTotal.Add(amount)
	}

	distributed := partnerTotal.Add(finCut)
	if distributed.GreaterThan(pool) {
		return Split{}, fmt.Errorf("%w: distributed %s exceeds site pool %s (site %s)",
			ErrConfiguration, distributed, pool, siteID)
	}
	orgAmount := pool.Sub(distributed)
	if orgAmount.Sign() < 0 {
		return Split{}, fmt.Errorf("%w: organization share %s negative (site %s)",
			ErrConfiguration, orgAmount, siteID)
	}

	return Split{
		SiteRate:            siteRate,
		FinancierRate:       finRate,
		SiteCommission:      pool,
		PartnerCommission:   partnerTotal,
		FinancierCommission: finCut,
		OrganizationAmount:  orgAmount,
		Partners:            shares,
		ChargedToSite:       pool,
	}, nil
}

// WithdrawalSplit computes the distribution for a withdrawal: the
// financier cut is charged on the gross exactly like a deposit, there is
// no partner split, and the organization keeps the site commission in
// full. The site is charged both.
func (c *Calculator) WithdrawalSplit(ctx context.Context, siteID, financierID string, gross decimal.Decimal, at time.Time) (Split, error) {
	if !money.IsPositive(gross) {
		return Split{}, fmt.Errorf("%w: gross amount %s", ledger.ErrValidation, gross)
	}

	siteRate, err := c.requiredRate(ctx, ledger.EntitySite, siteID, ledger.TxWithdrawal, at)
	if err != nil {
		return Split{}, err
	}
	finRate, err := c.requiredRate(ctx, ledger.EntityFinancier, financierID, ledger.TxWithdrawal, at)
	if err != nil {
		return Split{}, err
	}

	pool := c.mctx.Mul(gross, siteRate)
	finCut := c.mctx.Mul(gross, finRate)

	return Split{
		SiteRate:            siteRate,
		FinancierRate:       finRate,
		SiteCommission:      pool,
		FinancierCommission: finCut,
		OrganizationAmount:  pool,
		ChargedToSite:       pool.Add(finCut),
	}, nil
}

func (c *Calculator) requiredRate(ctx context.Context, et ledger.EntityType, id string, tt ledger.TxType, at time.Time) (decimal.Decimal, error) {
	rate, err := c.rates.Resolve(ctx, RateKey{EntityType: et, EntityID: id, TxType: tt}, at)
	if errors.Is(err, ledger.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("%w: no %s rate for %s %s", ledger.ErrNotFound, tt, et, id)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return rate.Rate, nil
}
