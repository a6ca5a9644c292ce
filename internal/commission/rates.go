// Package commission computes multi-party splits for money-movement
// events and resolves the time-windowed rates feeding them.
package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"moneygate.org/internal/ledger"
	"moneygate.org/internal/money"
)

// ErrConfiguration signals a rate-configuration bug: distributed
// commissions exceed the site pool or the organization share goes
// negative. It must surface immediately, never be absorbed into a posting.
var ErrConfiguration = errors.New("commission configuration error")

// RateKey identifies one rate dimension. RelatedSiteID is set when a
// partner's rate is specific to one site.
type RateKey struct {
	EntityType    ledger.EntityType
	EntityID      string
	TxType        ledger.TxType
	RelatedSiteID string
}

// Rate is one row of the append-only rate history. At most one row per key
// is current at any instant: active and now within [EffectiveFrom,
// EffectiveUntil-or-open).
type Rate struct {
	ID             string          `json:"id"`
	EntityType     ledger.EntityType `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	TxType         ledger.TxType   `json:"transaction_type"`
	RelatedSiteID  string          `json:"related_site_id,omitempty"`
	Rate           decimal.Decimal `json:"rate"`
	EffectiveFrom  time.Time       `json:"effective_from"`
	EffectiveUntil *time.Time      `json:"effective_until,omitempty"`
	Active         bool            `json:"is_active"`
}

// Key returns the lookup dimension of the rate row.
func (r Rate) Key() RateKey {
	return RateKey{
		EntityType:    r.EntityType,
		EntityID:      r.EntityID,
		TxType:        r.TxType,
		RelatedSiteID: r.RelatedSiteID,
	}
}

// Covers reports whether the row's effective window contains t.
func (r Rate) Covers(t time.Time) bool {
	if t.Before(r.EffectiveFrom) {
		return false
	}
	return r.EffectiveUntil == nil || t.Before(*r.EffectiveUntil)
}

// Validate checks the row before it enters the history.
func (r Rate) Validate() error {
	if !r.EntityType.Valid() || r.EntityID == "" {
		return fmt.Errorf("%w: rate needs an owning entity", ledger.ErrValidation)
	}
	if !r.TxType.Valid() {
		return fmt.Errorf("%w: rate transaction type %q", ledger.ErrValidation, r.TxType)
	}
	if err := money.ValidateRate(r.Rate); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrValidation, err)
	}
	return nil
}

// RateSource is the read side of the rate history. Implementations keep a
// per-key date-sorted index so the lookup is O(log n), not a scan.
type RateSource interface {
	// RateAt returns the row whose window covers the given instant, or
	// ledger.ErrNotFound when no row does.
	RateAt(ctx context.Context, key RateKey, at time.Time) (Rate, error)
}

// Resolver looks up current rates with the partner related-site fallback:
// a partner configured per-site wins over its generic rate.
type Resolver struct {
	src RateSource
}

// NewResolver wraps a rate source.
func NewResolver(src RateSource) *Resolver {
	return &Resolver{src: src}
}

// Resolve returns the effective rate for the key at the given time. When a
// related site is set and no site-specific row exists, the generic row for
// the same (entity, type) is tried before giving up.
func (r *Resolver) Resolve(ctx context.Context, key RateKey, at time.Time) (Rate, error) {
	rate, err := r.src.RateAt(ctx, key, at)
	if err == nil {
		return rate, nil
	}
	if key.RelatedSiteID != "" && errors.Is(err, ledger.ErrNotFound) {
		key.RelatedSiteID = ""
		return r.src.RateAt(ctx, key, at)
	}
	return Rate{}, err
}
