// Package events carries the outbound side effects of settlement. The
// engine's caller publishes; delivery is best-effort and never blocks a
// committed ledger operation.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"moneygate.org/internal/ledger"
)

// TopicTransactionSettled receives one event per settled transaction.
const TopicTransactionSettled = "transaction.settled"

// Publisher delivers events to the outside world.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

// TransactionSettled is emitted after a transaction reaches COMPLETED and
// its ledger effects have committed.
type TransactionSettled struct {
	EventID       string          `json:"event_id"`
	TransactionID string          `json:"transaction_id"`
	Type          ledger.TxType   `json:"type"`
	GrossAmount   decimal.Decimal `json:"gross_amount"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// NewTransactionSettled builds the event envelope for a settled transaction.
func NewTransactionSettled(t ledger.Transaction, at time.Time) TransactionSettled {
	return TransactionSettled{
		EventID:       uuid.New().String(),
		TransactionID: t.ID,
		Type:          t.Type,
		GrossAmount:   t.GrossAmount,
		NetAmount:     t.NetAmount,
		OccurredAt:    at,
	}
}

// Nop discards every event. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
