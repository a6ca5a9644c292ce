// Package pg implements storage.Store on PostgreSQL through the pgx
// stdlib driver. Atomic scopes are SERIALIZABLE transactions; account row
// locks serialize concurrent postings against the same account.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"moneygate.org/internal/commission"
	"moneygate.org/internal/ledger"
	"moneygate.org/internal/storage"
)

// querier is the overlap of *sql.DB and *sql.Tx the queries run on.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open connects to PostgreSQL with pool defaults tuned for the gateway's
// short transactional workload.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Atomically runs fn in one SERIALIZABLE transaction.
func (s *Store) Atomically(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Reader ---

const accountCols = `id, entity_type, entity_id, balance, blocked_amount, credit_limit, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (ledger.Account, error) {
	var a ledger.Account
	err := row.Scan(&a.ID, &a.EntityType, &a.EntityID, &a.Balance, &a.BlockedAmount, &a.CreditLimit, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	return a, err
}

func (s *Store) Account(ctx context.Context, ref ledger.AccountRef) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `select `+accountCols+` from accounts where entity_type=$1 and entity_id=$2`, ref.EntityType, ref.EntityID)
	return scanAccount(row)
}

func (s *Store) AccountByID(ctx context.Context, id string) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `select `+accountCols+` from accounts where id=$1`, id)
	return scanAccount(row)
}

func (s *Store) Accounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `select `+accountCols+` from accounts order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const txCols = `id, type, status, gross_amount, net_amount,
	coalesce(site_id,''), coalesce(partner_id,''), coalesce(financier_id,''),
	coalesce(to_financier_id,''), coalesce(external_party_id,''),
	coalesce(description,''), transaction_date, created_by, created_at,
	coalesce(reviewed_by,''), coalesce(review_note,''), coalesce(reversal_reason,''),
	coalesce(reversal_of,''), coalesce(reversed_by,''),
	edited_at, coalesce(edited_by,''), edit_count, coalesce(edit_reason,'')`

func scanTransaction(row interface{ Scan(...any) error }) (ledger.Transaction, error) {
	var t ledger.Transaction
	var editedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.Type, &t.Status, &t.GrossAmount, &t.NetAmount,
		&t.Participants.SiteID, &t.Participants.PartnerID, &t.Participants.FinancierID,
		&t.Participants.ToFinancierID, &t.Participants.ExternalPartyID,
		&t.Description, &t.TransactionDate, &t.CreatedBy, &t.CreatedAt,
		&t.ReviewedBy, &t.ReviewNote, &t.ReversalReason,
		&t.ReversalOf, &t.ReversedBy,
		&editedAt, &t.EditedBy, &t.EditCount, &t.EditReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	if editedAt.Valid {
		t.EditedAt = &editedAt.Time
	}
	return t, err
}

func (s *Store) Transaction(ctx context.Context, id string) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `select `+txCols+` from transactions where id=$1`, id)
	return scanTransaction(row)
}

const entryCols = `id, transaction_id, account_id, account_type, entry_type, amount, balance_after, coalesce(description,''), created_at`

func queryEntries(ctx context.Context, q querier, where string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.QueryContext(ctx, `select `+entryCols+` from ledger_entries where `+where+` order by id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.AccountType, &e.Type, &e.Amount, &e.BalanceAfter, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) EntriesByTransaction(ctx context.Context, txID string) ([]ledger.Entry, error) {
	return queryEntries(ctx, s.db, `transaction_id=$1`, txID)
}

func (s *Store) EntriesByAccount(ctx context.Context, accountID string) ([]ledger.Entry, error) {
	return queryEntries(ctx, s.db, `account_id=$1`, accountID)
}

func (s *Store) EntryTotals(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	var debit, credit decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		select
			coalesce(sum(amount) filter (where entry_type='DEBIT'), 0),
			coalesce(sum(amount) filter (where entry_type='CREDIT'), 0)
		from ledger_entries
	`).Scan(&debit, &credit)
	return debit, credit, err
}

func (s *Store) Snapshot(ctx context.Context, txID string) (commission.Snapshot, error) {
	var snap commission.Snapshot
	var partners []byte
	err := s.db.QueryRowContext(ctx, `
		select id, transaction_id, site_rate, financier_rate,
			site_commission, partner_commission, financier_commission,
			organization_amount, partners, created_at
		from commission_snapshots where transaction_id=$1
	`, txID).Scan(&snap.ID, &snap.TransactionID, &snap.SiteRate, &snap.FinancierRate,
		&snap.SiteCommission, &snap.PartnerCommission, &snap.FinancierCommission,
		&snap.OrganizationAmount, &partners, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return commission.Snapshot{}, ledger.ErrNotFound
	}
	if err != nil {
		return commission.Snapshot{}, err
	}
	if len(partners) > 0 {
		if err := json.Unmarshal(partners, &snap.Partners); err != nil {
			return commission.Snapshot{}, fmt.Errorf("decode snapshot partners: %w", err)
		}
	}
	return snap, nil
}

const rateCols = `id, entity_type, entity_id, transaction_type, related_site_id, rate, effective_from, effective_until, is_active`

func scanRate(row interface{ Scan(...any) error }) (commission.Rate, error) {
	var r commission.Rate
	var until sql.NullTime
	err := row.Scan(&r.ID, &r.EntityType, &r.EntityID, &r.TxType, &r.RelatedSiteID, &r.Rate, &r.EffectiveFrom, &until, &r.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return commission.Rate{}, ledger.ErrNotFound
	}
	if until.Valid {
		r.EffectiveUntil = &until.Time
	}
	return r, err
}

func rateAt(ctx context.Context, q querier, key commission.RateKey, at time.Time) (commission.Rate, error) {
	row := q.QueryRowContext(ctx, `
		select `+rateCols+` from commission_rates
		where entity_type=$1 and entity_id=$2 and transaction_type=$3 and related_site_id=$4
			and effective_from <= $5
			and (effective_until is null or effective_until > $5)
		order by effective_from desc limit 1
	`, key.EntityType, key.EntityID, key.TxType, key.RelatedSiteID, at)
	return scanRate(row)
}

func (s *Store) RateAt(ctx context.Context, key commission.RateKey, at time.Time) (commission.Rate, error) {
	return rateAt(ctx, s.db, key, at)
}

func (s *Store) RateHistory(ctx context.Context, key commission.RateKey) ([]commission.Rate, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+rateCols+` from commission_rates
		where entity_type=$1 and entity_id=$2 and transaction_type=$3 and related_site_id=$4
		order by effective_from
	`, key.EntityType, key.EntityID, key.TxType, key.RelatedSiteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []commission.Rate
	for rows.Next() {
		r, err := scanRate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) PartnersForSite(ctx context.Context, siteID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `select partner_id from site_partners where site_id=$1 order by partner_id`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		out = append(out, pid)
	}
	return out, rows.Err()
}

const blockCols = `id, financier_id, amount, coalesce(reason,''), estimated_days, started_at, resolved_at`

func scanBlock(row interface{ Scan(...any) error }) (ledger.FinancierBlock, error) {
	var b ledger.FinancierBlock
	var resolved sql.NullTime
	err := row.Scan(&b.ID, &b.FinancierID, &b.Amount, &b.Reason, &b.EstimatedDays, &b.StartedAt, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.FinancierBlock{}, ledger.ErrNotFound
	}
	if resolved.Valid {
		b.ResolvedAt = &resolved.Time
	}
	return b, err
}

func (s *Store) UnresolvedBlocks(ctx context.Context, financierID string) ([]ledger.FinancierBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+blockCols+` from financier_blocks
		where financier_id=$1 and resolved_at is null order by id
	`, financierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.FinancierBlock
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- Tx ---

type pgTx struct {
	tx *sql.Tx
}

var _ storage.Tx = (*pgTx)(nil)

func (t *pgTx) AccountForUpdate(ctx context.Context, ref ledger.AccountRef) (*ledger.Account, error) {
	row := t.tx.QueryRowContext(ctx, `select `+accountCols+` from accounts where entity_type=$1 and entity_id=$2 for update`, ref.EntityType, ref.EntityID)
	acc, err := scanAccount(row)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (t *pgTx) AccountByIDForUpdate(ctx context.Context, id string) (*ledger.Account, error) {
	row := t.tx.QueryRowContext(ctx, `select `+accountCols+` from accounts where id=$1 for update`, id)
	acc, err := scanAccount(row)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (t *pgTx) UpdateAccountBalance(ctx context.Context, accountID string, balance decimal.Decimal, at time.Time) error {
	return execOne(ctx, t.tx, `update accounts set balance=$2, updated_at=$3 where id=$1`, accountID, balance, at)
}

func (t *pgTx) UpdateAccountBlocked(ctx context.Context, accountID string, blocked decimal.Decimal, at time.Time) error {
	return execOne(ctx, t.tx, `update accounts set blocked_amount=$2, updated_at=$3 where id=$1`, accountID, blocked, at)
}

func (t *pgTx) AppendEntry(ctx context.Context, e ledger.Entry) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into ledger_entries(id, transaction_id, account_id, account_type, entry_type, amount, balance_after, description, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,nullif($8,''),$9)
	`, e.ID, e.TransactionID, e.AccountID, e.AccountType, e.Type, e.Amount, e.BalanceAfter, e.Description, e.CreatedAt)
	return err
}

func (t *pgTx) EntriesByTransaction(ctx context.Context, txID string) ([]ledger.Entry, error) {
	return queryEntries(ctx, t.tx, `transaction_id=$1`, txID)
}

func (t *pgTx) DeleteEntriesByTransaction(ctx context.Context, txID string) error {
	_, err := t.tx.ExecContext(ctx, `delete from ledger_entries where transaction_id=$1`, txID)
	return err
}

func (t *pgTx) InsertAccount(ctx context.Context, a ledger.Account) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into accounts(id, entity_type, entity_id, balance, blocked_amount, credit_limit, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, a.ID, a.EntityType, a.EntityID, a.Balance, a.BlockedAmount, a.CreditLimit, a.CreatedAt, a.UpdatedAt)
	return err
}

func (t *pgTx) TransactionForUpdate(ctx context.Context, id string) (*ledger.Transaction, error) {
	row := t.tx.QueryRowContext(ctx, `select `+txCols+` from transactions where id=$1 for update`, id)
	tr, err := scanTransaction(row)
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr ledger.Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into transactions(
			id, type, status, gross_amount, net_amount,
			site_id, partner_id, financier_id, to_financier_id, external_party_id,
			description, transaction_date, created_by, created_at,
			reviewed_by, review_note, reversal_reason, reversal_of, reversed_by,
			edited_at, edited_by, edit_count, edit_reason)
		values ($1,$2,$3,$4,$5,
			nullif($6,''),nullif($7,''),nullif($8,''),nullif($9,''),nullif($10,''),
			nullif($11,''),$12,$13,$14,
			nullif($15,''),nullif($16,''),nullif($17,''),nullif($18,''),nullif($19,''),
			$20,nullif($21,''),$22,nullif($23,''))
	`, tr.ID, tr.Type, tr.Status, tr.GrossAmount, tr.NetAmount,
		tr.Participants.SiteID, tr.Participants.PartnerID, tr.Participants.FinancierID,
		tr.Participants.ToFinancierID, tr.Participants.ExternalPartyID,
		tr.Description, tr.TransactionDate, tr.CreatedBy, tr.CreatedAt,
		tr.ReviewedBy, tr.ReviewNote, tr.ReversalReason, tr.ReversalOf, tr.ReversedBy,
		tr.EditedAt, tr.EditedBy, tr.EditCount, tr.EditReason)
	return err
}

func (t *pgTx) UpdateTransaction(ctx context.Context, tr ledger.Transaction) error {
	return execOne(ctx, t.tx, `
		update transactions set
			status=$2, gross_amount=$3, net_amount=$4,
			description=nullif($5,''), transaction_date=$6,
			reviewed_by=nullif($7,''), review_note=nullif($8,''),
			reversal_reason=nullif($9,''), reversal_of=nullif($10,''), reversed_by=nullif($11,''),
			edited_at=$12, edited_by=nullif($13,''), edit_count=$14, edit_reason=nullif($15,'')
		where id=$1
	`, tr.ID, tr.Status, tr.GrossAmount, tr.NetAmount,
		tr.Description, tr.TransactionDate,
		tr.ReviewedBy, tr.ReviewNote,
		tr.ReversalReason, tr.ReversalOf, tr.ReversedBy,
		tr.EditedAt, tr.EditedBy, tr.EditCount, tr.EditReason)
}

func (t *pgTx) InsertSnapshot(ctx context.Context, snap commission.Snapshot) error {
	partners, err := json.Marshal(snap.Partners)
	if err != nil {
		return fmt.Errorf("encode snapshot partners: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		insert into commission_snapshots(
			id, transaction_id, site_rate, financier_rate,
			site_commission, partner_commission, financier_commission,
			organization_amount, partners, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, snap.ID, snap.TransactionID, snap.SiteRate, snap.FinancierRate,
		snap.SiteCommission, snap.PartnerCommission, snap.FinancierCommission,
		snap.OrganizationAmount, partners, snap.CreatedAt)
	return err
}

func (t *pgTx) RateAt(ctx context.Context, key commission.RateKey, at time.Time) (commission.Rate, error) {
	return rateAt(ctx, t.tx, key, at)
}

func (t *pgTx) CloseRate(ctx context.Context, rateID string, at time.Time) error {
	return execOne(ctx, t.tx, `
		update commission_rates set effective_until=$2, is_active=false where id=$1
	`, rateID, at)
}

func (t *pgTx) InsertRate(ctx context.Context, r commission.Rate) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		insert into commission_rates(id, entity_type, entity_id, transaction_type, related_site_id, rate, effective_from, effective_until, is_active)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, r.ID, r.EntityType, r.EntityID, r.TxType, r.RelatedSiteID, r.Rate, r.EffectiveFrom, r.EffectiveUntil, r.Active)
	return err
}

func (t *pgTx) LinkPartner(ctx context.Context, siteID, partnerID string) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into site_partners(site_id, partner_id) values ($1,$2) on conflict do nothing
	`, siteID, partnerID)
	return err
}

func (t *pgTx) InsertBlock(ctx context.Context, b ledger.FinancierBlock) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into financier_blocks(id, financier_id, amount, reason, estimated_days, started_at, resolved_at)
		values ($1,$2,$3,nullif($4,''),$5,$6,$7)
	`, b.ID, b.FinancierID, b.Amount, b.Reason, b.EstimatedDays, b.StartedAt, b.ResolvedAt)
	return err
}

func (t *pgTx) BlockForUpdate(ctx context.Context, blockID string) (*ledger.FinancierBlock, error) {
	row := t.tx.QueryRowContext(ctx, `select `+blockCols+` from financier_blocks where id=$1 for update`, blockID)
	b, err := scanBlock(row)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *pgTx) ResolveBlock(ctx context.Context, blockID string, at time.Time) error {
	return execOne(ctx, t.tx, `
		update financier_blocks set resolved_at=$2 where id=$1 and resolved_at is null
	`, blockID, at)
}

// execOne runs an UPDATE that must touch exactly one row.
func execOne(ctx context.Context, q querier, query string, args ...any) error {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}
