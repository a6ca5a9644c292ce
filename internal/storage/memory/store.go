// Package memory implements storage.Store in process memory. The atomic
// scope works on a deep copy of the state which is swapped in only when
// the callback succeeds, so a failed operation leaves nothing applied.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"moneygate.org/internal/commission"
	"moneygate.org/internal/ledger"
	"moneygate.org/internal/storage"
)

type state struct {
	accounts  map[string]*ledger.Account     // by account id
	refs      map[ledger.AccountRef]string   // owning entity -> account id
	txs       map[string]*ledger.Transaction // by transaction id
	entries   []ledger.Entry                 // ordered, append-only trail
	snapshots map[string]commission.Snapshot // by transaction id
	rates     map[string]*commission.Rate    // by rate id
	rateIdx   map[commission.RateKey][]string // rate ids sorted by EffectiveFrom
	links     map[string][]string            // site id -> partner ids
	blocks    map[string]*ledger.FinancierBlock
}

func newState() *state {
	return &state{
		accounts:  map[string]*ledger.Account{},
		refs:      map[ledger.AccountRef]string{},
		txs:       map[string]*ledger.Transaction{},
		snapshots: map[string]commission.Snapshot{},
		rates:     map[string]*commission.Rate{},
		rateIdx:   map[commission.RateKey][]string{},
		links:     map[string][]string{},
		blocks:    map[string]*ledger.FinancierBlock{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for id, a := range s.accounts {
		cp := *a
		c.accounts[id] = &cp
	}
	for ref, id := range s.refs {
		c.refs[ref] = id
	}
	for id, t := range s.txs {
		cp := *t
		c.txs[id] = &cp
	}
	c.entries = append([]ledger.Entry(nil), s.entries...)
	for id, sn := range s.snapshots {
		c.snapshots[id] = sn
	}
	for id, r := range s.rates {
		cp := *r
		c.rates[id] = &cp
	}
	for k, idx := range s.rateIdx {
		c.rateIdx[k] = append([]string(nil), idx...)
	}
	for site, ps := range s.links {
		c.links[site] = append([]string(nil), ps...)
	}
	for id, b := range s.blocks {
		cp := *b
		c.blocks[id] = &cp
	}
	return c
}

// Store is the in-memory storage.Store.
type Store struct {
	// txMu serializes atomic scopes the way row locks do in Postgres.
	// mu only guards the state pointer, so Reader calls stay usable
	// inside a running scope (they observe the pre-scope state).
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{st: newState()}
}

// Atomically clones the state, runs fn against the clone, and swaps the
// clone in only when fn succeeds.
func (s *Store) Atomically(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()

	if err := fn(&memTx{st: work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = work
	s.mu.Unlock()
	return nil
}

// --- Reader ---

func (s *Store) Account(ctx context.Context, ref ledger.AccountRef) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.st.refs[ref]
	if !ok {
		return ledger.Account{}, ledger.ErrNotFound
	}
	return *s.st.accounts[id], nil
}

func (s *Store) AccountByID(ctx context.Context, id string) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.st.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrNotFound
	}
	return *acc, nil
}

func (s *Store) Accounts(ctx context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Account, 0, len(s.st.accounts))
	for _, acc := range s.st.accounts {
		out = append(out, *acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Transaction(ctx context.Context, id string) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.st.txs[id]
	if !ok {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return *t, nil
}

func (s *Store) EntriesByTransaction(ctx context.Context, txID string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterEntries(s.st.entries, func(e ledger.Entry) bool { return e.TransactionID == txID }), nil
}

func (s *Store) EntriesByAccount(ctx context.Context, accountID string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterEntries(s.st.entries, func(e ledger.Entry) bool { return e.AccountID == accountID }), nil
}

func (s *Store) EntryTotals(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	debit, credit := decimal.Zero, decimal.Zero
	for _, e := range s.st.entries {
		if e.Type == ledger.Debit {
			debit = debit.Add(e.Amount)
		} else {
			credit = credit.Add(e.Amount)
		}
	}
	return debit, credit, nil
}

func (s *Store) Snapshot(ctx context.Context, txID string) (commission.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.st.snapshots[txID]
	if !ok {
		return commission.Snapshot{}, ledger.ErrNotFound
	}
	return snap, nil
}

func (s *Store) RateAt(ctx context.Context, key commission.RateKey, at time.Time) (commission.Rate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rateAt(s.st, key, at)
}

func (s *Store) RateHistory(ctx context.Context, key commission.RateKey) ([]commission.Rate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.st.rateIdx[key]
	out := make([]commission.Rate, 0, len(idx))
	for _, id := range idx {
		out = append(out, *s.st.rates[id])
	}
	return out, nil
}

func (s *Store) PartnersForSite(ctx context.Context, siteID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.st.links[siteID]...), nil
}

func (s *Store) UnresolvedBlocks(ctx context.Context, financierID string) ([]ledger.FinancierBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.FinancierBlock
	for _, b := range s.st.blocks {
		if b.FinancierID == financierID && b.ResolvedAt == nil {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// rateAt binary-searches the per-key index, which is kept sorted by
// EffectiveFrom, then walks back to the newest row covering the instant.
func rateAt(st *state, key commission.RateKey, at time.Time) (commission.Rate, error) {
	idx := st.rateIdx[key]
	i := sort.Search(len(idx), func(i int) bool {
		return st.rates[idx[i]].EffectiveFrom.After(at)
	})
	// Windows are disjoint: closing a row sets its end to the successor's
	// start, so the newest covering row is the applicable one regardless of
	// the active flag.
	for j := i - 1; j >= 0; j-- {
		r := st.rates[idx[j]]
		if r.Covers(at) {
			return *r, nil
		}
	}
	return commission.Rate{}, ledger.ErrNotFound
}

func filterEntries(entries []ledger.Entry, keep func(ledger.Entry) bool) []ledger.Entry {
	var out []ledger.Entry
	for _, e := range entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// --- Tx ---

type memTx struct {
	st *state
}

var _ storage.Tx = (*memTx)(nil)

func (t *memTx) AccountForUpdate(ctx context.Context, ref ledger.AccountRef) (*ledger.Account, error) {
	id, ok := t.st.refs[ref]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return t.st.accounts[id], nil
}

func (t *memTx) AccountByIDForUpdate(ctx context.Context, id string) (*ledger.Account, error) {
	acc, ok := t.st.accounts[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return acc, nil
}

func (t *memTx) UpdateAccountBalance(ctx context.Context, accountID string, balance decimal.Decimal, at time.Time) error {
	acc, ok := t.st.accounts[accountID]
	if !ok {
		return ledger.ErrNotFound
	}
	acc.Balance = balance
	acc.UpdatedAt = at
	return nil
}

func (t *memTx) UpdateAccountBlocked(ctx context.Context, accountID string, blocked decimal.Decimal, at time.Time) error {
	acc, ok := t.st.accounts[accountID]
	if !ok {
		return ledger.ErrNotFound
	}
	acc.BlockedAmount = blocked
	acc.UpdatedAt = at
	return nil
}

func (t *memTx) AppendEntry(ctx context.Context, e ledger.Entry) error {
	t.st.entries = append(t.st.entries, e)
	return nil
}

func (t *memTx) EntriesByTransaction(ctx context.Context, txID string) ([]ledger.Entry, error) {
	return filterEntries(t.st.entries, func(e ledger.Entry) bool { return e.TransactionID == txID }), nil
}

func (t *memTx) DeleteEntriesByTransaction(ctx context.Context, txID string) error {
	kept := t.st.entries[:0:0]
	for _, e := range t.st.entries {
		if e.TransactionID != txID {
			kept = append(kept, e)
		}
	}
	t.st.entries = kept
	return nil
}

func (t *memTx) InsertAccount(ctx context.Context, acc ledger.Account) error {
	ref := acc.Ref()
	if _, exists := t.st.refs[ref]; exists {
		return fmt.Errorf("%w: account for %s/%s already exists", ledger.ErrValidation, ref.EntityType, ref.EntityID)
	}
	cp := acc
	t.st.accounts[acc.ID] = &cp
	t.st.refs[ref] = acc.ID
	return nil
}

func (t *memTx) TransactionForUpdate(ctx context.Context, id string) (*ledger.Transaction, error) {
	tx, ok := t.st.txs[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return tx, nil
}

func (t *memTx) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	if _, exists := t.st.txs[tx.ID]; exists {
		return fmt.Errorf("%w: transaction %s already exists", ledger.ErrValidation, tx.ID)
	}
	cp := tx
	t.st.txs[tx.ID] = &cp
	return nil
}

func (t *memTx) UpdateTransaction(ctx context.Context, tx ledger.Transaction) error {
	if _, ok := t.st.txs[tx.ID]; !ok {
		return ledger.ErrNotFound
	}
	cp := tx
	t.st.txs[tx.ID] = &cp
	return nil
}

func (t *memTx) InsertSnapshot(ctx context.Context, snap commission.Snapshot) error {
	if _, exists := t.st.snapshots[snap.TransactionID]; exists {
		return fmt.Errorf("%w: snapshot for transaction %s already exists", ledger.ErrValidation, snap.TransactionID)
	}
	t.st.snapshots[snap.TransactionID] = snap
	return nil
}

func (t *memTx) RateAt(ctx context.Context, key commission.RateKey, at time.Time) (commission.Rate, error) {
	return rateAt(t.st, key, at)
}

func (t *memTx) CloseRate(ctx context.Context, rateID string, at time.Time) error {
	r, ok := t.st.rates[rateID]
	if !ok {
		return ledger.ErrNotFound
	}
	until := at
	r.EffectiveUntil = &until
	r.Active = false
	return nil
}

func (t *memTx) InsertRate(ctx context.Context, rate commission.Rate) error {
	if err := rate.Validate(); err != nil {
		return err
	}
	cp := rate
	t.st.rates[rate.ID] = &cp
	key := rate.Key()
	idx := append(t.st.rateIdx[key], rate.ID)
	sort.Slice(idx, func(i, j int) bool {
		return t.st.rates[idx[i]].EffectiveFrom.Before(t.st.rates[idx[j]].EffectiveFrom)
	})
	t.st.rateIdx[key] = idx
	return nil
}

func (t *memTx) LinkPartner(ctx context.Context, siteID, partnerID string) error {
	for _, pid := range t.st.links[siteID] {
		if pid == partnerID {
			return nil
		}
	}
	t.st.links[siteID] = append(t.st.links[siteID], partnerID)
	return nil
}

func (t *memTx) InsertBlock(ctx context.Context, blk ledger.FinancierBlock) error {
	cp := blk
	t.st.blocks[blk.ID] = &cp
	return nil
}

func (t *memTx) BlockForUpdate(ctx context.Context, blockID string) (*ledger.FinancierBlock, error) {
	b, ok := t.st.blocks[blockID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return b, nil
}

func (t *memTx) ResolveBlock(ctx context.Context, blockID string, at time.Time) error {
	b, ok := t.st.blocks[blockID]
	if !ok {
		return ledger.ErrNotFound
	}
	if b.ResolvedAt != nil {
		return fmt.Errorf("%w: block %s already resolved", ledger.ErrInvalidState, blockID)
	}
	resolved := at
	b.ResolvedAt = &resolved
	return nil
}
