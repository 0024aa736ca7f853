// Package filestore keeps wallets, rounds and cashback records in one JSON
// snapshot under the data directory. It serializes per player and per round
// in-process, so it serves a single replica (development, demos and tests).
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/maniabrasil/raspadinha-rgs/cashback"
	"github.com/maniabrasil/raspadinha-rgs/gamemath"
	"github.com/maniabrasil/raspadinha-rgs/keylock"
	"github.com/maniabrasil/raspadinha-rgs/round"
	"github.com/maniabrasil/raspadinha-rgs/wallet"

	"github.com/shopspring/decimal"
)

type state struct {
	Wallets      map[string]decimal.Decimal `json:"wallets"`
	Entries      []wallet.Entry             `json:"entries"`
	Rounds       map[string]*round.Round    `json:"rounds"`
	Cashback     []*cashback.Record         `json:"cashback"`
	NextRecordID int64                      `json:"nextRecordId"`
}

type Store struct {
	mu      sync.RWMutex
	st      state
	refs    map[string]struct{}
	locks   *keylock.Map
	dataDir string
}

func Open(dataDir string) (*Store, error) {
	if dataDir == "" {
		dataDir = "data"
	}
	s := &Store{
		st: state{
			Wallets:      make(map[string]decimal.Decimal),
			Rounds:       make(map[string]*round.Round),
			NextRecordID: 1,
		},
		refs:    make(map[string]struct{}),
		locks:   keylock.New(),
		dataDir: dataDir,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) path() string {
	return filepath.Join(s.dataDir, "rgs_state.json")
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &s.st); err != nil {
		return err
	}
	if s.st.Wallets == nil {
		s.st.Wallets = make(map[string]decimal.Decimal)
	}
	if s.st.Rounds == nil {
		s.st.Rounds = make(map[string]*round.Round)
	}
	if s.st.NextRecordID == 0 {
		s.st.NextRecordID = 1
	}
	for _, e := range s.st.Entries {
		if e.Ref != "" {
			s.refs[e.Ref] = struct{}{}
		}
	}
	return nil
}

// saveLocked writes the snapshot through a temp file. Caller must hold s.mu.
func (s *Store) saveLocked() error {
	data, err := json.Marshal(&s.st)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dataDir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dataDir, "rgs_state.json.*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path())
}

func walletKey(playerID string, mode gamemath.Mode) string {
	return playerID + "|" + string(mode)
}

// Rounds, Wallets and Cashback expose the store through each domain's interface.
func (s *Store) Rounds() round.Store      { return roundStore{s} }
func (s *Store) Wallets() wallet.Store    { return walletStore{s} }
func (s *Store) Cashback() cashback.Store { return cashbackStore{s} }

func (s *Store) inTx(ctx context.Context, fn func(*tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := newTx(s)
	defer t.release()
	if err := fn(t); err != nil {
		return err
	}
	return s.commit(t)
}

func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range t.inserted {
		if _, exists := s.st.Rounds[id]; exists {
			return round.ErrDuplicate
		}
	}
	for _, e := range t.entries {
		if _, dup := s.refs[e.Ref]; e.Ref != "" && dup {
			return wallet.ErrDuplicateRef
		}
	}

	prevWallets := make(map[string]decimal.Decimal, len(t.wallets))
	prevWalletSet := make(map[string]bool, len(t.wallets))
	for k, v := range t.wallets {
		prev, ok := s.st.Wallets[k]
		prevWallets[k], prevWalletSet[k] = prev, ok
		s.st.Wallets[k] = v
	}
	prevRounds := make(map[string]*round.Round, len(t.rounds))
	for id, r := range t.rounds {
		prevRounds[id] = s.st.Rounds[id]
		s.st.Rounds[id] = r
	}
	prevRecords := make(map[int64]cashback.Record, len(t.records))
	for _, rec := range s.st.Cashback {
		if staged, ok := t.records[rec.ID]; ok {
			prevRecords[rec.ID] = *rec
			*rec = *staged
		}
	}
	entryCount := len(s.st.Entries)
	s.st.Entries = append(s.st.Entries, t.entries...)

	if err := s.saveLocked(); err != nil {
		for k := range t.wallets {
			if prevWalletSet[k] {
				s.st.Wallets[k] = prevWallets[k]
			} else {
				delete(s.st.Wallets, k)
			}
		}
		for id, r := range prevRounds {
			if r == nil {
				delete(s.st.Rounds, id)
			} else {
				s.st.Rounds[id] = r
			}
		}
		for _, rec := range s.st.Cashback {
			if prev, ok := prevRecords[rec.ID]; ok {
				*rec = prev
			}
		}
		s.st.Entries = s.st.Entries[:entryCount]
		return err
	}
	for _, e := range t.entries {
		if e.Ref != "" {
			s.refs[e.Ref] = struct{}{}
		}
	}
	return nil
}

// tx stages changes and holds key locks until the transaction ends.
type tx struct {
	s        *Store
	held     map[string]func()
	wallets  map[string]decimal.Decimal
	entries  []wallet.Entry
	refs     map[string]struct{}
	rounds   map[string]*round.Round
	inserted map[string]bool
	records  map[int64]*cashback.Record
}

func newTx(s *Store) *tx {
	return &tx{
		s:        s,
		held:     make(map[string]func()),
		wallets:  make(map[string]decimal.Decimal),
		refs:     make(map[string]struct{}),
		rounds:   make(map[string]*round.Round),
		inserted: make(map[string]bool),
		records:  make(map[int64]*cashback.Record),
	}
}

func (t *tx) lock(key string) {
	if _, ok := t.held[key]; ok {
		return
	}
	t.held[key] = t.s.locks.Lock(key)
}

func (t *tx) release() {
	for _, unlock := range t.held {
		unlock()
	}
}

func (t *tx) LockWallet(_ context.Context, playerID string, mode gamemath.Mode) (decimal.Decimal, error) {
	key := walletKey(playerID, mode)
	t.lock("wallet:" + key)
	if bal, ok := t.wallets[key]; ok {
		return bal, nil
	}
	t.s.mu.RLock()
	bal := t.s.st.Wallets[key]
	t.s.mu.RUnlock()
	t.wallets[key] = bal
	return bal, nil
}

func (t *tx) PostEntry(_ context.Context, e *wallet.Entry) error {
	key := walletKey(e.PlayerID, e.Mode)
	bal, ok := t.wallets[key]
	if !ok {
		return wallet.ErrNotLocked
	}
	if e.Ref != "" {
		if _, dup := t.refs[e.Ref]; dup {
			return wallet.ErrDuplicateRef
		}
		t.s.mu.RLock()
		_, dup := t.s.refs[e.Ref]
		t.s.mu.RUnlock()
		if dup {
			return wallet.ErrDuplicateRef
		}
	}
	next := bal.Add(e.Amount)
	if next.IsNegative() {
		return wallet.ErrInsufficientBalance
	}
	e.BalanceAfter = next
	t.wallets[key] = next
	t.entries = append(t.entries, *e)
	if e.Ref != "" {
		t.refs[e.Ref] = struct{}{}
	}
	return nil
}

func (t *tx) InsertRound(_ context.Context, r *round.Round) error {
	if _, staged := t.rounds[r.ID]; staged {
		return round.ErrDuplicate
	}
	t.s.mu.RLock()
	_, exists := t.s.st.Rounds[r.ID]
	t.s.mu.RUnlock()
	if exists {
		return round.ErrDuplicate
	}
	t.rounds[r.ID] = r.Clone()
	t.inserted[r.ID] = true
	return nil
}

func (t *tx) LockRound(_ context.Context, id string) (*round.Round, error) {
	t.lock("round:" + id)
	if r, ok := t.rounds[id]; ok {
		return r.Clone(), nil
	}
	t.s.mu.RLock()
	r, ok := t.s.st.Rounds[id]
	t.s.mu.RUnlock()
	if !ok {
		return nil, round.ErrNotFound
	}
	return r.Clone(), nil
}

func (t *tx) SaveRound(_ context.Context, r *round.Round) error {
	if _, ok := t.held["round:"+r.ID]; !ok && !t.inserted[r.ID] {
		return errors.New("filestore: round saved without lock")
	}
	t.rounds[r.ID] = r.Clone()
	return nil
}

func (t *tx) LockRecord(_ context.Context, id int64) (*cashback.Record, error) {
	t.lock("cashback:" + itoa(id))
	if r, ok := t.records[id]; ok {
		c := *r
		return &c, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, r := range t.s.st.Cashback {
		if r.ID == id {
			c := *r
			return &c, nil
		}
	}
	return nil, cashback.ErrNotFound
}

func (t *tx) SaveRecord(_ context.Context, r *cashback.Record) error {
	if _, ok := t.held["cashback:"+itoa(r.ID)]; !ok {
		return errors.New("filestore: cashback record saved without lock")
	}
	c := *r
	t.records[r.ID] = &c
	return nil
}

type roundStore struct{ s *Store }

func (rs roundStore) InTx(ctx context.Context, fn func(round.Tx) error) error {
	return rs.s.inTx(ctx, func(t *tx) error { return fn(t) })
}

func (rs roundStore) Round(_ context.Context, id string) (*round.Round, error) {
	rs.s.mu.RLock()
	defer rs.s.mu.RUnlock()
	r, ok := rs.s.st.Rounds[id]
	if !ok {
		return nil, round.ErrNotFound
	}
	return r.Clone(), nil
}

func (rs roundStore) Pending(_ context.Context, idleBefore time.Time, limit int) ([]*round.Round, error) {
	rs.s.mu.RLock()
	var out []*round.Round
	for _, r := range rs.s.st.Rounds {
		if r.Terminal() {
			continue
		}
		if r.UpdatedAt.Before(idleBefore) || r.AllRevealed() {
			out = append(out, r.Clone())
		}
	}
	rs.s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type walletStore struct{ s *Store }

func (ws walletStore) InTx(ctx context.Context, fn func(wallet.Tx) error) error {
	return ws.s.inTx(ctx, func(t *tx) error { return fn(t) })
}

func (ws walletStore) Balance(_ context.Context, playerID string, mode gamemath.Mode) (decimal.Decimal, error) {
	ws.s.mu.RLock()
	defer ws.s.mu.RUnlock()
	return ws.s.st.Wallets[walletKey(playerID, mode)], nil
}

// Entries lists a player's entries newest first.
func (ws walletStore) Entries(_ context.Context, playerID string, mode gamemath.Mode, limit int) ([]wallet.Entry, error) {
	ws.s.mu.RLock()
	defer ws.s.mu.RUnlock()
	var out []wallet.Entry
	for i := len(ws.s.st.Entries) - 1; i >= 0; i-- {
		e := ws.s.st.Entries[i]
		if e.PlayerID != playerID || e.Mode != mode {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type cashbackStore struct{ s *Store }

func (cs cashbackStore) InTx(ctx context.Context, fn func(cashback.Tx) error) error {
	return cs.s.inTx(ctx, func(t *tx) error { return fn(t) })
}

func (cs cashbackStore) Totals(_ context.Context, periodEnd time.Time) ([]cashback.Totals, error) {
	cs.s.mu.RLock()
	entries := append([]wallet.Entry(nil), cs.s.st.Entries...)
	cs.s.mu.RUnlock()
	return cashback.Summarize(entries, periodEnd), nil
}

func (cs cashbackStore) InsertPending(_ context.Context, recs []cashback.Record) (int, error) {
	cs.s.mu.Lock()
	defer cs.s.mu.Unlock()
	existing := make(map[string]bool, len(cs.s.st.Cashback))
	for _, r := range cs.s.st.Cashback {
		existing[r.PlayerID+"|"+r.Period] = true
	}
	before, nextID := len(cs.s.st.Cashback), cs.s.st.NextRecordID
	for _, rec := range recs {
		key := rec.PlayerID + "|" + rec.Period
		if existing[key] {
			continue
		}
		existing[key] = true
		r := rec
		r.ID = cs.s.st.NextRecordID
		cs.s.st.NextRecordID++
		cs.s.st.Cashback = append(cs.s.st.Cashback, &r)
	}
	created := len(cs.s.st.Cashback) - before
	if created == 0 {
		return 0, nil
	}
	if err := cs.s.saveLocked(); err != nil {
		cs.s.st.Cashback = cs.s.st.Cashback[:before]
		cs.s.st.NextRecordID = nextID
		return 0, err
	}
	return created, nil
}

func (cs cashbackStore) Records(_ context.Context, f cashback.Filter) ([]cashback.Record, error) {
	ids := make(map[int64]bool, len(f.IDs))
	for _, id := range f.IDs {
		ids[id] = true
	}
	cs.s.mu.RLock()
	defer cs.s.mu.RUnlock()
	var out []cashback.Record
	for _, r := range cs.s.st.Cashback {
		if f.Period != "" && r.Period != f.Period {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if len(ids) > 0 && !ids[r.ID] {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
