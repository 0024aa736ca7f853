package probability

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maniabrasil/raspadinha-rgs/gamemath"
	"github.com/maniabrasil/raspadinha-rgs/games"
	"github.com/maniabrasil/raspadinha-rgs/keylock"
	"github.com/maniabrasil/raspadinha-rgs/operator"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Alerter receives integrity alerts.
type Alerter interface {
	Notify(ctx context.Context, ev operator.Event) error
}

const (
	alertEvery = time.Minute

	// DefaultRevalidateEvery bounds how long a replica can serve a table whose
	// change notification was lost.
	DefaultRevalidateEvery = 30 * time.Second

	minResubscribe = time.Second
	maxResubscribe = 30 * time.Second
)

// Store serves live probability tables and is the only write path for them.
// Readers get immutable *gamemath.Table values; writers build a new table and
// swap it in, so a reader never observes a partial update.
type Store struct {
	repo     Repository
	catalog  *games.Registry
	notifier Notifier
	alerter  Alerter
	log      *zap.Logger
	now      func() time.Time

	cache     sync.Map // key -> *gamemath.Table
	gen       atomic.Uint64 // bumped on every invalidation
	loads     singleflight.Group
	writes    *keylock.Map
	lastAlert sync.Map // key -> time.Time

	revalidateEvery time.Duration
	retryMin        time.Duration
	retryMax        time.Duration
}

type Option func(*Store)

func WithNotifier(n Notifier) Option { return func(s *Store) { s.notifier = n } }

func WithAlerter(a Alerter) Option { return func(s *Store) { s.alerter = a } }

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithRevalidateEvery sets how often Watch compares cached versions with the
// repository. Zero or less disables it.
func WithRevalidateEvery(d time.Duration) Option { return func(s *Store) { s.revalidateEvery = d } }

func NewStore(repo Repository, catalog *games.Registry, opts ...Option) *Store {
	s := &Store{
		repo:     repo,
		catalog:  catalog,
		notifier: NopNotifier{},
		log:      zap.NewNop(),
		now:      time.Now,
		writes:   keylock.New(),

		revalidateEvery: DefaultRevalidateEvery,
		retryMin:        minResubscribe,
		retryMax:        maxResubscribe,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Table returns the live table for a game and mode.
func (s *Store) Table(ctx context.Context, gameKey string, mode gamemath.Mode) (*gamemath.Table, error) {
	if _, ok := s.catalog.Game(gameKey); !ok {
		return nil, fmt.Errorf("%w: unknown game %s", ErrNotFound, gameKey)
	}
	key := tableKey(gameKey, mode)
	if t, ok := s.cache.Load(key); ok {
		return t.(*gamemath.Table), nil
	}
	// Loads started before an invalidation must not be joined or cached after it.
	gen := s.gen.Load()
	v, err, _ := s.loads.Do(key+"@"+strconv.FormatUint(gen, 10), func() (any, error) {
		t, err := s.repo.LoadTable(ctx, gameKey, mode)
		if err != nil {
			return nil, err
		}
		if err := s.verify(t, gameKey); err != nil {
			s.alert(ctx, gameKey, mode, err)
			return nil, fmt.Errorf("%w: %s/%s: %v", ErrUnavailable, gameKey, mode, err)
		}
		if s.gen.Load() == gen {
			s.publish(key, t)
			if s.gen.Load() != gen {
				s.cache.CompareAndDelete(key, t)
			}
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*gamemath.Table), nil
}

// verify runs the integrity checks a stored table must pass before serving.
func (s *Store) verify(t *gamemath.Table, gameKey string) error {
	if err := t.Check(); err != nil {
		return err
	}
	for _, e := range t.Entries {
		if _, ok := s.catalog.Prize(gameKey, e.PrizeID); !ok {
			return fmt.Errorf("prize %d is not in the %s catalog", e.PrizeID, gameKey)
		}
	}
	return nil
}

func (s *Store) alert(ctx context.Context, gameKey string, mode gamemath.Mode, cause error) {
	key := tableKey(gameKey, mode)
	s.log.Error("probability table failed integrity check, blocking rounds",
		zap.String("game", gameKey), zap.String("mode", string(mode)), zap.Error(cause))
	if s.alerter == nil {
		return
	}
	now := s.now()
	if last, ok := s.lastAlert.Load(key); ok && now.Sub(last.(time.Time)) < alertEvery {
		return
	}
	s.lastAlert.Store(key, now)
	ev := operator.Event{
		Type:       operator.EventTableUnavailable,
		GameKey:    gameKey,
		Mode:       string(mode),
		Message:    cause.Error(),
		OccurredAt: now,
	}
	if err := s.alerter.Notify(ctx, ev); err != nil {
		s.log.Warn("operator alert failed", zap.String("game", gameKey), zap.Error(err))
	}
}

// publish installs t unless a newer version is already cached.
func (s *Store) publish(key string, t *gamemath.Table) {
	for {
		cur, ok := s.cache.Load(key)
		if !ok {
			if _, loaded := s.cache.LoadOrStore(key, t); !loaded {
				return
			}
			continue
		}
		if cur.(*gamemath.Table).Version >= t.Version {
			return
		}
		if s.cache.CompareAndSwap(key, cur, t) {
			return
		}
	}
}

// Invalidate drops the cached table so the next read reloads it.
func (s *Store) Invalidate(gameKey string, mode gamemath.Mode) {
	s.gen.Add(1)
	s.cache.Delete(tableKey(gameKey, mode))
}

// InvalidateAll empties the cache.
func (s *Store) InvalidateAll() {
	s.gen.Add(1)
	s.cache.Range(func(k, _ any) bool {
		s.cache.Delete(k)
		return true
	})
}

// Revalidate drops every cached table whose stored version has moved on.
func (s *Store) Revalidate(ctx context.Context) error {
	var cached []*gamemath.Table
	s.cache.Range(func(_, v any) bool {
		cached = append(cached, v.(*gamemath.Table))
		return true
	})
	for _, t := range cached {
		stored, err := s.repo.LoadTable(ctx, t.GameKey, t.Mode)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err == nil && stored.Version == t.Version {
			continue
		}
		s.log.Info("cached probability table is stale",
			zap.String("game", t.GameKey), zap.String("mode", string(t.Mode)), zap.Int64("version", t.Version))
		s.Invalidate(t.GameKey, t.Mode)
	}
	return nil
}

// Watch keeps the cache in step with writes made by other processes until ctx
// is done. A dropped subscription is retried with backoff and the cache is
// emptied before every subscribe, since changes published in between are lost.
// Cached versions are also checked against the repository every
// revalidateEvery.
func (s *Store) Watch(ctx context.Context) error {
	if s.revalidateEvery > 0 {
		done := make(chan struct{})
		defer func() { <-done }()
		go func() {
			defer close(done)
			s.revalidateLoop(ctx)
		}()
	}
	backoff := s.retryMin
	for {
		s.InvalidateAll()
		started := s.now()
		err := s.notifier.Subscribe(ctx, s.changed)
		if ctx.Err() != nil {
			return nil
		}
		if s.now().Sub(started) > s.retryMax {
			backoff = s.retryMin
		}
		s.log.Warn("probability change subscription ended, resubscribing",
			zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.retryMax)
	}
}

func (s *Store) changed(gameKey string, mode gamemath.Mode) {
	s.log.Debug("probability table changed elsewhere", zap.String("game", gameKey), zap.String("mode", string(mode)))
	s.Invalidate(gameKey, mode)
}

func (s *Store) revalidateLoop(ctx context.Context) {
	ticker := time.NewTicker(s.revalidateEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Revalidate(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("probability table revalidation failed", zap.Error(err))
			}
		}
	}
}

type buildFunc func(prizes []gamemath.PrizeValue, current *gamemath.Table) ([]gamemath.Entry, *decimal.Decimal, error)

// replace is the single validated write path shared by every admin operation.
func (s *Store) replace(ctx context.Context, gameKey string, mode gamemath.Mode, author string, action Action, build buildFunc) (*gamemath.Table, error) {
	prizes, ok := s.catalog.PrizeValues(gameKey)
	if !ok {
		return nil, fmt.Errorf("%w: unknown game %s", ErrNotFound, gameKey)
	}
	key := tableKey(gameKey, mode)
	unlock := s.writes.Lock(key)
	defer unlock()

	current, err := s.repo.LoadTable(ctx, gameKey, mode)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	entries, target, err := build(prizes, current)
	if err != nil {
		return nil, err
	}
	full, err := complete(gameKey, prizes, entries)
	if err != nil {
		return nil, err
	}
	if err := gamemath.Validate(full); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	next := &gamemath.Table{
		GameKey:          gameKey,
		Mode:             mode,
		Entries:          full,
		SweepstakeTarget: target,
		UpdatedAt:        now,
		UpdatedBy:        author,
	}
	stored, err := s.repo.ReplaceTable(ctx, next, AuditRecord{Author: author, Action: action, CreatedAt: now})
	if err != nil {
		return nil, err
	}
	s.publish(key, stored)
	s.lastAlert.Delete(key)
	if err := s.notifier.Publish(ctx, gameKey, mode); err != nil {
		s.log.Warn("probability change notification failed", zap.String("game", gameKey), zap.Error(err))
	}
	s.log.Info("probability table replaced",
		zap.String("game", gameKey),
		zap.String("mode", string(mode)),
		zap.String("action", string(action)),
		zap.String("author", author),
		zap.Int64("version", stored.Version))
	return stored, nil
}

// complete gives every catalog prize a row, rejecting prizes of other games.
func complete(gameKey string, prizes []gamemath.PrizeValue, entries []gamemath.Entry) ([]gamemath.Entry, error) {
	known := make(map[int64]bool, len(prizes))
	for _, p := range prizes {
		known[p.ID] = true
	}
	given := make(map[int64]bool, len(entries))
	full := make([]gamemath.Entry, 0, len(prizes))
	for _, e := range entries {
		if !known[e.PrizeID] {
			return nil, &gamemath.ValidationError{
				CurrentSum: gamemath.Sum(entries),
				Reason:     fmt.Sprintf("prize %d does not belong to %s", e.PrizeID, gameKey),
			}
		}
		given[e.PrizeID] = true
		full = append(full, e)
	}
	for _, p := range prizes {
		if !given[p.ID] {
			full = append(full, gamemath.Entry{PrizeID: p.ID, Probability: decimal.Zero})
		}
	}
	return gamemath.Normalize(full), nil
}

func keepTarget(current *gamemath.Table) *decimal.Decimal {
	if current == nil {
		return nil
	}
	return current.Clone().SweepstakeTarget
}

// SetTable replaces a table with admin supplied entries. Prizes left out get 0.
func (s *Store) SetTable(ctx context.Context, gameKey string, mode gamemath.Mode, entries []gamemath.Entry, author string) (*gamemath.Table, error) {
	return s.replace(ctx, gameKey, mode, author, ActionSet, func(_ []gamemath.PrizeValue, current *gamemath.Table) ([]gamemath.Entry, *decimal.Decimal, error) {
		return entries, keepTarget(current), nil
	})
}

// DistributeBySweepstake weights prizes by inverse value so that together they
// win targetWinRate percent of rounds. The target is remembered per game/mode.
func (s *Store) DistributeBySweepstake(ctx context.Context, gameKey string, mode gamemath.Mode, targetWinRate decimal.Decimal, author string) (*gamemath.Table, error) {
	return s.replace(ctx, gameKey, mode, author, ActionDistributeSweepstake, func(prizes []gamemath.PrizeValue, _ *gamemath.Table) ([]gamemath.Entry, *decimal.Decimal, error) {
		entries, err := gamemath.Sweepstake(prizes, targetWinRate)
		if err != nil {
			return nil, nil, err
		}
		target := targetWinRate.Truncate(gamemath.MaxFractionDigits)
		return entries, &target, nil
	})
}

func (s *Store) DistributeEqually(ctx context.Context, gameKey string, mode gamemath.Mode, author string) (*gamemath.Table, error) {
	return s.replace(ctx, gameKey, mode, author, ActionDistributeEqually, func(prizes []gamemath.PrizeValue, current *gamemath.Table) ([]gamemath.Entry, *decimal.Decimal, error) {
		entries, err := gamemath.Equal(prizes)
		return entries, keepTarget(current), err
	})
}

func (s *Store) ResetDefaults(ctx context.Context, gameKey string, mode gamemath.Mode, author string) (*gamemath.Table, error) {
	return s.replace(ctx, gameKey, mode, author, ActionResetDefaults, func(prizes []gamemath.PrizeValue, current *gamemath.Table) ([]gamemath.Entry, *decimal.Decimal, error) {
		entries, err := gamemath.TierDefaults(prizes)
		return entries, keepTarget(current), err
	})
}

func (s *Store) AuditLog(ctx context.Context, gameKey string, mode gamemath.Mode, limit int) ([]AuditRecord, error) {
	if _, ok := s.catalog.Game(gameKey); !ok {
		return nil, fmt.Errorf("%w: unknown game %s", ErrNotFound, gameKey)
	}
	return s.repo.AuditLog(ctx, gameKey, mode, limit)
}

// Seed writes default tables for every game and mode that has none.
func (s *Store) Seed(ctx context.Context, author string) error {
	for _, g := range s.catalog.ListGames() {
		for _, mode := range gamemath.Modes {
			_, err := s.repo.LoadTable(ctx, g.Key, mode)
			if err == nil {
				continue
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			if _, err := s.ResetDefaults(ctx, g.Key, mode, author); err != nil {
				return fmt.Errorf("seed %s/%s: %w", g.Key, mode, err)
			}
		}
	}
	return nil
}
