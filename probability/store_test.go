package probability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maniabrasil/raspadinha-rgs/gamemath"
	"github.com/maniabrasil/raspadinha-rgs/games"
	"github.com/maniabrasil/raspadinha-rgs/operator"

	"github.com/shopspring/decimal"
)

type recordingAlerter struct {
	mu     sync.Mutex
	events []operator.Event
}

func (a *recordingAlerter) Notify(_ context.Context, ev operator.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestStore(t *testing.T, opts ...Option) (*Store, *FileRepository) {
	t.Helper()
	repo, err := NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewStore(repo, games.Defaults(), opts...), repo
}

// pixEntries is a full pix table: the named prizes 101..104 plus no-win 100.
func pixEntries(noWin string) []gamemath.Entry {
	return []gamemath.Entry{
		{PrizeID: 101, Probability: d("0.1")},
		{PrizeID: 102, Probability: d("2")},
		{PrizeID: 103, Probability: d("30")},
		{PrizeID: 100, Probability: d(noWin)},
	}
}

func TestStore_SeedAndModesAreSeparate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.Seed(ctx, "system"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetTable(ctx, games.KeyPix, gamemath.ModeDemo, pixEntries("67.9"), "admin"); err != nil {
		t.Fatal(err)
	}
	real, err := s.Table(ctx, games.KeyPix, gamemath.ModeReal)
	if err != nil {
		t.Fatal(err)
	}
	demo, err := s.Table(ctx, games.KeyPix, gamemath.ModeDemo)
	if err != nil {
		t.Fatal(err)
	}
	if real.Probability(103).Equal(demo.Probability(103)) {
		t.Error("demo write leaked into the real table")
	}
	if err := real.Check(); err != nil {
		t.Errorf("seeded table invalid: %v", err)
	}
}

func TestStore_RejectsShortSumAndKeepsOldTable(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	before, err := s.SetTable(ctx, games.KeyPix, gamemath.ModeReal, pixEntries("67.9"), "admin")
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.SetTable(ctx, games.KeyPix, gamemath.ModeReal, pixEntries("67.8"), "admin")
	var verr *gamemath.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if !verr.CurrentSum.Equal(d("99.9")) {
		t.Errorf("currentSum = %s", verr.CurrentSum)
	}
	after, err := s.Table(ctx, games.KeyPix, gamemath.ModeReal)
	if err != nil {
		t.Fatal(err)
	}
	if after.Version != before.Version || !after.Probability(100).Equal(d("67.9")) {
		t.Errorf("table changed after rejected write: %+v", after)
	}
	log, _ := s.AuditLog(ctx, games.KeyPix, gamemath.ModeReal, 0)
	if len(log) != 1 {
		t.Errorf("rejected write must not be audited, got %d records", len(log))
	}
}

func TestStore_SetTableFillsMissingAndAudits(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	first, err := s.SetTable(ctx, games.KeyPix, gamemath.ModeReal, pixEntries("67.9"), "ana")
	if err != nil {
		t.Fatal(err)
	}
	prizes, _ := games.Defaults().Prizes(games.KeyPix)
	if len(first.Entries) != len(prizes) {
		t.Errorf("table has %d rows, catalog %d", len(first.Entries), len(prizes))
	}
	if !first.Probability(118).IsZero() {
		t.Error("omitted prize should be stored as 0")
	}
	second, err := s.SetTable(ctx, games.KeyPix, gamemath.ModeReal, pixEntries("67.9"), "bia")
	if err != nil {
		t.Fatal(err)
	}
	if second.Version != first.Version+1 {
		t.Errorf("version %d after %d", second.Version, first.Version)
	}
	log, err := s.AuditLog(ctx, games.KeyPix, gamemath.ModeReal, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 2 || log[0].Author != "bia" || log[1].Before != nil || len(log[0].Before) != len(prizes) {
		t.Errorf("unexpected audit log %+v", log)
	}
}

func TestStore_RejectsForeignPrize(t *testing.T) {
	s, _ := newTestStore(t)
	entries := append(pixEntries("67.9"), gamemath.Entry{PrizeID: 201, Probability: d("0")})
	_, err := s.SetTable(context.Background(), games.KeyPix, gamemath.ModeReal, entries, "admin")
	var verr *gamemath.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestStore_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Table(ctx, games.KeyPix, gamemath.ModeReal); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing table: %v", err)
	}
	if _, err := s.Table(ctx, "nope", gamemath.ModeReal); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown game: %v", err)
	}
	if _, err := s.ResetDefaults(ctx, "nope", gamemath.ModeReal, "admin"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown game write: %v", err)
	}
}

func TestStore_SweepstakeTargetPersists(t *testing.T) {
	dir := t.TempDir()
	repo, _ := NewFileRepository(dir)
	s := NewStore(repo, games.Defaults())
	ctx := context.Background()
	tb, err := s.DistributeBySweepstake(ctx, games.KeyMeMimei, gamemath.ModeReal, d("25"), "admin")
	if err != nil {
		t.Fatal(err)
	}
	if !tb.WinRate(200).Equal(d("25")) {
		t.Errorf("win rate %s", tb.WinRate(200))
	}
	if _, err := s.DistributeEqually(ctx, games.KeyMeMimei, gamemath.ModeReal, "admin"); err != nil {
		t.Fatal(err)
	}

	repo2, err := NewFileRepository(dir)
	if err != nil {
		t.Fatal(err)
	}
	reloaded, err := NewStore(repo2, games.Defaults()).Table(ctx, games.KeyMeMimei, gamemath.ModeReal)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.SweepstakeTarget == nil || !reloaded.SweepstakeTarget.Equal(d("25")) {
		t.Errorf("target not kept: %v", reloaded.SweepstakeTarget)
	}
	if !reloaded.Probability(200).IsZero() {
		t.Error("equal distribution gives the no-win prize 0")
	}
}

func TestStore_CorruptTableFailsClosed(t *testing.T) {
	alerts := &recordingAlerter{}
	s, repo := newTestStore(t, WithAlerter(alerts))
	ctx := context.Background()
	bad := &gamemath.Table{GameKey: games.KeyPix, Mode: gamemath.ModeReal, Entries: []gamemath.Entry{
		{PrizeID: 100, Probability: d("50")},
		{PrizeID: 101, Probability: d("40")},
	}}
	if _, err := repo.ReplaceTable(ctx, bad, AuditRecord{Author: "disk"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Table(ctx, games.KeyPix, gamemath.ModeReal); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("want ErrUnavailable, got %v", err)
		}
	}
	if alerts.count() != 1 {
		t.Errorf("alerts = %d, want 1 within the throttle window", alerts.count())
	}
	if _, err := s.SetTable(ctx, games.KeyPix, gamemath.ModeReal, pixEntries("67.9"), "admin"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Table(ctx, games.KeyPix, gamemath.ModeReal); err != nil {
		t.Errorf("valid write should restore service: %v", err)
	}
}

func TestStore_ReadersNeverSeePartialTables(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := s.ResetDefaults(ctx, games.KeyPix, gamemath.ModeReal, "admin"); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				tb, err := s.Table(ctx, games.KeyPix, gamemath.ModeReal)
				if err != nil {
					t.Error(err)
					return
				}
				if err := tb.Check(); err != nil {
					t.Errorf("reader saw invalid table: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		target := decimal.NewFromInt(int64(5 + i))
		if _, err := s.DistributeBySweepstake(ctx, games.KeyPix, gamemath.ModeReal, target, "admin"); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestStore_InvalidateReloads(t *testing.T) {
	s, repo := newTestStore(t, WithClock(func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }))
	ctx := context.Background()
	if _, err := s.SetTable(ctx, games.KeyPix, gamemath.ModeReal, pixEntries("67.9"), "admin"); err != nil {
		t.Fatal(err)
	}
	other := &gamemath.Table{GameKey: games.KeyPix, Mode: gamemath.ModeReal, Entries: gamemath.Normalize([]gamemath.Entry{
		{PrizeID: 100, Probability: d("90")},
		{PrizeID: 118, Probability: d("10")},
	})}
	if _, err := repo.ReplaceTable(ctx, other, AuditRecord{Author: "replica-2"}); err != nil {
		t.Fatal(err)
	}
	if tb, _ := s.Table(ctx, games.KeyPix, gamemath.ModeReal); tb.Probability(100).Equal(d("90")) {
		t.Fatal("cache should still hold the old table")
	}
	s.Invalidate(games.KeyPix, gamemath.ModeReal)
	if tb, _ := s.Table(ctx, games.KeyPix, gamemath.ModeReal); !tb.Probability(100).Equal(d("90")) {
		t.Error("Invalidate did not reload")
	}
}

func TestStore_WriteFromAnotherStoreIsNotServedStale(t *testing.T) {
	a, repo := newTestStore(t, WithRevalidateEvery(10*time.Millisecond))
	b := NewStore(repo, games.Defaults())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v1, err := b.SetTable(ctx, games.KeyPix, gamemath.ModeReal, pixEntries("67.9"), "admin")
	if err != nil {
		t.Fatal(err)
	}
	if tb, _ := a.Table(ctx, games.KeyPix, gamemath.ModeReal); tb.Version != v1.Version {
		t.Fatalf("version %d, want %d", tb.Version, v1.Version)
	}
	// b has no way to notify a; only revalidation can catch the write.
	v2, err := b.SetTable(ctx, games.KeyPix, gamemath.ModeReal, pixEntries("67.8"), "admin")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Revalidate(ctx); err != nil {
		t.Fatal(err)
	}
	if tb, _ := a.Table(ctx, games.KeyPix, gamemath.ModeReal); tb.Version != v2.Version {
		t.Fatalf("after Revalidate version %d, want %d", tb.Version, v2.Version)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Watch(ctx)
	}()
	v3, err := b.SetTable(ctx, games.KeyPix, gamemath.ModeReal, pixEntries("67.7"), "admin")
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		tb, err := a.Table(ctx, games.KeyPix, gamemath.ModeReal)
		if err != nil {
			t.Fatal(err)
		}
		if tb.Version == v3.Version {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("still serving version %d, want %d", tb.Version, v3.Version)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

// droppingNotifier ends its first subscription with an error when drop is
// closed and keeps the second one open.
type droppingNotifier struct {
	mu         sync.Mutex
	calls      int
	drop       chan struct{}
	subscribed chan int
}

func (n *droppingNotifier) Publish(context.Context, string, gamemath.Mode) error { return nil }

func (n *droppingNotifier) Subscribe(ctx context.Context, _ func(string, gamemath.Mode)) error {
	n.mu.Lock()
	n.calls++
	call := n.calls
	n.mu.Unlock()
	n.subscribed <- call
	if call == 1 {
		select {
		case <-n.drop:
			return errors.New("connection reset")
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func TestStore_WatchResubscribesAndDropsCache(t *testing.T) {
	n := &droppingNotifier{drop: make(chan struct{}), subscribed: make(chan int, 2)}
	a, repo := newTestStore(t, WithNotifier(n), WithRevalidateEvery(0))
	a.retryMin = time.Millisecond
	b := NewStore(repo, games.Defaults())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.Watch(ctx); err != nil {
			t.Errorf("Watch: %v", err)
		}
	}()
	<-n.subscribed

	if _, err := b.SetTable(ctx, games.KeyPix, gamemath.ModeReal, pixEntries("67.9"), "admin"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Table(ctx, games.KeyPix, gamemath.ModeReal); err != nil {
		t.Fatal(err)
	}
	v2, err := b.SetTable(ctx, games.KeyPix, gamemath.ModeReal, pixEntries("67.8"), "admin")
	if err != nil {
		t.Fatal(err)
	}
	close(n.drop)
	select {
	case call := <-n.subscribed:
		if call != 2 {
			t.Fatalf("subscribe call %d", call)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not resubscribe")
	}
	if tb, _ := a.Table(ctx, games.KeyPix, gamemath.ModeReal); tb.Version != v2.Version {
		t.Errorf("version %d after resubscribe, want %d", tb.Version, v2.Version)
	}
	cancel()
	<-done
}

// gatedRepository parks the next LoadTable after it has read from the
// underlying repository.
type gatedRepository struct {
	Repository
	hold    atomic.Bool
	loaded  chan struct{}
	release chan struct{}
}

func (r *gatedRepository) LoadTable(ctx context.Context, gameKey string, mode gamemath.Mode) (*gamemath.Table, error) {
	t, err := r.Repository.LoadTable(ctx, gameKey, mode)
	if r.hold.CompareAndSwap(true, false) {
		r.loaded <- struct{}{}
		<-r.release
	}
	return t, err
}

func TestStore_LoadOverlappingInvalidateIsNotCached(t *testing.T) {
	fileRepo, err := NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	repo := &gatedRepository{Repository: fileRepo, loaded: make(chan struct{}), release: make(chan struct{})}
	s := NewStore(repo, games.Defaults())
	ctx := context.Background()
	v1, err := s.SetTable(ctx, games.KeyPix, gamemath.ModeReal, pixEntries("67.9"), "admin")
	if err != nil {
		t.Fatal(err)
	}
	s.Invalidate(games.KeyPix, gamemath.ModeReal)

	repo.hold.Store(true)
	got := make(chan *gamemath.Table, 1)
	go func() {
		tb, err := s.Table(ctx, games.KeyPix, gamemath.ModeReal)
		if err != nil {
			t.Error(err)
		}
		got <- tb
	}()
	<-repo.loaded

	next := &gamemath.Table{GameKey: games.KeyPix, Mode: gamemath.ModeReal, Entries: gamemath.Normalize([]gamemath.Entry{
		{PrizeID: 100, Probability: d("90")},
		{PrizeID: 118, Probability: d("10")},
	})}
	v2, err := fileRepo.ReplaceTable(ctx, next, AuditRecord{Author: "replica-2"})
	if err != nil {
		t.Fatal(err)
	}
	s.Invalidate(games.KeyPix, gamemath.ModeReal)
	close(repo.release)

	if tb := <-got; tb == nil || tb.Version != v1.Version {
		t.Fatalf("in-flight load returned %+v", tb)
	}
	tb, err := s.Table(ctx, games.KeyPix, gamemath.ModeReal)
	if err != nil {
		t.Fatal(err)
	}
	if tb.Version != v2.Version {
		t.Errorf("served version %d after invalidation, want %d", tb.Version, v2.Version)
	}
}
