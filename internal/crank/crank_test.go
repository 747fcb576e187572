package crank_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/riverqueue/river"

	"github.com/recoveryroom/round-engine/internal/address"
	"github.com/recoveryroom/round-engine/internal/crank"
	"github.com/recoveryroom/round-engine/internal/ledger"
	"github.com/recoveryroom/round-engine/internal/lottery"
	"github.com/recoveryroom/round-engine/internal/model"
	"github.com/recoveryroom/round-engine/internal/oracle"
	"github.com/recoveryroom/round-engine/internal/store"
)

var (
	t0      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	program = address.NewProgram("crank-test")
)

func key(name string) string {
	return address.Encode(sha256.Sum256([]byte(name)))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type failingOracle struct{}

func (failingOracle) Request(context.Context, oracle.Request) error {
	return errors.New("unreachable")
}

func setup(t *testing.T, req oracle.Requester) (*lottery.Service, *crank.Crank, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: t0}
	svc := lottery.NewService(store.NewMemoryStore(), ledger.New(program, ""), program, req, nil, clock)
	return svc, crank.New(svc, clock), clock
}

func initialize(t *testing.T, svc *lottery.Service) {
	t.Helper()
	_, err := svc.Initialize(context.Background(), lottery.InitializeParams{
		Authority:         key("admin"),
		RoundDuration:     time.Hour,
		MaxEntriesPerUser: 3,
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
}

func advance(t *testing.T, c *crank.Crank, want crank.Action) {
	t.Helper()
	got, err := c.Advance(context.Background())
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestAdvance_FullCycle(t *testing.T) {
	ctx := context.Background()
	svc, c, clock := setup(t, nil)

	advance(t, c, crank.ActionNotInitialized)
	initialize(t, svc)

	advance(t, c, crank.ActionOpened)
	advance(t, c, crank.ActionNone)

	if _, err := svc.RegisterToken(ctx, 1, ledger.Registration{TokenID: key("X"), Ticker: "X"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.SubmitEntries(ctx, 1, key("alice"), []model.TokenEntry{{TokenID: key("X"), Ticker: "X"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	clock.Advance(time.Hour)
	advance(t, c, crank.ActionClosed)
	advance(t, c, crank.ActionAwaitingRandomness)

	r, err := svc.CurrentRound(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	var value model.Randomness
	value[3] = 9
	if err := svc.Deliver(ctx, r.ID, r.Request.RequestID, value); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	advance(t, c, crank.ActionOpened)
	next, err := svc.CurrentRound(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if next.ID != 2 || next.Status != model.StatusActive {
		t.Errorf("expected active round 2, got %+v", next)
	}
}

func TestAdvance_EmptyRoundStalls(t *testing.T) {
	svc, c, clock := setup(t, nil)
	initialize(t, svc)
	advance(t, c, crank.ActionOpened)

	clock.Advance(2 * time.Hour)
	advance(t, c, crank.ActionStalled)

	r, err := svc.CurrentRound(context.Background())
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if r.Status != model.StatusActive {
		t.Errorf("stalled round must be left untouched, got %s", r.Status)
	}
}

func TestAdvance_OracleFailureStillCloses(t *testing.T) {
	ctx := context.Background()
	svc, c, clock := setup(t, failingOracle{})
	initialize(t, svc)
	advance(t, c, crank.ActionOpened)

	if _, err := svc.RegisterToken(ctx, 1, ledger.Registration{TokenID: key("X"), Ticker: "X"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.SubmitEntries(ctx, 1, key("alice"), []model.TokenEntry{{TokenID: key("X"), Ticker: "X"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	clock.Advance(time.Hour)

	action, err := c.Advance(ctx)
	if !errors.Is(err, oracle.ErrOracleRequest) {
		t.Fatalf("expected ErrOracleRequest, got %v", err)
	}
	if action != crank.ActionClosed {
		t.Errorf("expected closed, got %s", action)
	}
	advance(t, c, crank.ActionAwaitingRandomness)
}

func TestRun_StopsWithContext(t *testing.T) {
	svc, c, _ := setup(t, nil)
	initialize(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		cfg, err := svc.Config(context.Background())
		if err == nil && cfg.CurrentRoundID == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("crank did not open a round")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAdvanceWorker(t *testing.T) {
	svc, c, _ := setup(t, nil)
	initialize(t, svc)

	w := crank.NewAdvanceWorker(c)
	if err := w.Work(context.Background(), &river.Job[crank.AdvanceJob]{}); err != nil {
		t.Fatalf("work: %v", err)
	}
	cfg, err := svc.Config(context.Background())
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.CurrentRoundID != 1 {
		t.Errorf("worker should have opened round 1, got %d", cfg.CurrentRoundID)
	}
	if (crank.AdvanceJob{}).Kind() != "round_advance" {
		t.Error("unexpected job kind")
	}
}
