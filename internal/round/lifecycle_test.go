package round_test

import (
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/recoveryroom/round-engine/internal/address"
	"github.com/recoveryroom/round-engine/internal/ledger"
	"github.com/recoveryroom/round-engine/internal/model"
	"github.com/recoveryroom/round-engine/internal/round"
)

var (
	t0      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	program = address.NewProgram("round-test")
)

func key(name string) string {
	return address.Encode(sha256.Sum256([]byte(name)))
}

func initConfig(t *testing.T) model.ProtocolConfig {
	t.Helper()
	cfg, err := round.Initialize(key("admin"), time.Hour, 80, 3, t0)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return cfg
}

func randomness(b byte) model.Randomness {
	var r model.Randomness
	for i := range r {
		r[i] = b
	}
	return r
}

// openWithEntries opens round 1 at t0, registers token X and submits one entry
// for it.
func openWithEntries(t *testing.T) (model.ProtocolConfig, *model.Round, *model.TokenPool) {
	t.Helper()
	cfg, r, pool, err := round.Open(initConfig(t), nil, program, t0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l := ledger.New(program, model.PolicyStrict)
	pool, err = l.RegisterToken(r, pool, ledger.Registration{TokenID: key("X"), Ticker: "XTK"}, t0)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := l.SubmitEntries(cfg, r, pool, nil, key("alice"), []model.TokenEntry{{TokenID: key("X"), Ticker: "XTK"}}, t0.Add(time.Second))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return cfg, res.Round, res.Pool
}

// --- Initialize ---

func TestInitialize_Defaults(t *testing.T) {
	cfg := initConfig(t)
	if cfg.CurrentRoundID != 0 || cfg.TotalRoundsCompleted != 0 {
		t.Errorf("counters should start at zero: %+v", cfg)
	}
	if cfg.MaxEntriesPerUser != 3 || cfg.MinLossPercentage != 80 || cfg.RoundDuration != time.Hour {
		t.Errorf("settings not recorded: %+v", cfg)
	}
}

func TestInitialize_Validation(t *testing.T) {
	tests := []struct {
		name       string
		authority  string
		duration   time.Duration
		minLoss    uint8
		maxEntries uint8
	}{
		{"zero duration", key("admin"), 0, 80, 3},
		{"negative duration", key("admin"), -time.Second, 80, 3},
		{"loss over 100", key("admin"), time.Hour, 101, 3},
		{"zero max entries", key("admin"), time.Hour, 80, 0},
		{"malformed authority", "admin", time.Hour, 80, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := round.Initialize(tt.authority, tt.duration, tt.minLoss, tt.maxEntries, t0)
			if !errors.Is(err, round.ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

// --- Open ---

func TestOpen_FirstRound(t *testing.T) {
	cfg, r, pool, err := round.Open(initConfig(t), nil, program, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CurrentRoundID != 1 || r.ID != 1 {
		t.Errorf("expected round 1, cfg=%d round=%d", cfg.CurrentRoundID, r.ID)
	}
	if r.Status != model.StatusActive {
		t.Errorf("expected active, got %s", r.Status)
	}
	if !r.EndTime.Equal(t0.Add(time.Hour)) {
		t.Errorf("end time = %s, want %s", r.EndTime, t0.Add(time.Hour))
	}
	if r.TotalEntries != 0 || r.TotalParticipants != 0 {
		t.Errorf("counters not zeroed: %+v", r)
	}
	if pool.RoundID != 1 || len(pool.Entries) != 0 {
		t.Errorf("expected empty pool for round 1, got %+v", pool)
	}
	if _, ok := r.Phase().(model.ActivePhase); !ok {
		t.Errorf("expected ActivePhase, got %T", r.Phase())
	}
}

func TestOpen_ConfigInputUnchanged(t *testing.T) {
	cfg := initConfig(t)
	before := cfg
	if _, _, _, err := round.Open(cfg, nil, program, t0); err != nil {
		t.Fatalf("open: %v", err)
	}
	if diff := cmp.Diff(before, cfg); diff != "" {
		t.Errorf("input config mutated:\n%s", diff)
	}
}

func TestOpen_PreviousIncomplete(t *testing.T) {
	cfg, r, _, err := round.Open(initConfig(t), nil, program, t0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, _, _, err = round.Open(cfg, r, program, t0.Add(2*time.Hour))
	if !errors.Is(err, round.ErrPreviousRoundIncomplete) {
		t.Fatalf("expected ErrPreviousRoundIncomplete for active round, got %v", err)
	}

	requested := r.Clone()
	requested.Status = model.StatusRandomnessRequested
	_, _, _, err = round.Open(cfg, requested, program, t0.Add(2*time.Hour))
	if !errors.Is(err, round.ErrPreviousRoundIncomplete) {
		t.Fatalf("expected ErrPreviousRoundIncomplete for requested round, got %v", err)
	}

	_, _, _, err = round.Open(cfg, nil, program, t0.Add(2*time.Hour))
	if !errors.Is(err, round.ErrPreviousRoundIncomplete) {
		t.Fatalf("expected ErrPreviousRoundIncomplete for missing round, got %v", err)
	}
}

func TestOpen_AfterComplete(t *testing.T) {
	cfg, r, pool := openWithEntries(t)
	closed, err := round.CloseForRandomness(r, "req-1", r.EndTime)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	cfg, done, _, err := round.Resolve(cfg, closed, pool, randomness(7), r.EndTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	next := done.EndTime.Add(time.Minute)
	cfg, r2, pool2, err := round.Open(cfg, done, program, next)
	if err != nil {
		t.Fatalf("open second round: %v", err)
	}
	if r2.ID != 2 || cfg.CurrentRoundID != 2 || pool2.RoundID != 2 {
		t.Errorf("expected round 2, got round=%d cfg=%d pool=%d", r2.ID, cfg.CurrentRoundID, pool2.RoundID)
	}
	if r2.Address == done.Address {
		t.Error("rounds must have distinct addresses")
	}
}

func TestOpen_NotInitialized(t *testing.T) {
	_, _, _, err := round.Open(model.ProtocolConfig{}, nil, program, t0)
	if !errors.Is(err, round.ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
}

// --- CloseForRandomness ---

func TestClose_TimingScenario(t *testing.T) {
	_, r, _ := openWithEntries(t)

	if _, err := round.CloseForRandomness(r, "req", t0.Add(10*time.Second)); !errors.Is(err, round.ErrRoundNotEnded) {
		t.Fatalf("expected ErrRoundNotEnded at t=10, got %v", err)
	}
	if r.Status != model.StatusActive {
		t.Fatalf("failed close must not change status, got %s", r.Status)
	}

	closed, err := round.CloseForRandomness(r, "req", t0.Add(3601*time.Second))
	if err != nil {
		t.Fatalf("close at t=3601: %v", err)
	}
	if closed.Status != model.StatusRandomnessRequested {
		t.Errorf("expected randomness_requested, got %s", closed.Status)
	}
	if closed.Request == nil || closed.Request.RequestID != "req" {
		t.Errorf("request handle not recorded: %+v", closed.Request)
	}
	if _, ok := closed.Winner(); ok {
		t.Error("winner must not be readable before completion")
	}
	if r.Status != model.StatusActive {
		t.Error("input round mutated")
	}
}

func TestClose_AtExactEnd(t *testing.T) {
	_, r, _ := openWithEntries(t)
	if _, err := round.CloseForRandomness(r, "req", r.EndTime); err != nil {
		t.Errorf("close at end_time should succeed, got %v", err)
	}
}

func TestClose_NoParticipants(t *testing.T) {
	_, r, _, err := round.Open(initConfig(t), nil, program, t0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := round.CloseForRandomness(r, "req", r.EndTime); !errors.Is(err, round.ErrNoParticipants) {
		t.Errorf("expected ErrNoParticipants, got %v", err)
	}
}

func TestClose_CheckOrder(t *testing.T) {
	_, r, _ := openWithEntries(t)
	closed, err := round.CloseForRandomness(r, "req", r.EndTime)
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	// Early close of a non-active round reports timing first.
	if _, err := round.CloseForRandomness(closed, "req", t0); !errors.Is(err, round.ErrRoundNotEnded) {
		t.Errorf("expected ErrRoundNotEnded, got %v", err)
	}
	if _, err := round.CloseForRandomness(closed, "req", r.EndTime); !errors.Is(err, round.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on second close, got %v", err)
	}
}

// --- Resolve ---

func TestResolve_ZeroRandomness(t *testing.T) {
	cfg, r, pool := openWithEntries(t)
	closed, err := round.CloseForRandomness(r, "req", r.EndTime)
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	_, next, _, err := round.Resolve(cfg, closed, pool, model.Randomness{}, r.EndTime)
	if !errors.Is(err, round.ErrRandomnessNotResolved) {
		t.Fatalf("expected ErrRandomnessNotResolved, got %v", err)
	}
	if next != nil {
		t.Error("no round should be returned on failure")
	}
	if closed.Status != model.StatusRandomnessRequested {
		t.Errorf("status changed to %s", closed.Status)
	}
}

func TestResolve_CompletesRound(t *testing.T) {
	cfg, r, pool := openWithEntries(t)
	closed, err := round.CloseForRandomness(r, "req", r.EndTime)
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	value := randomness(0x42)
	cfg, done, draw, err := round.Resolve(cfg, closed, pool, value, r.EndTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.TotalRoundsCompleted != 1 {
		t.Errorf("expected 1 completed round, got %d", cfg.TotalRoundsCompleted)
	}
	winner, ok := done.Winner()
	if !ok || winner != key("X") || draw.Winner != winner {
		t.Errorf("expected winner X, got %q ok=%v draw=%q", winner, ok, draw.Winner)
	}
	got, ok := done.Randomness()
	if !ok || got != value {
		t.Errorf("randomness not stored")
	}
	phase, ok := done.Phase().(model.CompletePhase)
	if !ok || phase.Winner != winner {
		t.Errorf("expected CompletePhase with winner, got %#v", done.Phase())
	}
}

func TestResolve_Idempotent(t *testing.T) {
	cfg, r, pool := openWithEntries(t)
	closed, _ := round.CloseForRandomness(r, "req", r.EndTime)
	cfg, done, _, err := round.Resolve(cfg, closed, pool, randomness(1), r.EndTime)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	before := done.Clone()
	cfgAfter, again, _, err := round.Resolve(cfg, done, pool, randomness(2), r.EndTime.Add(time.Hour))
	if !errors.Is(err, round.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second resolve, got %v", err)
	}
	if again != nil {
		t.Error("second resolve must not return a round")
	}
	if cfgAfter.TotalRoundsCompleted != cfg.TotalRoundsCompleted {
		t.Error("second resolve must not advance the completed counter")
	}
	if diff := cmp.Diff(before, done); diff != "" {
		t.Errorf("completed round mutated:\n%s", diff)
	}
}

func TestResolve_ActiveRoundRejected(t *testing.T) {
	cfg, r, pool := openWithEntries(t)
	if _, _, _, err := round.Resolve(cfg, r, pool, randomness(3), r.EndTime); !errors.Is(err, round.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestResolve_OnlyUnweightedEntries(t *testing.T) {
	cfg, r, pool, err := round.Open(initConfig(t), nil, program, t0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l := ledger.New(program, model.PolicyLenient)
	res, err := l.SubmitEntries(cfg, r, pool, nil, key("bob"), []model.TokenEntry{{TokenID: key("ghost"), Ticker: "GH"}}, t0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	closed, err := round.CloseForRandomness(res.Round, "req", r.EndTime)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	_, _, _, err = round.Resolve(cfg, closed, res.Pool, randomness(9), r.EndTime)
	if !errors.Is(err, round.ErrNoParticipants) {
		t.Errorf("expected ErrNoParticipants, got %v", err)
	}
}

func TestStateOrdering(t *testing.T) {
	cfg, r, pool := openWithEntries(t)
	states := []model.Status{r.Status}

	closed, err := round.CloseForRandomness(r, "req", r.EndTime)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	states = append(states, closed.Status)

	_, done, _, err := round.Resolve(cfg, closed, pool, randomness(5), r.EndTime)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	states = append(states, done.Status)

	want := []model.Status{model.StatusActive, model.StatusRandomnessRequested, model.StatusComplete}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("state sequence mismatch:\n%s", diff)
	}
}
