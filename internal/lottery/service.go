// Package lottery provides the round service and its HTTP handlers. The
// service serializes every state change, persists the records a transition
// touches in one store transaction and emits events once the commit is
// durable.
package lottery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/recoveryroom/round-engine/internal/address"
	"github.com/recoveryroom/round-engine/internal/events"
	"github.com/recoveryroom/round-engine/internal/ledger"
	"github.com/recoveryroom/round-engine/internal/metrics"
	"github.com/recoveryroom/round-engine/internal/model"
	"github.com/recoveryroom/round-engine/internal/oracle"
	"github.com/recoveryroom/round-engine/internal/round"
	"github.com/recoveryroom/round-engine/internal/selector"
	"github.com/recoveryroom/round-engine/internal/store"
)

// Clock supplies the current time. Each operation reads it once.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Service runs round operations. Uses a mutex to serialize writes within one
// process; the store transaction keeps them atomic, and the Postgres store
// additionally locks the protocol row so that several processes serialize too.
type Service struct {
	store   store.Store
	ledger  *ledger.Ledger
	program address.Program
	oracle  oracle.Requester
	events  events.Publisher
	clock   Clock
	tracer  trace.Tracer
	mu      sync.Mutex
}

var _ oracle.Deliverer = (*Service)(nil)

// NewService creates a round service. A nil publisher drops events and a nil
// clock means the system clock.
func NewService(st store.Store, led *ledger.Ledger, program address.Program, req oracle.Requester, pub events.Publisher, clock Clock) *Service {
	if req == nil {
		req = oracle.Manual{}
	}
	if pub == nil {
		pub = events.Multi{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Service{
		store:   st,
		ledger:  led,
		program: program,
		oracle:  req,
		events:  pub,
		clock:   clock,
		tracer:  otel.Tracer("github.com/recoveryroom/round-engine/internal/lottery"),
	}
}

// Policy returns the unknown-token policy the service applies.
func (s *Service) Policy() model.UnknownTokenPolicy {
	return s.ledger.Policy()
}

// InitializeParams are the one-time protocol settings.
type InitializeParams struct {
	Authority         string
	RoundDuration     time.Duration
	MinLossPercentage uint8
	MaxEntriesPerUser uint8
}

// Initialize creates the protocol config. It fails with
// round.ErrAlreadyInitialized if one exists.
func (s *Service) Initialize(ctx context.Context, p InitializeParams) (cfg *model.ProtocolConfig, err error) {
	ctx, span := s.tracer.Start(ctx, "lottery.Initialize")
	defer func() { s.finish(span, "initialize", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	err = s.store.Atomically(ctx, func(tx store.Tx) error {
		if _, err := tx.Config(ctx); err == nil {
			return round.ErrAlreadyInitialized
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		created, err := round.Initialize(p.Authority, p.RoundDuration, p.MinLossPercentage, p.MaxEntriesPerUser, now)
		if err != nil {
			return err
		}
		cfg = &created
		return tx.PutConfig(ctx, created)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("protocol initialized",
		"authority", cfg.Authority,
		"round_duration", cfg.RoundDuration.String(),
		"max_entries_per_user", cfg.MaxEntriesPerUser,
	)
	return cfg, nil
}

// Config returns the protocol config, or round.ErrNotInitialized.
func (s *Service) Config(ctx context.Context) (*model.ProtocolConfig, error) {
	cfg, err := s.store.GetConfig(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, round.ErrNotInitialized
	}
	return cfg, err
}

// OpenRound starts the round after the current one.
func (s *Service) OpenRound(ctx context.Context) (r *model.Round, err error) {
	ctx, span := s.tracer.Start(ctx, "lottery.OpenRound")
	defer func() { s.finish(span, "open", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	err = s.store.Atomically(ctx, func(tx store.Tx) error {
		cfg, err := txConfig(ctx, tx)
		if err != nil {
			return err
		}
		var prev *model.Round
		if cfg.CurrentRoundID > 0 {
			prev, err = tx.Round(ctx, cfg.CurrentRoundID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		next, opened, pool, err := round.Open(*cfg, prev, s.program, now)
		if err != nil {
			return err
		}
		if err := tx.PutConfig(ctx, next); err != nil {
			return err
		}
		if err := tx.PutRound(ctx, opened); err != nil {
			return err
		}
		if err := tx.PutPool(ctx, pool); err != nil {
			return err
		}
		r = opened
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int64("round_id", int64(r.ID)))
	metrics.RoundsOpened.Inc()
	metrics.CurrentRound.Set(float64(r.ID))
	slog.Info("round opened", "round_id", r.ID, "address", r.Address, "end_time", r.EndTime)

	s.emit(ctx, events.TypeRoundOpened, r.ID, now, events.RoundOpened{
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		Address:   r.Address,
	})
	return r, nil
}

// RegisterToken adds a token to a round's pool.
func (s *Service) RegisterToken(ctx context.Context, roundID uint64, reg ledger.Registration) (pool *model.TokenPool, err error) {
	ctx, span := s.tracer.Start(ctx, "lottery.RegisterToken",
		trace.WithAttributes(attribute.Int64("round_id", int64(roundID))))
	defer func() { s.finish(span, "register_token", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	err = s.store.Atomically(ctx, func(tx store.Tx) error {
		r, err := tx.Round(ctx, roundID)
		if err != nil {
			return err
		}
		current, err := tx.Pool(ctx, roundID)
		if err != nil {
			return err
		}
		next, err := s.ledger.RegisterToken(r, current, reg, now)
		if err != nil {
			return err
		}
		pool = next
		return tx.PutPool(ctx, next)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("token registered", "round_id", roundID, "token", reg.TokenID, "ticker", reg.Ticker)
	return pool, nil
}

// Submission is the result of a successful SubmitEntries call.
type Submission struct {
	Participation *model.Participation
	Round         *model.Round
	Unweighted    []string
}

// SubmitEntries records user's participation in a round. A token listed
// twice in entries is rejected with round.ErrInvalidToken rather than counted
// twice.
func (s *Service) SubmitEntries(ctx context.Context, roundID uint64, user string, entries []model.TokenEntry) (sub *Submission, err error) {
	ctx, span := s.tracer.Start(ctx, "lottery.SubmitEntries",
		trace.WithAttributes(attribute.Int64("round_id", int64(roundID)), attribute.Int("entries", len(entries))))
	defer func() { s.finish(span, "submit_entries", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	err = s.store.Atomically(ctx, func(tx store.Tx) error {
		cfg, err := txConfig(ctx, tx)
		if err != nil {
			return err
		}
		r, err := tx.Round(ctx, roundID)
		if err != nil {
			return err
		}
		pool, err := tx.Pool(ctx, roundID)
		if err != nil {
			return err
		}
		existing, err := tx.Participation(ctx, roundID, user)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		res, err := s.ledger.SubmitEntries(*cfg, r, pool, existing, user, entries, now)
		if err != nil {
			return err
		}
		if err := tx.PutRound(ctx, res.Round); err != nil {
			return err
		}
		if err := tx.PutPool(ctx, res.Pool); err != nil {
			return err
		}
		if err := tx.InsertParticipation(ctx, res.Participation); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				return fmt.Errorf("%w: %w", round.ErrAlreadyParticipated, err)
			}
			return err
		}
		sub = &Submission{Participation: res.Participation, Round: res.Round, Unweighted: res.Unweighted}
		return nil
	})
	if err != nil {
		return nil, err
	}

	weighted := len(entries) - len(sub.Unweighted)
	metrics.Participations.Inc()
	metrics.Entries.WithLabelValues("true").Add(float64(weighted))
	if n := len(sub.Unweighted); n > 0 {
		metrics.Entries.WithLabelValues("false").Add(float64(n))
		slog.Warn("entries recorded without weight", "round_id", roundID, "user", user, "tokens", sub.Unweighted)
	}
	slog.Info("user participated", "round_id", roundID, "user", user, "token_count", len(entries))

	s.emit(ctx, events.TypeUserParticipated, roundID, now, events.UserParticipated{
		User:       user,
		TokenCount: len(entries),
	})
	return sub, nil
}

// CloseRound ends an expired round and asks the oracle for randomness. The
// transition is committed before the oracle is contacted; if the request
// fails the round stays RandomnessRequested and the returned error wraps
// oracle.ErrOracleRequest alongside the closed round.
func (s *Service) CloseRound(ctx context.Context, roundID uint64) (r *model.Round, err error) {
	ctx, span := s.tracer.Start(ctx, "lottery.CloseRound",
		trace.WithAttributes(attribute.Int64("round_id", int64(roundID))))
	defer func() { s.finish(span, "close", err) }()

	r, now, err := s.closeRound(ctx, roundID)
	if err != nil {
		return nil, err
	}

	slog.Info("randomness requested", "round_id", r.ID, "request_id", r.Request.RequestID,
		"participants", r.TotalParticipants, "entries", r.TotalEntries)
	s.emit(ctx, events.TypeRandomnessRequested, r.ID, now, events.RandomnessRequested{
		RequestID: r.Request.RequestID,
	})

	req := oracle.Request{
		RoundID:     r.ID,
		RequestID:   r.Request.RequestID,
		Seed:        r.Address,
		RequestedAt: r.Request.RequestedAt,
	}
	if err := s.oracle.Request(ctx, req); err != nil {
		metrics.OracleRequestFailures.Inc()
		slog.Error("randomness request failed", "round_id", r.ID, "request_id", req.RequestID, "err", err)
		if errors.Is(err, oracle.ErrOracleRequest) {
			return r, err
		}
		return r, fmt.Errorf("%w: %w", oracle.ErrOracleRequest, err)
	}
	return r, nil
}

// closeRound commits the transition under the lock. The oracle call happens
// after the lock is released so that a synchronous delivery can re-enter.
func (s *Service) closeRound(ctx context.Context, roundID uint64) (*model.Round, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	var closed *model.Round
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		r, err := tx.Round(ctx, roundID)
		if err != nil {
			return err
		}
		next, err := round.CloseForRandomness(r, uuid.NewString(), now)
		if err != nil {
			return err
		}
		closed = next
		return tx.PutRound(ctx, next)
	})
	return closed, now, err
}

// Resolution is the outcome of a delivered value.
type Resolution struct {
	Round *model.Round
	Draw  *selector.Draw
}

// Deliver implements oracle.Deliverer.
func (s *Service) Deliver(ctx context.Context, roundID uint64, requestID string, value model.Randomness) error {
	_, err := s.Resolve(ctx, roundID, requestID, value)
	return err
}

// ResolveBeacon resolves roundID with a beacon output after checking its
// signature against publicKey and that it was signed for this round.
func (s *Service) ResolveBeacon(ctx context.Context, roundID uint64, publicKey []byte, out oracle.BeaconOutput) (*Resolution, error) {
	if err := oracle.VerifyBeacon(publicKey, out); err != nil {
		return nil, err
	}
	if out.RoundID != roundID {
		return nil, fmt.Errorf("%w: signed for round %d", oracle.ErrBadBeacon, out.RoundID)
	}
	r, err := s.Round(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if out.Seed != r.Address {
		return nil, fmt.Errorf("%w: signed for seed %s", oracle.ErrBadBeacon, out.Seed)
	}
	return s.Resolve(ctx, roundID, out.RequestID, out.Value)
}

// Resolve applies a delivered randomness value to a round. requestID must
// match the handle recorded when the round closed. Any call on a round that
// is not awaiting randomness fails with round.ErrInvalidState, whatever the
// request id.
func (s *Service) Resolve(ctx context.Context, roundID uint64, requestID string, value model.Randomness) (res *Resolution, err error) {
	ctx, span := s.tracer.Start(ctx, "lottery.Resolve",
		trace.WithAttributes(attribute.Int64("round_id", int64(roundID))))
	defer func() { s.finish(span, "resolve", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	err = s.store.Atomically(ctx, func(tx store.Tx) error {
		cfg, err := txConfig(ctx, tx)
		if err != nil {
			return err
		}
		r, err := tx.Round(ctx, roundID)
		if err != nil {
			return err
		}
		if r.Status == model.StatusRandomnessRequested && r.Request != nil && r.Request.RequestID != requestID {
			return fmt.Errorf("%w: round %d waits for %s", round.ErrUnknownRequest, roundID, r.Request.RequestID)
		}
		pool, err := tx.Pool(ctx, roundID)
		if err != nil {
			return err
		}

		nextCfg, completed, draw, err := round.Resolve(*cfg, r, pool, value, now)
		if err != nil {
			return err
		}
		if err := tx.PutConfig(ctx, nextCfg); err != nil {
			return err
		}
		if err := tx.PutRound(ctx, completed); err != nil {
			return err
		}
		res = &Resolution{Round: completed, Draw: draw}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r := res.Round
	metrics.RoundsCompleted.Inc()
	if r.Request != nil {
		metrics.RandomnessLatency.Observe(now.Sub(r.Request.RequestedAt).Seconds())
	}
	if res.Draw.Fallback {
		metrics.DrawFallbacks.Inc()
	}
	slog.Info("round completed",
		"round_id", r.ID,
		"winner", r.Outcome.Winner,
		"randomness", r.Outcome.Randomness.String(),
		"target_fraction", res.Draw.TargetFraction,
		"total_weight", res.Draw.TotalWeight,
	)

	s.emit(ctx, events.TypeRoundCompleted, r.ID, now, events.RoundCompleted{
		Winner:            r.Outcome.Winner,
		Randomness:        r.Outcome.Randomness,
		TotalParticipants: r.TotalParticipants,
		TotalEntries:      r.TotalEntries,
		Draw:              res.Draw,
	})
	return res, nil
}

// --- Queries ---

// Round returns a round by id.
func (s *Service) Round(ctx context.Context, id uint64) (*model.Round, error) {
	return s.store.GetRound(ctx, id)
}

// CurrentRound returns the most recently opened round. It fails with
// store.ErrNotFound before the first round.
func (s *Service) CurrentRound(ctx context.Context) (*model.Round, error) {
	cfg, err := s.Config(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.CurrentRoundID == 0 {
		return nil, fmt.Errorf("%w: no round opened yet", store.ErrNotFound)
	}
	return s.store.GetRound(ctx, cfg.CurrentRoundID)
}

// ListRounds returns rounds newest first.
func (s *Service) ListRounds(ctx context.Context, limit int) ([]model.Round, error) {
	return s.store.ListRounds(ctx, limit)
}

// Pool returns a round's token pool.
func (s *Service) Pool(ctx context.Context, roundID uint64) (*model.TokenPool, error) {
	return s.store.GetPool(ctx, roundID)
}

// Participation returns a user's record in a round.
func (s *Service) Participation(ctx context.Context, roundID uint64, user string) (*model.Participation, error) {
	return s.store.GetParticipation(ctx, roundID, user)
}

// Participations lists a round's records in submission order.
func (s *Service) Participations(ctx context.Context, roundID uint64) ([]model.Participation, error) {
	return s.store.ListParticipations(ctx, roundID)
}

// --- helpers ---

func txConfig(ctx context.Context, tx store.Tx) (*model.ProtocolConfig, error) {
	cfg, err := tx.Config(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, round.ErrNotInitialized
	}
	return cfg, err
}

func (s *Service) emit(ctx context.Context, typ events.Type, roundID uint64, at time.Time, data any) {
	ev := events.Event{Type: typ, RoundID: roundID, Timestamp: at, Data: data}
	if err := s.events.Publish(ctx, ev); err != nil {
		slog.Warn("event publish failed", "type", typ, "round_id", roundID, "err", err)
	}
}

func (s *Service) finish(span trace.Span, op string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.Rejections.WithLabelValues(op, Reason(err)).Inc()
	}
	span.End()
}
