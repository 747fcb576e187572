package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recoveryroom/round-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const pgErrUniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Transactions lock the protocol config row first, which serializes
// lifecycle operations across every process sharing the database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded SQL files in lexical order. Every file is
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		data, err := fs.ReadFile(migrationsFS, "migrations/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

func (s *PostgresStore) Atomically(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{q: tx, lock: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) reader() *pgTx {
	return &pgTx{q: s.pool}
}

func (s *PostgresStore) GetConfig(ctx context.Context) (*model.ProtocolConfig, error) {
	return s.reader().Config(ctx)
}

func (s *PostgresStore) GetRound(ctx context.Context, id uint64) (*model.Round, error) {
	return s.reader().Round(ctx, id)
}

func (s *PostgresStore) GetPool(ctx context.Context, roundID uint64) (*model.TokenPool, error) {
	return s.reader().Pool(ctx, roundID)
}

func (s *PostgresStore) GetParticipation(ctx context.Context, roundID uint64, user string) (*model.Participation, error) {
	return s.reader().Participation(ctx, roundID, user)
}

func (s *PostgresStore) ListRounds(ctx context.Context, limit int) ([]model.Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds ORDER BY round_id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	var rounds []model.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, *r)
	}
	return rounds, rows.Err()
}

func (s *PostgresStore) ListParticipations(ctx context.Context, roundID uint64) ([]model.Participation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT round_id, user_address, address, entries, created_at
		 FROM participations WHERE round_id = $1 ORDER BY seq`, int64(roundID))
	if err != nil {
		return nil, fmt.Errorf("list participations: %w", err)
	}
	defer rows.Close()

	var parts []model.Participation
	for rows.Next() {
		p, err := scanParticipation(rows)
		if err != nil {
			return nil, err
		}
		parts = append(parts, *p)
	}
	return parts, rows.Err()
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// pgTx runs queries against a transaction, or the pool for plain reads. lock
// adds FOR UPDATE to row reads.
type pgTx struct {
	q    querier
	lock bool
}

func (t *pgTx) forUpdate() string {
	if t.lock {
		return " FOR UPDATE"
	}
	return ""
}

func (t *pgTx) Config(ctx context.Context) (*model.ProtocolConfig, error) {
	var (
		cfg               model.ProtocolConfig
		durationNS        int64
		minLoss, maxEntry int16
		current, total    int64
	)
	err := t.q.QueryRow(ctx,
		`SELECT authority, round_duration_ns, min_loss_percentage, max_entries_per_user,
		        current_round_id, total_rounds_completed, initialized_at
		 FROM protocol_config WHERE id = 1`+t.forUpdate()).
		Scan(&cfg.Authority, &durationNS, &minLoss, &maxEntry, &current, &total, &cfg.InitializedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get protocol config: %w", err)
	}
	cfg.RoundDuration = time.Duration(durationNS)
	cfg.MinLossPercentage = uint8(minLoss)
	cfg.MaxEntriesPerUser = uint8(maxEntry)
	cfg.CurrentRoundID = uint64(current)
	cfg.TotalRoundsCompleted = uint64(total)
	return &cfg, nil
}

func (t *pgTx) PutConfig(ctx context.Context, cfg model.ProtocolConfig) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO protocol_config (id, authority, round_duration_ns, min_loss_percentage,
		        max_entries_per_user, current_round_id, total_rounds_completed, initialized_at)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		        authority = EXCLUDED.authority,
		        round_duration_ns = EXCLUDED.round_duration_ns,
		        min_loss_percentage = EXCLUDED.min_loss_percentage,
		        max_entries_per_user = EXCLUDED.max_entries_per_user,
		        current_round_id = EXCLUDED.current_round_id,
		        total_rounds_completed = EXCLUDED.total_rounds_completed`,
		cfg.Authority, int64(cfg.RoundDuration), int16(cfg.MinLossPercentage), int16(cfg.MaxEntriesPerUser),
		int64(cfg.CurrentRoundID), int64(cfg.TotalRoundsCompleted), cfg.InitializedAt,
	)
	if err != nil {
		return fmt.Errorf("put protocol config: %w", err)
	}
	return nil
}

const roundColumns = `round_id, address, start_time, end_time, status,
	total_participants, total_entries, unweighted_entries,
	request_id, requested_at, randomness, winner, resolved_at`

func (t *pgTx) Round(ctx context.Context, id uint64) (*model.Round, error) {
	row := t.q.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE round_id = $1`+t.forUpdate(), int64(id))
	r, err := scanRound(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: round %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get round %d: %w", id, err)
	}
	return r, nil
}

func (t *pgTx) PutRound(ctx context.Context, r *model.Round) error {
	var (
		requestID, winner       *string
		requestedAt, resolvedAt *time.Time
		randomness              []byte
	)
	if r.Request != nil {
		requestID = &r.Request.RequestID
		requestedAt = &r.Request.RequestedAt
	}
	if r.Outcome != nil {
		randomness = r.Outcome.Randomness[:]
		winner = &r.Outcome.Winner
		resolvedAt = &r.Outcome.ResolvedAt
	}

	_, err := t.q.Exec(ctx,
		`INSERT INTO rounds (`+roundColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (round_id) DO UPDATE SET
		        status = EXCLUDED.status,
		        total_participants = EXCLUDED.total_participants,
		        total_entries = EXCLUDED.total_entries,
		        unweighted_entries = EXCLUDED.unweighted_entries,
		        request_id = EXCLUDED.request_id,
		        requested_at = EXCLUDED.requested_at,
		        randomness = EXCLUDED.randomness,
		        winner = EXCLUDED.winner,
		        resolved_at = EXCLUDED.resolved_at`,
		int64(r.ID), r.Address, r.StartTime, r.EndTime, string(r.Status),
		int64(r.TotalParticipants), int64(r.TotalEntries), int64(r.UnweightedEntries),
		requestID, requestedAt, randomness, winner, resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("put round %d: %w", r.ID, err)
	}
	return nil
}

func (t *pgTx) Pool(ctx context.Context, roundID uint64) (*model.TokenPool, error) {
	var addr string
	err := t.q.QueryRow(ctx, `SELECT address FROM token_pools WHERE round_id = $1`+t.forUpdate(), int64(roundID)).Scan(&addr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: pool for round %d", ErrNotFound, roundID)
		}
		return nil, fmt.Errorf("get pool %d: %w", roundID, err)
	}

	rows, err := t.q.Query(ctx,
		`SELECT token_id, ticker, submission_count, color, registered_at
		 FROM token_pool_entries WHERE round_id = $1 ORDER BY position`, int64(roundID))
	if err != nil {
		return nil, fmt.Errorf("get pool entries %d: %w", roundID, err)
	}
	defer rows.Close()

	pool := model.NewTokenPool(roundID, addr)
	for rows.Next() {
		var (
			e     model.TokenPoolEntry
			count int64
		)
		if err := rows.Scan(&e.TokenID, &e.Ticker, &count, &e.Color, &e.RegisteredAt); err != nil {
			return nil, err
		}
		e.SubmissionCount = uint32(count)
		pool.Entries[e.TokenID] = e
		pool.Order = append(pool.Order, e.TokenID)
	}
	return pool, rows.Err()
}

func (t *pgTx) PutPool(ctx context.Context, p *model.TokenPool) error {
	batch := &pgx.Batch{}
	batch.Queue(
		`INSERT INTO token_pools (round_id, address) VALUES ($1, $2)
		 ON CONFLICT (round_id) DO NOTHING`,
		int64(p.RoundID), p.Address,
	)
	for i, id := range p.Order {
		e := p.Entries[id]
		batch.Queue(
			`INSERT INTO token_pool_entries (round_id, token_id, position, ticker, submission_count, color, registered_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (round_id, token_id) DO UPDATE SET submission_count = EXCLUDED.submission_count`,
			int64(p.RoundID), e.TokenID, i, e.Ticker, int64(e.SubmissionCount), e.Color, e.RegisteredAt,
		)
	}
	if err := t.q.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("put pool %d: %w", p.RoundID, err)
	}
	return nil
}

func (t *pgTx) Participation(ctx context.Context, roundID uint64, user string) (*model.Participation, error) {
	row := t.q.QueryRow(ctx,
		`SELECT round_id, user_address, address, entries, created_at
		 FROM participations WHERE round_id = $1 AND user_address = $2`, int64(roundID), user)
	p, err := scanParticipation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: participation of %s in round %d", ErrNotFound, user, roundID)
		}
		return nil, fmt.Errorf("get participation: %w", err)
	}
	return p, nil
}

func (t *pgTx) InsertParticipation(ctx context.Context, p *model.Participation) error {
	entries, err := json.Marshal(p.Entries)
	if err != nil {
		return fmt.Errorf("encode entries: %w", err)
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO participations (round_id, user_address, address, entries, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		int64(p.RoundID), p.User, p.Address, entries, p.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: participation of %s in round %d", ErrDuplicateKey, p.User, p.RoundID)
		}
		return fmt.Errorf("insert participation: %w", err)
	}
	return nil
}

func scanRound(row pgx.Row) (*model.Round, error) {
	var (
		r                                model.Round
		id                               int64
		status                           string
		participants, entries, unweighted int64
		requestID, winner                *string
		requestedAt, resolvedAt          *time.Time
		randomness                       []byte
	)
	if err := row.Scan(&id, &r.Address, &r.StartTime, &r.EndTime, &status,
		&participants, &entries, &unweighted,
		&requestID, &requestedAt, &randomness, &winner, &resolvedAt); err != nil {
		return nil, err
	}

	r.ID = uint64(id)
	r.Status = model.Status(status)
	r.TotalParticipants = uint32(participants)
	r.TotalEntries = uint32(entries)
	r.UnweightedEntries = uint32(unweighted)
	if requestID != nil {
		r.Request = &model.RandomnessRequest{RequestID: *requestID}
		if requestedAt != nil {
			r.Request.RequestedAt = *requestedAt
		}
	}
	if winner != nil {
		r.Outcome = &model.Outcome{Winner: *winner}
		copy(r.Outcome.Randomness[:], randomness)
		if resolvedAt != nil {
			r.Outcome.ResolvedAt = *resolvedAt
		}
	}
	return &r, nil
}

func scanParticipation(row pgx.Row) (*model.Participation, error) {
	var (
		p       model.Participation
		roundID int64
		entries []byte
	)
	if err := row.Scan(&roundID, &p.User, &p.Address, &entries, &p.Timestamp); err != nil {
		return nil, err
	}
	p.RoundID = uint64(roundID)
	if err := json.Unmarshal(entries, &p.Entries); err != nil {
		return nil, fmt.Errorf("decode entries: %w", err)
	}
	return &p, nil
}
