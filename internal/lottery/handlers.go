package lottery

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/recoveryroom/round-engine/internal/ledger"
	"github.com/recoveryroom/round-engine/internal/model"
	"github.com/recoveryroom/round-engine/internal/oracle"
	"github.com/recoveryroom/round-engine/internal/selector"
)

// Mount registers the round API on r. auth guards the administrative routes;
// limiter throttles entry submission. Either may be nil. The randomness
// callback is mounted separately, by MountManualCallback or
// MountBeaconCallback, to match the configured oracle.
func (s *Service) Mount(r chi.Router, auth *Authenticator, limiter *IPRateLimiter) {
	admin := auth.Require(RoleAdmin)
	throttle := func(h http.Handler) http.Handler { return h }
	if limiter != nil {
		throttle = limiter.Middleware
	}

	r.Get("/protocol", s.GetProtocol)
	r.With(admin).Post("/protocol", s.InitializeProtocol)

	r.Get("/rounds", s.ListRoundsHandler)
	r.With(admin).Post("/rounds", s.OpenRoundHandler)
	r.Get("/rounds/current", s.CurrentRoundHandler)
	r.Get("/rounds/{roundID}", s.GetRound)
	r.Get("/rounds/{roundID}/pool", s.GetPool)
	r.Post("/rounds/{roundID}/tokens", s.RegisterTokenHandler)
	r.With(throttle).Post("/rounds/{roundID}/entries", s.SubmitEntriesHandler)
	r.Get("/rounds/{roundID}/participants", s.ListParticipants)
	r.Get("/rounds/{roundID}/participants/{user}", s.GetParticipant)
	r.With(admin).Post("/rounds/{roundID}/close", s.CloseRoundHandler)
}

// MountManualCallback accepts raw randomness values from an admin or oracle
// caller at POST /rounds/{roundID}/randomness. Only for the manual oracle.
func (s *Service) MountManualCallback(r chi.Router, auth *Authenticator) {
	r.With(auth.Require(RoleAdmin, RoleOracle)).Post("/rounds/{roundID}/randomness", s.DeliverRandomness)
}

// MountBeaconCallback accepts only beacon outputs that verify under
// publicKey and answer the round's own request. Anyone may relay one; the
// signature, not the caller, decides the value.
func (s *Service) MountBeaconCallback(r chi.Router, publicKey []byte) {
	r.Post("/rounds/{roundID}/randomness", func(w http.ResponseWriter, r *http.Request) {
		s.deliverBeacon(w, r, publicKey)
	})
}

// --- Request/Response types ---

// InitializeRequest is the JSON body for POST /protocol.
type InitializeRequest struct {
	Authority         string `json:"authority"`
	RoundDuration     string `json:"round_duration"` // Go duration, e.g. "1h"
	MinLossPercentage uint8  `json:"min_loss_percentage"`
	MaxEntriesPerUser uint8  `json:"max_entries_per_user"`
}

// ProtocolResponse renders the protocol config.
type ProtocolResponse struct {
	Authority            string    `json:"authority"`
	RoundDuration        string    `json:"round_duration"`
	MinLossPercentage    uint8     `json:"min_loss_percentage"`
	MaxEntriesPerUser    uint8     `json:"max_entries_per_user"`
	CurrentRoundID       uint64    `json:"current_round_id"`
	TotalRoundsCompleted uint64    `json:"total_rounds_completed"`
	InitializedAt        time.Time `json:"initialized_at"`
	UnknownTokenPolicy   string    `json:"unknown_token_policy"`
}

// RoundResponse is a round plus derived fields.
type RoundResponse struct {
	*model.Round
	Open   bool   `json:"open"`
	Winner string `json:"winner,omitempty"`
}

// PoolToken is one pool entry with its current selection weight.
type PoolToken struct {
	TokenID         string    `json:"token_id"`
	Ticker          string    `json:"ticker"`
	Color           string    `json:"color"`
	SubmissionCount uint32    `json:"submission_count"`
	Weight          float64   `json:"weight"`
	RegisteredAt    time.Time `json:"registered_at"`
}

// PoolResponse lists a pool in canonical order.
type PoolResponse struct {
	RoundID          uint64      `json:"round_id"`
	Address          string      `json:"address"`
	TotalSubmissions uint64      `json:"total_submissions"`
	TotalWeight      float64     `json:"total_weight"`
	Tokens           []PoolToken `json:"tokens"`
}

// SubmitRequest is the JSON body for POST /rounds/{roundID}/entries.
type SubmitRequest struct {
	User    string             `json:"user"`
	Entries []model.TokenEntry `json:"entries"`
}

// EntryView is a submitted entry with its loss in dollars.
type EntryView struct {
	TokenID         string          `json:"token_id"`
	Ticker          string          `json:"ticker"`
	Holdings        uint64          `json:"holdings"`
	LossAmountCents uint64          `json:"loss_amount_cents"`
	LossUSD         decimal.Decimal `json:"loss_usd"`
}

// ParticipationResponse renders a participation.
type ParticipationResponse struct {
	Address      string          `json:"address"`
	User         string          `json:"user"`
	RoundID      uint64          `json:"round_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Entries      []EntryView     `json:"entries"`
	TotalLossUSD decimal.Decimal `json:"total_loss_usd"`
	Unweighted   []string        `json:"unweighted,omitempty"`
}

// DeliverRequest is the JSON body for POST /rounds/{roundID}/randomness.
type DeliverRequest struct {
	RequestID string           `json:"request_id"`
	Value     model.Randomness `json:"value"` // 64 hex characters
}

// ResolutionResponse is the completed round and the draw that decided it.
type ResolutionResponse struct {
	Round RoundResponse  `json:"round"`
	Draw  *selector.Draw `json:"draw"`
}

// --- HTTP Handlers ---

// InitializeProtocol handles POST /api/v1/protocol
func (s *Service) InitializeProtocol(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	d, err := time.ParseDuration(req.RoundDuration)
	if err != nil {
		writeError(w, "round_duration must be a duration such as 1h", http.StatusBadRequest)
		return
	}

	cfg, err := s.Initialize(r.Context(), InitializeParams{
		Authority:         req.Authority,
		RoundDuration:     d,
		MinLossPercentage: req.MinLossPercentage,
		MaxEntriesPerUser: req.MaxEntriesPerUser,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.protocolResponse(cfg))
}

// GetProtocol handles GET /api/v1/protocol
func (s *Service) GetProtocol(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Config(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.protocolResponse(cfg))
}

// OpenRoundHandler handles POST /api/v1/rounds
func (s *Service) OpenRoundHandler(w http.ResponseWriter, r *http.Request) {
	rd, err := s.OpenRound(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.roundResponse(rd))
}

// ListRoundsHandler handles GET /api/v1/rounds?limit=N
func (s *Service) ListRoundsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	rounds, err := s.ListRounds(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]RoundResponse, 0, len(rounds))
	for i := range rounds {
		out = append(out, s.roundResponse(&rounds[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// CurrentRoundHandler handles GET /api/v1/rounds/current
func (s *Service) CurrentRoundHandler(w http.ResponseWriter, r *http.Request) {
	rd, err := s.CurrentRound(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.roundResponse(rd))
}

// GetRound handles GET /api/v1/rounds/{roundID}
func (s *Service) GetRound(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDParam(w, r)
	if !ok {
		return
	}
	rd, err := s.Round(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.roundResponse(rd))
}

// GetPool handles GET /api/v1/rounds/{roundID}/pool
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDParam(w, r)
	if !ok {
		return
	}
	pool, err := s.Pool(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poolResponse(pool))
}

// RegisterTokenHandler handles POST /api/v1/rounds/{roundID}/tokens
func (s *Service) RegisterTokenHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDParam(w, r)
	if !ok {
		return
	}
	var req ledger.Registration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pool, err := s.RegisterToken(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, poolResponse(pool))
}

// SubmitEntriesHandler handles POST /api/v1/rounds/{roundID}/entries.
// Each token may appear once per submission; a repeated token is a 400.
func (s *Service) SubmitEntriesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDParam(w, r)
	if !ok {
		return
	}
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.User == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}

	sub, err := s.SubmitEntries(r.Context(), id, req.User, req.Entries)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := participationResponse(sub.Participation)
	resp.Unweighted = sub.Unweighted
	writeJSON(w, http.StatusCreated, resp)
}

// ListParticipants handles GET /api/v1/rounds/{roundID}/participants
func (s *Service) ListParticipants(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDParam(w, r)
	if !ok {
		return
	}
	if _, err := s.Round(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	ps, err := s.Participations(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]ParticipationResponse, 0, len(ps))
	for i := range ps {
		out = append(out, participationResponse(&ps[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetParticipant handles GET /api/v1/rounds/{roundID}/participants/{user}
func (s *Service) GetParticipant(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDParam(w, r)
	if !ok {
		return
	}
	p, err := s.Participation(r.Context(), id, chi.URLParam(r, "user"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, participationResponse(p))
}

// CloseRoundHandler handles POST /api/v1/rounds/{roundID}/close
// The round is closed even when the oracle request fails; that case answers
// 502 with the error so the operator can re-request or deliver by hand.
func (s *Service) CloseRoundHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDParam(w, r)
	if !ok {
		return
	}
	rd, err := s.CloseRound(r.Context(), id)
	if err != nil {
		if rd != nil && errors.Is(err, oracle.ErrOracleRequest) {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error": err.Error(),
				"round": s.roundResponse(rd),
			})
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.roundResponse(rd))
}

// DeliverRandomness handles POST /api/v1/rounds/{roundID}/randomness
func (s *Service) DeliverRandomness(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDParam(w, r)
	if !ok {
		return
	}
	var req DeliverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body: value must be 64 hex characters", http.StatusBadRequest)
		return
	}

	res, err := s.Resolve(r.Context(), id, req.RequestID, req.Value)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResolutionResponse{
		Round: s.roundResponse(res.Round),
		Draw:  res.Draw,
	})
}

func (s *Service) deliverBeacon(w http.ResponseWriter, r *http.Request, publicKey []byte) {
	id, ok := roundIDParam(w, r)
	if !ok {
		return
	}
	var out oracle.BeaconOutput
	if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
		writeError(w, "invalid request body: expected a beacon output", http.StatusBadRequest)
		return
	}

	res, err := s.ResolveBeacon(r.Context(), id, publicKey, out)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResolutionResponse{
		Round: s.roundResponse(res.Round),
		Draw:  res.Draw,
	})
}

// --- views ---

func (s *Service) protocolResponse(cfg *model.ProtocolConfig) ProtocolResponse {
	return ProtocolResponse{
		Authority:            cfg.Authority,
		RoundDuration:        cfg.RoundDuration.String(),
		MinLossPercentage:    cfg.MinLossPercentage,
		MaxEntriesPerUser:    cfg.MaxEntriesPerUser,
		CurrentRoundID:       cfg.CurrentRoundID,
		TotalRoundsCompleted: cfg.TotalRoundsCompleted,
		InitializedAt:        cfg.InitializedAt,
		UnknownTokenPolicy:   string(s.Policy()),
	}
}

func (s *Service) roundResponse(rd *model.Round) RoundResponse {
	resp := RoundResponse{Round: rd, Open: rd.OpenAt(s.clock.Now())}
	if winner, ok := rd.Winner(); ok {
		resp.Winner = winner
	}
	return resp
}

func poolResponse(pool *model.TokenPool) PoolResponse {
	resp := PoolResponse{
		RoundID:          pool.RoundID,
		Address:          pool.Address,
		TotalSubmissions: pool.TotalSubmissions(),
		Tokens:           make([]PoolToken, 0, len(pool.Order)),
	}
	for _, e := range pool.Ordered() {
		w := selector.Weight(e.SubmissionCount)
		resp.TotalWeight += w
		resp.Tokens = append(resp.Tokens, PoolToken{
			TokenID:         e.TokenID,
			Ticker:          e.Ticker,
			Color:           e.Color,
			SubmissionCount: e.SubmissionCount,
			Weight:          w,
			RegisteredAt:    e.RegisteredAt,
		})
	}
	return resp
}

func participationResponse(p *model.Participation) ParticipationResponse {
	resp := ParticipationResponse{
		Address:      p.Address,
		User:         p.User,
		RoundID:      p.RoundID,
		Timestamp:    p.Timestamp,
		Entries:      make([]EntryView, 0, len(p.Entries)),
		TotalLossUSD: decimal.Zero,
	}
	for _, e := range p.Entries {
		loss := e.LossUSD()
		resp.TotalLossUSD = resp.TotalLossUSD.Add(loss)
		resp.Entries = append(resp.Entries, EntryView{
			TokenID:         e.TokenID,
			Ticker:          e.Ticker,
			Holdings:        e.Holdings,
			LossAmountCents: e.LossAmountCents,
			LossUSD:         loss,
		})
	}
	return resp
}

func roundIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "roundID"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, "roundID must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "err", err)
	}
}

// writeServiceError maps a service error to its HTTP status. Internal
// errors are logged and hidden from the client.
func writeServiceError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
