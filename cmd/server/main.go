package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/recoveryroom/round-engine/internal/address"
	"github.com/recoveryroom/round-engine/internal/analytics"
	"github.com/recoveryroom/round-engine/internal/config"
	"github.com/recoveryroom/round-engine/internal/crank"
	"github.com/recoveryroom/round-engine/internal/events"
	"github.com/recoveryroom/round-engine/internal/ledger"
	"github.com/recoveryroom/round-engine/internal/lottery"
	"github.com/recoveryroom/round-engine/internal/metrics"
	"github.com/recoveryroom/round-engine/internal/oracle"
	"github.com/recoveryroom/round-engine/internal/round"
	"github.com/recoveryroom/round-engine/internal/store"
	"github.com/recoveryroom/round-engine/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfgPath := os.Getenv("RR_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "path", cfgPath, "err", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("tracing setup failed", "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing shutdown", "err", err)
		}
	})

	// --- Initialize store ---
	var st store.Store
	var pgPool *pgxpool.Pool

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		pgPool = pool
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled")
		}

	case cfg.BoltPath != "":
		bs, err := store.OpenBolt(cfg.BoltPath)
		if err != nil {
			slog.Error("bolt open failed", "path", cfg.BoltPath, "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { bs.Close() })
		st = bs
		slog.Info("using bbolt store", "path", cfg.BoltPath)

	default:
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Event sinks ---
	wsHub := lottery.NewWSHub()
	go wsHub.Run(ctx)
	sinks := events.Multi{events.Log{}, wsHub}

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name("Recovery Room Round Engine"))
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, nc.Close)
		sinks = append(sinks, events.NewNATSPublisher(nc))
		slog.Info("publishing events to NATS", "prefix", events.SubjectPrefix)
	}

	if cfg.ClickHouseDSN != "" {
		sink, err := analytics.Open(ctx, cfg.ClickHouseDSN)
		if err != nil {
			slog.Error("clickhouse connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { sink.Close() })
		sinks = append(sinks, sink)
		slog.Info("recording completed rounds in ClickHouse")
	}

	// --- Oracle ---
	var (
		requester  oracle.Requester = oracle.Manual{}
		beacon     *oracle.Beacon
		natsOracle *oracle.NATSOracle
	)
	switch cfg.Oracle.Kind {
	case config.OracleBeacon:
		var chain oracle.BeaconLog
		if cfg.Oracle.BeaconLogPath != "" {
			blog, err := oracle.OpenBoltBeaconLog(cfg.Oracle.BeaconLogPath)
			if err != nil {
				slog.Error("beacon log open failed", "path", cfg.Oracle.BeaconLogPath, "err", err)
				os.Exit(1)
			}
			cleanup = append(cleanup, func() { blog.Close() })
			chain = blog
		} else {
			slog.Warn("beacon_log_path not set, beacon chain restarts from index 0 on every boot")
		}
		beacon = oracle.NewBeacon([]byte(cfg.Oracle.BeaconSeed), cfg.Oracle.BeaconDelay, chain)
		requester = beacon
	case config.OracleNATS:
		natsOracle = oracle.NewNATSOracle(nc, cfg.Oracle.RequestSubject, cfg.Oracle.FulfilSubject)
		requester = natsOracle
	}
	slog.Info("randomness oracle selected", "kind", cfg.Oracle.Kind)

	// --- Round service ---
	program := address.NewProgram(cfg.Program)
	svc := lottery.NewService(st, ledger.New(program, cfg.UnknownTokenPolicy), program, requester, sinks, lottery.SystemClock{})

	if beacon != nil {
		beacon.Bind(svc)
	}
	if natsOracle != nil {
		if err := natsOracle.Start(svc); err != nil {
			slog.Error("oracle subscription failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { natsOracle.Stop() })
	}

	if b := cfg.Bootstrap; b.Authority != "" {
		_, err := svc.Initialize(ctx, lottery.InitializeParams{
			Authority:         b.Authority,
			RoundDuration:     b.RoundDuration,
			MinLossPercentage: b.MinLossPercentage,
			MaxEntriesPerUser: b.MaxEntriesPerUser,
		})
		switch {
		case errors.Is(err, round.ErrAlreadyInitialized):
		case err != nil:
			slog.Error("protocol bootstrap failed", "err", err)
			os.Exit(1)
		}
	}

	// --- Crank ---
	var scheduler *crank.Scheduler
	if cfg.Crank.Enabled {
		c := crank.New(svc, lottery.SystemClock{})
		if pgPool != nil {
			if err := crank.MigrateRiver(ctx, pgPool); err != nil {
				slog.Error("river migration failed", "err", err)
				os.Exit(1)
			}
			scheduler, err = crank.NewScheduler(pgPool, c, cfg.Crank.Interval)
			if err != nil {
				slog.Error("crank scheduler setup failed", "err", err)
				os.Exit(1)
			}
			if err := scheduler.Start(ctx); err != nil {
				slog.Error("crank scheduler start failed", "err", err)
				os.Exit(1)
			}
			slog.Info("crank running as River periodic job", "interval", cfg.Crank.Interval.String())
		} else {
			go c.Run(ctx, cfg.Crank.Interval)
			slog.Info("crank running in process", "interval", cfg.Crank.Interval.String())
		}
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"round-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	var auth *lottery.Authenticator
	if cfg.AdminJWTSecret != "" {
		auth = lottery.NewAuthenticator(cfg.AdminJWTSecret)
	} else {
		slog.Warn("allow_no_auth set and RR_ADMIN_JWT_SECRET empty, admin routes are unauthenticated")
	}
	limiter := lottery.NewIPRateLimiter(rate.Limit(cfg.RateLimit.PerSecond), cfg.RateLimit.Burst)

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for round events.
		r.Get("/ws", wsHub.HandleWS)

		svc.Mount(r, auth, limiter)

		// The randomness callback only accepts what the configured oracle
		// can vouch for. NATS fulfilments arrive on their own subject.
		switch {
		case beacon != nil:
			key, err := beacon.PublicKey()
			if err != nil {
				slog.Error("beacon public key", "err", err)
				os.Exit(1)
			}
			svc.MountBeaconCallback(r, key)
			mountBeacon(r, beacon)
		case cfg.Oracle.Kind == config.OracleManual:
			svc.MountManualCallback(r, auth)
		}
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("round-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down round-engine...")
	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			slog.Error("crank scheduler stop", "err", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	fmt.Println("round-engine stopped")
}

// mountBeacon publishes the beacon key and outputs so that anyone can verify
// a round's randomness with oracle.VerifyBeacon.
func mountBeacon(r chi.Router, b *oracle.Beacon) {
	r.Get("/beacon/key", func(w http.ResponseWriter, _ *http.Request) {
		key, err := b.PublicKey()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]byte{"public_key": key})
	})
	r.Get("/beacon/{requestID}", func(w http.ResponseWriter, r *http.Request) {
		out, ok, err := b.Output(chi.URLParam(r, "requestID"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "no beacon output for request"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})
}
