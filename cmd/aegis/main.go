// Command aegis runs the orchestration server: it plans tasks in two
// phases, maps plan steps onto MCP tools, and executes them under a
// per-workflow policy with human approval where required.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/aegisflow/aegis/internal/adapter/console"
	aegishttp "github.com/aegisflow/aegis/internal/adapter/http"
	"github.com/aegisflow/aegis/internal/adapter/litellm"
	"github.com/aegisflow/aegis/internal/adapter/mcp"
	"github.com/aegisflow/aegis/internal/adapter/nats"
	"github.com/aegisflow/aegis/internal/adapter/otel"
	"github.com/aegisflow/aegis/internal/adapter/postgres"
	"github.com/aegisflow/aegis/internal/adapter/ristretto"
	"github.com/aegisflow/aegis/internal/adapter/ws"
	"github.com/aegisflow/aegis/internal/config"
	"github.com/aegisflow/aegis/internal/domain/policy"
	"github.com/aegisflow/aegis/internal/logger"
	auditport "github.com/aegisflow/aegis/internal/port/audit"
	approvalport "github.com/aegisflow/aegis/internal/port/approval"
	"github.com/aegisflow/aegis/internal/resilience"
	"github.com/aegisflow/aegis/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := otel.Init(ctx, cfg.Otel, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(sdCtx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	bus, err := nats.Connect(ctx, cfg.NATS.URL, log)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer bus.Close()

	kv, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer kv.Close()

	llm := litellm.NewClient(cfg.LLM.URL, cfg.LLM.APIKey)
	llm.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	llm.SetCache(kv, cfg.Cache.TTL)

	gateway, err := mcp.NewGateway(ctx, cfg.MCP.Servers, log)
	if err != nil {
		return fmt.Errorf("connect mcp servers: %w", err)
	}
	defer gateway.Close()

	hub := ws.NewHub(log)

	var (
		approvals  approvalport.Channel
		wsApprover *ws.Approver
	)
	switch cfg.Approval.Mode {
	case "ws":
		wsApprover = ws.NewApprover(hub, cfg.Approval.Timeout)
		approvals = wsApprover
	case "auto":
		approvals = console.New(log, console.WithAutoApprove())
	default:
		approvals = console.New(log, console.WithTimeout(cfg.Approval.Timeout))
	}

	sinks := []auditport.Sink{bus, hub}
	if cfg.Otel.Enabled {
		metrics, err := otel.NewMetrics()
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		sinks = append(sinks, otel.NewAuditSink(metrics))
	}
	store := auditport.Fanout(postgres.NewAuditStore(pool), sinks...)

	workflows, err := policy.LoadDir(cfg.Policy.Dir)
	if err != nil {
		return fmt.Errorf("load workflow policies: %w", err)
	}

	strategic := service.NewStrategicPlannerService(llm, cfg.LLM, cfg.Planner.MaxSteps, store, log)
	mapper := service.NewMapperService(cfg.Planner.FuzzyThreshold, approvals, bus, store, log)
	tactical := service.NewTacticalPlannerService(mapper, log)
	gate := service.NewGateService(gateway, workflows, approvals, store, log)
	executor := service.NewExecutorService(llm, gateway, approvals, cfg.LLM, cfg.Executor, store, log)
	coordinator := service.NewCoordinatorService(strategic, tactical, gate, executor, approvals, store, cfg.Planner, log)

	handlers := aegishttp.NewHandlers(coordinator, hub, wsApprover, log)

	r := chi.NewRouter()
	r.Use(aegishttp.CORS(cfg.Server.CORSOrigin))
	r.Use(aegishttp.Logger)
	r.Use(aegishttp.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.Otel.Enabled {
		r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	}

	aegishttp.MountRoutes(r, handlers)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting server", "addr", srv.Addr, "approval_mode", cfg.Approval.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
