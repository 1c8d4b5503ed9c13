// Command kernel is the process entrypoint that wires the workflow
// execution kernel's components into a single runnable service: it loads
// Config, builds a storage backend, starts the Event Sink, constructs the
// Coordinator with its collaborators, and drives the Scheduler's Run loop
// until a shutdown signal arrives. Grounded on the teacher's
// cmd/server/main.go — same flag/env/signal shape, adapted from "build an
// HTTP server around an Executor" to "build a Scheduler+Coordinator process"
// since this kernel's own transport surface is out of scope (spec §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/smilemakc/flowkernel/internal/agent"
	"github.com/smilemakc/flowkernel/internal/compensation"
	"github.com/smilemakc/flowkernel/internal/config"
	"github.com/smilemakc/flowkernel/internal/coordinator"
	"github.com/smilemakc/flowkernel/internal/domain"
	"github.com/smilemakc/flowkernel/internal/errorhandler"
	"github.com/smilemakc/flowkernel/internal/eventsink"
	"github.com/smilemakc/flowkernel/internal/logging"
	"github.com/smilemakc/flowkernel/internal/resource"
	"github.com/smilemakc/flowkernel/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		console   = flag.Bool("console", false, "log human-readable lines to stderr instead of JSON")
		openAIKey = flag.String("openai-key", "", "default API key for Agent nodes that don't carry their own")
	)
	flag.Parse()

	cfg := config.Load()

	log := logging.New(cfg.LogLevel, os.Stdout)
	if *console {
		log = logging.Console(cfg.LogLevel)
	}

	var (
		workflows domain.WorkflowRepository
		execs     domain.ExecutionRepository
		events    domain.EventStore
	)

	if cfg.DatabaseDSN != "" {
		db := storage.BunDB(cfg.DatabaseDSN)
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := storage.InitSchema(ctx, db); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}

		workflows = storage.NewBunWorkflowStore(db)
		execs = storage.NewBunExecutionStore(db)
		events = storage.NewBunEventStore(db)
		log.Info().Str("dsn", maskDSN(cfg.DatabaseDSN)).Msg("using postgres storage")
	} else {
		workflows = storage.NewMemoryWorkflowStore()
		execs = storage.NewMemoryExecutionStore()
		events = eventsink.NewEventLog()
		log.Info().Msg("using in-memory storage (set DATABASE_DSN for postgres)")
	}

	sink := eventsink.New(log)
	broadcaster := eventsink.NewBroadcaster(sink, log)
	_ = broadcaster // wired for its WebSocket fan-out side effect of subscribing to sink

	// Per-type/per-agent quotas (Config.MaxPerNodeType/MaxPerAgent) apply to
	// specific tags ("type:agent", "agent:billing", ...) unknown until
	// workflows are loaded; only the global cap is expressible here.
	rm := resource.NewManager(resource.Quota{Global: cfg.MaxConcurrentTasks})
	rl := resource.NewRateLimiter(cfg.RateLimitBurst, cfg.RateLimitPerSecond)
	eh := errorhandler.NewHandler(cfg.ErrorHandlerMaxDelay)
	breakers := errorhandler.NewRegistry(errorhandler.DefaultCircuitBreakerConfig())
	comp := compensation.NewManager(log)

	agents := agent.NewOpenAIInvoker(*openAIKey)
	tools := agent.NewHTTPToolInvoker()

	c := coordinator.New(coordinator.Deps{
		Admission:    rm,
		RateLimiter:  rl,
		ErrorHandler: eh,
		Breakers:     breakers,
		Compensation: comp,
		Sink:         sink,
		Executions:   execs,
		Workflows:    workflows,
		EventStore:   events,
		Agents:       agents,
		Tools:        tools,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sinkDone := make(chan struct{})
	go func() {
		sink.Run(ctx.Done())
		close(sinkDone)
	}()
	go c.Scheduler().Run(ctx)

	log.Info().Msg("kernel running, press ctrl-c to stop")
	<-ctx.Done()
	log.Info().Msg("shutting down")
	<-sinkDone
	return nil
}

// maskDSN hides the password component of a Postgres DSN before it reaches
// the log, the way the teacher's cmd/server/main.go does.
func maskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	colon := strings.Index(dsn, "://")
	if at < 0 || colon < 0 {
		return dsn
	}
	creds := dsn[colon+3 : at]
	userColon := strings.Index(creds, ":")
	if userColon < 0 {
		return dsn
	}
	return dsn[:colon+3] + creds[:userColon] + ":***" + dsn[at:]
}
