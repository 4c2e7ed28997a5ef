package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/lucia-home/lucia/runtime/a2a/server"
	"github.com/lucia-home/lucia/runtime/agent/model"
	"github.com/lucia-home/lucia/runtime/agent/model/providers/anthropic"
	"github.com/lucia-home/lucia/runtime/agent/telemetry"
	"github.com/lucia-home/lucia/runtime/aggregator"
	"github.com/lucia-home/lucia/runtime/config"
	"github.com/lucia-home/lucia/runtime/executor"
	"github.com/lucia-home/lucia/runtime/lucia"
	"github.com/lucia-home/lucia/runtime/observer"
	"github.com/lucia-home/lucia/runtime/orchestrator"
	"github.com/lucia-home/lucia/runtime/registry"
	"github.com/lucia-home/lucia/runtime/router"
	"github.com/lucia-home/lucia/runtime/taskstore"
)

func main() {
	// Bootstrap settings — which Mongo to dial, which model API key to
	// use — are resolved from the environment rather than flags: the
	// Orchestration.*/TaskStore.*/AgentInvoker.*/Redis.* settings below follow
	// the flags>env>Mongo>defaults chain, but that chain can't apply to the
	// Mongo connection string itself without a circular dependency.
	httpPort := os.Getenv("LUCIA_HTTP_PORT")
	if httpPort == "" {
		httpPort = "8080"
	}
	mongoURI := os.Getenv("LUCIA_MONGO_URI")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	debug := os.Getenv("LUCIA_DEBUG") == "true"

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	var mongoClient *mongo.Client
	if mongoURI != "" {
		var err error
		mongoClient, err = mongo.Connect(options.Client().ApplyURI(mongoURI))
		if err != nil {
			log.Fatalf(ctx, err, "connecting to mongo")
		}
		defer mongoClient.Disconnect(ctx)
	}

	// fs carries only the Orchestration.*/TaskStore.*/AgentInvoker.*/Redis.*
	// flags config.Loader defines; it is parsed exactly once, inside Load.
	fs := flag.NewFlagSet("lucia", flag.ExitOnError)
	cfg, err := config.Loader{FlagSet: fs, Args: os.Args[1:], Mongo: mongoClient, ConfigDb: config.Defaults().Mongo.ConfigDb}.Load(ctx)
	if err != nil {
		log.Fatalf(ctx, err, "loading configuration")
	}

	logger := telemetry.NewClueLogger()

	var tasks taskstore.ITaskStore
	if cfg.RedisConnection != "" {
		opts, err := redis.ParseURL(cfg.RedisConnection)
		if err != nil {
			log.Fatalf(ctx, err, "parsing redis connection string")
		}
		store, err := taskstore.New(redis.NewClient(opts))
		if err != nil {
			log.Fatalf(ctx, err, "constructing task store")
		}
		tasks = store
	} else {
		log.Print(ctx, log.KV{K: "warning", V: "no Redis.ConnectionString configured, using in-memory task store (not durable across restarts)"})
		tasks = taskstore.NewInMemoryStore()
	}

	hub := observer.NewHub()
	var traceWriter *observer.TraceWriter
	if mongoClient != nil {
		traceWriter, err = observer.NewTraceWriter(observer.TraceWriterOptions{
			Client:   mongoClient,
			Database: cfg.Mongo.TracesDb,
			Logger:   logger,
		})
		if err != nil {
			log.Fatalf(ctx, err, "constructing trace writer")
		}
		defer traceWriter.Close()
	}

	// sink fans every LiveEvent out to the live-activity hub and, when Mongo
	// is configured, into the async trace writer.
	sink := executor.EventSinkFunc(func(ev lucia.LiveEvent) {
		hub.Publish(ev)
		if traceWriter != nil {
			traceWriter.Publish(ev)
		}
	})

	var chatModel model.Client
	if anthropicKey != "" {
		routerModel := cfg.Orchestration.RouterModel
		if routerModel == "" {
			routerModel = "claude-opus-4"
		}
		chatModel, err = anthropic.NewFromAPIKey(anthropicKey, routerModel)
		if err != nil {
			log.Fatalf(ctx, err, "constructing anthropic client")
		}
	} else {
		log.Fatalf(ctx, fmt.Errorf("no model provider configured"), "set ANTHROPIC_API_KEY")
	}

	routerCfg := router.DefaultConfig()
	routerCfg.RoutingConfidenceThreshold = cfg.Orchestration.RoutingConfidenceThreshold
	routerCfg.MaxHistoryTurns = cfg.Orchestration.MaxConversationHistory
	routerExec, err := router.New(chatModel, routerCfg, logger, nil)
	if err != nil {
		log.Fatalf(ctx, err, "constructing router executor")
	}

	reg := registry.NewRegistry(registry.WithLogger(logger))

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.MaxParallelAgents = cfg.Orchestration.MaxParallelAgents
	orchCfg.MaxConversationHistory = cfg.Orchestration.MaxConversationHistory
	orchCfg.AgentTimeout = cfg.AgentInvoker.Timeout
	orchCfg.TaskTTL = cfg.TaskStore.TTL
	orch := orchestrator.New(routerExec, reg, aggregator.New(), tasks, sink, orchCfg)

	selfCard := lucia.AgentCard{
		ID:          "lucia",
		Name:        "Lucia",
		Description: "Privacy-first, self-hosted multi-agent home-automation orchestrator",
		Version:     "0.1.0",
	}
	srv := server.New(orch, reg, tasks, hub, selfCard, logger)

	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: srv.Handler(),
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	go func() {
		log.Print(ctx, log.KV{K: "http-port", V: httpPort})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Print(ctx, log.KV{K: "shutdown error", V: err.Error()})
	}
}
