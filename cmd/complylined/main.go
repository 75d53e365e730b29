// Command complylined runs the compliance assessment worker daemon.
//
// The daemon claims asynchronous assessment tasks from the durable Mongo
// queue, executes the registered handlers, and reacts to Pulse notification
// hints so new work starts without waiting for the next poll.
//
// # Configuration
//
// Environment variables:
//
//	MONGO_URL       - MongoDB connection URI (default: "mongodb://localhost:27017")
//	MONGO_DATABASE  - Database name (default: "complyline")
//	REDIS_URL       - Redis connection URL (default: "localhost:6379")
//	REDIS_PASSWORD  - Redis password (optional)
//	HEALTH_ADDR     - Health endpoint listen address (default: ":8081")
//	WORKERS         - Worker pool size (default: 4)
//	POLL_INTERVAL   - Idle re-poll period (default: "5s")
//	TASK_TIMEOUT    - Per-task execution budget (default: "1m")
//	STALE_AFTER     - Liveness deadline before a running task is requeued (default: "5m")
//	SWEEP_INTERVAL  - Reconciliation sweep period (default: "1m")
//	WORKER_PREFIX   - Worker ID prefix (default: hostname)
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	notifypulse "github.com/complyline/complyline/features/notify/pulse"
	pulseclients "github.com/complyline/complyline/features/notify/pulse/clients/pulse"
	sessionclients "github.com/complyline/complyline/features/session/mongo/clients/mongo"
	taskmongo "github.com/complyline/complyline/features/task/mongo"
	taskclients "github.com/complyline/complyline/features/task/mongo/clients/mongo"
	"github.com/complyline/complyline/runtime/auth"
	"github.com/complyline/complyline/runtime/dispatch"
	"github.com/complyline/complyline/runtime/telemetry"
	"github.com/complyline/complyline/runtime/verify"
	verifyinmem "github.com/complyline/complyline/runtime/verify/inmem"
)

func main() {
	var dbgF = flag.Bool("debug", false, "Enable debug logs")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx); err != nil {
		log.Errorf(ctx, err, "daemon exited")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	mongoURL := envOr("MONGO_URL", "mongodb://localhost:27017")
	database := envOr("MONGO_DATABASE", "complyline")
	redisURL := envOr("REDIS_URL", "localhost:6379")
	redisPassword := os.Getenv("REDIS_PASSWORD")
	healthAddr := envOr("HEALTH_ADDR", ":8081")
	workers := envIntOr("WORKERS", 4)
	pollInterval := envDurationOr("POLL_INTERVAL", 5*time.Second)
	taskTimeout := envDurationOr("TASK_TIMEOUT", time.Minute)
	staleAfter := envDurationOr("STALE_AFTER", 5*time.Minute)
	sweepInterval := envDurationOr("SWEEP_INTERVAL", time.Minute)
	workerPrefix := os.Getenv("WORKER_PREFIX")
	if workerPrefix == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "complylined"
		}
		workerPrefix = host
	}

	mongoClient, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(mongoURL))
	if err != nil {
		return fmt.Errorf("connect to mongo: %w", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}()
	if err := mongoClient.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisURL,
		Password: redisPassword,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	pulseClient, err := pulseclients.New(pulseclients.Options{Redis: rdb})
	if err != nil {
		return fmt.Errorf("create pulse client: %w", err)
	}
	channel, err := notifypulse.NewChannel(notifypulse.Options{Client: pulseClient})
	if err != nil {
		return fmt.Errorf("create notification channel: %w", err)
	}

	taskClient, err := taskclients.New(taskclients.Options{
		Client:   mongoClient,
		Database: database,
	})
	if err != nil {
		return fmt.Errorf("create task client: %w", err)
	}
	taskStore, err := taskmongo.NewStore(taskClient, channel)
	if err != nil {
		return fmt.Errorf("create task store: %w", err)
	}

	// The session client is constructed for its index bootstrap and health
	// ping; conversation turns run in the API tier, not in this daemon.
	sessionClient, err := sessionclients.New(sessionclients.Options{
		Client:   mongoClient,
		Database: database,
	})
	if err != nil {
		return fmt.Errorf("create session client: %w", err)
	}

	registry := dispatch.NewRegistry()
	guard := auth.DefaultGuard(taskTypes...)
	workflow, err := verify.NewWorkflow(verifyinmem.New(), guard)
	if err != nil {
		return fmt.Errorf("create verification workflow: %w", err)
	}
	if err := registerHandlers(registry, newMongoAssessmentStore(mongoClient.Database(database)), workflow); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	dispatcher, err := dispatch.New(dispatch.Options{
		Store:         taskStore,
		Registry:      registry,
		Subscriber:    channel,
		Workers:       workers,
		PollInterval:  pollInterval,
		TaskTimeout:   taskTimeout,
		StaleAfter:    staleAfter,
		SweepInterval: sweepInterval,
		WorkerPrefix:  workerPrefix,
		Logger:        telemetry.NewClueLogger(),
		Tracer:        telemetry.NewClueTracer(),
	})
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	checker := health.NewChecker(taskClient, sessionClient)
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(checker))
	healthSrv := &http.Server{Addr: healthAddr, Handler: mux}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf(ctx, err, "health endpoint")
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := dispatcher.Start(runCtx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "complylined started"},
		log.KV{K: "workers", V: workers},
		log.KV{K: "health-addr", V: healthAddr})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "signal", V: sig.String()})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "shutdown health endpoint")
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop dispatcher: %w", err)
	}
	return nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
