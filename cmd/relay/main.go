// Package main is the Relay entry point: webhook ingress, operator API,
// and the worker loops run together in one process. Redis carries the
// queue, so additional replicas can be pointed at the same instance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/cli"
	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/flowlog"
	"github.com/relaydev/relay/internal/gateway"
	"github.com/relaydev/relay/internal/ingress"
	"github.com/relaydev/relay/internal/ingress/normalize"
	"github.com/relaydev/relay/internal/ingress/signature"
	"github.com/relaydev/relay/internal/queue"
	"github.com/relaydev/relay/internal/router"
	"github.com/relaydev/relay/internal/stream"
	"github.com/relaydev/relay/internal/task"
	"github.com/relaydev/relay/internal/worker"
	"github.com/relaydev/relay/internal/workspace"
)

// Exit codes: 1 for configuration errors, 2 for startup failures.
const (
	exitConfig  = 1
	exitStartup = 2
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(exitConfig)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting relay")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, taskStore, installStore, err := provideStorage(ctx, cfg, log)
	if err != nil {
		log.Error("storage initialization failed", zap.Error(err))
		os.Exit(exitStartup)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("redis unavailable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		os.Exit(exitStartup)
	}
	defer rdb.Close()

	bus, err := events.NewBus(cfg.NATS, log)
	if err != nil {
		log.Error("event bus initialization failed", zap.Error(err))
		os.Exit(exitStartup)
	}
	defer bus.Close()

	flows := flowlog.NewRegistry(cfg.FlowLog.Root, log)

	leaseFor := func(priority int) time.Duration {
		return cfg.Queue.Lease(classForPriority(priority))
	}
	taskQueue := queue.NewRedisQueue(rdb, leaseFor, cfg.Queue.MaxAttempts, log)

	gw := gateway.New(cfg.Services, flows, installStore, log)
	completions := router.New(gw, rdb, log)

	verifier := signature.NewVerifier(cfg.Webhooks)
	normalizer := normalize.New(normalize.Config{
		Handle:        cfg.Agent.Handle,
		SlashCommand:  cfg.Agent.SlashCommand,
		WatchedLabels: cfg.Agent.WatchedLabels,
		TrackerUser:   cfg.Agent.TrackerUser,
		ChatBotID:     cfg.Agent.ChatBotID,
	}, completions)

	hub := stream.NewHub(log)
	go hub.Run(ctx)

	workspaces, err := workspace.NewManager(workspace.Config{
		Root:         cfg.Workspace.Root,
		ReaperMaxAge: cfg.Workspace.ReaperMaxAge(),
	}, log)
	if err != nil {
		log.Error("workspace manager initialization failed", zap.Error(err))
		os.Exit(exitStartup)
	}
	go workspaces.RunReaper(ctx, 15*time.Minute)

	driver, err := cli.NewDriver(cfg.CLI, log)
	if err != nil {
		log.Error("cli driver initialization failed", zap.Error(err))
		os.Exit(exitStartup)
	}

	runner := worker.NewRunner(taskStore, taskQueue, workspaces, driver, completions,
		flows, hub, bus, cfg.Queue, cfg.Worker, cfg.CLI, log)
	runner.Start(ctx)

	controller := ingress.NewController(verifier, normalizer, taskStore, taskQueue,
		flows, bus, hub, log)
	srv := newServer(cfg, controller, taskQueue, pool, log)
	go func() {
		if err := srv.start(); err != nil {
			log.Error("http server failed", zap.Error(err))
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	srv.stop(shutdownCtx)
	runner.Wait()
	log.Info("relay stopped")
}

// classForPriority maps a numeric priority back to its class name for
// lease lookup.
func classForPriority(priority int) string {
	switch {
	case priority <= task.PriorityInteractive.Value():
		return string(task.PriorityInteractive)
	case priority >= task.PriorityBatch.Value():
		return string(task.PriorityBatch)
	default:
		return string(task.PriorityDefault)
	}
}
