// Command workerpool runs the bounded search worker pool as an MCP stdio
// server. The orchestrator host spawns it as a child process and dispatches
// hop batches through the execute_subtasks tool.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/ZanzyTHEbar/searchscale/internal/config"
	"github.com/ZanzyTHEbar/searchscale/internal/fetch"
	"github.com/ZanzyTHEbar/searchscale/internal/mcppool"
	"github.com/ZanzyTHEbar/searchscale/internal/pool"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("SEARCHSCALE_CONFIG"), "path to YAML config file")
	flag.Parse()

	// Stdout carries the MCP transport, so all logging goes to stderr.
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	fetchOpts := []fetch.SerpAPIOption{fetch.WithSerpLogger(logger)}
	if cfg.Fetch.Endpoint != "" {
		fetchOpts = append(fetchOpts, fetch.WithEndpoint(cfg.Fetch.Endpoint))
	}
	fetcher, err := fetch.NewSerpAPIFetcher(cfg.Fetch.SerpAPIKey, cfg.Fetch.Timeout, fetchOpts...)
	if err != nil {
		logger.Fatal("failed to build fetcher", zap.Error(err))
	}

	workerPool, err := pool.NewWorkerPool(fetcher, cfg.PoolConfig(), pool.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to build worker pool", zap.Error(err))
	}
	defer workerPool.Close()

	logger.Info("worker pool serving over stdio",
		zap.Int("pool_size", cfg.Pool.MaxPoolSize),
		zap.Int("max_attempts", cfg.Pool.Retry.MaxAttempts))

	if err := server.ServeStdio(mcppool.NewServer(workerPool, logger)); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
