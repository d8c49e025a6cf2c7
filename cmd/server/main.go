package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"codebridge-mcp-server/internal/catalog"
	"codebridge-mcp-server/internal/config"
	"codebridge-mcp-server/internal/downstream"
	mcpserver "codebridge-mcp-server/internal/mcp"
	"codebridge-mcp-server/internal/runtime"
	"codebridge-mcp-server/internal/sandbox"
)

func main() {
	configPath := flag.String("config", "", "Path to the bridge config file (YAML)")
	serversPath := flag.String("servers", "", "Extra mcp.json servers file, appended after the configured paths")
	logFile := flag.String("log-file", "", "Log file override (falls back to config)")
	flag.Parse()

	// Optional .env overlay before the config reads the environment.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			log.Printf("failed to load .env: %v", err)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *logFile != "" {
		cfg.Server.LogFile = *logFile
	}

	// Redirect logging to file for stdio mode (stderr interferes with MCP protocol)
	if cfg.Server.LogFile != "" {
		f, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(f)
			defer f.Close()
		} else {
			// If we can't open the log file, disable logging to avoid stderr pollution
			log.SetOutput(io.Discard)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	paths := cfg.Servers.Paths
	if *serversPath != "" {
		paths = append(paths, *serversPath)
	}
	records, err := config.LoadServers(paths)
	if err != nil {
		log.Fatalf("failed to load server records: %v", err)
	}
	log.Printf("loaded %d downstream server record(s)", len(records))

	stateDir, err := cfg.Sandbox.StatePath()
	if err != nil {
		log.Fatalf("failed to resolve state dir: %v", err)
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		log.Fatalf("failed to create state dir: %v", err)
	}

	pool := downstream.NewPool(records)
	defer pool.Shutdown()

	discovery := catalog.NewDiscovery(pool)

	selector := runtime.NewSelector(cfg.Sandbox.Runtime, cfg.Sandbox.IdleTimeout())
	defer selector.Shutdown()

	executor := sandbox.NewExecutor(cfg.Sandbox, selector, pool, discovery, stateDir)

	server, err := mcpserver.NewServer(cfg, executor, discovery)
	if err != nil {
		log.Fatalf("failed to initialize MCP server: %v", err)
	}

	log.Printf("starting %s stdio server", cfg.Server.Name)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("server exited with error: %v", err)
	}
}
