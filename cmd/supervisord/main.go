// Command supervisord serves the run execution engine: run CRUD over HTTP,
// the SSE event stream, and WebSocket terminal sessions, backed by a single
// SQLite file.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/tako0614/coding-agent-sub001/internal/bus"
	"github.com/tako0614/coding-agent-sub001/internal/config"
	"github.com/tako0614/coding-agent-sub001/internal/llmclient"
	"github.com/tako0614/coding-agent-sub001/internal/runstore"
	"github.com/tako0614/coding-agent-sub001/internal/server"
	"github.com/tako0614/coding-agent-sub001/internal/store"
	"github.com/tako0614/coding-agent-sub001/internal/supervisor"
	"github.com/tako0614/coding-agent-sub001/internal/term"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "serve":
		if err := serve(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "supervisord:", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(server.Version)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  supervisord serve [--port <n>] [--db <path>] [--workspace <dir>]")
	fmt.Fprintln(os.Stderr, "  supervisord version")
}

func serve(args []string) error {
	cfg := config.FromEnv()
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--port":
			i++
			if i >= len(args) {
				return fmt.Errorf("--port requires a value")
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 1 || n > 65535 {
				return fmt.Errorf("invalid --port: %s", args[i])
			}
			cfg.Port = n
		case "--db":
			i++
			if i >= len(args) {
				return fmt.Errorf("--db requires a value")
			}
			cfg.DBPath = args[i]
		case "--workspace":
			i++
			if i >= len(args) {
				return fmt.Errorf("--workspace requires a value")
			}
			cfg.WorkspaceRoot = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	key, err := loadOrCreateCipherKey(filepath.Join(filepath.Dir(cfg.DBPath), "settings.key"))
	if err != nil {
		return err
	}

	db, err := store.New(cfg.DBPath, store.WithLogger(logger), store.WithCipherKey(key))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	ctx := context.Background()
	if err := db.Init(ctx); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}

	runs := runstore.New(db, logger)
	if interrupted, err := runs.RecoverInterrupted(ctx); err != nil {
		logger.Error("startup: interrupted-run sweep failed", "error", err)
	} else if len(interrupted) > 0 {
		logger.Info("startup: reclassified interrupted runs", "count", len(interrupted))
	}

	planner, adapters, err := llmclient.FromEnv(logger)
	if err != nil {
		return err
	}

	b := bus.New(db, logger)
	sup := supervisor.New(cfg, db, runs, b, planner, adapters, logger)
	terminals := term.NewService(nil, logger,
		term.WithOutputRingBytes(cfg.PTYOutputRingBytes),
		term.WithDetachRetention(cfg.PTYDetachRetention),
		term.WithExitRetention(cfg.PTYExitRetention))

	janitorCtx, stopJanitors := context.WithCancel(ctx)
	defer stopJanitors()
	go b.RunJanitor(janitorCtx, 0)
	go terminals.RunJanitor(janitorCtx, 0)

	srv := server.New(cfg, db, runs, b, sup, terminals, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	shutdownStarted := make(chan struct{})
	shutdownDone := make(chan struct{})
	go func() {
		sig := <-sigCh
		close(shutdownStarted)
		logger.Info("received signal, shutting down", "signal", sig.String())
		stopJanitors()
		srv.Shutdown(ctx)
		close(shutdownDone)
	}()

	serveErr := srv.ListenAndServe()
	awaitShutdown(shutdownStarted, shutdownDone)
	return serveErr
}

// awaitShutdown keeps main alive until the signal goroutine finishes draining.
// Closing the listener makes ListenAndServe return before the rest of the
// shutdown sequence (supervisor loops, terminals, database) has run.
func awaitShutdown(started, done <-chan struct{}) {
	select {
	case <-started:
		<-done
	default:
	}
}

// loadOrCreateCipherKey reads the settings AEAD key, generating one on first
// start. Losing the key only loses the stored secrets, not the database.
func loadOrCreateCipherKey(path string) ([]byte, error) {
	if b, err := os.ReadFile(path); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("cipher key %s: want 32 bytes, have %d", path, len(b))
		}
		return b, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read cipher key: %w", err)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate cipher key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write cipher key: %w", err)
	}
	return key, nil
}
