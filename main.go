package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cobblehill/agentboard/internal/bridge"
	"github.com/cobblehill/agentboard/internal/config"
	"github.com/cobblehill/agentboard/internal/httpapi"
	"github.com/cobblehill/agentboard/internal/lineproto"
	"github.com/cobblehill/agentboard/internal/rpc"
	"github.com/cobblehill/agentboard/internal/shell"
	"github.com/cobblehill/agentboard/internal/workspace"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ws, err := workspace.New(cfg.WorkspaceRoot, logger)
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	defer ws.Close()

	transport, err := lineproto.Start(lineproto.Config{
		Command: cfg.AgentCommand,
		Args:    cfg.AgentArgs,
		Dir:     cfg.WorkspaceRoot,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("start agent process: %w", err)
	}

	client := rpc.NewClient(transport, rpc.Options{
		CallTimeout: cfg.CallTimeout,
		ClientInfo:  rpc.ClientInfo{Name: "agentboard", Title: "Agentboard", Version: version},
		Logger:      logger,
	})

	b := bridge.New(client, ws, bridge.Options{
		SandboxMode: cfg.SandboxMode,
		ModelTTL:    cfg.ModelTTL,
		Logger:      logger,
	})

	shells := shell.NewManager(ws, cfg.Profiles, shell.Options{
		IdleTimeout: cfg.IdleTimeout,
		Retention:   cfg.Retention,
		MaxSessions: cfg.MaxSessions,
		Logger:      logger,
	})
	defer shells.Shutdown()

	api := httpapi.NewServer(b, shells, httpapi.Options{
		AuthToken:      cfg.AuthToken,
		OriginPatterns: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr, "workspace", cfg.WorkspaceRoot)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		transport.Kill()
		return err
	case err := <-transport.Done():
		// The agent process is the whole point; exit when it does.
		_ = srv.Close()
		if err != nil {
			return fmt.Errorf("agent process exited: %w", err)
		}
		return fmt.Errorf("agent process exited")
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	transport.Close()
	return nil
}
