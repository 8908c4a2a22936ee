// Command dorabot-gateway runs the Gateway: a loopback-bound, TLS-terminated
// WebSocket process that is the single source of truth for session,
// event, and approval state shared by every front-end a user runs against
// the same agent.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dorabot/dorabot/internal/agentproc"
	"github.com/dorabot/dorabot/internal/approval"
	"github.com/dorabot/dorabot/internal/bootstrap"
	"github.com/dorabot/dorabot/internal/config"
	"github.com/dorabot/dorabot/internal/eventlog"
	"github.com/dorabot/dorabot/internal/logging"
	"github.com/dorabot/dorabot/internal/rpcserver"
	"github.com/dorabot/dorabot/internal/sessionregistry"
	"github.com/dorabot/dorabot/internal/store"
	"github.com/dorabot/dorabot/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Output: os.Stderr,
		Pretty: isTTY(),
	})

	paths := config.NewPaths(cfg.BaseDir)
	if err := paths.Ensure(); err != nil {
		logging.Fatal().Err(err).Msg("failed to create base directory tree")
	}

	s, err := store.Open(paths.DBPath())
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open store")
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			logging.Error().Err(closeErr).Msg("failed to close store")
		}
	}()

	log := eventlog.New(s)
	defer func() {
		if closeErr := log.Close(); closeErr != nil {
			logging.Error().Err(closeErr).Msg("failed to close event log bus")
		}
	}()

	registry := sessionregistry.New(s)
	approvals := approval.New(log, cfg.ApprovalTimeout)
	producer := agentproc.New(agentproc.Config{Command: agentCommand()})
	sup := supervisor.New(registry, log, approvals, producer)

	token, err := bootstrap.EnsureToken(paths.TokenPath())
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to provision bearer token")
	}
	cert, err := bootstrap.EnsureTLSCert(paths.CertPath(), paths.KeyPath())
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to provision TLS certificate")
	}

	server := rpcserver.New(token, registry, log, approvals, sup, rpcserver.Options{
		PageSize:     cfg.ReplayPageSize,
		QueueBound:   cfg.OutboundQueueBound,
		PingInterval: cfg.PingInterval,
	})

	mux := http.NewServeMux()
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:      "127.0.0.1:" + strconv.Itoa(cfg.BindPort),
		Handler:   mux,
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go server.RunRetentionSweeper(ctx, cfg.SweepInterval, cfg.RetentionSeconds)

	go func() {
		logging.Info().Str("addr", httpServer.Addr).Msg("gateway listening")
		if err := httpServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("gateway listener failed")
		}
	}()

	<-ctx.Done()
	stop()
	logging.Info().Msg("shutting down gracefully")

	server.Shutdown(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("gateway forced to shutdown")
	}

	logging.Info().Msg("gateway stopped")
}

// agentCommand resolves the external agent executable from
// DORABOT_AGENT_COMMAND, a space-separated argv (e.g. "my-agent --flag"),
// defaulting to "dorabot-agent" on PATH.
func agentCommand() []string {
	if raw := strings.TrimSpace(os.Getenv("DORABOT_AGENT_COMMAND")); raw != "" {
		return strings.Fields(raw)
	}
	return []string{"dorabot-agent"}
}

func isTTY() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

