// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-stage/internal/logging"
	"github.com/jeranaias/rigrun-stage/internal/metrics"
	"github.com/jeranaias/rigrun-stage/internal/server"
)

var (
	serveNoStage bool
	serveHost    string
	servePort    int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the channel server",
	Long: `Run the channel server (websocket hub, /health and /metrics).

Unless --no-stage is given, a stage runtime is attached to the server so
context updates from other modules land in the local session store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = serveHost
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cmd)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoStage, "no-stage", false, "run the hub only")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides server.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	logger, logCloser, err := logging.New(logging.Options{
		Writer:   cmd.ErrOrStderr(),
		JSONFile: cfg.Log.File,
		Level:    cfg.Log.Level,
	})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logCloser.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	srv := server.New(server.Config{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		Token:      cfg.Server.Token,
		AllowedIPs: cfg.Server.AllowedIPs,
		RateLimit:  cfg.Server.RateLimit,
		RateBurst:  cfg.Server.RateBurst,
		Logger:     logger,
		Metrics:    m,
	})

	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr(), err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	addr := ln.Addr().String()
	fmt.Fprintln(out, TitleStyle.Render("stage server"))
	fmt.Fprintln(out, RenderSeparator())
	fmt.Fprintln(out, RenderField("Listening:", "http://"+addr))
	fmt.Fprintln(out, RenderField("Websocket:", "ws://"+addr+"/ws"))
	fmt.Fprintln(out, RenderField("Metrics:", enabledLabel(m != nil)))

	var rt *Runtime
	if !serveNoStage {
		// The attached stage connects back to this hub like any other module.
		local := cfg.Clone()
		local.Channel.URL = "ws://" + addr + "/ws"
		if local.Channel.Token == "" {
			local.Channel.Token = cfg.Server.Token
		}
		rt, err = NewRuntime(ctx, local, RuntimeOptions{Logger: logger, Metrics: m})
		if err != nil {
			shutdownServer(srv, logger)
			return err
		}
		defer rt.Close()
		rt.Start(ctx)
		fmt.Fprintln(out, RenderField("Stage:", SuccessStyle.Render(rt.Store.ActiveSessionID())))
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	fmt.Fprintln(out, DimStyle.Render("shutting down..."))
	if rt != nil {
		if err := rt.Close(); err != nil {
			logger.Warn("final save failed", "error", err)
		}
	}
	shutdownServer(srv, logger)
	return nil
}

func shutdownServer(srv *server.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
}

func enabledLabel(on bool) string {
	if on {
		return SuccessStyle.Render("enabled")
	}
	return DimStyle.Render("disabled")
}
