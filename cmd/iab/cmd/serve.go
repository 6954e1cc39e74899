package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the handshake coordinator behind the control API",
	Long: `Run the coordinator as a long-lived daemon.

Viewers raise login requests with POST /auth/login and watch progress on the
/events websocket. Login prompts are published there as "prompt" events and
answered with POST /auth/confirm or /auth/cancel. The relay host page is
served at /relay, so the listen address is also the host origin unless
origin is set in the config file.

Endpoints:
  GET  /health        liveness
  GET  /status        flows, pending windows and held tokens
  POST /auth/login    the auth service descriptor as JSON
  POST /auth/confirm  {"service_id": ...}
  POST /auth/cancel   {"service_id": ...}
  GET  /tokens        token presence and expiry, never the value
  GET  /events        websocket stream of transitions and prompts
  GET  /metrics       prometheus metrics

Examples:
  iab serve
  iab serve --listen 127.0.0.1:9000 --verbose`,
	RunE: runServe,
}

var (
	serveListen   string
	serveHeadless bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", config.DefaultListen, "API listen address")
	serveCmd.Flags().BoolVar(&serveHeadless, "headless", false, "Run the browser headless")
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("listen") {
		cfg.Listen = serveListen
	}
	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = serveHeadless
	}
	return cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rt, err := newBrokerRuntime(ctx, cfg, runtimeOptions{}, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	errCh, err := rt.Start(ctx)
	if err != nil {
		return err
	}

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "iab broker started\n")
	fmt.Fprintf(out, "  Run: %s\n", rt.coord.RunID())
	fmt.Fprintf(out, "  API: http://%s\n", cfg.Listen)
	fmt.Fprintf(out, "  Origin: %s\n", rt.coord.Origin())
	if rt.auditDB != nil {
		fmt.Fprintf(out, "  Audit log: %s\n", rt.auditDB.Path())
	}
	fmt.Fprintln(out, "\nPress Ctrl+C to stop.")

	select {
	case <-sigCh:
		fmt.Fprintln(out, "\nShutting down...")
	case err := <-errCh:
		return fmt.Errorf("API server error: %w", err)
	case <-ctx.Done():
	}
	return nil
}
