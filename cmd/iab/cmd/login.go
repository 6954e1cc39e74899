package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/authreq"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/config"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/handshake"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/token"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/tui"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Run one login handshake for an auth service",
	Long: `Run the handshake for one access-control service and report the token.

Interactive services show their login prompt in the terminal first. Kiosk
and external services go straight to the login window. With --yes, or when
stdin is not a terminal, the prompt is confirmed automatically.

Examples:
  iab login --services services.yaml --id https://auth.example.org/login
  iab login --services services.yaml --yes --headless`,
	RunE: runLogin,
}

var (
	loginServicesPath string
	loginServiceID    string
	loginYes          bool
	loginHeadless     bool
	loginTimeout      time.Duration
)

func init() {
	rootCmd.AddCommand(loginCmd)

	loginCmd.Flags().StringVar(&loginServicesPath, "services", "", "Path to a yaml or json file of auth service descriptors")
	loginCmd.Flags().StringVar(&loginServiceID, "id", "", "Service id (login URL); optional when the file lists one service")
	loginCmd.Flags().BoolVarP(&loginYes, "yes", "y", false, "Confirm the login prompt without asking")
	loginCmd.Flags().BoolVar(&loginHeadless, "headless", false, "Run the browser headless")
	loginCmd.Flags().DurationVar(&loginTimeout, "timeout", 5*time.Minute, "Give up after this long without a non-interactive result")
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyLoginFlags(cmd, cfg)

	svc, err := loadService(loginServicesPath, loginServiceID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if !loginYes && term.IsTerminal(int(os.Stdin.Fd())) {
		return runLoginTUI(ctx, cmd, cfg, svc)
	}
	return runLoginAuto(ctx, cmd, cfg, svc)
}

func applyLoginFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = loginHeadless
	}
}

func runLoginTUI(ctx context.Context, cmd *cobra.Command, cfg *config.Config, svc authreq.AuthService) error {
	// Info logs would tear the dialog.
	logger := newLogger()
	if !verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}

	var coord *handshake.Coordinator
	model := tui.New(svc.ID, tui.Actions{
		Confirm: func(id string) { coord.Confirm(id) },
		Cancel:  func(id string) { coord.Cancel(id) },
	})
	program := tea.NewProgram(model, tea.WithContext(ctx), tea.WithOutput(os.Stderr))
	prompter := tui.NewPrompter(program)
	defer prompter.Close()

	rt, err := newBrokerRuntime(ctx, cfg, runtimeOptions{
		Prompter:  prompter,
		Recorders: []handshake.Recorder{prompter},
	}, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	coord = rt.coord

	if _, err := rt.Start(ctx); err != nil {
		return err
	}
	if err := rt.surface.RequestLogin(ctx, svc); err != nil {
		return fmt.Errorf("request login: %w", err)
	}

	final, err := program.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run dialog: %w", err)
	}
	m, _ := final.(tui.Model)
	return reportLogin(cmd.OutOrStdout(), rt.tokens, svc, m.Outcome())
}

// autoPrompter confirms every prompt and prints failure text.
type autoPrompter struct {
	confirm func(serviceID string)
	out     io.Writer
}

func (p *autoPrompter) Show(pr handshake.Prompt) {
	fmt.Fprintf(p.out, "%s\n", pr.Header)
	// Confirm posts back into the loop that is calling us.
	go p.confirm(pr.ServiceID)
}

func (p *autoPrompter) ShowError(serviceID, message string) {
	fmt.Fprintf(p.out, "Login failed: %s\n", message)
}

func (p *autoPrompter) Dismiss(string) {}

// outcomeWatcher reports the first terminal state of one service.
func outcomeWatcher(serviceID string) (handshake.Recorder, <-chan tui.Outcome) {
	ch := make(chan tui.Outcome, 1)
	return handshake.RecorderFunc(func(t handshake.Transition) {
		if t.ServiceID != serviceID {
			return
		}
		var o tui.Outcome
		switch t.To {
		case handshake.StateSucceeded:
			o = tui.OutcomeSucceeded
		case handshake.StateFailed:
			o = tui.OutcomeFailed
		default:
			return
		}
		select {
		case ch <- o:
		default:
		}
	}), ch
}

func runLoginAuto(ctx context.Context, cmd *cobra.Command, cfg *config.Config, svc authreq.AuthService) error {
	logger := newLogger()

	var coord *handshake.Coordinator
	prompter := &autoPrompter{
		confirm: func(id string) { coord.Confirm(id) },
		out:     cmd.ErrOrStderr(),
	}
	watcher, outcomes := outcomeWatcher(svc.ID)

	rt, err := newBrokerRuntime(ctx, cfg, runtimeOptions{
		Prompter:  prompter,
		Recorders: []handshake.Recorder{watcher},
	}, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	coord = rt.coord

	errCh, err := rt.Start(ctx)
	if err != nil {
		return err
	}
	if err := rt.surface.RequestLogin(ctx, svc); err != nil {
		return fmt.Errorf("request login: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	timer := time.NewTimer(loginTimeout)
	defer timer.Stop()

	outcome := tui.OutcomePending
	select {
	case outcome = <-outcomes:
	case <-sigCh:
		coord.Cancel(svc.ID)
		outcome = tui.OutcomeCancelled
	case err := <-errCh:
		return fmt.Errorf("API server error: %w", err)
	case <-timer.C:
		coord.Cancel(svc.ID)
		return fmt.Errorf("login to %s timed out after %s", svc.ID, loginTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	return reportLogin(cmd.OutOrStdout(), rt.tokens, svc, outcome)
}

func reportLogin(w io.Writer, tokens *token.Store, svc authreq.AuthService, outcome tui.Outcome) error {
	switch outcome {
	case tui.OutcomeSucceeded:
		tok, ok := tokens.Get(svc.ID)
		if !ok {
			return fmt.Errorf("login to %s succeeded but no token is stored", svc.ID)
		}
		fmt.Fprintf(w, "Logged in to %s\n", svc.ID)
		fmt.Fprintf(w, "  Token: %s\n", token.RedactToken(tok.AccessToken))
		if exp := tok.ExpiresAt(); !exp.IsZero() {
			fmt.Fprintf(w, "  Expires: %s\n", exp.Format(time.RFC3339))
		}
		return nil
	case tui.OutcomeCancelled:
		return fmt.Errorf("login to %s cancelled", svc.ID)
	default:
		return fmt.Errorf("login to %s failed", svc.ID)
	}
}
