package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/db"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent handshake transitions and per-service totals",
	RunE:  runHistory,
}

var (
	historyLimit int
	historyJSON  bool
)

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of transitions to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output as JSON")
}

type historyOutput struct {
	Events   []db.HandshakeEvent `json:"events"`
	Services []db.ServiceStats   `json:"services"`
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Disabled {
		return fmt.Errorf("audit log is disabled in the config")
	}

	d, err := db.OpenAt(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer d.Close()

	events, err := d.RecentHandshakeEvents(historyLimit)
	if err != nil {
		return err
	}
	stats, err := d.AllServiceStats()
	if err != nil {
		return err
	}

	if historyJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(historyOutput{Events: events, Services: stats})
	}

	if len(events) == 0 && len(stats) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No handshakes recorded.")
		return nil
	}
	return renderHistory(cmd.OutOrStdout(), events, stats)
}

func renderHistory(w io.Writer, events []db.HandshakeEvent, stats []db.ServiceStats) error {
	_, _ = fmt.Fprintln(w, "Services")
	_, _ = fmt.Fprintln(w, "───────────────────────────────────────")

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SERVICE\tSUCCEEDED\tFAILED\tLAST SUCCESS\tLAST FAILURE")
	for _, s := range stats {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n",
			s.ServiceID,
			s.TotalSucceeded,
			s.TotalFailed,
			formatWhen(s.LastSucceeded),
			formatWhen(s.LastFailed),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Recent transitions")
	_, _ = fmt.Fprintln(w, "───────────────────────────────────────")

	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tRUN\tSERVICE\tFROM\tTO\tREASON")
	for _, ev := range events {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			formatWhen(ev.Timestamp),
			ev.RunID,
			ev.ServiceID,
			ev.FromState,
			ev.ToState,
			ev.Reason,
		)
	}
	return tw.Flush()
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
