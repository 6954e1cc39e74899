package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/fetch"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/handshake"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch URL",
	Short: "Fetch a protected resource, logging in when it returns 401",
	Long: `Fetch a resource with the service's bearer token attached.

A 401 raises a login for the service. Its prompt is confirmed automatically,
and the request is retried once the handshake succeeds.

Examples:
  iab fetch https://images.example.org/iiif/page1/info.json --services services.yaml
  iab fetch https://images.example.org/full.jpg --services services.yaml --out full.jpg`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

var (
	fetchServicesPath string
	fetchServiceID    string
	fetchOut          string
	fetchHeadless     bool
)

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringVar(&fetchServicesPath, "services", "", "Path to a yaml or json file of auth service descriptors")
	fetchCmd.Flags().StringVar(&fetchServiceID, "id", "", "Service id protecting the resource")
	fetchCmd.Flags().StringVarP(&fetchOut, "out", "o", "", "Write the body to this file instead of stdout")
	fetchCmd.Flags().BoolVar(&fetchHeadless, "headless", false, "Run the browser headless")
}

func runFetch(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = fetchHeadless
	}

	svc, err := loadService(fetchServicesPath, fetchServiceID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), loginTimeout)
	defer cancel()

	var coord *handshake.Coordinator
	rt, err := newBrokerRuntime(ctx, cfg, runtimeOptions{
		Prompter: &autoPrompter{
			confirm: func(id string) { coord.Confirm(id) },
			out:     cmd.ErrOrStderr(),
		},
	}, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	coord = rt.coord

	if _, err := rt.Start(ctx); err != nil {
		return err
	}

	client := &fetch.Client{
		Tokens:  rt.tokens,
		Surface: rt.surface,
		Cache:   rt.images,
		Logger:  logger,
	}
	body, err := client.Get(ctx, args[0], &svc)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", args[0], err)
	}

	if fetchOut == "" {
		_, err = cmd.OutOrStdout().Write(body)
		return err
	}
	if err := os.WriteFile(fetchOut, body, 0600); err != nil {
		return fmt.Errorf("write %s: %w", fetchOut, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d bytes to %s\n", len(body), fetchOut)
	return nil
}
