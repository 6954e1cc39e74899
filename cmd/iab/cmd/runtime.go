package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/authreq"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/browser"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/cache"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/config"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/db"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/handshake"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/metrics"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/popup"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/relay"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/token"
)

const (
	surfaceBuffer = 16
	cacheTTL      = 10 * time.Minute
)

// runtimeOptions selects the dialog chrome and extra observers.
type runtimeOptions struct {
	// Prompter defaults to the event hub, so remote clients confirm through
	// the API.
	Prompter  handshake.Prompter
	Recorders []handshake.Recorder
}

// brokerRuntime is everything a command needs to run handshakes. Close
// releases it in reverse order.
type brokerRuntime struct {
	cfg    *config.Config
	logger *slog.Logger

	browser *browser.Browser
	surface *authreq.Surface
	tokens  *token.Store
	images  *cache.Cache[[]byte]
	pages   *cache.Cache[string]
	metrics *metrics.Collector
	hub     *handshake.EventHub

	auditDB *db.DB
	audit   *db.Recorder

	coord *handshake.Coordinator
	api   *handshake.APIServer
}

func newBrokerRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions, logger *slog.Logger) (*brokerRuntime, error) {
	origin := cfg.HostOrigin()
	rt := &brokerRuntime{
		cfg:     cfg,
		logger:  logger,
		surface: authreq.NewSurface(surfaceBuffer),
		tokens:  token.NewStore(),
		metrics: metrics.New(),
		hub:     handshake.NewEventHub(origin, logger),
	}

	images, err := cache.New[[]byte]("images", cacheTTL)
	if err != nil {
		return nil, err
	}
	rt.images = images
	pages, err := cache.New[string]("presentations", cacheTTL)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.pages = pages

	recorders := handshake.MultiRecorder{rt.metrics, rt.hub}
	recorders = append(recorders, opts.Recorders...)

	if !cfg.Database.Disabled {
		// Handshakes run without the audit log rather than not at all.
		d, err := db.OpenAt(cfg.DatabasePath())
		if err != nil {
			logger.Warn("audit log unavailable, transitions will not be recorded",
				"path", cfg.DatabasePath(),
				"error", err)
		} else {
			if q := d.Quarantined(); q != "" {
				logger.Warn("unreadable audit log moved aside", "path", d.Path(), "moved_to", q)
			}
			pruneAuditLog(d, cfg.Database.Retention, logger)
			rt.auditDB = d
			rt.audit = db.NewRecorder(d, logger)
			recorders = append(recorders, rt.audit)
		}
	}

	b, err := browser.Launch(ctx, browser.Options{
		Headless:    cfg.Browser.Headless,
		ExecPath:    cfg.Browser.ExecPath,
		UserDataDir: cfg.Browser.UserDataDir,
		Logger:      logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.browser = b

	bridge := relay.NewBridge(logger)
	bridge.CheckOrigin = cfg.CheckRelayOrigin

	prompter := opts.Prompter
	if prompter == nil {
		prompter = rt.hub
	}

	hc := handshake.DefaultConfig()
	hc.Origin = origin
	hc.PollInterval = cfg.PollInterval
	hc.Surface = rt.surface
	hc.Tokens = rt.tokens
	hc.Opener = popup.NewChromeOpener(b.Context())
	hc.Bridge = bridge
	hc.Frame = relay.NewChromeFrame(b.Context(), origin, bridge, logger)
	hc.Prompter = prompter
	hc.Caches = []handshake.Cache{rt.images, rt.pages}
	hc.Recorder = recorders
	hc.Logger = logger.With("component", "handshake")

	coord, err := handshake.New(hc)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("create coordinator: %w", err)
	}
	rt.coord = coord

	rt.api = handshake.NewAPIServer(coord, cfg.Listen, handshake.APIOptions{
		Events:    rt.hub,
		Metrics:   rt.metrics.Handler(),
		RelayPage: relay.HostPageHandler(),
	}, logger.With("component", "api"))

	return rt, nil
}

// Start runs the coordinator and the API server. Server failures after
// startup arrive on the returned channel.
func (rt *brokerRuntime) Start(ctx context.Context) (<-chan error, error) {
	if err := rt.coord.Start(ctx); err != nil {
		return nil, fmt.Errorf("start coordinator: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := rt.api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh, nil
}

// Close shuts everything down. It is safe on a partially built runtime.
func (rt *brokerRuntime) Close() {
	if rt.api != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.api.Shutdown(shutdownCtx); err != nil {
			rt.logger.Warn("API shutdown error", "error", err)
		}
		cancel()
	}
	if rt.coord != nil {
		if err := rt.coord.Stop(); err != nil {
			rt.logger.Warn("coordinator stop error", "error", err)
		}
	}
	if rt.audit != nil {
		rt.audit.Close()
	}
	if rt.auditDB != nil {
		if err := rt.auditDB.Close(); err != nil {
			rt.logger.Warn("audit log close error", "error", err)
		}
	}
	if rt.browser != nil {
		rt.browser.Close()
	}
	if rt.images != nil {
		rt.images.Close()
	}
	if rt.pages != nil {
		rt.pages.Close()
	}
}

func pruneAuditLog(d *db.DB, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	n, err := d.PruneBefore(time.Now().Add(-retention))
	if err != nil {
		logger.Warn("audit log prune failed", "error", err)
		return
	}
	if n > 0 {
		logger.Debug("audit log pruned", "deleted", n, "retention", retention)
	}
}

func loadService(path, id string) (authreq.AuthService, error) {
	if path == "" {
		return authreq.AuthService{}, errors.New("--services is required")
	}
	services, err := authreq.LoadServices(path)
	if err != nil {
		return authreq.AuthService{}, err
	}
	if id == "" {
		if len(services) == 1 {
			return services[0], nil
		}
		return authreq.AuthService{}, fmt.Errorf("--id is required when %s lists %d services", path, len(services))
	}
	svc, ok := authreq.Find(services, id)
	if !ok {
		return authreq.AuthService{}, fmt.Errorf("service %q not found in %s", id, path)
	}
	return svc, nil
}
