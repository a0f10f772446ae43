package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/joho/godotenv"

	"guesthub/internal/retention"
	"guesthub/pkg/adapters"
	"guesthub/pkg/assist"
	"guesthub/pkg/config"
	"guesthub/pkg/dispatch"
	"guesthub/pkg/fanout"
	"guesthub/pkg/ingest"
	"guesthub/pkg/logger"
	"guesthub/pkg/models"
	"guesthub/pkg/orchestrator"
	"guesthub/pkg/progressor"
	"guesthub/pkg/sensor"
	"guesthub/pkg/sla"
	"guesthub/pkg/state"
	"guesthub/pkg/store"
)

// App wires the hub's components and owns their lifecycle.
type App struct {
	cfg       *config.Config
	addr      string
	dbPath    string
	version   string
	commit    string
	buildDate string

	bus      *ingest.Bus
	dedup    *ingest.Dedup
	hub      *fanout.Hub
	registry *adapters.Registry
	orch     *orchestrator.Orchestrator
	disp     *dispatch.Dispatcher
	engine   *sla.Engine
	assist   *assist.Client

	retCancel context.CancelFunc
	monCancel context.CancelFunc
	srv       *http.Server
}

// New opens the store and wires every component; nothing is running until
// Run is called.
func New(cfg *config.Config, addr, dbPath, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logger.Init(cfg.Logging.Level)

	if err := state.EnsureStateDirs(dbPath); err != nil {
		return nil, fmt.Errorf("state dirs: %w", err)
	}
	auditDir := cfg.Logging.AuditDir
	if auditDir == "" {
		auditDir = state.PathsVar.Audit
	}
	if err := logger.AttachAuditFileSink(auditDir); err != nil {
		return nil, fmt.Errorf("audit sink: %w", err)
	}

	if err := store.Open(state.PathsVar.Store); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", state.PathsVar.Store, err)
	}

	if _, err := progressor.Run(context.Background(), version); err != nil {
		return nil, fmt.Errorf("migration: %w", err)
	}

	a := &App{
		cfg: cfg, addr: addr, dbPath: dbPath,
		version: version, commit: commit, buildDate: buildDate,
	}

	a.bus = ingest.NewBus(cfg.Ingest.Workers, cfg.Ingest.QueueCapacity)
	a.dedup = ingest.NewDedup(cfg.Ingest.DedupWindow.Std())
	a.hub = fanout.NewHub()
	a.orch = orchestrator.New(cfg, a.bus, a.dedup, a.hub)

	a.registry = adapters.NewRegistry()
	a.registerAdapters()

	a.disp = dispatch.New(cfg, a.registry, a.orch.HandleDeliveryResult)
	a.orch.SetOutbox(a.disp)

	if cfg.Assist.Enabled {
		a.assist = assist.New(cfg, a.orch.ApplyEnrichment)
		a.orch.SetEnricher(a.assist)
	}

	a.engine = sla.New(cfg, a.orch)
	return a, nil
}

// registerAdapters builds one adapter per enabled channel. Webchat has no
// external provider and is always on; its delivery path is the guest
// socket registry.
func (a *App) registerAdapters() {
	if c := a.cfg.Channel(string(models.ChannelWhatsApp)); c.Enabled {
		a.registry.Register(adapters.NewWhatsApp(c))
	}
	if c := a.cfg.Channel(string(models.ChannelLine)); c.Enabled {
		a.registry.Register(adapters.NewLine(c))
	}
	if c := a.cfg.Channel(string(models.ChannelKakao)); c.Enabled {
		a.registry.Register(adapters.NewKakao(c))
	}
	a.registry.Register(adapters.NewWebchat(a.hub.PushGuest))
}

// Run starts the pipelines and the HTTP server, blocking until ctx is
// cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	a.bus.Start()
	a.disp.Start(a.cfg.Ingest.Workers)
	a.engine.Start()
	if a.assist != nil {
		a.assist.Start(2)
	}

	retCancel, err := retention.Start(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.retCancel = retCancel
	a.monCancel = sensor.StartMonitor(ctx, sensor.DefaultMonitorConfig())

	a.printBanner()
	errCh := a.startHTTP()

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return err
	}
}

// shutdown stops intake first, then drains the stages in dependency
// order so nothing writes to a closed store.
func (a *App) shutdown() {
	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), httpDrainTimeout)
		_ = a.srv.Shutdown(ctx)
		cancel()
	}
	if a.retCancel != nil {
		a.retCancel()
	}
	if a.monCancel != nil {
		a.monCancel()
	}
	a.engine.Stop()
	if a.assist != nil {
		a.assist.Stop()
	}
	a.disp.Stop()
	a.bus.Stop()
	if err := store.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
	logger.Info("hub_stopped")
}
