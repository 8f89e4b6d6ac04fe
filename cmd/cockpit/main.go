package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"cockpit/internal/broker"
	"cockpit/internal/cdp"
	"cockpit/internal/config"
	"cockpit/internal/events"
	"cockpit/internal/gate"
	"cockpit/internal/hub"
	"cockpit/internal/inject"
	"cockpit/internal/logging"
	"cockpit/internal/orchestrator"
	"cockpit/internal/parser"
	"cockpit/internal/server"
	"cockpit/internal/session"
	"cockpit/internal/subsession"
	"cockpit/internal/template"
	"cockpit/internal/worker"
)

var (
	flagPIN     string
	flagPort    int
	flagCDPURL  string
	flagDataDir string
	flagDebug   bool
)

func main() {
	root := &cobra.Command{
		Use:   "cockpit",
		Short: "Remote-control server for a desktop AI assistant",
		Long: "cockpit attaches to a desktop AI assistant through its remote-debugging\n" +
			"endpoint and exposes its conversations to browser clients over HTTP and\n" +
			"WebSocket, including multi-worker task orchestration.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd)
		},
	}

	root.Flags().StringVar(&flagPIN, "pin", "", "operator PIN (overrides env PIN; empty disables auth)")
	root.Flags().IntVar(&flagPort, "port", 0, "HTTP listen port (overrides env PORT)")
	root.Flags().StringVar(&flagCDPURL, "cdp-url", "", "remote-debugging endpoint (overrides env COCKPIT_CDP_URL)")
	root.Flags().StringVar(&flagDataDir, "data-dir", "", "mutable state directory (overrides env COCKPIT_DATA_DIR)")
	root.Flags().BoolVar(&flagDebug, "debug", false, "verbose logging and debug log file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command) error {
	cfg := config.Load()
	if cmd.Flags().Changed("pin") {
		cfg.PIN = flagPIN
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = flagPort
	}
	if cmd.Flags().Changed("cdp-url") {
		cfg.CDPURL = flagCDPURL
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = flagDataDir
	}
	if flagDebug {
		cfg.Debug = true
	}
	cfg.WithDefaults()

	if cfg.Debug {
		logging.SetLevel(logging.DEBUG)
		if err := logging.EnableFile(cfg.DebugLogFile); err != nil {
			return fmt.Errorf("enable debug log file: %w", err)
		}
	}
	logger := logging.NewComponentLogger("main")
	logger.Info("Starting cockpit on port %d (auth %s)", cfg.Port, onOff(cfg.AuthEnabled()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(logging.NewComponentLogger("bus"))

	adapter := cdp.New(cdp.Config{BaseURL: cfg.CDPURL, Timeout: cfg.CDPTimeout}, logging.NewComponentLogger("cdp"))
	defer adapter.Close()

	g := gate.New(gate.Config{PIN: cfg.PIN, TokenTTL: cfg.TokenTTL}, bus, logging.NewComponentLogger("gate"))
	limiter := gate.NewRateLimiter()

	injector := inject.NewEngine(inject.Config{}, adapter, bus, logging.NewComponentLogger("inject"))
	injectFn := session.InjectorFunc(func(ctx context.Context, conversationID, text string) error {
		_, err := injector.Inject(ctx, conversationID, text)
		return err
	})

	sessions := session.New(session.Config{CacheTTL: cfg.CacheTTL}, adapter, injectFn, bus,
		logging.NewComponentLogger("session"))
	defer sessions.Close()

	approvals := broker.New(broker.Config{}, adapter, bus, logging.NewComponentLogger("broker"))
	defer approvals.Close()

	store, err := template.NewStore(cfg.SystemTemplateDir,
		filepath.Join(cfg.DataDir, "templates", "user"), logging.NewComponentLogger("template"))
	if err != nil {
		return fmt.Errorf("template store: %w", err)
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := orchestrator.MustNewMetrics(registry)

	engine, err := orchestrator.NewEngine(
		orchestrator.Config{DataDir: cfg.DataDir},
		mainConversations{sessions: sessions, adapter: adapter},
		store,
		func(wcfg worker.Config) *worker.Pool {
			return worker.NewPool(wcfg, adapter, parser.New("", ""), bus, logging.NewComponentLogger("worker"))
		},
		bus, metrics, logging.NewComponentLogger("orchestrator"))
	if err != nil {
		return fmt.Errorf("orchestrator engine: %w", err)
	}
	defer engine.Close()

	tracker := subsession.New(subsession.Config{}, adapter, injectFn, bus,
		logging.NewComponentLogger("subsession"))
	defer tracker.Close()

	h := hub.New(hub.Config{}, g, bus, func() map[string]any {
		visible, hidden := sessions.Counts()
		return map[string]any{
			"conversations":       visible,
			"hiddenConversations": hidden,
			"orchestrators":       len(engine.List()),
		}
	}, logging.NewComponentLogger("hub"))
	h.OnPresence(func(delta int) {
		if delta > 0 {
			sessions.AddViewer()
		} else {
			sessions.RemoveViewer()
		}
	})

	go sessions.Run(ctx)
	go approvals.Run(ctx)
	go tracker.Run(ctx)
	go h.Run(ctx)

	srv := server.New(server.Deps{
		Config:        cfg,
		Adapter:       adapter,
		Gate:          g,
		Limiter:       limiter,
		Hub:           h,
		Injector:      injector,
		Sessions:      sessions,
		Broker:        approvals,
		Templates:     store,
		Orchestrators: engine,
		Subsessions:   tracker,
		Gatherer:      registry,
		Logger:        logging.NewComponentLogger("http"),
	})
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("Goodbye")
	return nil
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}

// mainConversations adapts the session layer to the orchestrator's
// conversation needs. Transcript reads bypass the coordinator cache so phase
// polling sees fresh assistant output.
type mainConversations struct {
	sessions *session.Coordinator
	adapter  cdp.API
}

func (m mainConversations) Create(ctx context.Context, cwd, firstMessage string, opts cdp.StartOptions) (string, error) {
	return m.sessions.Create(ctx, cwd, firstMessage, opts)
}

func (m mainConversations) SendMessage(ctx context.Context, conversationID, text string) error {
	return m.sessions.SendMessage(ctx, conversationID, text)
}

func (m mainConversations) Transcript(ctx context.Context, conversationID string) ([]cdp.Message, error) {
	return m.adapter.GetTranscript(ctx, conversationID)
}
