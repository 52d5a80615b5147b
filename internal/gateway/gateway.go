// Package gateway assembles the gateway from its parts and owns their
// lifecycle.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminariMUD/i3gateway/internal/config"
	"github.com/LuminariMUD/i3gateway/internal/events"
	"github.com/LuminariMUD/i3gateway/internal/logging"
	"github.com/LuminariMUD/i3gateway/internal/metrics"
	"github.com/LuminariMUD/i3gateway/internal/router"
	"github.com/LuminariMUD/i3gateway/internal/rpc"
	"github.com/LuminariMUD/i3gateway/internal/services"
	"github.com/LuminariMUD/i3gateway/internal/session"
	"github.com/LuminariMUD/i3gateway/internal/state"
	"github.com/LuminariMUD/i3gateway/internal/transport"
)

// Gateway is the assembled service.
type Gateway struct {
	cfg    config.Config
	logger zerolog.Logger

	registry   *metrics.Registry
	store      *state.Store
	persister  *state.FilePersister
	sessions   *session.Manager
	bridge     *events.Bridge
	exporter   *events.NATSExporter
	conn       *router.Conn
	dispatcher *services.Dispatcher
	ws         *transport.WSServer
	tcp        *transport.TCPServer
}

// New wires every component. Nothing is listening or dialing yet; Run
// starts it all.
func New(cfg config.Config, logger zerolog.Logger) (*Gateway, error) {
	registry := metrics.NewRegistry()

	store := state.NewStore()
	persister, err := state.NewFilePersister(cfg.State.Dir)
	if err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	snap, err := persister.Load()
	if err != nil {
		logger.Warn().Err(err).Msg("state snapshot unreadable, starting cold")
	} else {
		store.Restore(snap)
	}

	keyring, err := session.NewKeyring(cfg.API.Keys)
	if err != nil {
		return nil, fmt.Errorf("api keys: %w", err)
	}
	sessions := session.NewManager(cfg.API, cfg.Queue, keyring, logger, registry)

	var exporter *events.NATSExporter
	if cfg.Events.NATSURL != "" {
		exporter, err = events.NewNATSExporter(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
	}
	var bridgeExporter events.Exporter
	if exporter != nil {
		bridgeExporter = exporter
	}
	bridge := events.NewBridge(logger, registry, bridgeExporter)

	conn := router.New(cfg.Router, cfg.Mud, store, logger, registry)
	dispatcher := services.NewDispatcher(cfg.Mud, cfg.State, conn, store, bridge, logger, registry)

	srv := rpc.NewServer(logger, registry)
	services.RegisterMethods(srv, dispatcher, sessions)

	return &Gateway{
		cfg:        cfg,
		logger:     logger.With().Str("component", "gateway").Logger(),
		registry:   registry,
		store:      store,
		persister:  persister,
		sessions:   sessions,
		bridge:     bridge,
		exporter:   exporter,
		conn:       conn,
		dispatcher: dispatcher,
		ws:         transport.NewWSServer(cfg.API, sessions, bridge, srv, logger),
		tcp:        transport.NewTCPServer(cfg.API, sessions, bridge, srv, logger),
	}, nil
}

// Run starts every component and blocks until ctx is cancelled, then
// shuts down in reverse order.
func (g *Gateway) Run(ctx context.Context) error {
	tcpLn, err := net.Listen("tcp", g.cfg.API.TCPAddr)
	if err != nil {
		return fmt.Errorf("tcp listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(g.cfg.API.WSPath, g.ws)
	mux.HandleFunc("/healthz", g.healthz)
	httpSrv := &http.Server{Addr: g.cfg.API.WSAddr, Handler: mux}

	var metricsSrv *http.Server
	if g.cfg.Metrics.Enabled {
		mmux := http.NewServeMux()
		mmux.Handle(g.cfg.Metrics.Endpoint, g.registry.Handler())
		metricsSrv = &http.Server{Addr: g.cfg.Metrics.ListenAddr, Handler: mmux}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	fatal := make(chan error, 4)

	start := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer logging.RecoverPanic(g.logger, name)
			if err := fn(); err != nil {
				fatal <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	start("router", func() error {
		g.conn.Run(runCtx)
		return nil
	})
	start("sessions", func() error {
		g.sessions.Run(runCtx)
		return nil
	})
	start("persist", func() error {
		g.persistLoop(runCtx)
		return nil
	})
	start("tcp", func() error {
		return g.tcp.Serve(runCtx, tcpLn)
	})
	start("http", func() error {
		err := httpSrv.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	if metricsSrv != nil {
		start("metrics", func() error {
			err := metricsSrv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
	}

	g.logger.Info().
		Str("ws_addr", g.cfg.API.WSAddr).
		Str("tcp_addr", g.cfg.API.TCPAddr).
		Str("mud", g.cfg.Mud.Name).
		Msg("gateway started")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-fatal:
		g.logger.Error().Err(runErr).Msg("component failed")
	}
	cancel()

	// Warn connected clients, then give their writers a moment to flush
	// before the sessions go away.
	g.bridge.Publish(events.New(events.TypeShutdownWarning, map[string]any{
		"mud":           g.cfg.Mud.Name,
		"restart_delay": 0,
	}))
	time.Sleep(200 * time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	g.sessions.CloseAll()
	wg.Wait()

	if err := g.persister.Save(g.store.Snapshot()); err != nil {
		g.logger.Warn().Err(err).Msg("final state save failed")
	}
	if g.exporter != nil {
		g.exporter.Close()
	}
	g.logger.Info().Msg("gateway stopped")
	return runErr
}

// persistLoop checkpoints the replica so a restart resumes from the
// last mudlist/chanlist versions instead of a cold sync.
func (g *Gateway) persistLoop(ctx context.Context) {
	every := g.cfg.State.PersistInterval
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.persister.Save(g.store.Snapshot()); err != nil {
				g.logger.Warn().Err(err).Msg("state save failed")
			}
		}
	}
}

func (g *Gateway) healthz(w http.ResponseWriter, _ *http.Request) {
	st := g.conn.State()
	body := map[string]any{
		"status":   "ok",
		"router":   st.String(),
		"sessions": g.sessions.Count(),
	}
	w.Header().Set("Content-Type", "application/json")
	if st != router.StateReady {
		w.WriteHeader(http.StatusServiceUnavailable)
		body["status"] = "degraded"
	}
	_ = json.NewEncoder(w).Encode(body)
}
