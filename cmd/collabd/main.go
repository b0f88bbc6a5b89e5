// Command collabd runs the collaborative-editing sync server: it loads
// configuration, wires the document registry, extensions, debounced
// saver, metrics, and WebSocket transport together behind the server
// facade, and serves until told to stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Polqt/collabd/internal/clientconn"
	"github.com/Polqt/collabd/internal/config"
	"github.com/Polqt/collabd/internal/docregistry"
	"github.com/Polqt/collabd/internal/errhandler"
	"github.com/Polqt/collabd/internal/ext"
	"github.com/Polqt/collabd/internal/ext/aclheader"
	"github.com/Polqt/collabd/internal/ext/memorystore"
	"github.com/Polqt/collabd/internal/ext/redisfanout"
	"github.com/Polqt/collabd/internal/metrics"
	"github.com/Polqt/collabd/internal/server"
	"github.com/Polqt/collabd/internal/transport"
)

// lazyBroadcaster breaks the wiring cycle between the document
// registry (which needs the final extension list at construction) and
// the Redis fan-out extension (which needs the registry as its
// LocalBroadcaster): the extension is constructed first against this
// indirection, and the real registry is plugged in immediately after
// it exists.
type lazyBroadcaster struct {
	registry *docregistry.Registry
}

func (l *lazyBroadcaster) BroadcastLocalUpdate(documentName string, update []byte) {
	if l.registry != nil {
		l.registry.BroadcastLocalUpdate(documentName, update)
	}
}

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "collabd",
		Short: "Collaborative-editing CRDT sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags(), configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return run(cfg)
		},
	}

	config.BindFlags(cmd.Flags())
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")

	return cmd
}

func run(cfg config.Config) error {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	errHandler := errhandler.New(logger)

	metricsReg := prometheus.NewRegistry()
	m := metrics.New(metricsReg)

	broadcaster := &lazyBroadcaster{}

	extensions := []ext.Extension{memorystore.New()}
	if cfg.ReadOnlyHeader != "" {
		extensions = append(extensions, aclheader.New(cfg.ReadOnlyHeader))
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		extensions = append(extensions, redisfanout.New(client, broadcaster, logger))
	}

	exts := ext.NewRegistry(extensions)
	if err := exts.RunOnConfigure(context.Background(), &ext.ConfigurePayload{}); err != nil {
		return fmt.Errorf("configure extensions: %w", err)
	}

	registry := docregistry.New(exts, errHandler, docregistry.Config{
		Debounce:    cfg.Debounce,
		MaxDebounce: cfg.MaxDebounce,
		UnloadGrace: cfg.UnloadGrace,
	})
	broadcaster.registry = registry
	registry.SetRecorder(registryRecorder{m})
	registry.SetSaveRecorder(saveRecorder{m})
	registry.SetBroadcastRecorder(broadcastRecorder{m})

	srv := server.New(registry, exts, errHandler)
	srv.SetRecorder(connectionRecorder{m})

	mux := http.NewServeMux()
	mux.Handle("/ws", transport.NewHandler(func(conn *transport.Conn, initialContext map[string]any) {
		if err := srv.HandleConnection(adaptTransport(conn), initialContext); err != nil {
			logger.Warn().Str("connection", conn.ConnectionID()).Err(err).Msg("connection rejected")
			return
		}
		m.ConnectionsOpen.Inc()
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("collabd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	srv.Close(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// adaptTransport narrows *transport.Conn down to clientconn.Transport.
// Both already share the same method set; this exists so cmd/collabd
// is the only place that names the concrete transport type.
func adaptTransport(conn *transport.Conn) clientconn.Transport { return conn }

type registryRecorder struct{ m *metrics.Registry }

func (r registryRecorder) DocumentLoaded()   { r.m.DocumentsLoaded.Inc() }
func (r registryRecorder) DocumentUnloaded() { r.m.DocumentsLoaded.Dec() }
func (r registryRecorder) HookFailed(hookName string) {
	r.m.HookFailuresTotal.WithLabelValues(hookName).Inc()
}

type saveRecorder struct{ m *metrics.Registry }

func (r saveRecorder) SaveSucceeded() { r.m.SavesTotal.Inc() }
func (r saveRecorder) SaveFailed()    { r.m.SaveFailuresTotal.Inc() }

type broadcastRecorder struct{ m *metrics.Registry }

func (r broadcastRecorder) BroadcastSent() { r.m.BroadcastMessagesTotal.Inc() }

type connectionRecorder struct{ m *metrics.Registry }

func (r connectionRecorder) ConnectionClosed() { r.m.ConnectionsOpen.Dec() }
