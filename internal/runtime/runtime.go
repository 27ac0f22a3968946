package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/httpapi"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/relay"
	"github.com/loqalabs/loqa-dictate/internal/transport"
	"go.opentelemetry.io/otel"
)

const meterName = "github.com/loqalabs/loqa-dictate/runtime"

// Version is reported on the telemetry resource; main overrides it.
var Version = "0.1.0-dev"

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	telemetryClose func(context.Context) error
	metricsHandler http.Handler
	httpServer     *http.Server
	metricsServer  *http.Server
	store          *eventstore.Store
	nats           *natsserver.EmbeddedServer
	bus            *bus.Client
	controller     *dictation.Controller
	relay          *relay.Service

	// Cancelled before the HTTP servers shut down so open transcript
	// streams return.
	serveCtx    context.Context
	serveCancel context.CancelFunc

	mu    sync.Mutex
	addr  string
	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	serveCtx, serveCancel := context.WithCancel(context.Background())
	return &Runtime{
		cfg:         cfg,
		logger:      logger,
		serveCtx:    serveCtx,
		serveCancel: serveCancel,
	}
}

// Start wires every component, serves until ctx is cancelled and then
// shuts down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.setup(ctx); err != nil {
		r.shutdown()
		return err
	}
	if err := r.serve(); err != nil {
		r.shutdown()
		return err
	}
	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.Addr()),
		slog.String("capture_device", r.cfg.Capture.Device),
		slog.Bool("bus", r.bus != nil),
	)

	if r.cfg.Dictation.Autostart {
		go r.autostart(ctx)
	}

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) setup(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if r.cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			return err
		}
	}

	device, err := audio.NewDevice(r.cfg.Capture)
	if err != nil {
		return fmt.Errorf("capture device: %w", err)
	}
	gate, err := audio.NewGate(r.cfg.Capture, device)
	if err != nil {
		return fmt.Errorf("permission gate: %w", err)
	}
	transportOpts, err := transport.OptionsFromConfig(r.cfg.Recognition)
	if err != nil {
		return err
	}
	if r.cfg.Recognition.APIKey == "" {
		r.logger.Warn("recognition.api_key is empty; the service will likely reject the handshake")
	}

	meter := otel.Meter(meterName)
	transportMetrics, err := transport.NewMetrics(meter)
	if err != nil {
		r.logger.Warn("failed to initialize transport metrics", slog.String("error", err.Error()))
	}

	r.controller = dictation.New(context.Background(), dictation.Options{
		Capture:          audio.NewSource(device, r.logger),
		CaptureOptions:   audio.OptionsFromConfig(r.cfg.Capture),
		Gate:             gate,
		Dialer:           transport.WebsocketDialer{HandshakeTimeout: 10 * time.Second},
		Transport:        transportOpts,
		TransportMetrics: transportMetrics,
		Meter:            meter,
		Timeline:         store,
		StartTimeout:     time.Duration(r.cfg.Dictation.StartTimeout) * time.Millisecond,
	}, r.logger)

	if r.bus != nil {
		r.relay = relay.NewService(context.Background(), r.bus, r.controller, r.logger)
		if err := r.relay.Start(); err != nil {
			return fmt.Errorf("start relay: %w", err)
		}
	}
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

func (r *Runtime) serve() error {
	router := httpapi.NewRouter(r.controller, httpapi.Options{
		Timeline: r.store,
		Metrics:  r.metricsHandler,
		Ready:    r.healthy,
		Logger:   r.logger,
	})
	r.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return r.serveCtx },
	}
	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.mu.Lock()
	r.addr = ln.Addr().String()
	r.mu.Unlock()
	r.listen(r.httpServer, ln, "http")

	if r.metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metricsHandler)
		r.metricsServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		mln, err := net.Listen("tcp", r.cfg.Telemetry.PrometheusBind)
		if err != nil {
			r.logger.Warn("metrics listener unavailable", slog.String("bind", r.cfg.Telemetry.PrometheusBind), slog.String("error", err.Error()))
			r.metricsServer = nil
			return nil
		}
		r.listen(r.metricsServer, mln, "metrics")
	}
	return nil
}

func (r *Runtime) listen(srv *http.Server, ln net.Listener, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// Addr returns the bound HTTP address once Start has begun serving.
func (r *Runtime) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

func (r *Runtime) autostart(ctx context.Context) {
	if err := r.controller.Start(ctx); err != nil {
		r.logger.Error("autostart failed", slog.String("error", err.Error()))
	}
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled && (r.relay == nil || !r.relay.Healthy()) {
		return false
	}
	return true
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r.serveCancel()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.relay != nil {
		r.relay.Close()
	}
	if r.controller != nil {
		r.controller.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
