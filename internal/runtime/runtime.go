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

	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/health"
	"github.com/loqalabs/loqa-stt/internal/natsserver"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	telemetryStop func(context.Context) error
	natsServer    *natsserver.EmbeddedServer
	bus           *bus.Client
	backend       engine.Backend
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Ready reports whether the model is bound, the listener is serving and, when
// the bus is enabled, the NATS connection is up.
func (r *Runtime) Ready() bool {
	return r.ready.Load() && (r.bus == nil || r.bus.Healthy())
}

// Start binds the inference device, serves HTTP until ctx is cancelled and
// then shuts everything down.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryStop = shutdownTelemetry

	if err := r.startBus(ctx); err != nil {
		r.stop()
		return err
	}

	backend, err := engine.New(r.cfg.Engine, r.logger)
	if err != nil {
		r.stop()
		return fmt.Errorf("create engine backend: %w", err)
	}
	r.backend = backend

	dispatch, err := Prepare(ctx, r.cfg.Engine, r.backend, r.logger)
	if err != nil {
		r.stop()
		return err
	}
	r.announce(dispatch)

	var publisher stt.Publisher
	if r.bus != nil {
		publisher = r.bus
	}
	server := NewServer(ServerOptions{
		STT:            stt.NewService(r.cfg.STT, publisher, r.logger),
		Model:          dispatch.Model,
		Reporter:       health.NewReporter(dispatch.Config, dispatch.Capability, dispatch.Backend.Version),
		MaxUploadBytes: r.cfg.HTTP.MaxUploadBytes,
		Metrics:        metricsHandler,
		Ready:          r.Ready,
		Logger:         r.logger,
	})

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: time.Duration(r.cfg.HTTP.ReadHeaderTimeoutMS) * time.Millisecond,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		r.stop()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", listener.Addr().String()),
		slog.String("device", string(dispatch.Config.Device())),
		slog.Bool("fp16", dispatch.Config.ReducedPrecision()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.stop()

	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats-server")))
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.natsServer = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client
	return nil
}

func (r *Runtime) announce(d Dispatch) {
	if r.bus == nil {
		return
	}
	msg := protocol.NodeAnnouncement{
		NodeID:           r.cfg.Bus.NodeID,
		Runtime:          r.cfg.RuntimeName,
		Engine:           d.Backend.Name(),
		EngineVersion:    d.Backend.Version(),
		Model:            d.Model.Name(),
		Device:           string(d.Config.Device()),
		ReducedPrecision: d.Config.ReducedPrecision(),
		Accelerator:      protocol.Support{Available: d.Capability.Available, Built: d.Capability.Built},
		Timestamp:        time.Now().UTC(),
	}
	if d.Fallback != nil {
		msg.Fallback = d.Fallback.Error()
	}
	if err := r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg); err != nil {
		r.logger.Warn("failed to announce node", slog.String("error", err.Error()))
	}
}

func (r *Runtime) stop() {
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
		r.natsServer = nil
	}
	if r.telemetryStop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.telemetryStop(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
		r.telemetryStop = nil
	}
}
