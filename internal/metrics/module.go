package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Raikerian/go-discord-voice/internal/config"
)

// Module provides the registry, the voice collectors and the /metrics listener.
var Module = fx.Module("metrics",
	fx.Provide(
		NewRegistry,
		NewVoiceFromRegistry,
	),
	fx.Invoke(registerServer),
)

// NewRegistry creates a registry with the process and runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return reg
}

// NewVoiceFromRegistry adapts NewVoice for Fx.
func NewVoiceFromRegistry(reg *prometheus.Registry) *Voice {
	return NewVoice(reg)
}

// ServerParams holds dependencies for registerServer.
type ServerParams struct {
	fx.In
	Cfg      *config.Config
	Registry *prometheus.Registry
	Logger   *zap.Logger
	LC       fx.Lifecycle
}

func registerServer(params ServerParams) {
	cfg := params.Cfg.Metrics
	if !cfg.Enabled {
		params.Logger.Info("Metrics endpoint disabled")

		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(params.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	params.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				return err
			}

			params.Logger.Info("Serving metrics", zap.String("addr", ln.Addr().String()))

			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					params.Logger.Error("Metrics server stopped", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
