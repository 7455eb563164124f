package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"

	"github.com/pako-23/backpressure/internal/config"
	"github.com/pako-23/backpressure/internal/controller"
	"github.com/pako-23/backpressure/internal/estimator"
	"github.com/pako-23/backpressure/internal/observer"
	"github.com/pako-23/backpressure/internal/receiver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// flagKeys maps configuration keys to the command line flags overriding them.
var flagKeys = map[string]string{
	"estimator.name":              "estimator",
	"estimator.batch_interval_ms": "batch-interval-ms",
	"receiver.address":            "receiver-address",
	"http.address":                "http-address",
	"observer.stream":             "stream",
	"log.level":                   "log-level",
}

func newRootCommand() (*cobra.Command, error) {
	v := viper.New()
	config.SetDefaults(v)

	var configFile string

	cmd := &cobra.Command{
		Use:   "backpressure",
		Short: "Recommend ingestion rates for micro-batch streams from batch completion reports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return err
				}
			}

			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			return run(cmd.Context(), cfg)
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to a configuration file")
	flags.String("estimator", config.Default().Estimator.Name, "rate estimator: pid, ewma or noop")
	flags.Int64("batch-interval-ms", config.Default().Estimator.BatchIntervalMs, "batch interval in milliseconds")
	flags.String("receiver-address", config.Default().Receiver.Address, "address of the OTLP trace receiver")
	flags.String("http-address", config.Default().HTTP.Address, "address serving the current rate and metrics")
	flags.String("stream", config.Default().Observer.Stream, "service name of the stream to estimate rates for")
	flags.String("log-level", config.Default().Log.Level, "log level")

	for key, flag := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("cannot bind flag '%s' to '%s': %w", flag, key, err)
		}
	}

	return cmd, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

func newController(cfg *config.Config, logger *zap.Logger, state *controller.StateController) (controller.Controller, error) {
	metrics, err := controller.NewMetricsController(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}

	controllers := controller.Multi{state, metrics}
	if cfg.Kube.Enabled {
		kube, err := controller.NewKubeController(cfg.Kube.Namespace, cfg.Kube.Deployment,
			controller.WithAnnotation(cfg.Kube.Annotation),
			controller.WithKubeLogger(logger))
		if err != nil {
			return nil, err
		}
		controllers = append(controllers, kube)
	}

	return controllers, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	est, err := estimator.New(cfg.Estimator.Name, cfg.BatchInterval(),
		append(cfg.EstimatorOptions(), estimator.WithLogger(logger.Named("estimator")))...)
	if err != nil {
		return err
	}

	state := controller.NewStateController()
	cont, err := newController(cfg, logger.Named("controller"), state)
	if err != nil {
		return err
	}

	ch := make(chan *receiver.BatchCompleted)
	recv := receiver.NewOLTPReceiver(
		receiver.WithChannel(ch),
		receiver.WithAddress(cfg.Receiver.Address),
		receiver.WithLogger(logger.Named("receiver")))

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, state.String())
	})
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: mux,
	}

	var wg sync.WaitGroup
	httpErr := make(chan error, 1)
	_, recvErr := recv.Start()

	wg.Add(2)
	go func() {
		defer wg.Done()
		obs := observer.NewObserver(
			observer.WithEstimator(est),
			observer.WithController(cont),
			observer.WithInterval(cfg.Observer.PublishInterval),
			observer.WithStream(cfg.Observer.Stream),
			observer.WithLogger(logger.Named("observer")))
		obs.Observe(ctx, ch)
	}()
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	logger.Info("started",
		zap.String("estimator", cfg.Estimator.Name),
		zap.String("stream", cfg.Observer.Stream),
		zap.Duration("batchInterval", cfg.BatchInterval()),
		zap.String("httpAddress", cfg.HTTP.Address))

	select {
	case err = <-recvErr:
	case err = <-httpErr:
	case <-ctx.Done():
	}

	stop()
	recv.Stop()
	server.Shutdown(context.Background())
	wg.Wait()

	if err != nil {
		logger.Error("failed with error", zap.Error(err))
	}

	return err
}
