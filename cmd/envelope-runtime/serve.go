package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/apex-x/inference-envelope/internal/config"
	"github.com/apex-x/inference-envelope/internal/dispatch"
	"github.com/apex-x/inference-envelope/internal/envelope"
	"github.com/apex-x/inference-envelope/internal/logging"
	"github.com/apex-x/inference-envelope/internal/service"
)

const shutdownTimeout = 5 * time.Second

// override copies one flag into the config when the flag was set on the
// command line or its env fallback is present.
type override struct {
	flag  string
	env   string
	apply func(cfg *config.Config, flags *pflag.FlagSet) error
}

var overrides = []override{
	{"addr", "APEXX_ADDR", func(cfg *config.Config, flags *pflag.FlagSet) error {
		value, err := flags.GetString("addr")
		cfg.Server.Addr = strings.TrimSpace(value)
		return err
	}},
	{"predict-timeout", "APEXX_PREDICT_TIMEOUT", func(cfg *config.Config, flags *pflag.FlagSet) error {
		value, err := flags.GetDuration("predict-timeout")
		cfg.Server.PredictTimeout = value
		return err
	}},
	{"cors-origins", "APEXX_CORS_ORIGINS", func(cfg *config.Config, flags *pflag.FlagSet) error {
		value, err := flags.GetStringSlice("cors-origins")
		cfg.Server.CORSOrigins = value
		return err
	}},
	{"protocol", "APEXX_PROTOCOL", func(cfg *config.Config, flags *pflag.FlagSet) error {
		value, err := flags.GetString("protocol")
		if err != nil {
			return err
		}
		protocol, err := envelope.ParseProtocol(value)
		cfg.Protocol = protocol
		return err
	}},
	{"model-name", "APEXX_MODEL_NAME", func(cfg *config.Config, flags *pflag.FlagSet) error {
		value, err := flags.GetString("model-name")
		cfg.Model.Name = strings.TrimSpace(value)
		return err
	}},
	{"model-version", "APEXX_MODEL_VERSION", func(cfg *config.Config, flags *pflag.FlagSet) error {
		value, err := flags.GetString("model-version")
		cfg.Model.Version = strings.TrimSpace(value)
		return err
	}},
	{"artifact-path", service.ArtifactPathEnv, func(cfg *config.Config, flags *pflag.FlagSet) error {
		value, err := flags.GetString("artifact-path")
		cfg.Model.ArtifactPath = strings.TrimSpace(value)
		return err
	}},
	{"workers", "APEXX_WORKERS", func(cfg *config.Config, flags *pflag.FlagSet) error {
		value, err := flags.GetInt("workers")
		cfg.Runtime.Workers = value
		return err
	}},
	{"queue-size", "APEXX_QUEUE_SIZE", func(cfg *config.Config, flags *pflag.FlagSet) error {
		value, err := flags.GetInt("queue-size")
		cfg.Runtime.QueueSize = value
		return err
	}},
	{"handler", "APEXX_HANDLER", func(cfg *config.Config, flags *pflag.FlagSet) error {
		value, err := flags.GetString("handler")
		cfg.Handler.Kind = strings.ToLower(strings.TrimSpace(value))
		return err
	}},
	{"bridge-command", "APEXX_BRIDGE_CMD", func(cfg *config.Config, flags *pflag.FlagSet) error {
		value, err := flags.GetString("bridge-command")
		if err != nil {
			return err
		}
		command, err := service.ParseBridgeCommand(value)
		cfg.Handler.BridgeCommand = command
		return err
	}},
	{"log-format", "APEXX_LOG_FORMAT", func(cfg *config.Config, flags *pflag.FlagSet) error {
		value, err := flags.GetString("log-format")
		cfg.Log.Format = strings.ToLower(strings.TrimSpace(value))
		return err
	}},
	{"log-level", "APEXX_LOG_LEVEL", func(cfg *config.Config, flags *pflag.FlagSet) error {
		value, err := flags.GetString("log-level")
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(value))
		return err
	}},
}

func registerRuntimeFlags(flags *pflag.FlagSet) {
	defaults := config.Default()
	flags.String("addr", envOr("APEXX_ADDR", defaults.Server.Addr), "HTTP listen address")
	flags.Duration(
		"predict-timeout",
		envDuration("APEXX_PREDICT_TIMEOUT", defaults.Server.PredictTimeout),
		"per-request predict timeout (0 disables timeout)",
	)
	flags.StringSlice("cors-origins", splitList(envOr("APEXX_CORS_ORIGINS", "")), "allowed CORS origins")
	flags.String("protocol", envOr("APEXX_PROTOCOL", string(defaults.Protocol)), "envelope protocol: legacy|v1|v2")
	flags.String("model-name", envOr("APEXX_MODEL_NAME", defaults.Model.Name), "served model name")
	flags.String("model-version", envOr("APEXX_MODEL_VERSION", defaults.Model.Version), "served model version")
	flags.String("artifact-path", envOr(service.ArtifactPathEnv, ""), "optional model artifact path handed to the handler")
	flags.Int("workers", envInt("APEXX_WORKERS", defaults.Runtime.Workers), "concurrent dispatch workers")
	flags.Int("queue-size", envInt("APEXX_QUEUE_SIZE", defaults.Runtime.QueueSize), "request queue size")
	flags.String("handler", envOr("APEXX_HANDLER", defaults.Handler.Kind), "handler: echo|bridge")
	flags.String("bridge-command", envOr("APEXX_BRIDGE_CMD", ""), "bridge handler command line")
	flags.String("log-format", envOr("APEXX_LOG_FORMAT", defaults.Log.Format), "log format: json|console|discard")
	flags.String("log-level", envOr("APEXX_LOG_LEVEL", defaults.Log.Level), "log level: debug|info|warn|error")
}

// resolveConfig layers defaults, the config file, env fallbacks and flags,
// then validates the result.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	path, err := flags.GetString(configFlagName)
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Read(path)
	if err != nil {
		return config.Config{}, err
	}
	for _, o := range overrides {
		if flags.Lookup(o.flag) == nil {
			continue
		}
		if !flags.Changed(o.flag) && !envSet(o.env) {
			continue
		}
		if err := o.apply(&cfg, flags); err != nil {
			return config.Config{}, fmt.Errorf("flag --%s: %w", o.flag, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP inference runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Format, cfg.Log.Level)
			if err != nil {
				return fmt.Errorf("failed to configure logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
	registerRuntimeFlags(cmd.Flags())
	return cmd
}

func buildHandler(cfg config.Config) (dispatch.Handler, error) {
	switch cfg.Handler.Kind {
	case config.HandlerEcho:
		return service.EchoHandler{}, nil
	case config.HandlerBridge:
		return service.NewBridgeHandler(cfg.Handler.BridgeCommand)
	default:
		return nil, fmt.Errorf("unsupported handler %q", cfg.Handler.Kind)
	}
}

// buildServer wires handler, envelope, dispatcher and HTTP service into one
// http.Server. The returned service must be closed after the server stops.
func buildServer(cfg config.Config, logger *zap.Logger) (*http.Server, *service.HTTPService, error) {
	handler, err := buildHandler(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build handler: %w", err)
	}
	env, err := envelope.New(cfg.Protocol, envelope.Options{
		ModelName:    cfg.Model.Name,
		ModelVersion: cfg.Model.Version,
	})
	if err != nil {
		return nil, nil, err
	}
	model, err := service.NewModelContext(cfg.Model.Name, cfg.Model.Version, cfg.Model.ArtifactPath)
	if err != nil {
		return nil, nil, err
	}
	metrics := service.NewMetrics()
	dispatcher, err := dispatch.New(env, handler,
		dispatch.WithLogger(logger.Named("dispatch")),
		dispatch.WithObserver(metrics),
	)
	if err != nil {
		return nil, nil, err
	}
	httpService, err := service.NewHTTPService(dispatcher, model, service.HTTPServiceConfig{
		Workers:        cfg.Runtime.Workers,
		QueueSize:      cfg.Runtime.QueueSize,
		PredictTimeout: cfg.Server.PredictTimeout,
		Metrics:        metrics,
		Logger:         logger.Named("http"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create http service: %w", err)
	}

	router := mux.NewRouter()
	httpService.RegisterRoutes(router)
	server := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: service.Chain(router,
			service.RequestIDMiddleware,
			service.CORSMiddleware(cfg.Server.CORSOrigins),
			service.RecoveryMiddleware(logger),
			service.LoggingMiddleware(logger),
		),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	return server, httpService, nil
}

func runServe(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	server, httpService, err := buildServer(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := httpService.Close(); closeErr != nil {
			logger.Warn("service_shutdown_error", zap.Error(closeErr))
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info(
			"runtime_server_start",
			zap.String("addr", cfg.Server.Addr),
			zap.String("protocol", string(cfg.Protocol)),
			zap.String("model", cfg.Model.Name),
			zap.String("model_version", cfg.Model.Version),
			zap.String("handler", cfg.Handler.Kind),
			zap.Int("workers", cfg.Runtime.Workers),
			zap.Int("queue_size", cfg.Runtime.QueueSize),
			zap.Duration("predict_timeout", cfg.Server.PredictTimeout),
		)
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("http serve failed: %w", serveErr)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			return fmt.Errorf("http shutdown failed: %w", shutdownErr)
		}
		logger.Info("runtime_server_stopped")
		return nil
	})
	return group.Wait()
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if clean := strings.TrimSpace(part); clean != "" {
			out = append(out, clean)
		}
	}
	return out
}
