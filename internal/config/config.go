// Package config loads the runtime TOML configuration on top of built-in
// defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/apex-x/inference-envelope/internal/envelope"
	"github.com/apex-x/inference-envelope/internal/logging"
)

const (
	HandlerEcho   = "echo"
	HandlerBridge = "bridge"
)

type Server struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	PredictTimeout    time.Duration
	CORSOrigins       []string
}

type Model struct {
	Name         string
	Version      string
	ArtifactPath string
}

type Runtime struct {
	Workers   int
	QueueSize int
}

type Handler struct {
	Kind          string
	BridgeCommand []string
}

type Log struct {
	Format string
	Level  string
}

type Config struct {
	Server   Server
	Model    Model
	Protocol envelope.Protocol
	Runtime  Runtime
	Handler  Handler
	Log      Log
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
		},
		Model: Model{
			Name:    "model",
			Version: "1",
		},
		Protocol: envelope.ProtocolV2,
		Runtime: Runtime{
			Workers:   4,
			QueueSize: 256,
		},
		Handler: Handler{Kind: HandlerEcho},
		Log: Log{
			Format: logging.FormatJSON,
			Level:  "info",
		},
	}
}

type fileConfig struct {
	Server struct {
		Addr              string   `toml:"addr"`
		ReadHeaderTimeout string   `toml:"read_header_timeout"`
		PredictTimeout    string   `toml:"predict_timeout"`
		CORSOrigins       []string `toml:"cors_origins"`
	} `toml:"server"`
	Model struct {
		Name         string `toml:"name"`
		Version      string `toml:"version"`
		ArtifactPath string `toml:"artifact_path"`
	} `toml:"model"`
	Envelope struct {
		Protocol string `toml:"protocol"`
	} `toml:"envelope"`
	Runtime struct {
		Workers   int `toml:"workers"`
		QueueSize int `toml:"queue_size"`
	} `toml:"runtime"`
	Handler struct {
		Kind          string   `toml:"kind"`
		BridgeCommand []string `toml:"bridge_command"`
	} `toml:"handler"`
	Log struct {
		Format string `toml:"format"`
		Level  string `toml:"level"`
	} `toml:"log"`
}

// Load reads path over Default and validates the result. An empty path
// returns the validated defaults.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	return cfg, nil
}

// Read is Load without validation, for callers that layer more overrides on
// top before validating.
func Read(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return Config{}, fmt.Errorf("config load failed (%s): unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := apply(&cfg, raw, meta); err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	return cfg, nil
}

func apply(cfg *Config, raw fileConfig, meta toml.MetaData) error {
	if meta.IsDefined("server", "addr") {
		cfg.Server.Addr = strings.TrimSpace(raw.Server.Addr)
	}
	if meta.IsDefined("server", "read_header_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Server.ReadHeaderTimeout))
		if err != nil {
			return fmt.Errorf("parse server.read_header_timeout: %w", err)
		}
		cfg.Server.ReadHeaderTimeout = d
	}
	if meta.IsDefined("server", "predict_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Server.PredictTimeout))
		if err != nil {
			return fmt.Errorf("parse server.predict_timeout: %w", err)
		}
		cfg.Server.PredictTimeout = d
	}
	if meta.IsDefined("server", "cors_origins") {
		cfg.Server.CORSOrigins = normalizeList(raw.Server.CORSOrigins)
	}

	if meta.IsDefined("model", "name") {
		cfg.Model.Name = strings.TrimSpace(raw.Model.Name)
	}
	if meta.IsDefined("model", "version") {
		cfg.Model.Version = strings.TrimSpace(raw.Model.Version)
	}
	if meta.IsDefined("model", "artifact_path") {
		cfg.Model.ArtifactPath = strings.TrimSpace(raw.Model.ArtifactPath)
	}

	if meta.IsDefined("envelope", "protocol") {
		protocol, err := envelope.ParseProtocol(raw.Envelope.Protocol)
		if err != nil {
			return fmt.Errorf("parse envelope.protocol: %w", err)
		}
		cfg.Protocol = protocol
	}

	if meta.IsDefined("runtime", "workers") {
		cfg.Runtime.Workers = raw.Runtime.Workers
	}
	if meta.IsDefined("runtime", "queue_size") {
		cfg.Runtime.QueueSize = raw.Runtime.QueueSize
	}

	if meta.IsDefined("handler", "kind") {
		cfg.Handler.Kind = strings.ToLower(strings.TrimSpace(raw.Handler.Kind))
	}
	if meta.IsDefined("handler", "bridge_command") {
		cfg.Handler.BridgeCommand = normalizeList(raw.Handler.BridgeCommand)
	}

	if meta.IsDefined("log", "format") {
		cfg.Log.Format = strings.ToLower(strings.TrimSpace(raw.Log.Format))
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(raw.Log.Level))
	}
	return nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		errs = append(errs, errors.New("server.read_header_timeout must be > 0"))
	}
	if c.Server.PredictTimeout < 0 {
		errs = append(errs, errors.New("server.predict_timeout must be >= 0"))
	}
	if c.Model.Name == "" {
		errs = append(errs, errors.New("model.name is required"))
	}
	switch c.Protocol {
	case envelope.ProtocolLegacy, envelope.ProtocolV1, envelope.ProtocolV2:
	default:
		errs = append(errs, fmt.Errorf("envelope.protocol %q is not one of legacy|v1|v2", c.Protocol))
	}
	if c.Runtime.Workers <= 0 {
		errs = append(errs, errors.New("runtime.workers must be > 0"))
	}
	if c.Runtime.QueueSize <= 0 {
		errs = append(errs, errors.New("runtime.queue_size must be > 0"))
	}
	switch c.Handler.Kind {
	case HandlerEcho:
	case HandlerBridge:
		if len(c.Handler.BridgeCommand) == 0 {
			errs = append(errs, errors.New("handler.bridge_command is required for the bridge handler"))
		}
	default:
		errs = append(errs, fmt.Errorf("handler.kind %q is not one of echo|bridge", c.Handler.Kind))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		errs = append(errs, fmt.Errorf("log.format: %w", err))
	}
	return errors.Join(errs...)
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, value := range in {
		v := strings.TrimSpace(value)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
