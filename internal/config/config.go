// Package config manages udpcap configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags. Each knob
// named in the external-interfaces surface (connection direction, address
// family, connection count/range, DSCP, sr-index, intervals, thresholds,
// algorithm, feature flags) is a field here with a documented default,
// overridable by file then by environment then by flag.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete udpcap configuration, shared by udsrv and udcli.
// Not every field applies to both binaries; udsrv ignores client-only
// fields (Direction, Family, ConnCount) and udcli ignores server-only
// fields (Listen, MaxConnections, Daemon).
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Client  ClientConfig  `koanf:"client"`
	Test    TestConfig    `koanf:"test"`
	Report  ReportConfig  `koanf:"report"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Auth    AuthConfig    `koanf:"auth"`
}

// AuthConfig configures the control-channel authenticator shared by udsrv
// and udcli. An empty Secret disables authentication (AuthModeNone is
// offered/accepted); a non-empty Secret enables SHA-256 challenge auth
// keyed by KeyID.
type AuthConfig struct {
	// KeyID identifies Secret among a server's configured keys (spec §4.5
	// multi-key selection). Ignored when Secret is empty.
	KeyID uint16 `koanf:"key_id"`
	// Secret is the shared MAC key. Loaded from UDPCAP_AUTH_SECRET in
	// preference to the YAML file, so it need not be committed to disk.
	Secret string `koanf:"secret"`
}

// ServerConfig holds udsrv-specific settings.
type ServerConfig struct {
	// Listen is the control-port listen address (e.g., ":25000").
	Listen string `koanf:"listen"`
	// MaxConnections bounds the connection table slot cap.
	MaxConnections int `koanf:"max_connections"`
	// Daemon forks the process into the background with log rotation.
	Daemon bool `koanf:"daemon"`
	// LogFilePath is the daemon's log file; required when Daemon is set.
	LogFilePath string `koanf:"log_file_path"`
	// LogFileMaxKB caps the daemon log file size before rotation.
	LogFileMaxKB int `koanf:"log_file_max_kb"`
}

// ClientConfig holds udcli-specific settings.
type ClientConfig struct {
	// Server is the target server's control-port address.
	Server string `koanf:"server"`
	// Direction is "up", "down", or "both".
	Direction string `koanf:"direction"`
	// Family is "4", "6", or "" (unspecified, server prefers v6).
	Family string `koanf:"family"`
	// ConnCountMin/Max implement the min[-max] connection-count syntax.
	ConnCountMin int `koanf:"conn_count_min"`
	ConnCountMax int `koanf:"conn_count_max"`
	// ShowSendingRates dumps the rate table instead of running a test.
	ShowSendingRates bool `koanf:"show_sending_rates"`
}

// TestConfig holds the negotiable test parameters common to both client
// and server; see spec §6's CLI surface enumeration.
type TestConfig struct {
	DSCP             int           `koanf:"dscp"`
	SrIndexConf      string        `koanf:"sr_index"` // "=N", "!N", or "" for auto
	TestIntTime      time.Duration `koanf:"test_interval"`
	SubIntPeriod     time.Duration `koanf:"sub_interval"`
	LowThreshMs      int           `koanf:"low_thresh_ms"`
	UpperThreshMs    int           `koanf:"upper_thresh_ms"`
	TrialInt         time.Duration `koanf:"trial_interval"`
	SlowAdjThresh    int           `koanf:"slow_adj_thresh"`
	HighSpeedDelta   int           `koanf:"high_speed_delta"`
	SeqErrThresh     int           `koanf:"seq_err_thresh"`
	MaxBandwidthMbps float64       `koanf:"max_bandwidth_mbps"`
	Algorithm        string        `koanf:"algorithm"` // "B" or "C"
	UseOwDelVar      bool          `koanf:"use_one_way_delay"`
	IgnoreOooDup     bool          `koanf:"ignore_reorder"`
	RandomPayload    bool          `koanf:"random_payload"`
	Jumbo            bool          `koanf:"jumbo"`
	TraditionalMTU   bool          `koanf:"traditional_mtu"`
	CSVOutputPath    string        `koanf:"csv_output_path"`
}

// ReportConfig holds the live-status-reporter HTTP endpoint settings.
type ReportConfig struct {
	// Addr is the HTTP listen address for the live reporter (e.g., ":8080").
	// Empty disables the reporter.
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the same default intervals
// and thresholds the original engine compiles in (udpst.h's DEF_* macros).
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:         ":25000",
			MaxConnections: 128,
			LogFileMaxKB:   10240,
		},
		Client: ClientConfig{
			Direction:    "down",
			ConnCountMin: 1,
			ConnCountMax: 1,
		},
		Test: TestConfig{
			SrIndexConf:      "",
			TestIntTime:      10 * time.Second,
			SubIntPeriod:     1 * time.Second,
			LowThreshMs:      30,
			UpperThreshMs:    90,
			TrialInt:         50 * time.Millisecond,
			SlowAdjThresh:    2,
			HighSpeedDelta:   10,
			SeqErrThresh:     0,
			MaxBandwidthMbps: 0,
			Algorithm:        "B",
		},
		Report: ReportConfig{
			Addr: "",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for udpcap configuration.
// Variables are named UDPCAP_<section>_<key>, e.g., UDPCAP_SERVER_LISTEN.
const envPrefix = "UDPCAP_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (UDPCAP_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults. path may be empty, in which case only
// defaults and environment overrides apply.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms UDPCAP_TEST_TRIAL_INTERVAL -> test.trial_interval.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"server.listen":             d.Server.Listen,
		"server.max_connections":    d.Server.MaxConnections,
		"server.daemon":             d.Server.Daemon,
		"server.log_file_path":      d.Server.LogFilePath,
		"server.log_file_max_kb":    d.Server.LogFileMaxKB,
		"client.direction":          d.Client.Direction,
		"client.conn_count_min":     d.Client.ConnCountMin,
		"client.conn_count_max":     d.Client.ConnCountMax,
		"client.show_sending_rates": d.Client.ShowSendingRates,
		"test.dscp":                 d.Test.DSCP,
		"test.sr_index":             d.Test.SrIndexConf,
		"test.test_interval":        d.Test.TestIntTime.String(),
		"test.sub_interval":         d.Test.SubIntPeriod.String(),
		"test.low_thresh_ms":        d.Test.LowThreshMs,
		"test.upper_thresh_ms":      d.Test.UpperThreshMs,
		"test.trial_interval":       d.Test.TrialInt.String(),
		"test.slow_adj_thresh":      d.Test.SlowAdjThresh,
		"test.high_speed_delta":     d.Test.HighSpeedDelta,
		"test.seq_err_thresh":       d.Test.SeqErrThresh,
		"test.max_bandwidth_mbps":   d.Test.MaxBandwidthMbps,
		"test.algorithm":            d.Test.Algorithm,
		"report.addr":               d.Report.Addr,
		"metrics.addr":              d.Metrics.Addr,
		"metrics.path":              d.Metrics.Path,
		"log.level":                 d.Log.Level,
		"log.format":                d.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	ErrEmptyServerListen = errors.New("server.listen must not be empty")
	ErrInvalidConnCount  = errors.New("client.conn_count_min must be >= 1 and <= conn_count_max")
	ErrInvalidDirection  = errors.New("client.direction must be up, down, or both")
	ErrInvalidFamily     = errors.New("client.family must be 4, 6, or empty")
	ErrInvalidAlgorithm  = errors.New("test.algorithm must be B or C")
	ErrInvalidThresholds = errors.New("test.low_thresh_ms must be < test.upper_thresh_ms")
	ErrInvalidTestInt    = errors.New("test.test_interval must be > 0")
	ErrInvalidSubInt     = errors.New("test.sub_interval must be > 0 and <= test.test_interval")
	ErrInvalidDSCP       = errors.New("test.dscp must be in [0,63]")
	ErrDaemonNoLogFile   = errors.New("server.log_file_path must be set when server.daemon is true")
)

// ValidDirections lists the recognized client direction strings.
var ValidDirections = map[string]bool{"up": true, "down": true, "both": true}

// ValidFamilies lists the recognized address family strings.
var ValidFamilies = map[string]bool{"": true, "4": true, "6": true}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Server.Listen == "" {
		return ErrEmptyServerListen
	}

	if cfg.Client.ConnCountMin < 1 || cfg.Client.ConnCountMin > cfg.Client.ConnCountMax {
		return ErrInvalidConnCount
	}

	if !ValidDirections[strings.ToLower(cfg.Client.Direction)] {
		return ErrInvalidDirection
	}

	if !ValidFamilies[cfg.Client.Family] {
		return ErrInvalidFamily
	}

	algo := strings.ToUpper(cfg.Test.Algorithm)
	if algo != "B" && algo != "C" {
		return ErrInvalidAlgorithm
	}

	if cfg.Test.LowThreshMs >= cfg.Test.UpperThreshMs {
		return ErrInvalidThresholds
	}

	if cfg.Test.TestIntTime <= 0 {
		return ErrInvalidTestInt
	}

	if cfg.Test.SubIntPeriod <= 0 || cfg.Test.SubIntPeriod > cfg.Test.TestIntTime {
		return ErrInvalidSubInt
	}

	if cfg.Test.DSCP < 0 || cfg.Test.DSCP > 63 {
		return ErrInvalidDSCP
	}

	if cfg.Server.Daemon && cfg.Server.LogFilePath == "" {
		return ErrDaemonNoLogFile
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
