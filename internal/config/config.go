package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Session    SessionConfig    `yaml:"session"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Network    NetworkConfig    `yaml:"network"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Relay      RelayConfig      `yaml:"relay"`
}

type ServerConfig struct {
	Address             string `yaml:"address"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds"`
	AuditLogs           bool   `yaml:"audit_logs"`
	DebugPerf           bool   `yaml:"debug_perf"`
}

// SessionConfig tunes the PTY session table.
type SessionConfig struct {
	MaxIdleSeconds       int  `yaml:"max_idle_seconds"`
	SweepIntervalSeconds int  `yaml:"sweep_interval_seconds"`
	OutputBufferCapacity int  `yaml:"output_buffer_capacity"`
	ReplayWindowSeconds  int  `yaml:"replay_window_seconds"`
	SanitizeInput        bool `yaml:"sanitize_input"`
	DefaultCols          int  `yaml:"default_cols"`
	DefaultRows          int  `yaml:"default_rows"`
}

// RateLimitConfig holds the three token-bucket families: general request
// admission, terminal creation, and PTY input.
type RateLimitConfig struct {
	General        BucketConfig `yaml:"general"`
	TerminalCreate BucketConfig `yaml:"terminal_create"`
	Input          BucketConfig `yaml:"input"`
}

type BucketConfig struct {
	Points        int `yaml:"points"`
	WindowSeconds int `yaml:"window_seconds"`
	BlockSeconds  int `yaml:"block_seconds"`
}

// NetworkConfig holds the adaptive batching/RTT tuning constants.
type NetworkConfig struct {
	FlushThresholdBytes      int     `yaml:"flush_threshold_bytes"`
	MaxDelayMillis           int     `yaml:"max_delay_millis"`
	MinDelayMillis           int     `yaml:"min_delay_millis"`
	RTTSamplesMax            int     `yaml:"rtt_samples_max"`
	RTTMeasurementIntervalMs int     `yaml:"rtt_measurement_interval_millis"`
	RTTOutlierFactor         float64 `yaml:"rtt_outlier_factor"`
	BandwidthSamplesMax      int     `yaml:"bandwidth_samples_max"`
	MinBatchSizeBytes        int     `yaml:"min_batch_size_bytes"`
	MaxBatchSizeBytes        int     `yaml:"max_batch_size_bytes"`
	TargetTransmitMillis     int     `yaml:"target_transmit_millis"`
	MeasurementTimeoutMs     int     `yaml:"measurement_timeout_millis"`
	UnstableThreshold        float64 `yaml:"unstable_threshold"`
	FailThreshold            int     `yaml:"fail_threshold"`
}

type KubernetesConfig struct {
	Namespace           string `yaml:"namespace"`
	PodName             string `yaml:"pod_name"`
	ContainerName       string `yaml:"container_name"`
	KubectlPath         string `yaml:"kubectl_path"`
	VerifyPodBeforeExec bool   `yaml:"verify_pod_before_exec"`
	API                 APICfg `yaml:"api"`
}

type APICfg struct {
	QPS   float32 `yaml:"qps"`
	Burst int     `yaml:"burst"`
}

// RelayConfig is the optional multi-replica output mirror: off by default,
// the gateway behaves as a single-process in-memory session table.
type RelayConfig struct {
	Enabled        bool   `yaml:"enabled"`
	RedisURL       string `yaml:"redis_url"`
	StreamPrefix   string `yaml:"stream_prefix"`
	StreamMaxLen   int    `yaml:"stream_maxlen"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
	StreamBlockMs  int    `yaml:"stream_block_millis"`
}

func Load() (*Config, string, error) {
	path := os.Getenv("GATEWAY_CONFIG")
	if path == "" {
		path = os.Getenv("GATEWAY_CONFIG_PATH")
	}

	candidates := []string{}
	if path != "" {
		candidates = append(candidates, path)
	}
	candidates = append(candidates,
		"/etc/termgateway/config.yaml",
		"./config.yaml",
	)

	var selected string
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			selected = candidate
			break
		}
	}
	if selected == "" {
		cfg := &Config{}
		applyDefaults(cfg)
		applyEnvOverrides(cfg)
		return cfg, "", nil
	}

	cfg, err := LoadFromPath(selected)
	if err != nil {
		return nil, "", err
	}
	return cfg, selected, nil
}

func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":3001"
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 10
	}
	// Write timeout stays 0: SSE responses are long-lived.
	if cfg.Server.IdleTimeoutSeconds == 0 {
		cfg.Server.IdleTimeoutSeconds = 120
	}

	if cfg.Session.MaxIdleSeconds == 0 {
		cfg.Session.MaxIdleSeconds = int((60 * time.Minute).Seconds())
	}
	if cfg.Session.SweepIntervalSeconds == 0 {
		cfg.Session.SweepIntervalSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.Session.OutputBufferCapacity == 0 {
		cfg.Session.OutputBufferCapacity = 1000
	}
	if cfg.Session.ReplayWindowSeconds == 0 {
		cfg.Session.ReplayWindowSeconds = 5
	}
	if cfg.Session.DefaultCols == 0 {
		cfg.Session.DefaultCols = 80
	}
	if cfg.Session.DefaultRows == 0 {
		cfg.Session.DefaultRows = 24
	}

	applyBucketDefaults(&cfg.RateLimit.General, 250, 60, 60)
	applyBucketDefaults(&cfg.RateLimit.TerminalCreate, 15, 60, 120)
	applyBucketDefaults(&cfg.RateLimit.Input, 300, 60, 30)

	if cfg.Network.FlushThresholdBytes == 0 {
		cfg.Network.FlushThresholdBytes = 8 * 1024
	}
	if cfg.Network.MaxDelayMillis == 0 {
		cfg.Network.MaxDelayMillis = 50
	}
	if cfg.Network.MinDelayMillis == 0 {
		cfg.Network.MinDelayMillis = 12
	}
	if cfg.Network.RTTSamplesMax == 0 {
		cfg.Network.RTTSamplesMax = 20
	}
	if cfg.Network.RTTMeasurementIntervalMs == 0 {
		cfg.Network.RTTMeasurementIntervalMs = 5000
	}
	if cfg.Network.RTTOutlierFactor == 0 {
		cfg.Network.RTTOutlierFactor = 3
	}
	if cfg.Network.BandwidthSamplesMax == 0 {
		cfg.Network.BandwidthSamplesMax = 10
	}
	if cfg.Network.MinBatchSizeBytes == 0 {
		cfg.Network.MinBatchSizeBytes = 2 * 1024
	}
	if cfg.Network.MaxBatchSizeBytes == 0 {
		cfg.Network.MaxBatchSizeBytes = 32 * 1024
	}
	if cfg.Network.TargetTransmitMillis == 0 {
		cfg.Network.TargetTransmitMillis = 50
	}
	if cfg.Network.MeasurementTimeoutMs == 0 {
		cfg.Network.MeasurementTimeoutMs = 10000
	}
	if cfg.Network.UnstableThreshold == 0 {
		cfg.Network.UnstableThreshold = 1.0
	}
	if cfg.Network.FailThreshold == 0 {
		cfg.Network.FailThreshold = 5
	}

	if cfg.Kubernetes.KubectlPath == "" {
		cfg.Kubernetes.KubectlPath = "kubectl"
	}
	if cfg.Kubernetes.Namespace == "" {
		cfg.Kubernetes.Namespace = os.Getenv("POD_NAMESPACE")
	}
	if cfg.Kubernetes.Namespace == "" {
		cfg.Kubernetes.Namespace = "default"
	}
	if cfg.Kubernetes.PodName == "" {
		cfg.Kubernetes.PodName = os.Getenv("POD_NAME")
	}
	if cfg.Kubernetes.ContainerName == "" {
		cfg.Kubernetes.ContainerName = os.Getenv("CONTAINER_NAME")
	}
	if cfg.Kubernetes.API.QPS == 0 {
		cfg.Kubernetes.API.QPS = 20
	}
	if cfg.Kubernetes.API.Burst == 0 {
		cfg.Kubernetes.API.Burst = 40
	}

	if cfg.Relay.StreamPrefix == "" {
		cfg.Relay.StreamPrefix = "termgateway:sessions"
	}
	if cfg.Relay.StreamMaxLen == 0 {
		cfg.Relay.StreamMaxLen = 10000
	}
	if cfg.Relay.LockTTLSeconds == 0 {
		cfg.Relay.LockTTLSeconds = 15
	}
	if cfg.Relay.StreamBlockMs == 0 {
		cfg.Relay.StreamBlockMs = 2000
	}
}

func applyBucketDefaults(b *BucketConfig, points, window, block int) {
	if b.Points == 0 {
		b.Points = points
	}
	if b.WindowSeconds == 0 {
		b.WindowSeconds = window
	}
	if b.BlockSeconds == 0 {
		b.BlockSeconds = block
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	if val := strings.TrimSpace(os.Getenv("PORT")); val != "" {
		cfg.Server.Address = ":" + val
	}
	if val := strings.TrimSpace(os.Getenv("POD_NAME")); val != "" {
		cfg.Kubernetes.PodName = val
	}
	if val := strings.TrimSpace(os.Getenv("CONTAINER_NAME")); val != "" {
		cfg.Kubernetes.ContainerName = val
	}
	if val := strings.TrimSpace(os.Getenv("DEBUG_PERF")); val != "" {
		if enabled, ok := parseEnvBool(val); ok {
			cfg.Server.DebugPerf = enabled
		}
	}
	if val := strings.TrimSpace(os.Getenv("GATEWAY_REDIS_URL")); val != "" {
		cfg.Relay.RedisURL = val
		cfg.Relay.Enabled = true
	}
}

func parseEnvBool(val string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true, true
	case "0", "false", "no", "n", "off":
		return false, true
	default:
		return false, false
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Server.Address) == "" {
		return errors.New("server.address is required")
	}
	if cfg.Session.MaxIdleSeconds <= 0 {
		return errors.New("session.max_idle_seconds must be > 0")
	}
	if cfg.Relay.Enabled && cfg.Relay.RedisURL == "" {
		return errors.New("relay.enabled requires relay.redis_url")
	}
	return nil
}
