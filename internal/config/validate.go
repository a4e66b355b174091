package config

import "strings"

type ValidationResult struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func Validate(cfg *Config) ValidationResult {
	if cfg == nil {
		return ValidationResult{Errors: []string{"config is nil"}}
	}

	var errs []string
	var warns []string

	if strings.TrimSpace(cfg.Server.Address) == "" {
		errs = append(errs, "server.address is required")
	}
	if cfg.Server.WriteTimeoutSeconds > 0 {
		warns = append(warns, "server.write_timeout_seconds should be 0 for long-lived SSE connections")
	}

	if cfg.Session.MaxIdleSeconds <= 0 {
		errs = append(errs, "session.max_idle_seconds must be > 0")
	}
	if cfg.Session.SweepIntervalSeconds <= 0 {
		warns = append(warns, "session.sweep_interval_seconds should be > 0")
	}
	if cfg.Session.OutputBufferCapacity <= 0 {
		warns = append(warns, "session.output_buffer_capacity should be > 0")
	}

	checkBucket := func(name string, b BucketConfig) {
		if b.Points <= 0 {
			errs = append(errs, name+".points must be > 0")
		}
		if b.WindowSeconds <= 0 {
			errs = append(errs, name+".window_seconds must be > 0")
		}
		if b.BlockSeconds <= 0 {
			warns = append(warns, name+".block_seconds should be > 0")
		}
	}
	checkBucket("rate_limit.general", cfg.RateLimit.General)
	checkBucket("rate_limit.terminal_create", cfg.RateLimit.TerminalCreate)
	checkBucket("rate_limit.input", cfg.RateLimit.Input)

	if cfg.Network.MinDelayMillis >= cfg.Network.MaxDelayMillis {
		errs = append(errs, "network.min_delay_millis must be less than network.max_delay_millis")
	}
	if cfg.Network.MinBatchSizeBytes >= cfg.Network.MaxBatchSizeBytes {
		errs = append(errs, "network.min_batch_size_bytes must be less than network.max_batch_size_bytes")
	}
	if cfg.Network.RTTOutlierFactor <= 1 {
		warns = append(warns, "network.rtt_outlier_factor should be > 1")
	}
	if cfg.Network.FailThreshold <= 0 {
		warns = append(warns, "network.fail_threshold should be > 0")
	}

	if cfg.Kubernetes.KubectlPath == "" {
		warns = append(warns, "kubernetes.kubectl_path is empty, defaulting to \"kubectl\" on PATH")
	}
	if cfg.Kubernetes.PodName == "" {
		warns = append(warns, "kubernetes.pod_name is empty (POD_NAME env not set); terminal creation will fail without a target pod")
	}

	if cfg.Relay.Enabled && cfg.Relay.RedisURL == "" {
		errs = append(errs, "relay.enabled requires relay.redis_url")
	}

	return ValidationResult{Errors: errs, Warnings: warns}
}
