package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the settings a command mode depends on. Modes are "run",
// "serve", "worker" and "admin"; admin covers the config and rubric
// maintenance commands, which only need the store.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run", "serve", "worker", "admin":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	if mode != "admin" {
		switch c.Evaluate.Mode {
		case "batch", "per_rubric":
		default:
			errs = append(errs, fmt.Sprintf("evaluate.mode must be batch or per_rubric, got %q", c.Evaluate.Mode))
		}
		if c.Evaluate.Concurrency < 1 || c.Evaluate.Concurrency > 32 {
			errs = append(errs, fmt.Sprintf("evaluate.concurrency must be 1-32, got %d", c.Evaluate.Concurrency))
		}
		if c.Evaluate.ConsiderThreshold < 0 || c.Evaluate.GoThreshold > 10 || c.Evaluate.ConsiderThreshold > c.Evaluate.GoThreshold {
			errs = append(errs, fmt.Sprintf("evaluate thresholds must satisfy 0 <= consider (%g) <= go (%g) <= 10",
				c.Evaluate.ConsiderThreshold, c.Evaluate.GoThreshold))
		}
		if c.Verify.Tolerance < 0 {
			errs = append(errs, fmt.Sprintf("verify.tolerance must be >= 0, got %g", c.Verify.Tolerance))
		}
		if c.Pipeline.Workers < 1 || c.Pipeline.Workers > 64 {
			errs = append(errs, fmt.Sprintf("pipeline.workers must be 1-64, got %d", c.Pipeline.Workers))
		}
		if c.Gateway.MaxAttempts < 1 {
			errs = append(errs, fmt.Sprintf("gateway.max_attempts must be >= 1, got %d", c.Gateway.MaxAttempts))
		}
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Monitoring.Enabled && (c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1) {
			errs = append(errs, fmt.Sprintf("monitoring.failure_rate_threshold must be 0-1, got %g", c.Monitoring.FailureRateThreshold))
		}
	case "worker":
		if c.Temporal.HostPort == "" {
			errs = append(errs, "temporal.host_port is required")
		}
		if c.Temporal.Namespace == "" {
			errs = append(errs, "temporal.namespace is required")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
