package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the launcher configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing the problem.
func Validate(cfg *Config) error {
	var errs []error

	// Log format must be valid
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	// Log level must be valid
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.LogLevel)] {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be one of: debug, info, warn, error (got %q)", cfg.LogLevel),
		})
	}

	// Poll timing must be sane
	if cfg.ProbeInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "probe_interval",
			Message: "must be positive",
		})
	}
	if cfg.ProbeAttemptTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "attempt_timeout",
			Message: "must be positive",
		})
	}
	if cfg.ReadyGrace < 0 {
		errs = append(errs, ValidationError{
			Field:   "ready_grace",
			Message: "must not be negative",
		})
	}
	if cfg.StopGrace < 0 {
		errs = append(errs, ValidationError{
			Field:   "stop_grace",
			Message: "must not be negative",
		})
	}
	if cfg.HealthInterval < 0 {
		errs = append(errs, ValidationError{
			Field:   "health_interval",
			Message: "must not be negative (0 disables)",
		})
	}

	// Metrics address must be host:port when set
	if cfg.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.MetricsAddr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "metrics",
				Message: fmt.Sprintf("must be host:port (got %q)", cfg.MetricsAddr),
			})
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// ValidateStack checks the resolved stack definition. Runs after defaults
// are applied, so zero timing values have already been filled in.
func ValidateStack(stack *Stack, cfg *Config) error {
	var errs []error

	if len(stack.Services) == 0 {
		errs = append(errs, ValidationError{
			Field:   "services",
			Message: "stack has no services to launch",
		})
	}

	seen := make(map[string]bool, len(stack.Services))
	for i := range stack.Services {
		s := &stack.Services[i]
		field := fmt.Sprintf("services[%d]", i)
		if s.Name != "" {
			field = "services." + s.Name
		}

		if s.Name == "" {
			errs = append(errs, ValidationError{Field: field, Message: "name is required"})
		} else if seen[s.Name] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("duplicate service name %q", s.Name),
			})
		}
		seen[s.Name] = true

		if len(s.Command) == 0 || s.Command[0] == "" {
			errs = append(errs, ValidationError{Field: field, Message: "command is required"})
		}

		errs = append(errs, validateProbe(field, &s.Probe)...)

		if s.StopGrace < 0 {
			errs = append(errs, ValidationError{Field: field, Message: "stop_grace must not be negative"})
		}
	}

	// Index gate only matters if it will run
	if !cfg.SkipIndexCheck {
		if stack.Index.Dir == "" {
			errs = append(errs, ValidationError{
				Field:   "index.dir",
				Message: "index directory is required (or pass -skip-index-check)",
			})
		}
		for _, arg := range stack.Index.BuildCommand {
			if arg == "" {
				errs = append(errs, ValidationError{
					Field:   "index.build_command",
					Message: "must not contain empty arguments",
				})
				break
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// validateProbe checks one probe spec. Timing fields are validated after
// defaulting, so zero means the spec explicitly asked for zero.
func validateProbe(field string, p *ProbeSpec) []error {
	var errs []error

	switch p.Kind {
	case ProbeHTTP:
		if err := validateURL(p.URL); err != nil {
			errs = append(errs, ValidationError{Field: field + ".probe.url", Message: err.Error()})
		}
		if p.ExpectStatus != 0 && (p.ExpectStatus < 100 || p.ExpectStatus > 599) {
			errs = append(errs, ValidationError{
				Field:   field + ".probe.expect_status",
				Message: fmt.Sprintf("must be a valid HTTP status (got %d)", p.ExpectStatus),
			})
		}
	case ProbeMetric:
		if err := validateURL(p.URL); err != nil {
			errs = append(errs, ValidationError{Field: field + ".probe.url", Message: err.Error()})
		}
		if p.Metric == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".probe.metric",
				Message: "metric name is required for metric probes",
			})
		}
	case ProbeTCP:
		if _, _, err := net.SplitHostPort(p.Address); err != nil {
			errs = append(errs, ValidationError{
				Field:   field + ".probe.address",
				Message: fmt.Sprintf("must be host:port (got %q)", p.Address),
			})
		}
	case ProbeNone:
		if p.Grace < 0 {
			errs = append(errs, ValidationError{
				Field:   field + ".probe.grace",
				Message: "must not be negative",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   field + ".probe.kind",
			Message: fmt.Sprintf("must be one of: http, tcp, metric, none (got %q)", p.Kind),
		})
	}

	if p.Kind != ProbeNone {
		if p.Interval <= 0 {
			errs = append(errs, ValidationError{Field: field + ".probe.interval", Message: "must be positive"})
		}
		if p.AttemptTimeout <= 0 {
			errs = append(errs, ValidationError{Field: field + ".probe.attempt_timeout", Message: "must be positive"})
		}
	}

	return errs
}

// validateURL checks if the URL is valid and uses http or https.
func validateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("URL is required")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https (got %q)", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must have a host")
	}

	return nil
}
