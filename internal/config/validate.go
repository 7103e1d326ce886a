// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool { return len(v.Errors) > 0 }

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a
// *ValidationError when one or more problems are found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}

	s := cfg.Server
	if s.Addr == "" {
		ve.Add("server.addr must not be empty")
	}
	if !strings.HasPrefix(s.Path, "/") {
		ve.Add("server.path must begin with /")
	}
	if s.RateLimit < 0 {
		ve.Add("server.rate_limit must be >= 0")
	}
	if s.RateLimit > 0 && s.Burst <= 0 {
		ve.Add("server.burst must be > 0 when a rate limit is set")
	}

	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		ve.Add("logger.level %q is not recognized", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q is not recognized", cfg.Logger.Format)
	}

	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is not supported", cfg.Tracer.Exporter)
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}
