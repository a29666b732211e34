package config

import (
	"fmt"
	"net"
	"regexp"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "pipeline.max_parallel")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// projectNameRegex matches names docker compose accepts for a project
var projectNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateWorkspace()...)
	errors = append(errors, c.validatePipeline()...)
	errors = append(errors, c.validateDependency()...)
	errors = append(errors, c.validateBuild()...)
	errors = append(errors, c.validateMisc()...)

	return errors
}

func (c *Config) validateWorkspace() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Workspace.Dir) == "" {
		errors = append(errors, ValidationError{
			Field:   "workspace.dir",
			Value:   c.Workspace.Dir,
			Message: "must not be empty",
		})
	}
	if !projectNameRegex.MatchString(c.Workspace.ProjectName) {
		errors = append(errors, ValidationError{
			Field:   "workspace.project_name",
			Value:   c.Workspace.ProjectName,
			Message: "must be lowercase alphanumeric, may contain - and _",
		})
	}
	if strings.TrimSpace(c.Catalog) == "" {
		errors = append(errors, ValidationError{
			Field:   "catalog",
			Value:   c.Catalog,
			Message: "must not be empty",
		})
	}

	return errors
}

func (c *Config) validatePipeline() []ValidationError {
	var errors []ValidationError
	p := c.Pipeline

	if p.MaxParallel < 1 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.max_parallel",
			Value:   p.MaxParallel,
			Message: "must be at least 1",
		})
	}
	if p.SyncAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.sync_attempts",
			Value:   p.SyncAttempts,
			Message: "must be at least 1",
		})
	}
	if p.SyncBackoffMin < 0 || p.SyncBackoffMax < p.SyncBackoffMin {
		errors = append(errors, ValidationError{
			Field:   "pipeline.sync_backoff_max",
			Value:   p.SyncBackoffMax,
			Message: fmt.Sprintf("must be >= sync_backoff_min (%s) and non-negative", p.SyncBackoffMin),
		})
	}
	if p.SyncTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.sync_timeout",
			Value:   p.SyncTimeout,
			Message: "must be positive",
		})
	}
	if p.BuildTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.build_timeout",
			Value:   p.BuildTimeout,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateDependency() []ValidationError {
	var errors []ValidationError
	d := c.Dependency

	for field, port := range map[string]int{
		"dependency.local_port":  d.LocalPort,
		"dependency.remote_port": d.RemotePort,
	} {
		if port < 1 || port > 65535 {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   port,
				Message: "must be between 1 and 65535",
			})
		}
	}
	if d.Service == "" {
		errors = append(errors, ValidationError{
			Field:   "dependency.service",
			Value:   d.Service,
			Message: "must not be empty",
		})
	}
	if d.ReadyTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "dependency.ready_timeout",
			Value:   d.ReadyTimeout,
			Message: "must be positive",
		})
	}

	// Map iteration order is random; keep output stable.
	slices.SortFunc(errors, func(a, b ValidationError) int { return strings.Compare(a.Field, b.Field) })
	return errors
}

func (c *Config) validateBuild() []ValidationError {
	var errors []ValidationError

	for i, pattern := range c.Build.FatalPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("build.fatal_patterns[%d]", i),
				Value:   pattern,
				Message: fmt.Sprintf("invalid regular expression: %v", err),
			})
		}
	}

	return errors
}

func (c *Config) validateMisc() []ValidationError {
	var errors []ValidationError

	if c.Debug.BasePort < 1 || c.Debug.BasePort > 65535 {
		errors = append(errors, ValidationError{
			Field:   "debug.base_port",
			Value:   c.Debug.BasePort,
			Message: "must be between 1 and 65535",
		})
	}
	if c.Timing.Retention < 1 {
		errors = append(errors, ValidationError{
			Field:   "timing.retention",
			Value:   c.Timing.Retention,
			Message: "must be at least 1",
		})
	}
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative",
		})
	}
	if _, _, err := net.SplitHostPort(c.Dashboard.Addr); err != nil {
		errors = append(errors, ValidationError{
			Field:   "dashboard.addr",
			Value:   c.Dashboard.Addr,
			Message: "must be host:port",
		})
	}

	return errors
}
