package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateOrchestrator(); err != nil {
		return err
	}
	if err := c.validateDownload(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if c.Paths.StateDir == "" {
		return errors.New("paths.state_dir must be set")
	}
	if c.Paths.InstallRoot == "" {
		return errors.New("paths.install_root must be set")
	}
	if c.Paths.DownloadDir == "" {
		return errors.New("paths.download_dir must be set")
	}
	if c.Paths.CatalogDir == "" {
		return errors.New("paths.catalog_dir must be set")
	}
	if c.Paths.APIBind != "" {
		if _, _, err := net.SplitHostPort(c.Paths.APIBind); err != nil {
			return fmt.Errorf("paths.api_bind %q: %w", c.Paths.APIBind, err)
		}
	}
	return nil
}

func (c *Config) validateOrchestrator() error {
	if c.Orchestrator.MaxDownloadConcurrency < 0 {
		return errors.New("orchestrator.max_download_concurrency must be zero (unbounded) or positive")
	}
	if c.Orchestrator.OperationConcurrency < 1 {
		return errors.New("orchestrator.operation_concurrency must be at least 1")
	}
	if c.Orchestrator.DrainTimeoutSeconds < 0 {
		return errors.New("orchestrator.drain_timeout_seconds must be non-negative")
	}
	if c.Orchestrator.CompletedHistory < 0 {
		return errors.New("orchestrator.completed_history must be non-negative")
	}
	return nil
}

func (c *Config) validateDownload() error {
	if c.Download.TimeoutSeconds <= 0 {
		return errors.New("download.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	levels := map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "error": {}}
	if _, ok := levels[c.Logging.Level]; !ok {
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	for component, lvl := range c.Logging.ComponentLevels {
		if _, ok := levels[lvl]; !ok {
			return fmt.Errorf("logging.component_levels.%s: unsupported value %q", component, strings.TrimSpace(lvl))
		}
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must be non-negative")
	}
	return nil
}
