package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDownload()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv("STEVEDORE_CATALOG_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.CatalogDir = value
	}
	fields := []struct {
		key    string
		target *string
	}{
		{"paths.state_dir", &c.Paths.StateDir},
		{"paths.log_dir", &c.Paths.LogDir},
		{"paths.download_dir", &c.Paths.DownloadDir},
		{"paths.install_root", &c.Paths.InstallRoot},
		{"paths.catalog_dir", &c.Paths.CatalogDir},
	}
	for _, field := range fields {
		expanded, err := expandPath(strings.TrimSpace(*field.target))
		if err != nil {
			return fmt.Errorf("%s: %w", field.key, err)
		}
		*field.target = expanded
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	return nil
}

func (c *Config) normalizeDownload() {
	c.Download.UserAgent = strings.TrimSpace(c.Download.UserAgent)
	if c.Download.UserAgent == "" {
		c.Download.UserAgent = defaultUserAgent
	}
}

func (c *Config) normalizeLogging() {
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if format == "" {
		format = defaultLogFormat
	}
	c.Logging.Format = format

	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if level == "" {
		level = defaultLogLevel
	}
	if level == "warning" {
		level = "warn"
	}
	c.Logging.Level = level

	if len(c.Logging.ComponentLevels) > 0 {
		normalized := make(map[string]string, len(c.Logging.ComponentLevels))
		for component, lvl := range c.Logging.ComponentLevels {
			key := strings.ToLower(strings.TrimSpace(component))
			if key == "" {
				continue
			}
			normalized[key] = strings.ToLower(strings.TrimSpace(lvl))
		}
		c.Logging.ComponentLevels = normalized
	}
}
