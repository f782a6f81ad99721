package config

const (
	defaultConfigPath             = "~/.config/stevedore/config.toml"
	defaultStateDir               = "~/.local/share/stevedore"
	defaultLogDir                 = "~/.local/share/stevedore/logs"
	defaultDownloadDir            = "~/.cache/stevedore/downloads"
	defaultInstallRoot            = "~/.local/share/stevedore/packages"
	defaultCatalogDir             = "~/.config/stevedore/catalog"
	defaultAPIBind                = "127.0.0.1:7488"
	defaultOperationConcurrency   = 1
	defaultDrainTimeoutSeconds    = 30
	defaultCompletedHistory       = 200
	defaultDownloadTimeoutSeconds = 600
	defaultUserAgent              = "stevedore/dev"
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
	defaultLogRetentionDays       = 30
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:    defaultStateDir,
			LogDir:      defaultLogDir,
			DownloadDir: defaultDownloadDir,
			InstallRoot: defaultInstallRoot,
			CatalogDir:  defaultCatalogDir,
			APIBind:     defaultAPIBind,
		},
		Orchestrator: Orchestrator{
			MaxDownloadConcurrency: 0,
			OperationConcurrency:   defaultOperationConcurrency,
			DrainTimeoutSeconds:    defaultDrainTimeoutSeconds,
			CompletedHistory:       defaultCompletedHistory,
		},
		Download: Download{
			TimeoutSeconds: defaultDownloadTimeoutSeconds,
			UserAgent:      defaultUserAgent,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Metrics: Metrics{
			Enabled: true,
		},
	}
}
