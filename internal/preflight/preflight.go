package preflight

import (
	"context"

	"stevedore/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// MinFreeBytes is the free space below which the download and install
// volumes are reported as failing.
const MinFreeBytes = 256 << 20

// RunAll executes every readiness check for cfg.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Download directory", cfg.Paths.DownloadDir),
		CheckDirectoryAccess("Install root", cfg.Paths.InstallRoot),
		CheckCatalog(ctx, cfg.Paths.CatalogDir),
		CheckFreeSpace("Download volume", cfg.Paths.DownloadDir, MinFreeBytes),
	}
	if !sameVolume(cfg.Paths.DownloadDir, cfg.Paths.InstallRoot) {
		results = append(results, CheckFreeSpace("Install volume", cfg.Paths.InstallRoot, MinFreeBytes))
	}
	return results
}

// Failed returns the subset of results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
