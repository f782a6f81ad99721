package ipc

import (
	"stevedore/internal/daemon"
	"stevedore/internal/store"
)

// ItemView mirrors the daemon's item DTO.
type ItemView = daemon.ItemView

// InstalledPackage mirrors the store's installed package row.
type InstalledPackage = store.InstalledPackage

// SubmitRequest asks the daemon to run one package operation.
type SubmitRequest = daemon.SubmitRequest

// SubmitResponse carries the accepted item.
type SubmitResponse struct {
	Item ItemView `json:"item"`
}

// DescribeRequest fetches one item by handle.
type DescribeRequest struct {
	Handle string `json:"handle"`
}

// DescribeResponse carries a single item.
type DescribeResponse struct {
	Item ItemView `json:"item"`
}

// ListRequest lists active items plus up to History finished ones.
type ListRequest struct {
	History int `json:"history"`
}

// ListResponse contains item views.
type ListResponse struct {
	Items []ItemView `json:"items"`
}

// CancelRequest cancels one item by handle, or every queued item when
// Queued is set.
type CancelRequest struct {
	Handle string `json:"handle,omitempty"`
	Queued bool   `json:"queued,omitempty"`
}

// CancelResponse reports what was cancelled.
type CancelResponse struct {
	Item      *ItemView `json:"item,omitempty"`
	Cancelled int       `json:"cancelled"`
}

// InstalledRequest lists installed packages.
type InstalledRequest struct{}

// InstalledResponse contains installed packages.
type InstalledResponse struct {
	Packages []InstalledPackage `json:"packages"`
}

// CatalogRequest lists available manifests.
type CatalogRequest struct{}

// CatalogEntry summarizes one available manifest.
type CatalogEntry struct {
	PackageID string `json:"package_id"`
	SourceID  string `json:"source_id"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	Publisher string `json:"publisher,omitempty"`
}

// CatalogResponse contains catalog entries and any manifest load problems.
type CatalogResponse struct {
	Packages []CatalogEntry `json:"packages"`
	Warning  string         `json:"warning,omitempty"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse is the daemon's runtime status.
type StatusResponse = daemon.Status

// StopRequest asks the daemon to shut down gracefully.
type StopRequest struct{}

// StopResponse acknowledges a stop request.
type StopResponse struct {
	Stopping bool `json:"stopping"`
}
