package testsupport

import (
	"path/filepath"
	"testing"

	"stevedore/internal/config"
	"stevedore/internal/manifest"
	"stevedore/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// AddPackage writes a payload of size bytes next to the catalog and a
// manifest for it under source, returning the saved manifest.
func AddPackage(t testing.TB, cfg *config.Config, source, id, version string, size int64) *manifest.Manifest {
	t.Helper()

	payload := filepath.Join(BaseDir(cfg), "payloads", id+"-"+version+".bin")
	sum := WriteFile(t, payload, size)
	m := &manifest.Manifest{
		ID:      id,
		Name:    id,
		Version: version,
		Installer: manifest.Installer{
			URL:    payload,
			SHA256: sum,
		},
	}
	path, err := manifest.NewCatalog(cfg.Paths.CatalogDir).Save(source, m)
	if err != nil {
		t.Fatalf("save manifest: %v", err)
	}
	loaded, err := manifest.Load(path)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	return loaded
}
