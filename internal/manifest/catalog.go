package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"stevedore/internal/services"
)

const manifestExt = ".yaml"

// ErrAmbiguous is returned when a package id exists in more than one source
// and no source was given.
var ErrAmbiguous = errors.New("package exists in multiple sources")

// Catalog reads manifests laid out as <dir>/<source>/<package>.yaml.
type Catalog struct {
	dir string
}

// NewCatalog returns a catalog rooted at dir.
func NewCatalog(dir string) *Catalog {
	return &Catalog{dir: dir}
}

// Dir returns the catalog root.
func (c *Catalog) Dir() string { return c.dir }

// Sources lists the source directories, sorted.
func (c *Catalog) Sources() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read catalog %s: %w", c.dir, err)
	}
	var sources []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			sources = append(sources, entry.Name())
		}
	}
	sort.Strings(sources)
	return sources, nil
}

// Lookup finds packageID in sourceID, or in every source when sourceID is
// empty.
func (c *Catalog) Lookup(packageID, sourceID string) (*Manifest, error) {
	packageID = strings.TrimSpace(packageID)
	if packageID == "" || strings.ContainsAny(packageID, `/\`) {
		return nil, fmt.Errorf("%w: invalid package id %q", services.ErrValidation, packageID)
	}
	if sourceID != "" {
		return Load(filepath.Join(c.dir, sourceID, packageID+manifestExt))
	}

	sources, err := c.Sources()
	if err != nil {
		return nil, err
	}
	var matches []*Manifest
	for _, source := range sources {
		path := filepath.Join(c.dir, source, packageID+manifestExt)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		m, err := Load(path)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: package %s in catalog %s", services.ErrNotFound, packageID, c.dir)
	case 1:
		return matches[0], nil
	default:
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			names = append(names, m.Source)
		}
		return nil, fmt.Errorf("%w: %s found in %s; pass --source", ErrAmbiguous, packageID, strings.Join(names, ", "))
	}
}

// List loads every manifest in the catalog. Invalid manifests are returned in
// the joined error alongside the valid ones.
func (c *Catalog) List() ([]*Manifest, error) {
	sources, err := c.Sources()
	if err != nil {
		return nil, err
	}
	var (
		out  []*Manifest
		errs []error
	)
	for _, source := range sources {
		paths, err := filepath.Glob(filepath.Join(c.dir, source, "*"+manifestExt))
		if err != nil {
			return nil, err
		}
		sort.Strings(paths)
		for _, path := range paths {
			m, err := Load(path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			out = append(out, m)
		}
	}
	return out, errors.Join(errs...)
}

// Save writes m under sourceID, creating directories as needed.
func (c *Catalog) Save(sourceID string, m *Manifest) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	dir := filepath.Join(c.dir, sourceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create source dir: %w", err)
	}
	data, err := m.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	path := filepath.Join(dir, m.ID+manifestExt)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return path, nil
}
