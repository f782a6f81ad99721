package manifest

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"stevedore/internal/services"
)

// Manifest describes one installable package version.
type Manifest struct {
	ID        string    `yaml:"id" json:"id"`
	Name      string    `yaml:"name" json:"name"`
	Version   string    `yaml:"version" json:"version"`
	Publisher string    `yaml:"publisher,omitempty" json:"publisher,omitempty"`
	Installer Installer `yaml:"installer" json:"installer"`

	// Source is the catalog source directory the manifest was read from.
	Source string `yaml:"-" json:"source"`
	// Dir is the directory holding the manifest file; relative installer
	// URLs resolve against it.
	Dir string `yaml:"-" json:"-"`
}

// Installer locates and verifies the package payload.
type Installer struct {
	URL      string `yaml:"url" json:"url"`
	SHA256   string `yaml:"sha256" json:"sha256"`
	FileName string `yaml:"file_name,omitempty" json:"file_name,omitempty"`
}

// Parse decodes one manifest document. Unknown fields are rejected.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: decode manifest: %w", services.ErrValidation, err)
	}
	m.normalize()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and parses the manifest at path, recording its source from the
// parent directory name.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: manifest %s", services.ErrNotFound, path)
		}
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Dir = filepath.Dir(path)
	m.Source = filepath.Base(m.Dir)
	if want := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)); !strings.EqualFold(want, m.ID) {
		return nil, fmt.Errorf("%w: %s declares id %q but file is named %q", services.ErrValidation, path, m.ID, want)
	}
	return m, nil
}

// Validate checks the fields the installer depends on.
func (m *Manifest) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: manifest id is required", services.ErrValidation)
	case strings.ContainsAny(m.ID, `/\`) || m.ID == "." || m.ID == "..":
		return fmt.Errorf("%w: manifest id %q must not contain path separators", services.ErrValidation, m.ID)
	case m.Version == "":
		return fmt.Errorf("%w: manifest %s: version is required", services.ErrValidation, m.ID)
	case m.Installer.URL == "":
		return fmt.Errorf("%w: manifest %s: installer.url is required", services.ErrValidation, m.ID)
	}
	sum, err := hex.DecodeString(m.Installer.SHA256)
	if err != nil || len(sum) != 32 {
		return fmt.Errorf("%w: manifest %s: installer.sha256 must be 64 hex characters", services.ErrValidation, m.ID)
	}
	if strings.ContainsAny(m.Installer.FileName, `/\`) {
		return fmt.Errorf("%w: manifest %s: installer.file_name must be a bare file name", services.ErrValidation, m.ID)
	}
	return nil
}

// PayloadFileName returns the file name the payload is stored under.
func (m *Manifest) PayloadFileName() string {
	if m.Installer.FileName != "" {
		return m.Installer.FileName
	}
	if u, err := url.Parse(m.Installer.URL); err == nil {
		if base := filepath.Base(u.Path); base != "." && base != "/" && base != "" {
			return base
		}
	}
	return m.ID + ".bin"
}

// ResolveURL returns the installer location as an absolute URL. Bare paths
// resolve against the manifest directory and become file:// URLs.
func (m *Manifest) ResolveURL() (*url.URL, error) {
	u, err := url.Parse(m.Installer.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest %s: installer.url: %w", services.ErrValidation, m.ID, err)
	}
	switch u.Scheme {
	case "http", "https", "file":
		return u, nil
	case "":
		path := u.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(m.Dir, path)
		}
		return &url.URL{Scheme: "file", Path: filepath.ToSlash(path)}, nil
	default:
		return nil, fmt.Errorf("%w: manifest %s: unsupported installer scheme %q", services.ErrValidation, m.ID, u.Scheme)
	}
}

// Marshal renders m as YAML.
func (m *Manifest) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}

func (m *Manifest) normalize() {
	m.ID = strings.TrimSpace(m.ID)
	m.Name = strings.TrimSpace(m.Name)
	m.Version = strings.TrimSpace(m.Version)
	m.Installer.URL = strings.TrimSpace(m.Installer.URL)
	m.Installer.SHA256 = strings.ToLower(strings.TrimSpace(m.Installer.SHA256))
	m.Installer.FileName = strings.TrimSpace(m.Installer.FileName)
	if m.Name == "" {
		m.Name = m.ID
	}
}
