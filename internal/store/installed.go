package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InstalledPackage is one row of installed_packages.
type InstalledPackage struct {
	PackageID   string    `json:"package_id"`
	SourceID    string    `json:"source_id"`
	Name        string    `json:"name,omitempty"`
	Version     string    `json:"version"`
	InstallPath string    `json:"install_path"`
	PayloadPath string    `json:"payload_path,omitempty"`
	SHA256      string    `json:"sha256,omitempty"`
	InstalledAt time.Time `json:"installed_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const installedColumns = "package_id, source_id, name, version, install_path, payload_path, sha256, installed_at, updated_at"

// UpsertInstalled records pkg, keeping the original installed_at on upgrade.
func (s *Store) UpsertInstalled(ctx context.Context, pkg InstalledPackage) error {
	if pkg.PackageID == "" {
		return errors.New("package id is required")
	}
	now := time.Now()
	_, err := s.execWithRetry(ctx,
		`INSERT INTO installed_packages (`+installedColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(package_id, source_id) DO UPDATE SET
             name = excluded.name,
             version = excluded.version,
             install_path = excluded.install_path,
             payload_path = excluded.payload_path,
             sha256 = excluded.sha256,
             updated_at = excluded.updated_at`,
		pkg.PackageID,
		pkg.SourceID,
		nullableString(pkg.Name),
		pkg.Version,
		pkg.InstallPath,
		nullableString(pkg.PayloadPath),
		nullableString(pkg.SHA256),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("upsert installed package: %w", err)
	}
	return nil
}

// GetInstalled returns the installed row or nil when the package is absent.
func (s *Store) GetInstalled(ctx context.Context, packageID, sourceID string) (*InstalledPackage, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+installedColumns+` FROM installed_packages WHERE package_id = ? AND source_id = ?`,
		packageID, sourceID,
	)
	pkg, err := scanInstalled(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get installed package: %w", err)
	}
	return pkg, nil
}

// DeleteInstalled removes the row and reports whether one existed.
func (s *Store) DeleteInstalled(ctx context.Context, packageID, sourceID string) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`DELETE FROM installed_packages WHERE package_id = ? AND source_id = ?`,
		packageID, sourceID,
	)
	if err != nil {
		return false, fmt.Errorf("delete installed package: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ListInstalled returns every installed package ordered by id.
func (s *Store) ListInstalled(ctx context.Context) ([]InstalledPackage, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+installedColumns+` FROM installed_packages ORDER BY package_id, source_id`)
	if err != nil {
		return nil, fmt.Errorf("list installed packages: %w", err)
	}
	defer rows.Close()

	var out []InstalledPackage
	for rows.Next() {
		pkg, err := scanInstalled(rows)
		if err != nil {
			return nil, fmt.Errorf("scan installed package: %w", err)
		}
		out = append(out, *pkg)
	}
	return out, rows.Err()
}

func scanInstalled(scanner interface{ Scan(dest ...any) error }) (*InstalledPackage, error) {
	var (
		pkg         InstalledPackage
		name        sql.NullString
		payloadPath sql.NullString
		sha         sql.NullString
		installed   sql.NullString
		updated     sql.NullString
	)
	if err := scanner.Scan(
		&pkg.PackageID,
		&pkg.SourceID,
		&name,
		&pkg.Version,
		&pkg.InstallPath,
		&payloadPath,
		&sha,
		&installed,
		&updated,
	); err != nil {
		return nil, err
	}
	pkg.Name = name.String
	pkg.PayloadPath = payloadPath.String
	pkg.SHA256 = sha.String
	pkg.InstalledAt = parseTime(installed)
	pkg.UpdatedAt = parseTime(updated)
	return &pkg, nil
}
