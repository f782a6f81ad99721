package fileutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"stevedore/internal/services"
)

// HashFile returns the hex SHA-256 of path and its size.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", n, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// MatchesSHA256 reports whether path exists and hashes to want.
func MatchesSHA256(path, want string) bool {
	sum, _, err := HashFile(path)
	return err == nil && strings.EqualFold(sum, want)
}

// CopyVerified streams src into dst through a temporary sibling and renames
// it into place only when the copied bytes hash to wantSHA256. A mismatch
// leaves dst untouched and returns an error matching services.ErrIntegrity.
func CopyVerified(src, dst, wantSHA256 string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if got := hex.EncodeToString(h.Sum(nil)); wantSHA256 != "" && !strings.EqualFold(got, wantSHA256) {
		return fmt.Errorf("%w: %s has sha256 %s, want %s", services.ErrIntegrity, src, got, strings.ToLower(wantSHA256))
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return err
	}
	committed = true
	return nil
}

// CountingWriter counts bytes and reports the running total after each write.
type CountingWriter struct {
	Total    int64
	OnUpdate func(total int64)
}

func (w *CountingWriter) Write(p []byte) (int, error) {
	w.Total += int64(len(p))
	if w.OnUpdate != nil {
		w.OnUpdate(w.Total)
	}
	return len(p), nil
}

// Within reports whether path is root or lies beneath it.
func Within(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
