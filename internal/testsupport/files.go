package testsupport

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

// WriteFile fills the target path with size bytes of a repeating pattern and
// returns the hex SHA-256 of what it wrote. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) string {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	const chunkSize = 32 * 1024
	buf := make([]byte, chunkSize)
	for i := range buf {
		buf[i] = byte('a' + i%26)
	}

	hash := sha256.New()
	remaining := size
	for remaining > 0 {
		chunk := buf[:min(int64(chunkSize), remaining)]
		if _, err := f.Write(chunk); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		hash.Write(chunk)
		remaining -= int64(len(chunk))
	}
	return hex.EncodeToString(hash.Sum(nil))
}
