package fileutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stevedore/internal/services"
	"stevedore/internal/testsupport"
)

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.bin")
	want := testsupport.WriteFile(t, path, 70_000)

	got, size, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if got != want || size != 70_000 {
		t.Fatalf("HashFile = %s/%d, want %s/70000", got, size, want)
	}
	if !MatchesSHA256(path, want) {
		t.Fatal("MatchesSHA256 should accept the written hash")
	}
	if MatchesSHA256(filepath.Join(t.TempDir(), "missing"), want) {
		t.Fatal("MatchesSHA256 should reject a missing file")
	}
}

func TestCopyVerified(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	sum := testsupport.WriteFile(t, src, 4096)
	dst := filepath.Join(dir, "nested", "dst.bin")

	if err := CopyVerified(src, dst, sum, 0o755); err != nil {
		t.Fatalf("CopyVerified: %v", err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("stat dst: %v", err)
	}
	if info.Size() != 4096 {
		t.Fatalf("size = %d, want 4096", info.Size())
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Fatalf("expected executable bits, got %o", info.Mode().Perm())
	}
}

func TestCopyVerifiedRejectsMismatch(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	testsupport.WriteFile(t, src, 128)
	dst := filepath.Join(dir, "dst.bin")
	if err := os.WriteFile(dst, []byte("previous"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := CopyVerified(src, dst, strings.Repeat("0", 64), 0o644)
	if !errors.Is(err, services.ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
	got, readErr := os.ReadFile(dst)
	if readErr != nil || string(got) != "previous" {
		t.Fatalf("dst changed after failed copy: %q, %v", got, readErr)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Fatalf("temporary file left behind: %v", entries)
	}
}

func TestWithin(t *testing.T) {
	tests := []struct {
		root, path string
		want       bool
	}{
		{"/opt/pkgs", "/opt/pkgs/tool", true},
		{"/opt/pkgs", "/opt/pkgs", true},
		{"/opt/pkgs", "/opt/other", false},
		{"/opt/pkgs", "/opt/pkgs/../etc", false},
		{"/opt/pkgs", "/opt/pkgs-evil/x", false},
	}
	for _, tt := range tests {
		if got := Within(tt.root, tt.path); got != tt.want {
			t.Fatalf("Within(%q, %q) = %v, want %v", tt.root, tt.path, got, tt.want)
		}
	}
}
