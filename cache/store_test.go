package cache

import (
	"os"
	"path/filepath"
	"testing"

	cachekey "github.com/taichili/httpproxy/pkg/cache-key"

	"github.com/pkg/errors"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLookupHitAndMiss(t *testing.T) {
	root := t.TempDir()
	want := writeFile(t, root, "a.txt", "hello")
	s := NewStore(root)

	file, info, err := s.Lookup("/a.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if file != want || info.Size() != 5 {
		t.Fatalf("Lookup gave %s (%d bytes)", file, info.Size())
	}
	if _, _, err := s.Lookup("/missing.txt"); err != ErrMiss {
		t.Fatalf("Missing file gives %v", err)
	}
	if _, _, err := s.Lookup("/a.txt/below"); err != ErrMiss {
		t.Fatalf("Path below a file gives %v", err)
	}
	if _, _, err := s.Lookup("no-slash"); !errors.Is(err, cachekey.ErrInvalidTarget) {
		t.Fatalf("Invalid target gives %v", err)
	}
}

func TestLookupDirectoryServesIndex(t *testing.T) {
	root := t.TempDir()
	want := writeFile(t, root, "docs/index.html", "<h1>docs</h1>")
	os.MkdirAll(filepath.Join(root, "empty"), 0755)
	s := NewStore(root)

	for _, target := range []string{"/docs", "/docs/"} {
		file, _, err := s.Lookup(target)
		if err != nil || file != want {
			t.Fatalf("Lookup %s gave %s, %v", target, file, err)
		}
	}
	if _, _, err := s.Lookup("/empty"); err != ErrMiss {
		t.Fatalf("Directory without index gives %v", err)
	}
}

func TestPendingCommit(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	dst := filepath.Join(root, "deep", "dir", "page.html")

	p, err := s.Create(dst)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p.Write([]byte("<p>"))
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatal("File visible before commit")
	}
	p.Write([]byte("filled</p>"))
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if b, err := os.ReadFile(dst); err != nil || string(b) != "<p>filled</p>" {
		t.Fatalf("File holds %q, %v", b, err)
	}
	if p.Written() != 13 {
		t.Fatalf("Written is %d", p.Written())
	}
	if err := p.Abort(); err != nil {
		t.Fatalf("Abort after commit: %v", err)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Fatal("Abort after commit removed the file")
	}
}

func TestPendingAbortLeavesNothing(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	dst := filepath.Join(root, "gone.bin")

	p, err := s.Create(dst)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p.Write([]byte("partial"))
	if err := p.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Fatalf("Root holds %d entries after abort", len(entries))
	}
}

func TestConcurrentCommitsLastWins(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	dst := filepath.Join(root, "race.txt")

	first, _ := s.Create(dst)
	second, _ := s.Create(dst)
	first.Write([]byte("first"))
	second.Write([]byte("second"))
	if err := first.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := second.Commit(); err != nil {
		t.Fatal(err)
	}
	if b, _ := os.ReadFile(dst); string(b) != "second" {
		t.Fatalf("File holds %q", b)
	}
}
