package fetch

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIsRemote(t *testing.T) {
	cases := map[string]bool{
		"http://example.com/list.txt":  true,
		"https://example.com/list.txt": true,
		"/etc/dnsveto/blacklist.txt":    false,
		"blacklist.txt":                false,
	}
	for path, want := range cases {
		if got := IsRemote(path); got != want {
			t.Errorf("IsRemote(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestResolveLocalPathPassesThrough(t *testing.T) {
	got, err := Resolve("/some/local/path.txt", t.TempDir(), DefaultStaleAfter)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "/some/local/path.txt" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveDownloadsRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("blocked.example\n"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path, err := Resolve(srv.URL+"/list.txt", dir, DefaultStaleAfter)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading cached file: %v", err)
	}
	if string(content) != "blocked.example\n" {
		t.Fatalf("got %q", content)
	}
}

func TestResolveReusesFreshCache(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("a.example\n"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	url := srv.URL + "/list.txt"

	if _, err := Resolve(url, dir, time.Hour); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := Resolve(url, dir, time.Hour); err != nil {
		t.Fatalf("second resolve: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected 1 download, got %d", calls)
	}
}

func TestResolveRedownloadsWhenStale(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "list.txt")
	if err := os.WriteFile(dest, []byte("old\n"), 0o644); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(dest, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("new\n"))
	}))
	defer srv.Close()

	path, err := Resolve(srv.URL+"/list.txt", dir, time.Hour)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	content, _ := os.ReadFile(path)
	if string(content) != "new\n" {
		t.Fatalf("got %q, want refreshed content", content)
	}
}
