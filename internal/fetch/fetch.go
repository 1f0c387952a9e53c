// Package fetch resolves a blacklist_path configuration value that may
// name either a local file or an http(s) URL. A URL is downloaded into a
// local cache file and re-downloaded once the cached copy is older than
// staleAfter or missing, mirroring the teacher project's
// UpdateBlockedDomains/loadBlockedDomains cadence for refreshing
// externally hosted domain lists.
package fetch

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
)

// DefaultStaleAfter matches the teacher project's 6-hour refresh window.
const DefaultStaleAfter = 6 * time.Hour

// IsRemote reports whether path names an http(s) source rather than a
// local file.
func IsRemote(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// cachePath derives a deterministic local cache file name for a URL by
// reusing its final path segment, defaulting to "blacklist.txt" when the
// URL has none.
func cachePath(cacheDir, url string) string {
	segments := strings.Split(url, "/")
	name := segments[len(segments)-1]
	if name == "" {
		name = "blacklist.txt"
	}
	if !strings.HasSuffix(name, ".txt") {
		name += ".txt"
	}
	return filepath.Join(cacheDir, name)
}

// Resolve returns a local file path ready to be read: pathOrURL itself if
// it already names a local file, or a freshly-downloaded (or still-fresh
// cached) copy if it names an http(s) URL.
func Resolve(pathOrURL, cacheDir string, staleAfter time.Duration) (string, error) {
	if !IsRemote(pathOrURL) {
		return pathOrURL, nil
	}

	dest := cachePath(cacheDir, pathOrURL)

	info, err := os.Stat(dest)
	cached := err == nil && info.Size() > 0
	if cached && time.Since(info.ModTime()) < staleAfter {
		return dest, nil
	}

	if err := download(pathOrURL, dest); err != nil {
		if cached {
			log.Error("refreshing %s: %s; using stale cache", pathOrURL, err)
			return dest, nil
		}
		return "", err
	}

	return dest, nil
}

func download(url, dest string) error {
	resp, err := http.Get(url)
	if err != nil {
		return errors.Annotate(err, "downloading blacklist: %w")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Error("fetch: unexpected status " + resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Annotate(err, "preparing cache directory: %w")
	}

	out, err := os.Create(dest)
	if err != nil {
		return errors.Annotate(err, "creating cache file: %w")
	}
	defer out.Close()

	_, err = io.Copy(out, resp.Body)
	if err != nil {
		return errors.Annotate(err, "writing cache file: %w")
	}

	return nil
}
