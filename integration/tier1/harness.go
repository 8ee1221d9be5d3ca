//go:build integration

package tier1

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/listsyncd/listsyncd/internal/config"
)

const listingPath = "/dumps/"

// Harness runs a local HTTP server that renders an nginx-style autoindex
// over a temp directory, so sync runs exercise the real client end to end.
type Harness struct {
	t   *testing.T
	srv *httptest.Server

	sourceDir   string
	downloadDir string
	stateDir    string

	mu   sync.Mutex
	hits map[string]int
}

// NewHarness creates the server and the scratch directories for one suite.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	base := t.TempDir()
	h := &Harness{
		t:           t,
		sourceDir:   filepath.Join(base, "source"),
		downloadDir: filepath.Join(base, "downloads"),
		stateDir:    filepath.Join(base, "state"),
		hits:        make(map[string]int),
	}
	for _, dir := range []string{h.sourceDir, h.downloadDir, h.stateDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	h.srv = httptest.NewServer(http.HandlerFunc(h.handle))
	t.Cleanup(h.srv.Close)
	return h
}

// ListingURL returns the URL of the served index page.
func (h *Harness) ListingURL() string {
	return h.srv.URL + listingPath
}

// DownloadDir returns the local mirror directory for assertions.
func (h *Harness) DownloadDir() string {
	return h.downloadDir
}

// RegistryPath returns where the engine persists its registry.
func (h *Harness) RegistryPath() string {
	return filepath.Join(h.stateDir, "registry.json")
}

// Hits returns how many times the named file has been requested.
func (h *Harness) Hits(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits[listingPath+name]
}

// WriteSource places a file in the served tree with a fixed mtime, so the
// rendered timestamp token is deterministic.
func (h *Harness) WriteSource(name string, content []byte, mtime time.Time) {
	h.t.Helper()
	p := filepath.Join(h.sourceDir, name)
	if err := os.WriteFile(p, content, 0644); err != nil {
		h.t.Fatalf("write source %s: %v", name, err)
	}
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		h.t.Fatalf("chtimes %s: %v", name, err)
	}
}

// WriteGzipSource compresses payload and places it in the served tree.
func (h *Harness) WriteGzipSource(name string, payload []byte, mtime time.Time) {
	h.t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		h.t.Fatalf("gzip %s: %v", name, err)
	}
	if err := zw.Close(); err != nil {
		h.t.Fatalf("gzip close %s: %v", name, err)
	}
	h.WriteSource(name, buf.Bytes(), mtime)
}

// WriteSidecar publishes a sha256 sidecar for an existing source file in the
// coreutils "hex  filename" form.
func (h *Harness) WriteSidecar(name string, mtime time.Time) {
	h.t.Helper()
	content, err := os.ReadFile(filepath.Join(h.sourceDir, name))
	if err != nil {
		h.t.Fatalf("read source %s: %v", name, err)
	}
	sum := sha256.Sum256(content)
	line := fmt.Sprintf("%s  %s\n", hex.EncodeToString(sum[:]), name)
	h.WriteSource(name+".sha256", []byte(line), mtime)
}

// WriteBadSidecar publishes a well-formed sidecar whose digest does not match
// the file it names.
func (h *Harness) WriteBadSidecar(name string, mtime time.Time) {
	h.t.Helper()
	sum := sha256.Sum256([]byte("not the payload"))
	line := fmt.Sprintf("%s  %s\n", hex.EncodeToString(sum[:]), name)
	h.WriteSource(name+".sha256", []byte(line), mtime)
}

// RemoveSource drops a file from the served tree.
func (h *Harness) RemoveSource(name string) {
	h.t.Helper()
	if err := os.Remove(filepath.Join(h.sourceDir, name)); err != nil {
		h.t.Fatalf("remove source %s: %v", name, err)
	}
}

// Reset clears the mirror and the engine state, keeping the served tree.
func (h *Harness) Reset() {
	h.t.Helper()
	for _, dir := range []string{h.downloadDir, h.stateDir} {
		if err := os.RemoveAll(dir); err != nil {
			h.t.Fatalf("reset %s: %v", dir, err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			h.t.Fatalf("reset %s: %v", dir, err)
		}
	}
}

// Config writes a config file for the harness paths and loads it, so the
// scenarios run through the same parsing and defaulting as the binary.
func (h *Harness) Config(patterns []string) *config.Config {
	h.t.Helper()

	quoted := make([]string, len(patterns))
	for i, p := range patterns {
		quoted[i] = fmt.Sprintf("%q", p)
	}
	raw := fmt.Sprintf(`source:
  url: %s
  patterns: [%s]

paths:
  download_dir: %s
  state_dir: %s

http:
  timeout: 30s
  retries: 2
  retry_wait: 10ms
  rate_limit: 500
  rate_burst: 50

sync:
  concurrency: 2
`, h.ListingURL(), strings.Join(quoted, ", "), h.downloadDir, h.stateDir)

	p := filepath.Join(h.t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(raw), 0644); err != nil {
		h.t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(p)
	if err != nil {
		h.t.Fatalf("load config: %v", err)
	}
	return cfg
}

func (h *Harness) handle(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.hits[r.URL.Path]++
	h.mu.Unlock()

	if r.URL.Path == listingPath {
		h.renderIndex(w)
		return
	}
	if !strings.HasPrefix(r.URL.Path, listingPath) {
		http.NotFound(w, r)
		return
	}
	name := path.Base(r.URL.Path)
	http.ServeFile(w, r, filepath.Join(h.sourceDir, name))
}

// renderIndex emits the tree in nginx autoindex form: a pre block with one
// link per row followed by the mtime and the exact byte size.
func (h *Harness) renderIndex(w http.ResponseWriter) {
	entries, err := os.ReadDir(h.sourceDir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	b.WriteString("<html>\n<head><title>Index of " + listingPath + "</title></head>\n")
	b.WriteString("<body>\n<h1>Index of " + listingPath + "</h1><hr><pre><a href=\"../\">../</a>\n")
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || e.IsDir() {
			continue
		}
		name := e.Name()
		fmt.Fprintf(&b, "<a href=%q>%s</a>  %s  %d\n",
			url.PathEscape(name), name,
			info.ModTime().UTC().Format("02-Jan-2006 15:04"), info.Size())
	}
	b.WriteString("</pre><hr></body>\n</html>\n")

	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(b.String()))
}
