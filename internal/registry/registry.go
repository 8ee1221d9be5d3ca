// Package registry persists what the engine knows about downloaded files.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Registry is the on-disk record of every file the engine has downloaded,
// keyed by filename. It is stored as indented JSON so operators can inspect
// it and diff it between runs.
type Registry struct {
	LastRunAt time.Time         `json:"last_run_at"`
	Files     map[string]Record `json:"files"`
}

// Record holds what was known about one file when it was last downloaded.
type Record struct {
	// Size and ModifiedAt are observed values from the download response
	// and take precedence over what the listing claimed. A zero ModifiedAt
	// means the server sent no Last-Modified.
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`

	// ContentHash is the payload digest computed while downloading,
	// prefixed with its algorithm ("sha256:..." or "md5:...").
	ContentHash string `json:"content_hash,omitempty"`

	SourceURL    string    `json:"source_url"`
	DownloadedAt time.Time `json:"downloaded_at"`
	LocalPath    string    `json:"local_path"`

	// ListedSize and ListedModTime keep the listing's raw tokens from the
	// run that fetched the file. Comparing token to token avoids
	// re-downloading files whose listing rounds sizes ("6.6M") or truncates
	// timestamps to the minute.
	ListedSize    string `json:"listed_size,omitempty"`
	ListedModTime string `json:"listed_mtime,omitempty"`
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{Files: make(map[string]Record)}
}

// Load reads the registry file at path. A missing file is an empty registry.
// Content that does not decode is also treated as empty: the damaged file is
// kept alongside as <path>.corrupt and a warning is logged, so one bad write
// cannot wedge the engine. Other read errors are returned as-is.
func Load(path string, logger *slog.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		logger.Warn("registry file is corrupt, starting from empty",
			"path", path,
			"backup", path+".corrupt",
			"error", err)
		if err := os.Rename(path, path+".corrupt"); err != nil {
			logger.Warn("failed to preserve corrupt registry", "error", err)
		}
		return New(), nil
	}

	if reg.Files == nil {
		reg.Files = make(map[string]Record)
	}
	return &reg, nil
}

// Save writes the registry to path via a temp file and rename, so readers
// never observe a partial write.
func Save(path string, reg *Registry) error {
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".registry-*")
	if err != nil {
		return fmt.Errorf("failed to create temp registry: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to set registry permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close registry: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace registry: %w", err)
	}
	return nil
}
