// Package fetch performs the HTTP side of a run: the listing page, file
// downloads, and checksum sidecars.
package fetch

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"

	"github.com/listsyncd/listsyncd/internal/config"
	"github.com/listsyncd/listsyncd/internal/listing"
	"github.com/listsyncd/listsyncd/internal/retry"
)

// ErrIntegrity marks a download whose bytes failed verification. The payload
// is discarded and the failure is not retried: the transfer completed, so
// another attempt would fetch the same bytes.
var ErrIntegrity = errors.New("payload failed integrity check")

// StatusError is a non-success HTTP status that retrying cannot fix.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d for %s", e.StatusCode, e.URL)
}

// Checksum sidecars are one line; the read is bounded anyway.
const maxSidecarBytes = 64 * 1024

// Result describes one committed download.
type Result struct {
	Name      string
	LocalPath string

	// Size and ModifiedAt are observed from the response: bytes actually
	// written and the Last-Modified header (zero when the server sent
	// none). They take precedence over the listing's approximations.
	Size       int64
	ModifiedAt time.Time

	// Digest is the payload digest computed while streaming, as "algo:hex".
	Digest string

	DownloadedAt time.Time
}

// Client performs requests against the listing host with bounded retries,
// token-bucket pacing, and a per-attempt timeout.
type Client struct {
	http       *http.Client
	userAgent  string
	limiter    *rate.Limiter
	retryCfg   retry.Config
	verifyGzip bool
	insecure   bool
	logger     *slog.Logger
}

// NewClient builds a client from the http section of the configuration.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if cfg.HTTP.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		logger.Warn("TLS certificate verification is disabled")
	}

	var limiter *rate.Limiter
	if cfg.HTTP.RateLimit > 0 {
		burst := cfg.HTTP.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.HTTP.RateLimit), burst)
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.HTTP.Retries
	retryCfg.InitialWait = cfg.HTTP.RetryWait.Std()

	return &Client{
		http: &http.Client{
			// The client timeout bounds each attempt end to end, body
			// included; every retry gets a fresh budget.
			Timeout:   cfg.HTTP.Timeout.Std(),
			Transport: transport,
		},
		userAgent:  cfg.HTTP.UserAgent,
		limiter:    limiter,
		retryCfg:   retryCfg,
		verifyGzip: cfg.VerifyGzipEnabled(),
		insecure:   cfg.HTTP.InsecureSkipVerify,
		logger:     logger,
	}
}

// Insecure reports whether TLS verification is disabled, so run summaries
// can carry the fact.
func (c *Client) Insecure() bool {
	return c.insecure
}

// do performs one paced request attempt. Transport failures and 5xx
// responses come back marked retryable; other non-OK statuses are final.
func (c *Client) do(ctx context.Context, url string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, retry.Retryable(err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, retry.Retryable(fmt.Errorf("server error: %d for %s", resp.StatusCode, url))
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: url}
	}
	return resp, nil
}

// get fetches a small document with retries.
func (c *Client) get(ctx context.Context, url string, limit int64) ([]byte, error) {
	return retry.DoWithResult(ctx, c.retryCfg, func(attempt int) ([]byte, error) {
		if attempt > 1 {
			c.logger.Debug("retrying request", "url", url, "attempt", attempt)
		}

		resp, err := c.do(ctx, url)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		var r io.Reader = resp.Body
		if limit > 0 {
			r = io.LimitReader(r, limit)
		}
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, retry.Retryable(fmt.Errorf("reading %s: %w", url, err))
		}
		return body, nil
	})
}

// Page fetches the listing document.
func (c *Client) Page(ctx context.Context, url string) ([]byte, error) {
	return c.get(ctx, url, 0)
}

// File downloads one listing entry to destPath. The payload streams into a
// temp file next to the destination while its digest is computed, gets
// verified, and only then is renamed into place, so a failed download never
// replaces a good file. Transient failures restart with a fresh temp file.
func (c *Client) File(ctx context.Context, e listing.Entry, destPath string) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	return retry.DoWithResult(ctx, c.retryCfg, func(attempt int) (*Result, error) {
		if attempt > 1 {
			c.logger.Debug("retrying download", "name", e.Name, "attempt", attempt)
		}
		return c.download(ctx, e, destPath)
	})
}

func (c *Client) download(ctx context.Context, e listing.Entry, destPath string) (*Result, error) {
	resp, err := c.do(ctx, e.URL)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".listsyncd-tmp-*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	algo, hasher := hasherFor(e.DigestAlgo)

	written, err := io.Copy(io.MultiWriter(tmpFile, hasher), resp.Body)
	if err != nil {
		_ = tmpFile.Close()
		return nil, retry.Retryable(fmt.Errorf("downloading %s: %w", e.Name, err))
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		_ = tmpFile.Close()
		return nil, retry.Retryable(fmt.Errorf("truncated download of %s: got %d of %d bytes", e.Name, written, resp.ContentLength))
	}

	digest := algo + ":" + hex.EncodeToString(hasher.Sum(nil))
	if e.Digest != "" && strings.HasPrefix(e.Digest, algo+":") && digest != e.Digest {
		_ = tmpFile.Close()
		return nil, fmt.Errorf("%w: %s mismatch for %s: published %s, computed %s", ErrIntegrity, algo, e.Name, e.Digest, digest)
	}

	if c.verifyGzip && e.Digest == "" && strings.HasSuffix(e.Name, ".gz") {
		if err := probeGzip(tmpFile); err != nil {
			_ = tmpFile.Close()
			return nil, fmt.Errorf("%w: gzip probe failed for %s: %v", ErrIntegrity, e.Name, err)
		}
	}

	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return nil, err
	}
	if err := tmpFile.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return nil, err
	}

	res := &Result{
		Name:         e.Name,
		LocalPath:    destPath,
		Size:         written,
		Digest:       digest,
		DownloadedAt: time.Now().UTC(),
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			res.ModifiedAt = t.UTC()
		}
	}
	return res, nil
}

// hasherFor returns the hash to compute while streaming: the sidecar's
// algorithm when the entry advertises one, sha256 otherwise.
func hasherFor(algo string) (string, hash.Hash) {
	if algo == "md5" {
		return "md5", md5.New()
	}
	return "sha256", sha256.New()
}

// probeGzip decompresses the whole stream to exercise the trailing CRC.
// Used for .gz payloads that have no published digest to verify against.
func probeGzip(f *os.File) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	if _, err := io.Copy(io.Discard, zr); err != nil {
		return err
	}
	return zr.Close()
}
