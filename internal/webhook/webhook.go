// Package webhook runs the serve-mode HTTP surface: a signed sync trigger,
// health and metrics endpoints, and the interval scheduler.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/listsyncd/listsyncd/internal/activation"
	"github.com/listsyncd/listsyncd/internal/config"
	"github.com/listsyncd/listsyncd/internal/metrics"
	listsyncd "github.com/listsyncd/listsyncd/internal/sync"
)

// signatureHeader carries the HMAC-SHA256 signature of the request body in
// the form "sha256=<hex>".
const signatureHeader = "X-Listsyncd-Signature"

// Server is the serve-mode HTTP server. Trigger requests and the interval
// ticker funnel into the same single-flight sync path.
type Server struct {
	cfg         *config.Config
	engine      *listsyncd.Engine
	logger      *slog.Logger
	secret      []byte
	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a sync is currently in progress
	syncPending bool       // whether another sync is needed after the current one
	debounce    *debouncer
}

// debouncer coalesces bursts of trigger requests into one callback run.
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new serve-mode server.
func NewServer(cfg *config.Config, fetcher listsyncd.Fetcher, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.WebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Trim any whitespace/newlines from the secret
	secret = []byte(strings.TrimSpace(string(secret)))

	s := &Server{
		cfg:    cfg,
		engine: listsyncd.NewEngine(cfg, fetcher, logger, false),
		logger: logger,
		secret: secret,
	}

	// Coalesce trigger bursts for 2 seconds before running
	s.debounce = &debouncer{
		delay: 2 * time.Second,
	}

	return s, nil
}

// Start performs an initial sync, then serves HTTP until ctx is cancelled.
// When systemd passed an activated socket the server uses it instead of
// binding the configured listen address.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("performing initial sync before starting server")
	s.performSync(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.cfg.Serve.ListenAddr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	ln, err := activation.Listener()
	if err != nil {
		return fmt.Errorf("failed to check for socket activation: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if ln != nil {
			s.logger.Info("server starting on activated socket", "addr", ln.Addr().String())
			err = server.Serve(ln)
		} else {
			s.logger.Info("server starting", "addr", s.cfg.Serve.ListenAddr)
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// A nil tick channel blocks forever, which disables the scheduler when
	// no interval is configured.
	var tick <-chan time.Time
	if s.cfg.Serve.Interval > 0 {
		ticker := time.NewTicker(s.cfg.Serve.Interval.Std())
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			s.logger.Info("sync interval elapsed")
			s.performSync(ctx)
		case <-ctx.Done():
			s.logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	}
}

// handleSync accepts a signed POST and schedules a debounced sync run.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST sync request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}

	if !s.verifySignature(body, r.Header.Get(signatureHeader)) {
		s.logger.Warn("rejecting sync request with invalid signature", "remote", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	s.logger.Info("sync trigger accepted", "remote", r.RemoteAddr)
	s.debounce.trigger(func() {
		s.performSync(context.Background())
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// handleHealthz reports liveness and the engine's current stage.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"stage":  string(s.engine.Stage()),
	})
}

// verifySignature checks the HMAC-SHA256 signature of the request body.
func (s *Server) verifySignature(body []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(hexSig), []byte(expected))
}

// performSync executes a sync run with single-flight semantics. If a run is
// already in progress, at most one additional run is queued; further
// concurrent requests are dropped to avoid unbounded goroutine pile-up.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		summary, err := s.engine.Run(ctx)
		if err != nil {
			s.logger.Error("sync run failed", "error", err)
		} else if summary.HasFailures() {
			s.logger.Warn("sync run finished with failed files", "failed", len(summary.Failed))
		}

		// Atomically check whether another sync was requested while we were
		// running. If not, release the running slot and stop; if yes, clear
		// the flag and loop to service that one pending request.
		s.syncMu.Lock()
		if !s.syncPending {
			s.syncRunning = false
			s.syncMu.Unlock()
			return
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
