// Package sync implements the reconciliation engine. A run fetches the
// remote directory listing, diffs it against the local registry and
// downloads whatever changed, then persists the updated registry.
package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/listsyncd/listsyncd/internal/config"
	"github.com/listsyncd/listsyncd/internal/diff"
	"github.com/listsyncd/listsyncd/internal/fetch"
	"github.com/listsyncd/listsyncd/internal/listing"
	"github.com/listsyncd/listsyncd/internal/metrics"
	"github.com/listsyncd/listsyncd/internal/registry"
)

// Fetcher is the transport surface the engine depends on. *fetch.Client
// satisfies it; tests substitute a mock.
type Fetcher interface {
	Page(ctx context.Context, url string) ([]byte, error)
	File(ctx context.Context, e listing.Entry, destPath string) (*fetch.Result, error)
	Digest(ctx context.Context, e listing.Entry) (string, error)
	Insecure() bool
}

// Engine orchestrates reconciliation runs from listing fetch to registry
// persist. It is safe to reuse across runs but runs must not overlap.
type Engine struct {
	cfg     *config.Config
	fetcher Fetcher
	logger  *slog.Logger
	dryRun  bool

	mu    sync.Mutex
	stage Stage
}

// NewEngine creates a new sync engine.
func NewEngine(cfg *config.Config, fetcher Fetcher, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger,
		dryRun:  dryRun,
		stage:   StageIdle,
	}
}

// Stage reports where the engine currently is in its run cycle.
func (e *Engine) Stage() Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stage
}

func (e *Engine) setStage(s Stage) {
	e.mu.Lock()
	e.stage = s
	e.mu.Unlock()
}

// fileResult carries the outcome of one download back to the collector.
type fileResult struct {
	cand diff.Candidate
	res  *fetch.Result
	err  error
}

// Run executes one reconciliation cycle. Per-file download failures are
// reported in the summary, not as an error: a non-nil error means the run
// itself could not complete and the previous registry is left in place. A
// run interrupted mid-fetch still persists the files it did complete.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	summary := newSummary(uuid.NewString())
	summary.DryRun = e.dryRun
	summary.Insecure = e.fetcher.Insecure()

	log := e.logger.With("run_id", summary.RunID)
	log.Info("starting sync run", "url", e.cfg.Source.URL, "dry_run", e.dryRun)

	e.setStage(StageListing)
	matched, err := e.fetchListing(ctx, log)
	if err != nil {
		return nil, e.fail(summary, err)
	}
	summary.ListingEntries = len(matched)
	metrics.SetListingEntries(len(matched))

	reg, err := registry.Load(e.cfg.RegistryPath(), log)
	if err != nil {
		return nil, e.fail(summary, err)
	}

	e.setStage(StageDiffing)
	plan := diff.BuildPlan(matched, reg)
	summary.Unchanged = append(summary.Unchanged, plan.Unchanged...)
	log.Info("built fetch plan", "fetch", len(plan.Fetch), "unchanged", len(plan.Unchanged))

	if e.dryRun {
		for _, cand := range plan.Fetch {
			log.Info("[dry-run] would fetch", "file", cand.Entry.Name, "status", string(cand.Status), "reason", cand.Reason)
			if cand.Status == diff.StatusNew {
				summary.New = append(summary.New, cand.Entry.Name)
			} else {
				summary.Updated = append(summary.Updated, cand.Entry.Name)
			}
		}
		log.Info("dry-run complete, no changes applied")
		e.finish(summary, log)
		return summary, nil
	}

	for range plan.Unchanged {
		metrics.RecordFile("unchanged")
	}

	e.setStage(StageFetching)
	e.fetchFiles(ctx, log, plan.Fetch, reg, summary)

	e.setStage(StagePersisting)
	reg.LastRunAt = time.Now().UTC()
	if err := registry.Save(e.cfg.RegistryPath(), reg); err != nil {
		return nil, e.fail(summary, fmt.Errorf("failed to save registry: %w", err))
	}

	e.finish(summary, log)
	return summary, nil
}

// fetchListing downloads and parses the configured listing page, folds in
// digest sidecars and applies the filename patterns.
func (e *Engine) fetchListing(ctx context.Context, log *slog.Logger) ([]listing.Entry, error) {
	body, err := e.fetcher.Page(ctx, e.cfg.Source.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch listing: %w", err)
	}

	entries, err := listing.Parse(e.cfg.Source.URL, bytes.NewReader(body))
	if err != nil {
		if errors.Is(err, listing.ErrNotListing) {
			return nil, fmt.Errorf("%s: %w", e.cfg.Source.URL, err)
		}
		return nil, fmt.Errorf("failed to parse listing: %w", err)
	}

	entries = listing.AttachDigests(entries)
	matched := listing.Filter(entries, e.cfg.Source.Patterns)
	log.Info("parsed listing", "entries", len(entries), "matched", len(matched))

	if e.cfg.FetchDigestsEnabled() {
		e.resolveDigests(ctx, log, matched)
	}
	return matched, nil
}

// resolveDigests fills in the published digest for entries that advertise a
// sidecar. Failures are not fatal: the diff falls back to size and mtime.
func (e *Engine) resolveDigests(ctx context.Context, log *slog.Logger, entries []listing.Entry) {
	for i := range entries {
		if entries[i].DigestURL == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		digest, err := e.fetcher.Digest(ctx, entries[i])
		if err != nil {
			log.Warn("failed to fetch digest sidecar", "file", entries[i].Name, "error", err)
			continue
		}
		entries[i].Digest = digest
	}
}

// fetchFiles downloads every planned candidate through a bounded worker
// pool. Results are applied to the registry and summary in listing order by
// the single collecting goroutine, so no locking is needed around either.
func (e *Engine) fetchFiles(ctx context.Context, log *slog.Logger, candidates []diff.Candidate, reg *registry.Registry, summary *Summary) {
	if len(candidates) == 0 {
		return
	}

	runCtx := ctx
	if e.cfg.Sync.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.Sync.RunTimeout.Std())
		defer cancel()
	}

	workers := e.cfg.Sync.Concurrency
	if workers > len(candidates) {
		workers = len(candidates)
	}
	if workers < 1 {
		workers = 1
	}
	log.Info("fetching files", "files", len(candidates), "workers", workers)

	jobs := make(chan diff.Candidate)
	results := make(chan fileResult, len(candidates))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cand := range jobs {
				dest := filepath.Join(e.cfg.Paths.DownloadDir, cand.Entry.Name)
				res, err := e.fetcher.File(runCtx, cand.Entry, dest)
				results <- fileResult{cand: cand, res: res, err: err}
			}
		}()
	}

	// Feed every candidate even after cancellation: a dead context makes
	// File return immediately, and draining the full set keeps the result
	// count exact so the summary accounts for every planned file.
	go func() {
		for _, cand := range candidates {
			jobs <- cand
		}
		close(jobs)
	}()

	received := make(map[string]fileResult, len(candidates))
	for range candidates {
		r := <-results
		if r.err != nil {
			log.Error("failed to fetch file", "file", r.cand.Entry.Name, "reason", r.cand.Reason, "error", r.err)
		} else {
			log.Info("fetched file", "file", r.cand.Entry.Name, "size", humanize.IBytes(uint64(r.res.Size)), "reason", r.cand.Reason)
		}
		received[r.cand.Entry.Name] = r
	}
	wg.Wait()

	for _, cand := range candidates {
		e.record(received[cand.Entry.Name], reg, summary)
	}

	if err := runCtx.Err(); err != nil {
		log.Warn("run interrupted before all files were fetched", "error", err)
	}
}

// record applies a single download outcome to the registry and summary.
func (e *Engine) record(r fileResult, reg *registry.Registry, summary *Summary) {
	name := r.cand.Entry.Name
	if r.err != nil {
		summary.Failed = append(summary.Failed, FileError{Name: name, Error: r.err.Error()})
		metrics.RecordFile("failed")
		return
	}

	rec := registry.Record{
		Size:          r.res.Size,
		ModifiedAt:    r.res.ModifiedAt,
		ContentHash:   r.res.Digest,
		SourceURL:     r.cand.Entry.URL,
		DownloadedAt:  r.res.DownloadedAt,
		LocalPath:     r.res.LocalPath,
		ListedSize:    r.cand.Entry.SizeRaw,
		ListedModTime: r.cand.Entry.ModTimeRaw,
	}
	// The server's Last-Modified is authoritative; the listing's stamp is
	// only a fallback since many servers round it to the minute.
	if rec.ModifiedAt.IsZero() {
		rec.ModifiedAt = r.cand.Entry.ModTime
	}
	reg.Files[name] = rec

	summary.BytesDownloaded += r.res.Size
	metrics.AddBytesDownloaded(r.res.Size)

	if r.cand.Status == diff.StatusNew {
		summary.New = append(summary.New, name)
		metrics.RecordFile("new")
	} else {
		summary.Updated = append(summary.Updated, name)
		metrics.RecordFile("updated")
	}
}

func (e *Engine) finish(summary *Summary, log *slog.Logger) {
	summary.FinishedAt = time.Now().UTC()
	e.setStage(StageDone)

	result := "success"
	if summary.HasFailures() {
		result = "partial"
	}
	if !e.dryRun {
		metrics.RecordRun(result, summary.Duration())
	}

	log.Info("sync run complete",
		"result", result,
		"new", len(summary.New),
		"updated", len(summary.Updated),
		"unchanged", len(summary.Unchanged),
		"failed", len(summary.Failed),
		"downloaded", humanize.IBytes(uint64(summary.BytesDownloaded)),
		"duration", summary.Duration().Round(time.Millisecond).String(),
	)
}

func (e *Engine) fail(summary *Summary, err error) error {
	summary.FinishedAt = time.Now().UTC()
	e.setStage(StageFailed)
	if !e.dryRun {
		metrics.RecordRun("error", summary.Duration())
	}
	return err
}
