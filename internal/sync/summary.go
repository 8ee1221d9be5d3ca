package sync

import "time"

// Stage identifies where the engine is in its run cycle.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageListing    Stage = "listing"
	StageDiffing    Stage = "diffing"
	StageFetching   Stage = "fetching"
	StagePersisting Stage = "persisting"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// FileError records a single file that could not be downloaded.
type FileError struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// Summary reports what a single run did. The name lists follow the order of
// the remote listing, not completion order, so output is stable across runs.
type Summary struct {
	RunID           string      `json:"run_id"`
	StartedAt       time.Time   `json:"started_at"`
	FinishedAt      time.Time   `json:"finished_at"`
	DryRun          bool        `json:"dry_run,omitempty"`
	Insecure        bool        `json:"insecure,omitempty"`
	ListingEntries  int         `json:"listing_entries"`
	New             []string    `json:"new"`
	Updated         []string    `json:"updated"`
	Unchanged       []string    `json:"unchanged"`
	Failed          []FileError `json:"failed"`
	BytesDownloaded int64       `json:"bytes_downloaded"`
}

func newSummary(runID string) *Summary {
	return &Summary{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
		New:       []string{},
		Updated:   []string{},
		Unchanged: []string{},
		Failed:    []FileError{},
	}
}

// HasFailures reports whether any file failed to download during the run.
func (s *Summary) HasFailures() bool {
	return len(s.Failed) > 0
}

// Duration returns the wall time of the run.
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}
