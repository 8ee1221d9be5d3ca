// Package diff classifies remote listing entries against the registry and
// decides which files a run must download.
package diff

import (
	"os"
	"strings"
	"time"

	"github.com/listsyncd/listsyncd/internal/listing"
	"github.com/listsyncd/listsyncd/internal/registry"
)

// Status classifies one listing entry relative to the registry.
type Status string

const (
	StatusNew       Status = "new"
	StatusUpdated   Status = "updated"
	StatusUnchanged Status = "unchanged"
	// StatusUnknown means a record exists but none of the entry's signals
	// could be compared with it. Unknown entries are re-fetched.
	StatusUnknown Status = "unknown"
)

// Decision is the outcome of classifying one entry.
type Decision struct {
	Status Status
	Reason string
}

// Reasons attached to fetch decisions.
const (
	ReasonNewFile      = "new file"
	ReasonHashChanged  = "content hash changed"
	ReasonSizeChanged  = "size changed"
	ReasonMTimeChanged = "modified date changed"
	ReasonNoSignals    = "no comparable signals"
	ReasonLocalMissing = "local file missing"
)

// Classify compares one listing entry against its stored record. Signals are
// consulted in order hash, size, mtime. The hash decides alone when both
// sides carry one with the same algorithm, whether equal or not. The weaker
// signals only escalate: an equal size still lets a differing mtime flag the
// entry. With no comparable signal at all the entry is Unknown.
func Classify(e listing.Entry, rec *registry.Record) Decision {
	if rec == nil {
		return Decision{Status: StatusNew, Reason: ReasonNewFile}
	}

	if e.Digest != "" && rec.ContentHash != "" && sameAlgo(e.Digest, rec.ContentHash) {
		if e.Digest == rec.ContentHash {
			return Decision{Status: StatusUnchanged}
		}
		return Decision{Status: StatusUpdated, Reason: ReasonHashChanged}
	}

	compared := false

	if ok, equal := sizeEqual(e, rec); ok {
		if !equal {
			return Decision{Status: StatusUpdated, Reason: ReasonSizeChanged}
		}
		compared = true
	}

	if ok, equal := mtimeEqual(e, rec); ok {
		if !equal {
			return Decision{Status: StatusUpdated, Reason: ReasonMTimeChanged}
		}
		compared = true
	}

	if !compared {
		return Decision{Status: StatusUnknown, Reason: ReasonNoSignals}
	}
	return Decision{Status: StatusUnchanged}
}

// sameAlgo reports whether two "algo:hex" digests use the same algorithm.
// Digests with differing algorithms cannot be compared and fall through to
// the weaker signals.
func sameAlgo(a, b string) bool {
	pa, _, okA := strings.Cut(a, ":")
	pb, _, okB := strings.Cut(b, ":")
	return okA && okB && pa == pb
}

// sizeEqual reports whether the size signal is comparable (ok) and equal.
// When both the entry and the record carry a raw listing token the tokens
// compare directly, so a listing that rounds ("6.6M") never disagrees with
// itself run over run. Otherwise parsed bytes compare within the token's
// resolution; exact byte counts compare strictly.
func sizeEqual(e listing.Entry, rec *registry.Record) (ok, equal bool) {
	if e.SizeRaw != "" && rec.ListedSize != "" {
		return true, e.SizeRaw == rec.ListedSize
	}
	if e.Size < 0 {
		return false, false
	}
	d := e.Size - rec.Size
	if d < 0 {
		d = -d
	}
	return true, d <= e.SizeTolerance
}

// mtimeEqual reports whether the mtime signal is comparable (ok) and equal.
// Raw tokens win for the same reason as sizes. Otherwise instants compare at
// the listing's granularity, a minute unless the token carried seconds.
func mtimeEqual(e listing.Entry, rec *registry.Record) (ok, equal bool) {
	if e.ModTimeRaw != "" && rec.ListedModTime != "" {
		return true, e.ModTimeRaw == rec.ListedModTime
	}
	if e.ModTime.IsZero() || rec.ModifiedAt.IsZero() {
		return false, false
	}
	granularity := time.Minute
	if strings.Count(e.ModTimeRaw, ":") > 1 {
		granularity = time.Second
	}
	return true, e.ModTime.Truncate(granularity).Equal(rec.ModifiedAt.UTC().Truncate(granularity))
}

// Plan is the ordered set of work decided for a run.
type Plan struct {
	Fetch     []Candidate
	Unchanged []string
}

// Candidate is one entry the run will download, with the reason it was
// selected.
type Candidate struct {
	Entry  listing.Entry
	Status Status
	Reason string
}

// BuildPlan classifies every entry and returns the fetch plan in listing
// order. An entry whose record points at a local payload that no longer
// exists is re-fetched even when its signals match. Registry records absent
// from the listing are left untouched.
func BuildPlan(entries []listing.Entry, reg *registry.Registry) Plan {
	var plan Plan
	for _, e := range entries {
		var rec *registry.Record
		if r, ok := reg.Files[e.Name]; ok {
			rec = &r
		}
		d := Classify(e, rec)

		if d.Status == StatusUnchanged {
			if _, err := os.Stat(rec.LocalPath); err != nil {
				d = Decision{Status: StatusUpdated, Reason: ReasonLocalMissing}
			}
		}

		if d.Status == StatusUnchanged {
			plan.Unchanged = append(plan.Unchanged, e.Name)
			continue
		}
		plan.Fetch = append(plan.Fetch, Candidate{Entry: e, Status: d.Status, Reason: d.Reason})
	}
	return plan
}
