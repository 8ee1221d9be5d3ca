// Package listing parses HTML directory-index pages into file entries.
package listing

import (
	"errors"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrNotListing is returned when a document does not resemble a directory
// listing at all.
var ErrNotListing = errors.New("document is not a directory listing")

// Entry is one file row of a remote directory listing.
type Entry struct {
	// Name is the filename, taken from the link target.
	Name string
	// URL is the absolute download URL, resolved against the page URL.
	URL string

	// SizeRaw and ModTimeRaw hold the listing's tokens verbatim, e.g.
	// "6.6M" and "2024-01-15 12:30". Empty when the row had none.
	SizeRaw    string
	ModTimeRaw string

	// Size is the parsed size in bytes, -1 when unknown. SizeTolerance is
	// half the resolution of a humanized token ("6.6M" resolves to 0.1 MiB,
	// so the true size may differ by up to ~52 KiB); 0 for exact counts.
	Size          int64
	SizeTolerance int64

	// ModTime is the parsed modification time, zero when unknown. Listing
	// timestamps carry no zone; they are read as UTC.
	ModTime time.Time

	// DigestURL and DigestAlgo are set when the listing carries a checksum
	// sidecar for this file (name.sha256 or name.md5). Digest holds the
	// resolved value as "algo:hex" once the sidecar has been fetched.
	DigestURL  string
	DigestAlgo string
	Digest     string
}

// sidecar suffixes recognized as checksum files for a base entry.
var digestSuffixes = []string{".sha256", ".md5"}

// AttachDigests pairs checksum sidecar entries with their base entries.
// A row named "data.tar.gz.sha256" is removed from the result and recorded
// on the "data.tar.gz" entry as a digest reference. Sidecars without a base
// entry in the same listing pass through unchanged.
func AttachDigests(entries []Entry) []Entry {
	byName := make(map[string]int, len(entries))
	for i, e := range entries {
		byName[e.Name] = i
	}

	// Attach refs before collecting: a sidecar usually sorts after its base,
	// so the base must not be copied out until every row has been seen.
	paired := make(map[int]bool)
	for i, e := range entries {
		algo := ""
		for _, suf := range digestSuffixes {
			if strings.HasSuffix(e.Name, suf) {
				algo = strings.TrimPrefix(suf, ".")
				break
			}
		}
		if algo == "" {
			continue
		}
		idx, ok := byName[strings.TrimSuffix(e.Name, "."+algo)]
		if !ok {
			continue
		}
		entries[idx].DigestURL = e.URL
		entries[idx].DigestAlgo = algo
		paired[i] = true
	}

	out := make([]Entry, 0, len(entries))
	for i, e := range entries {
		if paired[i] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Filter returns the entries whose name matches at least one pattern,
// preserving listing order. An empty pattern list matches nothing.
func Filter(entries []Entry, patterns []string) []Entry {
	var out []Entry
	for _, e := range entries {
		for _, p := range patterns {
			ok, err := doublestar.Match(p, e.Name)
			if err != nil {
				continue
			}
			if ok {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
