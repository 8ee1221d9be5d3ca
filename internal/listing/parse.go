package listing

import (
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/html"
)

// Timestamp shapes emitted by the common index generators. All are read as
// UTC since listings carry no zone.
var modTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"02-Jan-2006 15:04:05",
	"02-Jan-2006 15:04",
}

var (
	modTimeRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}(:\d{2})?|\d{2}-[A-Z][a-z]{2}-\d{4} \d{2}:\d{2}(:\d{2})?`)
	sizeRe    = regexp.MustCompile(`^(-|\d+|\d+(\.\d+)?[KMGTPkmgtp])$`)
)

// Parse reads an HTML directory listing and returns its file entries in page
// order. Both table-style and preformatted indexes are understood: a row is
// a link plus the text that trails it up to the next link or row boundary,
// which is scanned for a timestamp and a size token.
//
// Rows that cannot be read completely still yield an entry with the missing
// signals unset. Parent links, sort links, and subdirectories are skipped.
// ErrNotListing is returned only when the document contains no links at all.
func Parse(pageURL string, r io.Reader) ([]Entry, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid listing URL %q: %w", pageURL, err)
	}

	var (
		entries    []Entry
		sawAnchor  bool
		inAnchor   bool
		anchorHref string
		pending    string // href of the row awaiting its trailing text
		tail       strings.Builder
	)

	finalize := func() {
		if pending == "" {
			return
		}
		if e, ok := buildEntry(base, pending, tail.String()); ok {
			entries = append(entries, e)
		}
		pending = ""
		tail.Reset()
	}

	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			finalize()
			if !sawAnchor {
				return nil, ErrNotListing
			}
			return entries, nil

		case html.StartTagToken:
			tok := z.Token()
			switch tok.Data {
			case "a":
				finalize()
				sawAnchor = true
				inAnchor = true
				for _, a := range tok.Attr {
					if a.Key == "href" {
						anchorHref = a.Val
					}
				}
			}

		case html.EndTagToken:
			tok := z.Token()
			switch tok.Data {
			case "a":
				if inAnchor {
					inAnchor = false
					pending = anchorHref
					anchorHref = ""
					tail.Reset()
				}
			case "tr":
				finalize()
			}

		case html.TextToken:
			if inAnchor {
				continue // link text is ignored, the href names the file
			}
			if pending != "" {
				tail.WriteByte(' ')
				tail.Write(z.Text())
			}
		}
	}
}

// buildEntry turns one link and its trailing text into an Entry. The second
// return is false for rows that are not files: parent and sort links,
// subdirectories, and links leaving the listing's host.
func buildEntry(base *url.URL, href, tail string) (Entry, bool) {
	ref, err := url.Parse(href)
	if err != nil {
		return Entry{}, false
	}
	resolved := base.ResolveReference(ref)

	if resolved.RawQuery != "" || resolved.Fragment != "" {
		return Entry{}, false
	}
	if resolved.Host != base.Host || resolved.Scheme != base.Scheme {
		return Entry{}, false
	}
	if strings.HasSuffix(resolved.Path, "/") {
		return Entry{}, false
	}
	// URL.Path is already percent-decoded, and path.Base cannot return a
	// string containing a separator, so the name is safe to join under the
	// download directory.
	name := path.Base(resolved.Path)
	if name == "." || name == ".." || name == "/" || name == "" {
		return Entry{}, false
	}

	e := Entry{
		Name: name,
		URL:  resolved.String(),
		Size: -1,
	}

	rest := tail
	if loc := modTimeRe.FindStringIndex(tail); loc != nil {
		e.ModTimeRaw = tail[loc[0]:loc[1]]
		rest = tail[loc[1]:]
		for _, layout := range modTimeLayouts {
			if t, err := time.Parse(layout, e.ModTimeRaw); err == nil {
				e.ModTime = t.UTC()
				break
			}
		}
	}
	for _, field := range strings.Fields(rest) {
		if !sizeRe.MatchString(field) {
			break // size follows the timestamp immediately or not at all
		}
		e.SizeRaw = field
		e.Size, e.SizeTolerance = parseSize(field)
		break
	}

	return e, true
}

// Humanized index sizes are 1024-based, so a bare suffix maps to its IEC
// unit before handing the token to humanize.
var unitBytes = map[byte]int64{
	'K': 1 << 10,
	'M': 1 << 20,
	'G': 1 << 30,
	'T': 1 << 40,
	'P': 1 << 50,
}

// parseSize parses a listing size token. It returns the size in bytes and
// the tolerance implied by the token's resolution, or (-1, 0) when the token
// carries no size.
func parseSize(tok string) (int64, int64) {
	if tok == "" || tok == "-" {
		return -1, 0
	}
	if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return n, 0
	}

	suffix := tok[len(tok)-1]
	if suffix >= 'a' && suffix <= 'z' {
		suffix -= 'a' - 'A'
	}
	unit, ok := unitBytes[suffix]
	if !ok {
		return -1, 0
	}
	num := tok[:len(tok)-1]

	n, err := humanize.ParseBytes(num + string(suffix) + "iB")
	if err != nil {
		return -1, 0
	}

	// "6.6M" means anything in [6.55M, 6.65M): half of the last printed
	// digit's place.
	resolution := float64(unit)
	if _, frac, found := strings.Cut(num, "."); found {
		for range frac {
			resolution /= 10
		}
	}
	return int64(n), int64(resolution / 2)
}
