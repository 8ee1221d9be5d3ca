package listing

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const apacheTableIndex = `<!DOCTYPE HTML PUBLIC "-//W3C//DTD HTML 3.2 Final//EN">
<html>
 <head>
  <title>Index of /download</title>
 </head>
 <body>
<h1>Index of /download</h1>
  <table>
   <tr><th valign="top">&nbsp;</th><th><a href="?C=N;O=D">Name</a></th><th><a href="?C=M;O=A">Last modified</a></th><th><a href="?C=S;O=A">Size</a></th><th><a href="?C=D;O=A">Description</a></th></tr>
   <tr><th colspan="5"><hr></th></tr>
<tr><td valign="top">&nbsp;</td><td><a href="/">Parent Directory</a></td><td>&nbsp;</td><td align="right">  - </td><td>&nbsp;</td></tr>
<tr><td valign="top">&nbsp;</td><td><a href="lsr.mysqldump.gz">lsr.mysqldump.gz</a></td><td align="right">2024-01-15 12:30  </td><td align="right">6.6M</td><td>&nbsp;</td></tr>
<tr><td valign="top">&nbsp;</td><td><a href="lsr.mysqldump.gz.sha256">lsr.mysqldump.gz.sha256</a></td><td align="right">2024-01-15 12:31  </td><td align="right"> 65 </td><td>&nbsp;</td></tr>
<tr><td valign="top">&nbsp;</td><td><a href="archive/">archive/</a></td><td align="right">2024-01-10 09:00  </td><td align="right">  - </td><td>&nbsp;</td></tr>
   <tr><th colspan="5"><hr></th></tr>
</table>
<address>Apache/2.4.41 (Ubuntu) Server at downloads.example.org Port 443</address>
</body></html>
`

func TestParseApacheTable(t *testing.T) {
	entries, err := Parse("https://downloads.example.org/download/", strings.NewReader(apacheTableIndex))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(entries) != 2 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name)
		}
		t.Fatalf("expected 2 entries, got %d: %v", len(entries), names)
	}

	dump := entries[0]
	if dump.Name != "lsr.mysqldump.gz" {
		t.Errorf("Name = %s", dump.Name)
	}
	if dump.URL != "https://downloads.example.org/download/lsr.mysqldump.gz" {
		t.Errorf("URL = %s", dump.URL)
	}
	if dump.SizeRaw != "6.6M" {
		t.Errorf("SizeRaw = %q", dump.SizeRaw)
	}
	if dump.Size != 6920601 {
		t.Errorf("Size = %d, want 6920601", dump.Size)
	}
	if dump.SizeTolerance != 52428 {
		t.Errorf("SizeTolerance = %d, want 52428", dump.SizeTolerance)
	}
	if dump.ModTimeRaw != "2024-01-15 12:30" {
		t.Errorf("ModTimeRaw = %q", dump.ModTimeRaw)
	}
	wantMTime := time.Date(2024, 1, 15, 12, 30, 0, 0, time.UTC)
	if !dump.ModTime.Equal(wantMTime) {
		t.Errorf("ModTime = %s, want %s", dump.ModTime, wantMTime)
	}

	sidecar := entries[1]
	if sidecar.Name != "lsr.mysqldump.gz.sha256" {
		t.Errorf("Name = %s", sidecar.Name)
	}
	if sidecar.Size != 65 || sidecar.SizeTolerance != 0 {
		t.Errorf("Size = %d tol %d, want 65 tol 0", sidecar.Size, sidecar.SizeTolerance)
	}
}

const nginxPreIndex = `<html>
<head><title>Index of /download/</title></head>
<body>
<h1>Index of /download/</h1><hr><pre><a href="../">../</a>
<a href="snapshot-2024-01-15.tar.gz">snapshot-2024-01-15.tar.gz</a>                 15-Jan-2024 12:30            14318520
<a href="notes%20v2.txt">notes v2.txt</a>                                      14-Jan-2024 08:01                 512
</pre><hr></body>
</html>
`

func TestParseNginxPre(t *testing.T) {
	entries, err := Parse("https://downloads.example.org/download/", strings.NewReader(nginxPreIndex))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	snap := entries[0]
	if snap.Name != "snapshot-2024-01-15.tar.gz" {
		t.Errorf("Name = %s", snap.Name)
	}
	if snap.SizeRaw != "14318520" || snap.Size != 14318520 || snap.SizeTolerance != 0 {
		t.Errorf("size = %q/%d/%d", snap.SizeRaw, snap.Size, snap.SizeTolerance)
	}
	if snap.ModTimeRaw != "15-Jan-2024 12:30" {
		t.Errorf("ModTimeRaw = %q", snap.ModTimeRaw)
	}
	wantMTime := time.Date(2024, 1, 15, 12, 30, 0, 0, time.UTC)
	if !snap.ModTime.Equal(wantMTime) {
		t.Errorf("ModTime = %s, want %s", snap.ModTime, wantMTime)
	}

	// Percent-encoded names come back decoded
	if entries[1].Name != "notes v2.txt" {
		t.Errorf("Name = %q, want %q", entries[1].Name, "notes v2.txt")
	}
	if entries[1].URL != "https://downloads.example.org/download/notes%20v2.txt" {
		t.Errorf("URL = %s", entries[1].URL)
	}
}

func TestParseNotListing(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "plain text",
			body: "503 Service Unavailable\nTry again later.\n",
		},
		{
			name: "json error page",
			body: `{"error": "not found"}`,
		},
		{
			name: "html without links",
			body: "<html><body><p>Maintenance in progress</p></body></html>",
		},
		{
			name: "empty document",
			body: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("https://downloads.example.org/download/", strings.NewReader(tt.body))
			if !errors.Is(err, ErrNotListing) {
				t.Errorf("expected ErrNotListing, got %v", err)
			}
		})
	}
}

func TestParseEmptyListing(t *testing.T) {
	// A freshly created directory still renders parent and sort links
	body := `<html><body><table>
<tr><th><a href="?C=N;O=D">Name</a></th></tr>
<tr><td><a href="/">Parent Directory</a></td></tr>
</table></body></html>`

	entries, err := Parse("https://downloads.example.org/download/", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}

func TestParseRowFaultTolerance(t *testing.T) {
	body := `<html><body><pre>
<a href="good.tar.gz">good.tar.gz</a>  15-Jan-2024 12:30  1024
<a href="mangled.bin">mangled.bin</a>  sometime around noon
</pre></body></html>`

	entries, err := Parse("https://downloads.example.org/download/", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	mangled := entries[1]
	if mangled.Name != "mangled.bin" {
		t.Errorf("Name = %s", mangled.Name)
	}
	// The unreadable row survives with its signals unset
	if mangled.Size != -1 || mangled.SizeRaw != "" {
		t.Errorf("size = %d/%q, want unknown", mangled.Size, mangled.SizeRaw)
	}
	if !mangled.ModTime.IsZero() || mangled.ModTimeRaw != "" {
		t.Errorf("mtime = %s/%q, want unknown", mangled.ModTime, mangled.ModTimeRaw)
	}
}

func TestParseSkipsForeignLinks(t *testing.T) {
	body := `<html><body><pre>
<a href="https://mirror.example.net/other.gz">other.gz</a>  15-Jan-2024 12:30  1024
<a href="#top">top</a>
<a href="local.gz">local.gz</a>  15-Jan-2024 12:30  1024
</pre></body></html>`

	entries, err := Parse("https://downloads.example.org/download/", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "local.gz" {
		t.Fatalf("expected only local.gz, got %+v", entries)
	}
}

func TestParseSecondsTimestamps(t *testing.T) {
	body := `<html><body><pre>
<a href="a.gz">a.gz</a>  2024-01-15 12:30:45  10
</pre></body></html>`

	entries, err := Parse("https://downloads.example.org/download/", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	want := time.Date(2024, 1, 15, 12, 30, 45, 0, time.UTC)
	if !entries[0].ModTime.Equal(want) {
		t.Errorf("ModTime = %s, want %s", entries[0].ModTime, want)
	}
	if entries[0].ModTimeRaw != "2024-01-15 12:30:45" {
		t.Errorf("ModTimeRaw = %q", entries[0].ModTimeRaw)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		tok     string
		want    int64
		wantTol int64
	}{
		{tok: "-", want: -1, wantTol: 0},
		{tok: "", want: -1, wantTol: 0},
		{tok: "0", want: 0, wantTol: 0},
		{tok: "1024", want: 1024, wantTol: 0},
		{tok: "4.0K", want: 4096, wantTol: 51},
		{tok: "123K", want: 125952, wantTol: 512},
		{tok: "6.6M", want: 6920601, wantTol: 52428},
		{tok: "1.2G", want: 1288490188, wantTol: 53687091},
		{tok: "2T", want: 2199023255552, wantTol: 549755813888},
		{tok: "junk", want: -1, wantTol: 0},
	}

	for _, tt := range tests {
		t.Run(tt.tok, func(t *testing.T) {
			got, tol := parseSize(tt.tok)
			if got != tt.want {
				t.Errorf("parseSize(%q) = %d, want %d", tt.tok, got, tt.want)
			}
			if tol != tt.wantTol {
				t.Errorf("parseSize(%q) tolerance = %d, want %d", tt.tok, tol, tt.wantTol)
			}
		})
	}
}
