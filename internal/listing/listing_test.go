package listing

import (
	"testing"
)

func TestAttachDigests(t *testing.T) {
	entries := []Entry{
		{Name: "data.tar.gz", URL: "https://h/data.tar.gz"},
		{Name: "data.tar.gz.sha256", URL: "https://h/data.tar.gz.sha256"},
		{Name: "legacy.zip", URL: "https://h/legacy.zip"},
		{Name: "legacy.zip.md5", URL: "https://h/legacy.zip.md5"},
		{Name: "orphan.iso.sha256", URL: "https://h/orphan.iso.sha256"},
		{Name: "plain.txt", URL: "https://h/plain.txt"},
	}

	out := AttachDigests(entries)

	wantNames := []string{"data.tar.gz", "legacy.zip", "orphan.iso.sha256", "plain.txt"}
	if len(out) != len(wantNames) {
		t.Fatalf("expected %d entries, got %d", len(wantNames), len(out))
	}
	for i, want := range wantNames {
		if out[i].Name != want {
			t.Errorf("entry %d = %s, want %s", i, out[i].Name, want)
		}
	}

	if out[0].DigestURL != "https://h/data.tar.gz.sha256" || out[0].DigestAlgo != "sha256" {
		t.Errorf("data.tar.gz digest ref = %s/%s", out[0].DigestURL, out[0].DigestAlgo)
	}
	if out[1].DigestURL != "https://h/legacy.zip.md5" || out[1].DigestAlgo != "md5" {
		t.Errorf("legacy.zip digest ref = %s/%s", out[1].DigestURL, out[1].DigestAlgo)
	}
	// A sidecar without its base file stays a plain entry
	if out[2].DigestURL != "" {
		t.Errorf("orphan sidecar should not reference itself")
	}
	if out[3].DigestURL != "" || out[3].DigestAlgo != "" {
		t.Errorf("plain.txt should have no digest ref")
	}
}

func TestFilter(t *testing.T) {
	entries := []Entry{
		{Name: "lsr.mysqldump.gz"},
		{Name: "lsr-snippets-2024.tar.gz"},
		{Name: "README.html"},
		{Name: "index.tmp"},
	}

	tests := []struct {
		name     string
		patterns []string
		want     []string
	}{
		{
			name:     "single pattern",
			patterns: []string{"*.mysqldump.gz"},
			want:     []string{"lsr.mysqldump.gz"},
		},
		{
			name:     "multiple patterns preserve listing order",
			patterns: []string{"*-snippets-*.tar.gz", "*.mysqldump.gz"},
			want:     []string{"lsr.mysqldump.gz", "lsr-snippets-2024.tar.gz"},
		},
		{
			name:     "match everything",
			patterns: []string{"*"},
			want:     []string{"lsr.mysqldump.gz", "lsr-snippets-2024.tar.gz", "README.html", "index.tmp"},
		},
		{
			name:     "no patterns match nothing",
			patterns: nil,
			want:     nil,
		},
		{
			name:     "no hits",
			patterns: []string{"*.zip"},
			want:     nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Filter(entries, tt.patterns)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(got), len(tt.want))
			}
			for i, want := range tt.want {
				if got[i].Name != want {
					t.Errorf("entry %d = %s, want %s", i, got[i].Name, want)
				}
			}
		})
	}
}
