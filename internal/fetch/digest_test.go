package fetch

import (
	"strings"
	"testing"
)

func TestParseDigest(t *testing.T) {
	sha := strings.Repeat("ab", 32)
	md5sum := strings.Repeat("cd", 16)

	tests := []struct {
		name    string
		algo    string
		body    string
		want    string
		wantErr bool
	}{
		{
			name: "bare hex",
			algo: "sha256",
			body: sha + "\n",
			want: "sha256:" + sha,
		},
		{
			name: "coreutils format",
			algo: "sha256",
			body: sha + "  data.tar.gz\n",
			want: "sha256:" + sha,
		},
		{
			name: "coreutils binary marker",
			algo: "sha256",
			body: sha + " *data.tar.gz\n",
			want: "sha256:" + sha,
		},
		{
			name: "bsd format",
			algo: "sha256",
			body: "SHA256 (data.tar.gz) = " + sha + "\n",
			want: "sha256:" + sha,
		},
		{
			name: "uppercase hex is normalized",
			algo: "sha256",
			body: strings.ToUpper(sha) + "\n",
			want: "sha256:" + sha,
		},
		{
			name: "md5",
			algo: "md5",
			body: md5sum + "  data.tar.gz\n",
			want: "md5:" + md5sum,
		},
		{
			name: "leading comment and blank lines",
			algo: "sha256",
			body: "# checksum\n\n" + sha + "  data.tar.gz\n",
			want: "sha256:" + sha,
		},
		{
			name:    "wrong length",
			algo:    "sha256",
			body:    md5sum + "\n",
			wantErr: true,
		},
		{
			name:    "not hex",
			algo:    "md5",
			body:    strings.Repeat("zz", 16) + "\n",
			wantErr: true,
		},
		{
			name:    "empty body",
			algo:    "sha256",
			body:    "\n\n",
			wantErr: true,
		},
		{
			name:    "unsupported algorithm",
			algo:    "crc32",
			body:    "12345678\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDigest(tt.algo, tt.body)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDigest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseDigest() = %q, want %q", got, tt.want)
			}
		})
	}
}
