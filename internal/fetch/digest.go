package fetch

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/listsyncd/listsyncd/internal/listing"
)

// digestHexLen maps a sidecar algorithm to its hex digest length.
var digestHexLen = map[string]int{
	"md5":    32,
	"sha256": 64,
}

// Digest fetches the entry's checksum sidecar and returns the published
// digest as "algo:hex".
func (c *Client) Digest(ctx context.Context, e listing.Entry) (string, error) {
	body, err := c.get(ctx, e.DigestURL, maxSidecarBytes)
	if err != nil {
		return "", err
	}
	return ParseDigest(e.DigestAlgo, string(body))
}

// ParseDigest extracts the digest from a checksum sidecar body. Bare hex,
// the coreutils "hex  filename" form, and the BSD "ALGO (file) = hex" form
// are all understood; the first usable line wins.
func ParseDigest(algo, body string) (string, error) {
	wantLen, ok := digestHexLen[algo]
	if !ok {
		return "", fmt.Errorf("unsupported digest algorithm %q", algo)
	}

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, after, found := strings.Cut(line, ") = "); found {
			line = after
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		hexPart := strings.ToLower(fields[0])
		if len(hexPart) != wantLen {
			return "", fmt.Errorf("malformed %s sidecar: %q", algo, line)
		}
		if _, err := hex.DecodeString(hexPart); err != nil {
			return "", fmt.Errorf("malformed %s sidecar: %q", algo, line)
		}
		return algo + ":" + hexPart, nil
	}

	return "", fmt.Errorf("empty %s sidecar", algo)
}
