package filter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// defaultKeyfileTTL keeps keyfile reads cheap without letting edits go
// unnoticed for long.
const defaultKeyfileTTL = time.Minute

// newKeyfileSource builds a source over an authorized_keys formatted
// file. Membership is a blob match against any parseable line;
// comments, options and unparseable lines are skipped with no error so
// one bad line cannot disable the rest of the file.
func newKeyfileSource(path string) *Source {
	expanded := expandTilde(path)
	return newSource("keyfile:"+expanded, defaultKeyfileTTL, func(_ context.Context) ([][]byte, error) {
		data, err := os.ReadFile(expanded)
		if err != nil {
			return nil, fmt.Errorf("reading keyfile: %w", err)
		}
		return parseAuthorizedKeys(data), nil
	})
}

// parseAuthorizedKeys extracts the key blobs from authorized_keys
// data. ssh.ParseAuthorizedKey already handles option prefixes and
// trailing comments.
func parseAuthorizedKeys(data []byte) [][]byte {
	var blobs [][]byte
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			continue
		}
		blobs = append(blobs, key.Marshal())
	}
	return blobs
}

func expandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
