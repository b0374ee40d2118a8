package filter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultGitHubTTL is how long a fetched key set stays fresh.
	DefaultGitHubTTL = time.Hour

	// DefaultGitHubTimeout bounds one fetch of a user's key listing.
	DefaultGitHubTimeout = 10 * time.Second

	// maxGitHubResponse caps the body read from github.com; a key
	// listing is a few KB at most.
	maxGitHubResponse = 1 << 20
)

// newGitHubSource builds a source over a GitHub user's published keys
// (https://github.com/<user>.keys). Membership is a blob match against
// any key in the listing.
func newGitHubSource(username string, ttl time.Duration, client *http.Client) *Source {
	if client == nil {
		client = &http.Client{Timeout: DefaultGitHubTimeout}
	}
	url := fmt.Sprintf("https://github.com/%s.keys", username)

	return newSource("github:"+username, ttl, func(ctx context.Context) ([][]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetching %s: status %s", url, resp.Status)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxGitHubResponse))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", url, err)
		}
		return parseAuthorizedKeys(body), nil
	})
}
