package rpc

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"github.com/WebFirstLanguage/hivefs/pkg/repo"
	"github.com/WebFirstLanguage/hivefs/pkg/rpc/httpd"
	"github.com/WebFirstLanguage/hivefs/pkg/transport"
)

// dialAttempts bounds connection retries before giving up
const dialAttempts = 4

// Remote is a connected peer repository: the repository operations
// plus session management.
type Remote interface {
	repo.Repo
	Close() error
}

// Connect reaches a peer by URL. HTTP peers speak the endpoint set;
// every other scheme is a stream transport carrying the session
// protocol. Dialing retries with backoff before failing.
func Connect(ctx context.Context, rawURL string, cfg *transport.Config) (Remote, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid peer URL %q: %w", rawURL, err)
	}

	if u.Scheme == "http" || u.Scheme == "https" {
		return httpd.NewClient(rawURL), nil
	}

	b := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		conn, err := transport.DefaultRegistry.DialURL(ctx, rawURL, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		remote, err := NewRemoteRepo(conn)
		if err != nil {
			lastErr = err
			continue
		}
		return remote, nil
	}
	return nil, fmt.Errorf("failed to connect to %s after %d attempts: %w",
		redacted(rawURL), dialAttempts, lastErr)
}

// redacted strips userinfo from a URL for error messages
func redacted(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.User = nil
	return strings.TrimSuffix(u.String(), "/")
}
