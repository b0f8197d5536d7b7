package tunnel

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/tynkerbase/tynkerbase-agent/stats"
)

// ErrDiscoveryTimeout is returned when ngrok never reports a public URL.
var ErrDiscoveryTimeout = errors.New("timed out waiting for the ngrok public URL")

// discoveryPolls is how many times the admin API is asked for the URL.
const discoveryPolls = 10

const publicURLKey = `"public_url":"`

// ParsePublicURL returns the value of the first "public_url" field in an
// ngrok admin API response.
func ParsePublicURL(body string) (string, bool) {
	_, rest, ok := strings.Cut(body, publicURLKey)
	if !ok {
		return "", false
	}
	url, _, ok := strings.Cut(rest, `","`)
	if !ok {
		url, _, ok = strings.Cut(rest, `"`)
	}
	if !ok || url == "" {
		return "", false
	}
	return url, true
}

// discoverPublicURL polls the ngrok admin API every timeout/10, up to 10 times.
// Each poll, the first included, comes one interval after the previous step.
func discoverPublicURL(ctx context.Context, client *http.Client, adminURL string, timeout time.Duration) (string, error) {
	lifecycle := getCtxLifecycle(ctx)
	interval := timeout / discoveryPolls

	var publicURL string
	attempt := 0
	poll := func() error {
		attempt++
		body, err := fetchTunnels(ctx, client, adminURL, interval)
		if err != nil {
			lifecycle.BootEvent("admin_poll_failed", stats.Tags{"attempt": attempt})
			return err
		}
		url, ok := ParsePublicURL(body)
		if !ok {
			lifecycle.BootEvent("admin_poll_empty", stats.Tags{"attempt": attempt})
			return errors.New("no public_url yet")
		}
		publicURL = url
		return nil
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(interval):
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), discoveryPolls-1), ctx)
	if err := backoff.Retry(poll, b); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errors.Wrapf(ErrDiscoveryTimeout, "after %d polls of %s: %s", attempt, adminURL, err)
	}
	return publicURL, nil
}

func fetchTunnels(ctx context.Context, client *http.Client, adminURL string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, adminURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
