// Package controlplane is a client for the TynkerBase control plane.
package controlplane

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tynkerbase/tynkerbase-agent/log"
	"github.com/tynkerbase/tynkerbase-agent/wire"
)

// ErrUnauthorized is returned when the control plane rejects the credentials.
var ErrUnauthorized = errors.New("incorrect authorization")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s returned %d", e.Method, e.Path, e.Status)
	if body := strings.TrimSpace(e.Body); body != "" {
		msg += ": " + body
	}
	return msg
}

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

// Client talks to the control plane over HTTPS.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *log.Logger
}

func NewClient(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: httpClient,
		logger:     log.Get().Named("ControlPlane"),
	}
}

// Login exchanges the password hash for the salt used to derive the session key.
func (c *Client) Login(ctx context.Context, email, passSHA256 string) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/auth/login", credentialQuery(email, passSHA256), nil)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Status == http.StatusForbidden {
			return "", ErrUnauthorized
		}
		return "", errors.Wrap(err, "login")
	}
	return string(body), nil
}

// NodeNameTaken asks whether another node already uses name. The control plane
// answers "false" when the name is available.
func (c *Client) NodeNameTaken(ctx context.Context, email, passSHA256, name string) (bool, error) {
	query := credentialQuery(email, passSHA256)
	query.Set("name", name)

	body, err := c.do(ctx, http.MethodGet, "/ngrok/check-node-exists/name", query, nil)
	if err != nil {
		return false, errors.Wrap(err, "check node name")
	}
	return string(body) != "false", nil
}

// SaveTunnelToken stores an encoded crypt.Message holding the ngrok token.
func (c *Client) SaveTunnelToken(ctx context.Context, email, passSHA256 string, sealed []byte) error {
	_, err := c.do(ctx, http.MethodPost, "/ngrok/save-ng-auth", credentialQuery(email, passSHA256), sealed)
	return errors.Wrap(err, "save tunnel token")
}

// GetTunnelToken fetches the encoded crypt.Message holding the ngrok token.
func (c *Client) GetTunnelToken(ctx context.Context, email, passSHA256 string) ([]byte, error) {
	body, err := c.do(ctx, http.MethodGet, "/ngrok/get-ng-auth", credentialQuery(email, passSHA256), nil)
	if err != nil {
		return nil, errors.Wrap(err, "get tunnel token")
	}
	return body, nil
}

// PublishNode records the node's public address.
func (c *Client) PublishNode(ctx context.Context, passSHA256 string, pub wire.NodePublication) error {
	body, err := wire.Marshal(pub)
	if err != nil {
		return errors.Wrap(err, "encode node publication")
	}
	_, err = c.do(ctx, http.MethodPost, "/ngrok/add-addr", credentialQuery(pub.Email, passSHA256), body)
	return errors.Wrap(err, "publish node")
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path+"?"+query.Encode(), reader)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", wire.ContentType)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	c.logger.Debugw("Request", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: string(b)}
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s response", path)
	}
	return b, nil
}

func credentialQuery(email, passSHA256 string) url.Values {
	return url.Values{
		"email":       {email},
		"pass_sha256": {passSHA256},
	}
}
