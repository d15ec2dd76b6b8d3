// Package httpclient provides a hardened http.Client for calls to remote
// agent endpoints.
package httpclient

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/halyardhq/halyard/errors"
)

// SaferClient wraps http.Client with scheme validation and a redirect cap.
// Remote endpoints are operator-configured, so private addresses are allowed;
// the guard here is against redirect loops and scheme confusion.
type SaferClient struct {
	*http.Client
	allowedSchemes []string
	maxRedirects   int
}

// Options customizes SaferClient behavior.
type Options struct {
	AllowedSchemes []string // Default: ["http", "https"]
	MaxRedirects   *int     // Default: 5
}

// New creates a SaferClient with the given total request timeout.
func New(timeout time.Duration) *SaferClient {
	return NewWithOptions(timeout, Options{})
}

// NewWithOptions creates a SaferClient with custom options.
func NewWithOptions(timeout time.Duration, opts Options) *SaferClient {
	maxRedirects := 5
	if opts.MaxRedirects != nil {
		maxRedirects = *opts.MaxRedirects
	}

	allowedSchemes := []string{"http", "https"}
	if opts.AllowedSchemes != nil {
		allowedSchemes = opts.AllowedSchemes
	}

	client := &SaferClient{
		Client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		allowedSchemes: allowedSchemes,
		maxRedirects:   maxRedirects,
	}

	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= client.maxRedirects {
			return errors.Newf("stopped after %d redirects", client.maxRedirects)
		}
		if err := client.ValidateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	return client
}

// ValidateURL validates a URL before making a request.
func (c *SaferClient) ValidateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range c.allowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Newf("scheme %q not allowed (allowed: %v)", scheme, c.allowedSchemes)
	}

	if u.User != nil {
		// Credential injection or URL confusion: http://evil.com@target/
		return errors.New("URL must not carry userinfo")
	}

	if u.Hostname() == "" {
		return errors.New("URL missing hostname")
	}

	return nil
}
