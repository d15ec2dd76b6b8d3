package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/halyardhq/halyard/errors"
	"github.com/halyardhq/halyard/internal/httpclient"
)

// executePath is the HTTP fallback endpoint relative to the server URL.
const executePath = "/api/execute"

// ExecuteHTTP runs a prompt through the server's plain HTTP endpoint. It is
// the fallback tier used when the live connection is unavailable: a single
// blocking POST with no streamed notifications. A non-2xx status yields an
// unsuccessful ExecutionResult carrying the error field of the response body
// (or the raw body when it is not structured); a deadline expiry yields an
// unsuccessful ExecutionResult with the message "Request timeout". Neither
// is a Go error: only transport-level failures are.
func (c *Client) ExecuteHTTP(ctx context.Context, req ExecuteRequest) (*ExecutionResult, error) {
	c.httpOnce.Do(func() {
		timeout := c.opts.HTTPTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		c.http = httpclient.New(timeout)
	})

	endpoint, err := httpExecuteURL(c.serverURL)
	if err != nil {
		return nil, err
	}
	if err := c.http.ValidateURL(endpoint); err != nil {
		return nil, errors.Wrap(err, "invalid execute endpoint")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode execute request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build execute request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.credential)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return &ExecutionResult{Success: false, Error: "Request timeout"}, nil
		}
		return nil, errors.Mark(errors.Wrap(err, "HTTP execute failed"), errors.ErrConnection)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read execute response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ExecutionResult{
			Success: false,
			Error:   errorFromBody(data),
		}, nil
	}

	var result ExecutionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "malformed execute response")
	}
	return &result, nil
}

// httpExecuteURL converts the server URL (which may be a ws:// dial target)
// to the HTTP execute endpoint.
func httpExecuteURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid server URL %q", raw)
	}

	switch u.Scheme {
	case "http", "https":
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return nil, errors.Newf("unsupported server URL scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + executePath
	return u, nil
}

// errorFromBody pulls the error field out of a structured error payload,
// falling back to the raw body for plain-text responses.
func errorFromBody(data []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
