package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	igerrors "github.com/randalmurphal/ingestguard/pkg/ingestguard/errors"
)

// maxErrorBody bounds how much of a failed response lands in an error message.
const maxErrorBody = 512

// HTTPClient posts to downstream endpoints and turns non-2xx responses into
// *errors.DownstreamError, so 429 and 5xx are retried and other 4xx are not.
type HTTPClient struct {
	client *http.Client
	header http.Header
}

// NewHTTPClient creates a client with the given per-request timeout. header
// is added to every request.
func NewHTTPClient(timeout time.Duration, header http.Header) *HTTPClient {
	if header == nil {
		header = http.Header{}
	}
	return &HTTPClient{
		client: &http.Client{Timeout: timeout},
		header: header,
	}
}

// PostJSON posts body as application/json and returns the response body.
func (c *HTTPClient) PostJSON(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	return c.post(ctx, endpoint, "application/json", bytes.NewReader(body))
}

// PostForm posts form url-encoded and returns the response body.
func (c *HTTPClient) PostForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	return c.post(ctx, endpoint, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
}

func (c *HTTPClient) post(ctx context.Context, endpoint, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, igerrors.Permanent(err, "build request")
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		// A client timeout is worth retrying; the caller's own deadline is not.
		var netErr net.Error
		if ctx.Err() == nil && errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &igerrors.TimeoutError{Endpoint: endpoint, After: c.client.Timeout}
		}
		return nil, fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(data)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &igerrors.DownstreamError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: msg}
	}
	return data, nil
}
