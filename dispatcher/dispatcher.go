// Package dispatcher forwards a sanitized request to the upstream API
// over HTTP, streaming the response back without buffering and
// retrying bounded connection/5xx/429 failures with exponential
// backoff.
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUpstream is returned when retries are exhausted due to
// connection-level failures.
var ErrUpstream = errors.New("dispatcher: upstream unreachable")

// hopByHopHeaders are stripped before forwarding, per RFC 7230 §6.1
// plus the proxy-specific headers the gateway itself must own.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
	"Content-Length":      {},
}

// Config carries the retry policy and the 30-second per-attempt
// timeout.
type Config struct {
	RetryMax    int
	RetryBaseMS int
	Timeout     time.Duration // defaults to 30s when zero
}

// Request is the sanitized outbound call description. Body is read
// fully up front by the caller so each retry attempt can replay it
// from a fresh reader; http.Client.Do drains the previous attempt's
// reader to EOF, so reusing one reader across retries would send an
// empty body on every retry past the first.
type Request struct {
	Method  string
	URL     *url.URL
	Headers http.Header
	Body    []byte
	Secret  string // used to build the Authorization header
}

// Result is the response handed back to the caller for streaming
// relay; Body must be closed by the caller once the client has
// consumed it.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// SanitizeHeaders copies in, replacing Authorization with a bearer
// token for secret and dropping hop-by-hop and proxy-auth headers.
func SanitizeHeaders(in http.Header, secret string) http.Header {
	out := make(http.Header, len(in))
	for k, vs := range in {
		if _, skip := hopByHopHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		if http.CanonicalHeaderKey(k) == "Authorization" {
			continue
		}
		out[k] = append([]string{}, vs...)
	}
	out.Set("Authorization", "Bearer "+secret)
	return out
}

// Dispatcher issues requests against a *http.Client, applying the
// bounded retry policy.
type Dispatcher struct {
	Client *http.Client
	cfg    Config
}

// New constructs a Dispatcher. client's Timeout is expected to be
// managed per-attempt via context, not via client.Timeout, so
// in-flight streaming responses aren't cut off mid-stream.
func New(client *http.Client, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Dispatcher{Client: client, cfg: cfg}
}

// Do performs the request, retrying connection errors and 429/5xx
// responses up to RetryMax times with exponential backoff
// (RetryBaseMS * 2^attempt). The final response (success or
// non-retried failure status) is returned for streaming relay by the
// caller; retried-away responses have their bodies drained and
// closed internally.
func (d *Dispatcher) Do(ctx context.Context, req Request) (*Result, error) {
	var lastErr error

	for attempt := 0; attempt <= d.cfg.RetryMax; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		var bodyReader io.Reader
		if req.Body != nil {
			bodyReader = bytes.NewReader(req.Body)
		}
		httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL.String(), bodyReader)
		if err != nil {
			cancel()
			return nil, err
		}
		httpReq.Header = req.Headers

		resp, err := d.Client.Do(httpReq)
		if err != nil {
			cancel()
			lastErr = err
			if attempt < d.cfg.RetryMax && isRetryableErr(err) {
				sleepBackoff(ctx, d.cfg.RetryBaseMS, attempt)
				continue
			}
			return nil, ErrUpstream
		}

		if shouldRetryStatus(resp.StatusCode) && attempt < d.cfg.RetryMax {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			cancel()
			sleepBackoff(ctx, d.cfg.RetryBaseMS, attempt)
			continue
		}

		return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}}, nil
	}

	if lastErr != nil {
		return nil, ErrUpstream
	}
	return nil, ErrUpstream
}

func shouldRetryStatus(status int) bool {
	return status == 429 || (status >= 500 && status < 600)
}

func isRetryableErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func sleepBackoff(ctx context.Context, baseMS, attempt int) {
	delay := time.Duration(baseMS) * time.Millisecond
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// cancelOnCloseBody ties the per-attempt context cancellation to the
// body's lifetime, so the upstream connection is released once the
// client finishes consuming the stream or disconnects.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// BuildURL appends path and preserves query from the original
// request onto base.
func BuildURL(base string, path string, rawQuery string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, err
	}
	u.RawQuery = rawQuery
	return u, nil
}
