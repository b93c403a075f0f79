// Package transport is the HTTP collaborator used by the session layer. It
// deals in fully buffered requests and responses so that a request can be
// cloned and resent.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	serrors "github.com/pilab-dev/civic-session/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Request is a buffered outbound call relative to the server base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// NewRequest builds a Request with an empty header set.
func NewRequest(method, path string, body []byte) *Request {
	return &Request{Method: method, Path: path, Header: make(http.Header), Body: body}
}

// Clone returns a deep copy; mutating the clone never affects r.
func (r *Request) Clone() *Request {
	c := &Request{
		Method: r.Method,
		Path:   r.Path,
		Header: r.Header.Clone(),
	}
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	if r.Query != nil {
		c.Query = make(url.Values, len(r.Query))
		for k, v := range r.Query {
			c.Query[k] = append([]string(nil), v...)
		}
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return c
}

// Response is a fully read server response.
type Response struct {
	Status     int
	Header     http.Header
	Body       []byte
	ServerTime time.Time // From the Date header, or the local receive time
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Doer sends a request and returns the response. Network level failures are
// returned as *errors.NetworkError; any HTTP status is a successful Do.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// HTTPTransport is a Doer backed by net/http.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// NewHTTPTransport creates a transport rooted at baseURL. A nil client uses a
// client with the given timeout.
func NewHTTPTransport(baseURL string, client *http.Client, timeout time.Duration) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		now:     time.Now,
	}
}

// Do implements Doer.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	target := t.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	op := req.Method + " " + req.Path
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request %s: %w", op, err)
	}
	for k, v := range req.Header {
		httpReq.Header[k] = append([]string(nil), v...)
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &serrors.NetworkError{Op: op, Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &serrors.NetworkError{Op: op, Err: err}
	}

	return &Response{
		Status:     httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
		ServerTime: ServerTime(httpResp.Header, t.now),
	}, nil
}

// ServerTime parses the Date header, falling back to now().
func ServerTime(h http.Header, now func() time.Time) time.Time {
	if d := h.Get("Date"); d != "" {
		if ts, err := http.ParseTime(d); err == nil {
			return ts
		}
	}
	return now()
}
