// Package transport sends live and replayed requests to the payroll server
// and classifies their outcome as success, RemoteRejection or TransportError.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/payrollsync/internal/errors"
	"github.com/kimhsiao/payrollsync/internal/models"
	"github.com/kimhsiao/payrollsync/internal/sync/codec"
)

// maxResponseBody caps how much of a response body is kept in memory.
const maxResponseBody = 1 << 20

// maxRejectionDetail caps the response snippet included in a rejection message.
const maxRejectionDetail = 200

// Request is one request ready to be sent.
type Request struct {
	Target  string
	Method  string
	Headers []models.Header
	Body    codec.Body
}

// Response is a completed HTTP exchange.
type Response struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"-"`
	Body       []byte      `json:"body,omitempty"`
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Replayer sends a request.
//
// It returns (resp, nil) for a 2xx response, (resp, REMOTE_REJECTION) for
// any other response, and (nil, TRANSPORT_ERROR) when no response arrived.
type Replayer interface {
	Replay(ctx context.Context, req Request) (*Response, error)
}

// HTTPReplayer implements Replayer over net/http.
type HTTPReplayer struct {
	client  *http.Client
	baseURL *url.URL
}

// NewHTTPReplayer creates a replayer that resolves relative targets against
// baseURL. A zero timeout leaves the client without a deadline.
func NewHTTPReplayer(baseURL string, timeout time.Duration) (*HTTPReplayer, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "invalid server base URL", err)
	}
	return &HTTPReplayer{
		client:  &http.Client{Timeout: timeout},
		baseURL: base,
	}, nil
}

// WithClient replaces the underlying HTTP client.
func (r *HTTPReplayer) WithClient(client *http.Client) *HTTPReplayer {
	r.client = client
	return r
}

// Resolve returns the absolute URL for target.
func (r *HTTPReplayer) Resolve(target string) (string, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	if r.baseURL == nil {
		return ref.String(), nil
	}
	return r.baseURL.ResolveReference(ref).String(), nil
}

// Replay sends req and classifies the outcome.
func (r *HTTPReplayer) Replay(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := r.build(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransport, fmt.Sprintf("%s %s", req.Method, req.Target), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransport, "failed to read response body", err)
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	if !out.OK() {
		return out, apperrors.Rejection(resp.StatusCode, rejectionMessage(resp.StatusCode, body))
	}
	return out, nil
}

func (r *HTTPReplayer) build(ctx context.Context, req Request) (*http.Request, error) {
	target, err := r.Resolve(req.Target)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid request target", err)
	}

	body, contentType, err := codec.Encode(req.Body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid request", err)
	}

	for _, h := range req.Headers {
		httpReq.Header.Add(h.Name, h.Value)
	}

	// The multipart boundary is regenerated on every encode, so the stored
	// Content-Type can never be reused for it.
	if contentType != "" {
		if req.Body.Kind() == models.BodyMultipart || httpReq.Header.Get("Content-Type") == "" {
			httpReq.Header.Set("Content-Type", contentType)
		}
	}

	return httpReq, nil
}

func rejectionMessage(status int, body []byte) string {
	msg := fmt.Sprintf("HTTP %d", status)
	detail := strings.TrimSpace(string(body))
	if detail == "" {
		return msg
	}
	return msg + ": " + models.TruncateError(detail, maxRejectionDetail)
}
