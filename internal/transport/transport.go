// Package transport submits capture bundles to the verification backend
// over HTTPS. Uploads are single multipart requests; there is no partial
// resume, so a failed transfer restarts from byte zero on retry.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/LucaDeLeo/realitycam-sub011/internal/bundle"
)

// Multipart part names expected by the backend.
const (
	partMedia     = "media"
	partDepth     = "depth"
	partMetadata  = "metadata"
	partAssertion = "assertion"
)

const defaultTimeout = 2 * time.Minute

// Receipt is the backend's acknowledgement of an accepted capture.
type Receipt struct {
	CaptureID       string `json:"capture_id"`
	VerificationURL string `json:"verification_url"`
}

// ProgressFunc reports bytes written of the total request body.
type ProgressFunc func(sent, total int64)

// Client delivers one bundle per call.
type Client interface {
	// Upload submits the bundle and blocks until the backend accepts or
	// rejects it. Cancelling ctx aborts the transfer.
	Upload(ctx context.Context, b *bundle.Bundle, onProgress ProgressFunc) (*Receipt, error)

	// Resumable reports whether an interrupted transfer can continue from
	// where it stopped. When false the queue re-submits from scratch.
	Resumable() bool
}

// Config for the HTTP client.
type Config struct {
	// BaseURL of the verification backend, without trailing slash.
	BaseURL string

	// DeviceKey authenticates this installation.
	DeviceKey string

	// UserAgent identifies the client build.
	UserAgent string

	// Timeout bounds one upload attempt end to end. Zero means the
	// default of two minutes.
	Timeout time.Duration

	// HTTPClient overrides the underlying client, used in tests. The
	// Timeout field is ignored when set.
	HTTPClient *http.Client
}

// HTTPClient is the production Client.
type HTTPClient struct {
	cfg  Config
	http *http.Client
}

// NewHTTPClient builds a client from config.
func NewHTTPClient(cfg Config) *HTTPClient {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{cfg: cfg, http: hc}
}

// Resumable is false: the backend has no partial-upload endpoint, so
// retries re-submit the whole bundle.
func (c *HTTPClient) Resumable() bool { return false }

// Upload submits the bundle as multipart/form-data to /v1/captures.
func (c *HTTPClient) Upload(ctx context.Context, b *bundle.Bundle, onProgress ProgressFunc) (*Receipt, error) {
	body, contentType, err := buildBody(b)
	if err != nil {
		return nil, err
	}
	total := int64(body.Len())

	reader := io.Reader(body)
	if onProgress != nil {
		reader = &progressReader{r: body, total: total, fn: onProgress}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/captures", reader)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Device-Key", c.cfg.DeviceKey)
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportFailure(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(resp)
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, &Error{Class: ClassServer, StatusCode: resp.StatusCode,
			Message: "malformed acceptance response", cause: err}
	}
	return &receipt, nil
}

func buildBody(b *bundle.Bundle) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	mediaPart, err := w.CreatePart(partHeader(partMedia, "media.bin", "application/octet-stream"))
	if err != nil {
		return nil, "", fmt.Errorf("transport: build media part: %w", err)
	}
	if _, err := mediaPart.Write(b.Media); err != nil {
		return nil, "", fmt.Errorf("transport: write media part: %w", err)
	}

	if b.Depth != nil {
		depthPart, err := w.CreatePart(partHeader(partDepth, "depth.deflate", "application/octet-stream"))
		if err != nil {
			return nil, "", fmt.Errorf("transport: build depth part: %w", err)
		}
		if _, err := depthPart.Write(b.Depth.CompressedBlob); err != nil {
			return nil, "", fmt.Errorf("transport: write depth part: %w", err)
		}
	}

	meta, err := b.MetadataJSON()
	if err != nil {
		return nil, "", fmt.Errorf("transport: encode metadata: %w", err)
	}
	metaPart, err := w.CreatePart(partHeader(partMetadata, "metadata.json", "application/json"))
	if err != nil {
		return nil, "", fmt.Errorf("transport: build metadata part: %w", err)
	}
	if _, err := metaPart.Write(meta); err != nil {
		return nil, "", fmt.Errorf("transport: write metadata part: %w", err)
	}

	assertion, err := b.AssertionJSON()
	if err != nil {
		return nil, "", fmt.Errorf("transport: encode assertion: %w", err)
	}
	if assertion != nil {
		aPart, err := w.CreatePart(partHeader(partAssertion, "assertion.json", "application/json"))
		if err != nil {
			return nil, "", fmt.Errorf("transport: build assertion part: %w", err)
		}
		if _, err := aPart.Write(assertion); err != nil {
			return nil, "", fmt.Errorf("transport: write assertion part: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("transport: finalize multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func partHeader(field, filename, contentType string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", contentType)
	return h
}

// classifyTransportFailure maps request-level failures (no HTTP response)
// to an error class.
func classifyTransportFailure(err error) *Error {
	class := ClassConnectivity
	if errors.Is(err, context.DeadlineExceeded) {
		class = ClassTimeout
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		class = ClassTimeout
	}
	return &Error{Class: class, Message: err.Error(), cause: err}
}

// classifyStatus maps an HTTP error response to an error class.
func classifyStatus(resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := string(bytes.TrimSpace(body))
	if msg == "" {
		msg = resp.Status
	}

	e := &Error{StatusCode: resp.StatusCode, Message: msg}
	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		e.Class = ClassAuth
	case resp.StatusCode == http.StatusNotFound:
		// The backend answers 404 for an unrecognized device key.
		e.Class = ClassNotRegistered
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		e.Class = ClassTooLarge
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnprocessableEntity:
		e.Class = ClassValidation
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Class = ClassRateLimited
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		e.Class = ClassServer
	default:
		e.Class = ClassUnknown
	}
	return e
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// progressReader reports cumulative bytes read from the request body.
type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}
