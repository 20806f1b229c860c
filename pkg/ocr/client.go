package ocr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const (
	defaultTimeout  = 5 * time.Minute
	maxResponseBody = 32 << 20
)

// ErrorKind classifies transcription service failures.
type ErrorKind string

const (
	KindNotConfigured ErrorKind = "not_configured"
	KindTimeout       ErrorKind = "timeout"
	KindNetwork       ErrorKind = "network"
	KindStatus        ErrorKind = "status"
	KindMalformed     ErrorKind = "malformed"
)

// UpstreamError describes a failed call to the transcription service.
type UpstreamError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Kind == KindStatus:
		return fmt.Sprintf("transcription service returned %d: %s", e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("transcription service %s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("transcription service %s: %s", e.Kind, e.Message)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Config holds transcription service settings.
type Config struct {
	URL       string
	APIKey    string
	FileField string
	Timeout   time.Duration
}

// Client posts documents to the external OCR/LLM service.
type Client struct {
	url        string
	apiKey     string
	fileField  string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient builds a client. An empty URL yields a client whose calls fail
// with KindNotConfigured.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	field := strings.TrimSpace(cfg.FileField)
	if field == "" {
		field = "file"
	}
	return &Client{
		url:       strings.TrimSpace(cfg.URL),
		apiKey:    strings.TrimSpace(cfg.APIKey),
		fileField: field,
		timeout:   timeout,
		// per-call deadlines come from the context
		httpClient: &http.Client{},
	}
}

// Timeout returns the per-call deadline.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Transcribe streams the file to the service and parses its answer.
func (c *Client) Transcribe(ctx context.Context, file io.Reader, fileName, contentType string) (Result, error) {
	if c == nil || c.url == "" {
		return Result{}, &UpstreamError{Kind: KindNotConfigured, Message: "transcriber url is not set"}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeMultipart(mw, c.fileField, file, fileName, contentType))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return Result{}, &UpstreamError{Kind: KindNotConfigured, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		_ = pr.CloseWithError(err)
		return Result{}, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Result{}, classifyTransportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &UpstreamError{
			Kind:       KindStatus,
			StatusCode: resp.StatusCode,
			Message:    snippet(body),
		}
	}
	res, err := ParseResponse(body)
	if err != nil {
		return Result{}, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

func writeMultipart(mw *multipart.Writer, field string, file io.Reader, fileName, contentType string) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, fileName))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	return mw.Close()
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamError{Kind: KindTimeout, Message: "request timed out", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &UpstreamError{Kind: KindTimeout, Message: "request timed out", Err: err}
	}
	return &UpstreamError{Kind: KindNetwork, Message: "request failed", Err: err}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
