package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultProcessTimeout = 60 * time.Second
	processingFormField   = "file"
	errorBodyPreviewLimit = 512
)

type ProcessingOptions struct {
	// Endpoint receives the multipart upload, e.g. https://host/api/upload.
	Endpoint string
	Client   *http.Client
	MaxBytes int64
	Timeout  time.Duration
	// NewFilename names the uploaded part. Defaults to a random uuid with a .jpg suffix.
	NewFilename func() string
	Log         *slog.Logger
}

// ProcessingClient sends images to the external classification service.
type ProcessingClient struct {
	endpoint    string
	client      *http.Client
	maxBytes    int64
	timeout     time.Duration
	newFilename func() string
	log         *slog.Logger
}

func NewProcessingClient(opts ProcessingOptions) (*ProcessingClient, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, errors.New("processing endpoint is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultProcessTimeout
	}
	client := opts.Client
	if client == nil {
		client = NewHTTPClient(timeout)
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 20 << 20
	}
	newFilename := opts.NewFilename
	if newFilename == nil {
		newFilename = func() string { return uuid.NewString() + ".jpg" }
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &ProcessingClient{
		endpoint:    endpoint,
		client:      client,
		maxBytes:    maxBytes,
		timeout:     timeout,
		newFilename: newFilename,
		log:         log.With("component", "relay.processing"),
	}, nil
}

// Process posts payload to the processing endpoint and returns the processed image bytes.
func (c *ProcessingClient) Process(ctx context.Context, payload Payload) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, contentType, err := c.encodeForm(payload)
	if err != nil {
		return nil, NewError(StageProcess, "encode multipart body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, NewError(StageProcess, "build processing request", err)
	}
	req.Header.Set("Content-Type", contentType)

	startedAt := time.Now()
	log := c.log.With("bytes_in", len(payload.Data))
	log.Debug("processing request started")

	resp, err := c.client.Do(req)
	if err != nil {
		log.Debug("processing request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return nil, NewError(StageProcess, "post image", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyPreviewLimit))
		detail := fmt.Sprintf("processing service status %d", resp.StatusCode)
		if text := strings.TrimSpace(string(preview)); text != "" {
			detail += ": " + text
		}
		return nil, NewError(StageProcess, detail, nil)
	}

	data, err := readAllWithLimit(resp.Body, c.maxBytes)
	if err != nil {
		return nil, NewError(StageProcess, "read processing response", err)
	}
	if len(data) == 0 {
		return nil, NewError(StageProcess, "processing service returned an empty body", nil)
	}

	log.Debug("processing request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "bytes_out", len(data))

	return data, nil
}

// encodeForm builds a multipart body with one "file" part carrying payload.
func (c *ProcessingClient) encodeForm(payload Payload) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	partType := strings.TrimSpace(payload.ContentType)
	if partType == "" {
		partType = "application/octet-stream"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, processingFormField, c.newFilename()))
	header.Set("Content-Type", partType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(payload.Data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return &buf, writer.FormDataContentType(), nil
}
