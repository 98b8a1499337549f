// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package uploader sends assembled ping documents to the telemetry endpoint.
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"
)

// Result classifies an upload attempt for the caller's retry policy.
type Result int

const (
	// ResultOK means the endpoint accepted the document.
	ResultOK Result = iota
	// ResultRecoverable means the attempt failed in a way that may succeed
	// later (network error, server 5xx).
	ResultRecoverable
	// ResultUnrecoverable means the endpoint rejected the document and a
	// retry would be rejected too (client 4xx).
	ResultUnrecoverable
)

// Request is one ping document ready to send.
type Request struct {
	// URL is the full submission URL including the document ID.
	URL string
	// Body is the serialized ping payload.
	Body []byte
	// Headers carries the submission headers (content type, debug tags).
	Headers map[string]string
}

// Uploader delivers ping documents.
type Uploader interface {
	Upload(ctx context.Context, req Request) Result
}

// Config configures the HTTP uploader.
type Config struct {
	// Timeout bounds a single upload attempt.
	Timeout time.Duration
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// DefaultConfig returns the default uploader configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
	}
}

// Validate ensures the configuration is valid.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("uploader timeout must be positive, got %s", c.Timeout)
	}
	return nil
}

// HTTPUploader posts ping documents over HTTP.
type HTTPUploader struct {
	logger logr.Logger
	client *http.Client
}

var _ Uploader = (*HTTPUploader)(nil)

// NewHTTPUploader builds an uploader from config.
func NewHTTPUploader(logger logr.Logger, cfg Config) (*HTTPUploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPUploader{
		logger: logger.WithName("uploader"),
		client: client,
	}, nil
}

// Upload posts the document and maps the response status onto a Result.
func (u *HTTPUploader) Upload(ctx context.Context, req Request) Result {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		u.logger.Error(err, "failed to build upload request", "url", req.URL)
		return ResultUnrecoverable
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := u.client.Do(httpReq)
	if err != nil {
		u.logger.V(1).Info("upload attempt failed", "url", req.URL, "error", err)
		return ResultRecoverable
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		u.logger.V(1).Info("ping uploaded", "url", req.URL, "status", resp.StatusCode)
		return ResultOK
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		u.logger.Info("ping rejected by endpoint", "url", req.URL, "status", resp.StatusCode)
		return ResultUnrecoverable
	default:
		u.logger.V(1).Info("endpoint unavailable", "url", req.URL, "status", resp.StatusCode)
		return ResultRecoverable
	}
}
