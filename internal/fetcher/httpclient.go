package fetcher

import (
	"log/slog"
	"time"

	"resty.dev/v3"
)

const (
	// Default request timeout; every upstream call is bounded by it
	defaultTimeout = 10 * time.Second

	userAgent = "priceresolver/1.0"
)

// NewHTTPClient creates a new HTTP client for an upstream source.
// Retries are disabled here: the resolver owns the retry policy so that
// rate-limit and transient failures are handled per source and per ticker.
func NewHTTPClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", userAgent).
		SetRetryCount(0)

	return client
}

// ClassifyResponse turns a resty response and error into an *Error, or nil on success
func ClassifyResponse(source string, resp *resty.Response, err error) *Error {
	if err != nil {
		slog.Debug("upstream request failed",
			"source", source,
			"error", err.Error())
		return ClassifyTransportError(source, err)
	}

	if resp.IsSuccess() {
		return nil
	}

	slog.Debug("upstream returned error status",
		"source", source,
		"url", resp.Request.URL,
		"status_code", resp.StatusCode())
	return ClassifyHTTPError(source, resp.StatusCode())
}
