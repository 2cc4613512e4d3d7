package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"priceresolver/internal/price"
)

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusForbidden, KindUnauthorized},
		{http.StatusNotFound, KindNotFound},
		{http.StatusBadRequest, KindNotFound},
		{http.StatusRequestTimeout, KindTransient},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusBadGateway, KindTransient},
		{http.StatusServiceUnavailable, KindTransient},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := ClassifyHTTPError("live-equity", tt.status)
			if err.Kind != tt.want {
				t.Errorf("ClassifyHTTPError(%d).Kind = %q, want %q", tt.status, err.Kind, tt.want)
			}
			if err.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", err.StatusCode, tt.status)
			}
		})
	}
}

func TestError_Message(t *testing.T) {
	err := NewRateLimitError("live-equity", 429)
	want := "live-equity: rate_limited error (status 429): rate limit exceeded"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	err = NewNotFoundError("mf-nav", "scheme 123 not listed")
	want = "mf-nav: not_found error: scheme 123 not listed"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("fetch: %w", NewUnauthorizedError("s", 403))
	if got := KindOf(wrapped); got != KindUnauthorized {
		t.Errorf("KindOf(wrapped) = %q, want %q", got, KindUnauthorized)
	}
	if got := KindOf(errors.New("boom")); got != KindTransient {
		t.Errorf("KindOf(plain) = %q, want %q", got, KindTransient)
	}
}

func TestClassifyTransportError(t *testing.T) {
	err := ClassifyTransportError("s", context.DeadlineExceeded)
	if err.Kind != KindTransient || err.Message != "request timed out" {
		t.Errorf("unexpected classification: %+v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("cause should be preserved for errors.Is")
	}

	err = ClassifyTransportError("s", errors.New("connection refused"))
	if err.Kind != KindTransient || err.Message != "network request failed" {
		t.Errorf("unexpected classification: %+v", err)
	}
}

func TestClassifyResponse(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, time.Second)

	resp, err := client.R().Get("/")
	if got := ClassifyResponse("s", resp, err); got != nil {
		t.Fatalf("ClassifyResponse() = %v, want nil", got)
	}

	status.Store(http.StatusTooManyRequests)
	resp, err = client.R().Get("/")
	got := ClassifyResponse("s", resp, err)
	if got == nil || got.Kind != KindRateLimited {
		t.Fatalf("ClassifyResponse() = %v, want rate limited", got)
	}
}

func TestBatch_Err(t *testing.T) {
	b := NewBatch(2)
	ok := price.LiveKey("TCS")
	failed := price.LiveKey("INFY")
	missing := price.LiveKey("XYZ")

	b.Add(price.Record{Ticker: "TCS", AsOf: price.Live})
	b.Fail(failed, NewTransientError("s", "boom", nil))

	if err := b.Err("s", ok); err != nil {
		t.Errorf("Err(resolved) = %v, want nil", err)
	}
	if KindOf(b.Err("s", failed)) != KindTransient {
		t.Errorf("Err(failed) kind = %q, want transient", KindOf(b.Err("s", failed)))
	}
	if KindOf(b.Err("s", missing)) != KindNotFound {
		t.Errorf("Err(missing) kind = %q, want not_found", KindOf(b.Err("s", missing)))
	}
}

func TestOne(t *testing.T) {
	key := price.LiveKey("TCS")
	b := NewBatch(1)
	b.Add(price.Record{Ticker: "TCS", AsOf: price.Live, Source: "s"})

	rec, err := One("s", key, b, nil)
	if err != nil || rec.Source != "s" {
		t.Fatalf("One() = %+v, %v", rec, err)
	}

	callErr := NewUnauthorizedError("s", 401)
	_, err = One("s", price.LiveKey("INFY"), NewBatch(0), callErr)
	if !errors.Is(err, callErr) {
		t.Errorf("One() error = %v, want call-level error", err)
	}
}
