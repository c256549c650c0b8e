package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchSuccess(t *testing.T) {
	content := "archive bytes here..."
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Length", "21")
		w.Header().Set("ETag", `"abc123"`)
		_, _ = w.Write([]byte(content))
	}))
	defer server.Close()

	f := NewFetcher()
	artifact, err := f.Fetch(context.Background(), server.URL+"/demo_v1.0.0.zip")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	defer func() { _ = artifact.Body.Close() }()

	if artifact.Size != 21 {
		t.Errorf("Size = %d, want 21", artifact.Size)
	}
	if artifact.ContentType != "application/zip" {
		t.Errorf("ContentType = %q, want %q", artifact.ContentType, "application/zip")
	}
	if artifact.ETag != `"abc123"` {
		t.Errorf("ETag = %q, want %q", artifact.ETag, `"abc123"`)
	}

	body, err := io.ReadAll(artifact.Body)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(body) != content {
		t.Errorf("body = %q, want %q", string(body), content)
	}
}

func TestFetchNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := NewFetcher()
	_, err := f.Fetch(context.Background(), server.URL+"/missing.zip")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch = %v, want ErrNotFound", err)
	}
}

func TestFetchRateLimitRetry(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	f := NewFetcher(WithBaseDelay(10 * time.Millisecond))
	artifact, err := f.Fetch(context.Background(), server.URL+"/demo_v1.0.0.zip")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	defer func() { _ = artifact.Body.Close() }()

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestFetchServerErrorRetry(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	f := NewFetcher(WithBaseDelay(10 * time.Millisecond))
	artifact, err := f.Fetch(context.Background(), server.URL+"/demo_v1.0.0.zip")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	defer func() { _ = artifact.Body.Close() }()

	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestFetchMaxRetries(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	f := NewFetcher(WithMaxRetries(2), WithBaseDelay(10*time.Millisecond))
	_, err := f.Fetch(context.Background(), server.URL+"/demo_v1.0.0.zip")
	if err == nil {
		t.Error("expected error after max retries")
	}
	if !errors.Is(err, ErrUpstreamDown) {
		t.Errorf("expected ErrUpstreamDown, got %v", err)
	}

	// Initial attempt + 2 retries = 3 total
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestFetchWithoutRetriesMakesOneAttempt(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	f := NewFetcher(WithMaxRetries(0), WithBaseDelay(5*time.Millisecond))
	_, err := f.Fetch(ctx, server.URL+"/demo_v1.0.0.zip")
	if !errors.Is(err, ErrUpstreamDown) {
		t.Errorf("expected ErrUpstreamDown, got %v", err)
	}
	if ctx.Err() != nil {
		t.Errorf("Fetch ran until the deadline: %v", ctx.Err())
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestFetchContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	f := NewFetcher()
	_, err := f.Fetch(ctx, server.URL+"/demo_v1.0.0.zip")
	if err == nil {
		t.Error("expected error on context cancellation")
	}
}

func TestFetchUnknownSize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Chunked encoding, no Content-Length
		w.Header().Set("Transfer-Encoding", "chunked")
		_, _ = w.Write([]byte("chunk1"))
	}))
	defer server.Close()

	f := NewFetcher()
	artifact, err := f.Fetch(context.Background(), server.URL+"/demo_v1.0.0.zip")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	defer func() { _ = artifact.Body.Close() }()

	if artifact.Size != -1 {
		t.Errorf("Size = %d, want -1 for unknown", artifact.Size)
	}
}

func TestHead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("Method = %s, want HEAD", r.Method)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", "12345")
	}))
	defer server.Close()

	f := NewFetcher()
	size, contentType, err := f.Head(context.Background(), server.URL+"/demo_v1.0.0.zip")
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}

	if size != 12345 {
		t.Errorf("size = %d, want 12345", size)
	}
	if contentType != "application/octet-stream" {
		t.Errorf("contentType = %q, want %q", contentType, "application/octet-stream")
	}
}

func TestHeadNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := NewFetcher()
	_, _, err := f.Head(context.Background(), server.URL+"/missing.zip")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Head = %v, want ErrNotFound", err)
	}
}

func TestFetchUserAgent(t *testing.T) {
	var receivedUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := NewFetcher(WithUserAgent("custom-agent/2.0"))
	artifact, _ := f.Fetch(context.Background(), server.URL+"/demo_v1.0.0.zip")
	if artifact != nil {
		_ = artifact.Body.Close()
	}

	if receivedUA != "custom-agent/2.0" {
		t.Errorf("User-Agent = %q, want %q", receivedUA, "custom-agent/2.0")
	}
}

func TestFetchLargeArtifact(t *testing.T) {
	// 1MB artifact
	content := strings.Repeat("x", 1024*1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(content))
	}))
	defer server.Close()

	f := NewFetcher()
	artifact, err := f.Fetch(context.Background(), server.URL+"/large.zip")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	defer func() { _ = artifact.Body.Close() }()

	body, err := io.ReadAll(artifact.Body)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(body) != len(content) {
		t.Errorf("body length = %d, want %d", len(body), len(content))
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	f := NewFetcher(WithBaseDelay(time.Millisecond))
	_, err := f.Fetch(context.Background(), server.URL+"/demo_v1.0.0.zip")
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("Fetch = %v, want status 403 error", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
}

func TestFetchRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := NewFetcher(WithRateLimit(20, 1))
	start := time.Now()
	for range 3 {
		artifact, err := f.Fetch(context.Background(), server.URL+"/a.zip")
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		_ = artifact.Body.Close()
	}
	// burst of one, then two waits of 50ms each
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("3 requests at 20/s took %v, want >= 90ms", elapsed)
	}
}

func TestDownload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("zip contents"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "nested", "demo_v1.0.0.zip")
	n, err := NewFetcher().Download(context.Background(), server.URL+"/demo_v1.0.0.zip", dest)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if n != 12 {
		t.Errorf("n = %d, want 12", n)
	}
	data, err := os.ReadFile(dest)
	if err != nil || string(data) != "zip contents" {
		t.Errorf("dest = %q, %v", data, err)
	}
}

func TestDownloadNotFoundLeavesNothing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "demo_v1.0.0.zip")
	if _, err := NewFetcher().Download(context.Background(), server.URL+"/x", dest); !errors.Is(err, ErrNotFound) {
		t.Errorf("Download = %v, want ErrNotFound", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("leftover files: %v", entries)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrNotFound, false},
		{context.Canceled, false},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), false},
		{ErrRateLimited, true},
		{fmt.Errorf("status 503: %w", ErrUpstreamDown), true},
		{&net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{io.ErrUnexpectedEOF, true},
		{errors.New("unexpected status 400"), false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
