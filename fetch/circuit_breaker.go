package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// ErrCircuitOpen is returned while a host's breaker is tripped.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitBreakerFetcher wraps a Fetcher with one circuit breaker per host.
// Only retryable failures count against a host; a 404 does not.
type CircuitBreakerFetcher struct {
	fetcher   *Fetcher
	threshold int64
	breakers  map[string]*circuit.Breaker
	mu        sync.RWMutex
}

// NewCircuitBreakerFetcher wraps f. A host's breaker trips after five
// consecutive failures.
func NewCircuitBreakerFetcher(f *Fetcher) *CircuitBreakerFetcher {
	return &CircuitBreakerFetcher{
		fetcher:   f,
		threshold: 5,
		breakers:  make(map[string]*circuit.Breaker),
	}
}

func (cbf *CircuitBreakerFetcher) breaker(host string) *circuit.Breaker {
	cbf.mu.RLock()
	b, ok := cbf.breakers[host]
	cbf.mu.RUnlock()
	if ok {
		return b
	}

	cbf.mu.Lock()
	defer cbf.mu.Unlock()
	if b, ok := cbf.breakers[host]; ok {
		return b
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	b = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(cbf.threshold),
	})
	cbf.breakers[host] = b
	return b
}

func (cbf *CircuitBreakerFetcher) guard(rawURL string, fn func() error) error {
	host := hostOf(rawURL)
	b := cbf.breaker(host)
	if !b.Ready() {
		return fmt.Errorf("%w for %s: %w", ErrCircuitOpen, host, ErrUpstreamDown)
	}

	err := fn()
	switch {
	case err == nil:
		b.Success()
	case Retryable(err):
		b.Fail()
	default:
		// the host answered; a missing file says nothing about its health
		b.Success()
	}
	return err
}

// Fetch is Fetcher.Fetch behind the host's breaker.
func (cbf *CircuitBreakerFetcher) Fetch(ctx context.Context, fetchURL string) (*Artifact, error) {
	var artifact *Artifact
	err := cbf.guard(fetchURL, func() error {
		var err error
		artifact, err = cbf.fetcher.Fetch(ctx, fetchURL)
		return err
	})
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

// Head is Fetcher.Head behind the host's breaker.
func (cbf *CircuitBreakerFetcher) Head(ctx context.Context, headURL string) (size int64, contentType string, err error) {
	err = cbf.guard(headURL, func() error {
		var headErr error
		size, contentType, headErr = cbf.fetcher.Head(ctx, headURL)
		return headErr
	})
	return size, contentType, err
}

// Download is Fetcher.Download behind the host's breaker.
func (cbf *CircuitBreakerFetcher) Download(ctx context.Context, fetchURL, dest string) (int64, error) {
	return download(ctx, cbf, fetchURL, dest)
}

// BreakerStates reports "open" or "closed" for every host seen so far.
func (cbf *CircuitBreakerFetcher) BreakerStates() map[string]string {
	cbf.mu.RLock()
	defer cbf.mu.RUnlock()

	states := make(map[string]string, len(cbf.breakers))
	for host, b := range cbf.breakers {
		if b.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}

// hostOf groups URLs by host for breaker selection.
func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		if len(rawURL) > 50 {
			return rawURL[:50]
		}
		return rawURL
	}
	return parsed.Host
}
