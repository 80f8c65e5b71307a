package ewelink

import (
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitBurst is the number of back-to-back requests allowed before pacing starts.
const rateLimitBurst = 5

// rateLimitedTransport delays requests until the vendor budget allows them.
type rateLimitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return t.base.RoundTrip(req)
}

// newLimiter builds a limiter for perMinute requests. Zero or negative disables limiting.
func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := rateLimitBurst
	if perMinute < burst {
		burst = perMinute
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
}

// wrapHTTP returns a copy of base whose transport enforces the request budget.
func wrapHTTP(base *http.Client, perMinute int, timeout time.Duration) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	if timeout > 0 {
		client.Timeout = timeout
	}
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client.Transport = &rateLimitedTransport{
		base:    transport,
		limiter: newLimiter(perMinute),
	}
	return &client
}
