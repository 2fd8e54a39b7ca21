package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

//go:embed VERSION
var version string

// Version returns the build version embedded in the binary.
func Version() string {
	return strings.TrimSpace(version)
}

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
	limiter   *rate.Limiter
}

// RoundTrip implements http.RoundTripper. It waits for the limiter (if any)
// and stamps the User-Agent on a clone of the request.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	return RateLimitedHTTPClient(timeout, 0)
}

// RateLimitedHTTPClient is HTTPClient but allows at most perSecond requests
// per second across every request made with the returned client. A
// perSecond of 0 disables limiting.
func RateLimitedHTTPClient(timeout time.Duration, perSecond float64) *http.Client {
	t := &userAgentTransport{
		transport: http.DefaultTransport,
		userAgent: "NetzeroEMS/" + Version(),
	}
	if perSecond > 0 {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &http.Client{
		Transport: t,
		Timeout:   timeout,
	}
}
