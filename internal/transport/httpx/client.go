// Package httpx builds the instrumented HTTP client shared by HTTP transports.
package httpx

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/NordCoder/Herald/internal/domain/channel"
)

type Config struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	VerifyTLS bool          `mapstructure:"verify_tls"`
	UserAgent string        `mapstructure:"user_agent"`
}

func NewClient(cfg Config) *http.Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.VerifyTLS,
			MinVersion:         tls.VersionTLS12,
		},
	}
	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(userAgent(base, cfg.UserAgent)),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

type uaTransport struct {
	next http.RoundTripper
	ua   string
}

func (t uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.next.RoundTrip(req)
}

func userAgent(next http.RoundTripper, ua string) http.RoundTripper {
	if ua == "" {
		return next
	}
	return uaTransport{next: next, ua: ua}
}

// Classify maps a provider response to a transport error. 2xx is success,
// 408, 429 and 5xx may be retried, any other status is permanent.
func Classify(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("http %d: %s", resp.StatusCode, snippet)
	code := fmt.Sprintf("http_%d", resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return channel.Retryable(code, err)
	}
	return channel.Permanent(code, err)
}

// ClassifyDo wraps a failed round trip. It is always retryable; timeouts get
// their own code.
func ClassifyDo(err error) error {
	var urlErr interface{ Timeout() bool }
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return channel.Retryable("timeout", err)
	}
	return channel.Retryable("network", err)
}
