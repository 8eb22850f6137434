package upload

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Strategy names one rung of the delivery ladder.
type Strategy string

const (
	// StrategyHTTPS posts to the primary endpoint with standard trust.
	StrategyHTTPS Strategy = "https"
	// StrategyRelaxedTLS retries the primary endpoint accepting any
	// certificate, pinned to the primary host.
	StrategyRelaxedTLS Strategy = "https_relaxed"
	// StrategyHTTP posts in plaintext to the fallback endpoint.
	StrategyHTTP Strategy = "http"
)

// Strategies lists the ladder in the order it is climbed.
var Strategies = []Strategy{StrategyHTTPS, StrategyRelaxedTLS, StrategyHTTP}

// DefaultTimeout bounds connect and response wait separately.
const DefaultTimeout = 2500 * time.Millisecond

// maxResponseDrain caps how much of a response body is read before the
// connection is reused.
const maxResponseDrain = 64 << 10

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// transports holds one client per strategy, built from a Config.
type transports struct {
	strict  *http.Client
	relaxed *http.Client
	plain   *http.Client
}

func newTransports(cfg Config) (*transports, error) {
	host, err := primaryHost(cfg.PrimaryURL)
	if err != nil {
		return nil, err
	}

	strictTLS := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.RootCAs != nil {
		strictTLS.RootCAs = cfg.RootCAs
	}

	relaxedTLS := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true, // scoped to one host by pinnedTransport
		ServerName:         host,
	}

	return &transports{
		strict: newClient(cfg.Timeout, newTransport(cfg.Timeout, strictTLS)),
		relaxed: newClient(cfg.Timeout, &pinnedTransport{
			host: host,
			next: newTransport(cfg.Timeout, relaxedTLS),
		}),
		plain: newClient(cfg.Timeout, newTransport(cfg.Timeout, nil)),
	}, nil
}

func (t *transports) client(s Strategy) *http.Client {
	switch s {
	case StrategyRelaxedTLS:
		return t.relaxed
	case StrategyHTTP:
		return t.plain
	}
	return t.strict
}

func (t *transports) closeIdle() {
	t.strict.CloseIdleConnections()
	t.relaxed.CloseIdleConnections()
	t.plain.CloseIdleConnections()
}

func newTransport(timeout time.Duration, tlsCfg *tls.Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          4,
		IdleConnTimeout:       30 * time.Second,
	}
}

func newClient(timeout time.Duration, rt http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: rt,
		// connect and read each get the full timeout
		Timeout: 2 * timeout,
	}
}

// pinnedTransport refuses every request not addressed to host, redirects
// included.
type pinnedTransport struct {
	host string
	next http.RoundTripper
}

func (p *pinnedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !strings.EqualFold(req.URL.Hostname(), p.host) {
		return nil, fmt.Errorf("relaxed trust is pinned to %s, refusing %s", p.host, req.URL.Hostname())
	}
	return p.next.RoundTrip(req)
}

func (p *pinnedTransport) CloseIdleConnections() {
	if ci, ok := p.next.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
}

// request is one encoded upload, sent unchanged by every ladder step.
type request struct {
	body      string
	userAgent string
}

// post sends one form-encoded body and treats any non-2xx status as an
// error.
func post(ctx context.Context, client *http.Client, target string, r request) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(r.body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// the reply is unused; draining lets the connection be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, URL: target}
	}
	return nil
}

// IsTrustError reports whether err is a certificate or TLS handshake
// failure, the only kind of failure that earns a relaxed-trust retry.
// Alerts sent by the peer during the handshake arrive as a *net.OpError
// with Op "remote error" wrapping an unexported type, so crypto/tls
// failures are also matched by their "tls: " message prefix.
func IsTrustError(err error) bool {
	if err == nil {
		return false
	}

	var (
		unknownAuthority x509.UnknownAuthorityError
		invalidCert      x509.CertificateInvalidError
		hostname         x509.HostnameError
		systemRoots      x509.SystemRootsError
		verification     *tls.CertificateVerificationError
		recordHeader     tls.RecordHeaderError
		alert            tls.AlertError
	)
	switch {
	case errors.As(err, &unknownAuthority),
		errors.As(err, &invalidCert),
		errors.As(err, &hostname),
		errors.As(err, &systemRoots),
		errors.As(err, &verification),
		errors.As(err, &recordHeader),
		errors.As(err, &alert):
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "remote error" {
		return true
	}
	return strings.Contains(err.Error(), "tls: ")
}
