// Package httpclient is the outbound HTTP client used to call work webhooks.
//
// Webhook URLs come from configuration and job configs, so the client refuses
// loopback, private and link-local destinations unless AllowPrivate is set.
// The check runs twice: on the URL before the request and on every resolved
// address at dial time, which also covers redirects and DNS rebinding.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/teranos/slate/errors"
)

// maxResponseBody bounds how much of a webhook response is read.
const maxResponseBody = 4 << 20

// Options configure a Client. Zero values take the defaults noted per field.
type Options struct {
	// Timeout bounds a whole request. Default 60s.
	Timeout time.Duration
	// AllowPrivate permits loopback and private destinations (local workers, tests).
	AllowPrivate bool
	// Schemes lists permitted URL schemes. Default http and https.
	Schemes []string
	// MaxRedirects caps followed redirects. Default 5.
	MaxRedirects int
}

// Client posts JSON to webhooks with destination checks.
type Client struct {
	http *http.Client
	opts Options
}

// New builds a Client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if len(opts.Schemes) == 0 {
		opts.Schemes = []string{"http", "https"}
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 5
	}

	c := &Client{opts: opts}
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           c.dialContext(dialer),
		MaxIdleConns:          50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	c.http = &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= opts.MaxRedirects {
				return errors.Newf("stopped after %d redirects", opts.MaxRedirects)
			}
			if err := c.check(req.URL); err != nil {
				return errors.Wrap(err, "redirect blocked")
			}
			return nil
		},
	}
	return c
}

func (c *Client) dialContext(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if c.opts.AllowPrivate {
			return dialer.DialContext(ctx, network, addr)
		}
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, errors.Wrap(err, "invalid address")
		}
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve host %q", host)
		}
		for _, a := range addrs {
			if isBlocked(a) {
				return nil, errors.Newf("destination %s is not a public address", a)
			}
		}
		if len(addrs) == 0 {
			return nil, errors.Newf("no addresses for host %q", host)
		}
		// Dial the vetted address, not the name, so a second lookup cannot differ.
		return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].String(), port))
	}
}

// Validate parses rawURL and applies the destination checks.
func (c *Client) Validate(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.check(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (c *Client) check(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if !slices.Contains(c.opts.Schemes, scheme) {
		return errors.Newf("scheme %q not allowed (allowed: %v)", scheme, c.opts.Schemes)
	}
	if u.User != nil {
		return errors.New("URL must not carry credentials")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL missing hostname")
	}
	if c.opts.AllowPrivate {
		return nil
	}
	if isLocalhost(host) {
		return errors.New("localhost destinations are blocked")
	}
	if a, err := netip.ParseAddr(host); err == nil && isBlocked(a) {
		return errors.Newf("destination %s is not a public address", host)
	}
	return nil
}

// PostJSON sends in as JSON and decodes a 2xx response into out (if non-nil).
// Failures are shaped for work-unit error classification:
//   - timeouts are marked ErrTimeout
//   - connection failures are marked ErrServiceUnavailable
//   - 429 mentions the rate limit
//   - other 4xx are marked ErrInvalidRequest and are not retried
//   - 5xx are reported as provider errors
func (c *Client) PostJSON(ctx context.Context, rawURL string, header http.Header, in, out interface{}) error {
	u, err := c.Validate(rawURL)
	if err != nil {
		return errors.Mark(err, errors.ErrInvalidRequest)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "failed to encode webhook request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build webhook request")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return errors.Mark(errors.Wrap(err, "webhook timed out"), errors.ErrTimeout)
		}
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "webhook cancelled")
		}
		return errors.Mark(errors.Wrap(err, "webhook connection failed"), errors.ErrServiceUnavailable)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return errors.Mark(errors.Wrap(err, "webhook connection failed while reading response"), errors.ErrServiceUnavailable)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return errors.Newf("webhook rate limited (429): %s", snippet(data))
	case resp.StatusCode >= 500:
		return errors.Newf("webhook provider error (%d): %s", resp.StatusCode, snippet(data))
	case resp.StatusCode >= 400:
		return errors.Mark(errors.Newf("webhook rejected request (%d): %s", resp.StatusCode, snippet(data)), errors.ErrInvalidRequest)
	case resp.StatusCode >= 300:
		return errors.Newf("webhook provider error: unexpected status %d", resp.StatusCode)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "webhook provider error: undecodable response")
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fec0::/10"),
	netip.MustParsePrefix("ff00::/8"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// isBlocked reports addresses webhooks may not reach. IPv4-mapped IPv6
// addresses are judged by their IPv4 form.
func isBlocked(a netip.Addr) bool {
	a = a.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

func isLocalhost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return host == "localhost" || host == "localhost.localdomain" || strings.HasSuffix(host, ".localhost")
}
