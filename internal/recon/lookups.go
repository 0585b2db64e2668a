package recon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/xkilldash9x/snare/internal/budget"
)

// Resolver is the subset of net.Resolver used by DNSLookup.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupNS(ctx context.Context, name string) ([]*net.NS, error)
}

// DNSLookup resolves A/AAAA, MX and NS records for the target host.
type DNSLookup struct {
	Resolver Resolver
}

// NewDNSLookup uses the system resolver.
func NewDNSLookup() *DNSLookup {
	return &DNSLookup{Resolver: net.DefaultResolver}
}

func (d *DNSLookup) Name() string { return "dns" }

// Run fails only when every record type failed. A missing host is permanent.
func (d *DNSLookup) Run(ctx context.Context, target *url.URL) (map[string]interface{}, error) {
	host := target.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		return map[string]interface{}{"a": []string{ip.String()}}, nil
	}

	out := make(map[string]interface{})
	var errs []error

	addrs, err := d.Resolver.LookupHost(ctx, host)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, budget.Permanent(fmt.Errorf("host %s does not resolve: %w", host, err))
		}
		errs = append(errs, fmt.Errorf("a: %w", err))
	} else {
		out["a"] = addrs
	}

	if mxs, err := d.Resolver.LookupMX(ctx, registrableDomain(host)); err != nil {
		errs = append(errs, fmt.Errorf("mx: %w", err))
	} else {
		hosts := make([]string, len(mxs))
		for i, mx := range mxs {
			hosts[i] = strings.TrimSuffix(mx.Host, ".")
		}
		out["mx"] = hosts
	}

	if nss, err := d.Resolver.LookupNS(ctx, registrableDomain(host)); err != nil {
		errs = append(errs, fmt.Errorf("ns: %w", err))
	} else {
		hosts := make([]string, len(nss))
		for i, ns := range nss {
			hosts[i] = strings.TrimSuffix(ns.Host, ".")
		}
		out["ns"] = hosts
	}

	if len(out) == 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// registrableDomain drops leading labels down to the last two. It does not
// consult the public suffix list, so co.uk style domains resolve one level
// too high.
func registrableDomain(host string) string {
	labels := strings.Split(strings.TrimSuffix(host, "."), ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// StatusError is a non-success HTTP response. It carries the status for
// retry classification.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string   { return fmt.Sprintf("unexpected status %d", e.StatusCode) }
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// HTTPHeadLookup issues a HEAD request and records where it ends up.
type HTTPHeadLookup struct {
	Client    *http.Client
	UserAgent string
}

// NewHTTPHeadLookup follows up to 10 redirects.
func NewHTTPHeadLookup(userAgent string) *HTTPHeadLookup {
	return &HTTPHeadLookup{Client: &http.Client{}, UserAgent: userAgent}
}

func (h *HTTPHeadLookup) Name() string { return "http_head" }

func (h *HTTPHeadLookup) Run(ctx context.Context, target *url.URL) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target.String(), nil)
	if err != nil {
		return nil, budget.Permanent(err)
	}
	if h.UserAgent != "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}
	return map[string]interface{}{
		"status":       resp.StatusCode,
		"server":       resp.Header.Get("Server"),
		"content_type": resp.Header.Get("Content-Type"),
		"final_url":    resp.Request.URL.String(),
		"redirected":   resp.Request.URL.String() != target.String(),
	}, nil
}
