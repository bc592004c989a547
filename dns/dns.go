// Package dns locates SIP servers (RFC 3263).
package dns

import (
	"cmp"
	"context"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

type SRV = net.SRV

// NAPTR is a NAPTR record (RFC 3403).
type NAPTR struct {
	Order      uint16
	Preference uint16
	// Flags "s" means the replacement is an SRV name.
	Flags string
	// Service is SIP+D2U, SIP+D2T, SIPS+D2T and so on.
	Service     string
	Regexp      string
	Replacement string
}

// Resolver looks up the records needed to locate a SIP server.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]netip.Addr, error)
	// LookupSRV looks up _service._proto.name, or name itself when service and proto are empty.
	LookupSRV(ctx context.Context, service, proto, name string) ([]*SRV, error)
	LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error)
}

// Client is a [Resolver] that queries NAPTR records directly through
// github.com/miekg/dns and leaves address and SRV lookups to [net.Resolver].
type Client struct {
	// NameServer is the DNS server address used for NAPTR queries, port 53 is implied.
	// Empty means the first server of /etc/resolv.conf.
	NameServer string
	// Timeout of a NAPTR query. Defaults to 5s.
	Timeout time.Duration
	// Net defaults to [net.DefaultResolver].
	Net *net.Resolver
}

var _ Resolver = (*Client)(nil)

func (c *Client) net() *net.Resolver {
	if c == nil || c.Net == nil {
		return net.DefaultResolver
	}
	return c.Net
}

func (c *Client) timeout() time.Duration {
	if c == nil || c.Timeout <= 0 {
		return 5 * time.Second
	}
	return c.Timeout
}

func (c *Client) nameServer() (string, error) {
	if c != nil && c.NameServer != "" {
		if _, _, err := net.SplitHostPort(c.NameServer); err != nil {
			return net.JoinHostPort(c.NameServer, "53"), nil //nolint:nilerr
		}
		return c.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{Err: "no DNS servers configured", Name: "resolv.conf"})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

func (c *Client) LookupIP(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := c.net().LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	for i := range addrs {
		addrs[i] = addrs[i].Unmap()
	}
	return addrs, nil
}

func (c *Client) LookupSRV(ctx context.Context, service, proto, name string) ([]*SRV, error) {
	_, srvs, err := c.net().LookupSRV(ctx, service, proto, name)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return srvs, nil
}

// LookupNAPTR returns the NAPTR records of host ordered by order and preference.
func (c *Client) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	srv, err := c.nameServer()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeNAPTR)
	m.RecursionDesired = true
	resp, _, err := (&dns.Client{Timeout: c.timeout()}).ExchangeContext(ctx, m, srv)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       host,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}

	recs := make([]*NAPTR, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.NAPTR); ok {
			recs = append(recs, &NAPTR{
				Order:       rr.Order,
				Preference:  rr.Preference,
				Flags:       rr.Flags,
				Service:     rr.Service,
				Regexp:      rr.Regexp,
				Replacement: rr.Replacement,
			})
		}
	}
	sortNAPTR(recs)
	return recs, nil
}

func sortNAPTR(recs []*NAPTR) {
	slices.SortStableFunc(recs, func(a, b *NAPTR) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Preference, b.Preference)
	})
}

// sortSRV orders records by priority, then by descending weight.
func sortSRV(srvs []*SRV) {
	slices.SortStableFunc(srvs, func(a, b *SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
			return c
		}
		return strings.Compare(a.Target, b.Target)
	})
}
