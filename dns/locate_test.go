package dns_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/siptu/dns"
	"github.com/ghettovoice/siptu/sip"
)

type stubResolver struct {
	ips   map[string][]netip.Addr
	srvs  map[string][]*dns.SRV
	naptr map[string][]*dns.NAPTR
}

func notFound(name string) error { return &net.DNSError{Err: "no such host", Name: name, IsNotFound: true} }

func (r *stubResolver) LookupIP(_ context.Context, host string) ([]netip.Addr, error) {
	if ips, ok := r.ips[host]; ok {
		return ips, nil
	}
	return nil, notFound(host)
}

func (r *stubResolver) LookupSRV(_ context.Context, service, proto, name string) ([]*dns.SRV, error) {
	if service != "" {
		name = "_" + service + "._" + proto + "." + name
	}
	if srvs, ok := r.srvs[name]; ok {
		return srvs, nil
	}
	return nil, notFound(name)
}

func (r *stubResolver) LookupNAPTR(_ context.Context, host string) ([]*dns.NAPTR, error) {
	if recs, ok := r.naptr[host]; ok {
		return recs, nil
	}
	return nil, notFound(host)
}

var (
	ip1 = netip.MustParseAddr("192.0.2.1")
	ip2 = netip.MustParseAddr("192.0.2.2")
	ip3 = netip.MustParseAddr("192.0.2.3")
)

func TestLocate(t *testing.T) {
	t.Parallel()

	r := &stubResolver{
		ips: map[string][]netip.Addr{
			"example.com":         {ip1},
			"a.example.com":       {ip2},
			"b.example.com":       {ip3},
			"tls.example.com":     {ip3},
			"srvonly.example.com": {ip1},
			"sips.example.com":    {ip1},
		},
		naptr: map[string][]*dns.NAPTR{
			"example.com": {
				{Order: 50, Preference: 50, Flags: "s", Service: "SIP+D2U", Replacement: "_sip._udp.example.com"},
				{Order: 10, Preference: 50, Flags: "s", Service: "SIP+D2T", Replacement: "_sip._tcp.example.com"},
				{Order: 5, Preference: 50, Flags: "u", Service: "E2U+sip", Regexp: "!^.*$!sip:info@example.com!"},
			},
			"sips.example.com": {
				{Order: 10, Preference: 10, Flags: "s", Service: "SIP+D2U", Replacement: "_sip._udp.sips.example.com"},
				{Order: 20, Preference: 10, Flags: "s", Service: "SIPS+D2T", Replacement: "_sips._tcp.sips.example.com"},
			},
		},
		srvs: map[string][]*dns.SRV{
			"_sip._tcp.example.com": {
				{Target: "b.example.com.", Port: 5070, Priority: 20, Weight: 10},
				{Target: "a.example.com.", Port: 5080, Priority: 10, Weight: 10},
			},
			"_sip._udp.example.com":         {{Target: "a.example.com.", Port: 5060}},
			"_sip._tcp.srvonly.example.com": {{Target: "b.example.com.", Port: 5090}},
			"_sips._tcp.tls.example.com":    {{Target: "tls.example.com.", Port: 5061}},
			"_sips._tcp.sips.example.com":   {{Target: "tls.example.com.", Port: 6061}},
			"_sip._udp.sips.example.com":    {{Target: "a.example.com.", Port: 5060}},
		},
	}

	cases := []struct {
		name string
		uri  sip.URI
		want []dns.Target
	}{
		{
			"numeric host",
			sip.URI{Scheme: "sip", Host: "192.0.2.9"},
			[]dns.Target{{"UDP", netip.MustParseAddrPort("192.0.2.9:5060")}},
		},
		{
			"numeric host with transport",
			sip.URI{Scheme: "sip", Host: "[2001:db8::1]", Port: 5070, Params: sip.Values{"transport": "tcp"}},
			[]dns.Target{{"TCP", netip.MustParseAddrPort("[2001:db8::1]:5070")}},
		},
		{
			"explicit port",
			sip.URI{Scheme: "sip", Host: "b.example.com", Port: 5999},
			[]dns.Target{{"UDP", netip.AddrPortFrom(ip3, 5999)}},
		},
		{
			"maddr",
			sip.URI{Scheme: "sip", Host: "example.com", Params: sip.Values{"maddr": "192.0.2.7"}},
			[]dns.Target{{"UDP", netip.MustParseAddrPort("192.0.2.7:5060")}},
		},
		{
			"naptr",
			sip.URI{Scheme: "sip", Host: "example.com"},
			[]dns.Target{
				{"TCP", netip.AddrPortFrom(ip2, 5080)},
				{"TCP", netip.AddrPortFrom(ip3, 5070)},
				{"UDP", netip.AddrPortFrom(ip2, 5060)},
			},
		},
		{
			"naptr sips",
			sip.URI{Scheme: "sips", Host: "sips.example.com"},
			[]dns.Target{{"TLS", netip.AddrPortFrom(ip3, 6061)}},
		},
		{
			"srv without naptr",
			sip.URI{Scheme: "sip", Host: "srvonly.example.com"},
			[]dns.Target{{"TCP", netip.AddrPortFrom(ip3, 5090)}},
		},
		{
			"srv by transport param",
			sip.URI{Scheme: "sip", Host: "tls.example.com", Params: sip.Values{"transport": "tls"}},
			[]dns.Target{{"TLS", netip.AddrPortFrom(ip3, 5061)}},
		},
		{
			"address fallback",
			sip.URI{Scheme: "sip", Host: "a.example.com", Params: sip.Values{"transport": "udp"}},
			[]dns.Target{{"UDP", netip.AddrPortFrom(ip2, 5060)}},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			got, err := dns.Locate(t.Context(), r, c.uri)
			if err != nil {
				t.Fatalf("dns.Locate(%v) error = %v, want nil", c.uri, err)
			}
			if diff := cmp.Diff(got, c.want, cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })); diff != "" {
				t.Errorf("dns.Locate(%v) = %v, want %v\ndiff (-got +want):\n%v", c.uri, got, c.want, diff)
			}
		})
	}
}

func TestLocate_NoTargets(t *testing.T) {
	t.Parallel()

	_, err := dns.Locate(t.Context(), &stubResolver{}, sip.URI{Scheme: "sip", Host: "nowhere.example.com"})
	if !errors.Is(err, dns.ErrNoTargets) {
		t.Fatalf("dns.Locate() error = %v, want %v", err, dns.ErrNoTargets)
	}
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
		t.Errorf("dns.Locate() error = %v, want wrapped not found DNS error", err)
	}
}
