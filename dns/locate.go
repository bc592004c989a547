package dns

import (
	"context"
	"net/netip"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptu/internal/errorutil"
	"github.com/ghettovoice/siptu/sip"
)

// ErrNoTargets is returned by [Locate] when no record leads to an address.
const ErrNoTargets errorutil.Error = "no targets found"

const (
	DefaultPort    uint16 = 5060
	DefaultTLSPort uint16 = 5061
)

// Target is a resolved next hop of a request.
type Target struct {
	Transport string
	Addr      netip.AddrPort
}

func (t Target) String() string { return t.Transport + ":" + t.Addr.String() }

var naptrServices = map[string]string{
	"SIP+D2U":  "UDP",
	"SIP+D2T":  "TCP",
	"SIPS+D2T": "TLS",
}

// Locate resolves the URI of the next hop into an ordered list of targets
// following RFC 3263 section 4: numeric hosts and explicit ports skip the
// NAPTR and SRV steps, an explicit transport parameter skips NAPTR.
func Locate(ctx context.Context, r Resolver, u sip.URI) ([]Target, error) {
	secure := strings.EqualFold(u.Scheme, "sips")
	host := u.Host
	if maddr, ok := u.Params.Get("maddr"); ok && maddr != "" {
		host = maddr
	}
	tp, _ := u.Params.Get("transport")
	tp = strings.ToUpper(tp)

	if ip, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		tp = defaultTransport(tp, secure)
		return []Target{{tp, netip.AddrPortFrom(ip.Unmap(), portOr(u.Port, tp))}}, nil
	}
	if u.Port > 0 {
		tp = defaultTransport(tp, secure)
		return errtrace.Wrap2(addrTargets(ctx, r, host, tp, u.Port, nil))
	}

	var errs []error
	if tp == "" {
		targets, err := naptrTargets(ctx, r, host, secure)
		if len(targets) > 0 {
			return targets, nil
		}
		errs = append(errs, err)
	}

	tps := []string{tp}
	switch {
	case tp != "":
	case secure:
		tps = []string{"TLS"}
	default:
		tps = []string{"UDP", "TCP"}
	}
	for _, t := range tps {
		service, proto := "sip", strings.ToLower(t)
		if t == "TLS" {
			service, proto = "sips", "tcp"
		}
		srvs, err := r.LookupSRV(ctx, service, proto, host)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if targets := srvTargets(ctx, r, srvs, t); len(targets) > 0 {
			return targets, nil
		}
	}

	tp = defaultTransport(tp, secure)
	return errtrace.Wrap2(addrTargets(ctx, r, host, tp, portOr(0, tp), errs))
}

func naptrTargets(ctx context.Context, r Resolver, host string, secure bool) ([]Target, error) {
	recs, err := r.LookupNAPTR(ctx, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	recs = append([]*NAPTR(nil), recs...)
	sortNAPTR(recs)
	var targets []Target
	for _, rec := range recs {
		tp, ok := naptrServices[strings.ToUpper(rec.Service)]
		if !ok || !strings.EqualFold(rec.Flags, "s") || (secure && tp != "TLS") {
			continue
		}
		srvs, err := r.LookupSRV(ctx, "", "", rec.Replacement)
		if err != nil {
			continue
		}
		targets = append(targets, srvTargets(ctx, r, srvs, tp)...)
	}
	return targets, nil
}

func srvTargets(ctx context.Context, r Resolver, srvs []*SRV, tp string) []Target {
	srvs = append([]*SRV(nil), srvs...)
	sortSRV(srvs)
	var targets []Target
	for _, srv := range srvs {
		ips, err := r.LookupIP(ctx, strings.TrimSuffix(srv.Target, "."))
		if err != nil {
			continue
		}
		for _, ip := range ips {
			targets = append(targets, Target{tp, netip.AddrPortFrom(ip, srv.Port)})
		}
	}
	return targets
}

func addrTargets(ctx context.Context, r Resolver, host, tp string, port uint16, errs []error) ([]Target, error) {
	ips, err := r.LookupIP(ctx, host)
	if err != nil {
		errs = append(errs, err)
	}
	if len(ips) == 0 {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrNoTargets,
			errorutil.JoinPrefix("host "+strconv.Quote(host), errs...)))
	}
	targets := make([]Target, 0, len(ips))
	for _, ip := range ips {
		targets = append(targets, Target{tp, netip.AddrPortFrom(ip, port)})
	}
	return targets, nil
}

func defaultTransport(tp string, secure bool) string {
	switch {
	case tp != "":
		return tp
	case secure:
		return "TLS"
	default:
		return "UDP"
	}
}

func portOr(port uint16, tp string) uint16 {
	switch {
	case port > 0:
		return port
	case tp == "TLS":
		return DefaultTLSPort
	default:
		return DefaultPort
	}
}
