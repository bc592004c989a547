package sipgotp

import (
	"strconv"
	"strings"

	"braces.dev/errtrace"
	sgsip "github.com/emiago/sipgo/sip"

	"github.com/ghettovoice/siptu/sip"
)

// Header fields mapped onto typed fields of the core model.
// Everything else is carried in Headers.
var typedHeaders = map[string]bool{
	"via":            true,
	"from":           true,
	"to":             true,
	"call-id":        true,
	"cseq":           true,
	"max-forwards":   true,
	"contact":        true,
	"route":          true,
	"record-route":   true,
	"rack":           true,
	"rseq":           true,
	"require":        true,
	"supported":      true,
	"retry-after":    true,
	"content-length": true,
}

// ToRequest converts a core request into a sipgo request.
func ToRequest(req *sip.Request) *sgsip.Request {
	out := sgsip.NewRequest(sgsip.RequestMethod(req.Method), toURI(req.URI))
	for _, v := range req.Via {
		out.AppendHeader(toVia(v))
	}
	out.AppendHeader(&sgsip.FromHeader{
		DisplayName: req.From.Display,
		Address:     toURI(req.From.URI),
		Params:      toParams(req.From.Params),
	})
	out.AppendHeader(&sgsip.ToHeader{
		DisplayName: req.To.Display,
		Address:     toURI(req.To.URI),
		Params:      toParams(req.To.Params),
	})
	callID := sgsip.CallIDHeader(req.CallID)
	out.AppendHeader(&callID)
	out.AppendHeader(&sgsip.CSeqHeader{SeqNo: req.CSeq.Seq, MethodName: sgsip.RequestMethod(req.CSeq.Method)})
	if req.MaxForwards > 0 {
		mf := sgsip.MaxForwardsHeader(req.MaxForwards)
		out.AppendHeader(&mf)
	}
	if req.Contact != nil {
		out.AppendHeader(toContact(*req.Contact))
	}
	for _, r := range req.Route {
		out.AppendHeader(&sgsip.RouteHeader{Address: toURI(r.URI)})
	}
	for _, r := range req.RecordRoute {
		out.AppendHeader(&sgsip.RecordRouteHeader{Address: toURI(r.URI)})
	}
	if req.RAck != nil {
		out.AppendHeader(sgsip.NewHeader("RAck", strconv.FormatUint(uint64(req.RAck.RSeq), 10)+" "+
			strconv.FormatUint(uint64(req.RAck.CSeq), 10)+" "+string(req.RAck.Method)))
	}
	appendList(out, "Require", req.Require)
	appendList(out, "Supported", req.Supported)
	appendGeneric(out, req.Headers)
	out.SetBody(req.Body)
	return out
}

// ToResponse converts a core response into a sipgo response.
func ToResponse(res *sip.Response) *sgsip.Response {
	out := sgsip.NewResponse(int(res.Status), string(res.Reason))
	for _, v := range res.Via {
		out.AppendHeader(toVia(v))
	}
	out.AppendHeader(&sgsip.FromHeader{
		DisplayName: res.From.Display,
		Address:     toURI(res.From.URI),
		Params:      toParams(res.From.Params),
	})
	out.AppendHeader(&sgsip.ToHeader{
		DisplayName: res.To.Display,
		Address:     toURI(res.To.URI),
		Params:      toParams(res.To.Params),
	})
	callID := sgsip.CallIDHeader(res.CallID)
	out.AppendHeader(&callID)
	out.AppendHeader(&sgsip.CSeqHeader{SeqNo: res.CSeq.Seq, MethodName: sgsip.RequestMethod(res.CSeq.Method)})
	if res.Contact != nil {
		out.AppendHeader(toContact(*res.Contact))
	}
	for _, r := range res.RecordRoute {
		out.AppendHeader(&sgsip.RecordRouteHeader{Address: toURI(r.URI)})
	}
	if res.RSeq > 0 {
		out.AppendHeader(sgsip.NewHeader("RSeq", strconv.FormatUint(uint64(res.RSeq), 10)))
	}
	if res.RetryAfter > 0 {
		out.AppendHeader(sgsip.NewHeader("Retry-After", strconv.FormatUint(uint64(res.RetryAfter), 10)))
	}
	appendList(out, "Require", res.Require)
	appendList(out, "Supported", res.Supported)
	appendGeneric(out, res.Headers)
	out.SetBody(res.Body)
	return out
}

// FromRequest converts a received sipgo request into a core request.
func FromRequest(in *sgsip.Request) (*sip.Request, error) {
	req := &sip.Request{
		Method: sip.RequestMethod(in.Method).ToUpper(),
		URI:    fromURI(in.Recipient),
		Body:   cloneBody(in.Body()),
	}
	for _, h := range in.Headers() {
		switch h := h.(type) {
		case *sgsip.ViaHeader:
			req.Via = append(req.Via, fromVia(h))
		case *sgsip.FromHeader:
			req.From = sip.Address{Display: h.DisplayName, URI: fromURI(h.Address), Params: fromParams(h.Params)}
		case *sgsip.ToHeader:
			req.To = sip.Address{Display: h.DisplayName, URI: fromURI(h.Address), Params: fromParams(h.Params)}
		case *sgsip.CallIDHeader:
			req.CallID = string(*h)
		case *sgsip.CSeqHeader:
			req.CSeq = sip.CSeq{Seq: h.SeqNo, Method: sip.RequestMethod(h.MethodName).ToUpper()}
		case *sgsip.ContactHeader:
			if req.Contact == nil {
				c := fromContact(h)
				req.Contact = &c
			}
		case *sgsip.RouteHeader:
			req.Route = append(req.Route, sip.Address{URI: fromURI(h.Address)})
		case *sgsip.RecordRouteHeader:
			req.RecordRoute = append(req.RecordRoute, sip.Address{URI: fromURI(h.Address)})
		default:
			if err := setRequestHeader(req, h.Name(), h.Value()); err != nil {
				return nil, errtrace.Wrap(err)
			}
		}
	}
	return req, nil
}

// FromResponse converts a received sipgo response into a core response.
func FromResponse(in *sgsip.Response) (*sip.Response, error) {
	res := &sip.Response{
		Status: sip.ResponseStatus(in.StatusCode),
		Reason: sip.ResponseReason(in.Reason),
		Body:   cloneBody(in.Body()),
	}
	for _, h := range in.Headers() {
		switch h := h.(type) {
		case *sgsip.ViaHeader:
			res.Via = append(res.Via, fromVia(h))
		case *sgsip.FromHeader:
			res.From = sip.Address{Display: h.DisplayName, URI: fromURI(h.Address), Params: fromParams(h.Params)}
		case *sgsip.ToHeader:
			res.To = sip.Address{Display: h.DisplayName, URI: fromURI(h.Address), Params: fromParams(h.Params)}
		case *sgsip.CallIDHeader:
			res.CallID = string(*h)
		case *sgsip.CSeqHeader:
			res.CSeq = sip.CSeq{Seq: h.SeqNo, Method: sip.RequestMethod(h.MethodName).ToUpper()}
		case *sgsip.ContactHeader:
			if res.Contact == nil {
				c := fromContact(h)
				res.Contact = &c
			}
		case *sgsip.RecordRouteHeader:
			res.RecordRoute = append(res.RecordRoute, sip.Address{URI: fromURI(h.Address)})
		default:
			if err := setResponseHeader(res, h.Name(), h.Value()); err != nil {
				return nil, errtrace.Wrap(err)
			}
		}
	}
	return res, nil
}

func setRequestHeader(req *sip.Request, name, value string) error {
	switch strings.ToLower(name) {
	case "max-forwards":
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return errtrace.Wrap(sip.NewInvalidMessageError("invalid Max-Forwards %q", value))
		}
		req.MaxForwards = n
	case "rack":
		rack, err := parseRAck(value)
		if err != nil {
			return errtrace.Wrap(err)
		}
		req.RAck = &rack
	case "require":
		req.Require = append(req.Require, splitList(value)...)
	case "supported", "k":
		req.Supported = append(req.Supported, splitList(value)...)
	case "content-length", "l":
	default:
		addGeneric(&req.Headers, name, value)
	}
	return nil
}

func setResponseHeader(res *sip.Response, name, value string) error {
	switch strings.ToLower(name) {
	case "rseq":
		n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 32)
		if err != nil {
			return errtrace.Wrap(sip.NewInvalidMessageError("invalid RSeq %q", value))
		}
		res.RSeq = uint32(n)
	case "retry-after":
		// Comments and parameters after the delta-seconds are dropped.
		f := strings.FieldsFunc(value, func(r rune) bool { return r == ' ' || r == ';' || r == '(' })
		if len(f) == 0 {
			return errtrace.Wrap(sip.NewInvalidMessageError("invalid Retry-After %q", value))
		}
		n, err := strconv.ParseUint(f[0], 10, 32)
		if err != nil {
			return errtrace.Wrap(sip.NewInvalidMessageError("invalid Retry-After %q", value))
		}
		res.RetryAfter = uint32(n)
	case "require":
		res.Require = append(res.Require, splitList(value)...)
	case "supported", "k":
		res.Supported = append(res.Supported, splitList(value)...)
	case "content-length", "l", "max-forwards":
	default:
		addGeneric(&res.Headers, name, value)
	}
	return nil
}

func parseRAck(s string) (sip.RAck, error) {
	f := strings.Fields(s)
	if len(f) != 3 {
		return sip.RAck{}, errtrace.Wrap(sip.NewInvalidMessageError("invalid RAck %q", s))
	}
	rseq, err1 := strconv.ParseUint(f[0], 10, 32)
	cseq, err2 := strconv.ParseUint(f[1], 10, 32)
	if err1 != nil || err2 != nil {
		return sip.RAck{}, errtrace.Wrap(sip.NewInvalidMessageError("invalid RAck %q", s))
	}
	return sip.RAck{
		RSeq:   uint32(rseq),
		CSeq:   uint32(cseq),
		Method: sip.RequestMethod(f[2]).ToUpper(),
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// addGeneric keeps one value per header name, repeated fields are joined
// as a comma separated list.
func addGeneric(hdrs *sip.Values, name, value string) {
	if prev, ok := hdrs.Get(name); ok {
		value = prev + ", " + value
	}
	hdrs.Set(name, value)
}

func appendList(m interface{ AppendHeader(sgsip.Header) }, name string, vals []string) {
	if len(vals) == 0 {
		return
	}
	m.AppendHeader(sgsip.NewHeader(name, strings.Join(vals, ", ")))
}

func appendGeneric(m interface{ AppendHeader(sgsip.Header) }, hdrs sip.Values) {
	for _, name := range hdrs.Names() {
		if typedHeaders[name] {
			continue
		}
		m.AppendHeader(sgsip.NewHeader(name, hdrs[name]))
	}
}

func toURI(u sip.URI) sgsip.Uri {
	return sgsip.Uri{
		Scheme:    strings.ToLower(u.Scheme),
		User:      u.User,
		Host:      u.Host,
		Port:      int(u.Port),
		UriParams: toParams(u.Params),
		Headers:   sgsip.NewParams(),
	}
}

func fromURI(u sgsip.Uri) sip.URI {
	out := sip.URI{
		Scheme: strings.ToLower(u.Scheme),
		User:   u.User,
		Host:   u.Host,
		Params: fromParams(u.UriParams),
	}
	if out.Scheme == "" {
		out.Scheme = "sip"
	}
	if u.Port > 0 && u.Port <= 0xffff {
		out.Port = uint16(u.Port)
	}
	return out
}

func toVia(v sip.Via) *sgsip.ViaHeader {
	return &sgsip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       strings.ToUpper(v.Transport),
		Host:            v.Host,
		Port:            int(v.Port),
		Params:          toParams(v.Params),
	}
}

func fromVia(h *sgsip.ViaHeader) sip.Via {
	v := sip.Via{
		Transport: strings.ToUpper(h.Transport),
		Host:      h.Host,
		Params:    fromParams(h.Params),
	}
	if h.Port > 0 && h.Port <= 0xffff {
		v.Port = uint16(h.Port)
	}
	return v
}

func toContact(a sip.Address) *sgsip.ContactHeader {
	return &sgsip.ContactHeader{
		DisplayName: a.Display,
		Address:     toURI(a.URI),
		Params:      toParams(a.Params),
	}
}

func fromContact(h *sgsip.ContactHeader) sip.Address {
	return sip.Address{Display: h.DisplayName, URI: fromURI(h.Address), Params: fromParams(h.Params)}
}

func toParams(vals sip.Values) sgsip.HeaderParams {
	p := sgsip.NewParams()
	for _, k := range vals.Names() {
		p = p.Add(k, vals[k])
	}
	return p
}

func fromParams(p sgsip.HeaderParams) sip.Values {
	var out sip.Values
	for k, v := range p {
		out.Set(k, v)
	}
	return out
}

func cloneBody(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
