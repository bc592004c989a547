package sip

import (
	"log/slog"
	"slices"
	"strconv"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptu/internal/util"
)

// Request is a parsed SIP request.
// Header fields that the core does not interpret are kept in Headers.
type Request struct {
	Method      RequestMethod `json:"method"`
	URI         URI           `json:"uri"`
	Via         []Via         `json:"via,omitempty"`
	From        Address       `json:"from"`
	To          Address       `json:"to"`
	CallID      string        `json:"call_id"`
	CSeq        CSeq          `json:"cseq"`
	MaxForwards int           `json:"max_forwards,omitempty"`
	Contact     *Address      `json:"contact,omitempty"`
	Route       []Address     `json:"route,omitempty"`
	RecordRoute []Address     `json:"record_route,omitempty"`
	RAck        *RAck         `json:"rack,omitempty"`
	Require     []string      `json:"require,omitempty"`
	Supported   []string      `json:"supported,omitempty"`
	Headers     Values        `json:"headers,omitempty"`
	Body        []byte        `json:"body,omitempty"`
}

// Clone returns a deep copy of the request.
func (req *Request) Clone() *Request {
	if req == nil {
		return nil
	}

	req2 := *req
	req2.URI = req.URI.Clone()
	req2.Via = cloneVias(req.Via)
	req2.From = req.From.Clone()
	req2.To = req.To.Clone()
	if req.Contact != nil {
		c := req.Contact.Clone()
		req2.Contact = &c
	}
	req2.Route = cloneAddrs(req.Route)
	req2.RecordRoute = cloneAddrs(req.RecordRoute)
	if req.RAck != nil {
		rack := *req.RAck
		req2.RAck = &rack
	}
	req2.Require = slices.Clone(req.Require)
	req2.Supported = slices.Clone(req.Supported)
	req2.Headers = req.Headers.Clone()
	req2.Body = slices.Clone(req.Body)
	return &req2
}

// Validate checks that the header fields the core relies on are present.
func (req *Request) Validate() error {
	switch {
	case req == nil:
		return errtrace.Wrap(NewInvalidMessageError("nil request"))
	case !req.Method.IsValid():
		return errtrace.Wrap(NewInvalidMessageError("invalid method %q", req.Method))
	case req.URI.IsZero():
		return errtrace.Wrap(NewInvalidMessageError("missing Request-URI"))
	case req.CallID == "":
		return errtrace.Wrap(NewInvalidMessageError("missing Call-ID"))
	case req.CSeq.Method == "" || !req.CSeq.Method.Equal(req.Method):
		return errtrace.Wrap(NewInvalidMessageError("CSeq method %q does not match %q", req.CSeq.Method, req.Method))
	case req.Method == RequestMethodPrack && req.RAck == nil:
		return errtrace.Wrap(NewInvalidMessageError("missing RAck"))
	}
	return nil
}

// IsOutOfDialog reports whether the request carries no To tag.
func (req *Request) IsOutOfDialog() bool { return req.To.Tag() == "" }

// TopVia returns the topmost Via.
func (req *Request) TopVia() (Via, bool) {
	if len(req.Via) == 0 {
		return Via{}, false
	}
	return req.Via[0], true
}

// Branch returns the branch of the topmost Via.
func (req *Request) Branch() string {
	v, _ := req.TopVia()
	return v.Branch()
}

// SessionID returns the "sid" parameter of the topmost Route URI.
// Stateful proxies stamp it into their Record-Route so that subsequent
// requests of the session can be matched without Call-ID and tags.
func (req *Request) SessionID() string {
	if len(req.Route) == 0 {
		return ""
	}
	sid, _ := req.Route[0].URI.Params.Get(SessionIDParam)
	return sid
}

// SessionIDParam is the Route/Record-Route URI parameter carrying the proxy session id.
const SessionIDParam = "sid"

// Requires reports whether the Require header field lists the option tag.
func (req *Request) Requires(ext string) bool { return util.ContainsFold(req.Require, ext) }

// Supports reports whether the extension is listed in Supported or Require.
func (req *Request) Supports(ext string) bool {
	return util.ContainsFold(req.Supported, ext) || req.Requires(ext)
}

// NewResponse creates a response to the request.
// Via, From, To, Call-ID and CSeq are copied from the request,
// an empty reason is replaced by the default phrase of the status.
func (req *Request) NewResponse(sts ResponseStatus, reason ResponseReason) *Response {
	if reason == "" {
		reason = sts.Reason()
	}
	return &Response{
		Status: sts,
		Reason: reason,
		Via:    cloneVias(req.Via),
		From:   req.From.Clone(),
		To:     req.To.Clone(),
		CallID: req.CallID,
		CSeq:   req.CSeq,
	}
}

// NewCancel creates a CANCEL for the INVITE request (RFC 3261 section 9.1).
func (req *Request) NewCancel() *Request {
	cancel := &Request{
		Method:      RequestMethodCancel,
		URI:         req.URI.Clone(),
		From:        req.From.Clone(),
		To:          req.To.Clone(),
		CallID:      req.CallID,
		CSeq:        CSeq{Seq: req.CSeq.Seq, Method: RequestMethodCancel},
		MaxForwards: req.MaxForwards,
		Route:       cloneAddrs(req.Route),
	}
	if v, ok := req.TopVia(); ok {
		cancel.Via = []Via{v.Clone()}
	}
	return cancel
}

func (req *Request) String() string {
	if req == nil {
		return "<nil>"
	}
	return string(req.Method) + " " + req.URI.String() + " " + req.CSeq.String()
}

func (req *Request) LogValue() slog.Value {
	if req == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("method", string(req.Method)),
		slog.String("uri", req.URI.String()),
		slog.String("call_id", req.CallID),
		slog.String("cseq", strconv.FormatUint(uint64(req.CSeq.Seq), 10)),
		slog.String("from_tag", req.From.Tag()),
		slog.String("to_tag", req.To.Tag()),
		slog.String("branch", req.Branch()),
	)
}
