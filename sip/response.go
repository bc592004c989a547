package sip

import (
	"log/slog"
	"slices"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptu/internal/util"
)

// Response is a parsed SIP response.
type Response struct {
	Status      ResponseStatus `json:"status"`
	Reason      ResponseReason `json:"reason"`
	Via         []Via          `json:"via,omitempty"`
	From        Address        `json:"from"`
	To          Address        `json:"to"`
	CallID      string         `json:"call_id"`
	CSeq        CSeq           `json:"cseq"`
	Contact     *Address       `json:"contact,omitempty"`
	RecordRoute []Address      `json:"record_route,omitempty"`
	RSeq        uint32         `json:"rseq,omitempty"`
	Require     []string       `json:"require,omitempty"`
	Supported   []string       `json:"supported,omitempty"`
	RetryAfter  uint32         `json:"retry_after,omitempty"`
	Headers     Values         `json:"headers,omitempty"`
	Body        []byte         `json:"body,omitempty"`
}

// Clone returns a deep copy of the response.
func (res *Response) Clone() *Response {
	if res == nil {
		return nil
	}

	res2 := *res
	res2.Via = cloneVias(res.Via)
	res2.From = res.From.Clone()
	res2.To = res.To.Clone()
	if res.Contact != nil {
		c := res.Contact.Clone()
		res2.Contact = &c
	}
	res2.RecordRoute = cloneAddrs(res.RecordRoute)
	res2.Require = slices.Clone(res.Require)
	res2.Supported = slices.Clone(res.Supported)
	res2.Headers = res.Headers.Clone()
	res2.Body = slices.Clone(res.Body)
	return &res2
}

// Validate checks that the header fields the core relies on are present.
func (res *Response) Validate() error {
	switch {
	case res == nil:
		return errtrace.Wrap(NewInvalidMessageError("nil response"))
	case !res.Status.IsValid():
		return errtrace.Wrap(NewInvalidMessageError("invalid status %d", res.Status))
	case res.CallID == "":
		return errtrace.Wrap(NewInvalidMessageError("missing Call-ID"))
	case !res.CSeq.Method.IsValid():
		return errtrace.Wrap(NewInvalidMessageError("invalid CSeq method %q", res.CSeq.Method))
	}
	return nil
}

// Branch returns the branch of the topmost Via.
func (res *Response) Branch() string {
	if len(res.Via) == 0 {
		return ""
	}
	return res.Via[0].Branch()
}

// Requires reports whether the Require header field lists the option tag.
func (res *Response) Requires(ext string) bool { return util.ContainsFold(res.Require, ext) }

// IsReliableProvisional reports whether the response is a reliable provisional
// response (RFC 3262): a non-100 provisional response requiring 100rel with an RSeq.
func (res *Response) IsReliableProvisional() bool {
	return res.Status.IsProvisional() && res.Status != ResponseStatusTrying &&
		res.RSeq > 0 && res.Requires(Extension100rel)
}

func (res *Response) String() string {
	if res == nil {
		return "<nil>"
	}
	return res.Status.String() + " " + string(res.Reason) + " " + res.CSeq.String()
}

func (res *Response) LogValue() slog.Value {
	if res == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Int("status", int(res.Status)),
		slog.String("reason", string(res.Reason)),
		slog.String("call_id", res.CallID),
		slog.String("cseq", res.CSeq.String()),
		slog.String("from_tag", res.From.Tag()),
		slog.String("to_tag", res.To.Tag()),
		slog.String("branch", res.Branch()),
	)
}
