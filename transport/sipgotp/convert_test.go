package sipgotp_test

import (
	"testing"

	sgsip "github.com/emiago/sipgo/sip"
	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/siptu/sip"
	"github.com/ghettovoice/siptu/transport/sipgotp"
)

func newInvite() *sip.Request {
	return &sip.Request{
		Method: sip.RequestMethodInvite,
		URI:    sip.URI{Scheme: "sip", User: "bob", Host: "biloxi.example.com"},
		Via: []sip.Via{
			{Transport: "UDP", Host: "192.0.2.1", Port: 5060, Params: sip.Values{"branch": "z9hG4bKnashds8"}},
			{Transport: "TCP", Host: "192.0.2.2", Params: sip.Values{"branch": "z9hG4bK776asdhds", "received": "192.0.2.20"}},
		},
		From:        sip.Address{Display: "Alice", URI: sip.URI{Scheme: "sip", User: "alice", Host: "atlanta.example.com"}, Params: sip.Values{"tag": "1928301774"}},
		To:          sip.Address{URI: sip.URI{Scheme: "sip", User: "bob", Host: "biloxi.example.com"}},
		CallID:      "a84b4c76e66710",
		CSeq:        sip.CSeq{Seq: 314159, Method: sip.RequestMethodInvite},
		MaxForwards: 70,
		Contact:     &sip.Address{URI: sip.URI{Scheme: "sip", User: "alice", Host: "192.0.2.1", Port: 5060}},
		Route: []sip.Address{
			{URI: sip.URI{Scheme: "sip", Host: "proxy.example.com", Params: sip.Values{"lr": ""}}},
		},
		Supported: []string{"100rel", "timer"},
		Headers:   sip.Values{"subject": "lunch"},
		Body:      []byte("v=0\r\n"),
	}
}

func TestToRequest(t *testing.T) {
	t.Parallel()

	req := newInvite()
	out := sipgotp.ToRequest(req)

	if got, want := out.Method, sgsip.INVITE; got != want {
		t.Errorf("out.Method = %q, want %q", got, want)
	}
	if got, want := out.Recipient.Host, "biloxi.example.com"; got != want {
		t.Errorf("out.Recipient.Host = %q, want %q", got, want)
	}
	if got, want := len(out.GetHeaders("Via")), 2; got != want {
		t.Fatalf("len(out.GetHeaders(\"Via\")) = %d, want %d", got, want)
	}
	if br, _ := out.Via().Params.Get("branch"); br != "z9hG4bKnashds8" {
		t.Errorf("top Via branch = %q, want %q", br, "z9hG4bKnashds8")
	}
	if tag, _ := out.From().Params.Get("tag"); tag != "1928301774" {
		t.Errorf("From tag = %q, want %q", tag, "1928301774")
	}
	if got, want := out.CallID().Value(), "a84b4c76e66710"; got != want {
		t.Errorf("out.CallID() = %q, want %q", got, want)
	}
	if cseq := out.CSeq(); cseq.SeqNo != 314159 || cseq.MethodName != sgsip.INVITE {
		t.Errorf("out.CSeq() = %v, want 314159 INVITE", cseq)
	}
	if h := out.GetHeader("Supported"); h == nil || h.Value() != "100rel, timer" {
		t.Errorf("Supported = %v, want \"100rel, timer\"", h)
	}
	if got, want := string(out.Body()), "v=0\r\n"; got != want {
		t.Errorf("out.Body() = %q, want %q", got, want)
	}
}

func TestFromRequest(t *testing.T) {
	t.Parallel()

	want := newInvite()
	got, err := sipgotp.FromRequest(sipgotp.ToRequest(want))
	if err != nil {
		t.Fatalf("sipgotp.FromRequest() error = %v, want nil", err)
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("sipgotp.FromRequest() = %v, want %v\ndiff (-got +want):\n%v", got, want, diff)
	}
}

func TestFromRequest_Prack(t *testing.T) {
	t.Parallel()

	in := sgsip.NewRequest(sgsip.PRACK, sgsip.Uri{Scheme: "sip", Host: "192.0.2.1"})
	in.AppendHeader(sgsip.NewHeader("RAck", "776656 1 INVITE"))
	in.AppendHeader(sgsip.NewHeader("Require", "100rel"))

	req, err := sipgotp.FromRequest(in)
	if err != nil {
		t.Fatalf("sipgotp.FromRequest() error = %v, want nil", err)
	}
	wantRAck := &sip.RAck{RSeq: 776656, CSeq: 1, Method: sip.RequestMethodInvite}
	if diff := cmp.Diff(req.RAck, wantRAck); diff != "" {
		t.Errorf("req.RAck = %+v, want %+v\ndiff (-got +want):\n%v", req.RAck, wantRAck, diff)
	}
	if !req.Requires(sip.Extension100rel) {
		t.Errorf("req.Require = %v, want 100rel", req.Require)
	}

	bad := sgsip.NewRequest(sgsip.PRACK, sgsip.Uri{Scheme: "sip", Host: "192.0.2.1"})
	bad.AppendHeader(sgsip.NewHeader("RAck", "one two"))
	if _, err := sipgotp.FromRequest(bad); err == nil {
		t.Error("sipgotp.FromRequest(bad RAck) error = nil, want error")
	}
}

func TestFromResponse(t *testing.T) {
	t.Parallel()

	in := sgsip.NewResponse(sgsip.StatusSessionInProgress, "Session Progress")
	in.AppendHeader(&sgsip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "192.0.2.1",
		Port:            5060,
		Params:          sgsip.NewParams().Add("branch", "z9hG4bKnashds8"),
	})
	in.AppendHeader(&sgsip.ToHeader{
		Address: sgsip.Uri{Scheme: "sip", User: "bob", Host: "biloxi.example.com"},
		Params:  sgsip.NewParams().Add("tag", "a6c85cf"),
	})
	callID := sgsip.CallIDHeader("a84b4c76e66710")
	in.AppendHeader(&callID)
	in.AppendHeader(&sgsip.CSeqHeader{SeqNo: 1, MethodName: sgsip.INVITE})
	in.AppendHeader(sgsip.NewHeader("RSeq", "42"))
	in.AppendHeader(sgsip.NewHeader("Require", "100rel"))
	in.AppendHeader(sgsip.NewHeader("Retry-After", "18000;duration=3600"))
	in.AppendHeader(sgsip.NewHeader("X-Trace", "a"))
	in.AppendHeader(sgsip.NewHeader("X-Trace", "b"))

	res, err := sipgotp.FromResponse(in)
	if err != nil {
		t.Fatalf("sipgotp.FromResponse() error = %v, want nil", err)
	}
	if got, want := res.Status, sip.ResponseStatus(183); got != want {
		t.Errorf("res.Status = %v, want %v", got, want)
	}
	if got, want := res.Branch(), "z9hG4bKnashds8"; got != want {
		t.Errorf("res.Branch() = %q, want %q", got, want)
	}
	if got, want := res.To.Tag(), "a6c85cf"; got != want {
		t.Errorf("res.To.Tag() = %q, want %q", got, want)
	}
	if !res.IsReliableProvisional() {
		t.Errorf("res.IsReliableProvisional() = false, want true")
	}
	if got, want := res.RetryAfter, uint32(18000); got != want {
		t.Errorf("res.RetryAfter = %d, want %d", got, want)
	}
	if got, _ := res.Headers.Get("X-Trace"); got != "a, b" {
		t.Errorf("X-Trace = %q, want %q", got, "a, b")
	}
}
