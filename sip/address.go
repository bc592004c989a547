package sip

import (
	"log/slog"
	"strconv"

	"github.com/ghettovoice/siptu/internal/types"
	"github.com/ghettovoice/siptu/internal/util"
)

// Values holds URI and header parameters.
// See [types.Values].
type Values = types.Values

// URI is a SIP or SIPS URI.
type URI struct {
	Scheme string `json:"scheme"`
	User   string `json:"user,omitempty"`
	Host   string `json:"host"`
	Port   uint16 `json:"port,omitempty"`
	Params Values `json:"params,omitempty"`
}

// IsZero reports whether the URI has no host.
func (u URI) IsZero() bool { return u.Host == "" }

// Clone returns a deep copy of the URI.
func (u URI) Clone() URI {
	u.Params = u.Params.Clone()
	return u
}

func (u URI) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	scheme := u.Scheme
	if scheme == "" {
		scheme = "sip"
	}
	sb.WriteString(scheme)
	sb.WriteByte(':')
	if u.User != "" {
		sb.WriteString(u.User)
		sb.WriteByte('@')
	}
	sb.WriteString(u.Host)
	if u.Port > 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(int(u.Port)))
	}
	writeParams(sb, u.Params)
	return sb.String()
}

func (u URI) LogValue() slog.Value { return slog.StringValue(u.String()) }

// Address is a name-addr of From, To, Contact, Route and Record-Route header fields.
type Address struct {
	Display string `json:"display,omitempty"`
	URI     URI    `json:"uri"`
	Params  Values `json:"params,omitempty"`
}

// Tag returns the "tag" parameter. An empty string means no tag.
func (a Address) Tag() string {
	tag, _ := a.Params.Get("tag")
	return tag
}

// SetTag sets the "tag" parameter, an empty tag removes it.
func (a *Address) SetTag(tag string) {
	if tag == "" {
		a.Params.Del("tag")
		return
	}
	a.Params.Set("tag", tag)
}

// Clone returns a deep copy of the address.
func (a Address) Clone() Address {
	a.URI = a.URI.Clone()
	a.Params = a.Params.Clone()
	return a
}

func (a Address) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	if a.Display != "" {
		sb.WriteString(strconv.Quote(a.Display))
		sb.WriteByte(' ')
	}
	sb.WriteByte('<')
	sb.WriteString(a.URI.String())
	sb.WriteByte('>')
	writeParams(sb, a.Params)
	return sb.String()
}

func (a Address) LogValue() slog.Value { return slog.StringValue(a.String()) }

func cloneAddrs(addrs []Address) []Address {
	if addrs == nil {
		return nil
	}
	out := make([]Address, len(addrs))
	for i := range addrs {
		out[i] = addrs[i].Clone()
	}
	return out
}

// Via is a single Via header field value.
type Via struct {
	Transport string `json:"transport"`
	Host      string `json:"host"`
	Port      uint16 `json:"port,omitempty"`
	Params    Values `json:"params,omitempty"`
}

// Branch returns the "branch" parameter.
func (v Via) Branch() string {
	b, _ := v.Params.Get("branch")
	return b
}

// Clone returns a deep copy of the Via.
func (v Via) Clone() Via {
	v.Params = v.Params.Clone()
	return v
}

func (v Via) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString("SIP/2.0/")
	sb.WriteString(util.UCase(v.Transport))
	sb.WriteByte(' ')
	sb.WriteString(v.Host)
	if v.Port > 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(int(v.Port)))
	}
	writeParams(sb, v.Params)
	return sb.String()
}

func cloneVias(vias []Via) []Via {
	if vias == nil {
		return nil
	}
	out := make([]Via, len(vias))
	for i := range vias {
		out[i] = vias[i].Clone()
	}
	return out
}

// BranchMagicCookie prefixes RFC 3261 compliant branch ids.
const BranchMagicCookie = "z9hG4bK"

// NewBranch generates a new RFC 3261 compliant branch id.
func NewBranch() string { return BranchMagicCookie + util.RandString(16) }

// CSeq is a CSeq header field value.
type CSeq struct {
	Seq    uint32        `json:"seq"`
	Method RequestMethod `json:"method"`
}

func (c CSeq) String() string { return strconv.FormatUint(uint64(c.Seq), 10) + " " + string(c.Method) }

// RAck is a RAck header field value of PRACK requests (RFC 3262).
type RAck struct {
	RSeq   uint32        `json:"rseq"`
	CSeq   uint32        `json:"cseq"`
	Method RequestMethod `json:"method"`
}

func writeParams(sb interface {
	WriteByte(byte) error
	WriteString(string) (int, error)
}, params Values,
) {
	for _, k := range params.Names() {
		sb.WriteByte(';')
		sb.WriteString(k)
		if v := params[k]; v != "" {
			sb.WriteByte('=')
			sb.WriteString(v)
		}
	}
}
