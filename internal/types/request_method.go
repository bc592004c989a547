package types

import "github.com/ghettovoice/siptu/internal/util"

const (
	RequestMethodAck       RequestMethod = "ACK"
	RequestMethodBye       RequestMethod = "BYE"
	RequestMethodCancel    RequestMethod = "CANCEL"
	RequestMethodInfo      RequestMethod = "INFO"
	RequestMethodInvite    RequestMethod = "INVITE"
	RequestMethodMessage   RequestMethod = "MESSAGE"
	RequestMethodNotify    RequestMethod = "NOTIFY"
	RequestMethodOptions   RequestMethod = "OPTIONS"
	RequestMethodPrack     RequestMethod = "PRACK"
	RequestMethodPublish   RequestMethod = "PUBLISH"
	RequestMethodRefer     RequestMethod = "REFER"
	RequestMethodRegister  RequestMethod = "REGISTER"
	RequestMethodSubscribe RequestMethod = "SUBSCRIBE"
	RequestMethodUpdate    RequestMethod = "UPDATE"
)

// RequestMethod is a SIP request method name.
// Methods are compared case-sensitively on the wire, but the module normalizes
// them to upper case when they enter the core.
type RequestMethod string

func (m RequestMethod) ToUpper() RequestMethod { return util.UCase(m) }

// IsValid reports whether the method is a non-empty RFC 3261 token.
func (m RequestMethod) IsValid() bool {
	if len(m) == 0 {
		return false
	}
	for i := range len(m) {
		if !isTokenChar(m[i]) {
			return false
		}
	}
	return true
}

// Equal compares methods ignoring the case.
func (m RequestMethod) Equal(other RequestMethod) bool { return util.EqFold(m, other) }

// ID returns the small registry id of a known method.
// Ids are dense, start from 0 and stay below [MaxRequestMethodID].
// The second return value is false for extension methods.
func (m RequestMethod) ID() (int, bool) {
	id, ok := reqMethodIDs[m.ToUpper()]
	return id, ok
}

// IsKnownRequestMethod reports whether the method is one of the registered methods.
func IsKnownRequestMethod(m RequestMethod) bool {
	_, ok := m.ID()
	return ok
}

// RequestMethodByID returns the method registered under the id.
func RequestMethodByID(id int) (RequestMethod, bool) {
	if id < 0 || id >= len(reqMethods) {
		return "", false
	}
	return reqMethods[id], true
}

// MaxRequestMethodID is the exclusive upper bound of method ids.
const MaxRequestMethodID = 14

var (
	reqMethods = [MaxRequestMethodID]RequestMethod{
		RequestMethodInvite,
		RequestMethodAck,
		RequestMethodBye,
		RequestMethodCancel,
		RequestMethodOptions,
		RequestMethodRegister,
		RequestMethodPrack,
		RequestMethodSubscribe,
		RequestMethodNotify,
		RequestMethodPublish,
		RequestMethodInfo,
		RequestMethodRefer,
		RequestMethodMessage,
		RequestMethodUpdate,
	}
	reqMethodIDs = func() map[RequestMethod]int {
		m := make(map[RequestMethod]int, len(reqMethods))
		for i, v := range reqMethods {
			m[v] = i
		}
		return m
	}()
)

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '-', '.', '!', '%', '*', '_', '+', '`', '\'', '~':
		return true
	}
	return false
}
