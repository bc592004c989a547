package sip

import "github.com/ghettovoice/siptu/internal/types"

// RequestMethod represents a SIP request method.
// See [types.RequestMethod].
type RequestMethod = types.RequestMethod

// Request method constants.
const (
	RequestMethodAck       = types.RequestMethodAck
	RequestMethodBye       = types.RequestMethodBye
	RequestMethodCancel    = types.RequestMethodCancel
	RequestMethodInfo      = types.RequestMethodInfo
	RequestMethodInvite    = types.RequestMethodInvite
	RequestMethodMessage   = types.RequestMethodMessage
	RequestMethodNotify    = types.RequestMethodNotify
	RequestMethodOptions   = types.RequestMethodOptions
	RequestMethodPrack     = types.RequestMethodPrack
	RequestMethodPublish   = types.RequestMethodPublish
	RequestMethodRefer     = types.RequestMethodRefer
	RequestMethodRegister  = types.RequestMethodRegister
	RequestMethodSubscribe = types.RequestMethodSubscribe
	RequestMethodUpdate    = types.RequestMethodUpdate
)

// IsKnownRequestMethod returns whether the method is a known SIP request method.
func IsKnownRequestMethod(method RequestMethod) bool {
	return types.IsKnownRequestMethod(method)
}

// ResponseStatus represents a SIP response status code.
// See [types.ResponseStatus].
type ResponseStatus = types.ResponseStatus

// ResponseReason represents a SIP response reason phrase.
type ResponseReason = types.ResponseReason

// Response status constants used by the core.
const (
	ResponseStatusTrying                      = types.ResponseStatusTrying
	ResponseStatusRinging                     = types.ResponseStatusRinging
	ResponseStatusSessionProgress             = types.ResponseStatusSessionProgress
	ResponseStatusOK                          = types.ResponseStatusOK
	ResponseStatusAccepted                    = types.ResponseStatusAccepted
	ResponseStatusMovedTemporarily            = types.ResponseStatusMovedTemporarily
	ResponseStatusBadRequest                  = types.ResponseStatusBadRequest
	ResponseStatusNotFound                    = types.ResponseStatusNotFound
	ResponseStatusRequestTimeout              = types.ResponseStatusRequestTimeout
	ResponseStatusTemporarilyUnavailable      = types.ResponseStatusTemporarilyUnavailable
	ResponseStatusCallTransactionDoesNotExist = types.ResponseStatusCallTransactionDoesNotExist
	ResponseStatusBusyHere                    = types.ResponseStatusBusyHere
	ResponseStatusNotAcceptableHere           = types.ResponseStatusNotAcceptableHere
	ResponseStatusRequestTerminated           = types.ResponseStatusRequestTerminated
	ResponseStatusRequestPending              = types.ResponseStatusRequestPending
	ResponseStatusServerInternalError         = types.ResponseStatusServerInternalError
	ResponseStatusNotImplemented              = types.ResponseStatusNotImplemented
	ResponseStatusServiceUnavailable          = types.ResponseStatusServiceUnavailable
	ResponseStatusGatewayTimeout              = types.ResponseStatusGatewayTimeout
	ResponseStatusDecline                     = types.ResponseStatusDecline
)

// Extension100rel is the option tag of reliable provisional responses (RFC 3262).
const Extension100rel = "100rel"
