package types

import "strconv"

const (
	ResponseStatusTrying               ResponseStatus = 100
	ResponseStatusRinging              ResponseStatus = 180
	ResponseStatusCallIsBeingForwarded ResponseStatus = 181
	ResponseStatusQueued               ResponseStatus = 182
	ResponseStatusSessionProgress      ResponseStatus = 183

	ResponseStatusOK       ResponseStatus = 200
	ResponseStatusAccepted ResponseStatus = 202

	ResponseStatusMultipleChoices  ResponseStatus = 300
	ResponseStatusMovedPermanently ResponseStatus = 301
	ResponseStatusMovedTemporarily ResponseStatus = 302

	ResponseStatusBadRequest                  ResponseStatus = 400
	ResponseStatusUnauthorized                ResponseStatus = 401
	ResponseStatusForbidden                   ResponseStatus = 403
	ResponseStatusNotFound                    ResponseStatus = 404
	ResponseStatusMethodNotAllowed            ResponseStatus = 405
	ResponseStatusProxyAuthenticationRequired ResponseStatus = 407
	ResponseStatusRequestTimeout              ResponseStatus = 408
	ResponseStatusGone                        ResponseStatus = 410
	ResponseStatusBadExtension                ResponseStatus = 420
	ResponseStatusExtensionRequired           ResponseStatus = 421
	ResponseStatusTemporarilyUnavailable      ResponseStatus = 480
	ResponseStatusCallTransactionDoesNotExist ResponseStatus = 481
	ResponseStatusLoopDetected                ResponseStatus = 482
	ResponseStatusTooManyHops                 ResponseStatus = 483
	ResponseStatusBusyHere                    ResponseStatus = 486
	ResponseStatusRequestTerminated           ResponseStatus = 487
	ResponseStatusNotAcceptableHere           ResponseStatus = 488
	ResponseStatusBadEvent                    ResponseStatus = 489
	ResponseStatusRequestPending              ResponseStatus = 491

	ResponseStatusServerInternalError ResponseStatus = 500
	ResponseStatusNotImplemented      ResponseStatus = 501
	ResponseStatusBadGateway          ResponseStatus = 502
	ResponseStatusServiceUnavailable  ResponseStatus = 503
	ResponseStatusGatewayTimeout      ResponseStatus = 504

	ResponseStatusBusyEverywhere ResponseStatus = 600
	ResponseStatusDecline        ResponseStatus = 603
)

// ResponseStatus is a SIP response status code.
type ResponseStatus uint

func (s ResponseStatus) IsValid() bool { return s >= 100 && s < 700 }

func (s ResponseStatus) IsProvisional() bool { return s >= 100 && s < 200 }

func (s ResponseStatus) IsSuccessful() bool { return s >= 200 && s < 300 }

func (s ResponseStatus) IsRedirection() bool { return s >= 300 && s < 400 }

// IsFailure reports whether the status is 3xx-6xx.
// Redirections are failures from the dialog point of view.
func (s ResponseStatus) IsFailure() bool { return s >= 300 && s < 700 }

func (s ResponseStatus) IsFinal() bool { return s >= 200 && s < 700 }

// Reason returns the default reason phrase of the status.
// Unknown statuses get the phrase of their class.
func (s ResponseStatus) Reason() ResponseReason {
	if r, ok := responseReasons[s]; ok {
		return r
	}
	return classReasons[s/100]
}

func (s ResponseStatus) String() string { return strconv.FormatUint(uint64(s), 10) }

// ResponseReason is a reason phrase of the SIP response.
type ResponseReason string

var classReasons = map[ResponseStatus]ResponseReason{
	1: "Provisional",
	2: "Success",
	3: "Redirection",
	4: "Request Failure",
	5: "Server Failure",
	6: "Global Failure",
}

var responseReasons = map[ResponseStatus]ResponseReason{
	ResponseStatusTrying:               "Trying",
	ResponseStatusRinging:              "Ringing",
	ResponseStatusCallIsBeingForwarded: "Call Is Being Forwarded",
	ResponseStatusQueued:               "Queued",
	ResponseStatusSessionProgress:      "Session Progress",

	ResponseStatusOK:       "OK",
	ResponseStatusAccepted: "Accepted",

	ResponseStatusMultipleChoices:  "Multiple Choices",
	ResponseStatusMovedPermanently: "Moved Permanently",
	ResponseStatusMovedTemporarily: "Moved Temporarily",

	ResponseStatusBadRequest:                  "Bad Request",
	ResponseStatusUnauthorized:                "Unauthorized",
	ResponseStatusForbidden:                   "Forbidden",
	ResponseStatusNotFound:                    "Not Found",
	ResponseStatusMethodNotAllowed:            "Method Not Allowed",
	ResponseStatusProxyAuthenticationRequired: "Proxy Authentication Required",
	ResponseStatusRequestTimeout:              "Request Timeout",
	ResponseStatusGone:                        "Gone",
	ResponseStatusBadExtension:                "Bad Extension",
	ResponseStatusExtensionRequired:           "Extension Required",
	ResponseStatusTemporarilyUnavailable:      "Temporarily Unavailable",
	ResponseStatusCallTransactionDoesNotExist: "Call/Transaction Does Not Exist",
	ResponseStatusLoopDetected:                "Loop Detected",
	ResponseStatusTooManyHops:                 "Too Many Hops",
	ResponseStatusBusyHere:                    "Busy Here",
	ResponseStatusRequestTerminated:           "Request Terminated",
	ResponseStatusNotAcceptableHere:           "Not Acceptable Here",
	ResponseStatusBadEvent:                    "Bad Event",
	ResponseStatusRequestPending:              "Request Pending",

	ResponseStatusServerInternalError: "Server Internal Error",
	ResponseStatusNotImplemented:      "Not Implemented",
	ResponseStatusBadGateway:          "Bad Gateway",
	ResponseStatusServiceUnavailable:  "Service Unavailable",
	ResponseStatusGatewayTimeout:      "Server Time-out",

	ResponseStatusBusyEverywhere: "Busy Everywhere",
	ResponseStatusDecline:        "Decline",
}
