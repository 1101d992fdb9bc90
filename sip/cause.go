package sip

import "fmt"

// Cause classifies why a session ended or failed.
type Cause string

const (
	// Successful teardown.
	CauseBye      Cause = "Terminated"
	CauseCanceled Cause = "Canceled"

	// Call setup failures.
	CauseBusy                Cause = "Busy"
	CauseRejected            Cause = "Rejected"
	CauseUnavailable         Cause = "Unavailable"
	CauseNotFound            Cause = "Not Found"
	CauseNoAnswer            Cause = "No Answer"
	CauseExpires             Cause = "Expires"
	CauseRedirected          Cause = "Redirected"
	CauseAuthenticationError Cause = "Authentication Error"
	CauseIncompatibleSDP     Cause = "Incompatible SDP"
	CauseBadMediaDescription Cause = "Bad Media Description"
	CauseSIPFailureCode      Cause = "SIP Failure Code"
	CauseWebRTCError         Cause = "WebRTC Error"

	// Mid-call failures.
	CauseNoACK           Cause = "No ACK"
	CauseDialogError     Cause = "Dialog Error"
	CauseRequestTimeout  Cause = "Request Timeout"
	CauseConnectionError Cause = "Connection Error"
	CauseInternalError   Cause = "Internal Error"
	CauseUserDenied      Cause = "User Denied Media Access"
	CauseRTPTimeout      Cause = "RTP Timeout"
)

// CauseFromStatus maps a final failure response status to a cause.
func CauseFromStatus(code StatusCode) Cause {
	switch code {
	case StatusUnauthorized, StatusProxyAuthRequired:
		return CauseAuthenticationError
	case StatusNotFound:
		return CauseNotFound
	case StatusRequestTimeout, StatusTemporarilyUnavailable:
		return CauseUnavailable
	case StatusUnsupportedMediaType, StatusNotAcceptableHere:
		return CauseIncompatibleSDP
	case StatusBusyHere, StatusBusyEverywhere:
		return CauseBusy
	case StatusRequestTerminated:
		return CauseCanceled
	case StatusDecline:
		return CauseRejected
	default:
		if code >= 300 && code < 400 {
			return CauseRedirected
		}
		return CauseSIPFailureCode
	}
}

func (c Cause) String() string { return string(c) }

// ReasonPhrase returns a Reason header value for the cause where one is
// defined by RFC 3326 conventions.
func (c Cause) ReasonPhrase(status StatusCode, text string) string {
	if text == "" {
		text = string(c)
	}
	return fmt.Sprintf("SIP;cause=%d;text=%q", status, text)
}
