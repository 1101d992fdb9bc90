package sip

import (
	"fmt"
	"strings"

	"braces.dev/errtrace"
	msg "github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sipward/sipua/internal/randutil"
)

// The message model (grammar, wire encoding, header representation) is
// delegated to github.com/emiago/sipgo/sip. The aliases below keep the
// rest of the package and its consumers on a single import.
type (
	Message  = msg.Message
	Request  = msg.Request
	Response = msg.Response
	Header   = msg.Header
	Uri      = msg.Uri

	RequestMethod = msg.RequestMethod
	// StatusCode is a response status code. The message model keeps it a
	// plain int.
	StatusCode = int

	FromHeader          = msg.FromHeader
	ToHeader            = msg.ToHeader
	CSeqHeader          = msg.CSeqHeader
	CallIDHeader        = msg.CallIDHeader
	ViaHeader           = msg.ViaHeader
	ContactHeader       = msg.ContactHeader
	RouteHeader         = msg.RouteHeader
	RecordRouteHeader   = msg.RecordRouteHeader
	MaxForwardsHeader   = msg.MaxForwardsHeader
	ExpiresHeader       = msg.ExpiresHeader
	ContentTypeHeader   = msg.ContentTypeHeader
	ContentLengthHeader = msg.ContentLengthHeader
	HeaderParams        = msg.HeaderParams
)

// Request methods.
const (
	INVITE    = msg.INVITE
	ACK       = msg.ACK
	BYE       = msg.BYE
	CANCEL    = msg.CANCEL
	REGISTER  = msg.REGISTER
	OPTIONS   = msg.OPTIONS
	INFO      = msg.INFO
	REFER     = msg.REFER
	NOTIFY    = msg.NOTIFY
	UPDATE    = msg.UPDATE
	MESSAGE   = msg.MESSAGE
	SUBSCRIBE = msg.SUBSCRIBE
)

// Response status codes used across the package.
const (
	StatusTrying                      StatusCode = 100
	StatusRinging                     StatusCode = 180
	StatusSessionProgress             StatusCode = 183
	StatusOK                          StatusCode = 200
	StatusAccepted                    StatusCode = 202
	StatusBadRequest                  StatusCode = 400
	StatusUnauthorized                StatusCode = 401
	StatusNotFound                    StatusCode = 404
	StatusMethodNotAllowed            StatusCode = 405
	StatusProxyAuthRequired           StatusCode = 407
	StatusRequestTimeout              StatusCode = 408
	StatusUnsupportedMediaType        StatusCode = 415
	StatusIntervalTooBrief            StatusCode = 423
	StatusTemporarilyUnavailable      StatusCode = 480
	StatusCallTransactionDoesNotExist StatusCode = 481
	StatusBusyHere                    StatusCode = 486
	StatusRequestTerminated           StatusCode = 487
	StatusNotAcceptableHere           StatusCode = 488
	StatusRequestPending              StatusCode = 491
	StatusInternalServerError         StatusCode = 500
	StatusNotImplemented              StatusCode = 501
	StatusServiceUnavailable          StatusCode = 503
	StatusBusyEverywhere              StatusCode = 600
	StatusDecline                     StatusCode = 603
)

// ParseMessage parses a SIP message from its wire representation.
func ParseMessage(data []byte) (Message, error) {
	return errtrace.Wrap2(msg.ParseMessage(data))
}

// NewRequest creates a new request with the given method and recipient URI.
func NewRequest(method RequestMethod, recipient Uri) *Request {
	return msg.NewRequest(method, recipient)
}

// NewResponseFromRequest creates a response for the request, copying the
// headers required by RFC 3261 section 8.2.6.
func NewResponseFromRequest(req *Request, code StatusCode, reason string, body []byte) *Response {
	return msg.NewResponseFromRequest(req, code, reason, body)
}

// NewHeader creates a generic header with the given name and value.
func NewHeader(name, value string) Header { return msg.NewHeader(name, value) }

// HeaderClone returns a deep copy of the header.
func HeaderClone(h Header) Header { return msg.HeaderClone(h) }

// CopyHeaders copies all headers with the given name from src to dst.
func CopyHeaders(name string, src, dst Message) { msg.CopyHeaders(name, src, dst) }

// NewAckRequest builds the ACK for a 2xx INVITE response per RFC 3261
// section 13.2.2.4, routing it by the response Contact and Record-Route set.
func NewAckRequest(inviteReq *Request, inviteRes *Response, body []byte) *Request {
	return newRequestFrom2xx(ACK, inviteReq, inviteRes, body)
}

// NewByeRequest builds a BYE for the dialog established by the INVITE
// transaction, with the CSeq advanced past the INVITE.
func NewByeRequest(inviteReq *Request, inviteRes *Response, body []byte) *Request {
	bye := newRequestFrom2xx(BYE, inviteReq, inviteRes, body)
	if cseq := bye.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	return bye
}

// newRequestFrom2xx builds a request in the dialog a 2xx established,
// without a tracked [Dialog]: recipient from the response Contact falling
// back to the request URI, route set from the reversed response
// Record-Route per RFC 3261 section 12.1.2, identity headers cloned from
// both sides of the INVITE transaction.
func newRequestFrom2xx(method RequestMethod, inviteReq *Request, inviteRes *Response, body []byte) *Request {
	recipient := inviteReq.Recipient
	if uri, ok := ContactURI(inviteRes); ok {
		recipient = uri
	}
	req := msg.NewRequest(method, recipient)

	for _, r := range reverseURIs(headerURIs(inviteRes, "Record-Route")) {
		req.AppendHeader(&RouteHeader{Address: r})
	}
	if h := inviteReq.From(); h != nil {
		req.AppendHeader(HeaderClone(h))
	}
	if h := inviteRes.To(); h != nil {
		req.AppendHeader(HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		req.AppendHeader(HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		req.AppendHeader(HeaderClone(h))
	}
	if cseq := req.CSeq(); cseq != nil {
		cseq.MethodName = method
	}
	maxFwd := MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	if body != nil {
		req.SetBody(body)
	}
	return req
}

// NewParams creates an empty header parameter set.
func NewParams() HeaderParams { return msg.NewParams() }

// ParseUri parses a URI string into uri.
func ParseUri(s string, uri *Uri) error { return errtrace.Wrap(msg.ParseUri(s, uri)) }

// GenerateBranch returns a new branch parameter with the RFC 3261 magic cookie.
func GenerateBranch() string { return msg.GenerateBranch() }

// NewTag returns a random tag value for From/To headers.
func NewTag() string { return randutil.Token(5) }

// NewCallID returns a random Call-ID value.
func NewCallID() string { return uuid.NewString() }

// hdrAccessor is the common typed-header accessor surface of
// [*Request] and [*Response].
type hdrAccessor interface {
	From() *FromHeader
	To() *ToHeader
	CSeq() *CSeqHeader
	CallID() *CallIDHeader
	Via() *ViaHeader
	GetHeader(name string) Header
	GetHeaders(name string) []Header
}

// FromTag returns the From header tag of the message, or "".
func FromTag(m hdrAccessor) string {
	if from := m.From(); from != nil {
		tag, _ := from.Params.Get("tag")
		return tag
	}
	return ""
}

// ToTag returns the To header tag of the message, or "".
func ToTag(m hdrAccessor) string {
	if to := m.To(); to != nil {
		tag, _ := to.Params.Get("tag")
		return tag
	}
	return ""
}

// TopViaBranch returns the branch parameter of the topmost Via header, or "".
func TopViaBranch(m hdrAccessor) string {
	if via := m.Via(); via != nil {
		branch, _ := via.Params.Get("branch")
		return branch
	}
	return ""
}

// CallIDValue returns the Call-ID value of the message, or "".
func CallIDValue(m hdrAccessor) string {
	if h := m.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

// CSeqNumber returns the CSeq sequence number of the message, or 0.
func CSeqNumber(m hdrAccessor) uint32 {
	if h := m.CSeq(); h != nil {
		return h.SeqNo
	}
	return 0
}

// headerURI extracts the URI from a name-addr or addr-spec header value.
// Header accessor methods vary between message-model versions, so route
// and contact URIs are read from the raw header value instead.
func headerURI(h Header) (Uri, bool) {
	var uri Uri
	if h == nil {
		return uri, false
	}

	v := h.Value()
	if i := strings.IndexByte(v, '<'); i >= 0 {
		j := strings.IndexByte(v[i:], '>')
		if j < 0 {
			return uri, false
		}
		v = v[i+1 : i+j]
	} else if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}

	if err := msg.ParseUri(strings.TrimSpace(v), &uri); err != nil {
		return uri, false
	}
	return uri, true
}

// ContactURI returns the URI of the first Contact header of the message.
func ContactURI(m hdrAccessor) (Uri, bool) {
	return headerURI(m.GetHeader("Contact"))
}

// headerURIs collects the URIs of all headers with the given name,
// expanding comma-separated values, in message order.
func headerURIs(m hdrAccessor, name string) []Uri {
	var uris []Uri
	for _, h := range m.GetHeaders(name) {
		for part := range strings.SplitSeq(h.Value(), ",") {
			var uri Uri
			if i := strings.IndexByte(part, '<'); i >= 0 {
				j := strings.IndexByte(part[i:], '>')
				if j < 0 {
					continue
				}
				part = part[i+1 : i+j]
			}
			if err := msg.ParseUri(strings.TrimSpace(part), &uri); err != nil {
				continue
			}
			uris = append(uris, uri)
		}
	}
	return uris
}

func reverseURIs(uris []Uri) []Uri {
	for i, j := 0, len(uris)-1; i < j; i, j = i+1, j-1 {
		uris[i], uris[j] = uris[j], uris[i]
	}
	return uris
}

func isProvisionalStatus(code StatusCode) bool { return code >= 100 && code < 200 }

func isSuccessStatus(code StatusCode) bool { return code >= 200 && code < 300 }

func isFinalStatus(code StatusCode) bool { return code >= 200 }

// newReasonHeader builds a Reason header per RFC 3326.
func newReasonHeader(protocol string, cause int, text string) Header {
	v := fmt.Sprintf("%s;cause=%d", protocol, cause)
	if text != "" {
		v += fmt.Sprintf(";text=%q", text)
	}
	return msg.NewHeader("Reason", v)
}
