package sip

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/sipward/sipua/internal/errorutil"
	"github.com/sipward/sipua/internal/log"
	"github.com/sipward/sipua/internal/types"
)

// UserAgentOptions contains options for a user agent.
type UserAgentOptions struct {
	// URI is the account address-of-record, used in From for outbound
	// requests. Required.
	URI Uri
	// DisplayName accompanies the URI in From headers.
	DisplayName string
	// Contact is the reachable contact URI advertised in requests and
	// responses. Derived from URI and ViaHost when zero.
	Contact Uri
	// ViaHost is the host stamped into Via headers. Defaults to the URI host.
	ViaHost string
	// ViaTransport is the transport token of generated Via headers.
	// Defaults to WSS.
	ViaTransport string
	// Credentials answer digest challenges on any outbound request.
	Credentials Credentials
	// Timings is the SIP timing config applied to all transactions.
	Timings TimingConfig
	// NewMediaSession builds the media plane for an inbound call. Inbound
	// INVITEs are rejected when nil.
	NewMediaSession func(ctx context.Context) (MediaSession, error)
	// NoAnswerTimeout bounds how long an inbound call may ring locally
	// before it is rejected with a 408. Defaults to one minute.
	NoAnswerTimeout time.Duration
	// Stats receives user-agent metrics when set.
	Stats *Stats
	// Log is the logger that will be used with the user agent.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

type NewSessionHandler = func(ctx context.Context, s *Session)

// UserAgent is the entry point of the stack: it feeds inbound messages
// through the transaction layer into dialogs and sessions, and originates
// calls and registrations.
type UserAgent struct {
	opts  UserAgentOptions
	tp    Transport
	mgr   *TransactionManager
	log   *slog.Logger
	stats *Stats

	mu       sync.Mutex
	dialogs  map[DialogID]*Dialog
	sessions map[*Session]struct{}
	closed   bool

	onSession types.CallbackManager[NewSessionHandler]
}

// NewUserAgent creates a user agent sending through the given transport.
func NewUserAgent(tp Transport, opts UserAgentOptions) (*UserAgent, error) {
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	if opts.URI.Host == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid account URI"))
	}
	if opts.Log == nil {
		opts.Log = log.Default()
	}

	ua := &UserAgent{
		opts:     opts,
		log:      opts.Log,
		stats:    opts.Stats,
		dialogs:  make(map[DialogID]*Dialog),
		sessions: make(map[*Session]struct{}),
	}
	ua.tp = TransportFunc(func(ctx context.Context, m Message) error {
		ua.stats.messageSent(messageKind(m))
		return errtrace.Wrap(tp.Send(ctx, m))
	})

	mgr, err := NewTransactionManager(ua.tp, &TransactionManagerOptions{
		Timings: opts.Timings,
		OnCreated: func(tx Transaction) {
			ua.stats.transactionCreated(tx.Type())
		},
		Log: ua.log,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	ua.mgr = mgr

	return ua, nil
}

func messageKind(m Message) string {
	switch v := m.(type) {
	case *Request:
		return string(v.Method)
	case *Response:
		return statusClass(v.StatusCode)
	default:
		return "unknown"
	}
}

func statusClass(code StatusCode) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	case code < 600:
		return "5xx"
	default:
		return "6xx"
	}
}

func (ua *UserAgent) timings() TimingConfig { return ua.opts.Timings }

const defaultNoAnswerTimeout = time.Minute

func (ua *UserAgent) noAnswerTimeout() time.Duration {
	if ua.opts.NoAnswerTimeout <= 0 {
		return defaultNoAnswerTimeout
	}
	return ua.opts.NoAnswerTimeout
}

func (ua *UserAgent) viaTemplate() *ViaHeader {
	host := ua.opts.ViaHost
	if host == "" {
		host = ua.opts.URI.Host
	}
	transport := ua.opts.ViaTransport
	if transport == "" {
		transport = "WSS"
	}
	return &ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       transport,
		Host:            host,
		Params:          NewParams(),
	}
}

func (ua *UserAgent) contactHeader() *ContactHeader {
	uri := ua.opts.Contact
	if uri.Host == "" {
		uri = Uri{User: ua.opts.URI.User, Host: ua.opts.URI.Host}
		if ua.opts.ViaHost != "" {
			uri.Host = ua.opts.ViaHost
		}
	}
	return &ContactHeader{Address: uri, Params: NewParams()}
}

// OnNewSession registers a callback invoked for each inbound session,
// before any response beyond 100 Trying was sent.
func (ua *UserAgent) OnNewSession(fn NewSessionHandler) (cancel func()) {
	return ua.onSession.Add(fn)
}

// Sessions returns a snapshot of the live sessions.
func (ua *UserAgent) Sessions() []*Session {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	out := make([]*Session, 0, len(ua.sessions))
	for s := range ua.sessions {
		out = append(out, s)
	}
	return out
}

// CallOptions contains options for an outbound call.
type CallOptions struct {
	// Media is the media plane of the call. Required.
	Media MediaSession
	// Headers are appended to the INVITE.
	Headers []Header
}

func (o *CallOptions) media() MediaSession {
	if o == nil {
		return nil
	}
	return o.Media
}

func (o *CallOptions) headers() []Header {
	if o == nil {
		return nil
	}
	return o.Headers
}

// Call places an outbound call to target. The returned session reports
// progress through its events.
func (ua *UserAgent) Call(ctx context.Context, target Uri, opts *CallOptions) (*Session, error) {
	ua.mu.Lock()
	closed := ua.closed
	ua.mu.Unlock()
	if closed {
		return nil, errtrace.Wrap(NewInvalidStateError("user agent closed"))
	}

	s, err := newOutgoingSession(ua, target, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	ua.addSession(s)

	if err := s.connect(ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return s, nil
}

func (ua *UserAgent) addSession(s *Session) {
	ua.mu.Lock()
	ua.sessions[s] = struct{}{}
	ua.mu.Unlock()

	ua.stats.sessionStarted()
	s.OnEvent(func(_ context.Context, _ *Session, evt SessionEvent) {
		switch evt.Kind {
		case SessionEventEnded, SessionEventFailed:
			ua.stats.sessionEnded(evt.Cause)
		}
	})
}

func (ua *UserAgent) removeSession(s *Session) {
	ua.mu.Lock()
	_, ok := ua.sessions[s]
	delete(ua.sessions, s)
	ua.mu.Unlock()

	if ok {
		ua.stats.sessionRemoved()
	}
}

func (ua *UserAgent) registerDialog(dlg *Dialog) {
	ua.mu.Lock()
	ua.dialogs[dlg.ID()] = dlg
	ua.mu.Unlock()
	ua.stats.dialogRegistered()
}

func (ua *UserAgent) unregisterDialog(dlg *Dialog) {
	ua.mu.Lock()
	_, ok := ua.dialogs[dlg.ID()]
	delete(ua.dialogs, dlg.ID())
	ua.mu.Unlock()
	if ok {
		ua.stats.dialogUnregistered()
	}
}

func (ua *UserAgent) findDialog(id DialogID) *Dialog {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	return ua.dialogs[id]
}

// RecvMessage feeds a raw inbound message into the stack. Transports call
// it for every frame or datagram they receive.
func (ua *UserAgent) RecvMessage(ctx context.Context, data []byte) error {
	m, err := ParseMessage(data)
	if err != nil {
		ua.log.LogAttrs(ctx, slog.LevelDebug, "dropping unparsable message", slog.Any("error", err))
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	ua.stats.messageReceived(messageKind(m))

	switch v := m.(type) {
	case *Request:
		ua.recvRequest(ctx, v)
	case *Response:
		ua.recvResponse(ctx, v)
	}
	return nil
}

func (ua *UserAgent) recvResponse(ctx context.Context, res *Response) {
	err := ua.mgr.HandleResponse(ctx, res)
	if err == nil {
		return
	}

	// 2xx retransmissions outlive the INVITE transaction; replay the ACK
	// through the owning session.
	id := DialogID{CallID: CallIDValue(res), LocalTag: FromTag(res), RemoteTag: ToTag(res)}
	if dlg := ua.findDialog(id); dlg != nil {
		if s, ok := dlg.owner.(*Session); ok {
			s.recvStrayResponse(ctx, res)
			return
		}
	}

	ua.log.LogAttrs(ctx, slog.LevelDebug, "dropping stray response",
		slog.Int("status", int(res.StatusCode)), slog.Any("error", err))
}

func (ua *UserAgent) recvRequest(ctx context.Context, req *Request) {
	handled, err := ua.mgr.HandleRequest(ctx, req)
	if err != nil {
		ua.log.LogAttrs(ctx, slog.LevelDebug, "request dropped",
			slog.Any("method", req.Method), slog.Any("error", err))
		return
	}
	if handled {
		return
	}

	if req.Method == CANCEL {
		// The manager already answered the CANCEL; the matched INVITE
		// belongs to one of the unanswered inbound sessions.
		if s := ua.findSessionByInviteBranch(req); s != nil {
			s.handleCancel(ctx)
		}
		return
	}

	if tag := ToTag(req); tag != "" {
		ua.recvInDialogRequest(ctx, req, tag)
		return
	}

	switch req.Method {
	case ACK:
		// ACK outside any dialog, nothing to do.
	case INVITE:
		ua.recvInvite(ctx, req)
	case OPTIONS:
		ua.respondStateless(ctx, req, StatusOK, "OK")
	default:
		ua.respondStateless(ctx, req, StatusMethodNotAllowed, "Method Not Allowed")
	}
}

func (ua *UserAgent) recvInDialogRequest(ctx context.Context, req *Request, toTag string) {
	id := DialogID{CallID: CallIDValue(req), LocalTag: toTag, RemoteTag: FromTag(req)}
	dlg := ua.findDialog(id)
	if dlg == nil {
		if req.Method == ACK {
			return
		}
		ua.respondStateless(ctx, req, StatusCallTransactionDoesNotExist, "Call/Transaction Does Not Exist")
		return
	}

	if req.Method == ACK {
		dlg.ReceiveAck(ctx, req)
		return
	}

	tx, err := ua.mgr.NewServerTransaction(req, nil)
	if err != nil {
		ua.log.LogAttrs(ctx, slog.LevelWarn, "server transaction failed",
			slog.Any("method", req.Method), slog.Any("error", err))
		return
	}
	dlg.ReceiveRequest(ctx, tx)
}

func (ua *UserAgent) recvInvite(ctx context.Context, req *Request) {
	newMedia := ua.opts.NewMediaSession
	if newMedia == nil {
		ua.respondStateless(ctx, req, StatusNotAcceptableHere, "Not Acceptable Here")
		return
	}
	if len(req.Body()) == 0 || !isSDPContent(req) {
		// Offerless INVITEs would put the offer in the ACK, which the
		// session does not negotiate.
		ua.respondStateless(ctx, req, StatusNotAcceptableHere, "Not Acceptable Here")
		return
	}

	tx, err := ua.mgr.NewServerTransaction(req, nil)
	if err != nil {
		ua.log.LogAttrs(ctx, slog.LevelWarn, "server transaction failed",
			slog.Any("method", req.Method), slog.Any("error", err))
		return
	}
	ist, ok := tx.(*InviteServerTransaction)
	if !ok {
		return
	}

	media, err := newMedia(ctx)
	if err != nil {
		res := NewResponseFromRequest(req, StatusInternalServerError, "Internal Server Error", nil)
		tx.Respond(ctx, res) //nolint:errcheck
		return
	}

	// The offer goes through the media plane before anyone is told the
	// phone rings; an offer it cannot take is refused up front.
	if err := media.ApplyRemote(ctx, req.Body()); err != nil {
		ua.log.LogAttrs(ctx, slog.LevelDebug, "unacceptable offer",
			slog.Any("method", req.Method), slog.Any("error", err))
		media.Close() //nolint:errcheck
		res := NewResponseFromRequest(req, StatusNotAcceptableHere, "Not Acceptable Here", nil)
		tx.Respond(ctx, res) //nolint:errcheck
		return
	}

	s, err := newIncomingSession(ua, ist, media)
	if err != nil {
		media.Close() //nolint:errcheck
		res := NewResponseFromRequest(req, StatusNotAcceptableHere, "Not Acceptable Here", nil)
		tx.Respond(ctx, res) //nolint:errcheck
		return
	}
	ua.addSession(s)

	for fn := range ua.onSession.All() {
		fn(ctx, s)
	}
}

// findSessionByInviteBranch matches a CANCEL to the unanswered inbound
// session whose INVITE carries the same top Via branch.
func (ua *UserAgent) findSessionByInviteBranch(cancel *Request) *Session {
	branch := TopViaBranch(cancel)
	if branch == "" {
		return nil
	}

	ua.mu.Lock()
	defer ua.mu.Unlock()
	for s := range ua.sessions {
		if s.dir == DirectionIncoming && TopViaBranch(s.inviteReq) == branch {
			return s
		}
	}
	return nil
}

func (ua *UserAgent) respondStateless(ctx context.Context, req *Request, code StatusCode, reason string) {
	res := NewResponseFromRequest(req, code, reason, nil)
	if code == StatusOK || code == StatusMethodNotAllowed {
		res.AppendHeader(NewHeader("Allow", allowedMethods))
	}
	if err := ua.tp.Send(ctx, res); err != nil {
		ua.log.LogAttrs(ctx, slog.LevelDebug, "stateless response failed",
			slog.Int("status", int(code)), slog.Any("error", err))
	}
}

// RecvTransportError tears the stack down after a fatal transport failure:
// every transaction terminates and every session ends with a connection
// error.
func (ua *UserAgent) RecvTransportError(ctx context.Context, err error) {
	ua.log.LogAttrs(ctx, slog.LevelWarn, "transport error", slog.Any("error", err))

	cause := CauseConnectionError
	if errorutil.IsTimeoutErr(err) {
		cause = CauseRequestTimeout
	}
	for _, s := range ua.Sessions() {
		s.ended(ctx, OriginatorSystem, nil, cause)
	}
	ua.mgr.HandleTransportError(ctx, err)
}

// RecvTransportClosed is called when the transport disconnects.
func (ua *UserAgent) RecvTransportClosed(ctx context.Context) {
	ua.RecvTransportError(ctx, ErrTransportClosed)
}

// Close terminates every session and transaction. Established sessions are
// released with a BYE.
func (ua *UserAgent) Close(ctx context.Context) {
	ua.mu.Lock()
	if ua.closed {
		ua.mu.Unlock()
		return
	}
	ua.closed = true
	ua.mu.Unlock()

	for _, s := range ua.Sessions() {
		s.Terminate(ctx, nil) //nolint:errcheck
	}
	ua.mgr.Close(ctx)
}
