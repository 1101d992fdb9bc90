package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/sipward/sipua/internal/randutil"
	"github.com/sipward/sipua/internal/timeutil"
	"github.com/sipward/sipua/internal/types"
)

// SessionState represents a state of a call session.
type SessionState string

const (
	SessionStateNull             SessionState = "null"
	SessionStateInviteSent       SessionState = "invite_sent"
	SessionStateProgress         SessionState = "progress"
	SessionStateWaitingForAnswer SessionState = "waiting_for_answer"
	SessionStateAnswered         SessionState = "answered"
	SessionStateWaitingForAck    SessionState = "waiting_for_ack"
	SessionStateConfirmed        SessionState = "confirmed"
	SessionStateTerminated       SessionState = "terminated"
)

// SessionDirection tells which side initiated the session.
type SessionDirection string

const (
	DirectionOutgoing SessionDirection = "outgoing"
	DirectionIncoming SessionDirection = "incoming"
)

type SessionEventHandler = func(ctx context.Context, s *Session, evt SessionEvent)

// sessionAction is a queued renegotiation deferred by an in-flight
// target-refresh request.
type sessionAction string

const (
	actionHold   sessionAction = "hold"
	actionUnhold sessionAction = "unhold"
	actionRenego sessionAction = "renegotiate"
)

// Session is a single INVITE-initiated call. It drives the offer/answer
// exchange over its media session, owns the INVITE dialog and exposes the
// mid-call operations: terminate, hold, DTMF and transfer.
type Session struct {
	ua       *UserAgent
	dir      SessionDirection
	fsm      *stateless.StateMachine
	ctx      context.Context
	log      *slog.Logger
	media    MediaSession
	localTag string

	inviteReq   *Request
	inviteSrvTx *InviteServerTransaction

	mu              sync.Mutex
	dlg             *Dialog
	earlyDlgs       map[string]*Dialog
	sender          *RequestSender
	cancelRequested bool
	cancelReason    string
	byeSent         bool
	localHold       bool
	remoteHold      bool
	muted           bool
	pending         types.Deque[sessionAction]
	startedAt       time.Time
	endedAt         time.Time

	retrans2xxTmr      *timeutil.Timer
	retrans2xxInterval time.Duration
	noAckTmr           *timeutil.Timer
	noAnswerTmr        *timeutil.Timer
	expiresTmr         *timeutil.Timer

	onEvent types.CallbackManager[SessionEventHandler]

	dtmf dtmfQueue
	refr referState
}

const (
	sessEvtConnecting = "connecting"
	sessEvtProgress   = "progress"
	sessEvtAnswer     = "answer"
	sessEvtAckWait    = "ack_wait"
	sessEvtConfirm    = "confirm"
	sessEvtFail       = "fail"
	sessEvtEnd        = "end"
)

func newSession(ua *UserAgent, dir SessionDirection, start SessionState, media MediaSession) *Session {
	s := &Session{
		ua:        ua,
		dir:       dir,
		ctx:       context.Background(),
		log:       ua.log,
		media:     media,
		localTag:  NewTag(),
		earlyDlgs: make(map[string]*Dialog),
	}
	s.fsm = stateless.NewStateMachine(start)
	s.initFSM()
	return s
}

func (s *Session) initFSM() {
	s.fsm.Configure(SessionStateNull).
		Permit(sessEvtConnecting, SessionStateInviteSent).
		Permit(sessEvtFail, SessionStateTerminated)

	s.fsm.Configure(SessionStateInviteSent).
		Permit(sessEvtProgress, SessionStateProgress).
		Permit(sessEvtConfirm, SessionStateConfirmed).
		Permit(sessEvtFail, SessionStateTerminated)

	s.fsm.Configure(SessionStateProgress).
		InternalTransition(sessEvtProgress, s.actNoop).
		Permit(sessEvtConfirm, SessionStateConfirmed).
		Permit(sessEvtFail, SessionStateTerminated)

	s.fsm.Configure(SessionStateWaitingForAnswer).
		InternalTransition(sessEvtProgress, s.actNoop).
		Permit(sessEvtAnswer, SessionStateAnswered).
		Permit(sessEvtFail, SessionStateTerminated)

	s.fsm.Configure(SessionStateAnswered).
		Permit(sessEvtAckWait, SessionStateWaitingForAck).
		Permit(sessEvtFail, SessionStateTerminated)

	s.fsm.Configure(SessionStateWaitingForAck).
		Permit(sessEvtConfirm, SessionStateConfirmed).
		Permit(sessEvtEnd, SessionStateTerminated).
		Permit(sessEvtFail, SessionStateTerminated)

	s.fsm.Configure(SessionStateConfirmed).
		Permit(sessEvtEnd, SessionStateTerminated).
		Permit(sessEvtFail, SessionStateTerminated)

	s.fsm.Configure(SessionStateTerminated).
		OnEntry(s.actCleanup)
}

//nolint:unparam
func (s *Session) actNoop(context.Context, ...any) error { return nil }

// LogValue implements [slog.LogValuer].
func (s *Session) LogValue() slog.Value {
	if s == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("direction", string(s.dir)),
		slog.String("state", string(s.State())),
		slog.String("call_id", CallIDValue(s.inviteReq)),
	)
}

// State returns the current session state.
func (s *Session) State() SessionState {
	st, _ := s.fsm.MustState().(SessionState)
	return st
}

// Direction tells which side initiated the session.
func (s *Session) Direction() SessionDirection { return s.dir }

// Request returns the INVITE that created the session.
func (s *Session) Request() *Request { return s.inviteReq }

// Dialog returns the confirmed dialog, or nil before the session
// establishes.
func (s *Session) Dialog() *Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dlg
}

// IsEstablished reports whether a 2xx was exchanged.
func (s *Session) IsEstablished() bool {
	switch s.State() {
	case SessionStateAnswered, SessionStateWaitingForAck, SessionStateConfirmed:
		return true
	}
	return false
}

// IsOnHold reports the local and remote hold flags.
func (s *Session) IsOnHold() (local, remote bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localHold, s.remoteHold
}

// StartedAt returns the time the session was accepted, zero before that.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// OnEvent registers a callback invoked for each session lifecycle event.
// The callback can be canceled by calling the returned cancel function.
// Multiple callbacks can be registered.
func (s *Session) OnEvent(fn SessionEventHandler) (cancel func()) {
	return s.onEvent.Add(fn)
}

func (s *Session) emit(ctx context.Context, evt SessionEvent) {
	s.log.LogAttrs(ctx, slog.LevelDebug, "session event",
		slog.Any("session", s), slog.Any("event", evt))

	for fn := range s.onEvent.All() {
		fn(ctx, s, evt)
	}
}

// newOutgoingSession builds the session and its INVITE for a call to target.
func newOutgoingSession(ua *UserAgent, target Uri, opts *CallOptions) (*Session, error) {
	media := opts.media()
	if media == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("no media session"))
	}

	s := newSession(ua, DirectionOutgoing, SessionStateNull, media)

	req := NewRequest(INVITE, target)
	from := &FromHeader{
		DisplayName: ua.opts.DisplayName,
		Address:     ua.opts.URI,
		Params:      NewParams().Add("tag", s.localTag),
	}
	req.AppendHeader(from)
	req.AppendHeader(&ToHeader{Address: target, Params: NewParams()})
	callID := CallIDHeader(NewCallID())
	req.AppendHeader(&callID)
	req.AppendHeader(&CSeqHeader{SeqNo: uint32(randutil.IntN(1, 10000)), MethodName: INVITE})
	maxFwd := MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(ua.contactHeader())
	req.AppendHeader(NewHeader("Allow", allowedMethods))
	for _, h := range opts.headers() {
		req.AppendHeader(h)
	}
	s.inviteReq = req

	return s, nil
}

// connect fires the connecting event and sends the INVITE once the media
// offer is ready. The offer is produced asynchronously; the session state
// is revalidated before the request leaves, a terminate racing the offer
// wins.
func (s *Session) connect(ctx context.Context) error {
	if err := s.fsm.FireCtx(ctx, sessEvtConnecting); err != nil {
		return errtrace.Wrap(NewInvalidStateError("connect in state %q", s.State()))
	}

	s.emit(ctx, SessionEvent{Kind: SessionEventConnecting, Originator: OriginatorLocal, Request: s.inviteReq})

	go s.sendInvite(s.ctx)
	return nil
}

func (s *Session) sendInvite(ctx context.Context) {
	offer, err := s.media.CreateOffer(ctx)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "create offer failed", slog.Any("session", s), slog.Any("error", err))
		s.fail(ctx, OriginatorSystem, nil, CauseWebRTCError)
		return
	}
	if s.State() == SessionStateTerminated {
		return
	}

	s.inviteReq.AppendHeader(NewHeader("Content-Type", ContentTypeSDP))
	s.inviteReq.SetBody(offer)

	sender, err := NewRequestSender(s.ua.mgr, s.inviteReq, &RequestSenderOptions{
		Via:         s.ua.viaTemplate(),
		Credentials: s.ua.opts.Credentials,
		Log:         s.log,
	})
	if err != nil {
		s.fail(ctx, OriginatorSystem, nil, CauseInternalError)
		return
	}

	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()

	sender.OnResponse(func(ctx context.Context, _ *RequestSender, res *Response) {
		s.recvInviteResponse(ctx, res)
	})
	sender.OnTimeout(func(ctx context.Context, _ *RequestSender) {
		s.fail(ctx, OriginatorSystem, nil, CauseRequestTimeout)
	})
	sender.OnTransportError(func(ctx context.Context, _ *RequestSender, _ error) {
		s.fail(ctx, OriginatorSystem, nil, CauseConnectionError)
	})

	if err := sender.Send(ctx); err != nil {
		s.fail(ctx, OriginatorSystem, nil, CauseConnectionError)
	}
}

func (s *Session) recvInviteResponse(ctx context.Context, res *Response) {
	switch {
	case isProvisionalStatus(res.StatusCode):
		s.recvInviteProvisional(ctx, res)
	case isSuccessStatus(res.StatusCode):
		s.recvInvite2xx(ctx, res)
	default:
		s.recvInviteFailure(ctx, res)
	}
}

// recvInviteProvisional handles a 1xx. A bare 100 is absorbed without
// honoring a pending cancel: CANCEL only reaches a proceeding transaction,
// which requires a provisional above 100 from the peer.
func (s *Session) recvInviteProvisional(ctx context.Context, res *Response) {
	if res.StatusCode == StatusTrying {
		return
	}

	// A deferred CANCEL goes out on the first usable provisional even
	// after the session already reported its local failure.
	s.mu.Lock()
	canceled := s.cancelRequested
	reason := s.cancelReason
	s.mu.Unlock()
	if canceled {
		s.sendCancel(ctx, reason)
		return
	}

	if err := s.fsm.FireCtx(ctx, sessEvtProgress); err != nil {
		return
	}

	if tag := ToTag(res); tag != "" {
		s.trackEarlyDialog(res)
	}

	s.emit(ctx, SessionEvent{Kind: SessionEventProgress, Originator: OriginatorRemote, Response: res})
}

func (s *Session) trackEarlyDialog(res *Response) {
	tag := ToTag(res)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.earlyDlgs[tag]; ok {
		return
	}
	dlg, err := NewClientDialog(s, s.inviteReq, res, s.log)
	if err != nil {
		return
	}
	s.earlyDlgs[tag] = dlg
	s.ua.registerDialog(dlg)
}

func (s *Session) sendCancel(ctx context.Context, reason string) {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}

	ict, ok := sender.Transaction().(*InviteClientTransaction)
	if !ok {
		return
	}
	if err := ict.Cancel(ctx, reason); err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "cancel not sent",
			slog.Any("session", s), slog.Any("error", err))
	}
}

func (s *Session) recvInvite2xx(ctx context.Context, res *Response) {
	tag := ToTag(res)

	s.mu.Lock()
	confirmed := s.dlg
	s.mu.Unlock()

	if confirmed != nil {
		if confirmed.ID().RemoteTag == tag {
			// 2xx retransmission, the ACK was lost somewhere.
			s.sendAck(ctx, res)
			return
		}
		// A losing branch of a forked INVITE answered too.
		s.closeForkBranch(ctx, res)
		return
	}

	s.mu.Lock()
	canceled := s.cancelRequested
	s.mu.Unlock()
	if canceled {
		// The CANCEL lost the race, the call was answered anyway.
		s.closeForkBranch(ctx, res)
		s.fail(ctx, OriginatorLocal, nil, CauseCanceled)
		return
	}

	dlg := s.takeEarlyDialog(tag)
	if dlg != nil {
		if err := dlg.Confirm(res); err != nil {
			dlg = nil
		}
	}
	if dlg == nil {
		var err error
		dlg, err = NewClientDialog(s, s.inviteReq, res, s.log)
		if err != nil {
			s.closeForkBranch(ctx, res)
			s.fail(ctx, OriginatorSystem, res, CauseInternalError)
			return
		}
		s.ua.registerDialog(dlg)
	}

	if err := s.media.ApplyRemote(ctx, res.Body()); err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "bad remote description",
			slog.Any("session", s), slog.Any("error", err))
		s.closeForkBranch(ctx, res)
		s.fail(ctx, OriginatorSystem, res, CauseBadMediaDescription)
		return
	}

	if err := s.fsm.FireCtx(ctx, sessEvtConfirm); err != nil {
		return
	}

	s.mu.Lock()
	s.dlg = dlg
	s.startedAt = time.Now()
	s.mu.Unlock()
	dlg.OnRefreshReady(func() { s.runNextAction(s.ctx) })

	s.emit(ctx, SessionEvent{Kind: SessionEventAccepted, Originator: OriginatorRemote, Response: res})
	s.sendAck(ctx, res)
	s.emit(ctx, SessionEvent{Kind: SessionEventConfirmed, Originator: OriginatorLocal})
}

func (s *Session) takeEarlyDialog(tag string) *Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	dlg, ok := s.earlyDlgs[tag]
	if ok {
		delete(s.earlyDlgs, tag)
	}
	return dlg
}

func (s *Session) recvInviteFailure(ctx context.Context, res *Response) {
	s.mu.Lock()
	canceled := s.cancelRequested
	s.mu.Unlock()

	if canceled && res.StatusCode == StatusRequestTerminated {
		s.fail(ctx, OriginatorLocal, res, CauseCanceled)
		return
	}
	s.fail(ctx, OriginatorRemote, res, CauseFromStatus(res.StatusCode))
}

func (s *Session) sendAck(ctx context.Context, res *Response) {
	ack := NewAckRequest(s.inviteReq, res, nil)
	if err := s.ua.tp.Send(ctx, ack); err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "send ACK failed", slog.Any("session", s), slog.Any("error", err))
	}
}

// closeForkBranch acknowledges and immediately releases a 2xx from a
// branch the session does not use, per RFC 3261 section 13.2.2.4.
func (s *Session) closeForkBranch(ctx context.Context, res *Response) {
	s.log.LogAttrs(ctx, slog.LevelDebug, "closing forked branch",
		slog.Any("session", s), slog.String("remote_tag", ToTag(res)))

	ack := NewAckRequest(s.inviteReq, res, nil)
	if err := s.ua.tp.Send(ctx, ack); err != nil {
		return
	}
	bye := NewByeRequest(s.inviteReq, res, nil)
	s.ua.tp.Send(ctx, bye) //nolint:errcheck
}

// TerminateOptions controls how a session is torn down.
type TerminateOptions struct {
	// StatusCode is the rejection status for an unanswered incoming
	// session. Defaults to 480 Temporarily Unavailable.
	StatusCode StatusCode
	// Reason is the text sent in the Reason header of a CANCEL.
	Reason string
	// Cause overrides the cause reported in the ended/failed event.
	Cause Cause
}

func (o *TerminateOptions) statusCode() StatusCode {
	if o == nil || o.StatusCode == 0 {
		return StatusTemporarilyUnavailable
	}
	return o.StatusCode
}

func (o *TerminateOptions) reason() string {
	if o == nil {
		return ""
	}
	return o.Reason
}

func (o *TerminateOptions) cause() Cause {
	if o == nil {
		return ""
	}
	return o.Cause
}

// Terminate ends the session whatever its state: an unsent or unanswered
// outgoing INVITE is canceled, an unanswered incoming INVITE is rejected
// with the options status, an established session gets a BYE.
func (s *Session) Terminate(ctx context.Context, opts *TerminateOptions) error {
	switch st := s.State(); st {
	case SessionStateNull:
		s.fail(ctx, OriginatorLocal, nil, orCause(opts.cause(), CauseCanceled))
		return nil

	case SessionStateInviteSent, SessionStateProgress:
		s.mu.Lock()
		s.cancelRequested = true
		s.cancelReason = opts.reason()
		s.mu.Unlock()

		// With a provisional already seen the transaction is proceeding
		// and the CANCEL can go right away. Otherwise it is deferred
		// until the first provisional above 100 arrives. The local
		// failure is reported right here either way; the CANCEL outcome
		// only steers what happens to a racing 2xx.
		if st == SessionStateProgress {
			s.sendCancel(ctx, opts.reason())
		}
		s.fail(ctx, OriginatorLocal, nil, orCause(opts.cause(), CauseCanceled))
		return nil

	case SessionStateWaitingForAnswer, SessionStateAnswered:
		if s.dir != DirectionIncoming {
			return errtrace.Wrap(NewInvalidStateError("terminate in state %q", st))
		}
		status := opts.statusCode()
		res := NewResponseFromRequest(s.inviteReq, status, "", nil)
		s.addToTag(res)
		s.inviteSrvTx.Respond(ctx, res) //nolint:errcheck
		s.fail(ctx, OriginatorLocal, nil, orCause(opts.cause(), CauseRejected))
		return nil

	case SessionStateWaitingForAck, SessionStateConfirmed:
		s.sendBye(ctx, opts)
		return nil

	default:
		return errtrace.Wrap(ErrSessionTerminated)
	}
}

func orCause(c, def Cause) Cause {
	if c != "" {
		return c
	}
	return def
}

func (s *Session) sendBye(ctx context.Context, opts *TerminateOptions) {
	cause := orCause(opts.cause(), CauseBye)

	s.mu.Lock()
	dlg := s.dlg
	already := s.byeSent
	s.byeSent = true
	s.mu.Unlock()
	if already {
		return
	}
	if dlg == nil {
		s.fail(ctx, OriginatorLocal, nil, cause)
		return
	}

	var hdrs []Header
	if r := opts.reason(); r != "" {
		hdrs = append(hdrs, NewHeader("Reason", r))
	}

	sender, err := NewDialogRequestSender(s.ua.mgr, dlg, BYE, hdrs, nil, &DialogRequestSenderOptions{
		Credentials:   s.ua.opts.Credentials,
		Retry491Delay: s.retry491Delay(),
		OnDialogError: func(ctx context.Context, _ *Dialog, _ Cause) {
			// Unreachable peer or a dialog the peer lost; either way the
			// call is over now.
			s.ended(ctx, OriginatorLocal, nil, cause)
		},
		Log: s.log,
	})
	if err != nil {
		s.ended(ctx, OriginatorLocal, nil, cause)
		return
	}

	// The session holds its state until the BYE transaction resolves.
	sender.OnResponse(func(ctx context.Context, _ *DialogRequestSender, res *Response) {
		if isProvisionalStatus(res.StatusCode) {
			return
		}
		s.ended(ctx, OriginatorLocal, nil, cause)
	})

	if err := sender.Send(ctx); err != nil {
		s.ended(ctx, OriginatorLocal, nil, cause)
	}
}

// retry491Delay picks the glare back-off role: the side that placed the
// call backs off longer per RFC 3261 section 14.1.
func (s *Session) retry491Delay() func() time.Duration {
	if s.dir == DirectionOutgoing {
		return Caller491Delay
	}
	return Callee491Delay
}

// fail terminates a session that never established.
func (s *Session) fail(ctx context.Context, originator Originator, res *Response, cause Cause) {
	if err := s.fsm.FireCtx(ctx, sessEvtFail); err != nil {
		return
	}
	s.emit(ctx, SessionEvent{Kind: SessionEventFailed, Originator: originator, Response: res, Cause: cause})
}

// ended terminates an established session.
func (s *Session) ended(ctx context.Context, originator Originator, req *Request, cause Cause) {
	if err := s.fsm.FireCtx(ctx, sessEvtEnd); err != nil {
		// Not yet established, report a failure instead.
		s.fail(ctx, originator, nil, cause)
		return
	}
	s.emit(ctx, SessionEvent{Kind: SessionEventEnded, Originator: originator, Request: req, Cause: cause})
}

// actCleanup releases everything the session holds. It runs exactly once,
// on entry to the terminated state.
func (s *Session) actCleanup(ctx context.Context, _ ...any) error {
	s.mu.Lock()
	s.endedAt = time.Now()
	dlg := s.dlg
	s.dlg = nil
	early := s.earlyDlgs
	s.earlyDlgs = nil
	retrans := s.retrans2xxTmr
	s.retrans2xxTmr = nil
	noAck := s.noAckTmr
	s.noAckTmr = nil
	noAnswer := s.noAnswerTmr
	s.noAnswerTmr = nil
	expires := s.expiresTmr
	s.expiresTmr = nil
	s.pending.Drain()
	s.mu.Unlock()

	retrans.Stop()
	noAck.Stop()
	noAnswer.Stop()
	expires.Stop()
	s.dtmf.stop()

	if dlg != nil {
		dlg.Terminate()
		s.ua.unregisterDialog(dlg)
	}
	for _, d := range early {
		d.Terminate()
		s.ua.unregisterDialog(d)
	}

	if err := s.media.Close(); err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "media close failed", slog.Any("session", s), slog.Any("error", err))
	}

	s.ua.removeSession(s)

	s.log.LogAttrs(ctx, slog.LevelDebug, "session terminated", slog.Any("session", s))
	return nil
}

// newIncomingSession builds a session for an inbound INVITE already wrapped
// in a server transaction.
func newIncomingSession(ua *UserAgent, tx *InviteServerTransaction, media MediaSession) (*Session, error) {
	req := tx.Request()
	if len(req.Body()) == 0 || !isSDPContent(req) {
		return nil, errtrace.Wrap(ErrMissingBody)
	}

	s := newSession(ua, DirectionIncoming, SessionStateWaitingForAnswer, media)
	s.inviteReq = req
	s.inviteSrvTx = tx

	tx.OnTimeout(func(ctx context.Context, _ Transaction) {
		s.fail(ctx, OriginatorSystem, nil, CauseNoAnswer)
	})
	tx.OnTransportError(func(ctx context.Context, _ Transaction, _ error) {
		s.fail(ctx, OriginatorSystem, nil, CauseConnectionError)
	})

	// Both answer deadlines run concurrently; whichever fires first sends
	// its final response and fails the session.
	s.armNoAnswerTimer()
	s.armExpiresTimer(req)
	return s, nil
}

// armNoAnswerTimer bounds how long the local side may leave the INVITE
// unanswered before it is rejected with a 408.
func (s *Session) armNoAnswerTimer() {
	s.mu.Lock()
	s.noAnswerTmr = timeutil.AfterFunc(s.ua.noAnswerTimeout(), func() {
		if s.State() != SessionStateWaitingForAnswer {
			return
		}
		ctx := s.ctx
		res := NewResponseFromRequest(s.inviteReq, StatusRequestTimeout, "Request Timeout", nil)
		s.addToTag(res)
		s.inviteSrvTx.Respond(ctx, res) //nolint:errcheck
		s.fail(ctx, OriginatorLocal, nil, CauseNoAnswer)
	})
	s.mu.Unlock()
}

func (s *Session) armExpiresTimer(req *Request) {
	h := req.GetHeader("Expires")
	if h == nil {
		return
	}
	var secs int
	if _, err := fmt.Sscanf(h.Value(), "%d", &secs); err != nil || secs <= 0 {
		return
	}

	s.mu.Lock()
	s.expiresTmr = timeutil.AfterFunc(time.Duration(secs)*time.Second, func() {
		if s.State() != SessionStateWaitingForAnswer {
			return
		}
		ctx := s.ctx
		res := NewResponseFromRequest(s.inviteReq, StatusRequestTerminated, "Request Terminated", nil)
		s.addToTag(res)
		s.inviteSrvTx.Respond(ctx, res) //nolint:errcheck
		s.fail(ctx, OriginatorSystem, nil, CauseExpires)
	})
	s.mu.Unlock()
}

func (s *Session) addToTag(res *Response) {
	to := res.To()
	if to == nil {
		return
	}
	if _, ok := to.Params.Get("tag"); ok {
		return
	}
	if to.Params == nil {
		to.Params = NewParams()
	}
	to.Params = to.Params.Add("tag", s.localTag)
}

// ProgressOptions controls a locally sent provisional response.
type ProgressOptions struct {
	// StatusCode of the provisional response, 180 by default.
	StatusCode StatusCode
	// Body is an optional early media SDP, sent with a 183.
	Body []byte
}

func (o *ProgressOptions) statusCode() StatusCode {
	if o == nil || o.StatusCode == 0 {
		return StatusRinging
	}
	return o.StatusCode
}

func (o *ProgressOptions) body() []byte {
	if o == nil {
		return nil
	}
	return o.Body
}

// Progress sends a provisional response for an unanswered incoming session.
func (s *Session) Progress(ctx context.Context, opts *ProgressOptions) error {
	if s.dir != DirectionIncoming {
		return errtrace.Wrap(NewInvalidStateError("progress on outgoing session"))
	}
	if err := s.fsm.FireCtx(ctx, sessEvtProgress); err != nil {
		return errtrace.Wrap(NewInvalidStateError("progress in state %q", s.State()))
	}

	status := opts.statusCode()
	if !isProvisionalStatus(status) || status == StatusTrying {
		return errtrace.Wrap(NewInvalidArgumentError("invalid provisional status %d", status))
	}

	res := NewResponseFromRequest(s.inviteReq, status, "", opts.body())
	s.addToTag(res)
	res.AppendHeader(s.ua.contactHeader())
	if len(opts.body()) > 0 {
		res.AppendHeader(NewHeader("Content-Type", ContentTypeSDP))
	}

	if err := s.inviteSrvTx.Respond(ctx, res); err != nil {
		return errtrace.Wrap(err)
	}

	s.emit(ctx, SessionEvent{Kind: SessionEventProgress, Originator: OriginatorLocal, Response: res})
	return nil
}

// AnswerOptions controls how an incoming session is answered.
type AnswerOptions struct {
	// Headers are appended to the 2xx response.
	Headers []Header
}

func (o *AnswerOptions) headers() []Header {
	if o == nil {
		return nil
	}
	return o.Headers
}

// Answer accepts an unanswered incoming session. The SDP answer is
// produced asynchronously; the session state is revalidated before the
// 2xx leaves, a terminate racing the answer wins.
func (s *Session) Answer(ctx context.Context, opts *AnswerOptions) error {
	if s.dir != DirectionIncoming {
		return errtrace.Wrap(NewInvalidStateError("answer on outgoing session"))
	}
	if err := s.fsm.FireCtx(ctx, sessEvtAnswer); err != nil {
		return errtrace.Wrap(NewInvalidStateError("answer in state %q", s.State()))
	}

	s.mu.Lock()
	if tmr := s.noAnswerTmr; tmr != nil {
		s.noAnswerTmr = nil
		tmr.Stop()
	}
	if tmr := s.expiresTmr; tmr != nil {
		s.expiresTmr = nil
		tmr.Stop()
	}
	s.mu.Unlock()

	go s.sendAnswer(s.ctx, opts)
	return nil
}

func (s *Session) sendAnswer(ctx context.Context, opts *AnswerOptions) {
	answer, err := s.media.CreateAnswer(ctx, s.inviteReq.Body())
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "create answer failed", slog.Any("session", s), slog.Any("error", err))

		res := NewResponseFromRequest(s.inviteReq, StatusNotAcceptableHere, "Not Acceptable Here", nil)
		s.addToTag(res)
		s.inviteSrvTx.Respond(ctx, res) //nolint:errcheck
		s.fail(ctx, OriginatorSystem, nil, CauseWebRTCError)
		return
	}
	if s.State() != SessionStateAnswered {
		return
	}

	dlg, err := NewServerDialog(s, s.inviteReq, s.localTag, DialogStateConfirmed, s.log)
	if err != nil {
		s.fail(ctx, OriginatorSystem, nil, CauseInternalError)
		return
	}
	s.ua.registerDialog(dlg)

	res := NewResponseFromRequest(s.inviteReq, StatusOK, "OK", answer)
	s.addToTag(res)
	res.AppendHeader(s.ua.contactHeader())
	res.AppendHeader(NewHeader("Allow", allowedMethods))
	res.AppendHeader(NewHeader("Content-Type", ContentTypeSDP))
	for _, h := range opts.headers() {
		res.AppendHeader(h)
	}

	if remoteWantsHold(s.inviteReq.Body()) {
		s.mu.Lock()
		s.remoteHold = true
		s.mu.Unlock()
	}

	if err := s.inviteSrvTx.Respond(ctx, res); err != nil {
		s.fail(ctx, OriginatorSystem, nil, CauseConnectionError)
		return
	}
	if err := s.fsm.FireCtx(ctx, sessEvtAckWait); err != nil {
		return
	}

	s.mu.Lock()
	s.dlg = dlg
	s.startedAt = time.Now()
	s.mu.Unlock()
	dlg.OnRefreshReady(func() { s.runNextAction(s.ctx) })

	s.inviteSrvTx.OnAck(func(ctx context.Context, _ ServerTransaction, ack *Request) {
		s.recvAck(ctx, ack)
	})
	s.arm2xxRetransmit(res)

	s.emit(ctx, SessionEvent{Kind: SessionEventAccepted, Originator: OriginatorLocal, Response: res})
}

// arm2xxRetransmit retransmits the 2xx with the RFC 3261 section 13.3.1.4
// backoff, starting at T1 and doubling up to T2, and tears the session
// down with a BYE if no ACK arrives within 64*T1.
func (s *Session) arm2xxRetransmit(res *Response) {
	timings := s.ua.timings()

	s.mu.Lock()
	s.retrans2xxInterval = timings.T1()
	s.retrans2xxTmr = timeutil.AfterFunc(s.retrans2xxInterval, func() { s.retransmit2xx(res) })
	s.noAckTmr = timeutil.AfterFunc(timings.TimeH(), s.onNoAck)
	s.mu.Unlock()
}

func (s *Session) retransmit2xx(res *Response) {
	if s.State() != SessionStateWaitingForAck {
		return
	}

	s.inviteSrvTx.Respond(s.ctx, res) //nolint:errcheck

	s.mu.Lock()
	s.retrans2xxInterval = min(2*s.retrans2xxInterval, s.ua.timings().T2())
	tmr := s.retrans2xxTmr
	interval := s.retrans2xxInterval
	s.mu.Unlock()
	if tmr != nil {
		tmr.Reset(interval)
	}
}

func (s *Session) onNoAck() {
	if s.State() != SessionStateWaitingForAck {
		return
	}

	s.log.LogAttrs(s.ctx, slog.LevelWarn, "no ACK received", slog.Any("session", s))

	s.mu.Lock()
	dlg := s.dlg
	s.mu.Unlock()
	if dlg != nil {
		if bye, err := dlg.CreateRequest(BYE, nil, nil); err == nil {
			s.ua.tp.Send(s.ctx, bye) //nolint:errcheck
		}
	}
	s.ended(s.ctx, OriginatorSystem, nil, CauseNoACK)
}

func (s *Session) recvAck(ctx context.Context, ack *Request) {
	if err := s.fsm.FireCtx(ctx, sessEvtConfirm); err != nil {
		return
	}

	s.mu.Lock()
	retrans := s.retrans2xxTmr
	s.retrans2xxTmr = nil
	noAck := s.noAckTmr
	s.noAckTmr = nil
	s.mu.Unlock()
	retrans.Stop()
	noAck.Stop()

	s.emit(ctx, SessionEvent{Kind: SessionEventConfirmed, Originator: OriginatorRemote, Request: ack})
}

// handleCancel rejects an unanswered incoming INVITE whose CANCEL arrived.
func (s *Session) handleCancel(ctx context.Context) {
	switch s.State() {
	case SessionStateWaitingForAnswer, SessionStateAnswered:
	default:
		return
	}

	res := NewResponseFromRequest(s.inviteReq, StatusRequestTerminated, "Request Terminated", nil)
	s.addToTag(res)
	s.inviteSrvTx.Respond(ctx, res) //nolint:errcheck
	s.fail(ctx, OriginatorRemote, nil, CauseCanceled)
}

// recvStrayResponse handles a response that no longer matches a client
// transaction, which happens for 2xx retransmissions after the INVITE
// transaction terminated. The ACK is replayed.
func (s *Session) recvStrayResponse(ctx context.Context, res *Response) {
	if !isSuccessStatus(res.StatusCode) {
		return
	}
	s.mu.Lock()
	dlg := s.dlg
	s.mu.Unlock()
	if dlg == nil || dlg.ID().RemoteTag != ToTag(res) {
		return
	}
	s.sendAck(ctx, res)
}

// ReceiveAck implements [DialogOwner]: the standalone ACK of the 2xx
// arrives outside any transaction.
func (s *Session) ReceiveAck(ctx context.Context, _ *Dialog, ack *Request) {
	if s.State() == SessionStateWaitingForAck {
		s.recvAck(ctx, ack)
	}
}

// ReceiveRequest implements [DialogOwner], dispatching accepted in-dialog
// requests.
func (s *Session) ReceiveRequest(ctx context.Context, dlg *Dialog, tx ServerTransaction) {
	req := tx.Request()

	switch req.Method {
	case BYE:
		s.recvBye(ctx, tx)
	case INVITE:
		s.recvReinvite(ctx, tx)
	case UPDATE:
		s.recvUpdate(ctx, tx)
	case INFO:
		s.recvInfo(ctx, tx)
	case NOTIFY:
		s.recvNotify(ctx, tx)
	case OPTIONS:
		res := NewResponseFromRequest(req, StatusOK, "OK", nil)
		res.AppendHeader(NewHeader("Allow", allowedMethods))
		tx.Respond(ctx, res) //nolint:errcheck
	default:
		res := NewResponseFromRequest(req, StatusMethodNotAllowed, "Method Not Allowed", nil)
		res.AppendHeader(NewHeader("Allow", allowedMethods))
		tx.Respond(ctx, res) //nolint:errcheck
	}
}

func (s *Session) recvBye(ctx context.Context, tx ServerTransaction) {
	res := NewResponseFromRequest(tx.Request(), StatusOK, "OK", nil)
	tx.Respond(ctx, res) //nolint:errcheck

	s.ended(ctx, OriginatorRemote, tx.Request(), CauseBye)
}

// onDialogError tears the session down after a mid-dialog failure.
func (s *Session) onDialogError(ctx context.Context, cause Cause) {
	s.ended(ctx, OriginatorSystem, nil, cause)
}

const allowedMethods = "INVITE, ACK, CANCEL, BYE, UPDATE, OPTIONS, INFO, NOTIFY, REFER"
