package sip

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/sipward/sipua/internal/log"
	"github.com/sipward/sipua/internal/randutil"
	"github.com/sipward/sipua/internal/timeutil"
	"github.com/sipward/sipua/internal/types"
)

// RequestSender sends a request through a client transaction and runs the
// retry ladder on top of it: one authentication retry on a 401/407
// challenge and one retry after a 491 Request Pending, both with a bumped
// CSeq and a fresh branch. All other responses are passed through.
type RequestSender struct {
	mgr  *TransactionManager
	req  *Request
	opts *RequestSenderOptions
	log  *slog.Logger

	mu          sync.Mutex
	tx          ClientTransaction
	authRetried bool
	retried491  bool
	retryTmr    *timeutil.Timer

	onRes     types.CallbackManager[RequestSenderResponseHandler]
	onTimeout types.CallbackManager[RequestSenderTimeoutHandler]
	onErr     types.CallbackManager[RequestSenderErrorHandler]
}

type (
	RequestSenderResponseHandler = func(ctx context.Context, s *RequestSender, res *Response)
	RequestSenderTimeoutHandler  = func(ctx context.Context, s *RequestSender)
	RequestSenderErrorHandler    = func(ctx context.Context, s *RequestSender, err error)
)

// RequestSenderOptions contains options for a request sender.
type RequestSenderOptions struct {
	// Via is the template for the Via header prepended to requests that
	// carry none. Its branch is replaced with a fresh one per attempt.
	Via *ViaHeader
	// Credentials, when set, enable one authentication retry on a
	// 401/407 digest challenge.
	Credentials Credentials
	// Retry491Delay returns the delay before the 491 retry.
	// If nil, [Caller491Delay] is used.
	Retry491Delay func() time.Duration
	// NextCSeq supplies the CSeq number for a retry attempt. In-dialog
	// senders point it at the dialog sequence counter so retries stay in
	// step with other requests in the dialog. If nil, the request CSeq is
	// incremented in place.
	NextCSeq func() uint32
	// OnServiceUnavailable is forwarded to the client transaction options.
	OnServiceUnavailable TransactionResponseHandler
	// Log is the logger that will be used with the sender.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *RequestSenderOptions) via() *ViaHeader {
	if o == nil {
		return nil
	}
	return o.Via
}

func (o *RequestSenderOptions) credentials() Credentials {
	if o == nil {
		return Credentials{}
	}
	return o.Credentials
}

func (o *RequestSenderOptions) retry491Delay() func() time.Duration {
	if o == nil || o.Retry491Delay == nil {
		return Caller491Delay
	}
	return o.Retry491Delay
}

func (o *RequestSenderOptions) nextCSeq() func() uint32 {
	if o == nil {
		return nil
	}
	return o.NextCSeq
}

func (o *RequestSenderOptions) onServiceUnavailable() TransactionResponseHandler {
	if o == nil {
		return nil
	}
	return o.OnServiceUnavailable
}

func (o *RequestSenderOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Caller491Delay returns the glare back-off for the session owner that
// placed the call: a random delay between 2.1 and 4 seconds per
// RFC 3261 section 14.1.
func Caller491Delay() time.Duration {
	return randutil.Duration(2100*time.Millisecond, 4*time.Second)
}

// Callee491Delay returns the glare back-off for the session owner that
// answered the call: a random delay up to 2 seconds.
func Callee491Delay() time.Duration {
	return randutil.Duration(0, 2*time.Second)
}

// NewRequestSender creates a request sender for the request.
// The request is not sent until [RequestSender.Send] is called.
func NewRequestSender(mgr *TransactionManager, req *Request, opts *RequestSenderOptions) (*RequestSender, error) {
	if mgr == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transaction manager"))
	}
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if req.Method == ACK || req.Method == CANCEL {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	return &RequestSender{
		mgr:  mgr,
		req:  req,
		opts: opts,
		log:  opts.log(),
	}, nil
}

// Request returns the request being sent, including any retry mutations.
func (s *RequestSender) Request() *Request { return s.req }

// Transaction returns the client transaction of the current attempt,
// or nil before the first [RequestSender.Send].
func (s *RequestSender) Transaction() ClientTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx
}

// OnResponse registers a callback invoked for each response that was not
// consumed by the retry ladder.
func (s *RequestSender) OnResponse(fn RequestSenderResponseHandler) (cancel func()) {
	return s.onRes.Add(fn)
}

// OnTimeout registers a callback invoked when the transaction times out.
func (s *RequestSender) OnTimeout(fn RequestSenderTimeoutHandler) (cancel func()) {
	return s.onTimeout.Add(fn)
}

// OnTransportError registers a callback invoked on a transport send failure.
func (s *RequestSender) OnTransportError(fn RequestSenderErrorHandler) (cancel func()) {
	return s.onErr.Add(fn)
}

// Send validates the request Via and sends it through a new client transaction.
func (s *RequestSender) Send(ctx context.Context) error {
	s.ensureVia()
	return errtrace.Wrap(s.send(ctx))
}

func (s *RequestSender) ensureVia() {
	if s.req.Via() != nil {
		return
	}

	via := &ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "WSS",
		Host:            "localhost",
		Params:          NewParams(),
	}
	if tpl := s.opts.via(); tpl != nil {
		via.ProtocolName = tpl.ProtocolName
		via.ProtocolVersion = tpl.ProtocolVersion
		via.Transport = tpl.Transport
		via.Host = tpl.Host
		via.Port = tpl.Port
	}
	via.Params = via.Params.Add("branch", GenerateBranch())
	s.req.PrependHeader(via)
}

func (s *RequestSender) send(ctx context.Context) error {
	tx, err := s.mgr.NewClientTransaction(s.req, &ClientTransactionOptions{
		OnServiceUnavailable: s.opts.onServiceUnavailable(),
		Log:                  s.log,
	})
	if err != nil {
		return errtrace.Wrap(err)
	}

	s.mu.Lock()
	s.tx = tx
	s.mu.Unlock()

	tx.OnTimeout(func(ctx context.Context, _ Transaction) {
		for fn := range s.onTimeout.All() {
			fn(ctx, s)
		}
	})
	tx.OnTransportError(func(ctx context.Context, _ Transaction, err error) {
		for fn := range s.onErr.All() {
			fn(ctx, s, err)
		}
	})
	tx.OnResponse(func(ctx context.Context, _ ClientTransaction, res *Response) {
		s.recvResponse(ctx, res)
	})

	return nil
}

func (s *RequestSender) recvResponse(ctx context.Context, res *Response) {
	switch res.StatusCode {
	case StatusUnauthorized, StatusProxyAuthRequired:
		if s.tryAuthRetry(ctx, res) {
			return
		}
	case StatusRequestPending:
		if s.try491Retry(ctx) {
			return
		}
	}

	for fn := range s.onRes.All() {
		fn(ctx, s, res)
	}
}

func (s *RequestSender) tryAuthRetry(ctx context.Context, res *Response) bool {
	creds := s.opts.credentials()

	s.mu.Lock()
	retry := !s.authRetried && !creds.IsZero()
	s.authRetried = true
	s.mu.Unlock()
	if !retry {
		return false
	}

	if err := authorizeRequest(s.req, res, creds); err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "authorization failed",
			slog.Any("method", s.req.Method), slog.Any("error", err))
		return false
	}

	s.log.LogAttrs(ctx, slog.LevelDebug, "retrying with credentials",
		slog.Any("method", s.req.Method), slog.Int("status", int(res.StatusCode)))

	s.resend(ctx)
	return true
}

func (s *RequestSender) try491Retry(ctx context.Context) bool {
	s.mu.Lock()
	retry := !s.retried491
	s.retried491 = true
	s.mu.Unlock()
	if !retry {
		return false
	}

	delay := s.opts.retry491Delay()()

	s.log.LogAttrs(ctx, slog.LevelDebug, "request pending, retrying",
		slog.Any("method", s.req.Method), slog.Duration("delay", delay))

	tmr := timeutil.AfterFunc(delay, func() {
		s.resend(context.Background())
	})
	s.mu.Lock()
	s.retryTmr = tmr
	s.mu.Unlock()
	return true
}

// resend bumps the CSeq, stamps a fresh branch and sends the request
// through a new client transaction.
func (s *RequestSender) resend(ctx context.Context) {
	if cseq := s.req.CSeq(); cseq != nil {
		if next := s.opts.nextCSeq(); next != nil {
			cseq.SeqNo = next()
		} else {
			cseq.SeqNo++
		}
	}
	if via := s.req.Via(); via != nil {
		via.Params = via.Params.Add("branch", GenerateBranch())
	}

	if err := s.send(ctx); err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "retry send failed",
			slog.Any("method", s.req.Method), slog.Any("error", err))
		for fn := range s.onErr.All() {
			fn(ctx, s, err)
		}
	}
}

// Stop cancels a pending 491 retry, if any.
func (s *RequestSender) Stop() {
	s.mu.Lock()
	tmr := s.retryTmr
	s.retryTmr = nil
	s.mu.Unlock()
	tmr.Stop()
}
