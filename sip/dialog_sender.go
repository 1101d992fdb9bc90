package sip

import (
	"context"
	"log/slog"
	"time"

	"braces.dev/errtrace"

	"github.com/sipward/sipua/internal/log"
	"github.com/sipward/sipua/internal/types"
)

// DialogRequestSender sends a request inside a dialog. It builds the
// request from the dialog state, keeps the glare flag while a
// target-refresh request is outstanding and maps mid-dialog failures to
// dialog teardown: a 408 or 481 means the peer lost the dialog per
// RFC 3261 section 12.2.1.2, timeouts and transport failures are fatal
// for the dialog as well.
type DialogRequestSender struct {
	dlg    *Dialog
	sender *RequestSender
	opts   *DialogRequestSenderOptions
	log    *slog.Logger

	onRes types.CallbackManager[DialogSenderResponseHandler]
}

type (
	DialogSenderResponseHandler = func(ctx context.Context, s *DialogRequestSender, res *Response)
	DialogErrorHandler          = func(ctx context.Context, dlg *Dialog, cause Cause)
)

// DialogRequestSenderOptions contains options for a dialog request sender.
type DialogRequestSenderOptions struct {
	// Credentials, when set, enable one authentication retry on a
	// 401/407 digest challenge.
	Credentials Credentials
	// Retry491Delay returns the delay before the 491 retry.
	// If nil, [Caller491Delay] is used.
	Retry491Delay func() time.Duration
	// OnDialogError is called when the request outcome proves the dialog
	// unusable. The dialog is already terminated when it runs.
	OnDialogError DialogErrorHandler
	// Log is the logger that will be used with the sender.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *DialogRequestSenderOptions) credentials() Credentials {
	if o == nil {
		return Credentials{}
	}
	return o.Credentials
}

func (o *DialogRequestSenderOptions) retry491Delay() func() time.Duration {
	if o == nil {
		return nil
	}
	return o.Retry491Delay
}

func (o *DialogRequestSenderOptions) onDialogError() DialogErrorHandler {
	if o == nil {
		return nil
	}
	return o.OnDialogError
}

func (o *DialogRequestSenderOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// NewDialogRequestSender creates a sender for an in-dialog request built
// from the dialog state. The request is not sent until
// [DialogRequestSender.Send] is called.
func NewDialogRequestSender(
	mgr *TransactionManager,
	dlg *Dialog,
	method RequestMethod,
	hdrs []Header,
	body []byte,
	opts *DialogRequestSenderOptions,
) (*DialogRequestSender, error) {
	if dlg == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid dialog"))
	}

	req, err := dlg.CreateRequest(method, hdrs, body)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	s := &DialogRequestSender{
		dlg:  dlg,
		opts: opts,
		log:  opts.log(),
	}

	sender, err := NewRequestSender(mgr, req, &RequestSenderOptions{
		Credentials:   opts.credentials(),
		Retry491Delay: opts.retry491Delay(),
		NextCSeq:      dlg.NextLocalCSeq,
		Log:           s.log,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	s.sender = sender

	return s, nil
}

// Request returns the request being sent.
func (s *DialogRequestSender) Request() *Request { return s.sender.Request() }

// Dialog returns the dialog the request belongs to.
func (s *DialogRequestSender) Dialog() *Dialog { return s.dlg }

// OnResponse registers a callback invoked for each response that did not
// tear the dialog down.
func (s *DialogRequestSender) OnResponse(fn DialogSenderResponseHandler) (cancel func()) {
	return s.onRes.Add(fn)
}

// Send sends the request through the underlying request sender.
func (s *DialogRequestSender) Send(ctx context.Context) error {
	req := s.sender.Request()
	refresh := req.Method == INVITE || (req.Method == UPDATE && len(req.Body()) > 0)
	if refresh {
		s.dlg.setUACPendingReply(true)
	}

	// The glare flag is cleared after the outcome is handled, so the
	// ready-to-refresh notification finds the dialog and its owner
	// already settled.
	s.sender.OnResponse(func(ctx context.Context, _ *RequestSender, res *Response) {
		s.recvResponse(ctx, res)
		if refresh && isFinalStatus(res.StatusCode) {
			s.dlg.setUACPendingReply(false)
		}
	})
	s.sender.OnTimeout(func(ctx context.Context, _ *RequestSender) {
		s.failDialog(ctx, CauseRequestTimeout)
		if refresh {
			s.dlg.setUACPendingReply(false)
		}
	})
	s.sender.OnTransportError(func(ctx context.Context, _ *RequestSender, _ error) {
		s.failDialog(ctx, CauseConnectionError)
		if refresh {
			s.dlg.setUACPendingReply(false)
		}
	})

	if err := s.sender.Send(ctx); err != nil {
		if refresh {
			s.dlg.setUACPendingReply(false)
		}
		return errtrace.Wrap(err)
	}
	return nil
}

func (s *DialogRequestSender) recvResponse(ctx context.Context, res *Response) {
	switch res.StatusCode {
	case StatusRequestTimeout, StatusCallTransactionDoesNotExist:
		s.log.LogAttrs(ctx, slog.LevelDebug, "in-dialog request rejected, dialog gone",
			slog.Any("dialog", s.dlg), slog.Int("status", int(res.StatusCode)))

		s.failDialog(ctx, CauseDialogError)
		return
	}

	for fn := range s.onRes.All() {
		fn(ctx, s, res)
	}
}

func (s *DialogRequestSender) failDialog(ctx context.Context, cause Cause) {
	s.dlg.Terminate()
	if fn := s.opts.onDialogError(); fn != nil {
		fn(ctx, s.dlg, cause)
	}
}
