package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"braces.dev/errtrace"
)

// ContentTypeSipfrag is the MIME type of the message fragments carried by
// REFER progress NOTIFYs per RFC 3515.
const ContentTypeSipfrag = "message/sipfrag"

type referState struct {
	mu     sync.Mutex
	active bool
}

// ReferOptions controls a blind transfer.
type ReferOptions struct {
	// Headers are appended to the REFER request.
	Headers []Header
}

func (o *ReferOptions) headers() []Header {
	if o == nil {
		return nil
	}
	return o.Headers
}

// Refer starts a blind transfer of the peer to target per RFC 3515. The
// session is put on hold first, then the REFER is sent; transfer progress
// arrives in NOTIFYs. A NOTIFY reporting a 2xx ends this session, a
// failure report takes it off hold again.
func (s *Session) Refer(ctx context.Context, target Uri, opts *ReferOptions) error {
	if s.State() != SessionStateConfirmed {
		return errtrace.Wrap(NewInvalidStateError("refer in state %q", s.State()))
	}

	s.mu.Lock()
	dlg := s.dlg
	onHold := s.localHold
	s.mu.Unlock()
	if dlg == nil {
		return errtrace.Wrap(ErrDialogGone)
	}

	if !onHold {
		if err := s.Hold(ctx); err != nil {
			return errtrace.Wrap(err)
		}
	}

	hdrs := []Header{
		NewHeader("Refer-To", fmt.Sprintf("<%s>", target.String())),
		NewHeader("Referred-By", fmt.Sprintf("<%s>", s.ua.opts.URI.String())),
	}
	hdrs = append(hdrs, opts.headers()...)

	sender, err := NewDialogRequestSender(s.ua.mgr, dlg, REFER, hdrs, nil, &DialogRequestSenderOptions{
		Credentials:   s.ua.opts.Credentials,
		Retry491Delay: s.retry491Delay(),
		OnDialogError: func(ctx context.Context, _ *Dialog, cause Cause) {
			s.onDialogError(ctx, cause)
		},
		Log: s.log,
	})
	if err != nil {
		return errtrace.Wrap(err)
	}

	sender.OnResponse(func(ctx context.Context, _ *DialogRequestSender, res *Response) {
		if isProvisionalStatus(res.StatusCode) {
			return
		}
		if isSuccessStatus(res.StatusCode) {
			s.refr.mu.Lock()
			s.refr.active = true
			s.refr.mu.Unlock()

			s.emit(ctx, SessionEvent{Kind: SessionEventRefer, Originator: OriginatorLocal, Response: res})
			return
		}

		s.log.LogAttrs(ctx, slog.LevelDebug, "refer rejected",
			slog.Any("session", s), slog.Int("status", int(res.StatusCode)))
		s.Unhold(ctx) //nolint:errcheck
	})

	return errtrace.Wrap(sender.Send(ctx))
}

// recvNotify handles transfer progress NOTIFYs. A sipfrag reporting a
// final 2xx means the transfer succeeded and this session ends; a final
// failure resumes the held session. NOTIFYs outside an active transfer
// are answered 481 per RFC 6665.
func (s *Session) recvNotify(ctx context.Context, tx ServerTransaction) {
	req := tx.Request()

	s.refr.mu.Lock()
	active := s.refr.active
	s.refr.mu.Unlock()

	event := ""
	if h := req.GetHeader("Event"); h != nil {
		event = strings.TrimSpace(strings.ToLower(h.Value()))
	}
	if !active || !strings.HasPrefix(event, "refer") {
		res := NewResponseFromRequest(req, StatusCallTransactionDoesNotExist, "Subscription Does Not Exist", nil)
		tx.Respond(ctx, res) //nolint:errcheck
		return
	}

	res := NewResponseFromRequest(req, StatusOK, "OK", nil)
	tx.Respond(ctx, res) //nolint:errcheck

	status, ok := parseSipfragStatus(string(req.Body()))
	if !ok || isProvisionalStatus(status) {
		return
	}

	s.refr.mu.Lock()
	s.refr.active = false
	s.refr.mu.Unlock()

	if isSuccessStatus(status) {
		s.log.LogAttrs(ctx, slog.LevelDebug, "transfer succeeded", slog.Any("session", s))
		s.Terminate(ctx, nil) //nolint:errcheck
		return
	}

	s.log.LogAttrs(ctx, slog.LevelDebug, "transfer failed",
		slog.Any("session", s), slog.Int("status", int(status)))
	s.Unhold(ctx) //nolint:errcheck
}

// parseSipfragStatus extracts the status code from the first line of a
// sipfrag body ("SIP/2.0 200 OK").
func parseSipfragStatus(body string) (StatusCode, bool) {
	line, _, _ := strings.Cut(strings.TrimSpace(body), "\n")
	parts := strings.Fields(line)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "SIP/") {
		return 0, false
	}
	var code int
	if _, err := fmt.Sscanf(parts[1], "%d", &code); err != nil {
		return 0, false
	}
	return StatusCode(code), true
}
