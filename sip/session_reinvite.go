package sip

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"
)

// recvReinvite answers an in-dialog re-INVITE: a fresh offer/answer
// exchange, usually carrying a hold or resume.
func (s *Session) recvReinvite(ctx context.Context, tx ServerTransaction) {
	req := tx.Request()

	if s.State() != SessionStateConfirmed {
		res := NewResponseFromRequest(req, StatusRequestPending, "Request Pending", nil)
		tx.Respond(ctx, res) //nolint:errcheck
		return
	}
	if len(req.Body()) == 0 || !isSDPContent(req) {
		// Offerless re-INVITEs would put the offer in the ACK, which the
		// session does not negotiate.
		res := NewResponseFromRequest(req, StatusNotAcceptableHere, "Not Acceptable Here", nil)
		tx.Respond(ctx, res) //nolint:errcheck
		return
	}

	go s.answerRenegotiation(s.ctx, tx, SessionEventReinvite)
}

// recvUpdate answers an in-dialog UPDATE per RFC 3311. An UPDATE without
// an offer is acknowledged as a bare target refresh.
func (s *Session) recvUpdate(ctx context.Context, tx ServerTransaction) {
	req := tx.Request()

	if len(req.Body()) == 0 {
		res := NewResponseFromRequest(req, StatusOK, "OK", nil)
		res.AppendHeader(s.ua.contactHeader())
		tx.Respond(ctx, res) //nolint:errcheck

		s.emit(ctx, SessionEvent{Kind: SessionEventUpdate, Originator: OriginatorRemote, Request: req})
		return
	}
	if !isSDPContent(req) {
		res := NewResponseFromRequest(req, StatusUnsupportedMediaType, "Unsupported Media Type", nil)
		tx.Respond(ctx, res) //nolint:errcheck
		return
	}

	go s.answerRenegotiation(s.ctx, tx, SessionEventUpdate)
}

// answerRenegotiation runs the UAS side of a mid-call offer/answer
// exchange and emits the hold/unhold events the new remote directions
// imply. The answer is produced asynchronously; the session state is
// revalidated before the response leaves.
func (s *Session) answerRenegotiation(ctx context.Context, tx ServerTransaction, kind SessionEventKind) {
	req := tx.Request()
	body := req.Body()

	answer, err := s.media.CreateAnswer(ctx, body)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "renegotiation answer failed",
			slog.Any("session", s), slog.Any("error", err))

		res := NewResponseFromRequest(req, StatusNotAcceptableHere, "Not Acceptable Here", nil)
		tx.Respond(ctx, res) //nolint:errcheck
		return
	}
	if s.State() != SessionStateConfirmed {
		return
	}

	res := NewResponseFromRequest(req, StatusOK, "OK", answer)
	res.AppendHeader(s.ua.contactHeader())
	res.AppendHeader(NewHeader("Content-Type", ContentTypeSDP))
	if err := tx.Respond(ctx, res); err != nil {
		return
	}

	s.mu.Lock()
	wasHold := s.remoteHold
	nowHold := remoteWantsHold(body)
	s.remoteHold = nowHold
	s.mu.Unlock()

	s.emit(ctx, SessionEvent{Kind: kind, Originator: OriginatorRemote, Request: req})
	switch {
	case !wasHold && nowHold:
		s.emit(ctx, SessionEvent{Kind: SessionEventHold, Originator: OriginatorRemote, Request: req})
	case wasHold && !nowHold:
		s.emit(ctx, SessionEvent{Kind: SessionEventUnhold, Originator: OriginatorRemote, Request: req})
	}
}

// Hold renegotiates the session with all media directed away from the
// peer. A hold issued while another renegotiation is in flight is queued;
// a queued hold and unhold cancel each other out.
func (s *Session) Hold(ctx context.Context) error {
	return errtrace.Wrap(s.renegotiate(ctx, actionHold))
}

// Unhold renegotiates the session back to bidirectional media.
func (s *Session) Unhold(ctx context.Context) error {
	return errtrace.Wrap(s.renegotiate(ctx, actionUnhold))
}

// Renegotiate resends the current local offer, e.g. after a media change.
func (s *Session) Renegotiate(ctx context.Context) error {
	return errtrace.Wrap(s.renegotiate(ctx, actionRenego))
}

var oppositeAction = map[sessionAction]sessionAction{
	actionHold:   actionUnhold,
	actionUnhold: actionHold,
}

func (s *Session) renegotiate(ctx context.Context, action sessionAction) error {
	if s.State() != SessionStateConfirmed {
		return errtrace.Wrap(NewInvalidStateError("renegotiate in state %q", s.State()))
	}

	s.mu.Lock()
	switch {
	case action == actionHold && s.localHold:
		s.mu.Unlock()
		return nil
	case action == actionUnhold && !s.localHold:
		s.mu.Unlock()
		return nil
	}
	dlg := s.dlg
	s.mu.Unlock()
	if dlg == nil {
		return errtrace.Wrap(ErrDialogGone)
	}

	// Pending in either direction defers the action: our own refresh is
	// unanswered, or an inbound one is still being answered.
	if dlg.refreshPending() {
		s.queueAction(ctx, action)
		return nil
	}

	go s.sendReinvite(s.ctx, dlg, action)
	return nil
}

func (s *Session) queueAction(ctx context.Context, action sessionAction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opp, ok := oppositeAction[action]; ok {
		if s.pending.RemoveFirstFunc(func(a sessionAction) bool { return a == opp }) {
			s.log.LogAttrs(ctx, slog.LevelDebug, "queued action canceled out",
				slog.Any("session", s), slog.String("action", string(action)))
			return
		}
	}
	s.pending.Append(action)

	s.log.LogAttrs(ctx, slog.LevelDebug, "action queued",
		slog.Any("session", s), slog.String("action", string(action)))
}

func (s *Session) runNextAction(ctx context.Context) {
	s.mu.Lock()
	action, ok := s.pending.PopFirst()
	s.mu.Unlock()
	if !ok {
		return
	}

	var err error
	switch action {
	case actionHold:
		err = s.Hold(ctx)
	case actionUnhold:
		err = s.Unhold(ctx)
	case actionRenego:
		err = s.Renegotiate(ctx)
	}
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "queued action failed",
			slog.Any("session", s), slog.String("action", string(action)), slog.Any("error", err))
	}
}

// sendReinvite runs the UAC side of a mid-call renegotiation.
func (s *Session) sendReinvite(ctx context.Context, dlg *Dialog, action sessionAction) {
	offer, err := s.media.CreateOffer(ctx)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "renegotiation offer failed",
			slog.Any("session", s), slog.Any("error", err))
		s.runNextAction(ctx)
		return
	}

	s.mu.Lock()
	muted := s.muted
	s.mu.Unlock()

	hold := action == actionHold
	if hold {
		offer, err = withSDPDirection(offer, holdDirection(muted))
		if err != nil {
			s.runNextAction(ctx)
			return
		}
	}
	if s.State() != SessionStateConfirmed {
		return
	}

	hdrs := []Header{
		s.ua.contactHeader(),
		NewHeader("Content-Type", ContentTypeSDP),
	}
	sender, err := NewDialogRequestSender(s.ua.mgr, dlg, INVITE, hdrs, offer, &DialogRequestSenderOptions{
		Credentials:   s.ua.opts.Credentials,
		Retry491Delay: s.retry491Delay(),
		OnDialogError: func(ctx context.Context, _ *Dialog, cause Cause) {
			s.onDialogError(ctx, cause)
		},
		Log: s.log,
	})
	if err != nil {
		s.runNextAction(ctx)
		return
	}

	sender.OnResponse(func(ctx context.Context, _ *DialogRequestSender, res *Response) {
		s.recvReinviteResponse(ctx, dlg, res, action)
	})

	if err := sender.Send(ctx); err != nil {
		// Send cleared the glare flag again, which already drained the
		// queue through the refresh-ready notification.
		s.log.LogAttrs(ctx, slog.LevelWarn, "renegotiation send failed",
			slog.Any("session", s), slog.Any("error", err))
	}
}

func (s *Session) recvReinviteResponse(ctx context.Context, dlg *Dialog, res *Response, action sessionAction) {
	if isProvisionalStatus(res.StatusCode) {
		return
	}

	if isSuccessStatus(res.StatusCode) {
		if ack, err := dlg.CreateRequest(ACK, nil, nil); err == nil {
			s.ua.tp.Send(ctx, ack) //nolint:errcheck
		}

		if err := s.media.ApplyRemote(ctx, res.Body()); err != nil {
			s.log.LogAttrs(ctx, slog.LevelWarn, "bad renegotiation answer",
				slog.Any("session", s), slog.Any("error", err))
		}

		switch action {
		case actionHold:
			s.mu.Lock()
			s.localHold = true
			s.mu.Unlock()
			s.emit(ctx, SessionEvent{Kind: SessionEventHold, Originator: OriginatorLocal, Response: res})
		case actionUnhold:
			s.mu.Lock()
			s.localHold = false
			s.mu.Unlock()
			s.emit(ctx, SessionEvent{Kind: SessionEventUnhold, Originator: OriginatorLocal, Response: res})
		case actionRenego:
			s.emit(ctx, SessionEvent{Kind: SessionEventReinvite, Originator: OriginatorLocal, Response: res})
		}
	} else {
		s.log.LogAttrs(ctx, slog.LevelDebug, "renegotiation rejected",
			slog.Any("session", s), slog.Int("status", int(res.StatusCode)))
	}
	// The queue drains through the dialog's refresh-ready notification
	// once the glare flag clears.
}

// Mute flags the local media as muted. Muting is local to the media plane,
// no renegotiation is sent.
func (s *Session) Mute(ctx context.Context) {
	s.mu.Lock()
	already := s.muted
	s.muted = true
	s.mu.Unlock()
	if already {
		return
	}
	s.emit(ctx, SessionEvent{Kind: SessionEventMuted, Originator: OriginatorLocal})
}

// Unmute clears the local mute flag.
func (s *Session) Unmute(ctx context.Context) {
	s.mu.Lock()
	already := !s.muted
	s.muted = false
	s.mu.Unlock()
	if already {
		return
	}
	s.emit(ctx, SessionEvent{Kind: SessionEventUnmuted, Originator: OriginatorLocal})
}
