package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/sipward/sipua/internal/timeutil"
	"github.com/sipward/sipua/internal/types"
)

// ContentTypeDTMFRelay is the MIME type of RFC 2833-style INFO DTMF bodies.
const ContentTypeDTMFRelay = "application/dtmf-relay"

// DTMF timing bounds in milliseconds.
const (
	dtmfDefaultDuration = 100
	dtmfMinDuration     = 70
	dtmfMaxDuration     = 6000
	dtmfDefaultGap      = 500
	dtmfMinGap          = 50
	// dtmfPauseDuration is the extra gap a "," in the tone string inserts.
	dtmfPauseDuration = 2000
)

const dtmfValidTones = "0123456789ABCD*#,"

// DTMFOptions controls tone timing for [Session.SendDTMF].
type DTMFOptions struct {
	// Duration of each tone in milliseconds, clamped to [70, 6000].
	// Defaults to 100.
	Duration int
	// InterToneGap between tones in milliseconds, at least 50.
	// Defaults to 500.
	InterToneGap int
}

func (o *DTMFOptions) duration() int {
	d := dtmfDefaultDuration
	if o != nil && o.Duration != 0 {
		d = o.Duration
	}
	return min(max(d, dtmfMinDuration), dtmfMaxDuration)
}

func (o *DTMFOptions) gap() int {
	g := dtmfDefaultGap
	if o != nil && o.InterToneGap != 0 {
		g = o.InterToneGap
	}
	return max(g, dtmfMinGap)
}

type dtmfTone struct {
	tone     string
	duration int
	gap      int
}

// dtmfQueue serializes outbound tones: one INFO at a time, spaced by the
// tone duration plus the inter-tone gap.
type dtmfQueue struct {
	mu      sync.Mutex
	queue   types.Deque[dtmfTone]
	sending bool
	tmr     *timeutil.Timer
}

func (q *dtmfQueue) stop() {
	q.mu.Lock()
	tmr := q.tmr
	q.tmr = nil
	q.queue.Drain()
	q.sending = false
	q.mu.Unlock()
	tmr.Stop()
}

// SendDTMF queues the tones for delivery as INFO requests inside the
// dialog. Valid tones are 0-9, A-D, * and #; a "," inserts a two second
// pause. Tones are sent one at a time, each after the previous tone's
// duration plus the inter-tone gap.
func (s *Session) SendDTMF(ctx context.Context, tones string, opts *DTMFOptions) error {
	if s.State() != SessionStateConfirmed {
		return errtrace.Wrap(NewInvalidStateError("send DTMF in state %q", s.State()))
	}
	if tones == "" {
		return errtrace.Wrap(NewInvalidArgumentError("no tones"))
	}
	tones = strings.ToUpper(tones)
	for _, r := range tones {
		if !strings.ContainsRune(dtmfValidTones, r) {
			return errtrace.Wrap(NewInvalidArgumentError("invalid tone %q", string(r)))
		}
	}

	duration := opts.duration()
	gap := opts.gap()

	s.dtmf.mu.Lock()
	for _, r := range tones {
		s.dtmf.queue.Append(dtmfTone{tone: string(r), duration: duration, gap: gap})
	}
	kick := !s.dtmf.sending
	s.dtmf.sending = true
	s.dtmf.mu.Unlock()

	if kick {
		s.sendNextTone(ctx)
	}
	return nil
}

func (s *Session) sendNextTone(ctx context.Context) {
	s.dtmf.mu.Lock()
	tone, ok := s.dtmf.queue.PopFirst()
	if !ok {
		s.dtmf.sending = false
		s.dtmf.mu.Unlock()
		return
	}
	s.dtmf.mu.Unlock()

	if s.State() != SessionStateConfirmed {
		s.dtmf.stop()
		return
	}

	delay := tone.duration + tone.gap
	if tone.tone == "," {
		delay = dtmfPauseDuration
	} else {
		s.sendToneInfo(ctx, tone)
	}

	tmr := timeutil.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
		s.sendNextTone(s.ctx)
	})
	s.dtmf.mu.Lock()
	s.dtmf.tmr = tmr
	s.dtmf.mu.Unlock()
}

func (s *Session) sendToneInfo(ctx context.Context, tone dtmfTone) {
	s.mu.Lock()
	dlg := s.dlg
	s.mu.Unlock()
	if dlg == nil {
		return
	}

	body := fmt.Sprintf("Signal=%s\r\nDuration=%d\r\n", tone.tone, tone.duration)
	hdrs := []Header{NewHeader("Content-Type", ContentTypeDTMFRelay)}

	sender, err := NewDialogRequestSender(s.ua.mgr, dlg, INFO, hdrs, []byte(body), &DialogRequestSenderOptions{
		Credentials: s.ua.opts.Credentials,
		OnDialogError: func(ctx context.Context, _ *Dialog, cause Cause) {
			s.onDialogError(ctx, cause)
		},
		Log: s.log,
	})
	if err != nil {
		return
	}
	if err := sender.Send(ctx); err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "DTMF send failed",
			slog.Any("session", s), slog.Any("error", err))
		return
	}

	s.emit(ctx, SessionEvent{
		Kind:       SessionEventNewDTMF,
		Originator: OriginatorLocal,
		Tone:       tone.tone,
		Duration:   tone.duration,
	})
}

// recvInfo handles an in-dialog INFO. DTMF relay bodies are decoded and
// surfaced as new_dtmf events, anything else is rejected with 415.
func (s *Session) recvInfo(ctx context.Context, tx ServerTransaction) {
	req := tx.Request()

	ct := req.GetHeader("Content-Type")
	if ct == nil || !strings.EqualFold(strings.TrimSpace(ct.Value()), ContentTypeDTMFRelay) {
		res := NewResponseFromRequest(req, StatusUnsupportedMediaType, "Unsupported Media Type", nil)
		tx.Respond(ctx, res) //nolint:errcheck
		return
	}

	tone, duration := parseDTMFRelay(string(req.Body()))

	res := NewResponseFromRequest(req, StatusOK, "OK", nil)
	tx.Respond(ctx, res) //nolint:errcheck

	if tone == "" {
		return
	}
	s.emit(ctx, SessionEvent{
		Kind:       SessionEventNewDTMF,
		Originator: OriginatorRemote,
		Request:    req,
		Tone:       tone,
		Duration:   duration,
	})
}

func parseDTMFRelay(body string) (tone string, duration int) {
	duration = dtmfDefaultDuration
	for line := range strings.Lines(body) {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "signal":
			if v != "" && strings.Contains(dtmfValidTones, strings.ToUpper(v[:1])) {
				tone = strings.ToUpper(v[:1])
			}
		case "duration":
			if d, err := strconv.Atoi(v); err == nil {
				duration = d
			}
		}
	}
	return tone, duration
}
