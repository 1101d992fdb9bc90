package sip

import "log/slog"

// Originator tells which side triggered a session event.
type Originator string

const (
	OriginatorLocal  Originator = "local"
	OriginatorRemote Originator = "remote"
	OriginatorSystem Originator = "system"
)

// SessionEventKind identifies a session lifecycle event.
type SessionEventKind string

const (
	// SessionEventConnecting fires right before the INVITE leaves.
	SessionEventConnecting SessionEventKind = "connecting"
	// SessionEventProgress fires on a provisional response above 100, or
	// when the local side sends one.
	SessionEventProgress SessionEventKind = "progress"
	// SessionEventAccepted fires when a 2xx is sent or received.
	SessionEventAccepted SessionEventKind = "accepted"
	// SessionEventConfirmed fires when the ACK is sent or received.
	SessionEventConfirmed SessionEventKind = "confirmed"
	// SessionEventEnded fires when an established session terminates.
	SessionEventEnded SessionEventKind = "ended"
	// SessionEventFailed fires when a session fails before establishing.
	SessionEventFailed SessionEventKind = "failed"

	SessionEventHold    SessionEventKind = "hold"
	SessionEventUnhold  SessionEventKind = "unhold"
	SessionEventMuted   SessionEventKind = "muted"
	SessionEventUnmuted SessionEventKind = "unmuted"

	// SessionEventUpdate fires on an accepted in-dialog UPDATE.
	SessionEventUpdate SessionEventKind = "update"
	// SessionEventReinvite fires on an accepted in-dialog re-INVITE.
	SessionEventReinvite SessionEventKind = "reinvite"
	// SessionEventRefer fires on an inbound REFER.
	SessionEventRefer SessionEventKind = "refer"
	// SessionEventNewDTMF fires for each DTMF tone sent or received.
	SessionEventNewDTMF SessionEventKind = "new_dtmf"
)

// SessionEvent describes a session lifecycle notification. Request and
// Response carry the message that triggered the event when one exists;
// Cause is set for ended and failed events.
type SessionEvent struct {
	Kind       SessionEventKind
	Originator Originator
	Request    *Request
	Response   *Response
	Cause      Cause
	// Tone and Duration describe the DTMF tone of a new_dtmf event.
	Tone     string
	Duration int
}

// LogValue implements [slog.LogValuer].
func (e SessionEvent) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", string(e.Kind)),
		slog.String("originator", string(e.Originator)),
	}
	if e.Cause != "" {
		attrs = append(attrs, slog.String("cause", string(e.Cause)))
	}
	return slog.GroupValue(attrs...)
}
