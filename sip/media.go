package sip

import (
	"context"
	"strings"

	"braces.dev/errtrace"
	"github.com/pion/sdp/v3"
)

// ContentTypeSDP is the MIME type of SDP session descriptions.
const ContentTypeSDP = "application/sdp"

// MediaSession abstracts the media plane behind the signaling. The session
// layer drives the offer/answer exchanges and never inspects media beyond
// the SDP direction attributes.
type MediaSession interface {
	// CreateOffer produces the local SDP offer.
	CreateOffer(ctx context.Context) ([]byte, error)
	// CreateAnswer produces the local SDP answer for the remote offer.
	CreateAnswer(ctx context.Context, remote []byte) ([]byte, error)
	// ApplyRemote applies a remote SDP description: the answer to a
	// previously created offer, or the offer of an inbound call before
	// it is answered.
	ApplyRemote(ctx context.Context, remote []byte) error
	// Close releases the media resources.
	Close() error
}

// MediaDirection is an SDP direction attribute value.
type MediaDirection string

const (
	DirectionSendRecv MediaDirection = "sendrecv"
	DirectionSendOnly MediaDirection = "sendonly"
	DirectionRecvOnly MediaDirection = "recvonly"
	DirectionInactive MediaDirection = "inactive"
)

var directionAttrs = map[string]MediaDirection{
	"sendrecv": DirectionSendRecv,
	"sendonly": DirectionSendOnly,
	"recvonly": DirectionRecvOnly,
	"inactive": DirectionInactive,
}

// sdpDirections returns the effective direction of each media section,
// resolving the session-level default of sendrecv per RFC 4566.
func sdpDirections(body []byte) ([]MediaDirection, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, errtrace.Wrap(err)
	}

	sessionDir := DirectionSendRecv
	for _, a := range desc.Attributes {
		if dir, ok := directionAttrs[a.Key]; ok {
			sessionDir = dir
		}
	}

	dirs := make([]MediaDirection, 0, len(desc.MediaDescriptions))
	for _, m := range desc.MediaDescriptions {
		dir := sessionDir
		for _, a := range m.Attributes {
			if d, ok := directionAttrs[a.Key]; ok {
				dir = d
			}
		}
		dirs = append(dirs, dir)
	}
	return dirs, nil
}

// remoteWantsHold reports whether the SDP puts every media section on hold,
// i.e. the peer neither wants to receive (sendonly) nor exchange (inactive)
// media.
func remoteWantsHold(body []byte) bool {
	dirs, err := sdpDirections(body)
	if err != nil || len(dirs) == 0 {
		return false
	}
	for _, dir := range dirs {
		if dir != DirectionSendOnly && dir != DirectionInactive {
			return false
		}
	}
	return true
}

// withSDPDirection rewrites the direction attribute of every media section.
func withSDPDirection(body []byte, dir MediaDirection) ([]byte, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, errtrace.Wrap(err)
	}

	desc.Attributes = stripDirectionAttrs(desc.Attributes)
	for _, m := range desc.MediaDescriptions {
		m.Attributes = append(stripDirectionAttrs(m.Attributes), sdp.Attribute{Key: string(dir)})
	}

	out, err := desc.Marshal()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return out, nil
}

func stripDirectionAttrs(attrs []sdp.Attribute) []sdp.Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		if _, ok := directionAttrs[a.Key]; ok {
			continue
		}
		out = append(out, a)
	}
	return out
}

// holdDirection maps the local mute state to the direction advertised when
// placing the peer on hold.
func holdDirection(inactive bool) MediaDirection {
	if inactive {
		return DirectionInactive
	}
	return DirectionSendOnly
}

// isSDPContent reports whether the message body is an SDP description.
func isSDPContent(m hdrAccessor) bool {
	h := m.GetHeader("Content-Type")
	if h == nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(h.Value()), ContentTypeSDP)
}
