package sip_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sipward/sipua/sip"
)

// recvReq serializes the request and feeds it back through the stack the
// way a transport would.
func recvReq(t *testing.T, ua *sip.UserAgent, req *sip.Request) {
	t.Helper()
	if err := ua.RecvMessage(t.Context(), []byte(req.String())); err != nil {
		t.Fatalf("RecvMessage() = %v", err)
	}
}

func TestUserAgentOptionsPing(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	ua := newTestUA(t, tp)

	recvReq(t, ua, newTestReq(sip.OPTIONS, "z9hG4bK-ua-1"))

	res := tp.waitRes(t, time.Second)
	if res.StatusCode != sip.StatusOK {
		t.Fatalf("sent status = %d, want %d", res.StatusCode, sip.StatusOK)
	}
	allow := res.GetHeader("Allow")
	if allow == nil {
		t.Fatal("200 has no Allow header")
	}
}

func TestUserAgentUnsupportedMethod(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	ua := newTestUA(t, tp)

	recvReq(t, ua, newTestReq(sip.SUBSCRIBE, "z9hG4bK-ua-2"))

	res := tp.waitRes(t, time.Second)
	if res.StatusCode != sip.StatusMethodNotAllowed {
		t.Fatalf("sent status = %d, want %d", res.StatusCode, sip.StatusMethodNotAllowed)
	}
	if res.GetHeader("Allow") == nil {
		t.Fatal("405 has no Allow header")
	}
}

func TestUserAgentUnknownDialog(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	ua := newTestUA(t, tp)

	bye := newTestReq(sip.BYE, "z9hG4bK-ua-3")
	bye.To().Params = bye.To().Params.Add("tag", "gone")
	recvReq(t, ua, bye)

	res := tp.waitRes(t, time.Second)
	if res.StatusCode != sip.StatusCallTransactionDoesNotExist {
		t.Fatalf("sent status = %d, want %d", res.StatusCode, sip.StatusCallTransactionDoesNotExist)
	}

	// An ACK for an unknown dialog is dropped silently.
	ack := newTestReq(sip.ACK, "z9hG4bK-ua-4")
	ack.To().Params = ack.To().Params.Add("tag", "gone")
	recvReq(t, ua, ack)
	tp.ensureNoRes(t, 50*time.Millisecond)
}

func TestUserAgentInviteWithoutMedia(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	ua := newTestUA(t, tp)

	// No media factory configured, inbound calls cannot be taken.
	recvReq(t, ua, newTestReq(sip.INVITE, "z9hG4bK-ua-5"))

	res := tp.waitRes(t, time.Second)
	if res.StatusCode != sip.StatusNotAcceptableHere {
		t.Fatalf("sent status = %d, want %d", res.StatusCode, sip.StatusNotAcceptableHere)
	}
}

func TestUserAgentInviteWithoutOffer(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	ua := newSessionTestUA(t, tp, newFakeMedia())

	// An INVITE without an SDP offer would negotiate through the ACK,
	// which the stack does not do.
	recvReq(t, ua, newInboundInvite("z9hG4bK-ua-6", nil))

	res := tp.waitRes(t, time.Second)
	if res.StatusCode != sip.StatusNotAcceptableHere {
		t.Fatalf("sent status = %d, want %d", res.StatusCode, sip.StatusNotAcceptableHere)
	}
}

func TestUserAgentInviteUnacceptableOffer(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	media := newFakeMedia()
	media.applyErr = errors.New("no common codec")
	ua := newSessionTestUA(t, tp, media)

	sessions := make(chan *sip.Session, 1)
	ua.OnNewSession(func(_ context.Context, s *sip.Session) {
		sessions <- s
	})

	recvReq(t, ua, newInboundInvite("z9hG4bK-ua-7", []byte(testSDPOffer)))

	if res := tp.waitRes(t, time.Second); res.StatusCode != sip.StatusTrying {
		t.Fatalf("first response = %d, want %d", res.StatusCode, sip.StatusTrying)
	}
	res := waitResFor(t, tp, sip.INVITE, time.Second)
	if res.StatusCode != sip.StatusNotAcceptableHere {
		t.Fatalf("INVITE answered %d, want %d", res.StatusCode, sip.StatusNotAcceptableHere)
	}

	// The offer never made it past the media plane: no session, no ring.
	select {
	case <-sessions:
		t.Fatal("session created for an unacceptable offer")
	case <-time.After(50 * time.Millisecond):
	}
	if !media.isClosed() {
		t.Fatal("media session not closed")
	}
}

func TestUserAgentDropsGarbage(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	ua := newTestUA(t, tp)

	if err := ua.RecvMessage(t.Context(), []byte("not a sip message\r\n\r\n")); err == nil {
		t.Fatal("RecvMessage(garbage) = nil error")
	}
	tp.ensureNoRes(t, 50*time.Millisecond)
}
