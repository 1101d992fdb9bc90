package sip_test

import (
	"context"
	"testing"
	"time"

	"github.com/sipward/sipua/sip"
)

// newTestUA builds a user agent on the stub transport with scaled timers.
// The provisional retransmit interval is pushed out of the way so tests can
// assert on the exact frames they expect.
func newTestUA(t *testing.T, tp sip.Transport) *sip.UserAgent {
	t.Helper()
	ua, err := sip.NewUserAgent(tp, sip.UserAgentOptions{
		URI:     sip.Uri{User: "alice", Host: "example.com"},
		ViaHost: "alice.example.com",
		Timings: sip.NewTimings(20*time.Millisecond, 160*time.Millisecond,
			200*time.Millisecond, 320*time.Millisecond, time.Minute),
	})
	if err != nil {
		t.Fatalf("NewUserAgent() = %v", err)
	}
	t.Cleanup(func() { ua.Close(context.Background()) })
	return ua
}

type registratorStateChange struct {
	state sip.RegistratorState
	cause sip.Cause
}

func watchRegistrator(r *sip.Registrator) <-chan registratorStateChange {
	states := make(chan registratorStateChange, 8)
	r.OnStateChanged(func(_ context.Context, state sip.RegistratorState, cause sip.Cause) {
		states <- registratorStateChange{state, cause}
	})
	return states
}

// recvRes serializes the response and feeds it back through the stack the
// way a transport would.
func recvRes(t *testing.T, ua *sip.UserAgent, res *sip.Response) {
	t.Helper()
	if err := ua.RecvMessage(t.Context(), []byte(res.String())); err != nil {
		t.Fatalf("RecvMessage() = %v", err)
	}
}

func expiresValue(t *testing.T, req *sip.Request) string {
	t.Helper()
	h := req.GetHeader("Expires")
	if h == nil {
		t.Fatal("REGISTER has no Expires header")
	}
	return h.Value()
}

func TestRegistratorRegisterRefresh(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	ua := newTestUA(t, tp)

	reg, err := sip.NewRegistrator(ua, sip.Uri{User: "alice", Host: "example.com"}, &sip.RegistratorOptions{
		Expires: time.Second,
	})
	if err != nil {
		t.Fatalf("NewRegistrator() = %v", err)
	}
	states := watchRegistrator(reg)

	if err := reg.Register(t.Context()); err != nil {
		t.Fatalf("Register() = %v", err)
	}
	if got := waitOn(t, states, time.Second); got.state != sip.RegistratorStateRegistering {
		t.Fatalf("state = %q, want %q", got.state, sip.RegistratorStateRegistering)
	}

	first := tp.waitReq(t, time.Second)
	if first.Method != sip.REGISTER {
		t.Fatalf("sent request method = %q, want %q", first.Method, sip.REGISTER)
	}
	if got := expiresValue(t, first); got != "1" {
		t.Fatalf("Expires = %q, want %q", got, "1")
	}
	if first.GetHeader("Contact") == nil {
		t.Fatal("REGISTER has no Contact header")
	}
	callID := sip.CallIDValue(first)
	firstCSeq := sip.CSeqNumber(first)

	recvRes(t, ua, newTestRes(first, sip.StatusOK, "OK"))
	if got := waitOn(t, states, time.Second); got.state != sip.RegistratorStateRegistered {
		t.Fatalf("state = %q, want %q", got.state, sip.RegistratorStateRegistered)
	}

	// The refresh fires at 90% of the granted second, reusing the Call-ID
	// with the next CSeq.
	refresh := tp.waitReq(t, 2*time.Second)
	if refresh.Method != sip.REGISTER {
		t.Fatalf("refresh method = %q, want %q", refresh.Method, sip.REGISTER)
	}
	if got := sip.CallIDValue(refresh); got != callID {
		t.Fatalf("refresh Call-ID = %q, want %q", got, callID)
	}
	if got, want := sip.CSeqNumber(refresh), firstCSeq+1; got != want {
		t.Fatalf("refresh CSeq = %d, want %d", got, want)
	}
}

func TestRegistratorIntervalTooBrief(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	ua := newTestUA(t, tp)

	reg, err := sip.NewRegistrator(ua, sip.Uri{Host: "example.com"}, &sip.RegistratorOptions{
		Expires: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewRegistrator() = %v", err)
	}
	states := watchRegistrator(reg)

	if err := reg.Register(t.Context()); err != nil {
		t.Fatalf("Register() = %v", err)
	}
	first := tp.waitReq(t, time.Second)

	tooBrief := newTestRes(first, sip.StatusIntervalTooBrief, "Interval Too Brief")
	tooBrief.AppendHeader(sip.NewHeader("Min-Expires", "120"))
	recvRes(t, ua, tooBrief)

	// One retry with the registrar's minimum.
	second := tp.waitReq(t, time.Second)
	if got := expiresValue(t, second); got != "120" {
		t.Fatalf("retried Expires = %q, want %q", got, "120")
	}
	if got, want := sip.CSeqNumber(second), sip.CSeqNumber(first)+1; got != want {
		t.Fatalf("retried CSeq = %d, want %d", got, want)
	}
	if got, want := sip.CallIDValue(second), sip.CallIDValue(first); got != want {
		t.Fatalf("retried Call-ID = %q, want %q", got, want)
	}

	recvRes(t, ua, newTestRes(second, sip.StatusOK, "OK"))
	waitRegistratorState(t, states, sip.RegistratorStateRegistered)
}

func TestRegistratorUnregister(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	ua := newTestUA(t, tp)

	reg, err := sip.NewRegistrator(ua, sip.Uri{Host: "example.com"}, nil)
	if err != nil {
		t.Fatalf("NewRegistrator() = %v", err)
	}
	states := watchRegistrator(reg)

	ctx := t.Context()
	if err := reg.Register(ctx); err != nil {
		t.Fatalf("Register() = %v", err)
	}
	first := tp.waitReq(t, time.Second)
	if got := expiresValue(t, first); got != "600" {
		t.Fatalf("Expires = %q, want %q", got, "600")
	}
	recvRes(t, ua, newTestRes(first, sip.StatusOK, "OK"))
	waitRegistratorState(t, states, sip.RegistratorStateRegistered)

	if err := reg.Unregister(ctx); err != nil {
		t.Fatalf("Unregister() = %v", err)
	}
	removal := tp.waitReq(t, time.Second)
	if got := expiresValue(t, removal); got != "0" {
		t.Fatalf("removal Expires = %q, want %q", got, "0")
	}
	recvRes(t, ua, newTestRes(removal, sip.StatusOK, "OK"))
	waitRegistratorState(t, states, sip.RegistratorStateUnregistered)

	if got := reg.State(); got != sip.RegistratorStateUnregistered {
		t.Fatalf("reg.State() = %q, want %q", got, sip.RegistratorStateUnregistered)
	}
}

func TestRegistratorRejected(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	ua := newTestUA(t, tp)

	reg, err := sip.NewRegistrator(ua, sip.Uri{Host: "example.com"}, nil)
	if err != nil {
		t.Fatalf("NewRegistrator() = %v", err)
	}
	states := watchRegistrator(reg)

	if err := reg.Register(t.Context()); err != nil {
		t.Fatalf("Register() = %v", err)
	}
	first := tp.waitReq(t, time.Second)

	recvRes(t, ua, newTestRes(first, sip.StatusServiceUnavailable, "Service Unavailable"))
	waitOn(t, states, time.Second) // registering
	if got := waitOn(t, states, time.Second); got.state != sip.RegistratorStateUnregistered || got.cause == "" {
		t.Fatalf("state = %q cause = %q, want %q with a cause", got.state, got.cause, sip.RegistratorStateUnregistered)
	}
}

func waitRegistratorState(t *testing.T, states <-chan registratorStateChange, want sip.RegistratorState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-states:
			if got.state == want {
				return
			}
		case <-deadline:
			t.Fatalf("registrator never reached state %q", want)
		}
	}
}
