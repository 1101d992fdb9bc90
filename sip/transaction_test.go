package sip_test

import (
	"testing"
	"time"

	"github.com/sipward/sipua/sip"
)

// newTestTimings scales the transaction timers down so terminal states are
// reached within a test run.
func newTestTimings(t1 time.Duration) sip.TimingConfig {
	return sip.NewTimings(t1, 8*t1, 10*t1, 16*t1, 10*t1)
}

func newTestReq(method sip.RequestMethod, branch string) *sip.Request {
	req := sip.NewRequest(method, sip.Uri{User: "bob", Host: "example.com"})

	req.PrependHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "WSS",
		Host:            "alice.example.com",
		Params:          sip.NewParams().Add("branch", branch),
	})
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: "alice", Host: "example.com"},
		Params:  sip.NewParams().Add("tag", "from-"+branch),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: "bob", Host: "example.com"},
		Params:  sip.NewParams(),
	})
	callID := sip.CallIDHeader("call-" + branch)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: "alice", Host: "alice.example.com"},
		Params:  sip.NewParams(),
	})

	return req
}

// newTestRes builds a response for req, tagging To on anything above 100
// the way a remote UAS would.
func newTestRes(req *sip.Request, code sip.StatusCode, reason string) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if code > 100 {
		if to := res.To(); to != nil {
			if _, ok := to.Params.Get("tag"); !ok {
				to.Params = to.Params.Add("tag", "to-tag-1")
			}
		}
	}
	return res
}

// waitOn receives from ch or fails the test after timeout.
func waitOn[T any](tb testing.TB, ch <-chan T, timeout time.Duration) T {
	tb.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		tb.Fatalf("nothing received within %s", timeout)
		var zero T
		return zero
	}
}

func waitForTransactState(tb testing.TB, tx sip.Transaction, want sip.TransactionState, timeout time.Duration) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if tx.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	tb.Fatalf("tx.State() = %q, want %q", tx.State(), want)
}
