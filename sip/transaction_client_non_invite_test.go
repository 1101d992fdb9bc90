package sip_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sipward/sipua/sip"
)

func TestNonInviteClientTransactionFinalResponse(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	tx, err := sip.NewNonInviteClientTransaction(newTestReq(sip.BYE, "z9hG4bK-nict-1"), tp, &sip.ClientTransactionOptions{
		Timings: newTestTimings(10 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("NewNonInviteClientTransaction() = %v", err)
	}

	sent := tp.waitReq(t, time.Second)
	if sent.Method != sip.BYE {
		t.Fatalf("sent request method = %q, want %q", sent.Method, sip.BYE)
	}
	if st := tx.State(); st != sip.TransactionStateTrying {
		t.Fatalf("tx.State() = %q, want %q", st, sip.TransactionStateTrying)
	}

	got := make(chan *sip.Response, 4)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.Response) {
		got <- res
	})

	ctx := t.Context()
	if err := tx.RecvResponse(ctx, newTestRes(sent, sip.StatusTrying, "Trying")); err != nil {
		t.Fatalf("RecvResponse(100) = %v", err)
	}
	if st := tx.State(); st != sip.TransactionStateProceeding {
		t.Fatalf("tx.State() = %q, want %q", st, sip.TransactionStateProceeding)
	}
	if res := waitOn(t, got, time.Second); res.StatusCode != sip.StatusTrying {
		t.Fatalf("delivered status = %d, want %d", res.StatusCode, sip.StatusTrying)
	}

	if err := tx.RecvResponse(ctx, newTestRes(sent, sip.StatusOK, "OK")); err != nil {
		t.Fatalf("RecvResponse(200) = %v", err)
	}
	if st := tx.State(); st != sip.TransactionStateCompleted {
		t.Fatalf("tx.State() = %q, want %q", st, sip.TransactionStateCompleted)
	}
	if res := waitOn(t, got, time.Second); res.StatusCode != sip.StatusOK {
		t.Fatalf("delivered status = %d, want %d", res.StatusCode, sip.StatusOK)
	}

	// A retransmitted final response is absorbed.
	if err := tx.RecvResponse(ctx, newTestRes(sent, sip.StatusOK, "OK")); err != nil {
		t.Fatalf("RecvResponse(retransmit) = %v", err)
	}
	select {
	case res := <-got:
		t.Fatalf("retransmitted %d delivered twice", res.StatusCode)
	case <-time.After(50 * time.Millisecond):
	}

	// Timer K reaps the completed transaction.
	waitForTransactState(t, tx, sip.TransactionStateTerminated, 2*time.Second)
}

func TestNonInviteClientTransaction408AsTimeout(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	tx, err := sip.NewNonInviteClientTransaction(newTestReq(sip.OPTIONS, "z9hG4bK-nict-2"), tp, &sip.ClientTransactionOptions{
		Timings: newTestTimings(10 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("NewNonInviteClientTransaction() = %v", err)
	}
	sent := tp.waitReq(t, time.Second)

	got := make(chan *sip.Response, 1)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.Response) {
		got <- res
	})
	timedOut := make(chan struct{}, 1)
	tx.OnTimeout(func(_ context.Context, _ sip.Transaction) {
		timedOut <- struct{}{}
	})

	// A remote 408 collapses into the timeout path instead of a response.
	if err := tx.RecvResponse(t.Context(), newTestRes(sent, sip.StatusRequestTimeout, "Request Timeout")); err != nil {
		t.Fatalf("RecvResponse(408) = %v", err)
	}

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("timeout callback never fired")
	}
	select {
	case res := <-got:
		t.Fatalf("408 delivered as response %d", res.StatusCode)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNonInviteClientTransactionTimerF(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	tx, err := sip.NewNonInviteClientTransaction(newTestReq(sip.REGISTER, "z9hG4bK-nict-3"), tp, &sip.ClientTransactionOptions{
		Timings: newTestTimings(5 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("NewNonInviteClientTransaction() = %v", err)
	}

	timedOut := make(chan struct{}, 1)
	tx.OnTimeout(func(_ context.Context, _ sip.Transaction) {
		timedOut <- struct{}{}
	})

	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("timer F never fired")
	}
	waitForTransactState(t, tx, sip.TransactionStateTerminated, time.Second)
}

func TestNonInviteClientTransactionRejectsInvite(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	for _, method := range []sip.RequestMethod{sip.INVITE, sip.ACK} {
		_, err := sip.NewNonInviteClientTransaction(newTestReq(method, "z9hG4bK-nict-4"), tp, nil)
		if !errors.Is(err, sip.ErrMethodNotAllowed) {
			t.Fatalf("NewNonInviteClientTransaction(%q) = %v, want %v", method, err, sip.ErrMethodNotAllowed)
		}
	}
}
