package sip_test

import (
	"context"
	"testing"
	"time"

	"github.com/sipward/sipua/sip"
)

func TestInviteServerTransactionTrying(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	tx, err := sip.NewInviteServerTransaction(newTestReq(sip.INVITE, "z9hG4bK-ist-1"), tp, &sip.ServerTransactionOptions{
		Timings: newTestTimings(10 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("NewInviteServerTransaction() = %v", err)
	}
	defer tx.Terminate(context.Background()) //nolint:errcheck

	// 100 Trying goes out on creation.
	if res := tp.waitRes(t, time.Second); res.StatusCode != sip.StatusTrying {
		t.Fatalf("sent status = %d, want %d", res.StatusCode, sip.StatusTrying)
	}
	if st := tx.State(); st != sip.TransactionStateProceeding {
		t.Fatalf("tx.State() = %q, want %q", st, sip.TransactionStateProceeding)
	}

	ctx := t.Context()
	ringing := newTestRes(tx.Request(), sip.StatusRinging, "Ringing")
	if err := tx.Respond(ctx, ringing); err != nil {
		t.Fatalf("Respond(180) = %v", err)
	}
	if res := tp.waitRes(t, time.Second); res.StatusCode != sip.StatusRinging {
		t.Fatalf("sent status = %d, want %d", res.StatusCode, sip.StatusRinging)
	}

	// The unanswered transaction resends its last provisional periodically.
	if res := tp.waitRes(t, 2*time.Second); res.StatusCode != sip.StatusRinging {
		t.Fatalf("resent status = %d, want %d", res.StatusCode, sip.StatusRinging)
	}

	// A request retransmission triggers a resend too.
	if err := tx.RecvRetransmit(ctx); err != nil {
		t.Fatalf("RecvRetransmit() = %v", err)
	}
	if res := tp.waitRes(t, time.Second); res.StatusCode != sip.StatusRinging {
		t.Fatalf("resent status = %d, want %d", res.StatusCode, sip.StatusRinging)
	}
}

func TestInviteServerTransactionAccepted(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	tx, err := sip.NewInviteServerTransaction(newTestReq(sip.INVITE, "z9hG4bK-ist-2"), tp, &sip.ServerTransactionOptions{
		Timings: newTestTimings(10 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("NewInviteServerTransaction() = %v", err)
	}
	tp.waitRes(t, time.Second) // 100

	acks := make(chan *sip.Request, 2)
	tx.OnAck(func(_ context.Context, _ sip.ServerTransaction, ack *sip.Request) {
		acks <- ack
	})

	ctx := t.Context()
	ok200 := newTestRes(tx.Request(), sip.StatusOK, "OK")
	if err := tx.Respond(ctx, ok200); err != nil {
		t.Fatalf("Respond(200) = %v", err)
	}
	if st := tx.State(); st != sip.TransactionStateAccepted {
		t.Fatalf("tx.State() = %q, want %q", st, sip.TransactionStateAccepted)
	}
	if res := tp.waitRes(t, time.Second); res.StatusCode != sip.StatusOK {
		t.Fatalf("sent status = %d, want %d", res.StatusCode, sip.StatusOK)
	}

	// The ACK of a 2xx belongs to the TU; the transaction stays accepted.
	ack := newTestReq(sip.ACK, "z9hG4bK-ist-2-ack")
	if err := tx.RecvAck(ctx, ack); err != nil {
		t.Fatalf("RecvAck() = %v", err)
	}
	if got := waitOn(t, acks, time.Second); got != ack {
		t.Fatal("ACK callback received a different request")
	}
	if st := tx.State(); st != sip.TransactionStateAccepted {
		t.Fatalf("tx.State() = %q, want %q", st, sip.TransactionStateAccepted)
	}

	// Timer L reaps the accepted transaction.
	waitForTransactState(t, tx, sip.TransactionStateTerminated, 2*time.Second)
}

func TestInviteServerTransactionRejected(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	tx, err := sip.NewInviteServerTransaction(newTestReq(sip.INVITE, "z9hG4bK-ist-3"), tp, &sip.ServerTransactionOptions{
		Timings: newTestTimings(10 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("NewInviteServerTransaction() = %v", err)
	}
	tp.waitRes(t, time.Second) // 100

	ctx := t.Context()
	busy := newTestRes(tx.Request(), sip.StatusBusyHere, "Busy Here")
	if err := tx.Respond(ctx, busy); err != nil {
		t.Fatalf("Respond(486) = %v", err)
	}
	if st := tx.State(); st != sip.TransactionStateCompleted {
		t.Fatalf("tx.State() = %q, want %q", st, sip.TransactionStateCompleted)
	}
	if res := tp.waitRes(t, time.Second); res.StatusCode != sip.StatusBusyHere {
		t.Fatalf("sent status = %d, want %d", res.StatusCode, sip.StatusBusyHere)
	}

	if err := tx.RecvAck(ctx, newTestReq(sip.ACK, "z9hG4bK-ist-3")); err != nil {
		t.Fatalf("RecvAck() = %v", err)
	}
	if st := tx.State(); st != sip.TransactionStateConfirmed {
		t.Fatalf("tx.State() = %q, want %q", st, sip.TransactionStateConfirmed)
	}

	// Timer I reaps the confirmed transaction.
	waitForTransactState(t, tx, sip.TransactionStateTerminated, 2*time.Second)
}

func TestInviteServerTransactionTimerH(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	tx, err := sip.NewInviteServerTransaction(newTestReq(sip.INVITE, "z9hG4bK-ist-4"), tp, &sip.ServerTransactionOptions{
		Timings: newTestTimings(5 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("NewInviteServerTransaction() = %v", err)
	}
	tp.waitRes(t, time.Second) // 100

	timedOut := make(chan struct{}, 1)
	tx.OnTimeout(func(_ context.Context, _ sip.Transaction) {
		timedOut <- struct{}{}
	})

	decline := newTestRes(tx.Request(), sip.StatusDecline, "Decline")
	if err := tx.Respond(t.Context(), decline); err != nil {
		t.Fatalf("Respond(603) = %v", err)
	}

	// No ACK ever arrives; timer H gives up on the completed transaction.
	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("timer H never fired")
	}
	waitForTransactState(t, tx, sip.TransactionStateTerminated, time.Second)
}
