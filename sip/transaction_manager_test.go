package sip_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sipward/sipua/sip"
)

func newTestManager(t *testing.T, tp sip.Transport) *sip.TransactionManager {
	t.Helper()
	mgr, err := sip.NewTransactionManager(tp, &sip.TransactionManagerOptions{
		Timings: newTestTimings(10 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("NewTransactionManager() = %v", err)
	}
	t.Cleanup(func() { mgr.Close(context.Background()) })
	return mgr
}

func TestTransactionManagerDedupe(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	mgr := newTestManager(t, tp)

	if _, err := mgr.NewClientTransaction(newTestReq(sip.BYE, "z9hG4bK-mgr-1"), nil); err != nil {
		t.Fatalf("NewClientTransaction() = %v", err)
	}
	_, err := mgr.NewClientTransaction(newTestReq(sip.BYE, "z9hG4bK-mgr-1"), nil)
	if !errors.Is(err, sip.ErrTransactionExists) {
		t.Fatalf("NewClientTransaction(dup) = %v, want %v", err, sip.ErrTransactionExists)
	}

	if _, err := mgr.NewServerTransaction(newTestReq(sip.BYE, "z9hG4bK-mgr-2"), nil); err != nil {
		t.Fatalf("NewServerTransaction() = %v", err)
	}
	_, err = mgr.NewServerTransaction(newTestReq(sip.BYE, "z9hG4bK-mgr-2"), nil)
	if !errors.Is(err, sip.ErrTransactionExists) {
		t.Fatalf("NewServerTransaction(dup) = %v, want %v", err, sip.ErrTransactionExists)
	}
}

func TestTransactionManagerUnregistersTerminated(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	mgr := newTestManager(t, tp)

	tx, err := mgr.NewClientTransaction(newTestReq(sip.OPTIONS, "z9hG4bK-mgr-3"), nil)
	if err != nil {
		t.Fatalf("NewClientTransaction() = %v", err)
	}
	if clients, _ := mgr.Len(); clients != 1 {
		t.Fatalf("mgr.Len() clients = %d, want 1", clients)
	}

	if err := tx.Terminate(t.Context()); err != nil {
		t.Fatalf("Terminate() = %v", err)
	}
	if clients, _ := mgr.Len(); clients != 0 {
		t.Fatalf("mgr.Len() clients = %d, want 0", clients)
	}
}

func TestTransactionManagerHandleResponse(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	mgr := newTestManager(t, tp)

	tx, err := mgr.NewClientTransaction(newTestReq(sip.INVITE, "z9hG4bK-mgr-4"), nil)
	if err != nil {
		t.Fatalf("NewClientTransaction() = %v", err)
	}
	invite := tp.waitReq(t, time.Second)

	got := make(chan *sip.Response, 1)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.Response) {
		got <- res
	})

	ctx := t.Context()
	if err := mgr.HandleResponse(ctx, newTestRes(invite, sip.StatusRinging, "Ringing")); err != nil {
		t.Fatalf("HandleResponse(180) = %v", err)
	}
	if res := waitOn(t, got, time.Second); res.StatusCode != sip.StatusRinging {
		t.Fatalf("delivered status = %d, want %d", res.StatusCode, sip.StatusRinging)
	}

	stray := newTestRes(newTestReq(sip.INVITE, "z9hG4bK-stray"), sip.StatusOK, "OK")
	if err := mgr.HandleResponse(ctx, stray); !errors.Is(err, sip.ErrTransactionNotFound) {
		t.Fatalf("HandleResponse(stray) = %v, want %v", err, sip.ErrTransactionNotFound)
	}
}

func TestTransactionManagerHandleRequestRetransmit(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	mgr := newTestManager(t, tp)

	ctx := t.Context()
	invite := newTestReq(sip.INVITE, "z9hG4bK-mgr-5")

	// First pass: unknown request, belongs to the TU.
	handled, err := mgr.HandleRequest(ctx, invite)
	if err != nil {
		t.Fatalf("HandleRequest() = %v", err)
	}
	if handled {
		t.Fatal("HandleRequest() consumed a fresh request")
	}

	if _, err := mgr.NewServerTransaction(invite, nil); err != nil {
		t.Fatalf("NewServerTransaction() = %v", err)
	}
	tp.waitRes(t, time.Second) // 100 from the INVITE server transaction

	// Second pass: the retransmission is consumed and the 100 is resent.
	handled, err = mgr.HandleRequest(ctx, invite)
	if err != nil {
		t.Fatalf("HandleRequest(retransmit) = %v", err)
	}
	if !handled {
		t.Fatal("HandleRequest() did not consume a retransmission")
	}
	if res := tp.waitRes(t, time.Second); res.StatusCode != sip.StatusTrying {
		t.Fatalf("resent status = %d, want %d", res.StatusCode, sip.StatusTrying)
	}
}

func TestTransactionManagerAckToSuccessUnconsumed(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	mgr := newTestManager(t, tp)

	// The ACK of a 2xx has its own branch and matches no transaction; it
	// belongs to the dialog layer.
	ack := newTestReq(sip.ACK, "z9hG4bK-mgr-6-ack")
	handled, err := mgr.HandleRequest(t.Context(), ack)
	if err != nil {
		t.Fatalf("HandleRequest(ACK) = %v", err)
	}
	if handled {
		t.Fatal("HandleRequest() consumed a dialog ACK")
	}
}

func TestTransactionManagerCancelUnknown(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	mgr := newTestManager(t, tp)

	cancel := newTestReq(sip.CANCEL, "z9hG4bK-mgr-7")
	handled, err := mgr.HandleRequest(t.Context(), cancel)
	if err != nil {
		t.Fatalf("HandleRequest(CANCEL) = %v", err)
	}
	if !handled {
		t.Fatal("HandleRequest() did not consume an unmatched CANCEL")
	}
	if res := tp.waitRes(t, time.Second); res.StatusCode != sip.StatusCallTransactionDoesNotExist {
		t.Fatalf("sent status = %d, want %d", res.StatusCode, sip.StatusCallTransactionDoesNotExist)
	}
}

func TestTransactionManagerCancelProceedingInvite(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	mgr := newTestManager(t, tp)

	ctx := t.Context()
	invite := newTestReq(sip.INVITE, "z9hG4bK-mgr-8")
	if _, err := mgr.NewServerTransaction(invite, nil); err != nil {
		t.Fatalf("NewServerTransaction() = %v", err)
	}
	tp.waitRes(t, time.Second) // 100

	cancel := newTestReq(sip.CANCEL, "z9hG4bK-mgr-8")
	handled, err := mgr.HandleRequest(ctx, cancel)
	if err != nil {
		t.Fatalf("HandleRequest(CANCEL) = %v", err)
	}
	// The CANCEL itself is answered 200, but the INVITE still needs its 487
	// from the TU, so the request is reported unconsumed.
	if handled {
		t.Fatal("HandleRequest() consumed a CANCEL for a proceeding INVITE")
	}
	if res := tp.waitRes(t, time.Second); res.StatusCode != sip.StatusOK {
		t.Fatalf("sent status = %d, want %d", res.StatusCode, sip.StatusOK)
	}
}

func TestTransactionManagerCancelAfterFinal(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	mgr := newTestManager(t, tp)

	ctx := t.Context()
	invite := newTestReq(sip.INVITE, "z9hG4bK-mgr-9")
	tx, err := mgr.NewServerTransaction(invite, nil)
	if err != nil {
		t.Fatalf("NewServerTransaction() = %v", err)
	}
	tp.waitRes(t, time.Second) // 100

	busy := newTestRes(invite, sip.StatusBusyHere, "Busy Here")
	if err := tx.Respond(ctx, busy); err != nil {
		t.Fatalf("Respond(486) = %v", err)
	}
	tp.waitRes(t, time.Second) // 486

	cancel := newTestReq(sip.CANCEL, "z9hG4bK-mgr-9")
	handled, err := mgr.HandleRequest(ctx, cancel)
	if err != nil {
		t.Fatalf("HandleRequest(CANCEL) = %v", err)
	}
	// The final response won the race; the CANCEL gets its 200 and is done.
	if !handled {
		t.Fatal("HandleRequest() did not consume a CANCEL after the final response")
	}
	if res := tp.waitRes(t, time.Second); res.StatusCode != sip.StatusOK {
		t.Fatalf("sent status = %d, want %d", res.StatusCode, sip.StatusOK)
	}
}
