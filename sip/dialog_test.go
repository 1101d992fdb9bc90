package sip_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/sipward/sipua/sip"
)

type dialogOwnerStub struct {
	txs  chan sip.ServerTransaction
	acks chan *sip.Request
}

func newDialogOwnerStub() *dialogOwnerStub {
	return &dialogOwnerStub{
		txs:  make(chan sip.ServerTransaction, 4),
		acks: make(chan *sip.Request, 4),
	}
}

func (o *dialogOwnerStub) ReceiveRequest(_ context.Context, _ *sip.Dialog, tx sip.ServerTransaction) {
	o.txs <- tx
}

func (o *dialogOwnerStub) ReceiveAck(_ context.Context, _ *sip.Dialog, ack *sip.Request) {
	o.acks <- ack
}

func newInDialogReq(method sip.RequestMethod, branch string, seq uint32) *sip.Request {
	req := newTestReq(method, branch)
	req.CSeq().SeqNo = seq
	return req
}

func newServerTestTx(t *testing.T, tp sip.Transport, req *sip.Request) sip.ServerTransaction {
	t.Helper()
	// A long provisional resend interval keeps unanswered INVITE
	// transactions from injecting extra 100s into the capture channel.
	timings := sip.NewTimings(10*time.Millisecond, 80*time.Millisecond, 100*time.Millisecond,
		160*time.Millisecond, time.Minute)
	tx, err := sip.NewServerTransaction(req, tp, &sip.ServerTransactionOptions{
		Timings: timings.WithTimeJ(0),
	})
	if err != nil {
		t.Fatalf("NewServerTransaction(%q) = %v", req.Method, err)
	}
	t.Cleanup(func() { tx.Terminate(context.Background()) }) //nolint:errcheck
	return tx
}

func TestClientDialogRouteSetReversed(t *testing.T) {
	t.Parallel()

	invite := newTestReq(sip.INVITE, "z9hG4bK-dlg-1")
	res := newTestRes(invite, sip.StatusOK, "OK")
	res.AppendHeader(&sip.RecordRouteHeader{Address: sip.Uri{Host: "p1.example.com"}})
	res.AppendHeader(&sip.RecordRouteHeader{Address: sip.Uri{Host: "p2.example.com"}})
	res.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: "bob", Host: "bob.example.com"},
		Params:  sip.NewParams(),
	})

	dlg, err := sip.NewClientDialog(newDialogOwnerStub(), invite, res, nil)
	if err != nil {
		t.Fatalf("NewClientDialog() = %v", err)
	}

	if st := dlg.State(); st != sip.DialogStateConfirmed {
		t.Fatalf("dlg.State() = %q, want %q", st, sip.DialogStateConfirmed)
	}
	if target := dlg.RemoteTarget(); target.Host != "bob.example.com" {
		t.Fatalf("RemoteTarget().Host = %q, want %q", target.Host, "bob.example.com")
	}

	routes := dlg.RouteSet()
	if len(routes) != 2 {
		t.Fatalf("len(RouteSet()) = %d, want 2", len(routes))
	}
	if routes[0].Host != "p2.example.com" || routes[1].Host != "p1.example.com" {
		t.Fatalf("RouteSet() = [%s, %s], want reversed Record-Route order", routes[0].Host, routes[1].Host)
	}
}

func TestClientDialogConfirm(t *testing.T) {
	t.Parallel()

	invite := newTestReq(sip.INVITE, "z9hG4bK-dlg-2")
	ringing := newTestRes(invite, sip.StatusRinging, "Ringing")

	dlg, err := sip.NewClientDialog(newDialogOwnerStub(), invite, ringing, nil)
	if err != nil {
		t.Fatalf("NewClientDialog() = %v", err)
	}
	if st := dlg.State(); st != sip.DialogStateEarly {
		t.Fatalf("dlg.State() = %q, want %q", st, sip.DialogStateEarly)
	}

	ok200 := newTestRes(invite, sip.StatusOK, "OK")
	ok200.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: "bob", Host: "b2.example.com"},
		Params:  sip.NewParams(),
	})
	if err := dlg.Confirm(ok200); err != nil {
		t.Fatalf("Confirm() = %v", err)
	}

	if st := dlg.State(); st != sip.DialogStateConfirmed {
		t.Fatalf("dlg.State() = %q, want %q", st, sip.DialogStateConfirmed)
	}
	if target := dlg.RemoteTarget(); target.Host != "b2.example.com" {
		t.Fatalf("RemoteTarget().Host = %q, want %q", target.Host, "b2.example.com")
	}

	// Confirming twice is a no-op.
	if err := dlg.Confirm(ok200); err != nil {
		t.Fatalf("Confirm() again = %v", err)
	}
}

func TestDialogCreateRequest(t *testing.T) {
	t.Parallel()

	invite := newTestReq(sip.INVITE, "z9hG4bK-dlg-3")
	res := newTestRes(invite, sip.StatusOK, "OK")
	res.AppendHeader(&sip.RecordRouteHeader{Address: sip.Uri{Host: "p1.example.com"}})
	res.AppendHeader(&sip.RecordRouteHeader{Address: sip.Uri{Host: "p2.example.com"}})
	res.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: "bob", Host: "bob.example.com"},
		Params:  sip.NewParams(),
	})

	dlg, err := sip.NewClientDialog(newDialogOwnerStub(), invite, res, nil)
	if err != nil {
		t.Fatalf("NewClientDialog() = %v", err)
	}

	bye, err := dlg.CreateRequest(sip.BYE, nil, nil)
	if err != nil {
		t.Fatalf("CreateRequest(BYE) = %v", err)
	}
	if bye.Recipient.Host != "bob.example.com" {
		t.Fatalf("BYE recipient host = %q, want remote target", bye.Recipient.Host)
	}
	if got, want := sip.CSeqNumber(bye), sip.CSeqNumber(invite)+1; got != want {
		t.Fatalf("BYE CSeq = %d, want %d", got, want)
	}
	if got, want := sip.FromTag(bye), sip.FromTag(invite); got != want {
		t.Fatalf("BYE From tag = %q, want %q", got, want)
	}
	if got, want := sip.ToTag(bye), sip.ToTag(res); got != want {
		t.Fatalf("BYE To tag = %q, want %q", got, want)
	}
	if got, want := sip.CallIDValue(bye), sip.CallIDValue(invite); got != want {
		t.Fatalf("BYE Call-ID = %q, want %q", got, want)
	}
	if routes := bye.GetHeaders("Route"); len(routes) != 2 {
		t.Fatalf("len(Route headers) = %d, want 2", len(routes))
	}

	// ACK reuses the sequence number of the request it refers to.
	ack, err := dlg.CreateRequest(sip.ACK, nil, nil)
	if err != nil {
		t.Fatalf("CreateRequest(ACK) = %v", err)
	}
	if got, want := sip.CSeqNumber(ack), sip.CSeqNumber(bye); got != want {
		t.Fatalf("ACK CSeq = %d, want %d", got, want)
	}

	dlg.Terminate()
	if _, err := dlg.CreateRequest(sip.BYE, nil, nil); err == nil {
		t.Fatal("CreateRequest() on terminated dialog = nil error")
	}
}

func TestServerDialogOutOfOrderRequest(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	owner := newDialogOwnerStub()

	invite := newInDialogReq(sip.INVITE, "z9hG4bK-dlg-4", 5)
	dlg, err := sip.NewServerDialog(owner, invite, "local-tag-4", sip.DialogStateConfirmed, nil)
	if err != nil {
		t.Fatalf("NewServerDialog() = %v", err)
	}

	ctx := t.Context()

	// A CSeq at or below the last seen one is rejected.
	stale := newServerTestTx(t, tp, newInDialogReq(sip.BYE, "z9hG4bK-dlg-4-bye1", 5))
	dlg.ReceiveRequest(ctx, stale)
	if res := tp.waitRes(t, time.Second); res.StatusCode != sip.StatusInternalServerError {
		t.Fatalf("sent status = %d, want %d", res.StatusCode, sip.StatusInternalServerError)
	}

	// A higher CSeq is forwarded to the owner.
	fresh := newServerTestTx(t, tp, newInDialogReq(sip.BYE, "z9hG4bK-dlg-4-bye2", 6))
	dlg.ReceiveRequest(ctx, fresh)
	if tx := waitOn(t, owner.txs, time.Second); tx != fresh {
		t.Fatal("owner received a different transaction")
	}

	// The ACK of a 2xx bypasses the sequence check.
	ack := newInDialogReq(sip.ACK, "z9hG4bK-dlg-4-ack", 5)
	dlg.ReceiveAck(ctx, ack)
	if got := waitOn(t, owner.acks, time.Second); got != ack {
		t.Fatal("owner received a different ACK")
	}
}

func TestServerDialogGlare(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	owner := newDialogOwnerStub()

	invite := newInDialogReq(sip.INVITE, "z9hG4bK-dlg-5", 1)
	dlg, err := sip.NewServerDialog(owner, invite, "local-tag-5", sip.DialogStateConfirmed, nil)
	if err != nil {
		t.Fatalf("NewServerDialog() = %v", err)
	}

	ctx := t.Context()

	reinvite := newServerTestTx(t, tp, newInDialogReq(sip.INVITE, "z9hG4bK-dlg-5-r1", 2))
	tp.waitRes(t, time.Second) // 100
	dlg.ReceiveRequest(ctx, reinvite)
	tx1 := waitOn(t, owner.txs, time.Second)

	// A second refresh while the first is unanswered collides and is told
	// when to come back.
	collide := newServerTestTx(t, tp, newInDialogReq(sip.INVITE, "z9hG4bK-dlg-5-r2", 3))
	tp.waitRes(t, time.Second) // 100
	dlg.ReceiveRequest(ctx, collide)
	res := tp.waitRes(t, time.Second)
	if res.StatusCode != sip.StatusInternalServerError {
		t.Fatalf("sent status = %d, want %d", res.StatusCode, sip.StatusInternalServerError)
	}
	retryAfter := res.GetHeader("Retry-After")
	if retryAfter == nil {
		t.Fatal("collision response has no Retry-After header")
	}
	if secs, err := strconv.Atoi(retryAfter.Value()); err != nil || secs < 1 || secs > 10 {
		t.Fatalf("Retry-After = %q, want an integer in [1,10]", retryAfter.Value())
	}

	// Answering the first refresh clears the glare flag.
	ok200 := newTestRes(tx1.Request(), sip.StatusOK, "OK")
	if err := tx1.Respond(ctx, ok200); err != nil {
		t.Fatalf("Respond(200) = %v", err)
	}
	tp.waitRes(t, time.Second) // 200

	next := newServerTestTx(t, tp, newInDialogReq(sip.INVITE, "z9hG4bK-dlg-5-r3", 4))
	tp.waitRes(t, time.Second) // 100
	dlg.ReceiveRequest(ctx, next)
	if tx := waitOn(t, owner.txs, time.Second); tx != next {
		t.Fatal("owner received a different transaction")
	}
}

func TestClientDialogGlare(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	mgr := newTestManager(t, tp)

	invite := newTestReq(sip.INVITE, "z9hG4bK-dlg-6")
	res := newTestRes(invite, sip.StatusOK, "OK")
	dlg, err := sip.NewClientDialog(newDialogOwnerStub(), invite, res, nil)
	if err != nil {
		t.Fatalf("NewClientDialog() = %v", err)
	}

	hdrs := []sip.Header{sip.NewHeader("Content-Type", sip.ContentTypeSDP)}
	sender, err := sip.NewDialogRequestSender(mgr, dlg, sip.UPDATE, hdrs, []byte("v=0\r\n"), nil)
	if err != nil {
		t.Fatalf("NewDialogRequestSender() = %v", err)
	}

	ctx := t.Context()
	if err := sender.Send(ctx); err != nil {
		t.Fatalf("Send() = %v", err)
	}
	if req := tp.waitReq(t, time.Second); req.Method != sip.UPDATE {
		t.Fatalf("sent request method = %q, want %q", req.Method, sip.UPDATE)
	}

	// An inbound refresh while our own offer is unanswered is rejected
	// with 491 Request Pending.
	inbound := newServerTestTx(t, tp, newInDialogReq(sip.INVITE, "z9hG4bK-dlg-6-in", 7))
	tp.waitRes(t, time.Second) // 100
	dlg.ReceiveRequest(ctx, inbound)

	collision := tp.waitRes(t, time.Second)
	if collision.StatusCode != sip.StatusRequestPending {
		t.Fatalf("sent status = %d, want %d", collision.StatusCode, sip.StatusRequestPending)
	}
	if collision.GetHeader("Retry-After") != nil {
		t.Fatal("491 response carries a Retry-After header")
	}
}

func TestServerDialogGlareSkipsBodylessUpdate(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	owner := newDialogOwnerStub()

	invite := newInDialogReq(sip.INVITE, "z9hG4bK-dlg-8", 1)
	dlg, err := sip.NewServerDialog(owner, invite, "local-tag-8", sip.DialogStateConfirmed, nil)
	if err != nil {
		t.Fatalf("NewServerDialog() = %v", err)
	}

	ctx := t.Context()

	reinvite := newServerTestTx(t, tp, newInDialogReq(sip.INVITE, "z9hG4bK-dlg-8-r1", 2))
	tp.waitRes(t, time.Second) // 100
	dlg.ReceiveRequest(ctx, reinvite)
	waitOn(t, owner.txs, time.Second)

	// A bodyless UPDATE carries no offer; it is a bare target refresh and
	// passes the glare gate even with the re-INVITE unanswered.
	update := newServerTestTx(t, tp, newInDialogReq(sip.UPDATE, "z9hG4bK-dlg-8-u1", 3))
	dlg.ReceiveRequest(ctx, update)
	if tx := waitOn(t, owner.txs, time.Second); tx != update {
		t.Fatal("owner received a different transaction")
	}
}

func TestDialogSenderDialogGone(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	mgr := newTestManager(t, tp)

	invite := newTestReq(sip.INVITE, "z9hG4bK-dlg-7")
	res := newTestRes(invite, sip.StatusOK, "OK")
	dlg, err := sip.NewClientDialog(newDialogOwnerStub(), invite, res, nil)
	if err != nil {
		t.Fatalf("NewClientDialog() = %v", err)
	}

	causes := make(chan sip.Cause, 1)
	sender, err := sip.NewDialogRequestSender(mgr, dlg, sip.BYE, nil, nil, &sip.DialogRequestSenderOptions{
		OnDialogError: func(_ context.Context, _ *sip.Dialog, cause sip.Cause) {
			causes <- cause
		},
	})
	if err != nil {
		t.Fatalf("NewDialogRequestSender() = %v", err)
	}

	ctx := t.Context()
	if err := sender.Send(ctx); err != nil {
		t.Fatalf("Send() = %v", err)
	}
	bye := tp.waitReq(t, time.Second)

	gone := newTestRes(bye, sip.StatusCallTransactionDoesNotExist, "Call/Transaction Does Not Exist")
	if err := mgr.HandleResponse(ctx, gone); err != nil {
		t.Fatalf("HandleResponse(481) = %v", err)
	}

	if cause := waitOn(t, causes, time.Second); cause != sip.CauseDialogError {
		t.Fatalf("dialog error cause = %q, want %q", cause, sip.CauseDialogError)
	}
	if st := dlg.State(); st != sip.DialogStateTerminated {
		t.Fatalf("dlg.State() = %q, want %q", st, sip.DialogStateTerminated)
	}
}
