package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/sipward/sipua/internal/timeutil"
	"github.com/sipward/sipua/internal/types"
)

// InviteServerTransaction implements the INVITE server transaction state
// machine defined in RFC 3261 section 17.2.1 plus the accepted state from
// RFC 6026. Response retransmission timer G is omitted: transports are
// reliable.
//
// A 100 Trying is sent automatically on creation. While the transaction
// stays unanswered the last provisional response is resent periodically to
// keep stateful proxies from timing out the branch.
type InviteServerTransaction struct {
	*serverTransact

	tmr1xx atomic.Pointer[timeutil.Timer]
	tmrH   atomic.Pointer[timeutil.Timer]
	tmrI   atomic.Pointer[timeutil.Timer]
	tmrL   atomic.Pointer[timeutil.Timer]

	onAck types.CallbackManager[TransactionAckHandler]
}

type TransactionAckHandler = func(ctx context.Context, tx ServerTransaction, ack *Request)

// NewInviteServerTransaction creates a new invite server transaction,
// starts its state machine and replies with a 100 Trying.
//
// Request expected to be a valid SIP request with INVITE method and a
// topmost Via header carrying the transaction branch.
// Transport expected to be a non-nil transport.
// Options are optional and can be nil, in which case default options will be used.
func NewInviteServerTransaction(
	req *Request,
	tp Transport,
	opts *ServerTransactionOptions,
) (*InviteServerTransaction, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if req.Method != INVITE {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(InviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx

	if err := tx.initFSM(TransactionStateProceeding); err != nil {
		return nil, errtrace.Wrap(err)
	}

	trying := NewResponseFromRequest(req, StatusTrying, "Trying", nil)
	if err := tx.Respond(tx.ctx, trying); err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.start1xxTimer(tx.ctx)

	return tx, nil
}

const (
	txEvtRecvAck  = "recv_ack"
	txEvtTimer1xx = "timer_1xx"
	txEvtTimerH   = "timer_h"
	txEvtTimerI   = "timer_i"
	txEvtTimerL   = "timer_l"
)

func (tx *InviteServerTransaction) initFSM(start TransactionState) error {
	if err := tx.serverTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.SetTriggerParameters(txEvtRecvAck, reflect.TypeOf((*Request)(nil)))

	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtReqRetrans, tx.actResendRes).
		InternalTransition(txEvtTimer1xx, tx.actResend1xx).
		Permit(txEvtSend2xx, TransactionStateAccepted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		InternalTransition(txEvtSend2xx, tx.actSendRes).
		InternalTransition(txEvtRecvAck, tx.actPassAck).
		InternalTransition(txEvtReqRetrans, tx.actNoop).
		InternalTransition(txEvtTranspErr, tx.actTranspErr).
		Permit(txEvtTimerL, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtReqRetrans, tx.actResendRes).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(txEvtTimerH, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntry(tx.actConfirmed).
		InternalTransition(txEvtRecvAck, tx.actNoop).
		InternalTransition(txEvtReqRetrans, tx.actNoop).
		Permit(txEvtTimerI, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerH, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr)

	return nil
}

// RecvAck is called when the transport layer receives an ACK matching the
// transaction. In the completed state it confirms the transaction; in the
// accepted state it is passed to the ACK callbacks, every 2xx ACK belongs
// to the TU per RFC 6026.
func (tx *InviteServerTransaction) RecvAck(ctx context.Context, ack *Request) error {
	if ack == nil || ack.Method != ACK {
		return errtrace.Wrap(NewInvalidArgumentError("invalid ACK request"))
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecvAck, ack))
}

// OnAck registers a callback invoked for each ACK received in the accepted state.
// The callback can be canceled by calling the returned cancel function.
// Multiple callbacks can be registered.
func (tx *InviteServerTransaction) OnAck(fn TransactionAckHandler) (cancel func()) {
	return tx.onAck.Add(fn)
}

func (tx *InviteServerTransaction) actPassAck(ctx context.Context, args ...any) error {
	ack := args[0].(*Request) //nolint:forcetypeassert

	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass ACK", slog.Any("transaction", tx))

	for fn := range tx.onAck.All() {
		fn(tx.ctx, tx, ack)
	}
	return nil
}

func (tx *InviteServerTransaction) start1xxTimer(ctx context.Context) {
	tmr := timeutil.AfterFunc(tx.timings.Time1xx(), tx.onTimer1xx)
	tx.tmr1xx.Store(tmr)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"provisional resend timer started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)
}

func (tx *InviteServerTransaction) onTimer1xx() {
	tx.tmr1xx.Store(nil)

	if tx.State() != TransactionStateProceeding {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimer1xx); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimer1xx, tx.State(), err))
	}
}

// actResend1xx resends the last provisional response and rearms the timer.
func (tx *InviteServerTransaction) actResend1xx(ctx context.Context, args ...any) error {
	tx.actResendRes(ctx, args...) //nolint:errcheck

	if tx.State() == TransactionStateProceeding {
		tx.start1xxTimer(ctx)
	}
	return nil
}

func (tx *InviteServerTransaction) stop1xxTimer(ctx context.Context) {
	if tmr := tx.tmr1xx.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "provisional resend timer stopped", slog.Any("transaction", tx))
	}
}

func (tx *InviteServerTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tx.stop1xxTimer(ctx)

	tmr := timeutil.AfterFunc(tx.timings.TimeL(), tx.onTimerL)
	tx.tmrL.Store(tmr)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer L started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)

	return nil
}

func (tx *InviteServerTransaction) onTimerL() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer L expired", slog.Any("transaction", tx))

	tx.tmrL.Store(nil)

	if tx.State() != TransactionStateAccepted {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerL); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerL, tx.State(), err))
	}
}

func (tx *InviteServerTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.serverTransact.actCompleted(ctx, args...) //nolint:errcheck

	tx.stop1xxTimer(ctx)

	tmr := timeutil.AfterFunc(tx.timings.TimeH(), tx.onTimerH)
	tx.tmrH.Store(tmr)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer H started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)

	return nil
}

func (tx *InviteServerTransaction) onTimerH() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer H expired", slog.Any("transaction", tx))

	tx.tmrH.Store(nil)

	if tx.State() != TransactionStateCompleted {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerH); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerH, tx.State(), err))
	}
}

func (tx *InviteServerTransaction) actConfirmed(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction confirmed", slog.Any("transaction", tx))

	if tmr := tx.tmrH.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer H stopped", slog.Any("transaction", tx))
	}

	tmr := timeutil.AfterFunc(tx.timings.TimeI(), tx.onTimerI)
	tx.tmrI.Store(tmr)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer I started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)

	return nil
}

func (tx *InviteServerTransaction) onTimerI() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer I expired", slog.Any("transaction", tx))

	tx.tmrI.Store(nil)

	if tx.State() != TransactionStateConfirmed {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, txEvtTimerI); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTimerI, tx.State(), err))
	}
}

func (tx *InviteServerTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.baseTransact.actTerminated(ctx, args...) //nolint:errcheck

	tx.stop1xxTimer(ctx)
	if tmr := tx.tmrH.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer H stopped", slog.Any("transaction", tx))
	}
	if tmr := tx.tmrI.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer I stopped", slog.Any("transaction", tx))
	}
	if tmr := tx.tmrL.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer L stopped", slog.Any("transaction", tx))
	}

	return nil
}
