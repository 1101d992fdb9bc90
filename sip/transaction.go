package sip

import (
	"context"
	"log/slog"
	"reflect"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/sipward/sipua/internal/types"
)

// TransactionType identifies one of the four RFC 3261 transaction kinds.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

// TransactionState represents a state of a transaction FSM.
type TransactionState string

const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateAccepted   TransactionState = "accepted"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
)

// Transaction represents a SIP transaction.
type Transaction interface {
	slog.LogValuer

	// Type returns the transaction type.
	Type() TransactionType
	// State returns the current transaction state.
	State() TransactionState
	// Context returns the transaction's lifetime context.
	Context() context.Context
	// Terminate forces the transaction into the terminated state.
	Terminate(ctx context.Context) error
	// OnStateChanged registers a callback invoked on each state transition.
	OnStateChanged(fn TransactionStateHandler) (cancel func())
	// OnTimeout registers a callback invoked when the transaction times out.
	OnTimeout(fn TransactionTimeoutHandler) (cancel func())
	// OnTransportError registers a callback invoked on a transport send failure.
	OnTransportError(fn TransactionErrorHandler) (cancel func())
}

type (
	TransactionStateHandler   = func(ctx context.Context, from, to TransactionState)
	TransactionTimeoutHandler = func(ctx context.Context, tx Transaction)
	TransactionErrorHandler   = func(ctx context.Context, tx Transaction, err error)
)

const (
	txEvtTerminate = "terminate"
	txEvtTranspErr = "transport_err"
)

type transactImpl interface {
	Transaction
}

// baseTransact carries the FSM plumbing shared by all four transaction kinds.
// Concrete transactions embed it via clientTransact/serverTransact and
// configure their own states on the fsm in initFSM.
type baseTransact struct {
	typ  TransactionType
	impl transactImpl
	fsm  *stateless.StateMachine
	ctx  context.Context
	log  *slog.Logger

	onState   types.CallbackManager[TransactionStateHandler]
	onTimeout types.CallbackManager[TransactionTimeoutHandler]
	onErr     types.CallbackManager[TransactionErrorHandler]
}

func newBaseTransact(ctx context.Context, typ TransactionType, impl transactImpl, log *slog.Logger) *baseTransact {
	return &baseTransact{
		typ:  typ,
		impl: impl,
		ctx:  ctx,
		log:  log,
	}
}

func (tx *baseTransact) initFSM(start TransactionState) error {
	tx.fsm = stateless.NewStateMachine(start)
	tx.fsm.SetTriggerParameters(txEvtTranspErr, reflect.TypeFor[error]())
	tx.fsm.OnTransitioned(func(ctx context.Context, tr stateless.Transition) {
		from, _ := tr.Source.(TransactionState)
		to, _ := tr.Destination.(TransactionState)
		if from == to {
			return
		}
		for fn := range tx.onState.All() {
			fn(ctx, from, to)
		}
	})
	return nil
}


// Type returns the transaction type.
func (tx *baseTransact) Type() TransactionType {
	if tx == nil {
		return ""
	}
	return tx.typ
}

// State returns the current transaction state.
func (tx *baseTransact) State() TransactionState {
	if tx == nil {
		return ""
	}
	st, _ := tx.fsm.MustState().(TransactionState)
	return st
}

// Context returns the transaction's lifetime context.
func (tx *baseTransact) Context() context.Context {
	if tx == nil {
		return context.Background()
	}
	return tx.ctx
}

// Terminate forces the transaction into the terminated state.
// Terminating an already terminated transaction is a no-op.
func (tx *baseTransact) Terminate(ctx context.Context) error {
	if tx.State() == TransactionStateTerminated {
		return nil
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTerminate))
}

// OnStateChanged registers a callback invoked on each state transition.
// The callback can be canceled by calling the returned cancel function.
// Multiple callbacks can be registered.
func (tx *baseTransact) OnStateChanged(fn TransactionStateHandler) (cancel func()) {
	return tx.onState.Add(fn)
}

// OnTimeout registers a callback invoked when the transaction times out.
func (tx *baseTransact) OnTimeout(fn TransactionTimeoutHandler) (cancel func()) {
	return tx.onTimeout.Add(fn)
}

// OnTransportError registers a callback invoked on a transport send failure.
func (tx *baseTransact) OnTransportError(fn TransactionErrorHandler) (cancel func()) {
	return tx.onErr.Add(fn)
}

//nolint:unparam
func (tx *baseTransact) actNoop(context.Context, ...any) error { return nil }

func (tx *baseTransact) actTimedOut(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction timed out", slog.Any("transaction", tx.impl))

	for fn := range tx.onTimeout.All() {
		fn(tx.ctx, tx.impl)
	}
	return nil
}

func (tx *baseTransact) actTranspErr(ctx context.Context, args ...any) error {
	var err error
	if len(args) > 0 {
		err, _ = args[0].(error)
	}

	tx.log.LogAttrs(ctx, slog.LevelWarn, "transaction transport error",
		slog.Any("transaction", tx.impl), slog.Any("error", err))

	for fn := range tx.onErr.All() {
		fn(tx.ctx, tx.impl, err)
	}
	return nil
}

//nolint:unparam
func (tx *baseTransact) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx.impl))

	return nil
}
