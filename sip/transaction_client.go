package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/sipward/sipua/internal/log"
	"github.com/sipward/sipua/internal/types"
)

// ClientTransaction represents a SIP client transaction.
type ClientTransaction interface {
	Transaction
	// Key returns the transaction key.
	Key() ClientTransactionKey
	// Request returns the request that created the transaction.
	Request() *Request
	// MatchResponse checks whether the response matches the client transaction.
	MatchResponse(res *Response) error
	// RecvResponse is called on each inbound response received by the transport layer.
	RecvResponse(ctx context.Context, res *Response) error
	// OnResponse registers a callback to be called when the transaction receives a response.
	OnResponse(fn TransactionResponseHandler) (cancel func())
}

type TransactionResponseHandler = func(ctx context.Context, tx ClientTransaction, res *Response)

// NewClientTransaction creates a client transaction of the kind matching the
// request method.
func NewClientTransaction(req *Request, tp Transport, opts *ClientTransactionOptions) (ClientTransaction, error) {
	if req != nil && req.Method == INVITE {
		return errtrace.Wrap2[ClientTransaction](NewInviteClientTransaction(req, tp, opts))
	}
	return errtrace.Wrap2[ClientTransaction](NewNonInviteClientTransaction(req, tp, opts))
}

// ClientTransactionOptions contains options for a client transaction.
type ClientTransactionOptions struct {
	// Key is the client transaction key that will be used with the transaction.
	// If zero, the transaction will be created with the key automatically filled from the request.
	// Key should be unique for the transaction and match responses on the request that created the transaction.
	Key ClientTransactionKey
	// Timings is the SIP timing config that will be used with the transaction.
	// If zero, the default SIP timing config will be used.
	Timings TimingConfig
	// OnServiceUnavailable, when set, takes over delivery of a 503 response:
	// the handler owns the retry and the response is not passed to OnResponse
	// subscribers. When nil, a 503 is delivered like any other failure.
	OnServiceUnavailable TransactionResponseHandler
	// Log is the logger that will be used with the transaction.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *ClientTransactionOptions) key() ClientTransactionKey {
	if o == nil {
		return zeroClnTxKey
	}
	return o.Key
}

func (o *ClientTransactionOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *ClientTransactionOptions) onServiceUnavailable() TransactionResponseHandler {
	if o == nil {
		return nil
	}
	return o.OnServiceUnavailable
}

func (o *ClientTransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

type clientTransact struct {
	*baseTransact
	key     ClientTransactionKey
	tp      Transport
	timings TimingConfig
	req     *Request
	lastRes atomic.Pointer[Response]

	on503       TransactionResponseHandler
	onRes       types.CallbackManager[TransactionResponseHandler]
	pendingRess types.Deque[*Response]
}

func newClientTransact(
	typ TransactionType,
	impl clientTransactImpl,
	req *Request,
	tp Transport,
	opts *ClientTransactionOptions,
) (*clientTransact, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}

	key := opts.key()
	if !key.IsValid() {
		if err := key.FillFromMessage(req); err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(err))
		}
	}

	tx := &clientTransact{
		key:     key,
		tp:      tp,
		req:     req,
		timings: opts.timings(),
		on503:   opts.onServiceUnavailable(),
	}
	tx.baseTransact = newBaseTransact(context.Background(), typ, impl, opts.log())
	return tx, nil
}

type clientTransactImpl interface {
	ClientTransaction
}

// LogValue implements [slog.LogValuer].
func (tx *clientTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.Any("type", tx.typ),
		slog.Any("state", tx.State()),
	)
}

// Key returns the transaction key.
func (tx *clientTransact) Key() ClientTransactionKey {
	if tx == nil {
		return zeroClnTxKey
	}
	return tx.key
}

// Request returns the request that created the transaction.
func (tx *clientTransact) Request() *Request {
	if tx == nil {
		return nil
	}
	return tx.req
}

// LastResponse returns the last response received by the transaction.
func (tx *clientTransact) LastResponse() *Response {
	if tx == nil {
		return nil
	}
	return tx.lastRes.Load()
}

// MatchResponse checks whether the response matches the client transaction.
// It implements the matching rules defined in RFC 3261 section 17.1.3.
func (tx *clientTransact) MatchResponse(res *Response) error {
	var resKey ClientTransactionKey
	if err := resKey.FillFromMessage(res); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	if !tx.key.Equal(resKey) {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}
	return nil
}

// RecvResponse is called on each inbound response received by the transport layer.
func (tx *clientTransact) RecvResponse(ctx context.Context, res *Response) error {
	if err := tx.MatchResponse(res); err != nil {
		return errtrace.Wrap(err)
	}

	switch {
	case isProvisionalStatus(res.StatusCode):
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv1xx, res))
	case isSuccessStatus(res.StatusCode):
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv2xx, res))
	default:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv300699, res))
	}
}

func (tx *clientTransact) sendReq(ctx context.Context, req *Request) error {
	if err := tx.tp.Send(ctx, req); err != nil {
		err = fmt.Errorf("send %q request: %w", req.Method, err)
		if err := tx.fsm.FireCtx(ctx, txEvtTranspErr, errtrace.Wrap(err)); err != nil {
			panic(fmt.Errorf("fire %q in state %q: %w", txEvtTranspErr, tx.State(), err))
		}
		return errtrace.Wrap(err)
	}
	return nil
}

const (
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
)

func (tx *clientTransact) initFSM(start TransactionState) error {
	if err := tx.baseTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.SetTriggerParameters(txEvtRecv1xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecv2xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecv300699, reflect.TypeOf((*Response)(nil)))

	return nil
}

func (tx *clientTransact) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)

	if res.StatusCode == StatusServiceUnavailable && tx.on503 != nil {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "defer 503 to retry hook", slog.Any("transaction", tx.impl))
		tx.on503(tx.ctx, tx.impl.(ClientTransaction), res) //nolint:forcetypeassert
		return nil
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass response",
		slog.Any("transaction", tx.impl), slog.Int("status", int(res.StatusCode)))

	tx.pendingRess.Append(res)
	if tx.onRes.Len() > 0 {
		tx.deliverPendingRess()
	}
	return nil
}

func (tx *clientTransact) deliverPendingRess() {
	resps := tx.pendingRess.Drain()
	if len(resps) == 0 {
		return
	}

	for fn := range tx.onRes.All() {
		for _, res := range resps {
			fn(tx.ctx, tx.impl.(ClientTransaction), res) //nolint:forcetypeassert
		}
	}
}

func (tx *clientTransact) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx.impl))

	return nil
}

//nolint:unparam
func (tx *clientTransact) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx.impl))

	return nil
}

// OnResponse registers a callback to be called when the transaction receives a response.
//
// Responses received before the first callback registration are buffered and
// delivered on registration, so no response is lost to subscription ordering.
//
// The callback can be canceled by calling the returned cancel function.
// Multiple callbacks can be registered.
func (tx *clientTransact) OnResponse(fn TransactionResponseHandler) (cancel func()) {
	cancel = tx.onRes.Add(fn)
	tx.deliverPendingRess()
	return cancel
}

// ClientTransactionKey is the key of a client transaction.
// It is used for matching responses to the request that created the transaction.
type ClientTransactionKey struct {
	// Branch parameter of the topmost Via header field.
	Branch string
	// Method of the request that created the transaction.
	Method string
}

var zeroClnTxKey ClientTransactionKey

// FillFromMessage populates the key fields from the given message.
func (k *ClientTransactionKey) FillFromMessage(m hdrAccessor) error {
	if m == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid message"))
	}

	via := m.Via()
	cseq := m.CSeq()
	if via == nil || cseq == nil {
		return errtrace.Wrap(NewInvalidArgumentError(ErrInvalidMessage))
	}

	k.Branch, _ = via.Params.Get("branch")
	k.Method = string(cseq.MethodName)
	if !k.IsValid() {
		return errtrace.Wrap(NewInvalidArgumentError(ErrInvalidMessage))
	}
	return nil
}

// Equal checks whether the key is equal to another key.
func (k ClientTransactionKey) Equal(val any) bool {
	var other ClientTransactionKey
	switch v := val.(type) {
	case ClientTransactionKey:
		other = v
	case *ClientTransactionKey:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}

	return k.Branch == other.Branch && k.Method == other.Method
}

// IsValid checks whether the key is valid.
func (k ClientTransactionKey) IsValid() bool {
	return k.Branch != "" && k.Method != ""
}

// IsZero checks whether the key is zero.
func (k ClientTransactionKey) IsZero() bool {
	return k.Branch == "" && k.Method == ""
}

// LogValue returns a [slog.Value] for the key.
func (k ClientTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("branch", k.Branch),
		slog.Any("method", k.Method),
	)
}
