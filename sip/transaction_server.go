package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/sipward/sipua/internal/log"
)

// ServerTransaction represents a SIP server transaction.
type ServerTransaction interface {
	Transaction
	// Key returns the transaction key.
	Key() ServerTransactionKey
	// Request returns the request that created the transaction.
	Request() *Request
	// LastResponse returns the last response sent by the transaction.
	LastResponse() *Response
	// Respond sends the response to the transaction originator.
	Respond(ctx context.Context, res *Response) error
	// RecvRetransmit is called when the transport layer receives a
	// retransmission of the request that created the transaction.
	// The last sent response, if any, is resent.
	RecvRetransmit(ctx context.Context) error
}

// NewServerTransaction creates a server transaction of the kind matching the
// request method.
func NewServerTransaction(req *Request, tp Transport, opts *ServerTransactionOptions) (ServerTransaction, error) {
	if req != nil && req.Method == INVITE {
		return errtrace.Wrap2[ServerTransaction](NewInviteServerTransaction(req, tp, opts))
	}
	return errtrace.Wrap2[ServerTransaction](NewNonInviteServerTransaction(req, tp, opts))
}

// ServerTransactionOptions contains options for a server transaction.
type ServerTransactionOptions struct {
	// Key is the server transaction key that will be used with the transaction.
	// If zero, the transaction will be created with the key automatically filled from the request.
	Key ServerTransactionKey
	// Timings is the SIP timing config that will be used with the transaction.
	// If zero, the default SIP timing config will be used.
	Timings TimingConfig
	// Log is the logger that will be used with the transaction.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *ServerTransactionOptions) key() ServerTransactionKey {
	if o == nil {
		return zeroSrvTxKey
	}
	return o.Key
}

func (o *ServerTransactionOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *ServerTransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

type serverTransact struct {
	*baseTransact
	key     ServerTransactionKey
	tp      Transport
	timings TimingConfig
	req     *Request
	lastRes atomic.Pointer[Response]
}

func newServerTransact(
	typ TransactionType,
	impl serverTransactImpl,
	req *Request,
	tp Transport,
	opts *ServerTransactionOptions,
) (*serverTransact, error) {
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

	tx := &serverTransact{
		key:     key,
		tp:      tp,
		req:     req,
		timings: opts.timings(),
	}
	tx.baseTransact = newBaseTransact(context.Background(), typ, impl, opts.log())
	return tx, nil
}

type serverTransactImpl interface {
	ServerTransaction
}

// LogValue implements [slog.LogValuer].
func (tx *serverTransact) LogValue() slog.Value {
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
func (tx *serverTransact) Key() ServerTransactionKey {
	if tx == nil {
		return zeroSrvTxKey
	}
	return tx.key
}

// Request returns the request that created the transaction.
func (tx *serverTransact) Request() *Request {
	if tx == nil {
		return nil
	}
	return tx.req
}

// LastResponse returns the last response sent by the transaction.
func (tx *serverTransact) LastResponse() *Response {
	if tx == nil {
		return nil
	}
	return tx.lastRes.Load()
}

// Respond sends the response to the transaction originator.
func (tx *serverTransact) Respond(ctx context.Context, res *Response) error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}

	switch {
	case isProvisionalStatus(res.StatusCode):
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend1xx, res))
	case isSuccessStatus(res.StatusCode):
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend2xx, res))
	default:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend300699, res))
	}
}

// RecvRetransmit is called on a retransmission of the transaction request.
func (tx *serverTransact) RecvRetransmit(ctx context.Context) error {
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtReqRetrans))
}

func (tx *serverTransact) sendRes(ctx context.Context, res *Response) error {
	if err := tx.tp.Send(ctx, res); err != nil {
		err = fmt.Errorf("send %d response: %w", res.StatusCode, err)
		if err := tx.fsm.FireCtx(ctx, txEvtTranspErr, errtrace.Wrap(err)); err != nil {
			panic(fmt.Errorf("fire %q in state %q: %w", txEvtTranspErr, tx.State(), err))
		}
		return errtrace.Wrap(err)
	}
	return nil
}

const (
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
	txEvtReqRetrans = "req_retransmit"
)

func (tx *serverTransact) initFSM(start TransactionState) error {
	if err := tx.baseTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.SetTriggerParameters(txEvtSend1xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend2xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend300699, reflect.TypeOf((*Response)(nil)))

	return nil
}

func (tx *serverTransact) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send response",
		slog.Any("transaction", tx.impl), slog.Int("status", int(res.StatusCode)))

	tx.sendRes(ctx, res) //nolint:errcheck
	return nil
}

// actResendRes resends the last sent response in reply to a request
// retransmission. Retransmissions arriving before any response was sent
// are absorbed.
func (tx *serverTransact) actResendRes(ctx context.Context, _ ...any) error {
	res := tx.lastRes.Load()
	if res == nil {
		return nil
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "resend response",
		slog.Any("transaction", tx.impl), slog.Int("status", int(res.StatusCode)))

	tx.sendRes(ctx, res) //nolint:errcheck
	return nil
}

func (tx *serverTransact) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx.impl))

	return nil
}

//nolint:unparam
func (tx *serverTransact) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx.impl))

	return nil
}

// ServerTransactionKey is the key of a server transaction.
// It is used for matching inbound requests to the transaction, as described
// in RFC 3261 section 17.2.3 for requests carrying an RFC 3261 branch.
type ServerTransactionKey struct {
	// Branch parameter of the topmost Via header field.
	Branch string
	// Method of the request that created the transaction,
	// with CANCEL and ACK mapped to the method they target.
	Method string
}

var zeroSrvTxKey ServerTransactionKey

// FillFromMessage populates the key fields from the given message.
// ACK and CANCEL match the transaction of the request they refer to,
// so their method maps to INVITE for ACK and stays distinct for CANCEL
// lookups performed by the transaction manager.
func (k *ServerTransactionKey) FillFromMessage(m hdrAccessor) error {
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
	if k.Method == string(ACK) {
		k.Method = string(INVITE)
	}
	if !k.IsValid() {
		return errtrace.Wrap(NewInvalidArgumentError(ErrInvalidMessage))
	}
	return nil
}

// Equal checks whether the key is equal to another key.
func (k ServerTransactionKey) Equal(val any) bool {
	var other ServerTransactionKey
	switch v := val.(type) {
	case ServerTransactionKey:
		other = v
	case *ServerTransactionKey:
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
func (k ServerTransactionKey) IsValid() bool {
	return k.Branch != "" && k.Method != ""
}

// IsZero checks whether the key is zero.
func (k ServerTransactionKey) IsZero() bool {
	return k.Branch == "" && k.Method == ""
}

// LogValue returns a [slog.Value] for the key.
func (k ServerTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("branch", k.Branch),
		slog.Any("method", k.Method),
	)
}
