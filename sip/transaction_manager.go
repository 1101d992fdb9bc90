package sip

import (
	"context"
	"log/slog"
	"sync"

	"braces.dev/errtrace"

	"github.com/sipward/sipua/internal/log"
)

// TransactionManager owns the live client and server transactions of a
// user agent. It matches inbound messages to transactions and absorbs
// retransmissions, so the transaction user only ever sees each request
// and response once.
type TransactionManager struct {
	tp        Transport
	timings   TimingConfig
	log       *slog.Logger
	onCreated func(tx Transaction)

	mu        sync.Mutex
	clientTxs map[ClientTransactionKey]ClientTransaction
	serverTxs map[ServerTransactionKey]ServerTransaction
}

// TransactionManagerOptions contains options for a transaction manager.
type TransactionManagerOptions struct {
	// Timings is the SIP timing config applied to every created transaction.
	// If zero, the default SIP timing config will be used.
	Timings TimingConfig
	// OnCreated is called for every transaction the manager registers.
	OnCreated func(tx Transaction)
	// Log is the logger that will be used with the manager.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *TransactionManagerOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *TransactionManagerOptions) onCreated() func(tx Transaction) {
	if o == nil {
		return nil
	}
	return o.OnCreated
}

func (o *TransactionManagerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// NewTransactionManager creates a new transaction manager sending messages
// through the given transport.
func NewTransactionManager(tp Transport, opts *TransactionManagerOptions) (*TransactionManager, error) {
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}

	return &TransactionManager{
		tp:        tp,
		timings:   opts.timings(),
		log:       opts.log(),
		onCreated: opts.onCreated(),
		clientTxs: make(map[ClientTransactionKey]ClientTransaction),
		serverTxs: make(map[ServerTransactionKey]ServerTransaction),
	}, nil
}

// NewClientTransaction creates a client transaction for the request,
// registers it and sends the request. The transaction unregisters itself
// once terminated.
func (m *TransactionManager) NewClientTransaction(
	req *Request,
	opts *ClientTransactionOptions,
) (ClientTransaction, error) {
	if opts == nil {
		opts = &ClientTransactionOptions{}
	}
	if opts.Timings.IsZero() {
		opts.Timings = m.timings
	}
	if opts.Log == nil {
		opts.Log = m.log
	}

	var key ClientTransactionKey
	if err := key.FillFromMessage(req); err != nil {
		return nil, errtrace.Wrap(err)
	}

	m.mu.Lock()
	if _, ok := m.clientTxs[key]; ok {
		m.mu.Unlock()
		return nil, errtrace.Wrap(ErrTransactionExists)
	}
	m.mu.Unlock()

	opts.Key = key
	tx, err := NewClientTransaction(req, m.tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	m.mu.Lock()
	m.clientTxs[key] = tx
	m.mu.Unlock()
	if m.onCreated != nil {
		m.onCreated(tx)
	}

	tx.OnStateChanged(func(_ context.Context, _, to TransactionState) {
		if to != TransactionStateTerminated {
			return
		}
		m.mu.Lock()
		delete(m.clientTxs, key)
		m.mu.Unlock()
	})

	return tx, nil
}

// NewServerTransaction creates a server transaction for the inbound request
// and registers it. The transaction unregisters itself once terminated.
func (m *TransactionManager) NewServerTransaction(
	req *Request,
	opts *ServerTransactionOptions,
) (ServerTransaction, error) {
	if opts == nil {
		opts = &ServerTransactionOptions{}
	}
	if opts.Timings.IsZero() {
		opts.Timings = m.timings
	}
	if opts.Log == nil {
		opts.Log = m.log
	}

	var key ServerTransactionKey
	if err := key.FillFromMessage(req); err != nil {
		return nil, errtrace.Wrap(err)
	}

	m.mu.Lock()
	if _, ok := m.serverTxs[key]; ok {
		m.mu.Unlock()
		return nil, errtrace.Wrap(ErrTransactionExists)
	}
	m.mu.Unlock()

	opts.Key = key
	tx, err := NewServerTransaction(req, m.tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	m.mu.Lock()
	m.serverTxs[key] = tx
	m.mu.Unlock()
	if m.onCreated != nil {
		m.onCreated(tx)
	}

	tx.OnStateChanged(func(_ context.Context, _, to TransactionState) {
		if to != TransactionStateTerminated {
			return
		}
		m.mu.Lock()
		delete(m.serverTxs, key)
		m.mu.Unlock()
	})

	return tx, nil
}

// ClientTransaction returns the registered client transaction for the key.
func (m *TransactionManager) ClientTransaction(key ClientTransactionKey) (ClientTransaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.clientTxs[key]
	return tx, ok
}

// ServerTransaction returns the registered server transaction for the key.
func (m *TransactionManager) ServerTransaction(key ServerTransactionKey) (ServerTransaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.serverTxs[key]
	return tx, ok
}

// Len returns the number of live client and server transactions.
func (m *TransactionManager) Len() (clients, servers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clientTxs), len(m.serverTxs)
}

// HandleResponse routes an inbound response to its client transaction.
// Responses without a matching transaction yield [ErrTransactionNotFound];
// the caller decides whether to drop them or route them straight to the
// dialog layer (2xx retransmissions after transaction termination).
func (m *TransactionManager) HandleResponse(ctx context.Context, res *Response) error {
	var key ClientTransactionKey
	if err := key.FillFromMessage(res); err != nil {
		return errtrace.Wrap(err)
	}

	tx, ok := m.ClientTransaction(key)
	if !ok {
		return errtrace.Wrap(ErrTransactionNotFound)
	}
	return errtrace.Wrap(tx.RecvResponse(ctx, res))
}

// HandleRequest runs the server-side gate over an inbound request:
// retransmissions of in-flight requests, ACKs to non-2xx responses and
// CANCELs are consumed here. It reports whether the request was consumed;
// an unconsumed request belongs to the transaction user, which creates a
// server transaction for it via [TransactionManager.NewServerTransaction].
//
// A CANCEL matching a proceeding INVITE transaction is answered with 200
// but still reported unconsumed: answering the INVITE with 487 is the
// transaction user's job. A CANCEL matching nothing is answered 481 and
// consumed.
func (m *TransactionManager) HandleRequest(ctx context.Context, req *Request) (handled bool, err error) {
	var key ServerTransactionKey
	if err := key.FillFromMessage(req); err != nil {
		return false, errtrace.Wrap(err)
	}

	if tx, ok := m.ServerTransaction(key); ok {
		if req.Method == ACK {
			ist, ok := tx.(*InviteServerTransaction)
			if !ok {
				return false, errtrace.Wrap(ErrTransactionNotMatched)
			}
			return true, errtrace.Wrap(ist.RecvAck(ctx, req))
		}
		return true, errtrace.Wrap(tx.RecvRetransmit(ctx))
	}

	switch req.Method {
	case ACK:
		// ACK to a 2xx carries its own branch and never matches the
		// INVITE transaction; it belongs to the dialog layer.
		return false, nil
	case CANCEL:
		return errtrace.Wrap2(m.handleCancel(ctx, req, key))
	default:
		return false, nil
	}
}

func (m *TransactionManager) handleCancel(
	ctx context.Context,
	cancel *Request,
	key ServerTransactionKey,
) (handled bool, err error) {
	inviteTx, ok := m.ServerTransaction(ServerTransactionKey{Branch: key.Branch, Method: string(INVITE)})
	if !ok {
		m.log.LogAttrs(ctx, slog.LevelDebug, "CANCEL for unknown transaction", slog.Any("key", key))

		res := NewResponseFromRequest(cancel, StatusCallTransactionDoesNotExist, "Call/Transaction Does Not Exist", nil)
		return true, errtrace.Wrap(m.tp.Send(ctx, res))
	}

	cancelTx, err := m.NewServerTransaction(cancel, nil)
	if err != nil {
		return false, errtrace.Wrap(err)
	}
	ok200 := NewResponseFromRequest(cancel, StatusOK, "OK", nil)
	if err := cancelTx.Respond(ctx, ok200); err != nil {
		return false, errtrace.Wrap(err)
	}

	// The CANCEL only takes effect while the INVITE transaction is still
	// unanswered; a final response already in flight wins.
	if inviteTx.State() != TransactionStateProceeding {
		m.log.LogAttrs(ctx, slog.LevelDebug, "CANCEL after final response", slog.Any("transaction", inviteTx))
		return true, nil
	}
	return false, nil
}

// HandleTransportError terminates every live transaction after a fatal
// transport failure.
func (m *TransactionManager) HandleTransportError(ctx context.Context, err error) {
	m.log.LogAttrs(ctx, slog.LevelWarn, "transport failure, terminating transactions", slog.Any("error", err))

	for _, tx := range m.snapshot() {
		tx.Terminate(ctx) //nolint:errcheck
	}
}

// Close terminates every live transaction.
func (m *TransactionManager) Close(ctx context.Context) {
	for _, tx := range m.snapshot() {
		tx.Terminate(ctx) //nolint:errcheck
	}
}

func (m *TransactionManager) snapshot() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	txs := make([]Transaction, 0, len(m.clientTxs)+len(m.serverTxs))
	for _, tx := range m.clientTxs {
		txs = append(txs, tx)
	}
	for _, tx := range m.serverTxs {
		txs = append(txs, tx)
	}
	return txs
}
