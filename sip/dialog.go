package sip

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"braces.dev/errtrace"

	"github.com/sipward/sipua/internal/log"
	"github.com/sipward/sipua/internal/randutil"
	"github.com/sipward/sipua/internal/types"
)

// DialogState represents a state of a SIP dialog.
type DialogState string

const (
	DialogStateEarly      DialogState = "early"
	DialogStateConfirmed  DialogState = "confirmed"
	DialogStateTerminated DialogState = "terminated"
)

// DialogID identifies a dialog by the triple defined in RFC 3261
// section 12: Call-ID plus local and remote tags. An early UAC dialog may
// have an empty remote tag until the first tagged response arrives.
type DialogID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// IsValid checks whether the dialog ID is complete.
func (id DialogID) IsValid() bool {
	return id.CallID != "" && id.LocalTag != "" && id.RemoteTag != ""
}

// LogValue returns a [slog.Value] for the dialog ID.
func (id DialogID) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", id.CallID),
		slog.String("local_tag", id.LocalTag),
		slog.String("remote_tag", id.RemoteTag),
	)
}

// DialogOwner consumes the requests a dialog accepts.
type DialogOwner interface {
	// ReceiveRequest is called for each in-dialog request that passed the
	// dialog acceptance checks. The server transaction is ready for the
	// owner to respond on.
	ReceiveRequest(ctx context.Context, dlg *Dialog, tx ServerTransaction)
	// ReceiveAck is called for the standalone ACK of a 2xx, which arrives
	// outside any transaction.
	ReceiveAck(ctx context.Context, dlg *Dialog, ack *Request)
}

// Dialog tracks the peer-to-peer SIP state defined in RFC 3261 section 12:
// sequence numbers, remote target and route set. Requests inside the dialog
// are built from and checked against this state.
type Dialog struct {
	id    DialogID
	owner DialogOwner
	log   *slog.Logger

	mu           sync.Mutex
	state        DialogState
	localSeq     uint32
	remoteSeq    uint32
	localURI     Uri
	remoteURI    Uri
	remoteTarget Uri
	routeSet     []Uri

	// Glare flags per RFC 3261 section 14: only one target-refresh
	// request may be outstanding in each direction.
	uacPendingReply bool
	uasPendingReply bool

	onRefreshReady types.CallbackManager[func()]
}

// NewServerDialog creates the UAS side of a dialog from an inbound
// dialog-creating request. The local tag is the tag the UAS answers with.
// The route set is the Record-Route set in message order per RFC 3261
// section 12.1.1.
func NewServerDialog(owner DialogOwner, req *Request, localTag string, state DialogState, logger *slog.Logger) (*Dialog, error) {
	if owner == nil || req == nil || localTag == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid dialog arguments"))
	}
	if logger == nil {
		logger = log.Default()
	}

	d := &Dialog{
		id: DialogID{
			CallID:    CallIDValue(req),
			LocalTag:  localTag,
			RemoteTag: FromTag(req),
		},
		owner:     owner,
		log:       logger,
		state:     state,
		remoteSeq: CSeqNumber(req),
		routeSet:  headerURIs(req, "Record-Route"),
	}
	if from := req.From(); from != nil {
		d.remoteURI = from.Address
	}
	if to := req.To(); to != nil {
		d.localURI = to.Address
	}
	if target, ok := ContactURI(req); ok {
		d.remoteTarget = target
	} else {
		d.remoteTarget = d.remoteURI
	}

	d.log.LogAttrs(context.Background(), slog.LevelDebug, "dialog created", slog.Any("dialog", d))
	return d, nil
}

// NewClientDialog creates the UAC side of a dialog from the sent
// dialog-creating request and a dialog-establishing response. A provisional
// response with a To tag yields an early dialog, a 2xx a confirmed one.
// The route set is the reversed Record-Route set per RFC 3261
// section 12.1.2.
func NewClientDialog(owner DialogOwner, req *Request, res *Response, logger *slog.Logger) (*Dialog, error) {
	if owner == nil || req == nil || res == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid dialog arguments"))
	}
	if ToTag(res) == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("response without To tag"))
	}
	if logger == nil {
		logger = log.Default()
	}

	state := DialogStateEarly
	if isSuccessStatus(res.StatusCode) {
		state = DialogStateConfirmed
	}

	d := &Dialog{
		id: DialogID{
			CallID:    CallIDValue(req),
			LocalTag:  FromTag(req),
			RemoteTag: ToTag(res),
		},
		owner:    owner,
		log:      logger,
		state:    state,
		localSeq: CSeqNumber(req),
		routeSet: reverseURIs(headerURIs(res, "Record-Route")),
	}
	if from := req.From(); from != nil {
		d.localURI = from.Address
	}
	if to := req.To(); to != nil {
		d.remoteURI = to.Address
	}
	if target, ok := ContactURI(res); ok {
		d.remoteTarget = target
	} else {
		d.remoteTarget = d.remoteURI
	}

	d.log.LogAttrs(context.Background(), slog.LevelDebug, "dialog created", slog.Any("dialog", d))
	return d, nil
}

// LogValue implements [slog.LogValuer].
func (d *Dialog) LogValue() slog.Value {
	if d == nil {
		return slog.Value{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return slog.GroupValue(
		slog.Any("id", d.id),
		slog.String("state", string(d.state)),
		slog.Uint64("local_seq", uint64(d.localSeq)),
		slog.Uint64("remote_seq", uint64(d.remoteSeq)),
	)
}

// ID returns the dialog identity triple.
func (d *Dialog) ID() DialogID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// State returns the current dialog state.
func (d *Dialog) State() DialogState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// RemoteTarget returns the current remote target URI.
func (d *Dialog) RemoteTarget() Uri {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteTarget
}

// RouteSet returns a copy of the dialog route set.
func (d *Dialog) RouteSet() []Uri {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.routeSet)
}

// LocalSeq returns the current local sequence number.
func (d *Dialog) LocalSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localSeq
}

// NextLocalCSeq increments and returns the local sequence number.
func (d *Dialog) NextLocalCSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localSeq++
	return d.localSeq
}

// Confirm promotes an early UAC dialog to confirmed, refreshing the remote
// target and route set from the 2xx response.
func (d *Dialog) Confirm(res *Response) error {
	if res == nil || !isSuccessStatus(res.StatusCode) {
		return errtrace.Wrap(NewInvalidArgumentError("invalid confirming response"))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case DialogStateEarly:
	case DialogStateConfirmed:
		return nil
	default:
		return errtrace.Wrap(NewInvalidStateError("confirm dialog in state %q", d.state))
	}

	d.state = DialogStateConfirmed
	if rs := reverseURIs(headerURIs(res, "Record-Route")); len(rs) > 0 {
		d.routeSet = rs
	}
	if target, ok := ContactURI(res); ok {
		d.remoteTarget = target
	}

	d.log.LogAttrs(context.Background(), slog.LevelDebug, "dialog confirmed", slog.Any("dialog", d))
	return nil
}

// Terminate moves the dialog to the terminated state.
// Terminating an already terminated dialog is a no-op.
func (d *Dialog) Terminate() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == DialogStateTerminated {
		return
	}
	d.state = DialogStateTerminated

	d.log.LogAttrs(context.Background(), slog.LevelDebug, "dialog terminated", slog.Any("dialog", d))
}

// CreateRequest builds an in-dialog request per RFC 3261 section 12.2.1.1.
// The local sequence number is incremented for every method except ACK and
// CANCEL, which reuse the sequence number of the INVITE they refer to.
// Extra headers are appended after the dialog headers; the body, when
// non-nil, must be described by a Content-Type header among them.
func (d *Dialog) CreateRequest(method RequestMethod, hdrs []Header, body []byte) (*Request, error) {
	d.mu.Lock()
	if d.state == DialogStateTerminated {
		d.mu.Unlock()
		return nil, errtrace.Wrap(ErrDialogGone)
	}
	seq := d.localSeq
	if method != ACK && method != CANCEL {
		d.localSeq++
		seq = d.localSeq
	}
	id := d.id
	localURI := d.localURI
	remoteURI := d.remoteURI
	target := d.remoteTarget
	routes := slices.Clone(d.routeSet)
	d.mu.Unlock()

	req := NewRequest(method, target)

	from := &FromHeader{
		Address: localURI,
		Params:  NewParams().Add("tag", id.LocalTag),
	}
	req.AppendHeader(from)
	to := &ToHeader{Address: remoteURI, Params: NewParams()}
	if id.RemoteTag != "" {
		to.Params = to.Params.Add("tag", id.RemoteTag)
	}
	req.AppendHeader(to)
	callID := CallIDHeader(id.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&CSeqHeader{SeqNo: seq, MethodName: method})
	maxFwd := MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	for _, r := range routes {
		req.AppendHeader(&RouteHeader{Address: r})
	}
	for _, h := range hdrs {
		req.AppendHeader(h)
	}
	if body != nil {
		req.SetBody(body)
	}

	return req, nil
}

// ReceiveRequest runs the dialog acceptance checks over an in-dialog
// request and forwards accepted requests to the dialog owner. Rejected
// requests are answered on the server transaction here.
func (d *Dialog) ReceiveRequest(ctx context.Context, tx ServerTransaction) {
	req := tx.Request()

	if !d.checkSeq(ctx, tx, req) {
		return
	}
	if !d.checkGlare(ctx, tx, req) {
		return
	}

	d.watchRemoteTarget(tx, req)
	d.owner.ReceiveRequest(ctx, d, tx)
}

// ReceiveAck forwards the standalone ACK of a 2xx to the dialog owner.
func (d *Dialog) ReceiveAck(ctx context.Context, ack *Request) {
	d.owner.ReceiveAck(ctx, d, ack)
}

// checkSeq enforces the remote sequence ordering of RFC 3261
// section 12.2.2: a request not greater than the last seen remote CSeq is
// answered 500. ACK is exempt, it completes a transaction the dialog
// already accepted.
func (d *Dialog) checkSeq(ctx context.Context, tx ServerTransaction, req *Request) bool {
	if req.Method == ACK {
		return true
	}

	seq := CSeqNumber(req)

	d.mu.Lock()
	if d.remoteSeq != 0 && seq <= d.remoteSeq {
		d.mu.Unlock()

		d.log.LogAttrs(ctx, slog.LevelDebug, "out of order request",
			slog.Any("dialog", d), slog.Uint64("cseq", uint64(seq)))

		res := NewResponseFromRequest(req, StatusInternalServerError, "Out of Order Request", nil)
		tx.Respond(ctx, res) //nolint:errcheck
		return false
	}
	d.remoteSeq = seq
	d.mu.Unlock()
	return true
}

// checkGlare rejects offer-bearing requests that collide with one already
// outstanding in either direction, per RFC 3261 section 14.2: a collision
// with our own unanswered refresh gets a 491, a second inbound refresh a
// 500 with Retry-After. A bodyless UPDATE carries no offer and passes.
func (d *Dialog) checkGlare(ctx context.Context, tx ServerTransaction, req *Request) bool {
	if req.Method != INVITE && (req.Method != UPDATE || len(req.Body()) == 0) {
		return true
	}

	d.mu.Lock()
	uasPending := d.uasPendingReply
	uacPending := d.uacPendingReply
	d.mu.Unlock()

	switch {
	case uacPending:
		d.log.LogAttrs(ctx, slog.LevelDebug, "request glare, own refresh outstanding", slog.Any("dialog", d))

		res := NewResponseFromRequest(req, StatusRequestPending, "Request Pending", nil)
		tx.Respond(ctx, res) //nolint:errcheck
		return false
	case uasPending:
		d.log.LogAttrs(ctx, slog.LevelDebug, "request glare, reply outstanding", slog.Any("dialog", d))

		res := NewResponseFromRequest(req, StatusInternalServerError, "Request Collision", nil)
		res.AppendHeader(NewHeader("Retry-After", strconv.Itoa(randutil.IntN(1, 10))))
		tx.Respond(ctx, res) //nolint:errcheck
		return false
	}

	d.setUASPendingReply(true)
	d.watchUASReply(tx)
	return true
}

func (d *Dialog) watchUASReply(tx ServerTransaction) {
	tx.OnStateChanged(func(_ context.Context, _, to TransactionState) {
		switch to {
		case TransactionStateAccepted, TransactionStateCompleted, TransactionStateConfirmed, TransactionStateTerminated:
			d.setUASPendingReply(false)
		}
	})
}

// watchRemoteTarget refreshes the remote target from the request Contact
// once the transaction reaches the state proving the request succeeded:
// accepted for INVITE, completed with a 2xx for UPDATE and NOTIFY.
func (d *Dialog) watchRemoteTarget(tx ServerTransaction, req *Request) {
	switch req.Method {
	case INVITE, UPDATE, NOTIFY:
	default:
		return
	}

	target, ok := ContactURI(req)
	if !ok {
		return
	}

	tx.OnStateChanged(func(_ context.Context, _, to TransactionState) {
		switch to {
		case TransactionStateAccepted:
		case TransactionStateCompleted:
			if res := tx.LastResponse(); res == nil || !isSuccessStatus(res.StatusCode) {
				return
			}
		default:
			return
		}

		d.mu.Lock()
		d.remoteTarget = target
		d.mu.Unlock()

		d.log.LogAttrs(context.Background(), slog.LevelDebug, "remote target updated", slog.Any("dialog", d))
	})
}

func (d *Dialog) setUACPendingReply(v bool) {
	d.mu.Lock()
	d.uacPendingReply = v
	ready := !v && !d.uasPendingReply
	d.mu.Unlock()
	if ready {
		d.notifyRefreshReady()
	}
}

func (d *Dialog) setUASPendingReply(v bool) {
	d.mu.Lock()
	d.uasPendingReply = v
	ready := !v && !d.uacPendingReply
	d.mu.Unlock()
	if ready {
		d.notifyRefreshReady()
	}
}

// refreshPending reports whether an offer-bearing request is outstanding
// in either direction.
func (d *Dialog) refreshPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uacPendingReply || d.uasPendingReply
}

// OnRefreshReady registers a callback invoked whenever the last
// outstanding refresh in either direction resolves, i.e. a deferred
// re-negotiation may go out now. The callback runs without the dialog
// lock held.
func (d *Dialog) OnRefreshReady(fn func()) (cancel func()) {
	return d.onRefreshReady.Add(fn)
}

func (d *Dialog) notifyRefreshReady() {
	for fn := range d.onRefreshReady.All() {
		fn()
	}
}
