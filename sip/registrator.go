package sip

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/sipward/sipua/internal/randutil"
	"github.com/sipward/sipua/internal/timeutil"
	"github.com/sipward/sipua/internal/types"
)

// RegistratorState represents the registration state with the registrar.
type RegistratorState string

const (
	RegistratorStateUnregistered RegistratorState = "unregistered"
	RegistratorStateRegistering  RegistratorState = "registering"
	RegistratorStateRegistered   RegistratorState = "registered"
)

type RegistratorStateHandler = func(ctx context.Context, state RegistratorState, cause Cause)

// DefaultRegisterExpires is the registration lifetime requested when none
// is configured.
const DefaultRegisterExpires = 600 * time.Second

// Registrator maintains the binding with a registrar: it registers,
// refreshes the binding before it expires and unregisters on shutdown.
// All REGISTER requests of one registrator share a Call-ID and an
// increasing CSeq per RFC 3261 section 10.2.
type Registrator struct {
	ua        *UserAgent
	registrar Uri
	expires   time.Duration
	log       *slog.Logger

	mu         sync.Mutex
	state      RegistratorState
	callID     string
	cseq       uint32
	refreshTmr *timeutil.Timer
	retried423 bool

	onState types.CallbackManager[RegistratorStateHandler]
}

// RegistratorOptions contains options for a registrator.
type RegistratorOptions struct {
	// Expires is the requested registration lifetime.
	// Defaults to [DefaultRegisterExpires].
	Expires time.Duration
}

func (o *RegistratorOptions) expires() time.Duration {
	if o == nil || o.Expires <= 0 {
		return DefaultRegisterExpires
	}
	return o.Expires
}

// NewRegistrator creates a registrator bound to the user agent account.
func NewRegistrator(ua *UserAgent, registrar Uri, opts *RegistratorOptions) (*Registrator, error) {
	if ua == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid user agent"))
	}

	return &Registrator{
		ua:        ua,
		registrar: registrar,
		expires:   opts.expires(),
		log:       ua.log,
		state:     RegistratorStateUnregistered,
		callID:    NewCallID(),
		cseq:      uint32(randutil.IntN(1, 10000)),
	}, nil
}

// State returns the current registration state.
func (r *Registrator) State() RegistratorState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// OnStateChanged registers a callback invoked on registration state changes.
func (r *Registrator) OnStateChanged(fn RegistratorStateHandler) (cancel func()) {
	return r.onState.Add(fn)
}

func (r *Registrator) setState(ctx context.Context, state RegistratorState, cause Cause) {
	r.mu.Lock()
	changed := r.state != state
	r.state = state
	r.mu.Unlock()
	if !changed {
		return
	}

	r.log.LogAttrs(ctx, slog.LevelDebug, "registration state changed",
		slog.String("state", string(state)), slog.String("cause", string(cause)))

	for fn := range r.onState.All() {
		fn(ctx, state, cause)
	}
}

// Register sends a REGISTER with the configured lifetime and keeps the
// binding refreshed until [Registrator.Unregister] is called.
func (r *Registrator) Register(ctx context.Context) error {
	r.setState(ctx, RegistratorStateRegistering, "")
	return errtrace.Wrap(r.sendRegister(ctx, r.expires))
}

// Unregister removes the binding with an Expires: 0 REGISTER.
func (r *Registrator) Unregister(ctx context.Context) error {
	r.mu.Lock()
	tmr := r.refreshTmr
	r.refreshTmr = nil
	r.mu.Unlock()
	tmr.Stop()

	return errtrace.Wrap(r.sendRegister(ctx, 0))
}

func (r *Registrator) newRegisterRequest(expires time.Duration) *Request {
	domain := r.registrar
	domain.User = ""

	req := NewRequest(REGISTER, domain)

	from := &FromHeader{
		DisplayName: r.ua.opts.DisplayName,
		Address:     r.ua.opts.URI,
		Params:      NewParams().Add("tag", NewTag()),
	}
	req.AppendHeader(from)
	req.AppendHeader(&ToHeader{Address: r.ua.opts.URI, Params: NewParams()})

	r.mu.Lock()
	callID := CallIDHeader(r.callID)
	r.cseq++
	cseq := r.cseq
	r.mu.Unlock()
	req.AppendHeader(&callID)
	req.AppendHeader(&CSeqHeader{SeqNo: cseq, MethodName: REGISTER})
	maxFwd := MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(r.ua.contactHeader())
	req.AppendHeader(NewHeader("Expires", strconv.Itoa(int(expires/time.Second))))

	return req
}

func (r *Registrator) sendRegister(ctx context.Context, expires time.Duration) error {
	req := r.newRegisterRequest(expires)

	sender, err := NewRequestSender(r.ua.mgr, req, &RequestSenderOptions{
		Via:         r.ua.viaTemplate(),
		Credentials: r.ua.opts.Credentials,
		Log:         r.log,
	})
	if err != nil {
		return errtrace.Wrap(err)
	}

	sender.OnResponse(func(ctx context.Context, _ *RequestSender, res *Response) {
		r.recvResponse(ctx, res, expires)
	})
	sender.OnTimeout(func(ctx context.Context, _ *RequestSender) {
		r.setState(ctx, RegistratorStateUnregistered, CauseRequestTimeout)
	})
	sender.OnTransportError(func(ctx context.Context, _ *RequestSender, _ error) {
		r.setState(ctx, RegistratorStateUnregistered, CauseConnectionError)
	})

	return errtrace.Wrap(sender.Send(ctx))
}

func (r *Registrator) recvResponse(ctx context.Context, res *Response, requested time.Duration) {
	switch {
	case isProvisionalStatus(res.StatusCode):
		return

	case isSuccessStatus(res.StatusCode):
		if requested == 0 {
			r.setState(ctx, RegistratorStateUnregistered, "")
			return
		}

		granted := grantedExpires(res, requested)
		r.armRefresh(granted)
		r.setState(ctx, RegistratorStateRegistered, "")

	case res.StatusCode == StatusIntervalTooBrief:
		if r.retryIntervalTooBrief(ctx, res) {
			return
		}
		r.setState(ctx, RegistratorStateUnregistered, CauseFromStatus(res.StatusCode))

	default:
		r.setState(ctx, RegistratorStateUnregistered, CauseFromStatus(res.StatusCode))
	}
}

// retryIntervalTooBrief retries once with the registrar's Min-Expires.
func (r *Registrator) retryIntervalTooBrief(ctx context.Context, res *Response) bool {
	r.mu.Lock()
	retry := !r.retried423
	r.retried423 = true
	r.mu.Unlock()
	if !retry {
		return false
	}

	h := res.GetHeader("Min-Expires")
	if h == nil {
		return false
	}
	secs, err := strconv.Atoi(strings.TrimSpace(h.Value()))
	if err != nil || secs <= 0 {
		return false
	}

	r.mu.Lock()
	r.expires = time.Duration(secs) * time.Second
	expires := r.expires
	r.mu.Unlock()

	r.log.LogAttrs(ctx, slog.LevelDebug, "registration interval too brief, retrying",
		slog.Duration("expires", expires))

	r.sendRegister(ctx, expires) //nolint:errcheck
	return true
}

// armRefresh schedules the refreshing REGISTER at 90% of the granted
// lifetime.
func (r *Registrator) armRefresh(granted time.Duration) {
	refreshIn := granted * 9 / 10

	r.mu.Lock()
	if tmr := r.refreshTmr; tmr != nil {
		tmr.Stop()
	}
	r.refreshTmr = timeutil.AfterFunc(refreshIn, func() {
		ctx := context.Background()
		if r.State() == RegistratorStateUnregistered {
			return
		}
		r.mu.Lock()
		expires := r.expires
		r.mu.Unlock()
		r.sendRegister(ctx, expires) //nolint:errcheck
	})
	r.mu.Unlock()
}

// grantedExpires extracts the lifetime the registrar granted: the expires
// parameter of our Contact when present, the Expires header otherwise,
// falling back to what was requested.
func grantedExpires(res *Response, requested time.Duration) time.Duration {
	for _, h := range res.GetHeaders("Contact") {
		v := h.Value()
		i := strings.Index(strings.ToLower(v), "expires=")
		if i < 0 {
			continue
		}
		v = v[i+len("expires="):]
		if j := strings.IndexAny(v, ";, \t"); j >= 0 {
			v = v[:j]
		}
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if h := res.GetHeader("Expires"); h != nil {
		if secs, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return requested
}
