package sip_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sipward/sipua/sip"
)

// stubTransport captures outbound messages into channels so tests can
// assert on what the stack put on the wire.
type stubTransport struct {
	mu      sync.Mutex
	sendErr error

	reqs chan *sip.Request
	ress chan *sip.Response
}

func newStubTransport() *stubTransport {
	return &stubTransport{
		reqs: make(chan *sip.Request, 32),
		ress: make(chan *sip.Response, 32),
	}
}

func (t *stubTransport) Send(_ context.Context, m sip.Message) error {
	t.mu.Lock()
	err := t.sendErr
	t.mu.Unlock()
	if err != nil {
		return err
	}

	switch v := m.(type) {
	case *sip.Request:
		t.reqs <- v
	case *sip.Response:
		t.ress <- v
	}
	return nil
}

// failWith makes every subsequent Send return err.
func (t *stubTransport) failWith(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

func (t *stubTransport) waitReq(tb testing.TB, timeout time.Duration) *sip.Request {
	tb.Helper()
	select {
	case req := <-t.reqs:
		return req
	case <-time.After(timeout):
		tb.Fatalf("no request sent within %s", timeout)
		return nil
	}
}

func (t *stubTransport) waitRes(tb testing.TB, timeout time.Duration) *sip.Response {
	tb.Helper()
	select {
	case res := <-t.ress:
		return res
	case <-time.After(timeout):
		tb.Fatalf("no response sent within %s", timeout)
		return nil
	}
}

func (t *stubTransport) ensureNoReq(tb testing.TB, wait time.Duration) {
	tb.Helper()
	select {
	case req := <-t.reqs:
		tb.Fatalf("unexpected %q request sent", req.Method)
	case <-time.After(wait):
	}
}

func (t *stubTransport) ensureNoRes(tb testing.TB, wait time.Duration) {
	tb.Helper()
	select {
	case res := <-t.ress:
		tb.Fatalf("unexpected %d response sent", res.StatusCode)
	case <-time.After(wait):
	}
}

func (t *stubTransport) drain() {
	for {
		select {
		case <-t.reqs:
		case <-t.ress:
		default:
			return
		}
	}
}
