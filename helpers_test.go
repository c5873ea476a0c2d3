package workerpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cryguy/workerpool/internal/core"
)

const testWait = 5 * time.Second

// errorSink collects errors raised to the hosting environment.
type errorSink struct {
	ch chan error
}

func newErrorSink() *errorSink {
	return &errorSink{ch: make(chan error, 64)}
}

func (s *errorSink) handle(err error) {
	select {
	case s.ch <- err:
	default:
	}
}

func (s *errorSink) next(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.ch:
		return err
	case <-time.After(testWait):
		t.Fatal("timed out waiting for a top-level error")
		return nil
	}
}

func (s *errorSink) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case err := <-s.ch:
		t.Fatalf("unexpected top-level error: %v", err)
	case <-time.After(d):
	}
}

// newTestPool creates a pool whose top-level errors land in the returned
// sink. The pool is shut down and released when the test ends.
func newTestPool(t *testing.T, opts ...Option) (*Pool, *errorSink) {
	t.Helper()
	sink := newErrorSink()
	p, err := New(append([]Option{WithTopLevelErrorHandler(sink.handle)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		p.Shutdown()
		p.Owner().Close()
		ctx, cancel := context.WithTimeout(context.Background(), testWait)
		defer cancel()
		if err := p.Wait(ctx); err != nil {
			t.Errorf("pool not released: %v", err)
		}
	})
	return p, sink
}

// serveOwner installs a collecting message handler on the owner and serves
// its mailbox until the test ends.
func serveOwner(t *testing.T, p *Pool) <-chan core.Message {
	t.Helper()
	ch := make(chan core.Message, 256)
	require.NoError(t, p.Owner().SetMessageHandler(func(m core.Message) error {
		ch <- m
		return nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ch
}

func recv(t *testing.T, ch <-chan core.Message) core.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(testWait):
		t.Fatal("timed out waiting for a message")
		return core.Message{}
	}
}

const echoScript = `onmessage = function(msg, src) { sendMessage(src, msg + '!'); };`
