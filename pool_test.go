package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/cryguy/workerpool/internal/core"
)

func TestNew_OwnerRegistered(t *testing.T) {
	p, _ := newTestPool(t)

	assert.Equal(t, core.OwnerID, p.Owner().ID())
	assert.True(t, p.reg.Ready(core.OwnerID))
	assert.Equal(t, []core.WorkerID{core.OwnerID}, p.reg.IDs())
	assert.Equal(t, 0, p.Stats().Live)
}

func TestCreateWorker_ConcurrentIDsUnique(t *testing.T) {
	p, _ := newTestPool(t)

	const creators, perCreator = 8, 4
	var (
		mu  sync.Mutex
		ids []core.WorkerID
	)
	var g errgroup.Group
	for i := 0; i < creators; i++ {
		g.Go(func() error {
			for j := 0; j < perCreator; j++ {
				id, err := p.Owner().CreateWorker("")
				if err != nil {
					return err
				}
				mu.Lock()
				ids = append(ids, id)
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[core.WorkerID]bool)
	var highest core.WorkerID
	for _, id := range ids {
		assert.False(t, seen[id], "id %d returned twice", id)
		assert.NotEqual(t, core.OwnerID, id)
		seen[id] = true
		if id > highest {
			highest = id
		}
	}
	assert.Len(t, seen, creators*perCreator)

	next, err := p.Owner().CreateWorker("")
	require.NoError(t, err)
	assert.Greater(t, next, highest)
	assert.Equal(t, uint64(creators*perCreator+1), p.Stats().Created)
}

func TestSendMessage_FIFOPerSource(t *testing.T) {
	p, _ := newTestPool(t)
	inbox := serveOwner(t, p)

	id, err := p.Owner().CreateWorker(`onmessage = function(msg, src) { sendMessage(src, msg); };`)
	require.NoError(t, err)

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, p.Owner().SendText(id, fmt.Sprint(i)))
	}
	for i := 0; i < n; i++ {
		m := recv(t, inbox)
		assert.Equal(t, id, m.Source)
		assert.Equal(t, fmt.Sprint(i), m.Payload.Body)
	}
}

func TestSendMessage_FIFOAcrossSources(t *testing.T) {
	p, _ := newTestPool(t)
	inbox := serveOwner(t, p)

	script := `for (var i = 0; i < 50; i++) sendMessage(0, String(i));`
	a, err := p.Owner().CreateWorker(script)
	require.NoError(t, err)
	b, err := p.Owner().CreateWorker(script)
	require.NoError(t, err)

	next := map[core.WorkerID]int{a: 0, b: 0}
	for i := 0; i < 100; i++ {
		m := recv(t, inbox)
		want, ok := next[m.Source]
		require.True(t, ok, "message from unexpected source %d", m.Source)
		assert.Equal(t, fmt.Sprint(want), m.Payload.Body)
		next[m.Source] = want + 1
	}
}

func TestSendMessage_UnknownDestination(t *testing.T) {
	p, _ := newTestPool(t)

	err := p.Owner().SendText(42, "hello")
	assert.ErrorIs(t, err, ErrUnknownDestination)
	assert.Equal(t, uint64(1), p.Stats().DeliveryFailures)
}

func TestSendMessage_ExitedWorker(t *testing.T) {
	cfg := core.DefaultEngineConfig()
	cfg.ExecutionTimeout = 100 * time.Millisecond
	p, sink := newTestPool(t, WithEngineConfig(cfg))
	serveOwner(t, p)

	id, err := p.Owner().CreateWorker(`onmessage = function() { while (true) {} };`)
	require.NoError(t, err)
	require.NoError(t, p.Owner().SendText(id, "spin"))

	uerr := sink.next(t)
	var uncaught *UncaughtError
	require.ErrorAs(t, uerr, &uncaught)
	assert.Equal(t, id, uncaught.Source)
	assert.Contains(t, uncaught.Message, "execution timed out")

	require.Eventually(t, func() bool {
		_, ok := p.reg.Get(id)
		return !ok
	}, testWait, 10*time.Millisecond)

	assert.ErrorIs(t, p.Owner().SendText(id, "again"), ErrUnknownDestination)
}

func TestSendMessage_JSONPayload(t *testing.T) {
	p, _ := newTestPool(t)
	inbox := serveOwner(t, p)

	id, err := p.Owner().CreateWorker(`onmessage = function(d, s) { sendMessage(s, { n: d.n * 2 }); };`)
	require.NoError(t, err)
	require.NoError(t, p.Owner().SendMessage(id, core.Payload{Kind: core.PayloadJSON, Body: `{"n":21}`}))

	m := recv(t, inbox)
	assert.Equal(t, core.PayloadJSON, m.Payload.Kind)
	assert.JSONEq(t, `{"n":42}`, m.Payload.Body)
}

func TestSendMessage_OriginPassedThrough(t *testing.T) {
	p, _ := newTestPool(t, WithOrigin("https://example.test"))
	inbox := serveOwner(t, p)

	id, err := p.Owner().CreateWorker(
		`onmessage = function(d, s, m) { sendMessage(s, origin + '|' + m.origin + '|' + workerId); };`)
	require.NoError(t, err)
	require.NoError(t, p.Owner().SendText(id, "who"))

	m := recv(t, inbox)
	assert.Equal(t, fmt.Sprintf("https://example.test|https://example.test|%d", id), m.Payload.Body)
	assert.Equal(t, "https://example.test", m.Origin)
	assert.Equal(t, "https://example.test", p.Owner().Origin())
}

func TestSendMessage_NoHandlerDropped(t *testing.T) {
	p, sink := newTestPool(t)

	id, err := p.Owner().CreateWorker(`var x = 1;`)
	require.NoError(t, err)
	require.NoError(t, p.Owner().SendText(id, "ignored"))

	require.Eventually(t, func() bool { return p.Stats().Dropped == 1 }, testWait, 10*time.Millisecond)
	sink.none(t, 50*time.Millisecond)
}

func TestHandlersSequential(t *testing.T) {
	p, _ := newTestPool(t)

	var inFlight, maxInFlight, count int32
	var mu sync.Mutex
	require.NoError(t, p.Owner().SetMessageHandler(func(core.Message) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		inFlight--
		count++
		mu.Unlock()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var g errgroup.Group
	g.Go(func() error { return ignoreCanceled(p.Serve(ctx)) })

	for i := 0; i < 4; i++ {
		_, err := p.Owner().CreateWorker(`for (var i = 0; i < 20; i++) sendMessage(0, 'x');`)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count > 0
	}, testWait, time.Millisecond)
	// A second server on the same owner is refused rather than run in parallel.
	assert.Equal(t, 0, p.DispatchPending())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 80
	}, testWait, 10*time.Millisecond)
	cancel()
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), maxInFlight)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func TestDispatchPending(t *testing.T) {
	p, _ := newTestPool(t)

	var got []string
	require.NoError(t, p.Owner().SetMessageHandler(func(m core.Message) error {
		got = append(got, m.Payload.Body)
		return nil
	}))
	_, err := p.Owner().CreateWorker(`sendMessage(0, 'a'); sendMessage(0, 'b');`)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p.DispatchPending()
		return len(got) == 2
	}, testWait, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestShutdown_Idempotent(t *testing.T) {
	p, _ := newTestPool(t)

	for i := 0; i < 3; i++ {
		_, err := p.Owner().CreateWorker(echoScript)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, p.Stats().Live)

	p.Shutdown()
	p.Shutdown()

	stats := p.Stats()
	assert.True(t, stats.ShuttingDown)
	assert.ErrorIs(t, p.Owner().SendText(1, "late"), ErrShutdown)
	_, err := p.Owner().CreateWorker(echoScript)
	assert.ErrorIs(t, err, ErrShutdown)

	require.Eventually(t, func() bool { return p.Stats().Live == 0 }, testWait, 10*time.Millisecond)
	assert.Equal(t, []core.WorkerID{core.OwnerID}, p.reg.IDs())

	// Serve returns immediately once shutdown has been observed.
	assert.NoError(t, p.Serve(context.Background()))
}

func TestShutdown_DropsQueuedMessages(t *testing.T) {
	p, _ := newTestPool(t)

	require.NoError(t, p.Owner().SetMessageHandler(func(core.Message) error { return nil }))
	_, err := p.Owner().CreateWorker(`sendMessage(0, 'one'); sendMessage(0, 'two');`)
	require.NoError(t, err)

	p.Shutdown()
	assert.Equal(t, 2, p.DispatchPending())
	assert.Equal(t, uint64(2), p.Stats().Dropped)
}

func TestShutdown_BusyHandlerRunsToCompletion(t *testing.T) {
	p, sink := newTestPool(t)
	inbox := serveOwner(t, p)

	id, err := p.Owner().CreateWorker(`
		onmessage = function(msg, src) {
			sendMessage(src, 'started');
			var end = Date.now() + 300;
			while (Date.now() < end) {}
			sendMessage(src, 'late');
		};
	`)
	require.NoError(t, err)
	require.NoError(t, p.Owner().SendText(id, "go"))
	assert.Equal(t, "started", recv(t, inbox).Payload.Body)

	p.Shutdown()

	err = sink.next(t)
	var uncaught *UncaughtError
	require.True(t, errors.As(err, &uncaught), "got %v", err)
	assert.Equal(t, id, uncaught.Source)
	assert.Contains(t, uncaught.Message, "shutting down")

	require.Eventually(t, func() bool { return p.Stats().Live == 0 }, testWait, 10*time.Millisecond)
	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Delivered)
	assert.Equal(t, uint64(1), stats.DeliveryFailures)
	select {
	case m := <-inbox:
		t.Fatalf("message delivered after shutdown: %q", m.Payload.Body)
	default:
	}
}

func TestCreateWorker_RacingShutdown(t *testing.T) {
	p, _ := newTestPool(t)

	var g errgroup.Group
	ids := make(chan core.WorkerID, 16)
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			id, err := p.Owner().CreateWorker(echoScript)
			if err != nil {
				if errors.Is(err, ErrShutdown) {
					return nil
				}
				return err
			}
			ids <- id
			return nil
		})
	}
	p.Shutdown()
	require.NoError(t, g.Wait())
	close(ids)

	// Whatever won the race is gone once its loop sees shutdown, and
	// nothing is left registered behind the closed mailboxes.
	require.Eventually(t, func() bool { return p.Stats().Live == 0 }, testWait, 10*time.Millisecond)
	assert.Equal(t, []core.WorkerID{core.OwnerID}, p.reg.IDs())
	for id := range ids {
		assert.ErrorIs(t, p.Owner().SendText(id, "x"), ErrShutdown)
	}
	_, err := p.Owner().CreateWorker(echoScript)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestRefcount_DoneAfterLastRelease(t *testing.T) {
	p, err := New()
	require.NoError(t, err)

	extra, err := p.Acquire()
	require.NoError(t, err)

	require.NoError(t, p.Owner().Close())
	require.NoError(t, p.Owner().Close())
	select {
	case <-p.Done():
		t.Fatal("pool released while a handle is still open")
	default:
	}
	assert.ErrorIs(t, p.Owner().SendText(0, "x"), ErrPoolReleased)

	require.NoError(t, extra.Close())
	select {
	case <-p.Done():
	case <-time.After(testWait):
		t.Fatal("pool not released")
	}

	_, err = p.Acquire()
	assert.ErrorIs(t, err, ErrPoolReleased)
	assert.True(t, p.Stats().ShuttingDown)
}

func TestRefcount_ThreadsHoldPool(t *testing.T) {
	p, err := New()
	require.NoError(t, err)

	_, err = p.Owner().CreateWorker(echoScript)
	require.NoError(t, err)
	require.NoError(t, p.Owner().Close())

	select {
	case <-p.Done():
		t.Fatal("pool released while a worker thread is running")
	case <-time.After(50 * time.Millisecond):
	}

	p.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
	assert.Equal(t, 0, p.reg.Len())
}

func TestSetErrorHandler_OnlyOwner(t *testing.T) {
	p, _ := newTestPool(t)
	h := &Handle{pool: p, id: 3}
	assert.ErrorIs(t, h.SetErrorHandler(func(core.ErrorReport) (bool, error) { return true, nil }), ErrNotOwner)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, _ := newTestPool(t, WithMetricsRegisterer(reg))
	inbox := serveOwner(t, p)

	id, err := p.Owner().CreateWorker(echoScript)
	require.NoError(t, err)
	_, err = p.Owner().CreateWorker("syntax error (")
	require.Error(t, err)
	require.NoError(t, p.Owner().SendText(id, "ping"))
	recv(t, inbox)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.created))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.failed))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.liveWorkers))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.metrics.delivered))

	_, err = New(WithMetricsRegisterer(reg))
	assert.Error(t, err)
}

func TestNoMetricsWithoutRegisterer(t *testing.T) {
	p, _ := newTestPool(t)
	assert.Nil(t, p.metrics)
}
