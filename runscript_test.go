package workerpool

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cryguy/workerpool/internal/core"
)

func runOwnerScript(t *testing.T, p *Pool, src string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	return p.RunScript(ctx, src)
}

func consoleMessages(logs *observer.ObservedLogs) []string {
	var out []string
	for _, e := range logs.FilterField(zap.String("source", "console")).All() {
		out = append(out, e.Message)
	}
	return out
}

func TestRunScript_PingPong(t *testing.T) {
	obs, logs := observer.New(zap.InfoLevel)
	p, sink := newTestPool(t, WithLogger(zap.New(obs)))

	err := runOwnerScript(t, p, `
		var a = createWorker("onmessage = function(msg, src){ sendMessage(src, msg + '!') }");
		onmessage = function(msg, src) {
			console.log(msg, src === a);
			shutdownPool();
		};
		sendMessage(a, "ping");
	`)
	require.NoError(t, err)
	assert.Equal(t, []string{"ping! true"}, consoleMessages(logs))
	assert.True(t, p.Stats().ShuttingDown)
	sink.none(t, 20*time.Millisecond)
}

func TestRunScript_OnErrorHandles(t *testing.T) {
	obs, logs := observer.New(zap.InfoLevel)
	p, sink := newTestPool(t, WithLogger(zap.New(obs)))

	err := runOwnerScript(t, p, `
		var a = createWorker("onmessage = function() { throw new Error('kaboom'); }");
		onerror = function(e) {
			console.log(e.message, e.sender === a);
			shutdownPool();
			return true;
		};
		sendMessage(a, 'go');
	`)
	require.NoError(t, err)
	assert.Equal(t, []string{"Error: kaboom true"}, consoleMessages(logs))
	sink.none(t, 20*time.Millisecond)
}

func TestRunScript_FunctionDeclarationHandlers(t *testing.T) {
	obs, logs := observer.New(zap.InfoLevel)
	p, sink := newTestPool(t, WithLogger(zap.New(obs)))

	err := runOwnerScript(t, p, `
		var a = createWorker("function onmessage(m, s) { throw new Error('from ' + workerId); }");
		function onerror(e) {
			console.log(e.message);
			shutdownPool();
			return true;
		}
		sendMessage(a, 'go');
	`)
	require.NoError(t, err)
	assert.Equal(t, []string{"Error: from 1"}, consoleMessages(logs))
	sink.none(t, 20*time.Millisecond)
}

func TestRunScript_UnhandledErrorReachesTopLevel(t *testing.T) {
	p, sink := newTestPool(t)

	done := make(chan error, 1)
	go func() {
		done <- runOwnerScript(t, p, `
			var a = createWorker("setTimeout(function() { throw new Error('kaboom'); }, 0);");
			onerror = function(e) { return false; };
		`)
	}()

	uerr := sink.next(t)
	assert.Contains(t, uerr.Error(), fmt.Sprintf("worker %d", 1))
	assert.Contains(t, uerr.Error(), "kaboom")

	p.Shutdown()
	require.NoError(t, <-done)
}

func TestRunScript_OwnerErrorSkipsOnError(t *testing.T) {
	p, sink := newTestPool(t)

	done := make(chan error, 1)
	go func() {
		done <- runOwnerScript(t, p, `
			onerror = function() { return true; };
			setTimeout(function() { throw new Error('owner broke'); }, 0);
		`)
	}()

	uerr := sink.next(t)
	var uncaught *UncaughtError
	require.ErrorAs(t, uerr, &uncaught)
	assert.Equal(t, core.OwnerID, uncaught.Source)
	assert.Contains(t, uncaught.Message, "owner broke")

	p.Shutdown()
	require.NoError(t, <-done)
}

func TestRunScript_InitFailure(t *testing.T) {
	p, _ := newTestPool(t)

	err := runOwnerScript(t, p, `this is not javascript`)
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, core.OwnerID, initErr.ID)

	// The owner is still usable from Go afterwards.
	inbox := serveOwner(t, p)
	id, err := p.Owner().CreateWorker(echoScript)
	require.NoError(t, err)
	require.NoError(t, p.Owner().SendText(id, "ok"))
	assert.Equal(t, "ok!", recv(t, inbox).Payload.Body)
}

func TestRunScript_ContextCancel(t *testing.T) {
	p, _ := newTestPool(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.RunScript(ctx, `onmessage = function() {};`)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	h, _, ok := p.reg.Handlers(core.OwnerID)
	require.True(t, ok)
	assert.Nil(t, h)
}

func TestRunScript_AfterShutdown(t *testing.T) {
	p, _ := newTestPool(t)
	p.Shutdown()
	assert.ErrorIs(t, runOwnerScript(t, p, `1`), ErrShutdown)
}
