package workerpool

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cryguy/workerpool/internal/core"
	"github.com/cryguy/workerpool/internal/mailbox"
)

// raise reports an uncaught runtime error on w. A created worker's error
// takes one hop to the owner's thread; the owner's own errors go straight
// to the hosting environment.
func (w *worker) raise(message string) {
	p := w.pool
	w.log.Debug("uncaught runtime error", zap.String("error", message))
	if w.id == core.OwnerID {
		p.topLevel(&UncaughtError{Source: w.id, Message: message})
		return
	}

	rep := core.ErrorReport{Source: w.id, Message: message}
	rec, ok := p.reg.Get(core.OwnerID)
	if !ok {
		p.topLevel(&UncaughtError{Source: rep.Source, Message: rep.Message})
		return
	}
	if err := rec.Mailbox.Enqueue(mailbox.ErrorEntry(rep)); err != nil {
		// Owner mailbox closed by shutdown.
		p.topLevel(&UncaughtError{Source: rep.Source, Message: rep.Message})
		return
	}
	p.stats.bubbled.add(1)
}

// handleReport runs on the owner's thread for each error report taken from
// its mailbox.
func (p *Pool) handleReport(rep core.ErrorReport) {
	uncaught := &UncaughtError{Source: rep.Source, Message: rep.Message}

	_, h, ok := p.reg.Handlers(core.OwnerID)
	if !ok || h == nil {
		p.topLevel(uncaught)
		return
	}
	handled, err := callErrorHandler(h, rep)
	if err != nil {
		p.topLevel(uncaught)
		p.topLevel(&UncaughtError{
			Source:  core.OwnerID,
			Message: fmt.Sprintf("error handler failed: %v", err),
		})
		return
	}
	if !handled {
		p.topLevel(uncaught)
		return
	}
	p.reportHandled(rep)
}

// reportHandled tells the hosting environment about an error the owner's
// handler dealt with.
func (p *Pool) reportHandled(rep core.ErrorReport) {
	if p.onHandled == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("handled-error observer panicked",
				zap.Any("panic", r), zap.Int("worker_id", int(rep.Source)))
		}
	}()
	p.onHandled(rep)
}

func callErrorHandler(h core.ErrorHandler, rep core.ErrorReport) (handled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in error handler: %v", r)
		}
	}()
	return h(rep)
}

// topLevel hands err to the hosting environment.
func (p *Pool) topLevel(err error) {
	p.stats.topLevel.add(1)
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("top-level error handler panicked",
					zap.Any("panic", r), zap.Error(err))
			}
		}()
		p.onTopLevel(err)
	}()
}
