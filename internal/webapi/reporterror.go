package webapi

import (
	"github.com/cryguy/workerpool/internal/core"
	"github.com/cryguy/workerpool/internal/eventloop"
)

// reportErrorJS defines reportError on top of the pool's uncaught-error
// path. It must run after SetupPool.
const reportErrorJS = `
globalThis.reportError = function(error) {
	var msg = '';
	if (error !== null && error !== undefined) {
		msg = error.message !== undefined ? String(error.message) : String(error);
	}
	__pool_reportUncaught(msg || 'Error');
};
`

// SetupReportError installs reportError(error), which raises error as an
// uncaught runtime error of the calling worker without unwinding the caller.
func SetupReportError(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	return rt.Eval(reportErrorJS)
}
