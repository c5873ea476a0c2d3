package webapi

import (
	"github.com/cryguy/workerpool/internal/core"
	"github.com/cryguy/workerpool/internal/eventloop"
	"go.uber.org/zap"
)

// consoleJS builds a console object whose methods forward to __console.
const consoleJS = `
(function() {
	var levels = ['log', 'info', 'warn', 'error', 'debug'];
	var con = {};
	for (var i = 0; i < levels.length; i++) {
		(function(lvl) {
			con[lvl] = function() {
				var parts = [];
				for (var j = 0; j < arguments.length; j++) {
					var arg = arguments[j];
					if (typeof arg === 'object' && arg !== null) {
						try { parts.push(JSON.stringify(arg)); } catch (e) { parts.push('[object Object]'); }
					} else {
						parts.push(String(arg));
					}
				}
				__console(lvl, parts.join(' '));
			};
		})(levels[i]);
	}
	globalThis.console = con;
})();
`

// SetupConsole returns a setup function that routes console output to log.
func SetupConsole(log *zap.Logger) SetupFunc {
	return func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
		if err := rt.RegisterFunc("__console", func(level, message string) {
			switch level {
			case "error":
				log.Error(message, zap.String("source", "console"))
			case "warn":
				log.Warn(message, zap.String("source", "console"))
			case "debug":
				log.Debug(message, zap.String("source", "console"))
			default:
				log.Info(message, zap.String("source", "console"))
			}
		}); err != nil {
			return err
		}
		return rt.Eval(consoleJS)
	}
}
