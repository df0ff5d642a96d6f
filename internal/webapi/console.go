package webapi

import (
	"github.com/cryguy/jsbridge/internal/core"
	"github.com/cryguy/jsbridge/internal/eventloop"
	"go.uber.org/zap"
)

// consoleJS builds globalThis.console on top of the Go-backed __console.
const consoleJS = `
(function() {
	function show(arg) {
		if (typeof arg === 'string') return arg;
		if (arg instanceof Error) return arg.stack ? String(arg.stack) : String(arg);
		if (typeof arg === 'object' && arg !== null) {
			try { return JSON.stringify(arg); } catch (e) { return Object.prototype.toString.call(arg); }
		}
		try { return String(arg); } catch (e) { return typeof arg; }
	}
	var levels = ['log', 'info', 'warn', 'error', 'debug', 'trace'];
	var con = {};
	levels.forEach(function(lvl) {
		con[lvl] = function() {
			var parts = [];
			for (var j = 0; j < arguments.length; j++) parts.push(show(arguments[j]));
			__console(lvl, parts.join(' '));
		};
	});
	con.assert = function(cond) {
		if (cond) return;
		var rest = Array.prototype.slice.call(arguments, 1);
		con.error.apply(null, ['Assertion failed'].concat(rest));
	};
	globalThis.console = con;
})();
`

// SetupConsole replaces globalThis.console with a version that writes
// through log. Each console line becomes one log entry tagged source=js.
func SetupConsole(log *zap.Logger) SetupFunc {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("source", "js"))
	return func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
		if err := rt.RegisterFunc("__console", func(level, message string) {
			switch level {
			case "warn":
				log.Warn(message)
			case "error":
				log.Error(message)
			case "debug", "trace":
				log.Debug(message)
			default:
				log.Info(message)
			}
		}); err != nil {
			return err
		}
		return rt.Eval(consoleJS)
	}
}
