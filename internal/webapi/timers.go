package webapi

import (
	"time"

	"github.com/cryguy/jsbridge/internal/core"
	"github.com/cryguy/jsbridge/internal/eventloop"
)

// timersJS is the JavaScript polyfill for setTimeout/setInterval/clearTimeout/clearInterval.
const timersJS = `
(function() {
	globalThis.__timerCallbacks = {};
	function schedule(fn, delay, rest, interval) {
		if (typeof fn !== 'function') return 0;
		var ms = Math.max(0, Math.floor(Number(delay) || 0));
		var id = __timerRegister(ms, interval);
		globalThis.__timerCallbacks[id] = { fn: fn, args: rest, interval: interval };
		return id;
	}
	globalThis.setTimeout = function(fn, delay) {
		return schedule(fn, delay, Array.prototype.slice.call(arguments, 2), false);
	};
	globalThis.setInterval = function(fn, interval) {
		return schedule(fn, interval, Array.prototype.slice.call(arguments, 2), true);
	};
	globalThis.clearTimeout = globalThis.clearInterval = function(id) {
		if (typeof id !== 'number') return;
		__timerClear(id);
		delete globalThis.__timerCallbacks[id];
	};
	if (typeof globalThis.queueMicrotask !== 'function') {
		globalThis.queueMicrotask = function(fn) { Promise.resolve().then(fn); };
	}
})();
`

// SetupTimers registers Go-backed setTimeout/setInterval/clearTimeout/clearInterval
// whose deadlines are tracked by the event loop.
func SetupTimers(rt core.JSRuntime, el *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__timerRegister", func(delayMs int, isInterval bool) int {
		return el.RegisterTimer(time.Duration(delayMs)*time.Millisecond, isInterval)
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__timerClear", func(id int) {
		el.ClearTimer(id)
	}); err != nil {
		return err
	}

	return rt.Eval(timersJS)
}
