package webapi

import (
	"github.com/cryguy/jsbridge/internal/core"
	"github.com/cryguy/jsbridge/internal/eventloop"
)

// SetupFunc configures a runtime with one JS-visible facility.
type SetupFunc func(rt core.JSRuntime, el *eventloop.EventLoop) error

// HostCallbacks are the Go entry points the handle shim calls back into.
// Each returns a JSON reply: {"r": ref} on success, {"x": message} to
// throw a new Error, {"e": ref} to rethrow a JS value. Keys replies carry
// {"k": [names]}.
type HostCallbacks struct {
	Get     func(id int, name string) string
	Set     func(id int, name, value string) string
	Keys    func(id int) string
	Call    func(id int, this, args string) string
	Release func(kind string, id int)
}

// handlesJS installs globalThis.__jsi: a slot table mapping integer ids to
// JS values, plus the operations Go performs on them. Every operation takes
// and returns JSON. Values travel JS->Go as descriptors
//
//	{t:'u'|'n'|'b'|'d'|'s'|'i'|'y'|'o', v, s, h, c, i}
//
// and Go->JS as refs {u:1} | {v:prim} | {s:'NaN'} | {i:'123'} | {h:id[,x:1]}
// where x takes the slot out of the table.
const handlesJS = `
(function() {
	'use strict';
	if (globalThis.__jsi) return;

	var slots = new Map();
	var next = 1;
	var hosts = new WeakMap();
	var states = new WeakMap();
	var finalizer = typeof FinalizationRegistry === 'function'
		? new FinalizationRegistry(function(t) { __jsi_release(t.k, t.id); })
		: null;

	function put(v) { var id = next++; slots.set(id, v); return id; }

	function classOf(v) {
		if (hosts.has(v)) return 'host';
		if (typeof v === 'function') return 'function';
		if (Array.isArray(v)) return 'array';
		if (v instanceof ArrayBuffer) return 'buffer';
		if (ArrayBuffer.isView(v)) return 'view';
		if (v instanceof Map) return 'map';
		if (v instanceof Promise) return 'promise';
		if (v instanceof Error) return 'error';
		return 'object';
	}

	function enc(v) {
		switch (typeof v) {
		case 'undefined': return {t: 'u'};
		case 'boolean': return {t: 'b', v: v};
		case 'number': return isFinite(v) ? {t: 'd', v: v} : {t: 'd', s: String(v)};
		case 'string': return {t: 's', v: v};
		case 'bigint': return {t: 'i', v: v.toString()};
		case 'symbol': return {t: 'y', h: put(v), v: v.description === undefined ? '' : v.description};
		}
		if (v === null) return {t: 'n'};
		var r = {t: 'o', h: put(v), c: classOf(v)};
		if (r.c === 'host') r.i = hosts.get(v);
		return r;
	}

	function dec(r) {
		if (r.u) return undefined;
		if (r.h !== undefined) {
			var v = slots.get(r.h);
			if (r.x) slots.delete(r.h);
			return v;
		}
		if (r.s !== undefined) return Number(r.s);
		if (r.i !== undefined) return BigInt(r.i);
		return r.v;
	}

	function message(e) {
		try {
			if (e instanceof Error) return String(e.message);
			return String(e);
		} catch (x) {
			return 'uncaught exception';
		}
	}

	function reply(s) {
		var r = JSON.parse(s);
		if (r.e !== undefined) throw dec(r.e);
		if (r.x !== undefined) throw new globalThis.Error(r.x);
		return r.r === undefined ? undefined : dec(r.r);
	}

	function names(id) {
		var r = JSON.parse(__jsi_host_keys(id));
		if (r.x !== undefined) throw new globalThis.Error(r.x);
		return r.k;
	}

	function hostObject(id) {
		var p = new Proxy(Object.create(null), {
			get: function(t, k) {
				if (typeof k !== 'string') return undefined;
				return reply(__jsi_host_get(id, k));
			},
			set: function(t, k, v) {
				if (typeof k !== 'string') return false;
				reply(__jsi_host_set(id, k, JSON.stringify(enc(v))));
				return true;
			},
			has: function(t, k) {
				return typeof k === 'string' && names(id).indexOf(k) >= 0;
			},
			ownKeys: function() {
				return names(id);
			},
			getOwnPropertyDescriptor: function(t, k) {
				if (typeof k !== 'string' || names(id).indexOf(k) < 0) return undefined;
				return {value: reply(__jsi_host_get(id, k)), writable: true, enumerable: true, configurable: true};
			},
			defineProperty: function() { return false; },
			deleteProperty: function() { return false; }
		});
		hosts.set(p, id);
		if (finalizer) finalizer.register(p, {k: 'h', id: id});
		return p;
	}

	function hostFunction(id, name) {
		var f = function() {
			var args = [];
			for (var i = 0; i < arguments.length; i++) args.push(enc(arguments[i]));
			return reply(__jsi_fn_call(id, JSON.stringify(enc(this)), JSON.stringify(args)));
		};
		try { Object.defineProperty(f, 'name', {value: name}); } catch (e) {}
		if (finalizer) finalizer.register(f, {k: 'f', id: id});
		return f;
	}

	var ops = {
		global: function() { return enc(globalThis); },
		run: function(src) { return enc((0, eval)(src)); },
		get: function(o, k) { return enc(dec(o)[k]); },
		set: function(o, k, v) { dec(o)[k] = dec(v); },
		has: function(o, k) { return k in dec(o); },
		keys: function(o) { return Object.keys(dec(o)); },
		call: function(f, t, a) { return enc(Reflect.apply(dec(f), dec(t), a.map(dec))); },
		construct: function(f, a) { return enc(Reflect.construct(dec(f), a.map(dec))); },
		record: function(ks, vs) {
			var o = {};
			for (var i = 0; i < ks.length; i++) o[ks[i]] = dec(vs[i]);
			return enc(o);
		},
		array: function(vs) { return enc(vs.map(dec)); },
		map: function(es) {
			var m = new Map();
			for (var i = 0; i < es.length; i++) m.set(dec(es[i][0]), dec(es[i][1]));
			return enc(m);
		},
		error: function(m) { return enc(new globalThis.Error(m)); },
		iter: function(o) {
			var v = dec(o);
			var f = v === null || v === undefined ? undefined : v[Symbol.iterator];
			if (typeof f !== 'function') throw new TypeError('value is not iterable');
			return enc(f.call(v));
		},
		next: function(it) {
			var s = dec(it).next();
			return s.done ? {d: true} : {d: false, v: enc(s.value)};
		},
		entries: function(o) {
			var v = dec(o), out = [];
			if (v instanceof Map) {
				v.forEach(function(val, key) { out.push([enc(key), enc(val)]); });
			} else {
				Object.keys(v).forEach(function(key) { out.push([enc(key), enc(v[key])]); });
			}
			return out;
		},
		eq: function(a, b) { return dec(a) === dec(b); },
		str: function(v) {
			var x = dec(v);
			try { return String(x); } catch (e) { return Object.prototype.toString.call(x); }
		},
		instanceOf: function(v, c) { return dec(v) instanceof dec(c); },
		release: function(ids) { for (var i = 0; i < ids.length; i++) slots.delete(ids[i]); },
		clone: function(v) { return enc(dec(v)); },
		stash: function(v, name, mode) {
			var b = dec(v);
			if (ArrayBuffer.isView(b)) {
				b = b.buffer.slice(b.byteOffset, b.byteOffset + b.byteLength);
			} else if (!(b instanceof ArrayBuffer)) {
				throw new TypeError('value is not a byte buffer');
			}
			if (mode === 'sab') {
				var s = new SharedArrayBuffer(b.byteLength);
				new Uint8Array(s).set(new Uint8Array(b));
				b = s;
			}
			globalThis[name] = b;
			return b.byteLength;
		},
		adopt: function(name) {
			var b = globalThis[name];
			delete globalThis[name];
			return enc(b);
		},
		deferred: function() {
			var d = {};
			d.p = new Promise(function(res, rej) { d.res = res; d.rej = rej; });
			return {p: enc(d.p), res: enc(d.res), rej: enc(d.rej)};
		},
		track: function(v) {
			var p = Promise.resolve(dec(v));
			if (!states.has(p)) {
				states.set(p, null);
				p.then(function(x) { states.set(p, {s: 'f', v: x}); },
					function(e) { states.set(p, {s: 'r', v: e}); });
			}
			return enc(p);
		},
		state: function(p) {
			var s = states.get(dec(p));
			if (!s) return {s: 'p'};
			return {s: s.s, v: enc(s.v)};
		},
		hostObject: function(id) { return enc(hostObject(id)); },
		hostFunction: function(id, name) { return enc(hostFunction(id, name)); }
	};

	var api = {};
	Object.keys(ops).forEach(function(k) {
		var fn = ops[k];
		api[k] = function() {
			try {
				return JSON.stringify({r: fn.apply(null, arguments)});
			} catch (e) {
				return JSON.stringify({e: enc(e), m: message(e)});
			}
		};
	});
	Object.defineProperty(globalThis, '__jsi', {value: Object.freeze(api)});
})();
`

// SetupHandles registers the host callbacks and installs the __jsi shim.
func SetupHandles(cb HostCallbacks) SetupFunc {
	return func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
		if err := rt.RegisterFunc("__jsi_host_get", cb.Get); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__jsi_host_set", cb.Set); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__jsi_host_keys", cb.Keys); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__jsi_fn_call", cb.Call); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__jsi_release", cb.Release); err != nil {
			return err
		}
		return rt.Eval(handlesJS)
	}
}
