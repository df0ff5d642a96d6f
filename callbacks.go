package jsbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// hostReply is what a JS->Go callback hands back to the shim.
type hostReply struct {
	R *wireRef `json:"r,omitempty"`
	E *wireRef `json:"e,omitempty"`
	X string   `json:"x,omitempty"`
}

type keysReply struct {
	K []string `json:"k"`
	X string   `json:"x,omitempty"`
}

// hostCall runs fn in a fresh scope with the in-flight counter raised and
// encodes its outcome. A returned value created in this scope is moved to
// JS instead of being released.
func (rt *Runtime) hostCall(what string, fn func(h *Handle) (Value, error)) string {
	h := rt.h
	h.openScope()
	h.depth++

	var res Value
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				rt.log.Error("host callback panicked", zap.String("call", what), zap.Any("panic", p), zap.Stack("stack"))
				err = fmt.Errorf("%s: host panic: %v", what, p)
			}
		}()
		res, err = fn(h)
	}()
	h.depth--

	var reply hostReply
	keep := 0
	if err != nil {
		var jsErr *JSError
		if errors.As(err, &jsErr) && jsErr.Value.id != 0 {
			if ref, rerr := h.ref(jsErr.Value); rerr == nil {
				if h.takeable(jsErr.Value.id) {
					ref.X = 1
					keep = jsErr.Value.id
				}
				reply.E = &ref
			}
		}
		if reply.E == nil {
			reply.X = err.Error()
			if reply.X == "" {
				reply.X = what + " failed"
			}
		}
	} else if ref, rerr := h.ref(res); rerr != nil {
		reply.X = fmt.Sprintf("%s: %v", what, rerr)
	} else {
		if h.takeable(res.id) {
			ref.X = 1
			keep = res.id
		}
		reply.R = &ref
	}

	h.closeScope(keep)
	if keep != 0 {
		delete(h.live, keep)
	}
	data, merr := json.Marshal(reply)
	if merr != nil {
		data, _ = json.Marshal(hostReply{X: merr.Error()})
	}
	return string(data)
}

func (rt *Runtime) hostGet(id int, name string) string {
	return rt.hostCall("get "+name, func(h *Handle) (Value, error) {
		e, ok := rt.hosts[id]
		if !ok {
			return Undefined(), fmt.Errorf("host object %d has been released", id)
		}
		return e.obj.Get(h, name)
	})
}

func (rt *Runtime) hostSet(id int, name, value string) string {
	return rt.hostCall("set "+name, func(h *Handle) (Value, error) {
		e, ok := rt.hosts[id]
		if !ok {
			return Undefined(), fmt.Errorf("host object %d has been released", id)
		}
		v, err := h.adoptJSON(value)
		if err != nil {
			return Undefined(), err
		}
		return Undefined(), e.obj.Set(h, name, v)
	})
}

func (rt *Runtime) hostKeys(id int) (out string) {
	reply := keysReply{K: []string{}}
	defer func() {
		if p := recover(); p != nil {
			rt.log.Error("host properties panicked", zap.Any("panic", p))
			reply = keysReply{K: []string{}, X: fmt.Sprintf("host panic: %v", p)}
		}
		data, _ := json.Marshal(reply)
		out = string(data)
	}()
	if e, ok := rt.hosts[id]; ok {
		reply.K = uniqueNames(e.obj.Properties())
	} else {
		reply.X = fmt.Sprintf("host object %d has been released", id)
	}
	return ""
}

func (rt *Runtime) funcCall(id int, this, args string) string {
	return rt.hostCall("call", func(h *Handle) (Value, error) {
		fn, ok := rt.funcs[id]
		if !ok {
			return Undefined(), fmt.Errorf("host function %d has been released", id)
		}
		thisV, err := h.adoptJSON(this)
		if err != nil {
			return Undefined(), err
		}
		var raw []wireValue
		if err := json.Unmarshal([]byte(args), &raw); err != nil {
			return Undefined(), fmt.Errorf("decoding arguments: %w", err)
		}
		vals := make([]Value, len(raw))
		for i, w := range raw {
			if vals[i], err = h.adopt(w); err != nil {
				return Undefined(), err
			}
		}
		return fn(h, thisV, vals)
	})
}

// release is called by the JS finalizer once a wrapper is collected.
func (rt *Runtime) release(kind string, id int) {
	switch kind {
	case "h":
		rt.releaseHost(id)
	case "f":
		rt.releaseFunc(id)
	}
}

func (h *Handle) adoptJSON(s string) (Value, error) {
	var w wireValue
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return Undefined(), fmt.Errorf("decoding value: %w", err)
	}
	return h.adopt(w)
}

func uniqueNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != "" && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}
