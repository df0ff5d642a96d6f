package jsbridge

import (
	"github.com/cryguy/jsbridge/internal/webapi"
)

// EvalModule evaluates an ES module (TypeScript for .ts/.tsx names) and
// returns its exports object. Imports and top-level await are not
// supported; the module must be self-contained.
func (h *Handle) EvalModule(name, source string) (Value, error) {
	if err := h.ready(); err != nil {
		return Undefined(), err
	}
	script, err := webapi.TransformModule(name, source)
	if err != nil {
		return Undefined(), err
	}
	if _, err := h.Eval(script); err != nil {
		return Undefined(), err
	}
	g, err := h.Global()
	if err != nil {
		return Undefined(), err
	}
	exports, err := h.Get(g, webapi.ModuleGlobal)
	if err != nil {
		return Undefined(), err
	}
	if _, err := h.Eval("delete globalThis." + webapi.ModuleGlobal); err != nil {
		return Undefined(), err
	}
	return exports, nil
}
