//go:build !v8

package quickjs

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"unsafe"

	"github.com/cryguy/jsbridge/internal/core"
	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

// Runtime implements core.Engine for the QuickJS engine.
type Runtime struct {
	vm  *quickjs.VM
	tls *libc.TLS // cached from VM internals for direct C API access
	ctx uintptr   // cached JSContext pointer for direct C API access

	// fallback fields: used only when direct C API extraction fails
	// (e.g. if modernc.org/quickjs changes its unexported struct layout).
	useFallback   bool
	pendingBinary []byte
	pendingResult []byte
}

// btChunkSize is the raw byte chunk size for the fallback hex transfer path.
const btChunkSize = 65536

var _ core.Engine = (*Runtime)(nil)

// New creates a QuickJS VM with the configured memory limit and prepares
// the binary transfer path. It satisfies core.EngineFactory.
func New(cfg core.EngineConfig) (core.Engine, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if cfg.MemoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(cfg.MemoryLimitMB) * 1024 * 1024)
	}
	r := &Runtime{vm: vm}
	if err := r.initBinaryTransfer(); err != nil {
		vm.Close()
		return nil, fmt.Errorf("binary transfer setup: %w", err)
	}
	return r, nil
}

// Close releases the VM.
func (r *Runtime) Close() {
	if r.vm != nil {
		r.vm.Close()
		r.vm = nil
	}
}

// Eval evaluates JavaScript and discards the result.
func (r *Runtime) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *Runtime) EvalString(js string) (string, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	if s, ok := result.(string); ok {
		return s, nil
	}
	return fmt.Sprint(result), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (r *Runtime) EvalBool(js string) (bool, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", result)
	}
	return b, nil
}

// EvalInt evaluates JavaScript and returns the result as a Go int.
func (r *Runtime) EvalInt(js string) (int, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return 0, err
	}
	switch v := result.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("expected int, got %T", result)
	}
}

// RegisterFunc registers a Go function as a global JavaScript function.
// Multi-value Go returns (T, error) are unwrapped by a JS wrapper: on
// success it returns T, on error it throws a TypeError. The QuickJS Go
// wrapper returns multi-value results as JS arrays.
func (r *Runtime) RegisterFunc(name string, fn any) error {
	rawName := "__raw_" + name
	if err := r.vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	multi := reflect.TypeOf(fn).NumOut() > 1
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		var multi = %t;
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (multi && Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError("calling %s: " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, multi, name, name, rawName)
	return r.Eval(wrapJS)
}

// SetGlobal sets a global property on the VM's global object.
func (r *Runtime) SetGlobal(name string, value any) error {
	atom, err := r.vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("creating atom %q: %w", name, err)
	}
	glob := r.vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}

// RunMicrotasks pumps the QuickJS microtask queue.
func (r *Runtime) RunMicrotasks() {
	executePendingJobs(r.vm)
}

// BinaryMode returns "ab": QuickJS reads plain ArrayBuffers.
func (r *Runtime) BinaryMode() string { return "ab" }

// initBinaryTransfer caches the VM's tls and JSContext pointers for direct
// C API access. If extraction fails it registers the slower hex fallback.
func (r *Runtime) initBinaryTransfer() error {
	if err := r.extractVMInternals(); err != nil {
		r.useFallback = true
		return r.initFallbackTransfer()
	}

	// Smoke-test: a trivial C API call verifies the pointers.
	glob := lib.XJS_GetGlobalObject(r.tls, r.ctx)
	lib.XFreeValue(r.tls, r.ctx, glob)
	return nil
}

// extractVMInternals uses reflect+unsafe to cache the VM's tls and ctx.
func (r *Runtime) extractVMInternals() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic extracting VM internals: %v", p)
		}
	}()

	vmPtr := uintptr(unsafe.Pointer(r.vm))

	// cContext is the first field of VM (offset 0).
	r.ctx = *(*uintptr)(unsafe.Pointer(vmPtr))
	if r.ctx == 0 {
		return fmt.Errorf("JSContext is nil")
	}

	_, tls, ok := extractRuntime(r.vm)
	if !ok || tls == nil {
		return fmt.Errorf("quickjs.VM runtime fields not found")
	}
	r.tls = tls
	return nil
}

// WriteBinaryToJS stores a copy of data as an ArrayBuffer at
// globalThis[globalName] with a single JS_NewArrayBufferCopy.
func (r *Runtime) WriteBinaryToJS(globalName string, data []byte) error {
	if len(data) == 0 {
		return r.Eval(fmt.Sprintf("globalThis[%q] = new ArrayBuffer(0);", globalName))
	}
	if r.useFallback {
		return r.writeBinaryFallback(globalName, data)
	}

	bufPtr := uintptr(unsafe.Pointer(&data[0]))
	jsVal := lib.XJS_NewArrayBufferCopy(r.tls, r.ctx, bufPtr, lib.Tsize_t(len(data)))

	cName, err := libc.CString(globalName)
	if err != nil {
		lib.XFreeValue(r.tls, r.ctx, jsVal)
		return fmt.Errorf("allocating property name: %w", err)
	}

	glob := lib.XJS_GetGlobalObject(r.tls, r.ctx)
	// JS_SetPropertyStr consumes the val reference.
	ret := lib.XJS_SetPropertyStr(r.tls, r.ctx, glob, cName, jsVal)
	lib.XFreeValue(r.tls, r.ctx, glob)
	libc.Xfree(r.tls, cName)

	if ret < 0 {
		return fmt.Errorf("setting global %q", globalName)
	}
	return nil
}

// ReadBinaryFromJS copies the ArrayBuffer at globalThis[globalName] into
// Go memory and deletes the global.
func (r *Runtime) ReadBinaryFromJS(globalName string) ([]byte, error) {
	if r.useFallback {
		return r.readBinaryFallback(globalName)
	}

	cName, err := libc.CString(globalName)
	if err != nil {
		return nil, fmt.Errorf("allocating property name: %w", err)
	}

	glob := lib.XJS_GetGlobalObject(r.tls, r.ctx)
	jsVal := lib.XJS_GetPropertyStr(r.tls, r.ctx, glob, cName)
	lib.XFreeValue(r.tls, r.ctx, glob)
	libc.Xfree(r.tls, cName)

	var size lib.Tsize_t
	dataPtr := lib.XJS_GetArrayBuffer(r.tls, r.ctx, uintptr(unsafe.Pointer(&size)), jsVal)

	var result []byte
	if dataPtr != 0 && size > 0 {
		result = make([]byte, size)
		copy(result, unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), size))
	}

	lib.XFreeValue(r.tls, r.ctx, jsVal)
	_ = r.Eval(fmt.Sprintf("delete globalThis[%q];", globalName))
	return result, nil
}

// --- Fallback: chunked hex transfer (used if C API extraction fails) ---

const hexDecodeJS = `function(s, view, off) {
	for (var i = 0; i < s.length; i += 2) view[off + i / 2] = parseInt(s.substr(i, 2), 16);
}`

func (r *Runtime) initFallbackTransfer() error {
	if err := r.RegisterFunc("__qjs_bt_chunk", func(offset int) string {
		if r.pendingBinary == nil || offset >= len(r.pendingBinary) {
			return ""
		}
		end := min(offset+btChunkSize, len(r.pendingBinary))
		return hex.EncodeToString(r.pendingBinary[offset:end])
	}); err != nil {
		return fmt.Errorf("registering __qjs_bt_chunk: %w", err)
	}

	if err := r.RegisterFunc("__qjs_bt_recv", func(chunk string) string {
		decoded, err := hex.DecodeString(chunk)
		if err != nil {
			return err.Error()
		}
		r.pendingResult = append(r.pendingResult, decoded...)
		return ""
	}); err != nil {
		return fmt.Errorf("registering __qjs_bt_recv: %w", err)
	}
	return nil
}

func (r *Runtime) writeBinaryFallback(globalName string, data []byte) error {
	r.pendingBinary = data
	defer func() { r.pendingBinary = nil }()

	return r.Eval(fmt.Sprintf(`(function() {
		var put = %s;
		var sz = %d;
		var buf = new ArrayBuffer(sz);
		var view = new Uint8Array(buf);
		for (var off = 0; off < sz; off += %d) put(__qjs_bt_chunk(off), view, off);
		globalThis[%q] = buf;
	})()`, hexDecodeJS, len(data), btChunkSize, globalName))
}

func (r *Runtime) readBinaryFallback(globalName string) ([]byte, error) {
	r.pendingResult = nil
	defer func() { r.pendingResult = nil }()

	if err := r.Eval(fmt.Sprintf(`(function() {
		var buf = globalThis[%q];
		delete globalThis[%q];
		var view = new Uint8Array(buf || new ArrayBuffer(0));
		for (var off = 0; off < view.length; off += %d) {
			var end = Math.min(off + %d, view.length);
			var parts = [];
			for (var i = off; i < end; i++) parts.push((view[i] < 16 ? '0' : '') + view[i].toString(16));
			var e = __qjs_bt_recv(parts.join(''));
			if (e) throw new Error(e);
		}
	})()`, globalName, globalName, btChunkSize, btChunkSize)); err != nil {
		return nil, fmt.Errorf("reading binary from JS: %w", err)
	}
	return r.pendingResult, nil
}
