package jsbridge

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"
)

// mapTag marks a JS Map in a snapshot (IANA "Map datatype").
const mapTag = 259

var snapshotEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("jsbridge: failed to create CBOR enc mode: %v", err))
	}
	snapshotEncMode = em
}

// Snapshot copies v into canonical CBOR. The bytes do not refer to the
// runtime and may be handed to any goroutine, stored, or restored into
// another runtime with Restore. Functions, promises, errors, host objects,
// symbols and bigints cannot be copied. undefined is copied as null, and
// Map entries and object keys come back in canonical order.
func (h *Handle) Snapshot(v Value) ([]byte, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	d := decoder{
		c:       h.rt.codec,
		h:       h,
		strict:  true,
		wrapMap: func(m map[any]any) any { return cbor.Tag{Number: mapTag, Content: m} },
	}
	x, err := d.decodeAny(v, "")
	if err != nil {
		return nil, err
	}
	data, err := snapshotEncMode.Marshal(x)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return data, nil
}

// Restore rebuilds a value from Snapshot output.
func (h *Handle) Restore(data []byte) (Value, error) {
	if err := h.ready(); err != nil {
		return Undefined(), err
	}
	var x any
	if err := cbor.Unmarshal(data, &x); err != nil {
		return Undefined(), fmt.Errorf("decoding snapshot: %w", err)
	}
	return h.restore(x, 0)
}

func (h *Handle) restore(x any, depth int) (Value, error) {
	if depth > maxDepth {
		return Undefined(), fmt.Errorf("snapshot nests more than %d levels deep", maxDepth)
	}
	switch x := x.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case uint64:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case float64:
		return Number(x), nil
	case float32:
		return Number(float64(x)), nil
	case string:
		return String(x), nil
	case []byte:
		return h.NewArrayBuffer(x)
	case []any:
		items := make([]Value, len(x))
		for i, el := range x {
			v, err := h.restore(el, depth+1)
			if err != nil {
				return Undefined(), err
			}
			items[i] = v
		}
		return h.NewArray(items...)
	case map[any]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			s, ok := k.(string)
			if !ok {
				return Undefined(), fmt.Errorf("snapshot object key %v is not a string", k)
			}
			keys = append(keys, s)
		}
		slices.Sort(keys)
		vals := make([]Value, len(keys))
		for i, k := range keys {
			v, err := h.restore(x[k], depth+1)
			if err != nil {
				return Undefined(), err
			}
			vals[i] = v
		}
		return h.NewRecord(keys, vals)
	case cbor.Tag:
		m, ok := x.Content.(map[any]any)
		if x.Number != mapTag || !ok {
			return Undefined(), fmt.Errorf("unexpected CBOR tag %d in snapshot", x.Number)
		}
		keys := make([]any, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		slices.SortFunc(keys, compareAny)
		entries := make([]Entry, len(keys))
		for i, k := range keys {
			kv, err := h.restore(k, depth+1)
			if err != nil {
				return Undefined(), err
			}
			vv, err := h.restore(m[k], depth+1)
			if err != nil {
				return Undefined(), err
			}
			entries[i] = Entry{Key: kv, Value: vv}
		}
		return h.NewMap(entries...)
	}
	return Undefined(), fmt.Errorf("unsupported snapshot value %T", x)
}

// compareAny orders restored Map keys: numbers, then strings, then the rest.
func compareAny(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch ra {
	case 0:
		return cmp.Compare(toFloat(a), toFloat(b))
	case 1:
		return cmp.Compare(a.(string), b.(string))
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func rank(x any) int {
	switch x.(type) {
	case uint64, int64, float64, float32:
		return 0
	case string:
		return 1
	}
	return 2
}

func toFloat(x any) float64 {
	switch x := x.(type) {
	case uint64:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	case float64:
		return x
	}
	return 0
}
