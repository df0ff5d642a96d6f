package jsbridge

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind is the JavaScript type of a Value.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindSymbol
	KindBigInt
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindSymbol:
		return "symbol"
	case KindBigInt:
		return "bigint"
	case KindObject:
		return "object"
	}
	return "unknown"
}

// ObjectClass refines KindObject values.
type ObjectClass string

const (
	ClassObject   ObjectClass = "object"
	ClassArray    ObjectClass = "array"
	ClassFunction ObjectClass = "function"
	ClassBuffer   ObjectClass = "buffer" // ArrayBuffer
	ClassView     ObjectClass = "view"   // typed array or DataView
	ClassMap      ObjectClass = "map"
	ClassPromise  ObjectClass = "promise"
	ClassError    ObjectClass = "error"
	ClassHost     ObjectClass = "host"
)

// Value is a JavaScript value. Primitives are held by value; symbols and
// objects are handles into the runtime's slot table and are only valid on
// the owner goroutine, inside the scope that produced them, unless
// persisted with Handle.Persist. The zero Value is undefined.
type Value struct {
	kind  Kind
	class ObjectClass
	b     bool
	n     float64
	s     string
	id    int // slot id for symbols and objects
	host  int // host object id when class is ClassHost
}

// Undefined returns the undefined value.
func Undefined() Value { return Value{} }

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a number value.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// BigInt returns a bigint value from its decimal representation.
func BigInt(decimal string) Value { return Value{kind: KindBigInt, s: decimal} }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) Class() ObjectClass { return v.class }

func (v Value) IsUndefined() bool { return v.kind == KindUndefined }
func (v Value) IsNull() bool      { return v.kind == KindNull }
func (v Value) IsNullish() bool   { return v.kind == KindUndefined || v.kind == KindNull }
func (v Value) IsObject() bool    { return v.kind == KindObject }
func (v Value) IsFunction() bool  { return v.kind == KindObject && v.class == ClassFunction }
func (v Value) IsArray() bool     { return v.kind == KindObject && v.class == ClassArray }
func (v Value) IsHost() bool      { return v.kind == KindObject && v.class == ClassHost }

// AsBool returns the boolean and whether v is a boolean.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the number and whether v is a number.
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsString returns the string and whether v is a string.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// Description returns a symbol's description or a bigint's decimal digits.
func (v Value) Description() string {
	if v.kind == KindSymbol || v.kind == KindBigInt {
		return v.s
	}
	return ""
}

// TypeOf returns what the JavaScript typeof operator would.
func (v Value) TypeOf() string {
	switch v.kind {
	case KindNull:
		return "object"
	case KindObject:
		if v.class == ClassFunction {
			return "function"
		}
		return "object"
	}
	return v.kind.String()
}

// describe names the value's kind in codec and argument errors.
func (v Value) describe() string {
	if v.kind == KindObject {
		switch v.class {
		case ClassObject, "":
			return "object"
		case ClassBuffer:
			return "ArrayBuffer"
		case ClassView:
			return "typed array"
		case ClassMap:
			return "Map"
		default:
			return string(v.class)
		}
	}
	return v.kind.String()
}

// GoString keeps %#v useful without exposing slot ids as meaningful data.
func (v Value) GoString() string {
	switch v.kind {
	case KindBool:
		return fmt.Sprintf("jsbridge.Bool(%t)", v.b)
	case KindNumber:
		return fmt.Sprintf("jsbridge.Number(%g)", v.n)
	case KindString:
		return fmt.Sprintf("jsbridge.String(%q)", v.s)
	case KindObject, KindSymbol:
		return fmt.Sprintf("jsbridge.Value{%s %s #%d}", v.kind, v.class, v.id)
	}
	return "jsbridge." + v.kind.String()
}

// wireValue is the JS->Go descriptor produced by the shim's enc().
type wireValue struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
	S string          `json:"s,omitempty"`
	H int             `json:"h,omitempty"`
	C string          `json:"c,omitempty"`
	I int             `json:"i,omitempty"`
}

// decodeWire turns a descriptor into a Value. Slot tracking is the
// caller's job.
func decodeWire(w wireValue) (Value, error) {
	switch w.T {
	case "u":
		return Undefined(), nil
	case "n":
		return Null(), nil
	case "b":
		var b bool
		if err := json.Unmarshal(w.V, &b); err != nil {
			return Value{}, fmt.Errorf("decoding boolean: %w", err)
		}
		return Bool(b), nil
	case "d":
		if w.S != "" {
			switch w.S {
			case "NaN":
				return Number(math.NaN()), nil
			case "Infinity":
				return Number(math.Inf(1)), nil
			case "-Infinity":
				return Number(math.Inf(-1)), nil
			}
			return Value{}, fmt.Errorf("decoding number %q", w.S)
		}
		var n float64
		if err := json.Unmarshal(w.V, &n); err != nil {
			return Value{}, fmt.Errorf("decoding number: %w", err)
		}
		return Number(n), nil
	case "s", "i", "y":
		var s string
		if len(w.V) > 0 {
			if err := json.Unmarshal(w.V, &s); err != nil {
				return Value{}, fmt.Errorf("decoding %s: %w", w.T, err)
			}
		}
		switch w.T {
		case "s":
			return String(s), nil
		case "i":
			return BigInt(s), nil
		}
		return Value{kind: KindSymbol, s: s, id: w.H}, nil
	case "o":
		if w.H == 0 {
			return Value{}, fmt.Errorf("object descriptor without slot")
		}
		return Value{kind: KindObject, class: ObjectClass(w.C), id: w.H, host: w.I}, nil
	}
	return Value{}, fmt.Errorf("unknown value descriptor %q", w.T)
}

// wireRef is the Go->JS reference consumed by the shim's dec().
type wireRef struct {
	U    int    `json:"u,omitempty"`
	V    any    `json:"v,omitempty"`
	Null bool   `json:"-"`
	S    string `json:"s,omitempty"`
	I    string `json:"i,omitempty"`
	H    int    `json:"h,omitempty"`
	X    int    `json:"x,omitempty"`
}

// MarshalJSON writes null explicitly, which omitempty would drop.
func (r wireRef) MarshalJSON() ([]byte, error) {
	if r.Null {
		return []byte(`{"v":null}`), nil
	}
	type plain wireRef
	return json.Marshal(plain(r))
}

// refOf builds the reference for v without validating slots.
func refOf(v Value) wireRef {
	switch v.kind {
	case KindNull:
		return wireRef{Null: true}
	case KindBool:
		return wireRef{V: v.b}
	case KindNumber:
		switch {
		case math.IsNaN(v.n):
			return wireRef{S: "NaN"}
		case math.IsInf(v.n, 1):
			return wireRef{S: "Infinity"}
		case math.IsInf(v.n, -1):
			return wireRef{S: "-Infinity"}
		}
		return wireRef{V: v.n}
	case KindString:
		return wireRef{V: v.s}
	case KindBigInt:
		return wireRef{I: v.s}
	case KindSymbol, KindObject:
		return wireRef{H: v.id}
	}
	return wireRef{U: 1}
}

func formatNumber(n float64) string {
	return strconv.FormatFloat(n, 'g', -1, 64)
}
