package jsbridge

import (
	"cmp"
	"encoding"
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// DefaultVariantKey is the discriminator property written for tuple variants.
const DefaultVariantKey = "__variant"

const maxDepth = 100

// Codec converts between Go values and JavaScript values.
//
// Go                      JavaScript
// bool, numbers, string   boolean, number, string
// []byte, [N]byte         ArrayBuffer (typed arrays accepted on decode)
// nil pointer/slice/map   null (undefined accepted on decode)
// slice, array            array (any iterable accepted on decode)
// map                     Map (plain objects accepted on decode)
// struct                  plain object, keyed by jsi tag or FieldName
// struct embedding Tuple  array, read back from keys "0", "1", ...
// struct embedding Union  see Union
// Enum                    string
// TextMarshaler           string
// HostObject              host object wrapper
// Value                   itself
//
// The zero Codec is ready to use.
type Codec struct {
	// VariantKey names the discriminator property of tuple variants.
	VariantKey string

	// FieldName maps Go field and variant names that have no jsi tag.
	// Defaults to ExportName.
	FieldName func(string) string

	structs sync.Map // reflect.Type -> *structInfo
}

// Tuple marks a struct as a fixed-arity positional value.
type Tuple struct{}

// Union marks a struct as a tagged enum. Its pointer fields are the
// variants and exactly one of them is set. A variant pointing at an empty
// struct (Unit) is a unit variant and crosses as its name. A variant
// pointing at a Tuple struct crosses as a numeric-keyed object carrying
// the variant key. Any other variant crosses as {name: payload}.
type Union struct{}

// Unit is the payload of a variant that carries no data.
type Unit struct{}

// Enum is implemented by integer types whose values cross as names.
// EnumNames must use a value receiver.
type Enum interface {
	EnumNames() []string
}

// Marshaler is implemented by types that encode themselves.
type Marshaler interface {
	MarshalJS(h *Handle) (Value, error)
}

// Unmarshaler is implemented by types that decode themselves.
type Unmarshaler interface {
	UnmarshalJS(h *Handle, v Value) error
}

// ErrorKind classifies a CodecError.
type ErrorKind uint8

const (
	WrongKind ErrorKind = iota + 1
	MissingField
	Unsupported
	Custom
)

func (k ErrorKind) String() string {
	switch k {
	case WrongKind:
		return "wrong kind"
	case MissingField:
		return "missing field"
	case Unsupported:
		return "unsupported conversion"
	case Custom:
		return "custom"
	}
	return "unknown"
}

// CodecError reports a value that could not be converted.
type CodecError struct {
	Kind ErrorKind
	// Path locates the value inside the one being converted, e.g. "items[2].name".
	Path     string
	Expected string
	Got      string
	Field    string
	Err      error
}

func (e *CodecError) Error() string {
	var msg string
	switch e.Kind {
	case WrongKind:
		msg = fmt.Sprintf("expected %s, got %s", e.Expected, e.Got)
	case MissingField:
		msg = fmt.Sprintf("missing field %q", e.Field)
	default:
		if e.Err != nil {
			msg = e.Err.Error()
		} else {
			msg = e.Kind.String()
		}
	}
	if e.Path == "" {
		return msg
	}
	return "at " + e.Path + ": " + msg
}

func (e *CodecError) Unwrap() error { return e.Err }

func wrongKind(path, expected string, got Value) error {
	return &CodecError{Kind: WrongKind, Path: path, Expected: expected, Got: got.describe()}
}

func unsupported(path, format string, args ...any) error {
	return &CodecError{Kind: Unsupported, Path: path, Err: fmt.Errorf(format, args...)}
}

func custom(path string, err error) error {
	var ce *CodecError
	if errors.As(err, &ce) {
		return err
	}
	return &CodecError{Kind: Custom, Path: path, Err: err}
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func indexPath(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}

var (
	valueType           = reflect.TypeFor[Value]()
	hostObjectType      = reflect.TypeFor[HostObject]()
	enumType            = reflect.TypeFor[Enum]()
	marshalerType       = reflect.TypeFor[Marshaler]()
	unmarshalerType     = reflect.TypeFor[Unmarshaler]()
	textMarshalerType   = reflect.TypeFor[encoding.TextMarshaler]()
	textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()
	tupleType           = reflect.TypeFor[Tuple]()
	unionType           = reflect.TypeFor[Union]()
)

// Marshal encodes x with the runtime's codec.
func (h *Handle) Marshal(x any) (Value, error) {
	return h.rt.codec.Encode(h, x)
}

// Unmarshal decodes v into the value out points to, using the runtime's codec.
func (h *Handle) Unmarshal(v Value, out any) error {
	return h.rt.codec.Decode(h, v, out)
}

// Encode converts x into a JavaScript value.
func (c *Codec) Encode(h *Handle, x any) (Value, error) {
	if err := h.ready(); err != nil {
		return Undefined(), err
	}
	e := encoder{c: c, h: h}
	return e.encode(reflect.ValueOf(x), "")
}

// Decode converts v into the value out points to.
func (c *Codec) Decode(h *Handle, v Value, out any) error {
	if err := h.ready(); err != nil {
		return err
	}
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("decode target must be a non-nil pointer, got %T", out)
	}
	d := decoder{c: c, h: h}
	return d.decode(v, rv.Elem(), "")
}

func (c *Codec) variantKey() string {
	if c.VariantKey == "" {
		return DefaultVariantKey
	}
	return c.VariantKey
}

func (c *Codec) fieldName(name string) string {
	if c.FieldName != nil {
		return c.FieldName(name)
	}
	return ExportName(name)
}

type variantKind uint8

const (
	variantPayload variantKind = iota
	variantUnit
	variantTuple
)

type fieldInfo struct {
	name      string
	index     []int
	typ       reflect.Type
	omitEmpty bool
	variant   variantKind
}

type structInfo struct {
	tuple  bool
	union  bool
	fields []fieldInfo
}

func (s *structInfo) lookup(name string) *fieldInfo {
	for i := range s.fields {
		if s.fields[i].name == name {
			return &s.fields[i]
		}
	}
	return nil
}

func (c *Codec) structInfo(t reflect.Type) *structInfo {
	if v, ok := c.structs.Load(t); ok {
		return v.(*structInfo)
	}
	info := &structInfo{}
	c.collectFields(t, nil, info)
	if info.union {
		variants := info.fields[:0]
		for _, f := range info.fields {
			if f.typ.Kind() != reflect.Pointer {
				continue
			}
			el := f.typ.Elem()
			switch {
			case el.Kind() == reflect.Struct && el.NumField() == 0:
				f.variant = variantUnit
			case el.Kind() == reflect.Struct && embeds(el, tupleType):
				f.variant = variantTuple
			}
			variants = append(variants, f)
		}
		info.fields = variants
	}
	v, _ := c.structs.LoadOrStore(t, info)
	return v.(*structInfo)
}

func (c *Codec) collectFields(t reflect.Type, index []int, info *structInfo) {
	for i := range t.NumField() {
		f := t.Field(i)
		idx := append(slices.Clone(index), i)
		if f.Anonymous && len(index) == 0 {
			switch f.Type {
			case tupleType:
				info.tuple = true
				continue
			case unionType:
				info.union = true
				continue
			}
		}
		tag := f.Tag.Get("jsi")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if f.Anonymous && name == "" && f.Type.Kind() == reflect.Struct {
			c.collectFields(f.Type, idx, info)
			continue
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = c.fieldName(f.Name)
		}
		info.fields = append(info.fields, fieldInfo{
			name:      name,
			index:     idx,
			typ:       f.Type,
			omitEmpty: slices.Contains(strings.Split(opts, ","), "omitempty"),
		})
	}
}

func embeds(t, marker reflect.Type) bool {
	for i := range t.NumField() {
		if f := t.Field(i); f.Anonymous && f.Type == marker {
			return true
		}
	}
	return false
}

func isInteger(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	}
	return false
}

func isOptional(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface:
		return true
	}
	return t == valueType
}

type encoder struct {
	c     *Codec
	h     *Handle
	depth int
}

func (e *encoder) encode(rv reflect.Value, path string) (Value, error) {
	if !rv.IsValid() {
		return Null(), nil
	}
	if rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return Null(), nil
		}
		return e.encode(rv.Elem(), path)
	}
	t := rv.Type()
	if t == valueType {
		return rv.Interface().(Value), nil
	}
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return Null(), nil
	}
	switch {
	case t.Implements(marshalerType):
		v, err := rv.Interface().(Marshaler).MarshalJS(e.h)
		if err != nil {
			return Undefined(), custom(path, err)
		}
		return v, nil
	case t.Implements(hostObjectType):
		v, err := e.h.NewHostObject(rv.Interface().(HostObject))
		if err != nil {
			return Undefined(), custom(path, err)
		}
		return v, nil
	case t.Implements(enumType) && isInteger(t.Kind()):
		return e.encodeEnum(rv, path)
	case t.Implements(textMarshalerType):
		text, err := rv.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return Undefined(), custom(path, err)
		}
		return String(string(text)), nil
	}

	e.depth++
	defer func() { e.depth-- }()
	if e.depth > maxDepth {
		return Undefined(), custom(path, fmt.Errorf("value nests more than %d levels deep", maxDepth))
	}

	switch rv.Kind() {
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Number(float64(rv.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return Number(float64(rv.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return Number(rv.Float()), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Pointer:
		return e.encode(rv.Elem(), path)
	case reflect.Slice:
		if rv.IsNil() {
			return Null(), nil
		}
		if t.Elem().Kind() == reflect.Uint8 {
			return e.wrap(path)(e.h.NewArrayBuffer(rv.Bytes()))
		}
		return e.encodeList(rv, path)
	case reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			buf := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(buf), rv)
			return e.wrap(path)(e.h.NewArrayBuffer(buf))
		}
		return e.encodeList(rv, path)
	case reflect.Map:
		if rv.IsNil() {
			return Null(), nil
		}
		return e.encodeMap(rv, path)
	case reflect.Struct:
		return e.encodeStruct(rv, path)
	}
	return Undefined(), unsupported(path, "cannot encode %s", t)
}

// wrap attaches path to errors from handle operations.
func (e *encoder) wrap(path string) func(Value, error) (Value, error) {
	return func(v Value, err error) (Value, error) {
		if err != nil {
			return Undefined(), custom(path, err)
		}
		return v, nil
	}
}

func (e *encoder) encodeEnum(rv reflect.Value, path string) (Value, error) {
	names := rv.Interface().(Enum).EnumNames()
	var i int64
	if rv.CanInt() {
		i = rv.Int()
	} else {
		u := rv.Uint()
		if u > math.MaxInt32 {
			return Undefined(), custom(path, fmt.Errorf("%d is not a valid %s", u, rv.Type()))
		}
		i = int64(u)
	}
	if i < 0 || i >= int64(len(names)) {
		return Undefined(), custom(path, fmt.Errorf("%d is not a valid %s", i, rv.Type()))
	}
	return String(names[i]), nil
}

func (e *encoder) encodeList(rv reflect.Value, path string) (Value, error) {
	items := make([]Value, rv.Len())
	for i := range items {
		v, err := e.encode(rv.Index(i), indexPath(path, i))
		if err != nil {
			return Undefined(), err
		}
		items[i] = v
	}
	return e.wrap(path)(e.h.NewArray(items...))
}

func (e *encoder) encodeMap(rv reflect.Value, path string) (Value, error) {
	keys := rv.MapKeys()
	slices.SortFunc(keys, compareKeys)
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		kp := path + "[" + fmt.Sprint(k.Interface()) + "]"
		kv, err := e.encode(k, kp)
		if err != nil {
			return Undefined(), err
		}
		vv, err := e.encode(rv.MapIndex(k), kp)
		if err != nil {
			return Undefined(), err
		}
		entries = append(entries, Entry{Key: kv, Value: vv})
	}
	return e.wrap(path)(e.h.NewMap(entries...))
}

func compareKeys(a, b reflect.Value) int {
	switch a.Kind() {
	case reflect.String:
		return cmp.Compare(a.String(), b.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return cmp.Compare(a.Int(), b.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return cmp.Compare(a.Uint(), b.Uint())
	case reflect.Float32, reflect.Float64:
		return cmp.Compare(a.Float(), b.Float())
	}
	return cmp.Compare(fmt.Sprint(a.Interface()), fmt.Sprint(b.Interface()))
}

func (e *encoder) encodeStruct(rv reflect.Value, path string) (Value, error) {
	info := e.c.structInfo(rv.Type())
	switch {
	case info.tuple:
		items := make([]Value, len(info.fields))
		for i, f := range info.fields {
			v, err := e.encode(rv.FieldByIndex(f.index), indexPath(path, i))
			if err != nil {
				return Undefined(), err
			}
			items[i] = v
		}
		return e.wrap(path)(e.h.NewArray(items...))
	case info.union:
		return e.encodeUnion(rv, info, path)
	}

	keys := make([]string, 0, len(info.fields))
	vals := make([]Value, 0, len(info.fields))
	for _, f := range info.fields {
		fv := rv.FieldByIndex(f.index)
		if f.omitEmpty && fv.IsZero() {
			continue
		}
		v, err := e.encode(fv, joinPath(path, f.name))
		if err != nil {
			return Undefined(), err
		}
		keys = append(keys, f.name)
		vals = append(vals, v)
	}
	return e.wrap(path)(e.h.NewRecord(keys, vals))
}

func (e *encoder) encodeUnion(rv reflect.Value, info *structInfo, path string) (Value, error) {
	for _, f := range info.fields {
		fv := rv.FieldByIndex(f.index)
		if fv.IsNil() {
			continue
		}
		p := joinPath(path, f.name)
		switch f.variant {
		case variantUnit:
			return String(f.name), nil
		case variantTuple:
			fields := e.c.structInfo(f.typ.Elem()).fields
			el := fv.Elem()
			keys := make([]string, 0, len(fields)+1)
			vals := make([]Value, 0, len(fields)+1)
			for i, tf := range fields {
				v, err := e.encode(el.FieldByIndex(tf.index), indexPath(p, i))
				if err != nil {
					return Undefined(), err
				}
				keys = append(keys, strconv.Itoa(i))
				vals = append(vals, v)
			}
			keys = append(keys, e.c.variantKey())
			vals = append(vals, String(f.name))
			return e.wrap(path)(e.h.NewRecord(keys, vals))
		default:
			payload, err := e.encode(fv, p)
			if err != nil {
				return Undefined(), err
			}
			return e.wrap(path)(e.h.NewRecord([]string{f.name}, []Value{payload}))
		}
	}
	return Undefined(), custom(path, fmt.Errorf("%s has no variant set", rv.Type()))
}

type decoder struct {
	c     *Codec
	h     *Handle
	depth int

	// strict rejects values that only mean something inside this runtime.
	strict bool
	// wrapMap, when set, replaces the map[any]any produced for a JS Map.
	wrapMap func(map[any]any) any
}

func (d *decoder) enter(path string) error {
	d.depth++
	if d.depth > maxDepth {
		return custom(path, fmt.Errorf("value nests more than %d levels deep", maxDepth))
	}
	return nil
}

func (d *decoder) decode(v Value, rv reflect.Value, path string) error {
	t := rv.Type()
	if t == valueType {
		rv.Set(reflect.ValueOf(v))
		return nil
	}
	if rv.CanAddr() && reflect.PointerTo(t).Implements(unmarshalerType) {
		if err := rv.Addr().Interface().(Unmarshaler).UnmarshalJS(d.h, v); err != nil {
			return custom(path, err)
		}
		return nil
	}
	switch t.Kind() {
	case reflect.Pointer:
		if v.IsNullish() {
			rv.SetZero()
			return nil
		}
		if v.IsHost() {
			if obj, ok := d.hostTarget(v, func(ot reflect.Type) bool { return ot == t }); ok {
				rv.Set(obj)
				return nil
			}
		}
		if rv.IsNil() {
			rv.Set(reflect.New(t.Elem()))
		}
		return d.decode(v, rv.Elem(), path)
	case reflect.Interface:
		return d.decodeInterface(v, rv, path)
	}
	if t.Implements(enumType) && isInteger(t.Kind()) {
		return d.decodeEnum(v, rv, path)
	}
	if rv.CanAddr() && reflect.PointerTo(t).Implements(textUnmarshalerType) {
		s, ok := v.AsString()
		if !ok {
			return wrongKind(path, "string", v)
		}
		if err := rv.Addr().Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(s)); err != nil {
			return custom(path, err)
		}
		return nil
	}

	switch t.Kind() {
	case reflect.Bool:
		b, ok := v.AsBool()
		if !ok {
			return wrongKind(path, "boolean", v)
		}
		rv.SetBool(b)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := v.AsNumber()
		if !ok {
			return wrongKind(path, "number", v)
		}
		i := int64(n)
		if n != math.Trunc(n) || math.Abs(n) > 1<<63 || float64(i) != n || rv.OverflowInt(i) {
			return custom(path, fmt.Errorf("%s does not fit in %s", formatNumber(n), t))
		}
		rv.SetInt(i)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, ok := v.AsNumber()
		if !ok {
			return wrongKind(path, "number", v)
		}
		u := uint64(n)
		if n < 0 || n != math.Trunc(n) || n >= 1<<64 || float64(u) != n || rv.OverflowUint(u) {
			return custom(path, fmt.Errorf("%s does not fit in %s", formatNumber(n), t))
		}
		rv.SetUint(u)
		return nil
	case reflect.Float32, reflect.Float64:
		n, ok := v.AsNumber()
		if !ok {
			return wrongKind(path, "number", v)
		}
		if t.Kind() == reflect.Float32 && !math.IsInf(n, 0) && rv.OverflowFloat(n) {
			return custom(path, fmt.Errorf("%s does not fit in %s", formatNumber(n), t))
		}
		rv.SetFloat(n)
		return nil
	case reflect.String:
		s, ok := v.AsString()
		if !ok {
			return wrongKind(path, "string", v)
		}
		rv.SetString(s)
		return nil
	case reflect.Slice:
		return d.decodeSlice(v, rv, path)
	case reflect.Array:
		return d.decodeArray(v, rv, path)
	case reflect.Map:
		return d.decodeMap(v, rv, path)
	case reflect.Struct:
		return d.decodeStruct(v, rv, path)
	}
	return unsupported(path, "cannot decode into %s", t)
}

// hostTarget follows the Unwrap chain of the host object behind v until
// match accepts a type.
func (d *decoder) hostTarget(v Value, match func(reflect.Type) bool) (reflect.Value, bool) {
	var obj any
	obj, ok := d.h.HostObjectOf(v)
	if !ok {
		return reflect.Value{}, false
	}
	for range 8 {
		if match(reflect.TypeOf(obj)) {
			return reflect.ValueOf(obj), true
		}
		u, ok := obj.(unwrapper)
		if !ok {
			break
		}
		obj = u.Unwrap()
	}
	return reflect.Value{}, false
}

func (d *decoder) decodeInterface(v Value, rv reflect.Value, path string) error {
	t := rv.Type()
	if t.NumMethod() == 0 {
		x, err := d.decodeAny(v, path)
		if err != nil {
			return err
		}
		if x == nil {
			rv.SetZero()
		} else {
			rv.Set(reflect.ValueOf(x))
		}
		return nil
	}
	if v.IsNullish() {
		rv.SetZero()
		return nil
	}
	if v.IsHost() {
		if obj, ok := d.hostTarget(v, func(ot reflect.Type) bool { return ot.Implements(t) }); ok {
			rv.Set(obj)
			return nil
		}
	}
	return wrongKind(path, "host object implementing "+t.String(), v)
}

// decodeAny produces the dynamic Go form of v.
func (d *decoder) decodeAny(v Value, path string) (any, error) {
	switch v.kind {
	case KindUndefined, KindNull:
		return nil, nil
	case KindBool:
		return v.b, nil
	case KindNumber:
		return v.n, nil
	case KindString:
		return v.s, nil
	case KindSymbol:
		return nil, unsupported(path, "symbols cannot cross the boundary")
	case KindBigInt:
		return nil, unsupported(path, "bigints cannot cross the boundary")
	}
	if err := d.enter(path); err != nil {
		return nil, err
	}
	defer func() { d.depth-- }()

	switch v.class {
	case ClassBuffer, ClassView:
		b, err := d.h.Bytes(v)
		if err != nil {
			return nil, custom(path, err)
		}
		return b, nil
	case ClassArray:
		out := []any{}
		i := 0
		err := d.h.Iterate(v, func(el Value) error {
			x, err := d.decodeAny(el, indexPath(path, i))
			if err != nil {
				return err
			}
			out = append(out, x)
			i++
			return nil
		})
		if err != nil {
			return nil, custom(path, err)
		}
		return out, nil
	case ClassMap:
		entries, err := d.h.Entries(v)
		if err != nil {
			return nil, custom(path, err)
		}
		m := make(map[any]any, len(entries))
		for _, e := range entries {
			kp := path + "[" + e.Key.describe() + "]"
			k, err := d.decodeAny(e.Key, kp)
			if err != nil {
				return nil, err
			}
			if k != nil && !reflect.TypeOf(k).Comparable() {
				return nil, unsupported(kp, "%s map keys cannot cross the boundary", e.Key.describe())
			}
			val, err := d.decodeAny(e.Value, kp)
			if err != nil {
				return nil, err
			}
			m[k] = val
		}
		if d.wrapMap != nil {
			return d.wrapMap(m), nil
		}
		return m, nil
	case ClassHost:
		if d.strict {
			return nil, unsupported(path, "host objects cannot be copied")
		}
		obj, _ := d.h.HostObjectOf(v)
		return obj, nil
	case ClassFunction, ClassPromise, ClassError:
		if d.strict {
			return nil, unsupported(path, "%s values cannot be copied", v.describe())
		}
		return v, nil
	}

	entries, err := d.h.Entries(v)
	if err != nil {
		return nil, custom(path, err)
	}
	m := make(map[string]any, len(entries))
	for _, e := range entries {
		key, _ := e.Key.AsString()
		val, err := d.decodeAny(e.Value, joinPath(path, key))
		if err != nil {
			return nil, err
		}
		m[key] = val
	}
	return m, nil
}

func (d *decoder) decodeEnum(v Value, rv reflect.Value, path string) error {
	t := rv.Type()
	names := reflect.Zero(t).Interface().(Enum).EnumNames()
	idx := -1
	switch v.kind {
	case KindString:
		idx = slices.Index(names, v.s)
		if idx < 0 {
			return custom(path, fmt.Errorf("unknown %s %q", t.Name(), v.s))
		}
	case KindNumber:
		if v.n != math.Trunc(v.n) || v.n < 0 || v.n >= float64(len(names)) {
			return custom(path, fmt.Errorf("%s is not a valid %s", formatNumber(v.n), t.Name()))
		}
		idx = int(v.n)
	default:
		return wrongKind(path, "string", v)
	}
	if rv.CanInt() {
		rv.SetInt(int64(idx))
	} else {
		rv.SetUint(uint64(idx))
	}
	return nil
}

// elements decodes every element of an iterable into fresh values of type t.
func (d *decoder) elements(v Value, t reflect.Type, path string) ([]reflect.Value, error) {
	if !v.IsObject() {
		return nil, wrongKind(path, "array", v)
	}
	if err := d.enter(path); err != nil {
		return nil, err
	}
	defer func() { d.depth-- }()
	var out []reflect.Value
	err := d.h.Iterate(v, func(el Value) error {
		ev := reflect.New(t).Elem()
		if err := d.decode(el, ev, indexPath(path, len(out))); err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	if err != nil {
		return nil, custom(path, err)
	}
	return out, nil
}

func (d *decoder) decodeSlice(v Value, rv reflect.Value, path string) error {
	t := rv.Type()
	if v.IsNullish() {
		rv.SetZero()
		return nil
	}
	if t.Elem().Kind() == reflect.Uint8 && (v.class == ClassBuffer || v.class == ClassView) {
		b, err := d.h.Bytes(v)
		if err != nil {
			return custom(path, err)
		}
		rv.SetBytes(b)
		return nil
	}
	els, err := d.elements(v, t.Elem(), path)
	if err != nil {
		return err
	}
	out := reflect.MakeSlice(t, len(els), len(els))
	for i, ev := range els {
		out.Index(i).Set(ev)
	}
	rv.Set(out)
	return nil
}

func (d *decoder) decodeArray(v Value, rv reflect.Value, path string) error {
	t := rv.Type()
	if t.Elem().Kind() == reflect.Uint8 && (v.class == ClassBuffer || v.class == ClassView) {
		b, err := d.h.Bytes(v)
		if err != nil {
			return custom(path, err)
		}
		if len(b) != t.Len() {
			return custom(path, fmt.Errorf("expected %d bytes, got %d", t.Len(), len(b)))
		}
		reflect.Copy(rv, reflect.ValueOf(b))
		return nil
	}
	els, err := d.elements(v, t.Elem(), path)
	if err != nil {
		return err
	}
	if len(els) != t.Len() {
		return custom(path, fmt.Errorf("expected %d elements, got %d", t.Len(), len(els)))
	}
	for i, ev := range els {
		rv.Index(i).Set(ev)
	}
	return nil
}

func (d *decoder) decodeMap(v Value, rv reflect.Value, path string) error {
	t := rv.Type()
	if v.IsNullish() {
		rv.SetZero()
		return nil
	}
	if !v.IsObject() {
		return wrongKind(path, "Map or object", v)
	}
	if err := d.enter(path); err != nil {
		return err
	}
	defer func() { d.depth-- }()
	entries, err := d.h.Entries(v)
	if err != nil {
		return custom(path, err)
	}
	m := reflect.MakeMapWithSize(t, len(entries))
	for _, e := range entries {
		label := e.Key.describe()
		if s, ok := e.Key.AsString(); ok {
			label = s
		} else if n, ok := e.Key.AsNumber(); ok {
			label = formatNumber(n)
		}
		kp := path + "[" + label + "]"
		k := reflect.New(t.Key()).Elem()
		if err := d.decodeKey(e.Key, k, kp); err != nil {
			return err
		}
		val := reflect.New(t.Elem()).Elem()
		if err := d.decode(e.Value, val, kp); err != nil {
			return err
		}
		m.SetMapIndex(k, val)
	}
	rv.Set(m)
	return nil
}

// decodeKey accepts numeric keys spelled as strings, which is how plain
// object keys arrive.
func (d *decoder) decodeKey(key Value, rv reflect.Value, path string) error {
	s, isString := key.AsString()
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		if isString && !rv.Type().Implements(enumType) {
			n, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return wrongKind(path, "numeric key", key)
			}
			key = Number(n)
		}
	}
	return d.decode(key, rv, path)
}

func (d *decoder) decodeStruct(v Value, rv reflect.Value, path string) error {
	info := d.c.structInfo(rv.Type())
	switch {
	case info.tuple:
		return d.decodeTuple(v, rv, info.fields, path)
	case info.union:
		return d.decodeUnion(v, rv, info, path)
	}
	if !v.IsObject() {
		return wrongKind(path, "object", v)
	}
	if err := d.enter(path); err != nil {
		return err
	}
	defer func() { d.depth-- }()
	for _, f := range info.fields {
		fp := joinPath(path, f.name)
		fv, err := d.h.Get(v, f.name)
		if err != nil {
			return custom(fp, err)
		}
		if fv.IsUndefined() && (f.omitEmpty || isOptional(f.typ)) {
			continue
		}
		if fv.IsUndefined() {
			return &CodecError{Kind: MissingField, Path: path, Field: f.name}
		}
		if err := d.decode(fv, rv.FieldByIndex(f.index), fp); err != nil {
			return err
		}
	}
	return nil
}

// decodeTuple reads positional fields from keys "0", "1", ...
func (d *decoder) decodeTuple(v Value, rv reflect.Value, fields []fieldInfo, path string) error {
	if !v.IsObject() {
		return wrongKind(path, "array", v)
	}
	if err := d.enter(path); err != nil {
		return err
	}
	defer func() { d.depth-- }()
	for i, f := range fields {
		el, err := d.h.GetIndex(v, i)
		if err != nil {
			return custom(indexPath(path, i), err)
		}
		if el.IsUndefined() && !isOptional(f.typ) {
			return &CodecError{Kind: MissingField, Path: path, Field: strconv.Itoa(i)}
		}
		if err := d.decode(el, rv.FieldByIndex(f.index), indexPath(path, i)); err != nil {
			return err
		}
	}
	return nil
}

func (d *decoder) decodeUnion(v Value, rv reflect.Value, info *structInfo, path string) error {
	rv.SetZero()
	unit := func(f *fieldInfo) error {
		if f.variant != variantUnit {
			return custom(path, fmt.Errorf("variant %q carries a payload", f.name))
		}
		rv.FieldByIndex(f.index).Set(reflect.New(f.typ.Elem()))
		return nil
	}

	switch v.kind {
	case KindString:
		f := info.lookup(v.s)
		if f == nil {
			return custom(path, fmt.Errorf("unknown variant %q", v.s))
		}
		return unit(f)
	case KindNumber:
		if v.n != math.Trunc(v.n) || v.n < 0 || v.n >= float64(len(info.fields)) {
			return custom(path, fmt.Errorf("variant index %s out of range", formatNumber(v.n)))
		}
		return unit(&info.fields[int(v.n)])
	case KindObject:
	default:
		return wrongKind(path, "string or object", v)
	}

	keys, err := d.h.Keys(v)
	if err != nil {
		return custom(path, err)
	}
	if vk := d.c.variantKey(); slices.Contains(keys, vk) {
		tag, err := d.h.Get(v, vk)
		if err != nil {
			return custom(path, err)
		}
		name, ok := tag.AsString()
		if !ok {
			return wrongKind(joinPath(path, vk), "string", tag)
		}
		f := info.lookup(name)
		if f == nil {
			return custom(path, fmt.Errorf("unknown variant %q", name))
		}
		if f.variant != variantTuple {
			return custom(path, fmt.Errorf("variant %q is not a tuple", name))
		}
		p := reflect.New(f.typ.Elem())
		if err := d.decodeTuple(v, p.Elem(), d.c.structInfo(f.typ.Elem()).fields, joinPath(path, name)); err != nil {
			return err
		}
		rv.FieldByIndex(f.index).Set(p)
		return nil
	}
	if len(keys) != 1 {
		return custom(path, fmt.Errorf("expected an object with exactly one property, got %d", len(keys)))
	}
	f := info.lookup(keys[0])
	if f == nil {
		return custom(path, fmt.Errorf("unknown variant %q", keys[0]))
	}
	if f.variant == variantUnit {
		return unit(f)
	}
	payload, err := d.h.Get(v, f.name)
	if err != nil {
		return custom(path, err)
	}
	return d.decode(payload, rv.FieldByIndex(f.index), joinPath(path, f.name))
}
