// Package codec turns a job type plus its arguments into a broker payload and back.
//
// Payloads are MessagePack documents of the form {v, type, args}. Argument values are
// normalized before encoding so that a decoded payload compares equal to what was encoded:
// integers become int64, floats become float64, times become UTC, typed slices and maps
// become []any and map[string]any.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Args maps a parameter name to its value.
type Args map[string]any

const version = 1

var (
	// ErrSerialization marks a job whose payload can never be executed.
	ErrSerialization = errors.New("serialization error")
	// ErrUnsupportedArgumentType is returned when an argument cannot be represented.
	ErrUnsupportedArgumentType = fmt.Errorf("%w: unsupported argument type", ErrSerialization)
	// ErrDecode is returned for structurally invalid payloads.
	ErrDecode = fmt.Errorf("%w: decode", ErrSerialization)
)

type envelope struct {
	Version int            `msgpack:"v"`
	Type    string         `msgpack:"type"`
	Args    map[string]any `msgpack:"args"`
}

// Encode serializes a job type and its arguments.
func Encode(jobType string, args Args) ([]byte, error) {
	if jobType == "" {
		return nil, fmt.Errorf("%w: empty job type", ErrDecode)
	}
	norm, err := Normalize(args)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(envelope{Version: version, Type: jobType, Args: norm}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedArgumentType, err)
	}
	return buf.Bytes(), nil
}

// Decode parses a payload produced by Encode.
func Decode(payload []byte) (string, Args, error) {
	if len(payload) == 0 {
		return "", nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	// Strict interface decoding keeps bin apart from str; fromWire folds the
	// sized integer types back to int64.
	dec := msgpack.NewDecoder(bytes.NewReader(payload))

	var env envelope
	if err := dec.Decode(&env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("%w: missing job type", ErrDecode)
	}
	if env.Version > version {
		return "", nil, fmt.Errorf("%w: unknown payload version %d", ErrDecode, env.Version)
	}
	args := make(Args, len(env.Args))
	for k, v := range env.Args {
		nv, err := fromWire(v)
		if err != nil {
			return "", nil, fmt.Errorf("%w: argument %q: %v", ErrDecode, k, err)
		}
		args[k] = nv
	}
	return env.Type, args, nil
}

// Normalize returns the canonical form of args, the form Decode yields.
// A nil map normalizes to an empty one.
func Normalize(args Args) (Args, error) {
	out := make(Args, len(args))
	for k, raw := range args {
		v, err := normalizeValue(k, raw)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func normalizeValue(path string, v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string, int64, float64:
		return t, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint:
		return uintToInt(path, uint64(t))
	case uint64:
		return uintToInt(path, t)
	case float32:
		return float64(t), nil
	case []byte:
		return append([]byte{}, t...), nil
	case time.Time:
		return t.Round(0).UTC(), nil
	case map[string]any:
		return normalizeMap(path, t)
	case Args:
		return normalizeMap(path, t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			nv, err := normalizeValue(fmt.Sprintf("%s[%d]", path, i), e)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	}
	return normalizeReflect(path, reflect.ValueOf(v))
}

func normalizeMap(path string, m map[string]any) (any, error) {
	out := make(map[string]any, len(m))
	for k, e := range m {
		nv, err := normalizeValue(path+"."+k, e)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeReflect(path string, rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalizeValue(path, rv.Elem().Interface())
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return uintToInt(path, rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			nv, err := normalizeValue(fmt.Sprintf("%s[%d]", path, i), rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: %s: map key %s", ErrUnsupportedArgumentType, path, rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			nv, err := normalizeValue(path+"."+k, iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s: %s", ErrUnsupportedArgumentType, path, rv.Type())
}

func uintToInt(path string, u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("%w: %s: unsigned value %d overflows int64", ErrUnsupportedArgumentType, path, u)
	}
	return int64(u), nil
}

// fromWire maps decoded MessagePack values back to the canonical forms.
func fromWire(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string, int64, float64, []byte:
		return t, nil
	case uint64:
		if t > math.MaxInt64 {
			return nil, fmt.Errorf("unsigned value %d overflows int64", t)
		}
		return int64(t), nil
	case float32:
		return float64(t), nil
	case time.Time:
		return t.UTC(), nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			nv, err := fromWire(e)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			nv, err := fromWire(e)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return int64(rv.Uint()), nil
	}
	return nil, fmt.Errorf("unexpected wire type %T", v)
}
