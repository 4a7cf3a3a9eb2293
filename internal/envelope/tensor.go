package envelope

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/apex-x/inference-envelope/internal/batch"
)

// flattenInput walks a decoded (UseNumber) JSON value and appends its leaves
// in row-major order.
func flattenInput(value any, out []any) []any {
	if nested, ok := value.([]any); ok {
		for _, child := range nested {
			out = flattenInput(child, out)
		}
		return out
	}
	return append(out, value)
}

// typedTensorData converts flattened JSON leaves to the flat Go slice used as
// the canonical payload for datatype.
func typedTensorData(datatype batch.Datatype, leaves []any) (any, error) {
	switch {
	case datatype == batch.DatatypeFP64:
		out := make([]float64, len(leaves))
		for idx, leaf := range leaves {
			value, err := leafFloat(leaf, 64)
			if err != nil {
				return nil, leafError(datatype, idx, err)
			}
			out[idx] = value
		}
		return out, nil
	case datatype.IsFloat():
		out := make([]float32, len(leaves))
		for idx, leaf := range leaves {
			value, err := leafFloat(leaf, 32)
			if err != nil {
				return nil, leafError(datatype, idx, err)
			}
			out[idx] = float32(value)
		}
		return out, nil
	case datatype.IsSigned():
		out := make([]int64, len(leaves))
		for idx, leaf := range leaves {
			number, ok := leaf.(json.Number)
			if !ok {
				return nil, leafError(datatype, idx, fmt.Errorf("expected integer, got %T", leaf))
			}
			value, err := strconv.ParseInt(number.String(), 10, datatype.Bits())
			if err != nil {
				return nil, leafError(datatype, idx, err)
			}
			out[idx] = value
		}
		return out, nil
	case datatype.IsUnsigned():
		out := make([]uint64, len(leaves))
		for idx, leaf := range leaves {
			number, ok := leaf.(json.Number)
			if !ok {
				return nil, leafError(datatype, idx, fmt.Errorf("expected integer, got %T", leaf))
			}
			value, err := strconv.ParseUint(number.String(), 10, datatype.Bits())
			if err != nil {
				return nil, leafError(datatype, idx, err)
			}
			out[idx] = value
		}
		return out, nil
	case datatype == batch.DatatypeBool:
		out := make([]bool, len(leaves))
		for idx, leaf := range leaves {
			value, ok := leaf.(bool)
			if !ok {
				return nil, leafError(datatype, idx, fmt.Errorf("expected bool, got %T", leaf))
			}
			out[idx] = value
		}
		return out, nil
	case datatype == batch.DatatypeBytes:
		out := make([][]byte, len(leaves))
		for idx, leaf := range leaves {
			value, ok := leaf.(string)
			if !ok {
				return nil, leafError(datatype, idx, fmt.Errorf("expected string, got %T", leaf))
			}
			out[idx] = []byte(value)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported datatype %q", datatype)
	}
}

func leafFloat(leaf any, bitSize int) (float64, error) {
	number, ok := leaf.(json.Number)
	if !ok {
		return 0, fmt.Errorf("expected number, got %T", leaf)
	}
	return strconv.ParseFloat(number.String(), bitSize)
}

func leafError(datatype batch.Datatype, index int, err error) error {
	return fmt.Errorf("element %d is not a valid %s value: %w", index, datatype, err)
}

// flattenOutput flattens an arbitrary handler result into JSON-ready leaves
// and infers the element datatype. The datatype is "" when the leaves do not
// share one type.
func flattenOutput(value any) ([]any, batch.Datatype) {
	var leaves []any
	var datatype batch.Datatype
	first, mixed := true, false
	var walk func(reflect.Value)
	walk = func(rv reflect.Value) {
		for rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer {
			if rv.IsNil() {
				return
			}
			rv = rv.Elem()
		}
		if !rv.IsValid() {
			return
		}
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			if rv.Type().Elem().Kind() != reflect.Uint8 {
				for idx := 0; idx < rv.Len(); idx++ {
					walk(rv.Index(idx))
				}
				return
			}
		}
		leaf, leafType := outputLeaf(rv)
		if first {
			datatype, first = leafType, false
		} else if leafType != datatype {
			mixed = true
		}
		leaves = append(leaves, leaf)
	}
	walk(reflect.ValueOf(value))
	if leaves == nil {
		leaves = []any{}
	}
	if mixed {
		return leaves, ""
	}
	return leaves, datatype
}

func outputLeaf(rv reflect.Value) (any, batch.Datatype) {
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), batch.DatatypeBool
	case reflect.Int8:
		return rv.Int(), batch.DatatypeInt8
	case reflect.Int16:
		return rv.Int(), batch.DatatypeInt16
	case reflect.Int32:
		return rv.Int(), batch.DatatypeInt32
	case reflect.Int, reflect.Int64:
		return rv.Int(), batch.DatatypeInt64
	case reflect.Uint8:
		return rv.Uint(), batch.DatatypeUint8
	case reflect.Uint16:
		return rv.Uint(), batch.DatatypeUint16
	case reflect.Uint32:
		return rv.Uint(), batch.DatatypeUint32
	case reflect.Uint, reflect.Uint64:
		return rv.Uint(), batch.DatatypeUint64
	case reflect.Float32:
		return float32(rv.Float()), batch.DatatypeFP32
	case reflect.Float64:
		return rv.Float(), batch.DatatypeFP64
	case reflect.Slice:
		// only byte sequences reach here
		return string(rv.Bytes()), batch.DatatypeBytes
	case reflect.Array:
		buf := make([]byte, rv.Len())
		for idx := range buf {
			buf[idx] = byte(rv.Index(idx).Uint())
		}
		return string(buf), batch.DatatypeBytes
	case reflect.String:
		if number, ok := rv.Interface().(json.Number); ok {
			return number, numberDatatype(number)
		}
		return rv.String(), batch.DatatypeBytes
	default:
		return rv.Interface(), ""
	}
}

func numberDatatype(number json.Number) batch.Datatype {
	if strings.ContainsAny(number.String(), ".eE") {
		return batch.DatatypeFP64
	}
	return batch.DatatypeInt64
}

// sameFamily reports whether two datatypes differ only in width.
func sameFamily(a batch.Datatype, b batch.Datatype) bool {
	switch {
	case a == b:
		return true
	case a.IsFloat() && b.IsFloat():
		return true
	case a.IsSigned() && b.IsSigned():
		return true
	case a.IsUnsigned() && b.IsUnsigned():
		return true
	}
	return false
}
