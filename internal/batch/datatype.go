package batch

import (
	"fmt"
	"strings"
)

// Datatype is a tensor element type as named by the V2 inference protocol.
type Datatype string

const (
	DatatypeBool   Datatype = "BOOL"
	DatatypeUint8  Datatype = "UINT8"
	DatatypeUint16 Datatype = "UINT16"
	DatatypeUint32 Datatype = "UINT32"
	DatatypeUint64 Datatype = "UINT64"
	DatatypeInt8   Datatype = "INT8"
	DatatypeInt16  Datatype = "INT16"
	DatatypeInt32  Datatype = "INT32"
	DatatypeInt64  Datatype = "INT64"
	DatatypeFP16   Datatype = "FP16"
	DatatypeFP32   Datatype = "FP32"
	DatatypeFP64   Datatype = "FP64"
	DatatypeBytes  Datatype = "BYTES"
)

var datatypes = map[Datatype]struct{}{
	DatatypeBool:   {},
	DatatypeUint8:  {},
	DatatypeUint16: {},
	DatatypeUint32: {},
	DatatypeUint64: {},
	DatatypeInt8:   {},
	DatatypeInt16:  {},
	DatatypeInt32:  {},
	DatatypeInt64:  {},
	DatatypeFP16:   {},
	DatatypeFP32:   {},
	DatatypeFP64:   {},
	DatatypeBytes:  {},
}

// ParseDatatype accepts a datatype name case-insensitively and rejects
// anything outside the closed set.
func ParseDatatype(value string) (Datatype, error) {
	clean := Datatype(strings.ToUpper(strings.TrimSpace(value)))
	if _, ok := datatypes[clean]; !ok {
		return "", fmt.Errorf("unsupported datatype %q", value)
	}
	return clean, nil
}

func (d Datatype) Valid() bool {
	_, ok := datatypes[d]
	return ok
}

func (d Datatype) IsFloat() bool {
	return d == DatatypeFP16 || d == DatatypeFP32 || d == DatatypeFP64
}

func (d Datatype) IsSigned() bool {
	switch d {
	case DatatypeInt8, DatatypeInt16, DatatypeInt32, DatatypeInt64:
		return true
	}
	return false
}

func (d Datatype) IsUnsigned() bool {
	switch d {
	case DatatypeUint8, DatatypeUint16, DatatypeUint32, DatatypeUint64:
		return true
	}
	return false
}

// Bits is the element width for integer types, 0 otherwise.
func (d Datatype) Bits() int {
	switch d {
	case DatatypeInt8, DatatypeUint8:
		return 8
	case DatatypeInt16, DatatypeUint16:
		return 16
	case DatatypeInt32, DatatypeUint32:
		return 32
	case DatatypeInt64, DatatypeUint64:
		return 64
	}
	return 0
}

func (d Datatype) String() string {
	return string(d)
}
