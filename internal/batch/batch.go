// Package batch holds the canonical representation of an inference batch as
// it moves between a wire envelope and the inference handler.
package batch

import "math"

// DataKey is the key under which an item's payload appears in its JSON form.
const DataKey = "data"

// TensorMeta is side metadata carried by tensor-aware protocols so a
// response can echo what the request declared.
type TensorMeta struct {
	Name     string   `json:"name"`
	Shape    []int64  `json:"shape"`
	Datatype Datatype `json:"datatype"`
}

// Elements returns the element count implied by the shape.
func (m TensorMeta) Elements() int64 {
	return ShapeElements(m.Shape)
}

// Item is one canonical inference input. Data is opaque to the envelope
// layer: raw bytes, a nested numeric sequence, a flat typed slice or a scalar.
type Item struct {
	Data   any         `json:"data"`
	Tensor *TensorMeta `json:"tensor,omitempty"`
}

// Batch is an ordered sequence of items. Position i of the results returned
// by a handler corresponds to Items[i].
type Batch struct {
	ID    string `json:"id,omitempty"`
	Items []Item `json:"items"`
}

func (b Batch) Len() int {
	return len(b.Items)
}

// Payloads returns the Data value of every item, in order.
func (b Batch) Payloads() []any {
	out := make([]any, len(b.Items))
	for idx, item := range b.Items {
		out[idx] = item.Data
	}
	return out
}

// Result is the opaque per-item output of a handler.
type Result = any

// TensorOutput is a result form that lets a handler declare output tensor
// metadata instead of echoing the input's. Empty fields fall back to the
// echoed values.
type TensorOutput struct {
	Name     string   `json:"name,omitempty"`
	Shape    []int64  `json:"shape,omitempty"`
	Datatype Datatype `json:"datatype,omitempty"`
	Data     any      `json:"data"`
}

// ShapeElements multiplies the dimensions of a shape. An empty shape is a
// scalar and holds one element. It returns -1 when a dimension is negative
// or the product does not fit in an int64.
func ShapeElements(shape []int64) int64 {
	total := int64(1)
	for _, dim := range shape {
		if dim < 0 {
			return -1
		}
		if dim > 0 && total > math.MaxInt64/dim {
			return -1
		}
		total *= dim
	}
	return total
}
