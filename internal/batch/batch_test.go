package batch

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDatatype(t *testing.T) {
	dt, err := ParseDatatype(" fp32 ")
	require.NoError(t, err)
	assert.Equal(t, DatatypeFP32, dt)
	assert.True(t, dt.IsFloat())

	_, err = ParseDatatype("FLOAT128")
	require.Error(t, err)

	assert.True(t, DatatypeInt16.IsSigned())
	assert.True(t, DatatypeUint32.IsUnsigned())
	assert.Equal(t, 8, DatatypeUint8.Bits())
	assert.Equal(t, 0, DatatypeBytes.Bits())
	assert.False(t, Datatype("STRING").Valid())
}

func TestShapeElements(t *testing.T) {
	assert.Equal(t, int64(784), ShapeElements([]int64{1, 28, 28}))
	assert.Equal(t, int64(1), ShapeElements(nil))
	assert.Equal(t, int64(784), TensorMeta{Shape: []int64{28, 28}}.Elements())
	assert.Equal(t, int64(0), ShapeElements([]int64{3, 0}))
}

func TestShapeElementsOverflow(t *testing.T) {
	assert.Equal(t, int64(-1), ShapeElements([]int64{4294967296, 4294967296}))
	assert.Equal(t, int64(-1), ShapeElements([]int64{math.MaxInt64, 2}))
	assert.Equal(t, int64(-1), ShapeElements([]int64{2, -3}))
	assert.Equal(t, int64(math.MaxInt64), ShapeElements([]int64{math.MaxInt64, 1}))
}

func TestItemJSONUsesDataKey(t *testing.T) {
	raw, err := json.Marshal(Item{Data: []int{1, 2}})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, DataKey)
	assert.NotContains(t, decoded, "tensor")
}

func TestBatchPayloadsPreservesOrder(t *testing.T) {
	b := Batch{Items: []Item{{Data: "a"}, {Data: "b"}, {Data: "c"}}}
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []any{"a", "b", "c"}, b.Payloads())
}
