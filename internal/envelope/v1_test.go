package envelope

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-x/inference-envelope/internal/batch"
)

func TestV1ParseInstancesLiftsData(t *testing.T) {
	env := NewV1()
	parsed, err := env.Parse([]byte(`{"instances":[{"data":[1,2]},{"body":"b"},3,{"other":true}]}`))
	require.NoError(t, err)

	require.Equal(t, 4, parsed.Len())
	assert.Equal(t, []any{float64(1), float64(2)}, parsed.Items[0].Data)
	assert.Equal(t, "b", parsed.Items[1].Data)
	assert.Equal(t, float64(3), parsed.Items[2].Data)
	assert.Equal(t, map[string]any{"other": true}, parsed.Items[3].Data)
	for _, item := range parsed.Items {
		assert.Nil(t, item.Tensor)
	}
}

func TestV1ParseDecodesBinaryImage(t *testing.T) {
	image := make([]byte, 784)
	for idx := range image {
		image[idx] = byte(idx % 256)
	}
	payload := map[string]any{
		"instances": []any{
			map[string]any{"data": map[string]any{"b64": base64.StdEncoding.EncodeToString(image)}},
		},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	parsed, err := NewV1().Parse(raw)
	require.NoError(t, err)
	require.Equal(t, 1, parsed.Len())
	assert.Equal(t, image, parsed.Items[0].Data)
}

func TestV1ParseBareListAndBodyFrame(t *testing.T) {
	env := NewV1()

	parsed, err := env.Parse([]byte(`[{"data":1},{"data":2}]`))
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, parsed.Payloads())

	parsed, err = env.Parse([]byte(`{"body":{"instances":[{"data":"x"}]}}`))
	require.NoError(t, err)
	assert.Equal(t, []any{"x"}, parsed.Payloads())
}

func TestV1ParseTorchServeRowList(t *testing.T) {
	env := NewV1()

	parsed, err := env.Parse([]byte(`[{"body":{"instances":[{"data":[1,2]},{"data":[3,4]}]}}]`))
	require.NoError(t, err)
	require.Equal(t, 2, parsed.Len())
	assert.Equal(t, []any{[]any{float64(1), float64(2)}, []any{float64(3), float64(4)}}, parsed.Payloads())

	// body rows without an instances document stay a bare instance list
	parsed, err = env.Parse([]byte(`[{"body":{"data":7}}]`))
	require.NoError(t, err)
	assert.Equal(t, []any{float64(7)}, parsed.Payloads())
}

func TestV1MalformedRequests(t *testing.T) {
	env := NewV1()
	cases := map[string]string{
		"missing instances":   `{"inputs":[]}`,
		"instances not array": `{"instances":{"data":1}}`,
		"scalar payload":      `42`,
		"null payload":        `null`,
		"bad b64":             `{"instances":[{"data":{"b64":"***"}}]}`,
		"non-string b64":      `{"instances":[{"b64":1}]}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Parse([]byte(payload))
			require.Error(t, err)
			assert.True(t, IsMalformedRequest(err), "expected malformed request, got %v", err)
			assert.Equal(t, 400, StatusCode(err))
		})
	}
}

func TestV1EmptyInstancesRoundTrip(t *testing.T) {
	env := NewV1()
	parsed, err := env.Parse([]byte(`{"instances":[]}`))
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.Len())

	out, err := env.Format(parsed, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"predictions":[]}`, string(out))
}

func TestV1FormatPreservesOrder(t *testing.T) {
	env := NewV1()
	parsed, err := env.Parse([]byte(`{"instances":[{"data":"a"},{"data":"b"},{"data":"c"}]}`))
	require.NoError(t, err)

	out, err := env.Format(parsed, []batch.Result{0, 1, 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"predictions":[0,1,2]}`, string(out))
}

func TestV1FormatResultCountMismatch(t *testing.T) {
	env := NewV1()
	parsed, err := env.Parse([]byte(`{"instances":[1,2]}`))
	require.NoError(t, err)

	_, err = env.Format(parsed, []batch.Result{1})
	require.Error(t, err)
	assert.True(t, IsContractViolation(err))
	assert.Equal(t, 500, StatusCode(err))
}

func TestV1FormatUnserializableResult(t *testing.T) {
	env := NewV1()
	parsed, err := env.Parse([]byte(`{"instances":[1]}`))
	require.NoError(t, err)

	_, err = env.Format(parsed, []batch.Result{make(chan int)})
	require.Error(t, err)
	assert.True(t, IsContractViolation(err))
}
