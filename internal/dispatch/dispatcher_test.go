package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/apex-x/inference-envelope/internal/batch"
	"github.com/apex-x/inference-envelope/internal/envelope"
)

type stubContext struct{}

func (stubContext) ModelName() string    { return "mnist" }
func (stubContext) ModelVersion() string { return "1" }
func (stubContext) ArtifactPath() string { return "/models/mnist.pt" }

type countingHandler struct {
	mu      sync.Mutex
	calls   int
	batches []batch.Batch
	respond func(b batch.Batch) ([]batch.Result, error)
}

func (h *countingHandler) Handle(_ context.Context, b batch.Batch, _ ExecutionContext) ([]batch.Result, error) {
	h.mu.Lock()
	h.calls++
	h.batches = append(h.batches, b)
	h.mu.Unlock()
	return h.respond(b)
}

func (h *countingHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type dispatchRecord struct {
	protocol  envelope.Protocol
	batchSize int
	err       error
}

type recordingObserver struct {
	records []dispatchRecord
}

func (o *recordingObserver) ObserveDispatch(protocol envelope.Protocol, batchSize int, _ time.Duration, err error) {
	o.records = append(o.records, dispatchRecord{protocol: protocol, batchSize: batchSize, err: err})
}

// echoData returns each item's payload unchanged.
func echoData(b batch.Batch) ([]batch.Result, error) {
	return b.Payloads(), nil
}

func mustDispatcher(t *testing.T, protocol envelope.Protocol, handler Handler, opts ...Option) *Dispatcher {
	t.Helper()
	env, err := envelope.New(protocol, envelope.Options{NewID: func() string { return "generated-id" }})
	require.NoError(t, err)
	d, err := New(env, handler, opts...)
	require.NoError(t, err)
	return d
}

func TestNewRejectsNilCollaborators(t *testing.T) {
	_, err := New(nil, HandlerFunc(func(context.Context, batch.Batch, ExecutionContext) ([]batch.Result, error) {
		return nil, nil
	}))
	require.Error(t, err)

	_, err = New(envelope.NewLegacy(), nil)
	require.Error(t, err)
}

func TestHandleIsProtocolAgnostic(t *testing.T) {
	requests := map[envelope.Protocol]string{
		envelope.ProtocolLegacy: `[{"data":[1,2,3]}]`,
		envelope.ProtocolV1:     `{"instances":[{"data":[1,2,3]}]}`,
		envelope.ProtocolV2:     `{"inputs":[{"name":"x","shape":[3],"datatype":"INT64","data":[1,2,3]}]}`,
	}
	for protocol, raw := range requests {
		t.Run(string(protocol), func(t *testing.T) {
			handler := &countingHandler{respond: func(b batch.Batch) ([]batch.Result, error) {
				return []batch.Result{"ok"}, nil
			}}
			d := mustDispatcher(t, protocol, handler)
			_, err := d.Handle(context.Background(), []byte(raw), stubContext{})
			require.NoError(t, err)
			require.Equal(t, 1, handler.Calls())

			got := handler.batches[0]
			require.Equal(t, 1, got.Len())
			switch data := got.Items[0].Data.(type) {
			case []any:
				assert.Len(t, data, 3)
			case []int64:
				assert.Equal(t, []int64{1, 2, 3}, data)
			default:
				t.Fatalf("unexpected canonical payload %T", data)
			}
		})
	}
}

func TestHandleEmptyBatchInvokesHandler(t *testing.T) {
	cases := map[envelope.Protocol]struct {
		request string
		want    string
	}{
		envelope.ProtocolV1: {request: `{"instances":[]}`, want: `{"predictions":[]}`},
		envelope.ProtocolV2: {request: `{"id":"empty","inputs":[]}`, want: `{"id":"empty","outputs":[]}`},
	}
	for protocol, tc := range cases {
		t.Run(string(protocol), func(t *testing.T) {
			handler := &countingHandler{respond: echoData}
			d := mustDispatcher(t, protocol, handler)
			out, err := d.Handle(context.Background(), []byte(tc.request), stubContext{})
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(out))
			assert.Equal(t, 1, handler.Calls())
			assert.Equal(t, 0, handler.batches[0].Len())
		})
	}
}

func TestHandleShapeMismatchSkipsHandler(t *testing.T) {
	handler := &countingHandler{respond: echoData}
	d := mustDispatcher(t, envelope.ProtocolV2, handler)

	raw := `{"inputs":[{"name":"x","shape":[2,2],"datatype":"FP32","data":[1,2,3]}]}`
	out, err := d.Handle(context.Background(), []byte(raw), stubContext{})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, envelope.IsShapeMismatch(err))
	assert.Equal(t, 0, handler.Calls())
}

func TestHandleParseErrorsSkipHandler(t *testing.T) {
	cases := map[string]struct {
		protocol envelope.Protocol
		raw      string
		check    func(error) bool
	}{
		"v1 missing instances": {envelope.ProtocolV1, `{"rows":[]}`, envelope.IsMalformedRequest},
		"v2 bad datatype":      {envelope.ProtocolV2, `{"inputs":[{"name":"x","shape":[1],"datatype":"FP8","data":[1]}]}`, envelope.IsUnsupportedDatatype},
		"legacy invalid json":  {envelope.ProtocolLegacy, `[{"data":`, envelope.IsMalformedRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			handler := &countingHandler{respond: echoData}
			d := mustDispatcher(t, tc.protocol, handler)
			_, err := d.Handle(context.Background(), []byte(tc.raw), stubContext{})
			require.Error(t, err)
			assert.True(t, tc.check(err), "unexpected error kind: %v", err)
			assert.Equal(t, 0, handler.Calls())
		})
	}
}

func TestHandleResultCountMismatchIsContractViolation(t *testing.T) {
	handler := &countingHandler{respond: func(b batch.Batch) ([]batch.Result, error) {
		return []batch.Result{1}, nil
	}}
	d := mustDispatcher(t, envelope.ProtocolV1, handler)

	out, err := d.Handle(context.Background(), []byte(`{"instances":[1,2,3]}`), stubContext{})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, envelope.IsContractViolation(err))
	assert.Equal(t, 1, handler.Calls())
}

func TestHandleWrapsHandlerFailure(t *testing.T) {
	handler := &countingHandler{respond: func(batch.Batch) ([]batch.Result, error) {
		return nil, errors.New("model crashed")
	}}
	d := mustDispatcher(t, envelope.ProtocolV1, handler)

	_, err := d.Handle(context.Background(), []byte(`{"instances":[1]}`), stubContext{})
	require.Error(t, err)
	assert.True(t, envelope.IsHandlerFailed(err))
	assert.Contains(t, err.Error(), "model crashed")
	assert.Equal(t, 1, handler.Calls())
}

func TestHandleKeepsClassifiedHandlerErrors(t *testing.T) {
	handler := &countingHandler{respond: func(batch.Batch) ([]batch.Result, error) {
		return nil, envelope.ContractViolationError("handler refused the batch", nil)
	}}
	d := mustDispatcher(t, envelope.ProtocolV1, handler)

	_, err := d.Handle(context.Background(), []byte(`{"instances":[1]}`), stubContext{})
	require.Error(t, err)
	assert.True(t, envelope.IsContractViolation(err))
	assert.False(t, envelope.IsHandlerFailed(err))
}

func TestHandlePassesExecutionContextThrough(t *testing.T) {
	var seen ExecutionContext
	handler := HandlerFunc(func(_ context.Context, b batch.Batch, ec ExecutionContext) ([]batch.Result, error) {
		seen = ec
		return echoData(b)
	})
	d := mustDispatcher(t, envelope.ProtocolLegacy, handler)

	_, err := d.Handle(context.Background(), []byte(`[{"data":1}]`), stubContext{})
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, "mnist", seen.ModelName())
	assert.Equal(t, "/models/mnist.pt", seen.ArtifactPath())
}

func TestHandlePreservesOrderAcrossBatch(t *testing.T) {
	handler := &countingHandler{respond: func(b batch.Batch) ([]batch.Result, error) {
		results := make([]batch.Result, b.Len())
		for idx, item := range b.Items {
			results[idx] = item.Data.(string) + "!"
		}
		return results, nil
	}}
	d := mustDispatcher(t, envelope.ProtocolV1, handler)

	out, err := d.Handle(context.Background(), []byte(`{"instances":["a","b","c","d"]}`), stubContext{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"predictions":["a!","b!","c!","d!"]}`, string(out))
}

// Single grayscale digit through the V1 instance envelope.
func TestHandleV1DigitClassification(t *testing.T) {
	image := make([]byte, 784)
	for idx := range image {
		image[idx] = byte((idx * 7) % 256)
	}
	raw, err := json.Marshal(map[string]any{
		"instances": []any{map[string]any{"data": map[string]any{"b64": base64.StdEncoding.EncodeToString(image)}}},
	})
	require.NoError(t, err)

	handler := &countingHandler{respond: func(b batch.Batch) ([]batch.Result, error) {
		pixels, ok := b.Items[0].Data.([]byte)
		if !ok || len(pixels) != 784 {
			return nil, errors.New("expected 784 raw pixels")
		}
		return []batch.Result{int(pixels[783]) % 10}, nil
	}}
	d := mustDispatcher(t, envelope.ProtocolV1, handler)

	out, err := d.Handle(context.Background(), raw, stubContext{})
	require.NoError(t, err)

	var response struct {
		Predictions []int `json:"predictions"`
	}
	require.NoError(t, json.Unmarshal(out, &response))
	require.Len(t, response.Predictions, 1)
	assert.GreaterOrEqual(t, response.Predictions[0], 0)
	assert.LessOrEqual(t, response.Predictions[0], 9)
}

// Named FP32 tensor through the V2 envelope with id and name echo.
func TestHandleV2DigitClassification(t *testing.T) {
	pixels := make([]float32, 784)
	for idx := range pixels {
		pixels[idx] = float32(idx%255) / 255
	}
	raw, err := json.Marshal(map[string]any{
		"id": "test-id",
		"inputs": []any{map[string]any{
			"name":     "test-input",
			"shape":    []int{1, 28, 28},
			"datatype": "FP32",
			"data":     pixels,
		}},
	})
	require.NoError(t, err)

	handler := &countingHandler{respond: func(b batch.Batch) ([]batch.Result, error) {
		data, ok := b.Items[0].Data.([]float32)
		if !ok || len(data) != 784 {
			return nil, errors.New("expected 784 fp32 values")
		}
		return []batch.Result{7}, nil
	}}
	d := mustDispatcher(t, envelope.ProtocolV2, handler)

	out, err := d.Handle(context.Background(), raw, stubContext{})
	require.NoError(t, err)

	var response struct {
		ID      string `json:"id"`
		Outputs []struct {
			Name     string    `json:"name"`
			Shape    []int64   `json:"shape"`
			Datatype string    `json:"datatype"`
			Data     []float64 `json:"data"`
		} `json:"outputs"`
	}
	require.NoError(t, json.Unmarshal(out, &response))
	assert.Equal(t, "test-id", response.ID)
	require.Len(t, response.Outputs, 1)
	output := response.Outputs[0]
	assert.Equal(t, "test-input", output.Name)
	assert.Equal(t, []int64{1}, output.Shape)
	assert.Equal(t, "INT64", output.Datatype)
	require.Len(t, output.Data, 1)
	assert.InDelta(t, 7, output.Data[0], 0)
}

func TestHandleNotifiesObserverAndLogs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	obs := &recordingObserver{}
	handler := &countingHandler{respond: echoData}
	d := mustDispatcher(t, envelope.ProtocolV1, handler, WithLogger(zap.New(core)), WithObserver(obs))

	_, err := d.Handle(context.Background(), []byte(`{"instances":[1,2]}`), stubContext{})
	require.NoError(t, err)
	_, err = d.Handle(context.Background(), []byte(`{"nope":1}`), stubContext{})
	require.Error(t, err)

	require.Len(t, obs.records, 2)
	assert.Equal(t, dispatchRecord{protocol: envelope.ProtocolV1, batchSize: 2}, obs.records[0])
	assert.Equal(t, 0, obs.records[1].batchSize)
	assert.True(t, envelope.IsMalformedRequest(obs.records[1].err))

	assert.Equal(t, 1, logs.FilterMessage("dispatch_done").Len())
	rejected := logs.FilterMessage("dispatch_rejected").All()
	require.Len(t, rejected, 1)
	assert.Equal(t, envelope.ErrorMalformedRequest, rejected[0].ContextMap()["kind"])
}

func TestDispatcherIsSafeForConcurrentUse(t *testing.T) {
	handler := &countingHandler{respond: echoData}
	d := mustDispatcher(t, envelope.ProtocolV1, handler)

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				out, err := d.Handle(context.Background(), []byte(`{"instances":["x"]}`), stubContext{})
				if err != nil || string(out) != `{"predictions":["x"]}` {
					t.Errorf("Handle() = %s, %v", out, err)
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 200, handler.Calls())
	assert.Equal(t, envelope.ProtocolV1, d.Protocol())
}
