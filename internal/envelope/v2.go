package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/apex-x/inference-envelope/internal/batch"
)

const v2InputsKey = "inputs"

type v2InferenceRequest struct {
	ID         string           `json:"id,omitempty"`
	Inputs     []v2RequestInput `json:"inputs"`
	Parameters map[string]any   `json:"parameters,omitempty"`
}

type v2RequestInput struct {
	Name       string          `json:"name"`
	Shape      []json.Number   `json:"shape"`
	Datatype   string          `json:"datatype"`
	Parameters map[string]any  `json:"parameters,omitempty"`
	Data       json.RawMessage `json:"data"`
}

type v2InferenceResponse struct {
	ID           string             `json:"id"`
	ModelName    string             `json:"model_name,omitempty"`
	ModelVersion string             `json:"model_version,omitempty"`
	Outputs      []v2ResponseOutput `json:"outputs"`
}

type v2ResponseOutput struct {
	Name     string         `json:"name"`
	Shape    []int64        `json:"shape"`
	Datatype batch.Datatype `json:"datatype"`
	Data     []any          `json:"data"`
}

// V2 implements the named-tensor protocol. Every input becomes one item
// whose Data is a flat typed slice and whose Tensor metadata lets Format
// echo name, shape and datatype.
type V2 struct {
	modelName    string
	modelVersion string
	newID        func() string
}

func NewV2(opts Options) V2 {
	newID := opts.NewID
	if newID == nil {
		newID = defaultNewID
	}
	return V2{
		modelName:    strings.TrimSpace(opts.ModelName),
		modelVersion: strings.TrimSpace(opts.ModelVersion),
		newID:        newID,
	}
}

func (V2) Protocol() Protocol {
	return ProtocolV2
}

func (e V2) Parse(raw []byte) (batch.Batch, error) {
	doc, err := decodeDocument(raw, true)
	if err != nil {
		return batch.Batch{}, err
	}
	obj, ok := unwrapBody(doc, v2InputsKey).(map[string]any)
	if !ok {
		return batch.Batch{}, MalformedRequestError("envelope: v2 payload must be an object", nil)
	}
	// Re-encode the unwrapped body so the typed decode sees one document shape.
	body, err := json.Marshal(obj)
	if err != nil {
		return batch.Batch{}, MalformedRequestError(
			fmt.Sprintf("envelope: invalid v2 payload: %v", err),
			nil,
		)
	}
	var req v2InferenceRequest
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&req); err != nil {
		return batch.Batch{}, MalformedRequestError(
			fmt.Sprintf("envelope: invalid v2 payload: %v", err),
			nil,
		)
	}
	if req.Inputs == nil {
		return batch.Batch{}, MalformedRequestError(`envelope: missing "inputs" field`, nil)
	}
	items := make([]batch.Item, len(req.Inputs))
	for idx, input := range req.Inputs {
		item, inputErr := parseV2Input(idx, input)
		if inputErr != nil {
			return batch.Batch{}, inputErr
		}
		items[idx] = item
	}
	return batch.Batch{ID: req.ID, Items: items}, nil
}

func parseV2Input(index int, input v2RequestInput) (batch.Item, error) {
	name := input.Name
	metadata := map[string]any{"input": index, "name": name}
	if strings.TrimSpace(name) == "" {
		return batch.Item{}, MalformedRequestError(
			fmt.Sprintf("envelope: input %d is missing a name", index),
			metadata,
		)
	}
	if strings.TrimSpace(input.Datatype) == "" {
		return batch.Item{}, MalformedRequestError(
			fmt.Sprintf("envelope: input %q is missing a datatype", name),
			metadata,
		)
	}
	datatype, err := batch.ParseDatatype(input.Datatype)
	if err != nil {
		metadata["datatype"] = input.Datatype
		return batch.Item{}, UnsupportedDatatypeError(
			fmt.Sprintf("envelope: input %q: %v", name, err),
			metadata,
		)
	}
	shape, err := parseShape(input.Shape)
	if err != nil {
		return batch.Item{}, MalformedRequestError(
			fmt.Sprintf("envelope: input %q: %v", name, err),
			metadata,
		)
	}
	trimmed := bytes.TrimSpace(input.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return batch.Item{}, MalformedRequestError(
			fmt.Sprintf("envelope: input %q is missing data", name),
			metadata,
		)
	}
	var data any
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	if err := decoder.Decode(&data); err != nil {
		return batch.Item{}, MalformedRequestError(
			fmt.Sprintf("envelope: input %q has invalid data: %v", name, err),
			metadata,
		)
	}
	if _, isList := data.([]any); !isList {
		return batch.Item{}, MalformedRequestError(
			fmt.Sprintf("envelope: input %q data must be an array", name),
			metadata,
		)
	}
	leaves := flattenInput(data, nil)
	expected := batch.ShapeElements(shape)
	if int64(len(leaves)) != expected {
		metadata["shape"] = shape
		metadata["expected"] = expected
		metadata["actual"] = len(leaves)
		return batch.Item{}, ShapeMismatchError(
			fmt.Sprintf(
				"envelope: input %q declares shape %v (%d elements) but carries %d",
				name,
				shape,
				expected,
				len(leaves),
			),
			metadata,
		)
	}
	typed, err := typedTensorData(datatype, leaves)
	if err != nil {
		return batch.Item{}, MalformedRequestError(
			fmt.Sprintf("envelope: input %q: %v", name, err),
			metadata,
		)
	}
	return batch.Item{
		Data: typed,
		Tensor: &batch.TensorMeta{
			Name:     name,
			Shape:    shape,
			Datatype: datatype,
		},
	}, nil
}

func parseShape(raw []json.Number) ([]int64, error) {
	if raw == nil {
		return nil, fmt.Errorf("missing shape")
	}
	shape := make([]int64, len(raw))
	for idx, dim := range raw {
		value, err := dim.Int64()
		if err != nil || value <= 0 {
			return nil, fmt.Errorf("shape dimension %d must be a positive integer, got %s", idx, dim)
		}
		shape[idx] = value
	}
	if batch.ShapeElements(shape) < 0 {
		return nil, fmt.Errorf("shape %v holds more elements than can be addressed", shape)
	}
	return shape, nil
}

func (e V2) Format(req batch.Batch, results []batch.Result) ([]byte, error) {
	if err := resultCountError(req, results); err != nil {
		return nil, err
	}
	id := req.ID
	if id == "" {
		id = e.newID()
	}
	outputs := make([]v2ResponseOutput, 0, len(results))
	for idx, result := range results {
		output, err := formatV2Output(idx, req.Items[idx].Tensor, result)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, output)
	}
	return encodeResponse(v2InferenceResponse{
		ID:           id,
		ModelName:    e.modelName,
		ModelVersion: e.modelVersion,
		Outputs:      outputs,
	})
}

// formatV2Output applies the metadata policy: fields declared by a
// TensorOutput win; otherwise the input name is echoed, and shape and
// datatype are echoed when the result holds as many elements as the input.
func formatV2Output(index int, input *batch.TensorMeta, result batch.Result) (v2ResponseOutput, error) {
	declared := batch.TensorOutput{Data: result}
	switch value := result.(type) {
	case batch.TensorOutput:
		declared = value
	case *batch.TensorOutput:
		if value != nil {
			declared = *value
		}
	}
	leaves, inferred := flattenOutput(declared.Data)
	count := int64(len(leaves))

	output := v2ResponseOutput{Data: leaves}
	output.Name = declared.Name
	if strings.TrimSpace(output.Name) == "" && input != nil {
		output.Name = input.Name
	}
	if strings.TrimSpace(output.Name) == "" {
		output.Name = fmt.Sprintf("output-%d", index)
	}

	echo := input != nil && input.Elements() == count
	switch {
	case len(declared.Shape) > 0:
		if batch.ShapeElements(declared.Shape) != count {
			return v2ResponseOutput{}, ContractViolationError(
				fmt.Sprintf(
					"envelope: output %q declares shape %v but carries %d elements",
					output.Name,
					declared.Shape,
					count,
				),
				map[string]any{"output": index, "name": output.Name},
			)
		}
		output.Shape = append([]int64(nil), declared.Shape...)
	case echo:
		output.Shape = append([]int64(nil), input.Shape...)
	default:
		output.Shape = []int64{count}
	}

	switch {
	case declared.Datatype != "":
		if !declared.Datatype.Valid() {
			return v2ResponseOutput{}, ContractViolationError(
				fmt.Sprintf("envelope: output %q declares unsupported datatype %q", output.Name, declared.Datatype),
				map[string]any{"output": index, "name": output.Name},
			)
		}
		output.Datatype = declared.Datatype
	case echo && (inferred == "" || sameFamily(inferred, input.Datatype)):
		output.Datatype = input.Datatype
	case inferred != "":
		output.Datatype = inferred
	case input != nil:
		output.Datatype = input.Datatype
	default:
		output.Datatype = batch.DatatypeBytes
	}
	return output, nil
}
