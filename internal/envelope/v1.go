package envelope

import (
	"github.com/apex-x/inference-envelope/internal/batch"
)

const (
	v1InstancesKey   = "instances"
	v1PredictionsKey = "predictions"
)

// V1 implements the instance-list protocol:
//
//	request:  {"instances": [<item>, ...]}  or a bare [<item>, ...]
//	response: {"predictions": [<result>, ...]}
type V1 struct{}

func NewV1() V1 {
	return V1{}
}

func (V1) Protocol() Protocol {
	return ProtocolV1
}

func (V1) Parse(raw []byte) (batch.Batch, error) {
	doc, err := decodeDocument(raw, false)
	if err != nil {
		return batch.Batch{}, err
	}
	instances, err := v1Instances(unwrapBody(doc, v1InstancesKey))
	if err != nil {
		return batch.Batch{}, err
	}
	items := make([]batch.Item, len(instances))
	for idx, instance := range instances {
		payload, liftErr := liftPayload(instance, idx)
		if liftErr != nil {
			return batch.Batch{}, liftErr
		}
		items[idx] = batch.Item{Data: payload}
	}
	return batch.Batch{Items: items}, nil
}

func v1Instances(doc any) ([]any, error) {
	switch value := doc.(type) {
	case []any:
		return value, nil
	case map[string]any:
		raw, ok := value[v1InstancesKey]
		if !ok {
			return nil, MalformedRequestError(`envelope: missing "instances" field`, nil)
		}
		instances, ok := raw.([]any)
		if !ok {
			return nil, MalformedRequestError(
				`envelope: "instances" must be an array`,
				map[string]any{"field": v1InstancesKey},
			)
		}
		return instances, nil
	default:
		return nil, MalformedRequestError(
			"envelope: v1 payload must be an object or an array",
			nil,
		)
	}
}

func (V1) Format(req batch.Batch, results []batch.Result) ([]byte, error) {
	if err := resultCountError(req, results); err != nil {
		return nil, err
	}
	return encodeResponse(map[string]any{
		v1PredictionsKey: nonNilResults(results),
	})
}
