package envelope

import (
	"github.com/apex-x/inference-envelope/internal/batch"
)

// Legacy passes batches that already speak the canonical format: a JSON
// array of {"data": ...} items (or {"body": ...} rows). A single object is a
// batch of one. Results are returned as a JSON array in item order.
type Legacy struct{}

func NewLegacy() Legacy {
	return Legacy{}
}

func (Legacy) Protocol() Protocol {
	return ProtocolLegacy
}

func (Legacy) Parse(raw []byte) (batch.Batch, error) {
	doc, err := decodeDocument(raw, false)
	if err != nil {
		return batch.Batch{}, err
	}
	var rows []any
	switch value := doc.(type) {
	case []any:
		rows = value
	case map[string]any:
		rows = []any{value}
	default:
		return batch.Batch{}, MalformedRequestError(
			"envelope: legacy payload must be an array of items",
			nil,
		)
	}
	items := make([]batch.Item, len(rows))
	for idx, row := range rows {
		payload, liftErr := liftPayload(row, idx)
		if liftErr != nil {
			return batch.Batch{}, liftErr
		}
		items[idx] = batch.Item{Data: payload}
	}
	return batch.Batch{Items: items}, nil
}

func (Legacy) Format(req batch.Batch, results []batch.Result) ([]byte, error) {
	if err := resultCountError(req, results); err != nil {
		return nil, err
	}
	return encodeResponse(nonNilResults(results))
}
