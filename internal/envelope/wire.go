package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/apex-x/inference-envelope/internal/batch"
)

const (
	bodyKey   = "body"
	binaryKey = "b64"
)

// decodeDocument decodes a whole wire payload. Empty and null payloads are
// malformed: every protocol expects a container. With useNumber set, numbers
// decode to json.Number so integer precision survives.
func decodeDocument(raw []byte, useNumber bool) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, MalformedRequestError("envelope: request body is empty", nil)
	}
	var doc any
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	if useNumber {
		decoder.UseNumber()
	}
	if err := decoder.Decode(&doc); err != nil {
		return nil, MalformedRequestError(
			fmt.Sprintf("envelope: invalid JSON payload: %v", err),
			nil,
		)
	}
	return doc, nil
}

// unwrapBody strips a transport frame: either {"body": {...}} or a list
// holding a single such row, [{"body": {...}}]. The list form is only
// unwrapped when the row's body is a protocol document carrying key, so a
// bare list of body-framed instances stays a list.
func unwrapBody(doc any, key string) any {
	if rows, ok := doc.([]any); ok {
		if len(rows) != 1 {
			return doc
		}
		body, ok := rowBody(rows[0])
		if !ok {
			return doc
		}
		document, ok := body.(map[string]any)
		if !ok {
			return doc
		}
		if _, found := document[key]; !found {
			return doc
		}
		return document
	}
	if body, ok := rowBody(doc); ok {
		return body
	}
	return doc
}

func rowBody(row any) (any, bool) {
	obj, ok := row.(map[string]any)
	if !ok || len(obj) != 1 {
		return nil, false
	}
	body, ok := obj[bodyKey]
	return body, ok
}

// liftPayload extracts the handler payload from one wire item: the value of
// its "data" or "body" key when the item is such an object, otherwise the
// item itself. Binary values wrapped as {"b64": "..."} become []byte.
func liftPayload(item any, index int) (any, error) {
	if obj, ok := item.(map[string]any); ok {
		for _, key := range []string{batch.DataKey, bodyKey} {
			if value, found := obj[key]; found {
				return decodeBinary(value, index)
			}
		}
	}
	return decodeBinary(item, index)
}

func decodeBinary(value any, index int) (any, error) {
	obj, ok := value.(map[string]any)
	if !ok || len(obj) != 1 {
		return value, nil
	}
	encoded, ok := obj[binaryKey]
	if !ok {
		return value, nil
	}
	text, ok := encoded.(string)
	if !ok {
		return nil, MalformedRequestError(
			"envelope: b64 value must be a string",
			map[string]any{"index": index},
		)
	}
	decoded, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, MalformedRequestError(
			fmt.Sprintf("envelope: invalid b64 value: %v", err),
			map[string]any{"index": index},
		)
	}
	return decoded, nil
}

func encodeResponse(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, ContractViolationError(
			fmt.Sprintf("envelope: handler results are not serializable: %v", err),
			nil,
		)
	}
	return raw, nil
}

func nonNilResults(results []batch.Result) []batch.Result {
	if results == nil {
		return []batch.Result{}
	}
	return results
}
