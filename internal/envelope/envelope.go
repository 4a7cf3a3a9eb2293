// Package envelope translates inference wire protocols to and from the
// canonical batch consumed by a handler.
//
// Each protocol is one Envelope variant. Variants are chosen once, when a
// dispatcher is bound, and hold no per-call state: everything Format needs
// about the request travels in the parsed batch.Batch.
package envelope

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/apex-x/inference-envelope/internal/batch"
)

type Protocol string

const (
	ProtocolLegacy Protocol = "legacy"
	ProtocolV1     Protocol = "v1"
	ProtocolV2     Protocol = "v2"
)

var protocolAliases = map[string]Protocol{
	"":         ProtocolLegacy,
	"legacy":   ProtocolLegacy,
	"json":     ProtocolLegacy,
	"v1":       ProtocolV1,
	"kserve":   ProtocolV1,
	"v2":       ProtocolV2,
	"kservev2": ProtocolV2,
}

// Envelope is the parse/format capability pair of one wire protocol.
type Envelope interface {
	Protocol() Protocol
	// Parse turns a raw wire payload into a canonical batch.
	Parse(raw []byte) (batch.Batch, error)
	// Format builds the wire response for results produced from req.
	Format(req batch.Batch, results []batch.Result) ([]byte, error)
}

// Options configures envelope construction. Fields a variant does not use
// are ignored.
type Options struct {
	ModelName    string
	ModelVersion string
	// NewID generates V2 response ids when the request carries none.
	NewID func() string
}

func ParseProtocol(value string) (Protocol, error) {
	clean := strings.ToLower(strings.TrimSpace(value))
	protocol, ok := protocolAliases[clean]
	if !ok {
		return "", fmt.Errorf("unsupported envelope protocol %q", value)
	}
	return protocol, nil
}

// New returns the envelope variant for protocol.
func New(protocol Protocol, opts Options) (Envelope, error) {
	switch protocol {
	case ProtocolLegacy:
		return NewLegacy(), nil
	case ProtocolV1:
		return NewV1(), nil
	case ProtocolV2:
		return NewV2(opts), nil
	default:
		return nil, fmt.Errorf("unsupported envelope protocol %q", protocol)
	}
}

func resultCountError(req batch.Batch, results []batch.Result) error {
	if len(results) == req.Len() {
		return nil
	}
	return ContractViolationError(
		fmt.Sprintf("envelope: handler returned %d results for %d items", len(results), req.Len()),
		map[string]any{"items": req.Len(), "results": len(results)},
	)
}

func defaultNewID() string {
	return uuid.NewString()
}
