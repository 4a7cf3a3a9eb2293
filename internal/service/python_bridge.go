package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/apex-x/inference-envelope/internal/batch"
	"github.com/apex-x/inference-envelope/internal/dispatch"
)

// bridgeRequest is written to the bridge process on stdin.
type bridgeRequest struct {
	ModelName    string      `json:"model_name"`
	ModelVersion string      `json:"model_version,omitempty"`
	ArtifactPath string      `json:"artifact_path,omitempty"`
	Batch        batch.Batch `json:"batch"`
}

// bridgeResponse is read back from stdout. Results keep number precision.
type bridgeResponse struct {
	Results []any  `json:"results"`
	Error   string `json:"error,omitempty"`
}

type bridgeRunFn func(ctx context.Context, command []string, payload []byte) ([]byte, error)

// BridgeHandler runs one subprocess per batch: the canonical batch goes in as
// JSON on stdin and one result per item comes back as JSON on stdout.
type BridgeHandler struct {
	command []string
	run     bridgeRunFn
}

func NewBridgeHandler(command []string) (*BridgeHandler, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: bridge command is not configured", ErrBackendUnavailable)
	}
	return &BridgeHandler{
		command: append([]string(nil), command...),
		run:     defaultRunBridge,
	}, nil
}

// ParseBridgeCommand splits a whitespace separated command line. A blank
// line yields no command.
func ParseBridgeCommand(raw string) ([]string, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return nil, nil
	}
	parts := strings.Fields(clean)
	if len(parts) == 0 {
		return nil, fmt.Errorf("bridge command is empty")
	}
	return parts, nil
}

func (h *BridgeHandler) Handle(ctx context.Context, b batch.Batch, ec dispatch.ExecutionContext) ([]batch.Result, error) {
	request := bridgeRequest{Batch: b}
	if ec != nil {
		request.ModelName = ec.ModelName()
		request.ModelVersion = ec.ModelVersion()
		request.ArtifactPath = ec.ArtifactPath()
	}
	if request.Batch.Items == nil {
		request.Batch.Items = []batch.Item{}
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode bridge request: %w", ErrBackendProtocol, err)
	}

	stdout, err := h.run(ctx, h.command, payload)
	if err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(bytes.NewReader(stdout))
	decoder.UseNumber()
	var decoded bridgeResponse
	if err := decoder.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: failed to decode bridge response: %w", ErrBackendProtocol, err)
	}
	if strings.TrimSpace(decoded.Error) != "" {
		return nil, fmt.Errorf(
			"%w: bridge runtime error: %s",
			ErrBackendInference,
			strings.TrimSpace(decoded.Error),
		)
	}
	if decoded.Results == nil && b.Len() != 0 {
		return nil, fmt.Errorf("%w: bridge returned no results", ErrBackendProtocol)
	}
	results := make([]batch.Result, len(decoded.Results))
	for idx, result := range decoded.Results {
		results[idx] = result
	}
	return results, nil
}

func defaultRunBridge(ctx context.Context, command []string, payload []byte) ([]byte, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: bridge command is not configured", ErrBackendUnavailable)
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if runErr := cmd.Run(); runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		errText := strings.TrimSpace(stderr.String())
		var execErr *exec.Error
		var pathErr *os.PathError
		if errors.As(runErr, &execErr) || errors.As(runErr, &pathErr) {
			if errText == "" {
				return nil, fmt.Errorf("%w: bridge command failed: %w", ErrBackendUnavailable, runErr)
			}
			return nil, fmt.Errorf(
				"%w: bridge command failed: %w: %s",
				ErrBackendUnavailable,
				runErr,
				errText,
			)
		}
		if errText == "" {
			return nil, fmt.Errorf("%w: bridge command failed: %w", ErrBackendInference, runErr)
		}
		return nil, fmt.Errorf("%w: bridge command failed: %w: %s", ErrBackendInference, runErr, errText)
	}
	return stdout.Bytes(), nil
}
