package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the per-call outcome encoded in a ToolResponse.
type ExecutionStatus string

const (
	StatusSuccess       ExecutionStatus = "SUCCESS"
	StatusFailed        ExecutionStatus = "FAILED"
	StatusTimeout       ExecutionStatus = "TIMEOUT"
	StatusConsentDenied ExecutionStatus = "CONSENT_DENIED"
)

// ExecutionContext carries the caller's session and consent proof.
type ExecutionContext struct {
	SessionID       uuid.UUID         `json:"session_id"`
	ConsentProof    string            `json:"consent_proof"`
	BiophysicalHash string            `json:"biophysical_hash,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ToolCall is a request to run one named tool.
type ToolCall struct {
	ID         uuid.UUID        `json:"id"`
	ToolName   string           `json:"tool_name"`
	Parameters json.RawMessage  `json:"parameters,omitempty"`
	UserID     string           `json:"user_id"`
	Context    ExecutionContext `json:"context"`
	TimeoutMS  uint64           `json:"timeout_ms"`
}

// NewToolCall builds a call with fresh call and session ids.
func NewToolCall(toolName, userID, consentProof string, params any, timeout time.Duration) (*ToolCall, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode parameters: %w", err)
		}
		raw = b
	}
	return &ToolCall{
		ID:         uuid.New(),
		ToolName:   toolName,
		Parameters: raw,
		UserID:     userID,
		Context: ExecutionContext{
			SessionID:    uuid.New(),
			ConsentProof: consentProof,
			Metadata:     map[string]string{},
		},
		TimeoutMS: uint64(timeout.Milliseconds()),
	}, nil
}

// ToolResponse is the uniform envelope returned for every dispatched call.
// Result is nil unless Status is StatusSuccess.
type ToolResponse struct {
	CallID     uuid.UUID       `json:"call_id"`
	Status     ExecutionStatus `json:"status"`
	Result     any             `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS uint64          `json:"duration_ms"`
}

// ToolExecutor performs the work named by a tool call.
// Implementations must be safe for concurrent use.
type ToolExecutor interface {
	// Execute runs the call. ctx is cancelled when the call's deadline passes;
	// honouring it is best-effort.
	Execute(ctx context.Context, call *ToolCall) (any, error)
	// Name is the registration key.
	Name() string
	// SupportsCapability is advisory. Dispatch is by name only.
	SupportsCapability(capability string) bool
}

// ConsentVerifier gates every dispatch.
type ConsentVerifier interface {
	VerifyConsent(ctx context.Context, userID, proof string) (bool, error)
}
