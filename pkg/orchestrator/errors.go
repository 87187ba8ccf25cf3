package orchestrator

import "errors"

var (
	// ErrUnknownTool is a dispatch-level error: the caller named a tool nobody registered.
	ErrUnknownTool   = errors.New("unknown tool")
	ErrNilExecutor   = errors.New("executor is nil")
	ErrEmptyToolName = errors.New("executor name is empty")
	ErrExecutorPanic = errors.New("executor panicked")
)

// Messages placed in ToolResponse.Error for outcomes that carry no executor error.
const (
	MsgConsentFailed = "consent verification failed"
	MsgConsentError  = "consent check error"
	MsgTimeout       = "execution timeout"
)
