// Package orchestrator dispatches tool calls to registered executors after a consent check.
//
// ExecuteTool never reports a per-call outcome as an error. Consent denial, executor
// failure and timeout are all encoded in the returned ToolResponse; the only hard
// error is a request for a tool that is not registered.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Doctor0Evil/Cybulous/pkg/observability"
)

// DefaultTimeout applies to calls with a zero timeout.
const DefaultTimeout = 30 * time.Second

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger.With("component", "orchestrator")
	}
}

func WithTelemetry(p *observability.Provider) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.telemetry = p
		}
	}
}

// WithDefaultTimeout sets the deadline for calls that do not carry one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.defaultTimeout = d
		}
	}
}

// Orchestrator gates, locates and invokes executors.
type Orchestrator struct {
	consent        ConsentVerifier
	registry       *Registry
	maxConcurrent  int
	defaultTimeout time.Duration
	logger         *slog.Logger
	telemetry      *observability.Provider
}

// New creates an orchestrator. maxConcurrent is recorded as a capacity hint; dispatch is not throttled.
func New(consent ConsentVerifier, maxConcurrent int, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		consent:        consent,
		registry:       NewRegistry(),
		maxConcurrent:  maxConcurrent,
		defaultTimeout: DefaultTimeout,
		logger:         slog.Default().With("component", "orchestrator"),
		telemetry:      observability.Disabled(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// MaxConcurrent returns the configured capacity hint.
func (o *Orchestrator) MaxConcurrent() int {
	return o.maxConcurrent
}

// RegisterExecutor adds exec under its name. The last registration for a name wins.
func (o *Orchestrator) RegisterExecutor(exec ToolExecutor) error {
	if exec == nil {
		return ErrNilExecutor
	}
	name := exec.Name()
	if name == "" {
		return ErrEmptyToolName
	}

	if o.registry.Register(exec) {
		o.logger.Warn("executor overwritten", "tool", name)
	} else {
		o.logger.Info("executor registered", "tool", name)
	}
	return nil
}

// ListTools returns a sorted snapshot of registered tool names.
func (o *Orchestrator) ListTools() []string {
	return o.registry.Names()
}

// ExecuteTool verifies consent, looks up the executor and races it against the call's deadline.
func (o *Orchestrator) ExecuteTool(ctx context.Context, call ToolCall) (_ *ToolResponse, err error) {
	start := time.Now()
	ctx, done := o.telemetry.TrackOperation(ctx, "tool.execute", attribute.String("tool.name", call.ToolName))
	defer func() { done(err) }()

	ok, verr := o.consent.VerifyConsent(ctx, call.UserID, call.Context.ConsentProof)
	if verr != nil || !ok {
		msg := MsgConsentFailed
		if verr != nil {
			msg = MsgConsentError
			o.logger.WarnContext(ctx, "consent check errored, denying call", "call_id", call.ID, "user_id", call.UserID, "error", verr)
		} else {
			o.logger.WarnContext(ctx, "consent denied", "call_id", call.ID, "user_id", call.UserID, "tool", call.ToolName)
		}
		return &ToolResponse{
			CallID:     call.ID,
			Status:     StatusConsentDenied,
			Error:      msg,
			DurationMS: elapsedMS(start),
		}, nil
	}

	exec, found := o.registry.Lookup(call.ToolName)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, call.ToolName)
	}

	return o.dispatch(ctx, exec, &call, o.timeoutFor(call), start), nil
}

type outcome struct {
	result any
	err    error
}

// dispatch runs exec in its own goroutine. When the deadline wins, the goroutine is
// abandoned; it sees a cancelled context but is not waited for.
func (o *Orchestrator) dispatch(ctx context.Context, exec ToolExecutor, call *ToolCall, timeout time.Duration, start time.Time) *ToolResponse {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- outcome{err: fmt.Errorf("%w: %v", ErrExecutorPanic, r)}
			}
		}()
		res, err := exec.Execute(execCtx, call)
		results <- outcome{result: res, err: err}
	}()

	select {
	case out := <-results:
		if out.err == nil {
			return &ToolResponse{
				CallID:     call.ID,
				Status:     StatusSuccess,
				Result:     out.result,
				DurationMS: elapsedMS(start),
			}
		}
		if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil && execCtx.Err() != nil {
			return o.timedOut(ctx, call, timeout)
		}
		o.logger.ErrorContext(ctx, "tool execution failed", "call_id", call.ID, "tool", call.ToolName, "error", out.err)
		return &ToolResponse{
			CallID:     call.ID,
			Status:     StatusFailed,
			Error:      out.err.Error(),
			DurationMS: elapsedMS(start),
		}

	case <-execCtx.Done():
		if parentErr := ctx.Err(); parentErr != nil {
			o.logger.WarnContext(ctx, "tool execution cancelled by caller", "call_id", call.ID, "tool", call.ToolName)
			return &ToolResponse{
				CallID:     call.ID,
				Status:     StatusFailed,
				Error:      "execution cancelled: " + parentErr.Error(),
				DurationMS: elapsedMS(start),
			}
		}
		return o.timedOut(ctx, call, timeout)
	}
}

func (o *Orchestrator) timedOut(ctx context.Context, call *ToolCall, timeout time.Duration) *ToolResponse {
	o.logger.WarnContext(ctx, "tool execution timed out", "call_id", call.ID, "tool", call.ToolName, "timeout_ms", timeout.Milliseconds())
	return &ToolResponse{
		CallID:     call.ID,
		Status:     StatusTimeout,
		Error:      MsgTimeout,
		DurationMS: uint64(timeout.Milliseconds()),
	}
}

const maxTimeoutMS = uint64(math.MaxInt64 / int64(time.Millisecond))

func (o *Orchestrator) timeoutFor(call ToolCall) time.Duration {
	if call.TimeoutMS == 0 {
		return o.defaultTimeout
	}
	ms := call.TimeoutMS
	if ms > maxTimeoutMS {
		ms = maxTimeoutMS
	}
	return time.Duration(ms) * time.Millisecond
}

func elapsedMS(start time.Time) uint64 {
	return uint64(time.Since(start).Milliseconds())
}
