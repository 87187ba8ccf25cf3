package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConsent struct {
	allow bool
	err   error
	calls atomic.Int32
}

func (s *stubConsent) VerifyConsent(ctx context.Context, userID, proof string) (bool, error) {
	s.calls.Add(1)
	return s.allow, s.err
}

type testExecutor struct {
	name  string
	calls atomic.Int32
	run   func(ctx context.Context, call *ToolCall) (any, error)
}

func (e *testExecutor) Execute(ctx context.Context, call *ToolCall) (any, error) {
	e.calls.Add(1)
	return e.run(ctx, call)
}

func (e *testExecutor) Name() string { return e.name }

func (e *testExecutor) SupportsCapability(string) bool { return false }

func returning(name string, v any) *testExecutor {
	return &testExecutor{name: name, run: func(context.Context, *ToolCall) (any, error) { return v, nil }}
}

func call(tool string, timeoutMS uint64) ToolCall {
	c, _ := NewToolCall(tool, "user-1", "proof", map[string]any{"k": "v"}, 0)
	c.TimeoutMS = timeoutMS
	return *c
}

func TestExecuteTool_Success(t *testing.T) {
	o := New(&stubConsent{allow: true}, 4)
	require.NoError(t, o.RegisterExecutor(returning("echo", map[string]any{"ok": true})))

	c := call("echo", 1000)
	resp, err := o.ExecuteTool(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, c.ID, resp.CallID)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, map[string]any{"ok": true}, resp.Result)
	assert.Empty(t, resp.Error)
	assert.Less(t, resp.DurationMS, uint64(1000))
}

func TestExecuteTool_ConsentDeniedNeverInvokesExecutor(t *testing.T) {
	tests := []struct {
		name    string
		consent *stubConsent
		msg     string
	}{
		{"verification false", &stubConsent{allow: false}, MsgConsentFailed},
		{"verification error", &stubConsent{allow: true, err: errors.New("ledger down")}, MsgConsentError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New(tt.consent, 4)
			exec := returning("echo", "x")
			require.NoError(t, o.RegisterExecutor(exec))

			resp, err := o.ExecuteTool(context.Background(), call("echo", 1000))
			require.NoError(t, err)
			assert.Equal(t, StatusConsentDenied, resp.Status)
			assert.Nil(t, resp.Result)
			assert.Equal(t, tt.msg, resp.Error)
			assert.Equal(t, int32(0), exec.calls.Load())
		})
	}
}

func TestExecuteTool_ConsentDeniedSkipsLookup(t *testing.T) {
	o := New(&stubConsent{allow: false}, 1)

	resp, err := o.ExecuteTool(context.Background(), call("nonexistent", 100))
	require.NoError(t, err)
	assert.Equal(t, StatusConsentDenied, resp.Status)
}

func TestExecuteTool_UnknownTool(t *testing.T) {
	consent := &stubConsent{allow: true}
	o := New(consent, 1)

	resp, err := o.ExecuteTool(context.Background(), call("nonexistent", 100))
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrUnknownTool)
	assert.Contains(t, err.Error(), "nonexistent")
	assert.Equal(t, int32(1), consent.calls.Load())
}

func TestExecuteTool_Timeout(t *testing.T) {
	o := New(&stubConsent{allow: true}, 1)
	release := make(chan struct{})
	defer close(release)
	slow := &testExecutor{name: "slow", run: func(ctx context.Context, _ *ToolCall) (any, error) {
		<-release
		return "late", nil
	}}
	require.NoError(t, o.RegisterExecutor(slow))

	resp, err := o.ExecuteTool(context.Background(), call("slow", 50))
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, resp.Status)
	assert.Nil(t, resp.Result)
	assert.Equal(t, MsgTimeout, resp.Error)
	assert.Equal(t, uint64(50), resp.DurationMS)
}

func TestExecuteTool_ExecutorHonouringDeadlineIsTimeout(t *testing.T) {
	o := New(&stubConsent{allow: true}, 1)
	exec := &testExecutor{name: "polite", run: func(ctx context.Context, _ *ToolCall) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	require.NoError(t, o.RegisterExecutor(exec))

	resp, err := o.ExecuteTool(context.Background(), call("polite", 30))
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, resp.Status)
	assert.Equal(t, uint64(30), resp.DurationMS)
}

func TestExecuteTool_Failed(t *testing.T) {
	o := New(&stubConsent{allow: true}, 1)
	require.NoError(t, o.RegisterExecutor(&testExecutor{name: "broken", run: func(context.Context, *ToolCall) (any, error) {
		return nil, errors.New("disk full")
	}}))

	resp, err := o.ExecuteTool(context.Background(), call("broken", 1000))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, "disk full", resp.Error)
	assert.Nil(t, resp.Result)
}

func TestExecuteTool_PanicIsFailed(t *testing.T) {
	o := New(&stubConsent{allow: true}, 1)
	require.NoError(t, o.RegisterExecutor(&testExecutor{name: "panicky", run: func(context.Context, *ToolCall) (any, error) {
		panic("boom")
	}}))

	resp, err := o.ExecuteTool(context.Background(), call("panicky", 1000))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "boom")
}

func TestExecuteTool_ParentCancellationIsFailed(t *testing.T) {
	o := New(&stubConsent{allow: true}, 1)
	started := make(chan struct{})
	require.NoError(t, o.RegisterExecutor(&testExecutor{name: "wait", run: func(ctx context.Context, _ *ToolCall) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	resp, err := o.ExecuteTool(ctx, call("wait", 10_000))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "cancel")
}

func TestExecuteTool_ZeroTimeoutUsesDefault(t *testing.T) {
	o := New(&stubConsent{allow: true}, 1, WithDefaultTimeout(40*time.Millisecond))
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, o.RegisterExecutor(&testExecutor{name: "slow", run: func(context.Context, *ToolCall) (any, error) {
		<-release
		return nil, nil
	}}))

	resp, err := o.ExecuteTool(context.Background(), call("slow", 0))
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, resp.Status)
	assert.Equal(t, uint64(40), resp.DurationMS)
}

func TestExecuteTool_ExecutorSeesCall(t *testing.T) {
	o := New(&stubConsent{allow: true}, 1)
	var seen *ToolCall
	require.NoError(t, o.RegisterExecutor(&testExecutor{name: "inspect", run: func(_ context.Context, c *ToolCall) (any, error) {
		seen = c
		return nil, nil
	}}))

	c := call("inspect", 1000)
	_, err := o.ExecuteTool(context.Background(), c)
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, c.ID, seen.ID)
	assert.JSONEq(t, `{"k":"v"}`, string(seen.Parameters))
}

func TestRegisterExecutor_LastWins(t *testing.T) {
	o := New(&stubConsent{allow: true}, 1)
	first := returning("dup", "first")
	second := returning("dup", "second")
	require.NoError(t, o.RegisterExecutor(first))
	require.NoError(t, o.RegisterExecutor(second))
	require.NoError(t, o.RegisterExecutor(returning("other", nil)))

	assert.Equal(t, []string{"dup", "other"}, o.ListTools())

	resp, err := o.ExecuteTool(context.Background(), call("dup", 1000))
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Result)
	assert.Equal(t, int32(0), first.calls.Load())
	assert.Equal(t, int32(1), second.calls.Load())
}

func TestRegisterExecutor_Invalid(t *testing.T) {
	o := New(&stubConsent{}, 1)
	assert.ErrorIs(t, o.RegisterExecutor(nil), ErrNilExecutor)
	assert.ErrorIs(t, o.RegisterExecutor(returning("", nil)), ErrEmptyToolName)
	assert.Empty(t, o.ListTools())
}

func TestMaxConcurrentIsRecordedNotEnforced(t *testing.T) {
	o := New(&stubConsent{allow: true}, 1)
	assert.Equal(t, 1, o.MaxConcurrent())

	var inFlight, peak atomic.Int32
	gate := make(chan struct{})
	require.NoError(t, o.RegisterExecutor(&testExecutor{name: "hold", run: func(context.Context, *ToolCall) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-gate
		inFlight.Add(-1)
		return nil, nil
	}}))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = o.ExecuteTool(context.Background(), call("hold", 5000))
		}()
	}
	require.Eventually(t, func() bool { return inFlight.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()
	assert.Equal(t, int32(3), peak.Load())
}

func TestRegistry_ConcurrentRegisterAndList(t *testing.T) {
	o := New(&stubConsent{allow: true}, 8)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, o.RegisterExecutor(returning(fmt.Sprintf("tool-%02d", i), i)))
		}(i)
		go func() {
			defer wg.Done()
			names := o.ListTools()
			assert.LessOrEqual(t, len(names), 50)
		}()
	}
	wg.Wait()
	assert.Len(t, o.ListTools(), 50)
}

func TestNewToolCall(t *testing.T) {
	c, err := NewToolCall("echo", "u", "p", nil, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), c.TimeoutMS)
	assert.Nil(t, c.Parameters)
	assert.NotEqual(t, c.ID, c.Context.SessionID)

	_, err = NewToolCall("echo", "u", "p", make(chan int), time.Second)
	assert.Error(t, err)
}
