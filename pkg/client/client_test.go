package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Doctor0Evil/Cybulous/pkg/api"
	"github.com/Doctor0Evil/Cybulous/pkg/consent"
	"github.com/Doctor0Evil/Cybulous/pkg/executors"
	"github.com/Doctor0Evil/Cybulous/pkg/ledger"
	"github.com/Doctor0Evil/Cybulous/pkg/orchestrator"
	"github.com/Doctor0Evil/Cybulous/pkg/provider"
)

func newServer(t *testing.T) *Client {
	t.Helper()
	profiles := provider.NewStatic()
	profiles.SetUser("alice", provider.Profile{Age: 25, Disciplines: []string{"neurorights-basic"}})
	profiles.SetUser("teen", provider.Profile{Age: 17, Disciplines: []string{"neurorights-basic"}})

	engine := consent.NewEngine(profiles, ledger.NewMemory(), 21)
	orch := orchestrator.New(engine, 4)
	require.NoError(t, orch.RegisterExecutor(executors.Echo()))

	srv := httptest.NewServer(api.NewServer(engine, orch).Handler())
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", WithTimeout(5*time.Second))
}

func TestClient_ConsentAndToolFlow(t *testing.T) {
	ctx := context.Background()
	c := newServer(t)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health["status"])

	grant, err := c.RequestConsent(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, consent.StatusActive, grant.Record.Status)

	ok, err := c.VerifyConsent(ctx, "alice", grant.Proof)
	require.NoError(t, err)
	assert.True(t, ok)

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, tools)

	call, err := orchestrator.NewToolCall("echo", "alice", grant.Proof, map[string]any{"msg": "hi"}, time.Second)
	require.NoError(t, err)
	resp, err := c.ExecuteTool(ctx, call)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusSuccess, resp.Status)
	assert.Equal(t, call.ID, resp.CallID)
	assert.Equal(t, map[string]any{"msg": "hi"}, resp.Result)

	require.NoError(t, c.RevokeConsent(ctx, "alice"))

	ok, err = c.VerifyConsent(ctx, "alice", grant.Proof)
	require.NoError(t, err)
	assert.False(t, ok)

	resp, err = c.ExecuteTool(ctx, call)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusConsentDenied, resp.Status)
	assert.Nil(t, resp.Result)
}

func TestClient_Errors(t *testing.T) {
	ctx := context.Background()
	c := newServer(t)

	_, err := c.RequestConsent(ctx, "teen")
	require.Error(t, err)
	assert.True(t, IsPolicyRejection(err))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, api.CodeAgeRequirementNotMet, apiErr.Problem.Code)

	_, err = c.RequestConsent(ctx, "stranger")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.False(t, IsPolicyRejection(err))

	grant, err := c.RequestConsent(ctx, "alice")
	require.NoError(t, err)
	call, err := orchestrator.NewToolCall("nonexistent", "alice", grant.Proof, nil, time.Second)
	require.NoError(t, err)
	_, err = c.ExecuteTool(ctx, call)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestClient_NonProblemError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway melted", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	_, err := New(srv.URL).ListTools(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "Bad Gateway", apiErr.Problem.Detail)
}
