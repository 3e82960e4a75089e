package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/homehub/auth"
	"github.com/rustyeddy/homehub/registry"
	"github.com/rustyeddy/homehub/service"
	"github.com/rustyeddy/homehub/state"
)

func newTestServer(t *testing.T) (*Server, string, *state.Store, *auth.Service) {
	t.Helper()
	st := state.New(nil)
	svc := service.New(registry.New(), st)
	authSvc := auth.New(nil)
	require.NoError(t, authSvc.CreateUser("alice", "password1234", true))
	tok, err := authSvc.IssueToken("alice")
	require.NoError(t, err)

	s := New(":0", st, svc, nil, authSvc, nil, nil, "test", nil)
	return s, tok, st, authSvc
}

func TestHealthAndConfigAreUnauthenticated(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cfgResp, err := http.Get(ts.URL + "/api/config")
	require.NoError(t, err)
	defer cfgResp.Body.Close()
	assert.Equal(t, http.StatusOK, cfgResp.StatusCode)
}

func TestStatesRequireBearerToken(t *testing.T) {
	t.Parallel()
	s, tok, st, _ := newTestServer(t)
	ts := httptest.NewServer(s.Server.Handler)
	defer ts.Close()

	st.Set("light.kitchen", "on", map[string]any{"brightness": 128})

	resp, err := http.Get(ts.URL + "/api/states/light.kitchen")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/states/light.kitchen", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	var ent state.Entity
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&ent))
	assert.Equal(t, "on", ent.State)
	assert.EqualValues(t, 128, ent.Attributes["brightness"])
}

func TestGetUnknownStateReturns404(t *testing.T) {
	t.Parallel()
	s, tok, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Server.Handler)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/states/light.missing", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCallServiceUnknownServiceReturns404(t *testing.T) {
	t.Parallel()
	s, tok, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Server.Handler)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/services/light/nonexistent", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCallServiceDispatchesToHandler(t *testing.T) {
	t.Parallel()
	st := state.New(nil)
	svc := service.New(registry.New(), st)
	authSvc := auth.New(nil)
	require.NoError(t, authSvc.CreateUser("alice", "password1234", true))
	tok, err := authSvc.IssueToken("alice")
	require.NoError(t, err)

	var gotTarget []string
	svc.Register("light", "turn_on", func(ctx context.Context, call service.Call) error {
		gotTarget = call.Target
		return nil
	})

	s := New(":0", st, svc, nil, authSvc, nil, nil, "test", nil)
	ts := httptest.NewServer(s.Server.Handler)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/services/light/turn_on",
		strings.NewReader(`{"target":{"entity_id":"light.kitchen"}}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"light.kitchen"}, gotTarget)
}
