package wsapi

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/homehub/auth"
	"github.com/rustyeddy/homehub/automation"
	"github.com/rustyeddy/homehub/bus"
	"github.com/rustyeddy/homehub/registry"
	"github.com/rustyeddy/homehub/service"
	"github.com/rustyeddy/homehub/state"
	"github.com/rustyeddy/homehub/template"
)

func newTestHub(t *testing.T) (*Hub, *bus.Bus, *state.Store, string) {
	t.Helper()
	b := bus.New(64)
	st := state.New(b)
	svc := service.New(registry.New(), st)
	tpl := template.New(st)
	authSvc := auth.New(nil)
	require.NoError(t, authSvc.CreateUser("alice", "password1234", true))
	tok, err := authSvc.IssueToken("alice")
	require.NoError(t, err)

	eng := automation.New(st, svc, tpl, b, nil, nil, automation.Location{})
	h := New(st, svc, tpl, b, eng, authSvc, nil, nil)
	return h, b, st, tok
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func authenticate(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, "auth_required", f.Type)

	require.NoError(t, conn.WriteJSON(frame{Type: "auth", AccessToken: token}))
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, "auth_ok", f.Type)
}

func TestAuthHandshakeRejectsBadToken(t *testing.T) {
	t.Parallel()
	h, _, _, _ := newTestHub(t)
	ts := httptest.NewServer(h)
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "auth_required", f.Type)

	require.NoError(t, conn.WriteJSON(frame{Type: "auth", AccessToken: "not-a-real-token"}))
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "auth_invalid", f.Type)
}

// TestPingProducesOneResultFrame covers testable property 7: every
// command produces exactly one result frame with the matching id.
func TestPingProducesOneResultFrame(t *testing.T) {
	t.Parallel()
	h, _, _, tok := newTestHub(t)
	ts := httptest.NewServer(h)
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	authenticate(t, conn, tok)

	require.NoError(t, conn.WriteJSON(frame{ID: 1, Type: "ping"}))

	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.EqualValues(t, 1, f.ID)
	assert.Equal(t, "result", f.Type)
	require.NotNil(t, f.Success)
	assert.True(t, *f.Success)
}

func TestGetStatesReturnsSnapshot(t *testing.T) {
	t.Parallel()
	h, _, st, tok := newTestHub(t)
	ts := httptest.NewServer(h)
	defer ts.Close()

	st.Set("light.kitchen", "on", nil)

	conn := dialWS(t, ts.URL)
	authenticate(t, conn, tok)

	require.NoError(t, conn.WriteJSON(frame{ID: 2, Type: "get_states"}))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.EqualValues(t, 2, f.ID)
	require.NotNil(t, f.Success)
	assert.True(t, *f.Success)
	assert.NotNil(t, f.Result)
}

// TestSubscribeEventsStreamsStateChanges covers testable property 7's
// second half: subscribe_events produces a result plus event frames
// for subsequent state changes, until unsubscribe_events.
func TestSubscribeEventsStreamsStateChanges(t *testing.T) {
	t.Parallel()
	h, _, st, tok := newTestHub(t)
	ts := httptest.NewServer(h)
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	authenticate(t, conn, tok)

	require.NoError(t, conn.WriteJSON(frame{ID: 3, Type: "subscribe_events"}))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.EqualValues(t, 3, f.ID)
	assert.Equal(t, "result", f.Type)

	st.Set("sensor.temp", "21", nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "event", f.Type)
	assert.EqualValues(t, 3, f.ID)
	require.NotNil(t, f.Event)

	require.NoError(t, conn.WriteJSON(frame{ID: 4, Type: "unsubscribe_events", Subscription: 3}))
	require.NoError(t, conn.ReadJSON(&f))
	assert.EqualValues(t, 4, f.ID)
	assert.Equal(t, "result", f.Type)
}

func TestCallServiceUnknownReturnsResultError(t *testing.T) {
	t.Parallel()
	h, _, _, tok := newTestHub(t)
	ts := httptest.NewServer(h)
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	authenticate(t, conn, tok)

	require.NoError(t, conn.WriteJSON(frame{ID: 5, Type: "call_service", Domain: "light", Service: "nonexistent"}))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.EqualValues(t, 5, f.ID)
	require.NotNil(t, f.Success)
	assert.False(t, *f.Success)
	require.NotNil(t, f.Error)
}
