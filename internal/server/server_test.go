package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mobileclaw/mobileclaw/internal/config"
	"github.com/mobileclaw/mobileclaw/internal/orchestrator"
	"github.com/mobileclaw/mobileclaw/pkg/types"
)

type fakeStates struct{ states map[string]types.DeviceState }

func (f *fakeStates) States() map[string]types.DeviceState { return f.states }

type fakeControl struct {
	sessions  []*orchestrator.Session
	cancelled []string
	cancelOK  bool
}

func (f *fakeControl) Sessions() []*orchestrator.Session { return f.sessions }

func (f *fakeControl) Cancel(id string) bool {
	f.cancelled = append(f.cancelled, id)
	return f.cancelOK
}

func newTestServer(t *testing.T, cfg config.ServerConfig, ctl *fakeControl) *httptest.Server {
	t.Helper()
	s := New(cfg,
		&fakeStates{states: map[string]types.DeviceState{"pixel-1": types.DeviceReady}},
		ctl, nil, nil, zerolog.Nop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthzIsOpen(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	ts := newTestServer(t, config.ServerConfig{TokenHash: string(hash)}, &fakeControl{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusRequiresToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	ts := newTestServer(t, config.ServerConfig{TokenHash: string(hash)}, &fakeControl{})

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, types.DeviceReady, status.Devices["pixel-1"])
}

func TestEmptyHashDisablesAuth(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{}, &fakeControl{})

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCancelSession(t *testing.T) {
	ctl := &fakeControl{cancelOK: true}
	ts := newTestServer(t, config.ServerConfig{}, ctl)

	resp, err := http.Post(ts.URL+"/sessions/sess-9/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"sess-9"}, ctl.cancelled)
}

func TestCancelUnknownSession(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{}, &fakeControl{cancelOK: false})

	resp, err := http.Post(ts.URL+"/sessions/nope/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
