package integration

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sessionResponse struct {
	SessionID   string `json:"session_id"`
	EnvID       string `json:"env_id"`
	Observation string `json:"observation"`
	Status      string `json:"status"`
}

type stepResponse struct {
	SessionID   string  `json:"session_id"`
	Observation string  `json:"observation"`
	Reward      float64 `json:"reward"`
	Done        bool    `json:"done"`
}

type errorBody struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code"`
}

func createSession(t *testing.T, envID string) sessionResponse {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"env_id": envID})
	resp, err := http.Post(baseURL+"/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out sessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func step(t *testing.T, id, action string) (*http.Response, stepResponse) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"action": action})
	resp, err := http.Post(baseURL+"/sessions/"+id+"/step", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out stepResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func deleteSession(t *testing.T, id string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodDelete, baseURL+"/sessions/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
}

// TestHappyPath mirrors S1 from the design: create, step, observe the
// worker's reply verbatim, delete, and see active_sessions drop back to 0.
func TestHappyPath(t *testing.T) {
	sess := createSession(t, "test-env")
	assert.Equal(t, "active", sess.Status)
	assert.NotEmpty(t, sess.SessionID)
	defer deleteSession(t, sess.SessionID)

	resp, out := step(t, sess.SessionID, "look")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "echo: look", out.Observation)
	assert.False(t, out.Done)

	deleteSession(t, sess.SessionID)

	healthResp, err := http.Get(baseURL + "/health")
	require.NoError(t, err)
	defer healthResp.Body.Close()
	var health map[string]any
	json.NewDecoder(healthResp.Body).Decode(&health)
	assert.EqualValues(t, 0, health["active_sessions"])
}

// TestTerminalStep mirrors S2: once a step reports done, any further step
// is rejected with 409 SESSION_ALREADY_DONE.
func TestTerminalStep(t *testing.T) {
	sess := createSession(t, "test-env")
	defer deleteSession(t, sess.SessionID)

	var last stepResponse
	for i := 0; i < 10 && !last.Done; i++ {
		_, last = step(t, sess.SessionID, "advance")
	}
	require.True(t, last.Done, "example worker should terminate after its fixed step budget")

	resp, _ := step(t, sess.SessionID, "advance")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

// TestAdmissionCap mirrors S3: with max_sessions=2 (configured in
// TestMain), a third concurrent session is rejected with 503, and succeeds
// again once a slot frees up.
func TestAdmissionCap(t *testing.T) {
	a := createSession(t, "test-env")
	defer deleteSession(t, a.SessionID)
	b := createSession(t, "test-env")
	defer deleteSession(t, b.SessionID)

	body, _ := json.Marshal(map[string]any{"env_id": "test-env"})
	resp, err := http.Post(baseURL+"/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var errBody errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.Equal(t, "NO_SLOTS_AVAILABLE", errBody.ErrorCode)

	deleteSession(t, a.SessionID)
	c := createSession(t, "test-env")
	defer deleteSession(t, c.SessionID)
	assert.NotEmpty(t, c.SessionID)
}
