package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnv struct {
	steps   int
	closed  bool
	initErr error
}

func (f *fakeEnv) InitEnv(envID string, params map[string]json.RawMessage) (string, float64, bool, map[string]any, error) {
	if f.initErr != nil {
		return "", 0, false, nil, f.initErr
	}
	return "start:" + envID, 0, false, map[string]any{"moves": 0}, nil
}

func (f *fakeEnv) StepEnv(action string) (string, float64, bool, map[string]any, error) {
	f.steps++
	done := action == "quit"
	return "did:" + action, 1.5, done, map[string]any{"moves": f.steps}, nil
}

func (f *fakeEnv) CloseEnv() error {
	f.closed = true
	return nil
}

func readResponses(t *testing.T, out *bytes.Buffer) []map[string]any {
	t.Helper()
	var got []map[string]any
	for _, line := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		got = append(got, m)
	}
	return got
}

func TestRun_InitThenStepThenDone(t *testing.T) {
	env := &fakeEnv{}
	in := strings.NewReader("{\"cmd\":\"init\",\"env_id\":\"game1\"}\n{\"cmd\":\"step\",\"action\":\"look\"}\n{\"cmd\":\"step\",\"action\":\"quit\"}\n")
	var out, errOut bytes.Buffer

	Run(env, in, &out, &errOut)

	resps := readResponses(t, &out)
	require.Len(t, resps, 3)
	assert.Equal(t, "ok", resps[0]["status"])
	assert.Equal(t, "start:game1", resps[0]["observation"])
	assert.EqualValues(t, 0, resps[0]["moves"])
	assert.Equal(t, "did:look", resps[1]["observation"])
	assert.Equal(t, false, resps[1]["done"])
	assert.Equal(t, "did:quit", resps[2]["observation"])
	assert.Equal(t, true, resps[2]["done"])
	assert.True(t, env.closed)
}

func TestRun_StepAfterFailedInitIsError(t *testing.T) {
	env := &fakeEnv{initErr: errors.New("boom")}
	in := strings.NewReader("{\"cmd\":\"init\",\"env_id\":\"game1\"}\n{\"cmd\":\"step\",\"action\":\"look\"}\n")
	var out, errOut bytes.Buffer

	Run(env, in, &out, &errOut)

	resps := readResponses(t, &out)
	require.Len(t, resps, 2)
	assert.Equal(t, "error", resps[0]["status"])
	assert.Equal(t, "Init failed: boom", resps[0]["message"])
	assert.Equal(t, "error", resps[1]["status"])
	assert.Equal(t, "Environment not initialized", resps[1]["message"])
}

func TestRun_StepBeforeInitIsError(t *testing.T) {
	env := &fakeEnv{}
	in := strings.NewReader("{\"cmd\":\"step\",\"action\":\"look\"}\n")
	var out, errOut bytes.Buffer

	Run(env, in, &out, &errOut)

	resps := readResponses(t, &out)
	require.Len(t, resps, 1)
	assert.Equal(t, "error", resps[0]["status"])
	assert.Equal(t, "Environment not initialized", resps[0]["message"])
}

func TestRun_UnknownCommand(t *testing.T) {
	env := &fakeEnv{}
	in := strings.NewReader("{\"cmd\":\"frobnicate\"}\n")
	var out, errOut bytes.Buffer

	Run(env, in, &out, &errOut)

	resps := readResponses(t, &out)
	require.Len(t, resps, 1)
	assert.Equal(t, "error", resps[0]["status"])
}

func TestRun_InvalidJSONLineIsSkippedWithError(t *testing.T) {
	env := &fakeEnv{}
	in := strings.NewReader("not json\n{\"cmd\":\"init\",\"env_id\":\"x\"}\n")
	var out, errOut bytes.Buffer

	Run(env, in, &out, &errOut)

	resps := readResponses(t, &out)
	require.Len(t, resps, 2)
	assert.Equal(t, "error", resps[0]["status"])
	assert.Equal(t, "ok", resps[1]["status"])
}

func TestRun_EmptyLinesSkipped(t *testing.T) {
	env := &fakeEnv{}
	in := strings.NewReader("\n\n{\"cmd\":\"init\",\"env_id\":\"x\"}\n\n")
	var out, errOut bytes.Buffer

	Run(env, in, &out, &errOut)

	resps := readResponses(t, &out)
	require.Len(t, resps, 1)
}
