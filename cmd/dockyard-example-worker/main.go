// Package main is a minimal reference worker, meant to run as a container's
// entrypoint and demonstrate the internal/worker protocol: it echoes back
// whatever action it receives and terminates the episode after a fixed
// number of steps.
package main

import (
	"encoding/json"
	"fmt"

	"github.com/dockyard/dockyard/internal/worker"
)

const maxSteps = 10

type echoEnv struct {
	envID string
	steps int
}

func (e *echoEnv) InitEnv(envID string, params map[string]json.RawMessage) (string, float64, bool, map[string]any, error) {
	e.envID = envID
	e.steps = 0
	return fmt.Sprintf("ready: %s", envID), 0, false, map[string]any{"env_id": envID}, nil
}

func (e *echoEnv) StepEnv(action string) (string, float64, bool, map[string]any, error) {
	e.steps++
	done := e.steps >= maxSteps
	return fmt.Sprintf("echo: %s", action), 1.0, done, map[string]any{"step": e.steps}, nil
}

func main() {
	worker.RunStdio(&echoEnv{})
}
