// Package worker is a small library for writing worker binaries: the
// process that runs as a container's entrypoint and speaks the line-
// delimited JSON protocol back to the host over its own stdin/stdout.
//
// Protocol (JSON lines on stdin/stdout):
//
//	<- {"cmd": "init", "env_id": "...", ...extra params}
//	-> {"status": "ok", "observation": "...", "reward": 0.0, "done": false, ...extras}
//
//	<- {"cmd": "step", "action": "..."}
//	-> {"status": "ok", "observation": "...", "reward": <float>, "done": <bool>, ...extras}
//
//	-> {"status": "error", "message": "..."}
package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Environment is the pair of operations a concrete worker implements; Run
// supplies the protocol loop around it.
type Environment interface {
	// InitEnv initializes the environment and returns its first
	// observation. params carries every command field besides "cmd" and
	// "env_id", forwarded verbatim from the init command.
	InitEnv(envID string, params map[string]json.RawMessage) (observation string, reward float64, done bool, info map[string]any, err error)

	// StepEnv executes one action and returns the resulting transition.
	StepEnv(action string) (observation string, reward float64, done bool, info map[string]any, err error)
}

// Closer is an optional extra an Environment may implement for cleanup
// when stdin closes.
type Closer interface {
	CloseEnv() error
}

// Run executes the main protocol loop against env, reading commands from
// in and writing responses to out, then calls CloseEnv (if env implements
// Closer) once in is exhausted. Run does not redirect any stream and does
// not write to errOut; RunStdio performs the stdout redirection.
func Run(env Environment, in io.Reader, out io.Writer, errOut io.Writer) {
	w := &runner{env: env, out: out}
	w.loop(in)

	if c, ok := env.(Closer); ok {
		_ = c.CloseEnv()
	}
}

// RunStdio is the entrypoint most worker binaries call from main: it wires
// Run to the process's actual stdio, redirecting os.Stdout so the process-
// wide default logger (and anything else that writes to os.Stdout) lands
// on stderr instead of polluting the protocol stream.
func RunStdio(env Environment) {
	realStdout := os.Stdout
	os.Stdout = os.Stderr
	Run(env, os.Stdin, realStdout, os.Stderr)
}

type runner struct {
	env Environment
	out io.Writer
}

func (w *runner) loop(in io.Reader) {
	initialized := false
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var cmd map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			w.sendError(fmt.Sprintf("Invalid JSON: %v", err))
			continue
		}

		var name string
		if raw, ok := cmd["cmd"]; ok {
			json.Unmarshal(raw, &name)
		}

		switch name {
		case "init":
			if w.handleInit(cmd) {
				initialized = true
			}
		case "step":
			if !initialized {
				w.sendError("Environment not initialized")
				continue
			}
			w.handleStep(cmd)
		default:
			w.sendError(fmt.Sprintf("Unknown command: %s", name))
		}
	}
}

// handleInit runs InitEnv and reports the outcome, returning true only on
// success — the caller uses this to decide whether "initialized" flips, so
// a failed init leaves subsequent steps rejected with "Environment not
// initialized" rather than run against an uninitialized environment.
func (w *runner) handleInit(cmd map[string]json.RawMessage) bool {
	var envID string
	if raw, ok := cmd["env_id"]; ok {
		json.Unmarshal(raw, &envID)
	}

	params := make(map[string]json.RawMessage, len(cmd))
	for k, v := range cmd {
		if k == "cmd" || k == "env_id" {
			continue
		}
		params[k] = v
	}

	obs, reward, done, info, err := w.env.InitEnv(envID, params)
	if err != nil {
		w.sendError(fmt.Sprintf("Init failed: %v", err))
		return false
	}
	w.sendOK(obs, reward, done, info)
	return true
}

func (w *runner) handleStep(cmd map[string]json.RawMessage) {
	var action string
	if raw, ok := cmd["action"]; ok {
		json.Unmarshal(raw, &action)
	}

	obs, reward, done, info, err := w.env.StepEnv(action)
	if err != nil {
		w.sendError(fmt.Sprintf("Step failed: %v", err))
		return
	}
	w.sendOK(obs, reward, done, info)
}

func (w *runner) sendOK(observation string, reward float64, done bool, info map[string]any) {
	response := map[string]any{
		"status":      "ok",
		"observation": observation,
		"reward":      reward,
		"done":        done,
	}
	for k, v := range info {
		response[k] = v
	}
	w.send(response)
}

func (w *runner) sendError(message string) {
	w.send(map[string]any{"status": "error", "message": message})
}

func (w *runner) send(obj map[string]any) {
	b, err := json.Marshal(obj)
	if err != nil {
		// Marshal only fails on un-encodable info values supplied by the
		// environment implementation; surface it as a protocol error
		// rather than crashing the worker.
		b, _ = json.Marshal(map[string]any{"status": "error", "message": fmt.Sprintf("failed to encode response: %v", err)})
	}
	w.out.Write(b)
	w.out.Write([]byte("\n"))
	if f, ok := w.out.(interface{ Sync() error }); ok {
		_ = f.Sync()
	}
}
