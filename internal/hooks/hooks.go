// Package hooks defines the three pluggable extension points a deployment
// can override: startup/shutdown notifications and per-session init-payload
// synthesis. Exposed as a capability record of function-valued fields
// (rather than an interface to subclass) per the Design Notes' guidance —
// this avoids an inheritance hierarchy for what is, at most, three
// independently overridable callbacks.
package hooks

import (
	"context"
	"encoding/json"
	"math/rand/v2"

	"github.com/dockyard/dockyard/internal/config"
)

// InitPayload is the fully-resolved object sent as the worker's init
// command. EnvID may be empty; Params are forwarded to the worker verbatim
// as additional top-level keys.
type InitPayload struct {
	EnvID  string
	Params map[string]json.RawMessage
}

// Hooks is a capability record of the three extension points. A zero-value
// Hooks has nil function fields; use Default() to get the neutral
// implementations described by the spec.
type Hooks struct {
	// OnStartup runs once after infrastructure is up, before the server
	// accepts requests. Typical use: scan data directories to populate
	// EnvFiles.
	OnStartup func(ctx context.Context) error

	// OnShutdown runs once before tear-down.
	OnShutdown func(ctx context.Context) error

	// OnCreateSession resolves a session request into the worker init
	// payload. envID is nil when the client didn't specify one.
	OnCreateSession func(ctx context.Context, envID *string, params map[string]json.RawMessage) (InitPayload, error)
}

// Default returns the neutral hook set: on-startup/on-shutdown are no-ops,
// and on-create-session picks a uniformly random env id from cfg.EnvFiles
// when the caller didn't specify one, then forwards params unchanged.
func Default(cfg config.ServerConfig) Hooks {
	return Hooks{
		OnStartup:  func(context.Context) error { return nil },
		OnShutdown: func(context.Context) error { return nil },
		OnCreateSession: func(_ context.Context, envID *string, params map[string]json.RawMessage) (InitPayload, error) {
			resolved := ""
			if envID != nil {
				resolved = *envID
			} else if len(cfg.EnvFiles) > 0 {
				resolved = cfg.EnvFiles[rand.IntN(len(cfg.EnvFiles))]
			}
			return InitPayload{EnvID: resolved, Params: params}, nil
		},
	}
}

// Fill replaces any nil field of h with the corresponding Default(cfg)
// implementation, so a caller only needs to override the hook(s) it cares
// about.
func (h Hooks) Fill(cfg config.ServerConfig) Hooks {
	def := Default(cfg)
	if h.OnStartup == nil {
		h.OnStartup = def.OnStartup
	}
	if h.OnShutdown == nil {
		h.OnShutdown = def.OnShutdown
	}
	if h.OnCreateSession == nil {
		h.OnCreateSession = def.OnCreateSession
	}
	return h
}
