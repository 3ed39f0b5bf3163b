// Package config defines the immutable server configuration and the
// volume/env-file parsing rules shared by the CLI and the HTTP server.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"
)

// ServerConfig holds every option recognised at startup. It is built once
// at startup and never mutated afterwards — the session manager, batch
// coordinator and Docker gateway all read it concurrently.
type ServerConfig struct {
	DockerImage    string
	WorkerCommand  []string
	Volumes        []Volume
	EnvFiles       []string
	ContainerLabel string
	ContainerEnv   map[string]string
	MaxSessions    int
	StopTimeout    time.Duration
	BatchWindow    time.Duration
	IdleTimeout    time.Duration
	CommandTimeout time.Duration

	Host    string
	Port    int
	Title   string
	Version string
	APIKey  string
}

// Volume is one parsed "host:container[:mode]" mount specification.
type Volume struct {
	HostPath      string
	ContainerPath string
	Mode          string // defaults to "rw"
}

// Default returns a ServerConfig populated with the same defaults the
// original implementation shipped (container_label, max_sessions, batch
// window, idle timeout, command timeout) so callers only need to set the
// fields that matter for their deployment.
func Default() ServerConfig {
	return ServerConfig{
		ContainerLabel: "dockyard-session",
		MaxSessions:    1024,
		StopTimeout:    2 * time.Second,
		BatchWindow:    50 * time.Millisecond,
		IdleTimeout:    120 * time.Second,
		CommandTimeout: 60 * time.Second,
		Host:           "0.0.0.0",
		Port:           8000,
		Title:          "Dockyard API",
		Version:        "0.1.0",
	}
}

// ParseVolume parses one "host:container[:mode]" string, expanding a
// leading "~" in the host path against the current user's home directory.
func ParseVolume(spec string) (Volume, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 1 || parts[0] == "" {
		return Volume{}, fmt.Errorf("invalid volume spec %q", spec)
	}

	host, err := expandHome(parts[0])
	if err != nil {
		return Volume{}, err
	}

	v := Volume{HostPath: host, ContainerPath: host, Mode: "rw"}
	if len(parts) > 1 && parts[1] != "" {
		v.ContainerPath = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		v.Mode = parts[2]
	}
	return v, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand ~: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return home + path[1:], nil
}

// TranslatePath maps a host path under one of cfg's mount prefixes to the
// corresponding container path. Paths outside any mount are returned
// unchanged (identity on unmatched input).
func (c ServerConfig) TranslatePath(hostPath string) string {
	for _, v := range c.Volumes {
		if strings.HasPrefix(hostPath, v.HostPath) {
			return v.ContainerPath + hostPath[len(v.HostPath):]
		}
	}
	return hostPath
}

// LoadEnvFileList reads a newline-delimited file of logical environment ids,
// skipping blank lines.
func LoadEnvFileList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open env file list: %w", err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			ids = append(ids, line)
		}
	}
	return ids, scanner.Err()
}

// Validate checks that required fields are present.
func (c ServerConfig) Validate() error {
	if c.DockerImage == "" {
		return fmt.Errorf("docker_image is required")
	}
	if len(c.WorkerCommand) == 0 {
		return fmt.Errorf("worker_command is required")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive")
	}
	return nil
}
