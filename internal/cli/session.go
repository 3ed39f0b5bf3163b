package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func apiRequest(method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, apiURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-Dockyard-API-Key", apiKey)
	}
	return http.DefaultClient.Do(req)
}

func decodeOrFail(resp *http.Response, out any) {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "server returned %s\n", resp.Status)
		io.Copy(os.Stderr, resp.Body)
		os.Exit(1)
	}
	if out == nil {
		return
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse response: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

var (
	createEnvID string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session",
	Run: func(cmd *cobra.Command, args []string) {
		payload := map[string]any{}
		if createEnvID != "" {
			payload["env_id"] = createEnvID
		}
		resp, err := apiRequest(http.MethodPost, "/sessions", payload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect: %v\nIs the server running?\n", err)
			os.Exit(1)
		}
		var out map[string]any
		decodeOrFail(resp, &out)
		printJSON(out)
	},
}

var getCmd = &cobra.Command{
	Use:   "get [session-id]",
	Short: "Fetch current session state",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := apiRequest(http.MethodGet, "/sessions/"+args[0], nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
			os.Exit(1)
		}
		var out map[string]any
		decodeOrFail(resp, &out)
		printJSON(out)
	},
}

var stepCmd = &cobra.Command{
	Use:   "step [session-id] [action]",
	Short: "Execute one step against a session",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := apiRequest(http.MethodPost, "/sessions/"+args[0]+"/step", map[string]string{"action": args[1]})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
			os.Exit(1)
		}
		var out map[string]any
		decodeOrFail(resp, &out)
		printJSON(out)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [session-id]",
	Short: "Delete a session and stop its container",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := apiRequest(http.MethodDelete, "/sessions/"+args[0], nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
			os.Exit(1)
		}
		var out map[string]any
		decodeOrFail(resp, &out)
		printJSON(out)
	},
}

var listEnvsCmd = &cobra.Command{
	Use:   "list-envs",
	Short: "List the environments the server can create sessions against",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := apiRequest(http.MethodGet, "/environments", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
			os.Exit(1)
		}
		var out map[string]any
		decodeOrFail(resp, &out)
		printJSON(out)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health and slot usage",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := apiRequest(http.MethodGet, "/health", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
			os.Exit(1)
		}
		var out map[string]any
		decodeOrFail(resp, &out)
		printJSON(out)
	},
}

func init() {
	createCmd.Flags().StringVar(&createEnvID, "env-id", "", "logical environment id (server picks randomly if omitted)")
	RootCmd.AddCommand(createCmd, getCmd, stepCmd, deleteCmd, listEnvsCmd, healthCmd)
}
