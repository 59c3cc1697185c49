// Package main implements the vigilctl CLI for manual operations against
// the vigild daemon.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the vigild daemon
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vigilctl",
	Short: "CLI for vigild daemon operations",
	Long: `vigilctl is a command-line interface for interacting with the vigild daemon.
It submits check-ins, inspects longitudinal state, drives the crisis
containment flow, and manages safety-plan ordering.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:9090", "vigild daemon URL")
	rootCmd.AddCommand(healthCmd)
}

// healthCmd checks daemon health and readiness
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check vigild daemon health",
	Long: `Check the liveness and readiness of the vigild daemon.

Readiness degrades while background state updates are queued; liveness
stays up for the whole daemon lifetime.

Examples:
  # Check health
  vigilctl health

  # Check health on a different daemon
  vigilctl health --server http://127.0.0.1:8080`,
	RunE: runHealth,
}

// HealthResponse matches pkg/server/server.go HealthResponse
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse matches pkg/server/server.go ReadyResponse
type ReadyResponse struct {
	Status  string `json:"status"`
	Pending int    `json:"pending"`
}

// StatusResponse matches pkg/server/server.go StatusResponse
type StatusResponse struct {
	Status string `json:"status"`
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, args []string) error {
	var health HealthResponse
	if _, err := apiCall(http.MethodGet, "/healthz", 5*time.Second, nil, &health, http.StatusOK); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to reach daemon at %s: %v\n", serverURL, err)
		return err
	}

	var ready ReadyResponse
	status, err := apiCall(http.MethodGet, "/readyz", 5*time.Second, nil, &ready,
		http.StatusOK, http.StatusServiceUnavailable)
	if err != nil {
		return err
	}

	fmt.Printf("Daemon Status: %s\n", health.Status)
	if status == http.StatusServiceUnavailable {
		fmt.Printf("Readiness:     %s (%d pending update(s))\n", ready.Status, ready.Pending)
	} else {
		fmt.Printf("Readiness:     %s\n", ready.Status)
	}
	fmt.Printf("Daemon URL:    %s\n", serverURL)

	return nil
}

// apiCall performs one request against the daemon and decodes the JSON
// response into out when out is non-nil. Statuses outside accept become
// errors carrying the response body.
func apiCall(method, path string, timeout time.Duration, body, out any, accept ...int) (int, error) {
	fullURL := serverURL + path

	var reqBody io.Reader
	if body != nil {
		reqJSON, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(reqJSON)
	}

	httpReq, err := http.NewRequest(method, fullURL, reqBody)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{
		Timeout: timeout,
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("failed to send request to %s: %w", fullURL, err)
	}
	defer resp.Body.Close()

	if !statusAccepted(resp.StatusCode, accept) {
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return resp.StatusCode, fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return resp.StatusCode, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return resp.StatusCode, nil
}

// statusAccepted reports whether code is in the accept set; an empty set
// accepts 200 only.
func statusAccepted(code int, accept []int) bool {
	if len(accept) == 0 {
		return code == http.StatusOK
	}
	for _, a := range accept {
		if code == a {
			return true
		}
	}
	return false
}

// userPath builds a /v1 route with the user reference escaped.
func userPath(format, userRef string) string {
	return fmt.Sprintf(format, url.PathEscape(userRef))
}
