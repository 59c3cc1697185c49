// Package main implements crisis containment commands for the vigilctl CLI.
package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	// resolveStart and resolveEnd bound the resolved episode (RFC 3339)
	resolveStart string
	resolveEnd   string
)

func init() {
	rootCmd.AddCommand(crisisCmd)

	crisisCmd.AddCommand(crisisStatusCmd)
	crisisCmd.AddCommand(crisisEnterCmd)
	crisisCmd.AddCommand(crisisRecheckCmd)
	crisisCmd.AddCommand(crisisResolveCmd)

	crisisResolveCmd.Flags().StringVar(&resolveStart, "start", "", "episode start time (RFC 3339, default: session entry)")
	crisisResolveCmd.Flags().StringVar(&resolveEnd, "end", "", "episode end time (RFC 3339, default: now)")
}

// crisisCmd is the parent command for crisis containment operations
var crisisCmd = &cobra.Command{
	Use:   "crisis",
	Short: "Crisis containment operations",
	Long: `Drive the crisis containment flow: inspect the open session, open one
manually, apply re-check answers, and resolve the episode.`,
}

// crisisStatusCmd shows the open crisis session
var crisisStatusCmd = &cobra.Command{
	Use:   "status <user-ref>",
	Short: "Show the open crisis session",
	Long: `Show the user's open crisis session with the remaining holding window.

Examples:
  vigilctl crisis status u-7f3a`,
	Args: cobra.ExactArgs(1),
	RunE: runCrisisStatus,
}

// crisisEnterCmd opens or re-anchors a crisis session
var crisisEnterCmd = &cobra.Command{
	Use:   "enter <user-ref>",
	Short: "Open or re-anchor a crisis session",
	Long: `Open a crisis session for the user, or restart the holding window on
the session already open.

Examples:
  vigilctl crisis enter u-7f3a`,
	Args: cobra.ExactArgs(1),
	RunE: runCrisisEnter,
}

// crisisRecheckCmd applies a re-check answer
var crisisRecheckCmd = &cobra.Command{
	Use:   "recheck <user-ref> <answer>",
	Short: "Apply a re-check answer to the open session",
	Long: `Apply the user's re-check answer to the open crisis session.

The answer is one of: stable, same, worse.

Examples:
  vigilctl crisis recheck u-7f3a stable
  vigilctl crisis recheck u-7f3a worse`,
	Args: cobra.ExactArgs(2),
	RunE: runCrisisRecheck,
}

// crisisResolveCmd closes the crisis episode
var crisisResolveCmd = &cobra.Command{
	Use:   "resolve <user-ref>",
	Short: "Resolve the user's crisis episode",
	Long: `Close the user's crisis episode and record its bounds in the
longitudinal state.

Examples:
  vigilctl crisis resolve u-7f3a
  vigilctl crisis resolve u-7f3a --end 2026-08-25T14:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: runCrisisResolve,
}

// Session matches internal/crisis Session as serialized by the daemon
type Session struct {
	ID        string        `json:"id"`
	UserRef   string        `json:"user_ref"`
	Status    string        `json:"status"`
	EnteredAt time.Time     `json:"entered_at"`
	StartedAt time.Time     `json:"started_at"`
	Window    time.Duration `json:"window"`
	Loops     int           `json:"loops"`
}

// CrisisStatusResponse matches pkg/server/server.go CrisisStatusResponse
type CrisisStatusResponse struct {
	Session          *Session `json:"session"`
	RemainingSeconds int      `json:"remaining_seconds"`
	RecheckDue       bool     `json:"recheck_due"`
}

// CrisisEnterResponse matches pkg/server/server.go CrisisEnterResponse
type CrisisEnterResponse struct {
	Session *Session `json:"session"`
	Created bool     `json:"created"`
}

// RecheckRequest matches pkg/server/server.go RecheckRequest
type RecheckRequest struct {
	Response string `json:"response"`
}

// RecheckResponse matches pkg/server/server.go RecheckResponse
type RecheckResponse struct {
	Status           string   `json:"status"`
	Session          *Session `json:"session,omitempty"`
	RemainingSeconds int      `json:"remaining_seconds,omitempty"`
}

// ResolveRequest matches pkg/server/server.go ResolveRequest
type ResolveRequest struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// runCrisisStatus handles the crisis status command
func runCrisisStatus(cmd *cobra.Command, args []string) error {
	var resp CrisisStatusResponse
	status, err := apiCall(http.MethodGet, userPath("/v1/crisis/%s", args[0]), 10*time.Second, nil, &resp,
		http.StatusOK, http.StatusNotFound)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		fmt.Printf("No open crisis session for %s\n", args[0])
		return nil
	}

	printSession(resp.Session)
	if resp.RecheckDue {
		fmt.Printf("Re-check:  due now\n")
	} else {
		fmt.Printf("Re-check:  in %s\n", formatSeconds(resp.RemainingSeconds))
	}

	return nil
}

// runCrisisEnter handles the crisis enter command
func runCrisisEnter(cmd *cobra.Command, args []string) error {
	var resp CrisisEnterResponse
	_, err := apiCall(http.MethodPost, userPath("/v1/crisis/%s/enter", args[0]), 10*time.Second, nil, &resp,
		http.StatusOK, http.StatusCreated)
	if err != nil {
		return err
	}

	if resp.Created {
		fmt.Printf("Crisis session opened\n")
	} else {
		fmt.Printf("Crisis session re-anchored\n")
	}
	printSession(resp.Session)

	return nil
}

// runCrisisRecheck handles the crisis recheck command
func runCrisisRecheck(cmd *cobra.Command, args []string) error {
	req := RecheckRequest{Response: args[1]}

	var resp RecheckResponse
	if _, err := apiCall(http.MethodPost, userPath("/v1/crisis/%s/recheck", args[0]), 10*time.Second, &req, &resp, http.StatusOK); err != nil {
		return err
	}

	fmt.Printf("Status: %s\n", resp.Status)
	if resp.Session != nil {
		printSession(resp.Session)
		if resp.RemainingSeconds > 0 {
			fmt.Printf("Re-check:  in %s\n", formatSeconds(resp.RemainingSeconds))
		}
	}

	return nil
}

// runCrisisResolve handles the crisis resolve command
func runCrisisResolve(cmd *cobra.Command, args []string) error {
	var req ResolveRequest
	if resolveStart != "" {
		ts, err := time.Parse(time.RFC3339, resolveStart)
		if err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
		req.Start = &ts
	}
	if resolveEnd != "" {
		ts, err := time.Parse(time.RFC3339, resolveEnd)
		if err != nil {
			return fmt.Errorf("invalid --end: %w", err)
		}
		req.End = &ts
	}

	var status StatusResponse
	if _, err := apiCall(http.MethodPost, userPath("/v1/crisis/%s/resolve", args[0]), 10*time.Second, &req, &status, http.StatusOK); err != nil {
		return err
	}

	fmt.Printf("Crisis episode %s for %s\n", status.Status, args[0])
	return nil
}

// printSession renders one crisis session for the terminal.
func printSession(s *Session) {
	if s == nil {
		return
	}
	fmt.Printf("Session:   %s\n", s.ID)
	fmt.Printf("User:      %s\n", s.UserRef)
	fmt.Printf("Status:    %s\n", s.Status)
	fmt.Printf("Entered:   %s\n", s.EnteredAt.Format(time.RFC3339))
	fmt.Printf("Window:    %s (loop %d)\n", s.Window, s.Loops)
}

// formatSeconds renders a remaining-seconds count as a duration.
func formatSeconds(seconds int) string {
	return (time.Duration(seconds) * time.Second).String()
}
