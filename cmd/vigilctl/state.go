// Package main implements longitudinal state inspection commands for the
// vigilctl CLI.
package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(explainCmd)
}

// stateCmd shows the persisted longitudinal state for a user
var stateCmd = &cobra.Command{
	Use:   "state <user-ref>",
	Short: "Show longitudinal state for a user",
	Long: `Show the compressed longitudinal state the daemon keeps for a user:
trajectory, primary driver, crisis history, detected patterns, and the
clinical narrative.

Examples:
  vigilctl state u-7f3a`,
	Args: cobra.ExactArgs(1),
	RunE: runState,
}

// reportCmd renders the clinician handoff report
var reportCmd = &cobra.Command{
	Use:   "report <user-ref>",
	Short: "Render the clinician handoff report",
	Long: `Render the clinician-facing handoff report for a user from stored
state and recent check-ins.

Examples:
  vigilctl report u-7f3a

  # Save for a referral
  vigilctl report u-7f3a > handoff.txt`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

// explainCmd renders the user-facing risk explanation
var explainCmd = &cobra.Command{
	Use:   "explain <user-ref>",
	Short: "Render the user-facing risk explanation",
	Long: `Render the plain-language explanation of the user's most recent risk
resolution.

Examples:
  vigilctl explain u-7f3a`,
	Args: cobra.ExactArgs(1),
	RunE: runExplain,
}

// StateSummary matches the longitudinal state returned by GET /v1/state/:user
type StateSummary struct {
	UserRef             string    `json:"user_ref"`
	Trajectory          string    `json:"trajectory"`
	PrimaryDriver       string    `json:"primary_driver"`
	LastTier            string    `json:"last_tier"`
	CheckInCount        int       `json:"check_in_count"`
	RecentCrisisCount   int       `json:"recent_crisis_count"`
	DaysSinceLastCrisis *int      `json:"days_since_last_crisis,omitempty"`
	Narrative           string    `json:"narrative,omitempty"`
	Patterns            []string  `json:"patterns,omitempty"`
	LastUpdated         time.Time `json:"last_updated"`
	CreatedAt           time.Time `json:"created_at"`
}

// ReportResponse matches pkg/server/server.go ReportResponse
type ReportResponse struct {
	UserRef string `json:"user_ref"`
	Text    string `json:"text"`
}

// runState handles the state command
func runState(cmd *cobra.Command, args []string) error {
	var state StateSummary
	status, err := apiCall(http.MethodGet, userPath("/v1/state/%s", args[0]), 10*time.Second, nil, &state,
		http.StatusOK, http.StatusNotFound)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		fmt.Printf("No longitudinal state for %s\n", args[0])
		return nil
	}

	fmt.Printf("User:         %s\n", state.UserRef)
	fmt.Printf("Trajectory:   %s\n", state.Trajectory)
	fmt.Printf("Driver:       %s\n", state.PrimaryDriver)
	fmt.Printf("Last tier:    %s\n", state.LastTier)
	fmt.Printf("Check-ins:    %d\n", state.CheckInCount)
	fmt.Printf("Crises (90d): %d\n", state.RecentCrisisCount)
	if state.DaysSinceLastCrisis != nil {
		fmt.Printf("Last crisis:  %d day(s) ago\n", *state.DaysSinceLastCrisis)
	}
	if len(state.Patterns) > 0 {
		fmt.Printf("Patterns:     %s\n", strings.Join(state.Patterns, ", "))
	}
	fmt.Printf("Updated:      %s\n", state.LastUpdated.Format(time.RFC3339))
	if state.Narrative != "" {
		fmt.Printf("\n%s\n", state.Narrative)
	}

	return nil
}

// runReport handles the report command
func runReport(cmd *cobra.Command, args []string) error {
	var report ReportResponse
	if _, err := apiCall(http.MethodGet, userPath("/v1/report/%s", args[0]), 2*time.Minute, nil, &report, http.StatusOK); err != nil {
		return err
	}

	fmt.Println(report.Text)
	return nil
}

// runExplain handles the explain command
func runExplain(cmd *cobra.Command, args []string) error {
	var report ReportResponse
	if _, err := apiCall(http.MethodGet, userPath("/v1/explanation/%s", args[0]), 2*time.Minute, nil, &report, http.StatusOK); err != nil {
		return err
	}

	fmt.Println(report.Text)
	return nil
}
